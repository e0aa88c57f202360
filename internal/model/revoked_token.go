package model

import "time"

// RevokeReason says why a token was put on the blacklist.
type RevokeReason string

const (
	ReasonUserLogout       RevokeReason = "USER_LOGOUT"
	ReasonForceLogout      RevokeReason = "FORCE_LOGOUT"
	ReasonPasswordChanged  RevokeReason = "PASSWORD_CHANGED"
	ReasonAdminRevoke      RevokeReason = "ADMIN_REVOKE"
	ReasonSecurityIncident RevokeReason = "SECURITY_INCIDENT"
)

func ParseRevokeReason(s string) (RevokeReason, bool) {
	switch r := RevokeReason(s); r {
	case ReasonUserLogout, ReasonForceLogout, ReasonPasswordChanged, ReasonAdminRevoke, ReasonSecurityIncident:
		return r, true
	}
	return "", false
}

// RevokedToken is a blacklist entry. Only the SHA-256 of the token is kept;
// ExpiresAt is the token's own exp claim and drives the store TTL.
type RevokedToken struct {
	TokenHash string       `json:"tokenHash"`
	UserID    uint64       `json:"userId"`
	Reason    RevokeReason `json:"reason"`
	ExpiresAt time.Time    `json:"expiresAt"`
	CreatedAt time.Time    `json:"createdAt"`
	IP        string       `json:"ipAddress,omitempty"`
	UserAgent string       `json:"userAgent,omitempty"`
}
