package model

import "time"

// AuditAction tags what an audited request did.
type AuditAction string

const (
	ActionLoginSuccess              AuditAction = "LOGIN_SUCCESS"
	ActionLoginFailed               AuditAction = "LOGIN_FAILED"
	ActionLoginAttemptLimitExceeded AuditAction = "LOGIN_ATTEMPT_LIMIT_EXCEEDED"
	ActionLogout                    AuditAction = "LOGOUT"
	ActionPasswordChanged           AuditAction = "PASSWORD_CHANGED"
	ActionPasswordReset             AuditAction = "PASSWORD_RESET"
	ActionUserCreated               AuditAction = "USER_CREATED"
	ActionUserUpdated               AuditAction = "USER_UPDATED"
	ActionUserDeleted               AuditAction = "USER_DELETED"
	ActionOrderCreated              AuditAction = "ORDER_CREATED"
	ActionOrderUpdated              AuditAction = "ORDER_UPDATED"
	ActionOrderCancelled            AuditAction = "ORDER_CANCELLED"
	ActionPaymentInitiated          AuditAction = "PAYMENT_INITIATED"
	ActionPaymentCompleted          AuditAction = "PAYMENT_COMPLETED"
	ActionPaymentFailed             AuditAction = "PAYMENT_FAILED"
	ActionProductCreated            AuditAction = "PRODUCT_CREATED"
	ActionProductUpdated            AuditAction = "PRODUCT_UPDATED"
	ActionProductDeleted            AuditAction = "PRODUCT_DELETED"
	ActionDataExport                AuditAction = "DATA_EXPORT"
	ActionSensitiveDataAccessed     AuditAction = "SENSITIVE_DATA_ACCESSED"
	ActionUnauthorizedAccess        AuditAction = "UNAUTHORIZED_ACCESS_ATTEMPT"
	ActionAdminAction               AuditAction = "ADMIN_ACTION"
	ActionSystemError               AuditAction = "SYSTEM_ERROR"
	ActionOther                     AuditAction = "OTHER"
)

// ResourceType groups audited endpoints.
type ResourceType string

const (
	ResourceUser    ResourceType = "User"
	ResourceOrder   ResourceType = "Order"
	ResourceProduct ResourceType = "Product"
	ResourcePayment ResourceType = "Payment"
	ResourceAdmin   ResourceType = "Admin"
	ResourceSystem  ResourceType = "System"
)

const (
	AuditSuccess = "SUCCESS"
	AuditFailure = "FAILURE"
)

// AuditEntry is one append-only audit record. Actor fields are snapshots and
// survive deletion of the user.
type AuditEntry struct {
	ID           string         `json:"id" bson:"_id"`
	UserID       *uint64        `json:"userId,omitempty" bson:"userId,omitempty"`
	UserEmail    string         `json:"userEmail,omitempty" bson:"userEmail,omitempty"`
	UserRole     string         `json:"userRole" bson:"userRole"`
	Action       AuditAction    `json:"action" bson:"action"`
	ResourceType ResourceType   `json:"resourceType" bson:"resourceType"`
	ResourceID   string         `json:"resourceId,omitempty" bson:"resourceId,omitempty"`
	ResourceName string         `json:"resourceName,omitempty" bson:"resourceName,omitempty"`
	Method       string         `json:"method" bson:"method"`
	Endpoint     string         `json:"endpoint" bson:"endpoint"`
	StatusCode   int            `json:"statusCode" bson:"statusCode"`
	Status       string         `json:"status" bson:"status"`
	ErrorMessage string         `json:"errorMessage,omitempty" bson:"errorMessage,omitempty"`
	IP           string         `json:"ipAddress" bson:"ipAddress"`
	UserAgent    string         `json:"userAgent" bson:"userAgent"`
	Details      map[string]any `json:"details,omitempty" bson:"details,omitempty"`
	CreatedAt    time.Time      `json:"createdAt" bson:"createdAt"`
	ExpiresAt    time.Time      `json:"expiresAt" bson:"expiresAt"`
}
