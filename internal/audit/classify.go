// Package audit turns finished HTTP exchanges into audit entries and hands
// them to a sink without slowing the request down.
package audit

import (
	"net/http"
	"strings"

	"github.com/iliyamo/storefront-auth/internal/model"
)

// Request is what the classifier sees of a finished exchange.
type Request struct {
	Method string
	Path   string
	Status int
	// Code is the machine-readable error code of the response body, if any.
	Code string
	Role string
}

// Classification is the action and resource an exchange is filed under.
type Classification struct {
	Action       model.AuditAction
	ResourceType model.ResourceType
	// Self marks actions whose resource is the acting user.
	Self bool
}

type rule struct {
	match    func(r Request) bool
	classify func(r Request) Classification
}

func has(sub string) func(Request) bool {
	return func(r Request) bool { return strings.Contains(r.Path, sub) }
}

func hasWith(sub string, methods ...string) func(Request) bool {
	return func(r Request) bool {
		if !strings.Contains(r.Path, sub) {
			return false
		}
		for _, m := range methods {
			if r.Method == m {
				return true
			}
		}
		return false
	}
}

func fixed(a model.AuditAction, rt model.ResourceType, self bool) func(Request) Classification {
	return func(Request) Classification { return Classification{Action: a, ResourceType: rt, Self: self} }
}

func ok(status int) bool { return status >= 200 && status < 300 }

// rules are evaluated in order; the first match wins.
var rules = []rule{
	{has("/users/login"), func(r Request) Classification {
		c := Classification{Action: model.ActionLoginFailed, ResourceType: model.ResourceUser, Self: true}
		switch {
		case ok(r.Status):
			c.Action = model.ActionLoginSuccess
		case r.Code == "ACCOUNT_LOCKED":
			c.Action = model.ActionLoginAttemptLimitExceeded
		}
		return c
	}},
	{has("/users/logout"), fixed(model.ActionLogout, model.ResourceUser, true)},
	{has("/users/updateMyPassword"), fixed(model.ActionPasswordChanged, model.ResourceUser, true)},
	{has("/users/resetPassword"), fixed(model.ActionPasswordReset, model.ResourceUser, true)},
	{has("/users/signup"), fixed(model.ActionUserCreated, model.ResourceUser, true)},
	{has("/users/deleteMe"), fixed(model.ActionUserDeleted, model.ResourceUser, true)},
	{func(r Request) bool {
		return strings.Contains(r.Path, "/users/") && (strings.HasSuffix(r.Path, "/state") || strings.HasSuffix(r.Path, "/unlock"))
	}, fixed(model.ActionUserUpdated, model.ResourceUser, false)},
	{hasWith("/orders", http.MethodPost), fixed(model.ActionOrderCreated, model.ResourceOrder, false)},
	{hasWith("/orders", http.MethodPatch, http.MethodPut), fixed(model.ActionOrderUpdated, model.ResourceOrder, false)},
	{hasWith("/orders", http.MethodDelete), fixed(model.ActionOrderCancelled, model.ResourceOrder, false)},
	{has("/payment/payos/webhook"), func(r Request) Classification {
		if ok(r.Status) {
			return Classification{Action: model.ActionPaymentCompleted, ResourceType: model.ResourcePayment}
		}
		return Classification{Action: model.ActionPaymentFailed, ResourceType: model.ResourcePayment}
	}},
	{has("/payment/payos"), fixed(model.ActionPaymentInitiated, model.ResourcePayment, false)},
	{hasWith("/products", http.MethodPost), fixed(model.ActionProductCreated, model.ResourceProduct, false)},
	{hasWith("/products", http.MethodPatch, http.MethodPut), fixed(model.ActionProductUpdated, model.ResourceProduct, false)},
	{hasWith("/products", http.MethodDelete), fixed(model.ActionProductDeleted, model.ResourceProduct, false)},
	{func(r Request) bool { return r.Status == http.StatusForbidden }, fixed(model.ActionUnauthorizedAccess, model.ResourceSystem, false)},
	{func(r Request) bool { return r.Status >= http.StatusInternalServerError }, fixed(model.ActionSystemError, model.ResourceSystem, false)},
	{func(r Request) bool { return r.Role == string(model.RoleAdmin) || r.Role == string(model.RoleSuperAdmin) },
		fixed(model.ActionAdminAction, model.ResourceAdmin, false)},
}

// Classify files a finished exchange under an action and resource type.
func Classify(r Request) Classification {
	for _, rl := range rules {
		if rl.match(r) {
			return rl.classify(r)
		}
	}
	return Classification{Action: model.ActionOther, ResourceType: model.ResourceSystem}
}

// ShouldPersist reports whether an exchange is worth keeping: every mutating
// request and every error. Successful reads are not kept.
func ShouldPersist(method string, status int) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return status >= http.StatusBadRequest
}

// Outcome is SUCCESS below 400 and FAILURE otherwise.
func Outcome(status int) string {
	if status >= http.StatusBadRequest {
		return model.AuditFailure
	}
	return model.AuditSuccess
}
