package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/storefront-auth/internal/auth"
	"github.com/iliyamo/storefront-auth/internal/model"
)

// AuditQuerier reads the audit trail.
type AuditQuerier interface {
	Trail(ctx context.Context, resourceType model.ResourceType, resourceID string, limit int) ([]model.AuditEntry, error)
	Activity(ctx context.Context, userID uint64, limit int) ([]model.AuditEntry, error)
}

// AuditHandler serves /api/v1/audit-logs.
type AuditHandler struct {
	Audit AuditQuerier
}

// List answers either ?userId=<id> (what a user did) or
// ?resourceType=<type>[&resourceId=<id>] (what happened to a resource).
func (h *AuditHandler) List(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	ctx, cancel := reqCtx(c)
	defer cancel()

	var (
		entries []model.AuditEntry
		err     error
	)
	switch {
	case c.QueryParam("userId") != "":
		id, perr := strconv.ParseUint(c.QueryParam("userId"), 10, 64)
		if perr != nil {
			return auth.Validation("Invalid userId")
		}
		entries, err = h.Audit.Activity(ctx, id, limit)
	case c.QueryParam("resourceType") != "":
		rt, ok := parseResourceType(c.QueryParam("resourceType"))
		if !ok {
			return auth.Validation("Unknown resourceType")
		}
		entries, err = h.Audit.Trail(ctx, rt, c.QueryParam("resourceId"), limit)
	default:
		return auth.Validation("Provide userId or resourceType")
	}
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []model.AuditEntry{}
	}
	return c.JSON(http.StatusOK, echo.Map{"status": "success", "results": len(entries), "data": echo.Map{"logs": entries}})
}

func parseResourceType(s string) (model.ResourceType, bool) {
	switch rt := model.ResourceType(s); rt {
	case model.ResourceUser, model.ResourceOrder, model.ResourceProduct,
		model.ResourcePayment, model.ResourceAdmin, model.ResourceSystem:
		return rt, true
	}
	return "", false
}
