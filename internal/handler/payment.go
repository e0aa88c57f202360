package handler

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/iliyamo/storefront-auth/internal/middleware"
	"github.com/iliyamo/storefront-auth/internal/webhook"
)

// PaymentWebhook acknowledges authenticated gateway callbacks. Order
// settlement is owned by the order service; here the callback is only
// recorded.
func PaymentWebhook(log zerolog.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		p, ok := webhook.PayloadFrom(c)
		if !ok {
			return c.JSON(http.StatusBadRequest, echo.Map{"code": "error", "desc": "unsigned callback", "success": false})
		}
		var data struct {
			OrderCode json.Number `json:"orderCode"`
			Amount    json.Number `json:"amount"`
		}
		_ = json.Unmarshal(p.Data, &data)
		middleware.AuditDetails(c, map[string]any{
			"orderCode": data.OrderCode.String(),
			"amount":    data.Amount.String(),
			"success":   p.Success,
		})
		log.Info().Str("order_code", data.OrderCode.String()).Bool("success", p.Success).Msg("payment callback")
		return c.JSON(http.StatusOK, echo.Map{"code": "00", "desc": "success", "success": true})
	}
}
