package handler

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/iliyamo/storefront-auth/internal/auth"
)

// ErrorHandler is the single place errors become responses:
// {status: "fail"|"error", message, code?, ...fields}.
func ErrorHandler(log zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status, body := render(err)
		if status >= http.StatusInternalServerError {
			log.Error().Err(err).Str("method", c.Request().Method).Str("path", c.Request().URL.Path).Msg("request failed")
		}
		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(status)
			return
		}
		_ = c.JSON(status, body)
	}
}

func render(err error) (int, echo.Map) {
	var ae *auth.Error
	if errors.As(err, &ae) {
		status := ae.Status()
		body := echo.Map{"status": statusWord(status), "message": ae.Message}
		if ae.Code != "" {
			body["code"] = ae.Code
		}
		for k, v := range ae.Fields {
			body[k] = v
		}
		return status, body
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := fmt.Sprint(he.Message)
		if he.Code >= http.StatusInternalServerError {
			msg = "something went wrong"
		}
		return he.Code, echo.Map{"status": statusWord(he.Code), "message": msg}
	}

	return http.StatusInternalServerError, echo.Map{"status": "error", "message": "something went wrong"}
}

func statusWord(status int) string {
	if status >= http.StatusInternalServerError {
		return "error"
	}
	return "fail"
}
