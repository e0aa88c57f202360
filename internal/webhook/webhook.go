// Package webhook authenticates payment gateway callbacks. The gateway signs
// the compact JSON of the "data" object with HMAC-SHA256 and a shared
// checksum key, hex encoded.
package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const maxBody = 64 << 10

var (
	ErrNoKey          = errors.New("webhook: checksum key not configured")
	ErrMissingData    = errors.New("webhook: missing data")
	ErrBadSignature   = errors.New("webhook: signature mismatch")
	errMalformedInput = errors.New("webhook: malformed body")
)

// Payload is the callback envelope.
type Payload struct {
	Code      string          `json:"code"`
	Desc      string          `json:"desc"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Signature string          `json:"signature"`
}

// Sign returns the hex HMAC-SHA256 of data after compacting it. Only
// insignificant whitespace is removed: key order and escapes such as \u00e9
// or \/ are signed exactly as received, so a sender that re-encodes them
// produces a different signature.
func Sign(key string, data []byte) (string, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(buf.Bytes())
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify checks signature in constant time.
func Verify(key string, data []byte, signature string) bool {
	want, err := Sign(key, data)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(want), []byte(signature))
}

// Parse decodes the envelope and authenticates it. Without a key nothing
// authenticates.
func Parse(key string, body []byte) (Payload, error) {
	if key == "" {
		return Payload{}, ErrNoKey
	}
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Payload{}, errMalformedInput
	}
	var head struct {
		OrderCode json.RawMessage `json:"orderCode"`
	}
	if len(p.Data) == 0 || json.Unmarshal(p.Data, &head) != nil || len(head.OrderCode) == 0 || string(head.OrderCode) == "null" {
		return Payload{}, ErrMissingData
	}
	if !Verify(key, p.Data, p.Signature) {
		return Payload{}, ErrBadSignature
	}
	return p, nil
}

const payloadKey = "webhook.payload"

// PayloadFrom returns the payload authenticated by RequireSignature.
func PayloadFrom(c echo.Context) (Payload, bool) {
	p, ok := c.Get(payloadKey).(Payload)
	return p, ok
}

func reject(c echo.Context, status int, desc string) error {
	return c.JSON(status, echo.Map{"code": "error", "desc": desc, "success": false})
}

// RequireSignature rejects callbacks whose signature does not match.
func RequireSignature(key string, log zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBody))
			if err != nil {
				return reject(c, http.StatusBadRequest, "cannot read body")
			}
			p, err := Parse(key, body)
			switch {
			case errors.Is(err, ErrNoKey):
				log.Error().Msg("webhook rejected: PAYOS_CHECKSUM_KEY is empty")
				return reject(c, http.StatusServiceUnavailable, "webhook not configured")
			case errors.Is(err, ErrBadSignature):
				log.Warn().Str("ip", c.RealIP()).Msg("webhook signature mismatch")
				return reject(c, http.StatusUnauthorized, "invalid signature")
			case errors.Is(err, ErrMissingData):
				return reject(c, http.StatusBadRequest, "missing order code")
			case err != nil:
				return reject(c, http.StatusBadRequest, "malformed body")
			}
			c.Set(payloadKey, p)
			return next(c)
		}
	}
}
