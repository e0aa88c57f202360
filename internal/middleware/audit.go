package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/oklog/ulid/v2"

	"github.com/iliyamo/storefront-auth/internal/audit"
	"github.com/iliyamo/storefront-auth/internal/model"
)

const (
	auditDetailsKey = "audit.details"
	auditBodyLimit  = 4 << 10
)

// Recorder accepts finished audit entries. It must not block.
type Recorder interface {
	Emit(e model.AuditEntry) bool
}

// AuditConfig configures the Audit middleware.
type AuditConfig struct {
	Recorder  Recorder
	Retention time.Duration
	// Skip lists exact paths that are never audited.
	Skip []string
	Now  func() time.Time
}

// AuditDetails attaches extra fields to the entry of the current request.
// Sensitive keys are masked before the entry leaves the process.
func AuditDetails(c echo.Context, kv map[string]any) {
	d, _ := c.Get(auditDetailsKey).(map[string]any)
	if d == nil {
		d = make(map[string]any, len(kv))
	}
	for k, v := range kv {
		d[k] = v
	}
	c.Set(auditDetailsKey, d)
}

// captureWriter keeps the first limit bytes of the body while forwarding
// everything to the client.
type captureWriter struct {
	http.ResponseWriter
	buf   bytes.Buffer
	limit int
}

func (cw *captureWriter) Write(b []byte) (int, error) {
	if remain := cw.limit - cw.buf.Len(); remain > 0 {
		if len(b) > remain {
			cw.buf.Write(b[:remain])
		} else {
			cw.buf.Write(b)
		}
	}
	return cw.ResponseWriter.Write(b)
}

// Flush keeps streaming responses working behind the wrapper.
func (cw *captureWriter) Flush() {
	if f, ok := cw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Audit records every mutating request and every error response. The rest
// of the chain runs first; its error is rendered here so the final status is
// known. Recording problems never reach the client.
func Audit(cfg AuditConfig) echo.MiddlewareFunc {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 90 * 24 * time.Hour
	}
	skip := make(map[string]bool, len(cfg.Skip))
	for _, p := range cfg.Skip {
		skip[p] = true
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if cfg.Recorder == nil || skip[req.URL.Path] {
				return next(c)
			}
			resp := c.Response()
			cw := &captureWriter{ResponseWriter: resp.Writer, limit: auditBodyLimit}
			resp.Writer = cw

			if err := next(c); err != nil {
				c.Error(err)
			}

			status := resp.Status
			if !audit.ShouldPersist(req.Method, status) {
				return nil
			}
			cfg.Recorder.Emit(buildEntry(c, cfg, status, cw.buf.Bytes()))
			return nil
		}
	}
}

func buildEntry(c echo.Context, cfg AuditConfig, status int, body []byte) model.AuditEntry {
	req := c.Request()
	now := cfg.Now().UTC()
	var msg struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	}
	_ = json.Unmarshal(body, &msg)

	e := model.AuditEntry{
		ID:         ulid.Make().String(),
		UserRole:   "guest",
		Method:     req.Method,
		Endpoint:   req.URL.Path,
		StatusCode: status,
		Status:     audit.Outcome(status),
		IP:         c.RealIP(),
		UserAgent:  req.UserAgent(),
		CreatedAt:  now,
		ExpiresAt:  now.Add(cfg.Retention),
	}
	if e.UserAgent == "" {
		e.UserAgent = "Unknown"
	}
	u, logged := UserFrom(c)
	if logged {
		id := u.ID
		e.UserID, e.UserEmail, e.UserRole = &id, u.Email, string(u.Role)
	}
	cl := audit.Classify(audit.Request{
		Method: req.Method, Path: req.URL.Path, Status: status, Code: msg.Code, Role: e.UserRole,
	})
	e.Action, e.ResourceType = cl.Action, cl.ResourceType

	switch {
	case c.Param("id") != "":
		e.ResourceID = c.Param("id")
	case cl.Self && logged:
		e.ResourceID = strconv.FormatUint(u.ID, 10)
	}
	if status >= http.StatusBadRequest {
		e.ErrorMessage = msg.Message
	}
	if d, ok := c.Get(auditDetailsKey).(map[string]any); ok {
		e.Details = audit.Mask(d)
	}
	return e
}
