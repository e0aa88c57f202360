package audit

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/storefront-auth/internal/model"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name   string
		req    Request
		action model.AuditAction
		rt     model.ResourceType
	}{
		{"login ok", Request{Method: "POST", Path: "/api/v1/users/login", Status: 200}, model.ActionLoginSuccess, model.ResourceUser},
		{"login pending verification", Request{Method: "POST", Path: "/api/v1/users/login", Status: 201}, model.ActionLoginSuccess, model.ResourceUser},
		{"login bad password", Request{Method: "POST", Path: "/api/v1/users/login", Status: 401, Code: "INVALID_PASSWORD"}, model.ActionLoginFailed, model.ResourceUser},
		{"login locked", Request{Method: "POST", Path: "/api/v1/users/login", Status: 401, Code: "ACCOUNT_LOCKED"}, model.ActionLoginAttemptLimitExceeded, model.ResourceUser},
		{"login banned", Request{Method: "POST", Path: "/api/v1/users/login", Status: 403}, model.ActionLoginFailed, model.ResourceUser},
		{"logout", Request{Method: "POST", Path: "/api/v1/users/logout", Status: 200}, model.ActionLogout, model.ResourceUser},
		{"password change", Request{Method: "PATCH", Path: "/api/v1/users/updateMyPassword", Status: 200}, model.ActionPasswordChanged, model.ResourceUser},
		{"password reset", Request{Method: "PATCH", Path: "/api/v1/users/resetPassword/abc", Status: 200}, model.ActionPasswordReset, model.ResourceUser},
		{"signup", Request{Method: "POST", Path: "/api/v1/users/signup", Status: 201}, model.ActionUserCreated, model.ResourceUser},
		{"delete me", Request{Method: "DELETE", Path: "/api/v1/users/deleteMe", Status: 204}, model.ActionUserDeleted, model.ResourceUser},
		{"state change", Request{Method: "PATCH", Path: "/api/v1/users/7/state", Status: 200, Role: "super_admin"}, model.ActionUserUpdated, model.ResourceUser},
		{"order create", Request{Method: "POST", Path: "/api/v1/orders", Status: 201}, model.ActionOrderCreated, model.ResourceOrder},
		{"order update", Request{Method: "PATCH", Path: "/api/v1/orders/9", Status: 200}, model.ActionOrderUpdated, model.ResourceOrder},
		{"order cancel", Request{Method: "DELETE", Path: "/api/v1/orders/9", Status: 200}, model.ActionOrderCancelled, model.ResourceOrder},
		{"payment", Request{Method: "POST", Path: "/api/v1/payment/payos", Status: 200}, model.ActionPaymentInitiated, model.ResourcePayment},
		{"webhook ok", Request{Method: "POST", Path: "/api/v1/payment/payos/webhook", Status: 200}, model.ActionPaymentCompleted, model.ResourcePayment},
		{"webhook bad signature", Request{Method: "POST", Path: "/api/v1/payment/payos/webhook", Status: 401}, model.ActionPaymentFailed, model.ResourcePayment},
		{"product create", Request{Method: "POST", Path: "/api/v1/products", Status: 201}, model.ActionProductCreated, model.ResourceProduct},
		{"product update", Request{Method: "PATCH", Path: "/api/v1/products/3", Status: 200}, model.ActionProductUpdated, model.ResourceProduct},
		{"product delete", Request{Method: "DELETE", Path: "/api/v1/products/3", Status: 204}, model.ActionProductDeleted, model.ResourceProduct},
		{"forbidden", Request{Method: "GET", Path: "/api/v1/audit-logs", Status: 403, Role: "user"}, model.ActionUnauthorizedAccess, model.ResourceSystem},
		{"server error", Request{Method: "GET", Path: "/api/v1/users/me", Status: 500}, model.ActionSystemError, model.ResourceSystem},
		{"admin", Request{Method: "POST", Path: "/api/v1/users/revoke", Status: 200, Role: "admin"}, model.ActionAdminAction, model.ResourceAdmin},
		{"other", Request{Method: "PATCH", Path: "/api/v1/users/createAddress", Status: 200, Role: "user"}, model.ActionOther, model.ResourceSystem},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.req)
			assert.Equal(t, tc.action, got.Action)
			assert.Equal(t, tc.rt, got.ResourceType)
		})
	}
}

func TestShouldPersist(t *testing.T) {
	assert.True(t, ShouldPersist(http.MethodPost, 200))
	assert.True(t, ShouldPersist(http.MethodDelete, 204))
	assert.True(t, ShouldPersist(http.MethodGet, 404))
	assert.False(t, ShouldPersist(http.MethodGet, 200))
	assert.False(t, ShouldPersist(http.MethodHead, 304))

	assert.Equal(t, model.AuditSuccess, Outcome(201))
	assert.Equal(t, model.AuditFailure, Outcome(401))
}

func TestMask(t *testing.T) {
	in := map[string]any{
		"email":    "a@b.co",
		"password": "Secret1!",
		"payment": map[string]any{
			"cardNumber": "4111111111111111",
			"items":      []any{map[string]any{"creditCard": "x", "sku": "A1"}},
		},
		"passwordConfirm": "Secret1!",
	}
	out := Mask(in)

	assert.Equal(t, "a@b.co", out["email"])
	assert.Equal(t, Redacted, out["password"])
	assert.Equal(t, Redacted, out["passwordConfirm"])
	pay := out["payment"].(map[string]any)
	assert.Equal(t, Redacted, pay["cardNumber"])
	item := pay["items"].([]any)[0].(map[string]any)
	assert.Equal(t, Redacted, item["creditCard"])
	assert.Equal(t, "A1", item["sku"])

	// input untouched
	assert.Equal(t, "Secret1!", in["password"])
	assert.Nil(t, Mask(nil))
}

type recordingSink struct {
	mu      sync.Mutex
	entries []model.AuditEntry
	block   chan struct{}
	err     error
}

func (s *recordingSink) Write(_ context.Context, e model.AuditEntry) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return s.err
}

func (s *recordingSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func TestDispatcherDeliversAndDrains(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(Config{BufferSize: 8}, sink)

	for i := 0; i < 5; i++ {
		require.True(t, d.Emit(model.AuditEntry{Action: model.ActionOther}))
	}
	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, 5, sink.len())
	assert.Zero(t, d.Dropped())

	assert.False(t, d.Emit(model.AuditEntry{}), "closed dispatcher accepts nothing")
	assert.EqualValues(t, 1, d.Dropped())
	require.NoError(t, d.Close(context.Background()), "second close is a no-op")
}

func TestDispatcherDropsWhenFullWithoutBlocking(t *testing.T) {
	sink := &recordingSink{block: make(chan struct{})}
	var drops int
	var mu sync.Mutex
	d := NewDispatcher(Config{BufferSize: 1, OnDrop: func() { mu.Lock(); drops++; mu.Unlock() }}, sink)

	// The worker takes the first entry and blocks in the sink; the second
	// fills the buffer; everything after that is dropped.
	d.Emit(model.AuditEntry{ID: "1"})
	require.Eventually(t, func() bool { return len(d.ch) == 0 }, time.Second, time.Millisecond)
	require.True(t, d.Emit(model.AuditEntry{ID: "2"}))

	start := time.Now()
	for i := 0; i < 10; i++ {
		assert.False(t, d.Emit(model.AuditEntry{ID: "x"}))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.EqualValues(t, 10, d.Dropped())
	mu.Lock()
	assert.Equal(t, 10, drops)
	mu.Unlock()

	close(sink.block)
	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, 2, sink.len())
}

func TestDispatcherReportsSinkFailure(t *testing.T) {
	var failed []error
	var mu sync.Mutex
	sink := SinkFunc(func(context.Context, model.AuditEntry) error { return errors.New("mongo down") })
	d := NewDispatcher(Config{OnFail: func(err error) { mu.Lock(); failed = append(failed, err); mu.Unlock() }}, sink)

	d.Emit(model.AuditEntry{})
	require.NoError(t, d.Close(context.Background()))
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, failed, 1)
	assert.EqualError(t, failed[0], "mongo down")
}

func TestDispatcherCloseHonoursContext(t *testing.T) {
	sink := &recordingSink{block: make(chan struct{})}
	d := NewDispatcher(Config{BufferSize: 4}, sink)
	d.Emit(model.AuditEntry{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Close(ctx), context.DeadlineExceeded)
	close(sink.block)
}
