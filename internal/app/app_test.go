package app

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServeDrainsInFlightRequests(t *testing.T) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	started := make(chan struct{})
	var finished atomic.Bool
	e.GET("/slow", func(c echo.Context) error {
		close(started)
		time.Sleep(300 * time.Millisecond)
		finished.Store(true)
		return c.String(http.StatusOK, "done")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- serve(ctx, e, "127.0.0.1:0", 5*time.Second) }()

	require.Eventually(t, func() bool { return e.ListenerAddr() != nil }, 2*time.Second, 10*time.Millisecond)

	status := make(chan int, 1)
	go func() {
		resp, err := http.Get("http://" + e.ListenerAddr().String() + "/slow")
		if err != nil {
			status <- 0
			return
		}
		resp.Body.Close()
		status <- resp.StatusCode
	}()

	<-started
	cancel()
	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("serve did not return")
	}
	assert.True(t, finished.Load(), "serve returned before the request finished")
	assert.Equal(t, http.StatusOK, <-status)
}

func TestServeReportsListenErrors(t *testing.T) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	err := serve(context.Background(), e, "127.0.0.1:-1", time.Second)
	assert.Error(t, err)
}
