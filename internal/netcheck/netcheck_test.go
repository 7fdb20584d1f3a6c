package netcheck

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHTTPProbe(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusNoContent)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	probe := NewHTTPProbe(srv.URL, time.Second, nil)
	assert.True(t, probe.Online(context.Background()))

	status.Store(http.StatusNotFound)
	assert.True(t, probe.Online(context.Background()))

	status.Store(http.StatusBadGateway)
	assert.False(t, probe.Online(context.Background()))
}

func TestHTTPProbe_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	assert.False(t, NewHTTPProbe(url, time.Second, nil).Online(context.Background()))
}

func TestHTTPProbe_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	start := time.Now()
	assert.False(t, NewHTTPProbe(srv.URL, 50*time.Millisecond, nil).Online(context.Background()))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestAlways(t *testing.T) {
	assert.True(t, Always{}.Online(context.Background()))
}
