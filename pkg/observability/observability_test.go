package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledProviderIsNoop(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false}, nil)
	require.NoError(t, err)

	ctx, done := p.TrackRun(context.Background(), "thr_test")
	assert.NotNil(t, ctx)
	done(errors.New("boom"))

	p.RecordError(context.Background(), errors.New("boom"))
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestMiddleware_DisabledProviderPassesThrough(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false}, nil)
	require.NoError(t, err)

	handler := p.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("ok"))
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/theatres", nil))

	assert.Equal(t, http.StatusTeapot, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "theatre-engine", cfg.ServiceName)
	assert.Equal(t, 1.0, cfg.SampleRate)
	assert.True(t, cfg.Enabled)
}
