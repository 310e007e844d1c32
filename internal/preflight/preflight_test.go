package preflight

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backend(t *testing.T, h http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func TestCheckOK(t *testing.T) {
	srv := backend(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/health", r.URL.Path)
		w.Write([]byte(`{"ok":true}`))
	})
	rep := Check(context.Background(), srv.URL+"/", time.Second)
	assert.True(t, rep.OK())
	assert.Equal(t, srv.URL+"/api/health", rep.URL)

	var buf bytes.Buffer
	require.NoError(t, rep.Write(&buf))
	assert.Contains(t, buf.String(), "reachable")
}

func TestCheckFailures(t *testing.T) {
	t.Run("unhealthy", func(t *testing.T) {
		srv := backend(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"ok":false}`))
		})
		rep := Check(context.Background(), srv.URL, time.Second)
		assert.Equal(t, OutcomeUnhealthy, rep.Outcome)
	})
	t.Run("status", func(t *testing.T) {
		srv := backend(t, func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		})
		rep := Check(context.Background(), srv.URL, time.Second)
		assert.Equal(t, OutcomeHTTPStatus, rep.Outcome)
		assert.Equal(t, http.StatusNotFound, rep.Status)
		assert.Contains(t, rep.Hint, "backend root")
	})
	t.Run("refused", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()
		rep := Check(context.Background(), url, time.Second)
		assert.Equal(t, OutcomeTransport, rep.Outcome)
		assert.NotEmpty(t, rep.Hint)

		var buf bytes.Buffer
		require.NoError(t, rep.Write(&buf))
		assert.Contains(t, buf.String(), "Hint:")
	})
	t.Run("timeout", func(t *testing.T) {
		release := make(chan struct{})
		srv := backend(t, func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		})
		defer close(release)
		rep := Check(context.Background(), srv.URL, 50*time.Millisecond)
		assert.Equal(t, OutcomeTimeout, rep.Outcome)
	})
}
