package httpapi

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wardenhq/warden/internal/queue"
)

type staticStatus struct{ s queue.Status }

func (p staticStatus) GetStatus() queue.Status { return p.s }

func TestRoutes(t *testing.T) {
	s := New(":0", staticStatus{queue.Status{
		ActiveTotal:      1,
		ActiveContainers: 1,
		Waiting:          []string{"beta"},
	}}, zap.NewNop())

	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	require.Equal(t, 200, rec.Code)
	require.Equal(t, "ok", rec.Body.String())

	rec = httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/status", nil))
	require.Equal(t, 200, rec.Code)
	var got queue.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, 1, got.ActiveTotal)
	require.Equal(t, []string{"beta"}, got.Waiting)

	rec = httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")
}
