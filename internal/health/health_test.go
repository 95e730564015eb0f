package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, h http.Handler, method string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, "/healthz", nil))
	var resp Response
	if method != http.MethodHead {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

func TestHandler_WithoutSnapshot(t *testing.T) {
	w, resp := get(t, Handler("executor", nil), http.MethodGet)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "executor", resp.Component)
	assert.NotEmpty(t, resp.Build.Version)
	assert.NotEmpty(t, resp.Build.GoVersion)
	assert.Contains(t, resp.Build.Platform, "/")
	assert.Nil(t, resp.Run)
	assert.False(t, resp.Timestamp.IsZero())
	assert.NotContains(t, w.Body.String(), `"run"`)
}

func TestHandler_ReportsSnapshotPerRequest(t *testing.T) {
	phase := "booting"
	since := time.Now().Add(-90 * time.Second)
	h := Handler("executor", func() Snapshot {
		return Snapshot{RunID: "20261019T153000Z-1f3a9c0d", Phase: phase, PhaseSince: since}
	})

	_, resp := get(t, h, http.MethodGet)
	require.NotNil(t, resp.Run)
	assert.Equal(t, "20261019T153000Z-1f3a9c0d", resp.Run.ID)
	assert.Equal(t, "booting", resp.Run.Phase)
	assert.GreaterOrEqual(t, resp.Run.PhaseSeconds, int64(90))

	phase = "running"
	_, resp = get(t, h, http.MethodGet)
	assert.Equal(t, "running", resp.Run.Phase)
}

func TestHandler_ZeroPhaseSince(t *testing.T) {
	h := Handler("executor", func() Snapshot { return Snapshot{Phase: "idle"} })
	_, resp := get(t, h, http.MethodGet)
	require.NotNil(t, resp.Run)
	assert.Empty(t, resp.Run.ID)
	assert.Zero(t, resp.Run.PhaseSeconds)
}

func TestHandler_AnyMethod(t *testing.T) {
	h := Handler("executor", nil)
	for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodHead} {
		t.Run(method, func(t *testing.T) {
			w, _ := get(t, h, method)
			assert.Equal(t, http.StatusOK, w.Code)
		})
	}
}
