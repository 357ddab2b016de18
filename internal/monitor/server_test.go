package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/evtrack/internal/pipeline"
	"github.com/banshee-data/evtrack/internal/sink"
	"github.com/banshee-data/evtrack/internal/tracker"
)

type fakeStatus struct{ stats pipeline.Stats }

func (f fakeStatus) Stats() pipeline.Stats { return f.stats }

type fakeTracker struct {
	particles []tracker.Particle
	latest    *tracker.TargetEstimate
}

func (f fakeTracker) Particles() []tracker.Particle { return f.particles }

func (f fakeTracker) Latest() (tracker.TargetEstimate, bool) {
	if f.latest == nil {
		return tracker.TargetEstimate{}, false
	}
	return *f.latest, true
}

func (f fakeTracker) Config() tracker.Config {
	return tracker.Config{Width: 64, Height: 48, TickPeriod: time.Microsecond}
}

// localRequest appears to come from localhost so tsweb debug access is allowed.
func localRequest(method, path string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

func newTestServer(t *testing.T, cfg ServerConfig) *Server {
	t.Helper()
	s, err := NewServer(cfg)
	require.NoError(t, err)
	return s
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func populated() ServerConfig {
	h := NewHistory(16)
	for c := uint64(1); c <= 5; c++ {
		h.Publish(tracker.TargetEstimate{Cycle: c, Timestamp: c * 1000, X: 10 + float64(c), Y: 20, R: 8, MaxLikelihood: 5, Confidence: 0.7, Detected: true})
	}
	latest := tracker.TargetEstimate{Cycle: 5, X: 15, Y: 20, R: 8, Detected: true}
	return ServerConfig{
		Status:  fakeStatus{stats: pipeline.Stats{Source: "synth", Events: 42}},
		Tracker: fakeTracker{
			particles: []tracker.Particle{{ID: 0, X: 15, Y: 20, R: 8, Weight: 0.75}, {ID: 1, X: 40, Y: 30, R: 12, Weight: 0.25}},
			latest:    &latest,
		},
		History: h,
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, ServerConfig{})
	rr := serve(s, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.Contains(t, rr.Body.String(), `"status": "ok"`)

	rr = serve(s, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestStatus(t *testing.T) {
	t.Parallel()

	t.Run("populated", func(t *testing.T) {
		s := newTestServer(t, populated())
		rr := serve(s, httptest.NewRequest(http.MethodGet, "/api/status", nil))
		require.Equal(t, http.StatusOK, rr.Code)

		var st Status
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&st))
		require.NotNil(t, st.Pipeline)
		assert.Equal(t, uint64(42), st.Pipeline.Events)
		assert.Equal(t, "synth", st.Pipeline.Source)
		require.NotNil(t, st.Latest)
		assert.Equal(t, uint64(5), st.Latest.Cycle)
		assert.Equal(t, 5, st.History)
	})

	t.Run("empty", func(t *testing.T) {
		s := newTestServer(t, ServerConfig{})
		rr := serve(s, httptest.NewRequest(http.MethodGet, "/api/status", nil))
		require.Equal(t, http.StatusOK, rr.Code)
		body := rr.Body.String()
		assert.NotContains(t, body, `"pipeline"`)
		assert.NotContains(t, body, `"latest"`)
	})
}

func TestEstimates(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, populated())

	tests := []struct {
		name   string
		query  string
		status int
		want   []uint64
	}{
		{name: "all", query: "", status: http.StatusOK, want: []uint64{1, 2, 3, 4, 5}},
		{name: "limit", query: "?limit=2", status: http.StatusOK, want: []uint64{4, 5}},
		{name: "bad limit", query: "?limit=x", status: http.StatusBadRequest},
		{name: "zero limit", query: "?limit=0", status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := serve(s, httptest.NewRequest(http.MethodGet, "/api/estimates"+tt.query, nil))
			require.Equal(t, tt.status, rr.Code)
			if tt.want == nil {
				return
			}
			var got []tracker.TargetEstimate
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&got))
			assert.Equal(t, tt.want, cycles(got))
		})
	}

	empty := newTestServer(t, ServerConfig{})
	rr := serve(empty, httptest.NewRequest(http.MethodGet, "/api/estimates", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCharts(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, populated())

	rr := serve(s, localRequest(http.MethodGet, "/debug/charts/estimates"))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/html; charset=utf-8", rr.Header().Get("Content-Type"))
	assert.Contains(t, rr.Body.String(), "Target estimate")

	rr = serve(s, localRequest(http.MethodGet, "/debug/charts/particles"))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "Particle cloud")

	rr = serve(s, localRequest(http.MethodGet, "/debug/"))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "charts/particles")
}

func TestChartsWithoutData(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, ServerConfig{History: NewHistory(4), Tracker: fakeTracker{}})

	for _, route := range []string{"/debug/charts/estimates", "/debug/charts/particles"} {
		rr := serve(s, localRequest(http.MethodGet, route))
		assert.Equal(t, http.StatusNotFound, rr.Code, route)
	}
}

func TestStoreRoutes(t *testing.T) {
	t.Parallel()
	store, err := sink.OpenStore(filepath.Join(t.TempDir(), "estimates.db"))
	require.NoError(t, err)
	defer store.Close()

	s := newTestServer(t, ServerConfig{Store: store})
	rr := serve(s, localRequest(http.MethodGet, "/debug/runs"))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, strings.HasPrefix(strings.TrimSpace(rr.Body.String()), "["), rr.Body.String())
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, ServerConfig{Address: "127.0.0.1:0"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	require.Eventually(t, func() bool { return s.Addr() != nil }, 5*time.Second, 10*time.Millisecond)
	resp, err := http.Get("http://" + s.Addr().String() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
