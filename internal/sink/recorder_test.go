package sink

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/evtrack/internal/tracker"
)

func sampleEstimates(n int) []tracker.TargetEstimate {
	out := make([]tracker.TargetEstimate, n)
	for i := range out {
		out[i] = tracker.TargetEstimate{
			Cycle:         uint64(i),
			Timestamp:     uint64(1_000 * (i + 1)),
			Channel:       1,
			X:             30 + 0.1*float64(i),
			Y:             40,
			R:             12,
			Tw:            5_000,
			StdX:          0.5,
			StdY:          0.4,
			StdR:          0.2,
			MaxLikelihood: 9.5,
			Confidence:    0.79,
			Detected:      i%2 == 0,
			Events:        200 + i,
		}
	}
	return out
}

func TestRecorderRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "estimates.db")
	rec, err := OpenRecorder(RecorderConfig{Path: path, Source: "synth", ConfigJSON: `{"particles":200}`, BatchSize: 7})
	require.NoError(t, err)
	_, err = uuid.Parse(rec.RunID())
	require.NoError(t, err)

	want := sampleEstimates(50)
	for _, e := range want {
		rec.Publish(e)
	}
	require.NoError(t, rec.Close(`{"cycles":50}`))
	assert.Equal(t, uint64(50), rec.Written())
	assert.Zero(t, rec.Dropped())

	// Publishing after close is counted, not a panic.
	rec.Publish(want[0])
	assert.Equal(t, uint64(1), rec.Dropped())
	require.NoError(t, rec.Close(""))

	store, err := OpenStore(path)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	got, err := store.Estimates(ctx, rec.RunID())
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("estimates mismatch (-want +got):\n%s", diff)
	}

	runs, err := store.Runs(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, rec.RunID(), runs[0].ID)
	assert.Equal(t, "synth", runs[0].Source)
	assert.Equal(t, 50, runs[0].Estimates)
	assert.JSONEq(t, `{"cycles":50}`, runs[0].Stats)
	assert.NotNil(t, runs[0].EndedAt)

	latest, err := store.LatestRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, rec.RunID(), latest)

	v, dirty, err := store.SchemaVersion()
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, uint(2), v)
}

func TestRecorderFlushesOnInterval(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "estimates.db")
	rec, err := OpenRecorder(RecorderConfig{Path: path, FlushInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	defer rec.Close("")

	for _, e := range sampleEstimates(3) {
		rec.Publish(e)
	}
	require.Eventually(t, func() bool { return rec.Written() == 3 }, 5*time.Second, 5*time.Millisecond)
}

func TestStoreWithoutRuns(t *testing.T) {
	t.Parallel()
	store, err := OpenStore(filepath.Join(t.TempDir(), "empty.db"))
	require.NoError(t, err)
	defer store.Close()

	_, err = store.LatestRun(context.Background())
	assert.Error(t, err)
	got, err := store.Estimates(context.Background(), "missing")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAttachAdminRoutes(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "estimates.db")
	rec, err := OpenRecorder(RecorderConfig{Path: path, Source: "test"})
	require.NoError(t, err)
	defer rec.Close("")

	mux := http.NewServeMux()
	require.NoError(t, rec.AttachAdminRoutes(mux))

	for _, route := range []string{"/debug/runs", "/debug/backup", "/debug/tailsql/"} {
		req := httptest.NewRequest(http.MethodGet, route, nil)
		req.RemoteAddr = "127.0.0.1:40000"
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)
		assert.NotEqual(t, http.StatusNotFound, w.Code, route)

		if route == "/debug/runs" && w.Code == http.StatusOK {
			var runs []Run
			require.NoError(t, json.NewDecoder(w.Body).Decode(&runs))
			require.Len(t, runs, 1)
			assert.Equal(t, rec.RunID(), runs[0].ID)
		}
	}
}
