package pipeline

import (
	"sync"
	"time"

	"github.com/banshee-data/evtrack/internal/tracker"
)

// Stats is a point-in-time view of the pipeline counters.
type Stats struct {
	Source         string  `json:"source"`
	Events         uint64  `json:"events"`          // address events decoded
	Markers        uint64  `json:"markers"`         // wrap markers decoded
	Unknown        uint64  `json:"unknown"`         // records with an unknown kind
	OutOfBounds    uint64  `json:"out_of_bounds"`   // events outside the sensor
	BytesLost      uint64  `json:"bytes_lost"`      // dropped by the ingest buffer
	Swaps          uint64  `json:"swaps"`           // ingest buffer swaps
	Batches        uint64  `json:"batches"`         // notices offered to the tracker
	BatchesSkipped uint64  `json:"batches_skipped"` // notices superseded before the tracker ran
	BatchesDropped uint64  `json:"batches_dropped"` // notices evicted from a full queue
	Wraps          uint64  `json:"wraps"`           // rollovers on the tracked channel
	Suspect        uint64  `json:"suspect"`         // small regressions taken as rollovers
	Clamped        uint64  `json:"clamped"`         // regressions absorbed in sideband mode
	LastRef        uint64  `json:"last_ref"`        // sensor time of the latest notice
	EventRate      float64 `json:"event_rate"`      // events per second over the last interval
	IngestState    string  `json:"ingest_state"`
	IngestFill     int     `json:"ingest_fill"`

	Tracker tracker.Stats `json:"tracker"`
}

// rateMeter turns a cumulative count into a per-second rate between
// samples.
type rateMeter struct {
	mu    sync.Mutex
	last  uint64
	at    time.Time
	rate  float64
	valid bool
}

func (m *rateMeter) sample(total uint64, now time.Time) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.valid {
		if dt := now.Sub(m.at).Seconds(); dt > 0 {
			m.rate = float64(total-m.last) / dt
		}
	}
	m.last, m.at, m.valid = total, now, true
	return m.rate
}

func (m *rateMeter) value() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rate
}
