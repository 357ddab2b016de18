package sink

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/evtrack/internal/monitoring"
	"github.com/banshee-data/evtrack/internal/tracker"
)

// RecorderConfig configures a Recorder.
type RecorderConfig struct {
	Path          string
	Source        string        // recorded with the run
	ConfigJSON    string        // tuning snapshot recorded with the run
	QueueDepth    int           // pending estimates before drops; default 1024
	BatchSize     int           // rows per transaction; default 256
	FlushInterval time.Duration // maximum batching delay; default 500ms
}

// Recorder persists estimates to SQLite under a fresh run ID. Publish
// never blocks: estimates are queued and written in batches by a
// background goroutine, and dropped when the queue is full.
type Recorder struct {
	*Store
	cfg   RecorderConfig
	runID string

	mu      sync.Mutex
	closed  bool
	queue   chan tracker.TargetEstimate
	done    chan struct{}
	dropped atomic.Uint64
	written atomic.Uint64
	errs    atomic.Uint64
}

// OpenRecorder opens the store, registers a new run and starts the writer.
func OpenRecorder(cfg RecorderConfig) (*Recorder, error) {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 1024
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 256
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	store, err := OpenStore(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open recorder %s: %w", cfg.Path, err)
	}
	r := &Recorder{
		Store: store,
		cfg:   cfg,
		runID: uuid.NewString(),
		queue: make(chan tracker.TargetEstimate, cfg.QueueDepth),
		done:  make(chan struct{}),
	}
	if _, err := store.db.Exec(`INSERT INTO runs (run_id, source, config_json) VALUES (?, ?, ?)`,
		r.runID, cfg.Source, cfg.ConfigJSON); err != nil {
		store.Close()
		return nil, fmt.Errorf("register run: %w", err)
	}
	monitoring.Logf("recording estimates to %s as run %s", cfg.Path, r.runID)
	go r.writeLoop()
	return r, nil
}

// RunID returns the ID estimates are recorded under.
func (r *Recorder) RunID() string { return r.runID }

// Publish queues est for writing.
func (r *Recorder) Publish(est tracker.TargetEstimate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}
	select {
	case r.queue <- est:
	default:
		r.dropped.Add(1)
	}
}

// Dropped returns the number of estimates not recorded.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Written returns the number of estimates committed.
func (r *Recorder) Written() uint64 { return r.written.Load() }

func (r *Recorder) writeLoop() {
	defer close(r.done)
	batch := make([]tracker.TargetEstimate, 0, r.cfg.BatchSize)
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := r.insert(batch); err != nil {
			r.errs.Add(1)
			r.dropped.Add(uint64(len(batch)))
			monitoring.Logf("recorder: failed to write %d estimates: %v", len(batch), err)
		} else {
			r.written.Add(uint64(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case est, ok := <-r.queue:
			if !ok {
				flush()
				return
			}
			batch = append(batch, est)
			if len(batch) >= r.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (r *Recorder) insert(batch []tracker.TargetEstimate) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO estimates (
			run_id, cycle, sensor_time, channel, x, y, r, tw, std_x, std_y, std_r,
			max_likelihood, confidence, detected, events
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range batch {
		detected := 0
		if e.Detected {
			detected = 1
		}
		if _, err := stmt.Exec(r.runID, int64(e.Cycle), int64(e.Timestamp), int(e.Channel),
			e.X, e.Y, e.R, e.Tw, e.StdX, e.StdY, e.StdR,
			e.MaxLikelihood, e.Confidence, detected, e.Events); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Close flushes queued estimates, records the run's end time and stats,
// and closes the database. statsJSON may be empty.
func (r *Recorder) Close(statsJSON string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	<-r.done
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := r.db.ExecContext(ctx, `UPDATE runs SET ended_at = ?, stats_json = NULLIF(?, '') WHERE run_id = ?`,
		time.Now().UTC(), statsJSON, r.runID)
	if cerr := r.Store.Close(); err == nil {
		err = cerr
	}
	monitoring.Logf("recorder: run %s closed, %d estimates written, %d dropped",
		r.runID, r.written.Load(), r.dropped.Load())
	return err
}
