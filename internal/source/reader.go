package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/banshee-data/evtrack/internal/event"
	"github.com/banshee-data/evtrack/internal/timeutil"
)

// ReaderSource streams records from an io.Reader such as a recorded file
// or stdin. Unpaced, it reads as fast as the reader allows and the ingest
// buffer drops whatever the tracker cannot keep up with.
type ReaderSource struct {
	name string
	r    io.Reader
	counters
	chunk int
	rate  float64 // records per second; 0 is unpaced
	clock timeutil.Clock
}

// NewReaderSource wraps r. chunk is the read size; zero uses 64 KiB.
func NewReaderSource(name string, r io.Reader, chunk int) *ReaderSource {
	if chunk <= 0 {
		chunk = 64 * 1024
	}
	return &ReaderSource{name: name, r: r, chunk: chunk}
}

// Pace limits replay to rate records per second, measured on clock (nil
// uses the real clock). Reads are shrunk to about 10ms of records.
func (s *ReaderSource) Pace(rate float64, clock timeutil.Clock) *ReaderSource {
	if rate <= 0 {
		return s
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	s.rate, s.clock = rate, clock
	if n := int(rate/100) * event.RecordSize; n < s.chunk {
		s.chunk = max(n, event.RecordSize)
	}
	return s
}

func (s *ReaderSource) Name() string { return s.name }

// Counters returns cumulative read statistics.
func (s *ReaderSource) Counters() Counters { return s.snapshot() }

func (s *ReaderSource) Run(ctx context.Context, w io.Writer) error {
	var f framer
	var start time.Time
	var sent uint64 // bytes handed to the framer
	buf := make([]byte, s.chunk)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := s.r.Read(buf)
		if n > 0 {
			if s.rate > 0 {
				if start.IsZero() {
					start = s.clock.Now()
				} else if perr := s.pace(ctx, start, sent); perr != nil {
					return perr
				}
				sent += uint64(n)
			}
			s.reads.Add(1)
			ok, werr := f.write(w, buf[:n], &s.counters)
			if werr != nil {
				return werr
			}
			if !ok {
				return nil
			}
		}
		if errors.Is(err, io.EOF) {
			s.discarded.Add(uint64(len(f.pending)))
			return nil
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", s.name, err)
		}
	}
}

// pace waits until the records in the first sent bytes are due.
func (s *ReaderSource) pace(ctx context.Context, start time.Time, sent uint64) error {
	records := float64(sent / event.RecordSize)
	due := start.Add(time.Duration(records / s.rate * float64(time.Second)))
	wait := due.Sub(s.clock.Now())
	if wait <= 0 {
		return nil
	}
	t := s.clock.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C():
		return nil
	}
}
