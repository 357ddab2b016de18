package source

import (
	"context"
	"errors"
	"io"
	"sync/atomic"

	"github.com/banshee-data/evtrack/internal/event"
	"github.com/banshee-data/evtrack/internal/ingest"
)

// Source produces encoded event records.
type Source interface {
	// Name identifies the source in logs and status output.
	Name() string
	// Run writes records to w until the input is exhausted (returning nil),
	// ctx is done (returning ctx.Err()), or w is closed (returning nil).
	Run(ctx context.Context, w io.Writer) error
}

// Counters are cumulative source statistics.
type Counters struct {
	Reads     uint64 `json:"reads"`     // datagrams, packets or read calls
	Bytes     uint64 `json:"bytes"`     // bytes handed to the writer
	Discarded uint64 `json:"discarded"` // trailing bytes that did not form a record
}

type counters struct {
	reads, bytes, discarded atomic.Uint64
}

func (c *counters) snapshot() Counters {
	return Counters{Reads: c.reads.Load(), Bytes: c.bytes.Load(), Discarded: c.discarded.Load()}
}

// framer joins a byte stream into whole records. Bytes that do not yet
// complete a record are held until the next write.
type framer struct {
	pending []byte
}

// write forwards every complete record in pending+p to w and keeps the
// remainder. It reports whether w is still accepting data.
func (f *framer) write(w io.Writer, p []byte, c *counters) (bool, error) {
	f.pending = append(f.pending, p...)
	whole := len(f.pending) - len(f.pending)%event.RecordSize
	if whole == 0 {
		return true, nil
	}
	_, err := w.Write(f.pending[:whole])
	n := copy(f.pending, f.pending[whole:])
	f.pending = f.pending[:n]
	if errors.Is(err, ingest.ErrClosed) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	c.bytes.Add(uint64(whole))
	return true, nil
}

// writePacket forwards the whole-record prefix of a self-contained packet.
func writePacket(w io.Writer, p []byte, c *counters) (bool, error) {
	whole := len(p) - len(p)%event.RecordSize
	if rem := len(p) - whole; rem > 0 {
		c.discarded.Add(uint64(rem))
	}
	if whole == 0 {
		return true, nil
	}
	_, err := w.Write(p[:whole])
	if errors.Is(err, ingest.ErrClosed) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	c.bytes.Add(uint64(whole))
	return true, nil
}
