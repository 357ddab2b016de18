package source

import (
	"bytes"
	"context"
	"errors"
	"runtime"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/evtrack/internal/event"
	"github.com/banshee-data/evtrack/internal/ingest"
	"github.com/banshee-data/evtrack/internal/timeutil"
)

func records(n int) []byte {
	var b []byte
	for i := 0; i < n; i++ {
		b = event.AppendEncoded(b, event.Event{
			Kind:  event.KindAddress,
			X:     uint16(i % 300),
			Y:     uint16(i % 200),
			Stamp: uint32(i * 10),
		})
	}
	return b
}

// chunkWriter records the size of every Write.
type chunkWriter struct {
	bytes.Buffer
	sizes []int
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	w.sizes = append(w.sizes, len(p))
	return w.Buffer.Write(p)
}

func TestFramerNeverSplitsRecords(t *testing.T) {
	t.Parallel()
	data := records(50)
	var out chunkWriter
	var c counters
	var f framer
	for i := 0; i < len(data); i += 7 {
		end := min(i+7, len(data))
		ok, err := f.write(&out, data[i:end], &c)
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.Equal(t, data, out.Bytes())
	assert.Empty(t, f.pending)
	for _, n := range out.sizes {
		assert.Zero(t, n%event.RecordSize)
	}
	assert.Equal(t, uint64(len(data)), c.bytes.Load())
}

func TestReaderSourceOneByteReads(t *testing.T) {
	t.Parallel()
	data := records(20)
	data = append(data, 0x01, 0x02) // trailing partial record
	src := NewReaderSource("test", iotest.OneByteReader(bytes.NewReader(data)), 0)

	var out bytes.Buffer
	require.NoError(t, src.Run(context.Background(), &out))
	assert.Equal(t, data[:20*event.RecordSize], out.Bytes())
	c := src.Counters()
	assert.Equal(t, uint64(20*event.RecordSize), c.Bytes)
	assert.Equal(t, uint64(2), c.Discarded)
	assert.Equal(t, "test", src.Name())
}

func TestReaderSourceStopsWhenBufferCloses(t *testing.T) {
	t.Parallel()
	buf := ingest.NewBuffer(ingest.BufferConfig{Capacity: 1024, Align: event.RecordSize})
	buf.Close()
	src := NewReaderSource("closed", bytes.NewReader(records(5)), 0)
	assert.NoError(t, src.Run(context.Background(), buf))
}

func TestReaderSourcePropagatesReadErrors(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	src := NewReaderSource("bad", iotest.ErrReader(boom), 0)
	err := src.Run(context.Background(), &bytes.Buffer{})
	assert.ErrorIs(t, err, boom)
}

func TestReaderSourceHonoursCancellation(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := NewReaderSource("cancelled", bytes.NewReader(records(5)), 0)
	assert.ErrorIs(t, src.Run(ctx, &bytes.Buffer{}), context.Canceled)
}

func TestReaderSourcePacesByRecordRate(t *testing.T) {
	t.Parallel()
	data := records(30)
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	// 1000 records/s reads 10 records per chunk, due at 0, 10 and 20ms.
	src := NewReaderSource("paced", bytes.NewReader(data), 0).Pace(1000, clock)

	var out syncBuffer
	done := make(chan error, 1)
	go func() { done <- src.Run(context.Background(), &out) }()

	var err error
	for finished := false; !finished; {
		select {
		case err = <-done:
			finished = true
		default:
			clock.Advance(time.Millisecond)
			runtime.Gosched()
		}
	}
	require.NoError(t, err)
	assert.Equal(t, data, out.Bytes())
	assert.Equal(t, uint64(3), src.Counters().Reads)
	assert.GreaterOrEqual(t, clock.Now().Sub(time.Unix(0, 0)), 20*time.Millisecond)
}

func TestReaderSourcePaceIgnoresNonPositiveRate(t *testing.T) {
	t.Parallel()
	src := NewReaderSource("unpaced", bytes.NewReader(records(3)), 0).Pace(0, nil)
	assert.Zero(t, src.rate)
	assert.Equal(t, 64*1024, src.chunk)
}

func TestWritePacketDiscardsPartialTail(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	var c counters
	p := append(records(3), 0xff, 0xff, 0xff)
	ok, err := writePacket(&out, p, &c)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3*event.RecordSize, out.Len())
	assert.Equal(t, Counters{Bytes: 27, Discarded: 3}, c.snapshot())
}
