package ingest

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAndSwap(t *testing.T) {
	t.Parallel()
	b := NewBuffer(BufferConfig{Capacity: 16})

	n, err := b.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	_, _ = b.Write([]byte("def"))

	batch := b.SwapAndDrain()
	assert.Equal(t, []byte("abcdef"), batch.Data)
	assert.Zero(t, batch.Loss)
	assert.Equal(t, 0, b.Fill(), "active half is empty after swap")

	_, _ = b.Write([]byte("xy"))
	batch = b.SwapAndDrain()
	assert.Equal(t, []byte("xy"), batch.Data)
	assert.Equal(t, uint64(2), b.Swaps())
}

func TestWriteOverflowNeverBlocks(t *testing.T) {
	t.Parallel()
	const capacity = 1024
	b := NewBuffer(BufferConfig{Capacity: capacity})

	payload := bytes.Repeat([]byte{0x5A}, 3*capacity+17)
	done := make(chan struct{})
	go func() {
		defer close(done)
		n, err := b.Write(payload)
		assert.NoError(t, err)
		assert.Equal(t, len(payload), n)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Write blocked on overflow")
	}

	overflow := uint64(len(payload) - capacity)
	assert.Equal(t, overflow, b.Loss())
	assert.Equal(t, overflow, b.TotalLoss())

	// further writes into a full buffer drop everything
	_, _ = b.Write([]byte{1, 2, 3})
	assert.Equal(t, overflow+3, b.TotalLoss())

	batch := b.SwapAndDrain()
	assert.Len(t, batch.Data, capacity)
	assert.Equal(t, overflow+3, batch.Loss)
	assert.Zero(t, b.Loss(), "loss resets on swap")
	assert.Equal(t, overflow+3, b.TotalLoss(), "lifetime loss is monotonic")
}

func TestWriteAlignedTruncation(t *testing.T) {
	t.Parallel()
	b := NewBuffer(BufferConfig{Capacity: 20, Align: 9})

	_, _ = b.Write(make([]byte, 9))
	_, _ = b.Write(make([]byte, 18)) // 11 bytes of room, only one record fits
	assert.Equal(t, 18, b.Fill())
	assert.Equal(t, uint64(9), b.Loss())
}

func TestReadyFiresAtThreshold(t *testing.T) {
	t.Parallel()
	b := NewBuffer(BufferConfig{Capacity: 100, Threshold: 10})

	_, _ = b.Write(make([]byte, 9))
	select {
	case <-b.Ready():
		t.Fatal("ready fired below threshold")
	default:
	}
	assert.Equal(t, StateFilling, b.State())

	_, _ = b.Write(make([]byte, 1))
	assert.Equal(t, StateSwapRequested, b.State())
	select {
	case <-b.Ready():
	default:
		t.Fatal("ready did not fire at threshold")
	}
}

func TestReadyFiresOnOverflowWithoutThreshold(t *testing.T) {
	t.Parallel()
	b := NewBuffer(BufferConfig{Capacity: 4})
	_, _ = b.Write(make([]byte, 6))
	select {
	case <-b.Ready():
	default:
		t.Fatal("ready did not fire on overflow")
	}
}

func TestStateMachine(t *testing.T) {
	t.Parallel()
	b := NewBuffer(BufferConfig{Capacity: 8, Threshold: 4})

	assert.Equal(t, StateIdle, b.State())
	_, _ = b.Write([]byte{1})
	assert.Equal(t, StateFilling, b.State())
	_, _ = b.Write([]byte{2, 3, 4})
	assert.Equal(t, StateSwapRequested, b.State())
	b.SwapAndDrain()
	assert.Equal(t, StateDraining, b.State())
	b.Release()
	assert.Equal(t, StateIdle, b.State())
	assert.Equal(t, "swap-requested", StateSwapRequested.String())
}

func TestCloseRejectsWrites(t *testing.T) {
	t.Parallel()
	b := NewBuffer(BufferConfig{Capacity: 8})
	_, _ = b.Write([]byte{1, 2})
	b.Close()
	b.Close()

	n, err := b.Write([]byte{3})
	assert.ErrorIs(t, err, ErrClosed)
	assert.Zero(t, n)

	select {
	case <-b.Done():
	default:
		t.Fatal("Done not closed")
	}
	assert.Equal(t, []byte{1, 2}, b.SwapAndDrain().Data, "data written before Close is still drained")
}

func TestConcurrentProducerConsumerAccountsForEveryByte(t *testing.T) {
	t.Parallel()
	b := NewBuffer(BufferConfig{Capacity: 256, Threshold: 128})

	const writes = 5000
	chunk := bytes.Repeat([]byte{7}, 10)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < writes; i++ {
			_, _ = b.Write(chunk)
		}
		b.Close()
	}()

	var received int
	var lost uint64
	for {
		select {
		case <-b.Ready():
		case <-b.Done():
		case <-time.After(time.Millisecond):
		}
		batch := b.SwapAndDrain()
		received += len(batch.Data)
		lost += batch.Loss
		b.Release()

		select {
		case <-b.Done():
			wg.Wait()
			final := b.SwapAndDrain()
			received += len(final.Data)
			lost += final.Loss
			assert.Equal(t, writes*len(chunk), received+int(lost))
			return
		default:
		}
	}
}
