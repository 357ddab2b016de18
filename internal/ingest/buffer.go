package ingest

import (
	"errors"
	"sync"
)

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("ingest: buffer closed")

// State is the observable phase of a Buffer.
type State int

const (
	StateIdle State = iota
	StateFilling
	StateSwapRequested
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFilling:
		return "filling"
	case StateSwapRequested:
		return "swap-requested"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// BufferConfig sizes a Buffer.
type BufferConfig struct {
	// Capacity is the size in bytes of each half.
	Capacity int
	// Threshold is the fill level at which Ready fires. Zero disables the
	// early signal; a full buffer always fires it.
	Threshold int
	// Align, when greater than one, truncates accepted bytes on overflow to a
	// multiple of Align so a partially stored record never reaches the
	// consumer.
	Align int
}

// Batch is the content handed to the consumer by SwapAndDrain. Data stays
// valid until the next SwapAndDrain call.
type Batch struct {
	Data []byte
	// Loss is the number of bytes dropped since the previous swap.
	Loss uint64
}

// Buffer is a lock-protected double buffer with drop-on-overflow semantics.
// One producer calls Write; one consumer calls SwapAndDrain.
type Buffer struct {
	mu        sync.Mutex
	active    []byte
	standby   []byte
	capacity  int
	threshold int
	align     int
	loss      uint64
	totalLoss uint64
	swaps     uint64
	draining  bool
	closed    bool

	ready chan struct{}
	done  chan struct{}
}

// NewBuffer allocates both halves up front.
func NewBuffer(cfg BufferConfig) *Buffer {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1 << 20
	}
	if cfg.Threshold > cfg.Capacity {
		cfg.Threshold = cfg.Capacity
	}
	return &Buffer{
		active:    make([]byte, 0, cfg.Capacity),
		standby:   make([]byte, 0, cfg.Capacity),
		capacity:  cfg.Capacity,
		threshold: cfg.Threshold,
		align:     cfg.Align,
		ready:     make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Write appends p to the active half. Bytes that do not fit are discarded and
// added to the loss count. Write never waits for the consumer; it only holds
// the buffer lock for the copy. The returned n is always len(p) unless the
// buffer is closed, so the producer never sees a short write.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, ErrClosed
	}

	take := b.capacity - len(b.active)
	if take > len(p) {
		take = len(p)
	}
	if take < len(p) && b.align > 1 {
		take -= take % b.align
	}
	b.active = append(b.active, p[:take]...)
	if dropped := uint64(len(p) - take); dropped > 0 {
		b.loss += dropped
		b.totalLoss += dropped
	}
	signal := len(b.active) == b.capacity ||
		(b.threshold > 0 && len(b.active) >= b.threshold) ||
		take < len(p)
	b.mu.Unlock()

	if signal {
		select {
		case b.ready <- struct{}{}:
		default:
		}
	}
	return len(p), nil
}

// SwapAndDrain exchanges the halves and returns what the producer wrote since
// the previous swap, together with the bytes lost in that interval. The
// previously returned Batch is invalidated.
func (b *Buffer) SwapAndDrain() Batch {
	b.mu.Lock()
	// A pending notification belongs to the half about to be taken. A signal
	// still in flight from Write may land after this and cause one extra,
	// harmless swap; a signal for the new half is never lost.
	select {
	case <-b.ready:
	default:
	}
	filled := b.active
	b.active = b.standby[:0]
	b.standby = filled
	loss := b.loss
	b.loss = 0
	b.swaps++
	b.draining = true
	b.mu.Unlock()

	return Batch{Data: filled, Loss: loss}
}

// Release marks the drained half as no longer in use by the consumer.
func (b *Buffer) Release() {
	b.mu.Lock()
	b.draining = false
	b.mu.Unlock()
}

// Ready fires when the active half crosses the threshold, fills, or drops data.
func (b *Buffer) Ready() <-chan struct{} { return b.ready }

// Done is closed by Close.
func (b *Buffer) Done() <-chan struct{} { return b.done }

// Close rejects further writes and wakes anyone selecting on Done. Data
// already written can still be drained. It is safe to call more than once.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
}

// State reports the current phase.
func (b *Buffer) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.draining:
		return StateDraining
	case len(b.active) == 0:
		return StateIdle
	case len(b.active) == b.capacity, b.threshold > 0 && len(b.active) >= b.threshold:
		return StateSwapRequested
	default:
		return StateFilling
	}
}

// Fill returns the number of bytes in the active half.
func (b *Buffer) Fill() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.active)
}

// Loss returns the bytes dropped since the last swap.
func (b *Buffer) Loss() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loss
}

// TotalLoss returns the bytes dropped over the buffer's lifetime.
func (b *Buffer) TotalLoss() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalLoss
}

// Swaps returns the number of SwapAndDrain calls.
func (b *Buffer) Swaps() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.swaps
}

// Capacity returns the size of each half.
func (b *Buffer) Capacity() int { return b.capacity }
