package event

// Unwrapper converts the 24-bit hardware counter into monotonic 64-bit
// sensor time, keeping wrap state per channel.
//
// In the default mode the counter is assumed to arrive in order per channel:
// any value smaller than its predecessor is taken as a rollover. Out-of-order
// delivery within one counter epoch is indistinguishable from a rollover and
// will add a spurious period; such drops are still counted by Suspect when
// they are smaller than half a period.
//
// In sideband mode only KindWrap markers advance the wrap count. A regression
// without a marker is treated as jitter and the returned time is clamped to
// the channel's previous value.
type Unwrapper struct {
	sideband bool
	ch       [MaxChannels]channelClock
}

type channelClock struct {
	lastRaw uint32
	wraps   uint64
	last    uint64
	suspect uint64
	clamped uint64
}

// NewUnwrapper returns an Unwrapper. sideband selects marker-driven wraps.
func NewUnwrapper(sideband bool) *Unwrapper {
	return &Unwrapper{sideband: sideband}
}

// Unwrap returns the monotonic time of raw on channel ch. It must be called
// once per event in arrival order.
func (u *Unwrapper) Unwrap(ch uint8, raw uint32) uint64 {
	c := &u.ch[ch%MaxChannels]
	raw &= StampMask

	if u.sideband {
		t := uint64(raw) + c.wraps*StampPeriod
		c.lastRaw = raw
		if t < c.last {
			c.clamped++
			return c.last
		}
		c.last = t
		return t
	}

	if raw < c.lastRaw {
		c.wraps++
		if uint64(c.lastRaw-raw) < StampPeriod/2 {
			c.suspect++
		}
	}
	c.lastRaw = raw
	c.last = uint64(raw) + c.wraps*StampPeriod
	return c.last
}

// MarkWrap records a sideband rollover marker for ch. It is ignored outside
// sideband mode, where the regression that follows the rollover already
// advances the count.
func (u *Unwrapper) MarkWrap(ch uint8) {
	if !u.sideband {
		return
	}
	c := &u.ch[ch%MaxChannels]
	c.wraps++
	c.lastRaw = 0
}

// Apply feeds a decoded record through the unwrapper. It returns the
// unwrapped time and true for address events, and false for markers.
func (u *Unwrapper) Apply(e Event) (uint64, bool) {
	switch e.Kind {
	case KindWrap:
		u.MarkWrap(e.Channel)
		return 0, false
	case KindAddress:
		return u.Unwrap(e.Channel, e.Stamp), true
	default:
		return 0, false
	}
}

// Wraps returns the number of rollovers counted on ch.
func (u *Unwrapper) Wraps(ch uint8) uint64 { return u.ch[ch%MaxChannels].wraps }

// Last returns the most recent unwrapped time on ch.
func (u *Unwrapper) Last(ch uint8) uint64 { return u.ch[ch%MaxChannels].last }

// Suspect returns the number of small regressions on ch that were counted as
// rollovers in the default mode.
func (u *Unwrapper) Suspect(ch uint8) uint64 { return u.ch[ch%MaxChannels].suspect }

// Clamped returns the number of regressions on ch absorbed in sideband mode.
func (u *Unwrapper) Clamped(ch uint8) uint64 { return u.ch[ch%MaxChannels].clamped }

// Reset forgets all channel state.
func (u *Unwrapper) Reset() {
	u.ch = [MaxChannels]channelClock{}
}
