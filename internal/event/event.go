package event

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Hardware timestamp domain.
const (
	StampBits   = 24
	StampPeriod = uint64(1) << StampBits
	StampMask   = uint32(StampPeriod - 1)
)

// RecordSize is the size in bytes of one encoded event record:
// kind u8, channel|polarity u8, x u16, y u16, stamp u24 (little endian).
const RecordSize = 9

// MaxChannels is the number of channels addressable by the 7-bit channel field.
const MaxChannels = 128

const polarityBit = 0x80

var (
	ErrShortRecord = errors.New("event: short record")
	ErrUnknownKind = errors.New("event: unknown record kind")
)

// Kind discriminates the record variants carried on the wire.
type Kind uint8

const (
	// KindAddress is a per-pixel brightness change.
	KindAddress Kind = 1
	// KindWrap is a sideband marker emitted by the sensor when its timestamp
	// counter rolls over. Only Channel and Stamp are meaningful.
	KindWrap Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindAddress:
		return "address"
	case KindWrap:
		return "wrap"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Event is one decoded record. It is a small value type and is copied freely.
type Event struct {
	Kind     Kind
	Channel  uint8
	X, Y     uint16
	Polarity bool
	Stamp    uint32 // raw 24-bit counter value
}

// Stamped is an event paired with its unwrapped sensor time.
type Stamped struct {
	Event
	T uint64
}

// Decode parses a single record from the start of b.
func Decode(b []byte) (Event, error) {
	if len(b) < RecordSize {
		return Event{}, ErrShortRecord
	}
	e := Event{
		Kind:     Kind(b[0]),
		Channel:  b[1] &^ polarityBit,
		Polarity: b[1]&polarityBit != 0,
		X:        binary.LittleEndian.Uint16(b[2:4]),
		Y:        binary.LittleEndian.Uint16(b[4:6]),
		Stamp:    uint32(b[6]) | uint32(b[7])<<8 | uint32(b[8])<<16,
	}
	switch e.Kind {
	case KindAddress, KindWrap:
		return e, nil
	default:
		return e, fmt.Errorf("%w: %d", ErrUnknownKind, uint8(e.Kind))
	}
}

// Encode writes e into dst, which must be at least RecordSize long.
// Stamp is truncated to 24 bits and Channel to 7 bits.
func Encode(dst []byte, e Event) {
	_ = dst[RecordSize-1]
	dst[0] = byte(e.Kind)
	dst[1] = e.Channel &^ polarityBit
	if e.Polarity {
		dst[1] |= polarityBit
	}
	binary.LittleEndian.PutUint16(dst[2:4], e.X)
	binary.LittleEndian.PutUint16(dst[4:6], e.Y)
	s := e.Stamp & StampMask
	dst[6] = byte(s)
	dst[7] = byte(s >> 8)
	dst[8] = byte(s >> 16)
}

// AppendEncoded appends the encoding of e to dst.
func AppendEncoded(dst []byte, e Event) []byte {
	var rec [RecordSize]byte
	Encode(rec[:], e)
	return append(dst, rec[:]...)
}

// DecodeAll calls fn for every whole record in b. Records with an unknown
// kind are skipped and counted. It returns the number of bytes consumed,
// which is always a multiple of RecordSize; the caller keeps the remainder
// for the next batch.
func DecodeAll(b []byte, fn func(Event)) (consumed, unknown int) {
	for len(b)-consumed >= RecordSize {
		e, err := Decode(b[consumed : consumed+RecordSize])
		consumed += RecordSize
		if err != nil {
			unknown++
			continue
		}
		fn(e)
	}
	return consumed, unknown
}

// Age returns ref - t in ticks. When t is ahead of ref by less than period
// the subtraction is taken modulo period, so a reference just past a counter
// rollover still sees events stamped just before it as recent. Events more
// than a period ahead return math.MaxUint64 and never fall inside a window.
func Age(ref, t, period uint64) uint64 {
	if ref >= t {
		return ref - t
	}
	ahead := t - ref
	if ahead >= period {
		return math.MaxUint64
	}
	return period - ahead
}
