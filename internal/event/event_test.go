package event

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	t.Parallel()
	want := Event{Kind: KindAddress, Channel: 3, X: 303, Y: 239, Polarity: true, Stamp: 0xABCDEF}

	var buf [RecordSize]byte
	Encode(buf[:], want)
	got, err := Decode(buf[:])
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Decode mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeTruncatesStampAndChannel(t *testing.T) {
	t.Parallel()
	var buf [RecordSize]byte
	Encode(buf[:], Event{Kind: KindAddress, Channel: 0xFF, Stamp: 0x1FFFFFF})
	got, err := Decode(buf[:])
	require.NoError(t, err)
	assert.Equal(t, uint8(0x7F), got.Channel)
	assert.Equal(t, StampMask, got.Stamp)
	assert.False(t, got.Polarity)
}

func TestDecodeErrors(t *testing.T) {
	t.Parallel()
	_, err := Decode(make([]byte, RecordSize-1))
	assert.ErrorIs(t, err, ErrShortRecord)

	rec := make([]byte, RecordSize)
	rec[0] = 9
	_, err = Decode(rec)
	assert.True(t, errors.Is(err, ErrUnknownKind))
}

func TestDecodeAllKeepsRemainder(t *testing.T) {
	t.Parallel()
	var b []byte
	b = AppendEncoded(b, Event{Kind: KindAddress, X: 1, Stamp: 10})
	bad := make([]byte, RecordSize)
	bad[0] = 0x42
	b = append(b, bad...)
	b = AppendEncoded(b, Event{Kind: KindWrap, Channel: 1})
	b = append(b, 0x01, 0x02) // partial record

	var got []Event
	consumed, unknown := DecodeAll(b, func(e Event) { got = append(got, e) })

	assert.Equal(t, 3*RecordSize, consumed)
	assert.Equal(t, 1, unknown)
	require.Len(t, got, 2)
	assert.Equal(t, KindAddress, got[0].Kind)
	assert.Equal(t, KindWrap, got[1].Kind)
}

func TestAge(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		ref, t uint64
		want   uint64
	}{
		{"same", 100, 100, 0},
		{"past", 100, 40, 60},
		{"across rollover", 5, StampPeriod - 3, 8},
		{"beyond a period ahead", 5, 2*StampPeriod + 10, math.MaxUint64},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Age(tt.ref, tt.t, StampPeriod))
		})
	}
}

func TestKindString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "address", KindAddress.String())
	assert.Equal(t, "wrap", KindWrap.String())
	assert.Equal(t, "kind(7)", Kind(7).String())
}
