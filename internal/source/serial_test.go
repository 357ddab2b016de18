package source

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"

	"github.com/banshee-data/evtrack/internal/event"
)

func TestPortOptionsNormalize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		in      PortOptions
		want    PortOptions
		wantErr bool
	}{
		{name: "defaults", in: PortOptions{}, want: PortOptions{BaudRate: 921600, DataBits: 8, StopBits: 1, Parity: "N"}},
		{name: "even parity word", in: PortOptions{BaudRate: 115200, Parity: " even "}, want: PortOptions{BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "E"}},
		{name: "odd two stop bits", in: PortOptions{StopBits: 2, Parity: "o"}, want: PortOptions{BaudRate: 921600, DataBits: 8, StopBits: 2, Parity: "O"}},
		{name: "bad data bits", in: PortOptions{DataBits: 9}, wantErr: true},
		{name: "bad stop bits", in: PortOptions{StopBits: 3}, wantErr: true},
		{name: "bad parity", in: PortOptions{Parity: "mark"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.in.Normalize()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPortOptionsSerialMode(t *testing.T) {
	t.Parallel()
	mode, err := PortOptions{BaudRate: 230400, StopBits: 2, Parity: "E"}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, &serial.Mode{BaudRate: 230400, DataBits: 8, StopBits: serial.TwoStopBits, Parity: serial.EvenParity}, mode)

	mode, err = PortOptions{}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, serial.OneStopBit, mode.StopBits)
	assert.Equal(t, serial.NoParity, mode.Parity)
}

// fakePort returns its chunks one Read at a time, then EOF.
type fakePort struct {
	chunks  [][]byte
	timeout time.Duration
	closed  bool
}

func (p *fakePort) Read(b []byte) (int, error) {
	if len(p.chunks) == 0 {
		return 0, io.EOF
	}
	c := p.chunks[0]
	p.chunks = p.chunks[1:]
	if c == nil {
		return 0, nil // read timeout
	}
	return copy(b, c), nil
}

func (p *fakePort) Close() error                         { p.closed = true; return nil }
func (p *fakePort) SetReadTimeout(t time.Duration) error { p.timeout = t; return nil }

func TestSerialSourceReframesStream(t *testing.T) {
	t.Parallel()
	data := records(10)
	port := &fakePort{chunks: [][]byte{data[:5], nil, data[5:40], data[40:], {0xaa}}}
	var openedPath string
	var openedMode *serial.Mode
	src, err := NewSerialSource(SerialConfig{
		Path:    "/dev/ttyACM0",
		Options: PortOptions{BaudRate: 115200},
		Opener: func(path string, mode *serial.Mode) (SerialPort, error) {
			openedPath, openedMode = path, mode
			return port, nil
		},
	})
	require.NoError(t, err)

	var out chunkWriter
	require.NoError(t, src.Run(context.Background(), &out))
	assert.Equal(t, data, out.Bytes())
	for _, n := range out.sizes {
		assert.Zero(t, n%event.RecordSize)
	}
	assert.Equal(t, "/dev/ttyACM0", openedPath)
	assert.Equal(t, 115200, openedMode.BaudRate)
	assert.Equal(t, 100*time.Millisecond, port.timeout)
	assert.True(t, port.closed)
	assert.Equal(t, uint64(1), src.Counters().Discarded)
	assert.Equal(t, "serial /dev/ttyACM0", src.Name())
}

func TestSerialSourceOpenError(t *testing.T) {
	t.Parallel()
	boom := errors.New("no such device")
	src, err := NewSerialSource(SerialConfig{
		Path:   "/dev/missing",
		Opener: func(string, *serial.Mode) (SerialPort, error) { return nil, boom },
	})
	require.NoError(t, err)
	assert.ErrorIs(t, src.Run(context.Background(), &chunkWriter{}), boom)
}

func TestNewSerialSourceValidates(t *testing.T) {
	t.Parallel()
	_, err := NewSerialSource(SerialConfig{})
	assert.Error(t, err)
	_, err = NewSerialSource(SerialConfig{Path: "/dev/ttyUSB0", Options: PortOptions{Parity: "X"}})
	assert.Error(t, err)
}
