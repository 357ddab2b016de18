package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.bug.st/serial"

	"github.com/banshee-data/evtrack/internal/monitoring"
)

// PortOptions describes the serial connection parameters.
type PortOptions struct {
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
	Parity   string `json:"parity"`
}

// Normalize validates the options and applies defaults for unset values.
func (o PortOptions) Normalize() (PortOptions, error) {
	opts := o
	if opts.BaudRate <= 0 {
		opts.BaudRate = 921600
	}
	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}
	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}

	switch p := strings.TrimSpace(strings.ToUpper(opts.Parity)); p {
	case "", "N", "NONE":
		opts.Parity = "N"
	case "E", "EVEN":
		opts.Parity = "E"
	case "O", "ODD":
		opts.Parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", o.Parity)
	}
	return opts, nil
}

// SerialMode converts the options to the go.bug.st/serial mode.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}
	mode := &serial.Mode{BaudRate: opts.BaudRate, DataBits: opts.DataBits}
	switch opts.StopBits {
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		mode.StopBits = serial.OneStopBit
	}
	switch opts.Parity {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	default:
		mode.Parity = serial.NoParity
	}
	return mode, nil
}

// SerialPort is the subset of serial.Port used by SerialSource.
type SerialPort interface {
	io.ReadCloser
	SetReadTimeout(t time.Duration) error
}

// SerialOpener opens a port; tests replace it.
type SerialOpener func(path string, mode *serial.Mode) (SerialPort, error)

func openSerial(path string, mode *serial.Mode) (SerialPort, error) {
	return serial.Open(path, mode)
}

// SerialConfig configures a SerialSource.
type SerialConfig struct {
	Path        string
	Options     PortOptions
	ReadTimeout time.Duration // default 100ms
	Opener      SerialOpener  // nil opens a real port
}

// SerialSource reads a record stream from a serial device.
type SerialSource struct {
	cfg SerialConfig
	counters
}

// NewSerialSource validates the port options and returns a SerialSource.
// The port is opened by Run.
func NewSerialSource(cfg SerialConfig) (*SerialSource, error) {
	if cfg.Path == "" {
		return nil, errors.New("serial source: empty device path")
	}
	if _, err := cfg.Options.Normalize(); err != nil {
		return nil, fmt.Errorf("serial source %s: %w", cfg.Path, err)
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 100 * time.Millisecond
	}
	if cfg.Opener == nil {
		cfg.Opener = openSerial
	}
	return &SerialSource{cfg: cfg}, nil
}

func (s *SerialSource) Name() string { return "serial " + s.cfg.Path }

// Counters returns cumulative read statistics.
func (s *SerialSource) Counters() Counters { return s.snapshot() }

func (s *SerialSource) Run(ctx context.Context, w io.Writer) error {
	mode, err := s.cfg.Options.SerialMode()
	if err != nil {
		return err
	}
	port, err := s.cfg.Opener(s.cfg.Path, mode)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.cfg.Path, err)
	}
	defer port.Close()
	if err := port.SetReadTimeout(s.cfg.ReadTimeout); err != nil {
		return fmt.Errorf("set read timeout on %s: %w", s.cfg.Path, err)
	}
	monitoring.Logf("serial source reading %s at %d baud", s.cfg.Path, mode.BaudRate)

	var f framer
	buf := make([]byte, 16*1024)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		// A zero-byte read is a timeout.
		n, err := port.Read(buf)
		if n > 0 {
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
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read %s: %w", s.cfg.Path, err)
		}
	}
}
