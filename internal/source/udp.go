package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/banshee-data/evtrack/internal/monitoring"
)

// UDPSocket is the subset of *net.UDPConn used by UDPSource.
type UDPSocket interface {
	ReadFromUDP(b []byte) (n int, addr *net.UDPAddr, err error)
	SetReadBuffer(bytes int) error
	SetReadDeadline(t time.Time) error
	Close() error
	LocalAddr() net.Addr
}

// UDPSocketFactory opens UDP sockets.
type UDPSocketFactory interface {
	ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error)
}

type netFactory struct{}

func (netFactory) ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	conn, err := net.ListenUDP(network, laddr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// UDPConfig configures a UDPSource.
type UDPConfig struct {
	Address string // listen address, e.g. ":7777"
	RcvBuf  int    // socket receive buffer in bytes; 0 leaves the OS default
	// ReadTimeout bounds each read so cancellation is observed; default 100ms.
	ReadTimeout time.Duration
	// Factory opens the socket; nil uses net.ListenUDP.
	Factory UDPSocketFactory
}

// UDPSource receives datagrams carrying whole event records.
type UDPSource struct {
	cfg UDPConfig
	counters
	bound chan net.Addr
}

// NewUDPSource returns a UDPSource. The socket is opened by Run.
func NewUDPSource(cfg UDPConfig) *UDPSource {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 100 * time.Millisecond
	}
	if cfg.Factory == nil {
		cfg.Factory = netFactory{}
	}
	return &UDPSource{cfg: cfg, bound: make(chan net.Addr, 1)}
}

func (s *UDPSource) Name() string { return "udp " + s.cfg.Address }

// Counters returns cumulative receive statistics.
func (s *UDPSource) Counters() Counters { return s.snapshot() }

// Bound delivers the local address once the socket is listening.
func (s *UDPSource) Bound() <-chan net.Addr { return s.bound }

func (s *UDPSource) Run(ctx context.Context, w io.Writer) error {
	addr, err := net.ResolveUDPAddr("udp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := s.cfg.Factory.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	defer conn.Close()

	if s.cfg.RcvBuf > 0 {
		if err := conn.SetReadBuffer(s.cfg.RcvBuf); err != nil {
			monitoring.Logf("Warning: failed to set UDP receive buffer size to %d: %v", s.cfg.RcvBuf, err)
		}
	}
	monitoring.Logf("UDP source listening on %s", conn.LocalAddr())
	select {
	case s.bound <- conn.LocalAddr():
	default:
	}

	buf := make([]byte, 64*1024)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			monitoring.Logf("UDP read error: %v", err)
			continue
		}
		s.reads.Add(1)
		ok, err := writePacket(w, buf[:n], &s.counters)
		if err != nil {
			return fmt.Errorf("datagram from %v: %w", from, err)
		}
		if !ok {
			return nil
		}
	}
}
