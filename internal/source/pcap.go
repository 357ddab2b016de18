package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/evtrack/internal/monitoring"
	"github.com/banshee-data/evtrack/internal/timeutil"
)

// packetReader is satisfied by both pcapgo.Reader and pcapgo.NgReader.
type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// PCAPConfig configures a PCAPSource.
type PCAPConfig struct {
	Path    string
	UDPPort int // destination port to keep; 0 keeps every UDP packet
	// Realtime paces packets by their capture timestamps, divided by Speed.
	Realtime bool
	Speed    float64
	Clock    timeutil.Clock // nil uses the real clock
}

// PCAPSource replays UDP payloads from a capture file. Both classic pcap
// and pcapng files are accepted.
type PCAPSource struct {
	cfg PCAPConfig
	counters
	skipped atomic.Uint64
}

// NewPCAPSource returns a PCAPSource. The file is opened by Run.
func NewPCAPSource(cfg PCAPConfig) *PCAPSource {
	if cfg.Speed <= 0 {
		cfg.Speed = 1
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &PCAPSource{cfg: cfg}
}

func (s *PCAPSource) Name() string { return "pcap " + s.cfg.Path }

// Counters returns cumulative replay statistics.
func (s *PCAPSource) Counters() Counters { return s.snapshot() }

func openCapture(f *os.File) (packetReader, error) {
	r, err := pcapgo.NewReader(f)
	if err == nil {
		return r, nil
	}
	if _, serr := f.Seek(0, io.SeekStart); serr != nil {
		return nil, serr
	}
	ng, ngErr := pcapgo.NewNgReader(f, pcapgo.DefaultNgReaderOptions)
	if ngErr != nil {
		return nil, fmt.Errorf("not a pcap (%v) or pcapng (%w) file", err, ngErr)
	}
	return ng, nil
}

func (s *PCAPSource) Run(ctx context.Context, w io.Writer) error {
	f, err := os.Open(s.cfg.Path)
	if err != nil {
		return fmt.Errorf("failed to open PCAP file %s: %w", s.cfg.Path, err)
	}
	defer f.Close()
	r, err := openCapture(f)
	if err != nil {
		return fmt.Errorf("failed to read PCAP file %s: %w", s.cfg.Path, err)
	}
	monitoring.Logf("PCAP replay of %s (udp port %d, realtime=%v, speed %.1fx)",
		s.cfg.Path, s.cfg.UDPPort, s.cfg.Realtime, s.cfg.Speed)
	return s.replay(ctx, r, w)
}

func (s *PCAPSource) replay(ctx context.Context, r packetReader, w io.Writer) error {
	var base time.Time
	var start time.Time
	packets := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, ci, err := r.ReadPacketData()
		if errors.Is(err, io.EOF) {
			monitoring.Logf("PCAP replay complete: %d packets, %d bytes of records", packets, s.bytes.Load())
			return nil
		}
		if err != nil {
			return fmt.Errorf("read packet %d: %w", packets+1, err)
		}
		packets++

		pkt := gopacket.NewPacket(data, r.LinkType(), gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok || len(udp.Payload) == 0 {
			s.skipped.Add(1)
			continue
		}
		if s.cfg.UDPPort != 0 && int(udp.DstPort) != s.cfg.UDPPort {
			s.skipped.Add(1)
			continue
		}

		if s.cfg.Realtime {
			if base.IsZero() {
				base, start = ci.Timestamp, s.cfg.Clock.Now()
			} else if err := s.pace(ctx, start, ci.Timestamp.Sub(base)); err != nil {
				return err
			}
		}

		s.reads.Add(1)
		ok, err = writePacket(w, udp.Payload, &s.counters)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
}

// pace waits until offset/Speed has elapsed since start.
func (s *PCAPSource) pace(ctx context.Context, start time.Time, offset time.Duration) error {
	due := start.Add(time.Duration(float64(offset) / s.cfg.Speed))
	wait := due.Sub(s.cfg.Clock.Now())
	if wait <= 0 {
		return nil
	}
	t := s.cfg.Clock.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C():
		return nil
	}
}

// Skipped returns the number of packets that were not UDP on the
// configured port.
func (s *PCAPSource) Skipped() uint64 { return s.skipped.Load() }

// PCAPWriter writes record payloads as Ethernet/IPv4/UDP frames to a
// classic pcap stream, the format PCAPSource replays.
type PCAPWriter struct {
	w       *pcapgo.Writer
	src     net.IP
	dst     net.IP
	srcPort layers.UDPPort
	dstPort layers.UDPPort
	buf     gopacket.SerializeBuffer
}

// NewPCAPWriter writes the file header and returns a writer whose packets
// are addressed to dstPort.
func NewPCAPWriter(w io.Writer, dstPort int) (*PCAPWriter, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("write pcap header: %w", err)
	}
	return &PCAPWriter{
		w:       pw,
		src:     net.IPv4(192, 168, 1, 20),
		dst:     net.IPv4(192, 168, 1, 10),
		srcPort: 40000,
		dstPort: layers.UDPPort(dstPort),
		buf:     gopacket.NewSerializeBuffer(),
	}, nil
}

// WritePacket appends one UDP datagram carrying payload, captured at ts.
func (p *PCAPWriter) WritePacket(ts time.Time, payload []byte) error {
	return p.WritePacketTo(ts, int(p.dstPort), payload)
}

// WritePacketTo is WritePacket with an explicit destination port.
func (p *PCAPWriter) WritePacketTo(ts time.Time, dstPort int, payload []byte) error {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 0x14},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 0x0a},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    p.src,
		DstIP:    p.dst,
	}
	udp := &layers.UDP{SrcPort: p.srcPort, DstPort: layers.UDPPort(dstPort)}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return err
	}
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(p.buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
		return fmt.Errorf("serialize packet: %w", err)
	}
	data := p.buf.Bytes()
	ci := gopacket.CaptureInfo{Timestamp: ts, CaptureLength: len(data), Length: len(data)}
	return p.w.WritePacket(ci, data)
}
