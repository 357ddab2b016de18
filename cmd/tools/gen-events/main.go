// Command gen-events writes a synthetic event stream, a moving circle over
// uniform noise, as a pcap capture of UDP datagrams or as a raw record file.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/banshee-data/evtrack/internal/event"
	"github.com/banshee-data/evtrack/internal/source"
	"github.com/banshee-data/evtrack/internal/synth"
)

// options controls one generated capture.
type options struct {
	Format     string // "pcap" or "raw"
	Duration   time.Duration
	Step       time.Duration
	Port       int
	MaxPayload int
	Markers    bool
	Start      time.Time
	Scene      synth.Config
}

// summary reports what generate wrote.
type summary struct {
	Records int
	Packets int
}

func main() {
	output := flag.String("o", "events.pcap", "output path")
	format := flag.String("format", "pcap", "output format: pcap or raw")
	duration := flag.Duration("duration", 2*time.Second, "sensor time to generate")
	step := flag.Duration("step", time.Millisecond, "sensor time per datagram batch")
	port := flag.Int("port", 7777, "UDP destination port written to the capture")
	maxPayload := flag.Int("max-payload", 1458, "largest UDP payload in bytes (rounded down to whole records)")
	markers := flag.Bool("markers", false, "insert sideband wrap markers at counter rollovers")
	width := flag.Int("width", 304, "sensor width in pixels")
	height := flag.Int("height", 240, "sensor height in pixels")
	radius := flag.Float64("radius", 20, "target radius in pixels")
	speed := flag.Float64("speed", 0.05, "target horizontal speed in pixels per millisecond")
	rate := flag.Float64("rate", 150, "target edge events per millisecond")
	noise := flag.Float64("noise", 20, "background events per millisecond")
	seed := flag.Uint64("seed", 1, "random seed")
	flag.Parse()

	f, err := os.Create(*output)
	if err != nil {
		log.Fatalf("failed to create %s: %v", *output, err)
	}
	w := bufio.NewWriter(f)

	sum, err := generate(w, options{
		Format:     *format,
		Duration:   *duration,
		Step:       *step,
		Port:       *port,
		MaxPayload: *maxPayload,
		Markers:    *markers,
		Start:      time.Now().UTC(),
		Scene: synth.Config{
			Width:  *width,
			Height: *height,
			Target: &synth.Target{
				X:     float64(*width) / 4,
				Y:     float64(*height) / 2,
				VX:    *speed,
				R:     *radius,
				Sigma: 1,
				Rate:  *rate,
			},
			NoiseRate: *noise,
			Seed:      *seed,
		},
	})
	if err != nil {
		log.Fatalf("failed to generate events: %v", err)
	}
	if err := w.Flush(); err != nil {
		log.Fatalf("failed to flush %s: %v", *output, err)
	}
	if err := f.Close(); err != nil {
		log.Fatalf("failed to close %s: %v", *output, err)
	}
	log.Printf("✓ Created: %s (%d records, %d packets)", *output, sum.Records, sum.Packets)
}

func generate(w io.Writer, opts options) (summary, error) {
	var sum summary
	if opts.Step <= 0 {
		opts.Step = time.Millisecond
	}
	chunk := opts.MaxPayload - opts.MaxPayload%event.RecordSize
	if chunk <= 0 {
		return sum, fmt.Errorf("max payload %d is smaller than one record", opts.MaxPayload)
	}

	var pw *source.PCAPWriter
	switch opts.Format {
	case "pcap":
		var err error
		if pw, err = source.NewPCAPWriter(w, opts.Port); err != nil {
			return sum, err
		}
	case "raw":
	default:
		return sum, fmt.Errorf("unknown format %q", opts.Format)
	}

	scene := synth.NewScene(opts.Scene)
	tpm := scene.Config().TicksPerMs
	dt := uint64(float64(opts.Step) / float64(time.Millisecond) * tpm)
	end := uint64(float64(opts.Duration) / float64(time.Millisecond) * tpm)
	if dt == 0 {
		dt = 1
	}

	var buf []byte
	for now := uint64(0); now < end; now += dt {
		buf = scene.AppendRecords(buf[:0], now, dt, opts.Markers)
		sum.Records += len(buf) / event.RecordSize
		ts := opts.Start.Add(time.Duration(float64(now) / tpm * float64(time.Millisecond)))
		for off := 0; off < len(buf); off += chunk {
			part := buf[off:min(off+chunk, len(buf))]
			var err error
			if pw != nil {
				err = pw.WritePacket(ts, part)
			} else {
				_, err = w.Write(part)
			}
			if err != nil {
				return sum, err
			}
			sum.Packets++
		}
	}
	return sum, nil
}
