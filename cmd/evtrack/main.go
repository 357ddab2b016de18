package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/evtrack/internal/config"
	"github.com/banshee-data/evtrack/internal/monitor"
	"github.com/banshee-data/evtrack/internal/pipeline"
	"github.com/banshee-data/evtrack/internal/sink"
	"github.com/banshee-data/evtrack/internal/source"
	"github.com/banshee-data/evtrack/internal/synth"
	"github.com/banshee-data/evtrack/internal/version"
)

var (
	configFile = flag.String("config", "", "Path to a tuning JSON file (default: built-in defaults)")
	sourceKind = flag.String("source", "udp", "Event source: udp, serial, pcap, file or synth")
	listen     = flag.String("listen", ":8082", "Monitor HTTP listen address (empty disables the monitor)")
	dbFile     = flag.String("db", "", "Path to the SQLite estimate database (empty disables recording)")
	history    = flag.Int("history", 2048, "Estimates kept in memory for the monitor charts")
	logEvery   = flag.Uint64("log-every", 500, "Log a tracking summary every N cycles (0 disables)")
	showVer    = flag.Bool("version", false, "Print the version and exit")
	streamAddr = flag.String("stream-addr", "", "gRPC estimate stream listen address, e.g. localhost:50051 (empty disables)")

	udpAddr = flag.String("udp-addr", ":7777", "UDP bind address for the udp source")
	rcvBuf  = flag.Int("rcvbuf", 4<<20, "UDP receive buffer size in bytes")

	serialPort = flag.String("serial-port", "/dev/ttyACM0", "Serial device for the serial source")
	baudRate   = flag.Int("baud", 921600, "Serial baud rate")

	pcapFile  = flag.String("pcap", "", "Capture file for the pcap source")
	pcapPort  = flag.Int("pcap-port", 7777, "UDP destination port to replay from the capture (0 for all)")
	realtime  = flag.Bool("realtime", false, "Replay the capture at its recorded pace")
	pcapSpeed = flag.Float64("speed", 1, "Replay speed multiplier with -realtime")

	inputFile = flag.String("file", "-", "Raw record file for the file source (- for stdin)")
	fileRate  = flag.Float64("file-rate", 0, "Replay the file source at this many records per second (0 reads unpaced and drops records the tracker cannot keep up with)")

	synthDuration = flag.Duration("synth-duration", 0, "Sensor time to synthesise (0 runs until interrupted)")
	synthRadius   = flag.Float64("synth-radius", 20, "Radius of the synthetic target in pixels")
	synthRate     = flag.Float64("synth-rate", 150, "Synthetic target events per millisecond")
	synthNoise    = flag.Float64("synth-noise", 20, "Synthetic background events per millisecond")
	synthSpeed    = flag.Float64("synth-speed", 0, "Horizontal speed of the synthetic target in pixels per millisecond")
	synthSeed     = flag.Uint64("synth-seed", 1, "Synthetic scene seed")
)

func main() {
	flag.Parse()
	if *showVer {
		fmt.Println("evtrack", version.String())
		return
	}
	log.Printf("evtrack %s", version.String())

	tc, err := loadTuning(*configFile)
	if err != nil {
		log.Fatalf("failed to load tuning config: %v", err)
	}
	cfg := pipeline.ConfigFromTuning(tc)

	src, closeSrc, err := newSource(*sourceKind, cfg)
	if err != nil {
		log.Fatalf("failed to create %s source: %v", *sourceKind, err)
	}
	defer closeSrc()

	hist := monitor.NewHistory(*history)
	pubs := sink.Multi{&sink.LogPublisher{Every: *logEvery}, hist}

	var rec *sink.Recorder
	if *dbFile != "" {
		snapshot, err := json.Marshal(tc)
		if err != nil {
			log.Fatalf("failed to encode tuning config: %v", err)
		}
		rec, err = sink.OpenRecorder(sink.RecorderConfig{
			Path:       *dbFile,
			Source:     src.Name(),
			ConfigJSON: string(snapshot),
		})
		if err != nil {
			log.Fatalf("failed to open estimate database: %v", err)
		}
		log.Printf("recording run %s to %s", rec.RunID(), *dbFile)
		pubs = append(pubs, rec)
	}

	var stream *sink.StreamPublisher
	if *streamAddr != "" {
		stream = sink.NewStreamPublisher(sink.StreamConfig{Address: *streamAddr})
		pubs = append(pubs, stream)
	}

	p, err := pipeline.New(cfg, src, pubs)
	if err != nil {
		log.Fatalf("failed to create pipeline: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	monCtx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()
	if *listen != "" {
		mcfg := monitor.ServerConfig{
			Address: *listen,
			Status:  p,
			Tracker: p.Tracker(),
			History: hist,
		}
		if rec != nil {
			mcfg.Store = rec.Store
		}
		srv, err := monitor.NewServer(mcfg)
		if err != nil {
			log.Fatalf("failed to create monitor: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Start(monCtx); err != nil {
				log.Printf("monitor: %v", err)
			}
		}()
	}
	if stream != nil {
		stream.SetParticleSource(p.Tracker().Particles)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := stream.Start(monCtx); err != nil {
				log.Printf("estimate stream: %v", err)
			}
		}()
	}

	start := time.Now()
	runErr := p.Run(ctx)
	switch {
	case runErr == nil:
		log.Printf("source %s finished after %s", src.Name(), time.Since(start).Round(time.Millisecond))
	case errors.Is(runErr, context.Canceled):
		log.Printf("interrupted")
	default:
		log.Printf("pipeline failed: %v", runErr)
	}

	stopMonitor()
	wg.Wait()

	st := p.Stats()
	if rec != nil {
		statsJSON, err := json.Marshal(st)
		if err != nil {
			log.Printf("failed to encode run stats: %v", err)
		}
		if err := rec.Close(string(statsJSON)); err != nil {
			log.Printf("failed to close estimate database: %v", err)
		} else {
			log.Printf("recorded %d estimates (%d dropped)", rec.Written(), rec.Dropped())
		}
	}
	log.Printf("events=%d cycles=%d resets=%d bytes_lost=%d batches_skipped=%d",
		st.Events, st.Tracker.Cycles, st.Tracker.StagnancyResets, st.BytesLost, st.BatchesSkipped)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		os.Exit(1)
	}
}

func loadTuning(path string) (*config.TuningConfig, error) {
	if path == "" {
		return config.EmptyTuningConfig(), nil
	}
	return config.LoadTuningConfig(path)
}

// newSource builds the source selected by kind. The returned close function
// releases any file the source reads from.
func newSource(kind string, cfg pipeline.Config) (source.Source, func() error, error) {
	noop := func() error { return nil }
	switch kind {
	case "udp":
		return source.NewUDPSource(source.UDPConfig{Address: *udpAddr, RcvBuf: *rcvBuf}), noop, nil
	case "serial":
		src, err := source.NewSerialSource(source.SerialConfig{
			Path:    *serialPort,
			Options: source.PortOptions{BaudRate: *baudRate},
		})
		if err != nil {
			return nil, nil, err
		}
		return src, noop, nil
	case "pcap":
		if *pcapFile == "" {
			return nil, nil, errors.New("-pcap is required for the pcap source")
		}
		return source.NewPCAPSource(source.PCAPConfig{
			Path:     *pcapFile,
			UDPPort:  *pcapPort,
			Realtime: *realtime,
			Speed:    *pcapSpeed,
		}), noop, nil
	case "file":
		var r io.Reader = os.Stdin
		closeFn := noop
		name := "stdin"
		if *inputFile != "-" && *inputFile != "" {
			f, err := os.Open(*inputFile)
			if err != nil {
				return nil, nil, err
			}
			r, closeFn, name = f, f.Close, *inputFile
		}
		return source.NewReaderSource(name, r, 0).Pace(*fileRate, nil), closeFn, nil
	case "synth":
		tcfg := cfg.Tracker
		ticksPerMs := 1000.0
		if tcfg.TickPeriod > 0 {
			ticksPerMs = float64(time.Millisecond) / float64(tcfg.TickPeriod)
		}
		target := &synth.Target{
			X:     float64(tcfg.Width) / 2,
			Y:     float64(tcfg.Height) / 2,
			VX:    *synthSpeed,
			R:     *synthRadius,
			Sigma: 1,
			Rate:  *synthRate,
		}
		return source.NewSynthSource(source.SynthConfig{
			Scene: synth.Config{
				Width:      tcfg.Width,
				Height:     tcfg.Height,
				Channel:    tcfg.Channel,
				TicksPerMs: ticksPerMs,
				Target:     target,
				NoiseRate:  *synthNoise,
				Seed:       *synthSeed,
			},
			Duration: *synthDuration,
			Markers:  cfg.Sideband,
		}), noop, nil
	default:
		return nil, nil, fmt.Errorf("unknown source %q", kind)
	}
}
