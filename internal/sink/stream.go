package sink

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/evtrack/internal/monitoring"
	"github.com/banshee-data/evtrack/internal/tracker"
)

// The estimate stream is a single server-streaming method. Requests and
// frames are structpb.Struct messages so no generated code is needed:
//
//	request: {"particles": bool}
//	frame:   {"cycle", "timestamp", "channel", "x", "y", "r", "tw",
//	          "std_x", "std_y", "std_r", "max_likelihood", "confidence",
//	          "detected", "events", ["particles": [{"id","x","y","r","weight","tw"}]]}
const (
	streamServiceName = "evtrack.EstimateStream"
	subscribeMethod   = "/" + streamServiceName + "/Subscribe"
)

type estimateStreamServer interface {
	subscribe(req *structpb.Struct, stream grpc.ServerStream) error
}

var estimateStreamDesc = grpc.ServiceDesc{
	ServiceName: streamServiceName,
	HandlerType: (*estimateStreamServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Subscribe",
		Handler:       subscribeHandler,
		ServerStreams: true,
	}},
	Metadata: "evtrack/estimate_stream",
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(estimateStreamServer).subscribe(req, stream)
}

// StreamConfig configures a StreamPublisher.
type StreamConfig struct {
	Address string // TCP listen address used by Start, e.g. "localhost:50051"
	Queue   int    // frames buffered between Publish and the broadcaster; default 64
	Depth   int    // frames buffered per subscriber; default 16
}

// StreamPublisher serves estimates to remote subscribers over gRPC. Publish
// never blocks: a full queue or a slow subscriber drops frames.
type StreamPublisher struct {
	cfg    StreamConfig
	server *grpc.Server

	frames   chan streamFrame
	clients  map[string]*subscriber
	clientMu sync.RWMutex

	particles     func() []tracker.Particle
	particleSubs  atomic.Int32
	subscriberCnt atomic.Int32
	published     atomic.Uint64
	dropped       atomic.Uint64

	running  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type streamFrame struct {
	estimate *structpb.Struct
	full     *structpb.Struct // estimate plus particles; nil when not captured
}

type subscriber struct {
	id        string
	particles bool
	ch        chan streamFrame
}

// NewStreamPublisher registers the estimate stream on a new gRPC server
// and starts the broadcaster. Call Serve or Start to accept subscribers
// and Stop to release both.
func NewStreamPublisher(cfg StreamConfig) *StreamPublisher {
	if cfg.Queue <= 0 {
		cfg.Queue = 64
	}
	if cfg.Depth <= 0 {
		cfg.Depth = 16
	}
	p := &StreamPublisher{
		cfg:     cfg,
		server:  grpc.NewServer(),
		frames:  make(chan streamFrame, cfg.Queue),
		clients: make(map[string]*subscriber),
		stopCh:  make(chan struct{}),
	}
	p.server.RegisterService(&estimateStreamDesc, p)
	p.wg.Add(1)
	go p.broadcastLoop()
	return p
}

// SetParticleSource supplies population snapshots for subscribers that
// ask for particles. It must be called before Serve.
func (p *StreamPublisher) SetParticleSource(fn func() []tracker.Particle) {
	p.particles = fn
}

// Serve accepts subscribers on lis until Stop.
func (p *StreamPublisher) Serve(lis net.Listener) error {
	if !p.running.CompareAndSwap(false, true) {
		return errors.New("estimate stream already running")
	}
	monitoring.Logf("estimate stream listening on %s", lis.Addr())
	if err := p.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("estimate stream: %w", err)
	}
	return nil
}

// Start listens on cfg.Address and serves until ctx is done.
func (p *StreamPublisher) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", p.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", p.cfg.Address, err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- p.Serve(lis) }()
	select {
	case <-ctx.Done():
		p.Stop()
		return <-errCh
	case err := <-errCh:
		p.Stop()
		return err
	}
}

// Stop ends every subscription and shuts the server down. Safe to call
// more than once.
func (p *StreamPublisher) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		p.server.GracefulStop()
		p.wg.Wait()
	})
}

// Publish queues est for every subscriber. It does nothing while no one is
// subscribed.
func (p *StreamPublisher) Publish(est tracker.TargetEstimate) {
	if p.subscriberCnt.Load() == 0 {
		return
	}
	f := streamFrame{estimate: estimateStruct(est)}
	if p.particleSubs.Load() > 0 && p.particles != nil {
		f.full = withParticles(f.estimate, p.particles())
	}
	select {
	case p.frames <- f:
		p.published.Add(1)
	default:
		p.dropped.Add(1)
	}
}

func (p *StreamPublisher) broadcastLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case f := <-p.frames:
			p.clientMu.RLock()
			for _, c := range p.clients {
				select {
				case c.ch <- f:
				default:
					p.dropped.Add(1)
				}
			}
			p.clientMu.RUnlock()
		}
	}
}

func (p *StreamPublisher) subscribe(req *structpb.Struct, stream grpc.ServerStream) error {
	sub := &subscriber{
		id:        uuid.NewString(),
		particles: req.GetFields()["particles"].GetBoolValue(),
		ch:        make(chan streamFrame, p.cfg.Depth),
	}
	p.addSubscriber(sub)
	defer p.removeSubscriber(sub)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopCh:
			return nil
		case f := <-sub.ch:
			msg := f.estimate
			if sub.particles && f.full != nil {
				msg = f.full
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

func (p *StreamPublisher) addSubscriber(s *subscriber) {
	p.clientMu.Lock()
	p.clients[s.id] = s
	p.clientMu.Unlock()
	if s.particles {
		p.particleSubs.Add(1)
	}
	n := p.subscriberCnt.Add(1)
	monitoring.Logf("estimate stream: subscriber %s connected (particles=%v, total %d)", s.id[:8], s.particles, n)
}

func (p *StreamPublisher) removeSubscriber(s *subscriber) {
	p.clientMu.Lock()
	delete(p.clients, s.id)
	p.clientMu.Unlock()
	if s.particles {
		p.particleSubs.Add(-1)
	}
	n := p.subscriberCnt.Add(-1)
	monitoring.Logf("estimate stream: subscriber %s disconnected (remaining %d)", s.id[:8], n)
}

// Subscribers returns the number of connected subscribers.
func (p *StreamPublisher) Subscribers() int { return int(p.subscriberCnt.Load()) }

// Published returns the number of frames queued for broadcast.
func (p *StreamPublisher) Published() uint64 { return p.published.Load() }

// Dropped returns frames lost to a full queue or a slow subscriber.
func (p *StreamPublisher) Dropped() uint64 { return p.dropped.Load() }

func estimateStruct(est tracker.TargetEstimate) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"cycle":          structpb.NewNumberValue(float64(est.Cycle)),
		"timestamp":      structpb.NewNumberValue(float64(est.Timestamp)),
		"channel":        structpb.NewNumberValue(float64(est.Channel)),
		"x":              structpb.NewNumberValue(est.X),
		"y":              structpb.NewNumberValue(est.Y),
		"r":              structpb.NewNumberValue(est.R),
		"tw":             structpb.NewNumberValue(est.Tw),
		"std_x":          structpb.NewNumberValue(est.StdX),
		"std_y":          structpb.NewNumberValue(est.StdY),
		"std_r":          structpb.NewNumberValue(est.StdR),
		"max_likelihood": structpb.NewNumberValue(est.MaxLikelihood),
		"confidence":     structpb.NewNumberValue(est.Confidence),
		"detected":       structpb.NewBoolValue(est.Detected),
		"events":         structpb.NewNumberValue(float64(est.Events)),
	}}
}

// withParticles returns a copy of base carrying the population. base is
// shared with other subscribers and is not modified.
func withParticles(base *structpb.Struct, ps []tracker.Particle) *structpb.Struct {
	fields := make(map[string]*structpb.Value, len(base.Fields)+1)
	for k, v := range base.Fields {
		fields[k] = v
	}
	list := make([]*structpb.Value, len(ps))
	for i, pt := range ps {
		list[i] = structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"id":     structpb.NewNumberValue(float64(pt.ID)),
			"x":      structpb.NewNumberValue(pt.X),
			"y":      structpb.NewNumberValue(pt.Y),
			"r":      structpb.NewNumberValue(pt.R),
			"weight": structpb.NewNumberValue(pt.Weight),
			"tw":     structpb.NewNumberValue(float64(pt.Tw)),
		}})
	}
	fields["particles"] = structpb.NewListValue(&structpb.ListValue{Values: list})
	return &structpb.Struct{Fields: fields}
}

// EstimateFromStruct decodes a stream frame back into an estimate.
func EstimateFromStruct(s *structpb.Struct) tracker.TargetEstimate {
	f := s.GetFields()
	num := func(k string) float64 { return f[k].GetNumberValue() }
	return tracker.TargetEstimate{
		Cycle:         uint64(num("cycle")),
		Timestamp:     uint64(num("timestamp")),
		Channel:       uint8(num("channel")),
		X:             num("x"),
		Y:             num("y"),
		R:             num("r"),
		Tw:            num("tw"),
		StdX:          num("std_x"),
		StdY:          num("std_y"),
		StdR:          num("std_r"),
		MaxLikelihood: num("max_likelihood"),
		Confidence:    num("confidence"),
		Detected:      f["detected"].GetBoolValue(),
		Events:        int(num("events")),
	}
}

// StreamClient receives frames from an estimate stream.
type StreamClient struct {
	stream grpc.ClientStream
}

// SubscribeEstimates opens an estimate stream on cc. With particles set,
// frames also carry the particle population.
func SubscribeEstimates(ctx context.Context, cc grpc.ClientConnInterface, particles bool) (*StreamClient, error) {
	stream, err := cc.NewStream(ctx, &estimateStreamDesc.Streams[0], subscribeMethod)
	if err != nil {
		return nil, fmt.Errorf("open estimate stream: %w", err)
	}
	req := &structpb.Struct{Fields: map[string]*structpb.Value{
		"particles": structpb.NewBoolValue(particles),
	}}
	if err := stream.SendMsg(req); err != nil {
		return nil, fmt.Errorf("send subscribe request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("close subscribe request: %w", err)
	}
	return &StreamClient{stream: stream}, nil
}

// Recv blocks for the next frame.
func (c *StreamClient) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := c.stream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
