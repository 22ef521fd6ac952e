// Package coordinator implements the access-point side of the protocol: it
// answers identifier requests from the registry and hosts the data sink.
package coordinator

import (
	"context"
	"errors"
	"net/netip"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/tdma-simulator/internal/logging"
	"github.com/signalsfoundry/tdma-simulator/internal/observability"
	"github.com/signalsfoundry/tdma-simulator/internal/protocol"
	"github.com/signalsfoundry/tdma-simulator/internal/registry"
	"github.com/signalsfoundry/tdma-simulator/internal/transport"
)

// ErrNoEndpoint is returned when the coordinator is built without two
// distinct control and sink endpoints.
var ErrNoEndpoint = errors.New("coordinator: distinct control and sink endpoints are required")

// Config holds coordinator options.
type Config struct {
	// Codec encodes identifier responses. Defaults to the text codec.
	Codec protocol.Codec
	// Sticky answers a repeated request from the same source with the
	// identifier already granted to it. Off by default: every request
	// consumes a fresh identifier.
	Sticky bool
}

// ApplyDefaults fills in zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.Codec == nil {
		c.Codec = protocol.TextCodec{}
	}
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithRecorder sets the metrics recorder.
func WithRecorder(rec observability.Recorder) Option {
	return func(c *Coordinator) {
		if rec != nil {
			c.rec = rec
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log logging.Logger) Option {
	return func(c *Coordinator) {
		if log != nil {
			c.log = log
		}
	}
}

// WithTracer sets the tracer used for per-request spans.
func WithTracer(tr trace.Tracer) Option {
	return func(c *Coordinator) {
		if tr != nil {
			c.tracer = tr
		}
	}
}

// Coordinator serves identifier requests on its control endpoint and counts
// data packets arriving at its sink endpoint.
type Coordinator struct {
	cfg     Config
	control transport.Endpoint
	sink    transport.Endpoint
	reg     *registry.IdentifierRegistry
	rec     observability.Recorder
	log     logging.Logger
	tracer  trace.Tracer

	mu        sync.Mutex
	granted   map[netip.AddrPort]uint32
	requests  uint64
	rxPackets uint64
	rxBytes   uint64
	started   bool
	stopped   bool
}

// New builds a coordinator. The registry is shared so callers can inspect
// assignments; pass nil for a fresh one.
func New(cfg Config, control, sink transport.Endpoint, reg *registry.IdentifierRegistry, opts ...Option) (*Coordinator, error) {
	if control == nil || sink == nil || control == sink {
		return nil, ErrNoEndpoint
	}
	cfg.ApplyDefaults()
	if reg == nil {
		reg = registry.NewIdentifierRegistry()
	}
	c := &Coordinator{
		cfg:     cfg,
		control: control,
		sink:    sink,
		reg:     reg,
		rec:     observability.Nop(),
		log:     logging.Noop(),
		tracer:  observability.Tracer(),
		granted: make(map[netip.AddrPort]uint32),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With(logging.String("component", "coordinator"))
	return c, nil
}

// Registry returns the identifier registry.
func (c *Coordinator) Registry() *registry.IdentifierRegistry { return c.reg }

// ControlAddr is where stations send identifier requests.
func (c *Coordinator) ControlAddr() netip.AddrPort { return c.control.LocalAddr() }

// SinkAddr is where stations send data packets.
func (c *Coordinator) SinkAddr() netip.AddrPort { return c.sink.LocalAddr() }

// Start installs the receive handlers.
func (c *Coordinator) Start() {
	c.mu.Lock()
	if c.started || c.stopped {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	c.control.SetReceiveHandler(c.handleRequest)
	c.sink.SetReceiveHandler(c.handleData)
	c.log.Info(context.Background(), "coordinator started",
		logging.String("control", c.ControlAddr().String()),
		logging.String("sink", c.SinkAddr().String()),
		logging.String("codec", c.cfg.Codec.Name()),
		logging.Any("sticky", c.cfg.Sticky),
	)
}

// Stop detaches the handlers and closes both endpoints. It is idempotent.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	c.mu.Unlock()

	c.control.SetReceiveHandler(nil)
	c.sink.SetReceiveHandler(nil)
	return errors.Join(c.control.Close(), c.sink.Close())
}

// Stats is a snapshot of coordinator counters.
type Stats struct {
	Requests  uint64
	Assigned  int
	RxPackets uint64
	RxBytes   uint64
}

// Stats returns the current counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Requests:  c.requests,
		Assigned:  c.reg.Len(),
		RxPackets: c.rxPackets,
		RxBytes:   c.rxBytes,
	}
}

func (c *Coordinator) handleRequest(dg transport.Datagram) {
	ctx, span := c.tracer.Start(context.Background(), "coordinator.assign",
		trace.WithAttributes(attribute.String("src", dg.Src.String())))
	defer span.End()

	c.mu.Lock()
	c.requests++
	id, reused := c.granted[dg.Src]
	if !c.cfg.Sticky || !reused {
		id = c.reg.Acquire()
		reused = false
		if c.cfg.Sticky {
			c.granted[dg.Src] = id
		}
	}
	c.mu.Unlock()

	span.SetAttributes(attribute.Int64("identifier", int64(id)), attribute.Bool("reused", reused))
	if !reused {
		c.rec.IdentifierAssigned(c.reg.Len())
	}

	payload, err := c.cfg.Codec.EncodeIdentifier(id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode identifier")
		c.log.Error(ctx, "cannot encode identifier",
			logging.Uint("identifier", uint64(id)),
			logging.String("src", dg.Src.String()),
			logging.Err(err),
		)
		return
	}
	if err := c.control.SendTo(dg.Src, payload); err != nil {
		span.RecordError(err)
		c.log.Warn(ctx, "identifier response not sent",
			logging.String("dst", dg.Src.String()),
			logging.Err(err),
		)
		return
	}
	c.log.Debug(ctx, "identifier assigned",
		logging.Uint("identifier", uint64(id)),
		logging.String("dst", dg.Src.String()),
		logging.Any("reused", reused),
	)
}

func (c *Coordinator) handleData(dg transport.Datagram) {
	c.mu.Lock()
	c.rxPackets++
	c.rxBytes += uint64(len(dg.Payload))
	c.mu.Unlock()
	c.rec.DataReceived(len(dg.Payload))
}
