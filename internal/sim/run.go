// Package sim assembles a scenario (one coordinator and its stations on a
// simulated medium), runs it on virtual time and reports what the sink saw.
package sim

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/tdma-simulator/internal/config"
	"github.com/signalsfoundry/tdma-simulator/internal/coordinator"
	"github.com/signalsfoundry/tdma-simulator/internal/events"
	"github.com/signalsfoundry/tdma-simulator/internal/logging"
	"github.com/signalsfoundry/tdma-simulator/internal/observability"
	"github.com/signalsfoundry/tdma-simulator/internal/registry"
	"github.com/signalsfoundry/tdma-simulator/internal/station"
	"github.com/signalsfoundry/tdma-simulator/internal/transport"
	"github.com/signalsfoundry/tdma-simulator/timectrl"
)

// Origin is virtual time zero for every simulated run.
var Origin = time.Unix(0, 0).UTC()

// ErrDuplicateIdentifier is returned when two stations end a run holding
// the same identifier.
var ErrDuplicateIdentifier = errors.New("duplicate identifier assigned")

// Option customises a run.
type Option func(*runner)

// WithLogger sets the base logger; a run_id field is added per run.
func WithLogger(log logging.Logger) Option {
	return func(r *runner) {
		if log != nil {
			r.log = log
		}
	}
}

// WithRecorder adds a recorder alongside the run's own counters.
func WithRecorder(rec observability.Recorder) Option {
	return func(r *runner) { r.rec = rec }
}

// WithTap captures every datagram put on the medium.
func WithTap(tap transport.Tap) Option {
	return func(r *runner) { r.tap = tap }
}

// WithRuntime reports scheduler depth and run duration to c.
func WithRuntime(c *observability.RuntimeCollector) Option {
	return func(r *runner) { r.runtime = c }
}

// WithTracer sets the tracer for the run span.
func WithTracer(tr trace.Tracer) Option {
	return func(r *runner) {
		if tr != nil {
			r.tracer = tr
		}
	}
}

type runner struct {
	log     logging.Logger
	rec     observability.Recorder
	tap     transport.Tap
	runtime *observability.RuntimeCollector
	tracer  trace.Tracer
}

// Run executes scn to its end time and returns the report. The scenario is
// validated first; a context cancellation aborts the run between events.
func Run(ctx context.Context, scn config.Scenario, opts ...Option) (*Report, error) {
	r := &runner{log: logging.Noop(), tracer: observability.Tracer()}
	for _, opt := range opts {
		opt(r)
	}
	if err := scn.Validate(); err != nil {
		return nil, err
	}

	ctx, span := r.tracer.Start(ctx, "sim.run", trace.WithAttributes(
		attribute.String("scenario", scn.Name),
		attribute.Int("stations", scn.Stations),
		attribute.String("slot", scn.SlotDuration.String()),
		attribute.String("cycle", scn.CycleLength.String()),
		attribute.Bool("separate_data_channel", scn.SeparateDataChannel),
	))
	defer span.End()

	ctx, log := logging.WithRunLogger(ctx, r.log)
	wallStart := time.Now()

	rep, err := r.run(ctx, scn, log)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "run failed")
		log.Error(ctx, "simulation failed", logging.Err(err))
		return nil, err
	}
	rep.RunID = logging.RunIDFromContext(ctx)
	rep.WallTime = time.Since(wallStart)
	r.runtime.ObserveRun("scenario", rep.WallTime)

	span.SetAttributes(
		attribute.Int64("rx_packets", int64(rep.Received)),
		attribute.Int64("drops", int64(rep.Drops)),
		attribute.Float64("drop_percent", rep.DropPercent),
	)
	log.Info(ctx, "simulation complete",
		logging.String("scenario", scn.Name),
		logging.Int("stations", scn.Stations),
		logging.Uint("rx_packets", rep.Received),
		logging.Uint("drops", rep.Drops),
		logging.Any("drop_percent", rep.DropPercent),
		logging.Int("failed", rep.Failed),
		logging.Duration("wall_time", rep.WallTime),
	)
	if !rep.UniqueIdentifiers {
		return rep, ErrDuplicateIdentifier
	}
	return rep, nil
}

// topology is where the coordinator listens for a scenario.
type topology struct {
	control     netip.AddrPort
	sink        netip.AddrPort
	sinkChannel transport.Channel
}

func topologyFor(scn config.Scenario) (topology, error) {
	control, err := transport.DefaultControlPlan().Coordinator()
	if err != nil {
		return topology{}, err
	}
	if scn.SeparateDataChannel {
		sink, err := transport.DefaultDataPlan().Coordinator()
		if err != nil {
			return topology{}, err
		}
		return topology{control: control, sink: sink, sinkChannel: transport.DataChannel}, nil
	}
	sink := netip.AddrPortFrom(control.Addr(), transport.DefaultDataPort)
	return topology{control: control, sink: sink, sinkChannel: transport.ControlChannel}, nil
}

func (r *runner) run(ctx context.Context, scn config.Scenario, log logging.Logger) (*Report, error) {
	counters := observability.NewCounters()
	rec := observability.Multi(counters, r.rec)

	tc := timectrl.NewTimeController(Origin, time.Millisecond, timectrl.Discrete)
	sched := events.NewEventScheduler(tc)
	if r.runtime != nil {
		tc.AddListener(func(time.Time) { r.runtime.SetPendingEvents(sched.Pending()) })
	}

	mopts := []transport.MediumOption{transport.WithRecorder(rec), transport.WithLogger(log)}
	if r.tap != nil {
		mopts = append(mopts, transport.WithTap(r.tap))
	}
	medium, err := transport.NewMedium(sched, scn.MediumConfig(), mopts...)
	if err != nil {
		return nil, err
	}

	topo, err := topologyFor(scn)
	if err != nil {
		return nil, err
	}
	controlEP, err := medium.NewEndpoint(transport.ControlChannel, topo.control)
	if err != nil {
		return nil, fmt.Errorf("bind coordinator control: %w", err)
	}
	sinkEP, err := medium.NewEndpoint(topo.sinkChannel, topo.sink)
	if err != nil {
		return nil, fmt.Errorf("bind coordinator sink: %w", err)
	}
	ccfg, err := scn.CoordinatorConfig()
	if err != nil {
		return nil, err
	}
	reg := registry.NewIdentifierRegistry()
	coord, err := coordinator.New(ccfg, controlEP, sinkEP, reg,
		coordinator.WithRecorder(rec),
		coordinator.WithLogger(log),
		coordinator.WithTracer(r.tracer),
	)
	if err != nil {
		return nil, err
	}
	coord.Start()

	stations, err := r.buildStations(scn, sched, medium, topo, rec, log)
	if err != nil {
		_ = coord.Stop()
		return nil, err
	}
	for _, st := range stations {
		sched.Schedule(Origin.Add(scn.StartTime), st.Start)
		sched.Schedule(Origin.Add(scn.StopTime), st.Stop)
	}

	log.Debug(ctx, "simulation starting",
		logging.Int("stations", len(stations)),
		logging.String("control", topo.control.String()),
		logging.String("sink", topo.sink.String()),
		logging.Duration("end", scn.EndTime),
	)
	runErr := events.RunUntil(ctx, tc, sched, Origin.Add(scn.EndTime))
	for _, st := range stations {
		st.Stop()
	}
	stopErr := coord.Stop()
	if runErr != nil {
		return nil, runErr
	}
	if stopErr != nil {
		log.Warn(ctx, "coordinator stop", logging.Err(stopErr))
	}

	return buildReport(scn, stations, coord, medium, topo, counters), nil
}

func (r *runner) buildStations(scn config.Scenario, sched events.EventScheduler, medium *transport.Medium, topo topology, rec observability.Recorder, log logging.Logger) ([]*station.Station, error) {
	controlPlan := transport.DefaultControlPlan()
	dataPlan := transport.DefaultDataPlan()
	epoch := Origin.Add(scn.StartTime)

	out := make([]*station.Station, 0, scn.Stations)
	for i := 0; i < scn.Stations; i++ {
		addr, err := controlPlan.Station(i)
		if err != nil {
			return nil, err
		}
		ctrl, err := medium.NewEndpoint(transport.ControlChannel, addr)
		if err != nil {
			return nil, err
		}
		var data *transport.SimEndpoint
		if scn.SeparateDataChannel {
			daddr, err := dataPlan.Station(i)
			if err != nil {
				return nil, err
			}
			if data, err = medium.NewEndpoint(transport.DataChannel, daddr); err != nil {
				return nil, err
			}
		}

		cfg, err := scn.StationConfig(i, epoch, topo.control, topo.sink)
		if err != nil {
			return nil, err
		}
		var dataEP transport.Endpoint
		if data != nil {
			dataEP = data
		}
		st, err := station.New(cfg, sched, ctrl, dataEP, medium.NewLink(ctrl, data),
			station.WithRecorder(rec),
			station.WithLogger(log),
		)
		if err != nil {
			return nil, fmt.Errorf("station %d: %w", i, err)
		}
		out = append(out, st)
	}
	return out, nil
}
