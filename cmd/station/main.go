// Command station runs one station against a live coordinator over UDP: it
// acquires an identifier, sends its data packets in its slot and exits.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/tdma-simulator/internal/events"
	"github.com/signalsfoundry/tdma-simulator/internal/logging"
	"github.com/signalsfoundry/tdma-simulator/internal/observability"
	"github.com/signalsfoundry/tdma-simulator/internal/protocol"
	"github.com/signalsfoundry/tdma-simulator/internal/station"
	"github.com/signalsfoundry/tdma-simulator/internal/transport"
	"github.com/signalsfoundry/tdma-simulator/timectrl"
)

// Epoch aligns cycle boundaries across independently started stations.
var Epoch = time.Unix(0, 0)

const pollInterval = 10 * time.Millisecond

// Config is the parsed command line.
type Config struct {
	Station     station.Config
	BindAddr    string
	DataBind    string
	MetricsAddr string
	Tick        time.Duration
}

// Result is what the station did before exiting.
type Result struct {
	Identifier  uint32
	Attempts    int
	PacketsSent int
	State       station.State
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log := logging.NewFromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	shutdown, err := observability.InitTracing(ctx, observability.TracingConfigFromEnvWithDefault("tdma-station"), log)
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.Err(err))
		os.Exit(1)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdown, log)

	res, err := run(ctx, cfg, log)
	if err != nil {
		log.Error(ctx, "station failed", logging.Err(err))
		observability.ShutdownWithTimeout(context.Background(), shutdown, log)
		os.Exit(1)
	}
	fmt.Printf("identifier %d, %d packets sent after %d requests\n", res.Identifier, res.PacketsSent, res.Attempts)
}

func parseFlags(args []string) (Config, error) {
	fs := flag.NewFlagSet("station", flag.ContinueOnError)
	def := station.DefaultConfig()

	coord := fs.String("coordinator", fmt.Sprintf("127.0.0.1:%d", transport.DefaultControlPort), "coordinator control address")
	sink := fs.String("sink", "", "data sink address (default coordinator host on the data port)")
	codec := fs.String("codec", protocol.CodecText, "identifier response codec (text or byte)")
	repeat := fs.String("repeat", def.RepeatPolicy.String(), "repeat policy")

	out := Config{Station: def}
	st := &out.Station
	fs.StringVar(&st.Name, "name", "", "station name for logs")
	fs.IntVar(&st.Ordinal, "ordinal", 0, "station ordinal; probing is delayed by ordinal*probe-spacing")
	fs.DurationVar(&st.ProbeSpacing, "probe-spacing", def.ProbeSpacing, "probe delay per ordinal")
	fs.BoolVar(&st.SeparateDataChannel, "separate", false, "send data from a second socket")
	fs.IntVar(&st.PacketSize, "packet-size", def.PacketSize, "data packet payload bytes")
	fs.IntVar(&st.RequestSize, "request-size", def.RequestSize, "identifier request payload bytes")
	fs.DurationVar(&st.RetryTimeout, "retry-timeout", def.RetryTimeout, "wait for a response before resending")
	fs.IntVar(&st.RetryBound, "retry-bound", def.RetryBound, "resends after the first request")
	fs.DurationVar(&st.FinalGrace, "final-grace", def.FinalGrace, "wait after the last resend before giving up")
	fs.DurationVar(&st.SlotDuration, "slot", def.SlotDuration, "slot duration")
	fs.DurationVar(&st.CycleLength, "cycle", def.CycleLength, "cycle length")
	fs.IntVar(&st.PacketsToSend, "packets", def.PacketsToSend, "data packets to send")
	fs.StringVar(&out.BindAddr, "bind", "0.0.0.0:0", "local control socket address")
	fs.StringVar(&out.DataBind, "data-bind", "0.0.0.0:0", "local data socket address with -separate")
	fs.StringVar(&out.MetricsAddr, "metrics-addr", "", "HTTP address for Prometheus /metrics (disabled when empty)")
	fs.DurationVar(&out.Tick, "tick", time.Millisecond, "event loop tick")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if fs.NArg() > 0 {
		return Config{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	var err error
	if st.CoordinatorAddr, err = netip.ParseAddrPort(*coord); err != nil {
		return Config{}, fmt.Errorf("coordinator address: %w", err)
	}
	if *sink == "" {
		st.SinkAddr = netip.AddrPortFrom(st.CoordinatorAddr.Addr(), transport.DefaultDataPort)
	} else if st.SinkAddr, err = netip.ParseAddrPort(*sink); err != nil {
		return Config{}, fmt.Errorf("sink address: %w", err)
	}
	if st.Codec, err = protocol.CodecByName(*codec); err != nil {
		return Config{}, err
	}
	if st.RepeatPolicy, err = station.ParseRepeatPolicy(*repeat); err != nil {
		return Config{}, err
	}
	st.Epoch = Epoch
	if err := st.Validate(); err != nil {
		return Config{}, err
	}
	return out, nil
}

// run drives the station until it has sent every packet, failed, or ctx is
// done.
func run(ctx context.Context, cfg Config, log logging.Logger) (Result, error) {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Millisecond
	}
	reg := prometheus.NewRegistry()
	collector, err := observability.NewProtocolCollector(reg)
	if err != nil {
		return Result{}, fmt.Errorf("init protocol metrics: %w", err)
	}
	metricsSrv, err := observability.ServeMetrics(cfg.MetricsAddr, collector.Handler(), log)
	if err != nil {
		return Result{}, fmt.Errorf("serve metrics: %w", err)
	}
	defer observability.ShutdownServer(metricsSrv, log)

	tc := timectrl.NewTimeController(time.Now(), cfg.Tick, timectrl.RealTime)
	sched := events.NewEventScheduler(tc)

	control, err := transport.ListenUDP(transport.ControlChannel, cfg.BindAddr, sched, log)
	if err != nil {
		return Result{}, err
	}
	var data transport.Endpoint
	if cfg.Station.SeparateDataChannel {
		ep, err := transport.ListenUDP(transport.DataChannel, cfg.DataBind, sched, log)
		if err != nil {
			control.Close()
			return Result{}, err
		}
		data = ep
	}

	st, err := station.New(cfg.Station, sched, control, data, transport.NewImmediateLink(sched),
		station.WithRecorder(collector),
		station.WithLogger(log),
	)
	if err != nil {
		control.Close()
		if data != nil {
			data.Close()
		}
		return Result{}, err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var res Result
	var check func()
	check = func() {
		done := st.State() == station.Failed ||
			(st.State() == station.Active && st.PacketsSent() >= cfg.Station.PacketsToSend)
		if done {
			res = Result{Identifier: st.ID(), Attempts: st.Attempts(), PacketsSent: st.PacketsSent(), State: st.State()}
			cancel()
			return
		}
		events.After(sched, pollInterval, check)
	}
	events.Post(sched, func() {
		st.Start()
		check()
	})

	events.DriveRealTime(loopCtx, tc, sched)

	// The loop has returned, so the station can be touched from here.
	if res.State == 0 {
		res = Result{Identifier: st.ID(), Attempts: st.Attempts(), PacketsSent: st.PacketsSent(), State: st.State()}
	}
	acqErr := st.Err()
	st.Stop()

	log.Info(ctx, "station finished",
		logging.Uint("identifier", uint64(res.Identifier)),
		logging.Int("attempts", res.Attempts),
		logging.Int("packets_sent", res.PacketsSent),
		logging.String("state", res.State.String()),
	)
	if acqErr != nil {
		return res, acqErr
	}
	if res.State != station.Active {
		return res, ctx.Err()
	}
	return res, nil
}
