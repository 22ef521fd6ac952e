// Command simulator runs one TDMA scenario on the simulated medium and
// prints what the sink received.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/tdma-simulator/internal/config"
	"github.com/signalsfoundry/tdma-simulator/internal/logging"
	"github.com/signalsfoundry/tdma-simulator/internal/observability"
	"github.com/signalsfoundry/tdma-simulator/internal/sim"
	"github.com/signalsfoundry/tdma-simulator/internal/transport"
)

// Config is the parsed command line.
type Config struct {
	Scenario    config.Scenario
	PcapPath    string
	Format      string
	ReportPath  string
	MetricsAddr string
	// Linger keeps the metrics endpoint up after the run until interrupted.
	Linger bool
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

	shutdown, err := observability.InitTracing(ctx, observability.TracingConfigFromEnvWithDefault("tdma-simulator"), log)
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.Err(err))
		os.Exit(1)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdown, log)

	if err := run(ctx, cfg, os.Stdout, log); err != nil {
		log.Error(ctx, "simulator failed", logging.Err(err))
		observability.ShutdownWithTimeout(context.Background(), shutdown, log)
		os.Exit(1)
	}
}

// parseFlags builds the run config. Scenario flags override the loaded
// file only when given explicitly.
func parseFlags(args []string) (Config, error) {
	fs := flag.NewFlagSet("simulator", flag.ContinueOnError)
	def := config.Default()

	scenarioPath := fs.String("config", "", "scenario file (.yaml, .yml, .json or .lua); defaults are used when empty")
	stations := fs.Int("stations", def.Stations, "number of stations")
	slot := fs.Duration("slot", def.SlotDuration, "slot duration")
	cycle := fs.Duration("cycle", def.CycleLength, "cycle length")
	packets := fs.Int("packets", def.PacketsToSend, "data packets per station")
	packetSize := fs.Int("packet-size", def.PacketSize, "data packet payload bytes")
	separate := fs.Bool("separate", def.SeparateDataChannel, "send data on a second channel")
	codec := fs.String("codec", def.Codec, "identifier response codec (text or byte)")
	sticky := fs.Bool("sticky", def.Sticky, "answer repeated requests with the identifier already granted")
	repeat := fs.String("repeat", def.RepeatPolicy, "repeat policy (slot-in-cycle or slot-delay)")
	stopTime := fs.Duration("stop", def.StopTime, "virtual time at which stations stop")
	endTime := fs.Duration("end", 0, "virtual time at which the run ends (default stop+1s)")
	seed := fs.Uint64("seed", def.Medium.Seed, "medium random seed")
	loss := fs.Float64("loss", def.Medium.LossProbability, "independent frame loss probability")
	dataRate := fs.Float64("data-rate", def.Medium.DataRate, "medium data rate in bit/s (0 for zero airtime)")

	out := Config{}
	fs.StringVar(&out.PcapPath, "pcap", "", "write every datagram to this pcap file")
	fs.StringVar(&out.Format, "format", "text", "report format (text or yaml)")
	fs.StringVar(&out.ReportPath, "report", "", "write the report to this file instead of stdout")
	fs.StringVar(&out.MetricsAddr, "metrics-addr", "", "HTTP address for Prometheus /metrics (disabled when empty)")
	fs.BoolVar(&out.Linger, "linger", false, "keep serving metrics after the run until interrupted")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if fs.NArg() > 0 {
		return Config{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	scn := def
	if *scenarioPath != "" {
		loaded, err := config.Load(*scenarioPath)
		if err != nil {
			return Config{}, err
		}
		scn = loaded
	}

	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if set["stations"] {
		scn.Stations = *stations
	}
	if set["slot"] {
		scn.SlotDuration = *slot
	}
	if set["cycle"] {
		scn.CycleLength = *cycle
	}
	if set["packets"] {
		scn.PacketsToSend = *packets
	}
	if set["packet-size"] {
		scn.PacketSize = *packetSize
	}
	if set["separate"] {
		scn.SeparateDataChannel = *separate
	}
	if set["codec"] {
		scn.Codec = *codec
	}
	if set["sticky"] {
		scn.Sticky = *sticky
	}
	if set["repeat"] {
		scn.RepeatPolicy = *repeat
	}
	if set["stop"] {
		scn.StopTime = *stopTime
		if !set["end"] {
			scn.EndTime = 0
		}
	}
	if set["end"] {
		scn.EndTime = *endTime
	}
	if set["seed"] {
		scn.Medium.Seed = *seed
	}
	if set["loss"] {
		scn.Medium.LossProbability = *loss
	}
	if set["data-rate"] {
		scn.Medium.DataRate = *dataRate
	}
	scn.ApplyDefaults()
	if err := scn.Validate(); err != nil {
		return Config{}, err
	}

	switch out.Format {
	case "text", "yaml":
	default:
		return Config{}, fmt.Errorf("unknown report format %q", out.Format)
	}
	out.Scenario = scn
	return out, nil
}

func run(ctx context.Context, cfg Config, stdout io.Writer, log logging.Logger) error {
	reg := prometheus.NewRegistry()
	proto, err := observability.NewProtocolCollector(reg)
	if err != nil {
		return fmt.Errorf("init protocol metrics: %w", err)
	}
	runtime, err := observability.NewRuntimeCollector(reg)
	if err != nil {
		return fmt.Errorf("init runtime metrics: %w", err)
	}
	metricsSrv, err := observability.ServeMetrics(cfg.MetricsAddr, proto.Handler(), log)
	if err != nil {
		return fmt.Errorf("serve metrics: %w", err)
	}
	defer observability.ShutdownServer(metricsSrv, log)

	opts := []sim.Option{
		sim.WithLogger(log),
		sim.WithRecorder(proto),
		sim.WithRuntime(runtime),
	}
	if cfg.PcapPath != "" {
		tap, err := transport.CreatePcapFile(cfg.PcapPath)
		if err != nil {
			return err
		}
		defer func() {
			if err := tap.Close(); err != nil {
				log.Warn(ctx, "closing pcap failed", logging.Err(err))
			}
		}()
		opts = append(opts, sim.WithTap(tap))
	}

	rep, err := sim.Run(ctx, cfg.Scenario, opts...)
	if rep == nil {
		return err
	}

	w := stdout
	if cfg.ReportPath != "" {
		f, ferr := os.Create(cfg.ReportPath)
		if ferr != nil {
			return fmt.Errorf("create report: %w", ferr)
		}
		defer f.Close()
		w = f
	}
	var werr error
	if cfg.Format == "yaml" {
		werr = rep.WriteYAML(w)
	} else {
		werr = rep.WriteText(w)
	}
	if werr != nil {
		return fmt.Errorf("write report: %w", werr)
	}
	if err != nil {
		return err
	}

	if cfg.Linger && metricsSrv != nil {
		log.Info(ctx, "run finished; serving metrics until interrupted", logging.String("addr", metricsSrv.Addr))
		<-ctx.Done()
	}
	return nil
}
