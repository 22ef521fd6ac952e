// Command sweep runs a scenario over a grid of station counts and cycle
// lengths, with the slot set to cycle/stations, and reports the drop
// percentage of every cell.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/tdma-simulator/internal/config"
	"github.com/signalsfoundry/tdma-simulator/internal/logging"
	"github.com/signalsfoundry/tdma-simulator/internal/observability"
	"github.com/signalsfoundry/tdma-simulator/internal/sim"
)

// Config is the parsed command line.
type Config struct {
	Sweep       sim.SweepConfig
	TablePath   string
	YAMLPath    string
	ChartPath   string
	MetricsAddr string
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

	shutdown, err := observability.InitTracing(ctx, observability.TracingConfigFromEnvWithDefault("tdma-sweep"), log)
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.Err(err))
		os.Exit(1)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdown, log)

	if err := run(ctx, cfg, os.Stdout, log); err != nil {
		log.Error(ctx, "sweep failed", logging.Err(err))
		observability.ShutdownWithTimeout(context.Background(), shutdown, log)
		os.Exit(1)
	}
}

func parseFlags(args []string) (Config, error) {
	fs := flag.NewFlagSet("sweep", flag.ContinueOnError)
	def := sim.DefaultSweep()

	scenarioPath := fs.String("config", "", "base scenario file; defaults are used when empty")
	stations := fs.String("stations", "100:2000:50", "station counts: comma list or start:end:step")
	cycles := fs.String("cycles", "1s,5s,10s,20s,30s,45s,60s", "comma-separated cycle lengths")
	stopTime := fs.Duration("stop", 0, "override the base scenario's stop time")
	parallel := fs.Int("parallel", runtime.GOMAXPROCS(0), "runs executed concurrently")

	out := Config{}
	fs.StringVar(&out.TablePath, "table", "", "write the drop percentage matrix here (stdout when all outputs are empty)")
	fs.StringVar(&out.YAMLPath, "yaml", "", "write the full sweep result as YAML here")
	fs.StringVar(&out.ChartPath, "chart", "", "render a drop percentage chart (.png, .svg or .pdf)")
	fs.StringVar(&out.MetricsAddr, "metrics-addr", "", "HTTP address for Prometheus /metrics (disabled when empty)")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if fs.NArg() > 0 {
		return Config{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	base := def.Base
	if *scenarioPath != "" {
		loaded, err := config.Load(*scenarioPath)
		if err != nil {
			return Config{}, err
		}
		base = loaded
	}
	if *stopTime > 0 {
		base.StopTime = *stopTime
		base.EndTime = *stopTime + time.Second
	}

	ns, err := parseStations(*stations)
	if err != nil {
		return Config{}, err
	}
	cs, err := parseCycles(*cycles)
	if err != nil {
		return Config{}, err
	}
	if out.ChartPath != "" {
		if _, err := sim.ChartFormatFromPath(out.ChartPath); err != nil {
			return Config{}, err
		}
	}

	out.Sweep = sim.SweepConfig{Base: base, Stations: ns, Cycles: cs, Parallel: *parallel}
	return out, nil
}

// parseStations accepts "a,b,c" or "start:end:step".
func parseStations(s string) ([]int, error) {
	if parts := strings.Split(s, ":"); len(parts) == 3 {
		var v [3]int
		for i, p := range parts {
			n, err := strconv.Atoi(strings.TrimSpace(p))
			if err != nil {
				return nil, fmt.Errorf("station range %q: %w", s, err)
			}
			v[i] = n
		}
		if v[2] <= 0 || v[1] < v[0] {
			return nil, fmt.Errorf("station range %q: need start <= end and step > 0", s)
		}
		var out []int
		for n := v[0]; n <= v[1]; n += v[2] {
			out = append(out, n)
		}
		return out, nil
	}

	var out []int
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("station count %q: %w", p, err)
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return nil, sim.ErrEmptySweep
	}
	return out, nil
}

func parseCycles(s string) ([]time.Duration, error) {
	var out []time.Duration
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		d, err := time.ParseDuration(p)
		if err != nil {
			return nil, fmt.Errorf("cycle %q: %w", p, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("cycle %q must be positive", p)
		}
		out = append(out, d)
	}
	if len(out) == 0 {
		return nil, sim.ErrEmptySweep
	}
	return out, nil
}

func run(ctx context.Context, cfg Config, stdout io.Writer, log logging.Logger) error {
	reg := prometheus.NewRegistry()
	rt, err := observability.NewRuntimeCollector(reg)
	if err != nil {
		return fmt.Errorf("init runtime metrics: %w", err)
	}
	proto, err := observability.NewProtocolCollector(reg)
	if err != nil {
		return fmt.Errorf("init protocol metrics: %w", err)
	}
	metricsSrv, err := observability.ServeMetrics(cfg.MetricsAddr, proto.Handler(), log)
	if err != nil {
		return fmt.Errorf("serve metrics: %w", err)
	}
	defer observability.ShutdownServer(metricsSrv, log)

	res, err := sim.Sweep(ctx, cfg.Sweep, sim.WithLogger(log), sim.WithRuntime(rt), sim.WithRecorder(proto))
	if err != nil {
		return err
	}

	if cfg.TablePath == "" && cfg.YAMLPath == "" && cfg.ChartPath == "" {
		return res.WriteTable(stdout)
	}
	if err := writeFile(cfg.TablePath, res.WriteTable); err != nil {
		return err
	}
	if err := writeFile(cfg.YAMLPath, res.WriteYAML); err != nil {
		return err
	}
	if cfg.ChartPath != "" {
		format, err := sim.ChartFormatFromPath(cfg.ChartPath)
		if err != nil {
			return err
		}
		if err := writeFile(cfg.ChartPath, func(w io.Writer) error { return res.WriteChart(w, format) }); err != nil {
			return err
		}
	}
	log.Info(ctx, "sweep outputs written",
		logging.String("table", cfg.TablePath),
		logging.String("yaml", cfg.YAMLPath),
		logging.String("chart", cfg.ChartPath),
	)
	return nil
}

func writeFile(path string, write func(io.Writer) error) error {
	if path == "" {
		return nil
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := write(f); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
