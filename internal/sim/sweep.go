package sim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/tdma-simulator/internal/config"
	"github.com/signalsfoundry/tdma-simulator/internal/logging"
	"github.com/signalsfoundry/tdma-simulator/internal/observability"
)

// ErrEmptySweep is returned when a sweep has no station counts or cycles.
var ErrEmptySweep = errors.New("sweep needs at least one station count and one cycle length")

// SweepConfig runs Base once per (station count, cycle length) pair, with
// the slot set to cycle / stations.
type SweepConfig struct {
	Base     config.Scenario
	Stations []int
	Cycles   []time.Duration
	// Parallel bounds concurrent runs; <= 0 means one.
	Parallel int
}

// DefaultSweep covers 100 to 2000 stations in steps of 50 against cycle
// lengths from 1s to 60s.
func DefaultSweep() SweepConfig {
	cfg := SweepConfig{Base: config.Default(), Parallel: 1}
	for n := 100; n <= 2000; n += 50 {
		cfg.Stations = append(cfg.Stations, n)
	}
	for _, s := range []int{1, 5, 10, 20, 30, 45, 60} {
		cfg.Cycles = append(cfg.Cycles, time.Duration(s)*time.Second)
	}
	return cfg
}

// SweepCell is the outcome of one run in a sweep.
type SweepCell struct {
	Stations    int           `json:"stations" yaml:"stations"`
	Cycle       time.Duration `json:"cycle" yaml:"cycle"`
	Slot        time.Duration `json:"slot" yaml:"slot"`
	Expected    int           `json:"expected_packets" yaml:"expected_packets"`
	Received    uint64        `json:"rx_packets" yaml:"rx_packets"`
	Drops       uint64        `json:"drops" yaml:"drops"`
	DropPercent float64       `json:"drop_percent" yaml:"drop_percent"`
	Failed      int           `json:"failed" yaml:"failed"`
	Err         string        `json:"error,omitempty" yaml:"error,omitempty"`
}

// SweepResult holds one cell per station count (row) and cycle (column).
type SweepResult struct {
	Base     config.Scenario `json:"base" yaml:"base"`
	Stations []int           `json:"stations" yaml:"stations"`
	Cycles   []time.Duration `json:"cycles" yaml:"cycles"`
	Cells    [][]SweepCell   `json:"cells" yaml:"cells"`
	WallTime time.Duration   `json:"wall_time" yaml:"wall_time"`
}

// Sweep runs every cell, at most cfg.Parallel at a time. A cell whose
// scenario is invalid or whose run fails records the error and the sweep
// continues; only cancellation of ctx aborts it.
func Sweep(ctx context.Context, cfg SweepConfig, opts ...Option) (*SweepResult, error) {
	if len(cfg.Stations) == 0 || len(cfg.Cycles) == 0 {
		return nil, ErrEmptySweep
	}
	r := &runner{log: logging.Noop(), tracer: observability.Tracer()}
	for _, opt := range opts {
		opt(r)
	}

	ctx, span := r.tracer.Start(ctx, "sim.sweep", trace.WithAttributes(
		attribute.Int("station_counts", len(cfg.Stations)),
		attribute.Int("cycles", len(cfg.Cycles)),
	))
	defer span.End()
	ctx, log := logging.WithRunLogger(ctx, r.log)

	res := &SweepResult{
		Base:     cfg.Base,
		Stations: append([]int(nil), cfg.Stations...),
		Cycles:   append([]time.Duration(nil), cfg.Cycles...),
		Cells:    make([][]SweepCell, len(cfg.Stations)),
	}
	for i := range res.Cells {
		res.Cells[i] = make([]SweepCell, len(cfg.Cycles))
	}

	parallel := cfg.Parallel
	if parallel <= 0 {
		parallel = 1
	}
	log.Info(ctx, "sweep starting",
		logging.Int("cells", len(cfg.Stations)*len(cfg.Cycles)),
		logging.Int("parallel", parallel),
	)

	wallStart := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for i, n := range cfg.Stations {
		for j, cycle := range cfg.Cycles {
			cell := &res.Cells[i][j]
			*cell = SweepCell{Stations: n, Cycle: cycle}
			if n > 0 {
				cell.Slot = cycle / time.Duration(n)
			}
			scn := cfg.Base
			scn.Name = fmt.Sprintf("%s/n=%d/cycle=%v", cfg.Base.Name, n, cycle)
			scn.Stations = n
			scn.CycleLength = cycle
			scn.SlotDuration = cell.Slot

			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				rep, err := Run(gctx, scn, opts...)
				if err != nil {
					if ctxErr := gctx.Err(); ctxErr != nil {
						return ctxErr
					}
					cell.Err = err.Error()
					log.Warn(gctx, "sweep cell failed",
						logging.Int("stations", n),
						logging.Duration("cycle", cycle),
						logging.Err(err),
					)
					if rep == nil {
						return nil
					}
				}
				cell.Expected = rep.Expected
				cell.Received = rep.Received
				cell.Drops = rep.Drops
				cell.DropPercent = rep.DropPercent
				cell.Failed = rep.Failed
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	res.WallTime = time.Since(wallStart)
	r.runtime.ObserveRun("sweep", res.WallTime)
	log.Info(ctx, "sweep complete", logging.Duration("wall_time", res.WallTime))
	return res, nil
}

// WriteTable writes the drop percentage matrix: one line per station count,
// one space-separated column per cycle length. Failed cells are written as
// "NaN".
func (r *SweepResult) WriteTable(w io.Writer) error {
	var b strings.Builder
	for _, row := range r.Cells {
		for j, cell := range row {
			if j > 0 {
				b.WriteByte(' ')
			}
			if cell.Err != "" {
				b.WriteString("NaN")
				continue
			}
			b.WriteString(strconv.FormatFloat(cell.DropPercent, 'g', 6, 64))
		}
		b.WriteByte('\n')
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// WriteYAML writes the full sweep result as YAML.
func (r *SweepResult) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("encode sweep: %w", err)
	}
	return enc.Close()
}
