package sim

import (
	"fmt"
	"io"
	"math"
	"path/filepath"
	"strings"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// Chart formats accepted by WriteChart.
const (
	ChartPNG = "png"
	ChartSVG = "svg"
	ChartPDF = "pdf"
)

// ChartFormatFromPath returns the chart format implied by a file extension.
func ChartFormatFromPath(path string) (string, error) {
	switch ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), ".")); ext {
	case ChartPNG, ChartSVG, ChartPDF:
		return ext, nil
	default:
		return "", fmt.Errorf("unsupported chart format %q", ext)
	}
}

// Plot builds a drop percentage chart with one line per cycle length,
// station count on the x axis. Failed cells are left out.
func (r *SweepResult) Plot() (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = "Data packet drops at the sink"
	p.X.Label.Text = "stations"
	p.Y.Label.Text = "drop %"
	p.Legend.Top = true
	p.Add(plotter.NewGrid())

	for j, cycle := range r.Cycles {
		pts := make(plotter.XYs, 0, len(r.Stations))
		for i, n := range r.Stations {
			cell := r.Cells[i][j]
			if cell.Err != "" || math.IsNaN(cell.DropPercent) {
				continue
			}
			pts = append(pts, plotter.XY{X: float64(n), Y: cell.DropPercent})
		}
		if len(pts) == 0 {
			continue
		}
		line, points, err := plotter.NewLinePoints(pts)
		if err != nil {
			return nil, fmt.Errorf("cycle %v: %w", cycle, err)
		}
		line.Color = plotutil.Color(j)
		points.Color = plotutil.Color(j)
		points.Shape = plotutil.Shape(j)
		p.Add(line, points)
		p.Legend.Add("Tc="+cycle.String(), line, points)
	}
	return p, nil
}

// WriteChart renders the chart in the given format to w.
func (r *SweepResult) WriteChart(w io.Writer, format string) error {
	p, err := r.Plot()
	if err != nil {
		return err
	}
	wt, err := p.WriterTo(8*vg.Inch, 5*vg.Inch, format)
	if err != nil {
		return fmt.Errorf("render chart: %w", err)
	}
	_, err = wt.WriteTo(w)
	return err
}
