package mesh

import (
	"fmt"
	"image/color"
	"io"
	"maps"
	"slices"

	"github.com/kwv/tudoscan/icp"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// PlotConvergence draws mean error against iteration, one line per robot,
// and writes it to w as a PNG. hexColors may be nil.
func PlotConvergence(w io.Writer, histories map[string][]icp.IterationStats, hexColors map[string]string) error {
	p := plot.New()
	p.Title.Text = "ICP convergence"
	p.X.Label.Text = "Iteration"
	p.Y.Label.Text = "Mean squared error"
	p.Add(plotter.NewGrid())

	palette := DefaultColors()
	lines := 0
	for i, id := range slices.Sorted(maps.Keys(histories)) {
		history := histories[id]
		if len(history) == 0 {
			continue
		}
		pts := make(plotter.XYs, len(history))
		for j, s := range history {
			pts[j] = plotter.XY{X: float64(s.Iteration), Y: s.MeanError}
		}

		line, points, err := plotter.NewLinePoints(pts)
		if err != nil {
			return fmt.Errorf("robot %s: %w", id, err)
		}
		var c color.Color = palette[i%len(palette)]
		if hex := hexColors[id]; hex != "" {
			c = parseHexColor(hex)
		}
		line.Color = c
		line.Width = vg.Points(1)
		points.Color = c
		points.Radius = vg.Points(2)

		p.Add(line, points)
		p.Legend.Add(id, line, points)
		lines++
	}
	if lines == 0 {
		return fmt.Errorf("no iteration history to plot")
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	wt, err := p.WriterTo(8*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		return fmt.Errorf("creating plot writer: %w", err)
	}
	if _, err := wt.WriteTo(w); err != nil {
		return fmt.Errorf("writing plot: %w", err)
	}
	return nil
}
