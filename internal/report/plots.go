// Package report renders a search history as PNG plots and an HTML chart page.
package report

import (
	"errors"
	"fmt"
	"image/color"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/banshee-data/scanning-tank/internal/peak"
	"github.com/banshee-data/scanning-tank/internal/workspace"
)

// ErrNoHistory is returned when there is nothing to plot.
var ErrNoHistory = errors.New("report: empty history")

var (
	pressureColor = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	gradientColor = color.RGBA{R: 214, G: 39, B: 40, A: 255}
	startColor    = color.RGBA{R: 44, G: 160, B: 44, A: 255}
	endColor      = color.RGBA{R: 255, G: 127, B: 14, A: 255}
)

// SavePlots writes the pressure, gradient and trajectory plots for hist into
// dir, each file name starting with prefix. It returns the written paths.
func SavePlots(dir, prefix string, hist peak.History) ([]string, error) {
	if len(hist.Records) == 0 {
		return nil, ErrNoHistory
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create plot dir: %w", err)
	}

	type job struct {
		name string
		make func(peak.History) (*plot.Plot, error)
	}
	jobs := []job{
		{"pressure.png", pressurePlot},
		{"gradient.png", gradientPlot},
		{"trajectory_xy.png", func(h peak.History) (*plot.Plot, error) { return trajectoryPlot(h, "X", "Y", xy) }},
		{"trajectory_xz.png", func(h peak.History) (*plot.Plot, error) { return trajectoryPlot(h, "X", "Z", xz) }},
	}

	var paths []string
	for _, j := range jobs {
		p, err := j.make(hist)
		if err != nil {
			return paths, fmt.Errorf("%s: %w", j.name, err)
		}
		path := filepath.Join(dir, prefix+j.name)
		if err := p.Save(10*vg.Inch, 6*vg.Inch, path); err != nil {
			return paths, fmt.Errorf("save %s: %w", path, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func pressurePlot(hist peak.History) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = "Pressure per iteration"
	p.X.Label.Text = "Iteration"
	p.Y.Label.Text = "Pressure (kPa)"

	pts := make(plotter.XYs, len(hist.Records))
	for i, rec := range hist.Records {
		pts[i] = plotter.XY{X: float64(rec.Iteration), Y: rec.Pressure}
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return nil, err
	}
	line.Color = pressureColor
	line.Width = vg.Points(1)
	p.Add(line, plotter.NewGrid())
	return p, nil
}

func gradientPlot(hist peak.History) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = "Gradient magnitude per iteration"
	p.X.Label.Text = "Iteration"
	p.Y.Label.Text = "|grad| (kPa/mm)"

	pts := make(plotter.XYs, len(hist.Records))
	for i, rec := range hist.Records {
		pts[i] = plotter.XY{X: float64(rec.Iteration), Y: rec.Gradient.Magnitude()}
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return nil, err
	}
	line.Color = gradientColor
	line.Width = vg.Points(1)
	p.Add(line, plotter.NewGrid())
	return p, nil
}

func xy(p workspace.Position) (float64, float64) { return p.X, p.Y }
func xz(p workspace.Position) (float64, float64) { return p.X, p.Z }

// trajectoryPlot projects the visited positions onto two axes and marks the
// start and end points.
func trajectoryPlot(hist peak.History, a, b string, project func(workspace.Position) (float64, float64)) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Trajectory (%s-%s)", a, b)
	p.X.Label.Text = a + " (mm)"
	p.Y.Label.Text = b + " (mm)"

	positions := hist.Positions
	if len(positions) == 0 {
		return nil, ErrNoHistory
	}
	pts := make(plotter.XYs, len(positions))
	for i, pos := range positions {
		pts[i].X, pts[i].Y = project(pos)
	}

	line, points, err := plotter.NewLinePoints(pts)
	if err != nil {
		return nil, err
	}
	line.Color = pressureColor
	points.Shape = draw.CircleGlyph{}
	points.Radius = vg.Points(1.5)
	points.Color = pressureColor

	start, err := plotter.NewScatter(pts[:1])
	if err != nil {
		return nil, err
	}
	start.Color = startColor
	start.Radius = vg.Points(4)
	start.Shape = draw.CircleGlyph{}

	end, err := plotter.NewScatter(pts[len(pts)-1:])
	if err != nil {
		return nil, err
	}
	end.Color = endColor
	end.Radius = vg.Points(4)
	end.Shape = draw.CrossGlyph{}

	p.Add(plotter.NewGrid(), line, points, start, end)
	p.Legend.Add("start", start)
	p.Legend.Add("end", end)
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return p, nil
}
