package report

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/scanning-tank/internal/peak"
)

// RenderHTML writes a self-contained page with the per-iteration pressure and
// gradient curves and the X-Y trajectory.
func RenderHTML(w io.Writer, title string, hist peak.History) error {
	if len(hist.Records) == 0 {
		return ErrNoHistory
	}

	iterations := make([]string, len(hist.Records))
	pressure := make([]opts.LineData, len(hist.Records))
	gradMag := make([]opts.LineData, len(hist.Records))
	for i, rec := range hist.Records {
		iterations[i] = strconv.Itoa(rec.Iteration)
		pressure[i] = opts.LineData{Value: rec.Pressure}
		gradMag[i] = opts.LineData{Value: rec.Gradient.Magnitude()}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Width: "100%", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{Title: "Search progress", Subtitle: fmt.Sprintf("iterations=%d converged=%v", hist.Iterations, hist.Converged)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Iteration"}),
	)
	line.SetXAxis(iterations).
		AddSeries("pressure (kPa)", pressure).
		AddSeries("|grad| (kPa/mm)", gradMag)

	traj := make([]opts.ScatterData, len(hist.Positions))
	for i, pos := range hist.Positions {
		traj[i] = opts.ScatterData{Value: []interface{}{pos.X, pos.Y, i}}
	}
	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "720px", Height: "720px"}),
		charts.WithTitleOpts(opts.Title{Title: "Trajectory (X-Y)", Subtitle: fmt.Sprintf("positions=%d", len(traj))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "X (mm)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Y (mm)", NameLocation: "middle", NameGap: 30}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Dimension:  "2",
			Min:        0,
			Max:        float32(len(traj) - 1),
			InRange:    &opts.VisualMapInRange{Color: []string{"#440154", "#3e4989", "#26828e", "#35b779", "#fde725"}},
		}),
	)
	scatter.AddSeries("trajectory", traj, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 6}))

	page := components.NewPage()
	page.AddCharts(line, scatter)
	return page.Render(w)
}

// SaveHTML renders the chart page to path.
func SaveHTML(path, title string, hist peak.History) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := RenderHTML(f, title, hist); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
