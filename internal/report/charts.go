package report

import (
	"fmt"
	"io"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
)

const echartsAssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

// WriteHTML renders an interactive page with one line chart per state
// component and one per measurement channel.
func (r *Recorder) WriteHTML(w io.Writer, title string) error {
	samples := r.snapshot()

	x := make([]string, len(samples))
	for k, s := range samples {
		x[k] = fmt.Sprintf("%.3f", s.Time)
	}

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsHost)
	page.PageTitle = title

	for i, name := range r.stateNames {
		est := make([]opts.LineData, len(samples))
		upper := make([]opts.LineData, len(samples))
		lower := make([]opts.LineData, len(samples))
		truth := make([]opts.LineData, len(samples))
		haveTruth := false
		for k, s := range samples {
			sigma2 := twoSigma(s.Variance[i])
			est[k] = opts.LineData{Value: s.Estimate[i]}
			upper[k] = opts.LineData{Value: s.Estimate[i] + sigma2}
			lower[k] = opts.LineData{Value: s.Estimate[i] - sigma2}
			if s.Truth != nil {
				truth[k] = opts.LineData{Value: s.Truth[i]}
				haveTruth = true
			} else {
				truth[k] = opts.LineData{Value: "-"}
			}
		}

		line := newLineChart(name, fmt.Sprintf("%s estimate (%d samples)", title, len(samples)))
		line.SetXAxis(x)
		if haveTruth {
			line.AddSeries("truth", truth)
		}
		line.AddSeries("estimate", est).
			AddSeries("+2σ", upper).
			AddSeries("-2σ", lower)
		page.AddCharts(line)
	}

	for c, name := range r.channelNames {
		meas := make([]opts.LineData, len(samples))
		for k, s := range samples {
			if s.Measurement != nil {
				meas[k] = opts.LineData{Value: s.Measurement[c]}
			} else {
				meas[k] = opts.LineData{Value: "-"}
			}
		}
		line := newLineChart(name, title+" measurements")
		line.SetXAxis(x).AddSeries(name, meas)
		page.AddCharts(line)
	}

	return page.Render(w)
}

func newLineChart(name, subtitle string) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "420px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: name, Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "10%"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "t (s)", NameLocation: "middle", NameGap: 25}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", Start: 0, End: 100}),
	)
	return line
}
