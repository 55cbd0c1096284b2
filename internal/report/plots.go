package report

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"strings"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

var (
	truthColor    = color.RGBA{R: 40, G: 40, B: 40, A: 255}
	estimateColor = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	boundColor    = color.RGBA{R: 214, G: 39, B: 40, A: 255}
)

// WritePlots saves two PNGs per state component into dir:
// <state>_estimate.png (truth, estimate and the ±2σ envelope) and
// <state>_error.png (estimate error against the ±2σ bound). The error plot
// is skipped when no sample carries ground truth. It returns the written
// file paths.
func (r *Recorder) WritePlots(dir string) ([]string, error) {
	samples := r.snapshot()
	if len(samples) == 0 {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create plot dir: %w", err)
	}

	var files []string
	for i, name := range r.stateNames {
		est := make(plotter.XYs, 0, len(samples))
		upper := make(plotter.XYs, 0, len(samples))
		lower := make(plotter.XYs, 0, len(samples))
		truth := make(plotter.XYs, 0, len(samples))
		errPts := make(plotter.XYs, 0, len(samples))
		errUpper := make(plotter.XYs, 0, len(samples))
		errLower := make(plotter.XYs, 0, len(samples))

		for _, s := range samples {
			sigma2 := twoSigma(s.Variance[i])
			est = append(est, plotter.XY{X: s.Time, Y: s.Estimate[i]})
			upper = append(upper, plotter.XY{X: s.Time, Y: s.Estimate[i] + sigma2})
			lower = append(lower, plotter.XY{X: s.Time, Y: s.Estimate[i] - sigma2})
			if s.Truth != nil {
				truth = append(truth, plotter.XY{X: s.Time, Y: s.Truth[i]})
				errPts = append(errPts, plotter.XY{X: s.Time, Y: s.Estimate[i] - s.Truth[i]})
				errUpper = append(errUpper, plotter.XY{X: s.Time, Y: sigma2})
				errLower = append(errLower, plotter.XY{X: s.Time, Y: -sigma2})
			}
		}

		// Estimate with envelope
		p := newPlot(fmt.Sprintf("%s estimate", name), name)
		if len(truth) > 0 {
			if err := addLine(p, "truth", truth, truthColor, false); err != nil {
				return files, err
			}
		}
		if err := addLine(p, "estimate", est, estimateColor, false); err != nil {
			return files, err
		}
		if err := addLine(p, "±2σ", upper, boundColor, true); err != nil {
			return files, err
		}
		if err := addLine(p, "", lower, boundColor, true); err != nil {
			return files, err
		}
		file := filepath.Join(dir, fileStem(name)+"_estimate.png")
		if err := p.Save(14*vg.Inch, 6*vg.Inch, file); err != nil {
			return files, fmt.Errorf("failed to save %s: %w", file, err)
		}
		files = append(files, file)

		if len(errPts) == 0 {
			continue
		}

		// Error against own bound
		pe := newPlot(fmt.Sprintf("%s error", name), name+" error")
		if err := addLine(pe, "error", errPts, estimateColor, false); err != nil {
			return files, err
		}
		if err := addLine(pe, "±2σ", errUpper, boundColor, true); err != nil {
			return files, err
		}
		if err := addLine(pe, "", errLower, boundColor, true); err != nil {
			return files, err
		}
		file = filepath.Join(dir, fileStem(name)+"_error.png")
		if err := pe.Save(14*vg.Inch, 6*vg.Inch, file); err != nil {
			return files, fmt.Errorf("failed to save %s: %w", file, err)
		}
		files = append(files, file)
	}
	return files, nil
}

func newPlot(title, yLabel string) *plot.Plot {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Time (s)"
	p.Y.Label.Text = yLabel
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return p
}

// addLine adds pts to p. An empty label keeps the line out of the legend.
func addLine(p *plot.Plot, label string, pts plotter.XYs, c color.Color, dashed bool) error {
	line, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	line.Color = c
	line.Width = vg.Points(1)
	if dashed {
		line.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
	}
	p.Add(line)
	if label != "" {
		p.Legend.Add(label, line)
	}
	return nil
}

func fileStem(name string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), " ", "_"))
}
