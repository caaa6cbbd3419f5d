// Package plots renders the diagnostic plots of a training run to PNG files: predictions against true values,
// residuals and label histograms.
package plots

import (
	"image/color"
	"math"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

// Size of the square images generated.
const Size = 8 * vg.Inch

var (
	trainColor = color.RGBA{B: 255, A: 128}
	valColor   = color.RGBA{R: 255, A: 128}
	guideColor = color.RGBA{R: 128, G: 128, B: 128, A: 255}
)

// Pairs of true values (Targets) and predictions of a dataset.
type Pairs struct {
	Targets, Predictions []float64
}

func (p Pairs) xys(y func(ii int) float64) plotter.XYs {
	xys := make(plotter.XYs, len(p.Targets))
	for ii := range xys {
		xys[ii].X = p.Targets[ii]
		xys[ii].Y = y(ii)
	}
	return xys
}

// AxisLimit returns the upper limit of the axes for the prediction plots: 1 plus the largest value of all
// targets and predictions, truncated to an integer.
func AxisLimit(pairs ...Pairs) float64 {
	maxValue := math.Inf(-1)
	for _, p := range pairs {
		for _, values := range [][]float64{p.Targets, p.Predictions} {
			for _, v := range values {
				maxValue = max(maxValue, v)
			}
		}
	}
	if math.IsInf(maxValue, -1) {
		return 1
	}
	return math.Trunc(1 + maxValue)
}

// minTarget returns the smallest target of all pairs.
func minTarget(pairs ...Pairs) float64 {
	minValue := math.Inf(1)
	for _, p := range pairs {
		for _, v := range p.Targets {
			minValue = min(minValue, v)
		}
	}
	if math.IsInf(minValue, 1) {
		return 0
	}
	return minValue
}

func addScatter(p *plot.Plot, xys plotter.XYs, c color.Color, label string) error {
	scatter, err := plotter.NewScatter(xys)
	if err != nil {
		return errors.Wrapf(err, "failed to create scatter plot of %s", label)
	}
	scatter.GlyphStyle.Color = c
	scatter.GlyphStyle.Shape = draw.CircleGlyph{}
	scatter.GlyphStyle.Radius = vg.Points(2.5)
	p.Add(scatter)
	p.Legend.Add(label, scatter)
	return nil
}

func addLine(p *plot.Plot, x0, y0, x1, y1 float64) error {
	line, err := plotter.NewLine(plotter.XYs{{X: x0, Y: y0}, {X: x1, Y: y1}})
	if err != nil {
		return errors.Wrap(err, "failed to create line")
	}
	line.LineStyle.Color = guideColor
	line.LineStyle.Dashes = []vg.Length{vg.Points(5), vg.Points(5)}
	p.Add(line)
	return nil
}

func save(p *plot.Plot, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory for plot %q", path)
	}
	if err := p.Save(Size, Size, path); err != nil {
		return errors.Wrapf(err, "failed to save plot to %q", path)
	}
	return nil
}

// Predictions plots predicted against true values of the training (blue) and validation (red) datasets, with the
// identity line, and saves it to path.
func Predictions(train, val Pairs, title string, axisLim float64, path string) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "True Values"
	p.Y.Label.Text = "Predicted Values"
	p.X.Min, p.X.Max = 0, axisLim
	p.Y.Min, p.Y.Max = -0.25, axisLim
	p.Legend.Top = true
	p.Legend.Left = true

	lowest := minTarget(train, val)
	if err := addLine(p, lowest, lowest, axisLim, axisLim); err != nil {
		return err
	}
	if err := addLine(p, 0, 0, axisLim, 0); err != nil {
		return err
	}
	if err := addScatter(p, train.xys(func(ii int) float64 { return train.Predictions[ii] }), trainColor,
		"Training Dataset"); err != nil {
		return err
	}
	if err := addScatter(p, val.xys(func(ii int) float64 { return val.Predictions[ii] }), valColor,
		"Validation Dataset"); err != nil {
		return err
	}
	return save(p, path)
}

// residualsXYs returns (prediction, target - prediction) points.
func residualsXYs(pairs Pairs) plotter.XYs {
	xys := make(plotter.XYs, len(pairs.Targets))
	for ii := range xys {
		xys[ii].X = pairs.Predictions[ii]
		xys[ii].Y = pairs.Targets[ii] - pairs.Predictions[ii]
	}
	return xys
}

// Residuals plots the residuals (true minus predicted) against the predicted values of the training and validation
// datasets, and saves it to path.
func Residuals(train, val Pairs, title string, path string) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Predicted Values"
	p.Y.Label.Text = "Residuals"
	p.Add(plotter.NewGrid())

	if err := addScatter(p, residualsXYs(train), trainColor, "Training Data"); err != nil {
		return err
	}
	if err := addScatter(p, residualsXYs(val), valColor, "Validation Data"); err != nil {
		return err
	}
	minX, maxX := math.Inf(1), math.Inf(-1)
	for _, pairs := range []Pairs{train, val} {
		for _, v := range pairs.Predictions {
			minX, maxX = min(minX, v), max(maxX, v)
		}
	}
	if !math.IsInf(minX, 1) {
		if err := addLine(p, minX, 0, maxX, 0); err != nil {
			return err
		}
	}
	return save(p, path)
}

// Histogram plots the distribution of values with the given number of bins over [0, xlim], and saves it to path.
func Histogram(values []float64, title string, bins int, xlim float64, path string) error {
	if len(values) == 0 {
		return errors.Errorf("no values to plot histogram %q", title)
	}
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Affinity"
	p.Y.Label.Text = "Count"
	p.X.Min, p.X.Max = 0, xlim

	hist, err := plotter.NewHist(plotter.Values(values), bins)
	if err != nil {
		return errors.Wrapf(err, "failed to create histogram %q", title)
	}
	hist.FillColor = trainColor
	p.Add(hist)
	return save(p, path)
}
