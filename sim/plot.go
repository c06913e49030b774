package sim

import (
	"fmt"
	"image/color"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

// New2DPlot creates new x-y plot of a tracking run from the three data sources:
// truth:   true object positions
// measure: measured object positions
// filter:  filter estimates
// Every source stores one point per row with x and y in its first two columns.
// It returns error if the plot fails to be created. This can be due to either of the following conditions:
// * either of the supplied data matrices is nil
// * either of the supplied data matrices does not have at least 2 columns
// * gonum plot fails to be created
func New2DPlot(truth, measure, filter *mat.Dense) (*plot.Plot, error) {
	if truth == nil || measure == nil || filter == nil {
		return nil, fmt.Errorf("invalid data supplied")
	}

	_, cmd := truth.Dims()
	_, cms := measure.Dims()
	_, cmf := filter.Dims()

	if cmd < 2 || cms < 2 || cmf < 2 {
		return nil, fmt.Errorf("invalid data dimensions")
	}

	p := plot.New()

	p.Title.Text = "Tracking"
	p.X.Label.Text = "X"
	p.Y.Label.Text = "Y"

	legend := plot.NewLegend()

	legend.Top = true

	p.Legend = legend

	// Make a scatter plotter for true positions
	truthData := makePoints(truth)
	truthScatter, err := plotter.NewScatter(truthData)
	if err != nil {
		return nil, err
	}
	truthScatter.GlyphStyle.Color = color.RGBA{R: 255, B: 128, A: 255}
	truthScatter.Shape = draw.PyramidGlyph{}
	truthScatter.GlyphStyle.Radius = vg.Points(3)

	p.Add(truthScatter)
	p.Legend.Add("truth", truthScatter)

	// Make a scatter plotter for measurement data
	measData := makePoints(measure)
	measScatter, err := plotter.NewScatter(measData)
	if err != nil {
		return nil, err
	}
	measScatter.GlyphStyle.Color = color.RGBA{G: 255, A: 128}
	measScatter.GlyphStyle.Radius = vg.Points(3)

	p.Add(measScatter)
	p.Legend.Add("measurement", measScatter)

	// Make a scatter plotter for filter data
	filterPoints := makePoints(filter)
	filterScatter, err := plotter.NewScatter(filterPoints)
	if err != nil {
		return nil, fmt.Errorf("failed to create scatter: %v", err)
	}
	filterScatter.GlyphStyle.Color = color.RGBA{R: 169, G: 169, B: 169}
	filterScatter.Shape = draw.CrossGlyph{}
	filterScatter.GlyphStyle.Radius = vg.Points(3)

	p.Add(filterScatter)
	p.Legend.Add("filtered", filterScatter)

	return p, nil
}

func makePoints(m *mat.Dense) plotter.XYs {
	r, _ := m.Dims()
	pts := make(plotter.XYs, r)
	for i := 0; i < r; i++ {
		pts[i].X = m.At(i, 0)
		pts[i].Y = m.At(i, 1)
	}

	return pts
}
