// Package lossplot renders training diagnostics to PNG files.
package lossplot

import (
	"image/color"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

// maxLinks bounds how many match segments Correspondences draws.
const maxLinks = 64

// Point is a pixel position, X being the column and Y the row.
type Point struct {
	X, Y float64
}

// Curve writes a line plot of values against their 1-based index.
func Curve(fs afero.Fs, path, title string, values []float64) error {
	if len(values) == 0 {
		return errors.New("lossplot: no values to plot")
	}
	p, err := plot.New()
	if err != nil {
		return errors.Wrapf(err, "new plot")
	}
	p.Title.Text = title
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = "avg_loss"

	xys := make(plotter.XYs, len(values))
	for i, v := range values {
		xys[i].X = float64(i + 1)
		xys[i].Y = v
	}
	line, points, err := plotter.NewLinePoints(xys)
	if err != nil {
		return errors.Wrapf(err, "line")
	}
	p.Add(line, points, plotter.NewGrid())
	return save(fs, path, p, 6*vg.Inch, 4*vg.Inch)
}

// Correspondences writes a scatter plot of matched points. from[i] in the
// first image corresponds to to[i] in the second. Rows are negated so the
// plot reads like the image.
func Correspondences(fs afero.Fs, path, title string, from, to []Point) error {
	if len(from) != len(to) {
		return errors.Errorf("lossplot: %d source points but %d targets", len(from), len(to))
	}
	if len(from) == 0 {
		return errors.New("lossplot: no correspondences to plot")
	}
	p, err := plot.New()
	if err != nil {
		return errors.Wrapf(err, "new plot")
	}
	p.Title.Text = title
	p.X.Label.Text = "x"
	p.Y.Label.Text = "-y"

	src, err := plotter.NewScatter(toXYs(from))
	if err != nil {
		return errors.Wrapf(err, "source scatter")
	}
	src.GlyphStyle.Color = color.RGBA{R: 200, A: 255}
	src.GlyphStyle.Shape = draw.CircleGlyph{}

	dst, err := plotter.NewScatter(toXYs(to))
	if err != nil {
		return errors.Wrapf(err, "target scatter")
	}
	dst.GlyphStyle.Color = color.RGBA{B: 200, A: 255}
	dst.GlyphStyle.Shape = draw.CrossGlyph{}

	for i := 0; i < len(from) && i < maxLinks; i++ {
		link, err := plotter.NewLine(toXYs([]Point{from[i], to[i]}))
		if err != nil {
			return errors.Wrapf(err, "link %d", i)
		}
		link.LineStyle.Color = color.Gray{Y: 160}
		link.LineStyle.Width = vg.Points(0.5)
		p.Add(link)
	}
	p.Add(src, dst)
	p.Legend.Add("image 1", src)
	p.Legend.Add("image 2", dst)
	return save(fs, path, p, 5*vg.Inch, 5*vg.Inch)
}

func toXYs(points []Point) plotter.XYs {
	xys := make(plotter.XYs, len(points))
	for i, pt := range points {
		xys[i].X = pt.X
		xys[i].Y = -pt.Y
	}
	return xys
}

func save(fs afero.Fs, path string, p *plot.Plot, w, h vg.Length) error {
	wt, err := p.WriterTo(w, h, "png")
	if err != nil {
		return errors.Wrapf(err, "render %s", path)
	}
	f, err := fs.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	if _, err := wt.WriteTo(f); err != nil {
		f.Close()
		return errors.Wrapf(err, "write %s", path)
	}
	return errors.Wrapf(f.Close(), "close %s", path)
}
