package gaze

import (
	"image/color"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

// RenderCalPlot draws the calibration result into the cal-plot buffer: the
// registered targets plus the predicted gaze position of every collected
// sample, per eye in binocular mode. The plot axes span the calibration
// rectangle.
func (b *Buffers) RenderCalPlot(cal *Calibration) error {
	p := plot.New()
	p.Title.Text = "Calibration result"
	p.X.Label.Text = "x (px)"
	p.Y.Label.Text = "y (px)"
	if cal.Area[2] > cal.Area[0] && cal.Area[3] > cal.Area[1] {
		p.X.Min, p.X.Max = cal.Area[0], cal.Area[2]
		p.Y.Min, p.Y.Max = cal.Area[1], cal.Area[3]
	} else {
		// No calibration rectangle yet; keep the axes finite.
		p.X.Min, p.X.Max = 0, 1
		p.Y.Min, p.Y.Max = 0, 1
	}

	targets := make(plotter.XYs, 0, len(cal.points))
	for _, pt := range cal.points {
		targets = append(targets, plotter.XY{X: pt.X, Y: pt.Y})
	}
	if len(targets) > 0 {
		ts, err := plotter.NewScatter(targets)
		if err != nil {
			return err
		}
		ts.GlyphStyle.Shape = draw.RingGlyph{}
		ts.GlyphStyle.Radius = vg.Points(6)
		ts.GlyphStyle.Color = color.RGBA{R: 255, A: 255}
		p.Add(ts)
	}

	addGaze := func(pts plotter.XYs, c color.RGBA, label string) error {
		if len(pts) == 0 {
			return nil
		}
		sc, err := plotter.NewScatter(pts)
		if err != nil {
			return err
		}
		sc.GlyphStyle.Shape = draw.CircleGlyph{}
		sc.GlyphStyle.Radius = vg.Points(2)
		sc.GlyphStyle.Color = c
		p.Add(sc)
		if label != "" {
			p.Legend.Add(label, sc)
		}
		return nil
	}

	if cal.binocular {
		var left, right plotter.XYs
		for _, s := range cal.samples {
			g := cal.GazeBin(s.eye)
			if !IsErrorTag(s.eye[calLX]) {
				left = append(left, plotter.XY{X: g[0], Y: g[1]})
			}
			if !IsErrorTag(s.eye[calRX]) {
				right = append(right, plotter.XY{X: g[2], Y: g[3]})
			}
		}
		if err := addGaze(left, color.RGBA{B: 255, A: 255}, "left eye"); err != nil {
			return err
		}
		if err := addGaze(right, color.RGBA{G: 192, A: 255}, "right eye"); err != nil {
			return err
		}
	} else {
		var pts plotter.XYs
		for _, s := range cal.samples {
			gx, gy := cal.GazeMono(s.eye[0], s.eye[1])
			pts = append(pts, plotter.XY{X: gx, Y: gy})
		}
		if err := addGaze(pts, color.RGBA{B: 127, A: 255}, ""); err != nil {
			return err
		}
	}

	c := vgimg.NewWith(vgimg.UseImage(b.CalPlot))
	p.Draw(draw.New(c))
	return nil
}
