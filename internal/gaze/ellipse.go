package gaze

import (
	"image"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Ellipse is a fitted ellipse in full-frame pixel coordinates. Width and
// Height are the full axis lengths; Angle is the rotation of the Width axis in
// degrees.
type Ellipse struct {
	CX, CY        float64
	Width, Height float64
	Angle         float64
}

// Oblateness returns the Height/Width axis ratio used by the candidate filter.
func (e Ellipse) Oblateness() float64 {
	if e.Width == 0 {
		return 0
	}
	return e.Height / e.Width
}

// Area returns the ellipse area pi*w*h/4.
func (e Ellipse) Area() float64 {
	return math.Pi * e.Width * e.Height / 4
}

// FitEllipse fits an ellipse to the contour points by direct least squares on
// the conic A x^2 + B xy + C y^2 + D x + E y = 1. At least five points are
// required; the fit fails when the points are degenerate or the best conic is
// not an ellipse.
func FitEllipse(pts []image.Point) (Ellipse, bool) {
	if len(pts) < 5 {
		return Ellipse{}, false
	}

	// Centre the data to keep the normal system well conditioned; the conic
	// is shifted back afterwards.
	var mx, my float64
	for _, p := range pts {
		mx += float64(p.X)
		my += float64(p.Y)
	}
	mx /= float64(len(pts))
	my /= float64(len(pts))

	m := mat.NewDense(len(pts), 5, nil)
	rhs := mat.NewVecDense(len(pts), nil)
	for i, p := range pts {
		x := float64(p.X) - mx
		y := float64(p.Y) - my
		m.Set(i, 0, x*x)
		m.Set(i, 1, x*y)
		m.Set(i, 2, y*y)
		m.Set(i, 3, x)
		m.Set(i, 4, y)
		rhs.SetVec(i, 1)
	}

	var sol mat.VecDense
	if err := sol.SolveVec(m, rhs); err != nil {
		return Ellipse{}, false
	}

	a, b, c := sol.AtVec(0), sol.AtVec(1), sol.AtVec(2)
	d, e := sol.AtVec(3), sol.AtVec(4)
	f := -1.0

	// Ellipse condition for the quadratic part.
	denom := 4*a*c - b*b
	if denom <= 0 {
		return Ellipse{}, false
	}

	cx := (b*e - 2*c*d) / denom
	cy := (b*d - 2*a*e) / denom

	// Conic value at the centre; for a real ellipse it has the opposite sign
	// of the (positive-definite or negative-definite) quadratic form.
	f0 := a*cx*cx + b*cx*cy + c*cy*cy + d*cx + e*cy + f

	theta := 0.5 * math.Atan2(b, a-c)
	cos, sin := math.Cos(theta), math.Sin(theta)
	// Quadratic form along theta and perpendicular to it.
	lw := a*cos*cos + b*cos*sin + c*sin*sin
	lh := a*sin*sin - b*cos*sin + c*cos*cos
	if lw == 0 || lh == 0 {
		return Ellipse{}, false
	}
	rw2 := -f0 / lw
	rh2 := -f0 / lh
	if rw2 <= 0 || rh2 <= 0 {
		return Ellipse{}, false
	}

	return Ellipse{
		CX:     cx + mx,
		CY:     cy + my,
		Width:  2 * math.Sqrt(rw2),
		Height: 2 * math.Sqrt(rh2),
		Angle:  theta * 180 / math.Pi,
	}, true
}
