package gaze

import (
	"image"
	"image/color"
	"math"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Overlay colours for the preview frame.
var (
	colFrame    = color.RGBA{255, 255, 255, 255}
	colPupil    = color.RGBA{0, 255, 0, 255}
	colPurkinje = color.RGBA{255, 192, 0, 255}
	colFine     = color.RGBA{0, 255, 192, 255}
)

func setPixel(img *image.RGBA, x, y int, c color.RGBA) {
	if (image.Point{X: x, Y: y}).In(img.Bounds()) {
		img.SetRGBA(x, y, c)
	}
}

func drawLine(img *image.RGBA, x0, y0, x1, y1 int, c color.RGBA) {
	dx, dy := abs(x1-x0), -abs(y1-y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	err := dx + dy
	for {
		setPixel(img, x0, y0, c)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x0 += sx
		}
		if e2 <= dx {
			err += dx
			y0 += sy
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func drawRect(img *image.RGBA, r image.Rectangle, c color.RGBA) {
	drawLine(img, r.Min.X, r.Min.Y, r.Max.X-1, r.Min.Y, c)
	drawLine(img, r.Min.X, r.Max.Y-1, r.Max.X-1, r.Max.Y-1, c)
	drawLine(img, r.Min.X, r.Min.Y, r.Min.X, r.Max.Y-1, c)
	drawLine(img, r.Max.X-1, r.Min.Y, r.Max.X-1, r.Max.Y-1, c)
}

// drawCross draws the 40-pixel crosshair used to mark detected centres.
func drawCross(img *image.RGBA, x, y float64, c color.RGBA) {
	xi, yi := int(x), int(y)
	drawLine(img, xi, yi-20, xi, yi+20, c)
	drawLine(img, xi-20, yi, xi+20, yi, c)
}

func drawCircle(img *image.RGBA, cx, cy float64, r int, c color.RGBA) {
	steps := 8 * r
	if steps < 16 {
		steps = 16
	}
	for i := 0; i < steps; i++ {
		a := 2 * math.Pi * float64(i) / float64(steps)
		setPixel(img, int(cx+float64(r)*math.Cos(a)), int(cy+float64(r)*math.Sin(a)), c)
	}
}

// drawEllipse traces the ellipse outline; thickness 2 adds a one-pixel
// outward ring for the accepted-candidate emphasis.
func drawEllipse(img *image.RGBA, e Ellipse, c color.RGBA, thickness int) {
	rad := e.Angle * math.Pi / 180
	cos, sin := math.Cos(rad), math.Sin(rad)
	rw, rh := e.Width/2, e.Height/2
	steps := int(2 * math.Pi * math.Max(rw, rh))
	if steps < 32 {
		steps = 32
	}
	for t := 0; t < thickness; t++ {
		for i := 0; i < steps; i++ {
			a := 2 * math.Pi * float64(i) / float64(steps)
			px := (rw + float64(t)) * math.Cos(a)
			py := (rh + float64(t)) * math.Sin(a)
			x := e.CX + px*cos - py*sin
			y := e.CY + px*sin + py*cos
			setPixel(img, int(x), int(y), c)
		}
	}
}

// drawText renders a short status string with the built-in bitmap face.
func drawText(img *image.RGBA, x, y int, s string, c color.RGBA) {
	d := font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}
