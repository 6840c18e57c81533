package gaze

import "image"

// Binarization values. The pupil stage marks dark pixels 0 against 127 so the
// preview tint and the ellipse-interior darkness test can reuse the plane; the
// Purkinje stage marks bright pixels 200 against 0.
const (
	binNonDark = 127
	binBright  = 200
)

// binarizeDark thresholds the ROI sub-image of src: pixels at or below thresh
// become 0 (dark), the rest binNonDark. The result is ROI-sized.
func binarizeDark(src *image.Gray, roi image.Rectangle, thresh int) *image.Gray {
	out := image.NewGray(image.Rect(0, 0, roi.Dx(), roi.Dy()))
	for y := 0; y < roi.Dy(); y++ {
		srow := src.Pix[(roi.Min.Y+y)*src.Stride+roi.Min.X:]
		orow := out.Pix[y*out.Stride:]
		for x := 0; x < roi.Dx(); x++ {
			if int(srow[x]) <= thresh {
				orow[x] = 0
			} else {
				orow[x] = binNonDark
			}
		}
	}
	return out
}

// binarizeBright thresholds the rect sub-image of src: pixels at or above
// thresh become binBright, the rest 0. rect is clipped to the source bounds;
// the result is rect-sized with out-of-frame pixels left at 0.
func binarizeBright(src *image.Gray, rect image.Rectangle, thresh int) *image.Gray {
	out := image.NewGray(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	clipped := rect.Intersect(src.Bounds())
	for y := clipped.Min.Y; y < clipped.Max.Y; y++ {
		srow := src.Pix[y*src.Stride:]
		orow := out.Pix[(y-rect.Min.Y)*out.Stride:]
		for x := clipped.Min.X; x < clipped.Max.X; x++ {
			if int(srow[x]) >= thresh {
				orow[x-rect.Min.X] = binBright
			}
		}
	}
	return out
}

// diskOffsets returns the pixel offsets of a circular structuring element of
// the given diameter.
func diskOffsets(diameter int) []image.Point {
	half := diameter / 2
	r2 := half * half
	var offs []image.Point
	for dy := -half; dy <= half; dy++ {
		for dx := -half; dx <= half; dx++ {
			if dx*dx+dy*dy <= r2 {
				offs = append(offs, image.Point{X: dx, Y: dy})
			}
		}
	}
	return offs
}

func dilate(bin *image.Gray, offs []image.Point) *image.Gray {
	return rankFilter(bin, offs, func(a, b uint8) bool { return a > b })
}

func erode(bin *image.Gray, offs []image.Point) *image.Gray {
	return rankFilter(bin, offs, func(a, b uint8) bool { return a < b })
}

func rankFilter(bin *image.Gray, offs []image.Point, better func(a, b uint8) bool) *image.Gray {
	w, h := bin.Bounds().Dx(), bin.Bounds().Dy()
	out := image.NewGray(bin.Bounds())
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			best := bin.Pix[y*bin.Stride+x]
			for _, o := range offs {
				nx, ny := x+o.X, y+o.Y
				if nx < 0 || ny < 0 || nx >= w || ny >= h {
					continue
				}
				if v := bin.Pix[ny*bin.Stride+nx]; better(v, best) {
					best = v
				}
			}
			out.Pix[y*out.Stride+x] = best
		}
	}
	return out
}

// morphTransform applies the configured pre-transform to the dark/non-dark
// plane: k > 1 closes (removing small dark specks), k < -1 opens, anything
// else is a no-op.
func morphTransform(bin *image.Gray, k int) *image.Gray {
	switch {
	case k > 1:
		offs := diskOffsets(k)
		return erode(dilate(bin, offs), offs)
	case k < -1:
		offs := diskOffsets(-k)
		return dilate(erode(bin, offs), offs)
	default:
		return bin
	}
}

// Contour is one traced border of the binary image, reported in full-frame
// coordinates.
type Contour struct {
	Points []image.Point
	Hole   bool
}

// Moore neighbourhood, listed counterclockwise starting from the right
// neighbour. Index 0 is (+1,0); decreasing the index walks clockwise.
var moore = [8]image.Point{
	{1, 0}, {1, 1}, {0, 1}, {-1, 1}, {-1, 0}, {-1, -1}, {0, -1}, {1, -1},
}

func mooreIndex(dx, dy int) int {
	for i, d := range moore {
		if d.X == dx && d.Y == dy {
			return i
		}
	}
	return 0
}

// findContours extracts every border of the foreground set with the border
// following scheme of Suzuki and Abe, pixel-exact (no chain approximation).
// fg decides which plane value counts as foreground; offset shifts the
// reported coordinates into the full frame.
func findContours(bin *image.Gray, fg func(uint8) bool, offset image.Point) []Contour {
	w, h := bin.Bounds().Dx(), bin.Bounds().Dy()
	f := make([]int32, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if fg(bin.Pix[y*bin.Stride+x]) {
				f[y*w+x] = 1
			}
		}
	}

	at := func(x, y int) int32 {
		if x < 0 || y < 0 || x >= w || y >= h {
			return 0
		}
		return f[y*w+x]
	}

	var contours []Contour
	nbd := int32(1)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := f[y*w+x]
			if v == 0 {
				continue
			}
			var startDir int
			var hole bool
			switch {
			case v == 1 && at(x-1, y) == 0:
				startDir = 4 // neighbour (-1,0)
				hole = false
			case v >= 1 && at(x+1, y) == 0:
				startDir = 0 // neighbour (+1,0)
				hole = true
			default:
				continue
			}
			nbd++
			pts := traceBorder(f, w, h, x, y, startDir, nbd)
			for i := range pts {
				pts[i] = pts[i].Add(offset)
			}
			contours = append(contours, Contour{Points: pts, Hole: hole})
		}
	}
	return contours
}

// traceBorder follows one border starting at (x0,y0) whose initial background
// neighbour is in direction startDir, marking visited pixels with ±nbd.
func traceBorder(f []int32, w, h, x0, y0, startDir int, nbd int32) []image.Point {
	at := func(x, y int) int32 {
		if x < 0 || y < 0 || x >= w || y >= h {
			return 0
		}
		return f[y*w+x]
	}

	// Look clockwise from the background neighbour for the first foreground
	// pixel around the start.
	i := startDir
	x1, y1 := -1, -1
	for k := 0; k < 8; k++ {
		i = (i + 7) % 8
		nx, ny := x0+moore[i].X, y0+moore[i].Y
		if at(nx, ny) != 0 {
			x1, y1 = nx, ny
			break
		}
	}
	if x1 < 0 {
		// Isolated pixel.
		f[y0*w+x0] = -nbd
		return []image.Point{{X: x0, Y: y0}}
	}

	var pts []image.Point
	x2, y2 := x1, y1
	x3, y3 := x0, y0
	for {
		// Counterclockwise from the pixel after (x2,y2) around (x3,y3).
		i = mooreIndex(x2-x3, y2-y3)
		x4, y4 := -1, -1
		sawRightZero := false
		for k := 0; k < 8; k++ {
			i = (i + 1) % 8
			nx, ny := x3+moore[i].X, y3+moore[i].Y
			if at(nx, ny) == 0 {
				if i == 0 {
					sawRightZero = true
				}
				continue
			}
			x4, y4 = nx, ny
			break
		}
		if sawRightZero {
			f[y3*w+x3] = -nbd
		} else if f[y3*w+x3] == 1 {
			f[y3*w+x3] = nbd
		}
		pts = append(pts, image.Point{X: x3, Y: y3})
		if x4 == x0 && y4 == y0 && x3 == x1 && y3 == y1 {
			return pts
		}
		x2, y2 = x3, y3
		x3, y3 = x4, y4
	}
}
