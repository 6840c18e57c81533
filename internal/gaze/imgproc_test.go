package gaze

import (
	"image"
	"image/color"
	"testing"
)

func grayWith(w, h int, level uint8) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = level
	}
	return img
}

func TestBinarizeDark(t *testing.T) {
	src := grayWith(10, 10, 200)
	src.SetGray(3, 4, color.Gray{Y: 10})
	src.SetGray(4, 4, color.Gray{Y: 55})

	bin := binarizeDark(src, image.Rect(0, 0, 10, 10), 55)
	if got := bin.GrayAt(3, 4).Y; got != 0 {
		t.Errorf("dark pixel = %d, want 0", got)
	}
	if got := bin.GrayAt(4, 4).Y; got != 0 {
		t.Errorf("pixel at threshold = %d, want 0", got)
	}
	if got := bin.GrayAt(0, 0).Y; got != binNonDark {
		t.Errorf("bright pixel = %d, want %d", got, binNonDark)
	}
}

func TestBinarizeDarkROIOffset(t *testing.T) {
	src := grayWith(20, 20, 200)
	src.SetGray(12, 13, color.Gray{Y: 10})

	roi := image.Rect(10, 10, 18, 18)
	bin := binarizeDark(src, roi, 55)
	if bin.Bounds().Dx() != 8 || bin.Bounds().Dy() != 8 {
		t.Fatalf("binarized ROI is %v", bin.Bounds())
	}
	if got := bin.GrayAt(2, 3).Y; got != 0 {
		t.Errorf("ROI-local dark pixel = %d, want 0", got)
	}
}

func TestBinarizeBrightClips(t *testing.T) {
	src := grayWith(20, 20, 100)
	src.SetGray(1, 1, color.Gray{Y: 250})

	// Rect extends past the frame edge; out-of-frame pixels stay background.
	bin := binarizeBright(src, image.Rect(-5, -5, 10, 10), 240)
	if got := bin.GrayAt(6, 6).Y; got != binBright {
		t.Errorf("bright pixel = %d, want %d", got, binBright)
	}
	if got := bin.GrayAt(0, 0).Y; got != 0 {
		t.Errorf("out-of-frame pixel = %d, want 0", got)
	}
}

// drawDarkDisc paints a filled dark disc on a non-dark binary plane.
func drawDarkDisc(bin *image.Gray, cx, cy, r int) {
	for y := cy - r; y <= cy+r; y++ {
		for x := cx - r; x <= cx+r; x++ {
			dx, dy := x-cx, y-cy
			if dx*dx+dy*dy <= r*r && image.Pt(x, y).In(bin.Bounds()) {
				bin.SetGray(x, y, color.Gray{Y: 0})
			}
		}
	}
}

func TestFindContoursDisc(t *testing.T) {
	bin := grayWith(60, 60, binNonDark)
	drawDarkDisc(bin, 30, 30, 10)

	contours := findContours(bin, func(v uint8) bool { return v == 0 }, image.Pt(100, 200))
	if len(contours) != 1 {
		t.Fatalf("got %d contours, want 1", len(contours))
	}
	pts := contours[0].Points
	if len(pts) < 40 {
		t.Errorf("disc boundary has %d points, want >= 40", len(pts))
	}
	for _, p := range pts {
		dx, dy := p.X-130, p.Y-230
		d2 := dx*dx + dy*dy
		if d2 < 8*8 || d2 > 12*12 {
			t.Fatalf("contour point %v not on the offset disc boundary", p)
		}
	}
}

func TestFindContoursHole(t *testing.T) {
	bin := grayWith(60, 60, binNonDark)
	drawDarkDisc(bin, 30, 30, 15)
	// Punch a non-dark hole inside the disc.
	for y := 27; y <= 33; y++ {
		for x := 27; x <= 33; x++ {
			bin.SetGray(x, y, color.Gray{Y: binNonDark})
		}
	}

	contours := findContours(bin, func(v uint8) bool { return v == 0 }, image.Point{})
	if len(contours) != 2 {
		t.Fatalf("got %d contours, want outer + hole", len(contours))
	}
	holes := 0
	for _, c := range contours {
		if c.Hole {
			holes++
		}
	}
	if holes != 1 {
		t.Errorf("got %d hole contours, want 1", holes)
	}
}

func TestMorphClosingRemovesSpecks(t *testing.T) {
	bin := grayWith(60, 60, binNonDark)
	drawDarkDisc(bin, 30, 30, 12)
	bin.SetGray(5, 5, color.Gray{Y: 0}) // single-pixel noise

	out := morphTransform(bin, 3)
	if got := out.GrayAt(5, 5).Y; got != binNonDark {
		t.Errorf("speck survived closing: %d", got)
	}
	if got := out.GrayAt(30, 30).Y; got != 0 {
		t.Errorf("disc interior eroded by closing: %d", got)
	}
}

func TestMorphNoopForSmallValues(t *testing.T) {
	bin := grayWith(10, 10, binNonDark)
	bin.SetGray(2, 2, color.Gray{Y: 0})
	for _, k := range []int{-1, 0, 1} {
		out := morphTransform(bin, k)
		if out.GrayAt(2, 2).Y != 0 {
			t.Errorf("morph %d altered the image", k)
		}
	}
}
