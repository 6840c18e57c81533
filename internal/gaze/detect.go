package gaze

import (
	"image"
	"math"

	"github.com/opengaze/gazetrack/internal/config"
)

// MaxFirstCandidates caps how many pupil candidates survive the first filter
// pass before the frame is rejected as ambiguous.
const MaxFirstCandidates = 5

// Pupil-shape acceptance band for the height/width axis ratio.
const (
	oblatenessLow  = 0.67
	oblatenessHigh = 1.50
)

// minFinePoints is the smallest contour subset the re-fit will accept after
// the Purkinje exclusion.
const minFinePoints = 10

// EyeResult is the per-eye outcome of one detection pass. Tag is zero on
// success, otherwise one of the detection error tags.
type EyeResult struct {
	PupilX, PupilY       float64
	PurkinjeX, PurkinjeY float64
	PupilArea            float64
	Tag                  int
}

// OK reports whether this eye produced a usable pupil/Purkinje pair.
func (r EyeResult) OK() bool { return r.Tag == 0 }

// Detection is the outcome of one frame. In monocular mode only Mono is
// meaningful; in binocular mode Left and Right carry per-eye results and Tag
// holds the frame-level status.
type Detection struct {
	Binocular   bool
	Tag         int
	Mono        EyeResult
	Left, Right EyeResult
}

// Engine runs the pupil/Purkinje detector over the source buffer, annotating
// the preview buffer when rendering is allowed.
type Engine struct {
	cfg *config.Config
	buf *Buffers

	// Rendering reports whether the preview overlay is drawn. It is toggled
	// by allowRendering/inhibitRendering and suppressed while recording.
	Rendering bool
}

// NewEngine creates a detection engine over the shared buffers.
func NewEngine(cfg *config.Config, buf *Buffers) *Engine {
	return &Engine{cfg: cfg, buf: buf, Rendering: true}
}

// pupilCandidate is one contour that survived the first filter pass.
type pupilCandidate struct {
	points []image.Point
	ell    Ellipse

	hasPurkinje bool
	pkX, pkY    float64
}

// Detect runs the detector for the configured recording mode.
func (e *Engine) Detect() Detection {
	if e.cfg.Binocular() {
		return e.detectBin()
	}
	return e.detectMono()
}

// previewBase copies the grayscale source into the preview plane and draws
// the ROI rectangle.
func (e *Engine) previewBase() {
	src, dst := e.buf.Src, e.buf.Preview
	for i, v := range src.Pix {
		o := i * 4
		dst.Pix[o] = v
		dst.Pix[o+1] = v
		dst.Pix[o+2] = v
		dst.Pix[o+3] = 255
	}
	drawRect(dst, e.buf.ROI, colFrame)
}

// tintDark marks the thresholded dark set in the preview with a blue wash.
func (e *Engine) tintDark(bin *image.Gray) {
	roi := e.buf.ROI
	dst := e.buf.Preview
	for y := 0; y < roi.Dy(); y++ {
		brow := bin.Pix[y*bin.Stride:]
		for x := 0; x < roi.Dx(); x++ {
			if brow[x] == 0 {
				o := dst.PixOffset(x+roi.Min.X, y+roi.Min.Y)
				dst.Pix[o+2] |= 150
			}
		}
	}
}

func (e *Engine) errorText(msg string) {
	if e.Rendering && e.cfg.ShowDetectionErrorMsg == 1 {
		drawText(e.buf.Preview, 0, 16, msg, colFrame)
	}
}

// findPupilCandidates runs thresholding, the optional morphological
// pre-transform, contour extraction and the candidate filter. It returns the
// accepted candidates, or an error tag when the frame is unusable.
func (e *Engine) findPupilCandidates() ([]pupilCandidate, int) {
	roi := e.buf.ROI
	bin := binarizeDark(e.buf.Src, roi, e.cfg.Threshold)
	bin = morphTransform(bin, e.cfg.MorphTrans)
	if e.Rendering {
		e.tintDark(bin)
	}

	contours := findContours(bin, func(v uint8) bool { return v == 0 }, roi.Min)

	minW := float64(e.cfg.MinPupilWidth) / 100 * float64(roi.Dx())
	maxW := float64(e.cfg.MaxPupilWidth) / 100 * float64(roi.Dx())
	searchArea := float64(e.cfg.PurkinjeSearchArea)

	var cands []pupilCandidate
	for _, ct := range contours {
		if len(ct.Points) < 6 {
			continue
		}
		bb := boundingBox(ct.Points)
		if w := float64(bb.Dx()); w < minW || w > maxW {
			continue
		}
		if h := float64(bb.Dy()); h < minW || h > maxW {
			continue
		}
		ell, ok := FitEllipse(ct.Points)
		if !ok {
			continue
		}
		// Centre strictly inside the ROI.
		if ell.CX <= float64(roi.Min.X) || ell.CY <= float64(roi.Min.Y) ||
			ell.CX >= float64(roi.Max.X) || ell.CY >= float64(roi.Max.Y) {
			continue
		}
		if ob := ell.Oblateness(); ob <= oblatenessLow || ob >= oblatenessHigh {
			continue
		}
		// The Purkinje search square must fit inside the camera frame.
		if ell.CX <= searchArea || ell.CY <= searchArea ||
			ell.CX >= float64(e.buf.Width)-searchArea || ell.CY >= float64(e.buf.Height)-searchArea {
			continue
		}
		if darkFraction(bin, roi, ell) < 0.75 {
			continue
		}
		if len(cands) >= MaxFirstCandidates {
			// A sixth acceptable contour makes the frame ambiguous.
			e.errorText("MULTIPLE_PUPIL_CANDIDATES")
			return nil, TagMultiplePupil
		}
		if e.Rendering {
			drawEllipse(e.buf.Preview, ell, colPupil, 1)
			drawCross(e.buf.Preview, ell.CX, ell.CY, colPupil)
		}
		cands = append(cands, pupilCandidate{points: ct.Points, ell: ell})
	}

	if len(cands) == 0 {
		e.errorText("NO_PUPIL_CANDIDATE")
		return nil, TagNoPupil
	}
	return cands, 0
}

// boundingBox returns the axis-aligned bounds of the contour.
func boundingBox(pts []image.Point) image.Rectangle {
	r := image.Rectangle{Min: pts[0], Max: pts[0].Add(image.Point{X: 1, Y: 1})}
	for _, p := range pts[1:] {
		if p.X < r.Min.X {
			r.Min.X = p.X
		}
		if p.Y < r.Min.Y {
			r.Min.Y = p.Y
		}
		if p.X >= r.Max.X {
			r.Max.X = p.X + 1
		}
		if p.Y >= r.Max.Y {
			r.Max.Y = p.Y + 1
		}
	}
	return r
}

// darkFraction samples the ellipse interior at integer offsets rotated by the
// fit angle, clipped to the ROI, and returns the dark share of the nominal
// ellipse area.
func darkFraction(bin *image.Gray, roi image.Rectangle, ell Ellipse) float64 {
	rad := ell.Angle * math.Pi / 180
	cos, sin := math.Cos(rad), math.Sin(rad)
	count := 0.0
	for ix := -int(ell.Width) / 2; ix < int(ell.Width)/2; ix++ {
		for iy := -int(ell.Height) / 2; iy < int(ell.Height)/2; iy++ {
			fx, fy := float64(ix), float64(iy)
			xp := int(fx*cos-fy*sin+ell.CX) - roi.Min.X
			yp := int(fx*sin+fy*cos+ell.CY) - roi.Min.Y
			if xp < 0 || yp < 0 || xp >= roi.Dx() || yp >= roi.Dy() {
				continue
			}
			if bin.Pix[yp*bin.Stride+xp] == 0 {
				count++
			}
		}
	}
	return count / (ell.Width * ell.Height * math.Pi / 4)
}

// searchPurkinje thresholds the square around the candidate and picks the
// bright region whose fitted centre is closest to the pupil centre. Ties on
// squared distance keep the earlier contour.
func (e *Engine) searchPurkinje(c *pupilCandidate) {
	psa := e.cfg.PurkinjeSearchArea
	rect := image.Rect(int(c.ell.CX)-psa, int(c.ell.CY)-psa, int(c.ell.CX)+psa, int(c.ell.CY)+psa)
	bin := binarizeBright(e.buf.Src, rect, e.cfg.PurkinjeThreshold)
	contours := findContours(bin, func(v uint8) bool { return v != 0 }, rect.Min)

	best := math.Inf(1)
	for _, ct := range contours {
		if len(ct.Points) < 6 {
			continue
		}
		ell, ok := FitEllipse(ct.Points)
		if !ok {
			continue
		}
		dx := c.ell.CX - ell.CX
		dy := c.ell.CY - ell.CY
		if d2 := dx*dx + dy*dy; d2 < best {
			best = d2
			c.pkX, c.pkY = ell.CX, ell.CY
			c.hasPurkinje = true
		}
	}

	if c.hasPurkinje && e.Rendering {
		drawRect(e.buf.Preview, rect, colFrame)
		drawCross(e.buf.Preview, c.pkX, c.pkY, colPurkinje)
		drawCircle(e.buf.Preview, c.pkX, c.pkY, e.cfg.PurkinjeExcludeArea, colPurkinje)
	}
}

// refine re-fits the pupil ellipse on the contour points outside the Purkinje
// exclusion radius. It returns false when fewer than minFinePoints survive.
func (e *Engine) refine(c *pupilCandidate) (Ellipse, bool) {
	excl := float64(e.cfg.PurkinjeExcludeArea)
	var fine []image.Point
	for _, p := range c.points {
		dx := float64(p.X) - c.pkX
		dy := float64(p.Y) - c.pkY
		if dx*dx+dy*dy > excl*excl {
			fine = append(fine, p)
			if e.Rendering {
				setPixel(e.buf.Preview, p.X, p.Y, colFrame)
			}
		}
	}
	if len(fine) < minFinePoints {
		return Ellipse{}, false
	}
	ell, ok := FitEllipse(fine)
	if !ok {
		return Ellipse{}, false
	}
	if e.Rendering {
		drawEllipse(e.buf.Preview, ell, colFine, 2)
		drawCross(e.buf.Preview, ell.CX, ell.CY, colFine)
	}
	return ell, true
}

func (e *Engine) detectMono() Detection {
	if e.Rendering {
		e.previewBase()
	}
	det := Detection{}

	cands, tag := e.findPupilCandidates()
	if tag != 0 {
		det.Tag = tag
		det.Mono.Tag = tag
		return det
	}

	nPurkinje := 0
	var chosen *pupilCandidate
	for i := range cands {
		e.searchPurkinje(&cands[i])
		if cands[i].hasPurkinje {
			chosen = &cands[i]
			nPurkinje++
		}
	}

	switch {
	case nPurkinje == 0:
		e.errorText("NO_PURKINJE_CANDIDATE")
		det.Tag = TagNoPurkinje
	case nPurkinje > 1:
		e.errorText("MULTIPLE_PURKINJE_CANDIDATES")
		det.Tag = TagMultiplePurkinje
	default:
		fine, ok := e.refine(chosen)
		if !ok {
			e.errorText("NO_FINE_PUPIL_CANDIDATE")
			det.Tag = TagNoFinePupil
			break
		}
		det.Mono = EyeResult{
			PupilX:    fine.CX,
			PupilY:    fine.CY,
			PurkinjeX: chosen.pkX,
			PurkinjeY: chosen.pkY,
			PupilArea: fine.Area(),
		}
	}
	det.Mono.Tag = det.Tag
	return det
}

func (e *Engine) detectBin() Detection {
	if e.Rendering {
		e.previewBase()
	}
	det := Detection{
		Binocular: true,
		Left:      EyeResult{Tag: TagNoPupil},
		Right:     EyeResult{Tag: TagNoPupil},
	}

	cands, tag := e.findPupilCandidates()
	if tag != 0 {
		det.Tag = tag
		det.Left.Tag = tag
		det.Right.Tag = tag
		return det
	}

	nPurkinje := 0
	nFinal := 0
	midline := float64(e.buf.Width) / 2
	for i := range cands {
		c := &cands[i]
		e.searchPurkinje(c)
		if !c.hasPurkinje {
			continue
		}
		nPurkinje++
		if nFinal >= 2 {
			continue
		}
		fine, ok := e.refine(c)
		if !ok {
			continue
		}
		res := EyeResult{
			PupilX:    fine.CX,
			PupilY:    fine.CY,
			PurkinjeX: c.pkX,
			PurkinjeY: c.pkY,
			PupilArea: fine.Area(),
		}
		// The camera images the face mirrored: the left half of the frame is
		// the subject's right eye.
		if fine.CX < midline {
			det.Right = res
		} else {
			det.Left = res
		}
		nFinal++
	}

	switch {
	case nPurkinje == 0:
		e.errorText("NO_PURKINJE_CANDIDATE")
		det.Tag = TagNoPurkinje
	case nPurkinje > 2:
		e.errorText("MULTIPLE_PURKINJE_CANDIDATES")
		det.Tag = TagMultiplePurkinje
	case nFinal == 0:
		e.errorText("NO_FINE_PUPIL_CANDIDATE")
		det.Tag = TagNoFinePupil
	}
	if det.Tag != 0 {
		det.Left = EyeResult{Tag: det.Tag}
		det.Right = EyeResult{Tag: det.Tag}
	}
	return det
}
