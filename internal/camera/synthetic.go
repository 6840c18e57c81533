package camera

import (
	"context"
	"fmt"
	"image"
	"io"
	"strconv"
	"sync"
	"time"
)

// Eye is a rendered eye: a dark pupil disc with a bright corneal glint.
type Eye struct {
	PupilX, PupilY float64
	PupilR         float64
	GlintX, GlintY float64
	GlintR         float64
}

// Synthetic renders eye images on demand. It stands in for camera hardware in
// dev mode and drives the end-to-end tests; the experiment side can reposition
// the eyes between frames to script a gaze trajectory.
type Synthetic struct {
	mu sync.Mutex

	Background uint8
	PupilLevel uint8
	GlintLevel uint8
	Interval   time.Duration // inter-frame pacing; zero grabs immediately

	eyes   []Eye
	frames uint32
}

// NewSynthetic returns a renderer with one centred eye and typical levels.
func NewSynthetic(width, height int) *Synthetic {
	return &Synthetic{
		Background: 128,
		PupilLevel: 20,
		GlintLevel: 250,
		eyes: []Eye{{
			PupilX: float64(width) / 2, PupilY: float64(height) / 2, PupilR: 40,
			GlintX: float64(width) / 2, GlintY: float64(height) / 2, GlintR: 4,
		}},
	}
}

// SetEyes replaces the rendered eyes.
func (s *Synthetic) SetEyes(eyes ...Eye) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eyes = append(s.eyes[:0], eyes...)
}

// MoveEye repositions eye i keeping its radii.
func (s *Synthetic) MoveEye(i int, pupilX, pupilY, glintX, glintY float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.eyes) {
		return
	}
	s.eyes[i].PupilX, s.eyes[i].PupilY = pupilX, pupilY
	s.eyes[i].GlintX, s.eyes[i].GlintY = glintX, glintY
}

// Init accepts the forwarded camera parameters; the synthetic backend only
// understands FRAME_INTERVAL_MS.
func (s *Synthetic) Init(params map[string]string, width, height int) error {
	if v, ok := params["FRAME_INTERVAL_MS"]; ok {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FRAME_INTERVAL_MS: %w", err)
		}
		s.Interval = time.Duration(ms) * time.Millisecond
	}
	return nil
}

// Grab renders the next frame into dst.
func (s *Synthetic) Grab(ctx context.Context, dst *image.Gray) (uint32, error) {
	if s.Interval > 0 {
		select {
		case <-time.After(s.Interval):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	} else if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range dst.Pix {
		dst.Pix[i] = s.Background
	}
	w, h := dst.Bounds().Dx(), dst.Bounds().Dy()
	for _, e := range s.eyes {
		fillDisc(dst, w, h, e.PupilX, e.PupilY, e.PupilR, s.PupilLevel)
		fillDisc(dst, w, h, e.GlintX, e.GlintY, e.GlintR, s.GlintLevel)
	}
	s.frames++
	return s.frames, nil
}

func fillDisc(dst *image.Gray, w, h int, cx, cy, r float64, level uint8) {
	x0, x1 := int(cx-r), int(cx+r)
	y0, y1 := int(cy-r), int(cy+r)
	for y := y0; y <= y1; y++ {
		if y < 0 || y >= h {
			continue
		}
		for x := x0; x <= x1; x++ {
			if x < 0 || x >= w {
				continue
			}
			dx, dy := float64(x)-cx, float64(y)-cy
			if dx*dx+dy*dy <= r*r {
				dst.Pix[y*dst.Stride+x] = level
			}
		}
	}
}

// Release is a no-op for the synthetic backend.
func (s *Synthetic) Release() error { return nil }

// SaveParams writes the backend parameters.
func (s *Synthetic) SaveParams(w io.Writer) error {
	if s.Interval > 0 {
		_, err := fmt.Fprintf(w, "FRAME_INTERVAL_MS=%d\n", s.Interval.Milliseconds())
		return err
	}
	return nil
}
