package gaze

import (
	"context"
	"math"
	"testing"

	"github.com/opengaze/gazetrack/internal/camera"
	"github.com/opengaze/gazetrack/internal/config"
)

func testConfig(binocular bool) *config.Config {
	cfg := config.Default()
	if binocular {
		cfg.RecordingMode = config.Binocular
	}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	return cfg
}

// renderEyes draws the given synthetic eyes into the source buffer.
func renderEyes(t *testing.T, buf *Buffers, eyes ...camera.Eye) {
	t.Helper()
	cam := camera.NewSynthetic(buf.Width, buf.Height)
	cam.SetEyes(eyes...)
	if _, err := cam.Grab(context.Background(), buf.Src); err != nil {
		t.Fatalf("grab: %v", err)
	}
}

func newTestEngine(t *testing.T, binocular bool) (*Engine, *Buffers, *config.Config) {
	t.Helper()
	cfg := testConfig(binocular)
	buf, err := NewBuffers(cfg)
	if err != nil {
		t.Fatalf("buffers: %v", err)
	}
	return NewEngine(cfg, buf), buf, cfg
}

func eye(px, py, gx, gy float64) camera.Eye {
	return camera.Eye{PupilX: px, PupilY: py, PupilR: 40, GlintX: gx, GlintY: gy, GlintR: 4}
}

func TestDetectMonoClean(t *testing.T) {
	engine, buf, _ := newTestEngine(t, false)
	renderEyes(t, buf, eye(320, 240, 330, 250))

	det := engine.Detect()
	if det.Tag != 0 {
		t.Fatalf("detection failed with tag %d", det.Tag)
	}
	if math.Abs(det.Mono.PupilX-320) > 2 || math.Abs(det.Mono.PupilY-240) > 2 {
		t.Errorf("pupil = (%f,%f), want ~(320,240)", det.Mono.PupilX, det.Mono.PupilY)
	}
	if math.Abs(det.Mono.PurkinjeX-330) > 2 || math.Abs(det.Mono.PurkinjeY-250) > 2 {
		t.Errorf("purkinje = (%f,%f), want ~(330,250)", det.Mono.PurkinjeX, det.Mono.PurkinjeY)
	}
	want := math.Pi * 80 * 80 / 4
	if det.Mono.PupilArea < want*0.85 || det.Mono.PupilArea > want*1.15 {
		t.Errorf("pupil area = %f, want ~%f", det.Mono.PupilArea, want)
	}
}

func TestDetectNoPupil(t *testing.T) {
	engine, buf, _ := newTestEngine(t, false)
	renderEyes(t, buf) // uniform background, no eye

	det := engine.Detect()
	if det.Tag != TagNoPupil {
		t.Errorf("tag = %d, want %d", det.Tag, TagNoPupil)
	}
	if det.Mono.Tag != TagNoPupil {
		t.Errorf("mono tag = %d, want %d", det.Mono.Tag, TagNoPupil)
	}
}

func TestDetectNoPurkinje(t *testing.T) {
	engine, buf, _ := newTestEngine(t, false)
	renderEyes(t, buf, camera.Eye{PupilX: 320, PupilY: 240, PupilR: 40})

	det := engine.Detect()
	if det.Tag != TagNoPurkinje {
		t.Errorf("tag = %d, want %d", det.Tag, TagNoPurkinje)
	}
}

func TestDetectMultiplePurkinjeMono(t *testing.T) {
	engine, buf, _ := newTestEngine(t, false)
	renderEyes(t, buf,
		eye(200, 240, 205, 245),
		eye(440, 240, 445, 245),
	)

	det := engine.Detect()
	if det.Tag != TagMultiplePurkinje {
		t.Errorf("tag = %d, want %d", det.Tag, TagMultiplePurkinje)
	}
}

func TestDetectPupilCandidateLimit(t *testing.T) {
	engine, buf, _ := newTestEngine(t, false)

	// Five acceptable dark regions, one carrying a glint: accepted.
	positions := [][2]float64{{150, 150}, {320, 150}, {490, 150}, {150, 330}, {320, 330}}
	eyes := make([]camera.Eye, 0, 6)
	for i, p := range positions {
		e := camera.Eye{PupilX: p[0], PupilY: p[1], PupilR: 40}
		if i == 0 {
			e.GlintX, e.GlintY, e.GlintR = p[0]+8, p[1]+8, 4
		}
		eyes = append(eyes, e)
	}
	renderEyes(t, buf, eyes...)
	if det := engine.Detect(); det.Tag != 0 {
		t.Errorf("five candidates: tag = %d, want success", det.Tag)
	}

	// A sixth acceptable region rejects the frame.
	eyes = append(eyes, camera.Eye{PupilX: 490, PupilY: 330, PupilR: 40})
	renderEyes(t, buf, eyes...)
	if det := engine.Detect(); det.Tag != TagMultiplePupil {
		t.Errorf("six candidates: tag = %d, want %d", det.Tag, TagMultiplePupil)
	}
}

func TestDetectWidthFilter(t *testing.T) {
	engine, buf, cfg := newTestEngine(t, false)
	// ROI width 640: the 10..30 percent band accepts widths 64..192 only.
	renderEyes(t, buf, camera.Eye{PupilX: 320, PupilY: 240, PupilR: 20, GlintX: 325, GlintY: 245, GlintR: 3})
	if det := engine.Detect(); det.Tag != TagNoPupil {
		t.Errorf("undersized pupil: tag = %d, want %d", det.Tag, TagNoPupil)
	}

	cfg.MinPupilWidth = 5
	if det := engine.Detect(); det.Tag != 0 {
		t.Errorf("after widening the band: tag = %d, want success", det.Tag)
	}
}

func TestDetectBinEyeAssignment(t *testing.T) {
	engine, buf, _ := newTestEngine(t, true)
	renderEyes(t, buf,
		eye(200, 240, 205, 245),
		eye(440, 240, 445, 245),
	)

	det := engine.Detect()
	if det.Tag != 0 {
		t.Fatalf("detection failed with tag %d", det.Tag)
	}
	// Left half of the mirrored frame is the subject's right eye.
	if !det.Right.OK() || math.Abs(det.Right.PupilX-200) > 2 {
		t.Errorf("right eye = %+v, want pupil near x=200", det.Right)
	}
	if !det.Left.OK() || math.Abs(det.Left.PupilX-440) > 2 {
		t.Errorf("left eye = %+v, want pupil near x=440", det.Left)
	}
}

func TestDetectBinSingleEye(t *testing.T) {
	engine, buf, _ := newTestEngine(t, true)
	renderEyes(t, buf, eye(200, 240, 205, 245))

	det := engine.Detect()
	if det.Tag != 0 {
		t.Fatalf("detection failed with tag %d", det.Tag)
	}
	if !det.Right.OK() {
		t.Errorf("right eye missing: %+v", det.Right)
	}
	if det.Left.OK() || det.Left.Tag != TagNoPupil {
		t.Errorf("left eye = %+v, want absent with NOPUPIL tag", det.Left)
	}
}

func TestDetectDoesNotWriteOutsidePreview(t *testing.T) {
	engine, buf, _ := newTestEngine(t, false)
	renderEyes(t, buf, eye(320, 240, 330, 250))

	src := append([]byte(nil), buf.Src.Pix...)
	engine.Detect()
	for i := range src {
		if src[i] != buf.Src.Pix[i] {
			t.Fatal("detection mutated the source buffer")
		}
	}
}
