package gaze

import (
	"image/color"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRenderCalPlot(t *testing.T) {
	cfg := testConfig(false)
	buf, err := NewBuffers(cfg)
	require.NoError(t, err)

	cal := NewCalibration(false, 640, 480)
	cal.Start(0, 0, 1024, 768, true)
	collectExact(cal, [2][2]float64{{1, 0}, {0, 1}}, [2]float64{0, 0}, 5)
	cal.End()

	require.NoError(t, buf.RenderCalPlot(cal))

	// Something was drawn.
	blank := color.RGBA{}
	painted := 0
	for y := 0; y < buf.CalPlot.Bounds().Dy(); y++ {
		for x := 0; x < buf.CalPlot.Bounds().Dx(); x++ {
			if buf.CalPlot.RGBAAt(x, y) != blank {
				painted++
			}
		}
	}
	if painted == 0 {
		t.Error("calibration plot buffer left untouched")
	}
}

func TestRenderCalPlotBinocular(t *testing.T) {
	cfg := testConfig(true)
	buf, err := NewBuffers(cfg)
	require.NoError(t, err)

	cal := NewCalibration(true, 640, 480)
	cal.Start(0, 0, 1024, 768, true)
	for _, pt := range calTargets {
		cal.AddTarget(pt.X, pt.Y, 3)
		for i := 0; i < 3; i++ {
			cal.Collect([4]float64{pt.X, pt.Y, pt.X + 1, pt.Y - 1}, [2]float64{400, 410})
		}
	}
	cal.End()

	require.NoError(t, buf.RenderCalPlot(cal))
}
