package gaze

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opengaze/gazetrack/internal/config"
	"github.com/opengaze/gazetrack/internal/monitoring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock hands out strictly increasing timestamps, one millisecond apart.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func newTestSession(t *testing.T, binocular bool) (*Session, *config.Config) {
	t.Helper()
	cfg := testConfig(binocular)
	buf, err := NewBuffers(cfg)
	require.NoError(t, err)
	s := NewSession(cfg, buf, NewEngine(cfg, buf), nil, nil)
	s.SetClock(newFakeClock().Now)
	return s, cfg
}

// feed routes a synthetic detection through the state machine, bypassing the
// image pipeline.
func feed(s *Session, det Detection) {
	s.mu.Lock()
	s.handleDetection(det, 7)
	s.mu.Unlock()
}

func monoDetection(dx, dy float64) Detection {
	return Detection{Mono: EyeResult{
		PupilX: 100 + dx, PupilY: 100 + dy,
		PurkinjeX: 100, PurkinjeY: 100,
		PupilArea: 500,
	}}
}

func monoError(tag int) Detection {
	return Detection{Tag: tag, Mono: EyeResult{Tag: tag}}
}

// calibrate commits a unity calibration through the public surface.
func calibrate(t *testing.T, s *Session) {
	t.Helper()
	s.StartCalibration(0, 0, 1024, 768, true)
	for _, pt := range calTargets {
		s.GetCalSample(pt.X, pt.Y, 5)
		for i := 0; i < 5; i++ {
			feed(s, monoDetection(pt.X, pt.Y))
		}
	}
	s.EndCalibration()
	require.True(t, s.Calibration().Calibrated)
	require.Equal(t, StateIdle, s.State())
}

// calEvent is one CalibrationFinished notification seen by recordingSink.
type calEvent struct {
	points          int
	meanErr, maxErr float64
}

// recordingSink captures EventSink notifications for assertions.
type recordingSink struct {
	calibrations []calEvent
}

func (r *recordingSink) DataFileOpened(string)                   {}
func (r *recordingSink) RecordingStarted(time.Time, string)      {}
func (r *recordingSink) RecordingStopped(time.Time, string, int) {}
func (r *recordingSink) CalibrationFinished(_ time.Time, _ bool, points int, meanErr, maxErr float64) {
	r.calibrations = append(r.calibrations, calEvent{points, meanErr, maxErr})
}

func TestDeleteCalDataRefitsAndNotifiesSink(t *testing.T) {
	cfg := testConfig(false)
	buf, err := NewBuffers(cfg)
	require.NoError(t, err)
	sink := &recordingSink{}
	s := NewSession(cfg, buf, NewEngine(cfg, buf), nil, sink)
	s.SetClock(newFakeClock().Now)

	// Three exact, non-collinear targets plus one whose samples are shifted by
	// 30 px; with a fourth target the affine fit cannot absorb the shift.
	s.StartCalibration(0, 0, 1024, 768, true)
	for _, pt := range []CalPoint{calTargets[0], calTargets[1], calTargets[3]} {
		s.GetCalSample(pt.X, pt.Y, 5)
		for i := 0; i < 5; i++ {
			feed(s, monoDetection(pt.X, pt.Y))
		}
	}
	bad := CalPoint{X: 500, Y: 400}
	s.GetCalSample(bad.X, bad.Y, 5)
	for i := 0; i < 5; i++ {
		feed(s, monoDetection(bad.X+30, bad.Y))
	}
	s.EndCalibration()

	require.Len(t, sink.calibrations, 1)
	require.Equal(t, 4, sink.calibrations[0].points)
	require.Greater(t, sink.calibrations[0].maxErr, 1.0)

	s.DeleteCalData([]CalPoint{bad})

	// The refit over the remaining exact samples is committed and re-logged.
	require.Len(t, sink.calibrations, 2)
	assert.Equal(t, 3, sink.calibrations[1].points)
	assert.Less(t, sink.calibrations[1].meanErr, 1e-6)
	assert.Less(t, sink.calibrations[1].maxErr, 1e-6)
	assert.Equal(t, 15, s.Calibration().SampleCount())
	assert.Equal(t, StateIdle, s.State())
}

func TestTransitionsRejectedOutsideIdle(t *testing.T) {
	s, _ := newTestSession(t, false)
	lines, restore := monitoring.Capture()
	defer restore()

	// Recording before calibration is refused.
	s.StartRecording("too early")
	assert.Equal(t, StateIdle, s.State())

	calibrate(t, s)

	s.StartCalibration(0, 0, 10, 10, true)
	require.Equal(t, StateCalibrating, s.State())
	// Starting anything else mid-calibration is a no-op.
	s.StartRecording("nope")
	assert.Equal(t, StateCalibrating, s.State())
	s.StartValidation(0, 0, 10, 10)
	assert.Equal(t, StateCalibrating, s.State())
	s.EndCalibration()

	warnings := 0
	for _, l := range *lines {
		if strings.Contains(l, "warning") {
			warnings++
		}
	}
	assert.GreaterOrEqual(t, warnings, 3)
}

func TestCalibrationCollectsOnlyValidFrames(t *testing.T) {
	s, _ := newTestSession(t, false)
	s.StartCalibration(0, 0, 1024, 768, true)
	s.GetCalSample(100, 100, 5)

	feed(s, monoError(TagNoPupil))
	feed(s, monoDetection(100, 100))
	feed(s, monoError(TagNoPurkinje))
	feed(s, monoDetection(100, 100))

	assert.Equal(t, 2, s.Calibration().SampleCount())
	// Collection stops once the requested count is reached.
	for i := 0; i < 10; i++ {
		feed(s, monoDetection(100, 100))
	}
	assert.Equal(t, 5, s.Calibration().SampleCount())
}

func TestRecordingWritesFileWithOverflow(t *testing.T) {
	s, _ := newTestSession(t, false)
	dir := t.TempDir()
	calibrate(t, s)

	require.NoError(t, s.OpenDataFile(dir, "run.csv", true))
	s.SetRingCapacity(50)
	s.StartRecording("session one")

	for i := 0; i < 101; i++ {
		feed(s, monoDetection(10, 20))
	}
	assert.Equal(t, 1, s.SampleCount(), "ring index after two flushes")

	s.StopRecording("bye")
	s.CloseDataFile()

	data, err := os.ReadFile(filepath.Join(dir, "run.csv"))
	require.NoError(t, err)
	content := string(data)

	assert.True(t, strings.HasPrefix(content, "#SimpleGazeTrackerDataFile\n"))
	assert.Contains(t, content, "#TRACKER_VERSION,"+Version)
	assert.Contains(t, content, "#DATAFORMAT,T,X,Y,P")
	assert.Contains(t, content, "#START_REC,2026,3,14,")
	assert.Contains(t, content, "#MESSAGE,0,session one")
	assert.Contains(t, content, "#XPARAM,")
	assert.Equal(t, 2, strings.Count(content, "#OVERFLOW_FLUSH_GAZEDATA,"))
	assert.Equal(t, len(calTargets), strings.Count(content, "#CALPOINT,"))
	assert.True(t, strings.HasSuffix(content, "#STOP_REC\n"))

	samples := 0
	for _, line := range strings.Split(content, "\n") {
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		samples++
	}
	assert.Equal(t, 101, samples)
}

func TestOverflowMarkerFollowsFlushedBlock(t *testing.T) {
	s, _ := newTestSession(t, false)
	dir := t.TempDir()
	calibrate(t, s)
	require.NoError(t, s.OpenDataFile(dir, "of.csv", true))
	s.SetRingCapacity(10)
	s.StartRecording("")

	for i := 0; i < 10; i++ {
		feed(s, monoDetection(1, 1))
	}
	assert.Equal(t, 0, s.SampleCount(), "write index resets to zero on overflow")

	s.StopRecording("")
	s.CloseDataFile()

	data, err := os.ReadFile(filepath.Join(dir, "of.csv"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	markerAt := -1
	for i, l := range lines {
		if strings.HasPrefix(l, "#OVERFLOW_FLUSH_GAZEDATA,") {
			markerAt = i
		}
	}
	require.GreaterOrEqual(t, markerAt, 1)
	// The ten flushed sample rows sit immediately before the marker.
	for i := markerAt - 10; i < markerAt; i++ {
		assert.False(t, strings.HasPrefix(lines[i], "#"), "line %d should be a sample row", i)
	}
}

func TestErrorFramesRecordedWithTags(t *testing.T) {
	s, _ := newTestSession(t, false)
	dir := t.TempDir()
	calibrate(t, s)
	require.NoError(t, s.OpenDataFile(dir, "err.csv", true))
	s.StartRecording("")

	feed(s, monoError(TagMultiplePupil))
	feed(s, monoError(TagNoPupil))
	feed(s, monoError(TagNoPurkinje))
	feed(s, monoError(TagMultiplePurkinje))
	feed(s, monoError(TagNoFinePupil))

	s.StopRecording("")
	s.CloseDataFile()

	data, err := os.ReadFile(filepath.Join(dir, "err.csv"))
	require.NoError(t, err)
	content := string(data)
	for _, tag := range []string{"MULTIPUPIL", "NOPUPIL", "NOPURKINJE", "MULTIPURKINJE", "NOFINEPUPIL"} {
		assert.Contains(t, content, tag+","+tag+",FAIL\n")
	}
}

func TestMessageRingOverflowPreservesOrder(t *testing.T) {
	s, _ := newTestSession(t, false)
	dir := t.TempDir()
	calibrate(t, s)
	require.NoError(t, s.OpenDataFile(dir, "msg.csv", true))
	s.StartRecording("")

	const count = 2100
	payload := strings.Repeat("x", 100)
	for i := 0; i < count; i++ {
		s.InsertMessage(fmt.Sprintf("m%04d %s", i, payload))
	}
	s.StopRecording("")
	s.CloseDataFile()

	data, err := os.ReadFile(filepath.Join(dir, "msg.csv"))
	require.NoError(t, err)
	content := string(data)

	assert.GreaterOrEqual(t, strings.Count(content, "#OVERFLOW_FLUSH_MESSAGES,"), 1)

	seen := 0
	for _, line := range strings.Split(content, "\n") {
		if !strings.HasPrefix(line, "#MESSAGE,") {
			continue
		}
		var ts float64
		var seq int
		if _, err := fmt.Sscanf(line, "#MESSAGE,%f,m%d", &ts, &seq); err != nil {
			continue
		}
		require.Equal(t, seen, seq, "message order broken at %q", line)
		seen++
	}
	assert.Equal(t, count, seen)
}

func TestConnectionClosedStopsRecording(t *testing.T) {
	s, _ := newTestSession(t, false)
	dir := t.TempDir()
	calibrate(t, s)
	require.NoError(t, s.OpenDataFile(dir, "drop.csv", true))
	s.StartRecording("")
	for i := 0; i < 10; i++ {
		feed(s, monoDetection(3, 4))
	}

	s.ConnectionClosed()
	assert.Equal(t, StateIdle, s.State())

	s.CloseDataFile()
	data, err := os.ReadFile(filepath.Join(dir, "drop.csv"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "#MESSAGE")
	assert.Contains(t, string(data), "ConnectionClosed")
	assert.True(t, strings.HasSuffix(string(data), "#STOP_REC\n"))
}

func TestConnectionClosedDiscardsCalibration(t *testing.T) {
	s, _ := newTestSession(t, false)
	s.StartCalibration(0, 0, 1024, 768, true)
	s.GetCalSample(100, 100, 5)
	feed(s, monoDetection(100, 100))

	s.ConnectionClosed()
	assert.Equal(t, StateIdle, s.State())
	assert.False(t, s.Calibration().Calibrated)
	assert.Equal(t, 0, s.Calibration().SampleCount())
}

func TestEyePositionMovingAverage(t *testing.T) {
	s, _ := newTestSession(t, false)
	calibrate(t, s)
	s.StartMeasurement()

	feed(s, monoDetection(10, 20))
	feed(s, monoDetection(20, 30))
	feed(s, monoError(TagNoPupil))
	feed(s, monoDetection(30, 40))

	// Unity calibration: gaze equals delta. The average skips the error frame.
	pos := s.EyePosition(4)
	assert.InDelta(t, 20, pos[0], 1e-9)
	assert.InDelta(t, 30, pos[1], 1e-9)
	assert.InDelta(t, 500, pos[2], 1e-9)

	// Instantaneous position reflects the newest frame only.
	pos = s.EyePosition(1)
	assert.InDelta(t, 30, pos[0], 1e-9)
}

func TestEyePositionMovingAverageAllInvalid(t *testing.T) {
	s, _ := newTestSession(t, false)
	calibrate(t, s)
	s.StartMeasurement()
	feed(s, monoError(TagNoPupil))
	feed(s, monoError(TagNoPupil))

	pos := s.EyePosition(2)
	assert.Equal(t, float64(TagNaNMovingAverage), pos[0])
	assert.Equal(t, float64(TagNaNMovingAverage), pos[1])
}

func TestEyePositionListNewDataOnly(t *testing.T) {
	s, _ := newTestSession(t, false)
	calibrate(t, s)
	s.StartMeasurement()
	for i := 0; i < 5; i++ {
		feed(s, monoDetection(float64(i), 0))
	}

	rows := s.EyePositionList(-10, false)
	assert.Len(t, rows, 5)
	// Newest first.
	assert.InDelta(t, 4, rows[0][1], 1e-9)

	// Nothing new since the last call.
	rows = s.EyePositionList(-10, false)
	assert.Empty(t, rows)

	feed(s, monoDetection(9, 0))
	rows = s.EyePositionList(-10, false)
	assert.Len(t, rows, 1)
	assert.InDelta(t, 9, rows[0][1], 1e-9)
}

func TestWholeEyePositionListOrder(t *testing.T) {
	s, _ := newTestSession(t, false)
	calibrate(t, s)
	s.StartMeasurement()
	for i := 0; i < 3; i++ {
		feed(s, monoDetection(float64(i), 0))
	}

	rows := s.WholeEyePositionList(true)
	assert.Len(t, rows, 3)
	assert.InDelta(t, 0, rows[0][1], 1e-9)
	assert.InDelta(t, 2, rows[2][1], 1e-9)
	assert.Len(t, rows[0], 4, "pupil column requested")
	// Timestamps increase strictly.
	assert.Less(t, rows[0][0], rows[1][0])
}

func TestMeasurementDoesNotTouchFile(t *testing.T) {
	s, _ := newTestSession(t, false)
	dir := t.TempDir()
	calibrate(t, s)
	require.NoError(t, s.OpenDataFile(dir, "m.csv", true))

	s.StartMeasurement()
	for i := 0; i < 5; i++ {
		feed(s, monoDetection(1, 2))
	}
	s.StopMeasurement()
	s.CloseDataFile()

	data, err := os.ReadFile(filepath.Join(dir, "m.csv"))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "#START_REC")
	assert.NotContains(t, string(data), "#STOP_REC")
}

func TestOpenDataFileRenamesExisting(t *testing.T) {
	s, _ := newTestSession(t, false)
	dir := t.TempDir()

	require.NoError(t, s.OpenDataFile(dir, "data.csv", true))
	s.CloseDataFile()
	require.NoError(t, s.OpenDataFile(dir, "data.csv", false))
	s.CloseDataFile()

	_, err := os.Stat(filepath.Join(dir, "data.0.csv"))
	assert.NoError(t, err, "existing file renamed to non-colliding sibling")
	_, err = os.Stat(filepath.Join(dir, "data.csv"))
	assert.NoError(t, err)
}

func TestBinocularRecordingRow(t *testing.T) {
	s, _ := newTestSession(t, true)
	dir := t.TempDir()

	// Binocular calibration with both eyes tracking the target exactly.
	s.StartCalibration(0, 0, 1024, 768, true)
	for _, pt := range calTargets {
		s.GetCalSample(pt.X, pt.Y, 5)
		for i := 0; i < 5; i++ {
			feed(s, Detection{
				Binocular: true,
				Left:      EyeResult{PupilX: 100 + pt.X, PupilY: 100 + pt.Y, PurkinjeX: 100, PurkinjeY: 100, PupilArea: 400},
				Right:     EyeResult{PupilX: 300 + pt.X, PupilY: 300 + pt.Y, PurkinjeX: 300, PurkinjeY: 300, PupilArea: 410},
			})
		}
	}
	s.EndCalibration()
	require.True(t, s.Calibration().Calibrated)

	require.NoError(t, s.OpenDataFile(dir, "bin.csv", true))
	s.StartRecording("")
	// One frame with the right eye missing.
	feed(s, Detection{
		Binocular: true,
		Left:      EyeResult{PupilX: 150, PupilY: 160, PurkinjeX: 100, PurkinjeY: 100, PupilArea: 400},
		Right:     EyeResult{Tag: TagNoPupil},
	})
	s.StopRecording("")
	s.CloseDataFile()

	data, err := os.ReadFile(filepath.Join(dir, "bin.csv"))
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "#DATAFORMAT,T,LX,LY,RX,RY,LP,RP")
	assert.Contains(t, content, "50.0,60.0,NOPUPIL,NOPUPIL,400.0,FAIL")
	// Binocular CALPOINT lines carry eight value columns after the target.
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(line, "#CALPOINT,") {
			assert.Equal(t, 11, len(strings.Split(line, ",")), "line %q", line)
		}
	}
}
