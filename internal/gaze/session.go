package gaze

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/opengaze/gazetrack/internal/config"
	"github.com/opengaze/gazetrack/internal/monitoring"
)

// Acquisition states.
type State int

const (
	StateIdle State = iota
	StateCalibrating
	StateValidating
	StateRecording
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCalibrating:
		return "calibrating"
	case StateValidating:
		return "validating"
	case StateRecording:
		return "recording"
	}
	return "unknown"
}

// Ring capacities: one hour at 120 Hz for the gaze ring, 256 KiB for the
// message ring with a 128-byte low-water mark that triggers an eager flush.
const (
	MaxData         = 432000
	MaxMessage      = 262144
	messageLowWater = 128
)

// IOSampler is the optional analog/digital I/O collaborator. Sample captures
// the board state into the given ring slot; FormatSample renders it for the
// data file.
type IOSampler interface {
	Sample(index int)
	FormatSample(index int) string
	FormatHeader() string
}

// EventSink receives session lifecycle notifications (the session database
// implements it). A nil sink disables notification.
type EventSink interface {
	DataFileOpened(path string)
	RecordingStarted(t time.Time, message string)
	RecordingStopped(t time.Time, message string, samples int)
	CalibrationFinished(t time.Time, binocular bool, points int, meanErr, maxErr float64)
}

// Stats is a snapshot of session counters for the monitor surface.
type Stats struct {
	State        string
	Frames       int64
	DetectErrors int64
	Samples      int
	Overflows    int64
	Calibrated   bool
	FileOpen     bool
	RecentArea   []float64
}

// Session owns the acquisition state machine: the gaze-sample ring, the
// message ring, the calibration estimator, the data file and the per-frame
// bookkeeping. All entry points lock, so the capture loop and the control
// protocol may call in concurrently.
type Session struct {
	mu sync.Mutex

	cfg    *config.Config
	buf    *Buffers
	engine *Engine
	cal    *Calibration
	usbio  IOSampler
	sink   EventSink

	state          State
	lastCalValType int

	maxData int
	tick    []float64
	eye     [][4]float64
	pupil   [][2]float64
	camMeta []uint32
	count   int
	// lastSent marks the ring index already delivered by getEyePositionList
	// in new-data-only mode.
	lastSent int

	current      [4]float64
	currentPupil [2]float64

	file            *DataFile
	recordingToFile bool
	recStart        time.Time
	cameraMeta      bool

	msg []byte

	showCalResult bool

	frames       int64
	detectErrors int64
	overflows    int64
	recentArea   []float64

	now func() time.Time
}

// NewSession wires the session over the shared buffers and detection engine.
// usbio and sink may be nil.
func NewSession(cfg *config.Config, buf *Buffers, engine *Engine, usbio IOSampler, sink EventSink) *Session {
	return &Session{
		cfg:      cfg,
		buf:      buf,
		engine:   engine,
		cal:      NewCalibration(cfg.Binocular(), cfg.CameraWidth, cfg.CameraHeight),
		usbio:    usbio,
		sink:     sink,
		maxData:  MaxData,
		tick:     make([]float64, 0, 4096),
		eye:      make([][4]float64, 0, 4096),
		pupil:    make([][2]float64, 0, 4096),
		camMeta:  make([]uint32, 0, 4096),
		lastSent: -1,
		msg:      make([]byte, 0, MaxMessage),
		now:      time.Now,
	}
}

// State returns the current acquisition state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Calibration exposes the estimator for the plot renderer; callers must not
// mutate it.
func (s *Session) Calibration() *Calibration { return s.cal }

// ProcessFrame runs detection over the current source buffer and routes the
// result through the state machine. camMeta is the driver's opaque per-frame
// word.
func (s *Session) ProcessFrame(camMeta uint32) Detection {
	s.mu.Lock()
	defer s.mu.Unlock()

	det := s.engine.Detect()
	s.handleDetection(det, camMeta)
	return det
}

// handleDetection routes one detection through the state machine. The caller
// holds the session lock.
func (s *Session) handleDetection(det Detection, camMeta uint32) {
	s.frames++
	if det.Tag != 0 {
		s.detectErrors++
	}

	switch s.state {
	case StateCalibrating, StateValidating:
		s.collectCalFrame(det)
	case StateRecording:
		s.recordFrame(det, camMeta)
	}
	if det.Tag == 0 {
		area := det.Mono.PupilArea
		if det.Binocular {
			if det.Left.OK() {
				area = det.Left.PupilArea
			} else {
				area = det.Right.PupilArea
			}
		}
		s.recentArea = append(s.recentArea, area)
		if len(s.recentArea) > 600 {
			s.recentArea = s.recentArea[len(s.recentArea)-600:]
		}
	}
}

// SampleCount returns the gaze ring write index.
func (s *Session) SampleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// deltas projects a detection into the per-eye delta slots, substituting the
// error tag of an absent eye into both of its slots.
func deltas(det Detection) [4]float64 {
	var d [4]float64
	if det.Binocular {
		if det.Left.OK() {
			d[0] = det.Left.PupilX - det.Left.PurkinjeX
			d[1] = det.Left.PupilY - det.Left.PurkinjeY
		} else {
			d[0] = float64(det.Left.Tag)
			d[1] = float64(det.Left.Tag)
		}
		if det.Right.OK() {
			d[2] = det.Right.PupilX - det.Right.PurkinjeX
			d[3] = det.Right.PupilY - det.Right.PurkinjeY
		} else {
			d[2] = float64(det.Right.Tag)
			d[3] = float64(det.Right.Tag)
		}
		return d
	}
	if det.Mono.OK() {
		d[0] = det.Mono.PupilX - det.Mono.PurkinjeX
		d[1] = det.Mono.PupilY - det.Mono.PurkinjeY
	} else {
		d[0] = float64(det.Mono.Tag)
		d[1] = float64(det.Mono.Tag)
	}
	return d
}

func detectionValid(det Detection) bool {
	if det.Binocular {
		return det.Left.OK() || det.Right.OK()
	}
	return det.Mono.OK()
}

func (s *Session) collectCalFrame(det Detection) {
	if !detectionValid(det) || !s.cal.Collecting() {
		return
	}
	var pupil [2]float64
	if det.Binocular {
		pupil[0] = det.Left.PupilArea
		pupil[1] = det.Right.PupilArea
	} else {
		pupil[0] = det.Mono.PupilArea
	}
	s.cal.Collect(deltas(det), pupil)
}

func (s *Session) recordFrame(det Detection, camMeta uint32) {
	t := s.now().Sub(s.recStart).Seconds() * 1000

	d := deltas(det)
	var pupil [2]float64
	if det.Binocular {
		pupil[0] = det.Left.PupilArea
		pupil[1] = det.Right.PupilArea
	} else {
		pupil[0] = det.Mono.PupilArea
	}

	s.tick = append(s.tick, t)
	s.eye = append(s.eye, d)
	s.pupil = append(s.pupil, pupil)
	s.camMeta = append(s.camMeta, camMeta)
	s.count++
	if s.usbio != nil {
		s.usbio.Sample(s.count - 1)
	}

	// Current gaze for getEyePosition: projected through the affine for valid
	// eyes, the error tag otherwise.
	if det.Binocular {
		g := s.cal.GazeBin(d)
		for eye := 0; eye < 2; eye++ {
			if IsErrorTag(d[2*eye]) {
				s.current[2*eye] = d[2*eye]
				s.current[2*eye+1] = d[2*eye]
			} else {
				s.current[2*eye] = g[2*eye]
				s.current[2*eye+1] = g[2*eye+1]
				s.currentPupil[eye] = pupil[eye]
			}
		}
	} else {
		if IsErrorTag(d[0]) {
			s.current[0] = d[0]
			s.current[1] = d[0]
		} else {
			s.current[0], s.current[1] = s.cal.GazeMono(d[0], d[1])
			s.currentPupil[0] = pupil[0]
		}
	}

	if s.count >= s.maxData {
		s.flushRing()
	}
}

// flushRing empties the gaze ring into the data file and rewinds the write
// index, emitting the overflow marker. Measurement mode simply rewinds.
func (s *Session) flushRing() {
	if s.recordingToFile && s.file != nil {
		s.file.WriteSamples(s.rows(), s.cal)
		s.file.OverflowGazeData(s.now().Sub(s.recStart).Seconds() * 1000)
	}
	s.overflows++
	s.resetRing()
}

func (s *Session) rows() []sampleRow {
	rows := make([]sampleRow, s.count)
	for i := 0; i < s.count; i++ {
		rows[i] = sampleRow{
			Tick:    s.tick[i],
			Eye:     s.eye[i],
			Pupil:   s.pupil[i],
			CamMeta: s.camMeta[i],
		}
		if s.usbio != nil {
			rows[i].USBIO = s.usbio.FormatSample(i)
		}
	}
	return rows
}

func (s *Session) resetRing() {
	s.tick = s.tick[:0]
	s.eye = s.eye[:0]
	s.pupil = s.pupil[:0]
	s.camMeta = s.camMeta[:0]
	s.count = 0
	s.lastSent = -1
}

// StartCalibration begins calibration over the given screen rectangle. It is
// a no-op with a warning outside the idle state.
func (s *Session) StartCalibration(x1, y1, x2, y2 int, clear bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	monitoring.Logf("StartCalibration")
	if s.state != StateIdle {
		monitoring.Logf("warning: startCalibration ignored in state %s", s.state)
		return
	}
	s.cal.Start(x1, y1, x2, y2, clear)
	if clear {
		s.resetRing()
	}
	s.state = StateCalibrating
	s.showCalResult = false
}

// GetCalSample registers the next calibration target and arms collection of n
// frames there.
func (s *Session) GetCalSample(x, y float64, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.cal.Points()) >= MaxCalPoints {
		monitoring.Logf("warning: number of calibration points exceeded its maximum (%d)", MaxCalPoints)
	}
	s.cal.AddTarget(x, y, n)
}

// EndCalibration fits the affine parameters and commits the run.
func (s *Session) EndCalibration() {
	s.mu.Lock()
	defer s.mu.Unlock()
	monitoring.Logf("EndCalibration")
	if s.state != StateCalibrating {
		monitoring.Logf("warning: endCalibration ignored in state %s", s.state)
		return
	}
	s.finishCalibration()
}

func (s *Session) finishCalibration() {
	s.cal.End()
	s.state = StateIdle
	s.showCalResult = true
	s.lastCalValType = DetailCalibration
	if err := s.buf.RenderCalPlot(s.cal); err != nil {
		monitoring.Logf("failed to render calibration result: %v", err)
	}
	if s.sink != nil {
		mean, max := s.cal.Results()
		s.sink.CalibrationFinished(s.now(), s.cfg.Binocular(), len(s.cal.Points()), mean[0], max[0])
	}
}

// DeleteCalData removes the samples collected at the given targets and refits
// on the remainder, committing the refit like a regular endCalibration.
func (s *Session) DeleteCalData(points []CalPoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	monitoring.Logf("DeleteCalibrationDataSubset: %v", points)
	s.cal.DeleteSubset(points)
	s.finishCalibration()
}

// StartValidation begins a validation run; collected samples are evaluated
// against the existing calibration without refitting.
func (s *Session) StartValidation(x1, y1, x2, y2 int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	monitoring.Logf("StartValidation")
	if s.state != StateIdle {
		monitoring.Logf("warning: startValidation ignored in state %s", s.state)
		return
	}
	s.cal.Start(x1, y1, x2, y2, true)
	s.resetRing()
	s.state = StateValidating
	s.showCalResult = false
}

// GetValSample registers the next validation target.
func (s *Session) GetValSample(x, y float64, n int) {
	s.GetCalSample(x, y, n)
}

// EndValidation summarises the validation run.
func (s *Session) EndValidation() {
	s.mu.Lock()
	defer s.mu.Unlock()
	monitoring.Logf("EndValidation")
	if s.state != StateValidating {
		monitoring.Logf("warning: endValidation ignored in state %s", s.state)
		return
	}
	s.cal.EndValidation()
	s.state = StateIdle
	s.showCalResult = true
	s.lastCalValType = DetailValidation
	if err := s.buf.RenderCalPlot(s.cal); err != nil {
		monitoring.Logf("failed to render validation result: %v", err)
	}
}

// ToggleCalResult switches the preview surface between the camera image and
// the calibration-result plot.
func (s *Session) ToggleCalResult(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.showCalResult = s.cal.Calibrated && on
}

// ShowingCalResult reports whether the calibration plot is the active preview.
func (s *Session) ShowingCalResult() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.showCalResult
}

// SaveCalValResultsDetail dumps the collected calibration or validation
// samples into the data file.
func (s *Session) SaveCalValResultsDetail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle || !s.cal.Calibrated || s.file == nil {
		return
	}
	s.file.WriteCalDetail(s.now(), s.lastCalValType, s.cal)
}

// OpenDataFile opens dir/name for the session, closing any previous file.
func (s *Session) OpenDataFile(dir, name string, overwrite bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		s.file.Close()
		s.file = nil
		monitoring.Logf("close data file to open new data file")
	}
	usbFormat := ""
	if s.usbio != nil {
		usbFormat = s.usbio.FormatHeader()
	}
	f, err := OpenDataFile(dir, name, overwrite, s.cfg.Binocular(), s.cfg.OutputPupilSize != 0, usbFormat, s.cameraMeta)
	if err != nil {
		monitoring.Logf("failed to open data file (%s): %v", name, err)
		return err
	}
	s.file = f
	monitoring.Logf("open data file (%s)", f.Path())
	if s.sink != nil {
		s.sink.DataFileOpened(f.Path())
	}
	return nil
}

// CloseDataFile flushes and closes the data file.
func (s *Session) CloseDataFile() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		monitoring.Logf("no file to close")
		return
	}
	if err := s.file.Close(); err != nil {
		monitoring.Logf("close data file: %v", err)
	}
	s.file = nil
	monitoring.Logf("CloseDataFile")
}

// FileOpen reports whether a data file is currently open.
func (s *Session) FileOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file != nil
}

// StartRecording transitions to the recording state and writes the recording
// header block. It warns and does nothing before a successful calibration or
// outside the idle state.
func (s *Session) StartRecording(message string) {
	s.startRecording(message, true)
}

// StartMeasurement starts sample collection without touching the data file,
// for clients that only poll getEyePosition.
func (s *Session) StartMeasurement() {
	s.startRecording("", false)
}

func (s *Session) startRecording(message string, toFile bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cal.Calibrated {
		monitoring.Logf("warning: startRecording is called before calibration")
		return
	}
	if s.state != StateIdle {
		monitoring.Logf("warning: startRecording ignored in state %s", s.state)
		return
	}
	start := s.now()
	if toFile && s.file != nil {
		s.file.StartRecording(start, message, s.cal)
		monitoring.Logf("StartRecording %s", message)
	} else if toFile {
		monitoring.Logf("StartRecording (no file) %s", message)
	} else {
		monitoring.Logf("StartMeasurement")
	}
	s.resetRing()
	s.msg = s.msg[:0]
	s.state = StateRecording
	s.recordingToFile = toFile
	s.showCalResult = false
	if toFile {
		// Camera preview is disabled while recording to keep the frame loop
		// lean.
		s.engine.Rendering = false
	}
	s.recStart = start
	if s.sink != nil && toFile {
		s.sink.RecordingStarted(start, message)
	}
}

// StopRecording flushes the ring and messages, writes the trailing #STOP_REC
// and returns to idle.
func (s *Session) StopRecording(message string) {
	s.stopRecording(message, true)
}

// StopMeasurement ends a measurement run.
func (s *Session) StopMeasurement() {
	s.stopRecording("", false)
}

func (s *Session) stopRecording(message string, toFile bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRecording {
		monitoring.Logf("warning: stopRecording is called before starting")
		return
	}
	if toFile && s.recordingToFile && s.file != nil {
		s.file.WriteSamples(s.rows(), s.cal)
		if len(s.msg) > 0 {
			s.file.WriteMessages(s.msg)
		}
		s.file.StopRecording(s.now().Sub(s.recStart).Seconds()*1000, message)
		monitoring.Logf("StopRecording %s", message)
	} else {
		monitoring.Logf("StopRecording (no file) %s", message)
	}
	s.state = StateIdle
	s.engine.Rendering = true
	if s.sink != nil && toFile && s.recordingToFile {
		s.sink.RecordingStopped(s.now(), message, s.count)
	}
}

// InsertMessage stamps the message with the delay-corrected recording clock
// and appends it to the message ring, flushing eagerly when the ring is
// nearly full.
func (s *Session) InsertMessage(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctd := s.now().Sub(s.recStart).Seconds()*1000 + s.cfg.DelayCorrection
	s.msg = append(s.msg, fmt.Sprintf("#MESSAGE,%.3f,%s\n", ctd, text)...)
	if MaxMessage-len(s.msg) < messageLowWater {
		if s.file != nil {
			s.file.WriteMessages(s.msg)
			s.file.OverflowMessages(ctd)
		} else {
			monitoring.Logf("warning: message buffer overflow with no data file; messages dropped")
		}
		s.msg = s.msg[:0]
	}
}

// InsertSettings echoes client-provided settings lines into the data file.
func (s *Session) InsertSettings(settings string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return
	}
	s.file.WriteSettings(settings)
}

// MessageBuffer returns a copy of the buffered messages.
func (s *Session) MessageBuffer() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.msg...)
}

// ConnectionClosed ends whatever the lost client had in progress: recording
// stops cleanly, an unfinished calibration or validation is discarded.
func (s *Session) ConnectionClosed() {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	switch st {
	case StateRecording:
		s.StopRecording("ConnectionClosed")
	case StateCalibrating, StateValidating:
		s.mu.Lock()
		s.state = StateIdle
		s.cal.Start(0, 0, 0, 0, true)
		s.mu.Unlock()
		monitoring.Logf("calibration aborted: connection closed")
	}
}

// EyePosition returns the current gaze position, optionally smoothed by a
// moving average over the valid samples among the last n ring entries. The
// reply layout is
// [x, y, pupil] monocular and [lx, ly, rx, ry, lp, rp] binocular.
func (s *Session) EyePosition(n int) []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.Binocular() {
		return s.eyePositionBin(n)
	}
	return s.eyePositionMono(n)
}

func (s *Session) eyePositionMono(n int) []float64 {
	if n <= 1 {
		return []float64{s.current[0], s.current[1], s.currentPupil[0]}
	}
	var sx, sy, sp float64
	valid := 0
	for i := 0; i < n; i++ {
		idx := s.count - 1 - i
		if idx < 0 {
			break
		}
		if IsErrorTag(s.eye[idx][0]) {
			continue
		}
		gx, gy := s.cal.GazeMono(s.eye[idx][0], s.eye[idx][1])
		sx += gx
		sy += gy
		sp += s.pupil[idx][0]
		valid++
	}
	if valid == 0 {
		return []float64{TagNaNMovingAverage, TagNaNMovingAverage, TagNaNMovingAverage}
	}
	return []float64{sx / float64(valid), sy / float64(valid), sp / float64(valid)}
}

func (s *Session) eyePositionBin(n int) []float64 {
	if n <= 1 {
		return []float64{s.current[0], s.current[1], s.current[2], s.current[3], s.currentPupil[0], s.currentPupil[1]}
	}
	var sum [6]float64
	var nl, nr int
	for i := 0; i < n; i++ {
		idx := s.count - 1 - i
		if idx < 0 {
			break
		}
		g := s.cal.GazeBin(s.eye[idx])
		if !IsErrorTag(s.eye[idx][0]) {
			sum[0] += g[0]
			sum[1] += g[1]
			sum[4] += s.pupil[idx][0]
			nl++
		}
		if !IsErrorTag(s.eye[idx][2]) {
			sum[2] += g[2]
			sum[3] += g[3]
			sum[5] += s.pupil[idx][1]
			nr++
		}
	}
	out := make([]float64, 6)
	if nl > 0 {
		out[0], out[1], out[4] = sum[0]/float64(nl), sum[1]/float64(nl), sum[4]/float64(nl)
	} else {
		out[0], out[1], out[4] = TagNaNMovingAverage, TagNaNMovingAverage, TagNaNMovingAverage
	}
	if nr > 0 {
		out[2], out[3], out[5] = sum[2]/float64(nr), sum[3]/float64(nr), sum[5]/float64(nr)
	} else {
		out[2], out[3], out[5] = TagNaNMovingAverage, TagNaNMovingAverage, TagNaNMovingAverage
	}
	return out
}

// positionRow builds one list entry for the ring slot: timestamp, projected
// gaze (error tags pass through) and optionally pupil size.
func (s *Session) positionRow(idx int, withPupil bool) []float64 {
	if s.cfg.Binocular() {
		row := []float64{s.tick[idx], 0, 0, 0, 0}
		g := s.cal.GazeBin(s.eye[idx])
		copy(row[1:], g[:])
		if IsErrorTag(s.eye[idx][0]) {
			row[1] = s.eye[idx][0]
			row[2] = s.eye[idx][1]
		}
		if IsErrorTag(s.eye[idx][2]) {
			row[3] = s.eye[idx][2]
			row[4] = s.eye[idx][3]
		}
		if withPupil {
			row = append(row, s.pupil[idx][0], s.pupil[idx][1])
		}
		return row
	}
	row := make([]float64, 3, 4)
	row[0] = s.tick[idx]
	if IsErrorTag(s.eye[idx][0]) {
		row[1] = s.eye[idx][0]
		row[2] = s.eye[idx][1]
	} else {
		row[1], row[2] = s.cal.GazeMono(s.eye[idx][0], s.eye[idx][1])
	}
	if withPupil {
		row = append(row, s.pupil[idx][0])
	}
	return row
}

// EyePositionList returns up to n ring entries newest-first. A negative n
// limits the walk to entries not yet delivered by a previous call.
func (s *Session) EyePositionList(n int, withPupil bool) [][]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	newOnly := false
	if n < 0 {
		newOnly = true
		n = -n
	}
	var rows [][]float64
	for off := 0; off < n; off++ {
		idx := s.count - 1 - off
		if idx < 0 || (newOnly && idx <= s.lastSent) {
			break
		}
		rows = append(rows, s.positionRow(idx, withPupil))
	}
	s.lastSent = s.count - 1
	return rows
}

// WholeEyePositionList returns every ring entry oldest-first.
func (s *Session) WholeEyePositionList(withPupil bool) [][]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := make([][]float64, 0, s.count)
	for idx := 0; idx < s.count; idx++ {
		rows = append(rows, s.positionRow(idx, withPupil))
	}
	return rows
}

// CalResults returns the mean/max error summary; binocular mode appends the
// right-eye pair.
func (s *Session) CalResults() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	mean, max := s.cal.Results()
	if s.cfg.Binocular() {
		return []float64{mean[0], max[0], mean[1], max[1]}
	}
	return []float64{mean[0], max[0]}
}

// CalResultsDetail returns the per-sample target/gaze pair listing.
func (s *Session) CalResultsDetail() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cal.ResultsDetail()
}

// SaveCameraImage encodes the current preview frame as PNG under dir.
func (s *Session) SaveCameraImage(dir, name string) error {
	s.mu.Lock()
	img := image.NewRGBA(s.buf.Preview.Bounds())
	copy(img.Pix, s.buf.Preview.Pix)
	s.mu.Unlock()

	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return fmt.Errorf("failed to save camera image: %w", err)
	}
	defer f.Close()
	return png.Encode(f, img)
}

// BuffersRef exposes the shared buffers; callers serialise access through
// Locked.
func (s *Session) BuffersRef() *Buffers { return s.buf }

// CalPlotSnapshot copies the calibration-plot buffer.
func (s *Session) CalPlotSnapshot() *image.RGBA {
	s.mu.Lock()
	defer s.mu.Unlock()
	img := image.NewRGBA(s.buf.CalPlot.Bounds())
	copy(img.Pix, s.buf.CalPlot.Pix)
	return img
}

// PreviewSnapshot copies the preview frame for the monitor surface.
func (s *Session) PreviewSnapshot() *image.RGBA {
	s.mu.Lock()
	defer s.mu.Unlock()
	img := image.NewRGBA(s.buf.Preview.Bounds())
	copy(img.Pix, s.buf.Preview.Pix)
	return img
}

// SendImage packs the preview ROI for the getImageData reply.
func (s *Session) SendImage() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.SendImage(s.cfg.Threshold)
}

// AllowRendering re-enables the preview overlay.
func (s *Session) AllowRendering() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRecording {
		s.engine.Rendering = true
	}
}

// InhibitRendering disables the preview overlay.
func (s *Session) InhibitRendering() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engine.Rendering = false
}

// Snapshot returns the monitor counters.
func (s *Session) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		State:        s.state.String(),
		Frames:       s.frames,
		DetectErrors: s.detectErrors,
		Samples:      s.count,
		Overflows:    s.overflows,
		Calibrated:   s.cal.Calibrated,
		FileOpen:     s.file != nil,
		RecentArea:   append([]float64(nil), s.recentArea...),
	}
}

// SetCameraMeta declares whether the capture driver supplies a per-frame
// metadata word worth logging; it controls the ",C" data-file column.
func (s *Session) SetCameraMeta(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cameraMeta = on
}

// Locked runs fn under the session lock. The control protocol uses it to make
// parameter edits atomic with respect to the frame loop.
func (s *Session) Locked(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
}

// SetClock replaces the monotonic clock source, for tests.
func (s *Session) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetRingCapacity shrinks the gaze ring, for tests exercising overflow.
func (s *Session) SetRingCapacity(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxData = n
}
