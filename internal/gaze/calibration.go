package gaze

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Calibration capacities: sample storage for one run, registered target
// points, and the per-point collection cap.
const (
	MaxCalData            = 7200
	MaxCalPoints          = 60
	MaxCalSamplesPerPoint = MaxCalData / MaxCalPoints
)

// Eye delta slot indices within a calibration sample. Monocular data uses the
// left pair only.
const (
	calLX = 0
	calLY = 1
	calRX = 2
	calRY = 3
)

// CalPoint is a registered calibration target position.
type CalPoint struct {
	X, Y float64
}

// calSample is one collected frame: the target shown and the pupil-Purkinje
// deltas (per eye in binocular mode, error tags where an eye was absent).
type calSample struct {
	target CalPoint
	eye    [4]float64
	pupil  [2]float64
}

// pointError carries the per-point accuracy (mean signed residual) and
// precision (residual standard deviation) for each axis of each eye. The
// sentinel TagNoCalibration fills every slot of a point that collected no
// valid samples.
type pointError struct {
	Accuracy  [4]float64
	Precision [4]float64
}

// Calibration owns the sample buffer, the fitted affine parameters and the
// result summaries. The most recently committed calibration is also retained
// as the "last calibration" snapshot written to each data-file header.
type Calibration struct {
	binocular      bool
	frameW, frameH int

	Area [4]float64 // x1,y1,x2,y2 of the calibration rectangle

	points  []CalPoint
	samples []calSample

	current     CalPoint
	samplesLeft int

	// Affine coefficients: screen = P[0]*dx + P[1]*dy + P[2], with the right
	// eye in slots 3..5 for binocular mode.
	ParamX [6]float64
	ParamY [6]float64

	Calibrated bool

	goodness  [4]float64
	maxError  [2]float64
	meanError [2]float64

	pointErrors []pointError

	// Last committed calibration, preserved across recording starts.
	LastPoints      []CalPoint
	LastPointErrors []pointError
}

// NewCalibration creates an estimator for the given mode and camera frame
// size (the goodness diagnostic normalises by the frame dimensions).
func NewCalibration(binocular bool, frameW, frameH int) *Calibration {
	return &Calibration{binocular: binocular, frameW: frameW, frameH: frameH}
}

// Start begins a calibration run over the given screen rectangle. When clear
// is true previously collected samples and targets are discarded.
func (c *Calibration) Start(x1, y1, x2, y2 int, clear bool) {
	c.Area = [4]float64{float64(x1), float64(y1), float64(x2), float64(y2)}
	if clear {
		c.points = c.points[:0]
		c.samples = c.samples[:0]
	}
	c.samplesLeft = 0
}

// AddTarget registers the next target point and arms collection of n frames
// there. n is clamped to [1, MaxCalSamplesPerPoint]; once MaxCalPoints targets
// are registered the point list restarts from empty (Session.GetCalSample logs
// the warning).
func (c *Calibration) AddTarget(x, y float64, n int) {
	if n < 1 {
		n = 1
	}
	if n > MaxCalSamplesPerPoint {
		n = MaxCalSamplesPerPoint
	}
	if len(c.points) >= MaxCalPoints {
		c.points = c.points[:0]
	}
	c.current = CalPoint{X: x, Y: y}
	c.points = append(c.points, c.current)
	c.samplesLeft = n
}

// Collecting reports whether frames are still wanted at the current target.
func (c *Calibration) Collecting() bool { return c.samplesLeft > 0 }

// Collect stores one valid detection against the current target. The caller
// guarantees at least one eye is valid; absent eyes carry their error tag in
// the delta slots.
func (c *Calibration) Collect(eye [4]float64, pupil [2]float64) {
	if c.samplesLeft <= 0 {
		return
	}
	if len(c.samples) >= MaxCalData {
		c.samples = c.samples[:0]
	}
	c.samples = append(c.samples, calSample{target: c.current, eye: eye, pupil: pupil})
	c.samplesLeft--
}

// SampleCount returns the number of collected samples.
func (c *Calibration) SampleCount() int { return len(c.samples) }

// End fits the affine parameters on the collected samples, computes the
// result summaries and commits the run as the last calibration.
func (c *Calibration) End() {
	if c.binocular {
		c.fitEye(calLX, 0)
		c.fitEye(calRX, 3)
	} else {
		c.fitEye(calLX, 0)
	}
	c.summarize()
	c.pointErrorStats()

	c.LastPoints = append([]CalPoint(nil), c.points...)
	c.LastPointErrors = append([]pointError(nil), c.pointErrors...)
	c.Calibrated = true
}

// EndValidation recomputes the mean/max summary against the current
// parameters without refitting.
func (c *Calibration) EndValidation() {
	c.summarize()
}

// fitEye solves P = argmin ||M*P - target|| over the samples where the eye at
// slot eyeIdx is valid. M rows are [dx, dy, 1]. With no valid rows the
// existing parameters are left unchanged.
func (c *Calibration) fitEye(eyeIdx, paramIdx int) {
	var rows [][3]float64
	var tx, ty []float64
	for _, s := range c.samples {
		if IsErrorTag(s.eye[eyeIdx]) {
			continue
		}
		rows = append(rows, [3]float64{s.eye[eyeIdx], s.eye[eyeIdx+1], 1})
		tx = append(tx, s.target.X)
		ty = append(ty, s.target.Y)
	}
	if len(rows) == 0 {
		return
	}

	m := mat.NewDense(len(rows), 3, nil)
	for i, r := range rows {
		m.SetRow(i, r[:])
	}
	var px, py mat.VecDense
	if err := px.SolveVec(m, mat.NewVecDense(len(tx), tx)); err != nil {
		return
	}
	if err := py.SolveVec(m, mat.NewVecDense(len(ty), ty)); err != nil {
		return
	}
	for i := 0; i < 3; i++ {
		c.ParamX[paramIdx+i] = px.AtVec(i)
		c.ParamY[paramIdx+i] = py.AtVec(i)
	}
}

// GazeMono maps a monocular delta pair to screen coordinates.
func (c *Calibration) GazeMono(dx, dy float64) (float64, float64) {
	return c.ParamX[0]*dx + c.ParamX[1]*dy + c.ParamX[2],
		c.ParamY[0]*dx + c.ParamY[1]*dy + c.ParamY[2]
}

// GazeBin maps binocular deltas [lx,ly,rx,ry] to per-eye screen coordinates.
func (c *Calibration) GazeBin(d [4]float64) [4]float64 {
	return [4]float64{
		c.ParamX[0]*d[0] + c.ParamX[1]*d[1] + c.ParamX[2],
		c.ParamY[0]*d[0] + c.ParamY[1]*d[1] + c.ParamY[2],
		c.ParamX[3]*d[2] + c.ParamX[4]*d[3] + c.ParamX[5],
		c.ParamY[3]*d[2] + c.ParamY[4]*d[3] + c.ParamY[5],
	}
}

// summarize computes mean and maximum Euclidean error and the goodness scale
// diagnostic for each eye over the valid samples.
func (c *Calibration) summarize() {
	eyes := 1
	if c.binocular {
		eyes = 2
	}
	for eye := 0; eye < eyes; eye++ {
		var errs []float64
		for _, s := range c.samples {
			if IsErrorTag(s.eye[2*eye]) {
				continue
			}
			var gx, gy float64
			if c.binocular {
				g := c.GazeBin(s.eye)
				gx, gy = g[2*eye], g[2*eye+1]
			} else {
				gx, gy = c.GazeMono(s.eye[0], s.eye[1])
			}
			errs = append(errs, math.Hypot(gx-s.target.X, gy-s.target.Y))
		}
		c.meanError[eye] = 0
		c.maxError[eye] = 0
		if len(errs) > 0 {
			c.meanError[eye] = stat.Mean(errs, nil)
			for _, v := range errs {
				if v > c.maxError[eye] {
					c.maxError[eye] = v
				}
			}
		}
		p := 3 * eye
		c.goodness[2*eye] = 100 * (math.Abs(c.ParamX[p]) + math.Abs(c.ParamX[p+1])) / (2 * float64(c.frameW))
		c.goodness[2*eye+1] = 100 * (math.Abs(c.ParamY[p]) + math.Abs(c.ParamY[p+1])) / (2 * float64(c.frameH))
	}
}

// pointErrorStats accumulates the signed per-axis residuals of each
// registered target and reduces them to accuracy (mean) and precision
// (standard deviation, unbiased). Points with no valid samples store the
// no-data sentinel in every slot.
func (c *Calibration) pointErrorStats() {
	c.pointErrors = make([]pointError, len(c.points))
	eyes := 1
	if c.binocular {
		eyes = 2
	}
	for pi, pt := range c.points {
		for eye := 0; eye < eyes; eye++ {
			var rx, ry []float64
			for _, s := range c.samples {
				if s.target != pt || IsErrorTag(s.eye[2*eye]) {
					continue
				}
				var gx, gy float64
				if c.binocular {
					g := c.GazeBin(s.eye)
					gx, gy = g[2*eye], g[2*eye+1]
				} else {
					gx, gy = c.GazeMono(s.eye[0], s.eye[1])
				}
				rx = append(rx, gx-pt.X)
				ry = append(ry, gy-pt.Y)
			}
			if len(rx) == 0 {
				c.pointErrors[pi].Accuracy[2*eye] = TagNoCalibration
				c.pointErrors[pi].Accuracy[2*eye+1] = TagNoCalibration
				c.pointErrors[pi].Precision[2*eye] = TagNoCalibration
				c.pointErrors[pi].Precision[2*eye+1] = TagNoCalibration
				continue
			}
			c.pointErrors[pi].Accuracy[2*eye] = stat.Mean(rx, nil)
			c.pointErrors[pi].Accuracy[2*eye+1] = stat.Mean(ry, nil)
			c.pointErrors[pi].Precision[2*eye] = sampleStdDev(rx)
			c.pointErrors[pi].Precision[2*eye+1] = sampleStdDev(ry)
		}
	}
}

// sampleStdDev is the unbiased standard deviation, zero for a single sample.
func sampleStdDev(v []float64) float64 {
	if len(v) < 2 {
		return 0
	}
	return stat.StdDev(v, nil)
}

// Results returns the mean and max error summary for the getCalResults reply:
// mean,max in monocular mode, meanL,maxL,meanR,maxR in binocular mode.
func (c *Calibration) Results() (mean, max [2]float64) {
	return c.meanError, c.maxError
}

// Goodness returns the per-axis scale diagnostic.
func (c *Calibration) Goodness() [4]float64 { return c.goodness }

// ResultsDetail builds the getCalResultsDetail reply: target and predicted
// gaze for every collected sample, comma separated.
func (c *Calibration) ResultsDetail() string {
	var sb strings.Builder
	for _, s := range c.samples {
		if c.binocular {
			g := c.GazeBin(s.eye)
			fmt.Fprintf(&sb, "%.0f,%.0f,%.0f,%.0f,%.0f,%.0f,", s.target.X, s.target.Y, g[0], g[1], g[2], g[3])
		} else {
			gx, gy := c.GazeMono(s.eye[0], s.eye[1])
			fmt.Fprintf(&sb, "%.0f,%.0f,%.0f,%.0f,", s.target.X, s.target.Y, gx, gy)
		}
	}
	return strings.TrimSuffix(sb.String(), ",")
}

// DeleteSubset removes every collected sample whose target matches one of the
// given points and drops the points from the target list. The caller refits
// afterwards.
func (c *Calibration) DeleteSubset(points []CalPoint) {
	for _, del := range points {
		kept := c.samples[:0]
		for _, s := range c.samples {
			if s.target != del {
				kept = append(kept, s)
			}
		}
		c.samples = kept

		keptPts := c.points[:0]
		for _, p := range c.points {
			if p != del {
				keptPts = append(keptPts, p)
			}
		}
		c.points = keptPts
	}
}

// Points returns the registered target list of the current run.
func (c *Calibration) Points() []CalPoint { return c.points }
