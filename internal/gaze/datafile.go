package gaze

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/opengaze/gazetrack/internal/fsutil"
	"github.com/opengaze/gazetrack/internal/monitoring"
)

// Version is written to every data-file header.
const Version = "0.12.0"

// DataFile is the append-only textual record of one tracking session. All
// numeric fields are ASCII; the writer flushes at open, at stopRecording, at
// close and after every overflow marker so a crash loses at most the samples
// still in the ring.
type DataFile struct {
	f *os.File
	w *bufio.Writer

	binocular  bool
	pupilSize  bool
	usbFormat  string // empty when no I/O board is logging
	cameraMeta bool
}

// OpenDataFile creates dir/name and writes the format header. With
// overwrite disabled an existing file is first renamed to a non-colliding
// sibling.
func OpenDataFile(dir, name string, overwrite bool, binocular, pupilSize bool, usbFormat string, cameraMeta bool) (*DataFile, error) {
	path := filepath.Join(dir, name)
	if !overwrite {
		renamed, err := fsutil.RenameNonColliding(path)
		if err != nil {
			return nil, err
		}
		if renamed != "" {
			monitoring.Logf("existing data file moved to %s", renamed)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open data file: %w", err)
	}
	d := &DataFile{
		f:          f,
		w:          bufio.NewWriter(f),
		binocular:  binocular,
		pupilSize:  pupilSize,
		usbFormat:  usbFormat,
		cameraMeta: cameraMeta,
	}
	d.writeHeader()
	return d, d.Flush()
}

func (d *DataFile) writeHeader() {
	fmt.Fprintf(d.w, "#SimpleGazeTrackerDataFile\n#TRACKER_VERSION,%s\n", Version)
	fmt.Fprintf(d.w, "#DATAFORMAT,T,")
	if d.binocular {
		if d.pupilSize {
			fmt.Fprintf(d.w, "LX,LY,RX,RY,LP,RP")
		} else {
			fmt.Fprintf(d.w, "LX,LY,RX,RY")
		}
	} else {
		if d.pupilSize {
			fmt.Fprintf(d.w, "X,Y,P")
		} else {
			fmt.Fprintf(d.w, "X,Y")
		}
	}
	if d.usbFormat != "" {
		fmt.Fprintf(d.w, ",USBIO;%s", d.usbFormat)
	}
	if d.cameraMeta {
		fmt.Fprintf(d.w, ",C")
	}
	fmt.Fprintf(d.w, "\n")
}

// StartRecording writes the #START_REC block: wall-clock stamp, the optional
// start message, the affine parameters and one #CALPOINT line per last-
// calibration target with its accuracy and precision.
func (d *DataFile) StartRecording(t time.Time, message string, cal *Calibration) {
	fmt.Fprintf(d.w, "#START_REC,%d,%d,%d,%d,%d,%d\n",
		t.Year(), int(t.Month()), t.Day(), t.Hour(), t.Minute(), t.Second())
	if message != "" {
		fmt.Fprintf(d.w, "#MESSAGE,0,%s\n", message)
	}
	if d.binocular {
		fmt.Fprintf(d.w, "#XPARAM,%f,%f,%f,%f,%f,%f\n",
			cal.ParamX[0], cal.ParamX[1], cal.ParamX[2], cal.ParamX[3], cal.ParamX[4], cal.ParamX[5])
		fmt.Fprintf(d.w, "#YPARAM,%f,%f,%f,%f,%f,%f\n",
			cal.ParamY[0], cal.ParamY[1], cal.ParamY[2], cal.ParamY[3], cal.ParamY[4], cal.ParamY[5])
	} else {
		fmt.Fprintf(d.w, "#XPARAM,%f,%f,%f\n", cal.ParamX[0], cal.ParamX[1], cal.ParamX[2])
		fmt.Fprintf(d.w, "#YPARAM,%f,%f,%f\n", cal.ParamY[0], cal.ParamY[1], cal.ParamY[2])
	}
	for i, p := range cal.LastPoints {
		fmt.Fprintf(d.w, "#CALPOINT,%f,%f", p.X, p.Y)
		pe := cal.LastPointErrors[i]
		if d.binocular {
			d.calPointPair(pe.Accuracy[0], pe.Accuracy[1])
			d.calPointPair(pe.Accuracy[2], pe.Accuracy[3])
			d.calPointPair(pe.Precision[0], pe.Precision[1])
			d.calPointPair(pe.Precision[2], pe.Precision[3])
		} else {
			d.calPointPair(pe.Accuracy[0], pe.Accuracy[1])
			d.calPointPair(pe.Precision[0], pe.Precision[1])
		}
		fmt.Fprintf(d.w, "\n")
	}
}

// calPointPair writes one accuracy or precision pair, substituting the
// no-data sentinel string.
func (d *DataFile) calPointPair(x, y float64) {
	if x == TagNoCalibration {
		fmt.Fprintf(d.w, ",NO_CALIBRATION_DATA,NO_CALIBRATION_DATA")
		return
	}
	fmt.Fprintf(d.w, ",%f,%f", x, y)
}

// sampleRow is the projection of one ring slot handed to the writer.
type sampleRow struct {
	Tick    float64
	Eye     [4]float64
	Pupil   [2]float64
	USBIO   string
	CamMeta uint32
}

// writeEye writes the gaze X,Y columns of one eye or the doubled mnemonic for
// an error frame.
func (d *DataFile) writeEye(delta float64, gx, gy float64) {
	if IsErrorTag(delta) {
		tag := TagString(delta)
		fmt.Fprintf(d.w, "%s,%s", tag, tag)
		return
	}
	fmt.Fprintf(d.w, "%.1f,%.1f", gx, gy)
}

// WriteSamples appends one row per ring slot, projecting deltas to screen
// coordinates through the current calibration.
func (d *DataFile) WriteSamples(rows []sampleRow, cal *Calibration) {
	for i := range rows {
		r := &rows[i]
		fmt.Fprintf(d.w, "%.3f,", r.Tick)
		if d.binocular {
			g := cal.GazeBin(r.Eye)
			d.writeEye(r.Eye[0], g[0], g[1])
			fmt.Fprintf(d.w, ",")
			d.writeEye(r.Eye[2], g[2], g[3])
			if d.pupilSize {
				d.writePupil(r.Eye[0], r.Pupil[0])
				d.writePupil(r.Eye[2], r.Pupil[1])
			}
		} else {
			gx, gy := cal.GazeMono(r.Eye[0], r.Eye[1])
			d.writeEye(r.Eye[0], gx, gy)
			if d.pupilSize {
				d.writePupil(r.Eye[0], r.Pupil[0])
			}
		}
		if d.usbFormat != "" {
			fmt.Fprintf(d.w, ",%s", r.USBIO)
		}
		if d.cameraMeta {
			fmt.Fprintf(d.w, ",%d", r.CamMeta)
		}
		fmt.Fprintf(d.w, "\n")
	}
	if err := d.Flush(); err != nil {
		monitoring.Logf("data file flush failed: %v", err)
	}
}

func (d *DataFile) writePupil(delta, size float64) {
	if IsErrorTag(delta) {
		fmt.Fprintf(d.w, ",FAIL")
		return
	}
	fmt.Fprintf(d.w, ",%.1f", size)
}

// OverflowGazeData marks a forced ring flush at t milliseconds into the
// recording.
func (d *DataFile) OverflowGazeData(t float64) {
	fmt.Fprintf(d.w, "#OVERFLOW_FLUSH_GAZEDATA,%.3f\n", t)
	if err := d.Flush(); err != nil {
		monitoring.Logf("data file flush failed: %v", err)
	}
}

// WriteMessages appends the buffered message block verbatim.
func (d *DataFile) WriteMessages(buf []byte) {
	d.w.Write(buf)
}

// OverflowMessages marks an eager message-ring flush.
func (d *DataFile) OverflowMessages(t float64) {
	fmt.Fprintf(d.w, "#OVERFLOW_FLUSH_MESSAGES,%.3f\n", t)
	if err := d.Flush(); err != nil {
		monitoring.Logf("data file flush failed: %v", err)
	}
}

// StopRecording writes the optional trailing message and the #STOP_REC
// terminator, then flushes.
func (d *DataFile) StopRecording(t float64, message string) {
	if message != "" {
		fmt.Fprintf(d.w, "#MESSAGE,%.3f,%s\n", t, message)
	}
	fmt.Fprintf(d.w, "#STOP_REC\n")
	if err := d.Flush(); err != nil {
		monitoring.Logf("data file flush failed: %v", err)
	}
}

// Detail block types for WriteCalDetail.
const (
	DetailCalibration = 0
	DetailValidation  = 1
)

// WriteCalDetail dumps every collected calibration or validation sample as a
// #CALDATA block for offline inspection.
func (d *DataFile) WriteCalDetail(t time.Time, kind int, cal *Calibration) {
	openTag, closeTag := "#START_DETAIL_CALDATA", "#END_DETAIL_CALDATA"
	if kind == DetailValidation {
		openTag, closeTag = "#START_DETAIL_VALDATA", "#END_DETAIL_VALDATA"
	}
	fmt.Fprintf(d.w, "%s,%d,%d,%d,%d,%d,%d\n", openTag,
		t.Year(), int(t.Month()), t.Day(), t.Hour(), t.Minute(), t.Second())
	for _, s := range cal.samples {
		if d.binocular {
			g := cal.GazeBin(s.eye)
			fmt.Fprintf(d.w, "#CALDATA,%.1f,%.1f,%.2f,%.2f,%.2f,%.2f,%.2f,%.2f,%.2f,%.2f",
				s.target.X, s.target.Y, s.eye[0], s.eye[1], s.eye[2], s.eye[3], g[0], g[1], g[2], g[3])
			if d.pupilSize {
				fmt.Fprintf(d.w, ",%.2f,%.2f", s.pupil[0], s.pupil[1])
			}
		} else {
			gx, gy := cal.GazeMono(s.eye[0], s.eye[1])
			fmt.Fprintf(d.w, "#CALDATA,%.1f,%.1f,%.2f,%.2f,%.2f,%.2f",
				s.target.X, s.target.Y, s.eye[0], s.eye[1], gx, gy)
			if d.pupilSize {
				fmt.Fprintf(d.w, ",%.2f", s.pupil[0])
			}
		}
		fmt.Fprintf(d.w, "\n")
	}
	fmt.Fprintf(d.w, "%s\n", closeTag)
	if err := d.Flush(); err != nil {
		monitoring.Logf("data file flush failed: %v", err)
	}
}

// WriteSettings echoes '/'-separated client settings, one per line.
func (d *DataFile) WriteSettings(settings string) {
	start := 0
	for i := 0; i <= len(settings); i++ {
		if i == len(settings) || settings[i] == '/' {
			fmt.Fprintf(d.w, "%s\n", settings[start:i])
			start = i + 1
		}
	}
	if err := d.Flush(); err != nil {
		monitoring.Logf("data file flush failed: %v", err)
	}
}

// Flush commits buffered rows to the operating system.
func (d *DataFile) Flush() error {
	return d.w.Flush()
}

// Close flushes and closes the file.
func (d *DataFile) Close() error {
	if err := d.w.Flush(); err != nil {
		d.f.Close()
		return err
	}
	return d.f.Close()
}

// Path returns the file path for logging.
func (d *DataFile) Path() string { return d.f.Name() }
