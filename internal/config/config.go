// Package config holds the tracker parameter store: a typed, validated set of
// detection and recording parameters loaded from a sectioned key=value file.
// All fields are live-editable at runtime through the adjustment menu and the
// insertSettings command; writes take effect on the next frame.
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Section headers recognised in the configuration file. Keys outside a known
// section are ignored.
const (
	commonSection = "[SimpleGazeTrackerCommon]"
	cameraSection = "[SimpleGazeTrackerCamera]"
)

// DefaultConfigName is the configuration file used when -config is not given.
const DefaultConfigName = "gazetrack.cfg"

// Recording modes.
const (
	Monocular = 0
	Binocular = 1
)

// Config is the parameter store. The zero value is not usable; construct with
// Default() or Load().
type Config struct {
	// Pupil/Purkinje detection.
	Threshold           int // pupil darkness threshold
	MaxPupilWidth       int // percent of ROI width
	MinPupilWidth       int // percent of ROI width
	PurkinjeThreshold   int
	PurkinjeSearchArea  int
	PurkinjeExcludeArea int
	MorphTrans          int // >1 closing, <-1 opening, else none

	// Geometry.
	RecordingMode int // Monocular or Binocular
	CameraWidth   int
	CameraHeight  int
	PreviewWidth  int
	PreviewHeight int
	ROIWidth      int // 0 means CameraWidth
	ROIHeight     int // 0 means CameraHeight

	// Behaviour.
	ShowDetectionErrorMsg int
	PortSend              int
	PortRecv              int
	DelayCorrection       float64 // milliseconds added to message timestamps
	OutputPupilSize       int

	// USB analog/digital I/O board (optional collaborator).
	USBIOBoard string
	USBIOAD    string
	USBIODI    string

	// Camera section, forwarded verbatim to the capture driver.
	Camera map[string]string
}

// Default returns a Config with the stock parameter values.
func Default() *Config {
	return &Config{
		Threshold:             55,
		MaxPupilWidth:         30,
		MinPupilWidth:         10,
		PurkinjeThreshold:     240,
		PurkinjeSearchArea:    60,
		PurkinjeExcludeArea:   20,
		MorphTrans:            0,
		RecordingMode:         Monocular,
		CameraWidth:           640,
		CameraHeight:          480,
		PreviewWidth:          640,
		PreviewHeight:         480,
		ShowDetectionErrorMsg: 0,
		PortSend:              10001,
		PortRecv:              10000,
		OutputPupilSize:       1,
		Camera:                map[string]string{},
	}
}

// Load reads and validates a configuration file. Fields omitted from the file
// keep their defaults, so partial configs are safe.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	cfg := Default()
	if err := cfg.parse(f); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) parse(r io.Reader) error {
	scan := bufio.NewScanner(r)
	inCommon, inCamera := false, false
	for scan.Scan() {
		line := strings.TrimSpace(scan.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			inCommon = line == commonSection
			inCamera = line == cameraSection
			continue
		}
		if !inCommon && !inCamera {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if inCamera {
			c.Camera[key] = value
			continue
		}
		if err := c.Set(key, value); err != nil {
			return err
		}
	}
	return scan.Err()
}

// Set assigns one common-section parameter by its file key. It is also the
// entry point for runtime edits arriving over the control protocol.
func (c *Config) Set(key, value string) error {
	atoi := func() (int, error) {
		n, err := strconv.Atoi(value)
		if err != nil {
			return 0, fmt.Errorf("option %s: %q is not an integer", key, value)
		}
		return n, nil
	}
	var err error
	switch key {
	case "THRESHOLD":
		c.Threshold, err = atoi()
	case "MAX_PUPIL_WIDTH":
		c.MaxPupilWidth, err = atoi()
	case "MIN_PUPIL_WIDTH":
		c.MinPupilWidth, err = atoi()
	case "PURKINJE_THRESHOLD":
		c.PurkinjeThreshold, err = atoi()
	case "PURKINJE_SEARCHAREA":
		c.PurkinjeSearchArea, err = atoi()
	case "PURKINJE_EXCLUDEAREA":
		c.PurkinjeExcludeArea, err = atoi()
	case "MORPH_TRANS":
		c.MorphTrans, err = atoi()
	case "BINOCULAR":
		c.RecordingMode, err = atoi()
	case "CAMERA_WIDTH":
		c.CameraWidth, err = atoi()
	case "CAMERA_HEIGHT":
		c.CameraHeight, err = atoi()
	case "PREVIEW_WIDTH":
		c.PreviewWidth, err = atoi()
	case "PREVIEW_HEIGHT":
		c.PreviewHeight, err = atoi()
	case "ROI_WIDTH":
		c.ROIWidth, err = atoi()
	case "ROI_HEIGHT":
		c.ROIHeight, err = atoi()
	case "SHOW_DETECTIONERROR_MSG":
		c.ShowDetectionErrorMsg, err = atoi()
	case "PORT_SEND":
		c.PortSend, err = atoi()
	case "PORT_RECV":
		c.PortRecv, err = atoi()
	case "DELAY_CORRECTION":
		c.DelayCorrection, err = strconv.ParseFloat(value, 64)
		if err != nil {
			err = fmt.Errorf("option %s: %q is not a number", key, value)
		}
	case "OUTPUT_PUPILSIZE":
		c.OutputPupilSize, err = atoi()
	case "USBIO_BOARD":
		c.USBIOBoard = value
	case "USBIO_AD":
		c.USBIOAD = value
	case "USBIO_DI":
		c.USBIODI = value
	default:
		return fmt.Errorf("unknown option %q", key)
	}
	return err
}

// Validate checks the cross-field invariants. It must pass before buffers are
// sized from the geometry fields.
func (c *Config) Validate() error {
	if c.CameraWidth <= 0 || c.CameraHeight <= 0 {
		return fmt.Errorf("camera size must be positive, got %dx%d", c.CameraWidth, c.CameraHeight)
	}
	if c.PreviewWidth <= 0 || c.PreviewHeight <= 0 {
		return fmt.Errorf("preview size must be positive, got %dx%d", c.PreviewWidth, c.PreviewHeight)
	}
	if c.ROIWidth == 0 {
		c.ROIWidth = c.CameraWidth
	}
	if c.ROIHeight == 0 {
		c.ROIHeight = c.CameraHeight
	}
	if c.ROIWidth < 0 || c.ROIHeight < 0 || c.ROIWidth > c.CameraWidth || c.ROIHeight > c.CameraHeight {
		return fmt.Errorf("ROI %dx%d must fit in camera frame %dx%d", c.ROIWidth, c.ROIHeight, c.CameraWidth, c.CameraHeight)
	}
	if c.MinPupilWidth <= 0 || c.MinPupilWidth > 100 || c.MaxPupilWidth <= 0 || c.MaxPupilWidth > 100 {
		return fmt.Errorf("pupil width bounds must be in (0,100] percent, got %d..%d", c.MinPupilWidth, c.MaxPupilWidth)
	}
	if c.MinPupilWidth >= c.MaxPupilWidth {
		return fmt.Errorf("MIN_PUPIL_WIDTH (%d) must be smaller than MAX_PUPIL_WIDTH (%d)", c.MinPupilWidth, c.MaxPupilWidth)
	}
	if c.PurkinjeExcludeArea > c.PurkinjeSearchArea {
		return fmt.Errorf("PURKINJE_EXCLUDEAREA (%d) must not exceed PURKINJE_SEARCHAREA (%d)", c.PurkinjeExcludeArea, c.PurkinjeSearchArea)
	}
	if c.RecordingMode != Monocular && c.RecordingMode != Binocular {
		return fmt.Errorf("BINOCULAR must be 0 or 1, got %d", c.RecordingMode)
	}
	if c.PortSend <= 0 || c.PortRecv <= 0 {
		return fmt.Errorf("ports must be positive, got send=%d recv=%d", c.PortSend, c.PortRecv)
	}
	return nil
}

// Binocular reports whether the tracker runs in binocular mode.
func (c *Config) Binocular() bool { return c.RecordingMode == Binocular }

// UseUSBIO reports whether an analog/digital I/O board is configured.
func (c *Config) UseUSBIO() bool { return c.USBIOBoard != "" }

// Save writes the current parameter values back to w in the file format, so a
// session's hand-tuned thresholds survive a restart.
func (c *Config) Save(w io.Writer) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "%s\n", commonSection)
	fmt.Fprintf(bw, "THRESHOLD=%d\n", c.Threshold)
	fmt.Fprintf(bw, "MAX_PUPIL_WIDTH=%d\n", c.MaxPupilWidth)
	fmt.Fprintf(bw, "MIN_PUPIL_WIDTH=%d\n", c.MinPupilWidth)
	fmt.Fprintf(bw, "PURKINJE_THRESHOLD=%d\n", c.PurkinjeThreshold)
	fmt.Fprintf(bw, "PURKINJE_SEARCHAREA=%d\n", c.PurkinjeSearchArea)
	fmt.Fprintf(bw, "PURKINJE_EXCLUDEAREA=%d\n", c.PurkinjeExcludeArea)
	fmt.Fprintf(bw, "MORPH_TRANS=%d\n", c.MorphTrans)
	fmt.Fprintf(bw, "BINOCULAR=%d\n", c.RecordingMode)
	fmt.Fprintf(bw, "CAMERA_WIDTH=%d\n", c.CameraWidth)
	fmt.Fprintf(bw, "CAMERA_HEIGHT=%d\n", c.CameraHeight)
	fmt.Fprintf(bw, "PREVIEW_WIDTH=%d\n", c.PreviewWidth)
	fmt.Fprintf(bw, "PREVIEW_HEIGHT=%d\n", c.PreviewHeight)
	fmt.Fprintf(bw, "ROI_WIDTH=%d\n", c.ROIWidth)
	fmt.Fprintf(bw, "ROI_HEIGHT=%d\n", c.ROIHeight)
	fmt.Fprintf(bw, "SHOW_DETECTIONERROR_MSG=%d\n", c.ShowDetectionErrorMsg)
	fmt.Fprintf(bw, "PORT_SEND=%d\n", c.PortSend)
	fmt.Fprintf(bw, "PORT_RECV=%d\n", c.PortRecv)
	fmt.Fprintf(bw, "DELAY_CORRECTION=%g\n", c.DelayCorrection)
	fmt.Fprintf(bw, "OUTPUT_PUPILSIZE=%d\n", c.OutputPupilSize)
	if c.USBIOBoard != "" {
		fmt.Fprintf(bw, "USBIO_BOARD=%s\n", c.USBIOBoard)
		fmt.Fprintf(bw, "USBIO_AD=%s\n", c.USBIOAD)
		fmt.Fprintf(bw, "USBIO_DI=%s\n", c.USBIODI)
	}
	if len(c.Camera) > 0 {
		fmt.Fprintf(bw, "%s\n", cameraSection)
		for _, k := range sortedKeys(c.Camera) {
			fmt.Fprintf(bw, "%s=%s\n", k, c.Camera[k])
		}
	}
	return bw.Flush()
}

// SaveFile writes the configuration to path, replacing any existing file.
func (c *Config) SaveFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return c.Save(f)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
