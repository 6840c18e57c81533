package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `# tracker settings
[SimpleGazeTrackerCommon]
THRESHOLD=70
MAX_PUPIL_WIDTH=40
MIN_PUPIL_WIDTH=8
PURKINJE_THRESHOLD = 230
PURKINJE_SEARCHAREA=50
PURKINJE_EXCLUDEAREA=15
BINOCULAR=1
CAMERA_WIDTH=800
CAMERA_HEIGHT=600
ROI_WIDTH=0
ROI_HEIGHT=400
DELAY_CORRECTION=12.5
USBIO_BOARD=/dev/ttyUSB0
USBIO_AD=0,1
USBIO_DI=8

[SimpleGazeTrackerCamera]
EXPOSURE=120
GAIN=3
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tracker.cfg")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, 70, cfg.Threshold)
	assert.Equal(t, 40, cfg.MaxPupilWidth)
	assert.Equal(t, 8, cfg.MinPupilWidth)
	assert.Equal(t, 230, cfg.PurkinjeThreshold)
	assert.Equal(t, Binocular, cfg.RecordingMode)
	assert.True(t, cfg.Binocular())
	assert.Equal(t, 800, cfg.CameraWidth)
	// ROI width 0 falls back to the camera width during validation.
	assert.Equal(t, 800, cfg.ROIWidth)
	assert.Equal(t, 400, cfg.ROIHeight)
	assert.Equal(t, 12.5, cfg.DelayCorrection)
	assert.True(t, cfg.UseUSBIO())
	assert.Equal(t, map[string]string{"EXPOSURE": "120", "GAIN": "3"}, cfg.Camera)
	// Values absent from the file keep their defaults.
	assert.Equal(t, 10000, cfg.PortRecv)
}

func TestLoadRejectsUnknownOption(t *testing.T) {
	_, err := Load(writeConfig(t, "[SimpleGazeTrackerCommon]\nNO_SUCH_OPTION=1\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NO_SUCH_OPTION")
}

func TestKeysOutsideSectionsIgnored(t *testing.T) {
	cfg, err := Load(writeConfig(t, "THRESHOLD=99\n[SimpleGazeTrackerCommon]\nTHRESHOLD=70\n"))
	require.NoError(t, err)
	assert.Equal(t, 70, cfg.Threshold)
}

func TestValidateInvariants(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero camera width", func(c *Config) { c.CameraWidth = 0 }},
		{"roi wider than camera", func(c *Config) { c.ROIWidth = c.CameraWidth + 1 }},
		{"min pupil not below max", func(c *Config) { c.MinPupilWidth = c.MaxPupilWidth }},
		{"pupil width over 100", func(c *Config) { c.MaxPupilWidth = 101 }},
		{"exclude beyond search area", func(c *Config) { c.PurkinjeExcludeArea = c.PurkinjeSearchArea + 1 }},
		{"bad recording mode", func(c *Config) { c.RecordingMode = 2 }},
		{"bad port", func(c *Config) { c.PortRecv = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	// Adjacent pupil width bounds are still a valid band.
	cfg := Default()
	cfg.MinPupilWidth = 29
	cfg.MaxPupilWidth = 30
	assert.NoError(t, cfg.Validate())
}

func TestSaveRoundTrip(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	cfg.Threshold = 42

	var buf bytes.Buffer
	require.NoError(t, cfg.Save(&buf))

	reloaded := Default()
	require.NoError(t, reloaded.parse(strings.NewReader(buf.String())))
	require.NoError(t, reloaded.Validate())

	if diff := cmp.Diff(cfg, reloaded); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestMenuNavigationAndBounds(t *testing.T) {
	cfg := Default()
	m := NewMenu(cfg)

	assert.Equal(t, "PupilThreshold (55)", m.Current())
	m.Right()
	assert.Equal(t, 56, cfg.Threshold)
	m.Left()
	m.Left()
	assert.Equal(t, 54, cfg.Threshold)

	// Cursor stops at the ends.
	m.Up()
	assert.Equal(t, "PupilThreshold (54)", m.Current())
	for i := 0; i < 50; i++ {
		m.Down()
	}
	assert.Equal(t, "MorphologicalTrans (0)", m.Current())

	// Values clamp at their bounds.
	cfg.Threshold = 254
	m2 := NewMenu(cfg)
	m2.Right()
	assert.Equal(t, 254, cfg.Threshold)
}
