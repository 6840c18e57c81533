package gaze

import (
	"fmt"
	"image"

	"github.com/opengaze/gazetrack/internal/config"
)

// Buffers owns the process-lifetime image planes: the monochrome source frame
// the capture driver writes into, the colour preview the detection engine
// annotates, the calibration-result plot, and the scratch buffer used for
// image transfer over the control protocol.
type Buffers struct {
	Width, Height int
	ROI           image.Rectangle // centred in the camera frame

	Src     *image.Gray // written by the capture driver between detections
	Preview *image.RGBA // written by the detection engine only
	CalPlot *image.RGBA // calibration-result rendering

	sendImage []byte // ROI bytes plus terminator
}

// NewBuffers allocates the image planes from the validated configuration.
func NewBuffers(cfg *config.Config) (*Buffers, error) {
	if cfg.CameraWidth <= 0 || cfg.CameraHeight <= 0 || cfg.PreviewWidth <= 0 || cfg.PreviewHeight <= 0 {
		return nil, fmt.Errorf("wrong camera/preview size (%d,%d,%d,%d)",
			cfg.CameraWidth, cfg.CameraHeight, cfg.PreviewWidth, cfg.PreviewHeight)
	}
	if cfg.ROIWidth <= 0 || cfg.ROIHeight <= 0 || cfg.ROIWidth > cfg.CameraWidth || cfg.ROIHeight > cfg.CameraHeight {
		return nil, fmt.Errorf("ROI %dx%d must fit in camera frame %dx%d",
			cfg.ROIWidth, cfg.ROIHeight, cfg.CameraWidth, cfg.CameraHeight)
	}
	x0 := (cfg.CameraWidth - cfg.ROIWidth) / 2
	y0 := (cfg.CameraHeight - cfg.ROIHeight) / 2
	return &Buffers{
		Width:     cfg.CameraWidth,
		Height:    cfg.CameraHeight,
		ROI:       image.Rect(x0, y0, x0+cfg.ROIWidth, y0+cfg.ROIHeight),
		Src:       image.NewGray(image.Rect(0, 0, cfg.CameraWidth, cfg.CameraHeight)),
		Preview:   image.NewRGBA(image.Rect(0, 0, cfg.CameraWidth, cfg.CameraHeight)),
		CalPlot:   image.NewRGBA(image.Rect(0, 0, cfg.PreviewWidth, cfg.PreviewHeight)),
		sendImage: make([]byte, cfg.ROIWidth*cfg.ROIHeight+1),
	}, nil
}

// SendImage packs the ROI portion of the preview into the transfer buffer for
// the getImageData reply. Pixels darker than the pupil threshold are clamped
// to one so the zero terminator byte stays unambiguous on the wire.
func (b *Buffers) SendImage(threshold int) []byte {
	w, h := b.ROI.Dx(), b.ROI.Dy()
	i := 0
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := b.Preview.RGBAAt(x+b.ROI.Min.X, y+b.ROI.Min.Y).B
			if v == 0 || int(v) < threshold {
				v = 1
			}
			b.sendImage[i] = v
			i++
		}
	}
	b.sendImage[i] = 0
	return b.sendImage[:i+1]
}
