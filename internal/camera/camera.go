// Package camera defines the capture driver interface the acquisition loop
// consumes and a synthetic driver used for development and tests. Real
// hardware backends satisfy Driver and register through main.
package camera

import (
	"context"
	"image"
	"io"
)

// Driver is the thin capability contract a camera backend satisfies. The
// acquisition loop owns the source buffer; Grab fills it with the next frame
// and returns the backend's opaque per-frame metadata word.
type Driver interface {
	// Init prepares the device. The opaque camera section of the config file
	// is forwarded verbatim.
	Init(params map[string]string, width, height int) error

	// Grab blocks until the next frame is available and writes it into dst.
	// It honours ctx cancellation.
	Grab(ctx context.Context, dst *image.Gray) (uint32, error)

	// Release shuts the device down. Called exactly once, last.
	Release() error

	// SaveParams writes the backend's tunable parameters for the camera
	// section of a saved configuration.
	SaveParams(w io.Writer) error
}
