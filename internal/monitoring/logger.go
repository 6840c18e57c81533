// Package monitoring holds the tracker's diagnostic logging indirection.
// Subsystems log through Logf so tests can mute or capture output.
package monitoring

import (
	"fmt"
	"log"
)

// Logf writes one diagnostic line. The default sink is log.Printf; swap it
// with SetLogger when output should go elsewhere or nowhere.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger installs f as the diagnostic sink. A nil f silences the package.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Capture redirects the logger into the returned slice until restore is
// called. Tests use it to assert on warnings emitted by the state machine.
func Capture() (lines *[]string, restore func()) {
	original := Logf
	captured := &[]string{}
	Logf = func(format string, v ...interface{}) {
		*captured = append(*captured, fmt.Sprintf(format, v...))
	}
	return captured, func() { Logf = original }
}
