// Package permissions preflights the OS privacy grants capture needs.
package permissions

import "errors"

var (
	ErrScreenRecording = errors.New("screen recording permission not granted")
	ErrMicrophone      = errors.New("microphone permission not granted")
	ErrAccessibility   = errors.New("accessibility permission not granted")
)

// Needs selects which grants EnsurePermissions checks.
type Needs struct {
	Screen  bool
	Audio   bool
	Hotkeys bool
}
