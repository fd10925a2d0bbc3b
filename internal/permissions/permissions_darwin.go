//go:build darwin

package permissions

/*
#cgo LDFLAGS: -framework AVFoundation -framework Cocoa -framework CoreGraphics
#import <AVFoundation/AVFoundation.h>
#import <Cocoa/Cocoa.h>
#import <CoreGraphics/CoreGraphics.h>

int checkMicrophonePermission() {
    AVAuthorizationStatus status = [AVCaptureDevice authorizationStatusForMediaType:AVMediaTypeAudio];
    return (int)status;
}

void requestMicrophonePermission() {
    [AVCaptureDevice requestAccessForMediaType:AVMediaTypeAudio completionHandler:^(BOOL granted) {}];
}

int checkScreenRecordingPermission() {
    return CGPreflightScreenCaptureAccess() ? 1 : 0;
}

void requestScreenRecordingPermission() {
    CGRequestScreenCaptureAccess();
}

int checkAccessibilityPermission() {
    NSDictionary *options = @{(__bridge id)kAXTrustedCheckOptionPrompt: @YES};
    return AXIsProcessTrustedWithOptions((__bridge CFDictionaryRef)options) ? 1 : 0;
}
*/
import "C"

import (
	"errors"

	"github.com/rs/zerolog"
)

const (
	PermissionNotDetermined = 0
	PermissionRestricted    = 1
	PermissionDenied        = 2
	PermissionAuthorized    = 3
)

// CheckMicrophone returns the current microphone permission status
func CheckMicrophone() int {
	return int(C.checkMicrophonePermission())
}

// CheckScreenRecording reports whether the process may capture the screen.
// Without the grant, captures only contain the wallpaper and menu bar.
func CheckScreenRecording() bool {
	return C.checkScreenRecordingPermission() == 1
}

// CheckAccessibility checks if the app has accessibility permissions (needed
// for hotkeys). It prompts when not yet granted.
func CheckAccessibility() bool {
	return C.checkAccessibilityPermission() == 1
}

// EnsurePermissions checks the grants in need, triggering the system dialog
// for any that are missing, and returns the missing ones joined.
func EnsurePermissions(need Needs, log zerolog.Logger) error {
	var errs []error

	if need.Screen && !CheckScreenRecording() {
		log.Warn().Msg("Screen recording permission required: System Settings → Privacy & Security → Screen Recording")
		C.requestScreenRecordingPermission()
		errs = append(errs, ErrScreenRecording)
	}

	if need.Audio && CheckMicrophone() != PermissionAuthorized {
		log.Warn().Msg("Microphone permission required")
		C.requestMicrophonePermission()
		errs = append(errs, ErrMicrophone)
	}

	if need.Hotkeys && !CheckAccessibility() {
		log.Warn().Msg("Accessibility permission required for hotkeys: System Settings → Privacy & Security → Accessibility")
		errs = append(errs, ErrAccessibility)
	}

	return errors.Join(errs...)
}
