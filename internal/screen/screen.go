// Package screen samples monitors, measures how much of the picture changed
// since the previous sample and produces downscaled JPEG frames.
package screen

import (
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/kbinani/screenshot"
)

var (
	// ErrNoMonitors is returned when no active display is attached.
	ErrNoMonitors = errors.New("no active monitors")
	// ErrMonitorNotFound is returned for an unknown monitor id.
	ErrMonitorNotFound = errors.New("monitor not found")
)

// Monitor describes one display.
type Monitor struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	X         int    `json:"x"`
	Y         int    `json:"y"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	IsPrimary bool   `json:"isPrimary"`
}

// Capturer grabs raw bitmaps from displays.
type Capturer interface {
	// ListMonitors returns displays ordered by id with exactly one primary.
	ListMonitors() ([]Monitor, error)
	Capture(id int) (*image.RGBA, error)
}

// Frame is one sampled monitor image.
type Frame struct {
	Image      []byte
	MonitorID  int
	Width      int
	Height     int
	DiffPct    float64
	Changed    bool
	CapturedAt time.Time
}

// DisplayCapturer captures attached displays.
type DisplayCapturer struct{}

// NewDisplayCapturer returns a Capturer backed by the OS display APIs.
func NewDisplayCapturer() *DisplayCapturer {
	return &DisplayCapturer{}
}

func (DisplayCapturer) ListMonitors() ([]Monitor, error) {
	n := screenshot.NumActiveDisplays()
	if n <= 0 {
		return nil, ErrNoMonitors
	}

	monitors := make([]Monitor, 0, n)
	primary := 0
	for i := 0; i < n; i++ {
		b := screenshot.GetDisplayBounds(i)
		if b.Min.X == 0 && b.Min.Y == 0 {
			primary = i
		}
		monitors = append(monitors, Monitor{
			ID:     i,
			Name:   fmt.Sprintf("Display %d (%dx%d)", i+1, b.Dx(), b.Dy()),
			X:      b.Min.X,
			Y:      b.Min.Y,
			Width:  b.Dx(),
			Height: b.Dy(),
		})
	}
	monitors[primary].IsPrimary = true
	return monitors, nil
}

func (DisplayCapturer) Capture(id int) (*image.RGBA, error) {
	if id < 0 || id >= screenshot.NumActiveDisplays() {
		return nil, fmt.Errorf("%w: %d", ErrMonitorNotFound, id)
	}
	img, err := screenshot.CaptureDisplay(id)
	if err != nil {
		return nil, fmt.Errorf("capture display %d: %w", id, err)
	}
	return img, nil
}

// PrimaryID returns the id of the primary monitor in monitors.
func PrimaryID(monitors []Monitor) (int, error) {
	if len(monitors) == 0 {
		return 0, ErrNoMonitors
	}
	for _, m := range monitors {
		if m.IsPrimary {
			return m.ID, nil
		}
	}
	return monitors[0].ID, nil
}
