package screen

import (
	"image"
	"sync"
)

// DefaultSensitivity is the per-channel delta a pixel must exceed to count
// as changed.
const DefaultSensitivity = 24

// Differ compares each frame with the previous frame of the same monitor.
type Differ struct {
	mu          sync.Mutex
	sensitivity uint8
	monitor     int
	last        *image.RGBA
}

// NewDiffer returns a Differ with the given channel sensitivity.
func NewDiffer(sensitivity uint8) *Differ {
	return &Differ{sensitivity: sensitivity}
}

// Compare returns the percentage of pixels of img that changed since the
// previous call, and makes img the new baseline. The first frame, a frame
// from another monitor or a frame with different dimensions reports 100.
func (d *Differ) Compare(monitor int, img *image.RGBA) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	prev := d.last
	prevMonitor := d.monitor
	d.last = img
	d.monitor = monitor

	if prev == nil || prevMonitor != monitor || prev.Bounds().Size() != img.Bounds().Size() {
		return 100
	}
	return changedPercent(prev, img, d.sensitivity)
}

// Reset drops the baseline so the next frame reports 100.
func (d *Differ) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.last = nil
}

func changedPercent(a, b *image.RGBA, sensitivity uint8) float64 {
	size := a.Bounds().Size()
	total := size.X * size.Y
	if total == 0 {
		return 0
	}

	changed := 0
	for y := 0; y < size.Y; y++ {
		rowA := a.Pix[y*a.Stride : y*a.Stride+size.X*4]
		rowB := b.Pix[y*b.Stride : y*b.Stride+size.X*4]
		for x := 0; x < len(rowA); x += 4 {
			if absDelta(rowA[x], rowB[x]) > sensitivity ||
				absDelta(rowA[x+1], rowB[x+1]) > sensitivity ||
				absDelta(rowA[x+2], rowB[x+2]) > sensitivity {
				changed++
			}
		}
	}
	return float64(changed) * 100 / float64(total)
}

func absDelta(a, b uint8) uint8 {
	if a > b {
		return a - b
	}
	return b - a
}
