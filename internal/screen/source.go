package screen

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// FrameHandler receives the output of a running Source. Calls are made from
// the sampling goroutine.
type FrameHandler interface {
	// HandlePreview gets every sampled frame.
	HandlePreview(f Frame)
	// HandleFrame gets frames whose DiffPct reached the threshold.
	HandleFrame(f Frame)
	// HandleCaptureError is called once when sampling fails; the loop has
	// already halted.
	HandleCaptureError(err error)
}

// Options are the sampling tunables.
type Options struct {
	Interval    time.Duration
	MaxWidth    int
	Threshold   float64
	JPEGQuality int
}

// DefaultOptions returns the stock sampling settings.
func DefaultOptions() Options {
	return Options{
		Interval:    2 * time.Second,
		MaxWidth:    1024,
		Threshold:   5,
		JPEGQuality: 75,
	}
}

// Source runs the periodic sampling loop for the selected monitor.
type Source struct {
	capturer Capturer
	differ   *Differ
	log      zerolog.Logger

	mu       sync.Mutex
	opts     Options
	selected int
	cancel   context.CancelFunc
	done     chan struct{}

	// captureMu serialises ticks so the differ sees frames in order.
	captureMu sync.Mutex
}

// NewSource creates an idle Source sampling the primary monitor.
func NewSource(capturer Capturer, opts Options, log zerolog.Logger) *Source {
	return &Source{
		capturer: capturer,
		differ:   NewDiffer(DefaultSensitivity),
		log:      log.With().Str("component", "screen").Logger(),
		opts:     opts,
		selected: -1,
	}
}

// ListMonitors is a pure query.
func (s *Source) ListMonitors() ([]Monitor, error) {
	return s.capturer.ListMonitors()
}

// SelectMonitor picks the monitor to sample; id < 0 means primary. Changing
// the selection resets the diff baseline.
func (s *Source) SelectMonitor(id int) error {
	if id >= 0 {
		monitors, err := s.capturer.ListMonitors()
		if err != nil {
			return err
		}
		found := false
		for _, m := range monitors {
			if m.ID == id {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: %d", ErrMonitorNotFound, id)
		}
	} else {
		id = -1
	}

	s.mu.Lock()
	changed := s.selected != id
	s.selected = id
	s.mu.Unlock()

	if changed {
		s.differ.Reset()
		s.log.Info().Int("monitor", id).Msg("Monitor selected")
	}
	return nil
}

// Selected returns the selected monitor id, -1 for primary.
func (s *Source) Selected() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

// SetOptions replaces the tunables; a running loop picks them up on the
// next tick.
func (s *Source) SetOptions(opts Options) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts = opts
}

// Options returns the current tunables.
func (s *Source) Options() Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts
}

// Running reports whether the sampling loop is active.
func (s *Source) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Start launches the sampling loop. It returns false if a loop is already
// running, in which case nothing changes.
func (s *Source) Start(ctx context.Context, h FrameHandler) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return false
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	go s.loop(ctx, h, done)

	s.log.Info().Dur("interval", s.opts.Interval).Msg("Screen capture started")
	return true
}

// Stop cancels the loop and waits for it to exit. It returns false if no
// loop was running. Must not be called from a FrameHandler method.
func (s *Source) Stop() bool {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return false
	}
	cancel()
	<-done
	s.log.Info().Msg("Screen capture stopped")
	return true
}

func (s *Source) loop(ctx context.Context, h FrameHandler, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		frame, err := s.CaptureOnce()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.log.Error().Err(err).Msg("Screen capture failed")
			s.detach(done)
			h.HandleCaptureError(err)
			return
		}

		h.HandlePreview(frame)
		if frame.Changed {
			h.HandleFrame(frame)
		} else {
			s.log.Debug().Float64("diff_pct", frame.DiffPct).Msg("Frame below threshold")
		}

		timer.Reset(s.Options().Interval)
	}
}

// detach clears the running state after the loop halted on its own.
func (s *Source) detach(done chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == done {
		s.cancel()
		s.cancel, s.done = nil, nil
	}
}

// CaptureOnce performs one sampling tick on the selected monitor: capture,
// downscale, diff against the baseline and encode.
func (s *Source) CaptureOnce() (Frame, error) {
	s.captureMu.Lock()
	defer s.captureMu.Unlock()

	opts := s.Options()
	id := s.Selected()
	if id < 0 {
		monitors, err := s.capturer.ListMonitors()
		if err != nil {
			return Frame{}, err
		}
		if id, err = PrimaryID(monitors); err != nil {
			return Frame{}, err
		}
	}

	capturedAt := time.Now()
	img, err := s.capturer.Capture(id)
	if err != nil {
		return Frame{}, err
	}

	scaled := Downscale(img, opts.MaxWidth)
	pct := s.differ.Compare(id, scaled)

	data, err := EncodeJPEG(scaled, opts.JPEGQuality)
	if err != nil {
		return Frame{}, fmt.Errorf("encode frame: %w", err)
	}

	b := scaled.Bounds()
	return Frame{
		Image:      data,
		MonitorID:  id,
		Width:      b.Dx(),
		Height:     b.Dy(),
		DiffPct:    pct,
		Changed:    pct >= opts.Threshold,
		CapturedAt: capturedAt,
	}, nil
}
