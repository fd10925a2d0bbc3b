package audio

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrAlreadyRunning is returned by Source.Start while a capture is active.
var ErrAlreadyRunning = errors.New("audio capture already running")

// Handler receives the output of a running Source. Calls are made from a
// single goroutine in capture order.
type Handler interface {
	HandleAudioLevel(level float32)
	HandleAudioChunk(chunk Chunk)
	HandleAudioError(err error)
}

// Source owns the selected device and turns raw device buffers into
// sequenced Chunks with a level.
type Source struct {
	capture Capture
	handler Handler
	log     zerolog.Logger

	mu      sync.Mutex
	device  string
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
	seq     uint64
}

// NewSource wraps capture. Output goes to h.
func NewSource(capture Capture, h Handler, log zerolog.Logger) *Source {
	return &Source{
		capture: capture,
		handler: h,
		log:     log.With().Str("component", "audio").Logger(),
	}
}

// Running reports whether a capture is active.
func (s *Source) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Device returns the selected device name; empty means system default.
func (s *Source) Device() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device
}

// ListDevices enumerates input devices.
func (s *Source) ListDevices() ([]AudioDevice, error) {
	return s.capture.ListDevices()
}

// Toggle starts an idle source or stops a running one and returns the
// resulting state.
func (s *Source) Toggle() (bool, error) {
	if s.Running() {
		s.Stop()
		return false, nil
	}
	if err := s.Start(); err != nil {
		return false, err
	}
	return true, nil
}

// SelectDevice switches to name ("" = default). A running capture is
// closed and reopened on the new device.
func (s *Source) SelectDevice(name string) error {
	s.mu.Lock()
	s.device = name
	wasRunning := s.running
	s.mu.Unlock()

	if !wasRunning {
		return nil
	}
	s.Stop()
	return s.Start()
}

// Start opens the selected device and pumps chunks until Stop is called or
// the device fails. An open failure is returned synchronously.
func (s *Source) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	raw := make(chan []int16, 8)
	errs := make(chan error, 1)
	frames := FramesPerChunk(SampleRate)

	if err := s.capture.Start(ctx, s.device, SampleRate, frames, raw, errs); err != nil {
		cancel()
		return err
	}

	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.running = true

	s.log.Info().Str("device", s.device).Int("frames", frames).Msg("Audio capture started")
	go s.pump(ctx, raw, errs, done)
	return nil
}

func (s *Source) pump(ctx context.Context, raw <-chan []int16, errs <-chan error, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errs:
			if !s.markStopped(done) {
				return
			}
			s.log.Error().Err(err).Msg("Audio capture failed")
			s.handler.HandleAudioError(err)
			return
		case samples := <-raw:
			s.seq++
			level := RMS(samples)
			s.handler.HandleAudioLevel(level)
			s.handler.HandleAudioChunk(Chunk{
				Samples:    samples,
				Seq:        s.seq,
				Level:      level,
				CapturedAt: time.Now(),
			})
		}
	}
}

// markStopped clears the running state if done still belongs to the active
// capture. It reports false when Stop got there first.
func (s *Source) markStopped(done chan struct{}) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.done != done {
		return false
	}
	s.cancel()
	s.running = false
	return true
}

// Stop ends the capture and waits for the pump to exit. Stopping an idle
// Source is a no-op. Must not be called from a Handler method.
func (s *Source) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.running = false
	s.mu.Unlock()

	cancel()
	if err := s.capture.Stop(); err != nil {
		s.log.Warn().Err(err).Msg("Failed to stop audio device")
	}
	<-done
	s.log.Info().Msg("Audio capture stopped")
}
