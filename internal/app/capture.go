package app

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/petems/beme/internal/audio"
	"github.com/petems/beme/internal/events"
	"github.com/petems/beme/internal/screen"
)

// ToggleCapture starts capture when idle and stops it when running, and
// returns the resulting state. Concurrent calls are serialised, so a toggle
// never starts a second sampling loop.
func (m *StreamManager) ToggleCapture() bool {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if m.screen.Running() {
		m.stopCaptureLocked()
		m.emitCaptureStatus()
		return false
	}
	m.startCaptureLocked()
	m.emitCaptureStatus()
	return true
}

// NotifyToggle announces a toggle request from origin, then toggles.
func (m *StreamManager) NotifyToggle(origin string) bool {
	m.sink.Emit(events.TopicToggle, events.TogglePayload{Origin: origin})
	on := m.ToggleCapture()
	m.log.Info().Str("origin", origin).Bool("capturing", on).Msg("Capture toggled")
	return on
}

// Capturing reports whether the screen loop is running.
func (m *StreamManager) Capturing() bool {
	return m.screen.Running()
}

func (m *StreamManager) startCaptureLocked() {
	s := m.Settings()
	if m.status != nil {
		m.status.SetCapturing()
	}
	m.screen.SetOptions(screenOptions(s))
	m.screen.Start(m.ctx, m)

	m.captureAudio = false
	if s.CaptureAudio && !m.audio.Running() {
		m.captureAudio = true
		if err := m.audio.Start(); err != nil {
			m.log.Error().Err(err).Msg("Failed to start audio capture")
			m.emitError(events.SourceAudio, fmt.Errorf("audio capture: %w", err))
		}
		m.mu.Lock()
		audioReady := m.opener != nil
		m.mu.Unlock()
		if audioReady {
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				// Failures are already reported as events.
				_ = m.StartAudioAI(m.ctx)
			}()
		}
	}
}

// stopCaptureLocked halts the screen loop, and the audio device and session
// when this capture run opened them. The in-flight vision call is left to
// finish; its trailing deltas may still be emitted.
func (m *StreamManager) stopCaptureLocked() {
	screenStopped := m.screen.Stop()

	if m.captureAudio {
		m.captureAudio = false
		m.audio.Stop()
		if err := m.StopAudioAI(); err != nil {
			m.log.Warn().Err(err).Msg("Failed to close audio session")
		}
	}

	m.mu.Lock()
	m.pending = nil
	m.resetConversationLocked()
	m.mu.Unlock()

	if screenStopped && m.status != nil {
		m.status.SetIdle()
	}
}

// ListMonitors enumerates displays, primary flagged.
func (m *StreamManager) ListMonitors() ([]screen.Monitor, error) {
	return m.screen.ListMonitors()
}

// SelectMonitor switches the sampled monitor; id < 0 selects the primary.
func (m *StreamManager) SelectMonitor(id int) error {
	if err := m.screen.SelectMonitor(id); err != nil {
		return err
	}
	m.mu.Lock()
	m.settings.Monitor = m.screen.Selected()
	m.mu.Unlock()
	return nil
}

// ListAudioDevices enumerates input devices.
func (m *StreamManager) ListAudioDevices() ([]audio.AudioDevice, error) {
	return m.audio.ListDevices()
}

// SelectAudioDevice switches the capture device; "" selects the system
// default. A running capture reopens on the new device.
func (m *StreamManager) SelectAudioDevice(name string) error {
	m.mu.Lock()
	m.settings.AudioDevice = name
	m.mu.Unlock()
	if err := m.audio.SelectDevice(name); err != nil {
		m.emitCaptureStatus()
		return fmt.Errorf("select audio device: %w", err)
	}
	return nil
}

// ToggleAudioCapture starts or stops the audio device and returns the
// resulting state. The audio AI session is controlled separately.
func (m *StreamManager) ToggleAudioCapture() (bool, error) {
	on, err := m.audio.Toggle()
	if err != nil {
		m.emitError(events.SourceAudio, fmt.Errorf("audio capture: %w", err))
	}
	m.mu.Lock()
	m.settings.CaptureAudio = on
	m.mu.Unlock()
	m.emitCaptureStatus()
	return on, err
}

// AudioCapturing reports whether the audio device is open.
func (m *StreamManager) AudioCapturing() bool {
	return m.audio.Running()
}

// HandlePreview implements screen.FrameHandler.
func (m *StreamManager) HandlePreview(f screen.Frame) {
	m.metrics.FrameSampled(f.Changed)
	m.sink.Emit(events.TopicFrame, events.FramePayload{
		Data:      base64.StdEncoding.EncodeToString(f.Image),
		Timestamp: events.Timestamp(f.CapturedAt),
		Width:     f.Width,
		Height:    f.Height,
		DiffPct:   f.DiffPct,
		Monitor:   f.MonitorID,
	})
}

// HandleFrame implements screen.FrameHandler.
func (m *StreamManager) HandleFrame(f screen.Frame) {
	m.submitFrame(f)
}

// HandleCaptureError implements screen.FrameHandler. The loop has already
// halted; capture stays off until toggled again.
func (m *StreamManager) HandleCaptureError(err error) {
	m.emitError(events.SourceScreen, fmt.Errorf("screen capture: %w", err))

	m.mu.Lock()
	m.pending = nil
	m.resetConversationLocked()
	m.mu.Unlock()

	m.emitCaptureStatus()
	if m.status != nil {
		m.status.SetError()
	}
}

// HandleAudioLevel implements audio.Handler.
func (m *StreamManager) HandleAudioLevel(level float32) {
	m.sink.Emit(events.TopicAudioLevel, events.AudioLevelPayload{Level: level, Timestamp: events.Now()})
}

// HandleAudioChunk implements audio.Handler. Chunks are dropped while no
// session is held.
func (m *StreamManager) HandleAudioChunk(chunk audio.Chunk) {
	if err := m.PushAudio(chunk); err != nil && !errors.Is(err, ErrNoAudioSession) {
		m.log.Debug().Err(err).Uint64("seq", chunk.Seq).Msg("Audio chunk not delivered")
	}
}

// HandleAudioError implements audio.Handler.
func (m *StreamManager) HandleAudioError(err error) {
	m.emitError(events.SourceAudio, fmt.Errorf("audio capture: %w", err))
	m.emitCaptureStatus()
	if m.status != nil {
		m.status.SetError()
	}
}
