package app

import (
	"context"
	"fmt"

	"github.com/petems/beme/internal/ai"
	"github.com/petems/beme/internal/audio"
	"github.com/petems/beme/internal/events"
)

// StartAudioAI opens the audio session. It is a no-op while a session is
// starting or active. Failures are also reported as events.
func (m *StreamManager) StartAudioAI(ctx context.Context) error {
	m.mu.Lock()
	if m.audioState != audioIdle {
		m.mu.Unlock()
		return nil
	}
	opener := m.opener
	if opener == nil {
		m.mu.Unlock()
		return ErrNotConfigured
	}
	if m.authBlocked[events.SourceAudio] {
		m.mu.Unlock()
		return ErrAuthBlocked
	}
	prompt := m.settings.AudioPrompt
	m.audioState = audioStarting
	m.audioGen++
	gen := m.audioGen
	m.mu.Unlock()

	m.log.Info().Msg("Starting audio AI session")
	m.emitStatus(ai.StatusConnecting, "")

	sess, err := opener.OpenAudioSession(ctx, ai.AudioSessionOptions{Prompt: prompt})
	if err != nil {
		m.mu.Lock()
		if m.audioGen == gen {
			m.audioState = audioIdle
		}
		m.mu.Unlock()

		m.metrics.AIError(events.SourceAudio, string(ai.KindOf(err)))
		m.log.Error().Err(err).Msg("Failed to open audio session")
		if ai.IsAuth(err) {
			m.latchAuth(events.SourceAudio)
		}
		m.emitStatus(ai.StatusError, err.Error())
		m.emitError(events.SourceAudio, err)
		return fmt.Errorf("start audio session: %w", err)
	}

	m.mu.Lock()
	if m.audioGen != gen || m.audioState != audioStarting {
		// Stopped while the handshake was in progress.
		m.mu.Unlock()
		m.wg.Add(1)
		go m.drain(sess)
		return sess.Close()
	}
	m.session = sess
	m.audioState = audioActive
	stop := m.trackLocked(sess)
	m.mu.Unlock()

	m.wg.Add(1)
	go m.forward(sess, stop)
	m.log.Info().Msg("Audio AI session started")
	return nil
}

// StopAudioAI closes the held session. The session reports its own final
// status. Stopping with no session is a no-op.
func (m *StreamManager) StopAudioAI() error {
	m.mu.Lock()
	sess, state := m.session, m.audioState
	m.session = nil
	m.audioState = audioIdle
	m.audioGen++
	m.mu.Unlock()

	if sess == nil {
		if state == audioStarting {
			m.emitStatus(ai.StatusDisconnected, "")
		}
		return nil
	}
	m.log.Info().Msg("Stopping audio AI session")
	return sess.Close()
}

// InjectAudioSession installs a pre-built session, bypassing the network
// handshake, and starts routing its events. A session already held is
// detached and closed first.
func (m *StreamManager) InjectAudioSession(sess ai.AudioSession) {
	m.mu.Lock()
	old := m.detachLocked()
	m.session = sess
	m.audioState = audioActive
	stop := m.trackLocked(sess)
	m.mu.Unlock()

	if old != nil {
		m.release(old)
	}
	m.wg.Add(1)
	go m.forward(sess, stop)
}

// HasAudioSession reports whether a session is held.
func (m *StreamManager) HasAudioSession() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session != nil
}

// ClearAudioSession drops the held session without emitting anything. Its
// remaining events are discarded and its connection is released.
func (m *StreamManager) ClearAudioSession() {
	m.mu.Lock()
	old := m.detachLocked()
	m.mu.Unlock()

	if old != nil {
		m.release(old)
	}
}

// PushAudio forwards chunk to the held session.
func (m *StreamManager) PushAudio(chunk audio.Chunk) error {
	m.mu.Lock()
	sess := m.session
	m.mu.Unlock()
	if sess == nil {
		return ErrNoAudioSession
	}
	return sess.Push(chunk)
}

// trackLocked registers sess for forwarding and returns its detach channel.
func (m *StreamManager) trackLocked(sess ai.AudioSession) chan struct{} {
	stop := make(chan struct{})
	m.forwarders[sess] = stop
	return stop
}

// detachLocked takes the held session and stops its forwarder, so nothing
// the session reports afterwards reaches the sink. Any start in progress is
// abandoned.
func (m *StreamManager) detachLocked() ai.AudioSession {
	sess := m.session
	m.session = nil
	m.audioState = audioIdle
	m.audioGen++
	if sess != nil {
		if stop, ok := m.forwarders[sess]; ok {
			close(stop)
			delete(m.forwarders, sess)
		}
	}
	return sess
}

// release closes a detached session, discarding its events.
func (m *StreamManager) release(sess ai.AudioSession) {
	m.wg.Add(1)
	go m.drain(sess)
	if err := sess.Close(); err != nil {
		m.log.Warn().Err(err).Msg("Failed to close detached audio session")
	}
}

// forward routes session events until the session ends or is detached.
// Session turns map to fresh suggestion ids from the shared counter.
func (m *StreamManager) forward(sess ai.AudioSession, stop chan struct{}) {
	defer m.wg.Done()

	ids := make(map[uint64]uint64)
	evs := sess.Events()
loop:
	for {
		select {
		case <-stop:
			break loop
		case ev, ok := <-evs:
			if !ok {
				break loop
			}
			select {
			case <-stop:
				break loop
			default:
			}
			m.route(ev, ids)
		}
	}

	m.mu.Lock()
	if m.session == sess {
		m.session = nil
		m.audioState = audioIdle
	}
	if m.forwarders[sess] == stop {
		delete(m.forwarders, sess)
	}
	m.mu.Unlock()
	m.log.Info().Msg("Audio session ended")
}

func (m *StreamManager) route(ev ai.SessionEvent, ids map[uint64]uint64) {
	switch ev.Type {
	case ai.EventStatus:
		m.emitStatus(ev.Status, ev.Message)
		if ev.Status == ai.StatusError {
			m.metrics.AIError(events.SourceAudio, "session")
			m.log.Error().Str("message", ev.Message).Msg("Audio session failed")
			m.emitError(events.SourceAudio, fmt.Errorf("audio session: %s", ev.Message))
		}

	case ai.EventDelta:
		id, ok := ids[ev.Turn]
		if !ok {
			id = m.allocID()
			ids[ev.Turn] = id
		}
		if ev.Text != "" {
			m.emitSuggestion(id, events.SourceAudio, ev.Text, false)
		}
		if ev.Done {
			if ev.Cancelled {
				m.log.Debug().Uint64("suggestion_id", id).Msg("Audio response cancelled")
			}
			m.emitSuggestion(id, events.SourceAudio, "", true)
			delete(ids, ev.Turn)
		}
	}
}

func (m *StreamManager) drain(sess ai.AudioSession) {
	defer m.wg.Done()
	for range sess.Events() {
	}
}
