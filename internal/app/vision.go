package app

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/petems/beme/internal/ai"
	"github.com/petems/beme/internal/events"
	"github.com/petems/beme/internal/screen"
)

const visionTimeout = 60 * time.Second

// visionJob is a frame bound to the conversation it was captured in.
type visionJob struct {
	frame screen.Frame
	gen   uint64
}

// submitFrame hands f to the vision provider. While a call is in flight the
// frame is parked as pending, replacing any earlier pending frame, and sent
// once the call completes (latest frame wins).
func (m *StreamManager) submitFrame(f screen.Frame) {
	m.mu.Lock()
	if m.visionHeldLocked() {
		m.mu.Unlock()
		return
	}
	job := visionJob{frame: f, gen: m.convGen}
	if m.visionBusy {
		m.pending = &job
		m.mu.Unlock()
		m.metrics.VisionCoalesced()
		return
	}
	m.visionBusy = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.runVision(job)
}

func (m *StreamManager) runVision(job visionJob) {
	defer m.wg.Done()
	for {
		m.analyzeFrame(job)

		m.mu.Lock()
		next := m.pending
		m.pending = nil
		if next == nil || m.ctx.Err() != nil {
			m.visionBusy = false
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
		job = *next
	}
}

// analyzeFrame runs one vision turn and streams its deltas as a screen
// suggestion. The continuation is only used and advanced while the job's
// conversation is current, and only when the turn completed.
func (m *StreamManager) analyzeFrame(job visionJob) {
	f := job.frame

	m.mu.Lock()
	analyzer := m.analyzer
	if m.visionHeldLocked() {
		m.mu.Unlock()
		return
	}
	req := ai.AnalyzeRequest{
		Image:    f.Image,
		MIMEType: "image/jpeg",
		Prompt:   m.settings.VisionPrompt,
	}
	if m.convGen == job.gen {
		req.Continuation = m.continuation
	}
	id := m.nextID
	m.nextID++
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(m.ctx, visionTimeout)
	defer cancel()

	log := m.log.With().Uint64("suggestion_id", id).Int("monitor", f.MonitorID).Logger()
	log.Debug().Float64("diff_pct", f.DiffPct).Bool("continued", req.Continuation != "").Msg("Analyzing frame")

	stream, err := analyzer.Analyze(ctx, req)
	if err != nil {
		m.visionFailed(err)
		return
	}
	defer stream.Close()

	var streamErr error
	for {
		text, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			streamErr = err
			break
		}
		if text != "" {
			m.emitSuggestion(id, events.SourceScreen, text, false)
		}
	}
	m.emitSuggestion(id, events.SourceScreen, "", true)

	if streamErr != nil {
		m.visionFailed(streamErr)
		return
	}

	m.metrics.VisionRequest("ok")
	m.mu.Lock()
	if m.convGen == job.gen {
		m.continuation = stream.Continuation()
	}
	m.mu.Unlock()
	log.Debug().Msg("Frame analyzed")
}

// visionHeldLocked reports whether frames must not be sent: no provider,
// rejected credentials, or a rate-limit backoff still running.
func (m *StreamManager) visionHeldLocked() bool {
	return m.analyzer == nil ||
		m.authBlocked[events.SourceScreen] ||
		time.Now().Before(m.visionRetryAt)
}

// visionFailed reports err for a single call. Cancellation is silent, an
// auth failure latches the screen source and a retry hint holds dispatch
// until it has passed.
func (m *StreamManager) visionFailed(err error) {
	if ai.IsCanceled(err) || m.ctx.Err() != nil {
		m.metrics.VisionRequest("canceled")
		return
	}
	m.metrics.VisionRequest("error")
	m.metrics.AIError(events.SourceScreen, string(ai.KindOf(err)))
	m.log.Error().Err(err).Msg("Vision call failed")
	if ai.IsAuth(err) {
		m.latchAuth(events.SourceScreen)
	}
	if wait := ai.RetryAfterOf(err); wait > 0 && ai.KindOf(err) == ai.KindRateLimited {
		m.mu.Lock()
		m.visionRetryAt = time.Now().Add(wait)
		m.mu.Unlock()
		m.log.Warn().Dur("retry_after", wait).Msg("Vision rate limited, holding frames")
	}
	m.emitError(events.SourceScreen, err)
}

// Continuation returns the current vision continuation token.
func (m *StreamManager) Continuation() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.continuation
}

func (m *StreamManager) resetConversationLocked() {
	m.continuation = ""
	m.convGen++
}
