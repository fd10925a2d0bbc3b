// Package app holds the StreamManager: it owns the capture sources and the
// AI sessions, routes frames and audio to the providers and turns their
// output into outbound events.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/petems/beme/internal/ai"
	"github.com/petems/beme/internal/ai/realtime"
	"github.com/petems/beme/internal/ai/vision"
	"github.com/petems/beme/internal/audio"
	"github.com/petems/beme/internal/config"
	"github.com/petems/beme/internal/events"
	"github.com/petems/beme/internal/metrics"
	"github.com/petems/beme/internal/screen"
)

var (
	// ErrNoAudioSession is returned by PushAudio when no session is held.
	ErrNoAudioSession = errors.New("no active audio session")
	// ErrNotConfigured is returned when the AI endpoint settings are incomplete.
	ErrNotConfigured = errors.New("AI provider not configured")
	// ErrAuthBlocked is returned while the current credentials are known to
	// be rejected. It clears once the credentials change.
	ErrAuthBlocked = errors.New("credentials rejected, update settings to retry")
	// ErrUnknownPrompt is returned by UpdatePrompt for a name other than
	// "vision" or "audio".
	ErrUnknownPrompt = errors.New("unknown prompt")
)

// Prompt names accepted by UpdatePrompt.
const (
	PromptVision = "vision"
	PromptAudio  = "audio"
)

// StatusUpdater is an interface for updating status (e.g., tray icon)
type StatusUpdater interface {
	SetIdle()
	SetCapturing()
	SetError()
}

// AnalyzerFactory builds the vision provider for a settings snapshot.
type AnalyzerFactory func(s config.Settings) ai.Analyzer

// AudioOpenerFactory builds the audio provider for a settings snapshot.
type AudioOpenerFactory func(s config.Settings) ai.AudioOpener

type Config struct {
	Screen   screen.Capturer
	Audio    audio.Capture
	Settings config.Settings
	// SettingsPath is where SaveSettings and LoadSettings go; empty means
	// config.Path().
	SettingsPath string
	Sink         events.Sink
	Metrics      *metrics.Metrics
	Logger       zerolog.Logger

	// Optional; the Azure providers are used when nil.
	NewAnalyzer    AnalyzerFactory
	NewAudioOpener AudioOpenerFactory

	// DiagnosticLogPath, when set, mirrors every suggestion event as a JSON
	// line to that file.
	DiagnosticLogPath string

	StatusUpdater StatusUpdater // Optional - can be nil
}

// Prompts are the live system prompts.
type Prompts struct {
	Vision string `json:"vision"`
	Audio  string `json:"audio"`
}

type audioState int

const (
	audioIdle audioState = iota
	audioStarting
	audioActive
)

// StreamManager is the capture-to-inference orchestrator. It is built once
// at startup and lives for the process lifetime.
type StreamManager struct {
	log            zerolog.Logger
	sink           events.Sink
	metrics        *metrics.Metrics
	status         StatusUpdater
	settingsPath   string
	newAnalyzer    AnalyzerFactory
	newAudioOpener AudioOpenerFactory
	diag           *events.DiagnosticLog

	screen *screen.Source
	audio  *audio.Source

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// lifecycleMu serialises capture start/stop. It is never taken by the
	// source handlers, so stopping a source while holding it is safe.
	lifecycleMu sync.Mutex
	// captureAudio records whether the running capture opened the audio
	// device and session, so stopping capture closes exactly those.
	captureAudio bool

	// mu guards the fields below. It is only held for field access, never
	// across network I/O or a source Stop.
	mu           sync.Mutex
	settings     config.Settings
	analyzer     ai.Analyzer
	opener       ai.AudioOpener
	nextID       uint64
	authBlocked  map[string]bool
	continuation string
	convGen      uint64
	visionBusy   bool
	pending      *visionJob
	// visionRetryAt holds screen dispatch after a rate-limited call.
	visionRetryAt time.Time
	audioState    audioState
	audioGen      uint64
	session       ai.AudioSession
	// forwarders maps each forwarded session to the channel that detaches it.
	forwarders map[ai.AudioSession]chan struct{}
}

// New creates an idle StreamManager and applies cfg.Settings.
func New(cfg Config) *StreamManager {
	log := cfg.Logger.With().Str("component", "manager").Logger()
	ctx, cancel := context.WithCancel(context.Background())

	m := &StreamManager{
		log:            log,
		metrics:        cfg.Metrics,
		status:         cfg.StatusUpdater,
		settingsPath:   cfg.SettingsPath,
		newAnalyzer:    cfg.NewAnalyzer,
		newAudioOpener: cfg.NewAudioOpener,
		ctx:            ctx,
		cancel:         cancel,
		nextID:         1,
		authBlocked:    make(map[string]bool),
		forwarders:     make(map[ai.AudioSession]chan struct{}),
	}
	if m.settingsPath == "" {
		m.settingsPath = config.Path()
	}
	if m.newAnalyzer == nil {
		m.newAnalyzer = m.defaultAnalyzer
	}
	if m.newAudioOpener == nil {
		m.newAudioOpener = m.defaultAudioOpener
	}

	sink := cfg.Sink
	if sink == nil {
		sink = events.Discard
	}
	if cfg.DiagnosticLogPath != "" {
		diag, err := events.OpenDiagnosticLog(cfg.DiagnosticLogPath, log)
		if err != nil {
			log.Warn().Err(err).Msg("Diagnostic log disabled")
		} else {
			m.diag = diag
			sink = events.Multi(sink, diag)
			log.Info().Str("path", diag.Path()).Msg("Diagnostic log enabled")
		}
	}
	m.sink = sink

	s := cfg.Settings
	s.Validate()
	m.screen = screen.NewSource(cfg.Screen, screenOptions(s), cfg.Logger)
	m.audio = audio.NewSource(cfg.Audio, m, cfg.Logger)
	m.Configure(s)
	return m
}

func (m *StreamManager) defaultAnalyzer(s config.Settings) ai.Analyzer {
	return vision.New(s.VisionProvider(), vision.WithLogger(m.log))
}

func (m *StreamManager) defaultAudioOpener(s config.Settings) ai.AudioOpener {
	return realtime.New(s.AudioProvider(),
		realtime.WithCommitPolicy(realtime.CommitPolicy{Bytes: s.CommitBytes, Interval: s.CommitInterval()}),
		realtime.WithMetrics(m.metrics),
		realtime.WithLogger(m.log),
	)
}

func screenOptions(s config.Settings) screen.Options {
	return screen.Options{
		Interval:    s.Interval(),
		MaxWidth:    s.ScreenshotMaxWidth,
		Threshold:   s.FrameDiffThreshold,
		JPEGQuality: s.JPEGQuality,
	}
}

// Configure applies s live. Providers are rebuilt, the vision conversation
// restarts, and auth latches clear when the credentials changed. An open
// audio session keeps running with the settings it was opened with.
func (m *StreamManager) Configure(s config.Settings) {
	s.Validate()

	m.mu.Lock()
	credsChanged := !m.settings.VisionProvider().SameCredentials(s.VisionProvider())
	m.settings = s
	m.analyzer, m.opener = nil, nil
	if s.VisionProvider().Configured() {
		m.analyzer = m.newAnalyzer(s)
	}
	if s.AudioProvider().Configured() {
		m.opener = m.newAudioOpener(s)
	}
	m.resetConversationLocked()
	m.visionRetryAt = time.Time{}
	if credsChanged {
		clear(m.authBlocked)
	}
	visionReady, audioReady := m.analyzer != nil, m.opener != nil
	m.mu.Unlock()

	m.screen.SetOptions(screenOptions(s))
	if s.Monitor != m.screen.Selected() {
		if err := m.screen.SelectMonitor(s.Monitor); err != nil {
			m.log.Warn().Err(err).Int("monitor", s.Monitor).Msg("Configured monitor unavailable, using primary")
		}
	}
	if s.AudioDevice != m.audio.Device() {
		if err := m.audio.SelectDevice(s.AudioDevice); err != nil {
			m.log.Warn().Err(err).Str("device", s.AudioDevice).Msg("Failed to switch audio device")
			m.emitError(events.SourceAudio, err)
		}
	}

	m.log.Info().
		Bool("vision", visionReady).
		Bool("audio", audioReady).
		Bool("bearer", s.UseBearer).
		Msg("AI providers configured")
}

// Settings returns the live settings.
func (m *StreamManager) Settings() config.Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings
}

// IsAIConfigured reports whether endpoint, key and vision deployment are set.
func (m *StreamManager) IsAIConfigured() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.analyzer != nil
}

// SaveSettings persists s and applies it.
func (m *StreamManager) SaveSettings(s config.Settings) error {
	s.Validate()
	if err := s.Save(m.settingsPath); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	m.log.Info().Str("path", m.settingsPath).Msg("Settings saved")
	m.Configure(s)
	return nil
}

// LoadSettings reads the persisted settings. The returned value is always
// usable: defaults when nothing is stored or the file is malformed, in which
// case the error says why.
func (m *StreamManager) LoadSettings() (config.Settings, error) {
	s, err := config.Load(m.settingsPath)
	if err != nil {
		m.log.Warn().Err(err).Str("path", m.settingsPath).Msg("Using default settings")
	}
	return *s, err
}

// GetPrompts returns the live prompts.
func (m *StreamManager) GetPrompts() Prompts {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Prompts{Vision: m.settings.VisionPrompt, Audio: m.settings.AudioPrompt}
}

// UpdatePrompt replaces the "vision" or "audio" prompt. The vision prompt
// applies from the next frame, the audio prompt from the next session.
func (m *StreamManager) UpdatePrompt(which, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch which {
	case PromptVision:
		m.settings.VisionPrompt = text
	case PromptAudio:
		m.settings.AudioPrompt = text
	default:
		return fmt.Errorf("%w: %q", ErrUnknownPrompt, which)
	}
	m.log.Info().Str("prompt", which).Int("chars", len(text)).Msg("Prompt updated")
	return nil
}

// Close stops capture and the audio session, cancels in-flight vision calls
// and waits for background work to finish.
func (m *StreamManager) Close() error {
	m.lifecycleMu.Lock()
	m.stopCaptureLocked()
	m.lifecycleMu.Unlock()

	err := m.StopAudioAI()
	m.cancel()
	m.wg.Wait()

	if m.diag != nil {
		if cerr := m.diag.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	m.log.Info().Msg("Stream manager closed")
	return err
}

func (m *StreamManager) allocID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	return id
}

func (m *StreamManager) emitSuggestion(id uint64, source, text string, done bool) {
	m.sink.Emit(events.TopicSuggestion, events.SuggestionPayload{
		Text:      text,
		Timestamp: events.Now(),
		Done:      done,
		ID:        id,
		Source:    source,
	})
	if done {
		m.metrics.SuggestionCompleted(source)
	}
}

func (m *StreamManager) emitError(source string, err error) {
	m.sink.Emit(events.TopicError, events.ErrorPayload{
		Message:   err.Error(),
		Timestamp: events.Now(),
		Source:    source,
	})
}

func (m *StreamManager) emitStatus(s ai.Status, msg string) {
	m.metrics.AudioSessionStatus(s.String())
	m.sink.Emit(events.TopicAudioStatus, events.AudioStatusPayload{Status: s, Message: msg})
}

func (m *StreamManager) emitCaptureStatus() {
	m.sink.Emit(events.TopicCapture, events.CapturePayload{
		Screen: m.screen.Running(),
		Audio:  m.audio.Running(),
	})
}

// latchAuth blocks source until credentials change.
func (m *StreamManager) latchAuth(source string) {
	m.mu.Lock()
	m.authBlocked[source] = true
	m.mu.Unlock()
	m.log.Error().Str("source", source).Msg("Credentials rejected, pausing AI calls until settings change")
	if m.status != nil {
		m.status.SetError()
	}
}
