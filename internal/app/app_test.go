package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petems/beme/internal/ai"
	"github.com/petems/beme/internal/audio"
	"github.com/petems/beme/internal/config"
	"github.com/petems/beme/internal/events"
	"github.com/petems/beme/internal/screen"
)

// Mock implementations for testing

type mockCapturer struct {
	mu  sync.Mutex
	img *image.RGBA
	err error
}

func newMockCapturer() *mockCapturer {
	return &mockCapturer{img: solid(100, 100, color.RGBA{A: 255})}
}

func (m *mockCapturer) ListMonitors() ([]screen.Monitor, error) {
	return []screen.Monitor{
		{ID: 0, Name: "Built-in", Width: 100, Height: 100, IsPrimary: true},
		{ID: 1, Name: "External", X: 100, Width: 100, Height: 100},
	}, nil
}

func (m *mockCapturer) Capture(id int) (*image.RGBA, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	out := image.NewRGBA(m.img.Bounds())
	copy(out.Pix, m.img.Pix)
	return out, nil
}

// paint recolours the first rows of the screen.
func (m *mockCapturer) paint(rows int, c color.RGBA) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for y := 0; y < rows; y++ {
		for x := 0; x < m.img.Bounds().Dx(); x++ {
			m.img.SetRGBA(x, y, c)
		}
	}
}

func (m *mockCapturer) fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

type mockCapture struct{}

func (m *mockCapture) Start(ctx context.Context, deviceID string, sampleRate, frames int, out chan<- []int16, errs chan<- error) error {
	return nil
}

func (m *mockCapture) Stop() error {
	return nil
}

func (m *mockCapture) ListDevices() ([]audio.AudioDevice, error) {
	return []audio.AudioDevice{{ID: "default", Name: "Default", Default: true}}, nil
}

func (m *mockCapture) Close() error {
	return nil
}

type mockStream struct {
	deltas []string
	err    error
	cont   string
	pos    int
	done   bool
}

func (s *mockStream) Next() (string, error) {
	if s.pos < len(s.deltas) {
		s.pos++
		return s.deltas[s.pos-1], nil
	}
	if s.err != nil {
		return "", s.err
	}
	s.done = true
	return "", io.EOF
}

func (s *mockStream) Continuation() string {
	if !s.done {
		return ""
	}
	return s.cont
}

func (s *mockStream) Close() error { return nil }

type mockAnalyzer struct {
	mu   sync.Mutex
	reqs []ai.AnalyzeRequest
	// respond builds the n-th (0-based) answer; nil means a two-delta
	// success with continuation "resp_<n+1>".
	respond func(n int) (*mockStream, error)
	// gate, when set, holds every call until it is closed.
	gate chan struct{}
}

func (a *mockAnalyzer) Analyze(ctx context.Context, req ai.AnalyzeRequest) (ai.TextStream, error) {
	a.mu.Lock()
	n := len(a.reqs)
	a.reqs = append(a.reqs, req)
	gate, respond := a.gate, a.respond
	a.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ai.ConnectionError("vision", ctx.Err())
		}
	}
	if respond != nil {
		s, err := respond(n)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return &mockStream{deltas: []string{"Click ", "Save"}, cont: fmt.Sprintf("resp_%d", n+1)}, nil
}

func (a *mockAnalyzer) requests() []ai.AnalyzeRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]ai.AnalyzeRequest(nil), a.reqs...)
}

type mockSession struct {
	mu     sync.Mutex
	events chan ai.SessionEvent
	script [][]ai.SessionEvent
	pushed []audio.Chunk
	closed bool
}

func newMockSession(script ...[]ai.SessionEvent) *mockSession {
	return &mockSession{events: make(chan ai.SessionEvent, 64), script: script}
}

// Push emits the next scripted batch of events.
func (s *mockSession) Push(chunk audio.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ai.ErrSessionClosed
	}
	s.pushed = append(s.pushed, chunk)
	if len(s.script) > 0 {
		for _, ev := range s.script[0] {
			s.events <- ev
		}
		s.script = s.script[1:]
	}
	return nil
}

func (s *mockSession) Events() <-chan ai.SessionEvent { return s.events }

func (s *mockSession) send(ev ai.SessionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.events <- ev
	}
}

// Close reports disconnected and ends the event stream, as a provider does.
func (s *mockSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.events <- ai.StatusEvent(ai.StatusDisconnected, "")
	close(s.events)
	return nil
}

func (s *mockSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type mockOpener struct {
	mu       sync.Mutex
	calls    int
	sessions []*mockSession
	err      error
	gate     chan struct{}
}

func (o *mockOpener) OpenAudioSession(ctx context.Context, opts ai.AudioSessionOptions) (ai.AudioSession, error) {
	o.mu.Lock()
	o.calls++
	gate, err := o.gate, o.err
	o.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	sess := newMockSession()
	sess.events <- ai.StatusEvent(ai.StatusConnected, "")
	o.mu.Lock()
	o.sessions = append(o.sessions, sess)
	o.mu.Unlock()
	return sess, nil
}

func (o *mockOpener) callCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

type mockStatus struct {
	mu    sync.Mutex
	calls []string
}

func (s *mockStatus) record(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, name)
}

func (s *mockStatus) SetIdle()      { s.record("idle") }
func (s *mockStatus) SetCapturing() { s.record("capturing") }
func (s *mockStatus) SetError()     { s.record("error") }

func (s *mockStatus) last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.calls) == 0 {
		return ""
	}
	return s.calls[len(s.calls)-1]
}

type harness struct {
	m        *StreamManager
	rec      *events.Recorder
	capturer *mockCapturer
	analyzer *mockAnalyzer
	opener   *mockOpener
	status   *mockStatus
}

func testSettings() config.Settings {
	s := *config.Defaults()
	s.Endpoint = "https://beme-test.openai.azure.com"
	s.APIKey = "test-key"
	return s
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		rec:      &events.Recorder{},
		capturer: newMockCapturer(),
		analyzer: &mockAnalyzer{},
		opener:   &mockOpener{},
		status:   &mockStatus{},
	}
	cfg := Config{
		Screen:         h.capturer,
		Audio:          &mockCapture{},
		Settings:       testSettings(),
		SettingsPath:   filepath.Join(t.TempDir(), "settings.toml"),
		Sink:           h.rec,
		Logger:         zerolog.Nop(),
		NewAnalyzer:    func(config.Settings) ai.Analyzer { return h.analyzer },
		NewAudioOpener: func(config.Settings) ai.AudioOpener { return h.opener },
		StatusUpdater:  h.status,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	h.m = New(cfg)
	t.Cleanup(func() { h.m.Close() })
	return h
}

// tick runs one sampling step the way the screen loop does.
func (h *harness) tick(t *testing.T) screen.Frame {
	t.Helper()
	f, err := h.m.screen.CaptureOnce()
	require.NoError(t, err)
	h.m.HandlePreview(f)
	if f.Changed {
		h.m.HandleFrame(f)
	}
	return f
}

func (h *harness) waitDone(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return countDone(h.rec.Suggestions()) >= n
	}, 2*time.Second, 5*time.Millisecond)
}

func countDone(ps []events.SuggestionPayload) int {
	n := 0
	for _, p := range ps {
		if p.Done {
			n++
		}
	}
	return n
}

func TestToggleCapture(t *testing.T) {
	h := newHarness(t)

	assert.False(t, h.m.Capturing())
	assert.True(t, h.m.ToggleCapture())
	assert.True(t, h.m.Capturing())
	assert.Equal(t, "capturing", h.status.last())

	assert.False(t, h.m.ToggleCapture())
	assert.False(t, h.m.Capturing())
	assert.Equal(t, "idle", h.status.last())

	var statuses []events.CapturePayload
	for _, p := range h.rec.Topic(events.TopicCapture) {
		statuses = append(statuses, p.(events.CapturePayload))
	}
	assert.Equal(t, []events.CapturePayload{{Screen: true}, {Screen: false}}, statuses)
}

func TestToggleCaptureRapidDoubleInvocation(t *testing.T) {
	h := newHarness(t)

	var wg sync.WaitGroup
	results := make(chan bool, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- h.m.ToggleCapture()
		}()
	}
	wg.Wait()
	close(results)

	on := 0
	for r := range results {
		if r {
			on++
		}
	}
	assert.Equal(t, 10, on, "toggles alternate")
	assert.False(t, h.m.Capturing(), "an even number of toggles returns to idle")
}

func TestNotifyToggleEmitsOrigin(t *testing.T) {
	h := newHarness(t)

	assert.True(t, h.m.NotifyToggle(events.OriginShortcut))
	toggles := h.rec.Topic(events.TopicToggle)
	require.Len(t, toggles, 1)
	assert.Equal(t, events.TogglePayload{Origin: events.OriginShortcut}, toggles[0])
	assert.False(t, h.m.NotifyToggle(events.OriginTray))
}

func TestStaticScreenMakesNoCallsAndChangeMakesOne(t *testing.T) {
	h := newHarness(t)

	// Baseline: the first capture always counts as changed.
	first := h.tick(t)
	assert.Equal(t, 100.0, first.DiffPct)
	h.waitDone(t, 1)
	require.Len(t, h.analyzer.requests(), 1)

	h.tick(t)
	h.tick(t)
	assert.Len(t, h.analyzer.requests(), 1, "static frames are not analyzed")

	h.capturer.paint(10, color.RGBA{R: 255, G: 255, B: 255, A: 255})
	changed := h.tick(t)
	assert.InDelta(t, 10.0, changed.DiffPct, 1e-9)
	h.waitDone(t, 2)
	require.Len(t, h.analyzer.requests(), 2)

	frames := h.rec.Topic(events.TopicFrame)
	assert.Len(t, frames, 4, "every tick is previewed")
	assert.Equal(t, 100, frames[0].(events.FramePayload).Width)

	var screenText string
	for _, p := range h.rec.Suggestions() {
		assert.Equal(t, events.SourceScreen, p.Source)
		if p.ID == 2 {
			screenText += p.Text
		}
	}
	assert.Equal(t, "Click Save", screenText)
}

func TestVisionSuggestionStream(t *testing.T) {
	h := newHarness(t)
	h.tick(t)
	h.waitDone(t, 1)

	got := h.rec.Suggestions()
	require.Len(t, got, 3)
	assert.Equal(t, "Click ", got[0].Text)
	assert.Equal(t, "Save", got[1].Text)
	assert.True(t, got[2].Done)
	assert.Empty(t, got[2].Text)
	for _, p := range got {
		assert.Equal(t, uint64(1), p.ID)
		assert.False(t, p.Done && p.Text != "")
		_, err := time.Parse(time.RFC3339, p.Timestamp)
		assert.NoError(t, err)
	}

	req := h.analyzer.requests()[0]
	assert.Equal(t, "image/jpeg", req.MIMEType)
	assert.Equal(t, config.DefaultVisionPrompt, req.Prompt)
	assert.Empty(t, req.Continuation)
	assert.Equal(t, []byte{0xff, 0xd8}, req.Image[:2])
}

func TestVisionCoalescesLatestFrame(t *testing.T) {
	h := newHarness(t)
	h.analyzer.gate = make(chan struct{})

	frame := func(b byte) screen.Frame {
		return screen.Frame{Image: []byte{b}, Changed: true, DiffPct: 50}
	}
	h.m.HandleFrame(frame(1))
	require.Eventually(t, func() bool { return len(h.analyzer.requests()) == 1 }, time.Second, 5*time.Millisecond)

	h.m.HandleFrame(frame(2))
	h.m.HandleFrame(frame(3))
	h.m.HandleFrame(frame(4))
	assert.Len(t, h.analyzer.requests(), 1, "no second concurrent call")

	close(h.analyzer.gate)
	h.waitDone(t, 2)

	reqs := h.analyzer.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, []byte{1}, reqs[0].Image)
	assert.Equal(t, []byte{4}, reqs[1].Image, "latest pending frame wins")
	assert.Equal(t, "resp_1", reqs[1].Continuation, "chained after the first turn")
}

func TestContinuationChainingAndReset(t *testing.T) {
	h := newHarness(t)
	h.m.HandleFrame(screen.Frame{Image: []byte{1}, Changed: true})
	h.waitDone(t, 1)
	assert.Equal(t, "resp_1", h.m.Continuation())

	h.m.HandleFrame(screen.Frame{Image: []byte{2}, Changed: true})
	h.waitDone(t, 2)
	assert.Equal(t, "resp_1", h.analyzer.requests()[1].Continuation)
	assert.Equal(t, "resp_2", h.m.Continuation())

	require.True(t, h.m.ToggleCapture())
	require.False(t, h.m.ToggleCapture())
	assert.Empty(t, h.m.Continuation(), "stopping capture resets the conversation")
}

func TestTransportFailureKeepsContinuation(t *testing.T) {
	h := newHarness(t)
	h.analyzer.respond = func(n int) (*mockStream, error) {
		if n == 0 {
			return &mockStream{deltas: []string{"ok"}, cont: "resp_good"}, nil
		}
		return &mockStream{
			deltas: []string{"partial"},
			err:    ai.ConnectionError("vision", io.ErrUnexpectedEOF),
		}, nil
	}

	h.m.HandleFrame(screen.Frame{Image: []byte{1}, Changed: true})
	h.waitDone(t, 1)
	h.m.HandleFrame(screen.Frame{Image: []byte{2}, Changed: true})
	h.waitDone(t, 2)

	require.Eventually(t, func() bool { return len(h.rec.Errors()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "resp_good", h.m.Continuation())
	assert.Equal(t, events.SourceScreen, h.rec.Errors()[0].Source)
	assert.Contains(t, h.rec.Errors()[0].Message, "connection error")

	// The next frame still gets a fresh attempt.
	h.m.HandleFrame(screen.Frame{Image: []byte{3}, Changed: true})
	require.Eventually(t, func() bool { return len(h.analyzer.requests()) == 3 }, time.Second, 5*time.Millisecond)
}

func TestVisionAuthFailureLatchesUntilCredentialsChange(t *testing.T) {
	h := newHarness(t)
	h.analyzer.respond = func(n int) (*mockStream, error) {
		if n == 0 {
			return nil, ai.FromResponse("vision", &http.Response{StatusCode: http.StatusUnauthorized, Header: http.Header{}}, "bad key")
		}
		return &mockStream{deltas: []string{"welcome back"}, cont: "resp_2"}, nil
	}

	h.m.HandleFrame(screen.Frame{Image: []byte{1}, Changed: true})
	require.Eventually(t, func() bool { return len(h.rec.Errors()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, h.rec.Errors()[0].Message, "bad key")
	assert.Empty(t, h.rec.Suggestions(), "no stream was opened")
	require.Eventually(t, func() bool { return h.status.last() == "error" }, time.Second, 5*time.Millisecond)

	h.m.HandleFrame(screen.Frame{Image: []byte{2}, Changed: true})
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, h.analyzer.requests(), 1, "auth failures are not retried")

	same := h.m.Settings()
	same.VisionPrompt = "new prompt"
	h.m.Configure(same)
	h.m.HandleFrame(screen.Frame{Image: []byte{3}, Changed: true})
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, h.analyzer.requests(), 1, "unchanged credentials stay blocked")

	fixed := h.m.Settings()
	fixed.APIKey = "rotated-key"
	h.m.Configure(fixed)
	h.m.HandleFrame(screen.Frame{Image: []byte{4}, Changed: true})
	h.waitDone(t, 1)
	assert.Len(t, h.analyzer.requests(), 2)
}

func TestRateLimitHoldsFramesUntilRetryAfter(t *testing.T) {
	h := newHarness(t)
	h.analyzer.respond = func(n int) (*mockStream, error) {
		if n == 0 {
			header := http.Header{}
			header.Set("Retry-After", "60")
			return nil, ai.FromResponse("vision", &http.Response{StatusCode: http.StatusTooManyRequests, Header: header}, "slow down")
		}
		return &mockStream{deltas: []string{"back"}, cont: "resp_2"}, nil
	}

	h.m.HandleFrame(screen.Frame{Image: []byte{1}, Changed: true})
	require.Eventually(t, func() bool { return len(h.rec.Errors()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, h.rec.Errors()[0].Message, "rate_limited")

	h.m.HandleFrame(screen.Frame{Image: []byte{2}, Changed: true})
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, h.analyzer.requests(), 1, "frames wait out Retry-After")

	// New settings start over.
	h.m.Configure(h.m.Settings())
	h.m.HandleFrame(screen.Frame{Image: []byte{3}, Changed: true})
	h.waitDone(t, 1)
	assert.Len(t, h.analyzer.requests(), 2)
}

func TestUnconfiguredVisionSkipsFrames(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Settings.APIKey = "" })
	assert.False(t, h.m.IsAIConfigured())

	h.tick(t)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.analyzer.requests())
	assert.Len(t, h.rec.Topic(events.TopicFrame), 1, "previews still flow")
}

func TestCaptureErrorHaltsLoopAndEmitsError(t *testing.T) {
	h := newHarness(t)
	h.capturer.fail(errors.New("display disconnected"))

	require.True(t, h.m.ToggleCapture())
	require.Eventually(t, func() bool { return len(h.rec.Errors()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return !h.m.Capturing() }, time.Second, 5*time.Millisecond)

	e := h.rec.Errors()[0]
	assert.Equal(t, events.SourceScreen, e.Source)
	assert.Contains(t, e.Message, "display disconnected")
	assert.NotEmpty(t, e.Timestamp)
	assert.Eventually(t, func() bool { return h.status.last() == "error" }, time.Second, 5*time.Millisecond)

	// Capture can be restarted explicitly.
	h.capturer.fail(nil)
	assert.True(t, h.m.ToggleCapture())
}

func TestInjectedAudioSessionRoutesDeltas(t *testing.T) {
	h := newHarness(t)
	sess := newMockSession(
		[]ai.SessionEvent{ai.DeltaEvent(1, "Ask about", false)},
		[]ai.SessionEvent{ai.DeltaEvent(1, " pricing", false)},
		[]ai.SessionEvent{ai.DeltaEvent(1, "", true)},
	)

	assert.False(t, h.m.HasAudioSession())
	assert.ErrorIs(t, h.m.PushAudio(audio.Chunk{Seq: 1}), ErrNoAudioSession)

	h.m.InjectAudioSession(sess)
	assert.True(t, h.m.HasAudioSession())

	for i := uint64(1); i <= 3; i++ {
		h.m.HandleAudioChunk(audio.Chunk{Seq: i, Samples: []int16{1, 2}})
	}
	h.waitDone(t, 1)

	got := h.rec.Suggestions()
	require.Len(t, got, 3)
	for _, p := range got {
		assert.Equal(t, events.SourceAudio, p.Source)
		assert.Equal(t, uint64(1), p.ID)
	}
	assert.Equal(t, "Ask about", got[0].Text)
	assert.Equal(t, " pricing", got[1].Text)
	assert.True(t, got[2].Done)
	assert.Len(t, sess.pushed, 3)

	h.m.ClearAudioSession()
	assert.False(t, h.m.HasAudioSession())
	assert.True(t, sess.isClosed(), "clearing releases the connection")
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.rec.Statuses(), "clearing emits nothing")
}

func TestInjectReplacesHeldSession(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.StartAudioAI(context.Background()))
	old := h.opener.sessions[0]
	require.Eventually(t, func() bool { return len(h.rec.Statuses()) == 2 }, time.Second, 5*time.Millisecond)

	next := newMockSession([]ai.SessionEvent{ai.DeltaEvent(1, "from new session", false)})
	h.m.InjectAudioSession(next)
	assert.True(t, old.isClosed())
	assert.False(t, next.isClosed())

	old.send(ai.DeltaEvent(7, "from old session", false))
	require.NoError(t, h.m.PushAudio(audio.Chunk{Seq: 1}))
	require.Eventually(t, func() bool { return len(h.rec.Suggestions()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	got := h.rec.Suggestions()
	require.Len(t, got, 1)
	assert.Equal(t, "from new session", got[0].Text)
	statuses := h.rec.Statuses()
	assert.Equal(t, ai.StatusConnected, statuses[len(statuses)-1].Status, "the replaced session reports nothing")
	assert.Len(t, next.pushed, 1)
}

func TestCloseAfterClearAudioSession(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.StartAudioAI(context.Background()))
	sess := h.opener.sessions[0]

	h.m.ClearAudioSession()

	closed := make(chan struct{})
	go func() {
		h.m.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on a cleared session")
	}
	assert.True(t, sess.isClosed())
}

func TestStopCaptureClosesSessionItStarted(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Settings.CaptureAudio = true })

	require.True(t, h.m.ToggleCapture())
	require.Eventually(t, h.m.HasAudioSession, time.Second, 5*time.Millisecond)

	on, err := h.m.ToggleAudioCapture()
	require.NoError(t, err)
	assert.False(t, on)
	assert.False(t, h.m.Settings().CaptureAudio)

	require.False(t, h.m.ToggleCapture())
	assert.False(t, h.m.HasAudioSession())
	require.Len(t, h.opener.sessions, 1)
	assert.True(t, h.opener.sessions[0].isClosed())
}

func TestAudioTurnsGetFreshSharedIDs(t *testing.T) {
	h := newHarness(t)

	// Screen turn takes id 1.
	h.m.HandleFrame(screen.Frame{Image: []byte{1}, Changed: true})
	h.waitDone(t, 1)

	sess := newMockSession([]ai.SessionEvent{
		ai.DeltaEvent(1, "first", false),
		{Type: ai.EventDelta, Turn: 1, Done: true, Cancelled: true},
		ai.DeltaEvent(2, "second", false),
		ai.DeltaEvent(2, "", true),
	})
	h.m.InjectAudioSession(sess)
	require.NoError(t, h.m.PushAudio(audio.Chunk{Seq: 1}))
	h.waitDone(t, 3)

	var audioIDs []uint64
	for _, p := range h.rec.Suggestions() {
		if p.Source == events.SourceAudio && p.Done {
			audioIDs = append(audioIDs, p.ID)
		}
	}
	assert.Equal(t, []uint64{2, 3}, audioIDs)
	require.NoError(t, h.m.StopAudioAI())
}

func TestStartAudioAIIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.opener.gate = make(chan struct{})

	errs := make(chan error, 2)
	go func() { errs <- h.m.StartAudioAI(context.Background()) }()
	require.Eventually(t, func() bool { return h.opener.callCount() == 1 }, time.Second, 5*time.Millisecond)

	// A second start while starting is a no-op.
	require.NoError(t, h.m.StartAudioAI(context.Background()))
	close(h.opener.gate)
	require.NoError(t, <-errs)

	assert.True(t, h.m.HasAudioSession())
	require.NoError(t, h.m.StartAudioAI(context.Background()))
	assert.Equal(t, 1, h.opener.callCount())

	require.Eventually(t, func() bool { return len(h.rec.Statuses()) >= 2 }, time.Second, 5*time.Millisecond)
	statuses := h.rec.Statuses()
	assert.Equal(t, ai.StatusConnecting, statuses[0].Status)
	assert.Equal(t, ai.StatusConnected, statuses[1].Status)

	require.NoError(t, h.m.StopAudioAI())
	assert.False(t, h.m.HasAudioSession())
	require.Eventually(t, func() bool {
		s := h.rec.Statuses()
		return s[len(s)-1].Status == ai.StatusDisconnected
	}, time.Second, 5*time.Millisecond)

	// Stopping again is a no-op.
	require.NoError(t, h.m.StopAudioAI())
}

func TestStartAudioAIErrors(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Settings.AudioDeployment = "" })
	assert.ErrorIs(t, h.m.StartAudioAI(context.Background()), ErrNotConfigured)

	h = newHarness(t)
	h.opener.err = ai.FromResponse("realtime", &http.Response{StatusCode: http.StatusForbidden, Header: http.Header{}}, "denied")
	err := h.m.StartAudioAI(context.Background())
	require.Error(t, err)
	assert.True(t, ai.IsAuth(err))
	assert.False(t, h.m.HasAudioSession())

	statuses := h.rec.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, ai.StatusError, statuses[1].Status)
	require.Len(t, h.rec.Errors(), 1)
	assert.Equal(t, events.SourceAudio, h.rec.Errors()[0].Source)

	assert.ErrorIs(t, h.m.StartAudioAI(context.Background()), ErrAuthBlocked)
	assert.Equal(t, 1, h.opener.callCount())
}

func TestAudioSessionErrorEndsSession(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.StartAudioAI(context.Background()))

	sess := h.opener.sessions[0]
	sess.send(ai.StatusEvent(ai.StatusError, "[server_error] boom"))
	sess.mu.Lock()
	sess.closed = true
	close(sess.events)
	sess.mu.Unlock()

	require.Eventually(t, func() bool { return !h.m.HasAudioSession() }, time.Second, 5*time.Millisecond)
	require.Len(t, h.rec.Errors(), 1)
	assert.Contains(t, h.rec.Errors()[0].Message, "boom")

	last := h.rec.Statuses()[len(h.rec.Statuses())-1]
	assert.Equal(t, ai.StatusError, last.Status)
	assert.Equal(t, "[server_error] boom", last.Message)

	// No silent resurrection.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, h.opener.callCount())
}

func TestStopAudioAIDuringHandshake(t *testing.T) {
	h := newHarness(t)
	h.opener.gate = make(chan struct{})

	errs := make(chan error, 1)
	go func() { errs <- h.m.StartAudioAI(context.Background()) }()
	require.Eventually(t, func() bool { return h.opener.callCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.m.StopAudioAI())
	close(h.opener.gate)
	require.NoError(t, <-errs)

	assert.False(t, h.m.HasAudioSession())
	require.Len(t, h.opener.sessions, 1)
	assert.True(t, h.opener.sessions[0].isClosed())
}

func TestPrompts(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, Prompts{Vision: config.DefaultVisionPrompt, Audio: config.DefaultAudioPrompt}, h.m.GetPrompts())

	require.NoError(t, h.m.UpdatePrompt(PromptVision, "Focus on the terminal."))
	require.NoError(t, h.m.UpdatePrompt(PromptAudio, "Summarise."))
	assert.ErrorIs(t, h.m.UpdatePrompt("video", "x"), ErrUnknownPrompt)
	assert.Equal(t, Prompts{Vision: "Focus on the terminal.", Audio: "Summarise."}, h.m.GetPrompts())

	h.m.HandleFrame(screen.Frame{Image: []byte{1}, Changed: true})
	h.waitDone(t, 1)
	assert.Equal(t, "Focus on the terminal.", h.analyzer.requests()[0].Prompt)
}

func TestSaveAndLoadSettings(t *testing.T) {
	h := newHarness(t)

	loaded, err := h.m.LoadSettings()
	require.NoError(t, err)
	assert.Equal(t, *config.Defaults(), loaded, "nothing persisted yet")

	s := testSettings()
	s.FrameDiffThreshold = 12
	s.Monitor = 1
	require.NoError(t, h.m.SaveSettings(s))
	assert.Equal(t, 12.0, h.m.screen.Options().Threshold, "applied live")
	assert.Equal(t, 1, h.m.screen.Selected())

	loaded, err = h.m.LoadSettings()
	require.NoError(t, err)
	assert.Equal(t, s, loaded)
}

func TestLoadSettingsMalformedFallsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.toml")
	require.NoError(t, os.WriteFile(path, []byte("captureInterval = {"), 0o600))
	h := newHarness(t, func(c *Config) { c.SettingsPath = path })

	loaded, err := h.m.LoadSettings()
	assert.ErrorIs(t, err, config.ErrMalformed)
	assert.Equal(t, *config.Defaults(), loaded)
}

func TestMonitorAndDeviceCommands(t *testing.T) {
	h := newHarness(t)

	monitors, err := h.m.ListMonitors()
	require.NoError(t, err)
	require.Len(t, monitors, 2)
	assert.True(t, monitors[0].IsPrimary)

	require.NoError(t, h.m.SelectMonitor(1))
	assert.Equal(t, 1, h.m.Settings().Monitor)
	assert.ErrorIs(t, h.m.SelectMonitor(5), screen.ErrMonitorNotFound)

	devices, err := h.m.ListAudioDevices()
	require.NoError(t, err)
	assert.Equal(t, "Default", devices[0].Name)

	require.NoError(t, h.m.SelectAudioDevice("BlackHole 2ch"))
	assert.Equal(t, "BlackHole 2ch", h.m.Settings().AudioDevice)

	on, err := h.m.ToggleAudioCapture()
	require.NoError(t, err)
	assert.True(t, on)
	assert.True(t, h.m.AudioCapturing())
	on, err = h.m.ToggleAudioCapture()
	require.NoError(t, err)
	assert.False(t, on)
}

func TestAudioLevelEvents(t *testing.T) {
	h := newHarness(t)
	h.m.HandleAudioLevel(0.5)
	levels := h.rec.Topic(events.TopicAudioLevel)
	require.Len(t, levels, 1)
	assert.Equal(t, float32(0.5), levels[0].(events.AudioLevelPayload).Level)
}

func TestDiagnosticLogMirrorsSuggestions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "beme-test.jsonl")
	h := newHarness(t, func(c *Config) { c.DiagnosticLogPath = path })

	h.m.HandleFrame(screen.Frame{Image: []byte{1}, Changed: true})
	h.waitDone(t, 1)
	require.NoError(t, h.m.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &line))
		lines = append(lines, line)
	}
	require.Len(t, lines, 3)
	for _, line := range lines {
		assert.Equal(t, events.TopicSuggestion, line["event"])
		assert.Equal(t, "screen", line["payload"].(map[string]any)["source"])
	}
}
