// Package events defines the outbound event surface: topics, payloads and
// the sinks that deliver them.
package events

import (
	"sync"
	"time"

	"github.com/petems/beme/internal/ai"
)

// Topics.
const (
	TopicFrame       = "capture:frame"
	TopicAudioLevel  = "capture:audio-level"
	TopicToggle      = "capture:toggle"
	TopicCapture     = "capture:status"
	TopicSuggestion  = "ai:suggestion"
	TopicError       = "ai:error"
	TopicAudioStatus = "ai:audio-status"
)

// Suggestion sources.
const (
	SourceScreen = "screen"
	SourceAudio  = "audio"
)

// Toggle origins.
const (
	OriginShortcut = "shortcut"
	OriginTray     = "tray"
)

const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Timestamp formats t as RFC 3339 UTC with millisecond precision.
func Timestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// Now is Timestamp(time.Now()).
func Now() string {
	return Timestamp(time.Now())
}

type FramePayload struct {
	Data      string  `json:"data"`
	Timestamp string  `json:"timestamp"`
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	DiffPct   float64 `json:"diff_pct"`
	Monitor   int     `json:"monitor"`
}

type AudioLevelPayload struct {
	Level     float32 `json:"level"`
	Timestamp string  `json:"timestamp"`
}

// SuggestionPayload is one delta of a suggestion. The final delta of an id
// has Done set and usually empty Text.
type SuggestionPayload struct {
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
	Done      bool   `json:"done"`
	ID        uint64 `json:"id"`
	Source    string `json:"source"`
}

type ErrorPayload struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	Source    string `json:"source,omitempty"`
}

type AudioStatusPayload struct {
	Status  ai.Status `json:"status"`
	Message string    `json:"message,omitempty"`
}

type TogglePayload struct {
	Origin string `json:"origin"`
}

// CapturePayload reports the capture state after a change.
type CapturePayload struct {
	Screen bool `json:"screen"`
	Audio  bool `json:"audio"`
}

// Sink receives outbound events. Emit must not block for long; it is called
// from capture and network goroutines.
type Sink interface {
	Emit(topic string, payload any)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(topic string, payload any)

func (f SinkFunc) Emit(topic string, payload any) { f(topic, payload) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(string, any) {})

// Multi fans every event out to sinks in order.
func Multi(sinks ...Sink) Sink {
	return multiSink(sinks)
}

type multiSink []Sink

func (m multiSink) Emit(topic string, payload any) {
	for _, s := range m {
		s.Emit(topic, payload)
	}
}

// Event is one recorded emission.
type Event struct {
	Topic   string
	Payload any
}

// Recorder is a Sink that keeps every event, for tests and diagnostics.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(topic string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Topic: topic, Payload: payload})
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Topic returns the payloads recorded for topic.
func (r *Recorder) Topic(topic string) []any {
	var out []any
	for _, e := range r.Events() {
		if e.Topic == topic {
			out = append(out, e.Payload)
		}
	}
	return out
}

// Suggestions returns the recorded suggestion payloads.
func (r *Recorder) Suggestions() []SuggestionPayload {
	var out []SuggestionPayload
	for _, p := range r.Topic(TopicSuggestion) {
		out = append(out, p.(SuggestionPayload))
	}
	return out
}

// Errors returns the recorded error payloads.
func (r *Recorder) Errors() []ErrorPayload {
	var out []ErrorPayload
	for _, p := range r.Topic(TopicError) {
		out = append(out, p.(ErrorPayload))
	}
	return out
}

// Statuses returns the recorded audio status payloads.
func (r *Recorder) Statuses() []AudioStatusPayload {
	var out []AudioStatusPayload
	for _, p := range r.Topic(TopicAudioStatus) {
		out = append(out, p.(AudioStatusPayload))
	}
	return out
}

// Reset forgets recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
