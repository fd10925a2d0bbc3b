// Package ai defines the provider-neutral capabilities the pipeline consumes:
// turn-based image analysis and full-duplex audio sessions.
package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/petems/beme/internal/audio"
)

// ProviderConfig holds the connection settings for one deployment. Values
// are copied per request so a change never affects an in-flight call.
type ProviderConfig struct {
	Endpoint        string
	APIKey          string
	UseBearer       bool
	Deployment      string
	Prompt          string
	MaxOutputTokens int
}

// Configured reports whether enough is set to attempt a connection.
func (c ProviderConfig) Configured() bool {
	return strings.TrimSpace(c.Endpoint) != "" && c.APIKey != "" && c.Deployment != ""
}

// SameCredentials reports whether c and o authenticate identically.
func (c ProviderConfig) SameCredentials(o ProviderConfig) bool {
	return c.Endpoint == o.Endpoint && c.APIKey == o.APIKey && c.UseBearer == o.UseBearer
}

// AnalyzeRequest is one vision turn.
type AnalyzeRequest struct {
	Image        []byte
	MIMEType     string
	Prompt       string
	Continuation string
}

// TextStream yields text deltas of one model turn.
type TextStream interface {
	// Next returns the next delta, or io.EOF once the turn completed.
	Next() (string, error)
	// Continuation returns the token for chaining the next turn. It is only
	// meaningful after Next returned io.EOF.
	Continuation() string
	Close() error
}

// Analyzer performs turn-based image analysis.
type Analyzer interface {
	Analyze(ctx context.Context, req AnalyzeRequest) (TextStream, error)
}

// AudioSessionOptions configures a new audio session.
type AudioSessionOptions struct {
	Prompt string
}

// AudioOpener opens full-duplex audio sessions.
type AudioOpener interface {
	OpenAudioSession(ctx context.Context, opts AudioSessionOptions) (AudioSession, error)
}

// AudioSession is a live audio connection. Push never blocks on the network.
// Events is closed once the session ended and its final status was sent.
type AudioSession interface {
	Push(chunk audio.Chunk) error
	Events() <-chan SessionEvent
	Close() error
}

// Status is the lifecycle state of an audio session.
type Status int

const (
	StatusConnecting Status = iota
	StatusConnected
	StatusDisconnected
	StatusError
)

var statusNames = [...]string{"connecting", "connected", "disconnected", "error"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for i, n := range statusNames {
		if n == name {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown session status %q", name)
}

// EventType discriminates SessionEvent.
type EventType int

const (
	EventStatus EventType = iota
	EventDelta
)

// SessionEvent is either a status transition or a text delta of one turn.
// Turn ids are assigned by the session, start at 1 and increase by one per
// model response.
type SessionEvent struct {
	Type      EventType
	Status    Status
	Message   string
	Turn      uint64
	Text      string
	Done      bool
	Cancelled bool
}

// StatusEvent builds a status transition.
func StatusEvent(s Status, msg string) SessionEvent {
	return SessionEvent{Type: EventStatus, Status: s, Message: msg}
}

// DeltaEvent builds a text delta for turn.
func DeltaEvent(turn uint64, text string, done bool) SessionEvent {
	return SessionEvent{Type: EventDelta, Turn: turn, Text: text, Done: done}
}
