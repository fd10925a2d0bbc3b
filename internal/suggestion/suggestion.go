// Package suggestion assembles streamed suggestion deltas into whole
// suggestions and keeps a short history.
package suggestion

import (
	"errors"
	"sync"
	"time"

	"github.com/atotto/clipboard"

	"github.com/petems/beme/internal/events"
)

// DefaultHistory is how many suggestions a Board keeps.
const DefaultHistory = 50

// ErrNothingToCopy is returned by Copy when no suggestion has text yet.
var ErrNothingToCopy = errors.New("no suggestion to copy")

// Suggestion is one model turn.
type Suggestion struct {
	ID        uint64
	Source    string
	Text      string
	Done      bool
	StartedAt time.Time
	UpdatedAt time.Time
}

type key struct {
	source string
	id     uint64
}

// Board is an events.Sink that accumulates ai:suggestion deltas.
type Board struct {
	mu     sync.Mutex
	items  map[key]*Suggestion
	order  []key
	limit  int
	onDone []func(Suggestion)

	writeClipboard func(string) error
	now            func() time.Time
}

// Option configures a Board.
type Option func(*Board)

// WithHistory sets how many suggestions are retained.
func WithHistory(n int) Option {
	return func(b *Board) {
		if n > 0 {
			b.limit = n
		}
	}
}

// WithClipboard replaces the system clipboard writer.
func WithClipboard(write func(string) error) Option {
	return func(b *Board) { b.writeClipboard = write }
}

// OnDone registers fn to run, outside the board lock, whenever a
// suggestion completes.
func OnDone(fn func(Suggestion)) Option {
	return func(b *Board) { b.onDone = append(b.onDone, fn) }
}

// NewBoard creates an empty Board.
func NewBoard(opts ...Option) *Board {
	b := &Board{
		items:          make(map[key]*Suggestion),
		limit:          DefaultHistory,
		writeClipboard: clipboard.WriteAll,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Emit consumes suggestion payloads and ignores other topics.
func (b *Board) Emit(topic string, payload any) {
	if topic != events.TopicSuggestion {
		return
	}
	if p, ok := payload.(events.SuggestionPayload); ok {
		b.Apply(p)
	}
}

// Apply appends one delta to its suggestion.
func (b *Board) Apply(p events.SuggestionPayload) {
	b.mu.Lock()
	k := key{source: p.Source, id: p.ID}
	s, ok := b.items[k]
	if !ok {
		s = &Suggestion{ID: p.ID, Source: p.Source, StartedAt: b.now()}
		b.items[k] = s
		b.order = append(b.order, k)
		for len(b.order) > b.limit {
			delete(b.items, b.order[0])
			b.order = b.order[1:]
		}
	}
	s.Text += p.Text
	s.UpdatedAt = b.now()
	completed := p.Done && !s.Done
	if p.Done {
		s.Done = true
	}
	snapshot := *s
	callbacks := b.onDone
	b.mu.Unlock()

	if completed {
		for _, fn := range callbacks {
			fn(snapshot)
		}
	}
}

// History returns retained suggestions, oldest first.
func (b *Board) History() []Suggestion {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Suggestion, 0, len(b.order))
	for _, k := range b.order {
		out = append(out, *b.items[k])
	}
	return out
}

// Latest returns the newest suggestion with text from source, or from any
// source when source is empty.
func (b *Board) Latest(source string) (Suggestion, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.order) - 1; i >= 0; i-- {
		s := b.items[b.order[i]]
		if s.Text == "" {
			continue
		}
		if source == "" || s.Source == source {
			return *s, true
		}
	}
	return Suggestion{}, false
}

// Copy puts the latest suggestion from source on the clipboard and returns
// its text.
func (b *Board) Copy(source string) (string, error) {
	s, ok := b.Latest(source)
	if !ok {
		return "", ErrNothingToCopy
	}
	if err := b.writeClipboard(s.Text); err != nil {
		return "", err
	}
	return s.Text, nil
}
