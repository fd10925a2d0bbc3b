package realtime

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/petems/beme/internal/ai"
	"github.com/petems/beme/internal/audio"
	"github.com/petems/beme/internal/metrics"
)

// Session is one open realtime connection. The writer goroutine is the
// only one writing to the socket; the reader goroutine owns the events
// channel and closes it last.
type Session struct {
	conn      *websocket.Conn
	policy    CommitPolicy
	heartbeat time.Duration
	metrics   *metrics.Metrics
	log       zerolog.Logger

	in     chan audio.Chunk
	events chan ai.SessionEvent

	done       chan struct{}
	closeOnce  sync.Once
	writerDone chan struct{}
	readerDone chan struct{}

	errMu sync.Mutex
	err   error

	dropped atomic.Uint64
	commits atomic.Uint64
}

func newSession(conn *websocket.Conn, policy CommitPolicy, heartbeat time.Duration, m *metrics.Metrics, log zerolog.Logger) *Session {
	s := &Session{
		conn:       conn,
		policy:     policy,
		heartbeat:  heartbeat,
		metrics:    m,
		log:        log,
		in:         make(chan audio.Chunk, inboundQueue),
		events:     make(chan ai.SessionEvent, eventQueue),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	go s.writeLoop()
	go s.readLoop()
	return s
}

// Push queues a chunk for sending. It never blocks: when the queue is full
// the chunk is dropped.
func (s *Session) Push(chunk audio.Chunk) error {
	select {
	case <-s.done:
		return ai.ErrSessionClosed
	default:
	}
	select {
	case s.in <- chunk:
	case <-s.done:
		return ai.ErrSessionClosed
	default:
		s.dropped.Add(1)
		s.metrics.AudioChunkDropped()
	}
	return nil
}

// Events delivers status transitions and text deltas.
func (s *Session) Events() <-chan ai.SessionEvent {
	return s.events
}

// Commits returns how many turns the client committed.
func (s *Session) Commits() uint64 {
	return s.commits.Load()
}

// Dropped returns how many pushed chunks were discarded.
func (s *Session) Dropped() uint64 {
	return s.dropped.Load()
}

// Close ends the session and waits for the writer to release the socket.
// It is safe to call more than once and concurrently with Push.
func (s *Session) Close() error {
	s.shutdown()
	<-s.writerDone
	return nil
}

func (s *Session) shutdown() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Session) write(v any) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteJSON(v)
}

func (s *Session) writeLoop() {
	defer close(s.writerDone)
	defer s.conn.Close()

	ping := time.NewTicker(s.heartbeat)
	defer ping.Stop()

	var (
		pending     int
		commitTimer *time.Timer
		commitC     <-chan time.Time
	)
	stopTimer := func() {
		if commitTimer != nil {
			commitTimer.Stop()
			commitTimer, commitC = nil, nil
		}
	}
	defer stopTimer()

	commit := func() error {
		stopTimer()
		pending = 0
		if err := s.write(clientEvent{EventID: newEventID(), Type: eventCommit}); err != nil {
			return err
		}
		if err := s.write(responseCreateEvent{
			EventID:  newEventID(),
			Type:     eventCreate,
			Response: &responseConfig{Modalities: []string{"text"}},
		}); err != nil {
			return err
		}
		n := s.commits.Add(1)
		s.metrics.AudioCommitted()
		s.log.Debug().Uint64("commit", n).Msg("Committed audio buffer")
		return nil
	}

	for {
		var err error
		select {
		case <-s.done:
			s.closeGracefully()
			return

		case chunk := <-s.in:
			data := chunk.Bytes()
			if len(data) == 0 {
				continue
			}
			err = s.write(audioAppendEvent{
				EventID: newEventID(),
				Type:    eventAppend,
				Audio:   base64.StdEncoding.EncodeToString(data),
			})
			if err != nil {
				break
			}
			if pending == 0 && s.policy.Interval > 0 {
				commitTimer = time.NewTimer(s.policy.Interval)
				commitC = commitTimer.C
			}
			pending += len(data)
			if s.policy.Bytes > 0 && pending >= s.policy.Bytes {
				err = commit()
			}

		case <-commitC:
			commitTimer, commitC = nil, nil
			if pending > 0 {
				err = commit()
			}

		case <-ping.C:
			err = s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
		}

		if err != nil {
			s.fail(ai.ConnectionError(op, fmt.Errorf("write: %w", err)))
			return
		}
	}
}

// closeGracefully sends a close frame and gives the reader a moment to see
// the server's reply before the socket is torn down.
func (s *Session) closeGracefully() {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
		return
	}
	select {
	case <-s.readerDone:
	case <-time.After(closeGracePeriod):
	}
}

// fail records the first fatal error and begins shutdown. The reader
// reports it as the final status.
func (s *Session) fail(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
		s.log.Error().Err(err).Msg("Realtime session failed")
	}
	s.errMu.Unlock()
	s.shutdown()
}

func (s *Session) failure() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// emit delivers ev unless the consumer is gone and the session is closing.
// Only the reader goroutine emits.
func (s *Session) emit(ev ai.SessionEvent) {
	select {
	case s.events <- ev:
	case <-s.done:
		select {
		case s.events <- ev:
		default:
		}
	}
}

func (s *Session) readLoop() {
	defer func() {
		if err := s.failure(); err != nil {
			s.emit(ai.StatusEvent(ai.StatusError, err.Error()))
		} else {
			s.emit(ai.StatusEvent(ai.StatusDisconnected, ""))
		}
		close(s.events)
		close(s.readerDone)
	}()

	var (
		connected bool
		nextTurn  uint64
		turns     = make(map[string]uint64)
	)
	turnFor := func(responseID string) uint64 {
		if t, ok := turns[responseID]; ok {
			return t
		}
		nextTurn++
		turns[responseID] = nextTurn
		return nextTurn
	}

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.shutdown()
				} else {
					s.fail(ai.ConnectionError(op, err))
				}
			}
			return
		}

		var ev serverEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			s.fail(ai.ProtocolError(op, fmt.Sprintf("bad JSON: %v", err)))
			return
		}

		switch ev.Type {
		case eventSessionCreated, eventSessionUpdated:
			if !connected {
				connected = true
				s.emit(ai.StatusEvent(ai.StatusConnected, ""))
			}

		case eventResponseCreated:
			if ev.Response != nil {
				turnFor(ev.Response.ID)
			}

		case eventTextDelta, eventOutputTextDelta, eventTranscriptDelta:
			if ev.Delta != "" {
				s.emit(ai.DeltaEvent(turnFor(ev.ResponseID), ev.Delta, false))
			}

		case eventResponseDone:
			if ev.Response == nil {
				continue
			}
			turn := turnFor(ev.Response.ID)
			delete(turns, ev.Response.ID)
			done := ai.DeltaEvent(turn, "", true)
			switch ev.Response.Status {
			case responseStatusCancelled, responseStatusIncomplete:
				done.Cancelled = true
				s.log.Debug().Str("response_id", ev.Response.ID).Str("status", ev.Response.Status).Msg("Response ended early")
			}
			s.emit(done)

		case eventError:
			msg := "unknown error"
			if ev.Error != nil {
				msg = formatServerError(ev.Error)
			}
			s.fail(errors.New(msg))
			return
		}
	}
}

func formatServerError(e *serverError) string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	code := e.Code
	if code == "" {
		code = e.Type
	}
	if code == "" {
		return msg
	}
	return fmt.Sprintf("[%s] %s", code, msg)
}
