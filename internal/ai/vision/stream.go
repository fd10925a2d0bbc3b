package vision

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/petems/beme/internal/ai"
)

const maxEventSize = 1 << 20

// sseScanner yields the data payload of each server-sent event line.
type sseScanner struct {
	scanner *bufio.Scanner
	data    []byte
}

func newSSEScanner(r io.Reader) *sseScanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64<<10), maxEventSize)
	return &sseScanner{scanner: s}
}

func (s *sseScanner) Scan() bool {
	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		s.data = bytes.TrimSpace(line[len("data:"):])
		return true
	}
	return false
}

func (s *sseScanner) Data() []byte { return s.data }
func (s *sseScanner) Err() error   { return s.scanner.Err() }

type event struct {
	Type     string `json:"type"`
	Delta    string `json:"delta"`
	Response *struct {
		ID    string `json:"id"`
		Error *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	} `json:"response"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// textStream reads one streamed response.
type textStream struct {
	body    io.ReadCloser
	scanner *sseScanner

	responseID string
	done       bool
	err        error
	closeOnce  sync.Once
}

func newStream(body io.ReadCloser) *textStream {
	return &textStream{body: body, scanner: newSSEScanner(body)}
}

func (s *textStream) Next() (string, error) {
	if s.err != nil {
		return "", s.err
	}
	if s.done {
		return "", io.EOF
	}

	for s.scanner.Scan() {
		data := s.scanner.Data()
		if len(data) == 0 {
			continue
		}
		if string(data) == "[DONE]" {
			return s.finish()
		}

		var ev event
		if err := json.Unmarshal(data, &ev); err != nil {
			return s.fail(ai.ProtocolError(op, fmt.Sprintf("invalid JSON in SSE: %v", err)))
		}

		switch ev.Type {
		case "response.created":
			if ev.Response != nil && ev.Response.ID != "" {
				s.responseID = ev.Response.ID
			}
		case "response.output_text.delta":
			if ev.Delta != "" {
				return ev.Delta, nil
			}
		case "response.output_text.done", "response.completed", "response.incomplete":
			if ev.Response != nil && ev.Response.ID != "" {
				s.responseID = ev.Response.ID
			}
			return s.finish()
		case "response.failed":
			msg := "response failed"
			if ev.Response != nil && ev.Response.Error != nil {
				msg = formatServerError(ev.Response.Error.Code, ev.Response.Error.Message)
			}
			return s.fail(ai.ProtocolError(op, msg))
		case "error":
			code, msg := ev.Code, ev.Message
			if ev.Error != nil {
				code, msg = ev.Error.Code, ev.Error.Message
			}
			return s.fail(ai.ProtocolError(op, formatServerError(code, msg)))
		}
	}

	if err := s.scanner.Err(); err != nil {
		return s.fail(ai.ConnectionError(op, err))
	}
	return s.fail(ai.ConnectionError(op, io.ErrUnexpectedEOF))
}

func (s *textStream) finish() (string, error) {
	s.done = true
	s.Close()
	return "", io.EOF
}

func (s *textStream) fail(err error) (string, error) {
	s.err = err
	s.Close()
	return "", err
}

// Continuation returns the response id once the stream completed.
func (s *textStream) Continuation() string {
	if !s.done {
		return ""
	}
	return s.responseID
}

func (s *textStream) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.body.Close() })
	return err
}

func formatServerError(code, msg string) string {
	if msg == "" {
		msg = "unknown error"
	}
	if code == "" {
		return msg
	}
	return fmt.Sprintf("[%s] %s", code, msg)
}
