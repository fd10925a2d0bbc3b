package events

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// DiagnosticLog appends one JSON line per suggestion event to a file, for
// verifying end to end that suggestions were produced.
type DiagnosticLog struct {
	mu   sync.Mutex
	f    *os.File
	log  zerolog.Logger
	path string
}

type diagLine struct {
	Event     string `json:"event"`
	Timestamp string `json:"timestamp"`
	Payload   any    `json:"payload"`
}

// OpenDiagnosticLog opens path for appending, creating it if needed.
func OpenDiagnosticLog(path string, log zerolog.Logger) (*DiagnosticLog, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open diagnostic log: %w", err)
	}
	return &DiagnosticLog{f: f, log: log, path: path}, nil
}

// Path returns the file being written.
func (d *DiagnosticLog) Path() string { return d.path }

// Emit records suggestion events and ignores everything else.
func (d *DiagnosticLog) Emit(topic string, payload any) {
	if topic != TopicSuggestion {
		return
	}
	data, err := json.Marshal(diagLine{Event: topic, Timestamp: Now(), Payload: payload})
	if err != nil {
		d.log.Warn().Err(err).Msg("Failed to encode diagnostic line")
		return
	}
	data = append(data, '\n')

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return
	}
	if _, err := d.f.Write(data); err != nil {
		d.log.Warn().Err(err).Str("path", d.path).Msg("Failed to write diagnostic log")
	}
}

// Close flushes and closes the file. Later emits are dropped.
func (d *DiagnosticLog) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return nil
	}
	err := d.f.Close()
	d.f = nil
	return err
}
