package events

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petems/beme/internal/ai"
)

func TestTimestamp(t *testing.T) {
	ts := time.Date(2026, 3, 4, 5, 6, 7, 891_000_000, time.FixedZone("X", 3600))
	assert.Equal(t, "2026-03-04T04:06:07.891Z", Timestamp(ts))
}

func TestBusDeliversTypedPayloads(t *testing.T) {
	bus := NewBus()

	var got []SuggestionPayload
	require.NoError(t, bus.Subscribe(TopicSuggestion, func(p SuggestionPayload) {
		got = append(got, p)
	}))

	var statuses []AudioStatusPayload
	require.NoError(t, bus.Subscribe(TopicAudioStatus, func(p AudioStatusPayload) {
		statuses = append(statuses, p)
	}))

	bus.Emit(TopicSuggestion, SuggestionPayload{ID: 1, Source: SourceScreen, Text: "hi"})
	bus.Emit(TopicAudioStatus, AudioStatusPayload{Status: ai.StatusConnected})
	bus.Emit(TopicFrame, FramePayload{Width: 1})

	require.Len(t, got, 1)
	assert.Equal(t, "hi", got[0].Text)
	require.Len(t, statuses, 1)
	assert.Equal(t, ai.StatusConnected, statuses[0].Status)

	assert.Error(t, bus.Subscribe(TopicError, "not a func"))
}

func TestBusAsyncSubscriber(t *testing.T) {
	bus := NewBus()
	var mu sync.Mutex
	var ids []uint64
	require.NoError(t, bus.SubscribeAsync(TopicSuggestion, func(p SuggestionPayload) {
		mu.Lock()
		defer mu.Unlock()
		ids = append(ids, p.ID)
	}))

	for i := uint64(1); i <= 3; i++ {
		bus.Emit(TopicSuggestion, SuggestionPayload{ID: i})
	}
	bus.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []uint64{1, 2, 3}, ids)
}

func TestMultiAndRecorder(t *testing.T) {
	var a, b Recorder
	sink := Multi(&a, &b, Discard)

	sink.Emit(TopicSuggestion, SuggestionPayload{ID: 1})
	sink.Emit(TopicError, ErrorPayload{Message: "boom"})
	sink.Emit(TopicAudioStatus, AudioStatusPayload{Status: ai.StatusError, Message: "x"})

	for _, r := range []*Recorder{&a, &b} {
		assert.Len(t, r.Events(), 3)
		assert.Len(t, r.Suggestions(), 1)
		assert.Equal(t, "boom", r.Errors()[0].Message)
		assert.Equal(t, ai.StatusError, r.Statuses()[0].Status)
	}
	a.Reset()
	assert.Empty(t, a.Events())
}

func TestDiagnosticLogWritesSuggestionLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "beme-test.jsonl")
	d, err := OpenDiagnosticLog(path, zerolog.Nop())
	require.NoError(t, err)

	d.Emit(TopicSuggestion, SuggestionPayload{ID: 1, Source: SourceAudio, Text: "Ask about pricing", Timestamp: "t1"})
	d.Emit(TopicFrame, FramePayload{Width: 10})
	d.Emit(TopicSuggestion, SuggestionPayload{ID: 1, Source: SourceAudio, Done: true, Timestamp: "t2"})
	require.NoError(t, d.Close())
	d.Emit(TopicSuggestion, SuggestionPayload{ID: 2})
	require.NoError(t, d.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		lines = append(lines, m)
	}
	require.NoError(t, sc.Err())
	require.Len(t, lines, 2)

	assert.Equal(t, TopicSuggestion, lines[0]["event"])
	assert.NotEmpty(t, lines[0]["timestamp"])
	payload := lines[0]["payload"].(map[string]any)
	assert.Equal(t, "Ask about pricing", payload["text"])
	assert.Equal(t, "audio", payload["source"])
	assert.Equal(t, float64(1), payload["id"])
	assert.Equal(t, false, payload["done"])
	assert.Equal(t, true, lines[1]["payload"].(map[string]any)["done"])
}

func TestDiagnosticLogAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"existing\":true}\n"), 0o644))

	d, err := OpenDiagnosticLog(path, zerolog.Nop())
	require.NoError(t, err)
	d.Emit(TopicSuggestion, SuggestionPayload{ID: 9})
	require.NoError(t, d.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "{\"existing\":true}\n{\"event\":\"ai:suggestion\"")
}

func TestOpenDiagnosticLogFailure(t *testing.T) {
	_, err := OpenDiagnosticLog(filepath.Join(t.TempDir(), "missing", "dir", "x.jsonl"), zerolog.Nop())
	assert.Error(t, err)
}
