package realtime

import "github.com/google/uuid"

// Client event types.
const (
	eventSessionUpdate = "session.update"
	eventAppend        = "input_audio_buffer.append"
	eventCommit        = "input_audio_buffer.commit"
	eventCreate        = "response.create"
)

// Server event types.
const (
	eventSessionCreated      = "session.created"
	eventSessionUpdated      = "session.updated"
	eventResponseCreated     = "response.created"
	eventTextDelta           = "response.text.delta"
	eventOutputTextDelta     = "response.output_text.delta"
	eventTranscriptDelta     = "response.audio_transcript.delta"
	eventResponseDone        = "response.done"
	eventError               = "error"
	responseStatusCancelled  = "cancelled"
	responseStatusIncomplete = "incomplete"
)

type transcriptionConfig struct {
	Model string `json:"model"`
}

type turnDetectionConfig struct {
	Type string `json:"type"`
}

type sessionConfig struct {
	Modalities              []string             `json:"modalities"`
	Instructions            string               `json:"instructions"`
	InputAudioFormat        string               `json:"input_audio_format"`
	InputAudioTranscription *transcriptionConfig `json:"input_audio_transcription,omitempty"`
	// TurnDetection is nil to disable server VAD; it must serialise as null.
	TurnDetection *turnDetectionConfig `json:"turn_detection"`
}

type sessionUpdateEvent struct {
	EventID string        `json:"event_id"`
	Type    string        `json:"type"`
	Session sessionConfig `json:"session"`
}

type audioAppendEvent struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"`
	Audio   string `json:"audio"`
}

type responseConfig struct {
	Modalities []string `json:"modalities"`
}

type responseCreateEvent struct {
	EventID  string          `json:"event_id"`
	Type     string          `json:"type"`
	Response *responseConfig `json:"response,omitempty"`
}

type clientEvent struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"`
}

func newEventID() string {
	return "evt_" + uuid.NewString()
}

func newSessionUpdate(instructions string) sessionUpdateEvent {
	return sessionUpdateEvent{
		EventID: newEventID(),
		Type:    eventSessionUpdate,
		Session: sessionConfig{
			Modalities:              []string{"text"},
			Instructions:            instructions,
			InputAudioFormat:        "pcm16",
			InputAudioTranscription: &transcriptionConfig{Model: "whisper-1"},
		},
	}
}

type serverError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type serverResponse struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	StatusDetails *struct {
		Reason string `json:"reason"`
	} `json:"status_details"`
}

type serverEvent struct {
	Type       string          `json:"type"`
	EventID    string          `json:"event_id"`
	ResponseID string          `json:"response_id"`
	Delta      string          `json:"delta"`
	Response   *serverResponse `json:"response"`
	Error      *serverError    `json:"error"`
}
