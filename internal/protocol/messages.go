package protocol

import "time"

// Transcript is final STT output produced by a remote recognizer node.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// PredictRequest asks for a prediction from typed text.
type PredictRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text"`
}

const (
	SubjectTranscriptFinal = "stt.text.final"
	SubjectPredictRequest  = "predict.request.text"
	SubjectPredictOutcome  = "predict.outcome"
)

// AudioFrame carries mono 16-bit PCM from a capture node. Frames of one
// session are buffered until a frame with Final set arrives.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// SubjectAudioFramePrefix is followed by the session id.
const SubjectAudioFramePrefix = "stt.audio"

// NodeStatus is published by every runtime on start and on each heartbeat.
type NodeStatus struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities,omitempty"`
	Timestamp    time.Time    `json:"timestamp"`
}

// Capability names something a node can do, e.g. "predict.text".
type Capability struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

const (
	SubjectNodeAnnounce        = "ctrl.node.announce"
	SubjectNodeHeartbeatPrefix = "ctrl.node.heartbeat"
)
