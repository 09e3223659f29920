package stream

import "encoding/json"

// Outbound frame starting a turn. Field presence is contract; framing is
// transport-defined (JSON text frames here).
type turnFrame struct {
	Message      string                 `json:"message"`
	SessionID    string                 `json:"session_id"`
	UserMetadata map[string]interface{} `json:"user_metadata,omitempty"`
	UserID       string                 `json:"user_id,omitempty"`
	AgentKey     string                 `json:"agent_key,omitempty"`
	StoreID      string                 `json:"store_id,omitempty"`
}

// Outbound control frame cancelling an in-flight turn.
type interruptFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Action    string `json:"action"`
	Timestamp string `json:"timestamp"`
}

// Outbound request for a transcription of the remote party's speech, sent on
// a confirmed rising speaking edge.
type transcriptionFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// inboundFrame is the demux envelope for server messages. Only Type is
// guaranteed; the raw frame is retained for terminal payload delivery.
type inboundFrame struct {
	Type          string `json:"type"`
	Progress      int    `json:"progress"`
	StatusMessage string `json:"status_message"`
}

// TurnRequest describes one user turn to send over the channel.
type TurnRequest struct {
	Message      string
	SessionID    string
	UserMetadata map[string]interface{}
	UserID       string
	AgentKey     string
	StoreID      string
}

// ThinkingStatus is an intermediate progress update for an in-flight turn.
type ThinkingStatus struct {
	Progress      int
	StatusMessage string
}

// TurnResult is the terminal outcome of a send. Payload holds the raw
// final_response frame for the caller to interpret.
type TurnResult struct {
	Payload json.RawMessage
	Err     error
}
