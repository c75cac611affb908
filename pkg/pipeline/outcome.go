package pipeline

import (
	"feishubridge/pkg/event"
	"feishubridge/pkg/feishu"
)

// Outcome is the terminal result of handling one inbound event.
//
// Success describes the pipeline, not the delivery: a processed event whose
// reply failed still reports Success with the failure in ReplyOutcome.
type Outcome struct {
	Success      bool           `json:"success"`
	EventType    string         `json:"event_type"`
	EventID      string         `json:"event_id"`
	Message      string         `json:"message,omitempty"`
	Error        string         `json:"error,omitempty"`
	UserInput    string         `json:"user_input,omitempty"`
	AIResponse   *AIResponse    `json:"ai_response,omitempty"`
	ReplyOutcome *feishu.Result `json:"reply_outcome,omitempty"`
	SenderInfo   *event.Sender  `json:"sender_info,omitempty"`
}

// AIResponse echoes what the backend produced before normalization.
type AIResponse struct {
	Content        string `json:"content"`
	DebugURL       string `json:"debug_url,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// Summary returns the human-facing message for the HTTP response body.
func (o Outcome) Summary() string {
	if o.Message != "" {
		return o.Message
	}
	if o.Error != "" {
		return o.Error
	}

	return "event processed"
}
