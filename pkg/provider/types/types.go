package types

// ChatResult is the normalized backend reply for one user message.
type ChatResult struct {
	Success        bool
	Content        string
	ErrorMessage   string
	DebugURL       string
	ConversationID string
}

// Failed builds a result for a backend that answered but could not produce content.
func Failed(message string) ChatResult {
	return ChatResult{ErrorMessage: message}
}
