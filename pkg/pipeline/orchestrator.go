// Package pipeline turns one inbound Feishu event into an AI reply.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"feishubridge/pkg/event"
	"feishubridge/pkg/feishu"
	"feishubridge/pkg/logger"
	"feishubridge/pkg/normalize"
	providertypes "feishubridge/pkg/provider/types"
)

const (
	senderTypeUser   = "user"
	emptyReplyText   = "(no content)"
	defaultChatLabel = "feishu-bot"

	msgDuplicate    = "duplicate ignored"
	msgNonUser      = "non-user message ignored"
	msgProcessed    = "processed and replied"
	errNoContent    = "could not extract message content"
	errAIFailed     = "AI failed: "
	errAIException  = "AI exception: "
	msgNotProcessed = "event type %s received, not processed"
)

// Chatter is the slice of the AI backend the pipeline needs.
type Chatter interface {
	Chat(ctx context.Context, userInput string, conversationLabel string) (providertypes.ChatResult, error)
}

// Replier posts a reply to an existing message.
type Replier interface {
	Reply(ctx context.Context, messageID string, text string) feishu.Result
}

// Deduplicator tells whether an event id was already handled.
type Deduplicator interface {
	IsDuplicate(eventID string) bool
}

// Orchestrator runs dedup, dispatch, extraction, the AI call and the reply.
type Orchestrator struct {
	dedup   Deduplicator
	backend Chatter
	replier Replier
	label   string
	log     *slog.Logger
}

// NewOrchestrator wires the pipeline collaborators. An empty label falls back to a default.
func NewOrchestrator(dedup Deduplicator, backend Chatter, replier Replier, conversationLabel string, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	if conversationLabel == "" {
		conversationLabel = defaultChatLabel
	}

	return &Orchestrator{
		dedup:   dedup,
		backend: backend,
		replier: replier,
		label:   conversationLabel,
		log:     log.With(logger.KeyComponent, "pipeline.orchestrator"),
	}
}

// Handle processes ev and always returns an outcome.
func (o *Orchestrator) Handle(ctx context.Context, ev event.Inbound) Outcome {
	eventType := event.EventType(ev)
	eventID := event.EventID(ev)
	log := o.log.With(logger.KeyEventType, eventType, logger.KeyEventID, eventID)
	log.Info("Handling Feishu event")

	outcome := Outcome{EventType: eventType, EventID: eventID}

	if o.dedup.IsDuplicate(eventID) {
		log.Info("Ignoring duplicate event")
		outcome.Success = true
		outcome.Message = msgDuplicate
		return outcome
	}

	if eventType != event.TypeMessageReceived {
		log.Info("Acknowledging unhandled event type")
		outcome.Success = true
		outcome.Message = fmt.Sprintf(msgNotProcessed, eventType)
		return outcome
	}

	return o.handleMessage(ctx, ev, outcome, log)
}

func (o *Orchestrator) handleMessage(ctx context.Context, ev event.Inbound, outcome Outcome, log *slog.Logger) Outcome {
	// Answering bots, including ourselves, would loop forever.
	if senderType := event.ExtractSenderType(ev); senderType != "" && senderType != senderTypeUser {
		log.Info("Ignoring non-user message", "sender_type", senderType)
		outcome.Success = true
		outcome.Message = msgNonUser
		return outcome
	}

	text, ok := event.ExtractText(ev)
	if !ok || text == "" {
		log.Warn("Could not extract message content")
		outcome.Error = errNoContent
		return outcome
	}

	sender := event.ExtractSender(ev)
	outcome.UserInput = text
	outcome.SenderInfo = &sender
	log.Info("Received user message", "open_id", sender.OpenID, "content", logger.Preview(text))

	result, err := o.chat(ctx, text)
	if err != nil {
		log.Error("AI backend call failed", "error", err)
		outcome.Error = errAIException + err.Error()
		return outcome
	}
	if !result.Success {
		log.Error("AI backend reported failure", "reason", result.ErrorMessage)
		outcome.Error = errAIFailed + result.ErrorMessage
		return outcome
	}

	meta := event.ExtractMessageMeta(ev)
	replyText := normalize.FirstSentence(result.Content)
	if replyText == "" {
		replyText = emptyReplyText
	}

	reply := o.replier.Reply(ctx, meta.MessageID, replyText)
	if !reply.Success {
		log.Warn("Reply delivery failed", "message_id", meta.MessageID, "error", reply.Error)
	} else {
		log.Info("Replied to message", "message_id", meta.MessageID, "content", logger.Preview(replyText))
	}

	outcome.Success = true
	outcome.Message = msgProcessed
	outcome.AIResponse = &AIResponse{
		Content:        result.Content,
		DebugURL:       result.DebugURL,
		ConversationID: result.ConversationID,
	}
	outcome.ReplyOutcome = &reply
	return outcome
}

// chat calls the backend, converting a panic into an error so every path
// still yields an outcome.
func (o *Orchestrator) chat(ctx context.Context, text string) (result providertypes.ChatResult, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("backend panic: %v", recovered)
		}
	}()

	return o.backend.Chat(ctx, text, o.label)
}
