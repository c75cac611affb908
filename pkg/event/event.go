// Package event reads the loosely structured Feishu event envelope.
//
// Every accessor is total: a missing or mistyped field resolves to an empty
// value instead of an error, so malformed payloads surface as reportable
// pipeline outcomes rather than failures.
package event

import (
	"strings"

	"github.com/tidwall/gjson"
)

// TypeMessageReceived is the only event type the pipeline acts on.
const TypeMessageReceived = "im.message.receive_v1"

const unknownEventType = "unknown"

const (
	pathEventType  = "header.event_type"
	pathEventID    = "header.event_id"
	pathSenderType = "event.sender.sender_type"
	pathSenderID   = "event.sender.sender_id"
	pathMessage    = "event.message"
	pathContent    = "event.message.content"
	pathMessageID  = "event.message.message_id"
	pathChatID     = "event.message.chat_id"
)

const (
	fieldText    = "text"
	fieldUserID  = "user_id"
	fieldOpenID  = "open_id"
	fieldUnionID = "union_id"
	fieldType    = "type"
)

// Inbound is one platform notification kept in its raw JSON form.
type Inbound struct {
	raw gjson.Result
}

// Sender identifies the author of a message.
type Sender struct {
	UserID  string `json:"user_id"`
	OpenID  string `json:"open_id"`
	UnionID string `json:"union_id"`
}

// MessageMeta carries the identifiers needed to answer a message.
type MessageMeta struct {
	MessageID string `json:"message_id"`
	ChatID    string `json:"chat_id"`
}

// Parse wraps a JSON body. Invalid JSON yields an event whose fields are all empty.
func Parse(body []byte) Inbound {
	return Inbound{raw: gjson.ParseBytes(body)}
}

// ParseString is Parse for string payloads.
func ParseString(body string) Inbound {
	return Inbound{raw: gjson.Parse(body)}
}

// Get returns the string value at a dotted path, or "" when absent.
func (ev Inbound) Get(path string) string {
	return ev.raw.Get(path).String()
}

// IsURLVerification reports whether the body is the webhook registration handshake.
func (ev Inbound) IsURLVerification() (string, bool) {
	if ev.raw.Get(fieldType).String() != "url_verification" {
		return "", false
	}

	challenge := ev.raw.Get("challenge")
	if !challenge.Exists() {
		return "", false
	}

	return challenge.String(), true
}

// EventType returns header.event_type, or "unknown" when missing.
func EventType(ev Inbound) string {
	if value := strings.TrimSpace(ev.Get(pathEventType)); value != "" {
		return value
	}

	return unknownEventType
}

// EventID returns header.event_id; an empty id disables dedup for the event.
func EventID(ev Inbound) string {
	return strings.TrimSpace(ev.Get(pathEventID))
}

// ExtractText returns the user's message text.
//
// The bool is false only when event.message is absent. Content holding a JSON
// object yields its text field; content that is not JSON is returned as is;
// any other JSON value yields "".
func ExtractText(ev Inbound) (string, bool) {
	message := ev.raw.Get(pathMessage)
	if !message.IsObject() {
		return "", false
	}

	content := ev.raw.Get(pathContent)
	switch {
	case !content.Exists():
		return "", true
	case content.IsObject():
		return content.Get(fieldText).String(), true
	case content.Type != gjson.String:
		return "", true
	}

	raw := content.String()
	if !gjson.Valid(raw) {
		return raw, true
	}

	// Valid JSON that is not an object carries no text field.
	parsed := gjson.Parse(raw)
	if !parsed.IsObject() {
		return "", true
	}

	return parsed.Get(fieldText).String(), true
}

// ExtractSender returns the sender ids; missing fields are empty.
func ExtractSender(ev Inbound) Sender {
	ids := ev.raw.Get(pathSenderID)
	return Sender{
		UserID:  ids.Get(fieldUserID).String(),
		OpenID:  ids.Get(fieldOpenID).String(),
		UnionID: ids.Get(fieldUnionID).String(),
	}
}

// ExtractSenderType returns user, bot, app and so on, or "" when missing.
func ExtractSenderType(ev Inbound) string {
	return ev.Get(pathSenderType)
}

// ExtractMessageMeta returns message and chat ids, empty when missing.
func ExtractMessageMeta(ev Inbound) MessageMeta {
	return MessageMeta{
		MessageID: ev.Get(pathMessageID),
		ChatID:    ev.Get(pathChatID),
	}
}
