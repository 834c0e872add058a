package tools

import (
	"time"
)

// Envelope message types. Every payload written to the transcript on
// behalf of the user (their own text, tool results and tool errors) is
// one of these.
const (
	MessageUser       = "user_message"
	MessageError      = "error_message"
	MessageToolReturn = "tool_return"
)

// EnvelopeTimeFormat is the layout of the envelope time member.
const EnvelopeTimeFormat = "2006-01-02 15:04:05"

// Envelope is the JSON payload persisted for user-role messages.
type Envelope struct {
	MessageType string `json:"message_type"`
	ToolType    string `json:"tool_type,omitempty"`
	Content     string `json:"content"`
	Time        string `json:"time"`
}

// Text returns the indented JSON form stored in the transcript.
func (e Envelope) Text() (string, error) {
	compact, err := encode(e)
	if err != nil {
		return "", err
	}
	return indent(compact)
}

// UserMessage wraps text the user typed.
func UserMessage(content string, at time.Time) Envelope {
	return Envelope{
		MessageType: MessageUser,
		Content:     content,
		Time:        at.Format(EnvelopeTimeFormat),
	}
}

// ErrorMessage reports a failed tool call back to the model.
func ErrorMessage(toolType string, err error, at time.Time) Envelope {
	return Envelope{
		MessageType: MessageError,
		ToolType:    toolType,
		Content:     err.Error(),
		Time:        at.Format(EnvelopeTimeFormat),
	}
}

// ToolReturn carries a tool's result back to the model.
func ToolReturn(toolType, content string, at time.Time) Envelope {
	return Envelope{
		MessageType: MessageToolReturn,
		ToolType:    toolType,
		Content:     content,
		Time:        at.Format(EnvelopeTimeFormat),
	}
}
