// Package llm talks to language model providers. Every backend answers a
// conversation with a structured [tools.Response]: free-text reasoning
// plus exactly one tool call, constrained by the response JSON schema.
package llm

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/parleyhq/parley/internal/tools"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Part types of multi-part content.
const (
	PartText     = "text"
	PartImageURL = "image_url"
)

var (
	// ErrUnknownBackend is returned for an unsupported backend name.
	ErrUnknownBackend = errors.New("unknown inference backend")

	// ErrEmptyResponse is returned when a provider answers with no
	// content at all.
	ErrEmptyResponse = errors.New("model returned an empty response")
)

// Generator produces the next structured response for a conversation.
// messages start with the system prompt and end with the latest entry
// of the transcript.
type Generator interface {
	Generate(ctx context.Context, messages []Message) (*tools.Response, error)
}

// ImageURL references an image by URL. data: URLs are allowed.
type ImageURL struct {
	URL string `json:"url"`
}

// Part is one element of multi-part message content.
type Part struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// Message is one entry of the conversation sent to a model. Content is
// used for plain text; Parts, when set, takes precedence and carries
// text together with images.
type Message struct {
	Role    string
	Content string
	Parts   []Part
}

// TextMessage returns a plain text message.
func TextMessage(role, content string) Message {
	return Message{Role: role, Content: content}
}

// ImageMessage returns a two-part message: the text followed by the image.
func ImageMessage(role, text, url string) Message {
	return Message{
		Role: role,
		Parts: []Part{
			{Type: PartText, Text: text},
			{Type: PartImageURL, ImageURL: &ImageURL{URL: url}},
		},
	}
}

// Text returns the message text, joining text parts when the message is
// multi-part.
func (m Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var out string
	for _, p := range m.Parts {
		if p.Type != PartText {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += p.Text
	}
	return out
}

// Images returns the URLs of the message's image parts.
func (m Message) Images() []string {
	var urls []string
	for _, p := range m.Parts {
		if p.Type == PartImageURL && p.ImageURL != nil {
			urls = append(urls, p.ImageURL.URL)
		}
	}
	return urls
}

// MarshalJSON encodes content as a string, or as an array of parts for
// multi-part messages.
func (m Message) MarshalJSON() ([]byte, error) {
	if len(m.Parts) > 0 {
		return json.Marshal(struct {
			Role    string `json:"role"`
			Content []Part `json:"content"`
		}{m.Role, m.Parts})
	}
	return json.Marshal(struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}{m.Role, m.Content})
}

// UnmarshalJSON accepts either content form.
func (m *Message) UnmarshalJSON(data []byte) error {
	var wire struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	m.Role = wire.Role
	m.Content = ""
	m.Parts = nil
	if len(wire.Content) == 0 || string(wire.Content) == "null" {
		return nil
	}
	if wire.Content[0] == '[' {
		return json.Unmarshal(wire.Content, &m.Parts)
	}
	return json.Unmarshal(wire.Content, &m.Content)
}
