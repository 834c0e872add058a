package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
)

// Tool result texts returned to the model.
const (
	MemoryStored    = "Memory stored successfully."
	ToolDoesntExist = "Tool does not exist."
)

var (
	// ErrToolDisabled is returned by Dispatch under [PolicyReject] when the
	// requested tool is in the disabled set.
	ErrToolDisabled = errors.New("tool is disabled")

	// ErrNoSpeaker is returned for voice messages when no text-to-speech
	// backend is configured.
	ErrNoSpeaker = errors.New("voice messages are not enabled")
)

// MemoryService stores and recalls long-term memories for a session.
type MemoryService interface {
	Store(ctx context.Context, text string, sessionID uuid.UUID) error
	// Retrieve returns the closest memory text, or a fixed not-found
	// sentinel when the session has none.
	Retrieve(ctx context.Context, query string, sessionID uuid.UUID) (string, error)
}

// Speaker turns text into a stored audio clip and returns the clip name.
type Speaker interface {
	Speak(ctx context.Context, text string, sessionID uuid.UUID) (string, error)
}

// Policy decides what Dispatch does with a call to a disabled tool.
type Policy string

const (
	// PolicyAllow dispatches disabled tools anyway. Disabling only hides
	// a tool from the catalog.
	PolicyAllow Policy = "allow"
	// PolicyReject fails calls to disabled tools with ErrToolDisabled.
	PolicyReject Policy = "reject"
)

// ParsePolicy converts a configuration string to a Policy. The empty
// string means PolicyAllow.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyAllow:
		return PolicyAllow, nil
	case PolicyReject:
		return PolicyReject, nil
	default:
		return "", fmt.Errorf("unknown disabled tool policy %q (want allow or reject)", s)
	}
}

// Dispatcher executes a model's tool call and produces the payload that
// is written back to the transcript.
type Dispatcher struct {
	memory   MemoryService
	disabled DisabledStore
	speaker  Speaker
	policy   Policy
	roll     func(sides int) int
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithSpeaker enables voice messages.
func WithSpeaker(s Speaker) Option {
	return func(d *Dispatcher) { d.speaker = s }
}

// WithDisabledPolicy sets how disabled tools are handled.
func WithDisabledPolicy(p Policy) Option {
	return func(d *Dispatcher) { d.policy = p }
}

// WithRoller replaces the random source for dice rolls. roll must return
// a value in [1, sides].
func WithRoller(roll func(sides int) int) Option {
	return func(d *Dispatcher) { d.roll = roll }
}

// WithClock replaces the time source for envelope timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithLogger sets the dispatcher's logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher creates a dispatcher. disabled may be nil when no
// administrative disabled set exists.
func NewDispatcher(mem MemoryService, disabled DisabledStore, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		memory:   mem,
		disabled: disabled,
		policy:   PolicyAllow,
		roll:     func(sides int) int { return rand.IntN(sides) + 1 },
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dispatch performs the response's tool call. It returns the indented
// tool_return envelope to persist, or "" for send_message, which has no
// result. Unknown tool types are not an error: the model is told the
// tool does not exist. Any returned error is meant to be reported back
// to the model as an error_message.
func (d *Dispatcher) Dispatch(ctx context.Context, resp Response, sessionID uuid.UUID) (string, error) {
	if resp.ToolArgs == nil {
		return "", ErrMissingToolArgs
	}
	toolType := resp.ToolType()

	if d.policy == PolicyReject && d.disabled != nil {
		off, err := IsDisabled(ctx, d.disabled, toolType)
		if err != nil {
			return "", fmt.Errorf("load disabled tools: %w", err)
		}
		if off {
			return "", fmt.Errorf("%w: %s", ErrToolDisabled, toolType)
		}
	}

	d.logger.Debug("dispatching tool",
		"session_id", sessionID,
		"tool_type", toolType,
	)

	var content string
	switch args := resp.ToolArgs.(type) {
	case SendMessage:
		return "", nil

	case StoreMemory:
		if err := d.memory.Store(ctx, args.Memory, sessionID); err != nil {
			return "", fmt.Errorf("store memory: %w", err)
		}
		content = MemoryStored

	case RetrieveMemory:
		found, err := d.memory.Retrieve(ctx, args.Query, sessionID)
		if err != nil {
			return "", fmt.Errorf("retrieve memory: %w", err)
		}
		content = found

	case RollDice:
		if args.Sides < 2 {
			return "", fmt.Errorf("a die needs at least 2 sides, got %d", args.Sides)
		}
		content = fmt.Sprintf("Rolled %d on a %d-sided die.", d.roll(args.Sides), args.Sides)

	case SendVoiceMessage:
		if d.speaker == nil {
			return "", ErrNoSpeaker
		}
		name, err := d.speaker.Speak(ctx, args.Content, sessionID)
		if err != nil {
			return "", fmt.Errorf("synthesize voice message: %w", err)
		}
		content = fmt.Sprintf("Voice message saved as %s.", name)

	default:
		d.logger.Warn("model called unknown tool",
			"session_id", sessionID,
			"tool_type", toolType,
		)
		content = ToolDoesntExist
	}

	return ToolReturn(toolType, content, d.now()).Text()
}
