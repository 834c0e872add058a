// Package agent implements the turn loop: it drives one user message to
// completion by alternating model calls and tool dispatches until the
// model replies with send_message or the iteration cap is reached.
package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/llm"
	"github.com/parleyhq/parley/internal/transcript"
	"github.com/parleyhq/parley/internal/tools"
)

// DefaultMaxIterations is the model call cap per turn.
const DefaultMaxIterations = 10

// Dispatcher runs the tool call of a model response.
type Dispatcher interface {
	Dispatch(ctx context.Context, resp tools.Response, sessionID uuid.UUID) (string, error)
}

// CatalogRenderer renders the tool catalog for the system prompt.
type CatalogRenderer interface {
	Render(ctx context.Context, omitDisabled bool) (string, error)
}

// Request is one user message.
type Request struct {
	SessionID uuid.UUID `json:"session_id"`
	Text      string    `json:"text"`
	// ImageURL optionally attaches an image to the message.
	ImageURL string `json:"image_url,omitempty"`
}

// Loop runs turns. It is safe for concurrent use; turns on the same
// session run one at a time.
type Loop struct {
	transcript    transcript.Store
	generator     llm.Generator
	dispatcher    Dispatcher
	catalog       CatalogRenderer
	persona       string
	maxIterations int
	bus           *events.Bus
	locks         *sessionLocks
	now           func() time.Time
	logger        *slog.Logger
}

// Option configures a Loop.
type Option func(*Loop)

// WithPersona replaces the default persona in the system prompt.
func WithPersona(persona string) Option {
	return func(l *Loop) { l.persona = persona }
}

// WithMaxIterations sets the model call cap per turn. Values below 1
// keep the default.
func WithMaxIterations(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.maxIterations = n
		}
	}
}

// WithBus publishes turn progress to bus.
func WithBus(bus *events.Bus) Option {
	return func(l *Loop) { l.bus = bus }
}

// WithClock replaces the time source for envelope timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

// WithLogger sets the loop's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

// NewLoop creates a turn loop.
func NewLoop(store transcript.Store, gen llm.Generator, disp Dispatcher, catalog CatalogRenderer, opts ...Option) *Loop {
	l := &Loop{
		transcript:    store,
		generator:     gen,
		dispatcher:    disp,
		catalog:       catalog,
		maxIterations: DefaultMaxIterations,
		locks:         newSessionLocks(),
		now:           time.Now,
		logger:        slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Run prepares a turn for req. Nothing happens until the caller ranges
// over [Turn.Events]; ctx governs the whole turn.
func (l *Loop) Run(ctx context.Context, req Request) *Turn {
	return &Turn{
		ctx:  ctx,
		loop: l,
		req:  req,
		id:   generateTurnID(),
	}
}

// generateTurnID returns a short random id for log correlation, e.g.
// "t_1a2b3c4d".
func generateTurnID() string {
	return "t_" + uuid.NewString()[:8]
}

func (l *Loop) publish(kind string, data map[string]any) {
	l.bus.Emit(events.SourceAgent, kind, data)
}
