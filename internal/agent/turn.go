package agent

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/llm"
	"github.com/parleyhq/parley/internal/prompts"
	"github.com/parleyhq/parley/internal/tools"
	"github.com/parleyhq/parley/internal/transcript"
)

// ErrTurnConsumed is yielded when a turn's events are ranged over a
// second time.
var ErrTurnConsumed = errors.New("turn events already consumed")

// Event types.
const (
	// EventText carries the model's reply to the user. It is always the
	// last event of a completed turn.
	EventText = "text"
	// EventStatus is a progress notice naming the tool being used.
	EventStatus = "status"
)

// Event is one item of a turn's output stream.
type Event struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// Turn is one user message being processed. Its event stream can be
// consumed once.
type Turn struct {
	ctx  context.Context
	loop *Loop
	req  Request
	id   string

	consumed   atomic.Bool
	state      atomic.Int32
	iterations atomic.Int32

	mu  sync.Mutex
	err error
}

// ID returns the turn's log correlation id.
func (t *Turn) ID() string { return t.id }

// State returns the turn's current state. After the event range ends it
// tells a finished conversation (StateDone) from a hit safety limit
// (StateAborted).
func (t *Turn) State() State { return State(t.state.Load()) }

// Iterations returns the number of model calls made so far.
func (t *Turn) Iterations() int { return int(t.iterations.Load()) }

// Err returns the error that failed the turn, if any.
func (t *Turn) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Events returns the turn's output stream. The sequence yields status
// events while tools run and ends with a text event, with nothing when
// the iteration cap is hit, or with a single error. Ranging a second
// time yields only ErrTurnConsumed.
func (t *Turn) Events() iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		if !t.consumed.CompareAndSwap(false, true) {
			yield(Event{}, ErrTurnConsumed)
			return
		}
		t.run(yield)
	}
}

func (t *Turn) setState(s State) { t.state.Store(int32(s)) }

func (t *Turn) fail(yield func(Event, error) bool, err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
	t.setState(StateFailed)
	t.loop.logger.Error("turn failed",
		"turn_id", t.id,
		"session_id", t.req.SessionID,
		"iterations", t.Iterations(),
		"error", err,
	)
	yield(Event{}, err)
}

func (t *Turn) run(yield func(Event, error) bool) {
	l := t.loop
	ctx := t.ctx
	sessionID := t.req.SessionID

	unlock, err := l.locks.lock(ctx, sessionID)
	if err != nil {
		t.fail(yield, fmt.Errorf("wait for session: %w", err))
		return
	}
	defer unlock()

	start := time.Now()
	log := l.logger.With("turn_id", t.id, "session_id", sessionID)
	log.Info("turn started", "has_image", t.req.ImageURL != "")
	l.publish(events.KindTurnStart, map[string]any{
		"turn_id":    t.id,
		"session_id": sessionID.String(),
		"has_image":  t.req.ImageURL != "",
	})
	defer func() {
		elapsed := time.Since(start)
		log.Info("turn finished",
			"state", t.State(),
			"iterations", t.Iterations(),
			"elapsed", elapsed.Round(time.Millisecond),
		)
		l.publish(events.KindTurnComplete, map[string]any{
			"turn_id":    t.id,
			"session_id": sessionID.String(),
			"state":      t.State().String(),
			"iterations": t.Iterations(),
			"elapsed_ms": elapsed.Milliseconds(),
		})
	}()

	userText, err := tools.UserMessage(t.req.Text, l.now()).Text()
	if err != nil {
		t.fail(yield, fmt.Errorf("encode user message: %w", err))
		return
	}
	if err := l.transcript.Append(ctx, sessionID, transcript.RoleUser, userText, t.req.ImageURL); err != nil {
		t.fail(yield, fmt.Errorf("store user message: %w", err))
		return
	}

	for int(t.iterations.Load()) < l.maxIterations {
		if err := ctx.Err(); err != nil {
			t.fail(yield, err)
			return
		}
		n := int(t.iterations.Add(1))
		t.setState(StateAwaitingModel)

		resp, err := t.generate(ctx, n)
		if err != nil {
			t.fail(yield, err)
			return
		}

		persisted, err := resp.Persisted().Text()
		if err != nil {
			t.fail(yield, fmt.Errorf("encode model response: %w", err))
			return
		}
		if err := l.transcript.Append(ctx, sessionID, transcript.RoleAssistant, persisted, ""); err != nil {
			t.fail(yield, fmt.Errorf("store model response: %w", err))
			return
		}

		t.setState(StateDispatching)
		payload := t.dispatch(ctx, *resp)
		if payload != "" {
			if err := l.transcript.Append(ctx, sessionID, transcript.RoleUser, payload, ""); err != nil {
				t.fail(yield, fmt.Errorf("store tool result: %w", err))
				return
			}
		}

		if reply, ok := resp.ToolArgs.(tools.SendMessage); ok {
			t.setState(StateDone)
			yield(Event{Type: EventText, Content: reply.Content}, nil)
			return
		}
		if !yield(Event{Type: EventStatus, Content: prompts.ToolStatus(resp.ToolType())}, nil) {
			t.setState(StateStopped)
			return
		}
	}

	log.Warn("iteration cap reached without a reply", "max_iterations", l.maxIterations)
	t.setState(StateAborted)
}

// generate builds the conversation and asks the model for the next step.
func (t *Turn) generate(ctx context.Context, n int) (*tools.Response, error) {
	l := t.loop

	history, err := l.transcript.History(ctx, t.req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	catalog, err := l.catalog.Render(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("render tool catalog: %w", err)
	}

	messages := make([]llm.Message, 0, len(history)+1)
	messages = append(messages, llm.TextMessage(llm.RoleSystem, prompts.SystemPrompt(l.persona, catalog)))
	messages = append(messages, history...)

	l.publish(events.KindLLMCall, map[string]any{"turn_id": t.id, "iter": n})
	start := time.Now()

	resp, err := l.generator.Generate(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}

	l.logger.Debug("model responded",
		"turn_id", t.id,
		"iter", n,
		"tool_type", resp.ToolType(),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	l.publish(events.KindLLMResponse, map[string]any{
		"turn_id":    t.id,
		"iter":       n,
		"tool_type":  resp.ToolType(),
		"elapsed_ms": time.Since(start).Milliseconds(),
	})
	return resp, nil
}

// dispatch runs the tool call and returns the payload to persist. A
// failed tool becomes an error_message envelope for the model.
func (t *Turn) dispatch(ctx context.Context, resp tools.Response) string {
	l := t.loop
	toolType := resp.ToolType()

	l.publish(events.KindToolCall, map[string]any{"turn_id": t.id, "tool_type": toolType})
	start := time.Now()

	payload, err := l.dispatcher.Dispatch(ctx, resp, t.req.SessionID)

	done := map[string]any{
		"turn_id":     t.id,
		"tool_type":   toolType,
		"ok":          err == nil,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if err == nil {
		l.publish(events.KindToolDone, done)
		return payload
	}

	done["error"] = err.Error()
	l.publish(events.KindToolDone, done)
	l.logger.Warn("tool failed",
		"turn_id", t.id,
		"tool_type", toolType,
		"error", err,
	)

	text, encErr := tools.ErrorMessage(toolType, err, l.now()).Text()
	if encErr != nil {
		return err.Error()
	}
	return text
}
