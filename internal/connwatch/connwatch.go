// Package connwatch tracks whether the backends Parley depends on (the
// inference server, the memory database, the MQTT broker) are reachable.
//
// Each watched service is probed in the background: with exponential
// backoff while it is down, and at a fixed interval once it is up.
// Transitions are logged and published on the event bus, and the
// current state is reported by the /health endpoint.
package connwatch

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/events"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Backoff controls probe timing.
type Backoff struct {
	// InitialDelay is the retry delay after the first failure.
	InitialDelay time.Duration
	// MaxDelay caps the retry delay.
	MaxDelay time.Duration
	// PollInterval is the delay between probes while the service is up.
	PollInterval time.Duration
	// ProbeTimeout bounds a single probe.
	ProbeTimeout time.Duration
}

// DefaultBackoff retries at 2s, 4s, 8s ... up to 60s and polls a
// healthy service every 60s.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// Status is the health of one service as reported by /health.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

type watcher struct {
	name    string
	probe   ProbeFunc
	backoff Backoff

	mu     sync.Mutex
	status Status
}

// Manager runs one watcher goroutine per service.
type Manager struct {
	bus    *events.Bus
	logger *slog.Logger

	mu       sync.Mutex
	watchers map[string]*watcher
	wg       sync.WaitGroup
	cancel   context.CancelFunc
	ctx      context.Context
}

// NewManager creates a manager. bus may be nil.
func NewManager(ctx context.Context, bus *events.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Manager{
		bus:      bus,
		logger:   logger.With("component", "connwatch"),
		watchers: make(map[string]*watcher),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Watch starts probing a service. The first probe runs immediately.
// Watching a name twice replaces nothing and returns false.
func (m *Manager) Watch(name string, probe ProbeFunc, b Backoff) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.watchers[name]; ok {
		return false
	}
	w := &watcher{
		name:    name,
		probe:   probe,
		backoff: b.withDefaults(),
		status:  Status{Name: name},
	}
	m.watchers[name] = w

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(w)
	}()
	return true
}

func (m *Manager) run(w *watcher) {
	delay := w.backoff.InitialDelay
	for {
		err := m.check(w)

		next := w.backoff.PollInterval
		if err != nil {
			next = delay
			delay = min(delay*2, w.backoff.MaxDelay)
		} else {
			delay = w.backoff.InitialDelay
		}

		timer := time.NewTimer(next)
		select {
		case <-m.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// check runs one probe and records the transition, if any.
func (m *Manager) check(w *watcher) error {
	ctx, cancel := context.WithTimeout(m.ctx, w.backoff.ProbeTimeout)
	err := w.probe(ctx)
	cancel()
	if m.ctx.Err() != nil {
		return err
	}

	w.mu.Lock()
	wasReady := w.status.Ready
	first := w.status.LastCheck.IsZero()
	w.status.LastCheck = time.Now()
	w.status.Ready = err == nil
	w.status.LastError = ""
	if err != nil {
		w.status.LastError = err.Error()
	}
	w.mu.Unlock()

	switch {
	case err == nil && (!wasReady || first):
		m.logger.Info("service reachable", "service", w.name)
		m.bus.Emit(events.SourceHealth, events.KindServiceUp, map[string]any{"service": w.name})
	case err != nil && (wasReady || first):
		m.logger.Warn("service unreachable", "service", w.name, "error", err)
		m.bus.Emit(events.SourceHealth, events.KindServiceDown, map[string]any{"service": w.name, "error": err.Error()})
	case err != nil:
		m.logger.Debug("service still unreachable", "service", w.name, "error", err)
	}
	return err
}

// Status returns every watched service, sorted by name.
func (m *Manager) Status() []Status {
	m.mu.Lock()
	out := make([]Status, 0, len(m.watchers))
	for _, w := range m.watchers {
		w.mu.Lock()
		out = append(out, w.status)
		w.mu.Unlock()
	}
	m.mu.Unlock()

	slices.SortFunc(out, func(a, b Status) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Ready reports whether every watched service is reachable.
func (m *Manager) Ready() bool {
	for _, s := range m.Status() {
		if !s.Ready {
			return false
		}
	}
	return true
}

// Stop cancels all watchers and waits for them to exit.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
}
