// Package connwatch retries startup work against an external service
// with exponential backoff. The bridge uses it to set up accounts while
// ClassCharts is unreachable: a transient failure is retried, a
// permanent one (bad credentials, no pupils) ends the watch at once.
//
// This is distinct from httpkit's transport-level retry, which handles
// sub-second dial errors inside a single request. connwatch handles
// outages that last seconds to minutes.
package connwatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrRetriesExhausted is returned by [Watcher.Wait] when every attempt
// failed transiently.
var ErrRetriesExhausted = errors.New("retries exhausted")

// ProbeFunc performs the guarded operation. Return nil on success.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls the exponential backoff behavior.
type BackoffConfig struct {
	// InitialDelay is the delay before the first retry (default: 5s).
	InitialDelay time.Duration

	// MaxDelay is the ceiling for backoff growth (default: 80s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each retry (default: 2.0).
	Multiplier float64

	// MaxRetries is the maximum number of attempts (default: 6).
	MaxRetries int

	// ProbeTimeout limits each attempt (default: 2m). Account setup
	// fetches a full timetable window, so this is generous.
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns 5s, 10s, 20s, 40s, 80s between six
// attempts.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 5 * time.Second,
		MaxDelay:     80 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   6,
		ProbeTimeout: 2 * time.Minute,
	}
}

// WatcherConfig configures a single watcher.
type WatcherConfig struct {
	// Name identifies the watcher in logs and status.
	Name string

	// Probe is the operation to retry. Must be safe to call repeatedly.
	Probe ProbeFunc

	// Permanent reports errors that retrying cannot fix. Optional.
	Permanent func(error) bool

	// Backoff controls retry timing. Zero fields take defaults.
	Backoff BackoffConfig

	Logger *slog.Logger
}

// Status is a watcher's progress, suitable for JSON.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Attempts  int       `json:"attempts"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher retries one operation in a background goroutine.
type Watcher struct {
	config WatcherConfig
	ready  atomic.Bool
	done   chan struct{}

	mu        sync.Mutex
	attempts  int
	lastErr   error
	lastCheck time.Time
	result    error
}

// IsReady reports whether the operation has succeeded.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// Status returns the current progress.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Status{
		Name:      w.config.Name,
		Ready:     w.ready.Load(),
		Attempts:  w.attempts,
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Wait blocks until the watcher finishes. It returns nil on success,
// the permanent error, ErrRetriesExhausted wrapping the last error, or
// the context error.
func (w *Watcher) Wait() error {
	<-w.done
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.result
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	cfg := w.config.Backoff
	logger := w.config.Logger

	delay := cfg.InitialDelay
	for attempt := 1; ; attempt++ {
		err := w.probe(ctx)
		w.record(attempt, err)

		switch {
		case err == nil:
			w.ready.Store(true)
			if attempt > 1 {
				logger.Info("service connected", "service", w.config.Name, "after_attempts", attempt)
			}
			return
		case ctx.Err() != nil:
			w.finish(ctx.Err())
			return
		case w.config.Permanent != nil && w.config.Permanent(err):
			logger.Debug("permanent failure, not retrying", "service", w.config.Name, "error", err)
			w.finish(err)
			return
		case attempt >= cfg.MaxRetries:
			logger.Warn("giving up after retries",
				"service", w.config.Name,
				"attempts", attempt,
				"error", err,
			)
			w.finish(errors.Join(ErrRetriesExhausted, err))
			return
		}

		logger.Info("service unavailable, retrying",
			"service", w.config.Name,
			"attempt", attempt,
			"max_retries", cfg.MaxRetries,
			"next_delay", delay.String(),
			"error", err,
		)
		if !sleepCtx(ctx, delay) {
			w.finish(ctx.Err())
			return
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
}

// probe calls the configured ProbeFunc with a timeout.
func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.Backoff.ProbeTimeout)
	defer cancel()
	return w.config.Probe(probeCtx)
}

func (w *Watcher) record(attempt int, err error) {
	w.mu.Lock()
	w.attempts = attempt
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()
}

func (w *Watcher) finish(err error) {
	w.mu.Lock()
	w.result = err
	w.mu.Unlock()
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager runs a set of watchers.
type Manager struct {
	mu       sync.RWMutex
	watchers []*Watcher
	logger   *slog.Logger
}

// NewManager creates a watch manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger}
}

// Watch registers and starts a watcher. Zero-value BackoffConfig
// fields are replaced with defaults.
//
// Panics if Name is empty or Probe is nil.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}

	defaults := DefaultBackoffConfig()
	if cfg.Backoff.InitialDelay <= 0 {
		cfg.Backoff.InitialDelay = defaults.InitialDelay
	}
	if cfg.Backoff.MaxDelay <= 0 {
		cfg.Backoff.MaxDelay = defaults.MaxDelay
	}
	if cfg.Backoff.Multiplier <= 0 {
		cfg.Backoff.Multiplier = defaults.Multiplier
	}
	if cfg.Backoff.MaxRetries <= 0 {
		cfg.Backoff.MaxRetries = defaults.MaxRetries
	}
	if cfg.Backoff.ProbeTimeout <= 0 {
		cfg.Backoff.ProbeTimeout = defaults.ProbeTimeout
	}

	w := &Watcher{
		config: cfg,
		done:   make(chan struct{}),
	}
	go w.run(ctx)

	m.mu.Lock()
	m.watchers = append(m.watchers, w)
	m.mu.Unlock()

	return w
}

// Wait blocks until every watcher has finished and returns how many
// succeeded.
func (m *Manager) Wait() (ready int) {
	m.mu.RLock()
	watchers := append([]*Watcher(nil), m.watchers...)
	m.mu.RUnlock()

	for _, w := range watchers {
		if w.Wait() == nil {
			ready++
		}
	}
	return ready
}

// Status returns the progress of every watcher in registration order.
func (m *Manager) Status() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Status, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	return out
}
