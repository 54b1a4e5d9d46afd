// Package coordinator owns the polling cycle for one ClassCharts
// account: it authenticates, publishes the pupil roster, keeps a
// rolling per-pupil timetable cache, and answers on-demand date-range
// lesson queries from that cache.
//
// A refresh cycle runs once synchronously at setup ([Coordinator.FirstRefresh])
// and then on a fixed interval ([Coordinator.Start]). Only login and
// roster failures fail a cycle; per-pupil and per-day lesson failures
// are logged and skipped, and the next cycle is the retry.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lilphil/homeassistant-classcharts/internal/classcharts"
	"github.com/lilphil/homeassistant-classcharts/internal/executor"
	"github.com/lilphil/homeassistant-classcharts/internal/timetable"
)

const (
	// DefaultInterval is the refresh period.
	DefaultInterval = time.Hour

	// RetentionDays is how far back cached days are kept. A day equal
	// to today-RetentionDays survives; anything older is pruned.
	RetentionDays = 7

	// FetchWindowDays is the number of days, starting today, fetched
	// into the cache on every refresh.
	FetchWindowDays = 8
)

// ErrUpdateFailed wraps the login or roster error that failed a cycle.
var ErrUpdateFailed = errors.New("update failed")

// Config configures a Coordinator.
type Config struct {
	// Name identifies the account in logs (the entry title).
	Name string

	// Client is the remote API client. Its pupil selection is shared
	// state, so the coordinator must be its only user.
	Client classcharts.Client

	// Executor runs the blocking client calls. Nil creates a private
	// single-worker pool.
	Executor *executor.Pool

	// Interval between refresh cycles. Defaults to DefaultInterval.
	Interval time.Duration

	// Location defines "today" for the fetch and retention windows.
	// Defaults to time.Local.
	Location *time.Location

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time

	Logger *slog.Logger
}

// Status describes the outcome of the most recent refresh cycle.
type Status struct {
	Success        bool
	Finished       time.Time
	Duration       time.Duration
	Pupils         int
	LessonFailures int
	Err            error
}

// DayLessons is the cached lesson list for one pupil and day.
type DayLessons struct {
	Date    timetable.Date
	Lessons []classcharts.Lesson
}

// roster is an immutable snapshot swapped in whole on each successful
// refresh.
type roster struct {
	byID  map[int]classcharts.Pupil
	order []int
}

func newRoster(pupils []classcharts.Pupil) *roster {
	r := &roster{
		byID:  make(map[int]classcharts.Pupil, len(pupils)),
		order: make([]int, 0, len(pupils)),
	}
	for _, p := range pupils {
		if _, dup := r.byID[p.ID]; !dup {
			r.order = append(r.order, p.ID)
		}
		r.byID[p.ID] = p
	}
	return r
}

// Coordinator is the refresh loop and cache owner for one account.
type Coordinator struct {
	cfg    Config
	client classcharts.Client
	exec   *executor.Pool
	cache  *timetable.Cache
	logger *slog.Logger

	roster atomic.Pointer[roster]
	flight singleflight.Group

	// remoteMu serialises select+fetch sequences on the client, which
	// both the refresh cycle and on-demand queries issue.
	remoteMu sync.Mutex

	statusMu sync.RWMutex
	status   Status

	listenersMu  sync.Mutex
	listeners    map[int]func()
	nextListener int
}

// New creates a Coordinator with an empty roster and a cold cache.
func New(cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Executor == nil {
		cfg.Executor = executor.New(1, cfg.Logger)
	}

	c := &Coordinator{
		cfg:       cfg,
		client:    cfg.Client,
		exec:      cfg.Executor,
		cache:     timetable.NewCache(),
		logger:    cfg.Logger.With("entry", cfg.Name),
		listeners: make(map[int]func()),
	}
	c.roster.Store(newRoster(nil))
	return c
}

// Location returns the timezone the coordinator uses for "today".
func (c *Coordinator) Location() *time.Location {
	return c.cfg.Location
}

// Today returns the current calendar day in the coordinator's location.
func (c *Coordinator) Today() timetable.Date {
	return timetable.DateOf(c.cfg.Now().In(c.cfg.Location))
}

// FirstRefresh runs the setup-time refresh. An error means the account
// could not be set up and the caller should not start the loop.
func (c *Coordinator) FirstRefresh(ctx context.Context) error {
	if err := c.Refresh(ctx); err != nil {
		return fmt.Errorf("first refresh: %w", err)
	}
	return nil
}

// Start runs the refresh loop until ctx is cancelled. It blocks. The
// first tick fires one interval after Start; call FirstRefresh before.
func (c *Coordinator) Start(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.Refresh(ctx) // outcome is recorded in Status and logged
		}
	}
}

// Refresh runs one refresh cycle. If a cycle is already in flight the
// caller waits for it and shares its result instead of starting a
// second one.
//
// A started cycle always runs to completion. Cancelling ctx only stops
// this caller waiting: Refresh then returns ctx.Err() and the cycle's
// outcome is still recorded and sent to listeners.
func (c *Coordinator) Refresh(ctx context.Context) error {
	ch := c.flight.DoChan("refresh", func() (any, error) {
		return nil, c.refresh(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		if res.Shared {
			c.logger.Debug("joined in-flight refresh")
		}
		return res.Err
	case <-ctx.Done():
		c.logger.Debug("stopped waiting for refresh", "error", ctx.Err())
		return ctx.Err()
	}
}

func (c *Coordinator) refresh(ctx context.Context) error {
	start := c.cfg.Now()

	pupils, err := c.fetchRoster(ctx)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrUpdateFailed, err)
		c.setStatus(Status{
			Success:  false,
			Finished: c.cfg.Now(),
			Duration: c.cfg.Now().Sub(start),
			Pupils:   len(c.roster.Load().order),
			Err:      err,
		})
		c.logger.Error("classcharts refresh failed", "error", err)
		c.notify()
		return err
	}

	r := newRoster(pupils)
	c.roster.Store(r)

	failures := c.cacheTimetables(ctx, r)

	c.setStatus(Status{
		Success:        true,
		Finished:       c.cfg.Now(),
		Duration:       c.cfg.Now().Sub(start),
		Pupils:         len(r.order),
		LessonFailures: failures,
	})
	c.logger.Info("classcharts refresh complete",
		"pupils", len(r.order),
		"lesson_failures", failures,
		"duration", c.cfg.Now().Sub(start),
	)
	c.notify()
	return nil
}

// fetchRoster logs in and fetches the pupil list.
func (c *Coordinator) fetchRoster(ctx context.Context) ([]classcharts.Pupil, error) {
	c.remoteMu.Lock()
	defer c.remoteMu.Unlock()

	if err := c.exec.Do(ctx, "login", c.client.Login); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	pupils, err := executor.Call(ctx, c.exec, "get_pupils", c.client.GetPupils)
	if err != nil {
		return nil, fmt.Errorf("get pupils: %w", err)
	}
	return pupils, nil
}

// cacheTimetables prunes and refills the fetch window for every pupil
// in roster order. It returns the number of failed day fetches plus
// pupils whose selection failed.
func (c *Coordinator) cacheTimetables(ctx context.Context, r *roster) int {
	today := c.Today()
	cutoff := today.AddDays(-RetentionDays)
	window := timetable.Range(today, today.AddDays(FetchWindowDays-1))

	// Pupils that left the roster keep their cached days until these
	// age out like everyone else's.
	for _, id := range c.cache.Pupils() {
		if removed := c.cache.Prune(id, cutoff); removed > 0 {
			c.logger.Debug("pruned cached days", "pupil_id", id, "removed", removed, "cutoff", cutoff.String())
		}
	}

	failures := 0
	for _, id := range r.order {
		failed, err := c.fetchDays(ctx, id, window, false)
		if err != nil {
			c.logger.Warn("skipping timetable for pupil", "pupil_id", id, "error", err)
			failures++
			continue
		}
		failures += failed
	}
	return failures
}

// fetchDays selects the pupil and fetches each day into the cache. With
// onlyMissing set, days already cached are skipped, and the pupil is
// not selected at all if nothing is missing. A selection error aborts
// and is returned; day errors are logged and counted.
func (c *Coordinator) fetchDays(ctx context.Context, pupilID int, days []timetable.Date, onlyMissing bool) (int, error) {
	c.remoteMu.Lock()
	defer c.remoteMu.Unlock()

	if onlyMissing {
		days = c.missingDays(pupilID, days)
		if len(days) == 0 {
			return 0, nil
		}
	}

	err := c.exec.Do(ctx, "select_pupil", func(ctx context.Context) error {
		return c.client.SelectPupil(ctx, pupilID)
	})
	if err != nil {
		return 0, fmt.Errorf("select pupil %d: %w", pupilID, err)
	}

	failed := 0
	for _, day := range days {
		filter := classcharts.LessonFilter{Date: day.String()}
		resp, err := executor.Call(ctx, c.exec, "get_lessons", func(ctx context.Context) (*classcharts.LessonsResponse, error) {
			return c.client.GetLessons(ctx, filter)
		})
		if err != nil {
			c.logger.Warn("lesson fetch failed",
				"pupil_id", pupilID,
				"date", filter.Date,
				"error", err,
			)
			failed++
			continue
		}
		c.cache.Put(pupilID, day, resp.Data)
	}
	return failed, nil
}

func (c *Coordinator) missingDays(pupilID int, days []timetable.Date) []timetable.Date {
	var missing []timetable.Date
	for _, d := range days {
		if !c.cache.Has(pupilID, d) {
			missing = append(missing, d)
		}
	}
	return missing
}

// DaysBetween returns the cached lessons for every day from start
// through end inclusive, fetching only the days not yet cached. Days
// that are still uncached afterwards (fetch failed) are omitted. If the
// pupil cannot be selected, whatever was already cached is returned.
func (c *Coordinator) DaysBetween(ctx context.Context, pupilID int, start, end timetable.Date) []DayLessons {
	days := timetable.Range(start, end)

	if missing := c.missingDays(pupilID, days); len(missing) > 0 {
		if _, err := c.fetchDays(ctx, pupilID, missing, true); err != nil {
			c.logger.Warn("on-demand lesson fetch aborted",
				"pupil_id", pupilID,
				"start", start.String(),
				"end", end.String(),
				"error", err,
			)
		}
	}

	out := make([]DayLessons, 0, len(days))
	for _, d := range days {
		if lessons, ok := c.cache.Get(pupilID, d); ok {
			out = append(out, DayLessons{Date: d, Lessons: lessons})
		}
	}
	return out
}

// LessonsBetween is DaysBetween flattened into one ordered lesson list.
func (c *Coordinator) LessonsBetween(ctx context.Context, pupilID int, start, end timetable.Date) []classcharts.Lesson {
	var out []classcharts.Lesson
	for _, day := range c.DaysBetween(ctx, pupilID, start, end) {
		out = append(out, day.Lessons...)
	}
	return out
}

// CachedDays lists the days currently cached for a pupil.
func (c *Coordinator) CachedDays(pupilID int) []timetable.Date {
	return c.cache.Days(pupilID)
}

// CacheStats maps every pupil with cached days, including pupils no
// longer on the roster, to its cached days in order.
func (c *Coordinator) CacheStats() map[int][]timetable.Date {
	out := make(map[int][]timetable.Date)
	for _, id := range c.cache.Pupils() {
		out[id] = c.cache.Days(id)
	}
	return out
}

// Data returns a copy of the current roster keyed by pupil id.
func (c *Coordinator) Data() map[int]classcharts.Pupil {
	r := c.roster.Load()
	out := make(map[int]classcharts.Pupil, len(r.byID))
	for id, p := range r.byID {
		out[id] = p
	}
	return out
}

// Pupil returns one roster entry.
func (c *Coordinator) Pupil(id int) (classcharts.Pupil, bool) {
	p, ok := c.roster.Load().byID[id]
	return p, ok
}

// Pupils returns the roster in the order the API listed it.
func (c *Coordinator) Pupils() []classcharts.Pupil {
	r := c.roster.Load()
	out := make([]classcharts.Pupil, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// LastUpdateSuccess reports whether the most recent cycle succeeded.
// It is false before the first cycle.
func (c *Coordinator) LastUpdateSuccess() bool {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.status.Success
}

// LastUpdate returns the outcome of the most recent cycle.
func (c *Coordinator) LastUpdate() Status {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.status
}

func (c *Coordinator) setStatus(s Status) {
	c.statusMu.Lock()
	c.status = s
	c.statusMu.Unlock()
}

// AddListener registers fn to run after every refresh cycle, successful
// or not. Listeners run synchronously on the refresh goroutine and must
// not block. The returned func removes the listener.
func (c *Coordinator) AddListener(fn func()) (remove func()) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn

	return func() {
		c.listenersMu.Lock()
		delete(c.listeners, id)
		c.listenersMu.Unlock()
	}
}

func (c *Coordinator) notify() {
	c.listenersMu.Lock()
	fns := make([]func(), 0, len(c.listeners))
	for id := 0; id < c.nextListener; id++ {
		if fn, ok := c.listeners[id]; ok {
			fns = append(fns, fn)
		}
	}
	c.listenersMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
