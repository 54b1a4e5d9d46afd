// Package integration manages configured ClassCharts accounts. Each
// account becomes an Entry with its own coordinator, set up and torn
// down through a Registry that is passed explicitly to whatever needs
// to look coordinators up.
package integration

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lilphil/homeassistant-classcharts/internal/classcharts"
	"github.com/lilphil/homeassistant-classcharts/internal/config"
	"github.com/lilphil/homeassistant-classcharts/internal/coordinator"
	"github.com/lilphil/homeassistant-classcharts/internal/executor"
)

// Entry is one configured account.
type Entry struct {
	ID      string
	Title   string
	Account config.AccountConfig
}

// NewEntry builds an Entry whose ID is stable for the account email,
// independent of case.
func NewEntry(account config.AccountConfig) Entry {
	email := strings.TrimSpace(account.Email)
	return Entry{
		ID:      EntryID(email),
		Title:   email,
		Account: account,
	}
}

// EntryID derives the entry id from an account email.
func EntryID(email string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("classcharts:"+strings.ToLower(strings.TrimSpace(email)))).String()
}

// ClientFactory builds the remote client for an account.
type ClientFactory func(account config.AccountConfig) classcharts.Client

// Instance is a set-up entry and its running coordinator.
type Instance struct {
	Entry       Entry
	Coordinator *coordinator.Coordinator

	cancel context.CancelFunc
	done   chan struct{}
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	NewClient ClientFactory
	Executor  *executor.Pool
	Interval  time.Duration
	Location  *time.Location
	Now       func() time.Time
	Logger    *slog.Logger
}

// Registry holds the set-up entries keyed by entry id.
type Registry struct {
	cfg    RegistryConfig
	logger *slog.Logger

	mu        sync.RWMutex
	instances map[string]*Instance
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		cfg:       cfg,
		logger:    cfg.Logger,
		instances: make(map[string]*Instance),
	}
}

// Setup creates the entry's coordinator, runs its first refresh, and
// starts its refresh loop. If the first refresh fails nothing is
// registered.
func (r *Registry) Setup(ctx context.Context, entry Entry) (*Instance, error) {
	r.mu.RLock()
	_, exists := r.instances[entry.ID]
	r.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("setup %s: %w", entry.Title, ErrAlreadyConfigured)
	}

	coord := coordinator.New(coordinator.Config{
		Name:     entry.Title,
		Client:   r.cfg.NewClient(entry.Account),
		Executor: r.cfg.Executor,
		Interval: r.cfg.Interval,
		Location: r.cfg.Location,
		Now:      r.cfg.Now,
		Logger:   r.logger.With("entry_id", entry.ID),
	})
	if err := coord.FirstRefresh(ctx); err != nil {
		return nil, fmt.Errorf("setup %s: %w", entry.Title, classify(err))
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	inst := &Instance{
		Entry:       entry,
		Coordinator: coord,
		cancel:      cancel,
		done:        make(chan struct{}),
	}

	r.mu.Lock()
	if _, exists := r.instances[entry.ID]; exists {
		r.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("setup %s: %w", entry.Title, ErrAlreadyConfigured)
	}
	r.instances[entry.ID] = inst
	r.mu.Unlock()

	go func() {
		defer close(inst.done)
		coord.Start(loopCtx)
	}()

	r.logger.Info("entry set up",
		"entry_id", entry.ID,
		"title", entry.Title,
		"pupils", len(coord.Pupils()),
	)
	return inst, nil
}

// Unload stops the entry's refresh loop, waits for it to exit, and
// removes the entry. It reports whether the entry existed.
func (r *Registry) Unload(id string) bool {
	r.mu.Lock()
	inst, ok := r.instances[id]
	delete(r.instances, id)
	r.mu.Unlock()
	if !ok {
		return false
	}

	inst.cancel()
	<-inst.done
	r.logger.Info("entry unloaded", "entry_id", id, "title", inst.Entry.Title)
	return true
}

// Get looks up a set-up entry.
func (r *Registry) Get(id string) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	return inst, ok
}

// Entries returns every set-up entry ordered by title.
func (r *Registry) Entries() []*Instance {
	r.mu.RLock()
	out := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Instance) int {
		return strings.Compare(a.Entry.Title, b.Entry.Title)
	})
	return out
}

// Close unloads every entry.
func (r *Registry) Close() {
	for _, inst := range r.Entries() {
		r.Unload(inst.Entry.ID)
	}
}
