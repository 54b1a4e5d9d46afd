// Package timetable holds the per-pupil, per-day lesson cache that the
// coordinator fills on every refresh and serves calendar queries from.
package timetable

import (
	"slices"
	"sync"

	"github.com/lilphil/homeassistant-classcharts/internal/classcharts"
)

// Cache maps pupil id → day → the ordered lessons for that day. A
// cached day is authoritative until it is pruned or overwritten as a
// whole; lessons for a key are never merged.
//
// Cache is safe for concurrent use. Readers receive copies, so a write
// in progress never exposes a half-updated list.
type Cache struct {
	mu      sync.RWMutex
	entries map[int]map[Date][]classcharts.Lesson
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[int]map[Date][]classcharts.Lesson)}
}

// Get returns the lessons cached for (pupilID, day) and whether the key
// is present. A present key may hold zero lessons.
func (c *Cache) Get(pupilID int, day Date) ([]classcharts.Lesson, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	lessons, ok := c.entries[pupilID][day]
	if !ok {
		return nil, false
	}
	return slices.Clone(lessons), true
}

// Has reports whether (pupilID, day) is cached.
func (c *Cache) Has(pupilID int, day Date) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, ok := c.entries[pupilID][day]
	return ok
}

// Put replaces the lessons for (pupilID, day).
func (c *Cache) Put(pupilID int, day Date, lessons []classcharts.Lesson) {
	stored := slices.Clone(lessons)
	if stored == nil {
		stored = []classcharts.Lesson{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	days, ok := c.entries[pupilID]
	if !ok {
		days = make(map[Date][]classcharts.Lesson)
		c.entries[pupilID] = days
	}
	days[day] = stored
}

// Prune removes every day strictly before cutoff for pupilID and returns
// how many days were removed. Pruning a pupil with no entries is a no-op.
func (c *Cache) Prune(pupilID int, cutoff Date) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	days, ok := c.entries[pupilID]
	if !ok {
		return 0
	}
	removed := 0
	for day := range days {
		if day.Before(cutoff) {
			delete(days, day)
			removed++
		}
	}
	if len(days) == 0 {
		delete(c.entries, pupilID)
	}
	return removed
}

// Days returns the cached days for pupilID in ascending order.
func (c *Cache) Days(pupilID int) []Date {
	c.mu.RLock()
	days := make([]Date, 0, len(c.entries[pupilID]))
	for day := range c.entries[pupilID] {
		days = append(days, day)
	}
	c.mu.RUnlock()

	slices.SortFunc(days, compareDates)
	return days
}

// Pupils returns the ids that have at least one cached day, ascending.
func (c *Cache) Pupils() []int {
	c.mu.RLock()
	ids := make([]int, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	c.mu.RUnlock()

	slices.Sort(ids)
	return ids
}

func compareDates(a, b Date) int {
	switch {
	case a.Before(b):
		return -1
	case b.Before(a):
		return 1
	}
	return 0
}
