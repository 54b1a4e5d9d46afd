// Package sensor exposes each pupil's detention and homework counters
// as one sensor entity per counter.
package sensor

import (
	"strings"
	"unicode"

	"github.com/lilphil/homeassistant-classcharts/internal/classcharts"
	"github.com/lilphil/homeassistant-classcharts/internal/entity"
)

// Keys is the fixed set of counters published per pupil, in order.
var Keys = []string{
	"detention_yes_count",
	"detention_no_count",
	"detention_pending_count",
	"detention_upscaled_count",
	"homework_todo_count",
	"homework_late_count",
	"homework_not_completed_count",
	"homework_excused_count",
	"homework_completed_count",
	"homework_submitted_count",
}

// Source is the coordinator view sensor entities read from.
type Source interface {
	entity.Roster
	Pupils() []classcharts.Pupil
}

// Entity is one counter for one pupil.
type Entity struct {
	*entity.Base
	Key string
}

// NewEntity creates the sensor for a pupil counter.
func NewEntity(source Source, entryID string, pupilID int, key string) *Entity {
	return &Entity{
		Base: entity.NewBase(source, entryID, pupilID),
		Key:  key,
	}
}

// NewEntities creates every counter sensor for every pupil on the
// current roster, grouped by pupil in roster order.
func NewEntities(source Source, entryID string) []*Entity {
	pupils := source.Pupils()
	out := make([]*Entity, 0, len(pupils)*len(Keys))
	for _, p := range pupils {
		for _, key := range Keys {
			out = append(out, NewEntity(source, entryID, p.ID, key))
		}
	}
	return out
}

// UniqueID is "{entry}_{pupil}_{key}".
func (e *Entity) UniqueID() string {
	return entity.DeviceID(e.EntryID, e.PupilID) + "_" + e.Key
}

// Name is the key with underscores as spaces, each word capitalised.
func (e *Entity) Name() string {
	return titleCase(strings.ReplaceAll(e.Key, "_", " "))
}

// Value is the pupil's counter. ok is false when the roster has no
// data for the pupil or the API did not report the counter.
func (e *Entity) Value() (int64, bool) {
	p, ok := e.Pupil()
	if !ok {
		return 0, false
	}
	return p.Counter(e.Key)
}

// Icon is the Material Design icon for the counter's family.
func (e *Entity) Icon() string {
	if strings.HasPrefix(e.Key, "detention_") {
		return "mdi:gavel"
	}
	return "mdi:book-open-page-variant"
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		r := []rune(strings.ToLower(w))
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}
