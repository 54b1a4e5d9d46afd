package calendar

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lilphil/homeassistant-classcharts/internal/classcharts"
	"github.com/lilphil/homeassistant-classcharts/internal/coordinator"
	"github.com/lilphil/homeassistant-classcharts/internal/entity"
	"github.com/lilphil/homeassistant-classcharts/internal/timetable"
)

// Name is the entity name of every timetable calendar.
const Name = "Timetable"

// Source is the coordinator view a calendar entity reads from.
type Source interface {
	entity.Roster
	Pupils() []classcharts.Pupil
	DaysBetween(ctx context.Context, pupilID int, start, end timetable.Date) []coordinator.DayLessons
	Location() *time.Location
}

// Entity is the timetable calendar for one pupil.
type Entity struct {
	*entity.Base
	source Source
	logger *slog.Logger
}

// NewEntity creates the calendar entity for a pupil.
func NewEntity(source Source, entryID string, pupilID int, logger *slog.Logger) *Entity {
	if logger == nil {
		logger = slog.Default()
	}
	return &Entity{
		Base:   entity.NewBase(source, entryID, pupilID),
		source: source,
		logger: logger,
	}
}

// NewEntities creates one calendar entity per pupil on the current
// roster, in roster order.
func NewEntities(source Source, entryID string, logger *slog.Logger) []*Entity {
	pupils := source.Pupils()
	out := make([]*Entity, 0, len(pupils))
	for _, p := range pupils {
		out = append(out, NewEntity(source, entryID, p.ID, logger))
	}
	return out
}

// UniqueID is "{entry}_{pupil}".
func (e *Entity) UniqueID() string {
	return entity.DeviceID(e.EntryID, e.PupilID)
}

// Name returns the entity name.
func (e *Entity) Name() string { return Name }

// Events returns the events of every day touched by [start, end] in the
// coordinator's location. Lessons that cannot be converted are dropped.
func (e *Entity) Events(ctx context.Context, start, end time.Time) []Event {
	loc := e.source.Location()
	return e.EventsBetween(ctx, timetable.DateOf(start.In(loc)), timetable.DateOf(end.In(loc)))
}

// EventsBetween returns the events from start through end inclusive.
func (e *Entity) EventsBetween(ctx context.Context, start, end timetable.Date) []Event {
	loc := e.source.Location()

	var events []Event
	for _, day := range e.source.DaysBetween(ctx, e.PupilID, start, end) {
		for i, l := range day.Lessons {
			ev, err := LessonToEvent(l, day.Date, loc)
			if err != nil {
				e.logger.Debug("skipping lesson",
					"entry_id", e.EntryID,
					"pupil_id", e.PupilID,
					"date", day.Date.String(),
					"subject", l.SubjectName,
					"error", err,
				)
				continue
			}
			ev.UID = fmt.Sprintf("%s-%d-%s-%d@classcharts", e.EntryID, e.PupilID, day.Date, i)
			events = append(events, ev)
		}
	}
	return events
}
