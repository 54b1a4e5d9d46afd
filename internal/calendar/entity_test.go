package calendar

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/lilphil/homeassistant-classcharts/internal/classcharts"
	"github.com/lilphil/homeassistant-classcharts/internal/coordinator"
	"github.com/lilphil/homeassistant-classcharts/internal/timetable"
)

type fakeSource struct {
	pupils  []classcharts.Pupil
	days    map[timetable.Date][]classcharts.Lesson
	success bool

	queries [][2]timetable.Date
}

func (f *fakeSource) Pupil(id int) (classcharts.Pupil, bool) {
	for _, p := range f.pupils {
		if p.ID == id {
			return p, true
		}
	}
	return classcharts.Pupil{}, false
}

func (f *fakeSource) LastUpdateSuccess() bool { return f.success }

func (f *fakeSource) Pupils() []classcharts.Pupil { return f.pupils }

func (f *fakeSource) Location() *time.Location { return time.UTC }

func (f *fakeSource) DaysBetween(_ context.Context, _ int, start, end timetable.Date) []coordinator.DayLessons {
	f.queries = append(f.queries, [2]timetable.Date{start, end})
	var out []coordinator.DayLessons
	for _, d := range timetable.Range(start, end) {
		if ls, ok := f.days[d]; ok {
			out = append(out, coordinator.DayLessons{Date: d, Lessons: ls})
		}
	}
	return out
}

func newSource() *fakeSource {
	return &fakeSource{
		pupils:  []classcharts.Pupil{{ID: 42, Name: "Alice"}, {ID: 43, Name: "Bob"}},
		success: true,
		days: map[timetable.Date][]classcharts.Lesson{
			day: {
				{SubjectName: "Maths", StartTime: "09:00", EndTime: "09:50"},
				{SubjectName: "Broken", StartTime: "10:00"},
				{SubjectName: "English", StartTime: "11:00", EndTime: "11:50"},
			},
			day.AddDays(1): {
				{SubjectName: "Science", StartTime: "09:00", EndTime: "09:50"},
			},
		},
	}
}

func TestNewEntities(t *testing.T) {
	entities := NewEntities(newSource(), "entry", nil)
	if len(entities) != 2 {
		t.Fatalf("len = %d, want 2", len(entities))
	}
	e := entities[0]
	if e.UniqueID() != "entry_42" || e.Name() != "Timetable" {
		t.Errorf("UniqueID/Name = %q/%q", e.UniqueID(), e.Name())
	}
	if d, _ := e.DeviceInfo(); d.Name != "Alice" {
		t.Errorf("device name = %q", d.Name)
	}
}

func TestEntity_EventsSkipsBrokenLesson(t *testing.T) {
	src := newSource()
	e := NewEntity(src, "entry", 42, nil)

	events := e.Events(context.Background(),
		time.Date(2024, time.May, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, time.May, 2, 23, 59, 0, 0, time.UTC),
	)

	var titles []string
	for _, ev := range events {
		titles = append(titles, ev.Summary)
	}
	if want := []string{"Maths", "English", "Science"}; !slices.Equal(titles, want) {
		t.Errorf("titles = %v, want %v", titles, want)
	}
	if got := src.queries; len(got) != 1 || got[0] != [2]timetable.Date{day, day.AddDays(1)} {
		t.Errorf("queries = %v", got)
	}
	if events[0].UID == events[1].UID {
		t.Error("UIDs not unique")
	}
	if events[1].UID != "entry-42-2024-05-01-2@classcharts" {
		t.Errorf("UID = %q", events[1].UID)
	}
}
