package timetable

import (
	"reflect"
	"testing"

	"github.com/lilphil/homeassistant-classcharts/internal/classcharts"
)

func mustDate(t *testing.T, s string) Date {
	t.Helper()
	d, err := ParseDate(s)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func lessons(subjects ...string) []classcharts.Lesson {
	out := make([]classcharts.Lesson, len(subjects))
	for i, s := range subjects {
		out[i] = classcharts.Lesson{SubjectName: s, StartTime: "09:00", EndTime: "10:00"}
	}
	return out
}

func TestCache_PutGetRoundTrip(t *testing.T) {
	c := NewCache()
	day := mustDate(t, "2024-05-01")
	want := lessons("Maths", "English", "Art")

	if _, ok := c.Get(42, day); ok {
		t.Fatal("Get on empty cache should miss")
	}

	c.Put(42, day, want)
	got, ok := c.Get(42, day)
	if !ok {
		t.Fatal("Get after Put should hit")
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Get() = %+v, want %+v", got, want)
	}
}

func TestCache_PutOverwritesWholeKey(t *testing.T) {
	c := NewCache()
	day := mustDate(t, "2024-05-01")

	c.Put(42, day, lessons("Maths", "English"))
	c.Put(42, day, lessons("Science"))

	got, _ := c.Get(42, day)
	if len(got) != 1 || got[0].SubjectName != "Science" {
		t.Errorf("Get() = %+v, want only Science", got)
	}
}

func TestCache_EmptyDayIsCached(t *testing.T) {
	c := NewCache()
	day := mustDate(t, "2024-05-04")
	c.Put(42, day, nil)

	got, ok := c.Get(42, day)
	if !ok {
		t.Fatal("empty day should be cached")
	}
	if got == nil || len(got) != 0 {
		t.Errorf("Get() = %#v, want empty non-nil slice", got)
	}
}

func TestCache_GetReturnsCopy(t *testing.T) {
	c := NewCache()
	day := mustDate(t, "2024-05-01")
	c.Put(42, day, lessons("Maths"))

	got, _ := c.Get(42, day)
	got[0].SubjectName = "Mutated"

	again, _ := c.Get(42, day)
	if again[0].SubjectName != "Maths" {
		t.Errorf("cache was mutated through returned slice: %q", again[0].SubjectName)
	}
}

func TestCache_PruneBoundary(t *testing.T) {
	c := NewCache()
	today := mustDate(t, "2024-05-10")
	cutoff := today.AddDays(-7)

	c.Put(42, today.AddDays(-8), lessons("Old"))
	c.Put(42, today.AddDays(-7), lessons("Edge"))
	c.Put(42, today, lessons("Now"))

	if removed := c.Prune(42, cutoff); removed != 1 {
		t.Errorf("Prune() removed %d, want 1", removed)
	}
	if c.Has(42, today.AddDays(-8)) {
		t.Error("today-8 should be pruned")
	}
	if !c.Has(42, today.AddDays(-7)) {
		t.Error("today-7 should be retained")
	}
	if !c.Has(42, today) {
		t.Error("today should be retained")
	}
}

func TestCache_PruneIdempotent(t *testing.T) {
	c := NewCache()
	today := mustDate(t, "2024-05-10")
	for i := -10; i <= 7; i++ {
		c.Put(42, today.AddDays(i), lessons("X"))
	}
	cutoff := today.AddDays(-7)

	c.Prune(42, cutoff)
	first := c.Days(42)
	if removed := c.Prune(42, cutoff); removed != 0 {
		t.Errorf("second Prune() removed %d, want 0", removed)
	}
	if second := c.Days(42); !reflect.DeepEqual(first, second) {
		t.Errorf("Days after second prune = %v, want %v", second, first)
	}
}

func TestCache_PruneIsPerPupil(t *testing.T) {
	c := NewCache()
	old := mustDate(t, "2024-04-01")
	c.Put(42, old, lessons("A"))
	c.Put(43, old, lessons("B"))

	c.Prune(42, mustDate(t, "2024-05-01"))

	if c.Has(42, old) {
		t.Error("pupil 42 entry should be pruned")
	}
	if !c.Has(43, old) {
		t.Error("pupil 43 entry must be untouched")
	}
	if removed := c.Prune(99, old); removed != 0 {
		t.Errorf("Prune() on unknown pupil removed %d", removed)
	}
}

func TestCache_DaysAndPupilsSorted(t *testing.T) {
	c := NewCache()
	c.Put(43, mustDate(t, "2024-05-03"), nil)
	c.Put(42, mustDate(t, "2024-05-02"), nil)
	c.Put(42, mustDate(t, "2024-04-30"), nil)

	days := c.Days(42)
	if len(days) != 2 || days[0].String() != "2024-04-30" || days[1].String() != "2024-05-02" {
		t.Errorf("Days(42) = %v", days)
	}
	if got := c.Pupils(); !reflect.DeepEqual(got, []int{42, 43}) {
		t.Errorf("Pupils() = %v", got)
	}
}
