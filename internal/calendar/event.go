// Package calendar turns cached lessons into calendar events: one
// timetable calendar entity per pupil, plus an iCalendar rendering of
// the same events.
package calendar

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/lilphil/homeassistant-classcharts/internal/classcharts"
	"github.com/lilphil/homeassistant-classcharts/internal/timetable"
)

// UnknownSubject is the title used when a lesson has no subject.
const UnknownSubject = "Unknown Subject"

var (
	// ErrMissingTime means a lesson has no start or end time.
	ErrMissingTime = errors.New("lesson missing start or end time")

	// ErrBadTime means a lesson time is neither HH:MM nor a timestamp.
	ErrBadTime = errors.New("unparsable lesson time")
)

// Event is one rendered lesson. Description and Location are empty
// when absent.
type Event struct {
	UID         string    `json:"uid"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Summary     string    `json:"summary"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
}

// LessonToEvent converts a lesson held under day. Time-of-day values
// are placed on day in loc; full timestamps are used as given and
// converted to loc.
func LessonToEvent(l classcharts.Lesson, day timetable.Date, loc *time.Location) (Event, error) {
	if l.StartTime == "" || l.EndTime == "" {
		return Event{}, ErrMissingTime
	}
	start, err := parseLessonTime(l.StartTime, day, loc)
	if err != nil {
		return Event{}, fmt.Errorf("start: %w", err)
	}
	end, err := parseLessonTime(l.EndTime, day, loc)
	if err != nil {
		return Event{}, fmt.Errorf("end: %w", err)
	}

	room, _ := l.RoomName.Get()
	return Event{
		Start:       start,
		End:         end,
		Summary:     title(l),
		Description: description(l),
		Location:    room,
	}, nil
}

// title never returns an empty summary. subject_name is a plain string
// on the wire, so a missing key and an empty one look the same here.
func title(l classcharts.Lesson) string {
	subject := strings.TrimSpace(l.SubjectName)
	if subject == "" {
		subject = UnknownSubject
	}
	if name, ok := l.LessonName.Get(); ok && name != subject {
		return subject + " - " + name
	}
	return subject
}

func description(l classcharts.Lesson) string {
	fields := []struct {
		label string
		value classcharts.Optional
		html  bool
	}{
		{"Teacher", l.TeacherName, false},
		{"Room", l.RoomName, false},
		{"Period", l.PeriodName, false},
		{"Note", l.Note, true},
		{"Your Note", l.PupilNote, true},
	}

	var parts []string
	for _, f := range fields {
		v, ok := f.value.Get()
		if !ok {
			continue
		}
		if f.html {
			v = htmlToText(v)
			if v == "" {
				continue
			}
		}
		parts = append(parts, f.label+": "+v)
	}
	return strings.Join(parts, "\n")
}

var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
}

// parseLessonTime accepts H:MM, HH:MM, HH:MM:SS, or an ISO-8601
// timestamp. Timestamps without a zone are read in loc.
func parseLessonTime(s string, day timetable.Date, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if len(s) > len("15:04:05") {
		for _, layout := range timestampLayouts {
			if t, err := time.ParseInLocation(layout, s, loc); err == nil {
				return t.In(loc), nil
			}
		}
		return time.Time{}, fmt.Errorf("%w: %q", ErrBadTime, s)
	}

	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return time.Time{}, fmt.Errorf("%w: %q", ErrBadTime, s)
	}
	limits := []int{23, 59, 59}
	vals := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > limits[i] {
			return time.Time{}, fmt.Errorf("%w: %q", ErrBadTime, s)
		}
		vals[i] = n
	}
	return time.Date(day.Year, day.Month, day.Day, vals[0], vals[1], vals[2], 0, loc), nil
}

// htmlToText reduces a note that may carry HTML markup to plain text,
// one non-empty line per block.
func htmlToText(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return strings.TrimSpace(s)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return strings.TrimSpace(s)
	}
	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find("p, div, li, tr").Each(func(_ int, sel *goquery.Selection) {
		sel.AppendHtml("\n")
	})

	var lines []string
	for _, line := range strings.Split(doc.Text(), "\n") {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}
