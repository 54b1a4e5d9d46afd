package classcharts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Optional is a text field ClassCharts may omit, send as null, or send
// as an empty string. All three decode to the absent value.
type Optional struct {
	value string
	ok    bool
}

// Some returns an Optional holding v. An empty v is absent.
func Some(v string) Optional {
	return Optional{value: v, ok: v != ""}
}

// Get returns the value and whether it is present.
func (o Optional) Get() (string, bool) {
	return o.value, o.ok
}

// Or returns the value, or def when absent.
func (o Optional) Or(def string) string {
	if !o.ok {
		return def
	}
	return o.value
}

// UnmarshalJSON accepts a string, null, or a bare number (rendered as
// its literal text).
func (o *Optional) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*o = Optional{}
		return nil
	}
	if len(b) > 0 && b[0] != '"' {
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("optional field: %w", err)
		}
		*o = Some(n.String())
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*o = Some(strings.TrimSpace(s))
	return nil
}

// MarshalJSON writes null for an absent value.
func (o Optional) MarshalJSON() ([]byte, error) {
	if !o.ok {
		return []byte("null"), nil
	}
	return json.Marshal(o.value)
}

// Lesson is one timetable entry as returned by the timetable endpoint.
// Times are either HH:MM local time-of-day or full ISO-8601 timestamps.
type Lesson struct {
	Date        string   `json:"date,omitempty"`
	StartTime   string   `json:"start_time"`
	EndTime     string   `json:"end_time"`
	SubjectName string   `json:"subject_name"`
	LessonName  Optional `json:"lesson_name"`
	TeacherName Optional `json:"teacher_name"`
	RoomName    Optional `json:"room_name"`
	PeriodName  Optional `json:"period_name"`
	Note        Optional `json:"note"`
	PupilNote   Optional `json:"pupil_note"`
}

// LessonFilter selects the day to fetch. Date is YYYY-MM-DD.
type LessonFilter struct {
	Date string
}

// LessonsResponse is the decoded timetable response for one day.
type LessonsResponse struct {
	Data []Lesson `json:"data"`
}

// Pupil is a roster entry. Counters holds every integer field of the
// API record whose key ends in "_count" (detention and homework
// tallies), keyed verbatim.
type Pupil struct {
	ID        int              `json:"id"`
	Name      string           `json:"name"`
	FirstName string           `json:"first_name,omitempty"`
	LastName  string           `json:"last_name,omitempty"`
	Counters  map[string]int64 `json:"-"`
}

// Counter returns the named counter and whether the API supplied it.
func (p Pupil) Counter(key string) (int64, bool) {
	v, ok := p.Counters[key]
	return v, ok
}

// UnmarshalJSON decodes the named fields and collects the counters.
func (p *Pupil) UnmarshalJSON(b []byte) error {
	type plain Pupil
	var base plain
	if err := json.Unmarshal(b, &base); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	base.Counters = make(map[string]int64)
	for key, value := range raw {
		if !strings.HasSuffix(key, "_count") {
			continue
		}
		var n int64
		if err := json.Unmarshal(value, &n); err != nil {
			continue // null or non-numeric counters are treated as absent
		}
		base.Counters[key] = n
	}

	*p = Pupil(base)
	return nil
}

// MarshalJSON flattens the counters back into the record.
func (p Pupil) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Counters)+4)
	for k, v := range p.Counters {
		out[k] = v
	}
	out["id"] = p.ID
	out["name"] = p.Name
	if p.FirstName != "" {
		out["first_name"] = p.FirstName
	}
	if p.LastName != "" {
		out["last_name"] = p.LastName
	}
	return json.Marshal(out)
}
