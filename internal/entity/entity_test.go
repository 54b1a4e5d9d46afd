package entity

import (
	"testing"

	"github.com/lilphil/homeassistant-classcharts/internal/classcharts"
)

type fakeRoster struct {
	pupils  map[int]classcharts.Pupil
	success bool
}

func (f *fakeRoster) Pupil(id int) (classcharts.Pupil, bool) {
	p, ok := f.pupils[id]
	return p, ok
}

func (f *fakeRoster) LastUpdateSuccess() bool { return f.success }

func TestBase_DeviceInfo(t *testing.T) {
	r := &fakeRoster{pupils: map[int]classcharts.Pupil{7: {ID: 7, Name: "Alice"}}, success: true}
	b := NewBase(r, "entry", 7)

	d, ok := b.DeviceInfo()
	if !ok {
		t.Fatal("DeviceInfo() ok = false")
	}
	if len(d.Identifiers) != 1 || d.Identifiers[0] != "entry_7" {
		t.Errorf("Identifiers = %v", d.Identifiers)
	}
	if d.Name != "Alice" || d.Manufacturer != "ClassCharts" || d.Model != "Pupil" {
		t.Errorf("DeviceInfo() = %+v", d)
	}

	r.pupils[7] = classcharts.Pupil{ID: 7, Name: "Alice B"}
	if d, _ := b.DeviceInfo(); d.Name != "Alice B" {
		t.Errorf("rename not picked up: %q", d.Name)
	}

	delete(r.pupils, 7)
	if d, ok := b.DeviceInfo(); !ok || d.Name != "Alice B" {
		t.Errorf("DeviceInfo() after removal = %+v, %v; want last known", d, ok)
	}
}

func TestBase_DeviceInfoNeverSeen(t *testing.T) {
	b := NewBase(&fakeRoster{}, "entry", 1)
	if _, ok := b.DeviceInfo(); ok {
		t.Error("DeviceInfo() ok = true for unknown pupil")
	}
}

func TestBase_Available(t *testing.T) {
	tests := []struct {
		name    string
		success bool
		present bool
		want    bool
	}{
		{"ok", true, true, true},
		{"failed refresh", false, true, false},
		{"pupil gone", true, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &fakeRoster{pupils: map[int]classcharts.Pupil{}, success: tt.success}
			if tt.present {
				r.pupils[1] = classcharts.Pupil{ID: 1}
			}
			if got := NewBase(r, "e", 1).Available(); got != tt.want {
				t.Errorf("Available() = %v, want %v", got, tt.want)
			}
		})
	}
}
