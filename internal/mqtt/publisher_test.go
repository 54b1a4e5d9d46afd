package mqtt

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lilphil/homeassistant-classcharts/internal/classcharts"
	"github.com/lilphil/homeassistant-classcharts/internal/config"
	"github.com/lilphil/homeassistant-classcharts/internal/coordinator"
	"github.com/lilphil/homeassistant-classcharts/internal/integration"
)

type stubClient struct {
	mu       sync.Mutex
	pupils   []classcharts.Pupil
	loginErr error
	logins   int
}

func (s *stubClient) Login(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logins++
	return s.loginErr
}

func (s *stubClient) SelectPupil(context.Context, int) error { return nil }

func (s *stubClient) GetPupils(context.Context) ([]classcharts.Pupil, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.pupils), nil
}

func (s *stubClient) GetLessons(context.Context, classcharts.LessonFilter) (*classcharts.LessonsResponse, error) {
	return &classcharts.LessonsResponse{Data: []classcharts.Lesson{}}, nil
}

func (s *stubClient) loginCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logins
}

type fakeRegistry struct {
	instances []*integration.Instance
}

func (f *fakeRegistry) Entries() []*integration.Instance { return f.instances }

func (f *fakeRegistry) Get(id string) (*integration.Instance, bool) {
	for _, inst := range f.instances {
		if inst.Entry.ID == id {
			return inst, true
		}
	}
	return nil, false
}

func newTestInstance(t *testing.T, client *stubClient) *integration.Instance {
	t.Helper()
	coord := coordinator.New(coordinator.Config{Client: client, Location: time.UTC})
	if err := coord.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	return &integration.Instance{
		Entry:       integration.Entry{ID: "entry1", Title: "parent@example.com"},
		Coordinator: coord,
	}
}

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker:             "mqtt://localhost:1883",
		DeviceName:         "bridge",
		DiscoveryPrefix:    "homeassistant",
		PublishIntervalSec: 60,
	}
}

func TestLoadOrCreateInstanceID(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")

	first, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID() error = %v", err)
	}
	if len(strings.Split(first, "-")) != 5 {
		t.Errorf("id %q does not look like a UUID", first)
	}

	second, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("second call error = %v", err)
	}
	if second != first {
		t.Errorf("second = %q, want %q (should be stable)", second, first)
	}
}

func TestLoadOrCreateInstanceID_ReplacesGarbage(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, instanceIDFile), []byte("not-a-uuid\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	id, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID() error = %v", err)
	}
	if id == "not-a-uuid" {
		t.Error("invalid stored id returned")
	}
}

func TestPublisher_TopicPaths(t *testing.T) {
	p := New(testConfig(), "test-id", &fakeRegistry{}, nil)

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"baseTopic", p.baseTopic(), "classcharts/bridge"},
		{"availabilityTopic", p.availabilityTopic(), "classcharts/bridge/availability"},
		{"pupilAvailabilityTopic", p.pupilAvailabilityTopic("entry1_7"), "classcharts/bridge/entry1_7/availability"},
		{"stateTopic", p.stateTopic("entry1_7_homework_todo_count"), "classcharts/bridge/entry1_7_homework_todo_count/state"},
		{"commandTopic", p.commandTopic("entry1"), "classcharts/bridge/entry1/refresh/set"},
		{"commandFilter", p.commandFilter(), "classcharts/bridge/+/refresh/set"},
		{"discoveryTopic", p.discoveryTopic("sensor", "x"), "homeassistant/sensor/bridge/x/config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestPublisher_DiscoveryMessages(t *testing.T) {
	client := &stubClient{pupils: []classcharts.Pupil{{ID: 7, Name: "Alice"}}}
	reg := &fakeRegistry{instances: []*integration.Instance{newTestInstance(t, client)}}
	p := New(testConfig(), "test-id", reg, nil)

	msgs := p.discoveryMessages()
	if got, want := len(msgs), 1+10; got != want {
		t.Fatalf("discovery messages = %d, want %d", got, want)
	}

	byTopic := make(map[string][]byte)
	for _, m := range msgs {
		byTopic[m.topic] = m.payload
	}

	var button ButtonConfig
	if err := json.Unmarshal(byTopic["homeassistant/button/bridge/entry1_refresh/config"], &button); err != nil {
		t.Fatalf("button payload: %v", err)
	}
	if button.CommandTopic != "classcharts/bridge/entry1/refresh/set" || button.PayloadPress != "PRESS" {
		t.Errorf("button = %+v", button)
	}

	var s SensorConfig
	if err := json.Unmarshal(byTopic["homeassistant/sensor/bridge/entry1_7_detention_yes_count/config"], &s); err != nil {
		t.Fatalf("sensor payload: %v", err)
	}
	if s.Name != "Detention Yes Count" || s.UniqueID != "entry1_7_detention_yes_count" {
		t.Errorf("sensor = %+v", s)
	}
	if s.Device.Name != "Alice" || s.Device.Identifiers[0] != "entry1_7" || s.Device.Model != "Pupil" {
		t.Errorf("device = %+v", s.Device)
	}
	if len(s.Availability) != 2 || s.AvailabilityMode != "all" {
		t.Errorf("availability = %+v mode %q", s.Availability, s.AvailabilityMode)
	}

	if again := p.discoveryMessages(); len(again) != 0 {
		t.Errorf("re-announced %d configs on same connection", len(again))
	}
	p.resetAnnounced()
	if again := p.discoveryMessages(); len(again) != len(msgs) {
		t.Errorf("after reconnect announced %d, want %d", len(again), len(msgs))
	}
}

func TestPublisher_StateMessages(t *testing.T) {
	client := &stubClient{pupils: []classcharts.Pupil{
		{ID: 7, Name: "Alice", Counters: map[string]int64{"homework_todo_count": 4}},
		{ID: 8, Name: "Bob"},
	}}
	inst := newTestInstance(t, client)
	p := New(testConfig(), "test-id", &fakeRegistry{instances: []*integration.Instance{inst}}, nil)

	states := func() map[string]string {
		out := make(map[string]string)
		for _, m := range p.stateMessages() {
			out[m.topic] = string(m.payload)
		}
		return out
	}

	got := states()
	if v := got["classcharts/bridge/entry1_7_homework_todo_count/state"]; v != "4" {
		t.Errorf("todo state = %q, want 4", v)
	}
	if _, ok := got["classcharts/bridge/entry1_7_homework_late_count/state"]; ok {
		t.Error("absent counter published")
	}
	if v := got["classcharts/bridge/entry1_8/availability"]; v != "online" {
		t.Errorf("pupil 8 availability = %q", v)
	}

	// Pupil 8 leaves the roster.
	client.mu.Lock()
	client.pupils = client.pupils[:1]
	client.mu.Unlock()
	if err := inst.Coordinator.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	got = states()
	if v := got["classcharts/bridge/entry1_8/availability"]; v != "offline" {
		t.Errorf("departed pupil availability = %q, want offline", v)
	}
	if v := got["classcharts/bridge/entry1_7/availability"]; v != "online" {
		t.Errorf("pupil 7 availability = %q, want online", v)
	}
}

func TestPublisher_StateMessagesAfterFailedRefresh(t *testing.T) {
	client := &stubClient{pupils: []classcharts.Pupil{{ID: 7, Name: "Alice"}}}
	inst := newTestInstance(t, client)
	p := New(testConfig(), "test-id", &fakeRegistry{instances: []*integration.Instance{inst}}, nil)

	client.mu.Lock()
	client.loginErr = classcharts.ErrAuthentication
	client.mu.Unlock()
	_ = inst.Coordinator.Refresh(context.Background())

	for _, m := range p.stateMessages() {
		if m.topic == "classcharts/bridge/entry1_7/availability" && string(m.payload) != "offline" {
			t.Errorf("availability after failed refresh = %q", m.payload)
		}
	}
}

func TestPublisher_NotifyDoesNotBlock(t *testing.T) {
	p := New(testConfig(), "test-id", &fakeRegistry{}, nil)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			p.notify()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("notify blocked")
	}
}
