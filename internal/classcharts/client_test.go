package classcharts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeAPI emulates the parent login and apiv2parent endpoints.
type fakeAPI struct {
	mu          sync.Mutex
	password    string
	session     string
	pupilsJSON  string
	lessons     map[string]string // "pupil/date" → data JSON
	pings       int
	lessonCalls []string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		password:   "hunter2",
		session:    "sess-1",
		pupilsJSON: `[{"id":42,"name":"Ada Lovelace","first_name":"Ada","homework_todo_count":3,"detention_yes_count":1,"avatar_url":"x"},{"id":43,"name":"Alan Turing","homework_todo_count":0}]`,
		lessons:    map[string]string{},
	}
}

func (f *fakeAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /parent/login", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.Form.Get("password") != f.password || r.Form.Get("logintype") != "existing" {
			w.WriteHeader(http.StatusOK) // login page re-rendered, no redirect
			return
		}
		creds := url.QueryEscape(fmt.Sprintf(`{"session_id":%q}`, f.session))
		http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: creds})
		http.Redirect(w, r, "/parent/home", http.StatusFound)
	})
	mux.HandleFunc("GET /apiv2parent/pupils", func(w http.ResponseWriter, r *http.Request) {
		if !f.authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprintf(w, `{"success":1,"data":%s,"meta":[]}`, f.pupilsJSON)
	})
	mux.HandleFunc("GET /apiv2parent/timetable/{id}", func(w http.ResponseWriter, r *http.Request) {
		if !f.authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		key := r.PathValue("id") + "/" + r.URL.Query().Get("date")
		f.mu.Lock()
		f.lessonCalls = append(f.lessonCalls, key)
		data, ok := f.lessons[key]
		f.mu.Unlock()
		if !ok {
			fmt.Fprint(w, `{"success":0,"error":"No timetable for this date"}`)
			return
		}
		fmt.Fprintf(w, `{"success":1,"data":%s,"meta":{}}`, data)
	})
	mux.HandleFunc("POST /apiv2parent/ping", func(w http.ResponseWriter, r *http.Request) {
		if !f.authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.mu.Lock()
		f.pings++
		f.session = fmt.Sprintf("sess-%d", f.pings+1)
		next := f.session
		f.mu.Unlock()
		fmt.Fprintf(w, `{"success":1,"data":{},"meta":{"session_id":%q}}`, next)
	})
	return mux
}

func (f *fakeAPI) authorized(r *http.Request) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return r.Header.Get("Authorization") == "Basic "+f.session
}

func newTestClient(t *testing.T, api *fakeAPI, password string, now func() time.Time) *ParentClient {
	t.Helper()
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)
	return NewParentClient(ParentClientConfig{
		BaseURL:  srv.URL,
		Email:    "parent@example.com",
		Password: password,
		Now:      now,
	})
}

func TestLogin_Success(t *testing.T) {
	api := newFakeAPI()
	c := newTestClient(t, api, "hunter2", nil)

	if err := c.Login(context.Background()); err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	pupils, err := c.GetPupils(context.Background())
	if err != nil {
		t.Fatalf("GetPupils() error = %v", err)
	}
	if len(pupils) != 2 || pupils[0].ID != 42 || pupils[1].Name != "Alan Turing" {
		t.Fatalf("pupils = %+v", pupils)
	}
	if v, ok := pupils[0].Counter("homework_todo_count"); !ok || v != 3 {
		t.Errorf("homework_todo_count = %d, %v; want 3, true", v, ok)
	}
	if _, ok := pupils[1].Counter("detention_yes_count"); ok {
		t.Error("detention_yes_count should be absent for pupil 43")
	}
}

func TestLogin_BadPassword(t *testing.T) {
	api := newFakeAPI()
	c := newTestClient(t, api, "wrong", nil)

	err := c.Login(context.Background())
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("Login() error = %v, want ErrAuthentication", err)
	}
}

func TestLogin_NoPupils(t *testing.T) {
	api := newFakeAPI()
	api.pupilsJSON = `[]`
	c := newTestClient(t, api, "hunter2", nil)

	err := c.Login(context.Background())
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("Login() error = %v, want ErrValidation", err)
	}
	if !strings.Contains(strings.ToLower(err.Error()), "no pupils") {
		t.Errorf("error %q should mention no pupils", err)
	}
}

func TestCallsBeforeLogin(t *testing.T) {
	c := newTestClient(t, newFakeAPI(), "hunter2", nil)

	if _, err := c.GetPupils(context.Background()); !errors.Is(err, ErrAuthentication) {
		t.Errorf("GetPupils() error = %v, want ErrAuthentication", err)
	}
	if err := c.SelectPupil(context.Background(), 42); !errors.Is(err, ErrAuthentication) {
		t.Errorf("SelectPupil() error = %v, want ErrAuthentication", err)
	}
}

func TestSelectPupilAndGetLessons(t *testing.T) {
	api := newFakeAPI()
	api.lessons["43/2024-05-01"] = `[{"start_time":"09:00","end_time":"09:50","subject_name":"Maths","room_name":"R1","teacher_name":null,"lesson_name":""}]`
	c := newTestClient(t, api, "hunter2", nil)
	ctx := context.Background()

	if err := c.Login(ctx); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if err := c.SelectPupil(ctx, 43); err != nil {
		t.Fatalf("SelectPupil() error = %v", err)
	}

	resp, err := c.GetLessons(ctx, LessonFilter{Date: "2024-05-01"})
	if err != nil {
		t.Fatalf("GetLessons() error = %v", err)
	}
	if len(resp.Data) != 1 {
		t.Fatalf("lessons = %d, want 1", len(resp.Data))
	}
	l := resp.Data[0]
	if l.SubjectName != "Maths" || l.StartTime != "09:00" {
		t.Errorf("lesson = %+v", l)
	}
	if room, ok := l.RoomName.Get(); !ok || room != "R1" {
		t.Errorf("room = %q, %v", room, ok)
	}
	if _, ok := l.TeacherName.Get(); ok {
		t.Error("null teacher_name should be absent")
	}
	if _, ok := l.LessonName.Get(); ok {
		t.Error("empty lesson_name should be absent")
	}
}

func TestSelectPupil_Unknown(t *testing.T) {
	c := newTestClient(t, newFakeAPI(), "hunter2", nil)
	ctx := context.Background()
	if err := c.Login(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.SelectPupil(ctx, 99); !errors.Is(err, ErrValidation) {
		t.Errorf("SelectPupil(99) error = %v, want ErrValidation", err)
	}
}

func TestGetLessons_ServerRejects(t *testing.T) {
	c := newTestClient(t, newFakeAPI(), "hunter2", nil)
	ctx := context.Background()
	if err := c.Login(ctx); err != nil {
		t.Fatal(err)
	}
	_, err := c.GetLessons(ctx, LessonFilter{Date: "2024-05-02"})
	if !errors.Is(err, ErrValidation) || !strings.Contains(err.Error(), "No timetable") {
		t.Errorf("GetLessons() error = %v, want ErrValidation with server message", err)
	}
}

func TestGetLessons_BadDate(t *testing.T) {
	c := newTestClient(t, newFakeAPI(), "hunter2", nil)
	if _, err := c.GetLessons(context.Background(), LessonFilter{Date: "01/05/2024"}); !errors.Is(err, ErrValidation) {
		t.Errorf("GetLessons() error = %v, want ErrValidation", err)
	}
}

func TestSessionRenewal(t *testing.T) {
	api := newFakeAPI()
	api.lessons["42/2024-05-01"] = `[]`

	var mu sync.Mutex
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	c := newTestClient(t, api, "hunter2", clock)
	ctx := context.Background()

	if err := c.Login(ctx); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	now = now.Add(5 * time.Minute)
	mu.Unlock()

	resp, err := c.GetLessons(ctx, LessonFilter{Date: "2024-05-01"})
	if err != nil {
		t.Fatalf("GetLessons() after expiry error = %v", err)
	}
	if len(resp.Data) != 0 {
		t.Errorf("lessons = %d, want 0", len(resp.Data))
	}
	if api.pings != 1 {
		t.Errorf("pings = %d, want 1", api.pings)
	}
}

func TestOptional_JSON(t *testing.T) {
	tests := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{`"Mr Smith"`, "Mr Smith", true},
		{`" "`, "", false},
		{`""`, "", false},
		{`null`, "", false},
		{`12`, "12", true},
	}
	for _, tt := range tests {
		var o Optional
		if err := json.Unmarshal([]byte(tt.in), &o); err != nil {
			t.Errorf("Unmarshal(%s) error = %v", tt.in, err)
			continue
		}
		got, ok := o.Get()
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("Unmarshal(%s) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}

	if got := (Optional{}).Or("fallback"); got != "fallback" {
		t.Errorf("Or() = %q, want fallback", got)
	}
}

func TestPupil_MarshalFlattensCounters(t *testing.T) {
	p := Pupil{ID: 7, Name: "Grace", Counters: map[string]int64{"homework_late_count": 2}}
	b, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]any
	json.Unmarshal(b, &out)
	if out["homework_late_count"] != float64(2) || out["name"] != "Grace" {
		t.Errorf("marshalled = %s", b)
	}
}
