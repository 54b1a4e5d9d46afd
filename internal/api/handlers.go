package api

import (
	"bytes"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/patrickmn/go-cache"

	"github.com/lilphil/homeassistant-classcharts/internal/buildinfo"
	"github.com/lilphil/homeassistant-classcharts/internal/calendar"
	"github.com/lilphil/homeassistant-classcharts/internal/classcharts"
	"github.com/lilphil/homeassistant-classcharts/internal/coordinator"
	"github.com/lilphil/homeassistant-classcharts/internal/integration"
	"github.com/lilphil/homeassistant-classcharts/internal/sensor"
	"github.com/lilphil/homeassistant-classcharts/internal/timetable"
)

const maxFeedDays = 62

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	info := buildinfo.Info()
	info["uptime"] = buildinfo.Uptime().Truncate(time.Second).String()
	writeJSON(w, http.StatusOK, info, s.logger)
}

// statusJSON is the wire form of a coordinator.Status.
type statusJSON struct {
	Success        bool      `json:"success"`
	FinishedAt     time.Time `json:"finished_at,omitzero"`
	DurationMS     int64     `json:"duration_ms"`
	Pupils         int       `json:"pupils"`
	LessonFailures int       `json:"lesson_failures"`
	Error          string    `json:"error,omitempty"`
}

func newStatusJSON(st coordinator.Status) statusJSON {
	out := statusJSON{
		Success:        st.Success,
		FinishedAt:     st.Finished,
		DurationMS:     st.Duration.Milliseconds(),
		Pupils:         st.Pupils,
		LessonFailures: st.LessonFailures,
	}
	if st.Err != nil {
		out.Error = st.Err.Error()
	}
	return out
}

type entryJSON struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Pupils     int        `json:"pupils"`
	LastUpdate statusJSON `json:"last_update"`
}

func (s *Server) handleEntries(w http.ResponseWriter, _ *http.Request) {
	out := []entryJSON{}
	for _, inst := range s.registry.Entries() {
		out = append(out, entryJSON{
			ID:         inst.Entry.ID,
			Title:      inst.Entry.Title,
			Pupils:     len(inst.Coordinator.Pupils()),
			LastUpdate: newStatusJSON(inst.Coordinator.LastUpdate()),
		})
	}
	writeJSON(w, http.StatusOK, out, s.logger)
}

// entry resolves the {entry} URL parameter, writing a 404 if unknown.
func (s *Server) entry(w http.ResponseWriter, r *http.Request) (*integration.Instance, bool) {
	inst, ok := s.registry.Get(chi.URLParam(r, "entry"))
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "entry not found")
		return nil, false
	}
	return inst, true
}

// pupil resolves {entry} and {pupil}; the pupil must be on the current
// roster.
func (s *Server) pupil(w http.ResponseWriter, r *http.Request) (*integration.Instance, classcharts.Pupil, bool) {
	inst, ok := s.entry(w, r)
	if !ok {
		return nil, classcharts.Pupil{}, false
	}
	id, err := strconv.Atoi(chi.URLParam(r, "pupil"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "pupil id must be an integer")
		return nil, classcharts.Pupil{}, false
	}
	p, ok := inst.Coordinator.Pupil(id)
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "pupil not found")
		return nil, classcharts.Pupil{}, false
	}
	return inst, p, true
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.entry(w, r)
	if !ok {
		return
	}
	err := inst.Coordinator.Refresh(r.Context())
	code := http.StatusOK
	if err != nil {
		code = http.StatusBadGateway
		s.logger.Warn("manual refresh failed", "entry_id", inst.Entry.ID, "error", err)
	}
	writeJSON(w, code, newStatusJSON(inst.Coordinator.LastUpdate()), s.logger)
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.entry(w, r)
	if !ok {
		return
	}
	if s.journal == nil {
		s.errorResponse(w, http.StatusNotFound, "refresh journal disabled")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.errorResponse(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, 500)
	}
	entries, err := s.journal.Recent(r.Context(), inst.Entry.ID, limit)
	if err != nil {
		s.logger.Error("journal read failed", "entry_id", inst.Entry.ID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "journal read failed")
		return
	}
	writeJSON(w, http.StatusOK, entries, s.logger)
}

type pupilJSON struct {
	ID         int              `json:"id"`
	Name       string           `json:"name"`
	FirstName  string           `json:"first_name,omitempty"`
	LastName   string           `json:"last_name,omitempty"`
	Counters   map[string]int64 `json:"counters"`
	CachedDays []string         `json:"cached_days"`
}

func (s *Server) handlePupils(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.entry(w, r)
	if !ok {
		return
	}
	out := []pupilJSON{}
	for _, p := range inst.Coordinator.Pupils() {
		days := []string{}
		for _, d := range inst.Coordinator.CachedDays(p.ID) {
			days = append(days, d.String())
		}
		counters := p.Counters
		if counters == nil {
			counters = map[string]int64{}
		}
		out = append(out, pupilJSON{
			ID:         p.ID,
			Name:       p.Name,
			FirstName:  p.FirstName,
			LastName:   p.LastName,
			Counters:   counters,
			CachedDays: days,
		})
	}
	writeJSON(w, http.StatusOK, out, s.logger)
}

type sensorJSON struct {
	UniqueID  string `json:"unique_id"`
	Name      string `json:"name"`
	Key       string `json:"key"`
	Value     *int64 `json:"value"`
	Available bool   `json:"available"`
	Icon      string `json:"icon"`
}

func (s *Server) handleSensors(w http.ResponseWriter, r *http.Request) {
	inst, p, ok := s.pupil(w, r)
	if !ok {
		return
	}
	out := make([]sensorJSON, 0, len(sensor.Keys))
	for _, key := range sensor.Keys {
		e := sensor.NewEntity(inst.Coordinator, inst.Entry.ID, p.ID, key)
		sj := sensorJSON{
			UniqueID:  e.UniqueID(),
			Name:      e.Name(),
			Key:       key,
			Available: e.Available(),
			Icon:      e.Icon(),
		}
		if v, ok := e.Value(); ok {
			sj.Value = &v
		}
		out = append(out, sj)
	}
	writeJSON(w, http.StatusOK, out, s.logger)
}

type eventsJSON struct {
	UniqueID string           `json:"unique_id"`
	Name     string           `json:"name"`
	Start    string           `json:"start"`
	End      string           `json:"end"`
	Events   []calendar.Event `json:"events"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	inst, p, ok := s.pupil(w, r)
	if !ok {
		return
	}
	coord := inst.Coordinator
	today := coord.Today()

	start, err := parseDateParam(r.URL.Query().Get("start"), today, coord.Location())
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid start: "+err.Error())
		return
	}
	end, err := parseDateParam(r.URL.Query().Get("end"), today.AddDays(coordinator.FetchWindowDays-1), coord.Location())
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid end: "+err.Error())
		return
	}
	if end.Before(start) {
		s.errorResponse(w, http.StatusBadRequest, "end is before start")
		return
	}
	if start.AddDays(maxFeedDays - 1).Before(end) {
		s.errorResponse(w, http.StatusBadRequest, "range too long")
		return
	}

	cal := calendar.NewEntity(coord, inst.Entry.ID, p.ID, s.logger)
	events := cal.EventsBetween(r.Context(), start, end)
	if events == nil {
		events = []calendar.Event{}
	}
	writeJSON(w, http.StatusOK, eventsJSON{
		UniqueID: cal.UniqueID(),
		Name:     cal.Name(),
		Start:    start.String(),
		End:      end.String(),
		Events:   events,
	}, s.logger)
}

func (s *Server) handleICS(w http.ResponseWriter, r *http.Request) {
	inst, p, ok := s.pupil(w, r)
	if !ok {
		return
	}
	days := coordinator.FetchWindowDays
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxFeedDays {
			s.errorResponse(w, http.StatusBadRequest, "days must be between 1 and "+strconv.Itoa(maxFeedDays))
			return
		}
		days = n
	}

	coord := inst.Coordinator
	today := coord.Today()
	key := inst.Entry.ID + "/" + strconv.Itoa(p.ID) + "/" + today.String() + "/" + strconv.Itoa(days)

	body, cached := s.ics.Get(key)
	if !cached {
		cal := calendar.NewEntity(coord, inst.Entry.ID, p.ID, s.logger)
		events := cal.EventsBetween(r.Context(), today, today.AddDays(days-1))

		var buf bytes.Buffer
		if err := calendar.WriteICS(&buf, p.Name+" "+calendar.Name, events, time.Now()); err != nil {
			s.logger.Error("ics render failed", "entry_id", inst.Entry.ID, "pupil_id", p.ID, "error", err)
			s.errorResponse(w, http.StatusInternalServerError, "calendar render failed")
			return
		}
		body = buf.Bytes()
		s.ics.Set(key, body, cache.DefaultExpiration)
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `inline; filename="timetable.ics"`)
	if _, err := w.Write(body.([]byte)); err != nil {
		s.logger.Debug("failed to write calendar response", "error", err)
	}
}

var errBadDate = errors.New("want YYYY-MM-DD or RFC 3339")

// parseDateParam reads a date query parameter as YYYY-MM-DD or an RFC
// 3339 timestamp (converted to loc). Empty yields def.
func parseDateParam(v string, def timetable.Date, loc *time.Location) (timetable.Date, error) {
	if v == "" {
		return def, nil
	}
	if d, err := timetable.ParseDate(v); err == nil {
		return d, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return timetable.DateOf(t.In(loc)), nil
	}
	return timetable.Date{}, errBadDate
}
