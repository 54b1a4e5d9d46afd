// Package classcharts is a client for the ClassCharts parent API: login,
// pupil selection, the pupil roster, and per-day timetables.
//
// All calls block until the HTTP exchange completes. Callers that must
// stay responsive run them on a worker (see internal/executor).
package classcharts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lilphil/homeassistant-classcharts/internal/httpkit"
)

// Client is the remote API contract consumed by the coordinator.
type Client interface {
	// Login authenticates and loads the pupil list.
	Login(ctx context.Context) error
	// SelectPupil makes id the pupil that GetLessons reads.
	SelectPupil(ctx context.Context, id int) error
	// GetPupils returns the account's pupils in API order.
	GetPupils(ctx context.Context) ([]Pupil, error)
	// GetLessons returns the selected pupil's lessons for one day.
	GetLessons(ctx context.Context, filter LessonFilter) (*LessonsResponse, error)
}

const (
	sessionCookie = "parent_session_credentials"
	apiPrefix     = "/apiv2parent"

	// sessionTTL is how long a session id is trusted before it is
	// renewed through the ping endpoint.
	sessionTTL = 3 * time.Minute

	traceLevel = slog.Level(-8) // config.LevelTrace
)

// ParentClientConfig configures a ParentClient.
type ParentClientConfig struct {
	BaseURL  string // e.g. https://www.classcharts.com
	Email    string
	Password string

	// HTTPClient must not follow redirects. Nil builds one with httpkit.
	HTTPClient *http.Client

	Logger *slog.Logger

	// Now is the clock used for session expiry. Defaults to time.Now.
	Now func() time.Time
}

// ParentClient implements Client for a parent account. It is safe for
// concurrent use, but pupil selection is shared state: concurrent
// SelectPupil/GetLessons sequences must be serialised by the caller.
type ParentClient struct {
	baseURL  string
	email    string
	password string
	http     *http.Client
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	sessionID string
	sessionAt time.Time
	pupils    []Pupil
	selected  int
}

// NewParentClient creates a client. It does not contact the server.
func NewParentClient(cfg ParentClientConfig) *ParentClient {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = httpkit.NewClient(
			httpkit.WithTimeout(30*time.Second),
			httpkit.WithRetry(2, 2*time.Second),
			httpkit.WithoutRedirects(),
			httpkit.WithLogger(cfg.Logger),
		)
	}
	return &ParentClient{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		email:    cfg.Email,
		password: cfg.Password,
		http:     cfg.HTTPClient,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
}

// Login posts the credentials, extracts the session id from the
// session cookie, and loads the pupil list. The first pupil becomes
// the selected pupil unless a still-valid selection exists.
func (c *ParentClient) Login(ctx context.Context) error {
	form := url.Values{
		"email":           {c.email},
		"password":        {c.password},
		"logintype":       {"existing"},
		"recaptcha-token": {"no-token-available"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/parent/login", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusFound {
		return fmt.Errorf("%w: login returned status %d", ErrAuthentication, resp.StatusCode)
	}

	sessionID, err := sessionIDFromCookies(resp.Cookies())
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.sessionID = sessionID
	c.sessionAt = c.now()
	c.mu.Unlock()

	pupils, err := c.fetchPupils(ctx)
	if err != nil {
		return err
	}
	if len(pupils) == 0 {
		return fmt.Errorf("%w: no pupils found on this account", ErrValidation)
	}

	c.mu.Lock()
	if !containsPupil(pupils, c.selected) {
		c.selected = pupils[0].ID
	}
	c.mu.Unlock()

	c.logger.Debug("classcharts login succeeded", "pupils", len(pupils))
	return nil
}

func sessionIDFromCookies(cookies []*http.Cookie) (string, error) {
	for _, ck := range cookies {
		if ck.Name != sessionCookie {
			continue
		}
		decoded, err := url.QueryUnescape(ck.Value)
		if err != nil {
			return "", fmt.Errorf("%w: malformed session cookie: %v", ErrAuthentication, err)
		}
		var creds struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal([]byte(decoded), &creds); err != nil || creds.SessionID == "" {
			return "", fmt.Errorf("%w: session cookie has no session id", ErrAuthentication)
		}
		return creds.SessionID, nil
	}
	return "", fmt.Errorf("%w: no session cookie in login response", ErrAuthentication)
}

// SelectPupil makes id the target of subsequent GetLessons calls.
func (c *ParentClient) SelectPupil(ctx context.Context, id int) error {
	c.mu.Lock()
	loggedIn := c.sessionID != ""
	known := c.pupils
	c.mu.Unlock()

	if !loggedIn {
		return fmt.Errorf("%w: not logged in", ErrAuthentication)
	}
	if len(known) == 0 {
		var err error
		if known, err = c.fetchPupils(ctx); err != nil {
			return err
		}
	}
	if !containsPupil(known, id) {
		return fmt.Errorf("%w: pupil %d not found on this account", ErrValidation, id)
	}

	c.mu.Lock()
	c.selected = id
	c.mu.Unlock()
	return nil
}

// GetPupils fetches the pupil roster.
func (c *ParentClient) GetPupils(ctx context.Context) ([]Pupil, error) {
	pupils, err := c.fetchPupils(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Pupil, len(pupils))
	copy(out, pupils)
	return out, nil
}

func (c *ParentClient) fetchPupils(ctx context.Context) ([]Pupil, error) {
	var pupils []Pupil
	if err := c.call(ctx, http.MethodGet, "/pupils", nil, &pupils, nil); err != nil {
		return nil, fmt.Errorf("get pupils: %w", err)
	}

	c.mu.Lock()
	c.pupils = pupils
	c.mu.Unlock()
	return pupils, nil
}

// GetLessons fetches the selected pupil's timetable for filter.Date.
func (c *ParentClient) GetLessons(ctx context.Context, filter LessonFilter) (*LessonsResponse, error) {
	if _, err := time.Parse(time.DateOnly, filter.Date); err != nil {
		return nil, fmt.Errorf("%w: date %q is not YYYY-MM-DD", ErrValidation, filter.Date)
	}

	c.mu.Lock()
	pupilID := c.selected
	c.mu.Unlock()
	if pupilID == 0 {
		return nil, fmt.Errorf("%w: no pupil selected", ErrValidation)
	}

	path := "/timetable/" + strconv.Itoa(pupilID) + "?" + url.Values{"date": {filter.Date}}.Encode()
	var lessons []Lesson
	if err := c.call(ctx, http.MethodGet, path, nil, &lessons, nil); err != nil {
		return nil, fmt.Errorf("get lessons %s: %w", filter.Date, err)
	}
	if lessons == nil {
		lessons = []Lesson{}
	}
	return &LessonsResponse{Data: lessons}, nil
}

// renewSession exchanges the current session id for a fresh one.
func (c *ParentClient) renewSession(ctx context.Context) error {
	var meta struct {
		SessionID string `json:"session_id"`
	}
	form := url.Values{"include_data": {"true"}}
	if err := c.call(ctx, http.MethodPost, "/ping", form, nil, &meta); err != nil {
		return fmt.Errorf("renew session: %w", err)
	}
	if meta.SessionID == "" {
		return fmt.Errorf("%w: ping returned no session id", ErrAuthentication)
	}

	c.mu.Lock()
	c.sessionID = meta.SessionID
	c.sessionAt = c.now()
	c.mu.Unlock()
	return nil
}

// envelope is the common response wrapper of the parent API.
type envelope struct {
	Success int             `json:"success"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
	Meta    json.RawMessage `json:"meta"`
}

// call performs an authenticated API request and decodes data and meta
// into the supplied targets (either may be nil).
func (c *ParentClient) call(ctx context.Context, method, path string, form url.Values, data, meta any) error {
	c.mu.Lock()
	sessionID := c.sessionID
	stale := c.now().Sub(c.sessionAt) > sessionTTL
	c.mu.Unlock()

	if sessionID == "" {
		return fmt.Errorf("%w: not logged in", ErrAuthentication)
	}
	if stale && path != "/ping" {
		if err := c.renewSession(ctx); err != nil {
			return err
		}
		c.mu.Lock()
		sessionID = c.sessionID
		c.mu.Unlock()
	}

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPrefix+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Basic "+sessionID)
	req.Header.Set("Accept", "application/json")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	start := c.now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s returned status %d", ErrAuthentication, path, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("classcharts API error %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	c.logger.Debug("classcharts request", "method", method, "path", path, "duration", c.now().Sub(start))
	c.logger.Log(ctx, traceLevel, "classcharts response body", "path", path, "body", string(raw))

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if env.Success == 0 {
		msg := env.Error
		if msg == "" {
			msg = "request rejected"
		}
		return fmt.Errorf("%w: %s", ErrValidation, msg)
	}

	if data != nil && len(env.Data) > 0 && !bytes.Equal(env.Data, []byte("null")) {
		if err := json.Unmarshal(env.Data, data); err != nil {
			return fmt.Errorf("%w: decode data: %v", ErrValidation, err)
		}
	}
	if meta != nil && len(env.Meta) > 0 && !bytes.Equal(env.Meta, []byte("null")) {
		if err := json.Unmarshal(env.Meta, meta); err != nil {
			return fmt.Errorf("%w: decode meta: %v", ErrValidation, err)
		}
	}
	return nil
}

func containsPupil(pupils []Pupil, id int) bool {
	for _, p := range pupils {
		if p.ID == id {
			return true
		}
	}
	return false
}
