// Package journal keeps a history of coordinator refresh cycles in
// SQLite: when each cycle ran, whether it succeeded, and how many
// pupils and lesson failures it saw. Timetable data is never stored
// here; the lesson cache stays in memory and starts cold on restart.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/lilphil/homeassistant-classcharts/internal/coordinator"
)

// Entry is one recorded refresh cycle.
type Entry struct {
	ID             int64     `json:"id"`
	EntryID        string    `json:"entry_id"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
	Success        bool      `json:"success"`
	Pupils         int       `json:"pupils"`
	LessonFailures int       `json:"lesson_failures"`
	Error          string    `json:"error,omitempty"`
}

// Store is the refresh journal. All methods are safe for concurrent
// use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// Open opens or creates the journal database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps an open database, creating the schema if needed.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS refresh_journal (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		entry_id        TEXT NOT NULL,
		started_at      TEXT NOT NULL,
		finished_at     TEXT NOT NULL,
		success         INTEGER NOT NULL,
		pupils          INTEGER NOT NULL DEFAULT 0,
		lesson_failures INTEGER NOT NULL DEFAULT 0,
		error           TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_refresh_journal_entry
		ON refresh_journal (entry_id, finished_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record appends a cycle and returns its row id.
func (s *Store) Record(ctx context.Context, e Entry) (int64, error) {
	success := 0
	if e.Success {
		success = 1
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO refresh_journal
		 (entry_id, started_at, finished_at, success, pupils, lesson_failures, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.EntryID,
		e.StartedAt.UTC().Format(time.RFC3339Nano),
		e.FinishedAt.UTC().Format(time.RFC3339Nano),
		success, e.Pupils, e.LessonFailures, e.Error,
	)
	if err != nil {
		return 0, fmt.Errorf("record %s: %w", e.EntryID, err)
	}
	return res.LastInsertId()
}

// Recent returns up to limit cycles for an entry, newest first.
func (s *Store) Recent(ctx context.Context, entryID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, entry_id, started_at, finished_at, success, pupils, lesson_failures, error
		 FROM refresh_journal
		 WHERE entry_id = ?
		 ORDER BY finished_at DESC, id DESC
		 LIMIT ?`,
		entryID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent %s: %w", entryID, err)
	}
	defer rows.Close()

	out := []Entry{}
	for rows.Next() {
		var (
			e                 Entry
			started, finished string
			success           int
		)
		if err := rows.Scan(&e.ID, &e.EntryID, &started, &finished, &success, &e.Pupils, &e.LessonFailures, &e.Error); err != nil {
			return nil, fmt.Errorf("scan %s: %w", entryID, err)
		}
		e.Success = success != 0
		if e.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, fmt.Errorf("parse started_at %q: %w", started, err)
		}
		if e.FinishedAt, err = time.Parse(time.RFC3339Nano, finished); err != nil {
			return nil, fmt.Errorf("parse finished_at %q: %w", finished, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes cycles that finished before cutoff and returns how many
// were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM refresh_journal WHERE finished_at < ?`,
		cutoff.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}
	return res.RowsAffected()
}

// Source is the coordinator view the journal records from.
type Source interface {
	LastUpdate() coordinator.Status
	AddListener(fn func()) (remove func())
}

// Attach records every refresh cycle of src under entryID. The returned
// func detaches.
func (s *Store) Attach(entryID string, src Source, logger *slog.Logger) (detach func()) {
	if logger == nil {
		logger = slog.Default()
	}
	return src.AddListener(func() {
		st := src.LastUpdate()
		e := Entry{
			EntryID:        entryID,
			StartedAt:      st.Finished.Add(-st.Duration),
			FinishedAt:     st.Finished,
			Success:        st.Success,
			Pupils:         st.Pupils,
			LessonFailures: st.LessonFailures,
		}
		if st.Err != nil {
			e.Error = st.Err.Error()
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := s.Record(ctx, e); err != nil {
			logger.Warn("refresh journal write failed", "entry_id", entryID, "error", err)
		}
	})
}
