package core

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/3cpo-dev/inferctl/pkg/api"
)

// History statuses beyond the canonical task statuses.
const (
	HistoryError     = "error"
	HistoryCancelled = "cancelled"
)

// ErrNotFound is returned when no history entry matches.
var ErrNotFound = errors.New("history entry not found")

// Entry is one recorded submission.
type Entry struct {
	ID          string
	TaskID      string
	Request     api.TaskRequest
	Status      string
	Result      string
	Error       string
	SubmittedAt time.Time
	UpdatedAt   time.Time
}

// Store is a SQLite-backed submission history.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

// NewStore opens (creating if needed) the history database at path.
func NewStore(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer; also keeps :memory: on a single connection
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error { return s.db.Close() }

// Record inserts e and returns its id. A missing id or timestamp is filled in.
func (s *Store) Record(ctx context.Context, e Entry) (string, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.SubmittedAt.IsZero() {
		e.SubmittedAt = time.Now()
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.SubmittedAt
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO submissions
		(id, task_id, text, model_name, dyn_batch, speculative, status, result, error, submitted_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TaskID, e.Request.Text, e.Request.ModelName, e.Request.DynBatch,
		boolInt(e.Request.SpeculativeDecoding), e.Status, e.Result, e.Error,
		e.SubmittedAt.UnixNano(), e.UpdatedAt.UnixNano())
	if err != nil {
		return "", fmt.Errorf("record submission: %w", err)
	}
	return e.ID, nil
}

// UpdateStatus sets the outcome of the entry with the given id.
func (s *Store) UpdateStatus(ctx context.Context, id, status, result, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE submissions SET status = ?, result = ?, error = ?, updated_at = ? WHERE id = ?`,
		status, result, errMsg, time.Now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("update submission: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get finds an entry by its id or by the server task id.
func (s *Store) Get(ctx context.Context, key string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, selectEntry+` WHERE id = ? OR task_id = ?
		ORDER BY submitted_at DESC LIMIT 1`, key, key)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return e, err
}

// List returns up to limit entries, newest first. limit <= 0 returns all.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, selectEntry+` ORDER BY submitted_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const selectEntry = `SELECT id, task_id, text, model_name, dyn_batch, speculative,
	status, result, error, submitted_at, updated_at FROM submissions`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (Entry, error) {
	var (
		e                  Entry
		spec               int
		submitted, updated int64
	)
	err := sc.Scan(&e.ID, &e.TaskID, &e.Request.Text, &e.Request.ModelName, &e.Request.DynBatch,
		&spec, &e.Status, &e.Result, &e.Error, &submitted, &updated)
	if err != nil {
		return Entry{}, err
	}
	e.Request.SpeculativeDecoding = spec != 0
	e.SubmittedAt = time.Unix(0, submitted)
	e.UpdatedAt = time.Unix(0, updated)
	return e, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
