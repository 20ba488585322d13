// Package agentstore persists agent metadata so reattached handles can be
// rebuilt and engines resolved after a restart.
package agentstore

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hummer98/sdd-orchestrator-sub011/internal/domain"
)

// ErrNotFound is returned when no record exists for an agent id
var ErrNotFound = errors.New("agent record not found")

// activeStatuses are the states in which a process may still be alive
var activeStatuses = []string{"spawning", "running", "timed_out", "stopping", "killing"}

// timeLayout is fixed width so stored timestamps sort chronologically
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const columns = `id, spec_id, phase, engine_id, session_id, pid, status, started_at, process_start_time, exit_reason, log_path, retry_count, updated_at`

// Store provides SQLite-backed agent persistence
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New opens (creating if needed) the database at dbPath
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// one connection keeps ":memory:" databases shared and serializes writes
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveAgent inserts or replaces an agent record
func (s *Store) SaveAgent(rec domain.AgentRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO agents (`+columns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			spec_id = excluded.spec_id,
			phase = excluded.phase,
			engine_id = excluded.engine_id,
			session_id = excluded.session_id,
			pid = excluded.pid,
			status = excluded.status,
			started_at = excluded.started_at,
			process_start_time = excluded.process_start_time,
			exit_reason = excluded.exit_reason,
			log_path = excluded.log_path,
			retry_count = excluded.retry_count,
			updated_at = excluded.updated_at
	`,
		rec.AgentID,
		rec.SpecID,
		rec.Phase,
		string(rec.EngineID),
		rec.SessionID,
		rec.PID,
		rec.Status,
		formatTime(rec.StartedAt),
		rec.ProcessStartTime,
		rec.ExitReason,
		rec.LogPath,
		rec.RetryCount,
		formatTime(s.now()),
	)
	if err != nil {
		return fmt.Errorf("saving agent %s: %w", rec.AgentID, err)
	}
	return nil
}

// GetAgent retrieves an agent record by id
func (s *Store) GetAgent(id string) (*domain.AgentRecord, error) {
	row := s.db.QueryRow(`SELECT `+columns+` FROM agents WHERE id = ?`, id)
	rec, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, err
}

// ListOptions specifies filters for listing agents
type ListOptions struct {
	SpecID     string
	Status     string
	ActiveOnly bool
	Limit      int
}

// ListAgents returns agents matching opts, newest first
func (s *Store) ListAgents(opts ListOptions) ([]*domain.AgentRecord, error) {
	query := `SELECT ` + columns + ` FROM agents WHERE 1=1`
	var args []interface{}

	if opts.SpecID != "" {
		query += " AND spec_id = ?"
		args = append(args, opts.SpecID)
	}
	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, opts.Status)
	}
	if opts.ActiveOnly {
		query += " AND status IN (?" + strings.Repeat(", ?", len(activeStatuses)-1) + ")"
		for _, st := range activeStatuses {
			args = append(args, st)
		}
	}
	query += " ORDER BY started_at DESC, id"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.AgentRecord
	for rows.Next() {
		rec, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListActive returns records whose process may still be running
func (s *Store) ListActive() ([]*domain.AgentRecord, error) {
	return s.ListAgents(ListOptions{ActiveOnly: true})
}

// UpdateSessionID records the session id once the engine reports it
func (s *Store) UpdateSessionID(id, sessionID string) error {
	res, err := s.db.Exec(`UPDATE agents SET session_id = ?, updated_at = ? WHERE id = ?`,
		sessionID, formatTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("updating agent %s session: %w", id, err)
	}
	return expectRow(res, id)
}

// LookupEngine returns the engine an agent was started with, or "" if the
// agent is unknown
func (s *Store) LookupEngine(agentID string) (domain.EngineID, error) {
	var engine string
	err := s.db.QueryRow(`SELECT engine_id FROM agents WHERE id = ?`, agentID).Scan(&engine)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return domain.EngineID(engine), nil
}

func expectRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAgent(row scanner) (*domain.AgentRecord, error) {
	var rec domain.AgentRecord
	var engine, startedAt, updatedAt string
	err := row.Scan(
		&rec.AgentID,
		&rec.SpecID,
		&rec.Phase,
		&engine,
		&rec.SessionID,
		&rec.PID,
		&rec.Status,
		&startedAt,
		&rec.ProcessStartTime,
		&rec.ExitReason,
		&rec.LogPath,
		&rec.RetryCount,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.EngineID = domain.EngineID(engine)
	if rec.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, fmt.Errorf("agent %s started_at: %w", rec.AgentID, err)
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("agent %s updated_at: %w", rec.AgentID, err)
	}
	return &rec, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, s)
}
