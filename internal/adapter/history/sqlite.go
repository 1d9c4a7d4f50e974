// Package history caches closed turns in a local SQLite database so clients
// can show recent conversation history without asking the backend.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"agentdeck/internal/domain"
)

const defaultListLimit = 50

// Store implements domain.TurnStore using SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and runs the schema
// migration. ":memory:" is accepted for tests.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// One connection serializes writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history db: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS turns (
			id           TEXT PRIMARY KEY,
			thread_id    TEXT NOT NULL,
			session_id   TEXT NOT NULL DEFAULT '',
			run_id       TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL,
			user_message TEXT NOT NULL,
			body         TEXT NOT NULL,
			started_at   INTEGER NOT NULL,
			closed_at    INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_turns_thread ON turns (thread_id, started_at);
		CREATE INDEX IF NOT EXISTS idx_turns_closed ON turns (closed_at);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func storeErr(op string, err error) error {
	return fmt.Errorf("history %s: %w: %w", op, domain.ErrHistoryStore, err)
}

// SaveTurn inserts or replaces a turn.
func (s *Store) SaveTurn(ctx context.Context, sessionID string, turn domain.Turn) error {
	body, err := json.Marshal(turn)
	if err != nil {
		return storeErr("save", fmt.Errorf("marshal turn: %w", err))
	}
	closedAt := turn.ClosedAt
	if closedAt.IsZero() {
		closedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO turns (id, thread_id, session_id, run_id, status, user_message, body, started_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			thread_id = excluded.thread_id,
			session_id = excluded.session_id,
			run_id = excluded.run_id,
			status = excluded.status,
			user_message = excluded.user_message,
			body = excluded.body,
			started_at = excluded.started_at,
			closed_at = excluded.closed_at`,
		turn.ID, turn.ThreadID, sessionID, turn.RunID, turn.Status(), turn.UserMessage,
		string(body), turn.StartedAt.UnixNano(), closedAt.UnixNano(),
	)
	if err != nil {
		return storeErr("save", err)
	}
	return nil
}

// ListTurns returns up to limit of the most recent turns on a thread,
// oldest first.
func (s *Store) ListTurns(ctx context.Context, threadID string, limit int) ([]domain.Turn, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT thread_id, body FROM turns
		WHERE thread_id = ?
		ORDER BY started_at DESC, id DESC
		LIMIT ?`, threadID, limit)
	if err != nil {
		return nil, storeErr("list", err)
	}
	defer rows.Close()

	var turns []domain.Turn
	for rows.Next() {
		var thread, body string
		if err := rows.Scan(&thread, &body); err != nil {
			return nil, storeErr("list", err)
		}
		var t domain.Turn
		if err := json.Unmarshal([]byte(body), &t); err != nil {
			return nil, storeErr("list", fmt.Errorf("decode turn: %w", err))
		}
		// The column is authoritative after a rebind.
		t.ThreadID = thread
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list", err)
	}

	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// RebindThread moves every turn of previous onto current.
func (s *Store) RebindThread(ctx context.Context, previous, current string) error {
	if previous == "" || previous == current {
		return nil
	}
	if _, err := s.db.ExecContext(ctx,
		"UPDATE turns SET thread_id = ? WHERE thread_id = ?", current, previous,
	); err != nil {
		return storeErr("rebind", err)
	}
	return nil
}

// Threads summarizes cached threads, most recently active first.
func (s *Store) Threads(ctx context.Context) ([]domain.ThreadSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT thread_id, COUNT(*), MAX(closed_at) FROM turns
		GROUP BY thread_id
		ORDER BY MAX(closed_at) DESC`)
	if err != nil {
		return nil, storeErr("threads", err)
	}
	defer rows.Close()

	var out []domain.ThreadSummary
	for rows.Next() {
		var (
			ts   domain.ThreadSummary
			last int64
		)
		if err := rows.Scan(&ts.ThreadID, &ts.Turns, &last); err != nil {
			return nil, storeErr("threads", err)
		}
		ts.LastActive = time.Unix(0, last)
		out = append(out, ts)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("threads", err)
	}
	return out, nil
}

// Prune deletes turns closed before olderThan and returns how many went.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM turns WHERE closed_at < ?", olderThan.UnixNano())
	if err != nil {
		return 0, storeErr("prune", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

var _ domain.TurnStore = (*Store)(nil)
