package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLiteStore persists usage records in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and ensures
// the schema exists.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS usage_records (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			model TEXT NOT NULL,
			input_tokens INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL,
			cost REAL NOT NULL,
			recorded_at DATETIME NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create usage table: %w", err)
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_usage_session ON usage_records(session_id, recorded_at)`)
	if err != nil {
		return fmt.Errorf("create usage index: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Record(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records (id, session_id, model, input_tokens, output_tokens, cost, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SessionID, rec.Model, rec.InputTokens, rec.OutputTokens, rec.Cost, rec.RecordedAt)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) BySession(ctx context.Context, sessionID string) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, model, input_tokens, output_tokens, cost, recorded_at
		 FROM usage_records WHERE session_id = ? ORDER BY recorded_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.Model, &rec.InputTokens, &rec.OutputTokens, &rec.Cost, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Totals(ctx context.Context) (*Totals, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0),
		        COALESCE(SUM(cost), 0), COUNT(*) FROM usage_records`)

	totals := &Totals{}
	if err := row.Scan(&totals.InputTokens, &totals.OutputTokens, &totals.Cost, &totals.Turns); err != nil {
		return nil, fmt.Errorf("query totals: %w", err)
	}
	return totals, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
