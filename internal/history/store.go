// Package history persists finished deployments in a SQLite flight recorder
// so operators can audit what the webhook did after the fact.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/example/deployer/internal/deploy"
	"github.com/example/deployer/internal/runner"
)

const initSQL = `
CREATE TABLE IF NOT EXISTS deploys (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	stack TEXT NOT NULL,
	ok INTEGER NOT NULL,
	steps TEXT NOT NULL,
	started_at TEXT NOT NULL,
	finished_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS deploys_stack ON deploys(stack, id);
`

// Store records deploy responses. A nil *Store is a valid no-op handle so
// callers need no guards when history is disabled.
type Store struct {
	db      *sql.DB
	maxRows int
}

// Open opens (creating if needed) the recorder database at path. An empty
// path disables history and returns (nil, nil). maxRows caps retention;
// zero means unlimited.
func Open(path string, maxRows int) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve history path: %w", err)
	}
	if dir := filepath.Dir(absPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", absPath)
	if err != nil {
		return nil, fmt.Errorf("open history sqlite: %w", err)
	}
	// Single writer keeps SQLite contention out of the picture.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, initSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init history schema: %w", err)
	}
	if maxRows < 0 {
		maxRows = 0
	}
	return &Store{db: db, maxRows: maxRows}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record appends one finished deployment and enforces retention.
func (s *Store) Record(ctx context.Context, resp deploy.Response) error {
	if s == nil || s.db == nil {
		return nil
	}
	steps, err := json.Marshal(resp.Steps)
	if err != nil {
		return fmt.Errorf("encode steps: %w", err)
	}
	ok := 0
	if resp.OK {
		ok = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO deploys (stack, ok, steps, started_at, finished_at) VALUES (?, ?, ?, ?, ?)`,
		resp.Stack, ok, string(steps),
		resp.StartedAt.UTC().Format(time.RFC3339Nano),
		resp.FinishedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert deploy record: %w", err)
	}
	if s.maxRows > 0 {
		_, err = s.db.ExecContext(ctx,
			`DELETE FROM deploys WHERE id NOT IN (SELECT id FROM deploys ORDER BY id DESC LIMIT ?)`,
			s.maxRows,
		)
		if err != nil {
			return fmt.Errorf("prune deploy records: %w", err)
		}
	}
	return nil
}

// Recent returns up to limit deployments, newest first. A nil store returns
// nothing.
func (s *Store) Recent(ctx context.Context, limit int) ([]deploy.Response, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT stack, ok, steps, started_at, finished_at FROM deploys ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query deploy records: %w", err)
	}
	defer rows.Close()

	var out []deploy.Response
	for rows.Next() {
		var (
			resp     deploy.Response
			ok       int
			steps    string
			started  string
			finished string
		)
		if err := rows.Scan(&resp.Stack, &ok, &steps, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan deploy record: %w", err)
		}
		resp.OK = ok != 0
		if err := json.Unmarshal([]byte(steps), &resp.Steps); err != nil {
			resp.Steps = []runner.StepResult{}
		}
		if ts, err := time.Parse(time.RFC3339Nano, started); err == nil {
			resp.StartedAt = ts
		}
		if ts, err := time.Parse(time.RFC3339Nano, finished); err == nil {
			resp.FinishedAt = ts
		}
		out = append(out, resp)
	}
	return out, rows.Err()
}
