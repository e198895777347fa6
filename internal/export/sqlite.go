package export

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/JakeFAU/geotile-pipeline/internal/pipeline"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS results (
	requested_url TEXT PRIMARY KEY,
	url           TEXT NOT NULL,
	title         TEXT NOT NULL DEFAULT '',
	confidence    REAL NOT NULL,
	classified_at TEXT NOT NULL,
	labels        TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS votes (
	requested_url TEXT NOT NULL REFERENCES results (requested_url) ON DELETE CASCADE,
	category      TEXT NOT NULL,
	label         TEXT NOT NULL,
	method        TEXT NOT NULL,
	confidence    REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS votes_requested_url ON votes (requested_url);
`

// SQLiteWriter stores results in a SQLite file, one row per requested page
// plus one row per supporting vote. Pages that redirect to the same final URL
// keep separate rows. It implements pipeline.ResultSink.
type SQLiteWriter struct {
	db *sql.DB
}

// OpenSQLite creates or opens the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create export directory: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)
	for _, stmt := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON", sqliteSchema} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("prepare sqlite: %w", err)
		}
	}
	return &SQLiteWriter{db: db}, nil
}

// Record replaces the row for result.Key() and its votes in one transaction.
func (w *SQLiteWriter) Record(ctx context.Context, result pipeline.ClassificationResult) (err error) {
	key := result.Key()
	labels, err := json.Marshal(result.Labels)
	if err != nil {
		return fmt.Errorf("marshal labels: %w", err)
	}
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM votes WHERE requested_url = ?`, key); err != nil {
		return fmt.Errorf("clear votes: %w", err)
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO results (requested_url, url, title, confidence, classified_at, labels) VALUES (?, ?, ?, ?, ?, ?)`,
		key, result.URL, result.Title, result.Confidence, result.ClassifiedAt.UTC().Format(time.RFC3339Nano), string(labels),
	); err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	for _, cat := range pipeline.Categories {
		l, ok := result.Labels[cat]
		if !ok {
			continue
		}
		for _, v := range l.Votes {
			if _, err = tx.ExecContext(ctx,
				`INSERT INTO votes (requested_url, category, label, method, confidence) VALUES (?, ?, ?, ?, ?)`,
				key, string(v.Category), v.Label, v.Method, v.Confidence,
			); err != nil {
				return fmt.Errorf("insert vote: %w", err)
			}
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Load reads every stored result ordered by requested URL.
func (w *SQLiteWriter) Load(ctx context.Context) ([]pipeline.ClassificationResult, error) {
	rows, err := w.db.QueryContext(ctx, `SELECT requested_url, url, title, confidence, classified_at, labels FROM results ORDER BY requested_url`)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	var out []pipeline.ClassificationResult
	for rows.Next() {
		var (
			res       pipeline.ClassificationResult
			at, label string
		)
		if err := rows.Scan(&res.RequestedURL, &res.URL, &res.Title, &res.Confidence, &at, &label); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		if res.ClassifiedAt, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("parse classified_at for %s: %w", res.RequestedURL, err)
		}
		if err := json.Unmarshal([]byte(label), &res.Labels); err != nil {
			return nil, fmt.Errorf("decode labels for %s: %w", res.RequestedURL, err)
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate results: %w", err)
	}
	return out, nil
}

// VoteCounts returns the number of stored votes per method.
func (w *SQLiteWriter) VoteCounts(ctx context.Context) (map[string]int, error) {
	rows, err := w.db.QueryContext(ctx, `SELECT method, COUNT(*) FROM votes GROUP BY method`)
	if err != nil {
		return nil, fmt.Errorf("query votes: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var (
			method string
			n      int
		)
		if err := rows.Scan(&method, &n); err != nil {
			return nil, fmt.Errorf("scan vote count: %w", err)
		}
		out[method] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate votes: %w", err)
	}
	return out, nil
}

// Close closes the database.
func (w *SQLiteWriter) Close() error {
	if err := w.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}
