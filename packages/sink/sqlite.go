package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	// SQLite driver
	_ "github.com/mattn/go-sqlite3"

	"github.com/abdul-hamid-achik/hitcapture/packages/har"
)

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	started_at    TEXT    NOT NULL,
	method        TEXT    NOT NULL,
	url           TEXT    NOT NULL,
	status        INTEGER NOT NULL,
	mime_type     TEXT,
	time_ms       REAL,
	request_json  TEXT    NOT NULL,
	response_json TEXT    NOT NULL,
	body          BLOB,
	decode_failed INTEGER NOT NULL DEFAULT 0,
	incomplete    INTEGER NOT NULL DEFAULT 0,
	tunnel        INTEGER NOT NULL DEFAULT 0,
	error         TEXT
);
CREATE TABLE IF NOT EXISTS archive (
	key   TEXT PRIMARY KEY,
	value TEXT
);`

// SQLiteSink writes each archive into a new hitcapture-<timestamp>.db file with
// one row per entry
type SQLiteSink struct {
	Dir string
	// Now overrides the clock used for file names
	Now func() time.Time
}

func (s *SQLiteSink) Write(artifact *har.HAR) (string, error) {
	path, err := outputPath(s.Dir, s.Now, ".db")
	if err != nil {
		return "", err
	}
	c, err := NewClient("sqlite:" + path)
	if err != nil {
		return "", err
	}
	defer c.Close()

	if err := c.Store(artifact); err != nil {
		return "", err
	}
	return path, nil
}

// QueryResult represents the result of a query
type QueryResult struct {
	Columns []string
	Rows    []map[string]interface{}
}

// Client is a connection to a capture database
type Client struct {
	db           *sql.DB
	queryTimeout time.Duration
}

// NewClient opens a capture database from a connection string
// Supported formats:
// - sqlite://path/to/capture.db
// - sqlite:./capture.db
// - path/to/capture.db
func NewClient(connectionString string) (*Client, error) {
	dsn := parseConnectionString(connectionString)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Client{db: db, queryTimeout: 30 * time.Second}, nil
}

// Close closes the database connection
func (c *Client) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Store inserts every entry of artifact in a single transaction
func (c *Client) Store(artifact *har.HAR) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.queryTimeout)
	defer cancel()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if artifact.Log != nil && artifact.Log.Creator != nil {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO archive (key, value) VALUES ('creator', ?), ('version', ?)`,
			artifact.Log.Creator.Name+" "+artifact.Log.Creator.Version, artifact.Log.Version,
		); err != nil {
			return fmt.Errorf("failed to store archive metadata: %w", err)
		}
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO entries
		(started_at, method, url, status, mime_type, time_ms, request_json, response_json,
		 body, decode_failed, incomplete, tunnel, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range artifact.Entries() {
		row, err := rowFor(e)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return fmt.Errorf("failed to insert entry %s: %w", e.Request.URL, err)
		}
	}
	return tx.Commit()
}

// Query executes a SQL query and returns the result
func (c *Client) Query(query string) (*QueryResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.queryTimeout)
	defer cancel()

	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to get columns: %w", err)
	}

	result := &QueryResult{
		Columns: columns,
		Rows:    make([]map[string]interface{}, 0),
	}

	for rows.Next() {
		values := make([]interface{}, len(columns))
		valuePtrs := make([]interface{}, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		row := make(map[string]interface{})
		for i, col := range columns {
			val := values[i]
			// Convert []byte to string for better handling
			if b, ok := val.([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = val
			}
		}
		result.Rows = append(result.Rows, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return result, nil
}

func rowFor(e *har.Entry) ([]any, error) {
	reqJSON, err := json.Marshal(e.Request)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	respJSON, err := json.Marshal(e.Response)
	if err != nil {
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}

	var (
		method, url, mime string
		status            int
		body              []byte
	)
	if e.Request != nil {
		method, url = e.Request.Method, e.Request.URL
	}
	if e.Response != nil {
		status = e.Response.Status
		if e.Response.Content != nil {
			mime = e.Response.Content.MimeType
			body = e.Response.Content.Body()
		}
	}
	return []any{
		e.StartedDateTime.UTC().Format(time.RFC3339Nano),
		method, url, status, mime, e.Time,
		string(reqJSON), string(respJSON), body,
		e.DecodeFailed, e.Incomplete, e.Tunnel, nullable(e.Error),
	}, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func parseConnectionString(connStr string) string {
	connStr = strings.TrimSpace(connStr)
	if strings.HasPrefix(connStr, "sqlite://") {
		return strings.TrimPrefix(connStr, "sqlite://")
	}
	return strings.TrimPrefix(connStr, "sqlite:")
}
