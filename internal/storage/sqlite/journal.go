// Package sqlite provides a SQLite-backed journal of accepted match events.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/nfrund/tabletop/internal/domain"
	"github.com/nfrund/tabletop/internal/engine"
)

//go:embed schema.sql
var schema string

// ErrDuplicateEvent is returned when an (match, epoch, id) triple is already
// journaled.
var ErrDuplicateEvent = errors.New("event already journaled")

// InMemory is the path that opens a private in-memory journal.
const InMemory = ":memory:"

// Journal appends accepted events keyed by match, epoch and event id.
type Journal struct {
	sqlDB *sql.DB
}

// Open opens the journal at path, creating the schema when needed.
func Open(path string) (*Journal, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("journal path is required")
	}
	dsn := InMemory
	if path != InMemory {
		dsn = filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if path == InMemory {
		// Every connection would otherwise get its own empty database.
		sqlDB.SetMaxOpenConns(1)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Journal{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (j *Journal) Close() error {
	if j == nil || j.sqlDB == nil {
		return nil
	}
	return j.sqlDB.Close()
}

// Append stores entries in one transaction. Either every entry is stored or
// none is.
func (j *Journal) Append(ctx context.Context, matchID string, epoch int, entries []engine.EventStreamEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if matchID == "" {
		return fmt.Errorf("match id is required")
	}

	tx, err := j.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO match_events (
		   match_id, epoch, event_id, event_type, source_command_type, sfx_key, timestamp, payload_json
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		payload, err := json.Marshal(e.Event.Payload)
		if err != nil {
			return fmt.Errorf("event %d payload: %w", e.ID, err)
		}
		if e.Event.Payload == nil {
			payload = []byte("{}")
		}
		_, err = stmt.ExecContext(ctx, matchID, epoch, e.ID, e.Event.Type,
			e.Event.SourceCommandType, e.Event.SFXKey, e.Event.Timestamp, string(payload))
		if isConstraintError(err) {
			return fmt.Errorf("%w: match %s epoch %d id %d", ErrDuplicateEvent, matchID, epoch, e.ID)
		}
		if err != nil {
			return fmt.Errorf("insert event %d: %w", e.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Read returns the entries of one match epoch with id >= fromID, in id order.
func (j *Journal) Read(ctx context.Context, matchID string, epoch int, fromID int64) ([]engine.EventStreamEntry, error) {
	rows, err := j.sqlDB.QueryContext(ctx,
		`SELECT event_id, event_type, source_command_type, sfx_key, timestamp, payload_json
		   FROM match_events
		  WHERE match_id = ? AND epoch = ? AND event_id >= ?
		  ORDER BY event_id`,
		matchID, epoch, fromID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []engine.EventStreamEntry
	for rows.Next() {
		var (
			entry   engine.EventStreamEntry
			payload string
		)
		if err := rows.Scan(&entry.ID, &entry.Event.Type, &entry.Event.SourceCommandType,
			&entry.Event.SFXKey, &entry.Event.Timestamp, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var p domain.Payload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return nil, fmt.Errorf("event %d payload: %w", entry.ID, err)
		}
		if len(p) > 0 {
			entry.Event.Payload = p
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// Epochs lists the epochs journaled for a match, ascending.
func (j *Journal) Epochs(ctx context.Context, matchID string) ([]int, error) {
	rows, err := j.sqlDB.QueryContext(ctx,
		"SELECT DISTINCT epoch FROM match_events WHERE match_id = ? ORDER BY epoch", matchID)
	if err != nil {
		return nil, fmt.Errorf("query epochs: %w", err)
	}
	defer rows.Close()

	var out []int
	for rows.Next() {
		var epoch int
		if err := rows.Scan(&epoch); err != nil {
			return nil, fmt.Errorf("scan epoch: %w", err)
		}
		out = append(out, epoch)
	}
	return out, rows.Err()
}

// Purge deletes every journaled event of a match.
func (j *Journal) Purge(ctx context.Context, matchID string) error {
	if _, err := j.sqlDB.ExecContext(ctx, "DELETE FROM match_events WHERE match_id = ?", matchID); err != nil {
		return fmt.Errorf("purge %s: %w", matchID, err)
	}
	return nil
}

func isConstraintError(err error) bool {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3lib.SQLITE_CONSTRAINT || code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
}
