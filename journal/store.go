// Package journal keeps a SQLite log (WAL mode) of every frame received
// from the device and what became of it.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"go.uber.org/zap"

	"rakgateway/command"
)

// Entry is one journaled frame.
type Entry struct {
	ID         int64     `json:"id"`
	ReceivedAt time.Time `json:"receivedAt"`
	Checksum   uint16    `json:"checksum"`
	Payload    string    `json:"payload"`
	Command    *int      `json:"command,omitempty"`
	RecordID   *int      `json:"recordId,omitempty"`
	Outcome    string    `json:"outcome"`
	Code       int       `json:"code,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Store wraps *sql.DB with the frame journal queries.
type Store struct {
	db         *sql.DB
	maxEntries int64
	log        *zap.Logger
}

// Open opens (or creates) the SQLite file at path and applies the schema.
// maxEntries caps the table; zero keeps everything.
func Open(path string, maxEntries int, log *zap.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: ping: %w", err)
	}
	// One writer; WAL still allows concurrent readers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(ddlFrames); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	return &Store{db: db, maxEntries: int64(maxEntries), log: log.Named("journal")}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts e and trims the oldest rows beyond the cap. It returns the
// new row id.
func (s *Store) Record(ctx context.Context, e Entry) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO frames (received_at, checksum, payload, command, record_id, outcome, code, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ReceivedAt.UnixMilli(), int64(e.Checksum), e.Payload,
		nullInt(e.Command), nullInt(e.RecordID), e.Outcome, e.Code, e.Error)
	if err != nil {
		return 0, fmt.Errorf("journal: insert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("journal: insert id: %w", err)
	}
	if s.maxEntries > 0 && id > s.maxEntries {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM frames WHERE id <= ?`, id-s.maxEntries); err != nil {
			return id, fmt.Errorf("journal: trim: %w", err)
		}
	}
	return id, nil
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, received_at, checksum, payload, command, record_id, outcome, code, error
		 FROM frames ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                 Entry
			receivedAt, check int64
			cmd, recordID     sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &receivedAt, &check, &e.Payload, &cmd, &recordID, &e.Outcome, &e.Code, &e.Error); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		e.ReceivedAt = time.UnixMilli(receivedAt)
		e.Checksum = uint16(check)
		e.Command = intPtr(cmd)
		e.RecordID = intPtr(recordID)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: rows: %w", err)
	}
	return out, nil
}

// Observe implements command.Observer. Insert failures are logged.
func (s *Store) Observe(ctx context.Context, o command.Outcome) {
	if _, err := s.Record(context.WithoutCancel(ctx), EntryFromOutcome(o)); err != nil {
		s.log.Warn("journal write failed", zap.Error(err))
	}
}

// EntryFromOutcome flattens a processed frame into a journal row.
func EntryFromOutcome(o command.Outcome) Entry {
	e := Entry{
		ReceivedAt: o.Frame.ReceivedAt,
		Checksum:   o.Frame.Checksum(),
		Payload:    string(o.Frame.Data),
		Outcome:    string(o.Result),
		Code:       o.Code,
	}
	if o.Record != nil {
		cmd, id := o.Record.Command, o.Record.RecordID
		e.Command, e.RecordID = &cmd, &id
	}
	if o.Err != nil {
		e.Error = o.Err.Error()
	}
	return e
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

const ddlFrames = `
CREATE TABLE IF NOT EXISTS frames (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    received_at INTEGER NOT NULL,          -- Unix milliseconds
    checksum    INTEGER NOT NULL,          -- CRC16/MODBUS of payload
    payload     TEXT    NOT NULL,
    command     INTEGER,
    record_id   INTEGER,
    outcome     TEXT    NOT NULL,
    code        INTEGER NOT NULL DEFAULT 0,
    error       TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_frames_received_at ON frames (received_at DESC);
`
