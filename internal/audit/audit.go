// Package audit provides the append-only audit trail for authorization
// decisions: pairing mutations, allowlist changes, approval resolutions,
// denied handshakes and exec requests. Operators read it out-of-band; the
// gateway only ever appends.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one audit record. Detail is free-form JSON; RawPeerID carries the
// pre-canonicalization peer id when one exists (it appears nowhere else).
type Entry struct {
	ID        int64          `json:"id"`
	At        time.Time      `json:"at"`
	Kind      string         `json:"kind"` // "pairing.approve", "exec.denied", ...
	Actor     string         `json:"actor,omitempty"`
	Channel   string         `json:"channel,omitempty"`
	RawPeerID string         `json:"rawPeerId,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// Log is a sqlite-backed audit sink. Append is best-effort: a failed write
// is logged, never propagated, so auditing cannot take down a request path.
type Log struct {
	db *sql.DB
}

// Open creates (or opens) the audit database at path.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_log (
			id       INTEGER PRIMARY KEY AUTOINCREMENT,
			at_ms    INTEGER NOT NULL,
			kind     TEXT NOT NULL,
			actor    TEXT NOT NULL DEFAULT '',
			channel  TEXT NOT NULL DEFAULT '',
			raw_peer TEXT NOT NULL DEFAULT '',
			detail   TEXT NOT NULL DEFAULT '{}'
		);
		CREATE INDEX IF NOT EXISTS idx_audit_kind ON audit_log(kind, at_ms);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("init audit schema: %w", err)
	}
	return &Log{db: db}, nil
}

// Append records one entry. Timestamps are assigned here.
func (l *Log) Append(ctx context.Context, e Entry) {
	if l == nil {
		return
	}
	detail, err := json.Marshal(e.Detail)
	if err != nil {
		detail = []byte("{}")
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO audit_log (at_ms, kind, actor, channel, raw_peer, detail) VALUES (?, ?, ?, ?, ?, ?)`,
		time.Now().UnixMilli(), e.Kind, e.Actor, e.Channel, e.RawPeerID, string(detail),
	)
	if err != nil {
		slog.Warn("audit append failed", "kind", e.Kind, "error", err)
	}
}

// Tail returns the most recent n entries, newest first.
func (l *Log) Tail(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		n = 50
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, at_ms, kind, actor, channel, raw_peer, detail
		 FROM audit_log ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var atMs int64
		var detail string
		if err := rows.Scan(&e.ID, &atMs, &e.Kind, &e.Actor, &e.Channel, &e.RawPeerID, &detail); err != nil {
			return nil, err
		}
		e.At = time.UnixMilli(atMs)
		if detail != "" && detail != "{}" {
			_ = json.Unmarshal([]byte(detail), &e.Detail)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	return l.db.Close()
}
