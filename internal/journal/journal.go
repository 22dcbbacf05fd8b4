// Package journal keeps a SQLite record of peer sessions: when each
// connection opened, how it ended and its last measured ping.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/replicon-project/replicon/internal/events"
)

// Session is one journaled connection.
type Session struct {
	SessionID      string     `json:"session_id"`
	ConnID         uint32     `json:"conn_id"`
	Remote         string     `json:"remote"`
	ConnectedAt    time.Time  `json:"connected_at"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	PingMs         float64    `json:"ping_ms"`
}

// Summary aggregates the journal.
type Summary struct {
	Sessions int `json:"sessions"`
	Open     int `json:"open"`
	Refused  int `json:"refused"`
}

// Journal records peer sessions.
type Journal struct {
	db     *Database
	logger zerolog.Logger
}

// Open opens or creates the journal at path.
func Open(path string) (*Journal, error) {
	database, err := NewDatabase(path)
	if err != nil {
		return nil, err
	}

	j := &Journal{
		db:     database,
		logger: log.With().Str("component", "journal").Logger(),
	}
	if err := j.migrate(context.Background()); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate journal: %w", err)
	}
	return j, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			conn_id INTEGER NOT NULL,
			remote TEXT NOT NULL,
			connected_at INTEGER NOT NULL,
			disconnected_at INTEGER,
			reason TEXT NOT NULL DEFAULT '',
			ping_ms REAL NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_connected ON sessions(connected_at);

		CREATE TABLE IF NOT EXISTS refusals (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			remote TEXT NOT NULL,
			refused_at INTEGER NOT NULL
		);
	`
	_, err := j.db.Exec(ctx, schema)
	return err
}

// RecordConnect stores a newly established session.
func (j *Journal) RecordConnect(ctx context.Context, p events.PeerPayload) error {
	_, err := j.db.Exec(ctx,
		`INSERT INTO sessions (session_id, conn_id, remote, connected_at, ping_ms)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO NOTHING`,
		p.SessionID, p.ConnID, p.Remote, p.At.UnixMilli(), durationMs(p.Ping))
	if err != nil {
		return fmt.Errorf("record connect %s: %w", p.SessionID, err)
	}
	return nil
}

// RecordDisconnect closes a session. Sessions that never reached the
// connected state are inserted already closed.
func (j *Journal) RecordDisconnect(ctx context.Context, p events.PeerPayload) error {
	return j.db.Transaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE sessions SET disconnected_at = ?, reason = ?, ping_ms = ?
			 WHERE session_id = ? AND disconnected_at IS NULL`,
			p.At.UnixMilli(), p.Reason.String(), durationMs(p.Ping), p.SessionID)
		if err != nil {
			return fmt.Errorf("record disconnect %s: %w", p.SessionID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO sessions (session_id, conn_id, remote, connected_at, disconnected_at, reason, ping_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(session_id) DO NOTHING`,
			p.SessionID, p.ConnID, p.Remote, p.At.UnixMilli(), p.At.UnixMilli(), p.Reason.String(), durationMs(p.Ping))
		if err != nil {
			return fmt.Errorf("record disconnect %s: %w", p.SessionID, err)
		}
		return nil
	})
}

// RecordRefusal stores a connect request turned away at capacity.
func (j *Journal) RecordRefusal(ctx context.Context, remote string, at time.Time) error {
	_, err := j.db.Exec(ctx, `INSERT INTO refusals (remote, refused_at) VALUES (?, ?)`, remote, at.UnixMilli())
	return err
}

// Recent returns up to limit sessions, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Session, error) {
	rows, err := j.db.Query(ctx,
		`SELECT session_id, conn_id, remote, connected_at, disconnected_at, reason, ping_ms
		 FROM sessions ORDER BY connected_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			s            Session
			connected    int64
			disconnected sql.NullInt64
		)
		if err := rows.Scan(&s.SessionID, &s.ConnID, &s.Remote, &connected, &disconnected, &s.Reason, &s.PingMs); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		s.ConnectedAt = time.UnixMilli(connected)
		if disconnected.Valid {
			t := time.UnixMilli(disconnected.Int64)
			s.DisconnectedAt = &t
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Summary counts sessions and refusals.
func (j *Journal) Summary(ctx context.Context) (Summary, error) {
	var s Summary
	err := j.db.QueryRow(ctx,
		`SELECT
			(SELECT COUNT(*) FROM sessions),
			(SELECT COUNT(*) FROM sessions WHERE disconnected_at IS NULL),
			(SELECT COUNT(*) FROM refusals)`).Scan(&s.Sessions, &s.Open, &s.Refused)
	if err != nil {
		return Summary{}, fmt.Errorf("summarise journal: %w", err)
	}
	return s, nil
}

// Prune removes closed sessions and refusals older than cutoff and returns
// how many rows were deleted.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	err := j.db.Transaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM sessions WHERE disconnected_at IS NOT NULL AND disconnected_at < ?`, cutoff.UnixMilli())
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		total += n

		res, err = tx.ExecContext(ctx, `DELETE FROM refusals WHERE refused_at < ?`, cutoff.UnixMilli())
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		total += n
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("prune journal: %w", err)
	}
	if total > 0 {
		j.logger.Info().Int64("rows", total).Time("cutoff", cutoff).Msg("journal pruned")
	}
	return total, nil
}

// Attach subscribes the journal to peer lifecycle events on bus.
func (j *Journal) Attach(bus *events.EventBus) {
	bus.Subscribe(events.EventPeerConnected, "journal", func(ctx context.Context, e events.Event) error {
		p, ok := e.Payload.(events.PeerPayload)
		if !ok {
			return errors.New("unexpected payload")
		}
		return j.RecordConnect(ctx, p)
	})

	closed := func(ctx context.Context, e events.Event) error {
		p, ok := e.Payload.(events.PeerPayload)
		if !ok {
			return errors.New("unexpected payload")
		}
		return j.RecordDisconnect(ctx, p)
	}
	bus.Subscribe(events.EventPeerDisconnected, "journal", closed)
	bus.Subscribe(events.EventPeerTimedOut, "journal", closed)
	bus.Subscribe(events.EventPeerUnresponsive, "journal", closed)

	bus.Subscribe(events.EventPeerRefused, "journal", func(ctx context.Context, e events.Event) error {
		p, ok := e.Payload.(events.PeerPayload)
		if !ok {
			return errors.New("unexpected payload")
		}
		return j.RecordRefusal(ctx, p.Remote, p.At)
	})
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
