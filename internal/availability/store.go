// Package availability persists rate-limit observations per
// (model, account) pair: an append-only history stream plus a cached
// current-state row with TTL semantics.
package availability

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/angrav/internal/surface"
)

const (
	// historyLimit bounds each pair's history stream. Trimming is coarse:
	// it runs after appends and on the maintenance schedule, not on a
	// strict threshold.
	historyLimit = 1000

	minCurrentTTL = time.Second
)

// Record is one persisted rate-limit fact.
type Record struct {
	Model         string    `json:"model"`
	Account       string    `json:"account"`
	SessionID     string    `json:"sessionId"`
	IsLimited     bool      `json:"isLimited"`
	AvailableAt   time.Time `json:"availableAt"`
	AvailableAtMs int64     `json:"availableAtEpochMs"`
	DetectedAt    time.Time `json:"detectedAt"`
	Source        string    `json:"source"`
}

// Store is the sqlite-backed availability store.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS rl_history (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	model           TEXT NOT NULL,
	account         TEXT NOT NULL,
	session_id      TEXT NOT NULL DEFAULT '',
	is_limited      INTEGER NOT NULL DEFAULT 0,
	available_at_ms INTEGER NOT NULL DEFAULT 0,
	detected_at_ms  INTEGER NOT NULL,
	source          TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_rl_history_pair ON rl_history(model, account, id);

CREATE TABLE IF NOT EXISTS rl_current (
	model           TEXT NOT NULL,
	account         TEXT NOT NULL,
	session_id      TEXT NOT NULL DEFAULT '',
	is_limited      INTEGER NOT NULL DEFAULT 0,
	available_at_ms INTEGER NOT NULL DEFAULT 0,
	detected_at_ms  INTEGER NOT NULL,
	source          TEXT NOT NULL DEFAULT '',
	expires_at_ms   INTEGER NOT NULL,
	PRIMARY KEY (model, account)
);
`

// Open creates or opens the store at path. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open availability db: %w", err)
	}
	// One writer keeps the current-key-matches-stream invariant simple.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init availability schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Persist appends info to the pair's history stream and refreshes the
// cached current-state row. The current row's TTL equals the time until
// the model becomes available, floored at one second.
func (s *Store) Persist(ctx context.Context, info *surface.RateLimitInfo, account, sessionID, source string) error {
	if info == nil {
		return errors.New("availability: nil info")
	}
	model := NormalizeModel(info.Model)
	account = NormalizeAccount(account)
	if model == "" {
		return errors.New("availability: empty model after normalization")
	}

	now := time.Now()
	var availableAtMs int64
	if info.AvailableAt != nil {
		availableAtMs = info.AvailableAt.UnixMilli()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO rl_history (model, account, session_id, is_limited, available_at_ms, detected_at_ms, source)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		model, account, sessionID, boolInt(info.IsLimited), availableAtMs, now.UnixMilli(), source); err != nil {
		return fmt.Errorf("append history: %w", err)
	}

	// Coarse trim: drop rows beyond the newest historyLimit for this pair.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM rl_history WHERE model = ? AND account = ? AND id NOT IN (
			SELECT id FROM rl_history WHERE model = ? AND account = ? ORDER BY id DESC LIMIT ?
		 )`,
		model, account, model, account, historyLimit); err != nil {
		return fmt.Errorf("trim history: %w", err)
	}

	ttl := time.Until(time.UnixMilli(availableAtMs))
	if ttl < minCurrentTTL {
		ttl = minCurrentTTL
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO rl_current (model, account, session_id, is_limited, available_at_ms, detected_at_ms, source, expires_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(model, account) DO UPDATE SET
			session_id = excluded.session_id,
			is_limited = excluded.is_limited,
			available_at_ms = excluded.available_at_ms,
			detected_at_ms = excluded.detected_at_ms,
			source = excluded.source,
			expires_at_ms = excluded.expires_at_ms`,
		model, account, sessionID, boolInt(info.IsLimited), availableAtMs, now.UnixMilli(), source,
		now.Add(ttl).UnixMilli()); err != nil {
		return fmt.Errorf("write current: %w", err)
	}

	return tx.Commit()
}

// GetCurrent returns the cached current record for the pair, falling
// back to the latest history entry when the cache has expired. Returns
// nil when the pair has never been observed.
func (s *Store) GetCurrent(ctx context.Context, model, account string) (*Record, error) {
	model = NormalizeModel(model)
	account = NormalizeAccount(account)

	row := s.db.QueryRowContext(ctx,
		`SELECT model, account, session_id, is_limited, available_at_ms, detected_at_ms, source
		 FROM rl_current WHERE model = ? AND account = ? AND expires_at_ms > ?`,
		model, account, time.Now().UnixMilli())
	rec, err := scanRecord(row)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	row = s.db.QueryRowContext(ctx,
		`SELECT model, account, session_id, is_limited, available_at_ms, detected_at_ms, source
		 FROM rl_history WHERE model = ? AND account = ? ORDER BY id DESC LIMIT 1`,
		model, account)
	rec, err = scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// GetHistory returns up to limit entries for the pair, newest first.
func (s *Store) GetHistory(ctx context.Context, model, account string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT model, account, session_id, is_limited, available_at_ms, detected_at_ms, source
		 FROM rl_history WHERE model = ? AND account = ? ORDER BY id DESC LIMIT ?`,
		NormalizeModel(model), NormalizeAccount(account), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

// ListAllCurrent returns every current record whose availability instant
// is still in the future.
func (s *Store) ListAllCurrent(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT model, account, session_id, is_limited, available_at_ms, detected_at_ms, source
		 FROM rl_current WHERE available_at_ms > ? ORDER BY model, account`,
		time.Now().UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

// FindAvailable returns the first model from candidates that is not
// known-limited for the account: no record, not limited, or resume
// instant already passed. Empty string when every candidate is limited.
func (s *Store) FindAvailable(ctx context.Context, models []string, account string) (string, error) {
	now := time.Now()
	for _, model := range models {
		rec, err := s.GetCurrent(ctx, model, account)
		if err != nil {
			return "", err
		}
		if rec == nil || !rec.IsLimited || !rec.AvailableAt.After(now) {
			return model, nil
		}
	}
	return "", nil
}

// GetNextAvailable returns the limited candidate whose resume instant is
// earliest, with that instant. Empty when no candidate is limited.
func (s *Store) GetNextAvailable(ctx context.Context, models []string, account string) (string, time.Time, error) {
	var bestModel string
	var bestAt time.Time
	for _, model := range models {
		rec, err := s.GetCurrent(ctx, model, account)
		if err != nil {
			return "", time.Time{}, err
		}
		if rec == nil || !rec.IsLimited || rec.AvailableAtMs == 0 {
			continue
		}
		if bestModel == "" || rec.AvailableAt.Before(bestAt) {
			bestModel = model
			bestAt = rec.AvailableAt
		}
	}
	return bestModel, bestAt, nil
}

// PurgeExpired removes expired current rows. Run by the maintenance
// scheduler; reads already ignore expired rows.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM rl_current WHERE expires_at_ms <= ?`, time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// TrimHistory enforces the per-pair history bound across all pairs.
func (s *Store) TrimHistory(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM rl_history WHERE id IN (
			SELECT h.id FROM rl_history h
			WHERE (SELECT COUNT(*) FROM rl_history newer
			       WHERE newer.model = h.model AND newer.account = h.account AND newer.id > h.id) >= ?
		 )`, historyLimit)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var limited int
	var availableAtMs, detectedAtMs int64
	if err := row.Scan(&rec.Model, &rec.Account, &rec.SessionID, &limited, &availableAtMs, &detectedAtMs, &rec.Source); err != nil {
		return nil, err
	}
	rec.IsLimited = limited != 0
	rec.AvailableAtMs = availableAtMs
	if availableAtMs > 0 {
		rec.AvailableAt = time.UnixMilli(availableAtMs)
	}
	rec.DetectedAt = time.UnixMilli(detectedAtMs)
	return &rec, nil
}

func collectRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
