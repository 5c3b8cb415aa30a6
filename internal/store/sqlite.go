package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"funding_keeper/internal/core"

	"github.com/shopspring/decimal"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore persists state in a WAL-mode sqlite database: one
// checksummed snapshot row plus an append-only payments table.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS state (
	id          INTEGER PRIMARY KEY CHECK (id = 1),
	data        TEXT    NOT NULL,
	checksum    BLOB    NOT NULL,
	updated_at  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS payments (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	venue       TEXT    NOT NULL,
	symbol      TEXT    NOT NULL,
	amount_usd  TEXT    NOT NULL,
	rate        TEXT    NOT NULL,
	ts          INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_payments_ts ON payments (ts);
`

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// WAL mode for crash recovery.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveSnapshot(ctx context.Context, state *core.KeeperState) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	// Round-trip to catch anything that would not load back.
	var check core.KeeperState
	if err := json.Unmarshal(data, &check); err != nil {
		return fmt.Errorf("state validation failed: %w", err)
	}

	checksum := sha256.Sum256(data)
	query := `INSERT OR REPLACE INTO state (id, data, checksum, updated_at) VALUES (1, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, query, string(data), checksum[:], time.Now().UnixNano()); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) LoadSnapshot(ctx context.Context) (*core.KeeperState, error) {
	query := `SELECT data, checksum FROM state WHERE id = 1`
	var data string
	var storedChecksum []byte
	err := s.db.QueryRowContext(ctx, query).Scan(&data, &storedChecksum)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read state: %w", err)
	}

	computed := sha256.Sum256([]byte(data))
	if len(storedChecksum) != len(computed) {
		return nil, fmt.Errorf("checksum length mismatch: expected %d, got %d", len(computed), len(storedChecksum))
	}
	for i := range computed {
		if storedChecksum[i] != computed[i] {
			return nil, fmt.Errorf("checksum verification failed: data corruption detected")
		}
	}

	var state core.KeeperState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return &state, nil
}

func (s *SQLiteStore) AppendPayment(ctx context.Context, p *core.Payment) error {
	query := `INSERT INTO payments (venue, symbol, amount_usd, rate, ts) VALUES (?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		p.Venue, p.Symbol, p.AmountUSD.String(), p.Rate.String(), p.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to append payment: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListPayments(ctx context.Context, from, to time.Time) ([]*core.Payment, error) {
	query := `SELECT venue, symbol, amount_usd, rate, ts FROM payments WHERE ts >= ? AND ts <= ? ORDER BY seq`
	rows, err := s.db.QueryContext(ctx, query, from.UnixNano(), to.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	var out []*core.Payment
	for rows.Next() {
		var venue, symbol, amount, rate string
		var ts int64
		if err := rows.Scan(&venue, &symbol, &amount, &rate, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		amt, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("corrupt payment amount %q: %w", amount, err)
		}
		r, err := decimal.NewFromString(rate)
		if err != nil {
			return nil, fmt.Errorf("corrupt payment rate %q: %w", rate, err)
		}
		out = append(out, &core.Payment{
			Venue:     venue,
			Symbol:    symbol,
			AmountUSD: amt,
			Rate:      core.NewRate(r),
			Timestamp: time.Unix(0, ts),
		})
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
