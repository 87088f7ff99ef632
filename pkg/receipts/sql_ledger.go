package receipts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// SQLLedger implements Ledger on a shared SQL database (Postgres via lib/pq).
// Intended for deployments that already run the platform database; the
// single-writer lock still lives in this process — the ledger is not a
// replicated coordination primitive.
type SQLLedger struct {
	mu    sync.Mutex
	db    *sql.DB
	clock func() time.Time
}

// NewSQLLedger wraps an open database handle.
func NewSQLLedger(db *sql.DB) *SQLLedger {
	return &SQLLedger{db: db, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (s *SQLLedger) WithClock(clock func() time.Time) *SQLLedger {
	s.clock = clock
	return s
}

const sqlLedgerSchema = `
CREATE TABLE IF NOT EXISTS receipts (
	seq BIGSERIAL PRIMARY KEY,
	event TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	data JSONB,
	metadata JSONB,
	receipt_hash TEXT NOT NULL,
	chain_hash TEXT NOT NULL,
	previous_chain_hash TEXT NOT NULL DEFAULT '',
	algorithm TEXT NOT NULL
);`

// Init creates the receipts table if missing.
func (s *SQLLedger) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqlLedgerSchema); err != nil {
		return fmt.Errorf("receipts: sql migrate: %w", err)
	}
	return nil
}

// Append records a new receipt after the current tail.
func (s *SQLLedger) Append(ctx context.Context, event string, data map[string]interface{}) (Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tail string
	err := s.db.QueryRowContext(ctx,
		`SELECT chain_hash FROM receipts ORDER BY seq DESC LIMIT 1`).Scan(&tail)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Receipt{}, fmt.Errorf("receipts: sql tail lookup: %w", err)
	}

	r, err := newReceipt(event, data, s.clock(), tail)
	if err != nil {
		return Receipt{}, err
	}

	dataJSON, metaJSON, err := encodePayloads(r)
	if err != nil {
		return Receipt{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO receipts (event, timestamp, data, metadata, receipt_hash, chain_hash, previous_chain_hash, algorithm)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.Event, r.Timestamp, dataJSON, metaJSON,
		r.Integrity.ReceiptHash, r.Integrity.ChainHash, r.Integrity.PreviousChainHash, r.Integrity.Algorithm,
	)
	if err != nil {
		return Receipt{}, fmt.Errorf("receipts: sql append %s: %w", event, err)
	}
	return r, nil
}

// List returns all receipts in seq order.
func (s *SQLLedger) List(ctx context.Context) ([]Receipt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event, timestamp, data, metadata, receipt_hash, chain_hash, previous_chain_hash, algorithm
		FROM receipts ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("receipts: sql list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanReceipts(rows)
}

// Verify replays the stored chain through VerifyChain.
func (s *SQLLedger) Verify(ctx context.Context) (VerifyResult, error) {
	return verifyAll(ctx, s)
}
