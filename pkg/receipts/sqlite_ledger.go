package receipts

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// SQLiteLedger implements Ledger on an embedded SQLite database. Ordering is
// given by the monotonic seq column; the tail hash is read under the ledger
// lock on every append so concurrent appends cannot fork the chain.
type SQLiteLedger struct {
	mu    sync.Mutex
	db    *sql.DB
	clock func() time.Time
}

// NewSQLiteLedger wraps db and creates the receipts table if missing.
func NewSQLiteLedger(db *sql.DB) (*SQLiteLedger, error) {
	s := &SQLiteLedger{db: db, clock: time.Now}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithClock overrides the clock for testing.
func (s *SQLiteLedger) WithClock(clock func() time.Time) *SQLiteLedger {
	s.clock = clock
	return s
}

func (s *SQLiteLedger) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS receipts (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		event TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		data JSON,
		metadata JSON,
		receipt_hash TEXT NOT NULL,
		chain_hash TEXT NOT NULL,
		previous_chain_hash TEXT NOT NULL DEFAULT '',
		algorithm TEXT NOT NULL
	);`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("receipts: sqlite migrate: %w", err)
	}
	return nil
}

func (s *SQLiteLedger) tailHash(ctx context.Context) (string, error) {
	var tail string
	err := s.db.QueryRowContext(ctx,
		`SELECT chain_hash FROM receipts ORDER BY seq DESC LIMIT 1`).Scan(&tail)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("receipts: sqlite tail lookup: %w", err)
	}
	return tail, nil
}

// Append records a new receipt after the current tail.
func (s *SQLiteLedger) Append(ctx context.Context, event string, data map[string]interface{}) (Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tail, err := s.tailHash(ctx)
	if err != nil {
		return Receipt{}, err
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Event, r.Timestamp, dataJSON, metaJSON,
		r.Integrity.ReceiptHash, r.Integrity.ChainHash, r.Integrity.PreviousChainHash, r.Integrity.Algorithm,
	)
	if err != nil {
		return Receipt{}, fmt.Errorf("receipts: sqlite append %s: %w", event, err)
	}
	return r, nil
}

// List returns all receipts in seq order.
func (s *SQLiteLedger) List(ctx context.Context) ([]Receipt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event, timestamp, data, metadata, receipt_hash, chain_hash, previous_chain_hash, algorithm
		FROM receipts ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("receipts: sqlite list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanReceipts(rows)
}

// Verify replays the stored chain through VerifyChain.
func (s *SQLiteLedger) Verify(ctx context.Context) (VerifyResult, error) {
	return verifyAll(ctx, s)
}

// encodePayloads serializes the data and metadata maps for column storage.
func encodePayloads(r Receipt) (dataJSON, metaJSON []byte, err error) {
	dataJSON, err = json.Marshal(r.Data)
	if err != nil {
		return nil, nil, fmt.Errorf("receipts: encode data: %w", err)
	}
	metaJSON, err = json.Marshal(r.Metadata)
	if err != nil {
		return nil, nil, fmt.Errorf("receipts: encode metadata: %w", err)
	}
	return dataJSON, metaJSON, nil
}

// scanReceipts reads rows produced by a List query into receipts.
func scanReceipts(rows *sql.Rows) ([]Receipt, error) {
	var entries []Receipt
	for rows.Next() {
		var (
			r        Receipt
			dataJSON []byte
			metaJSON []byte
		)
		if err := rows.Scan(
			&r.Event, &r.Timestamp, &dataJSON, &metaJSON,
			&r.Integrity.ReceiptHash, &r.Integrity.ChainHash,
			&r.Integrity.PreviousChainHash, &r.Integrity.Algorithm,
		); err != nil {
			return nil, fmt.Errorf("receipts: scan row: %w", err)
		}
		if len(dataJSON) > 0 {
			if err := json.Unmarshal(dataJSON, &r.Data); err != nil {
				return nil, fmt.Errorf("receipts: decode data: %w", err)
			}
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &r.Metadata); err != nil {
				return nil, fmt.Errorf("receipts: decode metadata: %w", err)
			}
		}
		entries = append(entries, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("receipts: iterate rows: %w", err)
	}
	return entries, nil
}
