package receipts

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// FileLedger implements Ledger as an append-only JSON-lines file — the
// reference backend. The tail chain hash is recovered from the last line on
// open and tracked in memory under the ledger lock afterwards.
type FileLedger struct {
	mu    sync.Mutex
	path  string
	tail  string
	clock func() time.Time
}

// NewFileLedger opens (or creates) a JSONL ledger at path.
func NewFileLedger(path string) (*FileLedger, error) {
	f := &FileLedger{
		path:  path,
		clock: time.Now,
	}

	handle, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("receipts: open ledger %s: %w", path, err)
	}
	defer func() { _ = handle.Close() }()

	if err := f.recoverTail(handle); err != nil {
		return nil, err
	}
	return f, nil
}

// WithClock overrides the clock for testing.
func (f *FileLedger) WithClock(clock func() time.Time) *FileLedger {
	f.clock = clock
	return f
}

func (f *FileLedger) recoverTail(handle *os.File) error {
	scanner := bufio.NewScanner(handle)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var last *Receipt
	line := 0
	for scanner.Scan() {
		line++
		var r Receipt
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			return fmt.Errorf("receipts: ledger %s line %d unreadable: %w", f.path, line, err)
		}
		last = &r
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("receipts: scan ledger %s: %w", f.path, err)
	}

	if last != nil {
		if err := checkFormat(*last); err != nil {
			return err
		}
		f.tail = last.Integrity.ChainHash
	}
	return nil
}

// Append records a new receipt at the end of the file.
func (f *FileLedger) Append(ctx context.Context, event string, data map[string]interface{}) (Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	r, err := newReceipt(event, data, f.clock(), f.tail)
	if err != nil {
		return Receipt{}, err
	}

	encoded, err := json.Marshal(r)
	if err != nil {
		return Receipt{}, fmt.Errorf("receipts: encode %s: %w", event, err)
	}

	handle, err := os.OpenFile(f.path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return Receipt{}, fmt.Errorf("receipts: open ledger %s for append: %w", f.path, err)
	}
	defer func() { _ = handle.Close() }()

	if _, err := handle.Write(append(encoded, '\n')); err != nil {
		return Receipt{}, fmt.Errorf("receipts: append to %s: %w", f.path, err)
	}

	f.tail = r.Integrity.ChainHash
	return r, nil
}

// List returns all receipts in file order.
func (f *FileLedger) List(ctx context.Context) ([]Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	handle, err := os.Open(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Receipt{}, nil
		}
		return nil, fmt.Errorf("receipts: open ledger %s: %w", f.path, err)
	}
	defer func() { _ = handle.Close() }()

	scanner := bufio.NewScanner(handle)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var entries []Receipt
	line := 0
	for scanner.Scan() {
		line++
		var r Receipt
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			return nil, fmt.Errorf("receipts: ledger %s line %d unreadable: %w", f.path, line, err)
		}
		entries = append(entries, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("receipts: scan ledger %s: %w", f.path, err)
	}
	return entries, nil
}

// Verify replays the whole file through VerifyChain.
func (f *FileLedger) Verify(ctx context.Context) (VerifyResult, error) {
	return verifyAll(ctx, f)
}
