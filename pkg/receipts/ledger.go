package receipts

import (
	"context"
)

// Ledger is the durable interface for the receipt chain. Implementations
// are append-only: no update or delete operation is exposed, and every
// append atomically captures the current tail hash before computing its own.
type Ledger interface {
	// Append records a new event with its data payload and returns the
	// fully hashed receipt.
	Append(ctx context.Context, event string, data map[string]interface{}) (Receipt, error)

	// List returns every receipt in chain order.
	List(ctx context.Context) ([]Receipt, error)

	// Verify replays the whole ledger through VerifyChain.
	Verify(ctx context.Context) (VerifyResult, error)
}

// verifyAll is the shared Verify implementation for all backends.
func verifyAll(ctx context.Context, l Ledger) (VerifyResult, error) {
	entries, err := l.List(ctx)
	if err != nil {
		return VerifyResult{}, err
	}
	return VerifyChain(entries), nil
}
