package receipts

import (
	"fmt"
	"time"

	"github.com/Mindburn-Labs/warden/pkg/canonicalize"
	"github.com/google/uuid"
)

// hashPayload is the exact content covered by the receipt hash. Fields are
// never omitted so absent data hashes identically before and after a
// serialization round trip.
type hashPayload struct {
	Event     string                 `json:"event"`
	Timestamp string                 `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
	Metadata  map[string]interface{} `json:"metadata"`
}

// newReceipt builds a fully hashed receipt linked to the previous chain hash.
// previousChain is the empty string for the first receipt in a ledger.
func newReceipt(event string, data map[string]interface{}, now time.Time, previousChain string) (Receipt, error) {
	ts := now.UTC().Format(time.RFC3339Nano)
	metadata := map[string]interface{}{
		"receipt_id":     uuid.New().String(),
		"format_version": FormatVersion,
	}

	receiptHash, err := canonicalize.Hash(hashPayload{
		Event:     event,
		Timestamp: ts,
		Data:      data,
		Metadata:  metadata,
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("receipts: hashing %s failed: %w", event, err)
	}

	return Receipt{
		Event:     event,
		Timestamp: ts,
		Data:      data,
		Metadata:  metadata,
		Integrity: Integrity{
			ReceiptHash:       receiptHash,
			ChainHash:         canonicalize.HashString(receiptHash + previousChain),
			PreviousChainHash: previousChain,
			Algorithm:         Algorithm,
		},
	}, nil
}

// VerifyChain replays the ledger in order and recomputes both hashes for
// every receipt. The first divergence stops verification: a receipt whose
// content hash no longer matches was tampered with; a receipt whose chain
// hash no longer matches was reordered, spliced, or had predecessors
// removed. Nothing after a break is trusted.
func VerifyChain(entries []Receipt) VerifyResult {
	previousChain := ""
	for i := range entries {
		r := entries[i]

		receiptHash, err := canonicalize.Hash(hashPayload{
			Event:     r.Event,
			Timestamp: r.Timestamp,
			Data:      r.Data,
			Metadata:  r.Metadata,
		})
		if err != nil || receiptHash != r.Integrity.ReceiptHash {
			return broken(i)
		}

		if r.Integrity.PreviousChainHash != previousChain {
			return broken(i)
		}
		if canonicalize.HashString(receiptHash+previousChain) != r.Integrity.ChainHash {
			return broken(i)
		}

		previousChain = r.Integrity.ChainHash
	}
	return VerifyResult{Valid: true}
}

func broken(index int) VerifyResult {
	i := index
	return VerifyResult{Valid: false, BrokenAt: &i}
}
