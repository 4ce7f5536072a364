package broadcast

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"sherpa/internal/adapter"
)

// DryRun accepts every transaction and confirms it on the first status poll.
// The hash is derived from the execution id so resubmission is idempotent.
type DryRun struct {
	mu   sync.Mutex
	subs map[string]adapter.SignedTx
}

var _ adapter.Broadcaster = (*DryRun)(nil)

func NewDryRun() *DryRun {
	return &DryRun{subs: map[string]adapter.SignedTx{}}
}

func DryRunHash(executionID string) string {
	sum := sha256.Sum256([]byte("dry-run:" + executionID))
	return "0x" + hex.EncodeToString(sum[:])
}

func (d *DryRun) Submit(ctx context.Context, tx adapter.SignedTx) (adapter.Submission, error) {
	if tx.ExecutionID == "" {
		return adapter.Submission{}, &adapter.BroadcastError{Err: errors.New("execution id required")}
	}
	hash := DryRunHash(tx.ExecutionID)
	d.mu.Lock()
	d.subs[hash] = tx
	d.mu.Unlock()
	return adapter.Submission{TxHash: hash, SubmittedAt: time.Now().UTC()}, nil
}

func (d *DryRun) Status(ctx context.Context, txHash string) (adapter.TxStatus, error) {
	d.mu.Lock()
	tx, ok := d.subs[txHash]
	d.mu.Unlock()
	if !ok {
		return adapter.TxStatus{State: adapter.TxPending}, nil
	}
	return adapter.TxStatus{
		State:        adapter.TxConfirmed,
		GasUsed:      21000,
		GasPriceGwei: decimal.NewFromInt(1),
		TokensOut:    tx.ExpectedOut,
	}, nil
}
