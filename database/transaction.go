package database

import (
	"context"
	"errors"

	"github.com/treesync/treesync/internal/log"
	"github.com/treesync/treesync/internal/tree"
)

// transactionAttempts bounds optimistic retries before giving up.
const transactionAttempts = 25

// ErrTransactionAbort can be returned by a TransactionFunc to abandon
// the transaction cleanly: Transaction reports Committed false and no
// error.
var ErrTransactionAbort = errors.New("transaction aborted")

// TransactionFunc computes the next value from the current one. It may
// run multiple times and must be free of side effects. current is the
// plain value at the location (nil when absent).
type TransactionFunc func(current any) (any, error)

// TransactionResult reports the outcome of a Transaction.
type TransactionResult struct {
	// Committed is false when the function aborted or the retry budget
	// ran out.
	Committed bool
	// Snapshot holds the value at the location after the final attempt.
	Snapshot DataSnapshot
}

// Transaction atomically transforms the value at this location: read,
// apply fn, write back only if the stored value is still what was
// read, retrying on interleaved writes. Exhausting the retry budget is
// not an error: the result reports Committed false with the last
// observed value. On backends without conditional writes (plain
// request/response, degraded polling) the final write is
// unconditional; consult Capabilities when that distinction matters.
func (r *Reference) Transaction(ctx context.Context, fn TransactionFunc) (TransactionResult, error) {
	var current any
	for attempt := 0; attempt < transactionAttempts; attempt++ {
		var err error
		current, err = r.db.backend.Get(ctx, r.path, nil)
		if err != nil {
			return TransactionResult{}, err
		}

		next, err := fn(tree.Plain(tree.Clone(current)))
		if errors.Is(err, ErrTransactionAbort) {
			return TransactionResult{
				Snapshot: DataSnapshot{ref: r, value: current},
			}, nil
		}
		if err != nil {
			return TransactionResult{
				Snapshot: DataSnapshot{ref: r, value: current},
			}, err
		}

		value, err := normalize(next)
		if err != nil {
			return TransactionResult{}, err
		}

		applied, err := r.db.backend.CompareAndPut(ctx, r.path, current, value)
		if err != nil {
			return TransactionResult{}, err
		}
		if !applied {
			r.db.logger.Debug("transaction conflicted, retrying",
				log.String("path", r.Path()), log.Int("attempt", attempt+1))
			continue
		}

		r.db.reg.refresh(ctx, r.path)
		return TransactionResult{
			Committed: true,
			Snapshot:  DataSnapshot{ref: r, value: value},
		}, nil
	}

	r.db.logger.Warn("transaction gave up after repeated conflicts",
		log.String("path", r.Path()), log.Int("attempts", transactionAttempts))
	return TransactionResult{
		Snapshot: DataSnapshot{ref: r, value: current},
	}, nil
}
