package database

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransactionCreatesAndIncrements(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	ref := mustRef(t, db, "counter")

	bump := func(current any) (any, error) {
		n, _ := current.(float64)
		return n + 1, nil
	}

	for i := 0; i < 3; i++ {
		res, err := ref.Transaction(ctx, bump)
		require.NoError(t, err)
		assert.True(t, res.Committed)
	}

	snap, err := ref.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(3), snap.Value())
}

func TestTransactionAbort(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	ref := mustRef(t, db, "guarded")
	require.NoError(t, ref.Set(ctx, "keep"))

	res, err := ref.Transaction(ctx, func(current any) (any, error) {
		return nil, ErrTransactionAbort
	})
	require.NoError(t, err)
	assert.False(t, res.Committed)
	assert.Equal(t, "keep", res.Snapshot.Value())

	snap, err := ref.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "keep", snap.Value())
}

func TestTransactionErrorPropagates(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	ref := mustRef(t, db, "x")

	wantErr := assert.AnError
	_, err := ref.Transaction(ctx, func(current any) (any, error) {
		return nil, wantErr
	})
	assert.ErrorIs(t, err, wantErr)
}

func TestTransactionSeesPlainValue(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	ref := mustRef(t, db, "item")
	require.NoError(t, ref.SetWithPriority(ctx, float64(7), float64(1)))

	var seen any
	res, err := ref.Transaction(ctx, func(current any) (any, error) {
		seen = current
		return current, nil
	})
	require.NoError(t, err)
	assert.True(t, res.Committed)
	assert.Equal(t, float64(7), seen, "handler must not see priority envelopes")
}

func TestTransactionNotifiesListeners(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	ref := mustRef(t, db, "counter")

	rec := &valueRecorder{}
	sub, err := ref.OnValue(rec.fn)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	res, err := ref.Transaction(ctx, func(current any) (any, error) {
		return 1, nil
	})
	require.NoError(t, err)
	assert.True(t, res.Committed)
	assert.Equal(t, float64(1), res.Snapshot.Value())

	assert.Equal(t, []any{nil, float64(1)}, rec.values())
}

func TestTransactionGivesUpUnderContention(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	ref := mustRef(t, db, "contended")
	rival := mustRef(t, db, "contended")

	calls := 0
	res, err := ref.Transaction(ctx, func(current any) (any, error) {
		calls++
		require.NoError(t, rival.Set(ctx, fmt.Sprintf("rival-%d", calls)))
		return "mine", nil
	})
	require.NoError(t, err, "running out of retries is not an error")
	assert.False(t, res.Committed)
	assert.Equal(t, 25, calls)
	assert.Equal(t, "rival-24", res.Snapshot.Value(), "result carries the last observed value")

	snap, err := ref.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "rival-25", snap.Value(), "the losing write must never land")
}
