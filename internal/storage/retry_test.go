package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestRetryStopsOnNonRetriable(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), 3, 0, func() error {
		calls++
		return errors.New("boom")
	})
	assert.EqualError(t, err, "boom")
	assert.Equal(t, 1, calls)
}

func TestRetryRetriesSerializationFailures(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryNilPredicateRetriesEverything(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 2, 0, nil, func() error {
		calls++
		return errors.New("still down")
	})
	assert.EqualError(t, err, "still down")
	assert.Equal(t, 3, calls)
}

func TestRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, 5, time.Second, nil, func() error { return errors.New("x") })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPgCodes(t *testing.T) {
	assert.True(t, isUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.True(t, isFKViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("23505")))
	assert.True(t, isRetriable(&pgconn.PgError{Code: "40P01"}))
}

func TestPersistenceErrorUnwraps(t *testing.T) {
	inner := errors.New("conn reset")
	err := persistErr("insert rule", inner)
	assert.ErrorIs(t, err, inner)
	var pe *PersistenceError
	assert.ErrorAs(t, err, &pe)
	assert.Equal(t, "insert rule", pe.Op)
	assert.Nil(t, persistErr("x", nil))
}
