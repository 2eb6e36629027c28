package repository

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secil-digital/uns-metadata-sync/internal/planner"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "connection exception class", err: &pgconn.PgError{Code: "08006"}, want: true},
		{name: "serialization failure", err: &pgconn.PgError{Code: "40001"}, want: true},
		{name: "deadlock", err: &pgconn.PgError{Code: "40P01"}, want: true},
		{name: "cannot connect now", err: &pgconn.PgError{Code: "57P03"}, want: true},
		{name: "unique violation is not transient", err: &pgconn.PgError{Code: "23505"}, want: false},
		{name: "plain error is not transient", err: errors.New("boom"), want: false},
		{name: "net timeout", err: &net.DNSError{IsTimeout: true}, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isTransient(tt.err))
		})
	}
}

func TestIsConstraintViolation(t *testing.T) {
	pgErr, ok := isConstraintViolation(&pgconn.PgError{Code: "23505", Detail: "duplicate key"})
	require.True(t, ok)
	assert.Equal(t, "duplicate key", pgErr.Detail)

	_, ok = isConstraintViolation(&pgconn.PgError{Code: "40001"})
	assert.False(t, ok)
	_, ok = isConstraintViolation(errors.New("other"))
	assert.False(t, ok)
}

func TestRetryPolicyStopsOnPermanentError(t *testing.T) {
	p := retryPolicy{attempts: 5, baseDelay: time.Millisecond, maxDelay: 2 * time.Millisecond}
	calls := 0
	err := p.run(context.Background(), func() error {
		calls++
		return errors.New("permanent")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryPolicyRetriesTransientErrors(t *testing.T) {
	p := retryPolicy{attempts: 4, baseDelay: time.Millisecond, maxDelay: 2 * time.Millisecond}
	calls := 0
	err := p.run(context.Background(), func() error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: "08006"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryPolicyExhaustsBudget(t *testing.T) {
	p := retryPolicy{attempts: 3, baseDelay: time.Millisecond, maxDelay: 2 * time.Millisecond}
	calls := 0
	err := p.run(context.Background(), func() error {
		calls++
		return &pgconn.PgError{Code: "08006"}
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestPropertyColumnsPopulatesExactlyOne(t *testing.T) {
	tests := []struct {
		name  string
		value planner.PropertyValue
		check func(t *testing.T, cols [6]any)
	}{
		{
			name:  "int",
			value: planner.PropertyValue{Type: planner.TypeInt, Value: int64(1800)},
			check: func(t *testing.T, cols [6]any) { assert.Equal(t, int64(1800), cols[0]) },
		},
		{
			name:  "long",
			value: planner.PropertyValue{Type: planner.TypeLong, Value: int64(1) << 40},
			check: func(t *testing.T, cols [6]any) { assert.Equal(t, int64(1)<<40, cols[1]) },
		},
		{
			name:  "double",
			value: planner.PropertyValue{Type: planner.TypeDouble, Value: 2.5},
			check: func(t *testing.T, cols [6]any) { assert.Equal(t, 2.5, cols[3]) },
		},
		{
			name:  "string",
			value: planner.PropertyValue{Type: planner.TypeString, Value: "°C"},
			check: func(t *testing.T, cols [6]any) { assert.Equal(t, "°C", cols[4]) },
		},
		{
			name:  "boolean",
			value: planner.PropertyValue{Type: planner.TypeBool, Value: true},
			check: func(t *testing.T, cols [6]any) { assert.Equal(t, true, cols[5]) },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vInt, vLong, vFloat, vDouble, vString, vBool, err := propertyColumns(tt.value)
			require.NoError(t, err)
			cols := [6]any{vInt, vLong, vFloat, vDouble, vString, vBool}
			populated := 0
			for _, col := range cols {
				if col != nil {
					populated++
				}
			}
			assert.Equal(t, 1, populated)
			tt.check(t, cols)
		})
	}
}

func TestPropertyColumnsRejectsUnknownType(t *testing.T) {
	_, _, _, _, _, _, err := propertyColumns(planner.PropertyValue{Type: "timestamp"})
	assert.Error(t, err)
}
