package wakelock

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingInhibitor struct {
	inhibits int
	allows   int
	err      error
}

func (c *countingInhibitor) Inhibit(context.Context) error {
	if c.err != nil {
		return c.err
	}
	c.inhibits++
	return nil
}

func (c *countingInhibitor) Allow() { c.allows++ }

func TestRefCountedHoldsUntilLastRelease(t *testing.T) {
	inh := &countingInhibitor{}
	lock := New(inh)
	ctx := context.Background()

	require.NoError(t, lock.Acquire(ctx, "1"))
	require.NoError(t, lock.Acquire(ctx, "2"))
	require.NoError(t, lock.Acquire(ctx, "2"))
	assert.Equal(t, 1, inh.inhibits)
	assert.Equal(t, 2, lock.Holders())

	lock.Release("1")
	assert.Equal(t, 0, inh.allows)

	lock.Release("2")
	lock.Release("2")
	lock.Release("unknown")
	assert.Equal(t, 1, inh.allows)
	assert.Equal(t, 0, lock.Holders())
}

func TestRefCountedInhibitFailure(t *testing.T) {
	lock := New(&countingInhibitor{err: errors.New("no session bus")})

	assert.Error(t, lock.Acquire(context.Background(), "1"))
	assert.Equal(t, 0, lock.Holders())
}

func TestRefCountedWithoutInhibitor(t *testing.T) {
	lock := New(nil)
	require.NoError(t, lock.Acquire(context.Background(), "1"))
	assert.Equal(t, 1, lock.Holders())
	lock.Release("1")
	assert.Equal(t, 0, lock.Holders())
}
