package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNopLock(t *testing.T) {
	var l Locker = NewNopLock()
	ok, err := l.TryLock(context.Background(), "settle:m1", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, l.Unlock(context.Background(), "settle:m1"))
}

func TestRedisLock_UnlockWithoutHoldingFails(t *testing.T) {
	l := NewRedisLock(nil, "duel:")
	assert.ErrorIs(t, l.Unlock(context.Background(), "settle:m1"), ErrNotHeld)
}
