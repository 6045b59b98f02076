package sync

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIRQSpinlockLockUnlock(t *testing.T) {
	var l IRQSpinlock

	l.Lock()
	require.False(t, l.inner.TryToAcquire(), "lock should be held after Lock")
	l.Unlock()
	require.True(t, l.inner.TryToAcquire(), "lock should be free after Unlock")
	l.inner.Release()
}

func TestIRQSpinlockReentrantSequence(t *testing.T) {
	var l IRQSpinlock

	for i := 0; i < 3; i++ {
		l.Lock()
		l.Unlock()
	}
	require.True(t, l.inner.TryToAcquire())
	l.inner.Release()
}
