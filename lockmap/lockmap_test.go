package lockmap

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockmap(t *testing.T) {
	t.Run("TryLockFailsWhileHeld", func(t *testing.T) {
		l := New(4)
		l.Lock("pool/a")
		assert.False(t, l.TryLock("pool/a"))
		assert.True(t, l.TryLock("pool/b"))
		assert.Equal(t, 2, l.Locks())

		l.Unlock("pool/a")
		l.Unlock("pool/b")
		assert.Equal(t, 0, l.Locks())
	})

	t.Run("SerializesSameKey", func(t *testing.T) {
		l := New(1)
		counter := 0
		var wg sync.WaitGroup
		for i := 0; i < 64; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				l.Lock("bucket")
				counter++
				l.Unlock("bucket")
			}()
		}
		wg.Wait()
		assert.Equal(t, 64, counter)
		assert.Equal(t, 0, l.Locks())
	})

	t.Run("UnlockUnknownKeyPanics", func(t *testing.T) {
		l := New(1)
		require.Panics(t, func() { l.Unlock("missing") })
	})
}
