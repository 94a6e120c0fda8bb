package store

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyLockSerializesSameKey(t *testing.T) {
	kl := NewKeyLock()

	const workers = 8
	const iterations = 200
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				kl.Lock("row")
				counter++
				kl.Unlock("row")
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, workers*iterations, counter)
}

func TestKeyLockIndependentKeys(t *testing.T) {
	kl := NewKeyLock()
	kl.Lock("a")

	done := make(chan struct{})
	go func() {
		kl.Lock("b")
		kl.Unlock("b")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a distinct key blocked")
	}
	kl.Unlock("a")
}

func TestKeyLockDropsReleasedEntries(t *testing.T) {
	kl := NewKeyLock()
	kl.Lock("a")
	kl.Unlock("a")
	assert.Empty(t, kl.entries)
}

func TestKeyLockUnlockUnheldPanics(t *testing.T) {
	kl := NewKeyLock()
	require.Panics(t, func() { kl.Unlock("never-locked") })
}

func TestRowKeyDistinguishesBoundaries(t *testing.T) {
	assert.NotEqual(t, RowKey("ab", "c"), RowKey("a", "bc"))
	assert.Equal(t, RowKey("v1", "r1"), RowKey("v1", "r1"))
}
