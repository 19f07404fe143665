package ingest

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockTable_Exclusive(t *testing.T) {
	locks := NewLockTable()

	release, ok := locks.TryAcquire(1)
	require.True(t, ok)

	_, ok = locks.TryAcquire(1)
	assert.False(t, ok)

	other, ok := locks.TryAcquire(2)
	require.True(t, ok)
	assert.Equal(t, []int64{1, 2}, locks.Held())

	release()
	release()
	other()
	assert.Empty(t, locks.Held())

	_, ok = locks.TryAcquire(1)
	assert.True(t, ok)
}

func TestLockTable_ConcurrentTriggers(t *testing.T) {
	locks := NewLockTable()
	var (
		wg       sync.WaitGroup
		acquired atomic.Int32
		start    = make(chan struct{})
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, ok := locks.TryAcquire(7); ok {
				acquired.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), acquired.Load())
}
