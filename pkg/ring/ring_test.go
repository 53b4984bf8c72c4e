package ring

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapacityRoundsUp(t *testing.T) {
	assert.Equal(t, 8, New(5).Cap())
	assert.Equal(t, 8, New(8).Cap())
	assert.Equal(t, 1, New(0).Cap())
}

func TestPushPopOrder(t *testing.T) {
	r := New(4)
	for i := 0; i < 4; i++ {
		require.NoError(t, r.Push(i))
	}
	assert.ErrorIs(t, r.Push(99), ErrNoBufs)

	for i := 0; i < 4; i++ {
		v, ok := r.Pop()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	_, ok := r.Pop()
	assert.False(t, ok)
}

func TestPopMany(t *testing.T) {
	r := New(8)
	for i := 0; i < 5; i++ {
		require.NoError(t, r.Push(i))
	}
	dst := make([]interface{}, 3)
	assert.Equal(t, 3, r.PopMany(dst))
	assert.Equal(t, []interface{}{0, 1, 2}, dst)
	assert.Equal(t, 2, r.Len())

	dst = make([]interface{}, 8)
	assert.Equal(t, 2, r.PopMany(dst[:]))
	assert.Equal(t, 0, r.Len())
}

func TestWrapAround(t *testing.T) {
	r := New(2)
	for round := 0; round < 10; round++ {
		require.NoError(t, r.Push(round))
		v, ok := r.Pop()
		require.True(t, ok)
		assert.Equal(t, round, v)
	}
}

func TestConcurrentProducersConsumers(t *testing.T) {
	r := New(64)
	const perProducer = 1000
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := 0

	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pushed := 0
			for pushed < perProducer {
				if r.Push(pushed) == nil {
					pushed++
				}
			}
		}()
	}
	done := make(chan struct{})
	for c := 0; c < 4; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if _, ok := r.Pop(); ok {
					mu.Lock()
					seen++
					mu.Unlock()
					continue
				}
				select {
				case <-done:
					return
				default:
				}
			}
		}()
	}

	go func() {
		for {
			mu.Lock()
			n := seen
			mu.Unlock()
			if n == 4*perProducer {
				close(done)
				return
			}
		}
	}()
	wg.Wait()
	assert.Equal(t, 4*perProducer, seen)
}
