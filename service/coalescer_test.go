package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoalescerRunsOncePerFlight(t *testing.T) {
	c := NewCoalescer[bool]()

	var calls int32
	started := make(chan struct{})
	release := make(chan struct{})
	fn := func(context.Context) (bool, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(started)
		}
		<-release
		return true, nil
	}

	results := make(chan bool, 3)
	var wg sync.WaitGroup
	run := func() {
		defer wg.Done()
		ok, err := c.Do(context.Background(), "0xref", fn)
		assert.NoError(t, err)
		results <- ok
	}

	wg.Add(1)
	go run()
	<-started

	wg.Add(2)
	go run()
	go run()

	// Give the followers time to join the in-flight call.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for ok := range results {
		assert.True(t, ok)
	}
}

func TestCoalescerSharesErrorsAndForgets(t *testing.T) {
	c := NewCoalescer[bool]()
	boom := errors.New("boom")

	_, err := c.Do(context.Background(), "k", func(context.Context) (bool, error) {
		return false, boom
	})
	assert.ErrorIs(t, err, boom)

	// The failed entry was dropped, so the next call executes again.
	var calls int32
	ok, err := c.Do(context.Background(), "k", func(context.Context) (bool, error) {
		atomic.AddInt32(&calls, 1)
		return true, nil
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int32(1), calls)
}

func TestCoalescerSequentialCallsReexecute(t *testing.T) {
	c := NewCoalescer[int]()
	var calls int32
	fn := func(context.Context) (int, error) {
		return int(atomic.AddInt32(&calls, 1)), nil
	}

	first, err := c.Do(context.Background(), "k", fn)
	require.NoError(t, err)
	second, err := c.Do(context.Background(), "k", fn)
	require.NoError(t, err)

	assert.Equal(t, 1, first)
	assert.Equal(t, 2, second)
}

func TestCoalescerWaiterCancellation(t *testing.T) {
	c := NewCoalescer[bool]()
	release := make(chan struct{})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Do(ctx, "slow", func(context.Context) (bool, error) {
		<-release
		return true, nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
