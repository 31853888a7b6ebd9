// Copyright 2022 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ctxsync_test

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/grailbio/storagecore/errors"
	"github.com/grailbio/storagecore/sync/ctxsync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isClosed(c <-chan struct{}) bool {
	select {
	case <-c:
		return true
	default:
		return false
	}
}

func TestEvent(t *testing.T) {
	var e ctxsync.Event
	assert.False(t, e.IsSet())
	pending := e.Done()
	assert.False(t, isClosed(pending))

	// Resetting an unset event keeps the pending signal.
	e.Reset()
	assert.False(t, isClosed(pending))

	e.Set()
	e.Set()
	assert.True(t, isClosed(pending))
	assert.True(t, e.IsSet())
	require.NoError(t, e.Wait(context.Background()))

	e.Reset()
	assert.False(t, e.IsSet())
	assert.False(t, isClosed(e.Done()))
	assert.True(t, isClosed(pending), "old signal stays completed")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := e.Wait(ctx)
	assert.True(t, errors.Is(errors.Timeout, err), "got %v", err)
}

func TestEventBroadcast(t *testing.T) {
	e := ctxsync.NewEvent(false)
	const N = 50
	var wg sync.WaitGroup
	wg.Add(N)
	for i := 0; i < N; i++ {
		go func() {
			defer wg.Done()
			assert.NoError(t, e.Wait(context.Background()))
		}()
	}
	e.Set()
	wg.Wait()
	assert.True(t, ctxsync.NewEvent(true).IsSet())
}

func TestCounterEvent(t *testing.T) {
	var c ctxsync.CounterEvent
	assert.True(t, isClosed(c.Done()), "zero counter is signaled")

	assert.EqualValues(t, 1, c.Increment())
	assert.EqualValues(t, 2, c.Increment())
	done := c.Done()
	assert.False(t, isClosed(done))
	assert.EqualValues(t, 1, c.Decrement())
	assert.False(t, isClosed(done))
	assert.EqualValues(t, 0, c.Decrement())
	assert.True(t, isClosed(done))
	require.NoError(t, c.Wait(context.Background()))

	// A completed wait does not leak into the next cycle.
	c.Increment()
	next := c.Done()
	assert.False(t, isClosed(next))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	assert.Error(t, c.Wait(ctx))
	c.Decrement()
	assert.True(t, isClosed(next))
}

// TestCounterEventInterleavings checks that for random interleavings
// of increments and decrements, Wait completes only when the net
// outstanding count is zero.
func TestCounterEventInterleavings(t *testing.T) {
	const (
		workers = 16
		ops     = 200
	)
	var c ctxsync.CounterEvent
	c.Increment() // held by the test until all workers are started
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		seed := int64(i)
		go func() {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed))
			for j := 0; j < ops; j++ {
				c.Increment()
				if r.Intn(4) == 0 {
					time.Sleep(time.Duration(r.Intn(50)) * time.Microsecond)
				}
				c.Decrement()
			}
		}()
	}
	waited := make(chan int64)
	go func() {
		assert.NoError(t, c.Wait(context.Background()))
		waited <- c.Count()
	}()
	wg.Wait()
	select {
	case <-waited:
		t.Fatal("wait completed while the test still held a count")
	default:
	}
	c.Decrement()
	assert.EqualValues(t, 0, <-waited)
}

func TestCounterEventNegative(t *testing.T) {
	var c ctxsync.CounterEvent
	assert.EqualValues(t, -1, c.Decrement())
	assert.False(t, isClosed(c.Done()))
	assert.EqualValues(t, 0, c.Increment())
	assert.EqualValues(t, 0, c.Count())
	assert.True(t, isClosed(c.Done()))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	assert.NoError(t, c.Wait(ctx))

	assert.EqualValues(t, 1, c.Increment())
	assert.False(t, isClosed(c.Done()))
}

func TestWithCancellation(t *testing.T) {
	v, err := ctxsync.WithCancellation(context.Background(), func() (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	ctx, cancel := context.WithCancel(context.Background())
	block := make(chan struct{})
	defer close(block)
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	_, err = ctxsync.WithCancellation(ctx, func() (int, error) {
		<-block
		return 0, nil
	})
	assert.Equal(t, context.Canceled, err)

	_, err = ctxsync.WithCancellation(ctx, func() (int, error) {
		t.Error("must not run after cancellation")
		return 0, nil
	})
	assert.Equal(t, context.Canceled, err)
}
