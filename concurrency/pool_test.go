// Copyright 2018 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package concurrency

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunInThreadCompletesAndWaits(t *testing.T) {
	c := New(Options{CPUWorkers: 2, Headless: true})
	defer c.Shutdown()

	var ran int32
	h := c.RunInThread(func(*Token) {
		atomic.StoreInt32(&ran, 1)
	})
	h.Wait()
	require.EqualValues(t, 1, atomic.LoadInt32(&ran))
	require.Nil(t, h.Recovered())
}

func TestCancelBeforeStartSkipsJob(t *testing.T) {
	c := New(Options{CPUWorkers: 1, Headless: true})
	defer c.Shutdown()

	// Occupy the single worker so the second job stays queued.
	block := make(chan struct{})
	first := c.RunInThread(func(*Token) { <-block })

	var ran int32
	second := c.RunInThread(func(*Token) { atomic.StoreInt32(&ran, 1) })
	second.Cancel()

	close(block)
	first.Wait()
	second.Wait()
	require.EqualValues(t, 0, atomic.LoadInt32(&ran))
}

func TestTokenObservableWhileRunning(t *testing.T) {
	c := New(Options{CPUWorkers: 1, Headless: true})
	defer c.Shutdown()

	started := make(chan struct{})
	observed := make(chan struct{})
	h := c.RunInThread(func(tok *Token) {
		close(started)
		<-tok.Done()
		close(observed)
	})
	<-started
	h.Cancel()

	select {
	case <-observed:
	case <-time.After(time.Second):
		t.Fatal("running job never observed cancellation")
	}
	h.Wait()
}

func TestPanicIsRecoveredIntoHandle(t *testing.T) {
	c := New(Options{CPUWorkers: 1, Headless: true})
	defer c.Shutdown()

	h := c.RunInThread(func(*Token) { panic("boom") })
	h.Wait()
	require.Equal(t, "boom", h.Recovered())
}

func TestHeadlessMainThreadFallsBackToCPUPool(t *testing.T) {
	c := New(Options{CPUWorkers: 1, Headless: true})
	defer c.Shutdown()

	var ran int32
	h := c.RunOnMainThread(func(*Token) { atomic.StoreInt32(&ran, 1) })
	h.Wait()
	require.EqualValues(t, 1, atomic.LoadInt32(&ran))
}

func TestPumpOnceDrainsMainQueue(t *testing.T) {
	c := New(Options{CPUWorkers: 1, Headless: false})
	defer c.Shutdown()

	var order []int
	h1 := c.RunOnMainThread(func(*Token) { order = append(order, 1) })
	h2 := c.RunOnMainThread(func(*Token) { order = append(order, 2) })

	c.PumpOnce(context.Background())
	h1.Wait()
	h2.Wait()
	require.Equal(t, []int{1, 2}, order)
}

func TestRunInProcessBehavesLikeThread(t *testing.T) {
	c := New(Options{CPUWorkers: 1, Headless: true})
	defer c.Shutdown()

	var ran int32
	h := c.RunInProcess(func(*Token) { atomic.StoreInt32(&ran, 1) })
	h.Wait()
	require.EqualValues(t, 1, atomic.LoadInt32(&ran))
}
