package main

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeConsolidator struct {
	pending atomic.Int64
	runs    atomic.Int64
}

func (f *fakeConsolidator) Consolidate(context.Context) error {
	f.runs.Add(1)
	f.pending.Store(0)
	return nil
}

func (f *fakeConsolidator) Pending() int { return int(f.pending.Load()) }

func TestConsolidationLoopSkipsEmptyBuffer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := &fakeConsolidator{}
	done := make(chan struct{})
	go func() {
		startConsolidationLoop(ctx, f, 5*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, f.runs.Load())

	f.pending.Store(3)
	assert.Eventually(t, func() bool { return f.runs.Load() > 0 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not stop on cancel")
	}
}
