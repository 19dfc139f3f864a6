package memory

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johncui/chatmem/pkg/model"
)

func obs(content string) model.Observation {
	return model.Observation{UserID: "u1", Content: content}
}

func contents(in []model.Observation) []string {
	out := make([]string, len(in))
	for i, o := range in {
		out[i] = o.Content
	}
	return out
}

func TestBufferEvictsOldest(t *testing.T) {
	b := NewObservationBuffer(3, 0)
	for i := 1; i <= 5; i++ {
		b.Add(obs(fmt.Sprint(i)))
	}
	assert.Equal(t, 3, b.Len())
	assert.Equal(t, []string{"3", "4", "5"}, contents(b.Drain()))
	assert.Equal(t, 0, b.Len())
	assert.Empty(t, b.Drain())
}

func TestBufferDrainDropsExpired(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	b := NewObservationBuffer(10, time.Minute)
	b.now = func() time.Time { return now }

	b.Add(obs("old"))
	now = now.Add(45 * time.Second)
	b.Add(obs("fresh"))
	now = now.Add(30 * time.Second)

	assert.Equal(t, 2, b.Len(), "expired items still count until drained")
	assert.Equal(t, []string{"fresh"}, contents(b.Drain()))
}

func TestBufferRequeueGoesFirst(t *testing.T) {
	b := NewObservationBuffer(3, 0)
	b.Add(obs("new"))
	b.Requeue([]model.Observation{obs("a"), obs("b")})
	assert.Equal(t, []string{"a", "b", "new"}, contents(b.Drain()))

	b.Add(obs("x"))
	b.Add(obs("y"))
	b.Requeue([]model.Observation{obs("a"), obs("b")})
	assert.Equal(t, []string{"b", "x", "y"}, contents(b.Drain()), "capacity still applies")

	b.Requeue(nil)
	assert.Equal(t, 0, b.Len())
}

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	k := NewKeyedMutex()
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("conv")
			defer unlock()
			v := counter
			time.Sleep(time.Microsecond)
			counter = v + 1
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, counter)
	assert.Equal(t, 0, k.Size(), "unused keys are dropped")
}

func TestKeyedMutexDistinctKeysIndependent(t *testing.T) {
	k := NewKeyedMutex()
	unlockA := k.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := k.Lock("b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("lock on b blocked behind a")
	}
	require.Equal(t, 1, k.Size())
}
