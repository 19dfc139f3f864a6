package memlog

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johncui/chatmem/pkg/model"
	"github.com/johncui/chatmem/pkg/store/logtest"
)

func TestLog(t *testing.T) {
	logtest.Run(t, func(_ *testing.T, now func() time.Time) model.ConversationLog {
		return New().WithClock(now)
	})
}

func TestWindowSnapshotIgnoresLaterAppends(t *testing.T) {
	ctx := context.Background()
	l := New()
	c, err := l.Create(ctx, "u1", "", "")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := l.Append(ctx, c.ID, model.Turn{Role: model.RoleUser, Content: fmt.Sprint(i)})
		require.NoError(t, err)
	}

	var got []int64
	for turn, err := range l.ReadWindow(ctx, c.ID, 10) {
		require.NoError(t, err)
		got = append(got, turn.Seq)
		if turn.Seq == 1 {
			_, err := l.Append(ctx, c.ID, model.Turn{Role: model.RoleAssistant, Content: "late"})
			require.NoError(t, err)
		}
	}
	assert.Equal(t, []int64{1, 2, 3}, got)
}

func TestConcurrentAppendsGetDistinctSeq(t *testing.T) {
	ctx := context.Background()
	l := New()
	c, err := l.Create(ctx, "u1", "", "")
	require.NoError(t, err)

	const n = 50
	var wg sync.WaitGroup
	seen := make(chan int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			turn, err := l.Append(ctx, c.ID, model.Turn{Role: model.RoleUser, Content: "x"})
			if err == nil {
				seen <- turn.Seq
			}
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[int64]bool)
	for s := range seen {
		unique[s] = true
	}
	assert.Len(t, unique, n)
	for i := int64(1); i <= n; i++ {
		assert.True(t, unique[i], "missing seq %d", i)
	}
}
