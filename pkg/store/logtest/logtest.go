// Package logtest is a conformance suite shared by every model.ConversationLog
// implementation.
package logtest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johncui/chatmem/pkg/model"
)

// Factory builds an empty log whose timestamps come from now.
type Factory func(t *testing.T, now func() time.Time) model.ConversationLog

// TickingClock returns a clock that advances one millisecond per call.
func TickingClock() func() time.Time {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var n atomic.Int64
	return func() time.Time {
		return base.Add(time.Duration(n.Add(1)) * time.Millisecond)
	}
}

// Run exercises the log contract against logs built by newLog.
func Run(t *testing.T, newLog Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, log model.ConversationLog)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"AppendAssignsContiguousSeq", testAppendSeq},
		{"AppendUnknownConversation", testAppendUnknown},
		{"AppendInvalidRole", testAppendInvalidRole},
		{"WindowRestartable", testWindowRestartable},
		{"WindowPagesLargeHistory", testWindowLarge},
		{"ClearKeepsBindingAndSeq", testClear},
		{"ListAndArchive", testListArchive},
		{"RenameAndDelete", testRenameDelete},
		{"ReferencingProfile", testReferencingProfile},
		{"Search", testSearch},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			log := newLog(t, TickingClock())
			t.Cleanup(func() { log.Close() })
			tc.fn(t, log)
		})
	}
}

func collect(t *testing.T, w model.Window) []model.Turn {
	t.Helper()
	var out []model.Turn
	for turn, err := range w {
		require.NoError(t, err)
		out = append(out, turn)
	}
	return out
}

func seqs(turns []model.Turn) []int64 {
	out := make([]int64, len(turns))
	for i, t := range turns {
		out[i] = t.Seq
	}
	return out
}

func appendN(t *testing.T, log model.ConversationLog, id string, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		role := model.RoleUser
		if i%2 == 0 {
			role = model.RoleAssistant
		}
		_, err := log.Append(context.Background(), id, model.Turn{Role: role, Content: fmt.Sprintf("turn %d", i)})
		require.NoError(t, err)
	}
}

func testCreateAndGet(t *testing.T, log model.ConversationLog) {
	ctx := context.Background()

	c, err := log.Create(ctx, "u1", "", "p1")
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, "New Conversation", c.Title)
	assert.Equal(t, "p1", c.ActiveProfileID)

	got, err := log.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)
	assert.Equal(t, "u1", got.UserID)
	assert.True(t, c.CreatedAt.Equal(got.CreatedAt))

	_, err = log.Get(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = log.Create(ctx, "", "t", "")
	assert.ErrorIs(t, err, model.ErrInvalid)
}

func testAppendSeq(t *testing.T, log model.ConversationLog) {
	ctx := context.Background()
	c, err := log.Create(ctx, "u1", "chat", "")
	require.NoError(t, err)

	first, err := log.Append(ctx, c.ID, model.Turn{
		Role:        model.RoleUser,
		Content:     "look at this",
		Attachments: []model.Attachment{{Name: "cat.png", MIMEType: "image/png", Ref: "blob://1"}},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, first.Seq)
	assert.Equal(t, c.ID, first.ConversationID)
	assert.False(t, first.CreatedAt.IsZero())

	appendN(t, log, c.ID, 4)

	all := collect(t, log.ReadWindow(ctx, c.ID, 10))
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, seqs(all))
	require.Len(t, all[0].Attachments, 1)
	assert.Equal(t, "blob://1", all[0].Attachments[0].Ref)

	last3 := collect(t, log.ReadWindow(ctx, c.ID, 3))
	assert.Equal(t, []int64{3, 4, 5}, seqs(last3))
	assert.Equal(t, "turn 4", last3[2].Content)

	assert.Empty(t, collect(t, log.ReadWindow(ctx, c.ID, 0)))
	assert.Empty(t, collect(t, log.ReadWindow(ctx, "missing", 5)))

	got, err := log.Lookup(ctx, c.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, "turn 1", got.Content)
	_, err = log.Lookup(ctx, c.ID, 42)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func testAppendUnknown(t *testing.T, log model.ConversationLog) {
	_, err := log.Append(context.Background(), "missing", model.Turn{Role: model.RoleUser, Content: "hi"})
	require.Error(t, err)

	var appendErr *model.AppendError
	require.True(t, errors.As(err, &appendErr))
	assert.Equal(t, "missing", appendErr.ConversationID)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func testAppendInvalidRole(t *testing.T, log model.ConversationLog) {
	ctx := context.Background()
	c, err := log.Create(ctx, "u1", "", "")
	require.NoError(t, err)

	_, err = log.Append(ctx, c.ID, model.Turn{Role: "robot", Content: "beep"})
	assert.ErrorIs(t, err, model.ErrInvalid)
	assert.Empty(t, collect(t, log.ReadWindow(ctx, c.ID, 5)))
}

func testWindowRestartable(t *testing.T, log model.ConversationLog) {
	ctx := context.Background()
	c, err := log.Create(ctx, "u1", "", "")
	require.NoError(t, err)
	appendN(t, log, c.ID, 6)

	w := log.ReadWindow(ctx, c.ID, 4)
	first := collect(t, w)
	second := collect(t, w)
	assert.Equal(t, seqs(first), seqs(second))

	var seen []int64
	for turn, err := range w {
		require.NoError(t, err)
		seen = append(seen, turn.Seq)
		if len(seen) == 2 {
			break
		}
	}
	assert.Equal(t, []int64{3, 4}, seen)
}

func testWindowLarge(t *testing.T, log model.ConversationLog) {
	ctx := context.Background()
	c, err := log.Create(ctx, "u1", "", "")
	require.NoError(t, err)
	appendN(t, log, c.ID, 150)

	got := collect(t, log.ReadWindow(ctx, c.ID, 100))
	require.Len(t, got, 100)
	for i, turn := range got {
		assert.EqualValues(t, 51+i, turn.Seq)
	}
}

func testClear(t *testing.T, log model.ConversationLog) {
	ctx := context.Background()
	c, err := log.Create(ctx, "u1", "", "")
	require.NoError(t, err)
	require.NoError(t, log.Bind(ctx, c.ID, "p1"))
	appendN(t, log, c.ID, 2)

	require.NoError(t, log.Clear(ctx, c.ID))
	assert.Empty(t, collect(t, log.ReadWindow(ctx, c.ID, 10)))

	got, err := log.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "p1", got.ActiveProfileID)

	next, err := log.Append(ctx, c.ID, model.Turn{Role: model.RoleUser, Content: "again"})
	require.NoError(t, err)
	assert.EqualValues(t, 3, next.Seq, "sequence numbers are not reused")

	assert.ErrorIs(t, log.Clear(ctx, "missing"), model.ErrNotFound)
}

func testListArchive(t *testing.T, log model.ConversationLog) {
	ctx := context.Background()
	a, err := log.Create(ctx, "u1", "a", "")
	require.NoError(t, err)
	b, err := log.Create(ctx, "u1", "b", "")
	require.NoError(t, err)
	_, err = log.Create(ctx, "u2", "c", "")
	require.NoError(t, err)

	list, err := log.List(ctx, "u1", false)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, b.ID, list[0].ID, "most recently updated first")

	_, err = log.Append(ctx, a.ID, model.Turn{Role: model.RoleUser, Content: "bump"})
	require.NoError(t, err)
	list, err = log.List(ctx, "u1", false)
	require.NoError(t, err)
	assert.Equal(t, a.ID, list[0].ID)

	require.NoError(t, log.Archive(ctx, b.ID, true))
	list, err = log.List(ctx, "u1", false)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, a.ID, list[0].ID)

	list, err = log.List(ctx, "u1", true)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	assert.ErrorIs(t, log.Archive(ctx, "missing", true), model.ErrNotFound)
}

func testRenameDelete(t *testing.T, log model.ConversationLog) {
	ctx := context.Background()
	c, err := log.Create(ctx, "u1", "old", "")
	require.NoError(t, err)
	appendN(t, log, c.ID, 2)

	require.NoError(t, log.Rename(ctx, c.ID, "new"))
	got, err := log.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "new", got.Title)
	assert.ErrorIs(t, log.Rename(ctx, c.ID, ""), model.ErrInvalid)

	require.NoError(t, log.Delete(ctx, c.ID))
	_, err = log.Get(ctx, c.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = log.Lookup(ctx, c.ID, 1)
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.ErrorIs(t, log.Delete(ctx, c.ID), model.ErrNotFound)
}

func testReferencingProfile(t *testing.T, log model.ConversationLog) {
	ctx := context.Background()
	a, err := log.Create(ctx, "u1", "", "p1")
	require.NoError(t, err)
	b, err := log.Create(ctx, "u2", "", "p2")
	require.NoError(t, err)

	ids, err := log.ReferencingProfile(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, ids)

	require.NoError(t, log.Bind(ctx, b.ID, "p1"))
	ids, err = log.ReferencingProfile(ctx, "p1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, ids)

	ids, err = log.ReferencingProfile(ctx, "p2")
	require.NoError(t, err)
	assert.Empty(t, ids)

	assert.ErrorIs(t, log.Bind(ctx, "missing", "p1"), model.ErrNotFound)
}

func testSearch(t *testing.T, log model.ConversationLog) {
	ctx := context.Background()
	a, err := log.Create(ctx, "u1", "", "")
	require.NoError(t, err)
	b, err := log.Create(ctx, "u1", "", "")
	require.NoError(t, err)
	other, err := log.Create(ctx, "u2", "", "")
	require.NoError(t, err)

	for _, turn := range []struct {
		id      string
		content string
	}{
		{a.ID, "I visited Paris last year"},
		{b.ID, "paris again?"},
		{a.ID, "Rome is nice"},
		{other.ID, "Paris for me too"},
	} {
		_, err := log.Append(ctx, turn.id, model.Turn{Role: model.RoleUser, Content: turn.content})
		require.NoError(t, err)
	}

	found, err := log.Search(ctx, "u1", "PARIS", 10)
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "paris again?", found[0].Content, "newest first")

	found, err = log.Search(ctx, "u1", "paris", 1)
	require.NoError(t, err)
	assert.Len(t, found, 1)

	found, err = log.Search(ctx, "u3", "paris", 10)
	require.NoError(t, err)
	assert.Empty(t, found)
}
