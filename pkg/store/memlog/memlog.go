// Package memlog is an in-memory conversation log for ephemeral sessions.
// Contents are lost when the process exits.
package memlog

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/johncui/chatmem/pkg/model"
)

// DefaultTitle names conversations created without a title.
const DefaultTitle = "New Conversation"

type conversation struct {
	meta    model.Conversation
	turns   []model.Turn
	nextSeq int64
}

// Log implements model.ConversationLog on top of maps.
type Log struct {
	mu    sync.RWMutex
	convs map[string]*conversation
	now   func() time.Time
}

func New() *Log {
	return &Log{convs: make(map[string]*conversation), now: time.Now}
}

// WithClock replaces the wall clock used for timestamps.
func (l *Log) WithClock(now func() time.Time) *Log {
	l.now = now
	return l
}

func (l *Log) Create(_ context.Context, userID, title, profileID string) (model.Conversation, error) {
	if userID == "" {
		return model.Conversation{}, fmt.Errorf("%w: user id is required", model.ErrInvalid)
	}
	if title == "" {
		title = DefaultTitle
	}
	now := l.now().UTC()
	c := &conversation{
		meta: model.Conversation{
			ID:              uuid.NewString(),
			UserID:          userID,
			Title:           title,
			ActiveProfileID: profileID,
			CreatedAt:       now,
			UpdatedAt:       now,
		},
		nextSeq: 1,
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.convs[c.meta.ID] = c
	return c.meta, nil
}

func (l *Log) Get(_ context.Context, conversationID string) (model.Conversation, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, err := l.lookup(conversationID)
	if err != nil {
		return model.Conversation{}, err
	}
	return c.meta, nil
}

func (l *Log) List(_ context.Context, userID string, includeArchived bool) ([]model.Conversation, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []model.Conversation
	for _, c := range l.convs {
		if c.meta.UserID != userID || (c.meta.Archived && !includeArchived) {
			continue
		}
		out = append(out, c.meta)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (l *Log) Delete(_ context.Context, conversationID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.lookup(conversationID); err != nil {
		return err
	}
	delete(l.convs, conversationID)
	return nil
}

func (l *Log) Archive(_ context.Context, conversationID string, archived bool) error {
	return l.update(conversationID, func(c *conversation) {
		c.meta.Archived = archived
		c.meta.UpdatedAt = l.now().UTC()
	})
}

func (l *Log) Rename(_ context.Context, conversationID, title string) error {
	if title == "" {
		return fmt.Errorf("%w: title is required", model.ErrInvalid)
	}
	return l.update(conversationID, func(c *conversation) {
		c.meta.Title = title
		c.meta.UpdatedAt = l.now().UTC()
	})
}

func (l *Log) Bind(_ context.Context, conversationID, profileID string) error {
	return l.update(conversationID, func(c *conversation) {
		c.meta.ActiveProfileID = profileID
	})
}

func (l *Log) ReferencingProfile(_ context.Context, profileID string) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var ids []string
	for id, c := range l.convs {
		if c.meta.ActiveProfileID == profileID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (l *Log) Append(_ context.Context, conversationID string, turn model.Turn) (model.Turn, error) {
	if !turn.Role.Valid() {
		return model.Turn{}, fmt.Errorf("%w: unknown role %q", model.ErrInvalid, turn.Role)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	c, err := l.lookup(conversationID)
	if err != nil {
		return model.Turn{}, &model.AppendError{ConversationID: conversationID, Err: err}
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = l.now()
	}
	turn.CreatedAt = turn.CreatedAt.UTC()
	turn.ConversationID = conversationID
	turn.Seq = c.nextSeq
	turn.Attachments = append([]model.Attachment(nil), turn.Attachments...)

	c.nextSeq++
	c.turns = append(c.turns, turn)
	c.meta.UpdatedAt = l.now().UTC()
	return turn, nil
}

// ReadWindow yields the most recent maxTurns turns oldest first. The snapshot
// is taken when ranging starts, so each range sees the log as of that moment.
func (l *Log) ReadWindow(_ context.Context, conversationID string, maxTurns int) model.Window {
	return func(yield func(model.Turn, error) bool) {
		if maxTurns <= 0 {
			return
		}
		l.mu.RLock()
		c, ok := l.convs[conversationID]
		var window []model.Turn
		if ok {
			start := max(len(c.turns)-maxTurns, 0)
			window = c.turns[start:len(c.turns):len(c.turns)]
		}
		l.mu.RUnlock()

		for _, t := range window {
			if !yield(t, nil) {
				return
			}
		}
	}
}

func (l *Log) Clear(_ context.Context, conversationID string) error {
	return l.update(conversationID, func(c *conversation) {
		c.turns = nil
		c.meta.UpdatedAt = l.now().UTC()
	})
}

func (l *Log) Lookup(_ context.Context, conversationID string, seq int64) (model.Turn, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	c, err := l.lookup(conversationID)
	if err != nil {
		return model.Turn{}, err
	}
	i := sort.Search(len(c.turns), func(i int) bool { return c.turns[i].Seq >= seq })
	if i == len(c.turns) || c.turns[i].Seq != seq {
		return model.Turn{}, fmt.Errorf("turn %s/%d: %w", conversationID, seq, model.ErrNotFound)
	}
	return c.turns[i], nil
}

func (l *Log) Search(_ context.Context, userID, query string, limit int) ([]model.Turn, error) {
	if limit <= 0 {
		limit = 10
	}
	needle := strings.ToLower(query)

	l.mu.RLock()
	var out []model.Turn
	for _, c := range l.convs {
		if c.meta.UserID != userID {
			continue
		}
		for _, t := range c.turns {
			if strings.Contains(strings.ToLower(t.Content), needle) {
				out = append(out, t)
			}
		}
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Seq > out[j].Seq
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close drops all state.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.convs = make(map[string]*conversation)
	return nil
}

func (l *Log) update(conversationID string, fn func(c *conversation)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, err := l.lookup(conversationID)
	if err != nil {
		return err
	}
	fn(c)
	return nil
}

// lookup requires l.mu held.
func (l *Log) lookup(conversationID string) (*conversation, error) {
	c, ok := l.convs[conversationID]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, model.ErrNotFound)
	}
	return c, nil
}

var _ model.ConversationLog = (*Log)(nil)
