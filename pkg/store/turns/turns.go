// Package turns is the SQLite-backed conversation log.
package turns

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/johncui/chatmem/pkg/model"
	"github.com/johncui/chatmem/pkg/store/sqlite"
)

// DefaultTitle names conversations created without a title.
const DefaultTitle = "New Conversation"

// pageSize bounds how many rows a window iterator holds at once.
const pageSize = 64

// Store persists conversations and their turns.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// WithClock replaces the wall clock used for timestamps.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) Create(ctx context.Context, userID, title, profileID string) (model.Conversation, error) {
	if userID == "" {
		return model.Conversation{}, fmt.Errorf("%w: user id is required", model.ErrInvalid)
	}
	if title == "" {
		title = DefaultTitle
	}
	now := sqlite.Time(sqlite.Nanos(s.now()))
	c := model.Conversation{
		ID:              uuid.NewString(),
		UserID:          userID,
		Title:           title,
		ActiveProfileID: profileID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO conversations(id, user_id, title, active_profile_id, archived, next_seq, created_at, updated_at)
        VALUES(?, ?, ?, ?, 0, 1, ?, ?);
    `, c.ID, c.UserID, c.Title, c.ActiveProfileID, sqlite.Nanos(now), sqlite.Nanos(now))
	if err != nil {
		return model.Conversation{}, model.Storage("create conversation", err)
	}
	return c, nil
}

func (s *Store) Get(ctx context.Context, conversationID string) (model.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT id, user_id, title, active_profile_id, archived, created_at, updated_at
        FROM conversations WHERE id = ?;
    `, conversationID)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Conversation{}, fmt.Errorf("conversation %s: %w", conversationID, model.ErrNotFound)
	}
	if err != nil {
		return model.Conversation{}, model.Storage("get conversation", err)
	}
	return c, nil
}

// List returns a user's conversations, most recently updated first.
func (s *Store) List(ctx context.Context, userID string, includeArchived bool) ([]model.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, user_id, title, active_profile_id, archived, created_at, updated_at
        FROM conversations
        WHERE user_id = ? AND (? OR archived = 0)
        ORDER BY updated_at DESC, id ASC;
    `, userID, includeArchived)
	if err != nil {
		return nil, model.Storage("list conversations", err)
	}
	defer rows.Close()

	var out []model.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, model.Storage("scan conversation", err)
		}
		out = append(out, c)
	}
	return out, model.Storage("list conversations", rows.Err())
}

func (s *Store) Delete(ctx context.Context, conversationID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?;`, conversationID)
	return s.checkAffected("delete conversation", conversationID, res, err)
}

func (s *Store) Archive(ctx context.Context, conversationID string, archived bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET archived = ?, updated_at = ? WHERE id = ?;`,
		archived, sqlite.Nanos(s.now()), conversationID)
	return s.checkAffected("archive conversation", conversationID, res, err)
}

func (s *Store) Rename(ctx context.Context, conversationID, title string) error {
	if title == "" {
		return fmt.Errorf("%w: title is required", model.ErrInvalid)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?;`,
		title, sqlite.Nanos(s.now()), conversationID)
	return s.checkAffected("rename conversation", conversationID, res, err)
}

// Bind sets the active profile. History is not touched.
func (s *Store) Bind(ctx context.Context, conversationID, profileID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET active_profile_id = ? WHERE id = ?;`,
		profileID, conversationID)
	return s.checkAffected("bind profile", conversationID, res, err)
}

func (s *Store) ReferencingProfile(ctx context.Context, profileID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM conversations WHERE active_profile_id = ? ORDER BY id;`, profileID)
	if err != nil {
		return nil, model.Storage("profile references", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, model.Storage("profile references", err)
		}
		ids = append(ids, id)
	}
	return ids, model.Storage("profile references", rows.Err())
}

// Append stores turn under the next sequence number of the conversation.
func (s *Store) Append(ctx context.Context, conversationID string, turn model.Turn) (model.Turn, error) {
	if !turn.Role.Valid() {
		return model.Turn{}, fmt.Errorf("%w: unknown role %q", model.ErrInvalid, turn.Role)
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = s.now()
	}
	turn.CreatedAt = sqlite.Time(sqlite.Nanos(turn.CreatedAt))
	turn.ConversationID = conversationID

	attachments, err := sqlite.EncodeJSON(turn.Attachments)
	if err != nil {
		return model.Turn{}, &model.AppendError{ConversationID: conversationID, Err: err}
	}

	err = sqlite.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `SELECT next_seq FROM conversations WHERE id = ?;`, conversationID).Scan(&turn.Seq); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("conversation %s: %w", conversationID, model.ErrNotFound)
			}
			return err
		}
		if _, err := tx.ExecContext(ctx, `
            INSERT INTO turns(conversation_id, seq, role, content, attachments, created_at)
            VALUES(?, ?, ?, ?, ?, ?);
        `, conversationID, turn.Seq, string(turn.Role), turn.Content, attachments, sqlite.Nanos(turn.CreatedAt)); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE conversations SET next_seq = next_seq + 1, updated_at = ? WHERE id = ?;`,
			sqlite.Nanos(s.now()), conversationID)
		return err
	})
	if err != nil {
		return model.Turn{}, &model.AppendError{ConversationID: conversationID, Err: model.Storage("append turn", err)}
	}
	return turn, nil
}

// ReadWindow yields the most recent maxTurns turns oldest first. Rows are
// paged on demand; each range over the result queries the store again.
func (s *Store) ReadWindow(ctx context.Context, conversationID string, maxTurns int) model.Window {
	return func(yield func(model.Turn, error) bool) {
		if maxTurns <= 0 {
			return
		}
		var lo, hi sql.NullInt64
		err := s.db.QueryRowContext(ctx, `
            SELECT MIN(seq), MAX(seq) FROM (
                SELECT seq FROM turns WHERE conversation_id = ? ORDER BY seq DESC LIMIT ?
            );
        `, conversationID, maxTurns).Scan(&lo, &hi)
		if err != nil {
			yield(model.Turn{}, model.Storage("read window", err))
			return
		}
		if !lo.Valid {
			return
		}

		for cursor := lo.Int64; cursor <= hi.Int64; {
			page, err := s.page(ctx, conversationID, cursor, hi.Int64)
			if err != nil {
				yield(model.Turn{}, err)
				return
			}
			if len(page) == 0 {
				return
			}
			for _, t := range page {
				if !yield(t, nil) {
					return
				}
			}
			cursor = page[len(page)-1].Seq + 1
		}
	}
}

func (s *Store) page(ctx context.Context, conversationID string, from, to int64) ([]model.Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT conversation_id, seq, role, content, attachments, created_at
        FROM turns
        WHERE conversation_id = ? AND seq >= ? AND seq <= ?
        ORDER BY seq ASC
        LIMIT ?;
    `, conversationID, from, to, pageSize)
	if err != nil {
		return nil, model.Storage("read window", err)
	}
	defer rows.Close()

	out := make([]model.Turn, 0, pageSize)
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, model.Storage("scan turn", err)
		}
		out = append(out, t)
	}
	return out, model.Storage("read window", rows.Err())
}

// Clear drops every turn; the profile binding and sequence counter stay.
func (s *Store) Clear(ctx context.Context, conversationID string) error {
	return model.Storage("clear conversation", sqlite.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?;`,
			sqlite.Nanos(s.now()), conversationID)
		if err := s.checkAffected("clear conversation", conversationID, res, err); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM turns WHERE conversation_id = ?;`, conversationID)
		return err
	}))
}

// Lookup returns a single turn.
func (s *Store) Lookup(ctx context.Context, conversationID string, seq int64) (model.Turn, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT conversation_id, seq, role, content, attachments, created_at
        FROM turns WHERE conversation_id = ? AND seq = ?;
    `, conversationID, seq)
	t, err := scanTurn(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Turn{}, fmt.Errorf("turn %s/%d: %w", conversationID, seq, model.ErrNotFound)
	}
	if err != nil {
		return model.Turn{}, model.Storage("lookup turn", err)
	}
	return t, nil
}

// Search matches turn content case-insensitively across a user's conversations, newest first.
func (s *Store) Search(ctx context.Context, userID, query string, limit int) ([]model.Turn, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT t.conversation_id, t.seq, t.role, t.content, t.attachments, t.created_at
        FROM turns t
        JOIN conversations c ON c.id = t.conversation_id
        WHERE c.user_id = ? AND t.content LIKE ? ESCAPE '\'
        ORDER BY t.created_at DESC, t.seq DESC
        LIMIT ?;
    `, userID, "%"+sqlite.EscapeLike(query)+"%", limit)
	if err != nil {
		return nil, model.Storage("search turns", err)
	}
	defer rows.Close()

	var out []model.Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, model.Storage("scan turn", err)
		}
		out = append(out, t)
	}
	return out, model.Storage("search turns", rows.Err())
}

// Close is a no-op; the shared database is owned by the engine.
func (s *Store) Close() error { return nil }

func (s *Store) checkAffected(op, conversationID string, res sql.Result, err error) error {
	if err != nil {
		return model.Storage(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.Storage(op, err)
	}
	if n == 0 {
		return fmt.Errorf("conversation %s: %w", conversationID, model.ErrNotFound)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(sc scanner) (model.Conversation, error) {
	var (
		c                model.Conversation
		created, updated int64
	)
	if err := sc.Scan(&c.ID, &c.UserID, &c.Title, &c.ActiveProfileID, &c.Archived, &created, &updated); err != nil {
		return model.Conversation{}, err
	}
	c.CreatedAt = sqlite.Time(created)
	c.UpdatedAt = sqlite.Time(updated)
	return c, nil
}

func scanTurn(sc scanner) (model.Turn, error) {
	var (
		t           model.Turn
		role        string
		attachments sql.NullString
		created     int64
	)
	if err := sc.Scan(&t.ConversationID, &t.Seq, &role, &t.Content, &attachments, &created); err != nil {
		return model.Turn{}, err
	}
	t.Role = model.Role(role)
	t.CreatedAt = sqlite.Time(created)
	if err := sqlite.DecodeJSON(attachments, &t.Attachments); err != nil {
		return model.Turn{}, err
	}
	return t, nil
}

var _ model.ConversationLog = (*Store)(nil)
