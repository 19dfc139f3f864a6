package facts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/johncui/chatmem/pkg/model"
	"github.com/johncui/chatmem/pkg/store/sqlite"
)

// Store encapsulates CRUD for user facts.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// WithClock replaces the wall clock used to stamp writes.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Set inserts or overwrites a fact. A write stamped earlier than the stored
// row loses; equal stamps go to the later arrival. The stored fact is returned.
func (s *Store) Set(ctx context.Context, userID, key, value string, source model.FactSource) (model.Fact, error) {
	key = strings.TrimSpace(key)
	if userID == "" || key == "" {
		return model.Fact{}, fmt.Errorf("%w: user id and key are required", model.ErrInvalid)
	}
	if source == "" {
		source = model.SourceUser
	}
	if !source.Valid() {
		return model.Fact{}, fmt.Errorf("%w: unknown fact source %q", model.ErrInvalid, source)
	}

	_, err := s.db.ExecContext(ctx, `
        INSERT INTO facts(user_id, key, value, source, updated_at)
        VALUES(?, ?, ?, ?, ?)
        ON CONFLICT(user_id, key) DO UPDATE SET
            value=excluded.value,
            source=excluded.source,
            updated_at=excluded.updated_at
        WHERE excluded.updated_at >= facts.updated_at;
    `, userID, key, value, string(source), sqlite.Nanos(s.now()))
	if err != nil {
		return model.Fact{}, model.Storage("set fact", err)
	}
	return s.get(ctx, userID, key)
}

func (s *Store) get(ctx context.Context, userID, key string) (model.Fact, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT user_id, key, value, source, updated_at
        FROM facts WHERE user_id = ? AND key = ?;
    `, userID, key)
	f, err := scanFact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Fact{}, model.ErrNotFound
	}
	if err != nil {
		return model.Fact{}, model.Storage("get fact", err)
	}
	return f, nil
}

// GetAll returns every fact of a user keyed by fact key.
func (s *Store) GetAll(ctx context.Context, userID string) (map[string]model.Fact, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT user_id, key, value, source, updated_at
        FROM facts WHERE user_id = ?;
    `, userID)
	if err != nil {
		return nil, model.Storage("list facts", err)
	}
	defer rows.Close()

	out := make(map[string]model.Fact)
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, model.Storage("scan fact", err)
		}
		out[f.Key] = f
	}
	if err := rows.Err(); err != nil {
		return nil, model.Storage("list facts", err)
	}
	return out, nil
}

// Delete removes a fact; absent keys are not an error.
func (s *Store) Delete(ctx context.Context, userID, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM facts WHERE user_id = ? AND key = ?;`, userID, key)
	return model.Storage("delete fact", err)
}

// Search performs a LIKE-based search on key/value, newest first.
func (s *Store) Search(ctx context.Context, userID, term string, limit int) ([]model.Fact, error) {
	if limit <= 0 {
		limit = 10
	}
	pattern := "%" + sqlite.EscapeLike(term) + "%"
	rows, err := s.db.QueryContext(ctx, `
        SELECT user_id, key, value, source, updated_at
        FROM facts
        WHERE user_id = ? AND (key LIKE ? ESCAPE '\' OR value LIKE ? ESCAPE '\')
        ORDER BY updated_at DESC, key ASC
        LIMIT ?;
    `, userID, pattern, pattern, limit)
	if err != nil {
		return nil, model.Storage("search facts", err)
	}
	defer rows.Close()

	var out []model.Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, model.Storage("scan fact", err)
		}
		out = append(out, f)
	}
	return out, model.Storage("search facts", rows.Err())
}

// Count returns the number of facts held for a user.
func (s *Store) Count(ctx context.Context, userID string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM facts WHERE user_id = ?;`, userID).Scan(&n); err != nil {
		return 0, model.Storage("count facts", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFact(sc scanner) (model.Fact, error) {
	var (
		f       model.Fact
		source  string
		updated int64
	)
	if err := sc.Scan(&f.UserID, &f.Key, &f.Value, &source, &updated); err != nil {
		return model.Fact{}, err
	}
	f.Source = model.FactSource(source)
	f.UpdatedAt = sqlite.Time(updated)
	return f, nil
}

var _ model.FactStore = (*Store)(nil)
