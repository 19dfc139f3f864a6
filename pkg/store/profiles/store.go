package profiles

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/johncui/chatmem/pkg/model"
	"github.com/johncui/chatmem/pkg/store/sqlite"
)

// Store persists profiles in SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// WithClock replaces the wall clock used for timestamps.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Create inserts p. An empty ID is replaced with a fresh UUID.
func (s *Store) Create(ctx context.Context, p model.Profile) (model.Profile, error) {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return model.Profile{}, fmt.Errorf("%w: profile name is required", model.ErrInvalid)
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := sqlite.Time(sqlite.Nanos(s.now()))
	p.CreatedAt, p.UpdatedAt = now, now
	p.IsDefault = false
	p.Settings = maps.Clone(p.Settings)

	settings, err := sqlite.EncodeJSON(p.Settings)
	if err != nil {
		return model.Profile{}, fmt.Errorf("%w: settings: %v", model.ErrInvalid, err)
	}

	err = sqlite.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if taken, err := nameTaken(ctx, tx, p.Name, ""); err != nil {
			return err
		} else if taken {
			return &model.DuplicateNameError{Name: p.Name}
		}
		_, err := tx.ExecContext(ctx, `
            INSERT INTO profiles(id, name, persona, model_id, settings, is_default, created_at, updated_at)
            VALUES(?, ?, ?, ?, ?, 0, ?, ?);
        `, p.ID, p.Name, p.Persona, p.ModelID, settings, sqlite.Nanos(now), sqlite.Nanos(now))
		return err
	})
	if err != nil {
		return model.Profile{}, mapErr("create profile", p.Name, err)
	}
	return p, nil
}

func (s *Store) Get(ctx context.Context, profileID string) (model.Profile, error) {
	return s.getWhere(ctx, "id = ?", profileID)
}

func (s *Store) GetByName(ctx context.Context, name string) (model.Profile, error) {
	return s.getWhere(ctx, "name = ?", strings.TrimSpace(name))
}

func (s *Store) Default(ctx context.Context) (model.Profile, error) {
	return s.getWhere(ctx, "is_default = ?", 1)
}

func (s *Store) getWhere(ctx context.Context, where string, arg any) (model.Profile, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT id, name, persona, model_id, settings, is_default, created_at, updated_at
        FROM profiles WHERE `+where+` LIMIT 1;`, arg)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Profile{}, fmt.Errorf("profile %v: %w", arg, model.ErrNotFound)
	}
	if err != nil {
		return model.Profile{}, model.Storage("get profile", err)
	}
	return p, nil
}

// List returns all profiles ordered by name.
func (s *Store) List(ctx context.Context) ([]model.Profile, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, name, persona, model_id, settings, is_default, created_at, updated_at
        FROM profiles ORDER BY name ASC;
    `)
	if err != nil {
		return nil, model.Storage("list profiles", err)
	}
	defer rows.Close()

	var out []model.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, model.Storage("scan profile", err)
		}
		out = append(out, p)
	}
	return out, model.Storage("list profiles", rows.Err())
}

// Update applies the non-nil fields of upd. A nil Settings map keeps the old settings.
func (s *Store) Update(ctx context.Context, profileID string, upd model.ProfileUpdate) (model.Profile, error) {
	var out model.Profile
	err := sqlite.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
            SELECT id, name, persona, model_id, settings, is_default, created_at, updated_at
            FROM profiles WHERE id = ?;`, profileID)
		p, err := scanProfile(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("profile %s: %w", profileID, model.ErrNotFound)
		}
		if err != nil {
			return err
		}

		if upd.Name != nil {
			name := strings.TrimSpace(*upd.Name)
			if name == "" {
				return fmt.Errorf("%w: profile name is required", model.ErrInvalid)
			}
			if taken, err := nameTaken(ctx, tx, name, p.ID); err != nil {
				return err
			} else if taken {
				return &model.DuplicateNameError{Name: name}
			}
			p.Name = name
		}
		if upd.Persona != nil {
			p.Persona = *upd.Persona
		}
		if upd.ModelID != nil {
			p.ModelID = *upd.ModelID
		}
		if upd.Settings != nil {
			p.Settings = maps.Clone(upd.Settings)
		}
		p.UpdatedAt = sqlite.Time(sqlite.Nanos(s.now()))

		settings, err := sqlite.EncodeJSON(p.Settings)
		if err != nil {
			return fmt.Errorf("%w: settings: %v", model.ErrInvalid, err)
		}
		if _, err := tx.ExecContext(ctx, `
            UPDATE profiles SET name = ?, persona = ?, model_id = ?, settings = ?, updated_at = ?
            WHERE id = ?;
        `, p.Name, p.Persona, p.ModelID, settings, sqlite.Nanos(p.UpdatedAt), p.ID); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		name := ""
		if upd.Name != nil {
			name = *upd.Name
		}
		return model.Profile{}, mapErr("update profile", name, err)
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, profileID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM profiles WHERE id = ?;`, profileID)
	if err != nil {
		return model.Storage("delete profile", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return model.Storage("delete profile", err)
	} else if n == 0 {
		return fmt.Errorf("profile %s: %w", profileID, model.ErrNotFound)
	}
	return nil
}

// SetDefault marks profileID as the only default profile.
func (s *Store) SetDefault(ctx context.Context, profileID string) error {
	err := sqlite.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM profiles WHERE id = ?;`, profileID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("profile %s: %w", profileID, model.ErrNotFound)
		}
		_, err := tx.ExecContext(ctx, `UPDATE profiles SET is_default = (id = ?);`, profileID)
		return err
	})
	return model.Storage("set default profile", err)
}

func nameTaken(ctx context.Context, tx *sql.Tx, name, exceptID string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM profiles WHERE name = ? AND id <> ?;`, name, exceptID).Scan(&n)
	return n > 0, err
}

// mapErr turns a unique violation on name into DuplicateNameError.
func mapErr(op, name string, err error) error {
	var dup *model.DuplicateNameError
	if errors.As(err, &dup) {
		return err
	}
	var se sqlite3.Error
	if errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique {
		return &model.DuplicateNameError{Name: name}
	}
	return model.Storage(op, err)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProfile(sc scanner) (model.Profile, error) {
	var (
		p                model.Profile
		settings         sql.NullString
		created, updated int64
	)
	if err := sc.Scan(&p.ID, &p.Name, &p.Persona, &p.ModelID, &settings, &p.IsDefault, &created, &updated); err != nil {
		return model.Profile{}, err
	}
	if err := sqlite.DecodeJSON(settings, &p.Settings); err != nil {
		return model.Profile{}, err
	}
	p.CreatedAt = sqlite.Time(created)
	p.UpdatedAt = sqlite.Time(updated)
	return p, nil
}

var _ model.ProfileStore = (*Store)(nil)
