package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// Nanos converts t to the INTEGER representation stored in every timestamp column.
func Nanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

// Time is the inverse of Nanos.
func Time(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// EncodeJSON marshals v for a JSON column. Nil and empty values store NULL.
func EncodeJSON[T any](v T) (sql.NullString, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	if s := string(b); s == "null" || s == "{}" || s == "[]" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// DecodeJSON unmarshals a JSON column into dst; NULL leaves dst untouched.
func DecodeJSON(col sql.NullString, dst any) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(col.String), dst)
}

// WithTx runs fn in a transaction, committing on success.
func WithTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// EscapeLike escapes LIKE wildcards so term matches literally with ESCAPE '\'.
func EscapeLike(term string) string {
	out := make([]rune, 0, len(term))
	for _, r := range term {
		if r == '%' || r == '_' || r == '\\' {
			out = append(out, '\\')
		}
		out = append(out, r)
	}
	return string(out)
}
