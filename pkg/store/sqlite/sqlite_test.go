package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCreatesSchema(t *testing.T) {
	ctx := context.Background()
	db, err := New(ctx, Config{Path: filepath.Join(t.TempDir(), "schema.db")})
	require.NoError(t, err)
	defer db.Close()

	assert.False(t, db.HasVSS())
	assert.Equal(t, 256, db.VectorDim())

	for _, table := range []string{"facts", "profiles", "conversations", "turns"} {
		var name string
		err := db.DB().QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		require.NoError(t, err, table)
	}
	var n int
	require.NoError(t, db.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE name = 'vss_turns'`).Scan(&n))
	assert.Zero(t, n)
}

func TestNewRequiresPath(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.Error(t, err)
}

func TestNewVSSNeedsExtension(t *testing.T) {
	t.Setenv("GO_SQLITE3_EXTENSIONS", "")
	_, err := New(context.Background(), Config{Path: filepath.Join(t.TempDir(), "vss.db"), EnableVSS: true})
	assert.Error(t, err)
}

func TestNewVSSMissingExtensionFile(t *testing.T) {
	_, err := New(context.Background(), Config{
		Path:           filepath.Join(t.TempDir(), "vss.db"),
		EnableVSS:      true,
		ExtensionsPath: "/nonexistent/vector0, /nonexistent/vss0",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load sqlite-vss extension")
	assert.NotContains(t, err.Error(), "not authorized")
}

func TestExtensionPaths(t *testing.T) {
	got, err := extensionPaths(" /lib/vector0 ,/lib/vss0,")
	require.NoError(t, err)
	assert.Equal(t, []string{"/lib/vector0", "/lib/vss0"}, got)

	t.Setenv("GO_SQLITE3_EXTENSIONS", "/env/vss0")
	got, err = extensionPaths("")
	require.NoError(t, err)
	assert.Equal(t, []string{"/env/vss0"}, got)

	a := extensionDriver([]string{"/lib/vss0"})
	assert.Equal(t, a, extensionDriver([]string{"/lib/vss0"}))
	assert.NotEqual(t, a, extensionDriver([]string{"/lib/other0"}))
}

func TestTurnsCascadeOnConversationDelete(t *testing.T) {
	ctx := context.Background()
	db, err := New(ctx, Config{Path: filepath.Join(t.TempDir(), "fk.db")})
	require.NoError(t, err)
	defer db.Close()

	_, err = db.DB().ExecContext(ctx, `INSERT INTO conversations(id, user_id, created_at, updated_at) VALUES ('c1', 'u1', 0, 0)`)
	require.NoError(t, err)
	_, err = db.DB().ExecContext(ctx, `INSERT INTO turns(conversation_id, seq, role, content, created_at) VALUES ('c1', 1, 'user', 'hi', 0)`)
	require.NoError(t, err)
	_, err = db.DB().ExecContext(ctx, `DELETE FROM conversations WHERE id = 'c1'`)
	require.NoError(t, err)

	var n int
	require.NoError(t, db.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM turns`).Scan(&n))
	assert.Zero(t, n)
}

func TestWithTxRollsBack(t *testing.T) {
	ctx := context.Background()
	db, err := New(ctx, Config{Path: filepath.Join(t.TempDir(), "tx.db")})
	require.NoError(t, err)
	defer db.Close()

	boom := errors.New("boom")
	err = WithTx(ctx, db.DB(), func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO facts(user_id, key, value, source, updated_at) VALUES ('u', 'k', 'v', 'user', 0)`); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var n int
	require.NoError(t, db.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM facts`).Scan(&n))
	assert.Zero(t, n)
}

func TestJSONColumns(t *testing.T) {
	col, err := EncodeJSON(map[string]string(nil))
	require.NoError(t, err)
	assert.False(t, col.Valid)
	col, err = EncodeJSON([]string{})
	require.NoError(t, err)
	assert.False(t, col.Valid)

	col, err = EncodeJSON(map[string]string{"a": "b"})
	require.NoError(t, err)
	require.True(t, col.Valid)

	var back map[string]string
	require.NoError(t, DecodeJSON(col, &back))
	assert.Equal(t, "b", back["a"])

	var untouched map[string]string
	require.NoError(t, DecodeJSON(sql.NullString{}, &untouched))
	assert.Nil(t, untouched)
}

func TestNanosRoundTrip(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 123456789, time.FixedZone("PKT", 5*3600))
	got := Time(Nanos(ts))
	assert.True(t, ts.Equal(got))
	assert.Equal(t, time.UTC, got.Location())
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `100\%`, EscapeLike("100%"))
	assert.Equal(t, `a\_b\\c`, EscapeLike(`a_b\c`))
	assert.Equal(t, "plain", EscapeLike("plain"))
}
