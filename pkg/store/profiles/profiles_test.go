package profiles

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johncui/chatmem/pkg/model"
	"github.com/johncui/chatmem/pkg/store/memlog"
	"github.com/johncui/chatmem/pkg/store/sqlite"
)

func newManager(t *testing.T) (*Manager, model.ConversationLog) {
	t.Helper()
	db, err := sqlite.New(context.Background(), sqlite.Config{Path: filepath.Join(t.TempDir(), "profiles.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log := memlog.New()
	return NewManager(NewStore(db.DB()), log, nil), log
}

func ptr[T any](v T) *T { return &v }

func TestCreateDuplicateName(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)

	p, err := m.Create(ctx, "coder", "You write Go.", "deepseek-coder", map[string]string{"temperature": "0.2"})
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, "0.2", p.Settings["temperature"])

	_, err = m.Create(ctx, "  coder ", "other", "gpt", nil)
	var dup *model.DuplicateNameError
	require.True(t, errors.As(err, &dup), "got %v", err)
	assert.Equal(t, "coder", dup.Name)

	_, err = m.Create(ctx, "", "x", "y", nil)
	assert.ErrorIs(t, err, model.ErrInvalid)

	list, err := m.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)

	a, err := m.Create(ctx, "a", "persona a", "m1", map[string]string{"k": "v"})
	require.NoError(t, err)
	_, err = m.Create(ctx, "b", "persona b", "m2", nil)
	require.NoError(t, err)

	got, err := m.Update(ctx, a.ID, model.ProfileUpdate{Persona: ptr("new persona"), Name: ptr("a")})
	require.NoError(t, err)
	assert.Equal(t, "new persona", got.Persona)
	assert.Equal(t, "m1", got.ModelID)
	assert.Equal(t, map[string]string{"k": "v"}, got.Settings, "nil settings keep the old ones")

	_, err = m.Update(ctx, a.ID, model.ProfileUpdate{Name: ptr("b")})
	var dup *model.DuplicateNameError
	assert.True(t, errors.As(err, &dup))

	_, err = m.Update(ctx, "missing", model.ProfileUpdate{Persona: ptr("x")})
	assert.ErrorIs(t, err, model.ErrNotFound)

	stored, err := m.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "a", stored.Name)
}

func TestDeleteInUse(t *testing.T) {
	ctx := context.Background()
	m, log := newManager(t)

	p, err := m.Create(ctx, "tutor", "", "", nil)
	require.NoError(t, err)
	other, err := m.Create(ctx, "other", "", "", nil)
	require.NoError(t, err)
	c, err := log.Create(ctx, "u1", "", p.ID)
	require.NoError(t, err)

	err = m.Delete(ctx, p.ID)
	var inUse *model.InUseError
	require.True(t, errors.As(err, &inUse), "got %v", err)
	assert.Equal(t, []string{c.ID}, inUse.Conversations)

	_, err = m.Get(ctx, p.ID)
	require.NoError(t, err, "profile must survive a refused delete")

	require.NoError(t, m.Switch(ctx, c.ID, other.ID))
	require.NoError(t, m.Delete(ctx, p.ID))
	_, err = m.Get(ctx, p.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)

	assert.ErrorIs(t, m.Delete(ctx, p.ID), model.ErrNotFound)
}

func TestSwitchLeavesHistoryUntouched(t *testing.T) {
	ctx := context.Background()
	m, log := newManager(t)

	a, err := m.Create(ctx, "a", "", "", nil)
	require.NoError(t, err)
	b, err := m.Create(ctx, "b", "", "", nil)
	require.NoError(t, err)
	c, err := log.Create(ctx, "u1", "", a.ID)
	require.NoError(t, err)
	for _, content := range []string{"one", "two", "three"} {
		_, err := log.Append(ctx, c.ID, model.Turn{Role: model.RoleUser, Content: content})
		require.NoError(t, err)
	}

	require.NoError(t, m.Switch(ctx, c.ID, b.ID))

	var contents []string
	for turn, err := range log.ReadWindow(ctx, c.ID, 10) {
		require.NoError(t, err)
		contents = append(contents, turn.Content)
	}
	assert.Equal(t, []string{"one", "two", "three"}, contents)

	got, err := log.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ActiveProfileID)

	assert.ErrorIs(t, m.Switch(ctx, c.ID, "missing"), model.ErrNotFound)
	got, err = log.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ActiveProfileID, "failed switch keeps the old binding")

	assert.ErrorIs(t, m.Switch(ctx, "missing", a.ID), model.ErrNotFound)
}

func TestCheckBindable(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)

	release, err := m.CheckBindable(ctx, "")
	require.NoError(t, err)
	release()

	_, err = m.CheckBindable(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)

	p, err := m.Create(ctx, "p", "", "", nil)
	require.NoError(t, err)
	release, err = m.CheckBindable(ctx, p.ID)
	require.NoError(t, err)
	release()
}

func TestDefaultAndResolve(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)

	_, ok, err := m.Resolve(ctx, model.Conversation{ID: "c1"})
	require.NoError(t, err)
	assert.False(t, ok)

	def, err := m.EnsureDefault(ctx, "Be helpful.", "deepseek-chat")
	require.NoError(t, err)
	assert.Equal(t, DefaultName, def.Name)
	assert.True(t, def.IsDefault)

	again, err := m.EnsureDefault(ctx, "ignored", "ignored")
	require.NoError(t, err)
	assert.Equal(t, def.ID, again.ID)

	p, err := m.Create(ctx, "pirate", "Arr.", "m", nil)
	require.NoError(t, err)

	got, ok, err := m.Resolve(ctx, model.Conversation{ID: "c1"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, def.ID, got.ID)

	got, ok, err = m.Resolve(ctx, model.Conversation{ID: "c1", ActiveProfileID: p.ID})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Arr.", got.Persona)

	require.NoError(t, m.SetDefault(ctx, p.ID))
	cur, err := m.Default(ctx)
	require.NoError(t, err)
	assert.Equal(t, p.ID, cur.ID)

	old, err := m.Get(ctx, def.ID)
	require.NoError(t, err)
	assert.False(t, old.IsDefault, "only one default profile")

	assert.ErrorIs(t, m.SetDefault(ctx, "missing"), model.ErrNotFound)
}

func TestExportImport(t *testing.T) {
	ctx := context.Background()
	src, _ := newManager(t)
	dst, _ := newManager(t)

	p, err := src.Create(ctx, "writer", "You write poems.", "m1", map[string]string{"top_p": "0.9"})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, src.Export(ctx, p.ID, &buf))
	doc := buf.String()
	assert.Contains(t, doc, `"name": "writer"`)

	imported, err := dst.Import(ctx, strings.NewReader(doc), false)
	require.NoError(t, err)
	assert.Equal(t, p.ID, imported.ID)
	assert.Equal(t, "You write poems.", imported.Persona)
	assert.Equal(t, "0.9", imported.Settings["top_p"])

	_, err = dst.Import(ctx, strings.NewReader(doc), false)
	assert.ErrorIs(t, err, model.ErrInvalid)

	_, err = src.Update(ctx, p.ID, model.ProfileUpdate{Persona: ptr("You write haiku.")})
	require.NoError(t, err)
	buf.Reset()
	require.NoError(t, src.Export(ctx, p.ID, &buf))

	updated, err := dst.Import(ctx, &buf, true)
	require.NoError(t, err)
	assert.Equal(t, "You write haiku.", updated.Persona)

	_, err = dst.Import(ctx, strings.NewReader("{not json"), false)
	assert.ErrorIs(t, err, model.ErrInvalid)

	assert.ErrorIs(t, src.Export(ctx, "missing", &buf), model.ErrNotFound)
}

func TestImportKeepsDefaultFlag(t *testing.T) {
	ctx := context.Background()
	src, _ := newManager(t)
	dst, _ := newManager(t)

	def, err := src.EnsureDefault(ctx, "Be helpful.", "m1")
	require.NoError(t, err)
	existing, err := dst.EnsureDefault(ctx, "Local.", "m2")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, src.Export(ctx, def.ID, &buf))
	doc := strings.Replace(buf.String(), `"name": "default"`, `"name": "imported"`, 1)

	imported, err := dst.Import(ctx, strings.NewReader(doc), false)
	require.NoError(t, err)
	assert.True(t, imported.IsDefault)

	cur, err := dst.Default(ctx)
	require.NoError(t, err)
	assert.Equal(t, def.ID, cur.ID)
	old, err := dst.Get(ctx, existing.ID)
	require.NoError(t, err)
	assert.False(t, old.IsDefault)
}
