package vector

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToJSON(t *testing.T) {
	assert.Equal(t, "[]", toJSON(nil))
	assert.Equal(t, "[0.5,-1,2.25]", toJSON([]float64{0.5, -1, 2.25}))
}

func TestDisabledStoreIsNoop(t *testing.T) {
	ctx := context.Background()
	var nilStore *Store
	assert.False(t, nilStore.Enabled())

	s := New(nil, false, 4)
	require.NoError(t, s.UpsertEmbedding(ctx, TurnRef{ConversationID: "c", Seq: 1}, []float64{1}))
	refs, err := s.Search(ctx, []float64{1, 2, 3, 4}, 5)
	require.NoError(t, err)
	assert.Empty(t, refs)
	require.NoError(t, s.DeleteConversation(ctx, "c"))
}

func TestCheckDim(t *testing.T) {
	s := New(nil, true, 3)
	assert.Error(t, s.checkDim(nil))
	assert.Error(t, s.checkDim([]float64{1, 2}))
	assert.NoError(t, s.checkDim([]float64{1, 2, 3}))
}

func TestHashEmbedder(t *testing.T) {
	ctx := context.Background()
	e := NewHashEmbedder(8)

	a, err := e.EmbedText(ctx, "hello")
	require.NoError(t, err)
	b, err := e.EmbedText(ctx, "hello")
	require.NoError(t, err)
	c, err := e.EmbedText(ctx, "goodbye")
	require.NoError(t, err)

	require.Len(t, a, 8)
	assert.Equal(t, a, b, "deterministic")
	assert.NotEqual(t, a, c)

	var sum float64
	for _, v := range a {
		sum += v * v
	}
	assert.InDelta(t, 1.0, math.Sqrt(sum), 1e-9)

	def, err := NewHashEmbedder(0).EmbedText(ctx, "")
	require.NoError(t, err)
	assert.Len(t, def, 256)
}

func TestHashEmbedderSharedWordsAreCloser(t *testing.T) {
	ctx := context.Background()
	e := NewHashEmbedder(256)
	dot := func(a, b []float64) float64 {
		var s float64
		for i := range a {
			s += a[i] * b[i]
		}
		return s
	}

	q, err := e.EmbedText(ctx, "Lahore weather")
	require.NoError(t, err)
	near, err := e.EmbedText(ctx, "I live in Lahore.")
	require.NoError(t, err)
	far, err := e.EmbedText(ctx, "quantum physics homework")
	require.NoError(t, err)

	assert.Greater(t, dot(q, near), dot(q, far))

	upper, err := e.EmbedText(ctx, "LAHORE, weather!")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, dot(q, upper), 1e-9, "case and punctuation are ignored")
}
