package assemble

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johncui/chatmem/pkg/model"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func window(turns ...model.Turn) model.Window {
	return func(yield func(model.Turn, error) bool) {
		for _, t := range turns {
			if !yield(t, nil) {
				return
			}
		}
	}
}

func userTurns(contents ...string) []model.Turn {
	out := make([]model.Turn, len(contents))
	for i, c := range contents {
		out[i] = model.Turn{Seq: int64(i + 1), Role: model.RoleUser, Content: c}
	}
	return out
}

func fact(key, value string, age time.Duration) model.Fact {
	return model.Fact{UserID: "u1", Key: key, Value: value, Source: model.SourceUser, UpdatedAt: base.Add(-age)}
}

func mustAssembler(t *testing.T, b Budget) *Assembler {
	t.Helper()
	a, err := New(b, Runes{})
	require.NoError(t, err)
	return a
}

func TestAssembleOrdersSections(t *testing.T) {
	a := mustAssembler(t, DefaultBudget())
	p, err := a.Assemble(Request{
		Profile: model.Profile{ID: "p1", Persona: "You are helpful", ModelID: "model-a"},
		Facts:   map[string]model.Fact{"name": fact("name", "Ali", 0)},
		Window: window(
			model.Turn{Seq: 1, Role: model.RoleUser, Content: "hi"},
			model.Turn{Seq: 2, Role: model.RoleAssistant, Content: "hello"},
		),
		Input: "how are you?",
	})
	require.NoError(t, err)

	kinds := make([]SectionKind, len(p.Sections))
	for i, s := range p.Sections {
		kinds[i] = s.Kind
	}
	assert.Equal(t, []SectionKind{SectionPersona, SectionFacts, SectionHistory, SectionInput}, kinds)

	out := p.Render()
	order := []string{"You are helpful", "name=Ali", "user: hi", "assistant: hello", "how are you?"}
	last := -1
	for _, s := range order {
		i := strings.Index(out, s)
		require.GreaterOrEqual(t, i, 0, "missing %q", s)
		assert.Greater(t, i, last, "%q out of order", s)
		last = i
	}

	assert.Equal(t, "p1", p.ProfileID)
	assert.Equal(t, "model-a", p.ModelID)
	assert.Equal(t, 2, p.Stats.TurnsIncluded)
	assert.Equal(t, 1, p.Stats.FactsIncluded)
	assert.Equal(t, p.Size(), computedSize(p, Runes{}))
}

func TestAssembleTooLarge(t *testing.T) {
	a := mustAssembler(t, Budget{Max: 10, MinTurns: 1})
	p, err := a.Assemble(Request{
		Profile: model.Profile{Persona: "0123456789ab"},
		Window:  window(userTurns("hello")...),
		Input:   "x",
	})
	assert.Nil(t, p)

	var tooLarge *model.ContextTooLargeError
	require.True(t, errors.As(err, &tooLarge), "got %v", err)
	assert.Equal(t, 10, tooLarge.Max)
	assert.Equal(t, 13, tooLarge.Fixed)
	assert.Equal(t, len("user: hello"), tooLarge.TurnFloor)
	assert.Equal(t, 13+11, tooLarge.Required())
}

func TestAssembleFactFloorTakesPriority(t *testing.T) {
	facts := map[string]model.Fact{
		"a": fact("a", "123456", 0),
		"b": fact("b", "123456", time.Hour),
	}
	turns := userTurns("aaaa", "bbbb", "cccc", "dddd", "eeee")

	withFloor := mustAssembler(t, Budget{Max: 30, FactFloor: 10, MinTurns: 1})
	p, err := withFloor.Assemble(Request{Facts: facts, Window: window(turns...), Input: "q"})
	require.NoError(t, err)
	assert.Equal(t, 2, p.Stats.FactsIncluded)
	assert.Equal(t, 1, p.Stats.TurnsIncluded)
	assert.Equal(t, "eeee", p.Turns[0].Content, "newest turn kept")
	assert.Equal(t, 27, p.Size())

	noFloor := mustAssembler(t, Budget{Max: 30, MinTurns: 1})
	p, err = noFloor.Assemble(Request{Facts: facts, Window: window(turns...), Input: "q"})
	require.NoError(t, err)
	assert.Equal(t, 2, p.Stats.TurnsIncluded)
	assert.Equal(t, 1, p.Stats.FactsIncluded)
	assert.Equal(t, "a", p.Facts[0].Key, "most recent fact kept")
	assert.Equal(t, 29, p.Size())
}

func TestAssembleFactFloorSkipsOversizedFact(t *testing.T) {
	facts := map[string]model.Fact{
		"bio":  fact("bio", strings.Repeat("b", 296), 0),
		"name": fact("name", "Ali", time.Hour),
	}
	contents := make([]string, 40)
	for i := range contents {
		contents[i] = fmt.Sprintf("message %06d", i)
	}

	a := mustAssembler(t, Budget{Max: 500, FactFloor: 200, MinTurns: 1})
	p, err := a.Assemble(Request{Facts: facts, Window: window(userTurns(contents...)...), Input: "q"})
	require.NoError(t, err)
	require.Len(t, p.Facts, 1)
	assert.Equal(t, "name", p.Facts[0].Key)
	assert.Equal(t, 1, p.Stats.FactsSkipped)
	assert.Equal(t, 14, p.Stats.TurnsIncluded)
	assert.Equal(t, 289, p.Size())
	assert.LessOrEqual(t, p.Size(), 500)
}

func TestAssembleKeepsTurnsChronological(t *testing.T) {
	a := mustAssembler(t, Budget{Max: 40, MinTurns: 1})
	p, err := a.Assemble(Request{
		Window: window(userTurns("aaaa", "bbbb", "cccc", "dddd", "eeee")...),
		Input:  "q",
	})
	require.NoError(t, err)

	require.Len(t, p.Turns, 3)
	assert.Equal(t, []int64{3, 4, 5}, []int64{p.Turns[0].Seq, p.Turns[1].Seq, p.Turns[2].Seq})
	assert.Equal(t, 2, p.Stats.TurnsSkipped)
}

func TestAssembleTurnBudget(t *testing.T) {
	a := mustAssembler(t, Budget{Max: 100, TurnBudget: 25, MinTurns: 1})
	p, err := a.Assemble(Request{
		Window: window(userTurns("aaaa", "bbbb", "cccc", "dddd")...),
		Input:  "q",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, p.Stats.TurnsIncluded)
}

func TestAssembleNeverExceedsMax(t *testing.T) {
	facts := map[string]model.Fact{}
	for i := 0; i < 12; i++ {
		k := fmt.Sprintf("k%02d", i)
		facts[k] = fact(k, strings.Repeat("v", i+1), time.Duration(i)*time.Minute)
	}
	var contents []string
	for i := 0; i < 30; i++ {
		contents = append(contents, strings.Repeat("t", (i*7)%23+1))
	}
	turns := userTurns(contents...)

	for _, counter := range []Counter{Runes{}, Tokens{}} {
		for limit := 5; limit <= 400; limit += 7 {
			a, err := New(Budget{Max: limit, FactBudget: limit / 3, TurnBudget: limit / 2, FactFloor: 10, MinTurns: 1}, counter)
			require.NoError(t, err)

			p, err := a.Assemble(Request{
				Profile: model.Profile{Persona: "persona"},
				Facts:   facts,
				Window:  window(turns...),
				Input:   "input",
			})
			if err != nil {
				var tooLarge *model.ContextTooLargeError
				require.True(t, errors.As(err, &tooLarge), "max=%d: %v", limit, err)
				assert.Greater(t, tooLarge.Required(), limit)
				continue
			}
			assert.LessOrEqual(t, p.Size(), limit, "max=%d", limit)
			assert.Equal(t, computedSize(p, counter), p.Size(), "max=%d", limit)
		}
	}
}

func TestAssembleDocumentsJoinInput(t *testing.T) {
	a := mustAssembler(t, DefaultBudget())
	p, err := a.Assemble(Request{
		Input:     "summarize this",
		Documents: []Document{{Name: "notes.txt", Text: "buy milk"}},
	})
	require.NoError(t, err)

	input := p.Sections[3]
	assert.Equal(t, SectionInput, input.Kind)
	assert.Equal(t, []string{"summarize this", "[notes.txt]\nbuy milk"}, input.Items)
	assert.Equal(t, Runes{}.Count("summarize this")+Runes{}.Count("[notes.txt]\nbuy milk"), p.Stats.Fixed)
}

func TestAssembleFactOrdering(t *testing.T) {
	a := mustAssembler(t, DefaultBudget())
	p, err := a.Assemble(Request{
		Facts: map[string]model.Fact{
			"old": fact("old", "1", time.Hour),
			"zed": fact("zed", "2", 0),
			"abc": fact("abc", "3", 0),
		},
		Input: "q",
	})
	require.NoError(t, err)
	require.Len(t, p.Facts, 3)
	assert.Equal(t, []string{"abc", "zed", "old"}, []string{p.Facts[0].Key, p.Facts[1].Key, p.Facts[2].Key})
}

func TestAssembleWindowError(t *testing.T) {
	boom := errors.New("disk gone")
	a := mustAssembler(t, DefaultBudget())
	p, err := a.Assemble(Request{
		Window: func(yield func(model.Turn, error) bool) { yield(model.Turn{}, boom) },
		Input:  "q",
	})
	assert.Nil(t, p)
	assert.ErrorIs(t, err, boom)
}

func TestNewRejectsBadBudget(t *testing.T) {
	_, err := New(Budget{}, nil)
	assert.ErrorIs(t, err, model.ErrInvalid)
	_, err = New(Budget{Max: 10, FactFloor: -1}, nil)
	assert.ErrorIs(t, err, model.ErrInvalid)
}

func TestCounters(t *testing.T) {
	assert.Equal(t, 5, Runes{}.Count("héllo"))
	assert.Equal(t, 0, Tokens{}.Count(""))
	assert.Equal(t, 1, Tokens{}.Count("abcd"))
	assert.Equal(t, 2, Tokens{}.Count("abcde"))
	assert.IsType(t, Tokens{}, CounterFor("tokens"))
	assert.IsType(t, Runes{}, CounterFor("runes"))
	assert.IsType(t, Runes{}, CounterFor(""))
}

func computedSize(p *Payload, c Counter) int {
	n := 0
	for _, s := range p.Sections {
		for _, item := range s.Items {
			n += c.Count(item)
		}
	}
	return n
}
