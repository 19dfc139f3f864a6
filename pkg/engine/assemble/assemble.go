// Package assemble builds the bounded context payload sent with a model call.
//
// Sections always appear in the same order: persona, facts, history, input.
// Sizes are measured per item with a Counter; separators added by Render are
// not counted.
package assemble

import (
	"fmt"
	"maps"
	"sort"
	"strings"

	"github.com/johncui/chatmem/pkg/model"
)

// SectionKind names a payload section.
type SectionKind string

const (
	SectionPersona SectionKind = "persona"
	SectionFacts   SectionKind = "facts"
	SectionHistory SectionKind = "history"
	SectionInput   SectionKind = "input"
)

// Section is one ordered block of context text.
type Section struct {
	Kind  SectionKind `json:"kind"`
	Items []string    `json:"items"`
}

// Document is transient extracted text that accompanies the user input.
// It is never persisted.
type Document struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// Budget bounds a payload. Zero FactBudget or TurnBudget means "up to Max".
type Budget struct {
	Max        int `json:"max" yaml:"max"`
	FactBudget int `json:"fact_budget" yaml:"fact_budget"`
	TurnBudget int `json:"turn_budget" yaml:"turn_budget"`
	// FactFloor is reserved for facts before turns are packed.
	FactFloor int `json:"fact_floor" yaml:"fact_floor"`
	// MinTurns most recent turns must fit or assembly fails.
	MinTurns int `json:"min_turns" yaml:"min_turns"`
	// WindowTurns caps how many turns are read from the log.
	WindowTurns int `json:"window_turns" yaml:"window_turns"`
}

// DefaultBudget is sized in runes.
func DefaultBudget() Budget {
	return Budget{
		Max:         8000,
		FactBudget:  2000,
		TurnBudget:  6000,
		FactFloor:   200,
		MinTurns:    1,
		WindowTurns: 50,
	}
}

// Validate rejects budgets that cannot produce a payload.
func (b Budget) Validate() error {
	switch {
	case b.Max <= 0:
		return fmt.Errorf("%w: max context size must be positive", model.ErrInvalid)
	case b.FactBudget < 0 || b.TurnBudget < 0 || b.FactFloor < 0 || b.MinTurns < 0 || b.WindowTurns < 0:
		return fmt.Errorf("%w: context budgets must not be negative", model.ErrInvalid)
	}
	return nil
}

// Request carries everything one assembly needs.
type Request struct {
	Profile   model.Profile
	Facts     map[string]model.Fact
	Window    model.Window
	Input     string
	Documents []Document
}

// Stats summarizes what the payload kept.
type Stats struct {
	Max           int `json:"max"`
	Size          int `json:"size"`
	Fixed         int `json:"fixed"`
	FactsIncluded int `json:"facts_included"`
	FactsSkipped  int `json:"facts_skipped"`
	TurnsIncluded int `json:"turns_included"`
	TurnsSkipped  int `json:"turns_skipped"`
}

// Payload is the assembled context.
type Payload struct {
	ProfileID string            `json:"profile_id,omitempty"`
	ModelID   string            `json:"model_id,omitempty"`
	Settings  map[string]string `json:"settings,omitempty"`
	Sections  []Section         `json:"sections"`
	Facts     []model.Fact      `json:"facts"`
	Turns     []model.Turn      `json:"turns"`
	Stats     Stats             `json:"stats"`
}

// Size is the counted size of all items.
func (p *Payload) Size() int { return p.Stats.Size }

// Render joins sections with blank lines and items with newlines.
func (p *Payload) Render() string {
	var parts []string
	for _, s := range p.Sections {
		if len(s.Items) == 0 {
			continue
		}
		parts = append(parts, strings.Join(s.Items, "\n"))
	}
	return strings.Join(parts, "\n\n")
}

// Assembler packs requests into payloads under a fixed budget.
type Assembler struct {
	budget  Budget
	counter Counter
}

func New(b Budget, c Counter) (*Assembler, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	if c == nil {
		c = Runes{}
	}
	return &Assembler{budget: b, counter: c}, nil
}

// Budget returns the configured budget.
func (a *Assembler) Budget() Budget { return a.budget }

// Assemble builds the payload for req or fails with ContextTooLargeError
// when persona, input, the fact floor and the MinTurns newest turns cannot
// fit in Max together. No partial payload is returned on error.
func (a *Assembler) Assemble(req Request) (*Payload, error) {
	b := a.budget

	inputItems := []string{req.Input}
	for _, d := range req.Documents {
		inputItems = append(inputItems, renderDocument(d))
	}
	var personaItems []string
	if req.Profile.Persona != "" {
		personaItems = []string{req.Profile.Persona}
	}
	fixed := a.sum(personaItems) + a.sum(inputItems)

	facts := sortFacts(req.Facts)
	factItems := make([]string, len(facts))
	factCosts := make([]int, len(facts))
	totalFacts := 0
	for i, f := range facts {
		factItems[i] = renderFact(f)
		factCosts[i] = a.counter.Count(factItems[i])
		totalFacts += factCosts[i]
	}

	turns, err := collect(req.Window)
	if err != nil {
		return nil, err
	}
	turnItems := make([]string, len(turns))
	turnCosts := make([]int, len(turns))
	for i, t := range turns {
		turnItems[i] = renderTurn(t)
		turnCosts[i] = a.counter.Count(turnItems[i])
	}

	factBudget := capOrMax(b.FactBudget, b.Max)
	turnBudget := capOrMax(b.TurnBudget, b.Max)

	factFloor := min(b.FactFloor, factBudget, totalFacts)
	turnFloor := 0
	for i := len(turns) - 1; i >= 0 && len(turns)-i <= b.MinTurns; i-- {
		turnFloor += turnCosts[i]
	}
	if fixed+factFloor+turnFloor > b.Max {
		return nil, &model.ContextTooLargeError{Max: b.Max, Fixed: fixed, FactFloor: factFloor, TurnFloor: turnFloor}
	}

	// Turns fill what the fact floor leaves, newest first, whole turns only.
	turnAllowance := max(turnFloor, min(turnBudget, b.Max-fixed-factFloor))
	start, turnsUsed := len(turns), 0
	for i := len(turns) - 1; i >= 0; i-- {
		if turnsUsed+turnCosts[i] > turnAllowance {
			break
		}
		turnsUsed += turnCosts[i]
		start = i
	}

	// Facts take the remainder in recency order. A fact too large for what
	// is left is skipped so older, smaller facts can still use the floor.
	factAllowance := min(factBudget, b.Max-fixed-turnsUsed)
	var keptFacts []model.Fact
	var keptItems []string
	factsUsed := 0
	for i, f := range facts {
		if factsUsed+factCosts[i] > factAllowance {
			continue
		}
		factsUsed += factCosts[i]
		keptFacts = append(keptFacts, f)
		keptItems = append(keptItems, factItems[i])
	}
	nFacts := len(keptFacts)

	p := &Payload{
		ProfileID: req.Profile.ID,
		ModelID:   req.Profile.ModelID,
		Settings:  maps.Clone(req.Profile.Settings),
		Sections: []Section{
			{Kind: SectionPersona, Items: personaItems},
			{Kind: SectionFacts, Items: keptItems},
			{Kind: SectionHistory, Items: turnItems[start:]},
			{Kind: SectionInput, Items: inputItems},
		},
		Facts: keptFacts,
		Turns: turns[start:],
		Stats: Stats{
			Max:           b.Max,
			Size:          fixed + factsUsed + turnsUsed,
			Fixed:         fixed,
			FactsIncluded: nFacts,
			FactsSkipped:  len(facts) - nFacts,
			TurnsIncluded: len(turns) - start,
			TurnsSkipped:  start,
		},
	}
	return p, nil
}

func (a *Assembler) sum(items []string) int {
	n := 0
	for _, s := range items {
		n += a.counter.Count(s)
	}
	return n
}

func collect(w model.Window) ([]model.Turn, error) {
	if w == nil {
		return nil, nil
	}
	var out []model.Turn
	for t, err := range w {
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// sortFacts orders facts newest first, key ascending on ties.
func sortFacts(m map[string]model.Fact) []model.Fact {
	out := make([]model.Fact, 0, len(m))
	for _, f := range m {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].Key < out[j].Key
	})
	return out
}

func capOrMax(v, limit int) int {
	if v <= 0 || v > limit {
		return limit
	}
	return v
}

func renderFact(f model.Fact) string {
	return f.Key + "=" + f.Value
}

func renderTurn(t model.Turn) string {
	return string(t.Role) + ": " + t.Content
}

func renderDocument(d Document) string {
	if d.Name == "" {
		return d.Text
	}
	return "[" + d.Name + "]\n" + d.Text
}
