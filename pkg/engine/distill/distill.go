package distill

import (
	"context"
	"regexp"
	"strings"

	"github.com/johncui/chatmem/pkg/model"
)

// Metadata keys that state a fact explicitly.
const (
	MetaFactKey   = "fact_key"
	MetaFactValue = "fact_value"
)

// maxValueLen caps extracted values; longer captures are cut at a word boundary.
const maxValueLen = 80

// Distiller converts buffered observations into inferred facts.
type Distiller interface {
	Distill(ctx context.Context, obs []model.Observation) ([]model.Fact, error)
}

type rule struct {
	key string
	re  *regexp.Regexp
}

// HeuristicDistiller is a lightweight distiller using phrase rules.
type HeuristicDistiller struct {
	rules []rule
}

func NewHeuristic() *HeuristicDistiller {
	return &HeuristicDistiller{rules: []rule{
		{"name", regexp.MustCompile(`(?i)\bmy name is\s+([^.,!?\n]+)`)},
		{"name", regexp.MustCompile(`(?i)\bcall me\s+([^.,!?\n]+)`)},
		{"preference", regexp.MustCompile(`(?i)\bi prefer\s+([^.!?\n]+)`)},
		{"goal", regexp.MustCompile(`(?i)\bmy goal is\s+(?:to\s+)?([^.!?\n]+)`)},
		{"likes", regexp.MustCompile(`(?i)\bi (?:really )?like\s+([^.!?\n]+)`)},
		{"location", regexp.MustCompile(`(?i)\bi live in\s+([^.,!?\n]+)`)},
		{"language", regexp.MustCompile(`(?i)\bi speak\s+([^.,!?\n]+)`)},
	}}
}

// Distill derives facts per observation:
// - If metadata carries fact_key/fact_value, use them verbatim.
// - Otherwise apply the phrase rules; the first match per key wins within one observation.
// Later observations override earlier ones for the same user and key.
func (h *HeuristicDistiller) Distill(_ context.Context, obs []model.Observation) ([]model.Fact, error) {
	type slot struct{ user, key string }
	index := make(map[slot]int)
	var facts []model.Fact

	put := func(f model.Fact) {
		s := slot{f.UserID, f.Key}
		if i, ok := index[s]; ok {
			facts[i] = f
			return
		}
		index[s] = len(facts)
		facts = append(facts, f)
	}

	for _, o := range obs {
		if o.UserID == "" {
			continue
		}
		key := strings.TrimSpace(o.Metadata[MetaFactKey])
		value := strings.TrimSpace(o.Metadata[MetaFactValue])
		if key != "" && value != "" {
			put(model.Fact{UserID: o.UserID, Key: key, Value: value, Source: model.SourceInferred})
			continue
		}

		seen := make(map[string]bool)
		for _, r := range h.rules {
			if seen[r.key] {
				continue
			}
			m := r.re.FindStringSubmatch(o.Content)
			if m == nil {
				continue
			}
			v := clean(m[1])
			if v == "" {
				continue
			}
			seen[r.key] = true
			put(model.Fact{UserID: o.UserID, Key: r.key, Value: v, Source: model.SourceInferred})
		}
	}
	return facts, nil
}

func clean(v string) string {
	v = strings.TrimSpace(v)
	v = strings.TrimRight(v, " \t'\"")
	runes := []rune(v)
	if len(runes) <= maxValueLen {
		return v
	}
	cut := string(runes[:maxValueLen])
	if i := strings.LastIndexByte(cut, ' '); i > 0 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut)
}
