package assemble

import "unicode/utf8"

// Counter sizes a piece of context text in budget units.
type Counter interface {
	Count(text string) int
}

// Runes counts Unicode code points. It is exact and the default.
type Runes struct{}

func (Runes) Count(text string) int { return utf8.RuneCountInString(text) }

// Tokens estimates model tokens at ~4 bytes per token, rounded up.
// Good enough for budget comparison, not billing-accurate.
type Tokens struct{}

func (Tokens) Count(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + 3) / 4
}

// CounterFor maps a configured unit name to a Counter. Unknown names fall back to Runes.
func CounterFor(unit string) Counter {
	switch unit {
	case "tokens":
		return Tokens{}
	default:
		return Runes{}
	}
}
