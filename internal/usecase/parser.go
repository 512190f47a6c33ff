package usecase

import (
	"regexp"
	"strconv"
	"strings"

	"writeoff-bot/internal/domain"
)

// DefaultUnit is applied when a segment carries no recognized unit token
// and the caller knows of no better default.
const DefaultUnit = "кг"

// itemPattern matches one item segment: a name, whitespace, a number with
// "." or "," as decimal separator, and an optional unit token.
var itemPattern = regexp.MustCompile(`(?i)^(.+?)\s+([\d.,]+)\s*(кг|kg|г|g|л|l|шт|pcs)?$`)

// unitAliases maps latin unit tokens onto their canonical form.
var unitAliases = map[string]string{
	"kg":  "кг",
	"g":   "г",
	"l":   "л",
	"pcs": "шт",
}

// NormalizeUnit lowercases a unit token and folds latin aliases onto the
// canonical set. An empty token yields the fallback, or DefaultUnit when no
// fallback is known.
func NormalizeUnit(unit, fallback string) string {
	unit = strings.ToLower(strings.TrimSpace(unit))
	if unit == "" {
		if fallback != "" {
			return fallback
		}
		return DefaultUnit
	}
	if canonical, ok := unitAliases[unit]; ok {
		return canonical
	}
	return unit
}

// ParseItems splits free text into item positions. Segments are separated
// by ";" or newlines, trimmed, order preserved. A segment that does not
// match the grammar (or carries a non-positive amount) comes back with
// ParseError set, amount zero and the original fragment as the name.
func ParseItems(text string) []domain.ParsedItem {
	var items []domain.ParsedItem
	for _, part := range strings.FieldsFunc(text, func(r rune) bool { return r == ';' || r == '\n' }) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		m := itemPattern.FindStringSubmatch(part)
		if m == nil {
			items = append(items, errorItem(part))
			continue
		}

		amount, err := strconv.ParseFloat(strings.ReplaceAll(m[2], ",", "."), 64)
		if err != nil || amount <= 0 {
			items = append(items, errorItem(part))
			continue
		}

		items = append(items, domain.ParsedItem{
			Name:   strings.TrimSpace(m[1]),
			Amount: amount,
			Unit:   NormalizeUnit(m[3], ""),
		})
	}
	return items
}

func errorItem(segment string) domain.ParsedItem {
	return domain.ParsedItem{
		Name:       segment,
		Amount:     0,
		Unit:       DefaultUnit,
		ParseError: true,
	}
}
