package usecase

import (
	"fmt"
	"sort"
	"strings"

	"writeoff-bot/internal/domain"
)

// dateLabelFormat is the date half of timeLabelFormat; it keys the daily
// report.
const dateLabelFormat = "02.01.2006"

// optionLabelMax caps button labels; longer names are cut on a rune
// boundary.
const optionLabelMax = 30

func truncateLabel(s string) string {
	r := []rune(s)
	if len(r) <= optionLabelMax {
		return s
	}
	return string(r[:optionLabelMax])
}

func cancelOption() domain.Option {
	return domain.Option{Label: "Отмена", Value: "cancel"}
}

func menuOptions() []domain.Option {
	return []domain.Option{
		{Label: "Списать в iiko", Value: "begin:writeoff"},
		{Label: "Переместить между складами", Value: "begin:transfer"},
		{Label: "История операций", Value: "show:history"},
	}
}

func entryOptions(entries []domain.CatalogEntry, verb string, max int) []domain.Option {
	if max > 0 && len(entries) > max {
		entries = entries[:max]
	}
	opts := make([]domain.Option, 0, len(entries)+1)
	for _, e := range entries {
		opts = append(opts, domain.Option{
			Label: truncateLabel(e.Name),
			Value: verb + ":" + e.ID,
		})
	}
	return append(opts, cancelOption())
}

// formatItems renders one line per item: matched items show the catalog
// name, unmatched ones carry a warning marker when matching was possible
// at all.
func formatItems(items []domain.ParsedItem, matchingEnabled bool) string {
	var b strings.Builder
	for _, it := range items {
		name := it.Name
		if it.MatchedName != "" {
			name = it.MatchedName
		}
		switch {
		case it.ParseError:
			fmt.Fprintf(&b, "- %s (не распознано)\n", it.Name)
		case it.ProductID == "" && matchingEnabled:
			fmt.Fprintf(&b, "- %s %s %s ⚠️\n", name, formatAmount(it.Amount), it.Unit)
		default:
			fmt.Fprintf(&b, "- %s %s %s\n", name, formatAmount(it.Amount), it.Unit)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatAmount(v float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.3f", v), "0"), ".")
}

func joinNames(items []domain.ParsedItem) string {
	lines := make([]string, 0, len(items))
	for _, it := range items {
		lines = append(lines, "- "+it.Name)
	}
	return strings.Join(lines, "\n")
}

func statusEmoji(status string) string {
	switch status {
	case domain.StatusOK:
		return "✅"
	case domain.StatusError:
		return "❌"
	case domain.StatusSent:
		return "📤"
	default:
		return "⏳"
	}
}

func kindLabel(kind domain.OperationKind) string {
	if kind == domain.OpTransfer {
		return "Перемещение"
	}
	return "Списание"
}

func formatHistory(rows []domain.AuditRecord) string {
	var b strings.Builder
	b.WriteString("Последние операции:\n\n")
	for _, row := range rows {
		fmt.Fprintf(&b, "%s %s — %s\n", statusEmoji(row.Status), row.Timestamp, kindLabel(row.Kind))
		fmt.Fprintf(&b, "Склад: %s\n", row.StoreName)
		if row.AccountName != "" {
			fmt.Fprintf(&b, "Счёт: %s\n", row.AccountName)
		}
		if raw := row.RawText; raw != "" {
			r := []rune(raw)
			if len(r) > 50 {
				raw = string(r[:50]) + "..."
			}
			b.WriteString(raw + "\n")
		}
		if doc := firstNonEmpty(row.DocNumber, row.DocID); doc != "" {
			fmt.Fprintf(&b, "Документ: %s\n", doc)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatSummary(s Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Отчёт за %s\n\nВсего операций: %d\n", s.DateLabel, s.Total)
	if len(s.ByStatus) > 0 {
		b.WriteString("\nПо статусам:\n")
		writeCounts(&b, s.ByStatus)
	}
	if len(s.ByStore) > 0 {
		b.WriteString("\nПо складам:\n")
		writeCounts(&b, s.ByStore)
	}
	if len(s.ByAccount) > 0 {
		b.WriteString("\nПо счетам:\n")
		writeCounts(&b, s.ByAccount)
	}
	return strings.TrimRight(b.String(), "\n")
}

func writeCounts(b *strings.Builder, counts map[string]int) {
	for _, key := range SortedCountKeys(counts) {
		fmt.Fprintf(b, "- %s: %d\n", key, counts[key])
	}
}

// SortedCountKeys returns the keys of a count map in lexical order, for
// stable rendering.
func SortedCountKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func otherStores(stores []domain.CatalogEntry, excludeID string) []domain.CatalogEntry {
	out := make([]domain.CatalogEntry, 0, len(stores))
	for _, s := range stores {
		if s.ID != excludeID {
			out = append(out, s)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
