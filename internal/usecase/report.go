package usecase

import (
	"context"
	"log/slog"

	"writeoff-bot/internal/domain"
)

// AuditReader is the read side of the audit store used by reports.
type AuditReader interface {
	QueryByUser(ctx context.Context, userID string, limit int) ([]domain.AuditRecord, error)
	QueryByDatePrefix(ctx context.Context, dateLabel string) ([]domain.AuditRecord, error)
}

// Summary is the aggregate over a day's audit rows.
type Summary struct {
	DateLabel string
	Total     int
	ByStatus  map[string]int
	ByStore   map[string]int
	ByAccount map[string]int
	Recent    []domain.AuditRecord
}

const summaryRecentN = 10

// Reporter computes read-only summaries over the audit store.
type Reporter struct {
	audit AuditReader
	log   *slog.Logger
}

func NewReporter(audit AuditReader, log *slog.Logger) *Reporter {
	if log == nil {
		log = slog.Default()
	}
	return &Reporter{audit: audit, log: log}
}

// Summarize reduces the rows stamped with the given date label into counts
// by status, store and account. A read failure is logged and degrades to a
// zero-valued summary; the caller never sees an error.
func (r *Reporter) Summarize(ctx context.Context, dateLabel string) Summary {
	s := Summary{
		DateLabel: dateLabel,
		ByStatus:  map[string]int{},
		ByStore:   map[string]int{},
		ByAccount: map[string]int{},
	}

	rows, err := r.audit.QueryByDatePrefix(ctx, dateLabel)
	if err != nil {
		r.log.Warn("report: audit read failed", "dateLabel", dateLabel, "err", err)
		return s
	}

	for _, row := range rows {
		s.Total++

		status := row.Status
		if status == "" {
			status = domain.StatusNew
		}
		s.ByStatus[status]++

		store := row.StoreName
		if store == "" {
			store = "Неизвестный склад"
		}
		s.ByStore[store]++

		account := row.AccountName
		if account == "" {
			account = "Без счёта"
		}
		s.ByAccount[account]++
	}

	if len(rows) > summaryRecentN {
		rows = rows[len(rows)-summaryRecentN:]
	}
	s.Recent = rows
	return s
}
