package export

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"writeoff-bot/internal/usecase"
)

const (
	summarySheet = "Сводка"
	rowsSheet    = "Операции"
)

// WriteDailySummary renders one day's aggregate into an xlsx workbook: a
// summary sheet with the per-status, per-store and per-account counts,
// and a second sheet listing the recent journal rows.
func WriteDailySummary(path string, s usecase.Summary) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("export: path must not be empty")
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return fmt.Errorf("export: rename sheet: %w", err)
	}
	if err := writeSummarySheet(f, s); err != nil {
		return err
	}
	if err := writeRowsSheet(f, s); err != nil {
		return err
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("export: save workbook: %w", err)
	}
	return nil
}

func writeSummarySheet(f *excelize.File, s usecase.Summary) error {
	row := 1
	set := func(col string, r int, v any) error {
		return f.SetCellValue(summarySheet, fmt.Sprintf("%s%d", col, r), v)
	}

	if err := set("A", row, "Отчёт за "+s.DateLabel); err != nil {
		return fmt.Errorf("export: summary sheet: %w", err)
	}
	row += 2
	if err := set("A", row, "Всего операций"); err != nil {
		return err
	}
	if err := set("B", row, s.Total); err != nil {
		return err
	}
	row += 2

	for _, section := range []struct {
		title  string
		counts map[string]int
	}{
		{"По статусам", s.ByStatus},
		{"По складам", s.ByStore},
		{"По счетам", s.ByAccount},
	} {
		if len(section.counts) == 0 {
			continue
		}
		if err := set("A", row, section.title); err != nil {
			return err
		}
		row++
		for _, key := range usecase.SortedCountKeys(section.counts) {
			if err := set("A", row, key); err != nil {
				return err
			}
			if err := set("B", row, section.counts[key]); err != nil {
				return err
			}
			row++
		}
		row++
	}
	return nil
}

func writeRowsSheet(f *excelize.File, s usecase.Summary) error {
	if _, err := f.NewSheet(rowsSheet); err != nil {
		return fmt.Errorf("export: rows sheet: %w", err)
	}

	header := []any{"Время", "Операция", "Склад", "Счёт", "Текст", "Документ", "Статус", "Ошибка"}
	if err := f.SetSheetRow(rowsSheet, "A1", &header); err != nil {
		return fmt.Errorf("export: rows header: %w", err)
	}

	for i, rec := range s.Recent {
		doc := rec.DocNumber
		if doc == "" {
			doc = rec.DocID
		}
		row := []any{
			rec.Timestamp,
			string(rec.Kind),
			rec.StoreName,
			rec.AccountName,
			rec.RawText,
			doc,
			rec.Status,
			rec.ErrorMsg,
		}
		cell := fmt.Sprintf("A%d", i+2)
		if err := f.SetSheetRow(rowsSheet, cell, &row); err != nil {
			return fmt.Errorf("export: row %d: %w", i+2, err)
		}
	}
	return nil
}
