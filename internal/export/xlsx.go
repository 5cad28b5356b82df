// Package export renders job results as spreadsheets.
package export

import (
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/jo-hoe/bulkgen/internal/jobs"
)

const (
	SheetItems   = "Items"
	SheetSummary = "Summary"

	// excel rejects cells longer than this
	maxCellChars = 32767
)

var itemHeaders = []string{
	"Item ID",
	"Name",
	"Features",
	"Platform",
	"Status",
	"Output",
	"Error",
	"Started At",
	"Finished At",
}

// JobXLSX returns an XLSX workbook (as bytes) with one row per item and a summary sheet.
func JobXLSX(job *jobs.Job) ([]byte, error) {
	if job == nil {
		return nil, fmt.Errorf("export: nil job")
	}
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	// rename the default sheet instead of leaving an empty Sheet1 behind
	if err := f.SetSheetName(f.GetSheetName(0), SheetItems); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	if _, err := f.NewSheet(SheetSummary); err != nil {
		return nil, fmt.Errorf("add summary sheet: %w", err)
	}
	itemsIndex, _ := f.GetSheetIndex(SheetItems)
	f.SetActiveSheet(itemsIndex)

	for i, h := range itemHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(SheetItems, cell, h)
	}

	for idx, it := range job.Items {
		row := idx + 2
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(SheetItems, cell, v)
		}
		write(1, it.ID)
		write(2, it.Input.Name)
		write(3, it.Input.Features)
		write(4, it.Input.Platform)
		write(5, string(it.Status))
		write(6, clip(deref(it.Output)))
		write(7, clip(deref(it.ErrorMessage)))
		write(8, formatTime(it.StartedAt))
		write(9, formatTime(it.FinishedAt))
	}

	_ = f.SetColWidth(SheetItems, "A", "A", 34) // id
	_ = f.SetColWidth(SheetItems, "B", "B", 28) // name
	_ = f.SetColWidth(SheetItems, "C", "C", 40) // features
	_ = f.SetColWidth(SheetItems, "D", "E", 14) // platform, status
	_ = f.SetColWidth(SheetItems, "F", "F", 80) // output
	_ = f.SetColWidth(SheetItems, "G", "G", 48) // error
	_ = f.SetColWidth(SheetItems, "H", "I", 22) // timestamps

	summary := [][2]any{
		{"Job ID", job.ID},
		{"Owner", job.Owner},
		{"Status", string(job.Status)},
		{"Total", job.TotalCount},
		{"Completed", job.CompletedCount},
		{"Failed", job.FailedCount},
		{"Created At", job.CreatedAt.UTC().Format(time.RFC3339)},
		{"Completed At", formatTime(job.CompletedAt)},
	}
	for i, kv := range summary {
		_ = f.SetCellValue(SheetSummary, fmt.Sprintf("A%d", i+1), kv[0])
		_ = f.SetCellValue(SheetSummary, fmt.Sprintf("B%d", i+1), kv[1])
	}
	_ = f.SetColWidth(SheetSummary, "A", "A", 16)
	_ = f.SetColWidth(SheetSummary, "B", "B", 40)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}

// FileName suggests a download name for the job's workbook.
func FileName(job *jobs.Job) string {
	return job.ID + ".xlsx"
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func clip(s string) string {
	r := []rune(s)
	if len(r) <= maxCellChars {
		return s
	}
	return string(r[:maxCellChars])
}
