package pipeline

import (
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

var spreadsheetMimes = map[string]bool{
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": true,
	"application/vnd.ms-excel": true,
}

func IsSpreadsheet(mimeType string) bool {
	return spreadsheetMimes[strings.ToLower(strings.TrimSpace(mimeType))]
}

// SpreadsheetText extracts cell text from a workbook, sheet by sheet.
// Spreadsheets bypass the OCR service: their text is already structured.
func SpreadsheetText(storagePath string) (string, error) {
	f, err := excelize.OpenFile(storagePath)
	if err != nil {
		return "", fmt.Errorf("open workbook: %w", err)
	}
	defer func() { _ = f.Close() }()

	var b strings.Builder
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return "", fmt.Errorf("read sheet %s: %w", sheet, err)
		}
		for _, row := range rows {
			line := strings.TrimSpace(strings.Join(row, "\t"))
			if line == "" {
				continue
			}
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	return b.String(), nil
}
