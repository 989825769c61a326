package extract

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

// PreviewTable returns up to maxRows rows of a tabular data file rendered as
// tab-separated lines, header first. Like Text, unreadable files report
// absence instead of an error.
func PreviewTable(path string, maxRows int) (string, bool) {
	if maxRows <= 0 {
		maxRows = 20
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return previewCSV(path, maxRows)
	case ".xlsx", ".xls":
		return previewExcel(path, maxRows)
	default:
		return "", false
	}
}

func previewCSV(path string, maxRows int) (string, bool) {
	file, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	var lines []string
	for len(lines) < maxRows {
		record, err := reader.Read()
		if err != nil {
			break
		}
		lines = append(lines, strings.Join(record, "\t"))
	}
	if len(lines) == 0 {
		return "", false
	}
	return strings.Join(lines, "\n"), true
}

func previewExcel(path string, maxRows int) (string, bool) {
	file, err := excelize.OpenFile(path)
	if err != nil {
		return "", false
	}
	defer file.Close()

	sheets := file.GetSheetList()
	if len(sheets) == 0 {
		return "", false
	}
	rows, err := file.GetRows(sheets[0])
	if err != nil {
		return "", false
	}
	var lines []string
	for _, row := range rows {
		if len(lines) >= maxRows {
			break
		}
		lines = append(lines, strings.Join(row, "\t"))
	}
	if len(lines) == 0 {
		return "", false
	}
	return strings.Join(lines, "\n"), true
}
