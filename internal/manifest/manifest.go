package manifest

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/mohammad-safakhou/deedflow/config"
)

// Plot is one unit of batch work: an opaque identifier plus the spreadsheet
// row it came from, for diagnostics. The ordered plot sequence is fixed for
// a run.
type Plot struct {
	ID  string
	Row int
}

// Load reads the ordered plot list from the configured workbook. Absence of
// a usable column or of any plot rows is a configuration error, surfaced
// before any browser work starts.
func Load(cfg config.ManifestConfig) ([]Plot, error) {
	rows, err := readRows(cfg)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("manifest %s is empty", cfg.Path)
	}

	col := cfg.ColumnIndex - 1
	start := 0
	if cfg.HasHeaderRow {
		start = 1
	}
	if col < 0 {
		if !cfg.HasHeaderRow {
			return nil, fmt.Errorf("manifest %s: column_index required when there is no header row", cfg.Path)
		}
		col = matchHeader(rows[0], cfg.HeaderMatch)
		if col < 0 {
			return nil, fmt.Errorf("manifest %s: no column header matching %q", cfg.Path, cfg.HeaderMatch)
		}
	}

	var plots []Plot
	for i := start; i < len(rows); i++ {
		row := rows[i]
		if col >= len(row) {
			continue
		}
		id := strings.TrimSpace(row[col])
		if id == "" {
			continue
		}
		plots = append(plots, Plot{ID: id, Row: i + 1})
	}
	if len(plots) == 0 {
		return nil, fmt.Errorf("manifest %s: no plot identifiers in column %d", cfg.Path, col+1)
	}
	return plots, nil
}

func readRows(cfg config.ManifestConfig) ([][]string, error) {
	switch strings.ToLower(filepath.Ext(cfg.Path)) {
	case ".csv":
		return readCSV(cfg.Path)
	default:
		return readWorkbook(cfg.Path, cfg.Sheet)
	}
}

func readWorkbook(path, sheet string) ([][]string, error) {
	book, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest %s: %w", path, err)
	}
	defer book.Close()
	if strings.TrimSpace(sheet) == "" {
		sheet = book.GetSheetName(0)
	}
	rows, err := book.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheet, err)
	}
	return rows, nil
}

func readCSV(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest %s: %w", path, err)
	}
	defer f.Close()
	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	return rows, nil
}

func matchHeader(header []string, match string) int {
	needle := strings.ToLower(strings.TrimSpace(match))
	for i, cell := range header {
		if strings.Contains(strings.ToLower(strings.TrimSpace(cell)), needle) {
			return i
		}
	}
	return -1
}
