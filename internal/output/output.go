package output

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

type Table struct {
	Columns []string
	Rows    [][]string
}

// ParseFormat accepts json, table or csv. Empty means json.
func ParseFormat(format string) (string, error) {
	switch value := strings.ToLower(strings.TrimSpace(format)); value {
	case "", "json":
		return "json", nil
	case "table", "csv":
		return value, nil
	default:
		return "", fmt.Errorf("unsupported format %q (use json, table or csv)", format)
	}
}

func PrintJSON(w io.Writer, value any) error {
	encoded, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}

	_, err = w.Write(append(encoded, '\n'))
	return err
}

func PrintTable(w io.Writer, table Table) {
	if len(table.Columns) == 0 {
		return
	}

	widths := make([]int, len(table.Columns))
	for i, col := range table.Columns {
		widths[i] = len(col)
	}

	for _, row := range table.Rows {
		for i, cell := range row {
			if i >= len(widths) {
				break
			}
			if len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	writeRow := func(values []string) {
		for i, value := range values {
			if i > 0 {
				fmt.Fprint(w, "  ")
			}
			fmt.Fprint(w, padRight(value, widths[i]))
		}
		fmt.Fprint(w, "\n")
	}

	writeRow(table.Columns)
	separators := make([]string, len(table.Columns))
	for i, width := range widths {
		separators[i] = strings.Repeat("-", width)
	}
	writeRow(separators)

	for _, row := range table.Rows {
		normalized := make([]string, len(table.Columns))
		copy(normalized, row)
		writeRow(normalized)
	}
}

func PrintCSV(w io.Writer, table Table) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(table.Columns); err != nil {
		return err
	}

	for _, row := range table.Rows {
		if err := writer.Write(row); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// Print writes table for the table and csv formats and payload otherwise.
// A payload that cannot be tabulated falls back to JSON.
func Print(w io.Writer, format string, payload any) error {
	if format == "table" || format == "csv" {
		if table, ok := TableFrom(payload); ok {
			if format == "csv" {
				return PrintCSV(w, table)
			}
			PrintTable(w, table)
			return nil
		}
	}
	return PrintJSON(w, payload)
}

// TableFrom lays out a Table as-is, a list of objects as one row per object
// with the union of their keys as columns, or a single object as one row.
func TableFrom(payload any) (Table, bool) {
	switch v := payload.(type) {
	case Table:
		return v, len(v.Columns) > 0
	case *Table:
		if v == nil {
			return Table{}, false
		}
		return *v, len(v.Columns) > 0
	case map[string]any:
		return recordsTable([]any{v})
	case []any:
		return recordsTable(v)
	default:
		return Table{}, false
	}
}

func recordsTable(records []any) (Table, bool) {
	keys := map[string]struct{}{}
	for _, record := range records {
		fields, ok := record.(map[string]any)
		if !ok {
			return Table{}, false
		}
		for key := range fields {
			keys[key] = struct{}{}
		}
	}
	if len(keys) == 0 {
		return Table{}, false
	}

	columns := make([]string, 0, len(keys))
	for key := range keys {
		columns = append(columns, key)
	}
	sort.Strings(columns)

	rows := make([][]string, 0, len(records))
	for _, record := range records {
		fields := record.(map[string]any)
		row := make([]string, len(columns))
		for i, column := range columns {
			row[i] = formatCell(fields[column])
		}
		rows = append(rows, row)
	}
	return Table{Columns: columns, Rows: rows}, true
}

func formatCell(value any) string {
	if value == nil {
		return ""
	}

	switch v := value.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	case map[string]any, []any:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(encoded)
	default:
		return fmt.Sprint(value)
	}
}

func padRight(value string, width int) string {
	if len(value) >= width {
		return value
	}
	return value + strings.Repeat(" ", width-len(value))
}
