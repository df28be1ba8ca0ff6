package answer

import (
	"fmt"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/sqlchat/sqlchat/internal/query"
)

// RenderTable draws at most maxRows rows and maxCols columns of a result and
// notes how many rows were left out.
func RenderTable(result query.Result, maxRows, maxCols int) string {
	if len(result.Rows) == 0 {
		return "No data to display."
	}

	cols := result.Columns
	if maxCols > 0 && len(cols) > maxCols {
		cols = cols[:maxCols]
	}

	t := table.NewWriter()
	t.SetStyle(table.StyleLight)

	headerRow := make(table.Row, len(cols))
	for i, col := range cols {
		headerRow[i] = col
	}
	t.AppendHeader(headerRow)

	shown := result.Rows
	if maxRows > 0 && len(shown) > maxRows {
		shown = shown[:maxRows]
	}
	for _, values := range shown {
		row := make(table.Row, len(cols))
		for i := range cols {
			if i < len(values) {
				row[i] = FormatValue(values[i])
			}
		}
		t.AppendRow(row)
	}

	out := t.Render()
	if hidden := len(result.Rows) - len(shown); hidden > 0 {
		out += fmt.Sprintf("\n... and %d more rows", hidden)
	}
	return out
}

func FormatValue(value any) string {
	switch typed := value.(type) {
	case nil:
		return "NULL"
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(typed), 'f', -1, 32)
	case time.Time:
		return typed.Format(time.RFC3339)
	case string:
		return typed
	default:
		return fmt.Sprint(typed)
	}
}
