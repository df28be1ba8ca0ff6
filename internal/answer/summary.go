package answer

import (
	"fmt"
	"strings"

	"github.com/sqlchat/sqlchat/internal/query"
)

const summaryColumns = 3

// Summarize reports the row count plus total and average of up to three
// numeric columns.
func Summarize(result query.Result) string {
	summary := fmt.Sprintf("Found %d record(s)", len(result.Rows))
	numeric := numericColumns(result)
	if len(numeric) == 0 {
		return summary
	}
	if len(numeric) > summaryColumns {
		numeric = numeric[:summaryColumns]
	}
	stats := make([]string, 0, len(numeric))
	for _, col := range numeric {
		total, count := 0.0, 0
		for _, row := range result.Rows {
			if value, ok := toFloat(row[col]); ok {
				total += value
				count++
			}
		}
		stats = append(stats, fmt.Sprintf("%s: total=%.2f, avg=%.2f", result.Columns[col], total, total/float64(count)))
	}
	return summary + "\nNumeric summary: " + strings.Join(stats, ", ")
}

// numericColumns lists columns whose non-null values are all numbers.
func numericColumns(result query.Result) []int {
	var out []int
	for col := range result.Columns {
		seen := false
		numeric := true
		for _, row := range result.Rows {
			if col >= len(row) || row[col] == nil {
				continue
			}
			if _, ok := toFloat(row[col]); !ok {
				numeric = false
				break
			}
			seen = true
		}
		if seen && numeric {
			out = append(out, col)
		}
	}
	return out
}

func toFloat(value any) (float64, bool) {
	switch typed := value.(type) {
	case int:
		return float64(typed), true
	case int8:
		return float64(typed), true
	case int16:
		return float64(typed), true
	case int32:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case uint8:
		return float64(typed), true
	case uint16:
		return float64(typed), true
	case uint32:
		return float64(typed), true
	case uint64:
		return float64(typed), true
	case float32:
		return float64(typed), true
	case float64:
		return typed, true
	default:
		return 0, false
	}
}
