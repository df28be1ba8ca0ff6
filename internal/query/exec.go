package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/sqlchat/sqlchat/internal/failure"
	"github.com/sqlchat/sqlchat/internal/observability"
)

// Queryer is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Run executes a read statement for the named engine and collects the rows.
// With a positive row limit the statement is wrapped to fetch one extra row
// so truncation can be reported.
func Run(ctx context.Context, q Queryer, engine string, request Request) (Result, error) {
	sqlText := StripTrailingSemicolons(request.SQL)
	if sqlText == "" {
		return Result{}, failure.Query(request.SQL, fmt.Errorf("sql is required"))
	}
	if request.RowLimit > 0 {
		sqlText = fmt.Sprintf("SELECT * FROM (\n%s\n) AS q LIMIT %d", sqlText, request.RowLimit+1)
	}

	start := time.Now()
	rows, err := q.QueryContext(ctx, sqlText)
	if err != nil {
		return Result{}, executionError(ctx, request.SQL, err)
	}
	defer func() { _ = rows.Close() }()

	columns, resultRows, err := ScanRows(rows)
	if err != nil {
		return Result{}, executionError(ctx, request.SQL, err)
	}

	truncated := false
	if request.RowLimit > 0 && len(resultRows) > request.RowLimit {
		resultRows = resultRows[:request.RowLimit]
		truncated = true
	}
	elapsed := time.Since(start)
	observability.ObserveQueryExecution(engine, elapsed)

	return Result{
		Columns:   columns,
		Rows:      resultRows,
		Truncated: truncated,
		Duration:  elapsed,
	}, nil
}

func ScanRows(rows *sql.Rows) ([]string, [][]any, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, fmt.Errorf("query columns: %w", err)
	}

	resultRows := make([][]any, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return nil, nil, fmt.Errorf("scan row: %w", err)
		}
		resultRows = append(resultRows, NormalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate rows: %w", err)
	}
	return columns, resultRows, nil
}

func executionError(ctx context.Context, sqlText string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &failure.Error{Kind: failure.KindTimeout, Message: "query execution timed out", SQL: sqlText, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("execute query: %w", err)
	}
	return failure.Query(sqlText, err)
}

type float64er interface {
	Float64() float64
}

// NormalizeValues converts driver values into JSON-friendly Go values.
func NormalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		normalized[i] = NormalizeValue(value)
	}
	return normalized
}

func NormalizeValue(value any) any {
	switch typed := value.(type) {
	case []byte:
		return string(typed)
	case *big.Int:
		if typed == nil {
			return nil
		}
		if typed.IsInt64() {
			return typed.Int64()
		}
		return typed.String()
	case float64er:
		return typed.Float64()
	default:
		return typed
	}
}

// DescribeTables fills sample rows and row counts for tables whose columns
// are already known.
func DescribeTables(ctx context.Context, q Queryer, tables []Table, sampleRows int) ([]Table, error) {
	out := make([]Table, 0, len(tables))
	for _, table := range tables {
		ident := QuoteQualified(table.Name)
		count, err := countRows(ctx, q, ident)
		if err != nil {
			return nil, fmt.Errorf("count rows in %q: %w", table.Name, err)
		}
		table.RowCount = count
		table.SampleRows = [][]any{}
		if sampleRows > 0 {
			rows, err := q.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s LIMIT %d", ident, sampleRows))
			if err != nil {
				return nil, fmt.Errorf("sample rows from %q: %w", table.Name, err)
			}
			_, samples, err := ScanRows(rows)
			_ = rows.Close()
			if err != nil {
				return nil, fmt.Errorf("sample rows from %q: %w", table.Name, err)
			}
			table.SampleRows = samples
		}
		out = append(out, table)
	}
	return out, nil
}

func countRows(ctx context.Context, q Queryer, ident string) (int64, error) {
	rows, err := q.QueryContext(ctx, "SELECT COUNT(*) FROM "+ident)
	if err != nil {
		return 0, err
	}
	defer func() { _ = rows.Close() }()
	var count int64
	if rows.Next() {
		if err := rows.Scan(&count); err != nil {
			return 0, err
		}
	}
	return count, rows.Err()
}

func QuoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}

// QuoteQualified quotes each dot-separated part of a table name.
func QuoteQualified(value string) string {
	parts := strings.Split(value, ".")
	for i, part := range parts {
		parts[i] = QuoteIdent(part)
	}
	return strings.Join(parts, ".")
}

func QuoteString(value string) string {
	return `'` + strings.ReplaceAll(value, `'`, `''`) + `'`
}

func StripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}
