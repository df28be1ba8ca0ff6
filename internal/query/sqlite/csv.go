package sqlite

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"github.com/sqlchat/sqlchat/internal/failure"
	"github.com/sqlchat/sqlchat/internal/query"
)

const (
	typeInteger = "INTEGER"
	typeReal    = "REAL"
	typeText    = "TEXT"
)

type csvTable struct {
	columns []string
	types   []string
	rows    [][]string
}

// loadCSV copies a CSV file into a private in-memory database and then
// switches that database to query_only.
func loadCSV(ctx context.Context, source query.Source) (*Database, error) {
	text, err := readText(source.Path)
	if err != nil {
		return nil, failure.Data("the CSV file could not be read", err)
	}

	parsed, err := parseCSV(strings.NewReader(text))
	if err != nil {
		return nil, err
	}

	db, err := openMemory()
	if err != nil {
		return nil, err
	}
	if err := parsed.load(ctx, db, query.TableNameFor(source)); err != nil {
		_ = db.Close()
		return nil, err
	}
	return freeze(ctx, db)
}

// readText reads a text upload. Files that are not valid UTF-8 are decoded
// as Windows-1252, which covers Latin-1 exports from spreadsheets.
func readText(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if utf8.Valid(raw) {
		return string(raw), nil
	}
	decoded, err := charmap.Windows1252.NewDecoder().Bytes(raw)
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}

func parseCSV(r io.Reader) (csvTable, error) {
	reader := csv.NewReader(r)

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return csvTable{}, failure.Data("the CSV file is empty", nil)
	}
	if err != nil {
		return csvTable{}, failure.Data("the CSV file is malformed", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	var records [][]string
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return csvTable{}, failure.Data("the CSV file is malformed", err)
		}
		records = append(records, record)
	}

	types := make([]string, len(header))
	for col := range header {
		types[col] = inferType(records, col)
	}
	return csvTable{columns: query.UniqueNames(header), types: types, rows: records}, nil
}

func inferType(records [][]string, col int) string {
	sawValue := false
	isInt, isReal := true, true
	for _, record := range records {
		cell := strings.TrimSpace(record[col])
		if cell == "" {
			continue
		}
		sawValue = true
		if isInt {
			if _, err := strconv.ParseInt(cell, 10, 64); err != nil {
				isInt = false
			}
		}
		if isReal && !isInt && !isFinite(cell) {
			isReal = false
		}
		if !isInt && !isReal {
			return typeText
		}
	}
	switch {
	case !sawValue:
		return typeText
	case isInt:
		return typeInteger
	default:
		return typeReal
	}
}

func isFinite(cell string) bool {
	lower := strings.ToLower(cell)
	if strings.Contains(lower, "inf") || strings.Contains(lower, "nan") {
		return false
	}
	_, err := strconv.ParseFloat(cell, 64)
	return err == nil
}

func (t csvTable) load(ctx context.Context, db *sql.DB, table string) error {
	defs := make([]string, len(t.columns))
	placeholders := make([]string, len(t.columns))
	for i, name := range t.columns {
		defs[i] = query.QuoteIdent(name) + " " + t.types[i]
		placeholders[i] = "?"
	}
	ident := query.QuoteIdent(table)
	if _, err := db.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", ident, strings.Join(defs, ", "))); err != nil {
		return fmt.Errorf("create table %q: %w", table, err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin load: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s VALUES (%s)", ident, strings.Join(placeholders, ", ")))
	if err != nil {
		return fmt.Errorf("prepare load: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	args := make([]any, len(t.columns))
	for _, record := range t.rows {
		for i, cell := range record {
			args[i] = convertCell(cell, t.types[i])
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("insert row: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit load: %w", err)
	}
	return nil
}

func convertCell(cell, columnType string) any {
	trimmed := strings.TrimSpace(cell)
	if trimmed == "" {
		return nil
	}
	switch columnType {
	case typeInteger:
		value, _ := strconv.ParseInt(trimmed, 10, 64)
		return value
	case typeReal:
		value, _ := strconv.ParseFloat(trimmed, 64)
		return value
	default:
		return cell
	}
}
