package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/sqlchat/sqlchat/internal/failure"
	"github.com/sqlchat/sqlchat/internal/query"
)

const (
	EngineName = "duckdb"
	Dialect    = "DuckDB"
)

var readers = map[query.Format]string{
	query.FormatCSV:     "read_csv_auto",
	query.FormatParquet: "read_parquet",
	query.FormatJSON:    "read_json_auto",
}

type Loader struct {
	// WorkDir holds the per-source database files; empty places them next
	// to the source file.
	WorkDir string
}

func NewLoader(workDir string) *Loader {
	return &Loader{WorkDir: workDir}
}

// Open materializes the file into a private DuckDB database, then reopens
// that database read-only with external file access disabled.
func (l *Loader) Open(ctx context.Context, source query.Source) (query.Database, error) {
	reader, ok := readers[source.Format]
	if !ok {
		return nil, failure.Data(fmt.Sprintf("the duckdb engine cannot read %s files", source.Format), nil)
	}
	if _, err := os.Stat(source.Path); err != nil {
		return nil, failure.Data("the uploaded file could not be read", err)
	}

	base := l.WorkDir
	if base == "" {
		base = filepath.Dir(source.Path)
	}
	workDir, err := os.MkdirTemp(base, "sqlchat-duckdb-")
	if err != nil {
		return nil, fmt.Errorf("create duckdb work dir: %w", err)
	}
	dbPath := filepath.Join(workDir, "source.duckdb")

	table := query.TableNameFor(source)
	if err := materialize(ctx, dbPath, table, reader, source.Path); err != nil {
		_ = os.RemoveAll(workDir)
		return nil, err
	}

	db, err := sql.Open("duckdb", dbPath+"?access_mode=read_only&enable_external_access=false")
	if err != nil {
		_ = os.RemoveAll(workDir)
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		_ = os.RemoveAll(workDir)
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	return &Database{db: db, workDir: workDir}, nil
}

func materialize(ctx context.Context, dbPath, table, reader, filePath string) error {
	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return fmt.Errorf("resolve source path: %w", err)
	}
	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return fmt.Errorf("open duckdb: %w", err)
	}
	defer func() { _ = db.Close() }()

	createSQL := fmt.Sprintf("CREATE TABLE %s AS SELECT * FROM %s(%s)", query.QuoteIdent(table), reader, query.QuoteString(absPath))
	if _, err := db.ExecContext(ctx, createSQL); err != nil {
		return failure.Data("the uploaded file could not be parsed", err)
	}
	return db.Close()
}

type Database struct {
	db      *sql.DB
	workDir string
}

func (d *Database) Dialect() string {
	return Dialect
}

func (d *Database) Execute(ctx context.Context, request query.Request) (query.Result, error) {
	return query.Run(ctx, d.db, EngineName, request)
}

func (d *Database) Describe(ctx context.Context, sampleRows int) (query.Schema, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT
			table_name,
			column_name,
			data_type,
			is_nullable
		FROM information_schema.columns
		WHERE table_schema = 'main'
		ORDER BY table_name, ordinal_position
	`)
	if err != nil {
		return query.Schema{}, failure.Data("could not read the database catalog", err)
	}
	defer func() { _ = rows.Close() }()

	var tables []query.Table
	for rows.Next() {
		var tableName, nullable string
		var col query.Column
		if err := rows.Scan(&tableName, &col.Name, &col.Type, &nullable); err != nil {
			return query.Schema{}, failure.Data("could not read the database catalog", err)
		}
		col.Nullable = nullable == "YES"
		if len(tables) == 0 || tables[len(tables)-1].Name != tableName {
			tables = append(tables, query.Table{Name: tableName})
		}
		last := &tables[len(tables)-1]
		last.Columns = append(last.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return query.Schema{}, failure.Data("could not read the database catalog", err)
	}
	if len(tables) == 0 {
		return query.Schema{}, failure.Data("the uploaded file contains no columns", nil)
	}

	tables, err = query.DescribeTables(ctx, d.db, tables, sampleRows)
	if err != nil {
		return query.Schema{}, failure.Data("could not sample the uploaded file", err)
	}
	return query.Schema{Dialect: Dialect, Tables: tables}, nil
}

func (d *Database) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	err := d.db.Close()
	if rmErr := os.RemoveAll(d.workDir); err == nil && rmErr != nil {
		err = fmt.Errorf("remove duckdb work dir: %w", rmErr)
	}
	return err
}
