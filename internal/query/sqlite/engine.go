package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	_ "modernc.org/sqlite"

	"github.com/sqlchat/sqlchat/internal/failure"
	"github.com/sqlchat/sqlchat/internal/query"
)

const (
	EngineName = "sqlite"
	Dialect    = "SQLite"
)

type Loader struct{}

func NewLoader() *Loader {
	return &Loader{}
}

func (l *Loader) Open(ctx context.Context, source query.Source) (query.Database, error) {
	switch source.Format {
	case query.FormatCSV:
		return loadCSV(ctx, source)
	case query.FormatSQLite:
		return openFile(ctx, source)
	case query.FormatSQLDump:
		return loadDump(ctx, source)
	default:
		return nil, failure.Data(fmt.Sprintf("the sqlite engine cannot read %s files", source.Format), nil)
	}
}

type Database struct {
	db *sql.DB
}

func (d *Database) Dialect() string {
	return Dialect
}

func (d *Database) Execute(ctx context.Context, request query.Request) (query.Result, error) {
	return query.Run(ctx, d.db, EngineName, request)
}

func (d *Database) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

func (d *Database) Describe(ctx context.Context, sampleRows int) (query.Schema, error) {
	names, err := listTables(ctx, d.db)
	if err != nil {
		return query.Schema{}, failure.Data("could not read the database catalog", err)
	}
	if len(names) == 0 {
		return query.Schema{}, failure.Data("the database contains no tables", nil)
	}

	tables := make([]query.Table, 0, len(names))
	for _, name := range names {
		columns, err := tableColumns(ctx, d.db, name)
		if err != nil {
			return query.Schema{}, failure.Data(fmt.Sprintf("could not read columns of table %q", name), err)
		}
		tables = append(tables, query.Table{Name: name, Columns: columns})
	}
	tables, err = query.DescribeTables(ctx, d.db, tables, sampleRows)
	if err != nil {
		return query.Schema{}, failure.Data("could not sample the database", err)
	}
	return query.Schema{Dialect: Dialect, Tables: tables}, nil
}

func openMemory() (*sql.DB, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open in-memory sqlite: %w", err)
	}
	// every pooled connection to :memory: is its own database
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)
	return db, nil
}

// freeze makes a loaded in-memory database read-only for the session.
func freeze(ctx context.Context, db *sql.DB) (*Database, error) {
	if _, err := db.ExecContext(ctx, "PRAGMA query_only = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set query_only: %w", err)
	}
	return &Database{db: db}, nil
}

// openFile opens an uploaded database read-only and checks that it is one.
func openFile(ctx context.Context, source query.Source) (*Database, error) {
	if _, err := os.Stat(source.Path); err != nil {
		return nil, failure.Data("the database file could not be read", err)
	}
	db, err := sql.Open("sqlite", "file:"+source.Path+"?mode=ro")
	if err != nil {
		return nil, failure.Data("the database file could not be opened", err)
	}
	names, err := listTables(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, failure.Data("the file is not a valid SQLite database", err)
	}
	if len(names) == 0 {
		_ = db.Close()
		return nil, failure.Data("the database contains no tables", nil)
	}
	return &Database{db: db}, nil
}

func listTables(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT name
		FROM sqlite_master
		WHERE type IN ('table', 'view') AND name NOT LIKE 'sqlite_%'
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func tableColumns(ctx context.Context, db *sql.DB, table string) ([]query.Column, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", query.QuoteIdent(table)))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var columns []query.Column
	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return nil, err
		}
		if colType == "" {
			colType = "ANY"
		}
		columns = append(columns, query.Column{
			Name:       name,
			Type:       colType,
			Nullable:   notNull == 0 && pk == 0,
			PrimaryKey: pk > 0,
		})
	}
	return columns, rows.Err()
}
