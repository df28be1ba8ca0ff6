package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sqlchat/sqlchat/internal/failure"
	"github.com/sqlchat/sqlchat/internal/query"
)

const (
	EngineName = "postgres"
	Dialect    = "PostgreSQL"
)

const describeSQL = `
SELECT
	c.table_schema,
	c.table_name,
	c.column_name,
	c.data_type,
	c.is_nullable,
	pk.column_name IS NOT NULL AS is_primary_key
FROM information_schema.columns c
JOIN information_schema.tables t
	ON t.table_schema = c.table_schema AND t.table_name = c.table_name
LEFT JOIN (
	SELECT kcu.table_schema, kcu.table_name, kcu.column_name
	FROM information_schema.table_constraints tc
	JOIN information_schema.key_column_usage kcu
		ON kcu.constraint_name = tc.constraint_name AND kcu.table_schema = tc.table_schema
	WHERE tc.constraint_type = 'PRIMARY KEY'
) pk ON pk.table_schema = c.table_schema AND pk.table_name = c.table_name AND pk.column_name = c.column_name
WHERE c.table_schema NOT IN ('pg_catalog', 'information_schema')
	AND t.table_type IN ('BASE TABLE', 'VIEW')
ORDER BY c.table_schema, c.table_name, c.ordinal_position`

// Loader opens the configured, named postgres sources. Users pick a source
// by name; DSNs never come from requests.
type Loader struct {
	sources      map[string]string
	maxOpenConns int
}

func NewLoader(sources map[string]string, maxOpenConns int) *Loader {
	copied := make(map[string]string, len(sources))
	for name, dsn := range sources {
		copied[name] = dsn
	}
	return &Loader{sources: copied, maxOpenConns: maxOpenConns}
}

func (l *Loader) Names() []string {
	names := make([]string, 0, len(l.sources))
	for name := range l.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (l *Loader) Open(ctx context.Context, source query.Source) (query.Database, error) {
	if source.Format != query.FormatPostgres {
		return nil, failure.Data(fmt.Sprintf("the postgres engine cannot read %s sources", source.Format), nil)
	}
	dsn, ok := l.sources[source.Name]
	if !ok {
		return nil, failure.Data(fmt.Sprintf("unknown postgres source %q", source.Name), nil)
	}
	db, err := Open(ctx, DBConfig{DSN: dsn, MaxOpenConns: l.maxOpenConns, ConnMaxIdleTime: 5 * time.Minute})
	if err != nil {
		return nil, failure.Data(fmt.Sprintf("could not connect to postgres source %q", source.Name), err)
	}
	return New(db), nil
}

type Database struct {
	db *sql.DB
}

func New(db *sql.DB) *Database {
	return &Database{db: db}
}

func (d *Database) Dialect() string {
	return Dialect
}

func (d *Database) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Execute runs the statement in a read-only transaction that is always
// rolled back.
func (d *Database) Execute(ctx context.Context, request query.Request) (query.Result, error) {
	var result query.Result
	err := d.readOnly(ctx, func(tx *sql.Tx) error {
		var err error
		result, err = query.Run(ctx, tx, EngineName, request)
		return err
	})
	if err != nil {
		if _, typed := failure.As(err); typed {
			return query.Result{}, err
		}
		return query.Result{}, failure.Query(request.SQL, err)
	}
	return result, nil
}

func (d *Database) Describe(ctx context.Context, sampleRows int) (query.Schema, error) {
	var tables []query.Table
	err := d.readOnly(ctx, func(tx *sql.Tx) error {
		var err error
		tables, err = describeColumns(ctx, tx)
		if err != nil {
			return err
		}
		if len(tables) == 0 {
			return nil
		}
		tables, err = query.DescribeTables(ctx, tx, tables, sampleRows)
		return err
	})
	if err != nil {
		return query.Schema{}, failure.Data("could not describe the postgres source", err)
	}
	if len(tables) == 0 {
		return query.Schema{}, failure.Data("the postgres source contains no tables", nil)
	}
	return query.Schema{Dialect: Dialect, Tables: tables}, nil
}

func (d *Database) readOnly(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin read-only transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "SET TRANSACTION READ ONLY"); err != nil {
		return fmt.Errorf("set transaction read only: %w", err)
	}
	return fn(tx)
}

func describeColumns(ctx context.Context, tx *sql.Tx) ([]query.Table, error) {
	rows, err := tx.QueryContext(ctx, describeSQL)
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tables []query.Table
	for rows.Next() {
		var (
			schemaName, tableName, nullable string
			col                             query.Column
		)
		if err := rows.Scan(&schemaName, &tableName, &col.Name, &col.Type, &nullable, &col.PrimaryKey); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		col.Nullable = strings.EqualFold(nullable, "YES")
		name := tableName
		if schemaName != "public" {
			name = schemaName + "." + tableName
		}
		if len(tables) == 0 || tables[len(tables)-1].Name != name {
			tables = append(tables, query.Table{Name: name})
		}
		last := &tables[len(tables)-1]
		last.Columns = append(last.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns: %w", err)
	}
	return tables, nil
}
