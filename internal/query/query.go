package query

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/sqlchat/sqlchat/internal/failure"
)

type Kind string

const (
	KindTabular    Kind = "tabular"
	KindRelational Kind = "relational"
)

type Format string

const (
	FormatCSV      Format = "csv"
	FormatParquet  Format = "parquet"
	FormatJSON     Format = "json"
	FormatSQLite   Format = "sqlite"
	FormatSQLDump  Format = "sql"
	FormatPostgres Format = "postgres"
)

func (f Format) Kind() Kind {
	switch f {
	case FormatSQLite, FormatSQLDump, FormatPostgres:
		return KindRelational
	default:
		return KindTabular
	}
}

// Source is the data a session talks to. Path is a local file for uploads;
// DSN is set for postgres sources only.
type Source struct {
	Format    Format
	Path      string
	DSN       string
	Name      string
	TableName string
}

func (s Source) Kind() Kind {
	return s.Format.Kind()
}

// DetectFormat maps an uploaded file name to its format by extension.
func DetectFormat(fileName string) (Format, error) {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".csv":
		return FormatCSV, nil
	case ".parquet":
		return FormatParquet, nil
	case ".json", ".jsonl", ".ndjson":
		return FormatJSON, nil
	case ".db", ".sqlite", ".sqlite3":
		return FormatSQLite, nil
	case ".sql":
		return FormatSQLDump, nil
	default:
		return "", failure.Data(fmt.Sprintf("unsupported file type %q", filepath.Ext(fileName)), nil)
	}
}

type Column struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Nullable   bool   `json:"nullable"`
	PrimaryKey bool   `json:"primary_key,omitempty"`
}

type Table struct {
	Name       string   `json:"name"`
	Columns    []Column `json:"columns"`
	SampleRows [][]any  `json:"sample_rows"`
	RowCount   int64    `json:"row_count"`
}

type Schema struct {
	Dialect string  `json:"dialect"`
	Tables  []Table `json:"tables"`
}

// Table looks a reference up case-insensitively. A qualified reference
// ("public.orders") also matches on its last segment.
func (s Schema) Table(ref string) (Table, bool) {
	ref = strings.TrimSpace(ref)
	short := ref
	if idx := strings.LastIndex(ref, "."); idx >= 0 {
		short = ref[idx+1:]
	}
	for _, table := range s.Tables {
		if strings.EqualFold(table.Name, ref) || strings.EqualFold(table.Name, short) {
			return table, true
		}
	}
	return Table{}, false
}

func (s Schema) TableNames() []string {
	names := make([]string, 0, len(s.Tables))
	for _, table := range s.Tables {
		names = append(names, table.Name)
	}
	return names
}

type Request struct {
	SQL      string
	RowLimit int
}

type Result struct {
	Columns   []string
	Rows      [][]any
	Truncated bool
	Duration  time.Duration
}

// Database is one opened source. Describe and Execute never modify data.
type Database interface {
	Dialect() string
	Describe(ctx context.Context, sampleRows int) (Schema, error)
	Execute(ctx context.Context, request Request) (Result, error)
	Close() error
}

type Loader interface {
	Open(ctx context.Context, source Source) (Database, error)
}

// Engines routes a source to the loader for its format. CSV is configurable;
// Columnar reads parquet and json; SQLite handles database files and SQL
// dumps.
type Engines struct {
	CSV      Loader
	Columnar Loader
	SQLite   Loader
	Postgres Loader
}

func (e Engines) Open(ctx context.Context, source Source) (Database, error) {
	var loader Loader
	switch source.Format {
	case FormatCSV:
		loader = e.CSV
	case FormatParquet, FormatJSON:
		loader = e.Columnar
	case FormatSQLite, FormatSQLDump:
		loader = e.SQLite
	case FormatPostgres:
		loader = e.Postgres
	default:
		return nil, failure.Data(fmt.Sprintf("unsupported source format %q", source.Format), nil)
	}
	if loader == nil {
		return nil, fmt.Errorf("no engine configured for %s sources", source.Format)
	}
	return loader.Open(ctx, source)
}
