package sqlite

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/sqlchat/sqlchat/internal/failure"
	"github.com/sqlchat/sqlchat/internal/query"
)

func TestSQLDumpLoadsSchemaAndRows(t *testing.T) {
	dir := t.TempDir()
	side := filepath.Join(dir, "side.db")
	dump := fmt.Sprintf(`PRAGMA foreign_keys=OFF;
BEGIN TRANSACTION;
CREATE TABLE customers (id INTEGER PRIMARY KEY, name TEXT); -- trailing; comment
INSERT INTO customers VALUES(1,'O''Brien');
INSERT INTO customers VALUES(2,'semi;colon');
/* orders; placed by customers */
CREATE TABLE orders (id INTEGER, customer_id INTEGER REFERENCES customers(id), total REAL);
INSERT INTO orders VALUES(10,1,9.5);
INSERT INTO orders VALUES(11,2);
ATTACH DATABASE '%s' AS side;
CREATE VIEW big_orders AS SELECT * FROM orders WHERE total > 5;
COMMIT;
`, side)
	path := writeTempFile(t, "shop.sql", dump)
	db := openSource(t, query.Source{Format: query.FormatSQLDump, Path: path})

	schema, err := db.Describe(context.Background(), 1)
	if err != nil {
		t.Fatalf("Describe() error = %v", err)
	}
	var names []string
	for _, table := range schema.Tables {
		names = append(names, table.Name)
	}
	if want := []string{"big_orders", "customers", "orders"}; !reflect.DeepEqual(names, want) {
		t.Fatalf("tables = %v, want %v", names, want)
	}

	result, err := db.Execute(context.Background(), query.Request{SQL: "SELECT name FROM customers ORDER BY id", RowLimit: 10})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(result.Rows) != 2 || result.Rows[0][0] != "O'Brien" || result.Rows[1][0] != "semi;colon" {
		t.Fatalf("rows = %#v", result.Rows)
	}
	result, err = db.Execute(context.Background(), query.Request{SQL: "SELECT COUNT(*) FROM orders", RowLimit: 10})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.Rows[0][0] != int64(1) {
		t.Fatalf("orders = %v, want 1 (bad insert skipped)", result.Rows[0][0])
	}
	if _, err := os.Stat(side); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("ATTACH was executed: stat error = %v", err)
	}
	if _, err := db.Execute(context.Background(), query.Request{SQL: "INSERT INTO orders VALUES (12, 1, 1.0)", RowLimit: 10}); err == nil {
		t.Fatal("expected loaded dump to be read-only")
	}
}

func TestMySQLDumpLoads(t *testing.T) {
	dump := "-- MySQL dump 10.13\n" +
		"/*!40101 SET NAMES utf8mb4 */;\n" +
		"DROP TABLE IF EXISTS `orders`;\n" +
		"CREATE TABLE `orders` (\n" +
		"  `id` int(11) unsigned NOT NULL AUTO_INCREMENT,\n" +
		"  `note` varchar(255) COLLATE utf8mb4_unicode_ci DEFAULT NULL COMMENT 'free text',\n" +
		"  `created_at` timestamp NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,\n" +
		"  PRIMARY KEY (`id`),\n" +
		"  KEY `idx_note` (`note`)\n" +
		") ENGINE=InnoDB AUTO_INCREMENT=3 DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;\n" +
		"LOCK TABLES `orders` WRITE;\n" +
		"INSERT INTO `orders` VALUES (1,'it\\'s done','2026-01-01 00:00:00'),(2,'a;b\\\\c','2026-01-02 00:00:00');\n" +
		"INSERT IGNORE INTO `orders` VALUES (1,'dup','2026-01-03 00:00:00');\n" +
		"UNLOCK TABLES;\n"
	path := writeTempFile(t, "orders.sql", dump)
	db := openSource(t, query.Source{Format: query.FormatSQLDump, Path: path})

	result, err := db.Execute(context.Background(), query.Request{SQL: "SELECT id, note FROM orders ORDER BY id", RowLimit: 10})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(result.Rows) != 2 {
		t.Fatalf("rows = %#v", result.Rows)
	}
	if result.Rows[0][1] != "it's done" || result.Rows[1][1] != `a;b\c` {
		t.Fatalf("notes = %#v", result.Rows)
	}
}

func TestSQLDumpWithoutTablesIsDataError(t *testing.T) {
	path := writeTempFile(t, "empty.sql", "SELECT 1;\nDROP TABLE users;\nCREATE TABLE broken (;\n")
	_, err := NewLoader().Open(context.Background(), query.Source{Format: query.FormatSQLDump, Path: path})
	if !failure.IsKind(err, failure.KindData) {
		t.Fatalf("error = %v, want data error", err)
	}
}

func TestSplitStatements(t *testing.T) {
	cases := []struct {
		name   string
		script string
		mysql  bool
		want   []string
	}{
		{"plain", "a; b;", false, []string{"a", "b"}},
		{"semicolon in string", "x 'a;b'; y", false, []string{"x 'a;b'", "y"}},
		{"doubled quote", "x 'it''s;'; y", false, []string{"x 'it''s;'", "y"}},
		{"line comment", "x -- c;d\n; y", false, []string{"x", "y"}},
		{"block comment", "x /* ; */; y", false, []string{"x", "y"}},
		{"backquotes", "x `a;b`", false, []string{`x "a;b"`}},
		{"backslash kept", `x 'C:\'; y`, false, []string{`x 'C:\'`, "y"}},
		{"mysql escapes", `x 'it\'s;\n'; y`, true, []string{"x 'it''s;\n'", "y"}},
		{"empty statements", ";;\n;", false, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := splitStatements(tc.script, tc.mysql)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("splitStatements(%q) = %#v, want %#v", tc.script, got, tc.want)
			}
		})
	}
}

func TestCSVFallsBackToWindows1252(t *testing.T) {
	path := writeTempFile(t, "cities.csv", "name,city\nJos\xe9,M\xfcnchen\nZo\xeb,\x80 zone\n")
	db := openSource(t, query.Source{Format: query.FormatCSV, Path: path, TableName: "t"})

	result, err := db.Execute(context.Background(), query.Request{SQL: "SELECT name, city FROM t", RowLimit: 10})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	want := [][]any{{"José", "München"}, {"Zoë", "€ zone"}}
	if !reflect.DeepEqual(result.Rows, want) {
		t.Fatalf("rows = %#v, want %#v", result.Rows, want)
	}
}
