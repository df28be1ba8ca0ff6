package storage

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sqlchat/sqlchat/internal/failure"
	"github.com/sqlchat/sqlchat/internal/query"
)

func TestDescribeKey(t *testing.T) {
	name, format, err := DescribeKey("exports/2026/Orders.PARQUET")
	if err != nil {
		t.Fatalf("DescribeKey() error = %v", err)
	}
	if name != "Orders.PARQUET" || format != query.FormatParquet {
		t.Fatalf("DescribeKey() = %q, %q", name, format)
	}

	if _, _, err := DescribeKey("exports/report.xlsx"); !failure.IsKind(err, failure.KindData) {
		t.Fatalf("DescribeKey(xlsx) error = %v, want data error", err)
	}
	if _, _, err := DescribeKey("exports/"); err == nil {
		t.Fatal("expected error for key without file name")
	}
}

func TestStageFileWritesIntoDir(t *testing.T) {
	dir := t.TempDir()
	path, written, err := StageFile(dir, "orders.csv", strings.NewReader("id,amount\n1,10\n"), 1024)
	if err != nil {
		t.Fatalf("StageFile() error = %v", err)
	}
	if path != filepath.Join(dir, "orders.csv") || written != 15 {
		t.Fatalf("StageFile() = %q, %d", path, written)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(content) != "id,amount\n1,10\n" {
		t.Fatalf("content = %q", content)
	}
}

func TestStageFileEnforcesSizeLimit(t *testing.T) {
	dir := t.TempDir()
	_, _, err := StageFile(dir, "big.csv", strings.NewReader(strings.Repeat("x", 64)), 10)
	if !errors.Is(err, ErrDatasetTooLarge) {
		t.Fatalf("StageFile() error = %v, want %v", err, ErrDatasetTooLarge)
	}
	if _, statErr := os.Stat(filepath.Join(dir, "big.csv")); !os.IsNotExist(statErr) {
		t.Fatalf("oversized file left behind: %v", statErr)
	}
}

func TestStageFileDoesNotOverwrite(t *testing.T) {
	dir := t.TempDir()
	if _, _, err := StageFile(dir, "a.csv", strings.NewReader("x"), 0); err != nil {
		t.Fatalf("StageFile() error = %v", err)
	}
	if _, _, err := StageFile(dir, "a.csv", strings.NewReader("y"), 0); err == nil {
		t.Fatal("expected error when the staged file already exists")
	}
	content, err := os.ReadFile(filepath.Join(dir, "a.csv"))
	if err != nil || string(content) != "x" {
		t.Fatalf("existing file = %q, %v", content, err)
	}
}
