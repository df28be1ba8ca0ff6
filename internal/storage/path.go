package storage

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"
)

var pathComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// BuildDatasetKey places a generated dataset under a date partition, for
// example "datasets/sales/date=2026-02-19/sales-20260219T040500Z.parquet".
func BuildDatasetKey(dataset string, createdAt time.Time, extension string) (string, error) {
	if err := validatePathComponent(dataset, "dataset name"); err != nil {
		return "", err
	}
	extension = strings.TrimPrefix(strings.TrimSpace(extension), ".")
	if err := validatePathComponent(extension, "extension"); err != nil {
		return "", err
	}

	ts := createdAt.UTC()
	return path.Join(
		"datasets",
		dataset,
		fmt.Sprintf("date=%04d-%02d-%02d", ts.Year(), ts.Month(), ts.Day()),
		fmt.Sprintf("%s-%s.%s", dataset, ts.Format("20060102T150405Z"), extension),
	), nil
}

// ObjectFileName returns the last key segment if it is a safe local file name.
func ObjectFileName(key string) (string, error) {
	name := path.Base(strings.TrimSpace(key))
	if err := validatePathComponent(name, "object file name"); err != nil {
		return "", err
	}
	return name, nil
}

func validatePathComponent(value, field string) error {
	if !pathComponentPattern.MatchString(value) {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}
