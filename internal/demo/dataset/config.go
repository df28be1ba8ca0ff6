package dataset

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type LookupFunc func(string) (string, bool)

const (
	FormatCSV     = "csv"
	FormatParquet = "parquet"
	FormatBoth    = "both"
)

type Config struct {
	Name                string
	Rows                int
	Format              string
	OutputDir           string
	Upload              bool
	CustomerCardinality int
	Start               time.Time
	Days                int
	Seed                int64
}

func DefaultConfig() Config {
	now := time.Now().UTC()
	return Config{
		Name:                "sales",
		Rows:                500,
		Format:              FormatCSV,
		OutputDir:           ".",
		Upload:              false,
		CustomerCardinality: 40,
		Start:               time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, -90),
		Days:                90,
		Seed:                now.UnixNano(),
	}
}

func LoadConfigFromEnv(lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	cfg := DefaultConfig()
	if err := applyString(lookup, "SQLCHAT_DEMO_DATASET", &cfg.Name); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "SQLCHAT_DEMO_ROWS", &cfg.Rows); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "SQLCHAT_DEMO_FORMAT", &cfg.Format); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "SQLCHAT_DEMO_OUTPUT_DIR", &cfg.OutputDir); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "SQLCHAT_DEMO_UPLOAD", &cfg.Upload); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "SQLCHAT_DEMO_CUSTOMER_CARDINALITY", &cfg.CustomerCardinality); err != nil {
		return Config{}, err
	}
	if err := applyDate(lookup, "SQLCHAT_DEMO_START_DATE", &cfg.Start); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "SQLCHAT_DEMO_DAYS", &cfg.Days); err != nil {
		return Config{}, err
	}
	if err := applyInt64(lookup, "SQLCHAT_DEMO_SEED", &cfg.Seed); err != nil {
		return Config{}, err
	}

	cfg.Format = strings.ToLower(cfg.Format)
	switch cfg.Format {
	case FormatCSV, FormatParquet, FormatBoth:
	default:
		return Config{}, fmt.Errorf("SQLCHAT_DEMO_FORMAT must be csv, parquet or both")
	}
	if cfg.Name == "" {
		return Config{}, fmt.Errorf("SQLCHAT_DEMO_DATASET is required")
	}
	if cfg.OutputDir == "" {
		return Config{}, fmt.Errorf("SQLCHAT_DEMO_OUTPUT_DIR is required")
	}
	if cfg.Rows <= 0 {
		return Config{}, fmt.Errorf("SQLCHAT_DEMO_ROWS must be > 0")
	}
	if cfg.CustomerCardinality <= 0 {
		return Config{}, fmt.Errorf("SQLCHAT_DEMO_CUSTOMER_CARDINALITY must be > 0")
	}
	if cfg.Days <= 0 {
		return Config{}, fmt.Errorf("SQLCHAT_DEMO_DAYS must be > 0")
	}
	return cfg, nil
}

// Formats lists the file formats the configuration asks for.
func (c Config) Formats() []string {
	if c.Format == FormatBoth {
		return []string{FormatCSV, FormatParquet}
	}
	return []string{c.Format}
}

func applyString(lookup LookupFunc, key string, dst *string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	*dst = strings.TrimSpace(raw)
	return nil
}

func applyDate(lookup LookupFunc, key string, dst *time.Time) error {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return nil
	}
	v, err := time.Parse(time.DateOnly, strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = v
	return nil
}

func applyBool(lookup LookupFunc, key string, dst *bool) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = v
	return nil
}

func applyInt(lookup LookupFunc, key string, dst *int) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = v
	return nil
}

func applyInt64(lookup LookupFunc, key string, dst *int64) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = v
	return nil
}
