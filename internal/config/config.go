package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type LookupFunc func(string) (string, bool)

type Profile string

const (
	ProfileDev  Profile = "dev"
	ProfileTest Profile = "test"
	ProfileProd Profile = "prod"
)

const (
	CSVEngineSQLite = "sqlite"
	CSVEngineDuckDB = "duckdb"
)

type Config struct {
	Profile       Profile
	Service       ServiceConfig
	HTTP          HTTPConfig
	Inference     InferenceConfig
	Pipeline      PipelineConfig
	Engine        EngineConfig
	Session       SessionConfig
	ObjectStore   ObjectStoreConfig
	Postgres      PostgresConfig
	Observability ObservabilityConfig
	Auth          AuthConfig
}

type ServiceConfig struct {
	Name string
}

type HTTPConfig struct {
	Address        string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	MaxUploadBytes int64
}

// InferenceConfig holds the chat-completion endpoint settings. APIKey has no
// default: without it question answering is disabled.
type InferenceConfig struct {
	BaseURL           string
	APIKey            string
	Model             string
	QueryTemperature  float64
	QueryMaxTokens    int
	AnswerTemperature float64
	AnswerMaxTokens   int
	Timeout           time.Duration
	RetryBackoff      time.Duration
}

type PipelineConfig struct {
	SchemaSampleRows int
	HistoryTurns     int
	ResultRowLimit   int
	PreviewRows      int
	PreviewColumns   int
	QueryTimeout     time.Duration
}

type EngineConfig struct {
	CSV string
}

type SessionConfig struct {
	TTL             time.Duration
	CleanupInterval time.Duration
	UploadDir       string
	// Staging dirs younger than SweepMinAge are never swept.
	SweepInterval time.Duration
	SweepMinAge   time.Duration
}

type ObjectStoreConfig struct {
	Enabled          bool
	Endpoint         string
	Region           string
	Bucket           string
	AccessKeyID      string
	SecretAccessKey  string
	UseSSL           bool
	Prefix           string
	AutoCreateBucket bool
}

type PostgresConfig struct {
	Sources      string
	MaxOpenConns int
}

type ObservabilityConfig struct {
	LogLevel slog.Level
	LogJSON  bool
}

type AuthConfig struct {
	Required   bool
	StaticKeys string
}

func LoadFromEnv(serviceName string) (Config, error) {
	return Load(serviceName, os.LookupEnv)
}

func Load(serviceName string, lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	profile := ProfileDev
	if raw, ok := lookup("SQLCHAT_PROFILE"); ok {
		profile = Profile(strings.ToLower(strings.TrimSpace(raw)))
	}
	if !isValidProfile(profile) {
		return Config{}, fmt.Errorf("invalid SQLCHAT_PROFILE: %q", profile)
	}

	cfg := defaultsForProfile(profile)
	if serviceName != "" {
		cfg.Service.Name = serviceName
	}

	appliers := []func() error{
		func() error { return applyString(lookup, "SQLCHAT_SERVICE_NAME", &cfg.Service.Name) },
		func() error { return applyString(lookup, "SQLCHAT_HTTP_ADDR", &cfg.HTTP.Address) },
		func() error { return applyDuration(lookup, "SQLCHAT_HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout) },
		func() error { return applyDuration(lookup, "SQLCHAT_HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout) },
		func() error { return applyDuration(lookup, "SQLCHAT_HTTP_IDLE_TIMEOUT", &cfg.HTTP.IdleTimeout) },
		func() error { return applyInt64(lookup, "SQLCHAT_HTTP_MAX_UPLOAD_BYTES", &cfg.HTTP.MaxUploadBytes) },
		func() error { return applyString(lookup, "SQLCHAT_INFERENCE_BASE_URL", &cfg.Inference.BaseURL) },
		func() error { return applyString(lookup, "SQLCHAT_INFERENCE_API_KEY", &cfg.Inference.APIKey) },
		func() error { return applyString(lookup, "SQLCHAT_INFERENCE_MODEL", &cfg.Inference.Model) },
		func() error {
			return applyFloat(lookup, "SQLCHAT_INFERENCE_QUERY_TEMPERATURE", &cfg.Inference.QueryTemperature)
		},
		func() error {
			return applyInt(lookup, "SQLCHAT_INFERENCE_QUERY_MAX_TOKENS", &cfg.Inference.QueryMaxTokens)
		},
		func() error {
			return applyFloat(lookup, "SQLCHAT_INFERENCE_ANSWER_TEMPERATURE", &cfg.Inference.AnswerTemperature)
		},
		func() error {
			return applyInt(lookup, "SQLCHAT_INFERENCE_ANSWER_MAX_TOKENS", &cfg.Inference.AnswerMaxTokens)
		},
		func() error { return applyDuration(lookup, "SQLCHAT_INFERENCE_TIMEOUT", &cfg.Inference.Timeout) },
		func() error {
			return applyDuration(lookup, "SQLCHAT_INFERENCE_RETRY_BACKOFF", &cfg.Inference.RetryBackoff)
		},
		func() error { return applyInt(lookup, "SQLCHAT_SCHEMA_SAMPLE_ROWS", &cfg.Pipeline.SchemaSampleRows) },
		func() error { return applyInt(lookup, "SQLCHAT_HISTORY_TURNS", &cfg.Pipeline.HistoryTurns) },
		func() error { return applyInt(lookup, "SQLCHAT_RESULT_ROW_LIMIT", &cfg.Pipeline.ResultRowLimit) },
		func() error { return applyInt(lookup, "SQLCHAT_PREVIEW_ROWS", &cfg.Pipeline.PreviewRows) },
		func() error { return applyInt(lookup, "SQLCHAT_PREVIEW_COLUMNS", &cfg.Pipeline.PreviewColumns) },
		func() error { return applyDuration(lookup, "SQLCHAT_QUERY_TIMEOUT", &cfg.Pipeline.QueryTimeout) },
		func() error { return applyString(lookup, "SQLCHAT_CSV_ENGINE", &cfg.Engine.CSV) },
		func() error { return applyDuration(lookup, "SQLCHAT_SESSION_TTL", &cfg.Session.TTL) },
		func() error {
			return applyDuration(lookup, "SQLCHAT_SESSION_CLEANUP_INTERVAL", &cfg.Session.CleanupInterval)
		},
		func() error { return applyString(lookup, "SQLCHAT_UPLOAD_DIR", &cfg.Session.UploadDir) },
		func() error {
			return applyDuration(lookup, "SQLCHAT_STAGING_SWEEP_INTERVAL", &cfg.Session.SweepInterval)
		},
		func() error { return applyDuration(lookup, "SQLCHAT_STAGING_MIN_AGE", &cfg.Session.SweepMinAge) },
		func() error { return applyBool(lookup, "SQLCHAT_OBJECTSTORE_ENABLED", &cfg.ObjectStore.Enabled) },
		func() error { return applyString(lookup, "SQLCHAT_OBJECTSTORE_ENDPOINT", &cfg.ObjectStore.Endpoint) },
		func() error { return applyString(lookup, "SQLCHAT_OBJECTSTORE_REGION", &cfg.ObjectStore.Region) },
		func() error { return applyString(lookup, "SQLCHAT_OBJECTSTORE_BUCKET", &cfg.ObjectStore.Bucket) },
		func() error {
			return applyString(lookup, "SQLCHAT_OBJECTSTORE_ACCESS_KEY", &cfg.ObjectStore.AccessKeyID)
		},
		func() error {
			return applyString(lookup, "SQLCHAT_OBJECTSTORE_SECRET_KEY", &cfg.ObjectStore.SecretAccessKey)
		},
		func() error { return applyBool(lookup, "SQLCHAT_OBJECTSTORE_USE_SSL", &cfg.ObjectStore.UseSSL) },
		func() error { return applyString(lookup, "SQLCHAT_OBJECTSTORE_PREFIX", &cfg.ObjectStore.Prefix) },
		func() error {
			return applyBool(lookup, "SQLCHAT_OBJECTSTORE_AUTO_CREATE_BUCKET", &cfg.ObjectStore.AutoCreateBucket)
		},
		func() error { return applyString(lookup, "SQLCHAT_POSTGRES_SOURCES", &cfg.Postgres.Sources) },
		func() error { return applyInt(lookup, "SQLCHAT_POSTGRES_MAX_OPEN_CONNS", &cfg.Postgres.MaxOpenConns) },
		func() error { return applyBool(lookup, "SQLCHAT_LOG_JSON", &cfg.Observability.LogJSON) },
		func() error { return applyLogLevel(lookup, "SQLCHAT_LOG_LEVEL", &cfg.Observability.LogLevel) },
		func() error { return applyBool(lookup, "SQLCHAT_AUTH_REQUIRED", &cfg.Auth.Required) },
		func() error { return applyString(lookup, "SQLCHAT_AUTH_STATIC_KEYS", &cfg.Auth.StaticKeys) },
	}
	for _, apply := range appliers {
		if err := apply(); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// InferenceEnabled reports whether an API key is configured.
func (c Config) InferenceEnabled() bool {
	return strings.TrimSpace(c.Inference.APIKey) != ""
}

func (c Config) validate() error {
	if c.Service.Name == "" {
		return fmt.Errorf("service name is required")
	}
	if c.HTTP.Address == "" {
		return fmt.Errorf("http address is required")
	}
	if c.HTTP.MaxUploadBytes <= 0 {
		return fmt.Errorf("SQLCHAT_HTTP_MAX_UPLOAD_BYTES must be > 0")
	}
	switch c.Engine.CSV {
	case CSVEngineSQLite, CSVEngineDuckDB:
	default:
		return fmt.Errorf("invalid SQLCHAT_CSV_ENGINE: %q", c.Engine.CSV)
	}
	if c.Pipeline.SchemaSampleRows < 0 {
		return fmt.Errorf("SQLCHAT_SCHEMA_SAMPLE_ROWS must be >= 0")
	}
	if c.Pipeline.HistoryTurns < 0 {
		return fmt.Errorf("SQLCHAT_HISTORY_TURNS must be >= 0")
	}
	if c.Pipeline.PreviewRows <= 0 || c.Pipeline.PreviewColumns <= 0 {
		return fmt.Errorf("preview rows and columns must be > 0")
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("SQLCHAT_SESSION_TTL must be > 0")
	}
	if c.Session.SweepInterval < 0 || c.Session.SweepMinAge < 0 {
		return fmt.Errorf("staging sweep interval and min age must be >= 0")
	}
	if c.ObjectStore.Enabled && (c.ObjectStore.Endpoint == "" || c.ObjectStore.Bucket == "") {
		return fmt.Errorf("object store endpoint and bucket are required when enabled")
	}
	if _, err := ParsePostgresSources(c.Postgres.Sources); err != nil {
		return err
	}
	return nil
}

// ParsePostgresSources parses "name=dsn;name2=dsn2" into a name to DSN map.
func ParsePostgresSources(spec string) (map[string]string, error) {
	sources := map[string]string{}
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return sources, nil
	}
	for _, entry := range strings.Split(spec, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, dsn, ok := strings.Cut(entry, "=")
		name = strings.TrimSpace(name)
		dsn = strings.TrimSpace(dsn)
		if !ok || name == "" || dsn == "" {
			return nil, fmt.Errorf("invalid SQLCHAT_POSTGRES_SOURCES entry %q: expected name=dsn", entry)
		}
		if _, exists := sources[name]; exists {
			return nil, fmt.Errorf("duplicate postgres source %q", name)
		}
		sources[name] = dsn
	}
	return sources, nil
}

func defaultsForProfile(profile Profile) Config {
	cfg := Config{
		Profile: profile,
		Service: ServiceConfig{Name: "sqlchat-api"},
		HTTP: HTTPConfig{
			Address:        ":8080",
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   90 * time.Second,
			IdleTimeout:    60 * time.Second,
			MaxUploadBytes: 64 << 20,
		},
		Inference: InferenceConfig{
			BaseURL:           "https://openrouter.ai/api/v1",
			Model:             "openai/gpt-3.5-turbo",
			QueryTemperature:  0.1,
			QueryMaxTokens:    500,
			AnswerTemperature: 0.7,
			AnswerMaxTokens:   300,
			Timeout:           30 * time.Second,
			RetryBackoff:      500 * time.Millisecond,
		},
		Pipeline: PipelineConfig{
			SchemaSampleRows: 3,
			HistoryTurns:     3,
			ResultRowLimit:   1000,
			PreviewRows:      10,
			PreviewColumns:   10,
			QueryTimeout:     30 * time.Second,
		},
		Engine: EngineConfig{
			CSV: CSVEngineSQLite,
		},
		Session: SessionConfig{
			TTL:             30 * time.Minute,
			CleanupInterval: 5 * time.Minute,
			SweepInterval:   10 * time.Minute,
			SweepMinAge:     15 * time.Minute,
		},
		ObjectStore: ObjectStoreConfig{
			Enabled:          false,
			Endpoint:         "localhost:9000",
			Region:           "us-east-1",
			Bucket:           "sqlchat",
			UseSSL:           false,
			AutoCreateBucket: false,
		},
		Postgres: PostgresConfig{
			MaxOpenConns: 4,
		},
		Observability: ObservabilityConfig{
			LogLevel: slog.LevelDebug,
			LogJSON:  true,
		},
		Auth: AuthConfig{
			Required:   false,
			StaticKeys: "",
		},
	}

	switch profile {
	case ProfileTest:
		cfg.HTTP.Address = ":18080"
		cfg.Observability.LogLevel = slog.LevelWarn
		cfg.Inference.RetryBackoff = 10 * time.Millisecond
	case ProfileProd:
		cfg.Observability.LogLevel = slog.LevelInfo
		cfg.Auth.Required = true
		cfg.ObjectStore.UseSSL = true
	}

	return cfg
}

func isValidProfile(profile Profile) bool {
	switch profile {
	case ProfileDev, ProfileTest, ProfileProd:
		return true
	default:
		return false
	}
}

func applyString(lookup LookupFunc, key string, dst *string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	*dst = strings.TrimSpace(raw)
	return nil
}

func applyDuration(lookup LookupFunc, key string, dst *time.Duration) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyBool(lookup LookupFunc, key string, dst *bool) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyInt(lookup LookupFunc, key string, dst *int) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyInt64(lookup LookupFunc, key string, dst *int64) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyFloat(lookup LookupFunc, key string, dst *float64) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyLogLevel(lookup LookupFunc, key string, dst *slog.Level) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	level := strings.ToLower(strings.TrimSpace(raw))
	switch level {
	case "debug":
		*dst = slog.LevelDebug
	case "info":
		*dst = slog.LevelInfo
	case "warn", "warning":
		*dst = slog.LevelWarn
	case "error":
		*dst = slog.LevelError
	default:
		return fmt.Errorf("invalid %s: %q", key, raw)
	}
	return nil
}
