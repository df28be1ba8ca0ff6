package dataset

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/sqlchat/sqlchat/internal/storage"
)

// Output describes one written dataset file.
type Output struct {
	Format string
	Path   string
	Key    string
	Rows   int
	Bytes  int64
}

type Service struct {
	cfg   Config
	log   *slog.Logger
	store storage.DatasetStore
	now   func() time.Time
}

// NewService returns a generator service. store may be nil when Upload is off.
func NewService(cfg Config, logger *slog.Logger, store storage.DatasetStore) (*Service, error) {
	if cfg.Upload && store == nil {
		return nil, fmt.Errorf("upload requested but object store is not configured")
	}
	if cfg.Rows <= 0 {
		return nil, fmt.Errorf("rows must be > 0")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{
		cfg:   cfg,
		log:   logger,
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *Service) Run(ctx context.Context) ([]Output, error) {
	if err := os.MkdirAll(s.cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	orders := NewGenerator(s.cfg.Seed, s.cfg.Start, s.cfg.Days, s.cfg.CustomerCardinality).Orders(s.cfg.Rows)
	createdAt := s.now()

	outputs := make([]Output, 0, 2)
	for _, format := range s.cfg.Formats() {
		if err := ctx.Err(); err != nil {
			return outputs, err
		}
		output, err := s.write(ctx, format, orders, createdAt)
		if err != nil {
			return outputs, err
		}
		outputs = append(outputs, output)
	}
	return outputs, nil
}

func (s *Service) write(ctx context.Context, format string, orders []Order, createdAt time.Time) (Output, error) {
	var buf bytes.Buffer
	contentType := "text/csv"
	switch format {
	case FormatCSV:
		if err := WriteCSV(&buf, orders); err != nil {
			return Output{}, err
		}
	case FormatParquet:
		contentType = "application/vnd.apache.parquet"
		if err := WriteParquet(&buf, orders); err != nil {
			return Output{}, err
		}
	default:
		return Output{}, fmt.Errorf("unsupported format %q", format)
	}

	path := filepath.Join(s.cfg.OutputDir, s.cfg.Name+"."+format)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return Output{}, fmt.Errorf("write %s: %w", path, err)
	}
	output := Output{Format: format, Path: path, Rows: len(orders), Bytes: int64(buf.Len())}

	if s.cfg.Upload {
		key, err := storage.BuildDatasetKey(s.cfg.Name, createdAt, format)
		if err != nil {
			return Output{}, err
		}
		dataset, err := s.store.Publish(ctx, key, bytes.NewReader(buf.Bytes()), int64(buf.Len()), storage.PublishOptions{ContentType: contentType})
		if err != nil {
			return Output{}, fmt.Errorf("upload %s: %w", key, err)
		}
		output.Key = dataset.Key
	}

	s.log.InfoContext(ctx, "dataset written",
		slog.String("format", format),
		slog.String("path", output.Path),
		slog.String("object_key", output.Key),
		slog.Int("rows", output.Rows),
		slog.Int64("bytes", output.Bytes),
	)
	return output, nil
}
