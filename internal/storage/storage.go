package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sqlchat/sqlchat/internal/query"
)

var (
	ErrDatasetNotFound = errors.New("dataset not found")
	ErrDatasetTooLarge = errors.New("dataset exceeds size limit")
)

// Dataset is a loadable data file in the object store. Key is relative to
// the store prefix, the form sessions import it by.
type Dataset struct {
	Key          string       `json:"key"`
	Format       query.Format `json:"format"`
	Size         int64        `json:"size"`
	LastModified time.Time    `json:"last_modified"`
}

type PublishOptions struct {
	ContentType string
}

// DatasetStore is the bucket sessions import datasets from and the demo
// generator publishes them to.
type DatasetStore interface {
	Publish(ctx context.Context, key string, body io.Reader, size int64, opts PublishOptions) (Dataset, error)
	// Stage copies a dataset into dir and returns the local path. A positive
	// maxBytes bounds the dataset size.
	Stage(ctx context.Context, key, dir string, maxBytes int64) (string, Dataset, error)
	// List returns up to limit loadable datasets under prefix in key order.
	List(ctx context.Context, prefix string, limit int) ([]Dataset, error)
}

// DescribeKey checks that key ends in a safe file name with a loadable
// extension and returns both.
func DescribeKey(key string) (string, query.Format, error) {
	name, err := ObjectFileName(key)
	if err != nil {
		return "", "", err
	}
	format, err := query.DetectFormat(name)
	if err != nil {
		return "", "", err
	}
	return name, format, nil
}

// StageFile writes body to dir/name, which must not exist yet. With a
// positive maxBytes, a body longer than the limit is removed and reported as
// ErrDatasetTooLarge.
func StageFile(dir, name string, body io.Reader, maxBytes int64) (string, int64, error) {
	target := filepath.Join(dir, name)
	file, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", 0, fmt.Errorf("stage %s: %w", name, err)
	}
	if maxBytes > 0 {
		body = io.LimitReader(body, maxBytes+1)
	}
	written, err := io.Copy(file, body)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(target)
		return "", written, fmt.Errorf("stage %s: %w", name, err)
	}
	if maxBytes > 0 && written > maxBytes {
		_ = os.Remove(target)
		return "", written, fmt.Errorf("%w: more than %d bytes", ErrDatasetTooLarge, maxBytes)
	}
	return target, written, nil
}
