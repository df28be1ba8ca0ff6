package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/sqlchat/sqlchat/internal/storage"
)

type Config struct {
	Endpoint         string
	Region           string
	Bucket           string
	AccessKeyID      string
	SecretAccessKey  string
	UseSSL           bool
	Prefix           string
	AutoCreateBucket bool
}

type object struct {
	Key          string
	Size         int64
	LastModified time.Time
}

type client interface {
	Put(ctx context.Context, bucket, key string, reader io.Reader, size int64, contentType string) (object, error)
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	Stat(ctx context.Context, bucket, key string) (object, error)
	// List calls visit for objects under prefix in key order until visit
	// returns false.
	List(ctx context.Context, bucket, prefix string, visit func(object) bool) error
	BucketExists(ctx context.Context, bucket string) (bool, error)
	CreateBucket(ctx context.Context, bucket, region string) error
}

// Store is a storage.DatasetStore over one bucket, optionally under a key
// prefix that callers never see.
type Store struct {
	client client
	bucket string
	prefix string
}

var _ storage.DatasetStore = (*Store)(nil)

func New(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	mc, err := newMinioClient(cfg)
	if err != nil {
		return nil, err
	}
	store := &Store{
		client: mc,
		bucket: strings.TrimSpace(cfg.Bucket),
		prefix: cleanPrefix(cfg.Prefix),
	}
	if cfg.AutoCreateBucket {
		if err := store.ensureBucket(ctx, strings.TrimSpace(cfg.Region)); err != nil {
			return nil, err
		}
	}
	return store, nil
}

func NewWithClient(bucket, prefix string, c client) (*Store, error) {
	if c == nil {
		return nil, fmt.Errorf("client is required")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	return &Store{client: c, bucket: strings.TrimSpace(bucket), prefix: cleanPrefix(prefix)}, nil
}

// Publish uploads a dataset. Keys that could not be imported again are
// rejected before anything is written.
func (s *Store) Publish(ctx context.Context, key string, body io.Reader, size int64, opts storage.PublishOptions) (storage.Dataset, error) {
	relative, err := cleanKey(key)
	if err != nil {
		return storage.Dataset{}, err
	}
	_, format, err := storage.DescribeKey(relative)
	if err != nil {
		return storage.Dataset{}, err
	}
	obj, err := s.client.Put(ctx, s.bucket, s.absolute(relative), body, size, opts.ContentType)
	if err != nil {
		return storage.Dataset{}, fmt.Errorf("publish dataset %q: %w", relative, err)
	}
	return storage.Dataset{Key: relative, Format: format, Size: obj.Size, LastModified: obj.LastModified}, nil
}

// Stage checks the dataset's size before downloading it into dir and bounds
// the copy as well, since the object can change between the two calls.
func (s *Store) Stage(ctx context.Context, key, dir string, maxBytes int64) (string, storage.Dataset, error) {
	relative, err := cleanKey(key)
	if err != nil {
		return "", storage.Dataset{}, err
	}
	name, format, err := storage.DescribeKey(relative)
	if err != nil {
		return "", storage.Dataset{}, err
	}
	absolute := s.absolute(relative)

	obj, err := s.client.Stat(ctx, s.bucket, absolute)
	if err != nil {
		return "", storage.Dataset{}, s.wrap("stat", relative, err)
	}
	dataset := storage.Dataset{Key: relative, Format: format, Size: obj.Size, LastModified: obj.LastModified}
	if maxBytes > 0 && obj.Size > maxBytes {
		return "", dataset, fmt.Errorf("%w: %d > %d bytes", storage.ErrDatasetTooLarge, obj.Size, maxBytes)
	}

	reader, err := s.client.Get(ctx, s.bucket, absolute)
	if err != nil {
		return "", dataset, s.wrap("get", relative, err)
	}
	defer func() { _ = reader.Close() }()

	localPath, written, err := storage.StageFile(dir, name, reader, maxBytes)
	if err != nil {
		return "", dataset, err
	}
	dataset.Size = written
	return localPath, dataset, nil
}

// List skips objects sqlchat cannot load, such as logs or directory markers.
func (s *Store) List(ctx context.Context, prefix string, limit int) ([]storage.Dataset, error) {
	if limit <= 0 {
		limit = 100
	}
	prefix = strings.TrimPrefix(strings.TrimSpace(prefix), "/")
	if strings.Contains(prefix, "..") {
		return nil, fmt.Errorf("invalid dataset prefix: %q", prefix)
	}
	listPrefix := prefix
	if s.prefix != "" {
		listPrefix = s.prefix + "/" + prefix
	}

	datasets := []storage.Dataset{}
	err := s.client.List(ctx, s.bucket, listPrefix, func(obj object) bool {
		relative := obj.Key
		if s.prefix != "" {
			relative = strings.TrimPrefix(relative, s.prefix+"/")
		}
		_, format, err := storage.DescribeKey(relative)
		if err != nil {
			return true
		}
		datasets = append(datasets, storage.Dataset{Key: relative, Format: format, Size: obj.Size, LastModified: obj.LastModified})
		return len(datasets) < limit
	})
	if err != nil {
		return nil, fmt.Errorf("list datasets under %q: %w", prefix, err)
	}
	return datasets, nil
}

// Ready reports whether the configured bucket is reachable.
func (s *Store) Ready(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %q: %w", s.bucket, err)
	}
	if !exists {
		return fmt.Errorf("bucket %q does not exist", s.bucket)
	}
	return nil
}

func (s *Store) ensureBucket(ctx context.Context, region string) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %q: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.CreateBucket(ctx, s.bucket, region); err != nil {
		return fmt.Errorf("create bucket %q: %w", s.bucket, err)
	}
	return nil
}

func (s *Store) wrap(op, key string, err error) error {
	if errors.Is(err, storage.ErrDatasetNotFound) {
		return fmt.Errorf("%w: %s", storage.ErrDatasetNotFound, key)
	}
	return fmt.Errorf("%s dataset %q: %w", op, key, err)
}

func (s *Store) absolute(relative string) string {
	if s.prefix == "" {
		return relative
	}
	return path.Join(s.prefix, relative)
}

func cleanKey(key string) (string, error) {
	key = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(key), "/"))
	if key == "" {
		return "", fmt.Errorf("dataset key is required")
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("invalid dataset key: %q", key)
	}
	return cleaned, nil
}

func cleanPrefix(prefix string) string {
	prefix = strings.TrimSpace(strings.TrimPrefix(prefix, "/"))
	if prefix == "" {
		return ""
	}
	prefix = path.Clean(prefix)
	if prefix == "." {
		return ""
	}
	return prefix
}

func newMinioClient(cfg Config) (*minioClient, error) {
	endpoint, secure, err := parseEndpoint(cfg.Endpoint, cfg.UseSSL)
	if err != nil {
		return nil, err
	}
	clientImpl, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: secure,
		Region: strings.TrimSpace(cfg.Region),
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	return &minioClient{client: clientImpl}, nil
}

func parseEndpoint(raw string, useSSL bool) (string, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false, fmt.Errorf("endpoint is required")
	}
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		return raw, useSSL, nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("parse endpoint URL: %w", err)
	}
	if parsed.Host == "" {
		return "", false, fmt.Errorf("endpoint host is required")
	}
	return parsed.Host, parsed.Scheme == "https" || useSSL, nil
}

type minioClient struct {
	client *minio.Client
}

func (m *minioClient) Put(ctx context.Context, bucket, key string, reader io.Reader, size int64, contentType string) (object, error) {
	info, err := m.client.PutObject(ctx, bucket, key, reader, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return object{}, mapMinioErr(err)
	}
	return object{Key: info.Key, Size: info.Size, LastModified: info.LastModified}, nil
}

func (m *minioClient) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	obj, err := m.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, mapMinioErr(err)
	}
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, mapMinioErr(err)
	}
	return obj, nil
}

func (m *minioClient) Stat(ctx context.Context, bucket, key string) (object, error) {
	info, err := m.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return object{}, mapMinioErr(err)
	}
	return object{Key: info.Key, Size: info.Size, LastModified: info.LastModified}, nil
}

func (m *minioClient) List(ctx context.Context, bucket, prefix string, visit func(object) bool) error {
	// Cancelling stops the listing goroutine when visit ends early.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	for info := range m.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if info.Err != nil {
			return mapMinioErr(info.Err)
		}
		if !visit(object{Key: info.Key, Size: info.Size, LastModified: info.LastModified}) {
			return nil
		}
	}
	return nil
}

func (m *minioClient) BucketExists(ctx context.Context, bucket string) (bool, error) {
	exists, err := m.client.BucketExists(ctx, bucket)
	if err != nil {
		return false, mapMinioErr(err)
	}
	return exists, nil
}

func (m *minioClient) CreateBucket(ctx context.Context, bucket, region string) error {
	if err := m.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return mapMinioErr(err)
	}
	return nil
}

func mapMinioErr(err error) error {
	if err == nil {
		return nil
	}
	var response minio.ErrorResponse
	if errors.As(err, &response) {
		switch response.Code {
		case "NoSuchKey", "NoSuchBucket", "NotFound":
			return storage.ErrDatasetNotFound
		}
	}
	return err
}
