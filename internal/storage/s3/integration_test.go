//go:build integration

package s3

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/sqlchat/sqlchat/internal/storage"
)

func TestStoreRoundTripAgainstMinIO(t *testing.T) {
	endpoint := envOr("SQLCHAT_TEST_S3_ENDPOINT", "")
	if endpoint == "" {
		t.Skip("SQLCHAT_TEST_S3_ENDPOINT is not set")
	}

	cfg := Config{
		Endpoint:         endpoint,
		Region:           envOr("SQLCHAT_TEST_S3_REGION", "us-east-1"),
		Bucket:           envOr("SQLCHAT_TEST_S3_BUCKET", "sqlchat-it"),
		AccessKeyID:      envOr("SQLCHAT_TEST_S3_ACCESS_KEY", "minio"),
		SecretAccessKey:  envOr("SQLCHAT_TEST_S3_SECRET_KEY", "miniostorage"),
		UseSSL:           false,
		Prefix:           "integration-tests",
		AutoCreateBucket: true,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	store, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	key := "datasets/roundtrip/roundtrip.csv"
	payload := []byte("id,amount\n1,10\n")

	published, err := store.Publish(ctx, key, bytes.NewReader(payload), int64(len(payload)), storage.PublishOptions{ContentType: "text/csv"})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if published.Key != key {
		t.Fatalf("Publish().Key = %q, want %q", published.Key, key)
	}

	datasets, err := store.List(ctx, "datasets/roundtrip/", 10)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(datasets) != 1 || datasets[0].Key != key || datasets[0].Size != int64(len(payload)) {
		t.Fatalf("List() = %#v", datasets)
	}

	path, staged, err := store.Stage(ctx, key, t.TempDir(), 1024)
	if err != nil {
		t.Fatalf("Stage() error = %v", err)
	}
	downloaded, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !bytes.Equal(downloaded, payload) || staged.Size != int64(len(payload)) {
		t.Fatalf("staged = %q (%d bytes), want %q", downloaded, staged.Size, payload)
	}
	if _, _, err := store.Stage(ctx, "datasets/missing.csv", t.TempDir(), 0); !errors.Is(err, storage.ErrDatasetNotFound) {
		t.Fatalf("Stage(missing) error = %v, want ErrDatasetNotFound", err)
	}
	if err := store.Ready(ctx); err != nil {
		t.Fatalf("Ready() error = %v", err)
	}
}

func envOr(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}
