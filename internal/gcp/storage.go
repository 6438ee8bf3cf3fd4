package gcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// GetEnv is a helper to read an environment variable or return a default value.
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// GetEnvInt reads an integer variable; unset falls back, unparseable is an error.
func GetEnvInt(key string, fallback int) (int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return v, nil
}

func GetEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration: %w", key, err)
	}
	return v, nil
}

func GetEnvBool(key string, fallback bool) (bool, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean: %w", key, err)
	}
	return v, nil
}

// ObjectSaver stores a named object at most once.
type ObjectSaver interface {
	Save(ctx context.Context, objectName, content string) error
}

// BucketSaver is the GCS implementation of ObjectSaver.
type BucketSaver struct {
	bucket *storage.BucketHandle
}

func NewBucketSaver(client *storage.Client, bucketName string) *BucketSaver {
	return &BucketSaver{bucket: client.Bucket(bucketName)}
}

func (b *BucketSaver) Save(ctx context.Context, objectName, content string) error {
	return SaveToGCSAtomically(ctx, b.bucket, objectName, content)
}

// SaveToGCSAtomically writes content to a GCS object only if it doesn't already exist.
// An existing object counts as success.
func SaveToGCSAtomically(ctx context.Context, bucket *storage.BucketHandle, objectName, content string) error {
	writer := bucket.Object(objectName).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	writer.ContentType = contentTypeFor(objectName)

	if _, err := io.Copy(writer, strings.NewReader(content)); err != nil {
		_ = writer.Close()
		if preconditionFailed(err) {
			slog.Info("Object already exists, skipping write", "object", objectName)
			return nil
		}
		return fmt.Errorf("failed to write to GCS: %w", err)
	}

	if err := writer.Close(); err != nil {
		if preconditionFailed(err) {
			slog.Info("Object already exists, skipping write", "object", objectName)
			return nil
		}
		return fmt.Errorf("failed to finalize GCS write: %w", err)
	}
	return nil
}

func preconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}

func contentTypeFor(objectName string) string {
	switch {
	case strings.HasSuffix(objectName, ".xml"):
		return "application/xml"
	case strings.HasSuffix(objectName, ".txt"):
		return "text/plain; charset=utf-8"
	}
	return "application/octet-stream"
}
