// Package media persists generated images and narration audio in S3
// compatible object storage and hands back URLs the client can fetch.
package media

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"storyforge/internal/config"
)

type Store struct {
	client    *minio.Client
	bucket    string
	publicURL string
}

// New connects to the object store and ensures the bucket exists. Returns
// (nil, nil) when no endpoint is configured; the orchestrator treats a nil
// store as "stream only, keep nothing".
func New(ctx context.Context, cfg config.MediaConfig) (*Store, error) {
	if cfg.Endpoint == "" {
		return nil, nil
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect object store: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}
	publicURL := cfg.PublicURL
	if publicURL == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		publicURL = fmt.Sprintf("%s://%s/%s", scheme, cfg.Endpoint, cfg.Bucket)
	}
	return &Store{client: client, bucket: cfg.Bucket, publicURL: strings.TrimRight(publicURL, "/")}, nil
}

// Put stores one object and returns its public URL.
func (s *Store) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return s.publicURL + "/" + key, nil
}
