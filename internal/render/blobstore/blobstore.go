// Package blobstore is the render dispatcher's GCS-backed object store: it
// uploads final render artifacts and produces signed download URLs for
// payload rewriting (spec.md §4.6.1). Adapted from internal/clients/gcp's
// BucketService, generalized from a two-category (avatar/material) store
// to an arbitrary-key render-output bucket and extended with SignedURL,
// which the teacher's bucket.go has no need for (its objects are served
// through a CDN, not handed to untrusted worker infrastructure).
package blobstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
)

// Store is the render dispatcher's object-store surface.
type Store interface {
	Upload(ctx context.Context, key string, r io.Reader, contentType string) error
	SignedURL(key string, ttl time.Duration) (string, error)
	PublicURL(key string) string
	// Hosts returns every hostname this store's URLs may carry (the raw
	// GCS domain and, if configured, the CDN front), so callers can
	// recognize which payload fields point at this bucket.
	Hosts() []string
}

type store struct {
	log       *logger.Logger
	client    *storage.Client
	bucket    string
	cdnDomain string
}

// NewStore builds a Store against RENDER_OUTPUT_GCS_BUCKET (and optional
// RENDER_OUTPUT_CDN_DOMAIN), grounded on gcp.NewBucketService's
// env-driven construction and gcp.ClientOptionsFromEnv credential loading.
func NewStore(ctx context.Context, clientOpts []option.ClientOption, baseLog *logger.Logger) (Store, error) {
	bucket := os.Getenv("RENDER_OUTPUT_GCS_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("missing env var RENDER_OUTPUT_GCS_BUCKET")
	}
	opts := append(append([]option.ClientOption{}, clientOpts...), option.WithScopes(storage.ScopeReadWrite))
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("blobstore: create storage client: %w", err)
	}
	return &store{
		log:       baseLog.With("service", "RenderBlobStore"),
		client:    client,
		bucket:    bucket,
		cdnDomain: os.Getenv("RENDER_OUTPUT_CDN_DOMAIN"),
	}, nil
}

func (s *store) Upload(ctx context.Context, key string, r io.Reader, contentType string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	if contentType != "" {
		w.ContentType = contentType
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return fmt.Errorf("blobstore: write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("blobstore: close writer for %s: %w", key, err)
	}
	return nil
}

// SignedURL returns a V4 signed GET URL valid for ttl, used to hand render
// payload video/overlay/mask URLs to untrusted worker infrastructure
// without making the bucket public (spec.md §4.6.1).
func (s *store) SignedURL(key string, ttl time.Duration) (string, error) {
	url, err := s.client.Bucket(s.bucket).SignedURL(key, &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  "GET",
		Expires: time.Now().Add(ttl),
	})
	if err != nil {
		return "", fmt.Errorf("blobstore: sign url for %s: %w", key, err)
	}
	return url, nil
}

func (s *store) PublicURL(key string) string {
	if s.cdnDomain != "" {
		return fmt.Sprintf("https://%s/%s", s.cdnDomain, key)
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", s.bucket, key)
}

func (s *store) Hosts() []string {
	hosts := []string{"storage.googleapis.com"}
	if s.cdnDomain != "" {
		hosts = append(hosts, s.cdnDomain)
	}
	return hosts
}
