// Package blobstore wraps minio-go behind the persistence core's blob
// store interface: Put, Get, Delete, DeletePrefix, and presigned URL
// issuance, satisfying the bulk-object side of the Hybrid Store's
// offload contract.
package blobstore

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"net/url"
	"time"

	minio "github.com/minio/minio-go"

	"github.com/fhirstore/core/pkg/metrics"
)

// Store wraps a minio client bound to a single bucket.
type Store struct {
	client *minio.Client
	bucket string
}

// Config configures the underlying minio client.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
}

// New dials a minio client and ensures the configured bucket exists.
func New(cfg Config) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, cfg.AccessKey, cfg.SecretKey, cfg.UseSSL)
	if err != nil {
		metrics.RegisterComponent("blobstore", false, err.Error())
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(cfg.Bucket)
	if err != nil {
		metrics.RegisterComponent("blobstore", false, err.Error())
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(cfg.Bucket, ""); err != nil {
			metrics.RegisterComponent("blobstore", false, err.Error())
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}

	metrics.RegisterComponent("blobstore", true, "")
	return &Store{client: client, bucket: cfg.Bucket}, nil
}

// Put uploads raw bytes at key, overwriting any existing object. Blob
// bodies are raw UTF-8 JSON, not base64-wrapped: minio-go's PutObject
// takes an io.Reader of bytes directly.
func (s *Store) Put(key string, data []byte) error {
	reader := bytes.NewReader(data)
	_, err := s.client.PutObject(s.bucket, key, reader, int64(len(data)), minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

// Get downloads the full object at key.
func (s *Store) Get(key string) ([]byte, error) {
	obj, err := s.client.GetObject(s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer obj.Close()

	data, err := ioutil.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return data, nil
}

// Delete removes a single object. Used on the hybrid write path's
// best-effort cleanup after a KV-insert failure, and on the hybrid
// delete path's best-effort parallel blob removal.
func (s *Store) Delete(key string) error {
	if err := s.client.RemoveObject(s.bucket, key); err != nil {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}

// DeletePrefix removes every object whose key starts with prefix,
// reclaiming an entire resource's offloaded blobs in one call.
func (s *Store) DeletePrefix(prefix string) error {
	doneCh := make(chan struct{})
	defer close(doneCh)

	objectsCh := s.client.ListObjectsV2(s.bucket, prefix, true, doneCh)

	removeCh := make(chan string)
	errCh := s.client.RemoveObjects(s.bucket, removeCh)

	go func() {
		defer close(removeCh)
		for obj := range objectsCh {
			if obj.Err != nil {
				continue
			}
			removeCh <- obj.Key
		}
	}()

	var firstErr error
	for result := range errCh {
		if result.Err != nil && firstErr == nil {
			firstErr = fmt.Errorf("delete object %s: %w", result.ObjectName, result.Err)
		}
	}
	return firstErr
}

// PresignedURL issues a time-limited presigned GET URL for key.
func (s *Store) PresignedURL(key string, expiry time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(s.bucket, key, expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign object %s: %w", key, err)
	}
	return u.String(), nil
}
