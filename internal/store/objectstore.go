package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/displaything/desktopthing/internal/credential"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	log "github.com/sirupsen/logrus"
)

const objectStoreCredentialPrefix = "credentials"

// ObjectStoreConfig captures configuration for the object storage-backed credential store.
type ObjectStoreConfig struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	Prefix    string
	// Profile names the object holding this installation's credential.
	Profile   string
	UseSSL    bool
	PathStyle bool
}

// ObjectStore persists the credential in an S3-compatible bucket. The local file stays the
// source every reader uses.
type ObjectStore struct {
	*credential.FileStore
	client *minio.Client
	cfg    ObjectStoreConfig
}

// NewObjectStore initializes an object storage backed credential store.
func NewObjectStore(cfg ObjectStoreConfig, local *credential.FileStore) (*ObjectStore, error) {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.Bucket = strings.TrimSpace(cfg.Bucket)
	cfg.AccessKey = strings.TrimSpace(cfg.AccessKey)
	cfg.SecretKey = strings.TrimSpace(cfg.SecretKey)
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	cfg.Profile = strings.Trim(strings.TrimSpace(cfg.Profile), "/")

	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("object store: endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("object store: bucket is required")
	}
	if cfg.AccessKey == "" {
		return nil, fmt.Errorf("object store: access key is required")
	}
	if cfg.SecretKey == "" {
		return nil, fmt.Errorf("object store: secret key is required")
	}
	if local == nil {
		return nil, fmt.Errorf("object store: local mirror is required")
	}
	if cfg.Profile == "" {
		cfg.Profile = defaultRecordID
	}

	options := &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	}
	if cfg.PathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(cfg.Endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("object store: create client: %w", err)
	}
	return &ObjectStore{FileStore: local, client: client, cfg: cfg}, nil
}

// Close is a no-op; the minio client holds no long-lived resources.
func (s *ObjectStore) Close() error { return nil }

// Bootstrap creates the bucket when missing and pulls the credential object into the local
// file. With no object yet, the local credential seeds the bucket.
func (s *ObjectStore) Bootstrap(ctx context.Context) error {
	if err := s.ensureBucket(ctx); err != nil {
		return err
	}
	key := s.objectKey()
	_, err := s.client.StatObject(ctx, s.cfg.Bucket, key, minio.StatObjectOptions{})
	switch {
	case err == nil:
		object, errGet := s.client.GetObject(ctx, s.cfg.Bucket, key, minio.GetObjectOptions{})
		if errGet != nil {
			return fmt.Errorf("object store: fetch credential: %w", errGet)
		}
		defer func() { _ = object.Close() }()
		data, errRead := io.ReadAll(object)
		if errRead != nil {
			return fmt.Errorf("object store: read credential: %w", errRead)
		}
		if errWrite := s.WriteRaw(data); errWrite != nil {
			log.WithError(errWrite).Warn("object store: ignoring unreadable remote credential")
		}
		return nil
	case isObjectNotFound(err):
		local, errRead := s.ReadRaw()
		if errRead != nil {
			return fmt.Errorf("object store: %w", errRead)
		}
		if len(local) == 0 {
			return nil
		}
		log.Debug("object store: seeding bucket from local credential")
		return s.putObject(ctx, local)
	default:
		return fmt.Errorf("object store: stat credential: %w", err)
	}
}

// Save writes the local mirror first, then uploads the object.
func (s *ObjectStore) Save(ctx context.Context, c *credential.Credential) error {
	raw, err := credential.Marshal(c)
	if err != nil {
		return err
	}
	if err = s.WriteRaw(raw); err != nil {
		return err
	}
	return s.putObject(ctx, raw)
}

func (s *ObjectStore) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("object store: check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err = s.client.MakeBucket(ctx, s.cfg.Bucket, minio.MakeBucketOptions{Region: s.cfg.Region}); err != nil {
		return fmt.Errorf("object store: create bucket: %w", err)
	}
	return nil
}

func (s *ObjectStore) putObject(ctx context.Context, data []byte) error {
	key := s.objectKey()
	_, err := s.client.PutObject(ctx, s.cfg.Bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("object store: put object %s: %w", key, err)
	}
	return nil
}

func (s *ObjectStore) objectKey() string {
	key := objectStoreCredentialPrefix + "/" + s.cfg.Profile + ".json"
	if s.cfg.Prefix == "" {
		return key
	}
	return s.cfg.Prefix + "/" + key
}

func isObjectNotFound(err error) bool {
	if err == nil {
		return false
	}
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode == http.StatusNotFound {
		return true
	}
	switch resp.Code {
	case "NoSuchKey", "NotFound", "NoSuchBucket":
		return true
	}
	return false
}
