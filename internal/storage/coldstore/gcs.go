package coldstore

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/devrev/pairdb/tierstore/internal/errors"
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// GCSStore keeps objects in a Google Cloud Storage bucket under a prefix.
// Write-once is enforced server side with a DoesNotExist precondition.
type GCSStore struct {
	client *storage.Client
	bucket *storage.BucketHandle
	prefix string
	logger *zap.Logger
}

// GCSOptions configures the GCS client
type GCSOptions struct {
	Bucket          string
	Prefix          string
	Endpoint        string // Emulator or private endpoint; disables authentication
	CredentialsFile string
}

// NewGCSStore creates a client for the configured bucket
func NewGCSStore(ctx context.Context, opts GCSOptions, logger *zap.Logger) (*GCSStore, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("gcs bucket is required")
	}

	var clientOpts []option.ClientOption
	if opts.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(opts.Endpoint), option.WithoutAuthentication())
	} else if opts.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(opts.CredentialsFile))
	}

	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	return &GCSStore{
		client: client,
		bucket: client.Bucket(opts.Bucket),
		prefix: opts.Prefix,
		logger: logger,
	}, nil
}

func (s *GCSStore) objectName(name string) string {
	return s.prefix + name
}

func (s *GCSStore) PutOnce(ctx context.Context, name string, data []byte) error {
	obj := s.bucket.Object(s.objectName(name)).If(storage.Conditions{DoesNotExist: true})

	w := obj.NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	w.CRC32C = crc32.Checksum(data, crc32cTable)
	w.SendCRC32C = true

	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		w.Close()
		return errors.Unavailable(fmt.Sprintf("failed to upload object %s", name), err)
	}
	if err := w.Close(); err != nil {
		return finalizeError(name, err)
	}
	return nil
}

func (s *GCSStore) Get(ctx context.Context, name string) ([]byte, error) {
	r, err := s.bucket.Object(s.objectName(name)).NewReader(ctx)
	if err != nil {
		return nil, openError(name, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Unavailable(fmt.Sprintf("failed to read object %s", name), err)
	}
	return data, nil
}

func (s *GCSStore) List(ctx context.Context, prefix string) ([]string, error) {
	it := s.bucket.Objects(ctx, &storage.Query{Prefix: s.objectName(prefix)})

	var names []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, errors.Unavailable("failed to list archive objects", err)
		}
		names = append(names, strings.TrimPrefix(attrs.Name, s.prefix))
	}
	return names, nil
}

func (s *GCSStore) Ping(ctx context.Context) error {
	if _, err := s.bucket.Attrs(ctx); err != nil {
		return errors.Unavailable("gcs bucket unavailable", err)
	}
	return nil
}

// Close closes the GCS client
func (s *GCSStore) Close() error {
	return s.client.Close()
}

// finalizeError maps a failed upload commit. A failed DoesNotExist
// precondition means the object is already there.
func finalizeError(name string, err error) error {
	if isPreconditionFailed(err) {
		return errors.ObjectExists(name)
	}
	return errors.Unavailable(fmt.Sprintf("failed to finalize object %s", name), err)
}

func openError(name string, err error) error {
	if stderrors.Is(err, storage.ErrObjectNotExist) {
		return errors.ObjectNotFound(name)
	}
	return errors.Unavailable(fmt.Sprintf("failed to open object %s", name), err)
}

func isPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	return stderrors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}
