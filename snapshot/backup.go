package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
)

// ErrBackupNotFound is returned when the requested backup does not exist.
var ErrBackupNotFound = errors.New("snapshot: backup not found")

// BackupStore replicates snapshots to MinIO or any S3-compatible store.
type BackupStore struct {
	client *minio.Client
	bucket string
	prefix string
	codec  Codec
}

// NewBackupStore creates a backup store. rootPrefix is prepended to all
// object keys (e.g. "snapshots/").
func NewBackupStore(client *minio.Client, bucket, rootPrefix string, codec Codec) *BackupStore {
	return &BackupStore{
		client: client,
		bucket: bucket,
		prefix: rootPrefix,
		codec:  codec,
	}
}

func (s *BackupStore) key(name string) string {
	return path.Join(s.prefix, name)
}

// Upload serializes snap and writes it under name atomically.
func (s *BackupStore) Upload(ctx context.Context, name string, snap *Snapshot) error {
	var buf bytes.Buffer
	if err := Write(&buf, snap, s.codec); err != nil {
		return err
	}
	_, err := s.client.PutObject(ctx, s.bucket, s.key(name),
		bytes.NewReader(buf.Bytes()), int64(buf.Len()), minio.PutObjectOptions{})
	if err != nil {
		return fmt.Errorf("upload snapshot %q: %w", name, err)
	}
	return nil
}

// Download fetches and verifies the snapshot stored under name.
func (s *BackupStore) Download(ctx context.Context, name string) (*Snapshot, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(name), minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	snap, err := Read(obj)
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" || errResp.Code == "NotFound" {
			return nil, ErrBackupNotFound
		}
		return nil, err
	}
	return snap, nil
}

// Delete removes the backup under name. Deleting a missing backup is not
// an error.
func (s *BackupStore) Delete(ctx context.Context, name string) error {
	err := s.client.RemoveObject(ctx, s.bucket, s.key(name), minio.RemoveObjectOptions{})
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" || errResp.Code == "NotFound" {
			return nil
		}
		return err
	}
	return nil
}

// List returns backup names under the store's prefix, sorted.
func (s *BackupStore) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    s.key(prefix),
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		name := strings.TrimPrefix(obj.Key, s.prefix)
		name = strings.TrimPrefix(name, "/")
		if name != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}
