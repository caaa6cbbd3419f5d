// Package artifacts mirrors the outputs of a training run (checkpoints, plots and the run log) to an S3
// compatible object storage.
package artifacts

import (
	"context"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Mirror copies local files to a remote storage.
type Mirror interface {
	// Upload the file or, recursively, the directory at localPath.
	Upload(ctx context.Context, localPath string) error
}

// NoopMirror doesn't upload anything. It is used when no storage is configured.
type NoopMirror struct{}

// Upload implements Mirror.
func (NoopMirror) Upload(context.Context, string) error { return nil }

// objectStore is the subset of the minio client used.
type objectStore interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	FPutObject(ctx context.Context, bucketName, objectName, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Config of the connection to the object storage.
type Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// MinioMirror uploads files to a bucket. Objects are named after the path of the files relative to Root, under
// Prefix.
type MinioMirror struct {
	store  objectStore
	bucket string

	// Root is the local directory the object names are relative to.
	Root string

	// Prefix of the object names.
	Prefix string
}

// Assert MinioMirror is a Mirror.
var _ Mirror = (*MinioMirror)(nil)

// NewMinioMirror connects to the storage and creates the bucket if it doesn't exist.
func NewMinioMirror(ctx context.Context, cfg Config, root, prefix string) (*MinioMirror, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create client for %q", cfg.Endpoint)
	}
	return newMirror(ctx, client, cfg.Bucket, root, prefix)
}

func newMirror(ctx context.Context, store objectStore, bucket, root, prefix string) (*MinioMirror, error) {
	if bucket == "" {
		return nil, errors.New("artifacts bucket must be given")
	}
	exists, err := store.BucketExists(ctx, bucket)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to check bucket %q", bucket)
	}
	if !exists {
		if err = store.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, errors.Wrapf(err, "failed to create bucket %q", bucket)
		}
		klog.Infof("Created artifacts bucket %q", bucket)
	}
	return &MinioMirror{store: store, bucket: bucket, Root: root, Prefix: prefix}, nil
}

// objectName for the local file.
func (m *MinioMirror) objectName(filePath string) (string, error) {
	rel, err := filepath.Rel(m.Root, filePath)
	if err != nil {
		return "", errors.Wrapf(err, "file %q is not under %q", filePath, m.Root)
	}
	return path.Join(m.Prefix, filepath.ToSlash(rel)), nil
}

// Upload implements Mirror.
func (m *MinioMirror) Upload(ctx context.Context, localPath string) error {
	info, err := os.Stat(localPath)
	if err != nil {
		return errors.Wrapf(err, "failed to upload %q", localPath)
	}
	if !info.IsDir() {
		return m.uploadFile(ctx, localPath)
	}
	return filepath.WalkDir(localPath, func(filePath string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return m.uploadFile(ctx, filePath)
	})
}

func (m *MinioMirror) uploadFile(ctx context.Context, filePath string) error {
	name, err := m.objectName(filePath)
	if err != nil {
		return err
	}
	_, err = m.store.FPutObject(ctx, m.bucket, name, filePath, minio.PutObjectOptions{})
	if err != nil {
		return errors.Wrapf(err, "failed to upload %q to %s/%s", filePath, m.bucket, name)
	}
	klog.V(2).Infof("Uploaded %q to %s/%s", filePath, m.bucket, name)
	return nil
}
