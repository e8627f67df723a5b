// Package artifacts archives the output of every finished run in an S3
// compatible object store.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"

	"repair-bench/internal/accounting"
	"repair-bench/internal/container"
	"repair-bench/internal/logging"
	"repair-bench/internal/task"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sirupsen/logrus"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
	Bucket    string
}

func (c Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("MINIO_ENDPOINT is required")
	}
	if c.AccessKey == "" || c.SecretKey == "" {
		return errors.New("MINIO_ACCESS_KEY and MINIO_SECRET_KEY are required")
	}
	if c.Bucket == "" {
		return errors.New("artifact bucket is required")
	}
	return nil
}

// ConfigFromEnv reads the MINIO_* variables for bucket.
func ConfigFromEnv(bucket string) Config {
	useSSL, _ := strconv.ParseBool(os.Getenv("MINIO_USE_SSL"))
	return Config{
		Endpoint:  os.Getenv("MINIO_ENDPOINT"),
		AccessKey: os.Getenv("MINIO_ACCESS_KEY"),
		SecretKey: os.Getenv("MINIO_SECRET_KEY"),
		UseSSL:    useSSL,
		Region:    os.Getenv("MINIO_REGION"),
		Bucket:    bucket,
	}
}

type objectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	FPutObject(ctx context.Context, bucket, objectName, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Uploader copies a run's log and artifact directory to the bucket under
// <session>/<identifier>/.
type Uploader struct {
	store     objectStore
	bucket    string
	outputDir string
	sessionID string
}

func New(ctx context.Context, cfg Config, outputDir, sessionID string) (*Uploader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return newUploader(ctx, client, cfg, outputDir, sessionID)
}

func newUploader(ctx context.Context, store objectStore, cfg Config, outputDir, sessionID string) (*Uploader, error) {
	exists, err := store.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("bucket exists: %w", err)
	}
	if !exists {
		if err := store.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("make bucket %s: %w", cfg.Bucket, err)
		}
		logging.GetLogger().WithField("bucket", cfg.Bucket).Info("Created artifact bucket")
	}
	return &Uploader{store: store, bucket: cfg.Bucket, outputDir: outputDir, sessionID: sessionID}, nil
}

// RecordRun uploads the outputs of runs that executed. Skipped runs have
// none.
func (u *Uploader) RecordRun(ctx context.Context, r accounting.RunRecord) error {
	if r.State != task.StateCompleted && r.State != task.StateFailed {
		return nil
	}
	logger := logging.GetLogger().WithField("identifier", r.Identifier)
	prefix := path.Join(u.sessionID, r.Identifier)

	files, err := u.collect(r.Identifier)
	if err != nil {
		return err
	}
	for key, file := range files {
		object := path.Join(prefix, key)
		if _, err := u.store.FPutObject(ctx, u.bucket, object, file, minio.PutObjectOptions{}); err != nil {
			logger.WithField("object", object).WithError(err).Error("Failed to upload artifact")
			return fmt.Errorf("upload %s: %w", object, err)
		}
	}
	logger.WithFields(logrus.Fields{
		"bucket":  u.bucket,
		"objects": len(files),
	}).Debug("Run artifacts uploaded")
	return nil
}

// collect maps object keys to local files: the run log and every regular
// file of the artifact directory.
func (u *Uploader) collect(identifier string) (map[string]string, error) {
	files := make(map[string]string)

	logPath := container.LogPath(u.outputDir, identifier)
	if _, err := os.Stat(logPath); err == nil {
		files["run.log"] = logPath
	}

	root := container.ArtifactDir(u.outputDir, identifier)
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		files[path.Join("artifacts", filepath.ToSlash(rel))] = p
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	return files, nil
}
