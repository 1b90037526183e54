package actions

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrObjectNotFound is returned when a location does not exist in the source.
var ErrObjectNotFound = errors.New("object not found")

// ObjectSource reads the raw inputs of actions by location.
type ObjectSource interface {
	Get(ctx context.Context, location string) ([]byte, error)
}

// S3Config configures an S3-compatible object source.
type S3Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// S3Source reads objects from one bucket of an S3-compatible store.
type S3Source struct {
	client     *minio.Client
	bucketName string

	checkOnce sync.Once
	checkErr  error
}

// NewS3Source creates an S3Source. It does not contact the store.
func NewS3Source(cfg S3Config) (*S3Source, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	access := strings.TrimSpace(cfg.AccessKey)
	secret := strings.TrimSpace(cfg.SecretKey)
	if access == "" || secret == "" {
		return nil, fmt.Errorf("s3 access key and secret key are required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}
	return &S3Source{client: client, bucketName: bucket}, nil
}

func (s *S3Source) ensureBucket(ctx context.Context) error {
	s.checkOnce.Do(func() {
		exists, err := s.client.BucketExists(ctx, s.bucketName)
		if err != nil {
			s.checkErr = err
			return
		}
		if !exists {
			s.checkErr = fmt.Errorf("bucket %q does not exist", s.bucketName)
		}
	})
	return s.checkErr
}

// Get reads the object at location.
func (s *S3Source) Get(ctx context.Context, location string) ([]byte, error) {
	key := strings.TrimLeft(strings.TrimSpace(location), "/")
	if key == "" {
		return nil, fmt.Errorf("location is required")
	}
	if err := s.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensure bucket: %w", err)
	}

	obj, err := s.client.GetObject(ctx, s.bucketName, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" || errResp.Code == "NoSuchBucket" {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return nil, err
	}
	return data, nil
}

// DirSource reads objects from files under a local directory.
type DirSource struct {
	Root string
}

// Get reads the file at location relative to Root. Locations may not escape Root.
func (d DirSource) Get(_ context.Context, location string) ([]byte, error) {
	rel := filepath.Clean("/" + strings.TrimSpace(location))
	if rel == "/" {
		return nil, fmt.Errorf("location is required")
	}
	data, err := os.ReadFile(filepath.Join(d.Root, rel))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, location)
	}
	return data, err
}

// NewSource returns an S3Source when cfg names an endpoint and a DirSource
// rooted at dir otherwise.
func NewSource(cfg S3Config, dir string) (ObjectSource, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return DirSource{Root: dir}, nil
	}
	return NewS3Source(cfg)
}
