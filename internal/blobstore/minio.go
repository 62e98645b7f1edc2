package blobstore

import (
	"bytes"
	"context"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"

	"github.com/armadaproject/vecsched/internal/common/schederrors"
)

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Secure    bool
}

// MinioStore keeps blobs as objects in one S3 compatible bucket.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore connects to the endpoint and creates the bucket if it does not exist.
func NewMinioStore(ctx context.Context, config MinioConfig) (*MinioStore, error) {
	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure: config.Secure,
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	exists, err := client.BucketExists(ctx, config.Bucket)
	if err != nil {
		return nil, errors.Wrapf(err, "checking bucket %s", config.Bucket)
	}
	if !exists {
		if err := client.MakeBucket(ctx, config.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, errors.Wrapf(err, "creating bucket %s", config.Bucket)
		}
	}
	return &MinioStore{client: client, bucket: config.Bucket}, nil
}

func (s *MinioStore) Put(ctx context.Context, key string, data []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	return errors.WithStack(err)
}

func (s *MinioStore) Get(ctx context.Context, key string) ([]byte, error) {
	object, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.translate(err, key)
	}
	defer object.Close()
	data, err := io.ReadAll(object)
	if err != nil {
		return nil, s.translate(err, key)
	}
	return data, nil
}

func (s *MinioStore) List(ctx context.Context, prefix string) ([]string, error) {
	keys := make([]string, 0)
	for info := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if info.Err != nil {
			return nil, errors.WithStack(info.Err)
		}
		keys = append(keys, info.Key)
	}
	return keys, nil
}

func (s *MinioStore) Delete(ctx context.Context, key string) error {
	return errors.WithStack(s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}))
}

func (s *MinioStore) translate(err error, key string) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return schederrors.ErrNotFound("blob", key)
	}
	return errors.WithStack(err)
}
