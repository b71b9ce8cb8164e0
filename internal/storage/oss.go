package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aliyun/alibabacloud-oss-go-sdk-v2/oss"
	"github.com/aliyun/alibabacloud-oss-go-sdk-v2/oss/credentials"
)

// OSSConfig holds the Alibaba Cloud OSS connection settings.
type OSSConfig struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	AccessKeySecret string
}

// OSSStore implements ObjectStore on Alibaba Cloud OSS.
type OSSStore struct {
	client *oss.Client
}

// NewOSSStore builds a client with static credentials.
func NewOSSStore(cfg OSSConfig) (*OSSStore, error) {
	if cfg.Region == "" {
		return nil, errors.New("oss storage needs a region")
	}
	if cfg.AccessKeyID == "" || cfg.AccessKeySecret == "" {
		return nil, errors.New("oss storage needs an access key id and secret")
	}

	ossCfg := &oss.Config{
		Region: oss.Ptr(cfg.Region),
		CredentialsProvider: credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.AccessKeySecret,
		),
	}
	if cfg.Endpoint != "" {
		ossCfg.Endpoint = oss.Ptr(cfg.Endpoint)
	}

	return &OSSStore{client: oss.NewClient(ossCfg)}, nil
}

func (s *OSSStore) ListBuckets(ctx context.Context) ([]string, error) {
	var names []string
	p := s.client.NewListBucketsPaginator(&oss.ListBucketsRequest{})
	for p.HasNext() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing oss buckets: %w", err)
		}
		for _, b := range page.Buckets {
			names = append(names, oss.ToString(b.Name))
		}
	}
	return names, nil
}

func (s *OSSStore) CreateBucket(ctx context.Context, name string) error {
	_, err := s.client.PutBucket(ctx, &oss.PutBucketRequest{
		Bucket: oss.Ptr(name),
	})
	if err != nil {
		return fmt.Errorf("creating oss bucket %s: %w", name, err)
	}
	return nil
}

func (s *OSSStore) Upload(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	req := &oss.PutObjectRequest{
		Bucket: oss.Ptr(bucket),
		Key:    oss.Ptr(key),
		Body:   body,
	}
	if size >= 0 {
		req.ContentLength = oss.Ptr(size)
	}
	if contentType != "" {
		req.ContentType = oss.Ptr(contentType)
	}

	if _, err := s.client.PutObject(ctx, req); err != nil {
		var se *oss.ServiceError
		if errors.As(err, &se) && se.Code == "NoSuchBucket" {
			return fmt.Errorf("%w: %s", ErrBucketNotFound, bucket)
		}
		return fmt.Errorf("uploading %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *OSSStore) Remove(ctx context.Context, bucket, key string) error {
	_, err := s.client.DeleteObject(ctx, &oss.DeleteObjectRequest{
		Bucket: oss.Ptr(bucket),
		Key:    oss.Ptr(key),
	})
	if err != nil {
		return fmt.Errorf("deleting %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *OSSStore) SignedURL(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	result, err := s.client.Presign(ctx, &oss.GetObjectRequest{
		Bucket: oss.Ptr(bucket),
		Key:    oss.Ptr(key),
	}, oss.PresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("presigning %s/%s: %w", bucket, key, err)
	}
	return result.URL, nil
}
