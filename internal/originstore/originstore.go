// Package originstore adapts an S3-compatible object store (MinIO) for two
// roles the proxy needs beyond the Redis-backed KV tier: fetching the
// untransformed original directly from origin storage when the transform
// fails (the serve-original leg of the fallback pipeline, §4.8), and holding
// cached bodies too large for the KV size limit (§4.6.1).
//
// Grounded on the teacher's infrastructure/storage/minio.go client (the
// minioClient seam, adapter, and presigned-URL plumbing are kept verbatim;
// only the domain meaning of "bucket" changes from user-upload storage to
// video origin storage), using github.com/minio/minio-go/v7.
package originstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Sentinel errors, moved from the teacher's domain/repository/errors.go and
// trimmed to the two that still apply once video-upload lifecycle errors
// (ErrVideoNotFound, ErrDuplicateVideo) no longer have a referent.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrBucketNotFound = errors.New("bucket not found")
)

// objectReader abstracts minio.Object for testability.
type objectReader interface {
	io.ReadCloser
	Stat() (minio.ObjectInfo, error)
}

// minioClient is the subset of *minio.Client operations originstore needs.
type minioClient interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	PresignedGetObject(ctx context.Context, bucketName, objectName string, expiry time.Duration, reqParams url.Values) (*url.URL, error)
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (objectReader, error)
	StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
}

type minioClientAdapter struct {
	client *minio.Client
}

func (a *minioClientAdapter) BucketExists(ctx context.Context, bucketName string) (bool, error) {
	return a.client.BucketExists(ctx, bucketName)
}

func (a *minioClientAdapter) PresignedGetObject(ctx context.Context, bucketName, objectName string, expiry time.Duration, reqParams url.Values) (*url.URL, error) {
	return a.client.PresignedGetObject(ctx, bucketName, objectName, expiry, reqParams)
}

func (a *minioClientAdapter) PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	return a.client.PutObject(ctx, bucketName, objectName, reader, objectSize, opts)
}

func (a *minioClientAdapter) GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (objectReader, error) {
	return a.client.GetObject(ctx, bucketName, objectName, opts)
}

func (a *minioClientAdapter) StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error) {
	return a.client.StatObject(ctx, bucketName, objectName, opts)
}

// ClientConfig configures the origin store client.
type ClientConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Store is the contract the fallback pipeline (C8) and the oversized-value
// path of the KV adapter (C6) use.
type Store interface {
	// Fetch retrieves an object directly from origin storage, bypassing
	// the transform service entirely (§4.8 serve-original fallback).
	Fetch(ctx context.Context, key string) (io.ReadCloser, error)
	// PutOverflow stores a body that exceeded the KV size limit.
	PutOverflow(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error
	// PresignedURL returns a time-limited signed URL for key, used when
	// the auth strategy for a route is "aws-s3-presigned-url" (§6).
	PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
	Exists(ctx context.Context, key string) (bool, error)
	Ping(ctx context.Context) error
}

// Client wraps a MinIO client and implements Store.
type Client struct {
	client minioClient
	bucket string
}

// NewClient creates a Client, failing fast if the bucket doesn't exist.
func NewClient(ctx context.Context, cfg ClientConfig) (*Client, error) {
	raw, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create origin store client: %w", err)
	}
	return newClientWithMinioClient(ctx, &minioClientAdapter{client: raw}, cfg.Bucket)
}

func newClientWithMinioClient(ctx context.Context, client minioClient, bucket string) (*Client, error) {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrBucketNotFound, bucket)
	}
	return &Client{client: client, bucket: bucket}, nil
}

// Fetch retrieves an object, mapping a missing key to ErrObjectNotFound.
func (c *Client) Fetch(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := c.client.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object: %w", err)
	}

	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("failed to stat object: %w", err)
	}
	return obj, nil
}

// PutOverflow stores an oversized cached body.
func (c *Client) PutOverflow(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	_, err := c.client.PutObject(ctx, c.bucket, key, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to store overflow object: %w", err)
	}
	return nil
}

// PresignedURL generates a presigned GET URL for key.
func (c *Client) PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	u, err := c.client.PresignedGetObject(ctx, c.bucket, key, expiry, make(url.Values))
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned url: %w", err)
	}
	return u.String(), nil
}

// Exists checks whether key is present.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	_, err := c.client.StatObject(ctx, c.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("failed to check object existence: %w", err)
	}
	return true, nil
}

// Ping verifies connectivity by checking bucket access.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.client.BucketExists(ctx, c.bucket); err != nil {
		return fmt.Errorf("failed to ping origin store: %w", err)
	}
	return nil
}
