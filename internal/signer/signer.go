// Package signer implements the origin signer capability: a black box,
// invoked by the orchestrator (C5) only when a matched route's auth descriptor names
// "aws-s3-presigned-url", that turns a plain origin request into one the
// origin object store will accept.
//
// The core never interprets credentials or signing internals (§6): it
// only knows it must call Sign. Grounded on the teacher's MinIO client
// (github.com/minio/minio-go/v7/pkg/credentials), whose SigV4 static
// credential provider is the same mechanism a presigned GET would use;
// rather than re-implement SigV4 canonical-request signing by hand, this
// package delegates the actual signing to an originstore.Store's
// PresignedURL, which already wraps minio-go's SigV4 implementation.
package signer

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/erfianugrah/videoproxy/internal/router"
)

// Presigner is the minimal capability signer needs from an origin store:
// produce a time-limited signed URL for an object key.
type Presigner interface {
	PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// ErrUnsupportedAuthType is returned for an Auth.Type the signer doesn't
// recognize.
type ErrUnsupportedAuthType struct {
	Type string
}

func (e *ErrUnsupportedAuthType) Error() string {
	return fmt.Sprintf("signer: unsupported auth type %q", e.Type)
}

const typeAWSS3Presigned = "aws-s3-presigned-url"

// DefaultExpiry is used when the caller doesn't need a request-specific
// expiry window; presigned GETs are single-use from the proxy's
// perspective so a short window limits exposure if logged or cached.
const DefaultExpiry = 15 * time.Minute

// Signer produces signed origin requests.
type Signer struct {
	presigner Presigner
}

// New wraps an origin store's presign capability.
func New(presigner Presigner) *Signer {
	return &Signer{presigner: presigner}
}

// Sign rewrites req's URL to a presigned form per auth. Only
// "aws-s3-presigned-url" is implemented; any other Type is rejected with
// ErrUnsupportedAuthType so the caller can decide whether that's fatal.
func (s *Signer) Sign(ctx context.Context, req *http.Request, auth router.Auth) (*http.Request, error) {
	if auth.Type != typeAWSS3Presigned {
		return nil, &ErrUnsupportedAuthType{Type: auth.Type}
	}

	key := objectKeyFromPath(req.URL.Path)
	signedURL, err := s.presigner.PresignedURL(ctx, key, DefaultExpiry)
	if err != nil {
		return nil, fmt.Errorf("signer: presign failed: %w", err)
	}

	u, err := url.Parse(signedURL)
	if err != nil {
		return nil, fmt.Errorf("signer: invalid presigned url: %w", err)
	}

	signed := req.Clone(ctx)
	signed.URL = u
	signed.Host = u.Host
	return signed, nil
}

// objectKeyFromPath strips a leading slash so the path can be used
// directly as an object-storage key.
func objectKeyFromPath(p string) string {
	return strings.TrimPrefix(p, "/")
}
