package signer

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/erfianugrah/videoproxy/internal/router"
)

type fakePresigner struct {
	url string
	err error
}

func (f *fakePresigner) PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.url, nil
}

func TestSign_AWSS3Presigned(t *testing.T) {
	s := New(&fakePresigner{url: "https://bucket.s3.amazonaws.com/a.mp4?X-Amz-Signature=abc"})
	req := httptest.NewRequest(http.MethodGet, "https://origin.example.com/a.mp4", nil)

	signed, err := s.Sign(context.Background(), req, router.Auth{Type: "aws-s3-presigned-url", Bucket: "videos"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if signed.URL.Query().Get("X-Amz-Signature") != "abc" {
		t.Errorf("expected signed URL, got %q", signed.URL.String())
	}
}

func TestSign_UnsupportedAuthType(t *testing.T) {
	s := New(&fakePresigner{})
	req := httptest.NewRequest(http.MethodGet, "https://origin.example.com/a.mp4", nil)

	_, err := s.Sign(context.Background(), req, router.Auth{Type: "basic"})
	var target *ErrUnsupportedAuthType
	if !errors.As(err, &target) {
		t.Errorf("got %v, want ErrUnsupportedAuthType", err)
	}
}

func TestSign_PresignFailurePropagates(t *testing.T) {
	s := New(&fakePresigner{err: errors.New("boom")})
	req := httptest.NewRequest(http.MethodGet, "https://origin.example.com/a.mp4", nil)

	_, err := s.Sign(context.Background(), req, router.Auth{Type: "aws-s3-presigned-url"})
	if err == nil {
		t.Fatal("expected error")
	}
}
