package httpapi

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/erfianugrah/videoproxy/internal/cachekey"
	"github.com/erfianugrah/videoproxy/internal/derivative"
	"github.com/erfianugrah/videoproxy/internal/fallback"
	"github.com/erfianugrah/videoproxy/internal/httpapi/middleware"
	"github.com/erfianugrah/videoproxy/internal/kv"
	"github.com/erfianugrah/videoproxy/internal/orchestrator"
	"github.com/erfianugrah/videoproxy/internal/reqctx"
	"github.com/erfianugrah/videoproxy/internal/router"
)

type stubFetcher struct {
	status int
	body   []byte
}

func (s stubFetcher) Fetch(ctx context.Context, mediaURL string) (*orchestrator.UpstreamResponse, error) {
	return &orchestrator.UpstreamResponse{StatusCode: s.status, Body: s.body, ContentType: "video/mp4"}, nil
}

type stubOriginFetcher struct{}

func (stubOriginFetcher) Fetch(ctx context.Context, key string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(nil)), nil
}

func newTestHandler(t *testing.T, fetcher orchestrator.UpstreamFetcher) http.Handler {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := kv.NewRedisStore(client, 25<<20)
	versions := cachekey.NewManager(store)
	rules := router.NewRuleset([]router.Pattern{
		{Name: "videos", Matcher: `^/videos/(.+)$`, OriginURLTemplate: "https://origin.example.com/{1}", Priority: 10},
	})
	resolver := derivative.NewResolver(derivative.Config{})
	fb := fallback.New(stubOriginFetcher{}, store, nil, time.Hour)
	orch := orchestrator.New(rules, resolver, versions, store, fb, nil, fetcher, nil, nil, orchestrator.Config{
		MediaHost:  "https://media.example.com",
		DefaultTTL: time.Hour,
	})

	return NewRouter(orch, slog.New(slog.NewTextHandler(io.Discard, nil)), nil, nil)
}

func TestProxyHandler_ServesUpstreamMiss(t *testing.T) {
	h := newTestHandler(t, stubFetcher{status: 200, body: []byte("hello video")})

	req := httptest.NewRequest(http.MethodGet, "/videos/a.mp4", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("X-Cache") != "MISS" {
		t.Errorf("X-Cache = %q, want MISS", rec.Header().Get("X-Cache"))
	}
	if rec.Body.String() != "hello video" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestProxyHandler_DebugHeadersOnlyWhenRequested(t *testing.T) {
	h := newTestHandler(t, stubFetcher{status: 200, body: []byte("v")})

	req := httptest.NewRequest(http.MethodGet, "/videos/b.mp4", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("X-Processing-Time-Ms") != "" {
		t.Error("X-Processing-Time-Ms should be absent without ?debug=true")
	}

	req2 := httptest.NewRequest(http.MethodGet, "/videos/b.mp4?debug=true", nil)
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req2)
	if rec2.Header().Get("X-Processing-Time-Ms") == "" {
		t.Error("X-Processing-Time-Ms should be present with ?debug=true")
	}
	if rec2.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID should be present with ?debug=true")
	}
}

func TestHealthEndpoint(t *testing.T) {
	h := newTestHandler(t, stubFetcher{status: 200, body: []byte("v")})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestRequestContext_FromContextNilWithoutMiddleware(t *testing.T) {
	if rc := middleware.FromContext(context.Background()); rc != nil {
		t.Error("expected nil reqctx.Context when no middleware ran")
	}
	_ = reqctx.Context{}
}
