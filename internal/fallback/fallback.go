// Package fallback implements the Fallback Pipeline (C8): deciding when a
// failed transform should fall back to the unmodified origin, retrying an
// alternate origin source on a 404, and serving/backfilling a dedicated
// fallback cache namespace.
//
// Grounded on the teacher's originstore.Client (direct object fetch,
// bypassing the transform service entirely) and internal/tasks' detach
// capability (background population of the fallback namespace mirrors the
// teacher's async transcode-task dispatch, repurposed here for a
// same-request cache backfill rather than a multi-minute transcode job).
package fallback

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/erfianugrah/videoproxy/internal/kv"
	"github.com/erfianugrah/videoproxy/internal/reqctx"
)

// Reason values for the X-Fallback-Reason diagnostic header.
const (
	ReasonTransformServerError = "transform_server_error"
	ReasonAlternativeSource    = "alternative_source_exhausted"
	ReasonArtifactTooLarge     = "artifact_too_large"
	ReasonBodyTooLarge         = "body_too_large"
)

// Decision is the outcome of evaluating a failed transform response
// against the fallback trigger rules in §4.8.
type Decision struct {
	ShouldFallback   bool
	RetryAlternative bool
	Reason           string
}

// Decide implements §4.8's trigger rules:
//
//   - transform endpoint 500 -> serve original (fallback, no alternative retry)
//   - transform endpoint 404 with >= 2 configured origin sources -> retry the
//     next source by priority once; if that's already been tried (sourceIndex
//     is the last one), fall back to origin directly instead
func Decide(status int, sourceCount int, sourceIndex int) Decision {
	switch {
	case status >= 500:
		return Decision{ShouldFallback: true, Reason: ReasonTransformServerError}
	case status == http.StatusNotFound && sourceCount >= 2 && sourceIndex < sourceCount-1:
		return Decision{ShouldFallback: false, RetryAlternative: true}
	case status == http.StatusNotFound:
		return Decision{ShouldFallback: true, Reason: ReasonAlternativeSource}
	default:
		return Decision{}
	}
}

// Key derives the fallback-namespace cache key for baseKey, carrying the
// "__fb=1" marker §4.8 requires to keep the fallback cache separate from
// the primary artifact namespace.
func Key(baseKey string) string {
	return baseKey + ":__fb=1"
}

// CacheTag builds the "fallback:true,source:{path}" cache tag for a
// fallback-namespace entry.
func CacheTag(path string) string {
	return fmt.Sprintf("fallback:true,source:%s", path)
}

// OriginFetcher fetches the unmodified origin body directly, bypassing the
// transform service. Implemented by internal/originstore.Client.
type OriginFetcher interface {
	Fetch(ctx context.Context, key string) (io.ReadCloser, error)
}

// Pipeline executes the fallback behavior for one request.
type Pipeline struct {
	origin   OriginFetcher
	store    kv.Store
	detacher reqctx.Detacher
	ttl      time.Duration
}

// New creates a Pipeline. detacher may be nil (best-effort inline goroutine
// via reqctx.Context.Detach's own fallback).
func New(origin OriginFetcher, store kv.Store, detacher reqctx.Detacher, ttl time.Duration) *Pipeline {
	return &Pipeline{origin: origin, store: store, detacher: detacher, ttl: ttl}
}

// Result is what the caller serves to the client.
type Result struct {
	Body           []byte
	ContentType    string
	FallbackHit    bool // served from the fallback namespace rather than freshly fetched
	OriginalStatus int
	Reason         string
}

// CheckCache looks up the fallback namespace for key, used on a second
// transform failure per §4.8 ("only if it fails again is the
// fallback-namespace consulted").
func (p *Pipeline) CheckCache(ctx context.Context, key string) (*Result, error) {
	entry, err := p.store.Get(ctx, kv.NamespaceFallback, key)
	if err != nil {
		return nil, fmt.Errorf("fallback cache lookup: %w", err)
	}
	if entry == nil {
		return nil, nil
	}
	return &Result{Body: entry.Body, ContentType: entry.Metadata.ContentType, FallbackHit: true}, nil
}

// Populate fetches originPath directly from origin storage, returning the
// body to serve immediately, and schedules a detached write into the
// fallback namespace so a subsequent failure can be served from cache
// rather than re-fetching origin.
func (p *Pipeline) Populate(ctx context.Context, reqCtx *reqctx.Context, key, originPath, contentType string, originalStatus int, reason string) (*Result, error) {
	reader, err := p.origin.Fetch(ctx, originPath)
	if err != nil {
		return nil, fmt.Errorf("fallback origin fetch: %w", err)
	}
	defer reader.Close()

	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("fallback read body: %w", err)
	}

	detach := p.detach(reqCtx)
	detach(func(bgCtx context.Context) {
		meta := kv.Metadata{
			ContentType:   contentType,
			ContentLength: int64(len(body)),
			CreatedAt:     time.Now(),
			ExpiresAt:     time.Now().Add(p.ttl),
			TTLSeconds:    int(p.ttl.Seconds()),
			CacheTags:     []string{CacheTag(originPath)},
		}
		_ = p.store.Put(bgCtx, kv.NamespaceFallback, key, body, meta, p.ttl)
	})

	return &Result{
		Body:           body,
		ContentType:    contentType,
		FallbackHit:    false,
		OriginalStatus: originalStatus,
		Reason:         reason,
	}, nil
}

func (p *Pipeline) detach(reqCtx *reqctx.Context) func(func(context.Context)) {
	if reqCtx != nil {
		return reqCtx.Detach
	}
	if p.detacher != nil {
		return p.detacher.Detach
	}
	return func(fn func(context.Context)) { go fn(context.Background()) }
}

// WriteHeaders sets the §4.8 diagnostic headers on a response that is
// about to be served from the fallback path.
func WriteHeaders(w http.ResponseWriter, r *Result) {
	h := w.Header()
	h.Set("X-Fallback-Applied", "true")
	if r.Reason != "" {
		h.Set("X-Fallback-Reason", r.Reason)
	}
	if r.OriginalStatus != 0 {
		h.Set("X-Original-Status", fmt.Sprintf("%d", r.OriginalStatus))
	}
	if r.FallbackHit {
		h.Set("X-Fallback-Cache-Hit", "true")
	} else {
		h.Set("Cache-Control", "no-store")
	}
}
