// Package orchestrator implements the Cache Orchestrator (C5): the state
// machine wiring the path router, derivative resolver, transform option
// builder, cache key/version manager, KV store, range slicer, fallback
// pipeline, and TTL refresher into one request flow.
//
// Leader/follower coalescing uses golang.org/x/sync/singleflight, exactly
// as the teacher's cachedVideoService.GetVideo coalesces concurrent
// GetVideo calls per video ID (internal/usecase/cached_video_service.go),
// generalized from a single cache-aside read into the full
// bypass -> KV-lookup -> coalesce -> fetch -> store -> range-slice
// pipeline. Singleflight leader/follower outcomes are recorded through
// internal/metrics, grounded on the teacher's own SingleflightRequestsTotal
// counter.
package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/erfianugrah/videoproxy/internal/cachekey"
	"github.com/erfianugrah/videoproxy/internal/derivative"
	"github.com/erfianugrah/videoproxy/internal/fallback"
	"github.com/erfianugrah/videoproxy/internal/kv"
	"github.com/erfianugrah/videoproxy/internal/metrics"
	"github.com/erfianugrah/videoproxy/internal/originstore"
	"github.com/erfianugrah/videoproxy/internal/rangeslice"
	"github.com/erfianugrah/videoproxy/internal/reqctx"
	"github.com/erfianugrah/videoproxy/internal/router"
	"github.com/erfianugrah/videoproxy/internal/signer"
	"github.com/erfianugrah/videoproxy/internal/transform"
	"github.com/erfianugrah/videoproxy/internal/ttlrefresh"
)

// UpstreamResponse is what UpstreamFetcher returns for one transform-
// endpoint call.
type UpstreamResponse struct {
	StatusCode  int
	Body        []byte
	ContentType string
}

// UpstreamFetcher performs the actual HTTP call to the built media-endpoint
// URL. Implemented by an http.Client-backed adapter in cmd/proxy.
type UpstreamFetcher interface {
	Fetch(ctx context.Context, mediaURL string) (*UpstreamResponse, error)
}

// Request is the normalized inbound request the orchestrator reasons
// about, already stripped of any transport-specific concerns.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
}

// Response is the final, orchestrator-produced result, range-sliced where
// applicable. CacheStatus is one of "HIT", "MISS", or "BYPASS" (§6 debug
// headers).
type Response struct {
	StatusCode  int
	Body        []byte
	ContentType string
	Header      http.Header
	CacheStatus string
	CacheTags   []string
}

// Config carries the orchestrator's tunables.
type Config struct {
	MediaHost    string
	DefaultTTL   time.Duration
	BypassParams []string
}

// Orchestrator wires C1-C4 and C6-C9 into the §4.5 state machine.
type Orchestrator struct {
	rules     *router.Ruleset
	resolver  *derivative.Resolver
	versions  *cachekey.Manager
	store     kv.Store
	fb        *fallback.Pipeline
	refresher *ttlrefresh.Refresher
	fetcher   UpstreamFetcher
	signer    *signer.Signer
	overflow  originstore.Store
	cfg       Config

	sf singleflight.Group

	limitsMu sync.Mutex
	limits   transform.Limits
}

// New builds an Orchestrator. refresher may be nil to disable C9; sgnr may
// be nil when no configured pattern carries an auth descriptor; overflow
// may be nil to disable the §4.6.1 object-store overflow tier.
func New(rules *router.Ruleset, resolver *derivative.Resolver, versions *cachekey.Manager, store kv.Store, fb *fallback.Pipeline, refresher *ttlrefresh.Refresher, fetcher UpstreamFetcher, sgnr *signer.Signer, overflow originstore.Store, cfg Config) *Orchestrator {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 24 * time.Hour
	}
	return &Orchestrator{
		rules:     rules,
		resolver:  resolver,
		versions:  versions,
		store:     store,
		fb:        fb,
		refresher: refresher,
		fetcher:   fetcher,
		signer:    sgnr,
		overflow:  overflow,
		cfg:       cfg,
	}
}

// currentLimits returns the duration/body-size bounds discovered so far
// from upstream error-message mining (§4.3). Safe for concurrent use by
// singleflight-coalesced leaders.
func (o *Orchestrator) currentLimits() transform.Limits {
	o.limitsMu.Lock()
	defer o.limitsMu.Unlock()
	return o.limits
}

func (o *Orchestrator) recordDurationLimits(limits transform.Limits) {
	o.limitsMu.Lock()
	o.limits.MinDurationSeconds = limits.MinDurationSeconds
	o.limits.MaxDurationSeconds = limits.MaxDurationSeconds
	o.limits.HasLimit = true
	o.limitsMu.Unlock()
}

func (o *Orchestrator) recordBodySizeLimit(maxBytes int64) {
	o.limitsMu.Lock()
	o.limits.MaxBodySizeBytes = maxBytes
	o.limits.HasBodySizeLimit = true
	o.limitsMu.Unlock()
}

// Handle executes the §4.5 state machine for one request.
func (o *Orchestrator) Handle(ctx context.Context, reqCtx *reqctx.Context, req Request) (*Response, error) {
	path := router.NormalizePath(req.Path)

	if o.isBypass(req) {
		reqCtx.Breadcrumb("orchestrator", "bypass", path)
		return o.passthrough(ctx, path, req)
	}

	match := o.rules.MatchWithCaptures(path)
	if match == nil {
		return &Response{StatusCode: http.StatusNotFound, Header: http.Header{}, CacheStatus: "BYPASS"}, nil
	}
	pattern := match.Pattern
	if pattern.OriginURLTemplate == "" && len(pattern.OriginSources) == 0 {
		reqCtx.Breadcrumb("orchestrator", "passthrough", path)
		return o.passthrough(ctx, path, req)
	}

	preset := o.resolver.Resolve(hintsFromRequest(req))
	opts := transform.Normalize(optionsFromQuery(req.Query, preset))
	limits := o.currentLimits()
	opts.Duration = transform.ClampDuration(opts.Duration, limits)
	if err := transform.Validate(opts, limits); err != nil {
		return &Response{StatusCode: http.StatusBadRequest, Header: http.Header{}, CacheStatus: "BYPASS",
			Body: []byte(err.Error())}, nil
	}

	optionMap := optionMapFromOptions(opts, preset)
	baseKey := cachekey.BaseKey(path, optionMap)

	entry, err := o.store.Get(ctx, kv.NamespaceArtifacts, baseKey)
	if err != nil {
		metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpGet, metrics.CacheStatusError, metrics.NamespaceArtifacts).Inc()
	}
	if entry != nil {
		metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpGet, metrics.CacheStatusHit, metrics.NamespaceArtifacts).Inc()
		reqCtx.Breadcrumb("orchestrator", "cache", "hit "+baseKey)
		o.maybeRefresh(reqCtx, baseKey, entry)
		return o.finalize(entry.Body, entry.Metadata.ContentType, entry.Metadata.CacheTags, req.Header.Get("Range"), "HIT", nil)
	}
	metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpGet, metrics.CacheStatusMiss, metrics.NamespaceArtifacts).Inc()
	reqCtx.Breadcrumb("orchestrator", "cache", "miss "+baseKey)

	if body, ok := o.overflowHit(ctx, baseKey); ok {
		reqCtx.Breadcrumb("orchestrator", "cache", "overflow hit "+baseKey)
		return o.finalize(body, "", []string{fmt.Sprintf("path:%s", path)}, req.Header.Get("Range"), "HIT", nil)
	}

	v, err, shared := o.sf.Do(baseKey, func() (any, error) {
		return o.fetchAndStore(ctx, reqCtx, path, pattern, match, optionMap, baseKey, opts)
	})
	if shared {
		metrics.SingleflightRequestsTotal.WithLabelValues(metrics.SingleflightShared).Inc()
	} else {
		metrics.SingleflightRequestsTotal.WithLabelValues(metrics.SingleflightInitiated).Inc()
	}
	if err != nil {
		return nil, err
	}

	res := v.(*leaderResult)
	resp, err := o.finalize(res.body, res.contentType, res.cacheTags, req.Header.Get("Range"), "MISS", res.fallbackResult)
	if err != nil {
		return nil, err
	}
	if res.sourceUsed != "" {
		resp.Header.Set("X-Fallback-Source", res.sourceUsed)
	}
	if res.statusCode != http.StatusOK {
		resp.StatusCode = res.statusCode
	}
	return resp, nil
}

// leaderResult is what the singleflight leader computes and every waiting
// follower receives a shared reference to (§4.5: "followers receive a
// cloned response"; since Body is never mutated after construction here,
// sharing the slice satisfies byte-identity without an explicit copy).
type leaderResult struct {
	body           []byte
	contentType    string
	statusCode     int
	fallbackResult *fallback.Result
	sourceUsed     string
	cacheTags      []string
}

// fetchAndStore runs exactly once per coalesced miss: it walks the
// pattern's origin sources in priority order, applying the §4.8 fallback
// trigger rules on failure, and stores a successful transform response
// into the artifacts namespace.
func (o *Orchestrator) fetchAndStore(ctx context.Context, reqCtx *reqctx.Context, path string, pattern *router.Pattern, match *router.MatchResult, optionMap map[string]string, baseKey string, opts transform.Options) (*leaderResult, error) {
	sources := pattern.SortedOriginSources()
	if len(sources) == 0 {
		sources = []router.OriginSource{{Name: pattern.Name, Template: pattern.OriginURLTemplate, Priority: 0}}
	}

	version := o.versions.Increment(ctx, baseKey)
	ttl := o.ttlFor(pattern)

	var lastStatus int
	for i, src := range sources {
		originURL := substituteCaptures(src.Template, match)
		originURL = cachekey.VersionedURL(originURL, version)

		if pattern.Auth != nil && o.signer != nil {
			signedURL, serr := o.signOriginURL(ctx, originURL, *pattern.Auth)
			var unsupported *signer.ErrUnsupportedAuthType
			if serr != nil && !errors.As(serr, &unsupported) {
				return nil, fmt.Errorf("orchestrator: sign origin url: %w", serr)
			}
			if serr == nil {
				originURL = signedURL
			}
		}

		mediaURL := transform.BuildMediaURL(o.cfg.MediaHost, paramsFromOptions(opts), originURL)

		resp, ferr := o.fetcher.Fetch(ctx, mediaURL)
		statusCode := 0
		var body []byte
		var contentType string
		if ferr != nil {
			statusCode = http.StatusBadGateway
			metrics.UpstreamRequestsTotal.WithLabelValues("error").Inc()
		} else {
			statusCode = resp.StatusCode
			body = resp.Body
			contentType = resp.ContentType
			metrics.UpstreamRequestsTotal.WithLabelValues(statusClassLabel(statusCode)).Inc()
		}

		// §4.3 error-message mining: an upstream rejection may reveal a
		// runtime duration ceiling worth retrying against immediately, or a
		// body-size ceiling that makes this source permanently untransformable.
		if statusCode != http.StatusOK && statusCode != 0 && len(body) > 0 {
			message := string(body)
			if mined, ok := transform.MineDurationLimits(message); ok {
				o.recordDurationLimits(mined)
				if clamped := transform.ClampDuration(opts.Duration, mined); clamped != opts.Duration {
					opts.Duration = clamped
					reqCtx.Breadcrumb("orchestrator", "transform", fmt.Sprintf("duration clamped to %.0fs after upstream limit discovery", clamped))
					mediaURL = transform.BuildMediaURL(o.cfg.MediaHost, paramsFromOptions(opts), originURL)
					resp, ferr = o.fetcher.Fetch(ctx, mediaURL)
					if ferr != nil {
						statusCode = http.StatusBadGateway
						metrics.UpstreamRequestsTotal.WithLabelValues("error").Inc()
					} else {
						statusCode = resp.StatusCode
						body = resp.Body
						contentType = resp.ContentType
						metrics.UpstreamRequestsTotal.WithLabelValues(statusClassLabel(statusCode)).Inc()
					}
				}
			} else if maxBytes, ok := transform.MineBodySizeLimit(message); ok {
				o.recordBodySizeLimit(maxBytes)
				reqCtx.Breadcrumb("orchestrator", "fallback", "origin too large to transform, routing to fallback")
				return o.runFallback(ctx, reqCtx, baseKey, path, statusCode, fallback.ReasonBodyTooLarge)
			}
		}

		if statusCode == http.StatusOK {
			tags := []string{fmt.Sprintf("path:%s", path)}
			if opts.Derivative != "" {
				tags = append(tags, fmt.Sprintf("derivative:%s", opts.Derivative))
			}
			meta := kv.Metadata{
				ContentType:   contentType,
				ContentLength: int64(len(body)),
				CreatedAt:     nowFunc(),
				ExpiresAt:     nowFunc().Add(ttl),
				TTLSeconds:    int(ttl.Seconds()),
				CacheVersion:  version,
				CacheTags:     tags,
			}
			putErr := o.store.Put(ctx, kv.NamespaceArtifacts, baseKey, body, meta, ttl)
			if errors.Is(putErr, kv.ErrTooLarge) {
				if o.overflow != nil {
					overflowKey := overflowKeyFor(baseKey)
					if operr := o.overflow.PutOverflow(ctx, overflowKey, bytes.NewReader(body), int64(len(body)), contentType); operr == nil {
						reqCtx.Breadcrumb("orchestrator", "overflow", "stored oversized artifact in origin store")
						metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpPut, metrics.CacheStatusSuccess, metrics.NamespaceArtifacts).Inc()
						sourceUsed := ""
						if i > 0 {
							sourceUsed = src.Name
						}
						return &leaderResult{body: body, contentType: contentType, statusCode: http.StatusOK, sourceUsed: sourceUsed, cacheTags: tags}, nil
					}
					reqCtx.Breadcrumb("orchestrator", "overflow", "overflow store write failed, routing to fallback")
				}
				reqCtx.Breadcrumb("orchestrator", "fallback", "artifact too large, routing to fallback")
				fr, ferr2 := o.fb.Populate(ctx, reqCtx, fallback.Key(baseKey), path, contentType, statusCode, fallback.ReasonArtifactTooLarge)
				if ferr2 != nil {
					return nil, ferr2
				}
				metrics.FallbackAppliedTotal.WithLabelValues(fallback.ReasonArtifactTooLarge, "false").Inc()
				return &leaderResult{body: fr.Body, contentType: fr.ContentType, statusCode: http.StatusOK, fallbackResult: fr, cacheTags: []string{fallback.CacheTag(path)}}, nil
			}
			if putErr != nil {
				metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpPut, metrics.CacheStatusError, metrics.NamespaceArtifacts).Inc()
			} else {
				metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpPut, metrics.CacheStatusSuccess, metrics.NamespaceArtifacts).Inc()
			}

			sourceUsed := ""
			if i > 0 {
				sourceUsed = src.Name
			}
			return &leaderResult{body: body, contentType: contentType, statusCode: http.StatusOK, sourceUsed: sourceUsed, cacheTags: tags}, nil
		}

		lastStatus = statusCode
		decision := fallback.Decide(statusCode, len(sources), i)
		if decision.RetryAlternative {
			reqCtx.Breadcrumb("orchestrator", "fallback", fmt.Sprintf("404 on %s, retrying next source", src.Name))
			continue
		}
		if decision.ShouldFallback {
			return o.runFallback(ctx, reqCtx, baseKey, path, statusCode, decision.Reason)
		}

		// any other status: surface to the client unmodified, never cached.
		return &leaderResult{body: body, contentType: contentType, statusCode: statusCode}, nil
	}

	return nil, fmt.Errorf("orchestrator: exhausted origin sources, last status %d", lastStatus)
}

func (o *Orchestrator) runFallback(ctx context.Context, reqCtx *reqctx.Context, baseKey, path string, originalStatus int, reason string) (*leaderResult, error) {
	key := fallback.Key(baseKey)

	if cached, err := o.fb.CheckCache(ctx, key); err == nil && cached != nil {
		metrics.FallbackAppliedTotal.WithLabelValues(reason, "true").Inc()
		return &leaderResult{body: cached.Body, contentType: cached.ContentType, statusCode: http.StatusOK, fallbackResult: cached, cacheTags: []string{fallback.CacheTag(path)}}, nil
	}

	fr, err := o.fb.Populate(ctx, reqCtx, key, path, "", originalStatus, reason)
	if err != nil {
		return nil, err
	}
	metrics.FallbackAppliedTotal.WithLabelValues(reason, "false").Inc()
	return &leaderResult{body: fr.Body, contentType: fr.ContentType, statusCode: http.StatusOK, fallbackResult: fr, cacheTags: []string{fallback.CacheTag(path)}}, nil
}

// overflowKeyFor derives the origin-store object key an oversized artifact
// is written under, keeping it out of the bucket's origin-path namespace.
func overflowKeyFor(baseKey string) string {
	return "overflow/" + baseKey
}

// overflowHit checks whether baseKey was previously routed to the §4.6.1
// overflow tier and, if so, reads it back directly, sparing a re-fetch
// through the transform service for an artifact already known to exceed
// the KV size limit.
func (o *Orchestrator) overflowHit(ctx context.Context, baseKey string) ([]byte, bool) {
	if o.overflow == nil {
		return nil, false
	}
	key := overflowKeyFor(baseKey)
	exists, err := o.overflow.Exists(ctx, key)
	if err != nil || !exists {
		return nil, false
	}
	rc, err := o.overflow.Fetch(ctx, key)
	if err != nil {
		return nil, false
	}
	defer rc.Close()
	body, err := io.ReadAll(rc)
	if err != nil {
		return nil, false
	}
	return body, true
}

// signOriginURL builds a throwaway request against originURL purely to
// obtain the signer's rewritten URL string (§6); the signer itself
// interprets auth.Type and rejects anything it doesn't recognize with
// ErrUnsupportedAuthType.
func (o *Orchestrator) signOriginURL(ctx context.Context, originURL string, auth router.Auth) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, originURL, nil)
	if err != nil {
		return "", fmt.Errorf("orchestrator: build signing request: %w", err)
	}
	signed, err := o.signer.Sign(ctx, req, auth)
	if err != nil {
		return "", err
	}
	return signed.URL.String(), nil
}

// nowFunc is a seam for deterministic tests.
var nowFunc = time.Now

func (o *Orchestrator) ttlFor(pattern *router.Pattern) time.Duration {
	if pattern.TTL != nil && pattern.TTL.Seconds > 0 {
		return time.Duration(pattern.TTL.Seconds) * time.Second
	}
	return o.cfg.DefaultTTL
}

// maybeRefresh applies the §4.9 TTL-refresh decision to a cache hit,
// scheduling the refresh under the request's detach capability.
func (o *Orchestrator) maybeRefresh(reqCtx *reqctx.Context, baseKey string, entry *kv.Entry) {
	if o.refresher == nil {
		return
	}
	now := nowFunc()
	ttl := time.Duration(entry.Metadata.TTLSeconds) * time.Second
	if !ttlrefresh.ShouldRefresh(entry.Metadata.CreatedAt, entry.Metadata.ExpiresAt, now, ttl) {
		return
	}
	o.refresher.RefreshAsync(reqCtx, kv.NamespaceArtifacts, baseKey, ttl)
}

// finalize applies range slicing (if requested) to a resolved body and
// assembles the final Response.
func (o *Orchestrator) finalize(body []byte, contentType string, cacheTags []string, rangeHeader, cacheStatus string, fr *fallback.Result) (*Response, error) {
	rec := newHeaderRecorder()

	if rangeHeader != "" {
		r, err := rangeslice.ParseRange(rangeHeader, int64(len(body)))
		if err != nil {
			if errors.Is(err, rangeslice.ErrNotARange) {
				// not a byte range; fall through and serve the full body.
			} else {
				rangeslice.WriteUnsatisfiable(rec, int64(len(body)))
				rec.header.Set("X-Cache", cacheStatus)
				if fr != nil {
					fallback.WriteHeaders(rec, fr)
				}
				return &Response{StatusCode: rec.status, Header: rec.header, CacheStatus: cacheStatus, CacheTags: cacheTags}, nil
			}
		} else {
			rangeslice.WritePartial(rec, r, body, contentType)
			rec.header.Set("X-Cache", cacheStatus)
			if fr != nil {
				fallback.WriteHeaders(rec, fr)
			}
			return &Response{StatusCode: rec.status, Body: rec.body, ContentType: contentType, Header: rec.header, CacheStatus: cacheStatus, CacheTags: cacheTags}, nil
		}
	}

	header := http.Header{}
	header.Set("X-Cache", cacheStatus)
	if fr != nil {
		fallback.WriteHeaders(headerWriter{header}, fr)
	}
	return &Response{StatusCode: http.StatusOK, Body: body, ContentType: contentType, Header: header, CacheStatus: cacheStatus, CacheTags: cacheTags}, nil
}

// headerRecorder is a minimal http.ResponseWriter over an in-memory
// buffer, letting the orchestrator reuse rangeslice's and fallback's
// header-writing helpers without depending on net/http/httptest.
type headerRecorder struct {
	header http.Header
	status int
	body   []byte
}

func newHeaderRecorder() *headerRecorder {
	return &headerRecorder{header: http.Header{}, status: http.StatusOK}
}

func (h *headerRecorder) Header() http.Header         { return h.header }
func (h *headerRecorder) WriteHeader(statusCode int)   { h.status = statusCode }
func (h *headerRecorder) Write(b []byte) (int, error) {
	h.body = append(h.body, b...)
	return len(b), nil
}

// headerWriter adapts a bare http.Header into an http.ResponseWriter for
// callers (like fallback.WriteHeaders) that only ever call Header().
type headerWriter struct{ h http.Header }

func (w headerWriter) Header() http.Header       { return w.h }
func (w headerWriter) WriteHeader(int)           {}
func (w headerWriter) Write(b []byte) (int, error) { return len(b), nil }

// passthrough forwards a bypassed request, or one whose matched pattern has
// no origin template or sources, directly to the media host without any
// transform rewriting, never storing the result. Unmatched paths never
// reach it; Handle answers them with 404.
func (o *Orchestrator) passthrough(ctx context.Context, path string, req Request) (*Response, error) {
	mediaURL := strings.TrimSuffix(o.cfg.MediaHost, "/") + path
	if len(req.Query) > 0 {
		mediaURL += "?" + req.Query.Encode()
	}
	resp, err := o.fetcher.Fetch(ctx, mediaURL)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: passthrough fetch: %w", err)
	}
	header := http.Header{}
	header.Set("X-Cache", "BYPASS")
	return &Response{StatusCode: resp.StatusCode, Body: resp.Body, ContentType: resp.ContentType, Header: header, CacheStatus: "BYPASS"}, nil
}

// isBypass implements §4.5's bypass rule: non-GET/HEAD methods, the
// standard debug/nocache/bypass query markers, or any configured
// per-deployment bypass parameter.
func (o *Orchestrator) isBypass(req Request) bool {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return true
	}
	for _, p := range []string{"debug", "nocache", "bypass"} {
		if req.Query.Has(p) {
			return true
		}
	}
	for _, p := range o.cfg.BypassParams {
		if req.Query.Has(p) {
			return true
		}
	}
	return false
}

func statusClassLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 200:
		return "2xx"
	default:
		return "error"
	}
}

// substituteCaptures replaces {1}, {2}, ... and {name} placeholders in an
// origin URL template with the path's regex captures.
func substituteCaptures(template string, match *router.MatchResult) string {
	if match == nil {
		return template
	}
	out := template
	for k, v := range match.Numbered {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	for k, v := range match.Named {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}

// hintsFromRequest extracts derivative.Hints from client-hint headers and
// explicit width/height query overrides.
func hintsFromRequest(req Request) derivative.Hints {
	h := derivative.Hints{
		ViewportWidth: derivative.ParseFloat(req.Header.Get("Sec-CH-Viewport-Width")),
		DPR:           derivative.ParseFloat(req.Header.Get("Sec-CH-DPR")),
		SaveData:      strings.EqualFold(req.Header.Get("Sec-CH-Save-Data"), "true") || req.Header.Get("Sec-CH-Save-Data") == "?1",
		DeviceClass:   req.Header.Get("CDN-Device-Class"),
		UserAgent:     req.Header.Get("User-Agent"),
	}
	if w := req.Query.Get("imwidth"); w != "" {
		if n, err := strconv.Atoi(w); err == nil {
			h.ExplicitWidth = n
		}
	}
	if ht := req.Query.Get("imheight"); ht != "" {
		if n, err := strconv.Atoi(ht); err == nil {
			h.ExplicitHeight = n
		}
	}
	if ref := req.Query.Get("imref"); ref != "" {
		vals := derivative.ParseIMQueryRef(ref)
		if w, ok := vals["w"]; ok {
			if n, err := strconv.Atoi(w); err == nil {
				h.ExplicitWidth = n
			}
		}
		if ht, ok := vals["h"]; ok {
			if n, err := strconv.Atoi(ht); err == nil {
				h.ExplicitHeight = n
			}
		}
	}
	return h
}

// optionsFromQuery builds transform.Options from query parameters,
// applying vendor-alias translation and falling back to the resolved
// derivative preset's dimensions when no explicit size is given.
func optionsFromQuery(q url.Values, preset derivative.Preset) transform.Options {
	get := func(canon string) string {
		if v := q.Get(canon); v != "" {
			return v
		}
		for vendor, mapped := range vendorReverse {
			if mapped == canon {
				if v := q.Get(vendor); v != "" {
					return v
				}
			}
		}
		return ""
	}

	opts := transform.Options{
		Mode:        transform.Mode(orDefault(get("mode"), string(transform.ModeVideo))),
		Fit:         transform.Fit(get("fit")),
		Compression: get("compression"),
		Preload:     get("preload"),
		Format:      get("format"),
		Derivative:  preset.Name,
		Width:       preset.Width,
		Height:      preset.Height,
		Quality:     preset.Quality,
	}

	if w := get("width"); w != "" {
		if n, err := strconv.Atoi(w); err == nil {
			opts.Width = n
		}
	}
	if h := get("height"); h != "" {
		if n, err := strconv.Atoi(h); err == nil {
			opts.Height = n
		}
	}
	if fitAlias := q.Get("obj-fit"); fitAlias != "" {
		opts.Fit = transform.TranslateFitValue(fitAlias)
	}
	if mute := q.Get("mute"); mute != "" {
		opts.Audio = transform.InvertMute(mute == "true" || mute == "1")
	} else if audio := get("audio"); audio != "" {
		opts.Audio = audio == "true" || audio == "1"
	}
	if t := get("time"); t != "" {
		if seconds, err := transform.ParseTime(t); err == nil {
			opts.Time = seconds
		}
	}
	if d := get("duration"); d != "" {
		if seconds, err := transform.ParseTime(d); err == nil {
			opts.Duration = seconds
		}
	}
	opts.Loop = q.Get("loop") == "true"
	opts.Autoplay = q.Get("autoplay") == "true"
	opts.Muted = q.Get("muted") == "true"

	return opts
}

var vendorReverse = map[string]string{
	"w":       "width",
	"h":       "height",
	"obj-fit": "fit",
	"start":   "time",
	"dur":     "duration",
	"f":       "format",
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// optionMapFromOptions renders Options into the string map cachekey.BaseKey
// canonicalizes, carrying only fields that affect the rendered artifact.
func optionMapFromOptions(o transform.Options, preset derivative.Preset) map[string]string {
	m := map[string]string{"derivative": o.Derivative}
	if o.Derivative == "" {
		m["width"] = strconv.Itoa(o.Width)
		m["height"] = strconv.Itoa(o.Height)
	}
	if o.Mode != "" {
		m["mode"] = string(o.Mode)
	}
	if o.Fit != "" {
		m["fit"] = string(o.Fit)
	}
	if o.Format != "" {
		m["format"] = o.Format
	}
	if o.Quality > 0 {
		m["quality"] = strconv.Itoa(o.Quality)
	}
	if o.Time > 0 {
		m["time"] = transform.FormatTime(o.Time)
	}
	if o.Duration > 0 {
		m["duration"] = transform.FormatTime(o.Duration)
	}
	if o.Audio {
		m["audio"] = "true"
	}
	if o.Loop {
		m["loop"] = "true"
	}
	return m
}

// paramsFromOptions renders Options into the comma-separated media-URL
// parameter segment via transform.Builder.
func paramsFromOptions(o transform.Options) string {
	b := transform.NewBuilder()
	if o.Width > 0 {
		b.Set("width", strconv.Itoa(o.Width))
	}
	if o.Height > 0 {
		b.Set("height", strconv.Itoa(o.Height))
	}
	b.Set("mode", string(o.Mode))
	b.Set("fit", string(o.Fit))
	if o.Audio {
		b.Set("audio", "true")
	}
	if o.Quality > 0 {
		b.Set("quality", strconv.Itoa(o.Quality))
	}
	b.Set("compression", o.Compression)
	if o.Duration > 0 {
		b.Set("duration", transform.FormatTime(o.Duration))
	}
	if o.Time > 0 {
		b.Set("time", transform.FormatTime(o.Time))
	}
	if o.Loop {
		b.Set("loop", "true")
	}
	if o.Autoplay {
		b.Set("autoplay", "true")
	}
	if o.Muted {
		b.Set("muted", "true")
	}
	b.Set("preload", o.Preload)
	b.Set("format", o.Format)
	return b.Build()
}
