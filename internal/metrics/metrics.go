// Package metrics provides Prometheus metrics for observability.
//
// Grounded on the teacher's infrastructure/metrics/prometheus.go
// (promauto.NewCounterVec pattern, namespace constant, label-constant
// groups), generalized from the video-platform's cache/db/singleflight
// counters to this proxy's artifact-cache, coalescing, fallback, and
// TTL-refresh concerns.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "videoproxy"

var (
	// CacheOperationsTotal tracks KV operations (get, put, delete).
	// Labels:
	//   - operation: get, put, delete
	//   - status: hit, miss, success, error
	//   - namespace: artifacts, versions, fallback
	CacheOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_operations_total",
			Help:      "Total number of KV store operations",
		},
		[]string{"operation", "status", "namespace"},
	)

	// SingleflightRequestsTotal tracks leader/follower coalescing outcomes.
	// Labels:
	//   - result: initiated (leader), shared (follower)
	SingleflightRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "singleflight_requests_total",
			Help:      "Total number of singleflight-coalesced requests",
		},
		[]string{"result"},
	)

	// FallbackAppliedTotal tracks fallback-pipeline activations.
	// Labels:
	//   - reason: transform_server_error, alternative_source_exhausted,
	//     artifact_too_large, body_too_large
	//   - cache_hit: true, false
	FallbackAppliedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_applied_total",
			Help:      "Total number of requests served through the fallback pipeline",
		},
		[]string{"reason", "cache_hit"},
	)

	// TTLRefreshTotal tracks background TTL refresh attempts.
	// Labels:
	//   - status: success, rate_limited, error
	TTLRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ttl_refresh_total",
			Help:      "Total number of TTL refresh attempts",
		},
		[]string{"status"},
	)

	// UpstreamRequestsTotal tracks calls to the transform endpoint.
	// Labels:
	//   - status: 2xx, 4xx, 5xx, error
	UpstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Total number of requests to the upstream transform endpoint",
		},
		[]string{"status"},
	)
)

// Cache operation status constants.
const (
	CacheStatusHit     = "hit"
	CacheStatusMiss    = "miss"
	CacheStatusSuccess = "success"
	CacheStatusError   = "error"
)

// Cache operation type constants.
const (
	CacheOpGet    = "get"
	CacheOpPut    = "put"
	CacheOpDelete = "delete"
)

// Namespace label constants, mirroring internal/kv's Namespace values.
const (
	NamespaceArtifacts = "artifacts"
	NamespaceVersions  = "versions"
	NamespaceFallback  = "fallback"
)

// Singleflight result constants.
const (
	SingleflightInitiated = "initiated"
	SingleflightShared    = "shared"
)

// TTL refresh status constants.
const (
	TTLRefreshSuccess     = "success"
	TTLRefreshRateLimited = "rate_limited"
	TTLRefreshError       = "error"
)
