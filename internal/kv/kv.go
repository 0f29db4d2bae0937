// Package kv implements the KV Store Adapter (C6): read/write serialised
// responses with metadata, backed by Redis, across the three namespaces
// spec §6 defines ("artifacts", "versions", "fallback").
//
// Grounded on the teacher's infrastructure/cache/redis.go (buildKey,
// serialize/deserialize-with-TTL idiom against github.com/redis/go-redis/v9),
// generalized from a single video-metadata JSON blob to an envelope of
// arbitrary bytes plus a metadata sidecar, and from one cache to three
// logical namespaces distinguished by key prefix.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Errors distinguishable by C5/C8 per spec §4.6 and §7.
var (
	// ErrTooLarge is returned by Put when the body exceeds MaxValueBytes.
	// C5 routes this to the fallback pipeline without caching.
	ErrTooLarge = errors.New("kv: value exceeds configured size limit")

	// ErrNotFound is not returned by any RedisStore method: Get returns
	// nil,nil on a miss, and Delete of a key that never existed succeeds.
	ErrNotFound = errors.New("kv: key not found")
)

// Namespace identifies one of the three logical key spaces.
type Namespace string

const (
	NamespaceArtifacts Namespace = "artifacts"
	NamespaceVersions  Namespace = "versions"
	NamespaceFallback  Namespace = "fallback"
)

// Metadata is stored adjacent to the value, per spec §3/§4.6.2.
type Metadata struct {
	ContentType   string    `json:"content_type"`
	ContentLength int64     `json:"content_length"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	TTLSeconds    int       `json:"ttl_seconds"`
	CacheTags     []string  `json:"cache_tags,omitempty"`
	CacheVersion  int       `json:"cache_version"`
}

// Entry is a full KV read result.
type Entry struct {
	Body     []byte
	Metadata Metadata
}

// envelope is the wire representation stored in Redis: metadata and body
// travel together so a single GET returns everything needed, mirroring the
// teacher's videoJSON DTO pattern of keeping the wire shape separate from
// the domain type.
type envelope struct {
	Metadata Metadata `json:"metadata"`
	Body     []byte   `json:"body"`
}

// Store is the C6 contract used by C5/C8/C9.
type Store interface {
	Get(ctx context.Context, ns Namespace, key string) (*Entry, error)
	Put(ctx context.Context, ns Namespace, key string, body []byte, meta Metadata, ttl time.Duration) error
	Delete(ctx context.Context, ns Namespace, key string) error
	List(ctx context.Context, ns Namespace, prefix string) ([]string, error)
	// ListVariants returns every key (in NamespaceArtifacts) that begins
	// with basePath, regardless of derivative or version. basePath is the
	// artifact-key prefix up to the option segment (e.g. "video:/a.mp4:");
	// a bare path such as "/a.mp4" matches nothing.
	ListVariants(ctx context.Context, basePath string) ([]string, error)

	// CurrentVersion and IncrementVersion satisfy cachekey.VersionStore
	// against NamespaceVersions, stored as raw integers rather than the
	// JSON envelope (§4.4).
	CurrentVersion(ctx context.Context, baseKey string) (int, error)
	IncrementVersion(ctx context.Context, baseKey string) (int, error)
}

// RedisStore implements Store against a single Redis instance.
type RedisStore struct {
	client        *redis.Client
	maxValueBytes int64
}

// NewRedisStore creates a RedisStore. maxValueBytes <= 0 disables the size
// check (not recommended; spec §4.6.1 nominally defaults to 25 MB).
func NewRedisStore(client *redis.Client, maxValueBytes int64) *RedisStore {
	return &RedisStore{client: client, maxValueBytes: maxValueBytes}
}

func redisKey(ns Namespace, key string) string {
	return string(ns) + ":" + key
}

// Get retrieves an entry. Returns nil, nil on cache miss, matching the
// teacher's RedisVideoCache.Get contract.
func (s *RedisStore) Get(ctx context.Context, ns Namespace, key string) (*Entry, error) {
	data, err := s.client.Get(ctx, redisKey(ns, key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("kv get: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("kv deserialize: %w", err)
	}
	return &Entry{Body: env.Body, Metadata: env.Metadata}, nil
}

// Put stores an entry with the given TTL. Bodies exceeding the configured
// limit are rejected with ErrTooLarge so the caller can route to fallback
// without caching (§4.6.1).
func (s *RedisStore) Put(ctx context.Context, ns Namespace, key string, body []byte, meta Metadata, ttl time.Duration) error {
	if s.maxValueBytes > 0 && int64(len(body)) > s.maxValueBytes {
		return ErrTooLarge
	}

	env := envelope{Metadata: meta, Body: body}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("kv serialize: %w", err)
	}

	if err := s.client.Set(ctx, redisKey(ns, key), data, ttl).Err(); err != nil {
		return fmt.Errorf("kv put: %w", err)
	}
	return nil
}

// Delete removes an entry.
func (s *RedisStore) Delete(ctx context.Context, ns Namespace, key string) error {
	if err := s.client.Del(ctx, redisKey(ns, key)).Err(); err != nil {
		return fmt.Errorf("kv delete: %w", err)
	}
	return nil
}

// List enumerates keys under prefix within a namespace via SCAN, mirroring
// the prefix-enumeration idiom used for object-storage bucket listing.
func (s *RedisStore) List(ctx context.Context, ns Namespace, prefix string) ([]string, error) {
	pattern := redisKey(ns, prefix) + "*"
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, stripNamespace(ns, iter.Val()))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("kv list: %w", err)
	}
	return keys, nil
}

// ListVariants returns every artifact key that begins with basePath,
// regardless of derivative/option suffix or version.
func (s *RedisStore) ListVariants(ctx context.Context, basePath string) ([]string, error) {
	return s.List(ctx, NamespaceArtifacts, basePath)
}

func stripNamespace(ns Namespace, redisKeyStr string) string {
	prefix := string(ns) + ":"
	if len(redisKeyStr) > len(prefix) && redisKeyStr[:len(prefix)] == prefix {
		return redisKeyStr[len(prefix):]
	}
	return redisKeyStr
}

// CurrentVersion reads the integer version counter, defaulting to 0 (the
// cachekey.Manager layer maps 0/missing to 1).
func (s *RedisStore) CurrentVersion(ctx context.Context, baseKey string) (int, error) {
	v, err := s.client.Get(ctx, redisKey(NamespaceVersions, baseKey)).Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("kv version get: %w", err)
	}
	return v, nil
}

// IncrementVersion atomically increments the version counter via Redis
// INCR. No CAS is required (§4.4): concurrent increments may skip
// integers, which is permitted.
func (s *RedisStore) IncrementVersion(ctx context.Context, baseKey string) (int, error) {
	v, err := s.client.Incr(ctx, redisKey(NamespaceVersions, baseKey)).Result()
	if err != nil {
		return 0, fmt.Errorf("kv version incr: %w", err)
	}
	return int(v), nil
}

// Ping confirms the backing Redis instance is reachable, for readiness
// checks.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("kv ping: %w", err)
	}
	return nil
}
