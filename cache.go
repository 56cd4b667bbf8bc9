package krequest

import (
	"bytes"
	"hash/fnv"
	"io"
	"net/http"
	"sync"
	"time"
)

const maxCacheBodySize = 10 * 1024 * 1024

// InMemoryCache is a sharded map cache with per-entry expiry.
type InMemoryCache struct {
	shards    []*cacheShard
	numShards int
}

type cacheShard struct {
	mu    sync.RWMutex
	store map[string]*CacheEntry
}

// NewInMemoryCache returns an empty cache with 16 shards.
func NewInMemoryCache() *InMemoryCache {
	numShards := 16
	shards := make([]*cacheShard, numShards)
	for i := range shards {
		shards[i] = &cacheShard{
			store: make(map[string]*CacheEntry),
		}
	}
	return &InMemoryCache{
		shards:    shards,
		numShards: numShards,
	}
}

func (c *InMemoryCache) getShard(key string) *cacheShard {
	hash := fnv.New32a()
	_, _ = hash.Write([]byte(key))
	return c.shards[hash.Sum32()%uint32(c.numShards)]
}

// Get returns a live entry. Expired entries are removed.
func (c *InMemoryCache) Get(key string) (*CacheEntry, bool) {
	shard := c.getShard(key)
	shard.mu.RLock()
	entry, exists := shard.store[key]
	shard.mu.RUnlock()

	if !exists {
		return nil, false
	}

	if time.Now().After(entry.ExpiresAt) {
		shard.mu.Lock()
		if current, ok := shard.store[key]; ok && current == entry {
			delete(shard.store, key)
		}
		shard.mu.Unlock()
		return nil, false
	}

	return entry, true
}

// Set stores entry for ttl.
func (c *InMemoryCache) Set(key string, entry *CacheEntry, ttl time.Duration) {
	shard := c.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	entry.ExpiresAt = time.Now().Add(ttl)
	shard.store[key] = entry
}

// Delete removes key.
func (c *InMemoryCache) Delete(key string) {
	shard := c.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	delete(shard.store, key)
}

// Clear removes every entry.
func (c *InMemoryCache) Clear() {
	for _, shard := range c.shards {
		shard.mu.Lock()
		shard.store = make(map[string]*CacheEntry)
		shard.mu.Unlock()
	}
}

// Len returns the number of stored entries, expired ones included.
func (c *InMemoryCache) Len() int {
	total := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		total += len(shard.store)
		shard.mu.RUnlock()
	}
	return total
}

// CacheConfig configures CacheMiddleware.
type CacheConfig struct {
	Cache     Cache
	TTL       time.Duration
	KeyFunc   func(c *Context) string
	Condition CacheCondition
}

// DefaultCacheKeyFunc keys entries by method and full URL.
func DefaultCacheKeyFunc(c *Context) string {
	if c.URL == nil {
		return c.Method + ":"
	}
	return c.Method + ":" + c.URL.String()
}

// DefaultCacheCondition caches GET requests.
func DefaultCacheCondition(c *Context) bool {
	return c.Method == http.MethodGet
}

// CacheMiddleware answers from cache without calling next on a hit, and stores
// successful responses on a miss. A CacheControl stored under the "cache" option
// overrides the condition and TTL for one request.
func CacheMiddleware(cfg CacheConfig) Middleware {
	if cfg.Cache == nil {
		cfg.Cache = NewInMemoryCache()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = DefaultCacheKeyFunc
	}
	if cfg.Condition == nil {
		cfg.Condition = DefaultCacheCondition
	}

	return func(c *Context, next Next) error {
		ttl := cfg.TTL
		enabled := cfg.Condition(c)
		if control, ok := cacheControl(c); ok {
			enabled = control.Enabled
			if control.TTL > 0 {
				ttl = control.TTL
			}
		}
		if !enabled {
			return next()
		}

		key := cfg.KeyFunc(c)
		endpoint := c.Endpoint()
		logCache := c.debugEnabled(func(d *DebugConfig) bool { return d.LogCache })

		if entry, found := cfg.Cache.Get(key); found {
			c.Metrics().RecordCacheHit(c.Method, endpoint)
			if logCache {
				c.Logger().Debug("Cache hit", "requestID", c.RequestID, "cacheKey", key)
			}
			c.Response = responseFromCache(entry)
			return nil
		}

		c.Metrics().RecordCacheMiss(c.Method, endpoint)
		if logCache {
			c.Logger().Debug("Cache miss", "requestID", c.RequestID, "cacheKey", key)
		}

		if err := next(); err != nil {
			return err
		}
		if c.Response == nil || c.Response.StatusCode >= 400 {
			return nil
		}

		entry, err := cacheEntryFromResponse(c.Response)
		if err != nil {
			return c.transportError(err)
		}
		cfg.Cache.Set(key, entry, ttl)

		if mem, ok := cfg.Cache.(*InMemoryCache); ok {
			c.Metrics().RecordCacheSize("default", mem.Len())
		}
		if logCache {
			c.Logger().Debug("Response cached", "requestID", c.RequestID, "cacheKey", key, "ttl", ttl)
		}
		return nil
	}
}

func cacheControl(c *Context) (*CacheControl, bool) {
	switch v := c.Options[OptionCache].(type) {
	case *CacheControl:
		return v, v != nil
	case CacheControl:
		return &v, true
	case bool:
		return &CacheControl{Enabled: v}, true
	default:
		return nil, false
	}
}

func responseFromCache(entry *CacheEntry) *http.Response {
	return &http.Response{
		Status:        http.StatusText(entry.StatusCode),
		StatusCode:    entry.StatusCode,
		Header:        entry.Header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(entry.Body)),
		ContentLength: int64(len(entry.Body)),
	}
}

// cacheEntryFromResponse reads the body, up to 10 MiB, and puts a replayable copy back
// on the response.
func cacheEntryFromResponse(resp *http.Response) (*CacheEntry, error) {
	var body []byte
	if resp.Body != nil {
		var err error
		body, err = io.ReadAll(io.LimitReader(resp.Body, maxCacheBodySize))
		_ = resp.Body.Close()
		if err != nil {
			return nil, err
		}
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	return &CacheEntry{
		Body:       body,
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
	}, nil
}
