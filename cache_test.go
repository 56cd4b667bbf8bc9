package krequest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

const writeResponseErrorMsg = "Failed to write response: %v"

func TestNewInMemoryCache(t *testing.T) {
	cache := NewInMemoryCache()

	if cache == nil {
		t.Fatal("NewInMemoryCache() returned nil")
	}

	if cache.shards == nil {
		t.Error("Cache shards not initialized")
	}

	if len(cache.shards) != cache.numShards {
		t.Errorf("Expected %d shards, got %d", cache.numShards, len(cache.shards))
	}
}

func TestInMemoryCacheGet(t *testing.T) {
	cache := NewInMemoryCache()

	// Test getting non-existent key
	_, found := cache.Get("nonexistent")
	if found {
		t.Error("Expected false for non-existent key")
	}

	entry := &CacheEntry{
		Body:       []byte("test data"),
		StatusCode: 200,
		Header:     make(http.Header),
	}

	cache.Set("test-key", entry, 1*time.Hour)

	retrieved, found := cache.Get("test-key")
	if !found {
		t.Fatal("Expected to find cached entry")
	}

	if string(retrieved.Body) != "test data" {
		t.Errorf("Expected body 'test data', got '%s'", string(retrieved.Body))
	}
}

func TestInMemoryCacheExpiration(t *testing.T) {
	cache := NewInMemoryCache()
	cache.Set("short", &CacheEntry{Body: []byte("x")}, time.Millisecond)

	time.Sleep(5 * time.Millisecond)

	if _, found := cache.Get("short"); found {
		t.Error("Expected expired entry to be missing")
	}
	if cache.Len() != 0 {
		t.Errorf("Expected expired entry to be removed, got %d entries", cache.Len())
	}
}

func TestInMemoryCacheDeleteAndClear(t *testing.T) {
	cache := NewInMemoryCache()
	for i := 0; i < 20; i++ {
		cache.Set(fmt.Sprintf("key-%d", i), &CacheEntry{}, time.Hour)
	}

	cache.Delete("key-3")
	if _, found := cache.Get("key-3"); found {
		t.Error("Expected deleted key to be missing")
	}
	if cache.Len() != 19 {
		t.Errorf("Expected 19 entries, got %d", cache.Len())
	}

	cache.Clear()
	if cache.Len() != 0 {
		t.Errorf("Expected empty cache, got %d entries", cache.Len())
	}
}

func countingServer(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.Header().Set("Content-Type", "text/plain")
		if r.URL.Query().Get("fail") != "" {
			w.WriteHeader(http.StatusInternalServerError)
		}
		if _, err := fmt.Fprintf(w, "response %d", n); err != nil {
			t.Errorf(writeResponseErrorMsg, err)
		}
	}))
}

func TestCacheMiddlewareHitShortCircuits(t *testing.T) {
	var calls atomic.Int32
	server := countingServer(t, &calls)
	defer server.Close()

	registry := prometheus.NewRegistry()
	collector := NewMetricsCollectorWithRegistry(registry)
	client := New(WithMetricsCollector(collector))
	client.Use(CacheMiddleware(CacheConfig{TTL: time.Minute}))

	for i := 0; i < 3; i++ {
		out, err := client.Get(server.URL + "/cached").Exec(context.Background())
		if err != nil {
			t.Fatalf("Exec() returned error: %v", err)
		}
		if out != "response 1" {
			t.Errorf("Expected cached response, got %v", out)
		}
	}

	if calls.Load() != 1 {
		t.Errorf("Expected 1 server call, got %d", calls.Load())
	}

	endpoint := server.Listener.Addr().String() + "/cached"
	if got := testutil.ToFloat64(collector.cacheHits.WithLabelValues("GET", endpoint)); got != 2 {
		t.Errorf("Expected 2 cache hits, got %v", got)
	}
	if got := testutil.ToFloat64(collector.cacheMisses.WithLabelValues("GET", endpoint)); got != 1 {
		t.Errorf("Expected 1 cache miss, got %v", got)
	}
	if got := testutil.ToFloat64(collector.shortCircuits.WithLabelValues("GET", endpoint)); got != 2 {
		t.Errorf("Expected 2 short circuits, got %v", got)
	}
}

func TestCacheMiddlewareSkipsErrorsAndPost(t *testing.T) {
	var calls atomic.Int32
	server := countingServer(t, &calls)
	defer server.Close()

	client := New()
	client.Use(CacheMiddleware(CacheConfig{}))

	for i := 0; i < 2; i++ {
		if _, err := client.Get(server.URL + "?fail=1").Exec(context.Background()); err != nil {
			t.Fatalf("Exec() returned error: %v", err)
		}
		if _, err := client.Post(server.URL).Exec(context.Background()); err != nil {
			t.Fatalf("Exec() returned error: %v", err)
		}
	}

	if calls.Load() != 4 {
		t.Errorf("Expected 4 server calls, got %d", calls.Load())
	}
}

func TestCacheControlOption(t *testing.T) {
	var calls atomic.Int32
	server := countingServer(t, &calls)
	defer server.Close()

	client := New()
	client.Use(CacheMiddleware(CacheConfig{}))

	for i := 0; i < 2; i++ {
		if _, err := client.Get(server.URL).Option(OptionCache, false).Exec(context.Background()); err != nil {
			t.Fatalf("Exec() returned error: %v", err)
		}
	}
	if calls.Load() != 2 {
		t.Errorf("Expected cache to be bypassed, got %d calls", calls.Load())
	}

	calls.Store(0)
	control := &CacheControl{Enabled: true, TTL: time.Minute}
	for i := 0; i < 2; i++ {
		if _, err := client.Post(server.URL).Option(OptionCache, control).Exec(context.Background()); err != nil {
			t.Fatalf("Exec() returned error: %v", err)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("Expected POST to be cached when forced, got %d calls", calls.Load())
	}
}

func TestCacheServesResponseMode(t *testing.T) {
	var calls atomic.Int32
	server := countingServer(t, &calls)
	defer server.Close()

	client := New()
	client.Use(CacheMiddleware(CacheConfig{}))

	for i := 0; i < 2; i++ {
		resp, err := client.Get(server.URL).Do(context.Background())
		if err != nil {
			t.Fatalf("Do() returned error: %v", err)
		}
		buf := make([]byte, 64)
		n, _ := resp.Body.Read(buf)
		_ = resp.Body.Close()
		if string(buf[:n]) != "response 1" {
			t.Errorf("Expected cached body, got %q", buf[:n])
		}
	}
}
