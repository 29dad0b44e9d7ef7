package vectorindex

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func newTestIndex(t *testing.T, handler http.HandlerFunc) *HTTPIndex {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	idx, err := NewHTTPIndex(srv.URL, "", "test-index")
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	return idx
}

func TestQuerySortsDescendingByScore(t *testing.T) {
	idx := newTestIndex(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(queryResponse{Matches: []Match{
			{ID: "a", Score: 0.5},
			{ID: "b", Score: 0.9},
			{ID: "c", Score: 0.7},
		}})
	})
	matches, err := idx.Query(context.Background(), "registered", []float32{0.1, 0.2}, 10, nil)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(matches) != 3 || matches[0].ID != "b" || matches[1].ID != "c" || matches[2].ID != "a" {
		t.Fatalf("got %+v", matches)
	}
}

func TestQueryCachesIdenticalRequests(t *testing.T) {
	var calls int32
	idx := newTestIndex(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_ = json.NewEncoder(w).Encode(queryResponse{Matches: []Match{{ID: "a", Score: 0.42}}})
	})
	vec := []float32{0.1, 0.2, 0.3}
	if _, err := idx.Query(context.Background(), "registered", vec, 10, nil); err != nil {
		t.Fatalf("query: %v", err)
	}
	if _, err := idx.Query(context.Background(), "registered", vec, 10, nil); err != nil {
		t.Fatalf("query: %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected second identical query to hit cache, got %d backend calls", calls)
	}
}

func TestCacheKeyDiffersByNamespaceAndTopK(t *testing.T) {
	idx := &HTTPIndex{}
	vec := []float32{0.1}
	k1 := idx.cacheKey("registered", vec, 5, nil)
	k2 := idx.cacheKey("pending", vec, 5, nil)
	k3 := idx.cacheKey("registered", vec, 10, nil)
	if k1 == k2 || k1 == k3 {
		t.Fatalf("expected distinct cache keys, got %q %q %q", k1, k2, k3)
	}
}

func TestUpsertPropagatesBackendError(t *testing.T) {
	idx := newTestIndex(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})
	err := idx.Upsert(context.Background(), "registered", []Entry{{ID: "a", Vector: []float32{0.1}}})
	if err == nil {
		t.Fatalf("expected error from backend 400")
	}
}

func TestUpsertWaitsForStatsConvergence(t *testing.T) {
	var statsCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/vectors/upsert", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/indexes/test-index/stats", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&statsCalls, 1)
		count := 0
		if n > 1 {
			count = 1
		}
		_ = json.NewEncoder(w).Encode(Stats{Namespaces: map[Namespace]int{"registered": count}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	idx, err := NewHTTPIndex(srv.URL, "", "test-index")
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	if err := idx.Upsert(context.Background(), "registered", []Entry{{ID: "a", Vector: []float32{0.1}}}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if atomic.LoadInt32(&statsCalls) < 2 {
		t.Fatalf("expected waitReady to poll stats more than once, got %d", statsCalls)
	}
}

func TestDoSetsAuthHeaderWhenAPIKeyPresent(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(Stats{})
	}))
	defer srv.Close()
	idx, err := NewHTTPIndex(srv.URL, "secret-key", "test-index")
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	if _, err := idx.Stats(context.Background()); err != nil {
		t.Fatalf("stats: %v", err)
	}
	if gotAuth != "Bearer secret-key" {
		t.Fatalf("got Authorization=%q", gotAuth)
	}
}
