package market

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/nitinkhare/kotakneo-rsidip-engine/internal/callpipeline"
)

func TestFetchFundamentals_CachesWithinSameSession(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		_, _ = w.Write([]byte(`{"pe":24.5,"pb":3.1}`))
	}))
	defer srv.Close()

	pipeline := callpipeline.New(nil, nil, nil, nil)
	f := NewFundamentalsFetcher(FundamentalsConfig{BaseURL: srv.URL}, func() string { return "tok" }, func() string { return "sess-1" }, pipeline)

	first, err := f.FetchFundamentals(context.Background(), "RELIANCE")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.PE == nil || *first.PE != 24.5 {
		t.Fatalf("first.PE = %v, want 24.5", first.PE)
	}

	_, err = f.FetchFundamentals(context.Background(), "RELIANCE")
	if err != nil {
		t.Fatalf("unexpected error on second call: %v", err)
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("expected a single network hit, got %d", hits)
	}
}

func TestFetchFundamentals_SessionChangeInvalidatesCache(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		_, _ = w.Write([]byte(`{"pe":24.5,"pb":3.1}`))
	}))
	defer srv.Close()

	session := "sess-1"
	pipeline := callpipeline.New(nil, nil, nil, nil)
	f := NewFundamentalsFetcher(FundamentalsConfig{BaseURL: srv.URL}, func() string { return "tok" }, func() string { return session }, pipeline)

	if _, err := f.FetchFundamentals(context.Background(), "RELIANCE"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	session = "sess-2"
	if _, err := f.FetchFundamentals(context.Background(), "RELIANCE"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if atomic.LoadInt32(&hits) != 2 {
		t.Errorf("expected a re-fetch after session change, got %d hits", hits)
	}
}

func TestFetchFundamentals_404ReturnsNullPairWithoutCaching(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	pipeline := callpipeline.New(nil, nil, nil, nil)
	f := NewFundamentalsFetcher(FundamentalsConfig{BaseURL: srv.URL}, func() string { return "tok" }, func() string { return "sess-1" }, pipeline)

	got, err := f.FetchFundamentals(context.Background(), "UNKNOWNCO")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.PE != nil || got.PB != nil {
		t.Errorf("expected both ratios nil, got %+v", got)
	}

	if _, err := f.FetchFundamentals(context.Background(), "UNKNOWNCO"); err != nil {
		t.Fatalf("unexpected error on second call: %v", err)
	}
	if atomic.LoadInt32(&hits) != 2 {
		t.Errorf("expected the 404 result not to be cached (2 hits), got %d", hits)
	}
}

func TestFetchFundamentals_ErrorIsNotCached(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&hits, 1)
		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"pe":10,"pb":1.5}`))
	}))
	defer srv.Close()

	pipeline := callpipeline.New(nil, nil, nil, nil)
	f := NewFundamentalsFetcher(FundamentalsConfig{BaseURL: srv.URL}, func() string { return "tok" }, func() string { return "sess-1" }, pipeline)

	_, err := f.FetchFundamentals(context.Background(), "RELIANCE")
	if err == nil {
		t.Fatal("expected an error on first call")
	}

	got, err := f.FetchFundamentals(context.Background(), "RELIANCE")
	if err != nil {
		t.Fatalf("expected the second call to retry and succeed: %v", err)
	}
	if got.PE == nil || *got.PE != 10 {
		t.Errorf("got.PE = %v, want 10", got.PE)
	}
	if atomic.LoadInt32(&hits) != 2 {
		t.Errorf("expected 2 network hits (miss then retry), got %d", hits)
	}
}
