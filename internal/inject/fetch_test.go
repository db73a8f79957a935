package inject

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func TestHTTPFetcher_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Cache-Control") != "no-cache" {
			t.Errorf("Cache-Control: got %q", r.Header.Get("Cache-Control"))
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(pngBytes)
	}))
	defer srv.Close()

	img, err := NewHTTPFetcher(HTTPFetcherConfig{Logger: testLogger()}).Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if img.MIME != "image/png" || img.Name != "image.png" || len(img.Data) != len(pngBytes) {
		t.Errorf("unexpected image: %s %s %d", img.MIME, img.Name, len(img.Data))
	}
}

func TestHTTPFetcher_SniffsMissingContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(pngBytes)
	}))
	defer srv.Close()

	img, err := NewHTTPFetcher(HTTPFetcherConfig{Logger: testLogger()}).Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if img.MIME != "image/png" {
		t.Errorf("sniffed MIME: got %q", img.MIME)
	}
}

func TestHTTPFetcher_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte{0xff, 0xd8, 0xff})
	}))
	defer srv.Close()

	img, err := NewHTTPFetcher(HTTPFetcherConfig{Logger: testLogger()}).Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if hits.Load() != 2 {
		t.Errorf("expected 2 requests, got %d", hits.Load())
	}
	if img.Name != "image.jpg" {
		t.Errorf("name: got %q", img.Name)
	}
}

func TestHTTPFetcher_NoRetryOnNotFound(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	if _, err := NewHTTPFetcher(HTTPFetcherConfig{Logger: testLogger()}).Fetch(context.Background(), srv.URL); err == nil {
		t.Fatal("expected error for 404")
	}
	if hits.Load() != 1 {
		t.Errorf("404 must not be retried, got %d requests", hits.Load())
	}
}

func TestHTTPFetcher_RejectsOversizeAndNonImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/text" {
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte("<html></html>"))
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(make([]byte, 64))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPFetcherConfig{MaxBytes: 32, Logger: testLogger()})
	if _, err := f.Fetch(context.Background(), srv.URL+"/big"); err == nil {
		t.Error("expected error for oversize image")
	}
	if _, err := f.Fetch(context.Background(), srv.URL+"/text"); err == nil {
		t.Error("expected error for non-image body")
	}
}
