package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRegistryExportsMetrics(t *testing.T) {
	r := New()
	r.CacheHits.Add(3)
	r.BlobStoreBytes.Set(1024)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, "syncfs_cache_hits_total 3") {
		t.Errorf("missing cache hits counter in output:\n%s", body)
	}
	if !strings.Contains(body, "syncfs_blob_store_bytes 1024") {
		t.Errorf("missing blob store bytes gauge in output:\n%s", body)
	}
}

func TestNewRegistersDistinctRegistries(t *testing.T) {
	a := New()
	b := New()
	a.CacheHits.Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	b.Handler().ServeHTTP(rec, req)

	if strings.Contains(rec.Body.String(), "syncfs_cache_hits_total 1") {
		t.Errorf("metric from registry a leaked into registry b's output")
	}
}
