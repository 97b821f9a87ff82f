package util

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWithRequestLogRecordsStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("debug", &buf)
	handler := WithRequestLog(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))

	req := httptest.NewRequest(http.MethodGet, "/files/missing", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["msg"] != "http_request" {
		t.Fatalf("unexpected msg: %v", entry["msg"])
	}
	if entry["path"] != "/files/missing" {
		t.Fatalf("unexpected path: %v", entry["path"])
	}
	if status, _ := entry["status"].(float64); int(status) != http.StatusNotFound {
		t.Fatalf("unexpected status: %v", entry["status"])
	}
}

func TestWithRequestLogDefaultsToOK(t *testing.T) {
	var buf bytes.Buffer
	handler := WithRequestLog(NewLogger("debug", &buf), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/metrics", nil))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if status, _ := entry["status"].(float64); int(status) != http.StatusOK {
		t.Fatalf("unexpected status: %v", entry["status"])
	}
}
