package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/fstest"
)

func newTestStaticHandler(t *testing.T) *StaticHandler {
	t.Helper()
	fsys := fstest.MapFS{
		"static/waiting.html": {Data: []byte("<html><body>waiting</body></html>")},
		"static/favicon.png":  {Data: []byte("fakepng")},
	}
	h, err := NewStaticHandler(fsys, "static")
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func TestStaticHandler_ServesExistingFile(t *testing.T) {
	handler := newTestStaticHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/favicon.png", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if rec.Body.String() != "fakepng" {
		t.Errorf("expected 'fakepng', got %q", rec.Body.String())
	}
}

func TestStaticHandler_ServesWaitingPage(t *testing.T) {
	handler := newTestStaticHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/waiting.html", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "waiting") {
		t.Errorf("expected waiting page body, got %q", rec.Body.String())
	}
}

func TestStaticHandler_404sMissingFileInsteadOfFallingBack(t *testing.T) {
	handler := newTestStaticHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/does-not-exist.css", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for missing asset, got %d", rec.Code)
	}
}

func TestStaticHandler_404sMissingExtensionlessPath(t *testing.T) {
	// Unlike an SPA handler, there is no client-side route to fall back to:
	// a missing extensionless path is still a plain 404.
	handler := newTestStaticHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for missing extensionless path, got %d", rec.Code)
	}
}
