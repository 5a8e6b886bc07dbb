package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMiddlewareSetsRequestID(t *testing.T) {
	mw := NewMiddleware("")
	var seenID string
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenID = GetRequestID(r.Context())
	}))

	req := httptest.NewRequest("GET", "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if seenID == "" {
		t.Error("expected request id in context")
	}
	if got := rec.Header().Get("X-Request-ID"); got != seenID {
		t.Errorf("header %q does not match context %q", got, seenID)
	}
}

func TestMiddlewarePassesRequesterID(t *testing.T) {
	mw := NewMiddleware("")
	var requester string
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requester = GetRequesterID(r.Context())
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Requester-ID", "user-7")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if requester != "user-7" {
		t.Errorf("expected requester user-7, got %q", requester)
	}
}

func TestMiddlewareRejectsMissingToken(t *testing.T) {
	mw := NewMiddleware("secret")
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be reached")
	}))

	req := httptest.NewRequest("GET", "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestMiddlewareRejectsWrongToken(t *testing.T) {
	mw := NewMiddleware("secret")
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be reached")
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestMiddlewareAcceptsValidToken(t *testing.T) {
	mw := NewMiddleware("secret")
	reached := false
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if !reached {
		t.Error("expected handler to be reached")
	}
}
