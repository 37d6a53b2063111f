package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/gigwrld/internal/model"
	"github.com/hitoshi/gigwrld/internal/session"
)

// TestMiddlewareChain_RouterWithPublicAndProtectedRoutes は
// chi.Router上でミドルウェアチェーンが正しく動作することを検証する。
func TestMiddlewareChain_RouterWithPublicAndProtectedRoutes(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	reader := &stubStateReader{}

	r := chi.NewRouter()
	r.Use(NewRequestIDMiddleware())
	r.Use(NewLoggingMiddleware(logger, nil))
	r.Use(NewRecoveryMiddleware(logger))
	r.Use(NewSecurityHeadersMiddleware())

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Group(func(r chi.Router) {
		r.Use(NewRequireAuthMiddleware(reader))
		r.Get("/auth/token", func(w http.ResponseWriter, r *http.Request) {
			userID, _ := UserIDFromContext(r.Context())
			json.NewEncoder(w).Encode(map[string]string{"user_id": userID})
		})
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("/health status = %d, want 200", w.Code)
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers should be set")
	}
	if w.Header().Get(RequestIDHeader) == "" {
		t.Error("request id header should be set")
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/auth/token", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated /auth/token status = %d, want 401", w.Code)
	}

	reader.state = session.State{User: model.User{"id": "u1"}, IsAuthenticated: true}
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/auth/token", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("authenticated /auth/token status = %d, want 200", w.Code)
	}
	var body map[string]string
	json.NewDecoder(w.Body).Decode(&body)
	if body["user_id"] != "u1" {
		t.Errorf("user_id = %q, want u1", body["user_id"])
	}
}

// TestRecoveryMiddleware_ReturnsUnifiedError はpanicが500の統一エラーに変換されることを検証する。
func TestRecoveryMiddleware_ReturnsUnifiedError(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := NewRecoveryMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body.Code != "INTERNAL_ERROR" {
		t.Errorf("code = %q, want INTERNAL_ERROR", body.Code)
	}
	if !bytes.Contains(buf.Bytes(), []byte("panic recovered")) {
		t.Errorf("panic should be logged, got %s", buf.String())
	}
}
