package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// TestMiddlewareChain_AuthThenRateLimit は認証後のユーザーIDでレート制限されることを検証する。
func TestMiddlewareChain_AuthThenRateLimit(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate:     1,
		GeneralBurst:    1,
		DownloadRate:    1,
		DownloadBurst:   1,
		CleanupInterval: time.Minute,
	})
	defer rl.Stop()

	auth := NewAdminAuthMiddleware(map[string]string{"tok-a": "admin-a", "tok-b": "admin-b"})
	handler := auth(rl.GeneralMiddleware()(okHandler()))

	send := func(token string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/eventsub/costs", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}

	if code := send("tok-a"); code != http.StatusOK {
		t.Errorf("first request: status = %d, want 200", code)
	}
	if code := send("tok-a"); code != http.StatusTooManyRequests {
		t.Errorf("second request: status = %d, want 429", code)
	}
	if code := send("tok-b"); code != http.StatusOK {
		t.Errorf("other admin: status = %d, want 200", code)
	}
}

// TestMiddlewareChain_RecoveryReturnsUnifiedError はpanicが統一フォーマットの500に変換されることを検証する。
func TestMiddlewareChain_RecoveryReturnsUnifiedError(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	handler := NewRecoveryMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/jobs/1", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if !bytes.Contains(buf.Bytes(), []byte("panic recovered")) {
		t.Errorf("panic should be logged: %s", buf.String())
	}
}

// TestMiddlewareChain_SecurityHeaders はセキュリティヘッダーが付与されることを検証する。
func TestMiddlewareChain_SecurityHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	NewSecurityHeadersMiddleware()(okHandler()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	want := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"Referrer-Policy":         "no-referrer",
		"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
		"Cache-Control":           "no-store",
	}
	for k, v := range want {
		if got := w.Header().Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
}
