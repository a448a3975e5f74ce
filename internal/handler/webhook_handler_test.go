package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/livecatch/internal/eventsub"
	"github.com/hitoshi/livecatch/internal/job"
	"github.com/hitoshi/livecatch/internal/model"
)

const testSecret = "s3cr3t-value-for-tests"

// --- モック定義 ---

// mockRouter はNotificationRouterのモック実装。
type mockRouter struct {
	routeFn func(ctx context.Context, n *model.Notification) eventsub.Response
	calls   int
}

func (m *mockRouter) Route(ctx context.Context, n *model.Notification) eventsub.Response {
	m.calls++
	if m.routeFn != nil {
		return m.routeFn(ctx, n)
	}
	return eventsub.Response{StatusCode: http.StatusNoContent}
}

// mockWebhookMetrics はWebhookMetricsのモック実装。
type mockWebhookMetrics struct {
	reasons []string
}

func (m *mockWebhookMetrics) RecordSignatureFailure(reason string) {
	m.reasons = append(m.reasons, reason)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// signedRequest は正しい署名付きのWebhookリクエストを生成する。
func signedRequest(t *testing.T, messageID, messageType string, body []byte) *http.Request {
	t.Helper()
	ts := time.Now().UTC().Format(time.RFC3339Nano)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/eventsub", bytes.NewReader(body))
	req.Header.Set(eventsub.HeaderMessageID, messageID)
	req.Header.Set(eventsub.HeaderMessageTimestamp, ts)
	req.Header.Set(eventsub.HeaderMessageType, messageType)
	req.Header.Set(eventsub.HeaderMessageSignature,
		eventsub.SignaturePrefix+eventsub.ComputeSignature(testSecret, messageID, ts, body))
	return req
}

func streamOnlineBody(broadcasterID string) []byte {
	return []byte(`{"subscription":{"id":"sub-1","type":"stream.online","version":"1","status":"enabled",` +
		`"condition":{"broadcaster_user_id":"` + broadcasterID + `"}},` +
		`"event":{"id":"9001","broadcaster_user_id":"` + broadcasterID + `","broadcaster_user_login":"caster",` +
		`"broadcaster_user_name":"Caster","type":"live","started_at":"2026-10-17T10:00:00Z"}}`)
}

func newTestWebhookHandler(router NotificationRouter, metrics WebhookMetrics) *WebhookHandler {
	return NewWebhookHandler(eventsub.NewVerifier(testSecret, 10*time.Minute), router, metrics, discardLogger())
}

// --- POST /webhooks/eventsub テスト ---

func TestWebhookHandler_Verification_EchoesChallenge(t *testing.T) {
	router := &mockRouter{
		routeFn: func(ctx context.Context, n *model.Notification) eventsub.Response {
			if n.Mode != model.ModeVerification {
				t.Errorf("Mode = %q", n.Mode)
			}
			return eventsub.Response{StatusCode: http.StatusOK, Body: n.Challenge}
		},
	}
	h := newTestWebhookHandler(router, nil)

	body := []byte(`{"challenge":"pogchamp-kappa-360noscope","subscription":{"id":"sub-1","type":"stream.online","version":"1","status":"webhook_callback_verification_pending","condition":{"broadcaster_user_id":"12826"}}}`)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, signedRequest(t, "msg-1", string(model.ModeVerification), body))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := w.Body.String(); got != "pogchamp-kappa-360noscope" {
		t.Errorf("body = %q, want the raw challenge", got)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q, want text/plain", ct)
	}
}

func TestWebhookHandler_BadSignature_Returns403(t *testing.T) {
	router := &mockRouter{}
	metrics := &mockWebhookMetrics{}
	h := newTestWebhookHandler(router, metrics)

	req := signedRequest(t, "msg-1", string(model.ModeNotification), streamOnlineBody("42"))
	req.Header.Set(eventsub.HeaderMessageSignature, eventsub.SignaturePrefix+strings.Repeat("0", 64))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
	if router.calls != 0 {
		t.Error("router must not be called for rejected messages")
	}
	if len(metrics.reasons) != 1 || metrics.reasons[0] != "mismatch" {
		t.Errorf("reasons = %v, want [mismatch]", metrics.reasons)
	}
}

func TestWebhookHandler_TamperedBody_Returns403(t *testing.T) {
	router := &mockRouter{}
	h := newTestWebhookHandler(router, nil)

	req := signedRequest(t, "msg-1", string(model.ModeNotification), streamOnlineBody("42"))
	req.Body = io.NopCloser(bytes.NewReader(streamOnlineBody("43")))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
	if router.calls != 0 {
		t.Error("router must not be called for rejected messages")
	}
}

func TestWebhookHandler_MissingHeaders_Returns403(t *testing.T) {
	metrics := &mockWebhookMetrics{}
	h := newTestWebhookHandler(&mockRouter{}, metrics)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/eventsub", bytes.NewReader(streamOnlineBody("42")))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
	if len(metrics.reasons) != 1 || metrics.reasons[0] != "missing_headers" {
		t.Errorf("reasons = %v", metrics.reasons)
	}
}

func TestWebhookHandler_MalformedBody_Returns400(t *testing.T) {
	router := &mockRouter{}
	h := newTestWebhookHandler(router, nil)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, signedRequest(t, "msg-1", string(model.ModeNotification), []byte(`{"subscription":`)))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if router.calls != 0 {
		t.Error("router must not be called for malformed messages")
	}
}

func TestWebhookHandler_UnknownMessageType_Returns400(t *testing.T) {
	h := newTestWebhookHandler(&mockRouter{}, nil)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, signedRequest(t, "msg-1", "something_else", streamOnlineBody("42")))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestWebhookHandler_Notification_Returns204WithoutBody(t *testing.T) {
	router := &mockRouter{}
	h := newTestWebhookHandler(router, nil)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, signedRequest(t, "msg-1", string(model.ModeNotification), streamOnlineBody("42")))

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
	if w.Body.Len() != 0 {
		t.Errorf("body = %q, want empty", w.Body.String())
	}
	if router.calls != 1 {
		t.Errorf("router calls = %d, want 1", router.calls)
	}
}

// --- stream.online から1件のジョブが作成されるまでの結合テスト ---

// startRecorder はDownloadStarterのモック実装。開始したジョブをrunningへ遷移させる。
type startRecorder struct {
	mu      sync.Mutex
	manager *job.Manager
	started []string
}

func (s *startRecorder) Start(ctx context.Context, j *model.Job) error {
	s.mu.Lock()
	s.started = append(s.started, j.ID)
	s.mu.Unlock()
	return s.manager.Transition(ctx, j.ID, model.JobStateRunning, "")
}

func TestWebhook_StreamOnline_CreatesSingleJob(t *testing.T) {
	manager := job.NewManager(nil, nil, discardLogger(), job.Config{})
	starter := &startRecorder{manager: manager}
	router := eventsub.NewRouter(manager, starter, nil, nil, nil, nil, discardLogger(), eventsub.RouterConfig{
		SystemUserID:      "eventsub",
		DefaultQuality:    model.QualitySource,
		BackgroundTimeout: 5 * time.Second,
	})
	h := newTestWebhookHandler(router, nil)

	// 同じ配信開始が別メッセージIDで2回届いても有効なジョブは1件
	for _, id := range []string{"msg-1", "msg-2"} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, signedRequest(t, id, string(model.ModeNotification), streamOnlineBody("12826")))
		if w.Code != http.StatusNoContent {
			t.Fatalf("%s: status = %d, want 204", id, w.Code)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := router.Wait(ctx); err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}

	if manager.Len() != 1 {
		t.Fatalf("jobs = %d, want 1", manager.Len())
	}
	starter.mu.Lock()
	defer starter.mu.Unlock()
	if len(starter.started) != 1 {
		t.Fatalf("started = %v, want exactly one job", starter.started)
	}
	j, err := manager.Get(starter.started[0])
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if j.BroadcasterID != "12826" || j.UserID != "eventsub" || j.State != model.JobStateRunning {
		t.Errorf("job = %+v", j)
	}
	if _, err := manager.TryCreate(ctx, "12826", "someone", model.QualityLow); err == nil {
		t.Error("a second job for the same broadcaster must be rejected while active")
	}
}

func TestWebhook_ErrorBodyUsesUnifiedFormat(t *testing.T) {
	h := newTestWebhookHandler(&mockRouter{}, nil)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhooks/eventsub", strings.NewReader("{}")))

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body["code"] != model.ErrCodeInvalidSignature {
		t.Errorf("code = %q", body["code"])
	}
}
