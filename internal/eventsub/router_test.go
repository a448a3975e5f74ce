package eventsub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/livecatch/internal/model"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// --- モック定義 ---

type testConflict struct{ jobID string }

func (e *testConflict) Error() string         { return "conflict" }
func (e *testConflict) ExistingJobID() string { return e.jobID }

// mockJobs はJobCreatorのモック実装。ブロードキャスターごとに1件だけ作成を許可する。
type mockJobs struct {
	mu      sync.Mutex
	active  map[string]string
	created []*model.Job
	err     error
}

func newMockJobs() *mockJobs {
	return &mockJobs{active: make(map[string]string)}
}

func (m *mockJobs) TryCreate(ctx context.Context, broadcasterID, userID string, quality model.Quality) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	if id, ok := m.active[broadcasterID]; ok {
		return nil, &testConflict{jobID: id}
	}
	j := &model.Job{
		ID:            fmt.Sprintf("job-%d", len(m.created)+1),
		BroadcasterID: broadcasterID,
		UserID:        userID,
		Quality:       quality,
		State:         model.JobStatePending,
	}
	m.active[broadcasterID] = j.ID
	m.created = append(m.created, j)
	return j, nil
}

// mockStarter はDownloadStarterのモック実装。
type mockStarter struct {
	mu      sync.Mutex
	started []string
	err     error
}

func (m *mockStarter) Start(ctx context.Context, j *model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = append(m.started, j.ID)
	return m.err
}

// mockRevoker はRevocationMarkerのモック実装。
type mockRevoker struct {
	ids      []string
	statuses []string
	err      error
}

func (m *mockRevoker) MarkRevoked(ctx context.Context, subscriptionID, status string) error {
	m.ids = append(m.ids, subscriptionID)
	m.statuses = append(m.statuses, status)
	return m.err
}

// mockRecorder はEventRecorderのモック実装。
type mockRecorder struct {
	mu     sync.Mutex
	events []*model.RecordedEvent
	err    error
}

func (m *mockRecorder) Record(ctx context.Context, event *model.RecordedEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return m.err
}

type tagStripper struct{}

func (tagStripper) SanitizeText(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "<b>", ""), "</b>", "")
}

type mockMetrics struct {
	mu    sync.Mutex
	modes []string
}

func (m *mockMetrics) RecordWebhook(mode, subscriptionType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modes = append(m.modes, mode+"/"+subscriptionType)
}

type routerFixture struct {
	router   *Router
	jobs     *mockJobs
	starter  *mockStarter
	revoker  *mockRevoker
	recorder *mockRecorder
	metrics  *mockMetrics
	logs     *bytes.Buffer
}

func newRouterFixture() *routerFixture {
	f := &routerFixture{
		jobs:     newMockJobs(),
		starter:  &mockStarter{},
		revoker:  &mockRevoker{},
		recorder: &mockRecorder{},
		metrics:  &mockMetrics{},
		logs:     &bytes.Buffer{},
	}
	f.router = NewRouter(f.jobs, f.starter, f.revoker, f.recorder, tagStripper{}, f.metrics, newTestLogger(f.logs), RouterConfig{
		SystemUserID:      "eventsub",
		DefaultQuality:    model.QualityHigh,
		BackgroundTimeout: 5 * time.Second,
	})
	return f
}

func (f *routerFixture) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.router.Wait(ctx); err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
}

func notification(messageID, subType string, event any) *model.Notification {
	raw, _ := json.Marshal(event)
	return &model.Notification{
		MessageID:        messageID,
		Mode:             model.ModeNotification,
		SubscriptionID:   "sub-1",
		SubscriptionType: subType,
		Condition:        map[string]string{"broadcaster_user_id": "12826"},
		Event:            raw,
		ReceivedAt:       time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC),
	}
}

func onlineEvent(broadcasterID string) map[string]any {
	return map[string]any{
		"id":                     "9001",
		"broadcaster_user_id":    broadcasterID,
		"broadcaster_user_login": "caster",
		"broadcaster_user_name":  "<b>Caster</b>",
		"type":                   "live",
		"started_at":             "2026-10-17T11:59:00Z",
	}
}

// --- テスト ---

func TestRouter_Verification_ReturnsChallenge(t *testing.T) {
	f := newRouterFixture()

	resp := f.router.Route(context.Background(), &model.Notification{
		MessageID:        "msg-1",
		Mode:             model.ModeVerification,
		SubscriptionType: model.SubscriptionTypeStreamOnline,
		Challenge:        "pogchamp-kappa-360noscope",
	})

	if resp.StatusCode != http.StatusOK || resp.Body != "pogchamp-kappa-360noscope" {
		t.Errorf("resp = %+v", resp)
	}
	if len(f.jobs.created) != 0 {
		t.Error("verification must not create jobs")
	}
}

func TestRouter_StreamOnline_CreatesJobAndStartsDownload(t *testing.T) {
	f := newRouterFixture()

	resp := f.router.Route(context.Background(), notification("msg-1", model.SubscriptionTypeStreamOnline, onlineEvent("12826")))
	if resp.StatusCode != http.StatusNoContent || resp.Body != "" {
		t.Errorf("resp = %+v", resp)
	}
	f.wait(t)

	if len(f.jobs.created) != 1 {
		t.Fatalf("created = %d, want 1", len(f.jobs.created))
	}
	j := f.jobs.created[0]
	if j.BroadcasterID != "12826" || j.UserID != "eventsub" || j.Quality != model.QualityHigh {
		t.Errorf("job = %+v", j)
	}
	if len(f.starter.started) != 1 || f.starter.started[0] != j.ID {
		t.Errorf("started = %v", f.starter.started)
	}

	if len(f.recorder.events) != 1 {
		t.Fatalf("recorded = %d, want 1", len(f.recorder.events))
	}
	rec := f.recorder.events[0]
	if rec.MessageID != "msg-1" || rec.BroadcasterName != "Caster" || rec.SubscriptionType != model.SubscriptionTypeStreamOnline {
		t.Errorf("recorded = %+v", rec)
	}
}

func TestRouter_StreamOnline_DuplicateDeliveryKeepsSingleJob(t *testing.T) {
	f := newRouterFixture()

	for i := 0; i < 5; i++ {
		f.router.Route(context.Background(), notification(fmt.Sprintf("msg-%d", i), model.SubscriptionTypeStreamOnline, onlineEvent("12826")))
	}
	f.wait(t)

	if len(f.jobs.created) != 1 {
		t.Errorf("created = %d, want 1", len(f.jobs.created))
	}
	if len(f.starter.started) != 1 {
		t.Errorf("started = %d, want 1", len(f.starter.started))
	}
	if !strings.Contains(f.logs.String(), "download job already active for broadcaster") {
		t.Errorf("conflict should be logged: %s", f.logs.String())
	}
}

func TestRouter_StreamOnline_FallsBackToConditionBroadcaster(t *testing.T) {
	f := newRouterFixture()

	f.router.Route(context.Background(), notification("msg-1", model.SubscriptionTypeStreamOnline, map[string]any{"type": "live"}))
	f.wait(t)

	if len(f.jobs.created) != 1 || f.jobs.created[0].BroadcasterID != "12826" {
		t.Errorf("created = %+v", f.jobs.created)
	}
}

func TestRouter_StreamOnline_CreateFailureIsLoggedOnly(t *testing.T) {
	f := newRouterFixture()
	f.jobs.err = errors.New("store unavailable")

	resp := f.router.Route(context.Background(), notification("msg-1", model.SubscriptionTypeStreamOnline, onlineEvent("12826")))
	f.wait(t)

	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
	if len(f.starter.started) != 0 {
		t.Error("download must not start when job creation fails")
	}
	if !strings.Contains(f.logs.String(), "failed to create download job") {
		t.Errorf("failure should be logged: %s", f.logs.String())
	}
}

func TestRouter_BackgroundWorkOutlivesRequestContext(t *testing.T) {
	f := newRouterFixture()

	ctx, cancel := context.WithCancel(context.Background())
	f.router.Route(ctx, notification("msg-1", model.SubscriptionTypeStreamOnline, onlineEvent("12826")))
	cancel()
	f.wait(t)

	if len(f.jobs.created) != 1 {
		t.Errorf("created = %d, want 1", len(f.jobs.created))
	}
}

func TestRouter_StreamOffline_RecordsWithoutJob(t *testing.T) {
	f := newRouterFixture()

	resp := f.router.Route(context.Background(), notification("msg-1", model.SubscriptionTypeStreamOffline, map[string]any{
		"broadcaster_user_id":    "12826",
		"broadcaster_user_login": "caster",
	}))
	f.wait(t)

	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
	if len(f.jobs.created) != 0 {
		t.Error("stream.offline must not create jobs")
	}
	if len(f.recorder.events) != 1 {
		t.Errorf("recorded = %d, want 1", len(f.recorder.events))
	}
}

func TestRouter_ChannelUpdate_LogsOnly(t *testing.T) {
	f := newRouterFixture()

	resp := f.router.Route(context.Background(), notification("msg-1", model.SubscriptionTypeChannelUpdate, map[string]any{
		"broadcaster_user_id": "12826",
		"title":               "new title",
	}))
	f.wait(t)

	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
	if len(f.jobs.created) != 0 || len(f.recorder.events) != 0 {
		t.Error("channel.update has no side effects besides logging")
	}
}

func TestRouter_UnknownType_Returns204(t *testing.T) {
	f := newRouterFixture()

	resp := f.router.Route(context.Background(), notification("msg-1", "channel.hype_train.begin", map[string]any{}))
	f.wait(t)

	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
	if len(f.jobs.created) != 0 {
		t.Error("unknown types must not create jobs")
	}
}

func TestRouter_Revocation_MarksSnapshot(t *testing.T) {
	f := newRouterFixture()

	resp := f.router.Route(context.Background(), &model.Notification{
		MessageID:          "msg-1",
		Mode:               model.ModeRevocation,
		SubscriptionID:     "sub-7",
		SubscriptionType:   model.SubscriptionTypeStreamOnline,
		SubscriptionStatus: model.SubscriptionStatusUserRemoved,
	})

	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
	if len(f.revoker.ids) != 1 || f.revoker.ids[0] != "sub-7" || f.revoker.statuses[0] != model.SubscriptionStatusUserRemoved {
		t.Errorf("revoked = %v %v", f.revoker.ids, f.revoker.statuses)
	}
}

func TestRouter_Revocation_FailureStillAcknowledged(t *testing.T) {
	f := newRouterFixture()
	f.revoker.err = errors.New("db down")

	resp := f.router.Route(context.Background(), &model.Notification{
		MessageID:      "msg-1",
		Mode:           model.ModeRevocation,
		SubscriptionID: "sub-7",
	})

	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
}

func TestRouter_RecordsMetrics(t *testing.T) {
	f := newRouterFixture()

	f.router.Route(context.Background(), notification("msg-1", model.SubscriptionTypeStreamOffline, map[string]any{}))
	f.wait(t)

	if len(f.metrics.modes) != 1 || f.metrics.modes[0] != "notification/stream.offline" {
		t.Errorf("metrics = %v", f.metrics.modes)
	}
}

func TestRouter_NilOptionalDependencies(t *testing.T) {
	jobs := newMockJobs()
	r := NewRouter(jobs, nil, nil, nil, nil, nil, newTestLogger(&bytes.Buffer{}), RouterConfig{})

	r.Route(context.Background(), notification("msg-1", model.SubscriptionTypeStreamOnline, onlineEvent("12826")))
	r.Route(context.Background(), &model.Notification{Mode: model.ModeRevocation, SubscriptionID: "sub-1"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Wait(ctx); err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
	if len(jobs.created) != 1 || jobs.created[0].Quality != model.QualitySource || jobs.created[0].UserID != "eventsub" {
		t.Errorf("created = %+v", jobs.created)
	}
}

func TestRouter_WaitHonorsContext(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	starter := &blockingStarter{block: block}
	r := NewRouter(newMockJobs(), starter, nil, nil, nil, nil, newTestLogger(&bytes.Buffer{}), RouterConfig{BackgroundTimeout: time.Minute})
	r.Route(context.Background(), notification("msg-1", model.SubscriptionTypeStreamOnline, onlineEvent("12826")))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := r.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
}

type blockingStarter struct {
	block chan struct{}
}

func (b *blockingStarter) Start(ctx context.Context, j *model.Job) error {
	<-b.block
	return nil
}
