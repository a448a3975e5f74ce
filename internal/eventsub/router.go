package eventsub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/livecatch/internal/model"
)

// JobCreator はブロードキャスターごとに重複のないジョブを作成する。
type JobCreator interface {
	TryCreate(ctx context.Context, broadcasterID, userID string, quality model.Quality) (*model.Job, error)
}

// DownloadStarter は作成済みジョブのキャプチャを開始する。
type DownloadStarter interface {
	Start(ctx context.Context, job *model.Job) error
}

// RevocationMarker は取り消された購読をキャッシュ上で記録する。
type RevocationMarker interface {
	MarkRevoked(ctx context.Context, subscriptionID, status string) error
}

// EventRecorder は受信イベントを永続化する。
type EventRecorder interface {
	Record(ctx context.Context, event *model.RecordedEvent) error
}

// TextSanitizer はブロードキャスター由来の文字列からマークアップを除去する。
type TextSanitizer interface {
	SanitizeText(s string) string
}

// MetricsCollector はルーターが記録するメトリクス。
type MetricsCollector interface {
	RecordWebhook(mode, subscriptionType string)
}

// conflictError はジョブ重複時のエラーが満たすインターフェース。
type conflictError interface {
	ExistingJobID() string
}

// knownLogOnlyTypes は購読し得るが処理を持たないサブスクリプション種別。
var knownLogOnlyTypes = map[string]bool{
	"channel.follow":            true,
	"channel.raid":              true,
	"channel.subscribe":         true,
	"channel.cheer":             true,
	"channel.ban":               true,
	"channel.poll.begin":        true,
	"channel.poll.end":          true,
	"user.update":               true,
	"channel.chat.notification": true,
}

// Response はWebhookへの応答内容。
type Response struct {
	StatusCode int
	Body       string
}

// RouterConfig はNotificationRouterの設定。
type RouterConfig struct {
	// SystemUserID は自動作成ジョブの依頼者として記録するユーザーID。
	SystemUserID string
	// DefaultQuality は自動作成ジョブの画質。
	DefaultQuality model.Quality
	// BackgroundTimeout は応答後に行う処理1件あたりのタイムアウト。
	BackgroundTimeout time.Duration
}

// Router は検証済みNotificationをメッセージ種別とサブスクリプション種別で振り分ける。
// ジョブ作成などの副作用は応答をブロックしないバックグラウンドで実行する。
type Router struct {
	jobs      JobCreator
	downloads DownloadStarter
	revoker   RevocationMarker
	recorder  EventRecorder
	sanitizer TextSanitizer
	metrics   MetricsCollector
	logger    *slog.Logger
	config    RouterConfig

	handlers map[string]func(ctx context.Context, n *model.Notification)
	wg       sync.WaitGroup
}

// NewRouter はRouterの新しいインスタンスを生成する。
// recorder、sanitizer、metricsはnilでもよい。
func NewRouter(
	jobs JobCreator,
	downloads DownloadStarter,
	revoker RevocationMarker,
	recorder EventRecorder,
	sanitizer TextSanitizer,
	metrics MetricsCollector,
	logger *slog.Logger,
	config RouterConfig,
) *Router {
	if config.SystemUserID == "" {
		config.SystemUserID = "eventsub"
	}
	if config.DefaultQuality == "" {
		config.DefaultQuality = model.QualitySource
	}
	if config.BackgroundTimeout <= 0 {
		config.BackgroundTimeout = 30 * time.Second
	}

	r := &Router{
		jobs:      jobs,
		downloads: downloads,
		revoker:   revoker,
		recorder:  recorder,
		sanitizer: sanitizer,
		metrics:   metrics,
		logger:    logger,
		config:    config,
	}
	r.handlers = map[string]func(ctx context.Context, n *model.Notification){
		model.SubscriptionTypeChannelUpdate: r.handleChannelUpdate,
		model.SubscriptionTypeStreamOnline:  r.handleStreamOnline,
		model.SubscriptionTypeStreamOffline: r.handleStreamOffline,
	}
	return r
}

// Route はNotificationを処理し、Webhookへの応答を返す。
// verification以外は下流処理の成否にかかわらず204を返す。
func (r *Router) Route(ctx context.Context, n *model.Notification) Response {
	if r.metrics != nil {
		r.metrics.RecordWebhook(string(n.Mode), n.SubscriptionType)
	}

	switch n.Mode {
	case model.ModeVerification:
		r.logger.Info("eventsub callback verification",
			slog.String("subscription_id", n.SubscriptionID),
			slog.String("subscription_type", n.SubscriptionType),
		)
		return Response{StatusCode: http.StatusOK, Body: n.Challenge}

	case model.ModeRevocation:
		r.logger.Warn("eventsub subscription revoked",
			slog.String("subscription_id", n.SubscriptionID),
			slog.String("subscription_type", n.SubscriptionType),
			slog.String("status", n.SubscriptionStatus),
		)
		if r.revoker != nil {
			if err := r.revoker.MarkRevoked(ctx, n.SubscriptionID, n.SubscriptionStatus); err != nil {
				r.logger.Error("failed to mark subscription revoked",
					slog.String("subscription_id", n.SubscriptionID),
					slog.String("error", err.Error()),
				)
			}
		}
		return Response{StatusCode: http.StatusNoContent}

	case model.ModeNotification:
		if h, ok := r.handlers[n.SubscriptionType]; ok {
			h(ctx, n)
		} else if knownLogOnlyTypes[n.SubscriptionType] {
			r.logEvent(n)
		} else {
			r.logger.Debug("eventsub notification ignored",
				slog.String("subscription_type", n.SubscriptionType),
				slog.String("message_id", n.MessageID),
			)
		}
		return Response{StatusCode: http.StatusNoContent}
	}

	// ParseNotificationを通過したメッセージはここに到達しない
	return Response{StatusCode: http.StatusNoContent}
}

// Wait はバックグラウンド処理の完了を待つ。
// ctxが先にキャンセルされた場合はctx.Err()を返す。
func (r *Router) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Router) handleChannelUpdate(ctx context.Context, n *model.Notification) {
	r.logEvent(n)
}

func (r *Router) handleStreamOffline(ctx context.Context, n *model.Notification) {
	ev := r.logEvent(n)
	r.background(ctx, func(ctx context.Context) {
		r.record(ctx, n, ev)
	})
}

func (r *Router) handleStreamOnline(ctx context.Context, n *model.Notification) {
	ev := r.logEvent(n)
	r.background(ctx, func(ctx context.Context) {
		r.record(ctx, n, ev)
		r.startDownload(ctx, ev.BroadcasterUserID)
	})
}

// startDownload はジョブを作成し、作成できた場合にのみキャプチャを開始する。
func (r *Router) startDownload(ctx context.Context, broadcasterID string) {
	if broadcasterID == "" {
		r.logger.Warn("stream.online without broadcaster id, no job created")
		return
	}

	job, err := r.jobs.TryCreate(ctx, broadcasterID, r.config.SystemUserID, r.config.DefaultQuality)
	if err != nil {
		var conflict conflictError
		if errors.As(err, &conflict) {
			r.logger.Info("download job already active for broadcaster",
				slog.String("broadcaster_id", broadcasterID),
				slog.String("job_id", conflict.ExistingJobID()),
			)
			return
		}
		r.logger.Error("failed to create download job",
			slog.String("broadcaster_id", broadcasterID),
			slog.String("error", err.Error()),
		)
		return
	}

	r.logger.Info("download job created",
		slog.String("broadcaster_id", broadcasterID),
		slog.String("job_id", job.ID),
	)

	if r.downloads == nil {
		return
	}
	if err := r.downloads.Start(ctx, job); err != nil {
		r.logger.Error("failed to start download",
			slog.String("broadcaster_id", broadcasterID),
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}
}

// logEvent はイベントをログ出力し、デコードしたイベント本体を返す。
func (r *Router) logEvent(n *model.Notification) model.StreamEvent {
	var ev model.StreamEvent
	if err := json.Unmarshal(n.Event, &ev); err != nil {
		r.logger.Warn("failed to decode eventsub event",
			slog.String("subscription_type", n.SubscriptionType),
			slog.String("error", err.Error()),
		)
	}
	if ev.BroadcasterUserID == "" {
		ev.BroadcasterUserID = n.Condition["broadcaster_user_id"]
	}

	r.logger.Info("eventsub notification",
		slog.String("message_id", n.MessageID),
		slog.String("subscription_type", n.SubscriptionType),
		slog.String("broadcaster_id", ev.BroadcasterUserID),
		slog.String("broadcaster_login", ev.BroadcasterUserLogin),
	)
	return ev
}

// record はイベントを永続化する。失敗はログのみで後続処理は継続する。
func (r *Router) record(ctx context.Context, n *model.Notification, ev model.StreamEvent) {
	if r.recorder == nil {
		return
	}

	name, title := ev.BroadcasterUserName, ev.Title
	if r.sanitizer != nil {
		name = r.sanitizer.SanitizeText(name)
		title = r.sanitizer.SanitizeText(title)
	}

	rec := &model.RecordedEvent{
		ID:               uuid.New().String(),
		MessageID:        n.MessageID,
		SubscriptionType: n.SubscriptionType,
		BroadcasterID:    ev.BroadcasterUserID,
		BroadcasterName:  name,
		Title:            title,
		Payload:          n.Event,
		ReceivedAt:       n.ReceivedAt,
	}
	if err := r.recorder.Record(ctx, rec); err != nil {
		r.logger.Error("failed to record eventsub event",
			slog.String("message_id", n.MessageID),
			slog.String("subscription_type", n.SubscriptionType),
			slog.String("error", err.Error()),
		)
	}
}

// background は応答をブロックせずにfnを実行する。
// リクエストのキャンセルは引き継がず、BackgroundTimeoutで打ち切る。
func (r *Router) background(ctx context.Context, fn func(ctx context.Context)) {
	bgCtx := context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(bgCtx, r.config.BackgroundTimeout)
		defer cancel()
		fn(ctx)
	}()
}
