// Package download は作成済みジョブに対する配信キャプチャの起動と完了報告を行う。
// ジョブの作成は行わず、状態遷移はすべてジョブ管理側に委ねる。
package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/livecatch/internal/model"
	"github.com/hitoshi/livecatch/internal/profile"
)

const (
	defaultResolveTimeout    = 10 * time.Second
	defaultCaptureTimeout    = 12 * time.Hour
	defaultTransitionTimeout = 5 * time.Second
)

// キャプチャ結果種別
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
)

var (
	// ErrChannelNotFound はブロードキャスターのチャンネルが存在しない場合のエラー。
	ErrChannelNotFound = errors.New("download: channel not found")
	// ErrStreamOffline はブロードキャスターが配信中でない場合のエラー。
	ErrStreamOffline = errors.New("download: stream is offline")
	// ErrShuttingDown はシャットダウン開始後にStartが呼ばれた場合のエラー。
	ErrShuttingDown = errors.New("download: orchestrator is shutting down")
)

// JobTransitioner はジョブの状態遷移を行う。
type JobTransitioner interface {
	Transition(ctx context.Context, jobID string, to model.JobState, errMsg string) error
}

// ChannelResolver はブロードキャスターIDからチャンネルプロフィールを解決する。
type ChannelResolver interface {
	Get(ctx context.Context, broadcasterID string) (*model.ChannelProfile, error)
}

// StreamResolver はブロードキャスターの配信中ストリームを取得する。
// 配信していない場合は (nil, nil) を返す。
type StreamResolver interface {
	GetStream(ctx context.Context, broadcasterID string) (*model.StreamInfo, error)
}

// MetricsCollector はキャプチャのメトリクス収集インターフェース。
type MetricsCollector interface {
	RecordCapture(outcome string, duration time.Duration)
}

// Config はOrchestratorの設定。
type Config struct {
	// ResolveTimeout はチャンネルと配信の解決にかける時間の上限。
	ResolveTimeout time.Duration
	// CaptureTimeout はキャプチャ1件の最大時間。
	CaptureTimeout time.Duration
}

// Orchestrator はジョブのキャプチャを非同期に実行し、結果をジョブ管理に報告する。
type Orchestrator struct {
	jobs     JobTransitioner
	channels ChannelResolver
	streams  StreamResolver
	capturer Capturer
	metrics  MetricsCollector
	logger   *slog.Logger
	config   Config

	ctx    context.Context
	cancel context.CancelFunc
	now    func() time.Time

	// mu はclosedの確認とwg.Addを不可分にする。
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewOrchestrator はOrchestratorの新しいインスタンスを生成する。
// metricsはnilでもよい。
func NewOrchestrator(
	jobs JobTransitioner,
	channels ChannelResolver,
	streams StreamResolver,
	capturer Capturer,
	metrics MetricsCollector,
	logger *slog.Logger,
	config Config,
) *Orchestrator {
	if config.ResolveTimeout <= 0 {
		config.ResolveTimeout = defaultResolveTimeout
	}
	if config.CaptureTimeout <= 0 {
		config.CaptureTimeout = defaultCaptureTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		jobs:     jobs,
		channels: channels,
		streams:  streams,
		capturer: capturer,
		metrics:  metrics,
		logger:   logger,
		config:   config,
		ctx:      ctx,
		cancel:   cancel,
		now:      time.Now,
	}
}

// Resolve はチャンネルプロフィールと配信中ストリームを解決する。
// チャンネルが存在しない場合はErrChannelNotFound、配信していない場合はErrStreamOfflineを返す。
func (o *Orchestrator) Resolve(ctx context.Context, broadcasterID string) (*model.ChannelProfile, *model.StreamInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, o.config.ResolveTimeout)
	defer cancel()

	channel, err := o.channels.Get(ctx, broadcasterID)
	if err != nil {
		if errors.Is(err, profile.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: %s", ErrChannelNotFound, broadcasterID)
		}
		return nil, nil, fmt.Errorf("チャンネルの解決に失敗しました: %w", err)
	}

	stream, err := o.streams.GetStream(ctx, broadcasterID)
	if err != nil {
		return nil, nil, fmt.Errorf("配信情報の取得に失敗しました: %w", err)
	}
	if stream == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrStreamOffline, broadcasterID)
	}

	return channel, stream, nil
}

// Start はpending状態のジョブのキャプチャを開始する。
// 解決に失敗した場合はジョブをfailedにしてエラーを返す。
// 成功した場合はジョブをrunningにし、キャプチャの完了を待たずに戻る。
func (o *Orchestrator) Start(ctx context.Context, job *model.Job) error {
	if o.isClosed() {
		o.fail(job.ID, ErrShuttingDown.Error())
		return ErrShuttingDown
	}

	channel, stream, err := o.Resolve(ctx, job.BroadcasterID)
	if err != nil {
		o.fail(job.ID, err.Error())
		return err
	}

	if err := o.jobs.Transition(ctx, job.ID, model.JobStateRunning, ""); err != nil {
		return fmt.Errorf("ジョブの開始に失敗しました: %w", err)
	}

	if !o.track() {
		o.fail(job.ID, ErrShuttingDown.Error())
		return ErrShuttingDown
	}

	o.logger.Info("capture started",
		slog.String("job_id", job.ID),
		slog.String("broadcaster_id", job.BroadcasterID),
		slog.String("broadcaster_login", channel.Login),
		slog.String("quality", string(job.Quality)),
		slog.String("stream_id", stream.ID),
	)

	req := CaptureRequest{Job: job, Channel: *channel, Stream: *stream}
	go func() {
		defer o.wg.Done()
		o.run(req)
	}()
	return nil
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// track はシャットダウン前であればキャプチャを待機対象に登録してtrueを返す。
func (o *Orchestrator) track() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	o.wg.Add(1)
	return true
}

// run はキャプチャを実行し、結果に応じてジョブを終端状態へ遷移させる。
func (o *Orchestrator) run(req CaptureRequest) {
	ctx, cancel := context.WithTimeout(o.ctx, o.config.CaptureTimeout)
	defer cancel()

	started := o.now()
	output, err := o.capturer.Capture(ctx, req)
	elapsed := o.now().Sub(started)

	outcome := OutcomeCompleted
	if err != nil {
		outcome = OutcomeFailed
	}
	if o.metrics != nil {
		o.metrics.RecordCapture(outcome, elapsed)
	}

	if err != nil {
		o.logger.Error("capture failed",
			slog.String("job_id", req.Job.ID),
			slog.String("broadcaster_id", req.Job.BroadcasterID),
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()),
		)
		o.transition(req.Job.ID, model.JobStateFailed, err.Error())
		return
	}

	o.logger.Info("capture completed",
		slog.String("job_id", req.Job.ID),
		slog.String("broadcaster_id", req.Job.BroadcasterID),
		slog.Duration("elapsed", elapsed),
		slog.String("output", output),
	)
	o.transition(req.Job.ID, model.JobStateCompleted, "")
}

func (o *Orchestrator) fail(jobID, reason string) {
	o.transition(jobID, model.JobStateFailed, reason)
}

// transition はシャットダウン中でも完了報告が届くよう独立したコンテキストで遷移を行う。
func (o *Orchestrator) transition(jobID string, to model.JobState, errMsg string) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTransitionTimeout)
	defer cancel()

	if err := o.jobs.Transition(ctx, jobID, to, errMsg); err != nil {
		o.logger.Error("failed to report job transition",
			slog.String("job_id", jobID),
			slog.String("to", string(to)),
			slog.String("error", err.Error()),
		)
	}
}

// Shutdown は実行中のキャプチャをキャンセルし、完了報告が終わるまで待つ。
// ctxが先にキャンセルされた場合はctx.Err()を返す。
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
