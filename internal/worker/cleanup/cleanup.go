// Package cleanup は保持期間を超過したデータの定期削除ジョブを提供する。
// 終端状態のジョブ（メモリとDB）と古いフェッチログを削除する。
// 購読スナップショットはsubject単位で置き換えるため対象外。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// JobEvictor はメモリ上の終端ジョブを削除する。
type JobEvictor interface {
	EvictExpired() int
}

// JobPurger は永続化された終端ジョブを削除する。
type JobPurger interface {
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// FetchLogPurger は古いフェッチログを削除する。
type FetchLogPurger interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config はCleanupJobの設定。
type Config struct {
	// JobRetention は終端ジョブの保持期間（デフォルト: 24時間）。
	JobRetention time.Duration
	// FetchLogRetention はフェッチログの保持期間（デフォルト: 7日）。
	FetchLogRetention time.Duration
}

// CleanupJob は保持期間を超過したデータの削除ジョブ。
// 冪等な削除処理のみを行うため、何度実行してもよい。
type CleanupJob struct {
	evictor   JobEvictor
	jobs      JobPurger
	fetchLogs FetchLogPurger
	logger    *slog.Logger
	config    Config
	now       func() time.Time
}

// NewCleanupJob は新しいCleanupJobを生成する。
// evictor、jobs、fetchLogsはいずれもnilでもよい。
// APIサーバーはメモリ上のジョブのみ、ワーカーはDBのみを対象に実行する。
func NewCleanupJob(evictor JobEvictor, jobs JobPurger, fetchLogs FetchLogPurger, logger *slog.Logger, config Config) *CleanupJob {
	if config.JobRetention <= 0 {
		config.JobRetention = 24 * time.Hour
	}
	if config.FetchLogRetention <= 0 {
		config.FetchLogRetention = 7 * 24 * time.Hour
	}
	return &CleanupJob{
		evictor:   evictor,
		jobs:      jobs,
		fetchLogs: fetchLogs,
		logger:    logger,
		config:    config,
		now:       time.Now,
	}
}

// Run は1回分のクリーンアップを実行する。
// いずれかの削除が失敗しても残りは実行し、最初のエラーを返す。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := j.now()
	var firstErr error

	var evicted int
	if j.evictor != nil {
		evicted = j.evictor.EvictExpired()
	}

	var deletedJobs int64
	if j.jobs != nil {
		n, err := j.jobs.DeleteFinishedBefore(ctx, start.Add(-j.config.JobRetention))
		if err != nil {
			j.logger.Error("failed to delete finished jobs", slog.String("error", err.Error()))
			firstErr = fmt.Errorf("終了済みジョブの削除に失敗: %w", err)
		}
		deletedJobs = n
	}

	var deletedLogs int64
	if j.fetchLogs != nil {
		n, err := j.fetchLogs.DeleteOlderThan(ctx, start.Add(-j.config.FetchLogRetention))
		if err != nil {
			j.logger.Error("failed to delete fetch logs", slog.String("error", err.Error()))
			if firstErr == nil {
				firstErr = fmt.Errorf("フェッチログの削除に失敗: %w", err)
			}
		}
		deletedLogs = n
	}

	j.logger.Info("cleanup completed",
		slog.Int("evicted_jobs", evicted),
		slog.Int64("deleted_jobs", deletedJobs),
		slog.Int64("deleted_fetch_logs", deletedLogs),
		slog.Float64("duration_ms", float64(j.now().Sub(start).Milliseconds())),
	)

	return firstErr
}

// Start は起動直後に1回、その後interval毎にRunを実行する。ctxがキャンセルされるまでブロックする。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	j.Run(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Run(ctx)
		}
	}
}
