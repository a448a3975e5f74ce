package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/livecatch/internal/model"
)

// PostgresJobRepo はPostgreSQLを使用したダウンロードジョブリポジトリ。
type PostgresJobRepo struct {
	db *sql.DB
}

// NewPostgresJobRepo はPostgresJobRepoを生成する。
func NewPostgresJobRepo(db *sql.DB) *PostgresJobRepo {
	return &PostgresJobRepo{db: db}
}

// Create はジョブを作成する。
// 同一ブロードキャスターの有効なジョブが既に存在する場合は部分ユニークインデックス違反となる。
func (r *PostgresJobRepo) Create(ctx context.Context, job *model.Job) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO download_jobs (id, broadcaster_id, user_id, quality, state, error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.ID, job.BroadcasterID, job.UserID, string(job.Quality), string(job.State), job.Error, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("ジョブの作成に失敗しました: %w", err)
	}
	return nil
}

// UpdateState はジョブの状態、エラー、更新時刻、終了時刻を更新する。
func (r *PostgresJobRepo) UpdateState(ctx context.Context, job *model.Job) error {
	var finishedAt sql.NullTime
	if !job.FinishedAt.IsZero() {
		finishedAt = sql.NullTime{Time: job.FinishedAt, Valid: true}
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE download_jobs SET state = $2, error = $3, updated_at = $4, finished_at = $5 WHERE id = $1`,
		job.ID, string(job.State), job.Error, job.UpdatedAt, finishedAt,
	)
	if err != nil {
		return fmt.Errorf("ジョブ状態の更新に失敗しました: %w", err)
	}
	return nil
}

// FailActive は前回プロセスで有効なまま残ったジョブをfailedにし、件数を返す。
func (r *PostgresJobRepo) FailActive(ctx context.Context, reason string, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE download_jobs
		 SET state = 'failed', error = $1, updated_at = $2, finished_at = $2
		 WHERE state IN ('pending', 'running')`,
		reason, now,
	)
	if err != nil {
		return 0, fmt.Errorf("残存ジョブの失敗処理に失敗しました: %w", err)
	}
	return result.RowsAffected()
}

// DeleteFinishedBefore はcutoffより前に終了したジョブを削除し、削除件数を返す。
func (r *PostgresJobRepo) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM download_jobs WHERE finished_at IS NOT NULL AND finished_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("終了済みジョブの削除に失敗しました: %w", err)
	}
	return result.RowsAffected()
}
