package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/livecatch/internal/model"
)

// PostgresFetchLogRepo はPostgreSQLを使用したフェッチログリポジトリ。
type PostgresFetchLogRepo struct {
	db *sql.DB
}

// NewPostgresFetchLogRepo はPostgresFetchLogRepoを生成する。
func NewPostgresFetchLogRepo(db *sql.DB) *PostgresFetchLogRepo {
	return &PostgresFetchLogRepo{db: db}
}

// FindLatest はsubjectと種別に対する最新のフェッチログを返す。見つからない場合はnilを返す。
func (r *PostgresFetchLogRepo) FindLatest(ctx context.Context, subjectID, fetchType string) (*model.FetchLogEntry, error) {
	entry := &model.FetchLogEntry{}
	err := r.db.QueryRowContext(ctx,
		`SELECT fetch_id, subject_id, type, fetched_at
		 FROM eventsub_fetch_logs
		 WHERE subject_id = $1 AND type = $2
		 ORDER BY fetched_at DESC
		 LIMIT 1`,
		subjectID, fetchType,
	).Scan(&entry.FetchID, &entry.SubjectID, &entry.Type, &entry.FetchedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("フェッチログの取得に失敗しました: %w", err)
	}
	return entry, nil
}

// Create はフェッチログを追加する。
func (r *PostgresFetchLogRepo) Create(ctx context.Context, entry *model.FetchLogEntry) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO eventsub_fetch_logs (fetch_id, subject_id, type, fetched_at)
		 VALUES ($1, $2, $3, $4)`,
		entry.FetchID, entry.SubjectID, entry.Type, entry.FetchedAt,
	)
	if err != nil {
		return fmt.Errorf("フェッチログの作成に失敗しました: %w", err)
	}
	return nil
}

// DeleteOlderThan はcutoffより前のフェッチログを削除し、削除件数を返す。
func (r *PostgresFetchLogRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM eventsub_fetch_logs WHERE fetched_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("フェッチログの削除に失敗しました: %w", err)
	}
	return result.RowsAffected()
}

// PostgresSnapshotRepo はPostgreSQLを使用した購読スナップショットリポジトリ。
type PostgresSnapshotRepo struct {
	db *sql.DB
}

// NewPostgresSnapshotRepo はPostgresSnapshotRepoを生成する。
func NewPostgresSnapshotRepo(db *sql.DB) *PostgresSnapshotRepo {
	return &PostgresSnapshotRepo{db: db}
}

// FindBySubject はsubjectのスナップショットを返す。見つからない場合はnilを返す。
// 明細が0件のスナップショットは「購読なし」を表し、空スライスで返す。
func (r *PostgresSnapshotRepo) FindBySubject(ctx context.Context, subjectID string) (*model.SubscriptionSnapshot, error) {
	snap := &model.SubscriptionSnapshot{}
	err := r.db.QueryRowContext(ctx,
		`SELECT subject_id, fetch_id, fetched_at FROM eventsub_snapshots WHERE subject_id = $1`,
		subjectID,
	).Scan(&snap.SubjectID, &snap.FetchID, &snap.FetchedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("スナップショットの取得に失敗しました: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT subscription_id, type, version, status, broadcaster_id, broadcaster_login, cost, created_at
		 FROM eventsub_snapshot_items
		 WHERE subject_id = $1
		 ORDER BY created_at ASC NULLS LAST, subscription_id ASC`,
		subjectID,
	)
	if err != nil {
		return nil, fmt.Errorf("スナップショット明細の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	snap.Subscriptions = []model.Subscription{}
	for rows.Next() {
		var s model.Subscription
		var createdAt sql.NullTime
		if err := rows.Scan(&s.ID, &s.Type, &s.Version, &s.Status, &s.BroadcasterID, &s.BroadcasterLogin, &s.Cost, &createdAt); err != nil {
			return nil, fmt.Errorf("スナップショット明細の読み取りに失敗しました: %w", err)
		}
		if createdAt.Valid {
			s.CreatedAt = createdAt.Time
		}
		snap.Subscriptions = append(snap.Subscriptions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("スナップショット明細の走査に失敗しました: %w", err)
	}
	return snap, nil
}

// Replace はsubjectのスナップショットを同一トランザクション内で丸ごと置き換える。
func (r *PostgresSnapshotRepo) Replace(ctx context.Context, snapshot *model.SubscriptionSnapshot) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO eventsub_snapshots (subject_id, fetch_id, fetched_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (subject_id) DO UPDATE SET fetch_id = EXCLUDED.fetch_id, fetched_at = EXCLUDED.fetched_at`,
		snapshot.SubjectID, snapshot.FetchID, snapshot.FetchedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert snapshot: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM eventsub_snapshot_items WHERE subject_id = $1`,
		snapshot.SubjectID,
	); err != nil {
		return fmt.Errorf("failed to delete snapshot items: %w", err)
	}

	for _, s := range snapshot.Subscriptions {
		var createdAt sql.NullTime
		if !s.CreatedAt.IsZero() {
			createdAt = sql.NullTime{Time: s.CreatedAt, Valid: true}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO eventsub_snapshot_items
			 (subject_id, subscription_id, type, version, status, broadcaster_id, broadcaster_login, cost, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			snapshot.SubjectID, s.ID, s.Type, s.Version, s.Status, s.BroadcasterID, s.BroadcasterLogin, s.Cost, createdAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert snapshot item: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// UpdateStatus は購読IDに一致する全スナップショット行の状態を更新し、更新件数を返す。
func (r *PostgresSnapshotRepo) UpdateStatus(ctx context.Context, subscriptionID, status string) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE eventsub_snapshot_items SET status = $2 WHERE subscription_id = $1`,
		subscriptionID, status,
	)
	if err != nil {
		return 0, fmt.Errorf("スナップショット状態の更新に失敗しました: %w", err)
	}
	return result.RowsAffected()
}
