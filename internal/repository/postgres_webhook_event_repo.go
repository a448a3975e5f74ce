package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/livecatch/internal/model"
)

// PostgresWebhookEventRepo はPostgreSQLを使用したWebhookイベントリポジトリ。
type PostgresWebhookEventRepo struct {
	db *sql.DB
}

// NewPostgresWebhookEventRepo はPostgresWebhookEventRepoを生成する。
func NewPostgresWebhookEventRepo(db *sql.DB) *PostgresWebhookEventRepo {
	return &PostgresWebhookEventRepo{db: db}
}

// Record はイベントを保存する。同一メッセージIDの再配信は無視する。
func (r *PostgresWebhookEventRepo) Record(ctx context.Context, event *model.RecordedEvent) error {
	payload := []byte(event.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO webhook_events
		 (id, message_id, subscription_type, broadcaster_id, broadcaster_name, title, payload, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (message_id) DO NOTHING`,
		event.ID, event.MessageID, event.SubscriptionType, event.BroadcasterID,
		event.BroadcasterName, event.Title, payload, event.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("Webhookイベントの保存に失敗しました: %w", err)
	}
	return nil
}
