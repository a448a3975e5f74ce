package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresFollowedChannelRepo はPostgreSQLを使用したフォロー中チャンネルリポジトリ。
type PostgresFollowedChannelRepo struct {
	db *sql.DB
}

// NewPostgresFollowedChannelRepo はPostgresFollowedChannelRepoを生成する。
func NewPostgresFollowedChannelRepo(db *sql.DB) *PostgresFollowedChannelRepo {
	return &PostgresFollowedChannelRepo{db: db}
}

// ListBroadcasterIDs は全ユーザーのフォロー先ブロードキャスターIDを重複なしで返す。
func (r *PostgresFollowedChannelRepo) ListBroadcasterIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT broadcaster_id FROM followed_channels ORDER BY broadcaster_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("フォロー中チャンネルの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("フォロー中チャンネル行の読み取りに失敗しました: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("フォロー中チャンネルの走査に失敗しました: %w", err)
	}
	return ids, nil
}
