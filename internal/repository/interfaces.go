// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/livecatch/internal/model"
)

// FollowedChannelRepository はフォロー中チャンネルの参照インターフェース。
// フォロー情報は外部のプロフィール連携が書き込み、本システムは読み取りのみ行う。
type FollowedChannelRepository interface {
	// ListBroadcasterIDs は全ユーザーのフォロー先ブロードキャスターIDを重複なしで返す。
	ListBroadcasterIDs(ctx context.Context) ([]string, error)
}

// FetchLogRepository は購読一覧の取得時刻（フェッチログ）の永続化インターフェース。
type FetchLogRepository interface {
	// FindLatest はsubjectと種別に対する最新のフェッチログを返す。見つからない場合はnilを返す。
	FindLatest(ctx context.Context, subjectID, fetchType string) (*model.FetchLogEntry, error)

	// Create はフェッチログを追加する。
	Create(ctx context.Context, entry *model.FetchLogEntry) error

	// DeleteOlderThan はcutoffより前のフェッチログを削除し、削除件数を返す。
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// SnapshotRepository はsubject単位の購読一覧スナップショットの永続化インターフェース。
type SnapshotRepository interface {
	// FindBySubject はsubjectのスナップショットを返す。見つからない場合はnilを返す。
	FindBySubject(ctx context.Context, subjectID string) (*model.SubscriptionSnapshot, error)

	// Replace はsubjectのスナップショットを丸ごと置き換える。
	Replace(ctx context.Context, snapshot *model.SubscriptionSnapshot) error

	// UpdateStatus は購読IDに一致する全スナップショット行の状態を更新し、更新件数を返す。
	UpdateStatus(ctx context.Context, subscriptionID, status string) (int64, error)
}

// WebhookEventRepository は受信したWebhookイベントの永続化インターフェース。
type WebhookEventRepository interface {
	// Record はイベントを保存する。同一メッセージIDの再配信は無視する。
	Record(ctx context.Context, event *model.RecordedEvent) error
}

// JobRepository はダウンロードジョブの永続化インターフェース。
type JobRepository interface {
	// Create はジョブを作成する。
	Create(ctx context.Context, job *model.Job) error

	// UpdateState はジョブの状態、エラー、更新時刻、終了時刻を更新する。
	UpdateState(ctx context.Context, job *model.Job) error

	// FailActive は前回プロセスで有効なまま残ったジョブをfailedにし、件数を返す。
	FailActive(ctx context.Context, reason string, now time.Time) (int64, error)

	// DeleteFinishedBefore はcutoffより前に終了したジョブを削除し、削除件数を返す。
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
