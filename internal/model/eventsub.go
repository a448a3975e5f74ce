package model

import (
	"encoding/json"
	"time"
)

// NotificationMode はWebhook配信の種別を表す。
type NotificationMode string

const (
	// ModeVerification はコールバックURL検証のハンドシェイク。
	ModeVerification NotificationMode = "webhook_callback_verification"
	// ModeNotification はイベント通知。
	ModeNotification NotificationMode = "notification"
	// ModeRevocation は購読の取り消し通知。
	ModeRevocation NotificationMode = "revocation"
)

// サブスクリプション種別
const (
	SubscriptionTypeStreamOnline  = "stream.online"
	SubscriptionTypeStreamOffline = "stream.offline"
	SubscriptionTypeChannelUpdate = "channel.update"
)

// サブスクリプション状態
const (
	SubscriptionStatusEnabled              = "enabled"
	SubscriptionStatusVerificationPending  = "webhook_callback_verification_pending"
	SubscriptionStatusAuthorizationRevoked = "authorization_revoked"
	SubscriptionStatusUserRemoved          = "user_removed"
	SubscriptionStatusFailuresExceeded     = "notification_failures_exceeded"
	SubscriptionStatusRevoked              = "revoked"
)

// Notification は検証済みのWebhook配信1件を表す。受信後は変更しない。
type Notification struct {
	MessageID          string
	Mode               NotificationMode
	SubscriptionID     string
	SubscriptionType   string
	SubscriptionStatus string
	Condition          map[string]string
	Challenge          string
	Event              json.RawMessage
	ReceivedAt         time.Time
}

// StreamEvent はstream.online/stream.offline/channel.updateイベントの共通フィールド。
type StreamEvent struct {
	ID                   string    `json:"id,omitempty"`
	BroadcasterUserID    string    `json:"broadcaster_user_id"`
	BroadcasterUserLogin string    `json:"broadcaster_user_login"`
	BroadcasterUserName  string    `json:"broadcaster_user_name"`
	Type                 string    `json:"type,omitempty"`
	Title                string    `json:"title,omitempty"`
	CategoryName         string    `json:"category_name,omitempty"`
	StartedAt            time.Time `json:"started_at,omitempty"`
}

// Subscription は上流のEventSub購読を表す。
// 状態は上流の報告に従って遷移し、ルーターからは変更しない。
type Subscription struct {
	ID               string
	Type             string
	Version          string
	Status           string
	BroadcasterID    string
	BroadcasterLogin string
	Cost             int
	CreatedAt        time.Time
}

// SubscriptionRequest はEventSub購読作成リクエストを表す。
type SubscriptionRequest struct {
	Type          string
	Version       string
	BroadcasterID string
	CallbackURL   string
	Secret        string
}

// SubscriptionPage は上流の購読一覧とコスト集計を表す。
type SubscriptionPage struct {
	Total         int
	TotalCost     int
	MaxTotalCost  int
	Subscriptions []Subscription
}

// FetchLogEntry は購読データを最後に取得した時刻を記録するTTLマーカー。
type FetchLogEntry struct {
	FetchID   string
	SubjectID string
	Type      string
	FetchedAt time.Time
}

// FetchLogTypeEventSub はEventSub購読一覧取得のフェッチログ種別。
const FetchLogTypeEventSub = "eventsub"

// SubscriptionSnapshot はsubject単位で保存される購読一覧のスナップショット。
type SubscriptionSnapshot struct {
	SubjectID     string
	FetchID       string
	FetchedAt     time.Time
	Subscriptions []Subscription
}

// ChannelProfile はチャンネル（ブロードキャスター）のプロフィール。
type ChannelProfile struct {
	ID          string
	Login       string
	DisplayName string
}

// StreamInfo は配信中ストリームの情報。
type StreamInfo struct {
	ID          string
	UserID      string
	UserLogin   string
	Title       string
	GameName    string
	ViewerCount int
	StartedAt   time.Time
}

// RecordedEvent は永続化されるWebhookイベントの記録。
type RecordedEvent struct {
	ID               string
	MessageID        string
	SubscriptionType string
	BroadcasterID    string
	BroadcasterName  string
	Title            string
	Payload          json.RawMessage
	ReceivedAt       time.Time
}
