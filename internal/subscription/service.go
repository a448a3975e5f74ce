// Package subscription はEventSub購読の作成・一覧・コスト集計を提供する。
// 購読一覧はsubject単位のスナップショットとしてキャッシュし、
// フェッチログの時刻が鮮度期間内であれば上流を呼び出さない。
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/livecatch/internal/model"
	"github.com/hitoshi/livecatch/internal/repository"
	"github.com/hitoshi/livecatch/internal/twitch"
	"golang.org/x/sync/errgroup"
)

const (
	defaultFreshness       = 5 * time.Minute
	defaultUpstreamTimeout = 10 * time.Second
	defaultBulkConcurrency = 8

	// subscriptionVersion はstream.online/stream.offlineの購読バージョン。
	subscriptionVersion = "1"
)

// 一括購読の結果種別
const (
	OutcomeCreated       = "created"
	OutcomeAlreadyExists = "already_exists"
	OutcomeError         = "error"
)

// NoSubscriptionsMessage は購読が1件もない場合のメッセージ。
const NoSubscriptionsMessage = "EventSubの購読はありません。"

// Upstream はEventSub購読を管理する上流APIのインターフェース。
type Upstream interface {
	CreateEventSub(ctx context.Context, req model.SubscriptionRequest) (*model.Subscription, error)
	ListEventSubs(ctx context.Context, filter twitch.ListFilter) (*model.SubscriptionPage, error)
}

// NameResolver はブロードキャスターIDからログイン名を解決する。
type NameResolver interface {
	DisplayNames(ctx context.Context, broadcasterIDs []string) (map[string]string, error)
}

// MetricsCollector は購読作成のメトリクス収集インターフェース。
type MetricsCollector interface {
	RecordSubscribe(subscriptionType, outcome string)
}

// Config はServiceの設定。
type Config struct {
	CallbackURL string
	Secret      string
	// Freshness はキャッシュ済みスナップショットを返す期間（デフォルト: 5分）。
	Freshness time.Duration
	// UpstreamTimeout は上流呼び出し1回あたりのタイムアウト。
	UpstreamTimeout time.Duration
	// BulkConcurrency は一括購読の同時実行数。
	BulkConcurrency int
}

// ChannelResult は一括購読の1チャンネル分の結果。
// 成功時はOnlineとOfflineに結果種別が入り、失敗時はErrorのみが入る。
type ChannelResult struct {
	Channel string
	Online  string
	Offline string
	Error   string
}

// SubscriptionList は購読一覧の取得結果。
type SubscriptionList struct {
	Subscriptions []model.Subscription
	FetchedAt     time.Time
	Cached        bool
	Message       string
}

// CostSummary は購読のコスト集計。
type CostSummary struct {
	Total        int
	TotalCost    int
	MaxTotalCost int
}

// Service はEventSub購読管理のサービス層。
type Service struct {
	upstream  Upstream
	names     NameResolver
	followed  repository.FollowedChannelRepository
	fetchLogs repository.FetchLogRepository
	snapshots repository.SnapshotRepository
	metrics   MetricsCollector
	logger    *slog.Logger
	config    Config

	locks keyedMutex
	now   func() time.Time
	newID func() string
}

// NewService はServiceの新しいインスタンスを生成する。
// namesとmetricsはnilでもよい。
func NewService(
	upstream Upstream,
	names NameResolver,
	followed repository.FollowedChannelRepository,
	fetchLogs repository.FetchLogRepository,
	snapshots repository.SnapshotRepository,
	metrics MetricsCollector,
	logger *slog.Logger,
	config Config,
) *Service {
	if config.Freshness <= 0 {
		config.Freshness = defaultFreshness
	}
	if config.UpstreamTimeout <= 0 {
		config.UpstreamTimeout = defaultUpstreamTimeout
	}
	if config.BulkConcurrency <= 0 {
		config.BulkConcurrency = defaultBulkConcurrency
	}
	return &Service{
		upstream:  upstream,
		names:     names,
		followed:  followed,
		fetchLogs: fetchLogs,
		snapshots: snapshots,
		metrics:   metrics,
		logger:    logger,
		config:    config,
		locks:     keyedMutex{locks: make(map[string]*keyedLock)},
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// SubscribeStreamOnline はブロードキャスターのstream.online購読を作成する。
func (s *Service) SubscribeStreamOnline(ctx context.Context, broadcasterID string) (string, error) {
	return s.subscribe(ctx, model.SubscriptionTypeStreamOnline, broadcasterID)
}

// SubscribeStreamOffline はブロードキャスターのstream.offline購読を作成する。
func (s *Service) SubscribeStreamOffline(ctx context.Context, broadcasterID string) (string, error) {
	return s.subscribe(ctx, model.SubscriptionTypeStreamOffline, broadcasterID)
}

// subscribe は購読を作成し、結果種別を返す。既存の購読は成功として扱う。
func (s *Service) subscribe(ctx context.Context, subscriptionType, broadcasterID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.UpstreamTimeout)
	defer cancel()

	_, err := s.upstream.CreateEventSub(ctx, model.SubscriptionRequest{
		Type:          subscriptionType,
		Version:       subscriptionVersion,
		BroadcasterID: broadcasterID,
		CallbackURL:   s.config.CallbackURL,
		Secret:        s.config.Secret,
	})

	outcome := OutcomeCreated
	switch {
	case errors.Is(err, twitch.ErrSubscriptionExists):
		outcome = OutcomeAlreadyExists
		err = nil
	case err != nil:
		outcome = OutcomeError
	}
	if s.metrics != nil {
		s.metrics.RecordSubscribe(subscriptionType, outcome)
	}
	if err != nil {
		return "", fmt.Errorf("%sの購読作成に失敗しました: %w", subscriptionType, err)
	}
	return outcome, nil
}

// BulkSubscribeFollowed はフォロー中の全ブロードキャスターにstream.online/stream.offlineを購読する。
// チャンネルごとのエラーは結果に記録し、他のチャンネルの処理は継続する。
// 結果はフォロー一覧と同じ順序で返す。
func (s *Service) BulkSubscribeFollowed(ctx context.Context) ([]ChannelResult, error) {
	ids, err := s.followed.ListBroadcasterIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("フォロー中チャンネルの取得に失敗しました: %w", err)
	}

	results := make([]ChannelResult, len(ids))
	var g errgroup.Group
	g.SetLimit(s.config.BulkConcurrency)

	for i, id := range ids {
		g.Go(func() error {
			results[i] = s.subscribeChannel(ctx, id)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		if r.Error != "" {
			s.logger.Error("eventsub subscribe failed",
				slog.String("channel", r.Channel),
				slog.String("error", r.Error),
			)
			continue
		}
		s.logger.Info("eventsub subscribed",
			slog.String("channel", r.Channel),
			slog.String("online", r.Online),
			slog.String("offline", r.Offline),
		)
	}

	return results, nil
}

func (s *Service) subscribeChannel(ctx context.Context, broadcasterID string) ChannelResult {
	online, err := s.SubscribeStreamOnline(ctx, broadcasterID)
	if err != nil {
		return ChannelResult{Channel: broadcasterID, Error: err.Error()}
	}
	offline, err := s.SubscribeStreamOffline(ctx, broadcasterID)
	if err != nil {
		return ChannelResult{Channel: broadcasterID, Error: err.Error()}
	}
	return ChannelResult{Channel: broadcasterID, Online: online, Offline: offline}
}

// GetSubscriptions はsubjectの購読一覧を返す。
// 鮮度期間内にフェッチ済みであればスナップショットを返し、上流は呼び出さない。
// それ以外は上流から取得し、ログイン名を付与してフェッチログとスナップショットを保存する。
// 同一subjectの確認と更新はプロセス内で直列化する。
func (s *Service) GetSubscriptions(ctx context.Context, subjectID string) (*SubscriptionList, error) {
	unlock := s.locks.Lock(subjectID)
	defer unlock()

	latest, err := s.fetchLogs.FindLatest(ctx, subjectID, model.FetchLogTypeEventSub)
	if err != nil {
		return nil, fmt.Errorf("フェッチログの取得に失敗しました: %w", err)
	}

	now := s.now()
	if latest != nil && latest.FetchedAt.After(now.Add(-s.config.Freshness)) {
		return s.cached(ctx, subjectID)
	}

	upstreamCtx, cancel := context.WithTimeout(ctx, s.config.UpstreamTimeout)
	defer cancel()
	page, err := s.upstream.ListEventSubs(upstreamCtx, twitch.ListFilter{})
	if err != nil {
		return nil, fmt.Errorf("購読一覧の取得に失敗しました: %w", err)
	}

	subs := page.Subscriptions
	if subs == nil {
		subs = []model.Subscription{}
	}
	s.annotateLogins(ctx, subs)

	fetchID := s.newID()
	if err := s.fetchLogs.Create(ctx, &model.FetchLogEntry{
		FetchID:   fetchID,
		SubjectID: subjectID,
		Type:      model.FetchLogTypeEventSub,
		FetchedAt: now,
	}); err != nil {
		return nil, fmt.Errorf("フェッチログの保存に失敗しました: %w", err)
	}
	if err := s.snapshots.Replace(ctx, &model.SubscriptionSnapshot{
		SubjectID:     subjectID,
		FetchID:       fetchID,
		FetchedAt:     now,
		Subscriptions: subs,
	}); err != nil {
		return nil, fmt.Errorf("スナップショットの保存に失敗しました: %w", err)
	}

	list := &SubscriptionList{Subscriptions: subs, FetchedAt: now}
	if len(subs) == 0 {
		list.Message = NoSubscriptionsMessage
	}
	return list, nil
}

func (s *Service) cached(ctx context.Context, subjectID string) (*SubscriptionList, error) {
	snap, err := s.snapshots.FindBySubject(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("スナップショットの取得に失敗しました: %w", err)
	}
	if snap == nil || len(snap.Subscriptions) == 0 {
		list := &SubscriptionList{Subscriptions: []model.Subscription{}, Cached: true, Message: NoSubscriptionsMessage}
		if snap != nil {
			list.FetchedAt = snap.FetchedAt
		}
		return list, nil
	}
	return &SubscriptionList{Subscriptions: snap.Subscriptions, FetchedAt: snap.FetchedAt, Cached: true}, nil
}

// annotateLogins は購読にブロードキャスターのログイン名を付与する。
// 解決に失敗した場合はログ出力のみで、ログイン名は空のまま返す。
func (s *Service) annotateLogins(ctx context.Context, subs []model.Subscription) {
	if s.names == nil || len(subs) == 0 {
		return
	}

	seen := make(map[string]bool, len(subs))
	ids := make([]string, 0, len(subs))
	for _, sub := range subs {
		if sub.BroadcasterID != "" && !seen[sub.BroadcasterID] {
			seen[sub.BroadcasterID] = true
			ids = append(ids, sub.BroadcasterID)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.UpstreamTimeout)
	defer cancel()
	names, err := s.names.DisplayNames(ctx, ids)
	if err != nil {
		s.logger.Warn("failed to resolve broadcaster logins",
			slog.Int("count", len(ids)),
			slog.String("error", err.Error()),
		)
		return
	}
	for i := range subs {
		subs[i].BroadcasterLogin = names[subs[i].BroadcasterID]
	}
}

// GetTotalCost は上流から現在のコスト集計を取得する。キャッシュは使わない。
// 購読が1件もない場合はnilを返す。
func (s *Service) GetTotalCost(ctx context.Context) (*CostSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.UpstreamTimeout)
	defer cancel()

	// 集計値は先頭ページに含まれる
	page, err := s.upstream.ListEventSubs(ctx, twitch.ListFilter{MaxPages: 1})
	if err != nil {
		return nil, fmt.Errorf("コスト集計の取得に失敗しました: %w", err)
	}
	if page.Total == 0 {
		return nil, nil
	}
	return &CostSummary{
		Total:        page.Total,
		TotalCost:    page.TotalCost,
		MaxTotalCost: page.MaxTotalCost,
	}, nil
}

// MarkRevoked はキャッシュ済みスナップショット上の購読状態を更新する。
// 正となる状態は上流が保持するため、この更新は参考情報にとどまる。
func (s *Service) MarkRevoked(ctx context.Context, subscriptionID, status string) error {
	if status == "" {
		status = model.SubscriptionStatusRevoked
	}
	n, err := s.snapshots.UpdateStatus(ctx, subscriptionID, status)
	if err != nil {
		return fmt.Errorf("購読状態の更新に失敗しました: %w", err)
	}
	s.logger.Info("cached subscription marked revoked",
		slog.String("subscription_id", subscriptionID),
		slog.String("status", status),
		slog.Int64("rows", n),
	)
	return nil
}

// keyedMutex はキーごとの排他ロック。参照がなくなったキーは破棄する。
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// Lock はkeyのロックを取得し、解放関数を返す。
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
