// Package profile はチャンネルプロフィールの参照とキャッシュを提供する。
package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/livecatch/internal/model"
	"github.com/viccon/sturdyc"
)

const (
	defaultCapacity = 10000
	defaultTTL      = 10 * time.Minute
	numShards       = 10
	// evictionPercentage は容量超過時に追い出すエントリの割合。
	evictionPercentage = 10
)

// ErrNotFound はチャンネルが存在しない場合のエラー。
var ErrNotFound = errors.New("profile: channel not found")

// UserFetcher はユーザーIDからプロフィールを取得する上流APIのインターフェース。
type UserFetcher interface {
	GetUsers(ctx context.Context, ids []string) ([]model.ChannelProfile, error)
}

// Config はCacheの設定。
type Config struct {
	Capacity int
	TTL      time.Duration
}

// Cache は上限付き・TTL付きのプロフィールキャッシュ。
// 同一キーへの同時リクエストは1回の上流呼び出しにまとめられる。
// 存在しないチャンネルも同じTTLの間は欠損として保持し、上流に再問い合わせしない。
type Cache struct {
	cache   *sturdyc.Client[model.ChannelProfile]
	fetcher UserFetcher
	logger  *slog.Logger
}

// NewCache はCacheの新しいインスタンスを生成する。
func NewCache(fetcher UserFetcher, logger *slog.Logger, config Config) *Cache {
	if config.Capacity <= 0 {
		config.Capacity = defaultCapacity
	}
	if config.TTL <= 0 {
		config.TTL = defaultTTL
	}
	store := sturdyc.New[model.ChannelProfile](config.Capacity, numShards, config.TTL, evictionPercentage,
		sturdyc.WithMissingRecordStorage(),
	)
	return &Cache{
		cache:   store,
		fetcher: fetcher,
		logger:  logger,
	}
}

func cacheKey(id string) string {
	return "profile-" + id
}

// Get はチャンネルプロフィールを返す。存在しない場合はErrNotFoundを返す。
func (c *Cache) Get(ctx context.Context, broadcasterID string) (*model.ChannelProfile, error) {
	p, err := c.cache.GetOrFetch(ctx, cacheKey(broadcasterID), func(ctx context.Context) (model.ChannelProfile, error) {
		users, err := c.fetcher.GetUsers(ctx, []string{broadcasterID})
		if err != nil {
			return model.ChannelProfile{}, err
		}
		if len(users) == 0 {
			return model.ChannelProfile{}, sturdyc.ErrNotFound
		}
		return users[0], nil
	})
	if err != nil {
		if errors.Is(err, sturdyc.ErrMissingRecord) || errors.Is(err, sturdyc.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, broadcasterID)
		}
		return nil, fmt.Errorf("プロフィールの取得に失敗しました: %w", err)
	}
	return &p, nil
}

// DisplayNames は複数チャンネルのログイン名を一括で解決する。
// キャッシュにないIDのみを上流に問い合わせる。解決できなかったIDは結果に含まれない。
func (c *Cache) DisplayNames(ctx context.Context, broadcasterIDs []string) (map[string]string, error) {
	if len(broadcasterIDs) == 0 {
		return map[string]string{}, nil
	}

	profiles, err := c.cache.GetOrFetchBatch(ctx, broadcasterIDs, cacheKey, func(ctx context.Context, ids []string) (map[string]model.ChannelProfile, error) {
		users, err := c.fetcher.GetUsers(ctx, ids)
		if err != nil {
			return nil, err
		}
		out := make(map[string]model.ChannelProfile, len(users))
		for _, u := range users {
			out[u.ID] = u
		}
		return out, nil
	})
	if err != nil {
		return nil, fmt.Errorf("プロフィールの一括取得に失敗しました: %w", err)
	}

	names := make(map[string]string, len(profiles))
	for id, p := range profiles {
		names[id] = p.Login
	}
	c.logger.Debug("resolved channel profiles",
		slog.Int("requested", len(broadcasterIDs)),
		slog.Int("resolved", len(names)),
	)
	return names, nil
}
