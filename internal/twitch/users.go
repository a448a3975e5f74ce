package twitch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/hitoshi/livecatch/internal/model"
)

type usersResponse struct {
	Data []struct {
		ID          string `json:"id"`
		Login       string `json:"login"`
		DisplayName string `json:"display_name"`
	} `json:"data"`
}

type streamsResponse struct {
	Data []struct {
		ID          string    `json:"id"`
		UserID      string    `json:"user_id"`
		UserLogin   string    `json:"user_login"`
		Type        string    `json:"type"`
		Title       string    `json:"title"`
		GameName    string    `json:"game_name"`
		ViewerCount int       `json:"viewer_count"`
		StartedAt   time.Time `json:"started_at"`
	} `json:"data"`
}

// GetUsers はユーザーIDからチャンネルプロフィールを取得する。
// 100件を超えるIDは分割して問い合わせる。存在しないIDは結果に含まれない。
func (c *Client) GetUsers(ctx context.Context, ids []string) ([]model.ChannelProfile, error) {
	profiles := make([]model.ChannelProfile, 0, len(ids))

	for start := 0; start < len(ids); start += maxIDsPerRequest {
		end := min(start+maxIDsPerRequest, len(ids))

		q := url.Values{}
		for _, id := range ids[start:end] {
			q.Add("id", id)
		}

		raw, err := c.do(ctx, "get_users", http.MethodGet, "/users", q, nil)
		if err != nil {
			return nil, err
		}

		var resp usersResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, fmt.Errorf("ユーザーレスポンスのパースに失敗しました: %w", err)
		}
		for _, u := range resp.Data {
			profiles = append(profiles, model.ChannelProfile{
				ID:          u.ID,
				Login:       u.Login,
				DisplayName: u.DisplayName,
			})
		}
	}

	return profiles, nil
}

// GetStream はブロードキャスターの配信中ストリームを取得する。
// 配信が行われていない場合は (nil, nil) を返す。
func (c *Client) GetStream(ctx context.Context, broadcasterID string) (*model.StreamInfo, error) {
	q := url.Values{}
	q.Set("user_id", broadcasterID)
	q.Set("first", itoa(1))

	raw, err := c.do(ctx, "get_stream", http.MethodGet, "/streams", q, nil)
	if err != nil {
		return nil, err
	}

	var resp streamsResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("配信レスポンスのパースに失敗しました: %w", err)
	}
	if len(resp.Data) == 0 || resp.Data[0].Type != "live" {
		return nil, nil
	}

	s := resp.Data[0]
	return &model.StreamInfo{
		ID:          s.ID,
		UserID:      s.UserID,
		UserLogin:   s.UserLogin,
		Title:       s.Title,
		GameName:    s.GameName,
		ViewerCount: s.ViewerCount,
		StartedAt:   s.StartedAt,
	}, nil
}
