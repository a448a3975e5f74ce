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

// helixSubscription はHelixのEventSub購読オブジェクト。
type helixSubscription struct {
	ID        string            `json:"id"`
	Status    string            `json:"status"`
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Condition map[string]string `json:"condition"`
	Cost      int               `json:"cost"`
	CreatedAt time.Time         `json:"created_at"`
}

func (s helixSubscription) toModel() model.Subscription {
	return model.Subscription{
		ID:            s.ID,
		Type:          s.Type,
		Version:       s.Version,
		Status:        s.Status,
		BroadcasterID: s.Condition["broadcaster_user_id"],
		Cost:          s.Cost,
		CreatedAt:     s.CreatedAt,
	}
}

// subscriptionsResponse は購読作成・一覧の応答。
type subscriptionsResponse struct {
	Data         []helixSubscription `json:"data"`
	Total        int                 `json:"total"`
	TotalCost    int                 `json:"total_cost"`
	MaxTotalCost int                 `json:"max_total_cost"`
	Pagination   struct {
		Cursor string `json:"cursor"`
	} `json:"pagination"`
}

// createSubscriptionBody は購読作成リクエストのボディ。
type createSubscriptionBody struct {
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Condition map[string]string `json:"condition"`
	Transport struct {
		Method   string `json:"method"`
		Callback string `json:"callback"`
		Secret   string `json:"secret"`
	} `json:"transport"`
}

// CreateEventSub はwebhookトランスポートのEventSub購読を作成する。
// 同一の購読が既に存在する場合はErrSubscriptionExistsを返す。
func (c *Client) CreateEventSub(ctx context.Context, req model.SubscriptionRequest) (*model.Subscription, error) {
	body := createSubscriptionBody{
		Type:      req.Type,
		Version:   req.Version,
		Condition: map[string]string{"broadcaster_user_id": req.BroadcasterID},
	}
	body.Transport.Method = "webhook"
	body.Transport.Callback = req.CallbackURL
	body.Transport.Secret = req.Secret

	raw, err := c.do(ctx, "create_eventsub", http.MethodPost, "/eventsub/subscriptions", nil, body)
	if err != nil {
		if IsStatus(err, http.StatusConflict) {
			return nil, fmt.Errorf("%w: %s %s", ErrSubscriptionExists, req.Type, req.BroadcasterID)
		}
		return nil, err
	}

	var resp subscriptionsResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("購読作成レスポンスのパースに失敗しました: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("購読作成レスポンスにデータが含まれていません")
	}

	sub := resp.Data[0].toModel()
	return &sub, nil
}

// ListFilter はEventSub購読一覧の絞り込み条件。
// Helixは条件を1つだけ受け付けるため、UserID、Status、Typeの順に最初の非空値を使う。
// MaxPagesが正の場合は取得するページ数をその値で打ち切る。0は全ページ。
type ListFilter struct {
	UserID   string
	Status   string
	Type     string
	MaxPages int
}

func (f ListFilter) query() url.Values {
	q := url.Values{}
	switch {
	case f.UserID != "":
		q.Set("user_id", f.UserID)
	case f.Status != "":
		q.Set("status", f.Status)
	case f.Type != "":
		q.Set("type", f.Type)
	}
	return q
}

// ListEventSubs は条件に一致するEventSub購読をページングしながら取得する。
// total、total_cost、max_total_costは最初のページの値を使う。
func (c *Client) ListEventSubs(ctx context.Context, filter ListFilter) (*model.SubscriptionPage, error) {
	page := &model.SubscriptionPage{}
	cursor := ""
	first := true
	pages := 0

	for {
		q := filter.query()
		if cursor != "" {
			q.Set("after", cursor)
		}

		raw, err := c.do(ctx, "list_eventsub", http.MethodGet, "/eventsub/subscriptions", q, nil)
		if err != nil {
			return nil, err
		}

		var resp subscriptionsResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, fmt.Errorf("購読一覧レスポンスのパースに失敗しました: %w", err)
		}

		if first {
			page.Total = resp.Total
			page.TotalCost = resp.TotalCost
			page.MaxTotalCost = resp.MaxTotalCost
			first = false
		}
		for _, s := range resp.Data {
			page.Subscriptions = append(page.Subscriptions, s.toModel())
		}
		pages++

		if filter.MaxPages > 0 && pages >= filter.MaxPages {
			break
		}
		if resp.Pagination.Cursor == "" || len(resp.Data) == 0 {
			break
		}
		cursor = resp.Pagination.Cursor
	}

	return page, nil
}
