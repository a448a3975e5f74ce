package eventsub

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/livecatch/internal/model"
)

// ErrMalformedMessage は構造的に解釈できないメッセージのエラー。
var ErrMalformedMessage = errors.New("eventsub: malformed message")

// envelope はEventSub Webhookボディの共通構造。
type envelope struct {
	Subscription *struct {
		ID        string         `json:"id"`
		Type      string         `json:"type"`
		Version   string         `json:"version"`
		Status    string         `json:"status"`
		Condition map[string]any `json:"condition"`
	} `json:"subscription"`
	Challenge string          `json:"challenge"`
	Event     json.RawMessage `json:"event"`
}

// ParseNotification は検証済みのヘッダーとボディからNotificationを組み立てる。
// メッセージ種別はボディの形ではなくメッセージ種別ヘッダーから判定する。
func ParseNotification(h MessageHeaders, body []byte, receivedAt time.Time) (*model.Notification, error) {
	mode := model.NotificationMode(h.Type)
	switch mode {
	case model.ModeVerification, model.ModeNotification, model.ModeRevocation:
	default:
		return nil, fmt.Errorf("%w: unknown message type %q", ErrMalformedMessage, h.Type)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if env.Subscription == nil || env.Subscription.Type == "" {
		return nil, fmt.Errorf("%w: subscription is missing", ErrMalformedMessage)
	}

	n := &model.Notification{
		MessageID:          h.MessageID,
		Mode:               mode,
		SubscriptionID:     env.Subscription.ID,
		SubscriptionType:   env.Subscription.Type,
		SubscriptionStatus: env.Subscription.Status,
		Condition:          stringCondition(env.Subscription.Condition),
		Challenge:          env.Challenge,
		Event:              env.Event,
		ReceivedAt:         receivedAt,
	}

	switch mode {
	case model.ModeVerification:
		if n.Challenge == "" {
			return nil, fmt.Errorf("%w: challenge is missing", ErrMalformedMessage)
		}
	case model.ModeNotification:
		if len(n.Event) == 0 || string(n.Event) == "null" {
			return nil, fmt.Errorf("%w: event is missing", ErrMalformedMessage)
		}
	case model.ModeRevocation:
		if n.SubscriptionID == "" {
			return nil, fmt.Errorf("%w: subscription id is missing", ErrMalformedMessage)
		}
	}

	return n, nil
}

// stringCondition は文字列値のconditionのみを取り出す。
func stringCondition(in map[string]any) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
