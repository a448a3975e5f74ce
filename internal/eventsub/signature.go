// Package eventsub はEventSub Webhookの署名検証、メッセージ解析、
// およびメッセージ種別とサブスクリプション種別によるルーティングを提供する。
package eventsub

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// EventSubが付与するリクエストヘッダー名
const (
	HeaderMessageID        = "Twitch-Eventsub-Message-Id"
	HeaderMessageTimestamp = "Twitch-Eventsub-Message-Timestamp"
	HeaderMessageSignature = "Twitch-Eventsub-Message-Signature"
	HeaderMessageType      = "Twitch-Eventsub-Message-Type"
	HeaderMessageRetry     = "Twitch-Eventsub-Message-Retry"
)

// SignaturePrefix は署名ヘッダー値のプレフィックス。
const SignaturePrefix = "sha256="

var (
	// ErrMissingHeaders は署名検証に必要なヘッダーが欠落している場合のエラー。
	ErrMissingHeaders = errors.New("eventsub: signature headers are missing")
	// ErrInvalidSignature は署名が一致しない場合のエラー。
	ErrInvalidSignature = errors.New("eventsub: signature mismatch")
	// ErrStaleMessage はメッセージのタイムスタンプが許容範囲外の場合のエラー。
	ErrStaleMessage = errors.New("eventsub: message timestamp outside the accepted window")
)

// MessageHeaders は署名検証とルーティングに使うヘッダー値。
type MessageHeaders struct {
	MessageID string
	Timestamp string
	Signature string
	Type      string
}

// HeadersFrom はヘッダー取得関数からMessageHeadersを組み立てる。
// http.Header.Get を渡すことを想定している。
func HeadersFrom(get func(string) string) MessageHeaders {
	return MessageHeaders{
		MessageID: strings.TrimSpace(get(HeaderMessageID)),
		Timestamp: strings.TrimSpace(get(HeaderMessageTimestamp)),
		Signature: strings.TrimSpace(get(HeaderMessageSignature)),
		Type:      strings.TrimSpace(get(HeaderMessageType)),
	}
}

// ComputeSignature は messageID + timestamp + rawBody のHMAC-SHA256を
// secretで計算し、小文字の16進文字列で返す。
func ComputeSignature(secret, messageID, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(messageID))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature は候補署名と計算済み署名を定数時間で比較する。
// 長さが異なる場合はfalseを返す。比較時間は一致した接頭辞の長さに依存しない。
func VerifySignature(candidate, computed string) bool {
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(computed)) == 1
}

// Verifier は共有シークレットでEventSubメッセージの真正性を検証する。
type Verifier struct {
	secret string
	maxAge time.Duration
	now    func() time.Time
}

// NewVerifier はVerifierを生成する。
// maxAgeが0以下の場合はタイムスタンプの鮮度検証を行わない。
func NewVerifier(secret string, maxAge time.Duration) *Verifier {
	return &Verifier{
		secret: secret,
		maxAge: maxAge,
		now:    time.Now,
	}
}

// Verify はヘッダーと生のリクエストボディから署名を検証する。
// 検証に失敗した場合、呼び出し元はルーティング前にリクエストを拒否しなければならない。
func (v *Verifier) Verify(h MessageHeaders, body []byte) error {
	if h.MessageID == "" || h.Timestamp == "" || h.Signature == "" {
		return ErrMissingHeaders
	}

	candidate := strings.ToLower(h.Signature)
	if !strings.HasPrefix(candidate, SignaturePrefix) {
		return ErrInvalidSignature
	}

	computed := SignaturePrefix + ComputeSignature(v.secret, h.MessageID, h.Timestamp, body)
	if !VerifySignature(candidate, computed) {
		return ErrInvalidSignature
	}

	if v.maxAge > 0 {
		sentAt, err := time.Parse(time.RFC3339Nano, h.Timestamp)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStaleMessage, err)
		}
		if age := v.now().Sub(sentAt); age > v.maxAge || age < -v.maxAge {
			return ErrStaleMessage
		}
	}

	return nil
}
