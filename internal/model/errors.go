// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// 原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, job, upstream, system
	Action   string // 呼び出し元向け対処方法
	JobID    string // 競合時の既存ジョブID
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidSignature = "INVALID_SIGNATURE"
	ErrCodeInvalidRequest   = "INVALID_REQUEST"
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeJobNotFound      = "JOB_NOT_FOUND"
	ErrCodeJobConflict      = "JOB_CONFLICT"
	ErrCodeChannelNotFound  = "CHANNEL_NOT_FOUND"
	ErrCodeStreamOffline    = "STREAM_OFFLINE"
	ErrCodeUpstreamFailed   = "UPSTREAM_FAILED"
	ErrCodeInternal         = "INTERNAL_ERROR"
)

// NewInvalidSignatureError は署名検証失敗エラーを生成する。
func NewInvalidSignatureError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidSignature,
		Message:  "Webhookの署名を検証できませんでした。",
		Category: "auth",
		Action:   "EventSubのシークレット設定を確認してください。",
	}
}

// NewInvalidRequestError はリクエスト形式エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "リクエストの形式を確認してください。",
	}
}

// NewUnauthorizedError は管理API認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "有効なAPIトークンを指定してください。",
	}
}

// NewJobNotFoundError はジョブ未検出エラーを生成する。
func NewJobNotFoundError(jobID string) *APIError {
	return &APIError{
		Code:     ErrCodeJobNotFound,
		Message:  fmt.Sprintf("指定されたジョブが見つかりません: %s", jobID),
		Category: "job",
		Action:   "ジョブIDを確認してください。完了済みジョブは保持期間後に削除されます。",
	}
}

// NewJobConflictError は同一ブロードキャスターで実行中のジョブが存在する場合のエラーを生成する。
func NewJobConflictError(existingJobID string) *APIError {
	return &APIError{
		Code:     ErrCodeJobConflict,
		Message:  "このブロードキャスターのジョブは既に実行中です。",
		Category: "job",
		Action:   "既存ジョブの状態を確認してください。",
		JobID:    existingJobID,
	}
}

// NewChannelNotFoundError はチャンネル未検出エラーを生成する。
func NewChannelNotFoundError(broadcasterID string) *APIError {
	return &APIError{
		Code:     ErrCodeChannelNotFound,
		Message:  fmt.Sprintf("チャンネルが見つかりません: %s", broadcasterID),
		Category: "validation",
		Action:   "ブロードキャスターIDを確認してください。",
	}
}

// NewStreamOfflineError は配信が行われていない場合のエラーを生成する。
func NewStreamOfflineError(broadcasterID string) *APIError {
	return &APIError{
		Code:     ErrCodeStreamOffline,
		Message:  fmt.Sprintf("配信はオフラインです: %s", broadcasterID),
		Category: "job",
		Action:   "配信開始後に再度お試しください。",
	}
}

// NewUpstreamFailedError は上流API呼び出し失敗エラーを生成する。
func NewUpstreamFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeUpstreamFailed,
		Message:  fmt.Sprintf("上流APIの呼び出しに失敗しました: %s", reason),
		Category: "upstream",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
