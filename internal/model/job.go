// Package model はドメインモデルを定義する。
package model

import (
	"strings"
	"time"
)

// JobState はダウンロードジョブの状態を表す。
type JobState string

const (
	// JobStatePending は作成済みでキャプチャ未開始の状態。
	JobStatePending JobState = "pending"
	// JobStateRunning はキャプチャ実行中の状態。
	JobStateRunning JobState = "running"
	// JobStateCompleted はキャプチャが正常終了した状態。
	JobStateCompleted JobState = "completed"
	// JobStateFailed は開始失敗またはキャプチャ失敗の状態。
	JobStateFailed JobState = "failed"
)

// IsActive はブロードキャスターごとの重複排除対象となる状態かを返す。
func (s JobState) IsActive() bool {
	return s == JobStatePending || s == JobStateRunning
}

// IsTerminal は終端状態かを返す。
func (s JobState) IsTerminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// Quality は録画画質を表す。
type Quality string

const (
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"
	QualitySource Quality = "source"
)

// qualityAliases は画質セレクタ文字列から画質へのマッピング。
// キーは小文字で保持する。
var qualityAliases = map[string]Quality{
	"low":     QualityLow,
	"160p":    QualityLow,
	"360p":    QualityLow,
	"medium":  QualityMedium,
	"480p":    QualityMedium,
	"high":    QualityHigh,
	"720p":    QualityHigh,
	"720p60":  QualityHigh,
	"source":  QualitySource,
	"best":    QualitySource,
	"chunked": QualitySource,
	"1080p":   QualitySource,
	"1080p60": QualitySource,
}

// ParseQuality は画質セレクタ文字列を画質に変換する。
// 未知の値や空文字列の場合は ok=false を返す。
func ParseQuality(selector string) (Quality, bool) {
	q, ok := qualityAliases[strings.ToLower(strings.TrimSpace(selector))]
	return q, ok
}

// QualityOrDefault は画質セレクタを変換し、認識できない場合はfallbackを返す。
func QualityOrDefault(selector string, fallback Quality) Quality {
	if q, ok := ParseQuality(selector); ok {
		return q
	}
	return fallback
}

// Job は1ブロードキャスターのライブ配信1回分のダウンロードタスクを表す。
type Job struct {
	ID            string
	BroadcasterID string
	UserID        string
	Quality       Quality
	State         JobState
	Error         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	FinishedAt    time.Time
}
