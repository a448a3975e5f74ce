package security

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer はブロードキャスター由来の文字列（配信タイトル、表示名など）から
// マークアップを除去する。保存前とAPI応答前に使用する。
// bluemondayのStrictPolicyにより全てのタグを除去し、テキストのみを残す。
type TextSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerの新しいインスタンスを生成する。
func NewTextSanitizer() *TextSanitizer {
	return &TextSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// SanitizeText はタグを除去し、前後の空白を取り除いた文字列を返す。
// 同一入力に対して常に同一出力を返す（冪等）。
func (s *TextSanitizer) SanitizeText(raw string) string {
	if raw == "" {
		return ""
	}
	return strings.TrimSpace(s.policy.Sanitize(raw))
}
