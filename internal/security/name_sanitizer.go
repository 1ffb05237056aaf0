package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// NameSanitizer は上流から受け取ったユーザー名・表示名からマークアップを除去する。
// bluemondayのStrictPolicyは全タグを除去する。ポリシーはスレッドセーフ。
type NameSanitizer struct {
	policy *bluemonday.Policy
}

// NewNameSanitizer はNameSanitizerを生成する。
func NewNameSanitizer() *NameSanitizer {
	return &NameSanitizer{policy: bluemonday.StrictPolicy()}
}

// Clean はタグを除去したプレーンテキストを返す。
// StrictPolicyはエスケープ済みの出力を返すため、JSONに載せる前に
// エンティティを元の文字に戻す。前後の空白は除去する。
func (s *NameSanitizer) Clean(name string) string {
	if name == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(name)))
}
