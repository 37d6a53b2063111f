// Package security はアプリケーションのセキュリティ機能を提供する。
//
// ProfileSanitizer はユーザーが入力したプロフィール属性からHTMLを除去し、
// 保存先やUIでのXSSを防ぐ。bluemondayのStrictPolicyを使い、全てのタグを取り除く。
package security

import (
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// MaxTextLength は1属性あたりに保持する最大文字数（rune単位）。
const MaxTextLength = 1000

// ProfileSanitizerService はプロフィール属性のサニタイズ機能のインターフェースを定義する。
type ProfileSanitizerService interface {
	// SanitizeText は文字列から全てのHTMLタグを除去し、前後の空白を取り除く。
	// 特殊文字はHTMLエンティティにエスケープされる。
	SanitizeText(s string) string
	// SanitizeAttributes は属性マップの文字列値を再帰的にサニタイズした新しいマップを返す。
	// 文字列以外の値はそのまま残す。
	SanitizeAttributes(attrs map[string]any) map[string]any
}

type profileSanitizer struct {
	policy *bluemonday.Policy
}

// NewProfileSanitizer はProfileSanitizerServiceの新しいインスタンスを生成する。
func NewProfileSanitizer() *profileSanitizer {
	return &profileSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// SanitizeText は文字列をサニタイズする。MaxTextLengthを超える部分は切り捨てる。
func (s *profileSanitizer) SanitizeText(in string) string {
	out := strings.TrimSpace(s.policy.Sanitize(in))
	if utf8.RuneCountInString(out) > MaxTextLength {
		out = string([]rune(out)[:MaxTextLength])
	}
	return out
}

// SanitizeAttributes は属性マップをサニタイズする。
func (s *profileSanitizer) SanitizeAttributes(attrs map[string]any) map[string]any {
	if attrs == nil {
		return nil
	}
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = s.sanitizeValue(v)
	}
	return out
}

func (s *profileSanitizer) sanitizeValue(v any) any {
	switch val := v.(type) {
	case string:
		return s.SanitizeText(val)
	case map[string]any:
		return s.SanitizeAttributes(val)
	case []any:
		items := make([]any, len(val))
		for i, item := range val {
			items[i] = s.sanitizeValue(item)
		}
		return items
	default:
		return v
	}
}
