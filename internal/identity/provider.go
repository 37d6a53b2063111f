// Package identity は外部認証プロバイダー（GoTrue互換）との境界を提供する。
// 認証そのものは実装せず、プロバイダーのセッションを取得・変更する操作と
// 状態遷移の通知だけを扱う。
package identity

import (
	"context"
	"fmt"

	"github.com/hitoshi/gigwrld/internal/model"
)

// Provider は認証プロバイダーの操作を抽象化するインターフェース。
type Provider interface {
	// GetSession は現在のセッションを返す。セッションが無い場合はnil, nilを返す。
	GetSession(ctx context.Context) (*model.Session, error)
	// SignInWithPassword はメールアドレスとパスワードでサインインする。
	SignInWithPassword(ctx context.Context, email, password string) (*model.Session, error)
	// SignUp はユーザーを登録する。メール確認が必要な場合Sessionはnilになる。
	SignUp(ctx context.Context, email, password string, metadata map[string]any) (*SignUpResult, error)
	// SignOut はセッションを無効化する。リモート呼び出しが失敗してもローカルのセッションは破棄される。
	SignOut(ctx context.Context) error
	// Subscribe は状態遷移の購読を開始する。
	Subscribe() *Subscription
	// UpdateUser はユーザーのメタデータ等を更新する。
	UpdateUser(ctx context.Context, attrs UserAttributes) (*model.AuthUser, error)
}

// SignUpResult はサインアップの結果。
type SignUpResult struct {
	User    *model.AuthUser
	Session *model.Session
}

// UserAttributes はUpdateUserで変更する属性。空のフィールドは送信しない。
type UserAttributes struct {
	Email    string         `json:"email,omitempty"`
	Password string         `json:"password,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// ProviderError はプロバイダーがエラーレスポンスを返したことを表す。
type ProviderError struct {
	StatusCode int
	Message    string
}

// Error はerrorインターフェースを実装する。
func (e *ProviderError) Error() string {
	return fmt.Sprintf("identity provider returned status %d: %s", e.StatusCode, e.Message)
}

// IsClientError はリクエスト内容が原因のエラー（4xx）かどうかを返す。
func (e *ProviderError) IsClientError() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}
