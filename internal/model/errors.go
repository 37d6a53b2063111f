// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示するメッセージと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // 表示用メッセージ
	Category string // カテゴリ: auth, validation, backend, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeAuthFailed          = "AUTH_FAILED"
	ErrCodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	ErrCodeNotAuthenticated    = "NOT_AUTHENTICATED"
	ErrCodeInvalidRequest      = "INVALID_REQUEST"
	ErrCodePasswordMismatch    = "PASSWORD_MISMATCH"
	ErrCodePasswordTooShort    = "PASSWORD_TOO_SHORT"
	ErrCodeEmailRequired       = "EMAIL_REQUIRED"
	ErrCodeProfileCreateFailed = "PROFILE_CREATE_FAILED"
	ErrCodeBackendError        = "BACKEND_ERROR"
)

// MinPasswordLength はサインアップ時のパスワード最小文字数。
const MinPasswordLength = 6

// NewAuthFailedError はプロバイダーが認証要求を拒否した場合のエラーを生成する。
// messageにはプロバイダーが返したメッセージをそのまま表示用に使う。
func NewAuthFailedError(message string) *APIError {
	if message == "" {
		message = "Login failed. Please check your credentials."
	}
	return &APIError{
		Code:     ErrCodeAuthFailed,
		Message:  message,
		Category: "auth",
		Action:   "メールアドレスとパスワードを確認してください。",
	}
}

// NewProviderUnavailableError は認証プロバイダーに到達できない場合のエラーを生成する。
func NewProviderUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeProviderUnavailable,
		Message:  "An error occurred. Please try again.",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewNotAuthenticatedError は未ログイン状態で認証必須の操作を行った場合のエラーを生成する。
func NewNotAuthenticatedError() *APIError {
	return &APIError{
		Code:     ErrCodeNotAuthenticated,
		Message:  "Please log in to continue.",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewInvalidRequestError はリクエスト形式が不正な場合のエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("Invalid request: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewPasswordMismatchError は確認用パスワードが一致しない場合のエラーを生成する。
func NewPasswordMismatchError() *APIError {
	return &APIError{
		Code:     ErrCodePasswordMismatch,
		Message:  "Passwords do not match",
		Category: "validation",
		Action:   "同じパスワードを2回入力してください。",
	}
}

// NewPasswordTooShortError はパスワードが短すぎる場合のエラーを生成する。
func NewPasswordTooShortError() *APIError {
	return &APIError{
		Code:     ErrCodePasswordTooShort,
		Message:  fmt.Sprintf("Password must be at least %d characters", MinPasswordLength),
		Category: "validation",
		Action:   "より長いパスワードを設定してください。",
	}
}

// NewEmailRequiredError はメールアドレス未入力の場合のエラーを生成する。
func NewEmailRequiredError() *APIError {
	return &APIError{
		Code:     ErrCodeEmailRequired,
		Message:  "Please enter your email address first",
		Category: "validation",
		Action:   "メールアドレスを入力してください。",
	}
}

// NewProfileCreateFailedError はサインアップ後のプロフィール作成に失敗した場合のエラーを生成する。
func NewProfileCreateFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeProfileCreateFailed,
		Message:  "Profile creation failed: " + reason,
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewBackendError はRESTバックエンドがエラーを返した場合のエラーを生成する。
func NewBackendError(message string) *APIError {
	if message == "" {
		message = "The marketplace service returned an error."
	}
	return &APIError{
		Code:     ErrCodeBackendError,
		Message:  message,
		Category: "backend",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
