package model

import "time"

// Session は認証プロバイダーが発行したセッションを表す。
// 所有者はプロバイダーであり、アプリケーション側は読み取り専用のコピーを保持する。
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresIn    int       `json:"expires_in"`
	ExpiresAt    int64     `json:"expires_at"` // Unix秒
	User         *AuthUser `json:"user"`
}

// Expiry はセッションの有効期限を返す。期限が不明な場合はゼロ値を返す。
func (s *Session) Expiry() time.Time {
	if s == nil || s.ExpiresAt == 0 {
		return time.Time{}
	}
	return time.Unix(s.ExpiresAt, 0)
}

// ExpiresWithin は有効期限がnowからdの範囲内に迫っているかを返す。
// 期限が不明なセッションはfalseを返す。
func (s *Session) ExpiresWithin(now time.Time, d time.Duration) bool {
	exp := s.Expiry()
	if exp.IsZero() {
		return false
	}
	return !exp.After(now.Add(d))
}

// UserID はセッションに紐づくユーザーIDを返す。
func (s *Session) UserID() string {
	if s == nil || s.User == nil {
		return ""
	}
	return s.User.ID
}

// Clone はユーザーを含めたディープコピーを返す。
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.User = s.User.Clone()
	return &out
}

// AuthEvent は認証プロバイダーが通知する状態遷移の種別。
type AuthEvent string

const (
	EventInitialSession   AuthEvent = "INITIAL_SESSION"
	EventSignedIn         AuthEvent = "SIGNED_IN"
	EventSignedOut        AuthEvent = "SIGNED_OUT"
	EventTokenRefreshed   AuthEvent = "TOKEN_REFRESHED"
	EventUserUpdated      AuthEvent = "USER_UPDATED"
	EventPasswordRecovery AuthEvent = "PASSWORD_RECOVERY"
)

// AuthChange はプロバイダーから通知される1件の状態遷移。
// サインアウト時のSessionはnil。
type AuthChange struct {
	Event   AuthEvent
	Session *Session
}
