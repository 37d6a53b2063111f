// Package session は認証プロバイダーの現在のセッションをプロセス内にミラーし、
// プロフィールをマージしたユーザー情報と認証状態を提供する。
package session

import "github.com/hitoshi/gigwrld/internal/model"

// State はある時点の認証状態のスナップショット。
// State()やWatch()が返す値はコピーであり、変更しても内部状態には影響しない。
type State struct {
	User            model.User     `json:"user"`
	Session         *model.Session `json:"session"`
	IsAuthenticated bool           `json:"is_authenticated"`
	IsLoading       bool           `json:"is_loading"`
	Error           string         `json:"error,omitempty"`
}

// UserID はキャッシュ中のユーザーIDを返す。未ログインの場合は空文字。
func (s State) UserID() string { return s.User.ID() }

// UserEmail はキャッシュ中のユーザーのメールアドレスを返す。
func (s State) UserEmail() string { return s.User.Email() }

// StateReader は認証状態の読み取り専用インターフェース。
type StateReader interface {
	State() State
}

// clone は呼び出し側と共有しないコピーを返す。
func (s State) clone() State {
	out := s
	out.User = s.User.Clone()
	out.Session = s.Session.Clone()
	return out
}
