// Package model はドメインモデルを定義する。
package model

import (
	"maps"
	"time"
)

// AuthUser は認証プロバイダーが保持するユーザーレコードを表す。
// GoTrueの /user レスポンスと同じ形でデコードする。
type AuthUser struct {
	ID               string         `json:"id"`
	Email            string         `json:"email"`
	Phone            string         `json:"phone,omitempty"`
	Role             string         `json:"role,omitempty"`
	UserMetadata     map[string]any `json:"user_metadata,omitempty"`
	AppMetadata      map[string]any `json:"app_metadata,omitempty"`
	EmailConfirmedAt *time.Time     `json:"email_confirmed_at,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Clone はメタデータを共有しないコピーを返す。
func (u *AuthUser) Clone() *AuthUser {
	if u == nil {
		return nil
	}
	out := *u
	out.UserMetadata = maps.Clone(u.UserMetadata)
	out.AppMetadata = maps.Clone(u.AppMetadata)
	if u.EmailConfirmedAt != nil {
		t := *u.EmailConfirmedAt
		out.EmailConfirmedAt = &t
	}
	return &out
}

// Profile はマーケットプレイス固有のユーザー情報を表す。
// 認証プロバイダーのユーザーテーブルとは別のprofilesテーブルに保存される。
type Profile struct {
	ID          string    `json:"id"`
	FullName    string    `json:"full_name,omitempty"`
	Username    string    `json:"username,omitempty"`
	Email       string    `json:"email,omitempty"`
	Phone       string    `json:"phone,omitempty"`
	Bio         string    `json:"bio,omitempty"`
	Location    string    `json:"location,omitempty"`
	AccountType string    `json:"account_type,omitempty"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

// アカウント種別。
const (
	AccountTypeCustomer = "Customer Only"
	AccountTypeProvider = "Service Provider"
	AccountTypeBoth     = "Both"

	DefaultAccountType = AccountTypeCustomer
)

// ValidAccountType はアカウント種別として受け付ける値かどうかを返す。
func ValidAccountType(s string) bool {
	switch s {
	case AccountTypeCustomer, AccountTypeProvider, AccountTypeBoth:
		return true
	}
	return false
}

// Attributes はProfileのうち値が存在するフィールドだけを属性マップとして返す。
// NULLや空文字のカラムはマージ時にユーザー側の値を上書きしない。
func (p *Profile) Attributes() map[string]any {
	attrs := map[string]any{"id": p.ID}
	setIfPresent(attrs, "full_name", p.FullName)
	setIfPresent(attrs, "username", p.Username)
	setIfPresent(attrs, "email", p.Email)
	setIfPresent(attrs, "phone", p.Phone)
	setIfPresent(attrs, "bio", p.Bio)
	setIfPresent(attrs, "location", p.Location)
	setIfPresent(attrs, "account_type", p.AccountType)
	setIfPresent(attrs, "avatar_url", p.AvatarURL)
	if !p.CreatedAt.IsZero() {
		attrs["created_at"] = p.CreatedAt
	}
	if !p.UpdatedAt.IsZero() {
		attrs["updated_at"] = p.UpdatedAt
	}
	return attrs
}

func setIfPresent(attrs map[string]any, key, value string) {
	if value != "" {
		attrs[key] = value
	}
}

// User はプロバイダーのユーザーとProfileをシャローマージした属性マップ。
// 同名キーはProfile側が優先される。
type User map[string]any

// NewUser はプロバイダーのユーザーレコードから属性マップを生成する。
// auがnilの場合はnilを返す。
func NewUser(au *AuthUser) User {
	if au == nil {
		return nil
	}
	u := User{
		"id":         au.ID,
		"email":      au.Email,
		"created_at": au.CreatedAt,
		"updated_at": au.UpdatedAt,
	}
	if au.Phone != "" {
		u["phone"] = au.Phone
	}
	if au.Role != "" {
		u["role"] = au.Role
	}
	if au.UserMetadata != nil {
		u["user_metadata"] = maps.Clone(au.UserMetadata)
	}
	if au.AppMetadata != nil {
		u["app_metadata"] = maps.Clone(au.AppMetadata)
	}
	if au.EmailConfirmedAt != nil {
		u["email_confirmed_at"] = *au.EmailConfirmedAt
	}
	return u
}

// MergeProfile はプロバイダーのユーザーにProfileをマージしたUserを返す。
// profileがnilの場合はプロバイダーのユーザーをそのまま返す。
func MergeProfile(au *AuthUser, profile *Profile) User {
	u := NewUser(au)
	if u == nil || profile == nil {
		return u
	}
	return u.Merge(profile.Attributes())
}

// Merge はpartialをシャローマージした新しいUserを返す。元のUserは変更しない。
func (u User) Merge(partial map[string]any) User {
	merged := make(User, len(u)+len(partial))
	maps.Copy(merged, u)
	maps.Copy(merged, partial)
	return merged
}

// Clone はUserのシャローコピーを返す。
func (u User) Clone() User {
	if u == nil {
		return nil
	}
	return maps.Clone(u)
}

// String は指定キーの値を文字列として返す。文字列でない場合は空文字を返す。
func (u User) String(key string) string {
	s, _ := u[key].(string)
	return s
}

// ID はユーザーIDを返す。
func (u User) ID() string { return u.String("id") }

// Email はメールアドレスを返す。
func (u User) Email() string { return u.String("email") }

// FullName は氏名を返す。
func (u User) FullName() string { return u.String("full_name") }

// Username はユーザー名を返す。
func (u User) Username() string { return u.String("username") }

// AccountType はアカウント種別（AccountTypeCustomer など）を返す。
func (u User) AccountType() string { return u.String("account_type") }
