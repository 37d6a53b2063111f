package identity

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AccessClaims はプロバイダーが発行するアクセストークンのクレーム。
type AccessClaims struct {
	Email     string `json:"email"`
	Role      string `json:"role"`
	SessionID string `json:"session_id"`
	jwt.RegisteredClaims
}

// ParseAccessClaims はアクセストークンのクレームを署名検証せずに読み取る。
// 署名の検証はトークンを受け取るバックエンド側の責務であり、
// ここでは有効期限とsubjectを知るためだけに使う。
func ParseAccessClaims(token string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("failed to parse access token: %w", err)
	}
	return claims, nil
}

// expiryFromToken はアクセストークンのexpクレームを返す。読み取れない場合はゼロ値を返す。
func expiryFromToken(token string) time.Time {
	claims, err := ParseAccessClaims(token)
	if err != nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}
