// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"

	"github.com/hitoshi/gigwrld/internal/model"
)

// ProfileRepository はprofilesテーブルの永続化インターフェース。
type ProfileRepository interface {
	// FindByID は指定ユーザーIDのプロフィールを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Profile, error)

	// Create はプロフィールを作成する。
	Create(ctx context.Context, profile *model.Profile) error

	// Update はプロフィールを更新する。空文字のフィールドは変更しない。
	Update(ctx context.Context, profile *model.Profile) error
}
