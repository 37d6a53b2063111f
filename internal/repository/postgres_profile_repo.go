package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/gigwrld/internal/model"
)

// PostgresProfileRepo はPostgreSQLを使用したプロフィールリポジトリ。
type PostgresProfileRepo struct {
	db *sql.DB
}

// NewPostgresProfileRepo はPostgresProfileRepoを生成する。
func NewPostgresProfileRepo(db *sql.DB) *PostgresProfileRepo {
	return &PostgresProfileRepo{db: db}
}

// FindByID は指定IDのプロフィールを取得する。見つからない場合はnilを返す。
func (r *PostgresProfileRepo) FindByID(ctx context.Context, id string) (*model.Profile, error) {
	var p model.Profile
	var fullName, username, email, phone, bio, location, avatarURL sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT id, full_name, username, email, phone, bio, location, account_type, avatar_url, created_at, updated_at
		 FROM profiles WHERE id = $1`,
		id,
	).Scan(&p.ID, &fullName, &username, &email, &phone, &bio, &location, &p.AccountType, &avatarURL, &p.CreatedAt, &p.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find profile by ID: %w", err)
	}

	p.FullName = fullName.String
	p.Username = username.String
	p.Email = email.String
	p.Phone = phone.String
	p.Bio = bio.String
	p.Location = location.String
	p.AvatarURL = avatarURL.String
	return &p, nil
}

// Create はプロフィールを作成する。AccountTypeが空の場合はデフォルト値を使う。
func (r *PostgresProfileRepo) Create(ctx context.Context, p *model.Profile) error {
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if p.AccountType == "" {
		p.AccountType = model.DefaultAccountType
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO profiles (id, full_name, username, email, phone, bio, location, account_type, avatar_url, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		p.ID, nullString(p.FullName), nullString(p.Username), nullString(p.Email), nullString(p.Phone),
		nullString(p.Bio), nullString(p.Location), p.AccountType, nullString(p.AvatarURL), p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert profile: %w", err)
	}
	return nil
}

// Update はプロフィールを部分更新する。空文字のフィールドは既存の値を維持する。
func (r *PostgresProfileRepo) Update(ctx context.Context, p *model.Profile) error {
	p.UpdatedAt = time.Now()
	result, err := r.db.ExecContext(ctx,
		`UPDATE profiles SET
		   full_name    = COALESCE($2, full_name),
		   username     = COALESCE($3, username),
		   phone        = COALESCE($4, phone),
		   bio          = COALESCE($5, bio),
		   location     = COALESCE($6, location),
		   account_type = COALESCE($7, account_type),
		   avatar_url   = COALESCE($8, avatar_url),
		   updated_at   = $9
		 WHERE id = $1`,
		p.ID, nullString(p.FullName), nullString(p.Username), nullString(p.Phone), nullString(p.Bio),
		nullString(p.Location), nullString(p.AccountType), nullString(p.AvatarURL), p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update profile: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("profile not found: %s", p.ID)
	}
	return nil
}

// nullString は空文字をNULLとして扱う。
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// compile-time interface check
var _ ProfileRepository = (*PostgresProfileRepo)(nil)
