package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/gigwrld/internal/identity"
	"github.com/hitoshi/gigwrld/internal/middleware"
	"github.com/hitoshi/gigwrld/internal/model"
	"github.com/hitoshi/gigwrld/internal/session"
)

// SessionService は認証ハンドラーが必要とするセッションミラーの操作。
// *session.Sync が実装する。
type SessionService interface {
	session.StateReader
	Login(ctx context.Context, user model.User, token string) error
	Logout(ctx context.Context)
	UpdateUser(partial map[string]any)
	GetToken(ctx context.Context) string
	SignIn(ctx context.Context, email, password string) (*model.Session, error)
	SignUp(ctx context.Context, email, password string, metadata map[string]any) (*identity.SignUpResult, error)
	ClearError()
}

// ProfileStore はプロフィールの読み書きを行うインターフェース。
type ProfileStore interface {
	FindByID(ctx context.Context, id string) (*model.Profile, error)
	Create(ctx context.Context, profile *model.Profile) error
}

// PasswordResetter はパスワードリセットメールを送信する。
type PasswordResetter interface {
	ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error
}

// TextSanitizer はユーザー入力からHTMLを除去する。
type TextSanitizer interface {
	SanitizeText(s string) string
	SanitizeAttributes(attrs map[string]any) map[string]any
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	PasswordResetRedirect string
}

// AuthHandler はログイン・登録・状態取得などの認証関連HTTPハンドラー。
type AuthHandler struct {
	sessions  SessionService
	profiles  ProfileStore
	resetter  PasswordResetter
	sanitizer TextSanitizer
	config    AuthHandlerConfig
	logger    *slog.Logger
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(sessions SessionService, profiles ProfileStore, resetter PasswordResetter, sanitizer TextSanitizer, config AuthHandlerConfig, logger *slog.Logger) *AuthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthHandler{
		sessions:  sessions,
		profiles:  profiles,
		resetter:  resetter,
		sanitizer: sanitizer,
		config:    config,
		logger:    logger,
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type registerRequest struct {
	FullName        string `json:"full_name"`
	Username        string `json:"username"`
	Email           string `json:"email"`
	Phone           string `json:"phone"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirm_password"`
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

// sessionResponse はリフレッシュトークンを含まないセッション情報。
type sessionResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
	UserID      string    `json:"user_id"`
}

type stateResponse struct {
	User            model.User       `json:"user"`
	Session         *sessionResponse `json:"session"`
	IsAuthenticated bool             `json:"is_authenticated"`
	IsLoading       bool             `json:"is_loading"`
	Error           string           `json:"error,omitempty"`
}

func toStateResponse(st session.State) stateResponse {
	resp := stateResponse{
		User:            st.User,
		IsAuthenticated: st.IsAuthenticated,
		IsLoading:       st.IsLoading,
		Error:           st.Error,
	}
	if st.Session != nil {
		resp.Session = &sessionResponse{
			AccessToken: st.Session.AccessToken,
			TokenType:   st.Session.TokenType,
			ExpiresAt:   st.Session.Expiry(),
			UserID:      st.Session.UserID(),
		}
	}
	return resp
}

// State は現在の認証状態を返す。
// GET /auth/state
func (h *AuthHandler) State(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toStateResponse(h.sessions.State()))
}

// Login はメールアドレスとパスワードでサインインし、プロフィールをマージしたユーザーで状態を確定する。
// POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewEmailRequiredError())
		return
	}

	sess, err := h.sessions.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	user := model.MergeProfile(sess.User, h.lookupProfile(r.Context(), sess.UserID()))
	if err := h.sessions.Login(r.Context(), user, sess.AccessToken); err != nil {
		h.logger.Error("failed to persist login", slog.String("error", err.Error()))
	}

	h.logger.Info("user logged in", slog.String("user_id", sess.UserID()))
	writeJSON(w, http.StatusOK, toStateResponse(h.sessions.State()))
}

// Register はユーザーを登録し、プロフィールを作成する。
// プロバイダーがセッションを発行した場合はそのままログインし201を返す。
// メール確認が必要な場合は202を返す。
// POST /auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewEmailRequiredError())
		return
	}
	if req.Password != req.ConfirmPassword {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewPasswordMismatchError())
		return
	}
	if len([]rune(req.Password)) < model.MinPasswordLength {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewPasswordTooShortError())
		return
	}

	fullName := h.sanitizer.SanitizeText(req.FullName)
	username := h.sanitizer.SanitizeText(req.Username)
	phone := h.sanitizer.SanitizeText(req.Phone)

	res, err := h.sessions.SignUp(r.Context(), req.Email, req.Password, map[string]any{
		"full_name": fullName,
		"username":  username,
		"phone":     phone,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	var profile *model.Profile
	if res.User != nil {
		now := time.Now().UTC()
		profile = &model.Profile{
			ID:          res.User.ID,
			FullName:    fullName,
			Username:    username,
			Email:       req.Email,
			Phone:       phone,
			AccountType: model.DefaultAccountType,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := h.profiles.Create(r.Context(), profile); err != nil {
			h.logger.Error("failed to create profile",
				slog.String("user_id", res.User.ID),
				slog.String("error", err.Error()),
			)
			handleServiceError(w, model.NewProfileCreateFailedError(err.Error()))
			return
		}
	}

	if res.Session == nil {
		writeJSON(w, http.StatusAccepted, map[string]string{
			"message": "Please check your email to verify your account.",
			"email":   req.Email,
		})
		return
	}

	user := model.MergeProfile(res.User, profile)
	if err := h.sessions.Login(r.Context(), user, res.Session.AccessToken); err != nil {
		h.logger.Error("failed to persist login", slog.String("error", err.Error()))
	}
	writeJSON(w, http.StatusCreated, toStateResponse(h.sessions.State()))
}

// Logout はセッションを破棄する。プロバイダー側の失敗に関係なくローカルの状態は消去される。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	h.sessions.Logout(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// Token は現在のアクセストークンを返す。
// GET /auth/token
func (h *AuthHandler) Token(w http.ResponseWriter, r *http.Request) {
	token := h.sessions.GetToken(r.Context())
	if token == "" {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewNotAuthenticatedError())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// UpdateMe はキャッシュ中のユーザー属性を部分更新する。通信は行わない。
// PATCH /auth/me
func (h *AuthHandler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	var partial map[string]any
	if !decodeJSON(w, r, &partial) {
		return
	}
	// IDはプロバイダーが決めるため上書きさせない
	delete(partial, "id")

	h.sessions.UpdateUser(h.sanitizer.SanitizeAttributes(partial))
	writeJSON(w, http.StatusOK, map[string]any{"user": h.sessions.State().User})
}

// ClearError は認証状態のエラーメッセージを消去する。
// DELETE /auth/error
func (h *AuthHandler) ClearError(w http.ResponseWriter, r *http.Request) {
	h.sessions.ClearError()
	w.WriteHeader(http.StatusNoContent)
}

// ForgotPassword はパスワードリセットメールの送信を依頼する。
// POST /auth/forgot-password
func (h *AuthHandler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	email := strings.TrimSpace(req.Email)
	if email == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewEmailRequiredError())
		return
	}

	if err := h.resetter.ResetPasswordForEmail(r.Context(), email, h.config.PasswordResetRedirect); err != nil {
		h.logger.Warn("password reset request failed", slog.String("error", err.Error()))
		apiErr := providerAPIError(err)
		status := http.StatusServiceUnavailable
		if apiErr.Code == model.ErrCodeAuthFailed {
			status = http.StatusBadRequest
		}
		middleware.WriteErrorResponse(w, status, apiErr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Password reset instructions sent to your email!",
	})
}

// lookupProfile はプロフィールを取得する。失敗してもログに記録してnilを返す。
func (h *AuthHandler) lookupProfile(ctx context.Context, userID string) *model.Profile {
	if userID == "" {
		return nil
	}
	profile, err := h.profiles.FindByID(ctx, userID)
	if err != nil {
		h.logger.Warn("profile lookup failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return profile
}
