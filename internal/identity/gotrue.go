package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/gigwrld/internal/model"
)

// SessionStorageKey はセッションを永続化するときのキー。
const SessionStorageKey = "gigwrld-auth-session"

// expiryMargin はGetSessionが期限切れ間近とみなして更新する猶予。
const expiryMargin = 10 * time.Second

// Storage はセッションの永続化先。localstore.Storeが満たす。
type Storage interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// CallRecorder はプロバイダー呼び出しの計測先。metrics.Collectorが満たす。
type CallRecorder interface {
	RecordProviderCall(op string, duration time.Duration, err error)
}

// GoTrueConfig はGoTrueClientの設定。
type GoTrueConfig struct {
	// BaseURL はプロジェクトのURL（例: https://xyz.supabase.co）。/auth/v1 は自動で付与する。
	BaseURL string
	// APIKey は公開用のanonキー。apikeyヘッダーとして全リクエストに付与する。
	APIKey     string
	HTTPClient *http.Client
	Storage    Storage
	Recorder   CallRecorder
	Logger     *slog.Logger
}

// GoTrueClient はGoTrue REST APIを使うProvider実装。
// 現在のセッションをメモリに保持し、変更のたびにStorageへ書き出して購読者に通知する。
type GoTrueClient struct {
	authURL    string
	apiKey     string
	httpClient *http.Client
	storage    Storage
	recorder   CallRecorder
	logger     *slog.Logger
	events     *Broadcaster
	now        func() time.Time

	mu      sync.RWMutex
	session *model.Session

	// refreshMu は同時に複数のリフレッシュが走らないようにする。
	refreshMu sync.Mutex
}

// NewGoTrueClient はGoTrueClientを生成する。
func NewGoTrueClient(cfg GoTrueConfig) *GoTrueClient {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &GoTrueClient{
		authURL:    strings.TrimRight(cfg.BaseURL, "/") + "/auth/v1",
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
		storage:    cfg.Storage,
		recorder:   cfg.Recorder,
		logger:     logger,
		events:     NewBroadcaster(0),
		now:        time.Now,
	}
}

// Restore は永続化されたセッションを読み込み、メモリに復元する。
// 通知は行わない。起動時に1回呼び出すことを想定している。
func (c *GoTrueClient) Restore(ctx context.Context) error {
	if c.storage == nil {
		return nil
	}
	raw, err := c.storage.Get(ctx, SessionStorageKey)
	if err != nil {
		return fmt.Errorf("failed to load persisted session: %w", err)
	}
	if raw == "" {
		return nil
	}

	var s model.Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		// 壊れたセッションは破棄して未ログインとして扱う
		c.logger.Warn("discarding unreadable persisted session", slog.String("error", err.Error()))
		return c.storage.Remove(ctx, SessionStorageKey)
	}
	if s.AccessToken == "" {
		return nil
	}

	c.mu.Lock()
	c.session = &s
	c.mu.Unlock()

	c.logger.Info("restored persisted session", slog.String("user_id", s.UserID()))
	return nil
}

// Subscribe は状態遷移の購読を開始する。
func (c *GoTrueClient) Subscribe() *Subscription {
	return c.events.Subscribe()
}

// CurrentSession はネットワークにアクセスせずメモリ上のセッションを返す。
func (c *GoTrueClient) CurrentSession() *model.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// GetSession は現在のセッションを返す。期限切れ間近の場合は先にリフレッシュする。
// セッションが無い場合はnil, nilを返す。
func (c *GoTrueClient) GetSession(ctx context.Context) (*model.Session, error) {
	s := c.CurrentSession()
	if s == nil {
		return nil, nil
	}
	if !s.ExpiresWithin(c.now(), expiryMargin) {
		return s, nil
	}
	s, _, err := c.RefreshIfExpiring(ctx, expiryMargin)
	return s, err
}

// SignInWithPassword はメールアドレスとパスワードでサインインし、SIGNED_INを通知する。
func (c *GoTrueClient) SignInWithPassword(ctx context.Context, email, password string) (*model.Session, error) {
	var s model.Session
	err := c.do(ctx, "sign_in", http.MethodPost, "/token?grant_type=password", "", map[string]string{
		"email":    email,
		"password": password,
	}, &s)
	if err != nil {
		return nil, err
	}

	c.setSession(ctx, &s)
	c.events.Publish(model.AuthChange{Event: model.EventSignedIn, Session: &s})
	return &s, nil
}

// SignUp はユーザーを登録する。自動確認が有効な場合はセッションが発行されSIGNED_INを通知する。
func (c *GoTrueClient) SignUp(ctx context.Context, email, password string, metadata map[string]any) (*SignUpResult, error) {
	body := map[string]any{
		"email":    email,
		"password": password,
	}
	if len(metadata) > 0 {
		body["data"] = metadata
	}

	var raw json.RawMessage
	if err := c.do(ctx, "sign_up", http.MethodPost, "/signup", "", body, &raw); err != nil {
		return nil, err
	}

	// 自動確認時はセッション形式、メール確認が必要な場合はユーザー形式で返る
	var s model.Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("failed to parse sign up response: %w", err)
	}
	if s.AccessToken != "" {
		c.setSession(ctx, &s)
		c.events.Publish(model.AuthChange{Event: model.EventSignedIn, Session: &s})
		return &SignUpResult{User: s.User, Session: &s}, nil
	}

	var u model.AuthUser
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, fmt.Errorf("failed to parse sign up user: %w", err)
	}
	return &SignUpResult{User: &u}, nil
}

// SignOut はリモートのセッションを無効化し、ローカルのセッションを破棄してSIGNED_OUTを通知する。
// リモート呼び出しのエラーは返すが、ローカルの破棄は必ず行う。
func (c *GoTrueClient) SignOut(ctx context.Context) error {
	s := c.CurrentSession()
	if s == nil {
		return nil
	}

	remoteErr := c.do(ctx, "sign_out", http.MethodPost, "/logout", s.AccessToken, nil, nil)

	c.clearSession(ctx)
	c.events.Publish(model.AuthChange{Event: model.EventSignedOut})

	if remoteErr != nil {
		return fmt.Errorf("failed to sign out remotely: %w", remoteErr)
	}
	return nil
}

// UpdateUser はユーザー属性を更新し、USER_UPDATEDを通知する。
func (c *GoTrueClient) UpdateUser(ctx context.Context, attrs UserAttributes) (*model.AuthUser, error) {
	s := c.CurrentSession()
	if s == nil {
		return nil, errors.New("no active session")
	}

	var u model.AuthUser
	if err := c.do(ctx, "update_user", http.MethodPut, "/user", s.AccessToken, attrs, &u); err != nil {
		return nil, err
	}

	updated := *s
	updated.User = &u
	c.setSession(ctx, &updated)
	c.events.Publish(model.AuthChange{Event: model.EventUserUpdated, Session: &updated})
	return &u, nil
}

// RefreshSession はリフレッシュトークンでセッションを更新し、TOKEN_REFRESHEDを通知する。
// プロバイダーがリフレッシュトークンを拒否した場合はセッションを破棄してSIGNED_OUTを通知する。
// セッションが無い場合はnil, nilを返す。
func (c *GoTrueClient) RefreshSession(ctx context.Context) (*model.Session, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	return c.refreshLocked(ctx)
}

// RefreshIfExpiring は有効期限がmargin以内に迫っている場合だけセッションを更新する。
// 2番目の戻り値は実際に更新したかどうか。
func (c *GoTrueClient) RefreshIfExpiring(ctx context.Context, margin time.Duration) (*model.Session, bool, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	// 待機中に別のgoroutineが更新済みであればそのまま返す
	current := c.CurrentSession()
	if current == nil || !current.ExpiresWithin(c.now(), margin) {
		return current, false, nil
	}

	s, err := c.refreshLocked(ctx)
	if err != nil {
		return nil, false, err
	}
	return s, s != nil, nil
}

// refreshLocked はrefreshMuを保持した状態で呼び出す。
func (c *GoTrueClient) refreshLocked(ctx context.Context) (*model.Session, error) {
	current := c.CurrentSession()
	if current == nil || current.RefreshToken == "" {
		return nil, nil
	}

	var s model.Session
	err := c.do(ctx, "refresh", http.MethodPost, "/token?grant_type=refresh_token", "", map[string]string{
		"refresh_token": current.RefreshToken,
	}, &s)
	if err != nil {
		var perr *ProviderError
		if errors.As(err, &perr) && perr.IsClientError() {
			c.logger.Warn("refresh token rejected, signing out locally",
				slog.String("user_id", current.UserID()),
				slog.Int("status", perr.StatusCode),
			)
			c.clearSession(ctx)
			c.events.Publish(model.AuthChange{Event: model.EventSignedOut})
		}
		return nil, err
	}

	c.setSession(ctx, &s)
	c.events.Publish(model.AuthChange{Event: model.EventTokenRefreshed, Session: &s})
	return &s, nil
}

// ResetPasswordForEmail はパスワード再設定メールの送信を依頼する。
func (c *GoTrueClient) ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error {
	path := "/recover"
	if redirectTo != "" {
		path += "?redirect_to=" + url.QueryEscape(redirectTo)
	}
	return c.do(ctx, "recover", http.MethodPost, path, "", map[string]string{"email": email}, nil)
}

// setSession はセッションを正規化してメモリと永続化先に保存する。
func (c *GoTrueClient) setSession(ctx context.Context, s *model.Session) {
	if s.ExpiresAt == 0 {
		if exp := expiryFromToken(s.AccessToken); !exp.IsZero() {
			s.ExpiresAt = exp.Unix()
		} else if s.ExpiresIn > 0 {
			s.ExpiresAt = c.now().Add(time.Duration(s.ExpiresIn) * time.Second).Unix()
		}
	}

	c.mu.Lock()
	c.session = s
	c.mu.Unlock()

	if c.storage == nil {
		return
	}
	data, err := json.Marshal(s)
	if err != nil {
		c.logger.Error("failed to encode session", slog.String("error", err.Error()))
		return
	}
	if err := c.storage.Set(ctx, SessionStorageKey, string(data)); err != nil {
		c.logger.Error("failed to persist session", slog.String("error", err.Error()))
	}
}

// clearSession はメモリと永続化先のセッションを破棄する。
func (c *GoTrueClient) clearSession(ctx context.Context) {
	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()

	if c.storage == nil {
		return
	}
	if err := c.storage.Remove(ctx, SessionStorageKey); err != nil {
		c.logger.Error("failed to remove persisted session", slog.String("error", err.Error()))
	}
}

// gotrueError はGoTrueのエラーレスポンス。バージョンによりフィールド名が異なる。
type gotrueError struct {
	Msg              string `json:"msg"`
	Message          string `json:"message"`
	ErrorDescription string `json:"error_description"`
	Error            string `json:"error"`
}

func (e gotrueError) text() string {
	for _, s := range []string{e.Msg, e.Message, e.ErrorDescription, e.Error} {
		if s != "" {
			return s
		}
	}
	return ""
}

// do はGoTrueにJSONリクエストを送信し、成功時はレスポンスをoutにデコードする。
func (c *GoTrueClient) do(ctx context.Context, op, method, path, accessToken string, in, out any) (err error) {
	start := c.now()
	defer func() {
		if c.recorder != nil {
			c.recorder.RecordProviderCall(op, c.now().Sub(start), err)
		}
	}()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.authURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}
	req.Header.Set("apikey", c.apiKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	} else if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var ge gotrueError
		_ = json.Unmarshal(respBody, &ge)
		msg := ge.text()
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &ProviderError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", op, err)
	}
	return nil
}

// compile-time interface check
var _ Provider = (*GoTrueClient)(nil)
