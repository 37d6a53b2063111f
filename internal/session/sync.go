package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hitoshi/gigwrld/internal/identity"
	"github.com/hitoshi/gigwrld/internal/model"
)

// TokenStorageKey はLoginで受け取ったトークンを保存するキー。
const TokenStorageKey = "token"

// ErrAlreadyRunning はRunが二重に呼び出された場合のエラー。
var ErrAlreadyRunning = errors.New("session sync is already running")

// ProfileFinder はユーザーIDでプロフィールを引くインターフェース。
// 見つからない場合はnil, nilを返す。repository.ProfileRepositoryが満たす。
type ProfileFinder interface {
	FindByID(ctx context.Context, id string) (*model.Profile, error)
}

// TokenStore はトークンの永続化先。localstore.Storeが満たす。
type TokenStore interface {
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// Recorder は認証イベントとプロフィール取得結果の計測先。metrics.Collectorが満たす。
type Recorder interface {
	RecordAuthEvent(event string)
	RecordProfileLookup(result string)
}

// プロフィール取得結果のラベル
const (
	lookupFound   = "found"
	lookupMissing = "missing"
	lookupError   = "error"
)

// Option はSyncの任意設定。
type Option func(*Sync)

// WithLogger はロガーを設定する。
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sync) { s.logger = logger }
}

// WithRecorder は計測先を設定する。
func WithRecorder(r Recorder) Option {
	return func(s *Sync) { s.recorder = r }
}

// Sync は認証プロバイダーのセッションとプロフィールから認証状態を組み立てて保持する。
//
// プロバイダーの状態遷移はRunが起動する単一のgoroutineで順番に処理する。
// 再計算には世代番号を振り、最新の世代だけが状態に反映される。
// Logoutは世代を進めるため、遅れて完了したプロフィール取得が
// ログアウト後の状態を上書きすることはない。
// Loginはユーザーの世代だけを進める。処理中の再計算はセッションを反映するが、
// Loginが設定したユーザーは上書きしない。
type Sync struct {
	provider identity.Provider
	profiles ProfileFinder
	store    TokenStore
	logger   *slog.Logger
	recorder Recorder

	mu      sync.RWMutex
	state   State
	gen     uint64
	userGen uint64

	subMu sync.Mutex
	sub   *identity.Subscription

	watchMu  sync.Mutex
	watchers map[int]chan State
	nextID   int
}

// New はSyncを生成する。初期状態はIsLoading=trueの未ログイン。
func New(provider identity.Provider, profiles ProfileFinder, store TokenStore, opts ...Option) *Sync {
	s := &Sync{
		provider: provider,
		profiles: profiles,
		store:    store,
		logger:   slog.Default(),
		state:    State{IsLoading: true},
		watchers: make(map[int]chan State),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State は現在の認証状態のコピーを返す。
func (s *Sync) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.clone()
}

// Initialize はプロバイダーに現在のセッションを問い合わせ、状態を組み立てる。
// 失敗しても呼び出し元にエラーは返さず、未ログイン状態として扱う。
func (s *Sync) Initialize(ctx context.Context) {
	rc := s.beginRecompute()

	sess, err := s.provider.GetSession(ctx)
	if err != nil {
		s.logger.Warn("failed to get current session, continuing unauthenticated",
			slog.String("error", err.Error()),
		)
		sess = nil
	}

	user := s.resolveUser(ctx, sess)
	s.apply(rc, func(st *State, ownsUser bool) {
		st.Session = sess
		if ownsUser {
			st.User = user
		}
	})
	s.record(string(model.EventInitialSession))
}

// Run はプロバイダーの状態遷移を購読してInitializeを行い、
// ctxがキャンセルされるかCloseされるまで状態遷移を順番に処理する。
// 1つのSyncで同時に実行できるRunは1つだけ。
func (s *Sync) Run(ctx context.Context) error {
	s.subMu.Lock()
	if s.sub != nil {
		s.subMu.Unlock()
		return ErrAlreadyRunning
	}
	// 取りこぼしを防ぐため、初期セッションの問い合わせより先に購読する
	sub := s.provider.Subscribe()
	s.sub = sub
	s.subMu.Unlock()

	defer s.Close()

	s.Initialize(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case change, ok := <-sub.C:
			if !ok {
				return nil
			}
			s.handleChange(ctx, change)
		}
	}
}

// Close は購読を解除する。Runは直後に終了する。複数回呼び出しても安全。
func (s *Sync) Close() {
	s.subMu.Lock()
	sub := s.sub
	s.sub = nil
	s.subMu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
}

// handleChange は1件の状態遷移からユーザーを再計算する。
func (s *Sync) handleChange(ctx context.Context, change model.AuthChange) {
	s.record(string(change.Event))
	s.logger.Info("auth state changed",
		slog.String("event", string(change.Event)),
		slog.String("user_id", change.Session.UserID()),
	)

	rc := s.beginRecompute()
	user := s.resolveUser(ctx, change.Session)
	s.apply(rc, func(st *State, ownsUser bool) {
		st.Session = change.Session
		if ownsUser {
			st.User = user
		}
		st.Error = ""
	})
}

// Login は呼び出し元が用意したユーザー情報をそのまま状態に設定し、トークンを保存する。
// プロバイダーには問い合わせない。tokenが空の場合は保存しない。
// IsLoadingは変更しない。
func (s *Sync) Login(ctx context.Context, user model.User, token string) error {
	s.mu.Lock()
	s.userGen++
	s.state.User = user.Clone()
	s.state.IsAuthenticated = user != nil
	s.notifyLocked()
	s.mu.Unlock()

	if token == "" {
		return nil
	}
	if err := s.store.Set(ctx, TokenStorageKey, token); err != nil {
		return fmt.Errorf("failed to persist token: %w", err)
	}
	return nil
}

// Logout はプロバイダーにサインアウトを依頼し、結果にかかわらずローカルの状態と
// 保存済みトークンを破棄する。プロバイダーのエラーはログに記録するだけで返さない。
func (s *Sync) Logout(ctx context.Context) {
	userID := s.State().UserID()

	// SignOutは購読者への通知を伴うため、ロックを保持したまま呼び出さない
	if err := s.provider.SignOut(ctx); err != nil {
		s.logger.Error("failed to sign out from identity provider",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}

	s.mu.Lock()
	s.gen++
	s.userGen++
	s.state.User = nil
	s.state.Session = nil
	s.state.IsAuthenticated = false
	s.state.IsLoading = false
	s.notifyLocked()
	s.mu.Unlock()

	if err := s.store.Remove(ctx, TokenStorageKey); err != nil {
		s.logger.Error("failed to remove persisted token", slog.String("error", err.Error()))
	}

	s.logger.Info("user logged out", slog.String("user_id", userID))
}

// UpdateUser はキャッシュ中のユーザーにpartialをシャローマージする。通信は行わない。
// ユーザーが無い場合はpartialがそのままユーザーになる。
// 世代は進めないため、処理中の状態遷移があればその結果で上書きされる。
func (s *Sync) UpdateUser(partial map[string]any) {
	s.mu.Lock()
	if s.state.User == nil && len(partial) == 0 {
		s.mu.Unlock()
		return
	}
	s.state.User = s.state.User.Merge(partial)
	s.state.IsAuthenticated = s.state.User != nil
	s.notifyLocked()
	s.mu.Unlock()
}

// GetToken はプロバイダーに現在のセッションを問い合わせ、アクセストークンを返す。
// セッションが無い場合やプロバイダーの呼び出しに失敗した場合は空文字を返す。
func (s *Sync) GetToken(ctx context.Context) string {
	sess, err := s.provider.GetSession(ctx)
	if err != nil {
		s.logger.Warn("failed to get session for token", slog.String("error", err.Error()))
		return ""
	}
	if sess == nil {
		return ""
	}
	return sess.AccessToken
}

// SignIn はプロバイダーでサインインする。失敗した場合はメッセージをState.Errorに
// 記録し、表示用の*model.APIErrorを返す。成功時の状態反映はプロバイダーの
// SIGNED_IN通知で行われる。
func (s *Sync) SignIn(ctx context.Context, email, password string) (*model.Session, error) {
	s.beginRequest()

	sess, err := s.provider.SignInWithPassword(ctx, email, password)
	if err != nil {
		apiErr := toAPIError(err)
		s.endRequest(apiErr.Message)
		s.logger.Warn("sign in failed", slog.String("error", err.Error()))
		return nil, apiErr
	}

	s.endRequest("")
	return sess, nil
}

// SignUp はプロバイダーでユーザーを登録する。エラーの扱いはSignInと同じ。
func (s *Sync) SignUp(ctx context.Context, email, password string, metadata map[string]any) (*identity.SignUpResult, error) {
	s.beginRequest()

	res, err := s.provider.SignUp(ctx, email, password, metadata)
	if err != nil {
		apiErr := toAPIError(err)
		s.endRequest(apiErr.Message)
		s.logger.Warn("sign up failed", slog.String("error", err.Error()))
		return nil, apiErr
	}

	s.endRequest("")
	return res, nil
}

// ClearError はState.Errorを消去する。
func (s *Sync) ClearError() {
	s.mu.Lock()
	s.state.Error = ""
	s.notifyLocked()
	s.mu.Unlock()
}

// Watch は状態が変わるたびにスナップショットを受け取るチャネルを返す。
// 受信が遅れた場合は最新のスナップショットだけが残る。
// 返された関数を呼ぶと購読を解除し、チャネルをクローズする。
func (s *Sync) Watch() (<-chan State, func()) {
	ch := make(chan State, 1)

	s.watchMu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = ch
	s.watchMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.watchMu.Lock()
			delete(s.watchers, id)
			close(ch)
			s.watchMu.Unlock()
		})
	}
	return ch, cancel
}

// notifyLocked は全ウォッチャーに現在の状態を送る。古い未受信の値は捨てる。
// muを保持した状態で呼び出すため、配信順は状態の変更順と一致する。
func (s *Sync) notifyLocked() {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	for _, ch := range s.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- s.state.clone()
	}
}

// recompute は再計算を開始した時点の世代番号。
type recompute struct {
	gen     uint64
	userGen uint64
}

// beginRecompute は新しい再計算の世代番号を払い出す。
func (s *Sync) beginRecompute() recompute {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	return recompute{gen: s.gen, userGen: s.userGen}
}

// apply は世代が最新の場合だけfnを状態に適用する。古い世代の結果は破棄する。
// 再計算の開始後にLoginでユーザーが設定されていればownsUserはfalseになる。
func (s *Sync) apply(rc recompute, fn func(st *State, ownsUser bool)) bool {
	s.mu.Lock()
	if rc.gen != s.gen {
		current := s.gen
		s.mu.Unlock()
		s.logger.Debug("discarding stale session recompute",
			slog.Uint64("generation", rc.gen),
			slog.Uint64("current", current),
		)
		return false
	}
	ownsUser := rc.userGen == s.userGen
	if !ownsUser {
		s.logger.Debug("keeping user set during session recompute", slog.Uint64("generation", rc.gen))
	}
	fn(&s.state, ownsUser)
	s.state.IsAuthenticated = s.state.User != nil
	s.state.IsLoading = false
	s.notifyLocked()
	s.mu.Unlock()
	return true
}

// resolveUser はセッションのユーザーにプロフィールをマージする。
// プロフィールが無い、または取得に失敗した場合はプロバイダーのユーザーをそのまま返す。
func (s *Sync) resolveUser(ctx context.Context, sess *model.Session) model.User {
	if sess == nil || sess.User == nil {
		return nil
	}

	profile, err := s.profiles.FindByID(ctx, sess.User.ID)
	switch {
	case err != nil:
		s.recordLookup(lookupError)
		s.logger.Warn("profile lookup failed, using provider user",
			slog.String("user_id", sess.User.ID),
			slog.String("error", err.Error()),
		)
		return model.NewUser(sess.User)
	case profile == nil:
		s.recordLookup(lookupMissing)
		s.logger.Debug("profile not found", slog.String("user_id", sess.User.ID))
		return model.NewUser(sess.User)
	default:
		s.recordLookup(lookupFound)
		return model.MergeProfile(sess.User, profile)
	}
}

func (s *Sync) beginRequest() {
	s.mu.Lock()
	s.state.IsLoading = true
	s.state.Error = ""
	s.notifyLocked()
	s.mu.Unlock()
}

func (s *Sync) endRequest(message string) {
	s.mu.Lock()
	s.state.IsLoading = false
	s.state.Error = message
	s.notifyLocked()
	s.mu.Unlock()
}

func (s *Sync) record(event string) {
	if s.recorder != nil {
		s.recorder.RecordAuthEvent(event)
	}
}

func (s *Sync) recordLookup(result string) {
	if s.recorder != nil {
		s.recorder.RecordProfileLookup(result)
	}
}

// toAPIError はプロバイダーのエラーを表示用のエラーに変換する。
// プロバイダーがリクエストを拒否した場合はそのメッセージを使い、
// 通信障害などはメッセージを一般化する。
func toAPIError(err error) *model.APIError {
	var perr *identity.ProviderError
	if errors.As(err, &perr) && perr.IsClientError() {
		return model.NewAuthFailedError(perr.Message)
	}
	return model.NewProviderUnavailableError()
}

// compile-time interface check
var _ StateReader = (*Sync)(nil)
