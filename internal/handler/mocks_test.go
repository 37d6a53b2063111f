package handler

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/hitoshi/gigwrld/internal/backend"
	"github.com/hitoshi/gigwrld/internal/identity"
	"github.com/hitoshi/gigwrld/internal/model"
	"github.com/hitoshi/gigwrld/internal/security"
	"github.com/hitoshi/gigwrld/internal/session"
)

// --- モック定義 ---

type mockSessions struct {
	mu       sync.Mutex
	state    session.State
	token    string
	signInFn func(ctx context.Context, email, password string) (*model.Session, error)
	signUpFn func(ctx context.Context, email, password string, metadata map[string]any) (*identity.SignUpResult, error)

	loginUser    model.User
	loginToken   string
	logoutCalled bool
	updates      []map[string]any
	cleared      bool
}

func (m *mockSessions) State() session.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *mockSessions) Login(_ context.Context, user model.User, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loginUser = user
	m.loginToken = token
	m.state.User = user
	m.state.IsAuthenticated = user != nil
	return nil
}

func (m *mockSessions) Logout(context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logoutCalled = true
	m.state = session.State{}
}

func (m *mockSessions) UpdateUser(partial map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, partial)
	m.state.User = m.state.User.Merge(partial)
}

func (m *mockSessions) GetToken(context.Context) string { return m.token }

func (m *mockSessions) SignIn(ctx context.Context, email, password string) (*model.Session, error) {
	if m.signInFn != nil {
		return m.signInFn(ctx, email, password)
	}
	return nil, model.NewAuthFailedError("")
}

func (m *mockSessions) SignUp(ctx context.Context, email, password string, metadata map[string]any) (*identity.SignUpResult, error) {
	if m.signUpFn != nil {
		return m.signUpFn(ctx, email, password, metadata)
	}
	return &identity.SignUpResult{}, nil
}

func (m *mockSessions) ClearError() { m.cleared = true }

type mockProfiles struct {
	findFn   func(ctx context.Context, id string) (*model.Profile, error)
	createFn func(ctx context.Context, p *model.Profile) error
	created  []*model.Profile
}

func (m *mockProfiles) FindByID(ctx context.Context, id string) (*model.Profile, error) {
	if m.findFn != nil {
		return m.findFn(ctx, id)
	}
	return nil, nil
}

func (m *mockProfiles) Create(ctx context.Context, p *model.Profile) error {
	m.created = append(m.created, p)
	if m.createFn != nil {
		return m.createFn(ctx, p)
	}
	return nil
}

type mockResetter struct {
	email, redirect string
	err             error
}

func (m *mockResetter) ResetPasswordForEmail(_ context.Context, email, redirectTo string) error {
	m.email = email
	m.redirect = redirectTo
	return m.err
}

type mockBackend struct {
	listGigsFn      func(ctx context.Context, q backend.GigQuery) ([]backend.Gig, error)
	createGigFn     func(ctx context.Context, g backend.NewGig) (map[string]any, error)
	createBookingFn func(ctx context.Context, b backend.BookingRequest) (map[string]any, error)
	statsFn         func(ctx context.Context) (*backend.StatsResponse, error)
	updateProfileFn func(ctx context.Context, p backend.ProfileUpdate) (map[string]any, error)
}

func (m *mockBackend) ListGigs(ctx context.Context, q backend.GigQuery) ([]backend.Gig, error) {
	if m.listGigsFn != nil {
		return m.listGigsFn(ctx, q)
	}
	return []backend.Gig{}, nil
}

func (m *mockBackend) CreateGig(ctx context.Context, g backend.NewGig) (map[string]any, error) {
	if m.createGigFn != nil {
		return m.createGigFn(ctx, g)
	}
	return map[string]any{}, nil
}

func (m *mockBackend) CreateBooking(ctx context.Context, b backend.BookingRequest) (map[string]any, error) {
	if m.createBookingFn != nil {
		return m.createBookingFn(ctx, b)
	}
	return map[string]any{}, nil
}

func (m *mockBackend) Stats(ctx context.Context) (*backend.StatsResponse, error) {
	if m.statsFn != nil {
		return m.statsFn(ctx)
	}
	return &backend.StatsResponse{Success: true}, nil
}

func (m *mockBackend) UpdateProfile(ctx context.Context, p backend.ProfileUpdate) (map[string]any, error) {
	if m.updateProfileFn != nil {
		return m.updateProfileFn(ctx, p)
	}
	return map[string]any{}, nil
}

type mockMetadata struct {
	attrs []identity.UserAttributes
	user  *model.AuthUser
	err   error
}

func (m *mockMetadata) UpdateUser(_ context.Context, attrs identity.UserAttributes) (*model.AuthUser, error) {
	m.attrs = append(m.attrs, attrs)
	return m.user, m.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newTestAuthHandler(s *mockSessions, p *mockProfiles, r *mockResetter) *AuthHandler {
	return NewAuthHandler(s, p, r, security.NewProfileSanitizer(), AuthHandlerConfig{
		PasswordResetRedirect: "http://localhost:3000/reset-password",
	}, discardLogger())
}

func newTestAPIHandler(b *mockBackend, md *mockMetadata, s *mockSessions) *APIHandler {
	return NewAPIHandler(b, md, s, security.NewProfileSanitizer(), discardLogger())
}
