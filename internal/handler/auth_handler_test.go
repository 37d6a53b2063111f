package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/gigwrld/internal/identity"
	"github.com/hitoshi/gigwrld/internal/middleware"
	"github.com/hitoshi/gigwrld/internal/model"
	"github.com/hitoshi/gigwrld/internal/session"
)

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) middleware.ErrorResponseBody {
	t.Helper()
	var body middleware.ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	return body
}

// --- Login ---

func TestAuthHandler_Login_MergesProfileAndPersistsToken(t *testing.T) {
	sessions := &mockSessions{
		signInFn: func(_ context.Context, email, password string) (*model.Session, error) {
			if email != "ann@example.com" || password != "secret1" {
				t.Errorf("SignIn(%q, %q)", email, password)
			}
			return &model.Session{
				AccessToken:  "access-1",
				RefreshToken: "refresh-1",
				User:         &model.AuthUser{ID: "u1", Email: "ann@example.com"},
			}, nil
		},
	}
	profiles := &mockProfiles{
		findFn: func(_ context.Context, id string) (*model.Profile, error) {
			return &model.Profile{ID: id, FullName: "Ann", AccountType: model.AccountTypeBoth}, nil
		},
	}
	h := newTestAuthHandler(sessions, profiles, &mockResetter{})

	w := httptest.NewRecorder()
	h.Login(w, jsonRequest(http.MethodPost, "/auth/login", `{"email":" ann@example.com ","password":"secret1"}`))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if sessions.loginToken != "access-1" {
		t.Errorf("login token = %q, want access-1", sessions.loginToken)
	}
	if sessions.loginUser.FullName() != "Ann" || sessions.loginUser.Email() != "ann@example.com" {
		t.Errorf("login user = %v", sessions.loginUser)
	}

	var body map[string]any
	json.NewDecoder(w.Body).Decode(&body)
	if body["is_authenticated"] != true {
		t.Errorf("is_authenticated = %v, want true", body["is_authenticated"])
	}
}

func TestAuthHandler_Login_ProfileLookupFailureStillLogsIn(t *testing.T) {
	sessions := &mockSessions{
		signInFn: func(context.Context, string, string) (*model.Session, error) {
			return &model.Session{AccessToken: "a", User: &model.AuthUser{ID: "u1", Email: "x@y.z"}}, nil
		},
	}
	profiles := &mockProfiles{
		findFn: func(context.Context, string) (*model.Profile, error) {
			return nil, errors.New("db down")
		},
	}
	h := newTestAuthHandler(sessions, profiles, &mockResetter{})

	w := httptest.NewRecorder()
	h.Login(w, jsonRequest(http.MethodPost, "/auth/login", `{"email":"x@y.z","password":"pw"}`))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if sessions.loginUser.ID() != "u1" {
		t.Errorf("login user id = %q, want u1", sessions.loginUser.ID())
	}
}

func TestAuthHandler_Login_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		signInErr  error
		wantStatus int
		wantCode   string
	}{
		{"malformed JSON", `{`, nil, http.StatusBadRequest, model.ErrCodeInvalidRequest},
		{"missing email", `{"password":"x"}`, nil, http.StatusBadRequest, model.ErrCodeEmailRequired},
		{"rejected credentials", `{"email":"a@b.c","password":"x"}`, model.NewAuthFailedError("Invalid login credentials"), http.StatusUnauthorized, model.ErrCodeAuthFailed},
		{"provider down", `{"email":"a@b.c","password":"x"}`, model.NewProviderUnavailableError(), http.StatusServiceUnavailable, model.ErrCodeProviderUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sessions := &mockSessions{
				signInFn: func(context.Context, string, string) (*model.Session, error) {
					return nil, tt.signInErr
				},
			}
			h := newTestAuthHandler(sessions, &mockProfiles{}, &mockResetter{})

			w := httptest.NewRecorder()
			h.Login(w, jsonRequest(http.MethodPost, "/auth/login", tt.body))

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if body := decodeError(t, w); body.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", body.Code, tt.wantCode)
			}
			if sessions.loginUser != nil {
				t.Error("Login should not be called on failure")
			}
		})
	}
}

// --- Register ---

func TestAuthHandler_Register_Validation(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode string
	}{
		{"password mismatch", `{"email":"a@b.c","password":"secret1","confirm_password":"secret2"}`, model.ErrCodePasswordMismatch},
		{"password too short", `{"email":"a@b.c","password":"abc","confirm_password":"abc"}`, model.ErrCodePasswordTooShort},
		{"missing email", `{"password":"secret1","confirm_password":"secret1"}`, model.ErrCodeEmailRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sessions := &mockSessions{
				signUpFn: func(context.Context, string, string, map[string]any) (*identity.SignUpResult, error) {
					t.Fatal("SignUp should not be called")
					return nil, nil
				},
			}
			h := newTestAuthHandler(sessions, &mockProfiles{}, &mockResetter{})

			w := httptest.NewRecorder()
			h.Register(w, jsonRequest(http.MethodPost, "/auth/register", tt.body))

			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
			if body := decodeError(t, w); body.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", body.Code, tt.wantCode)
			}
		})
	}
}

func TestAuthHandler_Register_WithSession_CreatesProfileAndLogsIn(t *testing.T) {
	var gotMetadata map[string]any
	sessions := &mockSessions{
		signUpFn: func(_ context.Context, email, password string, metadata map[string]any) (*identity.SignUpResult, error) {
			gotMetadata = metadata
			return &identity.SignUpResult{
				User:    &model.AuthUser{ID: "u9", Email: email},
				Session: &model.Session{AccessToken: "tok-9", User: &model.AuthUser{ID: "u9", Email: email}},
			}, nil
		},
	}
	profiles := &mockProfiles{}
	h := newTestAuthHandler(sessions, profiles, &mockResetter{})

	body := `{"full_name":"<b>Ann</b>","username":"ann","email":"ann@example.com","phone":"123","password":"secret1","confirm_password":"secret1"}`
	w := httptest.NewRecorder()
	h.Register(w, jsonRequest(http.MethodPost, "/auth/register", body))

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body.String())
	}
	if gotMetadata["full_name"] != "Ann" || gotMetadata["username"] != "ann" {
		t.Errorf("metadata = %v (should be sanitized)", gotMetadata)
	}
	if len(profiles.created) != 1 {
		t.Fatalf("created profiles = %d, want 1", len(profiles.created))
	}
	p := profiles.created[0]
	if p.ID != "u9" || p.AccountType != model.DefaultAccountType || p.Email != "ann@example.com" {
		t.Errorf("profile = %+v", p)
	}
	if sessions.loginToken != "tok-9" || sessions.loginUser.FullName() != "Ann" {
		t.Errorf("login = %q / %v", sessions.loginToken, sessions.loginUser)
	}
}

func TestAuthHandler_Register_EmailConfirmationRequired(t *testing.T) {
	sessions := &mockSessions{
		signUpFn: func(_ context.Context, email, _ string, _ map[string]any) (*identity.SignUpResult, error) {
			return &identity.SignUpResult{User: &model.AuthUser{ID: "u3", Email: email}}, nil
		},
	}
	h := newTestAuthHandler(sessions, &mockProfiles{}, &mockResetter{})

	w := httptest.NewRecorder()
	h.Register(w, jsonRequest(http.MethodPost, "/auth/register",
		`{"email":"c@d.e","password":"secret1","confirm_password":"secret1"}`))

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	if sessions.loginUser != nil {
		t.Error("should not log in without a session")
	}
	if !strings.Contains(w.Body.String(), "verify your account") {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestAuthHandler_Register_ProfileCreateFailure(t *testing.T) {
	sessions := &mockSessions{
		signUpFn: func(_ context.Context, email, _ string, _ map[string]any) (*identity.SignUpResult, error) {
			return &identity.SignUpResult{
				User:    &model.AuthUser{ID: "u4", Email: email},
				Session: &model.Session{AccessToken: "t"},
			}, nil
		},
	}
	profiles := &mockProfiles{
		createFn: func(context.Context, *model.Profile) error {
			return errors.New("duplicate username")
		},
	}
	h := newTestAuthHandler(sessions, profiles, &mockResetter{})

	w := httptest.NewRecorder()
	h.Register(w, jsonRequest(http.MethodPost, "/auth/register",
		`{"email":"c@d.e","password":"secret1","confirm_password":"secret1"}`))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	body := decodeError(t, w)
	if body.Code != model.ErrCodeProfileCreateFailed || !strings.Contains(body.Message, "duplicate username") {
		t.Errorf("body = %+v", body)
	}
	if sessions.loginUser != nil {
		t.Error("should not log in when profile creation fails")
	}
}

// --- State / Token / Logout ---

func TestAuthHandler_State_OmitsRefreshToken(t *testing.T) {
	sessions := &mockSessions{state: session.State{
		User:            model.User{"id": "u1"},
		Session:         &model.Session{AccessToken: "acc", RefreshToken: "secret-refresh", ExpiresAt: 1700000000, User: &model.AuthUser{ID: "u1"}},
		IsAuthenticated: true,
	}}
	h := newTestAuthHandler(sessions, &mockProfiles{}, &mockResetter{})

	w := httptest.NewRecorder()
	h.State(w, httptest.NewRequest(http.MethodGet, "/auth/state", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "secret-refresh") {
		t.Error("refresh token must not be exposed")
	}
	var body stateResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.IsAuthenticated || body.Session == nil || body.Session.UserID != "u1" || body.Session.AccessToken != "acc" {
		t.Errorf("body = %+v", body)
	}
}

func TestAuthHandler_Token(t *testing.T) {
	h := newTestAuthHandler(&mockSessions{token: "tok"}, &mockProfiles{}, &mockResetter{})
	w := httptest.NewRecorder()
	h.Token(w, httptest.NewRequest(http.MethodGet, "/auth/token", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"token":"tok"`) {
		t.Errorf("status = %d body = %s", w.Code, w.Body.String())
	}

	h = newTestAuthHandler(&mockSessions{}, &mockProfiles{}, &mockResetter{})
	w = httptest.NewRecorder()
	h.Token(w, httptest.NewRequest(http.MethodGet, "/auth/token", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 without a session", w.Code)
	}
}

func TestAuthHandler_Logout(t *testing.T) {
	sessions := &mockSessions{state: session.State{User: model.User{"id": "u1"}, IsAuthenticated: true}}
	h := newTestAuthHandler(sessions, &mockProfiles{}, &mockResetter{})

	w := httptest.NewRecorder()
	h.Logout(w, httptest.NewRequest(http.MethodPost, "/auth/logout", nil))

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
	if !sessions.logoutCalled {
		t.Error("Logout should be called")
	}
}

func TestAuthHandler_ClearError(t *testing.T) {
	sessions := &mockSessions{}
	h := newTestAuthHandler(sessions, &mockProfiles{}, &mockResetter{})

	w := httptest.NewRecorder()
	h.ClearError(w, httptest.NewRequest(http.MethodDelete, "/auth/error", nil))

	if w.Code != http.StatusNoContent || !sessions.cleared {
		t.Errorf("status = %d cleared = %v", w.Code, sessions.cleared)
	}
}

// --- UpdateMe ---

func TestAuthHandler_UpdateMe_SanitizesAndKeepsID(t *testing.T) {
	sessions := &mockSessions{state: session.State{User: model.User{"id": "u1", "bio": "old"}, IsAuthenticated: true}}
	h := newTestAuthHandler(sessions, &mockProfiles{}, &mockResetter{})

	w := httptest.NewRecorder()
	h.UpdateMe(w, jsonRequest(http.MethodPatch, "/auth/me", `{"id":"evil","bio":"<script>x</script>New bio"}`))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if len(sessions.updates) != 1 {
		t.Fatalf("updates = %d, want 1", len(sessions.updates))
	}
	if _, ok := sessions.updates[0]["id"]; ok {
		t.Error("id must not be overwritten")
	}
	if sessions.updates[0]["bio"] != "New bio" {
		t.Errorf("bio = %v, want sanitized", sessions.updates[0]["bio"])
	}
	if sessions.state.User.ID() != "u1" {
		t.Errorf("user id = %q, want u1", sessions.state.User.ID())
	}
}

// --- ForgotPassword ---

func TestAuthHandler_ForgotPassword(t *testing.T) {
	resetter := &mockResetter{}
	h := newTestAuthHandler(&mockSessions{}, &mockProfiles{}, resetter)

	w := httptest.NewRecorder()
	h.ForgotPassword(w, jsonRequest(http.MethodPost, "/auth/forgot-password", `{"email":"a@b.c"}`))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if resetter.email != "a@b.c" || resetter.redirect != "http://localhost:3000/reset-password" {
		t.Errorf("reset = %q %q", resetter.email, resetter.redirect)
	}
}

func TestAuthHandler_ForgotPassword_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"missing email", `{"email":"  "}`, nil, http.StatusBadRequest, model.ErrCodeEmailRequired},
		{"provider rejects", `{"email":"a@b.c"}`, &identity.ProviderError{StatusCode: 429, Message: "For security purposes, wait 60 seconds"}, http.StatusBadRequest, model.ErrCodeAuthFailed},
		{"provider unreachable", `{"email":"a@b.c"}`, errors.New("dial tcp: refused"), http.StatusServiceUnavailable, model.ErrCodeProviderUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestAuthHandler(&mockSessions{}, &mockProfiles{}, &mockResetter{err: tt.err})

			w := httptest.NewRecorder()
			h.ForgotPassword(w, jsonRequest(http.MethodPost, "/auth/forgot-password", tt.body))

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if body := decodeError(t, w); body.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", body.Code, tt.wantCode)
			}
		})
	}
}
