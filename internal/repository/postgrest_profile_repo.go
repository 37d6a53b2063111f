package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/gigwrld/internal/model"
)

// AccessTokenFunc は行レベルセキュリティ用のアクセストークンを返す。
// 空文字を返した場合はanonキーで問い合わせる。
type AccessTokenFunc func() string

// PostgRESTProfileRepo はPostgREST（/rest/v1）経由でprofilesテーブルを操作するリポジトリ。
type PostgRESTProfileRepo struct {
	restURL     string
	apiKey      string
	accessToken AccessTokenFunc
	httpClient  *http.Client
}

// NewPostgRESTProfileRepo はPostgRESTProfileRepoを生成する。
// baseURLはプロジェクトのURLで、/rest/v1 は自動で付与する。
func NewPostgRESTProfileRepo(baseURL, apiKey string, accessToken AccessTokenFunc, httpClient *http.Client) *PostgRESTProfileRepo {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &PostgRESTProfileRepo{
		restURL:     strings.TrimRight(baseURL, "/") + "/rest/v1",
		apiKey:      apiKey,
		accessToken: accessToken,
		httpClient:  httpClient,
	}
}

// FindByID は指定IDのプロフィールを取得する。行が存在しない場合はnilを返す。
func (r *PostgRESTProfileRepo) FindByID(ctx context.Context, id string) (*model.Profile, error) {
	q := url.Values{}
	q.Set("id", "eq."+id)
	q.Set("select", "*")

	var rows []model.Profile
	if err := r.do(ctx, http.MethodGet, "/profiles?"+q.Encode(), nil, &rows); err != nil {
		return nil, fmt.Errorf("failed to find profile by ID: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// Create はプロフィールを作成する。
func (r *PostgRESTProfileRepo) Create(ctx context.Context, p *model.Profile) error {
	if p.AccountType == "" {
		p.AccountType = model.DefaultAccountType
	}
	if err := r.do(ctx, http.MethodPost, "/profiles", p.Attributes(), nil); err != nil {
		return fmt.Errorf("failed to insert profile: %w", err)
	}
	return nil
}

// Update はプロフィールを部分更新する。空文字のフィールドは送信しない。
func (r *PostgRESTProfileRepo) Update(ctx context.Context, p *model.Profile) error {
	attrs := p.Attributes()
	delete(attrs, "id")
	delete(attrs, "created_at")
	attrs["updated_at"] = time.Now().UTC()

	q := url.Values{}
	q.Set("id", "eq."+p.ID)
	if err := r.do(ctx, http.MethodPatch, "/profiles?"+q.Encode(), attrs, nil); err != nil {
		return fmt.Errorf("failed to update profile: %w", err)
	}
	return nil
}

// RESTError はPostgRESTのエラーレスポンス。
type RESTError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *RESTError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("postgrest error (status %d, code %s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("postgrest error (status %d): %s", e.StatusCode, e.Message)
}

func (r *PostgRESTProfileRepo) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.restURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("apikey", r.apiKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Prefer", "return=minimal")
	}

	bearer := r.apiKey
	if r.accessToken != nil {
		if token := r.accessToken(); token != "" {
			bearer = token
		}
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		restErr := &RESTError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(respBody, restErr)
		if restErr.Message == "" {
			restErr.Message = http.StatusText(resp.StatusCode)
		}
		return restErr
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// compile-time interface check
var _ ProfileRepository = (*PostgRESTProfileRepo)(nil)
