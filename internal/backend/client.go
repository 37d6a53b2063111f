// Package backend はマーケットプレイスのRESTバックエンド（/api/gigs 等）のクライアントを提供する。
// 認証が必要な呼び出しにはTokenSourceから取得したアクセストークンをBearerとして付与する。
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/gigwrld/internal/model"
)

// DefaultBaseURL はバックエンドの既定のベースURL。
const DefaultBaseURL = "http://localhost:5000/api"

// maxResponseSize はレスポンスボディの最大読み取りサイズ。
const maxResponseSize = 2 << 20

// TokenSource は現在のアクセストークンを返す。未ログインの場合は空文字。
type TokenSource interface {
	GetToken(ctx context.Context) string
}

// CallRecorder はバックエンド呼び出しの結果を記録する。
type CallRecorder interface {
	RecordProviderCall(op string, duration time.Duration, err error)
}

// Client はRESTバックエンドのクライアント。
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
	recorder   CallRecorder
	logger     *slog.Logger
}

// NewClient はClientの新しいインスタンスを生成する。
// recorderはnilでもよい。
func NewClient(baseURL string, httpClient *http.Client, tokens TokenSource, recorder CallRecorder, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		tokens:     tokens,
		recorder:   recorder,
		logger:     logger,
	}
}

// GigUser はギグの投稿者情報。
type GigUser struct {
	ID       string `json:"id,omitempty"`
	FullName string `json:"full_name,omitempty"`
}

// Gig はバックエンドが返すギグ。
type Gig struct {
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	Category      string   `json:"category"`
	Description   string   `json:"description"`
	Price         float64  `json:"price"`
	DeliveryTime  int      `json:"delivery_time"`
	Location      string   `json:"location,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	Urgency       string   `json:"urgency,omitempty"`
	PreferredDate string   `json:"preferred_date,omitempty"`
	PreferredTime string   `json:"preferred_time,omitempty"`
	User          *GigUser `json:"user,omitempty"`
}

// GigQuery はギグ一覧の絞り込み条件。空のフィールドはクエリに含めない。
type GigQuery struct {
	Category string
	MinPrice string
	MaxPrice string
	Search   string
}

// Values はクエリパラメータに変換する。
func (q GigQuery) Values() url.Values {
	v := url.Values{}
	if q.Category != "" {
		v.Set("category", q.Category)
	}
	if q.MinPrice != "" {
		v.Set("minPrice", q.MinPrice)
	}
	if q.MaxPrice != "" {
		v.Set("maxPrice", q.MaxPrice)
	}
	if q.Search != "" {
		v.Set("search", q.Search)
	}
	return v
}

// DefaultDeliveryDays はdelivery_time未指定時の納期（日）。
const DefaultDeliveryDays = 7

// DefaultUrgency はurgency未指定時の優先度。
const DefaultUrgency = "Medium Priority"

// NewGig はギグ投稿リクエスト。
type NewGig struct {
	Title         string   `json:"title"`
	Category      string   `json:"category"`
	Description   string   `json:"description"`
	Price         float64  `json:"price"`
	DeliveryTime  int      `json:"delivery_time"`
	Location      string   `json:"location"`
	Tags          []string `json:"tags"`
	Urgency       string   `json:"urgency"`
	PreferredDate string   `json:"preferred_date"`
	PreferredTime string   `json:"preferred_time"`
}

// Normalize は未指定の項目に既定値を補う。
func (g *NewGig) Normalize() {
	if g.DeliveryTime <= 0 {
		g.DeliveryTime = DefaultDeliveryDays
	}
	if g.Urgency == "" {
		g.Urgency = DefaultUrgency
	}
	if g.Tags == nil {
		g.Tags = []string{}
	}
}

// SplitTags はカンマ区切りのタグ文字列を空要素を除いた配列に変換する。
func SplitTags(s string) []string {
	tags := []string{}
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

// BookingRequest は予約リクエスト。
type BookingRequest struct {
	GigID        string `json:"gig_id"`
	Requirements string `json:"requirements"`
	Deadline     string `json:"deadline"`
}

// Stats はトップページの集計値。
type Stats struct {
	ActiveGigs   int     `json:"activeGigs"`
	Freelancers  int     `json:"freelancers"`
	Clients      int     `json:"clients"`
	Satisfaction float64 `json:"satisfaction"`
}

// StatsResponse は /stats のレスポンス。
type StatsResponse struct {
	Success bool   `json:"success"`
	Stats   Stats  `json:"stats"`
	Message string `json:"message,omitempty"`
}

// ProfileUpdate は PUT /auth/profile のリクエスト。
type ProfileUpdate struct {
	FullName    string `json:"full_name"`
	Phone       string `json:"phone"`
	Location    string `json:"location"`
	Bio         string `json:"bio"`
	AccountType string `json:"account_type"`
}

// Attributes はUpdateUserに渡す属性マップに変換する。
func (p ProfileUpdate) Attributes() map[string]any {
	return map[string]any{
		"full_name":    p.FullName,
		"phone":        p.Phone,
		"location":     p.Location,
		"bio":          p.Bio,
		"account_type": p.AccountType,
	}
}

// ListGigs はギグ一覧を取得する。認証は不要。
func (c *Client) ListGigs(ctx context.Context, q GigQuery) ([]Gig, error) {
	path := "/gigs"
	if v := q.Values(); len(v) > 0 {
		path += "?" + v.Encode()
	}
	var gigs []Gig
	if err := c.do(ctx, "backend.list_gigs", http.MethodGet, path, false, nil, &gigs); err != nil {
		return nil, err
	}
	if gigs == nil {
		gigs = []Gig{}
	}
	return gigs, nil
}

// CreateGig はギグを投稿する。要認証。
func (c *Client) CreateGig(ctx context.Context, g NewGig) (map[string]any, error) {
	g.Normalize()
	var out map[string]any
	if err := c.do(ctx, "backend.create_gig", http.MethodPost, "/gigs", true, g, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateBooking は予約リクエストを送信する。要認証。
func (c *Client) CreateBooking(ctx context.Context, b BookingRequest) (map[string]any, error) {
	var out map[string]any
	if err := c.do(ctx, "backend.create_booking", http.MethodPost, "/bookings", true, b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Stats は集計値を取得する。
func (c *Client) Stats(ctx context.Context) (*StatsResponse, error) {
	var out StatsResponse
	if err := c.do(ctx, "backend.stats", http.MethodGet, "/stats", false, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateProfile はバックエンド側のプロフィールを更新する。要認証。
func (c *Client) UpdateProfile(ctx context.Context, p ProfileUpdate) (map[string]any, error) {
	var out map[string]any
	if err := c.do(ctx, "backend.update_profile", http.MethodPut, "/auth/profile", true, p, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Me はバックエンドが認識している現在のユーザーを返す。要認証。
func (c *Client) Me(ctx context.Context) (map[string]any, error) {
	var out struct {
		User map[string]any `json:"user"`
	}
	if err := c.do(ctx, "backend.me", http.MethodGet, "/auth/me", true, nil, &out); err != nil {
		return nil, err
	}
	return out.User, nil
}

// do はリクエストを送信し、2xxのレスポンスをoutにデコードする。
// authがtrueでトークンが無い場合は送信せずNotAuthenticatedエラーを返す。
func (c *Client) do(ctx context.Context, op, method, path string, auth bool, in, out any) (err error) {
	start := time.Now()
	defer func() {
		if c.recorder != nil {
			c.recorder.RecordProviderCall(op, time.Since(start), err)
		}
	}()

	var token string
	if c.tokens != nil {
		token = c.tokens.GetToken(ctx)
	}
	if auth && token == "" {
		return model.NewNotAuthenticatedError()
	}

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("backend request failed",
			slog.String("op", op),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("backend request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("failed to read backend response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("backend returned error status",
			slog.String("op", op),
			slog.Int("http_status", resp.StatusCode),
		)
		return errorFromBody(resp.StatusCode, data)
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode backend response: %w", err)
	}
	return nil
}

// errorFromBody はエラーレスポンスの message / error をAPIErrorに変換する。
func errorFromBody(status int, data []byte) *model.APIError {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	_ = json.Unmarshal(data, &body)
	msg := body.Message
	if msg == "" {
		msg = body.Error
	}
	if msg == "" {
		msg = "backend returned status " + strconv.Itoa(status)
	}
	return model.NewBackendError(msg)
}
