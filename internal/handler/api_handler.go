package handler

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"net/http"
	"strings"

	"github.com/hitoshi/gigwrld/internal/backend"
	"github.com/hitoshi/gigwrld/internal/identity"
	"github.com/hitoshi/gigwrld/internal/middleware"
	"github.com/hitoshi/gigwrld/internal/model"
)

// BackendService はRESTバックエンドの操作。*backend.Client が実装する。
type BackendService interface {
	ListGigs(ctx context.Context, q backend.GigQuery) ([]backend.Gig, error)
	CreateGig(ctx context.Context, g backend.NewGig) (map[string]any, error)
	CreateBooking(ctx context.Context, b backend.BookingRequest) (map[string]any, error)
	Stats(ctx context.Context) (*backend.StatsResponse, error)
	UpdateProfile(ctx context.Context, p backend.ProfileUpdate) (map[string]any, error)
}

// MetadataUpdater はプロバイダー側のユーザーメタデータを更新する。
type MetadataUpdater interface {
	UpdateUser(ctx context.Context, attrs identity.UserAttributes) (*model.AuthUser, error)
}

// UserUpdater はキャッシュ中のユーザーを部分更新する。
type UserUpdater interface {
	UpdateUser(partial map[string]any)
}

// fallbackStats はバックエンドに到達できない場合に返すサンプル値。
var fallbackStats = backend.Stats{
	ActiveGigs:   1247,
	Freelancers:  843,
	Clients:      421,
	Satisfaction: 97,
}

// APIHandler はRESTバックエンドへ転送する /api/* のハンドラー。
type APIHandler struct {
	backend   BackendService
	metadata  MetadataUpdater
	users     UserUpdater
	sanitizer TextSanitizer
	logger    *slog.Logger
}

// NewAPIHandler はAPIHandlerを生成する。
func NewAPIHandler(b BackendService, metadata MetadataUpdater, users UserUpdater, sanitizer TextSanitizer, logger *slog.Logger) *APIHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &APIHandler{
		backend:   b,
		metadata:  metadata,
		users:     users,
		sanitizer: sanitizer,
		logger:    logger,
	}
}

// createGigRequest はギグ投稿リクエスト。tagsはカンマ区切り文字列と配列のどちらも受け付ける。
type createGigRequest struct {
	Title         string  `json:"title"`
	Category      string  `json:"category"`
	Description   string  `json:"description"`
	Price         float64 `json:"price"`
	DeliveryTime  int     `json:"delivery_time"`
	Location      string  `json:"location"`
	Tags          any     `json:"tags"`
	Urgency       string  `json:"urgency"`
	PreferredDate string  `json:"preferred_date"`
	PreferredTime string  `json:"preferred_time"`
}

type profileRequest struct {
	FullName    string `json:"full_name"`
	Phone       string `json:"phone"`
	Location    string `json:"location"`
	Bio         string `json:"bio"`
	AccountType string `json:"account_type"`
}

// ListGigs はギグ一覧を返す。
// GET /api/gigs?category=&minPrice=&maxPrice=&search=
func (h *APIHandler) ListGigs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	gigs, err := h.backend.ListGigs(r.Context(), backend.GigQuery{
		Category: q.Get("category"),
		MinPrice: q.Get("minPrice"),
		MaxPrice: q.Get("maxPrice"),
		Search:   q.Get("search"),
	})
	if err != nil {
		handleBackendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, gigs)
}

// CreateGig はギグを投稿する。
// POST /api/gigs
func (h *APIHandler) CreateGig(w http.ResponseWriter, r *http.Request) {
	var req createGigRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	title := h.sanitizer.SanitizeText(req.Title)
	if title == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("title is required"))
		return
	}
	if req.Price < 0 {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("price must not be negative"))
		return
	}

	out, err := h.backend.CreateGig(r.Context(), backend.NewGig{
		Title:         title,
		Category:      h.sanitizer.SanitizeText(req.Category),
		Description:   h.sanitizer.SanitizeText(req.Description),
		Price:         req.Price,
		DeliveryTime:  req.DeliveryTime,
		Location:      h.sanitizer.SanitizeText(req.Location),
		Tags:          h.parseTags(req.Tags),
		Urgency:       h.sanitizer.SanitizeText(req.Urgency),
		PreferredDate: req.PreferredDate,
		PreferredTime: req.PreferredTime,
	})
	if err != nil {
		handleBackendError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

// CreateBooking は予約リクエストを送信する。
// POST /api/bookings
func (h *APIHandler) CreateBooking(w http.ResponseWriter, r *http.Request) {
	var req backend.BookingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.GigID) == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("gig_id is required"))
		return
	}
	req.Requirements = h.sanitizer.SanitizeText(req.Requirements)

	out, err := h.backend.CreateBooking(r.Context(), req)
	if err != nil {
		handleBackendError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

// Stats は集計値を返す。バックエンドに到達できない場合はサンプル値を返す。
// GET /api/stats
func (h *APIHandler) Stats(w http.ResponseWriter, r *http.Request) {
	out, err := h.backend.Stats(r.Context())
	if err != nil {
		h.logger.Warn("stats unavailable, using sample data", slog.String("error", err.Error()))
		writeJSON(w, http.StatusOK, backend.StatsResponse{
			Success: false,
			Stats:   fallbackStats,
			Message: "Connection issue - using sample data",
		})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// UpdateProfile はプロフィールを更新する。
// プロバイダーのメタデータ、バックエンドのプロフィール、キャッシュ中のユーザーの順に反映する。
// PUT /api/profile
func (h *APIHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.AccountType == "" {
		req.AccountType = model.DefaultAccountType
	}
	if !model.ValidAccountType(req.AccountType) {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("unknown account_type"))
		return
	}

	update := backend.ProfileUpdate{
		FullName:    h.sanitizer.SanitizeText(req.FullName),
		Phone:       h.sanitizer.SanitizeText(req.Phone),
		Location:    h.sanitizer.SanitizeText(req.Location),
		Bio:         h.sanitizer.SanitizeText(req.Bio),
		AccountType: req.AccountType,
	}
	attrs := update.Attributes()

	au, err := h.metadata.UpdateUser(r.Context(), identity.UserAttributes{Data: attrs})
	if err != nil {
		h.logger.Warn("failed to update provider metadata", slog.String("error", err.Error()))
		handleServiceError(w, providerAPIError(err))
		return
	}

	if _, err := h.backend.UpdateProfile(r.Context(), update); err != nil {
		handleBackendError(w, err)
		return
	}

	partial := maps.Clone(attrs)
	if au != nil && au.UserMetadata != nil {
		partial["user_metadata"] = au.UserMetadata
	}
	h.users.UpdateUser(partial)

	writeJSON(w, http.StatusOK, map[string]string{"message": "Profile updated successfully!"})
}

// parseTags はカンマ区切り文字列または文字列配列のタグを正規化する。
func (h *APIHandler) parseTags(v any) []string {
	var raw []string
	switch t := v.(type) {
	case string:
		raw = backend.SplitTags(t)
	case []any:
		for _, item := range t {
			if s, ok := item.(string); ok {
				raw = append(raw, s)
			}
		}
	}
	tags := []string{}
	for _, s := range raw {
		if s = h.sanitizer.SanitizeText(s); s != "" {
			tags = append(tags, s)
		}
	}
	return tags
}

// handleBackendError はバックエンド呼び出しのエラーを変換する。
// APIError以外（通信障害など）は502として扱う。
func handleBackendError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		handleServiceError(w, err)
		return
	}
	slog.Error("backend unavailable", slog.String("error", err.Error()))
	middleware.WriteErrorResponse(w, http.StatusBadGateway, model.NewBackendError(""))
}
