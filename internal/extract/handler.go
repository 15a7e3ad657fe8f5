package extract

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashida/shopquest/internal/api"
	"github.com/ashida/shopquest/internal/domain"
	"github.com/ashida/shopquest/internal/identity"
	"github.com/ashida/shopquest/internal/quest"
	"github.com/ashida/shopquest/internal/store"
	"github.com/go-chi/chi/v5"
)

// Handler exposes the image-to-shopping-list endpoint. When no extraction
// service is configured the handler still registers and answers with 503,
// so the rest of the app is unaffected.
type Handler struct {
	extractor   Extractor
	repo        store.Repository
	rateLimiter *quest.RateLimiter
}

// NewHandler creates the extraction handler. extractor may be nil when the
// service is not configured.
func NewHandler(extractor Extractor, repo store.Repository) *Handler {
	return &Handler{
		extractor:   extractor,
		repo:        repo,
		rateLimiter: quest.NewRateLimiter(10, time.Minute),
	}
}

// RegisterRoutes registers extraction routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/extract", h.Extract)
}

type extractRequest struct {
	Image string `json:"image"`
	Text  string `json:"text"`
}

// Extract runs OCR over an uploaded image (or takes raw text directly),
// converts the result into shopping list entries, and saves them to the
// user's list.
func (h *Handler) Extract(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if h.extractor == nil {
		api.Error(w, http.StatusServiceUnavailable, "extraction service not configured")
		return
	}
	if !h.rateLimiter.Allow(userID) {
		api.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req extractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Image == "" && strings.TrimSpace(req.Text) == "" {
		api.Error(w, http.StatusBadRequest, "image or text is required")
		return
	}

	text := req.Text
	if req.Image != "" {
		ocr, err := h.extractor.ExtractText(r.Context(), req.Image)
		if err != nil {
			slog.Error("ocr extraction failed", "error", err, "user_id", userID)
			api.Error(w, http.StatusBadGateway, "extraction service unavailable")
			return
		}
		text = ocr
	}

	names, err := h.extractor.ConvertToList(r.Context(), text)
	if err != nil {
		slog.Error("list conversion failed", "error", err, "user_id", userID)
		api.Error(w, http.StatusBadGateway, "extraction service unavailable")
		return
	}
	if len(names) == 0 {
		api.JSON(w, http.StatusOK, map[string]interface{}{"items": []*domain.ListItem{}})
		return
	}

	now := time.Now()
	items := make([]*domain.ListItem, 0, len(names))
	for _, name := range names {
		items = append(items, &domain.ListItem{
			UserID:    userID,
			Name:      name,
			Category:  domain.CategoryOther,
			Priority:  domain.PriorityPreferred,
			CreatedAt: now,
		})
	}

	if err := h.repo.AddListItems(r.Context(), items); err != nil {
		slog.Error("failed to save extracted items", "error", err, "user_id", userID, "count", len(items))
		api.Error(w, http.StatusInternalServerError, "failed to save items")
		return
	}

	slog.Info("extracted shopping list", "user_id", userID, "count", len(items))
	api.JSON(w, http.StatusCreated, map[string]interface{}{"items": items})
}
