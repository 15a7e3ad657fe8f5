package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ashida/shopquest/internal/domain"
	"github.com/ashida/shopquest/internal/identity"
	"github.com/ashida/shopquest/internal/store"
	"github.com/go-chi/chi/v5"
)

// ListHandler handles shopping list and purchase history endpoints.
type ListHandler struct {
	*Handler
}

// NewListHandler creates a new shopping list handler.
func NewListHandler(base *Handler) *ListHandler {
	return &ListHandler{Handler: base}
}

// RegisterRoutes registers list routes.
func (h *ListHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/me", h.GetMe)
		r.Get("/history", h.GetHistory)
		r.Route("/list", func(r chi.Router) {
			r.Get("/", h.GetItems)
			r.Post("/", h.AddItem)
			r.Patch("/{id}", h.ToggleItem)
			r.Delete("/{id}", h.DeleteItem)
		})
	})
}

// GetMe returns the current user's information.
func (h *ListHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	user, err := h.repo.GetUser(r.Context(), userID)
	if err != nil || user == nil {
		Error(w, http.StatusUnauthorized, "user not found")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"user_id":      user.UserID,
		"last_seen_at": user.LastSeenAt,
	})
}

// GetItems returns the user's shopping list.
func (h *ListHandler) GetItems(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	items, err := h.repo.ListItems(r.Context(), userID)
	if err != nil {
		slog.Error("failed to list shopping items", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to load shopping list")
		return
	}
	if items == nil {
		items = []*domain.ListItem{}
	}

	JSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

type addItemRequest struct {
	Name     string `json:"name"`
	Category string `json:"category"`
	Priority string `json:"priority"`
}

// AddItem appends one entry to the user's shopping list.
func (h *ListHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req addItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		Error(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Category == "" {
		req.Category = domain.CategoryOther
	}
	if !domain.KnownCategory(req.Category) {
		Error(w, http.StatusBadRequest, "unknown category")
		return
	}
	priority := domain.Priority(req.Priority)
	if req.Priority == "" {
		priority = domain.PriorityPreferred
	}
	if !priority.Valid() {
		Error(w, http.StatusBadRequest, "unknown priority")
		return
	}

	item := &domain.ListItem{
		UserID:    userID,
		Name:      req.Name,
		Category:  req.Category,
		Priority:  priority,
		CreatedAt: time.Now(),
	}

	id, err := h.repo.AddListItem(r.Context(), item)
	if err != nil {
		slog.Error("failed to add shopping item", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to add item")
		return
	}
	item.ID = id

	JSON(w, http.StatusCreated, item)
}

// ToggleItem sets the completed flag of one entry.
func (h *ListHandler) ToggleItem(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	itemID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		Error(w, http.StatusBadRequest, "invalid item id")
		return
	}

	var req struct {
		Completed bool `json:"completed"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.repo.SetItemCompleted(r.Context(), userID, itemID, req.Completed); err != nil {
		if strings.Contains(err.Error(), "not found") {
			Error(w, http.StatusNotFound, "item not found")
			return
		}
		slog.Error("failed to update shopping item", "error", err, "user_id", userID, "item_id", itemID)
		Error(w, http.StatusInternalServerError, "failed to update item")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{"id": itemID, "completed": req.Completed})
}

// DeleteItem removes one entry.
func (h *ListHandler) DeleteItem(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	itemID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		Error(w, http.StatusBadRequest, "invalid item id")
		return
	}

	if err := h.repo.DeleteListItem(r.Context(), userID, itemID); err != nil {
		if strings.Contains(err.Error(), "not found") {
			Error(w, http.StatusNotFound, "item not found")
			return
		}
		slog.Error("failed to delete shopping item", "error", err, "user_id", userID, "item_id", itemID)
		Error(w, http.StatusInternalServerError, "failed to delete item")
		return
	}

	JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// GetHistory returns the user's purchase history.
func (h *ListHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	purchases, err := h.repo.ListPurchases(r.Context(), userID)
	if err != nil {
		slog.Error("failed to list purchases", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to load purchase history")
		return
	}
	if purchases == nil {
		purchases = []*domain.Purchase{}
	}

	JSON(w, http.StatusOK, map[string]interface{}{"purchases": purchases})
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	repo store.Repository
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(repo store.Repository) *HealthHandler {
	return &HealthHandler{repo: repo}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := map[string]interface{}{
		"status": "healthy",
		"checks": map[string]string{"api": "ok"},
	}
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("health check failed", "error", err)
		status["status"] = "degraded"
		status["checks"].(map[string]string)["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		status["checks"].(map[string]string)["database"] = "ok"
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
