package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/chkmate/server/internal/domain"
	"github.com/chkmate/server/internal/match"
	"github.com/chkmate/server/internal/websocket"
)

// Handler provides HTTP handlers for the match API
type Handler struct {
	service *match.Service
	hub     *websocket.Hub
	logger  *slog.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(service *match.Service, hub *websocket.Hub, logger *slog.Logger) *Handler {
	return &Handler{
		service: service,
		hub:     hub,
		logger:  logger,
	}
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(corsMiddleware)

	// Health check
	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)

	// WebSocket endpoint
	r.Get("/ws", h.HandleWebSocket)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/matches", func(r chi.Router) {
			r.Post("/", h.CreateMatch)
			r.Post("/join", h.JoinMatch)
			r.Get("/open", h.GetOpenMatch)
			r.Get("/code/{shortCode}", h.GetMatchByCode)

			r.Route("/{matchID}", func(r chi.Router) {
				r.Get("/", h.GetMatch)
				r.Get("/status", h.GetStatus)
				r.Get("/escrow", h.GetEscrowBalance)
				r.Post("/moves", h.ApplyMove)
				r.Post("/forfeit", h.Resign)
				r.Post("/clock-expiry", h.ClockExpiry)
			})
		})

		// Escrow info
		r.Get("/escrow/minimum", h.GetMinimumStake)

		// WebSocket info endpoint
		r.Get("/ws/stats", h.GetWebSocketStats)
	})

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeSuccess writes a successful JSON response
func (h *Handler) writeSuccess(w http.ResponseWriter, data interface{}) {
	h.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
	})
}

// writeError writes an error JSON response
func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, APIResponse{
		Success: false,
		Error:   err.Error(),
	})
}

// writeServiceError maps lifecycle errors onto status codes
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case domain.IsValidationError(err):
		h.writeError(w, http.StatusBadRequest, err)
	case domain.IsNotFoundError(err):
		h.writeError(w, http.StatusNotFound, err)
	case domain.IsConflictError(err):
		h.writeError(w, http.StatusConflict, err)
	case domain.IsSettlementError(err):
		h.writeError(w, http.StatusPaymentRequired, err)
	case errors.Is(err, domain.ErrStoreUnavailable):
		h.writeError(w, http.StatusServiceUnavailable, err)
	default:
		h.logger.Error("request failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
	}
}

// HandleWebSocket handles WebSocket upgrade requests
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	websocket.ServeWs(h.hub, h.logger, w, r)
}

// GetWebSocketStats returns WebSocket connection statistics
func (h *Handler) GetWebSocketStats(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]interface{}{
		"total_connections": h.hub.GetTotalConnections(),
	})
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "healthy"})
}

// ReadyCheck returns service readiness status
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "ready"})
}

// CreateMatch opens a match and locks the creator's stake
func (h *Handler) CreateMatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CreatorAddress string             `json:"creator_address"`
		StakeWei       int64              `json:"stake_wei"`
		Theme          *domain.BoardTheme `json:"theme,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}
	if req.CreatorAddress == "" || req.StakeWei <= 0 {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	m, err := h.service.CreateMatch(r.Context(), req.CreatorAddress, req.StakeWei, req.Theme)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, APIResponse{
		Success: true,
		Data:    m,
	})
}

// JoinMatch seats an opponent by join code
func (h *Handler) JoinMatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ShortCode string `json:"short_code"`
		Address   string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}
	if req.ShortCode == "" || req.Address == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	m, err := h.service.JoinMatch(r.Context(), req.ShortCode, req.Address)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeSuccess(w, m)
}

// GetOpenMatch returns the unfinished match an address participates in
func (h *Handler) GetOpenMatch(w http.ResponseWriter, r *http.Request) {
	address := r.URL.Query().Get("address")
	if address == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	m, err := h.service.OpenMatchFor(r.Context(), address)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeSuccess(w, m)
}

// GetMatchByCode resolves a join code
func (h *Handler) GetMatchByCode(w http.ResponseWriter, r *http.Request) {
	shortCode := chi.URLParam(r, "shortCode")
	if shortCode == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	m, err := h.service.MatchByShortCode(r.Context(), shortCode)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeSuccess(w, m)
}

// GetMatch returns a match by ID
func (h *Handler) GetMatch(w http.ResponseWriter, r *http.Request) {
	matchID := chi.URLParam(r, "matchID")
	if matchID == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	m, err := h.service.MatchByID(r.Context(), matchID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeSuccess(w, m)
}

// GetStatus returns the board evaluation and banner text for a match
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	matchID := chi.URLParam(r, "matchID")
	if matchID == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	status, err := h.service.StatusOf(r.Context(), matchID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeSuccess(w, status)
}

// GetEscrowBalance returns the wei still held for a match
func (h *Handler) GetEscrowBalance(w http.ResponseWriter, r *http.Request) {
	matchID := chi.URLParam(r, "matchID")
	if matchID == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	balance, err := h.service.EscrowBalance(r.Context(), matchID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeSuccess(w, map[string]int64{"balance_wei": balance})
}

// GetMinimumStake returns the contract's minimum wager
func (h *Handler) GetMinimumStake(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]int64{"minimum_stake_wei": h.service.MinimumStake()})
}

// ApplyMove applies one move for the participant on turn. An illegal
// move returns 400 so the client can snap the piece back and retry.
func (h *Handler) ApplyMove(w http.ResponseWriter, r *http.Request) {
	matchID := chi.URLParam(r, "matchID")
	var req struct {
		Address string `json:"address"`
		Move    string `json:"move"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}
	if matchID == "" || req.Address == "" || req.Move == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	m, err := h.service.ApplyMove(r.Context(), matchID, req.Address, req.Move)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeSuccess(w, m)
}

// Resign ends the match in the opponent's favor
func (h *Handler) Resign(w http.ResponseWriter, r *http.Request) {
	matchID := chi.URLParam(r, "matchID")
	var req struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}
	if matchID == "" || req.Address == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	m, err := h.service.Resign(r.Context(), matchID, req.Address)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeSuccess(w, m)
}

// ClockExpiry reports a blown turn clock for a participant
func (h *Handler) ClockExpiry(w http.ResponseWriter, r *http.Request) {
	matchID := chi.URLParam(r, "matchID")
	var req struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}
	if matchID == "" || req.Address == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	m, err := h.service.ClockExpiry(r.Context(), matchID, req.Address)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeSuccess(w, m)
}
