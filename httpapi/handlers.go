// Package httpapi exposes the gateway over HTTP.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/cloudx-io/timedauction/api"
	"github.com/cloudx-io/timedauction/core"
	"github.com/cloudx-io/timedauction/gateway"
)

const maxBodyBytes = 1 << 20

// Handler contains HTTP request handlers
type Handler struct {
	gateway *gateway.Gateway
	log     zerolog.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(gw *gateway.Gateway, log zerolog.Logger) *Handler {
	return &Handler{gateway: gw, log: log}
}

// SetupRoutes configures all HTTP routes
func (h *Handler) SetupRoutes() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet)

	v1 := router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/auctions", h.OpenAuction).Methods(http.MethodPost)
	v1.HandleFunc("/auctions/{name}", h.GetAuction).Methods(http.MethodGet)
	v1.HandleFunc("/auctions/{name}/bids", h.PlaceBid).Methods(http.MethodPost)
	v1.HandleFunc("/auctions/{name}/close", h.CloseAuction).Methods(http.MethodPost)
	v1.HandleFunc("/accounts/{identity}", h.GetAccount).Methods(http.MethodGet)

	router.Use(h.loggingMiddleware)

	return router
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "auctiond",
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// OpenAuction creates an auction from a signed open payload.
func (h *Handler) OpenAuction(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSigned(w, r)
	if !ok {
		return
	}
	resp := h.gateway.Open(r.Context(), req.Envelope)
	respond(w, http.StatusCreated, resp)
}

// GetAuction returns the live auction named in the path.
func (h *Handler) GetAuction(w http.ResponseWriter, r *http.Request) {
	resp := h.gateway.Auction(r.Context(), mux.Vars(r)["name"])
	respond(w, http.StatusOK, resp)
}

// PlaceBid places a signed bid on the auction named in the path.
func (h *Handler) PlaceBid(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSigned(w, r)
	if !ok {
		return
	}
	resp := h.gateway.Bid(r.Context(), mux.Vars(r)["name"], req.Envelope)
	respond(w, http.StatusOK, resp)
}

// CloseAuction closes and settles the auction named in the path.
func (h *Handler) CloseAuction(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSigned(w, r)
	if !ok {
		return
	}
	resp := h.gateway.Close(r.Context(), mux.Vars(r)["name"], req.Envelope)
	respond(w, http.StatusOK, resp)
}

// GetAccount returns the balance and recent transfers of an identity.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, api.ErrorResponse(api.CodeBadRequest, "limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	resp := h.gateway.Account(r.Context(), mux.Vars(r)["identity"], limit)
	respond(w, http.StatusOK, resp)
}

func decodeSigned(w http.ResponseWriter, r *http.Request) (api.SignedRequest, bool) {
	var req api.SignedRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, api.ErrorResponse(api.CodeBadRequest, "Invalid request body"))
		return req, false
	}
	return req, true
}

// respond writes resp with okStatus on success or the status mapped from its code.
func respond(w http.ResponseWriter, okStatus int, resp api.Response) {
	if resp.Success {
		respondJSON(w, okStatus, resp)
		return
	}
	respondError(w, StatusFor(api.Code(resp.Code)), resp)
}

// StatusFor maps a wire error code to an HTTP status.
func StatusFor(code api.Code) int {
	switch code {
	case api.CodeBadRequest, api.Code(core.CodeMaxStrLenExceeded):
		return http.StatusBadRequest
	case api.CodeUnauthenticated:
		return http.StatusUnauthorized
	case api.Code(core.CodeNotCreator), api.Code(core.CodeNotWinner), api.Code(core.CodeSignerRequired):
		return http.StatusForbidden
	case api.CodeAuctionNotFound:
		return http.StatusNotFound
	case api.CodeAuctionExists, api.Code(core.CodeHasClosed), api.Code(core.CodeStaleRequest), api.CodeRequestReplayed:
		return http.StatusConflict
	case api.Code(core.CodeInsufficientBid), api.Code(core.CodeHasNotClosed), api.CodeInsufficientFunds:
		return http.StatusUnprocessableEntity
	case api.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// respondError sends an error response
func respondError(w http.ResponseWriter, statusCode int, resp api.Response) {
	respondJSON(w, statusCode, resp)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// loggingMiddleware logs all HTTP requests
func (h *Handler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		h.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}
