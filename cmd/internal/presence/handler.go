package presence

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Purna998/studverse-chatapplication/cmd/internal/auth"
)

// Store answers presence queries. *PostgresStore implements it; tests use
// an in-memory stub.
type Store interface {
	IsOnline(ctx context.Context, username string, now time.Time) (bool, error)
	NearbyUsers(ctx context.Context, username string, lat, lng, radiusKM float64, now time.Time) ([]NearbyUser, error)
}

// Handler exposes presence queries over HTTP.
type Handler struct {
	log    *slog.Logger
	store  Store
	tokens auth.TokenValidator
}

// NewHandler constructs the presence HTTP handler.
func NewHandler(log *slog.Logger, store Store, tokens auth.TokenValidator) (*Handler, error) {
	if log == nil {
		log = slog.Default()
	}
	if store == nil {
		return nil, errors.New("presence: nil store")
	}
	if tokens == nil {
		return nil, errors.New("presence: nil token validator")
	}
	return &Handler{log: log, store: store, tokens: tokens}, nil
}

// Register wires presence routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/users/nearby", h.handleNearby)
	mux.HandleFunc("GET /api/users/{username}/online", h.handleOnline)
}

func (h *Handler) identify(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	token, err := auth.BearerFromHeader(r.Header.Get("Authorization"))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or malformed bearer token")
		return auth.Identity{}, false
	}
	identity, err := h.tokens.Validate(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid credential")
		return auth.Identity{}, false
	}
	return identity, true
}

type nearbyUserResponse struct {
	Username   string  `json:"username"`
	DistanceKM float64 `json:"distance_km"`
	Online     bool    `json:"online"`
}

func (h *Handler) handleNearby(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identify(w, r)
	if !ok {
		return
	}

	lat, errLat := strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
	lng, errLng := strconv.ParseFloat(r.URL.Query().Get("lng"), 64)
	if errLat != nil || errLng != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "lat and lng are required")
		return
	}

	radius := DefaultNearbyRadiusKM
	if s := r.URL.Query().Get("radius_km"); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil || v <= 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "radius_km must be a positive number")
			return
		}
		radius = v
	}

	users, err := h.store.NearbyUsers(r.Context(), identity.Username, lat, lng, radius, time.Now().UTC())
	if err != nil {
		h.log.Error("presence.nearby.fail", "username", identity.Username, "err", err)
		writeError(w, http.StatusInternalServerError, "store_failed", "nearby lookup failed")
		return
	}

	out := make([]nearbyUserResponse, 0, len(users))
	for _, u := range users {
		out = append(out, nearbyUserResponse(u))
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": out})
}

func (h *Handler) handleOnline(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.identify(w, r); !ok {
		return
	}

	username := r.PathValue("username")
	if username == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "username is required")
		return
	}

	online, err := h.store.IsOnline(r.Context(), username, time.Now().UTC())
	if err != nil {
		h.log.Error("presence.online.fail", "username", username, "err", err)
		writeError(w, http.StatusInternalServerError, "store_failed", "online lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"username": username, "online": online})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]any{"error": map[string]string{"code": code, "message": msg}})
}
