package api

import (
	"net/http"
	"os"

	"github.com/gorilla/mux"

	"github.com/emotescope/emotescope/internal/ratelimit"
)

// SetupRoutes configures all HTTP routes.
func (h *Handler) SetupRoutes(hub *EventHub, limiter *ratelimit.Limiter, ratePerMinute int) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/", h.Home).Methods("GET")
	r.HandleFunc("/healthz", h.Healthz).Methods("GET")

	// Catalog endpoints (rate limited: each cache miss costs a browser).
	apiRoutes := r.PathPrefix("/api").Subrouter()
	apiRoutes.Use(RateLimitMiddleware(limiter, ratePerMinute))
	apiRoutes.HandleFunc("/emotes", h.ListEmotes).Methods("GET")
	apiRoutes.HandleFunc("/emotes/{name}", h.EmoteDetail).Methods("GET")
	apiRoutes.HandleFunc("/refresh", h.RefreshEmotes).Methods("POST")

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/pool", h.PoolStats).Methods("GET")
	v1.HandleFunc("/pool/events", hub.Handle).Methods("GET")

	renderRoutes := v1.PathPrefix("").Subrouter()
	renderRoutes.Use(RateLimitMiddleware(limiter, ratePerMinute))
	renderRoutes.HandleFunc("/render", h.RenderPage).Methods("POST", "OPTIONS")

	if st, err := os.Stat(h.staticDir); err == nil && st.IsDir() {
		r.PathPrefix("/static/").Handler(
			http.StripPrefix("/static/", http.FileServer(http.Dir(h.staticDir))))
	}

	r.Use(corsMiddleware)
	r.Use(h.logMiddleware)

	return r
}
