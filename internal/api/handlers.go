// Package api is the HTTP-facing dispatcher: it decodes task requests,
// runs them through the executor against the browser pool, and maps
// internal error kinds to distinct response outcomes. Everything here is
// deliberately thin; the policy lives in the pool and the executor.
package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/emotescope/emotescope/internal/emotes"
	"github.com/emotescope/emotescope/internal/executor"
	"github.com/emotescope/emotescope/internal/pool"
	"github.com/emotescope/emotescope/pkg/models"
)

const (
	defaultListLimit = 300
	maxListLimit     = 2000
)

// Handler holds dependencies for the HTTP handlers.
type Handler struct {
	catalog *emotes.Catalog
	exec    *executor.Executor
	pool    *pool.Pool
	log     *logrus.Entry

	staticDir string
}

// NewHandler creates the HTTP handler set.
func NewHandler(catalog *emotes.Catalog, exec *executor.Executor, p *pool.Pool, staticDir string, log *logrus.Logger) *Handler {
	return &Handler{
		catalog:   catalog,
		exec:      exec,
		pool:      p,
		log:       log.WithField("component", "api"),
		staticDir: staticDir,
	}
}

// Home handles GET /.
func (h *Handler) Home(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "emotescope",
		"emotes":  "/api/emotes",
		"pool":    "/v1/pool",
	})
}

// Healthz handles GET /healthz.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"pool":   h.pool.Stats(),
	})
}

// PoolStats handles GET /v1/pool.
func (h *Handler) PoolStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.pool.Stats())
}

// RenderPage handles POST /v1/render: render an arbitrary page with a
// pooled browser and return the final DOM HTML.
func (h *Handler) RenderPage(w http.ResponseWriter, r *http.Request) {
	var req models.RenderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}

	target, err := url.Parse(req.URL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		writeBadRequest(w, "url must be absolute http(s)")
		return
	}

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	result, err := h.exec.Do(r.Context(), emotes.NewRenderTask(req.URL, req.WaitForText), timeout)
	if err != nil {
		writeError(w, err)
		return
	}
	html, ok := result.(string)
	if !ok {
		writeError(w, errUnexpectedResult)
		return
	}

	writeJSON(w, http.StatusOK, models.RenderResponse{URL: req.URL, HTML: html})
}

// ListEmotes handles GET /api/emotes?q=&limit=.
func (h *Handler) ListEmotes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxListLimit {
			writeBadRequest(w, "limit must be an integer between 1 and 2000")
			return
		}
		limit = n
	}

	tiles, updatedAt, err := h.catalog.Search(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}

	items := tiles
	if len(items) > limit {
		items = items[:limit]
	}
	writeJSON(w, http.StatusOK, models.EmoteListResponse{
		Count:     len(tiles),
		UpdatedAt: updatedAt,
		Items:     items,
	})
}

// RefreshEmotes handles POST /api/refresh.
func (h *Handler) RefreshEmotes(w http.ResponseWriter, r *http.Request) {
	count, updatedAt, err := h.catalog.Refresh(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.RefreshResponse{OK: true, Count: count, UpdatedAt: updatedAt})
}

// EmoteDetail handles GET /api/emotes/{name}. A page that reports the
// emote as missing still returns 200 with notFound set, matching the
// catalog's view that the render itself succeeded.
func (h *Handler) EmoteDetail(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if name == "" {
		writeBadRequest(w, "emote name is required")
		return
	}

	details, err := h.catalog.Detail(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}
