package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/emotescope/emotescope/internal/browser"
	"github.com/emotescope/emotescope/internal/emotes"
	"github.com/emotescope/emotescope/internal/pool"
	"github.com/emotescope/emotescope/pkg/models"
)

var errUnexpectedResult = errors.New("task returned unexpected result type")

// classify maps internal error kinds to a status code and a stable kind
// string, so clients can tell "try again later" (busy, timeouts) apart
// from "your task failed".
func classify(err error) (int, string) {
	var taskErr *browser.TaskError

	switch {
	case errors.Is(err, pool.ErrPoolExhausted):
		return http.StatusServiceUnavailable, "pool_exhausted"
	case errors.Is(err, pool.ErrPoolClosed):
		return http.StatusServiceUnavailable, "shutting_down"
	case errors.Is(err, pool.ErrAcquireTimeout):
		return http.StatusGatewayTimeout, "acquire_timeout"
	case errors.Is(err, browser.ErrProcessCrashed):
		return http.StatusBadGateway, "process_crashed"
	case errors.Is(err, browser.ErrTaskTimeout):
		return http.StatusGatewayTimeout, "task_timeout"
	case errors.Is(err, browser.ErrLaunch):
		return http.StatusBadGateway, "launch_failed"
	case errors.Is(err, emotes.ErrNoTiles):
		return http.StatusBadGateway, "empty_upstream"
	case errors.As(err, &taskErr):
		return http.StatusInternalServerError, "task_failed"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status, kind := classify(err)
	writeJSON(w, status, models.ErrorResponse{Error: err.Error(), Kind: kind})
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: msg, Kind: "bad_request"})
}
