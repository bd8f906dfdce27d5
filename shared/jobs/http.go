package jobs

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"content-pipeline/shared/httpx"
)

const maxInputBytes = 1 << 20

// Mount registers the job surface every adopting service exposes:
//
//	POST /api/v1/jobs            create, returns the pending job
//	GET  /api/v1/jobs            list recent jobs
//	GET  /api/v1/jobs/{id}       read one job
//	POST /api/v1/jobs/{id}/retry valid only from failed
func Mount(mux *http.ServeMux, runner *Runner) {
	mux.HandleFunc("POST /api/v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxInputBytes))
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "failed to read body", nil)
			return
		}
		if len(body) == 0 || !json.Valid(body) {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "body must be a json object", nil)
			return
		}
		job, err := runner.Create(r.Context(), body, strings.TrimSpace(r.Header.Get("X-Correlation-ID")))
		if err != nil {
			if errors.Is(err, ErrQueueFull) {
				httpx.WriteError(w, r, http.StatusServiceUnavailable, "RESOURCE_EXHAUSTED", "job queue full, try again later", nil)
				return
			}
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to create job", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusAccepted, job)
	})

	mux.HandleFunc("GET /api/v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		list, err := runner.List(r.Context(), limit, offset)
		if err != nil {
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list jobs", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"jobs": list})
	})

	mux.HandleFunc("GET /api/v1/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseJobID(w, r)
		if !ok {
			return
		}
		job, err := runner.Get(r.Context(), id)
		if err != nil {
			writeJobError(w, r, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, job)
	})

	mux.HandleFunc("POST /api/v1/jobs/{id}/retry", func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseJobID(w, r)
		if !ok {
			return
		}
		job, err := runner.Retry(r.Context(), id)
		if err != nil {
			writeJobError(w, r, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, job)
	})
}

func parseJobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(strings.TrimSpace(r.PathValue("id")))
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid job id", nil)
		return uuid.Nil, false
	}
	return id, true
}

func writeJobError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "job not found", nil)
	case errors.Is(err, ErrInvalidTransition):
		httpx.WriteError(w, r, http.StatusConflict, "FAILED_PRECONDITION", "retry is only valid for failed jobs", nil)
	case errors.Is(err, ErrQueueFull):
		httpx.WriteError(w, r, http.StatusServiceUnavailable, "RESOURCE_EXHAUSTED", "job queue full, try again later", nil)
	default:
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "job operation failed", nil)
	}
}
