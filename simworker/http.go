package simworker

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/uxsim/simworker/internal/store"
)

const maxJobBody = 1 << 20

// Handler returns the ops and ingress router:
//
//	GET  /healthz
//	GET  /v1/queues
//	POST /v1/jobs/{kind}
//	GET  /v1/runs/{runID}
//	GET  /v1/runs/{runID}/report
//	GET  /v1/runs/{runID}/findings?limit=n
//	GET  /v1/episodes/{episodeID}
//	     /mcp (streamable HTTP)
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "ok",
			"worker":    s.cfg.WorkerName,
			"in_flight": s.inFlight(),
		})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/queues", func(w http.ResponseWriter, r *http.Request) {
			stats, err := s.QueueStats(r.Context())
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, stats)
		})

		r.Post("/jobs/{kind}", func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxJobBody))
			if err != nil {
				writeError(w, err)
				return
			}
			id, err := s.Enqueue(r.Context(), chi.URLParam(r, "kind"), body)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
		})

		r.Get("/runs/{runID}", func(w http.ResponseWriter, r *http.Request) {
			v, err := s.RunStatus(r.Context(), chi.URLParam(r, "runID"))
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, v)
		})

		r.Get("/runs/{runID}/report", func(w http.ResponseWriter, r *http.Request) {
			rep, err := s.Report(r.Context(), chi.URLParam(r, "runID"))
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, rep)
		})

		r.Get("/runs/{runID}/findings", func(w http.ResponseWriter, r *http.Request) {
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			fs, err := s.Findings(r.Context(), chi.URLParam(r, "runID"), limit)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, fs)
		})

		r.Get("/episodes/{episodeID}", func(w http.ResponseWriter, r *http.Request) {
			v, err := s.EpisodeTrace(r.Context(), chi.URLParam(r, "episodeID"))
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, v)
		})
	})

	r.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s.mcp }, nil))
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrUnknownKind):
		status = http.StatusNotFound
	case errors.Is(err, ErrBadPayload):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
