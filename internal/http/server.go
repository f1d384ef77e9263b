package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ignatij/gobuild/internal/log"
	"github.com/ignatij/gobuild/internal/service"
	"github.com/ignatij/gobuild/pkg/storage"
	"github.com/pkg/errors"
)

// StateFunc reports the current controller state for /health.
type StateFunc func() string

// NewHandler wires the status routes.
func NewHandler(svc *service.HistoryService, state StateFunc) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", HealthHandler(state))
	mux.HandleFunc("/runs", RunsHandler(svc))
	mux.HandleFunc("/runs/", RunByIDHandler(svc))
	return mux
}

// StartServer serves the status API on addr until ctx is done.
func StartServer(ctx context.Context, addr string, store storage.Store, state StateFunc) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewHandler(service.NewHistoryService(store), state),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.GetLogger().Infof("Starting status server on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "status server")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "shutting down status server")
		}
		log.GetLogger().Debugf("Status server on %s stopped", addr)
		return nil
	}
}

func HealthHandler(state StateFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		body := map[string]string{"status": "ok"}
		if state != nil {
			body["state"] = state()
		}
		writeJSON(w, http.StatusOK, body)
	}
}

func RunsHandler(svc *service.HistoryService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				writeError(w, "Invalid 'limit' parameter", http.StatusBadRequest)
				return
			}
			limit = n
		}
		runs, err := svc.ListRuns(limit)
		if err != nil {
			writeError(w, "Failed to list runs", http.StatusInternalServerError)
			return
		}
		for i := range runs {
			runs[i].Results = nil
		}
		writeJSON(w, http.StatusOK, runs)
	}
}

func RunByIDHandler(svc *service.HistoryService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/runs/")
		if id == "" || strings.Contains(id, "/") {
			writeError(w, "Missing run id", http.StatusBadRequest)
			return
		}
		run, err := svc.GetRun(id)
		switch {
		case errors.Is(err, service.ErrInvalidRunID):
			writeError(w, "Invalid run id", http.StatusBadRequest)
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, "Run not found", http.StatusNotFound)
		case err != nil:
			writeError(w, "Failed to get run", http.StatusInternalServerError)
		default:
			writeJSON(w, http.StatusOK, run)
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, map[string]string{"error": msg})
}
