package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/scansync/internal/model"
	"github.com/cybertec-postgresql/scansync/internal/protocol"
)

// API serves the HTTP ingestion surface and the websocket endpoint
type API struct {
	ingestor *Ingestor
	registry *Registry
	hub      *Hub
}

// NewAPI creates the API
func NewAPI(ingestor *Ingestor, registry *Registry, hub *Hub) *API {
	return &API{ingestor: ingestor, registry: registry, hub: hub}
}

// Handler returns the routed handler
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sync", a.handleSync)
	mux.HandleFunc("POST /sync/bulk", a.handleBulk)
	mux.HandleFunc("POST /sync/resolve-conflicts", a.handleResolve)
	mux.HandleFunc("GET /sync/status", a.handleStatus)
	mux.HandleFunc("GET /health", a.handleHealth)
	mux.HandleFunc("GET /ws", a.hub.ServeWS)
	return logRequests(mux)
}

func (a *API) handleSync(w http.ResponseWriter, r *http.Request) {
	var op protocol.Operation
	if err := json.NewDecoder(r.Body).Decode(&op); err != nil {
		writeJSON(w, http.StatusBadRequest, protocol.Result{Rejected: true, Error: "malformed request: " + err.Error()})
		return
	}
	res := a.ingestor.ApplyOperation(r.Context(), op)
	switch {
	case res.Rejected:
		writeJSON(w, http.StatusUnprocessableEntity, res)
	case !res.Success:
		writeJSON(w, http.StatusServiceUnavailable, res)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func (a *API) handleBulk(w http.ResponseWriter, r *http.Request) {
	var req protocol.BulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request: " + err.Error()})
		return
	}
	for n := range req.Items {
		if req.Items[n].TerminalID == "" {
			req.Items[n].TerminalID = req.DeviceName
		}
	}
	writeJSON(w, http.StatusOK, protocol.BulkResponse{Results: a.ingestor.ApplyBulk(r.Context(), req.Items)})
}

func (a *API) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req protocol.ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request: " + err.Error()})
		return
	}
	resolved, err := a.ingestor.ResolveConflicts(r.Context(), req)
	switch {
	case model.IsRejected(err):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	case err != nil:
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusOK, protocol.ResolveResponse{Resolved: resolved})
	}
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	repo := a.ingestor.Repository()
	students, err := repo.ListStudents(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	total, err := repo.CountRecords(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, protocol.StatusResponse{
		Online:        a.registry.NetworkOnline(),
		Devices:       a.registry.Snapshot(),
		TotalStudents: len(students),
		TotalRecords:  total,
		ServerTime:    time.Now(),
	})
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "clients": a.hub.Clients()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Debug("Failed to write response")
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Unwrap lets the websocket upgrader reach the underlying http.Hijacker
func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logrus.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start),
		}).Debug("HTTP request")
	})
}

// Serve runs the HTTP server until ctx is done
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logrus.WithField("addr", addr).Info("Coordinator listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}
