// Package httpapi serves a twinstore over HTTP: entity CRUD, bulk writes,
// field lookups, a websocket live feed and Prometheus metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/denismitr/twinstore"
)

const (
	maxBodyBytes    = 4 << 20
	shutdownTimeout = 5 * time.Second
	writeWait       = 10 * time.Second
)

type Options struct {
	// Gatherer backs /metrics. The route is absent when nil.
	Gatherer prometheus.Gatherer
	Logger   zerolog.Logger
	// CheckOrigin overrides the websocket origin check.
	CheckOrigin func(r *http.Request) bool
}

type Server struct {
	store    *twinstore.Store
	lg       zerolog.Logger
	upgrader websocket.Upgrader
	router   *mux.Router
}

func New(store *twinstore.Store, opts Options) *Server {
	s := &Server{
		store: store,
		lg:    opts.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     opts.CheckOrigin,
		},
	}

	router := mux.NewRouter()
	router.Use(s.requestID)

	router.HandleFunc("/health", s.handleHealth).Methods("GET")
	if opts.Gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{
			ErrorHandling: promhttp.ContinueOnError,
		})).Methods("GET")
	}

	v1 := router.PathPrefix("/v1").Subrouter()

	// live routes come first so that "live" is never taken for a kind
	v1.HandleFunc("/live/{kind}", s.handleLive).Methods("GET")
	v1.HandleFunc("/live/{kind}/{key:.+}", s.handleLive).Methods("GET")

	v1.HandleFunc("/user/{key}/touch", s.handleTouch).Methods("POST")
	v1.HandleFunc("/test-result/{uid}/attempts", s.handleAttempt).Methods("POST")

	v1.HandleFunc("/{kind}", s.handleFind).Methods("GET")
	v1.HandleFunc("/{kind}", s.handleBulk).Methods("POST")

	v1.HandleFunc("/{kind}/{key:.+}", s.handleGet).Methods("GET")
	v1.HandleFunc("/{kind}/{key:.+}", s.handlePut).Methods("PUT")
	v1.HandleFunc("/{kind}/{key:.+}", s.handlePatch).Methods("PATCH")
	v1.HandleFunc("/{kind}/{key:.+}", s.handleDelete).Methods("DELETE")

	s.router = router
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled, then drains active requests.
func (s *Server) Run(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	s.lg.Info().Str("addr", addr).Msg("http api listening")

	select {
	case <-ctx.Done():
		s.lg.Info().Msg("shutting down http api")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-serverErr:
		return errors.Wrapf(err, "could not serve on %s", addr)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	response, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_, _ = w.Write(response)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondStoreError maps the store's error taxonomy onto status codes.
func respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, twinstore.ErrInvalidEntity), errors.Is(err, twinstore.ErrInvalidPath):
		respondError(w, http.StatusBadRequest, err.Error())
	case twinstore.IsNotFound(err):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, twinstore.ErrUnsupported):
		respondError(w, http.StatusNotImplemented, err.Error())
	case errors.Is(err, twinstore.ErrBackendUnavailable), errors.Is(err, twinstore.ErrClosed):
		respondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dest); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request payload: "+err.Error())
		return false
	}
	return true
}
