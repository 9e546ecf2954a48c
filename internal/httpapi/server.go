// Package httpapi exposes the service over HTTP.
//
// Device endpoints:
//
//	POST /piano       store a fragment
//	POST /heartbeat   record liveness
//
// Reader endpoints:
//
//	GET  /api/midi?instrument_id=&session_id=[&format=json]
//	GET  /api/instruments
//	GET  /api/instrument?instrument_id=
//	GET  /api/whatsup
//	POST /api/merge?instrument_id=&session_id=
//	GET  /metrics
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/roach88/octavio/internal/ingest"
	"github.com/roach88/octavio/internal/registry"
	"github.com/roach88/octavio/internal/session"
)

// MaxBodyBytes caps request bodies. A 30 second fragment is a few
// kilobytes of events.
const MaxBodyBytes = 8 << 20

// Index lists what the registry knows.
type Index interface {
	Instruments(ctx context.Context) ([]registry.Instrument, error)
	Sessions(ctx context.Context, instrumentID string) ([]registry.Session, error)
}

// Server routes requests to the ingest service and the index.
type Server struct {
	svc      *ingest.Service
	index    Index
	gatherer prometheus.Gatherer
	mux      *http.ServeMux
}

// New creates a Server. index may be nil, in which case the listing
// endpoints answer 503. gatherer may be nil to omit /metrics.
func New(svc *ingest.Service, index Index, gatherer prometheus.Gatherer) *Server {
	s := &Server{svc: svc, index: index, gatherer: gatherer, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /{$}", s.handleRoot)
	s.mux.HandleFunc("POST /piano", s.handlePiano)
	s.mux.HandleFunc("POST /heartbeat", s.handleHeartbeat)
	s.mux.HandleFunc("GET /api/midi", s.handleMIDI)
	s.mux.HandleFunc("GET /api/instruments", s.handleInstruments)
	s.mux.HandleFunc("GET /api/instrument", s.handleInstrument)
	s.mux.HandleFunc("GET /api/whatsup", s.handleWhatsUp)
	s.mux.HandleFunc("POST /api/merge", s.handleMerge)
	if s.gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
}

// Handler returns the routed handler wrapped with CORS and request
// logging.
func (s *Server) Handler() http.Handler {
	handleCORS := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler
	return addLogging(handleCORS(s.mux))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func addLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", "error", err)
	}
}

// writeError maps service errors to status codes.
func writeError(w http.ResponseWriter, err error) {
	var ve *ingest.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: ve.Message, Field: ve.Field})
	case errors.Is(err, session.ErrInvalidID):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
	case errors.Is(err, session.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusGatewayTimeout, errorBody{Error: err.Error()})
	default:
		slog.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &ingest.ValidationError{Field: "body", Message: fmt.Sprintf("malformed JSON: %v", err)}
	}
	return nil
}

func sessionFromQuery(r *http.Request) session.ID {
	q := r.URL.Query()
	return session.ID{InstrumentID: q.Get("instrument_id"), SessionID: q.Get("session_id")}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "octavio")
}
