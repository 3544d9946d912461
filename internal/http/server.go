package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/hub"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/matching"
	"github.com/example/ride-dispatch/internal/safety"
)

// TokenVerifier is the identity collaborator: it turns a bearer credential
// into a verified subject. Validation itself happens outside the core.
type TokenVerifier interface {
	Verify(token string) (subject string, err error)
}

// InsecureVerifier accepts any non-empty token and uses it as the subject.
// Local-run default; production wires a real verifier.
type InsecureVerifier struct{}

func (InsecureVerifier) Verify(token string) (string, error) {
	if token == "" {
		return "", errMissingToken
	}
	return token, nil
}

// Deps carries the assembled core components into the HTTP layer.
type Deps struct {
	Lifecycle *lifecycle.Machine
	Matching  *matching.Engine
	Safety    *safety.Service
	Hub       *hub.Hub
	Geo       geo.Geo
	Kafka     *ingest.KafkaProducer // optional
	Verifier  TokenVerifier
	Logger    *slog.Logger
}

type Server struct {
	deps   Deps
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(d Deps) *Server {
	if d.Verifier == nil {
		d.Verifier = InsecureVerifier{}
	}
	s := &Server{deps: d, logger: d.Logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/rides", s.authenticated(s.handleCreateRide)).Methods("POST")
	s.mux.HandleFunc("/rides/{id}", s.authenticated(s.handleGetRide)).Methods("GET")
	s.mux.HandleFunc("/rides/{id}/cancel", s.authenticated(s.handleCancelRide)).Methods("PATCH")

	s.mux.HandleFunc("/safety-events", s.authenticated(s.handleSubmitSafety)).Methods("POST")
	s.mux.HandleFunc("/safety-events/{id}", s.authenticated(s.handleGetSafety)).Methods("GET")
	s.mux.HandleFunc("/safety-events/{id}/escalate", s.authenticated(s.handleEscalateSafety)).Methods("POST")
	s.mux.HandleFunc("/safety-events/{id}/assign", s.authenticated(s.handleAssignSafety)).Methods("POST")
	s.mux.HandleFunc("/safety-events/{id}/resolve", s.authenticated(s.handleResolveSafety)).Methods("POST")
	s.mux.HandleFunc("/safety-events/{id}/false-alarm", s.authenticated(s.handleFalseAlarmSafety)).Methods("POST")

	s.mux.HandleFunc("/offers/{id}/response", s.authenticated(s.handleOfferResponse)).Methods("POST")

	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/ws", s.handleWS)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }
