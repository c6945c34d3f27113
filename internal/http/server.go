package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/candidates"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/routing"
)

// Server wires the dispatch engine behind a mux router. Backing services
// degrade gracefully: no Redis means in-memory presence, no Postgres means
// in-memory rides, no broker means events are dropped.
type Server struct {
	Controller *dispatch.Controller
	Presence   presence.Store
	Kafka      *ingest.KafkaProducer
	WSReg      *dispatch.WSRegistry

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(cfg config.ServerConfig, logger *slog.Logger) (*Server, error) {
	var pres presence.Store
	if cfg.RedisAddr != "" {
		pres = presence.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	} else {
		pres = presence.NewMemory()
	}

	var store rides.Store
	if cfg.PGDSN != "" {
		ps, err := rides.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		store = ps
	} else {
		store = rides.NewMemoryStore()
	}

	var provider routing.Provider
	switch {
	case cfg.GoogleAPIKey != "":
		gp, err := routing.NewGoogleProvider(cfg.GoogleAPIKey)
		if err != nil {
			return nil, err
		}
		provider = gp
	case cfg.OSRMEndpoint != "":
		provider = routing.NewOSRMProvider(cfg.OSRMEndpoint)
	}

	var events dispatch.EventSink
	if cfg.AMQPURL != "" {
		ev, err := dispatch.NewAMQPEvents(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return nil, err
		}
		events = ev
	}

	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	sel := candidates.NewSelector(pres, cfg.PresenceMaxAge)
	est := fare.NewEstimator(provider, routing.NewCache(cfg.RouteCacheTTL), logger)
	wsreg := dispatch.NewWSRegistry(logger)

	ctrl := dispatch.NewController(store, sel, est, wsreg, events, logger)
	ctrl.RiderRadiusKm = cfg.RiderRadiusKm
	ctrl.DriverRadiusKm = cfg.DriverRadiusKm
	if cfg.StripeAPIKey != "" {
		ctrl.Payments = payments.NewStripeGateway(cfg.StripeAPIKey)
	}

	s := &Server{
		Controller: ctrl,
		Presence:   pres,
		Kafka:      kp,
		WSReg:      wsreg,
		logger:     logger,
		mux:        mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/rides/quote", s.handleQuote).Methods("POST")
	api.HandleFunc("/rides/request", s.handleRequest).Methods("POST")
	api.HandleFunc("/rides/pending", s.handlePendingRides).Methods("GET")
	api.HandleFunc("/rides/{ride_id}", s.handleGetRide).Methods("GET")
	api.HandleFunc("/rides/{ride_id}/accept", s.handleAccept).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/start", s.handleStart).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/complete", s.handleComplete).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/cancel", s.handleCancel).Methods("POST")
	api.HandleFunc("/drivers/nearby", s.handleNearby).Methods("GET")
	api.HandleFunc("/drivers/{driver_id}/online", s.handleSetOnline).Methods("POST")

	s.mux.HandleFunc("/internal/driver/locations", s.handleLocationPush).Methods("POST")
	s.mux.HandleFunc("/internal/drivers/{driver_id}/verified", s.handleSetVerified).Methods("POST")
	s.mux.HandleFunc("/ws/{driver_id}", s.handleWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

var upgrader = websocket.Upgrader{}
