package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alaaotay8/taxini-app-public-sub000/internal/config"
	"github.com/alaaotay8/taxini-app-public-sub000/internal/dispatch"
	"github.com/alaaotay8/taxini-app-public-sub000/internal/geo"
	"github.com/alaaotay8/taxini-app-public-sub000/internal/ingest"
	"github.com/alaaotay8/taxini-app-public-sub000/internal/matcher"
	"github.com/alaaotay8/taxini-app-public-sub000/internal/models"
	"github.com/alaaotay8/taxini-app-public-sub000/internal/observability"
	"github.com/alaaotay8/taxini-app-public-sub000/internal/offers"
	"github.com/alaaotay8/taxini-app-public-sub000/internal/payments"
	"github.com/alaaotay8/taxini-app-public-sub000/internal/presence"
	"github.com/alaaotay8/taxini-app-public-sub000/internal/pricing"
	"github.com/alaaotay8/taxini-app-public-sub000/internal/storage"
	"github.com/alaaotay8/taxini-app-public-sub000/internal/trip"
)

// Server is the thin transport-facing service around the dispatch core.
type Server struct {
	cfg      config.ServerConfig
	logger   *slog.Logger
	Machine  *trip.Machine
	Matcher  *matcher.Dispatcher
	Offers   *offers.Coordinator
	Index    geo.DriverIndex
	Presence *presence.Registry
	Drivers  *dispatch.WSRegistry
	Riders   *dispatch.WSRegistry
	Kafka    *ingest.KafkaProducer
	Payments *payments.StripeClient
	router   *mux.Router
}

// New wires the dispatch core from configuration: Redis-backed candidate
// index and Postgres trip store when configured, in-memory fallbacks
// otherwise.
func New(cfg config.ServerConfig, logger *slog.Logger) (*Server, error) {
	var index geo.DriverIndex
	if cfg.RedisAddr != "" {
		index = geo.NewRedisIndex(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	} else {
		index = geo.NewIndex()
	}

	var store storage.TripStore
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		store = ps
	} else {
		store = storage.NewMemoryStore()
	}

	machine := trip.NewMachine(store, cfg.TripRatePerKm, logger)
	rates := pricing.Rates{TripPerKm: cfg.TripRatePerKm, ApproachPerKm: cfg.ApproachRatePerKm}

	reg := presence.NewRegistry()
	drivers := dispatch.NewWSRegistry(logger)
	riders := dispatch.NewWSRegistry(logger)

	coord := offers.NewCoordinator(machine, index, drivers, riders, rates, cfg.OfferTimeout, logger)
	coord.Currency = cfg.Currency

	var stripeClient *payments.StripeClient
	if cfg.StripeAPIKey != "" {
		stripeClient = payments.NewStripeClient(cfg.StripeAPIKey)
		coord.Payments = stripeClient
	}

	disp := matcher.NewDispatcher(index, reg, machine, coord, cfg.DispatchRadiusKm, logger)
	disp.Riders = riders
	coord.SetRedispatcher(disp)
	reg.SetDisconnectHook(coord.CancelFor)

	drivers.OnConnect = func(id string) {
		reg.Connect(id)
		observability.DriversReachable.Inc()
	}
	drivers.OnDisconnect = func(id string) {
		observability.DriversReachable.Dec()
		reg.Disconnect(id)
	}

	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		Machine:  machine,
		Matcher:  disp,
		Offers:   coord,
		Index:    index,
		Presence: reg,
		Drivers:  drivers,
		Riders:   riders,
		Kafka:    kp,
		Payments: stripeClient,
		router:   mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.router.HandleFunc("/api/v1/trips", s.handleTripRequest).Methods("POST")
	s.router.HandleFunc("/api/v1/trips/{trip_id}", s.handleTripGet).Methods("GET")
	s.router.HandleFunc("/api/v1/trips/{trip_id}/cancel", s.handleTripCancel).Methods("POST")
	s.router.HandleFunc("/api/v1/trips/{trip_id}/start", s.handleTripStart).Methods("POST")
	s.router.HandleFunc("/api/v1/trips/{trip_id}/complete", s.handleTripComplete).Methods("POST")
	s.router.HandleFunc("/api/v1/offers/accept", s.handleOfferAccept).Methods("POST")
	s.router.HandleFunc("/api/v1/offers/reject", s.handleOfferReject).Methods("POST")
	s.router.HandleFunc("/api/v1/drivers/nearby", s.handleNearby).Methods("GET")
	s.router.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	s.router.HandleFunc("/ws/drivers/{driver_id}", s.handleDriverWS)
	s.router.HandleFunc("/ws/riders/{rider_id}", s.handleRiderWS)
	s.router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	}).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

type tripRequest struct {
	RiderID            string       `json:"rider_id"`
	Pickup             models.Coord `json:"pickup"`
	PickupAddress      string       `json:"pickup_address"`
	Destination        models.Coord `json:"destination"`
	DestinationAddress string       `json:"destination_address"`
}

func (s *Server) handleTripRequest(w http.ResponseWriter, r *http.Request) {
	var req tripRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	t, err := s.Machine.Create(r.Context(), req.RiderID, req.Pickup, req.Destination, req.PickupAddress, req.DestinationAddress)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	// Dispatch runs detached: the rider learns the outcome through the
	// trip resource or their websocket channel.
	go func() {
		if _, err := s.Matcher.Dispatch(context.Background(), t.ID, nil); err != nil && !errors.Is(err, matcher.ErrNoDrivers) {
			s.logger.Warn("initial dispatch failed", "trip_id", t.ID, "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, t)
}

func (s *Server) handleTripGet(w http.ResponseWriter, r *http.Request) {
	t, err := s.Machine.Get(r.Context(), mux.Vars(r)["trip_id"])
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "trip not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleTripCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "cancelled by rider"
	}
	t, err := s.Machine.Cancel(r.Context(), mux.Vars(r)["trip_id"], body.Reason)
	if err != nil {
		s.writeTransitionError(w, err)
		return
	}
	if t.PaymentRef != "" && s.Payments != nil {
		if err := s.Payments.Release(r.Context(), t.PaymentRef); err != nil {
			s.logger.Warn("payment release failed", "trip_id", t.ID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, t)
}

type offerResponse struct {
	DriverID string `json:"driver_id"`
	TripID   string `json:"trip_id"`
	Reason   string `json:"reason,omitempty"`
}

func (s *Server) handleOfferAccept(w http.ResponseWriter, r *http.Request) {
	var req offerResponse
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	t, err := s.Offers.Accept(r.Context(), req.DriverID, req.TripID)
	if err != nil {
		if errors.Is(err, offers.ErrNotFound) {
			http.Error(w, "offer no longer valid", http.StatusNotFound)
			return
		}
		var conflict *trip.ConflictError
		if errors.As(err, &conflict) {
			http.Error(w, "offer no longer valid", http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleOfferReject(w http.ResponseWriter, r *http.Request) {
	var req offerResponse
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		req.Reason = "rejected by driver"
	}
	if err := s.Offers.Reject(r.Context(), req.DriverID, req.TripID, req.Reason); err != nil {
		if errors.Is(err, offers.ErrNotFound) {
			http.Error(w, "offer no longer valid", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTripStart(w http.ResponseWriter, r *http.Request) {
	var req offerResponse
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	t, err := s.Machine.Start(r.Context(), mux.Vars(r)["trip_id"], req.DriverID)
	if err != nil {
		s.writeTransitionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleTripComplete(w http.ResponseWriter, r *http.Request) {
	var req offerResponse
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	t, err := s.Machine.Complete(r.Context(), mux.Vars(r)["trip_id"], req.DriverID)
	if err != nil {
		s.writeTransitionError(w, err)
		return
	}
	if t.PaymentRef != "" && s.Payments != nil {
		if err := s.Payments.Capture(r.Context(), t.PaymentRef); err != nil {
			s.logger.Warn("payment capture failed", "trip_id", t.ID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, t)
}

// handleNearby is the rider-facing read-only proximity query; it uses
// the smaller radius and result cap, separate from trip dispatch.
func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	var at models.Coord
	if err := parseCoord(r, &at); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	cands, err := s.Index.Eligible(r.Context(), at, s.cfg.NearbyRadiusKm, s.cfg.NearbyLimit)
	if err != nil {
		http.Error(w, "candidate index unavailable", http.StatusServiceUnavailable)
		return
	}
	type nearbyDriver struct {
		ID         string       `json:"id"`
		Loc        models.Coord `json:"loc"`
		DistanceKm float64      `json:"distance_km"`
	}
	out := make([]nearbyDriver, 0, len(cands))
	for _, c := range cands {
		out = append(out, nearbyDriver{ID: c.ID, Loc: c.Loc, DistanceKm: geo.DistanceKm(at, c.Loc)})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var d models.Driver
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if d.Status == "" {
		d.Status = models.DriverOnline
	}
	if d.Account == "" {
		d.Account = models.AccountVerified
	}
	if s.Kafka != nil {
		if err := s.Kafka.PublishDriver(d); err != nil {
			s.logger.Warn("kafka publish failed", "driver_id", d.ID, "error", err)
		}
	}
	if err := s.Index.Upsert(r.Context(), d); err != nil {
		http.Error(w, "candidate index unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleDriverWS(w http.ResponseWriter, r *http.Request) {
	s.serveWS(w, r, s.Drivers, mux.Vars(r)["driver_id"])
}

func (s *Server) handleRiderWS(w http.ResponseWriter, r *http.Request) {
	s.serveWS(w, r, s.Riders, mux.Vars(r)["rider_id"])
}

// serveWS keeps reading until the peer goes away; the read loop is what
// turns a dropped connection into a Remove and, for drivers, a presence
// disconnect.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request, reg *dispatch.WSRegistry, peerID string) {
	if peerID == "" {
		http.Error(w, "peer id required", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	reg.Add(peerID, conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	reg.Remove(peerID, conn)
	_ = conn.Close()
}

func (s *Server) writeTransitionError(w http.ResponseWriter, err error) {
	var conflict *trip.ConflictError
	switch {
	case errors.As(err, &conflict):
		http.Error(w, conflict.Error(), http.StatusConflict)
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, "trip not found", http.StatusNotFound)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseCoord(r *http.Request, c *models.Coord) error {
	var err error
	if c.Lat, err = parseFloatQuery(r, "lat"); err != nil {
		return err
	}
	c.Lon, err = parseFloatQuery(r, "lon")
	return err
}
