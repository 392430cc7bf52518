// Package api is the HTTP/WebSocket gateway in front of the service: REST
// endpoints for health, commands, backtests, performance, and feature
// snapshots, plus three WebSocket surfaces (typed request/response, tick
// stream, chat). Sensitive routes sit behind bearer auth, per-IP rate
// limiting, and the configured CORS policy.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	json "github.com/goccy/go-json"

	"clodds/internal/bus"
	"clodds/internal/store"
	"clodds/pkg/types"
)

// CORS modes.
const (
	CORSOff       = "off"
	CORSAllowlist = "allowlist"
	CORSWildcard  = "wildcard"
)

// Config tunes the gateway.
type Config struct {
	Port        int
	Bind        string
	Token       string // bearer token; empty disables auth
	CORSMode    string
	CORSOrigins []string
	ForceHTTPS  bool
	RatePerMin  int
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 8090
	}
	if c.Bind == "" {
		c.Bind = "0.0.0.0"
	}
	if c.CORSMode == "" {
		c.CORSMode = CORSOff
	}
	if c.RatePerMin == 0 {
		c.RatePerMin = 100
	}
}

// MarketSource is the feed surface the gateway queries.
type MarketSource interface {
	SearchMarkets(ctx context.Context, query, venue string) ([]types.Market, error)
	GetMarket(ctx context.Context, id, venue string) (*types.Market, error)
	GetPrice(ctx context.Context, venue, id string) (float64, error)
	Status() map[string]bool
}

// Storage is the persistence surface the gateway reads.
type Storage interface {
	ListClosedPositions(ctx context.Context, limit int) ([]types.ClosedPosition, error)
	Performance(ctx context.Context) (store.PerformanceStats, error)
	Healthy(ctx context.Context) error
}

// FeatureSource exposes the trading engine's view of a market.
type FeatureSource interface {
	FeaturesForMarket(marketID string) map[string]float64
	DryRun() bool
}

// Pinger checks venue reachability for deep health checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the subsystems the gateway fronts. Feeds and Bus are required;
// the rest degrade gracefully when nil.
type Deps struct {
	Feeds  MarketSource
	Bus    *bus.Bus
	Store  Storage
	Engine FeatureSource
	Exec   Pinger
}

// Server is the gateway.
type Server struct {
	cfg     Config
	deps    Deps
	hub     *Hub
	limiter *ipLimiter
	httpSrv *http.Server
	logger  *slog.Logger

	upgrader websocket.Upgrader

	mu        sync.Mutex
	cancel    context.CancelFunc
	started   bool
	startedAt time.Time
	tickSub   uint64
	wg        sync.WaitGroup
}

// NewServer builds the gateway around its dependencies.
func NewServer(cfg Config, deps Deps, logger *slog.Logger) (*Server, error) {
	cfg.applyDefaults()
	if deps.Feeds == nil {
		return nil, errors.New("gateway requires a feed manager")
	}
	if deps.Bus == nil {
		return nil, errors.New("gateway requires the signal bus")
	}

	s := &Server{
		cfg:     cfg,
		deps:    deps,
		limiter: newIPLimiter(cfg.RatePerMin),
		logger:  logger.With("component", "gateway"),
	}
	s.hub = NewHub(logger)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.originAllowed,
	}

	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Bind, cfg.Port),
		Handler:      s.router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

func (s *Server) router() http.Handler {
	r := mux.NewRouter()

	r.Use(s.recoverMiddleware)
	r.Use(metricsMiddleware)
	r.Use(s.requestLogMiddleware)
	r.Use(securityHeadersMiddleware)
	if s.cfg.ForceHTTPS {
		r.Use(httpsRedirectMiddleware)
	}
	if mw := corsMiddleware(s.cfg.CORSMode, s.cfg.CORSOrigins); mw != nil {
		r.Use(mw)
	}
	r.Use(s.rateLimitMiddleware)
	r.Use(s.authMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	r.HandleFunc("/chat", s.handleChat).Methods(http.MethodGet)

	apiR := r.PathPrefix("/api").Subrouter()
	apiR.HandleFunc("/commands", s.handleCommands).Methods(http.MethodGet)
	apiR.HandleFunc("/backtest", s.handleBacktest).Methods(http.MethodPost)
	apiR.HandleFunc("/performance", s.handlePerformance).Methods(http.MethodGet)
	apiR.HandleFunc("/features/{venue}/{marketId}", s.handleFeatures).Methods(http.MethodGet)
	apiR.HandleFunc("/ticks/stream", s.handleTickStream).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// originAllowed mirrors the CORS policy for WebSocket upgrades: same host
// and localhost always pass, plus the configured allow-list.
func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if s.cfg.CORSMode == CORSWildcard {
		return true
	}
	if originHost(origin) == r.Host || isLocalOrigin(origin) {
		return true
	}
	for _, allowed := range s.cfg.CORSOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// Start launches the hub, the tick fan-out, the limiter sweep, and the
// listener. Blocks until the listener exits.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("gateway already started")
	}
	s.started = true
	s.startedAt = time.Now()
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.hub.Run(runCtx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.limiter.sweep(3 * time.Minute)
			}
		}
	}()

	s.attachBus()

	s.logger.Info("gateway listening", "addr", s.httpSrv.Addr,
		"auth", s.cfg.Token != "", "cors", s.cfg.CORSMode)

	err := s.httpSrv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway listener: %w", err)
	}
	return nil
}

// attachBus routes bus ticks into the WebSocket fan-out.
func (s *Server) attachBus() {
	sub := s.deps.Bus.OnTick(func(u types.PriceUpdate) {
		data, err := json.Marshal(wsEvent{Type: "tick", Payload: u})
		if err != nil {
			return
		}
		s.hub.FanTick(data)
	})
	s.mu.Lock()
	s.tickSub = sub
	s.mu.Unlock()
}

func (s *Server) detachBus() {
	s.mu.Lock()
	sub := s.tickSub
	s.mu.Unlock()
	s.deps.Bus.Off(sub)
}

// Stop drains the listener and shuts down the hub.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	s.detachBus()

	ctx, cancelTO := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelTO()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Warn("gateway shutdown", "error", err)
	}

	cancel()
	s.wg.Wait()
	s.logger.Info("gateway stopped")
}

// SendAlert delivers an alert notification to the user's connected chat
// sockets. Delivery is best-effort: an offline user is not an error, the
// alert stays latched in the store either way.
func (s *Server) SendAlert(ctx context.Context, userID, text string) error {
	data, err := json.Marshal(wsEvent{
		Type:    "alert",
		Payload: chatMessage{UserID: userID, Text: text, TimestampMs: time.Now().UnixMilli()},
	})
	if err != nil {
		return err
	}
	n := s.hub.SendToUser(userID, data)
	s.logger.Info("alert dispatched", "user", userID, "sockets", n)
	return nil
}
