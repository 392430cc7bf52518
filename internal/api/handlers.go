package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"clodds/internal/store"
	"clodds/pkg/types"
)

// healthResponse is the /health body.
type healthResponse struct {
	Status    string            `json:"status"` // healthy | degraded | unhealthy
	Timestamp time.Time         `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Services  map[string]string `json:"services,omitempty"`
}

// handleHealth reports gateway and subsystem health. ?deep=true adds live
// probes of the store and the execution venue.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	deep := r.URL.Query().Get("deep") == "true"
	status := "healthy"
	services := make(map[string]string)

	feedStatus := s.deps.Feeds.Status()
	connected := 0
	for venue, up := range feedStatus {
		if up {
			connected++
			services["feed:"+venue] = "connected"
		} else {
			services["feed:"+venue] = "disconnected"
			status = "degraded"
		}
	}
	if len(feedStatus) == 0 {
		services["feeds"] = "none registered"
		status = "degraded"
	}

	if s.deps.Engine != nil {
		if s.deps.Engine.DryRun() {
			services["hft"] = "running (dry-run)"
		} else {
			services["hft"] = "running"
		}
	}

	services["ws"] = fmt.Sprintf("%d clients", s.hub.ClientCount(""))

	if deep {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		if s.deps.Store != nil {
			if err := s.deps.Store.Healthy(ctx); err != nil {
				services["store"] = "error: " + err.Error()
				status = "unhealthy"
			} else {
				services["store"] = "ok"
			}
		}
		if s.deps.Exec != nil {
			if err := s.deps.Exec.Ping(ctx); err != nil {
				services["exchange"] = "unreachable: " + err.Error()
				if status == "healthy" {
					status = "degraded"
				}
			} else {
				services["exchange"] = "ok"
			}
		}
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}

	s.mu.Lock()
	startedAt := s.startedAt
	s.mu.Unlock()
	uptime := time.Duration(0)
	if !startedAt.IsZero() {
		uptime = time.Since(startedAt).Round(time.Second)
	}

	writeJSON(w, code, healthResponse{
		Status:    status,
		Timestamp: time.Now().UTC(),
		Uptime:    uptime.String(),
		Services:  services,
	})
}

// commandInfo is one entry of the command palette.
type commandInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Method      string `json:"method,omitempty"`
	Path        string `json:"path,omitempty"`
	WSType      string `json:"wsType,omitempty"`
}

var commandPalette = []commandInfo{
	{Name: "health", Description: "Service health and subsystem status", Method: http.MethodGet, Path: "/health"},
	{Name: "performance", Description: "Closed trades and aggregate PnL stats", Method: http.MethodGet, Path: "/api/performance"},
	{Name: "features", Description: "Engine feature snapshot for one market", Method: http.MethodGet, Path: "/api/features/{venue}/{marketId}"},
	{Name: "backtest", Description: "Replay a tick series through one strategy", Method: http.MethodPost, Path: "/api/backtest"},
	{Name: "markets.search", Description: "Search markets across venues", WSType: "markets.search"},
	{Name: "market.get", Description: "Fetch one market by id and venue", WSType: "market.get"},
	{Name: "price.get", Description: "Fetch the current price of a market", WSType: "price.get"},
	{Name: "subscribe", Description: "Stream live ticks on this socket", WSType: "subscribe"},
}

func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"commands": commandPalette})
}

// performanceResponse is the /api/performance body.
type performanceResponse struct {
	Stats  store.PerformanceStats `json:"stats"`
	Trades []types.ClosedPosition `json:"trades"`
}

func (s *Server) performancePayload(ctx context.Context, limit int) (*performanceResponse, error) {
	if s.deps.Store == nil {
		return nil, fmt.Errorf("no store configured")
	}
	stats, err := s.deps.Store.Performance(ctx)
	if err != nil {
		return nil, err
	}
	trades, err := s.deps.Store.ListClosedPositions(ctx, limit)
	if err != nil {
		return nil, err
	}
	return &performanceResponse{Stats: stats, Trades: trades}, nil
}

func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	payload, err := s.performancePayload(r.Context(), limit)
	if err != nil {
		s.logger.Error("performance query failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) featuresPayload(marketID string) (map[string]float64, error) {
	if s.deps.Engine == nil {
		return nil, fmt.Errorf("trading engine not running")
	}
	features := s.deps.Engine.FeaturesForMarket(marketID)
	if features == nil {
		return nil, fmt.Errorf("no features for market %s", marketID)
	}
	return features, nil
}

func (s *Server) handleFeatures(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	features, err := s.featuresPayload(vars["marketId"])
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"venue":    vars["venue"],
		"marketId": vars["marketId"],
		"features": features,
	})
}
