package cron

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"clodds/pkg/types"
)

// priceCrossEpsilon is how close outcome[0].price must come to the
// threshold for a price_cross alert to count as crossing.
const priceCrossEpsilon = 0.005

// PayloadKind tags the variant carried by a Payload.
type PayloadKind string

const (
	PayloadSystemEvent PayloadKind = "systemEvent"
	PayloadAgentTurn   PayloadKind = "agentTurn"
	PayloadAlert       PayloadKind = "alert"
	PayloadMarketCheck PayloadKind = "marketCheck"
	PayloadAlertScan   PayloadKind = "alertScan"
)

// Payload is a tagged union over the five job payload kinds.
type Payload struct {
	Kind     PayloadKind    `json:"kind"`
	Text     string         `json:"text,omitempty"`     // systemEvent
	Message  string         `json:"message,omitempty"`  // agentTurn
	Options  map[string]any `json:"options,omitempty"`  // agentTurn
	AlertID  int64          `json:"alertId,omitempty"`  // alert
	MarketID string         `json:"marketId,omitempty"` // marketCheck
	Venue    string         `json:"venue,omitempty"`    // marketCheck
}

// MarketSource is the slice of the feed manager the handlers need.
type MarketSource interface {
	GetMarket(ctx context.Context, id, venue string) (*types.Market, error)
	GetOrderbook(ctx context.Context, venue, id string) (*types.OrderbookSnapshot, error)
}

// AlertStore is the slice of the persistence layer the handlers need.
type AlertStore interface {
	ListActiveAlerts(ctx context.Context) ([]types.Alert, error)
	GetAlert(ctx context.Context, id int64) (*types.Alert, error)
	MarkAlertTriggered(ctx context.Context, id int64, at time.Time) error
}

// SendFunc delivers an alert notification to a user's chat surface.
type SendFunc func(ctx context.Context, userID, text string) error

// AgentTurnFunc hands an agentTurn payload to the agent runtime.
type AgentTurnFunc func(ctx context.Context, message string, options map[string]any) error

// Handlers executes job payloads. Send and AgentTurn are optional; a nil
// AgentTurn skips agentTurn payloads, a nil Send triggers alerts without
// notifying.
type Handlers struct {
	Markets   MarketSource
	Alerts    AlertStore
	Send      SendFunc
	AgentTurn AgentTurnFunc
	Logger    *slog.Logger
}

// Execute runs one payload and returns the handler error for the job's
// last-status bookkeeping.
func (h *Handlers) Execute(ctx context.Context, p Payload) error {
	switch p.Kind {
	case PayloadSystemEvent:
		h.Logger.Info("system event", "text", p.Text)
		return nil

	case PayloadAgentTurn:
		if h.AgentTurn == nil {
			h.Logger.Debug("agent turn skipped, no runtime configured")
			return nil
		}
		return h.AgentTurn(ctx, p.Message, p.Options)

	case PayloadMarketCheck:
		// The fetch warms the feed cache; the result itself is discarded.
		_, err := h.Markets.GetMarket(ctx, p.MarketID, p.Venue)
		return err

	case PayloadAlert:
		a, err := h.Alerts.GetAlert(ctx, p.AlertID)
		if err != nil {
			return fmt.Errorf("load alert %d: %w", p.AlertID, err)
		}
		if a == nil {
			return fmt.Errorf("alert %d not found", p.AlertID)
		}
		return h.checkAlert(ctx, *a)

	case PayloadAlertScan:
		return h.alertScan(ctx)

	default:
		return fmt.Errorf("unknown payload kind %q", p.Kind)
	}
}

func (h *Handlers) alertScan(ctx context.Context) error {
	alerts, err := h.Alerts.ListActiveAlerts(ctx)
	if err != nil {
		return fmt.Errorf("list alerts: %w", err)
	}

	for _, a := range alerts {
		if err := h.checkAlert(ctx, a); err != nil {
			h.Logger.Warn("alert check failed", "alert", a.ID, "error", err)
		}
	}
	return nil
}

// checkAlert evaluates one alert and, when the condition holds, marks it
// triggered before notifying the owner.
func (h *Handlers) checkAlert(ctx context.Context, a types.Alert) error {
	if !a.Enabled || a.Triggered {
		return nil
	}

	var crossed bool
	var detail string

	switch a.Kind {
	case types.AlertSpreadBelow:
		book, err := h.Markets.GetOrderbook(ctx, a.Venue, a.MarketID)
		if err != nil {
			return fmt.Errorf("fetch orderbook: %w", err)
		}
		if book == nil || book.BestBid <= 0 || book.BestAsk <= 0 {
			return nil
		}
		crossed = book.Spread < a.Threshold
		detail = fmt.Sprintf("spread %.4f under %.4f", book.Spread, a.Threshold)

	default:
		mkt, err := h.Markets.GetMarket(ctx, a.MarketID, a.Venue)
		if err != nil {
			return fmt.Errorf("fetch market: %w", err)
		}
		if mkt == nil || len(mkt.Outcomes) == 0 {
			return nil
		}
		price := mkt.Outcomes[0].Price

		switch a.Kind {
		case types.AlertPriceAbove:
			crossed = price > a.Threshold
			detail = fmt.Sprintf("price %.4f above %.4f", price, a.Threshold)
		case types.AlertPriceBelow:
			crossed = price < a.Threshold
			detail = fmt.Sprintf("price %.4f below %.4f", price, a.Threshold)
		case types.AlertPriceCross:
			crossed = math.Abs(price-a.Threshold) <= priceCrossEpsilon
			detail = fmt.Sprintf("price %.4f at %.4f", price, a.Threshold)
		default:
			return fmt.Errorf("unknown alert kind %q", a.Kind)
		}
	}

	if !crossed {
		return nil
	}

	if err := h.Alerts.MarkAlertTriggered(ctx, a.ID, time.Now()); err != nil {
		return fmt.Errorf("mark alert %d triggered: %w", a.ID, err)
	}

	if h.Send != nil {
		if err := h.Send(ctx, a.UserID, alertMessage(a, detail)); err != nil {
			return fmt.Errorf("notify user %s: %w", a.UserID, err)
		}
	}

	h.Logger.Info("alert triggered",
		"alert", a.ID,
		"user", a.UserID,
		"market", a.MarketID,
		"venue", a.Venue,
		"detail", detail,
	)
	return nil
}

func alertMessage(a types.Alert, detail string) string {
	name := a.Name
	if name == "" {
		name = string(a.Kind)
	}
	return fmt.Sprintf("Alert %q fired on %s/%s: %s", name, a.Venue, a.MarketID, detail)
}
