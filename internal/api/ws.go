package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	json "github.com/goccy/go-json"
)

var errBadParams = errors.New("malformed params")

// wsRequest is one typed request on the /ws channel.
type wsRequest struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"`
	Params json.RawMessage `json:"params,omitempty"`
}

// wsResponse answers a wsRequest.
type wsResponse struct {
	Type    string `json:"type"` // always "res"
	ID      string `json:"id"`
	OK      bool   `json:"ok"`
	Payload any    `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

// wsEvent is a server-push frame (ticks, alerts, chat messages).
type wsEvent struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// chatMessage is the payload of chat and alert frames.
type chatMessage struct {
	UserID      string `json:"userId"`
	Text        string `json:"text"`
	TimestampMs int64  `json:"timestamp"`
}

const wsRequestTimeout = 10 * time.Second

// handleWS serves the typed request/response channel.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}
	s.hub.NewClient(conn, channelWS, "", s.onWSMessage)
}

// handleTickStream serves the read-only tick firehose.
func (s *Server) handleTickStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("tick stream upgrade failed", "error", err)
		return
	}
	s.hub.NewClient(conn, channelTicks, "", nil)
}

// handleChat serves the per-user chat channel. The user id comes from the
// query string; inbound messages fan out to the user's other sockets.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user query parameter required")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("chat upgrade failed", "error", err)
		return
	}
	s.hub.NewClient(conn, channelChat, userID, s.onChatMessage)
}

func (s *Server) onChatMessage(c *Client, data []byte) {
	var in struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &in); err != nil || in.Text == "" {
		return
	}
	out, err := json.Marshal(wsEvent{
		Type:    "message",
		Payload: chatMessage{UserID: c.userID, Text: in.Text, TimestampMs: time.Now().UnixMilli()},
	})
	if err != nil {
		return
	}
	s.hub.SendToUser(c.userID, out)
}

// onWSMessage dispatches one typed request and enqueues the response.
func (s *Server) onWSMessage(c *Client, data []byte) {
	var req wsRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.reply(wsResponse{Type: "res", OK: false, Error: "malformed request"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), wsRequestTimeout)
	defer cancel()

	payload, err := s.dispatchWS(ctx, c, req)
	if err != nil {
		c.reply(wsResponse{Type: "res", ID: req.ID, OK: false, Error: err.Error()})
		return
	}
	c.reply(wsResponse{Type: "res", ID: req.ID, OK: true, Payload: payload})
}

func (c *Client) reply(res wsResponse) {
	data, err := json.Marshal(res)
	if err != nil {
		return
	}
	c.Enqueue(data)
}

func (s *Server) dispatchWS(ctx context.Context, c *Client, req wsRequest) (any, error) {
	switch req.Type {
	case "markets.search":
		var p struct {
			Query string `json:"query"`
			Venue string `json:"venue"`
		}
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		return s.deps.Feeds.SearchMarkets(ctx, p.Query, p.Venue)

	case "market.get":
		var p struct {
			ID    string `json:"id"`
			Venue string `json:"venue"`
		}
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		return s.deps.Feeds.GetMarket(ctx, p.ID, p.Venue)

	case "price.get":
		var p struct {
			Venue string `json:"venue"`
			ID    string `json:"id"`
		}
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		price, err := s.deps.Feeds.GetPrice(ctx, p.Venue, p.ID)
		if err != nil {
			return nil, err
		}
		return map[string]float64{"price": price}, nil

	case "performance":
		var p struct {
			Limit int `json:"limit"`
		}
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		return s.performancePayload(ctx, p.Limit)

	case "features":
		var p struct {
			MarketID string `json:"marketId"`
		}
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		return s.featuresPayload(p.MarketID)

	case "subscribe":
		c.subscribed.Store(true)
		return map[string]bool{"subscribed": true}, nil

	case "unsubscribe":
		c.subscribed.Store(false)
		return map[string]bool{"subscribed": false}, nil

	default:
		return nil, fmt.Errorf("unknown request type %q", req.Type)
	}
}

func unmarshalParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errBadParams
	}
	return nil
}

// originHost extracts host:port from an Origin header value.
func originHost(origin string) string {
	u, err := url.Parse(origin)
	if err != nil {
		return ""
	}
	return u.Host
}

// isLocalOrigin reports whether the origin points at a loopback host.
func isLocalOrigin(origin string) bool {
	host := originHost(origin)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
