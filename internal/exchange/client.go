// Package exchange implements the Polymarket CLOB execution client behind
// the engine's Executor interface:
//
//   - BuyLimit / SellLimit: POST /order — sign and place one limit order
//   - CancelOrder:          DELETE /order — cancel by ID
//   - CancelAll:            DELETE /cancel-all — pull every resting order
//   - DeriveAPIKey:         GET /auth/derive-api-key — bootstrap L2 creds
//
// Every request is rate-limited through per-category token buckets, retried
// on 5xx, and authenticated with L2 HMAC headers. Orders are EIP-712 signed
// against the CTF exchange contract before posting. In dry-run mode the
// mutating methods return synthetic fills without touching the network.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"clodds/pkg/types"
)

// Config carries the execution credentials and switches.
type Config struct {
	BaseURL       string
	PrivateKey    string // wallet key hex, with or without 0x
	FunderAddress string // collateral wallet when trading via proxy
	ChainID       int
	SignatureType int // 0 EOA, 1 proxy, 2 safe
	APIKey        string
	Secret        string
	Passphrase    string
	DryRun        bool
	NegRisk       bool // default for orders that don't set it
}

func (c *Config) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://clob.polymarket.com"
	}
	if c.ChainID == 0 {
		c.ChainID = 137
	}
}

// ————————————————————————————————————————————————————————————————————————
// Wire types
// ————————————————————————————————————————————————————————————————————————

// signedOrder is the on-chain order format the CLOB API expects. Amounts
// are 6-decimal USDC units as decimal strings.
type signedOrder struct {
	Salt          string     `json:"salt"`
	Maker         string     `json:"maker"`  // funder/proxy wallet
	Signer        string     `json:"signer"` // EOA that signs
	Taker         string     `json:"taker"`  // zero address = open order
	TokenID       string     `json:"tokenId"`
	MakerAmount   string     `json:"makerAmount"`
	TakerAmount   string     `json:"takerAmount"`
	Expiration    string     `json:"expiration"`
	Nonce         string     `json:"nonce"`
	FeeRateBps    string     `json:"feeRateBps"`
	Side          types.Side `json:"side"`
	SignatureType int        `json:"signatureType"`
	Signature     string     `json:"signature"`
}

// orderPayload is the POST /order request body.
type orderPayload struct {
	Order     signedOrder     `json:"order"`
	Owner     string          `json:"owner"` // API key of the order owner
	OrderType types.OrderType `json:"orderType"`
	PostOnly  bool            `json:"postOnly,omitempty"`
}

type orderResponse struct {
	Success  bool   `json:"success"`
	ErrorMsg string `json:"errorMsg"`
	OrderID  string `json:"orderID"`
	Status   string `json:"status"` // "live", "matched", "delayed"
}

type cancelResponse struct {
	Canceled    []string          `json:"canceled"`
	NotCanceled map[string]string `json:"not_canceled"` // orderID -> reason
}

// ————————————————————————————————————————————————————————————————————————
// Client
// ————————————————————————————————————————————————————————————————————————

// Client is the Polymarket CLOB execution client. It satisfies the trading
// engine's Executor interface.
type Client struct {
	http   *resty.Client
	auth   *Auth
	rl     *RateLimiter
	cfg    Config
	logger *slog.Logger
}

// NewClient builds the client. A wallet key is required for live trading;
// dry-run works without one.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	cfg.applyDefaults()

	var auth *Auth
	if cfg.PrivateKey != "" {
		a, err := NewAuth(cfg)
		if err != nil {
			return nil, err
		}
		auth = a
	} else if !cfg.DryRun {
		return nil, errors.New("live trading requires a wallet private key")
	}

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   httpClient,
		auth:   auth,
		rl:     NewRateLimiter(),
		cfg:    cfg,
		logger: logger.With("component", "exchange"),
	}, nil
}

// DryRun reports whether the client fakes fills instead of trading.
func (c *Client) DryRun() bool { return c.cfg.DryRun }

// Credentials returns the L2 triplet, e.g. for the user-channel socket.
func (c *Client) Credentials() types.VenueCredentials {
	if c.auth == nil {
		return types.VenueCredentials{}
	}
	return c.auth.Credentials()
}

// BuyLimit places a limit buy for the request's token.
func (c *Client) BuyLimit(ctx context.Context, req types.OrderRequest) (*types.OrderResult, error) {
	return c.placeOrder(ctx, req, types.SideBuy)
}

// SellLimit places a limit sell for the request's token.
func (c *Client) SellLimit(ctx context.Context, req types.OrderRequest) (*types.OrderResult, error) {
	return c.placeOrder(ctx, req, types.SideSell)
}

func (c *Client) placeOrder(ctx context.Context, req types.OrderRequest, side types.Side) (*types.OrderResult, error) {
	if req.Venue != "" && req.Venue != types.VenuePolymarket {
		return nil, fmt.Errorf("unsupported venue %q", req.Venue)
	}
	if req.Price <= 0 || req.Price >= 1 {
		return nil, fmt.Errorf("price %v outside (0, 1)", req.Price)
	}
	if req.Size <= 0 {
		return nil, fmt.Errorf("size %v must be positive", req.Size)
	}

	if c.cfg.DryRun {
		c.logger.Info("dry-run order",
			"side", side, "token", req.TokenID, "price", req.Price,
			"size", req.Size, "type", req.OrderType, "postOnly", req.PostOnly)
		return &types.OrderResult{
			Success:    true,
			OrderID:    "dry-" + uuid.NewString(),
			FilledSize: req.Size,
			AvgPrice:   req.Price,
		}, nil
	}
	if c.auth == nil {
		return nil, errors.New("no signing wallet configured")
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	payload, err := c.buildOrder(req, side)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal order: %w", err)
	}
	headers, err := c.auth.L2Headers("POST", "/order", string(body))
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result orderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Post("/order")
	if err != nil {
		return nil, fmt.Errorf("post order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("post order: status %d: %s", resp.StatusCode(), resp.String())
	}
	if !result.Success {
		return &types.OrderResult{Success: false, Error: result.ErrorMsg}, nil
	}

	out := &types.OrderResult{Success: true, OrderID: result.OrderID}
	if result.Status == "matched" {
		out.FilledSize = req.Size
		out.AvgPrice = req.Price
	}
	c.logger.Info("order placed",
		"side", side, "token", req.TokenID, "price", req.Price,
		"size", req.Size, "orderId", result.OrderID, "status", result.Status)
	return out, nil
}

// buildOrder converts the request into a signed CLOB order. The maker is
// the funder wallet, the signer the EOA, the taker open.
func (c *Client) buildOrder(req types.OrderRequest, side types.Side) (*orderPayload, error) {
	makerAmt, takerAmt := priceToAmounts(req.Price, req.Size, side)

	order := signedOrder{
		Salt:          newSalt(),
		Maker:         c.auth.FunderAddress().Hex(),
		Signer:        c.auth.Address().Hex(),
		Taker:         zeroAddress,
		TokenID:       req.TokenID,
		MakerAmount:   makerAmt.String(),
		TakerAmount:   takerAmt.String(),
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		Side:          side,
		SignatureType: c.auth.sigType,
	}
	if err := c.auth.SignOrder(&order, req.NegRisk || c.cfg.NegRisk); err != nil {
		return nil, err
	}

	orderType := req.OrderType
	if orderType == "" {
		orderType = types.OrderTypeGTC
	}
	return &orderPayload{
		Order:     order,
		Owner:     c.auth.creds.APIKey,
		OrderType: orderType,
		PostOnly:  req.PostOnly,
	}, nil
}

// CancelOrder cancels a resting order by ID. An error return means the
// order could not be cancelled, including the case where it already
// matched; callers use that to detect fills on resting orders.
func (c *Client) CancelOrder(ctx context.Context, venue, orderID string) error {
	if venue != "" && venue != types.VenuePolymarket {
		return fmt.Errorf("unsupported venue %q", venue)
	}
	if orderID == "" {
		return errors.New("empty order id")
	}

	if c.cfg.DryRun {
		c.logger.Info("dry-run cancel", "orderId", orderID)
		return nil
	}
	if c.auth == nil {
		return errors.New("no signing wallet configured")
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(struct {
		OrderID string `json:"orderID"`
	}{OrderID: orderID})
	if err != nil {
		return fmt.Errorf("marshal cancel request: %w", err)
	}
	headers, err := c.auth.L2Headers("DELETE", "/order", string(body))
	if err != nil {
		return fmt.Errorf("l2 headers: %w", err)
	}

	var result cancelResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Delete("/order")
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("cancel order: status %d: %s", resp.StatusCode(), resp.String())
	}

	for _, id := range result.Canceled {
		if id == orderID {
			return nil
		}
	}
	if reason, ok := result.NotCanceled[orderID]; ok {
		return fmt.Errorf("order %s not canceled: %s", orderID, reason)
	}
	return fmt.Errorf("order %s not canceled", orderID)
}

// CancelAll pulls every resting order across all markets. Returns how many
// were cancelled.
func (c *Client) CancelAll(ctx context.Context) (int, error) {
	if c.cfg.DryRun {
		c.logger.Info("dry-run cancel all")
		return 0, nil
	}
	if c.auth == nil {
		return 0, errors.New("no signing wallet configured")
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return 0, err
	}

	headers, err := c.auth.L2Headers("DELETE", "/cancel-all", "")
	if err != nil {
		return 0, fmt.Errorf("l2 headers: %w", err)
	}

	var result cancelResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Delete("/cancel-all")
	if err != nil {
		return 0, fmt.Errorf("cancel all: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("cancel all: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.logger.Warn("all orders cancelled", "count", len(result.Canceled))
	return len(result.Canceled), nil
}

// Ping checks CLOB reachability without authentication.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return err
	}
	resp, err := c.http.R().SetContext(ctx).Get("/ok")
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("ping: status %d", resp.StatusCode())
	}
	return nil
}

// EnsureCredentials derives the L2 API key from the wallet when the
// configured triplet is missing. No-op in dry-run.
func (c *Client) EnsureCredentials(ctx context.Context) error {
	if c.cfg.DryRun || c.auth == nil || c.auth.HasCredentials() {
		return nil
	}
	_, err := c.DeriveAPIKey(ctx)
	return err
}

// DeriveAPIKey derives L2 API credentials via L1 authentication and
// installs them on the client.
func (c *Client) DeriveAPIKey(ctx context.Context) (*types.VenueCredentials, error) {
	if c.auth == nil {
		return nil, errors.New("no signing wallet configured")
	}
	headers, err := c.auth.L1Headers(0)
	if err != nil {
		return nil, fmt.Errorf("l1 headers: %w", err)
	}

	var result types.VenueCredentials
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/auth/derive-api-key")
	if err != nil {
		return nil, fmt.Errorf("derive api key: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("derive api key: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.auth.SetCredentials(result)
	c.logger.Info("API key derived", "apiKey", result.APIKey)
	return &result, nil
}
