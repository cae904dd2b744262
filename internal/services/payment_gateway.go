package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// PaymentStatus is the gateway's view of an order
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
	PaymentFailed  PaymentStatus = "failed"
)

// paidStatus is the only gateway status value that means the order was paid
const paidStatus = "2"

// StatusFromGateway maps the raw status field. Anything other than "2" is not paid.
func StatusFromGateway(raw string) PaymentStatus {
	switch strings.TrimSpace(raw) {
	case paidStatus:
		return PaymentPaid
	case "3", "4":
		return PaymentFailed
	default:
		return PaymentPending
	}
}

// GatewayCredentials are the api key and signing secret used for one tenant
type GatewayCredentials struct {
	APIKey    string
	SecretKey string
}

// PaymentRequest describes the order to create at the gateway
type PaymentRequest struct {
	OrderID         string
	Amount          int64
	Currency        string
	Subject         string
	Email           string
	URLConfirmation string
	URLReturn       string
}

// PaymentLink is what the customer pays through. Token is the gateway's key for the order.
type PaymentLink struct {
	URL   string
	Token string
}

// PaymentGateway creates payment orders and reads their status
type PaymentGateway interface {
	CreateOrder(ctx context.Context, creds GatewayCredentials, req PaymentRequest) (PaymentLink, error)
	PollStatus(ctx context.Context, creds GatewayCredentials, token string) (PaymentStatus, error)
}

// FlowGateway talks to a Flow-style REST API with signed form parameters
type FlowGateway struct {
	baseURL    string
	client     *http.Client
	retryDelay time.Duration
}

// NewFlowGateway creates a gateway client whose calls are bounded by timeout
func NewFlowGateway(baseURL string, timeout time.Duration) *FlowGateway {
	return &FlowGateway{
		baseURL:    strings.TrimRight(baseURL, "/"),
		client:     &http.Client{Timeout: timeout},
		retryDelay: 300 * time.Millisecond,
	}
}

type flowCreateResponse struct {
	URL       string `json:"url"`
	Token     string `json:"token"`
	FlowOrder int64  `json:"flowOrder"`
}

type flowStatusResponse struct {
	FlowOrder     int64           `json:"flowOrder"`
	CommerceOrder string          `json:"commerceOrder"`
	Status        json.RawMessage `json:"status"`
}

type flowErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// errPermanent marks gateway answers that retrying cannot fix
var errPermanent = errors.New("permanent gateway error")

// CreateOrder registers the order at the gateway and returns the link to pay it
func (g *FlowGateway) CreateOrder(ctx context.Context, creds GatewayCredentials, req PaymentRequest) (PaymentLink, error) {
	params := map[string]string{
		"apiKey":          creds.APIKey,
		"commerceOrder":   req.OrderID,
		"subject":         req.Subject,
		"currency":        req.Currency,
		"amount":          strconv.FormatInt(req.Amount, 10),
		"email":           req.Email,
		"urlConfirmation": req.URLConfirmation,
		"urlReturn":       req.URLReturn,
	}
	for _, optional := range []string{"email", "urlReturn"} {
		if params[optional] == "" {
			delete(params, optional)
		}
	}

	var resp flowCreateResponse
	if err := g.withRetry(ctx, "payment/create", func() error {
		return g.do(ctx, http.MethodPost, "/payment/create", creds.SecretKey, params, &resp)
	}); err != nil {
		return PaymentLink{}, err
	}
	if resp.Token == "" || resp.URL == "" {
		return PaymentLink{}, fmt.Errorf("%w: create response without token", ErrGatewayUnavailable)
	}

	return PaymentLink{
		URL:   resp.URL + "?token=" + url.QueryEscape(resp.Token),
		Token: resp.Token,
	}, nil
}

// PollStatus asks the gateway for the order status by token
func (g *FlowGateway) PollStatus(ctx context.Context, creds GatewayCredentials, token string) (PaymentStatus, error) {
	params := map[string]string{
		"apiKey": creds.APIKey,
		"token":  token,
	}

	var resp flowStatusResponse
	if err := g.withRetry(ctx, "payment/getStatus", func() error {
		return g.do(ctx, http.MethodGet, "/payment/getStatus", creds.SecretKey, params, &resp)
	}); err != nil {
		return PaymentPending, err
	}

	// status comes back as a number, some sandboxes send it as a string
	raw := strings.Trim(string(resp.Status), `"`)
	return StatusFromGateway(raw), nil
}

// withRetry runs call once more after a transient failure
func (g *FlowGateway) withRetry(ctx context.Context, op string, call func() error) error {
	err := call()
	if err == nil {
		return nil
	}
	if errors.Is(err, errPermanent) || ctx.Err() != nil {
		return fmt.Errorf("%w: %s: %v", ErrGatewayUnavailable, op, err)
	}

	slog.Warn("Payment gateway call failed, retrying once", "op", op, "error", err)
	select {
	case <-time.After(g.retryDelay):
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %v", ErrGatewayUnavailable, op, ctx.Err())
	}

	if err := call(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrGatewayUnavailable, op, err)
	}
	return nil
}

func (g *FlowGateway) do(ctx context.Context, method, path, secret string, params map[string]string, out any) error {
	form := url.Values{}
	for k, v := range SignParams(secret, params) {
		form.Set(k, v)
	}

	var (
		req *http.Request
		err error
	)
	if method == http.MethodGet {
		req, err = http.NewRequestWithContext(ctx, method, g.baseURL+path+"?"+form.Encode(), nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, g.baseURL+path, strings.NewReader(form.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 500 {
		return fmt.Errorf("gateway returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		var fe flowErrorResponse
		_ = json.Unmarshal(body, &fe)
		return fmt.Errorf("%w: gateway returned %d: %s", errPermanent, resp.StatusCode, fe.Message)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", errPermanent, err)
	}
	return nil
}
