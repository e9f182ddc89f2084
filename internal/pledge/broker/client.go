package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Currency     string
	ReturnURL    string
	CancelURL    string
	BrandName    string

	Client *http.Client
	Logger *slog.Logger
}

// Client talks to an Orders v2 style payment processor API.
type Client struct {
	baseURL      *url.URL
	clientID     string
	clientSecret string
	currency     string
	returnURL    string
	cancelURL    string
	brandName    string

	httpClient *http.Client
	logger     *slog.Logger

	mu          sync.Mutex
	accessToken string
	tokenExp    time.Time
}

func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.ClientID) == "" ||
		strings.TrimSpace(cfg.ClientSecret) == "" ||
		strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("broker: client_id/client_secret/base_url are required")
	}
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	currency := strings.ToUpper(strings.TrimSpace(cfg.Currency))
	if currency == "" {
		currency = "USD"
	}

	c := &Client{
		baseURL:      u,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		currency:     currency,
		returnURL:    cfg.ReturnURL,
		cancelURL:    cfg.CancelURL,
		brandName:    cfg.BrandName,
		httpClient:   client,
		logger:       logger,
	}
	logger.Info("payment broker initialized",
		"baseURL", u.Redacted(),
		"currency", currency,
		"returnURL_set", c.returnURL != "",
	)
	return c, nil
}

func (c *Client) Currency() string { return c.currency }

type CaptureStatus string

const (
	CaptureCompleted CaptureStatus = "Completed"
	CaptureFailed    CaptureStatus = "Failed"
)

type OrderRequest struct {
	PendingID    string
	ProjectID    string
	ProjectTitle string
	RewardID     string
	PayerID      string
	Amount       decimal.Decimal
}

type Order struct {
	ID         string
	Status     string
	ApproveURL string
	// Capture is set once the processor holds a capture for the order.
	Capture *CaptureResult
}

type CaptureResult struct {
	Status    CaptureStatus
	CaptureID string
	Amount    decimal.Decimal
	Currency  string
	Context   Context
	// Reason is the processor issue or capture status when not completed.
	Reason string
}

// ------- wire types -------

type money struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type purchaseUnitRequest struct {
	ReferenceID string `json:"reference_id"`
	CustomID    string `json:"custom_id"`
	Description string `json:"description,omitempty"`
	Amount      money  `json:"amount"`
}

type createOrderRequest struct {
	Intent             string                `json:"intent"`
	PurchaseUnits      []purchaseUnitRequest `json:"purchase_units"`
	ApplicationContext *applicationContext   `json:"application_context,omitempty"`
}

type applicationContext struct {
	BrandName          string `json:"brand_name,omitempty"`
	ReturnURL          string `json:"return_url,omitempty"`
	CancelURL          string `json:"cancel_url,omitempty"`
	ShippingPreference string `json:"shipping_preference,omitempty"`
	UserAction         string `json:"user_action,omitempty"`
}

type link struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type captureResponse struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Amount   money  `json:"amount"`
	CustomID string `json:"custom_id"`
}

type orderResponse struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	Links         []link `json:"links"`
	PurchaseUnits []struct {
		ReferenceID string `json:"reference_id"`
		CustomID    string `json:"custom_id"`
		Payments    struct {
			Captures []captureResponse `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

func (o orderResponse) approveURL() string {
	for _, l := range o.Links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			return l.Href
		}
	}
	return ""
}

// capture returns the capture recorded on the order, or nil when there is none.
func (o orderResponse) capture(logger *slog.Logger) *CaptureResult {
	for _, pu := range o.PurchaseUnits {
		if len(pu.Payments.Captures) == 0 {
			continue
		}
		cp := pu.Payments.Captures[0]
		amount, err := decimal.NewFromString(cp.Amount.Value)
		if err != nil {
			logger.Warn("capture amount unparsable", "order_id", o.ID, "value", cp.Amount.Value)
		}
		res := &CaptureResult{
			Status:    CaptureFailed,
			CaptureID: cp.ID,
			Amount:    amount,
			Currency:  cp.Amount.CurrencyCode,
			Reason:    cp.Status,
		}
		if cp.Status == "COMPLETED" {
			res.Status = CaptureCompleted
			res.Reason = ""
		}
		if ctxv, err := DecodeContext(pu.ReferenceID); err == nil {
			res.Context = ctxv
		} else {
			logger.Warn("order context undecodable", "order_id", o.ID, "err", err)
		}
		return res
	}
	return nil
}

// ------- AUTH (OAuth2 client credentials) -------

func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && time.Until(c.tokenExp) > time.Minute {
		return c.accessToken, nil
	}

	endpoint := c.baseURL.JoinPath("/v1/oauth2/token")
	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.clientID, c.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &Error{Err: ErrBrokerUnavailable, Body: err.Error()}
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", &Error{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(b), Err: classify(resp.StatusCode)}
	}

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return "", fmt.Errorf("auth decode: %w", err)
	}
	if strings.TrimSpace(out.AccessToken) == "" {
		return "", errors.New("auth: empty access_token")
	}
	ttl := time.Duration(out.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	c.accessToken = out.AccessToken
	c.tokenExp = time.Now().Add(ttl)
	return c.accessToken, nil
}

func (c *Client) dropToken() {
	c.mu.Lock()
	c.accessToken = ""
	c.mu.Unlock()
}

func (c *Client) do(ctx context.Context, method, p string, in any, headers map[string]string, out any) error {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.JoinPath(p).String(), body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=representation")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Err: ErrBrokerUnavailable, Body: err.Error()}
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	c.logger.Debug("broker raw", "path", p, "status", resp.Status, "body", trim(string(b), 2000))

	if resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusUnauthorized {
			c.dropToken()
		}
		return &Error{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Issue:      parseIssue(b),
			Body:       string(b),
			Err:        classify(resp.StatusCode),
		}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode %s: %w", p, err)
	}
	return nil
}

func parseIssue(b []byte) string {
	var e struct {
		Name    string `json:"name"`
		Details []struct {
			Issue string `json:"issue"`
		} `json:"details"`
	}
	if json.Unmarshal(b, &e) != nil {
		return ""
	}
	if len(e.Details) > 0 {
		return e.Details[0].Issue
	}
	return e.Name
}

var zeroDecimalCurrencies = map[string]bool{"HUF": true, "JPY": true, "TWD": true}

// MinorUnits is the number of decimal places the processor accepts for currency.
func MinorUnits(currency string) int32 {
	if zeroDecimalCurrencies[strings.ToUpper(currency)] {
		return 0
	}
	return 2
}

func (c *Client) formatAmount(a decimal.Decimal) string {
	return a.StringFixed(MinorUnits(c.currency))
}

// ------- ORDERS -------

// CreateOrder registers a capture-intent order with the processor. The
// pending id doubles as the idempotency key so a retried create never
// produces a second order.
func (c *Client) CreateOrder(ctx context.Context, r OrderRequest) (Order, error) {
	logger := c.logger.With("op", "CreateOrder", "pending_id", r.PendingID)
	if !r.Amount.IsPositive() {
		return Order{}, ErrInvalidAmount
	}
	ref, err := EncodeContext(Context{PendingID: r.PendingID, ProjectID: r.ProjectID, RewardID: r.RewardID, PayerID: r.PayerID})
	if err != nil {
		return Order{}, err
	}

	reqBody := createOrderRequest{
		Intent: "CAPTURE",
		PurchaseUnits: []purchaseUnitRequest{{
			ReferenceID: ref,
			CustomID:    r.PendingID,
			Description: trim("Backing "+r.ProjectTitle, 127),
			Amount:      money{CurrencyCode: c.currency, Value: c.formatAmount(r.Amount)},
		}},
	}
	if c.returnURL != "" || c.cancelURL != "" || c.brandName != "" {
		reqBody.ApplicationContext = &applicationContext{
			BrandName:          c.brandName,
			ReturnURL:          c.returnURL,
			CancelURL:          c.cancelURL,
			ShippingPreference: "NO_SHIPPING",
			UserAction:         "PAY_NOW",
		}
	}

	var out orderResponse
	if err := c.do(ctx, http.MethodPost, "/v2/checkout/orders", reqBody, map[string]string{"PayPal-Request-Id": r.PendingID}, &out); err != nil {
		logger.Error("create order failed", "err", err)
		return Order{}, err
	}
	if strings.TrimSpace(out.ID) == "" {
		return Order{}, &Error{Err: ErrRejected, Body: "empty order id"}
	}
	logger.Info("order created", "order_id", out.ID, "status", out.Status)
	return Order{ID: out.ID, Status: out.Status, ApproveURL: out.approveURL()}, nil
}

// CaptureOrder captures an approved order. Capturing an order twice reports
// the existing capture instead of failing.
func (c *Client) CaptureOrder(ctx context.Context, orderID string) (CaptureResult, error) {
	logger := c.logger.With("op", "CaptureOrder", "order_id", orderID)

	var out orderResponse
	err := c.do(ctx, http.MethodPost, "/v2/checkout/orders/"+url.PathEscape(orderID)+"/capture", struct{}{}, nil, &out)

	var be *Error
	if errors.As(err, &be) && be.StatusCode == http.StatusUnprocessableEntity {
		switch be.Issue {
		case IssueAlreadyCaptured:
			logger.Info("order already captured, loading existing capture")
			o, err := c.GetOrder(ctx, orderID)
			if err != nil {
				return CaptureResult{}, err
			}
			if o.Capture == nil {
				return CaptureResult{}, &Error{Err: ErrRejected, Issue: IssueAlreadyCaptured, Body: "order has no capture"}
			}
			return *o.Capture, nil
		case IssueNotApproved, IssueInstrumentDeclined:
			logger.Info("capture not completed", "issue", be.Issue)
			return CaptureResult{Status: CaptureFailed, Reason: be.Issue}, nil
		}
	}
	if err != nil {
		logger.Error("capture failed", "err", err)
		return CaptureResult{}, err
	}

	res := out.capture(logger)
	if res == nil {
		return CaptureResult{Status: CaptureFailed, Reason: out.Status}, nil
	}
	return *res, nil
}

func (c *Client) GetOrder(ctx context.Context, orderID string) (Order, error) {
	var out orderResponse
	if err := c.do(ctx, http.MethodGet, "/v2/checkout/orders/"+url.PathEscape(orderID), nil, nil, &out); err != nil {
		return Order{}, err
	}
	return Order{
		ID:         out.ID,
		Status:     out.Status,
		ApproveURL: out.approveURL(),
		Capture:    out.capture(c.logger.With("op", "GetOrder")),
	}, nil
}
