package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ruralpay/echobank/internal/models"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
)

const maxResponseBytes = 1 << 20

// Gateway is the set of banking calls the conversation engine makes
type Gateway interface {
	GetBalance(ctx context.Context, account, token string) (decimal.Decimal, error)
	GetRecipients(ctx context.Context, account, token string) ([]models.Recipient, error)
	InitiateTransfer(ctx context.Context, req InitiateRequest) (*InitiateResult, error)
	ConfirmTransfer(ctx context.Context, req ConfirmRequest) (*ConfirmResult, error)
	CancelTransfer(ctx context.Context, transferID, token string) error
	GetTransactions(ctx context.Context, account, token string) ([]Transaction, error)
}

// Signer produces a signature header for request bodies
type Signer interface {
	SignPayload(payload []byte) string
}

type InitiateRequest struct {
	SenderAccount    string
	RecipientAccount string
	BankCode         string
	Amount           decimal.Decimal
	Narration        string
	Reference        string
	Token            string
}

type ConfirmRequest struct {
	TransferID     string
	Pin            string
	IdempotencyKey string
	Token          string
}

// Options configure clients built for each institution
type Options struct {
	Timeout          time.Duration
	Retry            RetryPolicy
	BreakerThreshold uint32
	BreakerCooldown  time.Duration
	HTTPClient       *http.Client
	Signer           Signer
}

func DefaultOptions() Options {
	return Options{
		Timeout:          30 * time.Second,
		Retry:            RetryPolicy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second},
		BreakerThreshold: 5,
		BreakerCooldown:  30 * time.Second,
	}
}

// Client talks to one institution's banking API
type Client struct {
	institutionID string
	endpoints     models.InstitutionEndpoints
	credential    string
	httpClient    *http.Client
	breaker       *gobreaker.CircuitBreaker
	retry         RetryPolicy
	signer        Signer
	mapper        *Mapper
}

// NewClient builds a client from stored endpoint configuration. credential is
// the already-decrypted institution secret, if any.
func NewClient(endpoints models.InstitutionEndpoints, credential string, opts Options) (*Client, error) {
	base, err := url.Parse(endpoints.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%w: invalid base url %q", ErrNotConfigured, endpoints.BaseURL)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}

	threshold := opts.BreakerThreshold
	if threshold == 0 {
		threshold = 5
	}

	institutionID := endpoints.InstitutionID
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "gateway-" + institutionID,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			var apiErr *APIError
			return err == nil || (errors.As(err, &apiErr) && apiErr.ClientError())
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("[GATEWAY] Circuit breaker %s: %s -> %s", name, from, to)
		},
	})

	return &Client{
		institutionID: institutionID,
		endpoints:     endpoints,
		credential:    credential,
		httpClient:    httpClient,
		breaker:       breaker,
		retry:         opts.Retry,
		signer:        opts.Signer,
		mapper:        NewMapper(endpoints.ResponseMapping),
	}, nil
}

type call struct {
	name           string
	method         string
	path           string
	body           any
	token          string
	idempotencyKey string
	idempotent     bool
}

func (c *Client) GetBalance(ctx context.Context, account, token string) (decimal.Decimal, error) {
	doc, err := c.do(ctx, call{
		name:       "balance",
		method:     http.MethodGet,
		path:       c.expand(c.endpoints.BalancePath, account, ""),
		token:      token,
		idempotent: true,
	})
	if err != nil {
		return decimal.Zero, err
	}
	return c.mapper.Balance(doc)
}

func (c *Client) GetRecipients(ctx context.Context, account, token string) ([]models.Recipient, error) {
	doc, err := c.do(ctx, call{
		name:       "recipients",
		method:     http.MethodGet,
		path:       c.expand(c.endpoints.RecipientsPath, account, ""),
		token:      token,
		idempotent: true,
	})
	if err != nil {
		return nil, err
	}
	return c.mapper.Recipients(doc)
}

func (c *Client) InitiateTransfer(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	doc, err := c.do(ctx, call{
		name:   "initiate_transfer",
		method: http.MethodPost,
		path:   c.expand(c.endpoints.InitiateTransferPath, req.SenderAccount, ""),
		body: map[string]any{
			"sender_account":    req.SenderAccount,
			"recipient_account": req.RecipientAccount,
			"bank_code":         req.BankCode,
			"amount":            json.Number(req.Amount.StringFixed(2)),
			"narration":         req.Narration,
			"reference":         req.Reference,
		},
		token:          req.Token,
		idempotencyKey: req.Reference,
	})
	if err != nil {
		return nil, err
	}
	return c.mapper.Initiation(doc)
}

func (c *Client) ConfirmTransfer(ctx context.Context, req ConfirmRequest) (*ConfirmResult, error) {
	doc, err := c.do(ctx, call{
		name:           "confirm_transfer",
		method:         http.MethodPost,
		path:           c.expand(c.endpoints.ConfirmTransferPath, "", req.TransferID),
		body:           map[string]any{"pin": req.Pin},
		token:          req.Token,
		idempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return nil, err
	}
	return c.mapper.Confirmation(doc)
}

func (c *Client) CancelTransfer(ctx context.Context, transferID, token string) error {
	if c.endpoints.CancelTransferPath == "" {
		return fmt.Errorf("%w: cancel_transfer", ErrNotConfigured)
	}

	doc, err := c.do(ctx, call{
		name:       "cancel_transfer",
		method:     http.MethodPost,
		path:       c.expand(c.endpoints.CancelTransferPath, "", transferID),
		token:      token,
		idempotent: true,
	})
	if err != nil {
		return err
	}

	for _, key := range []string{"ok", "success"} {
		if v, found := FieldPath(key).Lookup(doc); found {
			if ok, isBool := v.(bool); isBool && !ok {
				return fmt.Errorf("institution refused to cancel transfer %s", transferID)
			}
		}
	}
	return nil
}

func (c *Client) GetTransactions(ctx context.Context, account, token string) ([]Transaction, error) {
	if c.endpoints.TransactionsPath == "" {
		return nil, fmt.Errorf("%w: transactions", ErrNotConfigured)
	}

	doc, err := c.do(ctx, call{
		name:       "transactions",
		method:     http.MethodGet,
		path:       c.expand(c.endpoints.TransactionsPath, account, ""),
		token:      token,
		idempotent: true,
	})
	if err != nil {
		return nil, err
	}
	return c.mapper.Transactions(doc)
}

func (c *Client) expand(template, account, transferID string) string {
	return strings.NewReplacer(
		"{account_number}", url.PathEscape(account),
		"{transfer_id}", url.PathEscape(transferID),
	).Replace(template)
}

func (c *Client) do(ctx context.Context, cl call) (any, error) {
	var payload []byte
	if cl.body != nil {
		var err error
		payload, err = json.Marshal(cl.body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s request: %w", cl.name, err)
		}
	}

	var lastErr error
	attempts := c.retry.attempts()
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			wait := c.retry.delay(attempt - 1)
			log.Printf("[GATEWAY] Retrying %s for institution %s in %s (attempt %d/%d): %v",
				cl.name, c.institutionID, wait, attempt+1, attempts, lastErr)
			if err := sleepWithContext(ctx, wait); err != nil {
				return nil, lastErr
			}
		}

		doc, err := c.attempt(ctx, cl, payload)
		if err == nil {
			return doc, nil
		}
		lastErr = err

		if ctx.Err() != nil || !isTransient(err, cl.idempotent) {
			break
		}
	}

	log.Printf("[GATEWAY] %s failed for institution %s: %v", cl.name, c.institutionID, lastErr)
	return nil, lastErr
}

func (c *Client) attempt(ctx context.Context, cl call, payload []byte) (any, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.roundTrip(ctx, cl, payload)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: institution %s", ErrCircuitOpen, c.institutionID)
	}
	return result, err
}

func (c *Client) roundTrip(ctx context.Context, cl call, payload []byte) (any, error) {
	endpoint := strings.TrimRight(c.endpoints.BaseURL, "/") + "/" + strings.TrimLeft(cl.path, "/")

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, cl.method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", cl.name, err)
	}

	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
		if c.signer != nil {
			req.Header.Set("X-Request-Signature", c.signer.SignPayload(payload))
		}
	}
	for k, v := range c.endpoints.Headers {
		req.Header.Set(k, v)
	}
	if cl.idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", cl.idempotencyKey)
	}
	c.authorize(req, cl.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]any{}, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return doc, nil
}

// authorize prefers the caller's bank token and falls back to the
// institution credential
func (c *Client) authorize(req *http.Request, token string) {
	secret := token
	if secret == "" {
		secret = c.credential
	}
	if secret == "" {
		return
	}

	header := c.endpoints.AuthHeaderName
	switch c.endpoints.AuthType {
	case models.AuthTypeNone:
		return
	case models.AuthTypeAPIKey:
		if header == "" {
			header = "X-API-Key"
		}
		req.Header.Set(header, secret)
	default:
		if header == "" {
			header = "Authorization"
		}
		req.Header.Set(header, "Bearer "+secret)
	}
}
