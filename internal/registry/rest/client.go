// Package rest implements the registry client over REST/JSON. Two of the
// three supported registries speak this shape: bearer-token auth via a
// client-credentials exchange, conventional status-code semantics, and
// JSON bodies.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"carbonbridge/internal/registry"
	"carbonbridge/pkg/domain"
)

// Config holds everything needed to talk to one REST registry.
type Config struct {
	Name         domain.RegistryName
	BaseURL      string
	ClientID     string
	ClientSecret string
}

// Client talks to a REST/JSON registry. Safe for concurrent use; the
// session token is guarded and renewed lazily.
type Client struct {
	cfg    Config
	http   *http.Client
	policy registry.RetryPolicy
	logger *slog.Logger

	mu      sync.Mutex
	session registry.Session
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client, used by tests with
// httptest servers.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(p registry.RetryPolicy) Option {
	return func(c *Client) { c.policy = p }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New constructs a REST registry client.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	c := &Client{
		cfg:    cfg,
		http:   &http.Client{},
		policy: registry.NewRetryPolicy(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Name() domain.RegistryName { return c.cfg.Name }

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// Authenticate performs the client-credentials exchange and stores the
// bearer token.
func (c *Client) Authenticate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticateLocked(ctx)
}

func (c *Client) authenticateLocked(ctx context.Context) error {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/oauth/token",
		bytes.NewBufferString(form.Encode()))
	if err != nil {
		return &registry.AuthenticationError{Registry: c.cfg.Name, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return &registry.AuthenticationError{Registry: c.cfg.Name, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &registry.AuthenticationError{
			Registry: c.cfg.Name,
			Err:      fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, body),
		}
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return &registry.AuthenticationError{Registry: c.cfg.Name, Err: fmt.Errorf("decode token response: %w", err)}
	}
	if tok.AccessToken == "" {
		return &registry.AuthenticationError{Registry: c.cfg.Name, Err: fmt.Errorf("token endpoint returned empty token")}
	}

	c.session = registry.Session{
		Token:     tok.AccessToken,
		ExpiresAt: time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second),
	}
	c.logger.Debug("registry session established", "registry", c.cfg.Name)
	return nil
}

// token returns a live bearer token, renewing lazily shortly before expiry.
func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.session.LiveAt(time.Now()) {
		if err := c.authenticateLocked(ctx); err != nil {
			return "", err
		}
	}
	return c.session.Token, nil
}

// invalidate drops the cached session after a 401 so the next call
// re-authenticates.
func (c *Client) invalidate() {
	c.mu.Lock()
	c.session = registry.Session{}
	c.mu.Unlock()
}

// do issues one JSON request with bearer auth and decodes the response
// into out (when non-nil). A 401 triggers exactly one re-authentication
// and replay of the same call.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	reauthed := false
	for {
		tok, err := c.token(ctx)
		if err != nil {
			return err
		}

		var reqBody io.Reader
		if body != nil {
			payload, err := json.Marshal(body)
			if err != nil {
				return fmt.Errorf("encode request body: %w", err)
			}
			reqBody = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reqBody)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("%s %s: %w", method, path, err)
		}

		if resp.StatusCode == http.StatusUnauthorized && !reauthed {
			resp.Body.Close()
			c.invalidate()
			reauthed = true
			continue
		}

		err = c.handleResponse(resp, path, out)
		resp.Body.Close()
		return err
	}
}

type errorBody struct {
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (c *Client) handleResponse(resp *http.Response, path string, out any) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil

	case resp.StatusCode == http.StatusNotFound:
		return &registry.NotFoundError{Registry: c.cfg.Name, Ref: path}

	default:
		var eb errorBody
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = json.Unmarshal(raw, &eb)
		if eb.Message == "" {
			eb.Message = string(raw)
		}
		return &registry.APIRequestError{
			Registry:   c.cfg.Name,
			StatusCode: resp.StatusCode,
			Code:       eb.Code,
			Message:    eb.Message,
			Retryable:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
		}
	}
}

type creditPayload struct {
	InternalRef     string  `json:"internal_ref"`
	AttestationHash string  `json:"attestation_hash"`
	MethodologyID   string  `json:"methodology_id"`
	VintageYear     int     `json:"vintage_year"`
	TonnesCO2e      float64 `json:"tonnes_co2e"`
	HostCountry     string  `json:"host_country"`
}

type registrationResponse struct {
	Accepted   bool   `json:"accepted"`
	Serial     string `json:"serial"`
	ProjectRef string `json:"project_ref"`
	Reason     string `json:"reason"`
}

func toPayload(req registry.RegistrationRequest) creditPayload {
	return creditPayload{
		InternalRef:     req.CreditID.String(),
		AttestationHash: req.AttestationHash,
		MethodologyID:   req.MethodologyID,
		VintageYear:     req.VintageYear,
		TonnesCO2e:      req.TonnesCO2e,
		HostCountry:     req.HostCountry,
	}
}

func toResult(r registrationResponse) registry.RegistrationResult {
	return registry.RegistrationResult{
		Accepted:   r.Accepted,
		Serial:     domain.ExternalSerial(r.Serial),
		ProjectRef: r.ProjectRef,
		Reason:     r.Reason,
	}
}

// Register submits a single credit.
func (c *Client) Register(ctx context.Context, req registry.RegistrationRequest) (*registry.RegistrationResult, error) {
	var resp registrationResponse
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		return c.do(ctx, http.MethodPost, "/v1/credits", toPayload(req), &resp)
	})
	if err != nil {
		return nil, err
	}
	result := toResult(resp)
	return &result, nil
}

// RegisterBatch submits credits in one call; the registry returns results
// in submission order.
func (c *Client) RegisterBatch(ctx context.Context, reqs []registry.RegistrationRequest) ([]registry.RegistrationResult, error) {
	payload := struct {
		Credits []creditPayload `json:"credits"`
	}{Credits: make([]creditPayload, 0, len(reqs))}
	for _, req := range reqs {
		payload.Credits = append(payload.Credits, toPayload(req))
	}

	var resp struct {
		Results []registrationResponse `json:"results"`
	}
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		return c.do(ctx, http.MethodPost, "/v1/credits/batch", payload, &resp)
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Results) != len(reqs) {
		return nil, fmt.Errorf("%s: batch returned %d results for %d credits", c.cfg.Name, len(resp.Results), len(reqs))
	}

	results := make([]registry.RegistrationResult, 0, len(resp.Results))
	for _, r := range resp.Results {
		results = append(results, toResult(r))
	}
	return results, nil
}

type statusResponse struct {
	Serial      string    `json:"serial"`
	ProjectRef  string    `json:"project_ref"`
	InternalRef string    `json:"internal_ref"`
	Status      string    `json:"status"`
	VintageYear int       `json:"vintage_year"`
	TonnesCO2e  float64   `json:"tonnes_co2e"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func toStatus(r statusResponse) *registry.CreditStatus {
	return &registry.CreditStatus{
		Serial:      domain.ExternalSerial(r.Serial),
		ProjectRef:  r.ProjectRef,
		InternalRef: domain.CreditID(r.InternalRef),
		Status:      r.Status,
		VintageYear: r.VintageYear,
		TonnesCO2e:  r.TonnesCO2e,
		UpdatedAt:   r.UpdatedAt,
	}
}

// GetStatus queries one credit by serial or internal reference.
func (c *Client) GetStatus(ctx context.Context, ref registry.StatusRef) (*registry.CreditStatus, error) {
	path := ""
	switch {
	case !ref.Serial.IsZero():
		path = "/v1/credits/" + url.PathEscape(ref.Serial.String())
	case !ref.InternalRef.IsZero():
		path = "/v1/credits/lookup?internal_ref=" + url.QueryEscape(ref.InternalRef.String())
	default:
		return nil, fmt.Errorf("status ref requires a serial or internal reference")
	}

	var resp statusResponse
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		return c.do(ctx, http.MethodGet, path, nil, &resp)
	})
	if err != nil {
		return nil, err
	}
	return toStatus(resp), nil
}

// BulkQuery pages through the registry's credits.
func (c *Client) BulkQuery(ctx context.Context, pageToken string, pageSize int) (*registry.BulkQueryPage, error) {
	q := url.Values{}
	if pageToken != "" {
		q.Set("page_token", pageToken)
	}
	if pageSize > 0 {
		q.Set("page_size", strconv.Itoa(pageSize))
	}
	path := "/v1/credits"
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var resp struct {
		Items         []statusResponse `json:"items"`
		NextPageToken string           `json:"next_page_token"`
	}
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		return c.do(ctx, http.MethodGet, path, nil, &resp)
	})
	if err != nil {
		return nil, err
	}

	page := &registry.BulkQueryPage{NextPageToken: resp.NextPageToken}
	for _, item := range resp.Items {
		page.Items = append(page.Items, *toStatus(item))
	}
	return page, nil
}

// Retire permanently retires a registered credit.
func (c *Client) Retire(ctx context.Context, serial domain.ExternalSerial) error {
	path := "/v1/credits/" + url.PathEscape(serial.String()) + "/retire"
	return c.policy.Do(ctx, func(ctx context.Context) error {
		return c.do(ctx, http.MethodPost, path, struct{}{}, nil)
	})
}
