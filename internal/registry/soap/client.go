// Package soap implements the registry client for the legacy SOAP/XML
// registry. Session-token auth rides inside the envelope body, responses
// are parsed by extracting named elements rather than full schema
// validation, and an expired session triggers one silent re-authentication
// that is not counted against the authentication failure budget.
package soap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"carbonbridge/internal/registry"
	"carbonbridge/pkg/domain"
)

// Config holds everything needed to talk to the SOAP registry.
type Config struct {
	Name     domain.RegistryName
	Endpoint string
	Username string
	Password string
}

// Client talks to the legacy SOAP registry. Safe for concurrent use.
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

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithRetryPolicy(p registry.RetryPolicy) Option {
	return func(c *Client) { c.policy = p }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New constructs a SOAP registry client.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
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

// post sends one envelope and returns the raw response document. SOAP
// faults travel in a 200 or 500 body, so the HTTP status alone is not
// consulted for fault classification.
func (c *Client) post(ctx context.Context, operation, envelope string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, strings.NewReader(envelope))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", serviceNS+"#"+operation)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", operation, err)
	}
	defer resp.Body.Close()

	doc, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", operation, err)
	}
	if code, reason, found := extractFault(doc); found {
		if code == "NotFound" {
			return nil, &registry.NotFoundError{Registry: c.cfg.Name, Ref: reason}
		}
		return nil, &registry.SoapFault{Registry: c.cfg.Name, Code: code, Reason: reason}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &registry.APIRequestError{
			Registry:   c.cfg.Name,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("%s returned http %d without a fault", operation, resp.StatusCode),
			Retryable:  resp.StatusCode >= 500,
		}
	}
	return doc, nil
}

// Authenticate establishes a session. This is the counted authentication
// path; the silent renewal in call() goes through it too but swallows the
// previous session first.
func (c *Client) Authenticate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticateLocked(ctx)
}

func (c *Client) authenticateLocked(ctx context.Context) error {
	envelope := buildEnvelope("AuthenticateRequest", []field{
		{"Username", c.cfg.Username},
		{"Password", c.cfg.Password},
	}, nil)

	doc, err := c.post(ctx, "Authenticate", envelope)
	if err != nil {
		return &registry.AuthenticationError{Registry: c.cfg.Name, Err: err}
	}

	token, ok := extractElement(doc, "SessionToken")
	if !ok || token == "" {
		return &registry.AuthenticationError{Registry: c.cfg.Name, Err: fmt.Errorf("response missing SessionToken")}
	}
	ttl := 30 * time.Minute
	if raw, ok := extractElement(doc, "ExpiresInSeconds"); ok {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			ttl = time.Duration(secs) * time.Second
		}
	}

	c.session = registry.Session{Token: token, ExpiresAt: time.Now().Add(ttl)}
	c.logger.Debug("registry session established", "registry", c.cfg.Name)
	return nil
}

func (c *Client) sessionToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.session.LiveAt(time.Now()) {
		if err := c.authenticateLocked(ctx); err != nil {
			return "", err
		}
	}
	return c.session.Token, nil
}

// call runs one operation with the session token injected. A
// session-expired fault triggers one silent re-authentication and a
// replay of the same call.
func (c *Client) call(ctx context.Context, operation string, fields []field, blocks []block) ([]byte, error) {
	renewed := false
	for {
		token, err := c.sessionToken(ctx)
		if err != nil {
			return nil, err
		}

		envelope := buildEnvelope(operation+"Request",
			append([]field{{"SessionToken", token}}, fields...), blocks)
		doc, err := c.post(ctx, operation, envelope)
		if err == nil {
			return doc, nil
		}

		var fault *registry.SoapFault
		if !renewed && errors.As(err, &fault) && fault.SessionExpired() {
			c.mu.Lock()
			c.session = registry.Session{}
			c.mu.Unlock()
			renewed = true
			continue
		}
		return nil, err
	}
}

func registrationFields(req registry.RegistrationRequest) []field {
	return []field{
		{"InternalRef", req.CreditID.String()},
		{"AttestationHash", req.AttestationHash},
		{"MethodologyId", req.MethodologyID},
		{"VintageYear", strconv.Itoa(req.VintageYear)},
		{"TonnesCO2e", strconv.FormatFloat(req.TonnesCO2e, 'f', -1, 64)},
		{"HostCountry", req.HostCountry},
	}
}

func resultFromBlock(b map[string]string) registry.RegistrationResult {
	return registry.RegistrationResult{
		Accepted:   b["Accepted"] == "true",
		Serial:     domain.ExternalSerial(b["Serial"]),
		ProjectRef: b["ProjectRef"],
		Reason:     b["Reason"],
	}
}

// Register submits a single credit.
func (c *Client) Register(ctx context.Context, req registry.RegistrationRequest) (*registry.RegistrationResult, error) {
	var result registry.RegistrationResult
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		doc, err := c.call(ctx, "RegisterCredit", registrationFields(req), nil)
		if err != nil {
			return err
		}
		serial, _ := extractElement(doc, "Serial")
		projectRef, _ := extractElement(doc, "ProjectRef")
		accepted, _ := extractElement(doc, "Accepted")
		reason, _ := extractElement(doc, "Reason")
		result = registry.RegistrationResult{
			Accepted:   accepted == "true",
			Serial:     domain.ExternalSerial(serial),
			ProjectRef: projectRef,
			Reason:     reason,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// RegisterBatch submits credits as repeated Credit blocks; the registry
// answers with one Result block per credit in submission order.
func (c *Client) RegisterBatch(ctx context.Context, reqs []registry.RegistrationRequest) ([]registry.RegistrationResult, error) {
	blocks := make([]block, 0, len(reqs))
	for _, req := range reqs {
		blocks = append(blocks, block{name: "Credit", fields: registrationFields(req)})
	}

	var results []registry.RegistrationResult
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		doc, err := c.call(ctx, "RegisterCreditBatch", nil, blocks)
		if err != nil {
			return err
		}
		raw := extractBlocks(doc, "Result")
		if len(raw) != len(reqs) {
			return fmt.Errorf("%s: batch returned %d results for %d credits", c.cfg.Name, len(raw), len(reqs))
		}
		results = results[:0]
		for _, b := range raw {
			results = append(results, resultFromBlock(b))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func statusFromBlock(b map[string]string) registry.CreditStatus {
	vintage, _ := strconv.Atoi(b["VintageYear"])
	tonnes, _ := strconv.ParseFloat(b["TonnesCO2e"], 64)
	updatedAt, _ := time.Parse(time.RFC3339, b["UpdatedAt"])
	return registry.CreditStatus{
		Serial:      domain.ExternalSerial(b["Serial"]),
		ProjectRef:  b["ProjectRef"],
		InternalRef: domain.CreditID(b["InternalRef"]),
		Status:      b["Status"],
		VintageYear: vintage,
		TonnesCO2e:  tonnes,
		UpdatedAt:   updatedAt,
	}
}

// GetStatus queries one credit by serial or internal reference.
func (c *Client) GetStatus(ctx context.Context, ref registry.StatusRef) (*registry.CreditStatus, error) {
	var fields []field
	switch {
	case !ref.Serial.IsZero():
		fields = []field{{"Serial", ref.Serial.String()}}
	case !ref.InternalRef.IsZero():
		fields = []field{{"InternalRef", ref.InternalRef.String()}}
	default:
		return nil, fmt.Errorf("status ref requires a serial or internal reference")
	}

	var status registry.CreditStatus
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		doc, err := c.call(ctx, "GetCreditStatus", fields, nil)
		if err != nil {
			return err
		}
		blocks := extractBlocks(doc, "CreditStatus")
		if len(blocks) == 0 {
			return fmt.Errorf("%s: response missing CreditStatus", c.cfg.Name)
		}
		status = statusFromBlock(blocks[0])
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &status, nil
}

// BulkQuery pages through the registry's credits.
func (c *Client) BulkQuery(ctx context.Context, pageToken string, pageSize int) (*registry.BulkQueryPage, error) {
	fields := []field{}
	if pageToken != "" {
		fields = append(fields, field{"PageToken", pageToken})
	}
	if pageSize > 0 {
		fields = append(fields, field{"PageSize", strconv.Itoa(pageSize)})
	}

	var page registry.BulkQueryPage
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		doc, err := c.call(ctx, "BulkQueryCredits", fields, nil)
		if err != nil {
			return err
		}
		page = registry.BulkQueryPage{}
		for _, b := range extractBlocks(doc, "CreditStatus") {
			page.Items = append(page.Items, statusFromBlock(b))
		}
		if token, ok := extractElement(doc, "NextPageToken"); ok {
			page.NextPageToken = token
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &page, nil
}

// Retire permanently retires a registered credit.
func (c *Client) Retire(ctx context.Context, serial domain.ExternalSerial) error {
	return c.policy.Do(ctx, func(ctx context.Context) error {
		_, err := c.call(ctx, "RetireCredit", []field{{"Serial", serial.String()}}, nil)
		return err
	})
}
