package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/suite"

	"carbonbridge/internal/bridge/service"
	"carbonbridge/internal/bridge/store"
	bridgesync "carbonbridge/internal/bridge/sync"
	"carbonbridge/internal/lock"
	"carbonbridge/internal/registry"
	"carbonbridge/pkg/domain"
	"carbonbridge/pkg/requestcontext"
)

// scriptedClient gives each test direct control over registry behavior.
type scriptedClient struct {
	name    domain.RegistryName
	batchFn func(reqs []registry.RegistrationRequest) ([]registry.RegistrationResult, error)
}

func (c *scriptedClient) Name() domain.RegistryName          { return c.name }
func (c *scriptedClient) Authenticate(context.Context) error { return nil }

func (c *scriptedClient) Register(context.Context, registry.RegistrationRequest) (*registry.RegistrationResult, error) {
	return nil, errors.New("not scripted")
}

func (c *scriptedClient) RegisterBatch(_ context.Context, reqs []registry.RegistrationRequest) ([]registry.RegistrationResult, error) {
	return c.batchFn(reqs)
}

func (c *scriptedClient) GetStatus(context.Context, registry.StatusRef) (*registry.CreditStatus, error) {
	return nil, errors.New("not scripted")
}

func (c *scriptedClient) BulkQuery(context.Context, string, int) (*registry.BulkQueryPage, error) {
	return &registry.BulkQueryPage{}, nil
}

func (c *scriptedClient) Retire(context.Context, domain.ExternalSerial) error { return nil }

// =============================================================================
// Handler Test Suite
// =============================================================================

type HandlerSuite struct {
	suite.Suite
	store    *store.InMemoryStore
	client   *scriptedClient
	svc      *service.Service
	verifier *bridgesync.HMACVerifier
	router   chi.Router
	now      time.Time
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	s.store = store.NewInMemory("verdant")
	s.client = &scriptedClient{name: "verdant"}
	checker := lock.NewStoreChecker(s.store)
	s.svc = service.New(s.store, s.client, checker)
	s.verifier = bridgesync.NewHMACVerifier([]byte("whsec_test"))
	webhook := bridgesync.NewWebhook(s.svc, s.verifier)

	h := New(
		map[domain.RegistryName]*service.Service{"verdant": s.svc},
		map[domain.RegistryName]*bridgesync.Webhook{"verdant": webhook},
		checker,
		nil,
	)

	s.now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.router = chi.NewRouter()
	// Pin request time so webhook window checks are deterministic.
	s.router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(requestcontext.WithTime(r.Context(), s.now)))
		})
	})
	h.Register(s.router)
	s.router.Route("/admin/v1", h.RegisterAdmin)
}

func (s *HandlerSuite) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		s.Require().NoError(json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *HandlerSuite) createMapping(creditID string) {
	w := s.do(http.MethodPost, "/admin/v1/registries/verdant/credits", CreateMappingRequest{
		CreditID:        creditID,
		AttestationHash: "ab12",
		MethodologyID:   "VCS-AMS-III-H",
		VintageYear:     2025,
		TonnesCO2e:      50,
	})
	s.Require().Equal(http.StatusCreated, w.Code, w.Body.String())
}

func (s *HandlerSuite) TestCreateMapping() {
	s.Run("creates a pending mapping", func() {
		s.SetupTest()
		s.createMapping("c1")

		var resp MappingResponse
		w := s.do(http.MethodGet, "/admin/v1/registries/verdant/credits/c1", nil)
		s.Require().Equal(http.StatusOK, w.Code)
		s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &resp))
		s.Equal("PENDING", resp.State)
		s.False(resp.BridgeLocked)
	})

	s.Run("duplicate credit id conflicts", func() {
		s.SetupTest()
		s.createMapping("c1")
		w := s.do(http.MethodPost, "/admin/v1/registries/verdant/credits", CreateMappingRequest{CreditID: "c1"})
		s.Equal(http.StatusConflict, w.Code)
	})

	s.Run("unknown registry is 404", func() {
		s.SetupTest()
		w := s.do(http.MethodPost, "/admin/v1/registries/nowhere/credits", CreateMappingRequest{CreditID: "c1"})
		s.Equal(http.StatusNotFound, w.Code)
	})

	s.Run("blank credit id is rejected", func() {
		s.SetupTest()
		w := s.do(http.MethodPost, "/admin/v1/registries/verdant/credits", CreateMappingRequest{CreditID: "  "})
		s.Equal(http.StatusBadRequest, w.Code)
	})
}

func (s *HandlerSuite) TestExport() {
	s.Run("returns the structured batch result", func() {
		s.SetupTest()
		s.createMapping("c1")
		s.createMapping("c2")
		s.client.batchFn = func(reqs []registry.RegistrationRequest) ([]registry.RegistrationResult, error) {
			return []registry.RegistrationResult{
				{Accepted: true, Serial: "VCU-123"},
				{Accepted: false, Reason: "bad vintage"},
			}, nil
		}

		w := s.do(http.MethodPost, "/admin/v1/registries/verdant/export", ExportRequest{CreditIDs: []string{"c1", "c2"}})
		s.Require().Equal(http.StatusOK, w.Code, w.Body.String())

		var resp BatchResponse
		s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &resp))
		s.Equal(1, resp.Accepted)
		s.Equal(1, resp.Rejected)
		s.Len(resp.Items, 2)
	})

	s.Run("whole-batch failure surfaces as bad gateway with the partial result", func() {
		s.SetupTest()
		s.createMapping("c1")
		s.client.batchFn = func([]registry.RegistrationRequest) ([]registry.RegistrationResult, error) {
			return nil, &registry.APIRequestError{StatusCode: 503, Message: "down", Retryable: true}
		}

		w := s.do(http.MethodPost, "/admin/v1/registries/verdant/export", ExportRequest{CreditIDs: []string{"c1"}})
		s.Require().Equal(http.StatusBadGateway, w.Code)

		var resp BatchResponse
		s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &resp))
		s.Equal(1, resp.Errored)
	})

	s.Run("empty credit list is rejected", func() {
		s.SetupTest()
		w := s.do(http.MethodPost, "/admin/v1/registries/verdant/export", ExportRequest{})
		s.Equal(http.StatusBadRequest, w.Code)
	})
}

func (s *HandlerSuite) TestRetire() {
	s.Run("retires a registered credit", func() {
		s.SetupTest()
		s.createMapping("c1")
		s.client.batchFn = func(reqs []registry.RegistrationRequest) ([]registry.RegistrationResult, error) {
			return []registry.RegistrationResult{{Accepted: true, Serial: "VCU-123"}}, nil
		}
		w := s.do(http.MethodPost, "/admin/v1/registries/verdant/export", ExportRequest{CreditIDs: []string{"c1"}})
		s.Require().Equal(http.StatusOK, w.Code)

		w = s.do(http.MethodPost, "/admin/v1/registries/verdant/credits/c1/retire", RetireRequest{Reason: "claimed"})
		s.Require().Equal(http.StatusOK, w.Code, w.Body.String())

		var resp MappingResponse
		s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &resp))
		s.Equal("RETIRED", resp.State)
		s.False(resp.BridgeLocked)
	})

	s.Run("retiring a pending credit conflicts", func() {
		s.SetupTest()
		s.createMapping("c1")
		w := s.do(http.MethodPost, "/admin/v1/registries/verdant/credits/c1/retire", RetireRequest{Reason: "too soon"})
		s.Equal(http.StatusConflict, w.Code)

		var body map[string]string
		s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &body))
		s.Equal("invalid_state_transition", body["error"])
	})
}

func (s *HandlerSuite) TestListMappings() {
	s.Run("filters by state", func() {
		s.SetupTest()
		s.createMapping("c1")
		s.createMapping("c2")

		w := s.do(http.MethodGet, "/admin/v1/registries/verdant/mappings?state=PENDING", nil)
		s.Require().Equal(http.StatusOK, w.Code)
		var resp []MappingResponse
		s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &resp))
		s.Len(resp, 2)
	})

	s.Run("unknown state filter is rejected", func() {
		s.SetupTest()
		w := s.do(http.MethodGet, "/admin/v1/registries/verdant/mappings?state=LIMBO", nil)
		s.Equal(http.StatusBadRequest, w.Code)
	})
}

func (s *HandlerSuite) TestLockQuery() {
	s.Run("reports the holding registry", func() {
		s.SetupTest()
		s.createMapping("c1")
		s.client.batchFn = func(reqs []registry.RegistrationRequest) ([]registry.RegistrationResult, error) {
			return []registry.RegistrationResult{{Accepted: true, Serial: "VCU-123"}}, nil
		}
		w := s.do(http.MethodPost, "/admin/v1/registries/verdant/export", ExportRequest{CreditIDs: []string{"c1"}})
		s.Require().Equal(http.StatusOK, w.Code)

		w = s.do(http.MethodGet, "/admin/v1/credits/c1/lock", nil)
		s.Require().Equal(http.StatusOK, w.Code)
		var resp LockResponse
		s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &resp))
		s.True(resp.Locked)
		s.Equal("verdant", resp.LockedBy)
	})

	s.Run("unmapped credit is unlocked", func() {
		s.SetupTest()
		w := s.do(http.MethodGet, "/admin/v1/credits/ghost/lock", nil)
		s.Require().Equal(http.StatusOK, w.Code)
		var resp LockResponse
		s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &resp))
		s.False(resp.Locked)
	})
}

func (s *HandlerSuite) TestWebhookEndpoint() {
	signedDelivery := func(eventType string, data bridgesync.WebhookEvent) *http.Request {
		payload := bridgesync.WebhookPayload{EventID: "evt-1", EventType: eventType, Timestamp: s.now, Data: data}
		body, err := json.Marshal(payload)
		s.Require().NoError(err)
		ts := strconv.FormatInt(s.now.Unix(), 10)
		req := httptest.NewRequest(http.MethodPost, "/webhooks/verdant", bytes.NewReader(body))
		req.Header.Set(HeaderTimestamp, ts)
		req.Header.Set(HeaderSignature, s.verifier.Sign(ts, body))
		return req
	}

	s.Run("verified delivery applies the transition", func() {
		s.SetupTest()
		s.createMapping("c1")
		s.client.batchFn = func(reqs []registry.RegistrationRequest) ([]registry.RegistrationResult, error) {
			return nil, &registry.APIRequestError{StatusCode: 503, Message: "down", Retryable: true}
		}
		// Strand c1 in SUBMITTED, then let the webhook resolve it.
		s.do(http.MethodPost, "/admin/v1/registries/verdant/export", ExportRequest{CreditIDs: []string{"c1"}})

		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, signedDelivery("credit.issued", bridgesync.WebhookEvent{InternalRef: "c1", Serial: "VCU-9"}))
		s.Require().Equal(http.StatusOK, w.Code, w.Body.String())

		var resp WebhookResponse
		s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &resp))
		s.Equal("applied", resp.Outcome)
	})

	s.Run("forged signature is unauthorized", func() {
		s.SetupTest()
		req := signedDelivery("credit.issued", bridgesync.WebhookEvent{InternalRef: "c1"})
		req.Header.Set(HeaderSignature, "deadbeef")

		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)
		s.Equal(http.StatusUnauthorized, w.Code)
	})

	s.Run("registry without webhook intake is 404", func() {
		s.SetupTest()
		req := signedDelivery("credit.issued", bridgesync.WebhookEvent{InternalRef: "c1"})
		req.URL.Path = "/webhooks/heritage"

		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)
		s.Equal(http.StatusNotFound, w.Code)
	})
}
