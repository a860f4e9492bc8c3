// Package handler exposes the bridge over HTTP: a webhook intake per
// registry and an operator API for exports, imports, retirement, and
// status. All state logic stays in the service; this layer only
// translates.
package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"carbonbridge/internal/bridge/models"
	"carbonbridge/internal/bridge/service"
	bridgesync "carbonbridge/internal/bridge/sync"
	"carbonbridge/internal/lock"
	"carbonbridge/internal/registry"
	"carbonbridge/pkg/domain"
	"carbonbridge/pkg/platform/httputil"
)

// Webhook headers carried by every push delivery.
const (
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderSignature = "X-Webhook-Signature"
)

// maxWebhookBody bounds how much of a delivery is read before signature
// verification.
const maxWebhookBody = 1 << 20

// Handler routes bridge traffic to the per-registry services.
type Handler struct {
	services map[domain.RegistryName]*service.Service
	webhooks map[domain.RegistryName]*bridgesync.Webhook
	checker  lock.Checker
	logger   *slog.Logger
}

// New constructs a handler over every configured registry. Registries
// without webhook support simply have no entry in webhooks.
func New(services map[domain.RegistryName]*service.Service, webhooks map[domain.RegistryName]*bridgesync.Webhook, checker lock.Checker, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{services: services, webhooks: webhooks, checker: checker, logger: logger}
}

// Register mounts the public surface: webhook intake.
func (h *Handler) Register(r chi.Router) {
	r.Post("/webhooks/{registry}", h.HandleWebhook)
}

// RegisterAdmin mounts the operator API. The caller wraps the router in
// authentication; nothing here is reachable without it.
func (h *Handler) RegisterAdmin(r chi.Router) {
	r.Post("/registries/{registry}/credits", h.HandleCreateMapping)
	r.Post("/registries/{registry}/export", h.HandleExport)
	r.Post("/registries/{registry}/import", h.HandleImport)
	r.Post("/registries/{registry}/credits/{creditID}/retry", h.HandleRetry)
	r.Post("/registries/{registry}/credits/{creditID}/retire", h.HandleRetire)
	r.Get("/registries/{registry}/credits/{creditID}", h.HandleGetMapping)
	r.Get("/registries/{registry}/mappings", h.HandleListMappings)
	r.Get("/credits/{creditID}/lock", h.HandleLockQuery)
}

// HandleWebhook handles POST /webhooks/{registry}.
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	name := domain.RegistryName(chi.URLParam(r, "registry"))
	webhook, ok := h.webhooks[name]
	if !ok {
		httputil.WriteError(w, http.StatusNotFound, "not_found", "no webhook intake for this registry")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "bad_request", "unreadable body")
		return
	}

	outcome, err := webhook.Handle(r.Context(),
		r.Header.Get(HeaderTimestamp),
		r.Header.Get(HeaderSignature),
		body,
	)
	if err != nil {
		switch {
		case errors.Is(err, bridgesync.ErrStaleTimestamp), errors.Is(err, bridgesync.ErrBadSignature):
			h.logger.WarnContext(r.Context(), "rejected webhook delivery", "registry", name, "err", err)
			httputil.WriteError(w, http.StatusUnauthorized, "unauthorized", "delivery failed verification")
		case errors.Is(err, bridgesync.ErrUnknownEvent):
			httputil.WriteError(w, http.StatusUnprocessableEntity, "unknown_event", err.Error())
		default:
			h.writeServiceError(w, r, err)
		}
		return
	}
	httputil.WriteJSON(w, http.StatusOK, WebhookResponse{Outcome: string(outcome)})
}

// HandleCreateMapping handles POST /admin/v1/registries/{registry}/credits.
func (h *Handler) HandleCreateMapping(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.service(w, r)
	if !ok {
		return
	}
	req, ok := httputil.Decode[CreateMappingRequest](w, r)
	if !ok {
		return
	}
	creditID, err := domain.ParseCreditID(req.CreditID)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	record, err := svc.CreateMapping(r.Context(), creditID, req.Facts())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, FromRecord(record))
}

// HandleExport handles POST /admin/v1/registries/{registry}/export.
func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.service(w, r)
	if !ok {
		return
	}
	req, ok := httputil.Decode[ExportRequest](w, r)
	if !ok {
		return
	}
	ids, err := req.ParsedIDs()
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if len(ids) == 0 {
		httputil.WriteError(w, http.StatusBadRequest, "bad_request", "credit_ids must not be empty")
		return
	}

	result, err := svc.ExportBatch(r.Context(), ids)
	if err != nil {
		// A partial result still names every credit that was touched;
		// operators need it to drive reconciliation.
		h.logger.ErrorContext(r.Context(), "export batch failed",
			"registry", svc.Registry(),
			"batch_id", result.BatchID,
			"error", err,
		)
		httputil.WriteJSON(w, http.StatusBadGateway, FromBatchResult(result))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromBatchResult(result))
}

// HandleImport handles POST /admin/v1/registries/{registry}/import.
func (h *Handler) HandleImport(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.service(w, r)
	if !ok {
		return
	}
	result, err := svc.ImportFromRegistry(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "import failed",
			"registry", svc.Registry(),
			"batch_id", result.BatchID,
			"error", err,
		)
		httputil.WriteJSON(w, http.StatusBadGateway, FromBatchResult(result))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromBatchResult(result))
}

// HandleRetry handles POST .../credits/{creditID}/retry.
func (h *Handler) HandleRetry(w http.ResponseWriter, r *http.Request) {
	svc, creditID, ok := h.serviceAndCredit(w, r)
	if !ok {
		return
	}
	record, err := svc.RetryExport(r.Context(), creditID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromRecord(record))
}

// HandleRetire handles POST .../credits/{creditID}/retire.
func (h *Handler) HandleRetire(w http.ResponseWriter, r *http.Request) {
	svc, creditID, ok := h.serviceAndCredit(w, r)
	if !ok {
		return
	}
	req, ok := httputil.Decode[RetireRequest](w, r)
	if !ok {
		return
	}
	record, err := svc.Retire(r.Context(), creditID, req.Reason)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromRecord(record))
}

// HandleGetMapping handles GET .../credits/{creditID}.
func (h *Handler) HandleGetMapping(w http.ResponseWriter, r *http.Request) {
	svc, creditID, ok := h.serviceAndCredit(w, r)
	if !ok {
		return
	}
	record, err := svc.GetStatus(r.Context(), creditID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromRecord(record))
}

// HandleListMappings handles GET .../mappings?state=REGISTERED.
func (h *Handler) HandleListMappings(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.service(w, r)
	if !ok {
		return
	}
	state := models.BridgeState(r.URL.Query().Get("state"))
	if !state.Valid() {
		httputil.WriteError(w, http.StatusBadRequest, "bad_request", "unknown state filter")
		return
	}
	records, err := svc.ListByState(r.Context(), state)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	out := make([]MappingResponse, 0, len(records))
	for _, record := range records {
		out = append(out, FromRecord(record))
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

// HandleLockQuery handles GET /admin/v1/credits/{creditID}/lock, the
// cross-registry lock interface other bridges consult.
func (h *Handler) HandleLockQuery(w http.ResponseWriter, r *http.Request) {
	creditID, err := domain.ParseCreditID(chi.URLParam(r, "creditID"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	holder, err := h.checker.LockedBy(r.Context(), creditID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, LockResponse{
		CreditID: creditID.String(),
		Locked:   holder != "",
		LockedBy: holder.String(),
	})
}

func (h *Handler) service(w http.ResponseWriter, r *http.Request) (*service.Service, bool) {
	name := domain.RegistryName(chi.URLParam(r, "registry"))
	svc, ok := h.services[name]
	if !ok {
		httputil.WriteError(w, http.StatusNotFound, "not_found", "unknown registry")
		return nil, false
	}
	return svc, true
}

func (h *Handler) serviceAndCredit(w http.ResponseWriter, r *http.Request) (*service.Service, domain.CreditID, bool) {
	svc, ok := h.service(w, r)
	if !ok {
		return nil, "", false
	}
	creditID, err := domain.ParseCreditID(chi.URLParam(r, "creditID"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "bad_request", err.Error())
		return nil, "", false
	}
	return svc, creditID, true
}

// writeServiceError maps the bridge error taxonomy onto HTTP statuses.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var stateErr *models.StateTransitionError
	var notFound *registry.NotFoundError
	var authErr *registry.AuthenticationError

	switch {
	case errors.As(err, &stateErr):
		httputil.WriteError(w, http.StatusConflict, "invalid_state_transition", stateErr.Error())
	case errors.Is(err, models.ErrMappingNotFound):
		httputil.WriteError(w, http.StatusNotFound, "not_found", "no mapping for credit")
	case errors.Is(err, models.ErrMappingExists), errors.Is(err, models.ErrSerialConflict):
		httputil.WriteError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, lock.ErrLockHeld):
		httputil.WriteError(w, http.StatusConflict, "bridge_locked", err.Error())
	case errors.As(err, &notFound):
		httputil.WriteError(w, http.StatusNotFound, "registry_not_found", notFound.Error())
	case errors.As(err, &authErr):
		h.logger.ErrorContext(r.Context(), "registry authentication failed", "error", err)
		httputil.WriteError(w, http.StatusBadGateway, "registry_auth_failed", "")
	case registry.IsRegistryFault(err):
		h.logger.ErrorContext(r.Context(), "registry call failed", "error", err)
		httputil.WriteError(w, http.StatusBadGateway, "registry_error", "")
	default:
		h.logger.ErrorContext(r.Context(), "request failed", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "internal_error", "")
	}
}
