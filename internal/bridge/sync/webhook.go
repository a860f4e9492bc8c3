// Package sync keeps bridge mappings aligned with what the registries
// themselves report, through signed webhooks where the registry pushes and
// a poll loop where it does not. Both paths converge on the same internal
// contract: apply the externally observed state through the service, which
// owns the state machine.
package sync

import (
	"context"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"carbonbridge/internal/bridge/metrics"
	"carbonbridge/internal/bridge/models"
	"carbonbridge/internal/bridge/service"
	"carbonbridge/pkg/domain"
	"carbonbridge/pkg/requestcontext"
)

// DefaultTimestampWindow bounds how far a webhook timestamp may drift from
// local time, in either direction, before the delivery is treated as a
// replay.
const DefaultTimestampWindow = 5 * time.Minute

var (
	ErrStaleTimestamp = errors.New("webhook timestamp outside tolerance window")
	ErrBadSignature   = errors.New("webhook signature mismatch")
	ErrUnknownEvent   = errors.New("unrecognised webhook event type")
)

// SignatureVerifier checks the authenticity of one delivery. The signed
// message is the timestamp header concatenated with the raw body, so a
// valid signature also binds the timestamp the window check relies on.
type SignatureVerifier interface {
	Verify(timestamp string, body []byte, signature string) error
}

// HMACVerifier verifies hex-encoded HMAC-SHA256 signatures with a shared
// secret.
type HMACVerifier struct {
	secret []byte
}

func NewHMACVerifier(secret []byte) *HMACVerifier {
	return &HMACVerifier{secret: secret}
}

func (v *HMACVerifier) Verify(timestamp string, body []byte, signature string) error {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return ErrBadSignature
	}
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(timestamp))
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), want) {
		return ErrBadSignature
	}
	return nil
}

// Sign produces the signature a registry would attach. Tests and the
// registry simulator use it.
func (v *HMACVerifier) Sign(timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Ed25519Verifier verifies hex-encoded Ed25519 signatures for registries
// that publish a signing key instead of sharing a secret.
type Ed25519Verifier struct {
	key ed25519.PublicKey
}

func NewEd25519Verifier(key ed25519.PublicKey) *Ed25519Verifier {
	return &Ed25519Verifier{key: key}
}

func (v *Ed25519Verifier) Verify(timestamp string, body []byte, signature string) error {
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return ErrBadSignature
	}
	msg := make([]byte, 0, len(timestamp)+len(body))
	msg = append(msg, timestamp...)
	msg = append(msg, body...)
	if !ed25519.Verify(v.key, msg, sig) {
		return ErrBadSignature
	}
	return nil
}

// WebhookPayload is the JSON body every registry posts.
type WebhookPayload struct {
	EventID   string       `json:"event_id"`
	EventType string       `json:"event_type"`
	Timestamp time.Time    `json:"timestamp"`
	Data      WebhookEvent `json:"data"`
}

// WebhookEvent carries the credit the event concerns.
type WebhookEvent struct {
	Serial      string `json:"serial"`
	InternalRef string `json:"internal_ref"`
	ProjectRef  string `json:"project_ref,omitempty"`
	Status      string `json:"status,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// WebhookOutcome labels how a delivery was handled, for logs and metrics.
type WebhookOutcome string

const (
	OutcomeApplied       WebhookOutcome = "applied"
	OutcomeDuplicate     WebhookOutcome = "duplicate"
	OutcomeUnknownSerial WebhookOutcome = "unknown_serial"
	OutcomeIgnored       WebhookOutcome = "ignored"
	// OutcomeRejectedDelivery marks deliveries that failed verification.
	OutcomeRejectedDelivery WebhookOutcome = "rejected"
)

// eventTargets maps registry event types to the canonical state they
// imply. Cancellation is absent: its target depends on the record's
// current state and is resolved separately.
var eventTargets = map[string]struct {
	state models.BridgeState
	event models.BridgeEventType
}{
	"credit.issued":         {models.StateRegistered, models.EventCreditIssued},
	"review.approved":       {models.StateRegistered, models.EventReviewApproved},
	"review.rejected":       {models.StateRejected, models.EventReviewRejected},
	"credit.retired":        {models.StateRetired, models.EventRetired},
	"credit.status_changed": {"", models.EventStatusChanged},
	"credit.cancelled":      {"", models.EventCancelled},
	"credit.transferred":    {"", models.EventTransferred},
}

// Webhook processes verified push deliveries for one registry.
type Webhook struct {
	svc      *service.Service
	verifier SignatureVerifier
	window   time.Duration
	statuses StatusMap
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

type WebhookOption func(w *Webhook)

func WithWebhookWindow(d time.Duration) WebhookOption {
	return func(w *Webhook) {
		if d > 0 {
			w.window = d
		}
	}
}

func WithWebhookLogger(logger *slog.Logger) WebhookOption {
	return func(w *Webhook) { w.logger = logger }
}

func WithWebhookMetrics(m *metrics.Metrics) WebhookOption {
	return func(w *Webhook) { w.metrics = m }
}

func WithWebhookStatusMap(sm StatusMap) WebhookOption {
	return func(w *Webhook) { w.statuses = sm }
}

func NewWebhook(svc *service.Service, verifier SignatureVerifier, opts ...WebhookOption) *Webhook {
	w := &Webhook{
		svc:      svc,
		verifier: verifier,
		window:   DefaultTimestampWindow,
		statuses: DefaultStatusMap(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Handle verifies and applies one delivery. Verification failures return
// an error; a verified delivery never does, even when it changes nothing,
// because at-least-once registries re-deliver until acknowledged.
func (w *Webhook) Handle(ctx context.Context, timestamp, signature string, body []byte) (WebhookOutcome, error) {
	if err := w.checkTimestamp(ctx, timestamp); err != nil {
		w.count(OutcomeRejectedDelivery)
		return "", err
	}
	if err := w.verifier.Verify(timestamp, body, signature); err != nil {
		w.count(OutcomeRejectedDelivery)
		return "", err
	}

	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("decode webhook body: %w", err)
	}

	outcome, err := w.apply(ctx, payload)
	if err != nil {
		return outcome, err
	}
	w.count(outcome)
	return outcome, nil
}

func (w *Webhook) checkTimestamp(ctx context.Context, timestamp string) error {
	secs, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("parse webhook timestamp %q: %w", timestamp, ErrStaleTimestamp)
	}
	drift := requestcontext.Now(ctx).Sub(time.Unix(secs, 0))
	if drift > w.window || drift < -w.window {
		return fmt.Errorf("timestamp drift %s: %w", drift, ErrStaleTimestamp)
	}
	return nil
}

func (w *Webhook) apply(ctx context.Context, payload WebhookPayload) (WebhookOutcome, error) {
	target, ok := eventTargets[payload.EventType]
	if !ok {
		return OutcomeIgnored, fmt.Errorf("%w: %s", ErrUnknownEvent, payload.EventType)
	}

	record, found, err := w.resolve(ctx, payload.Data)
	if err != nil {
		return "", err
	}
	if !found {
		// The event may concern a credit this deployment never bridged.
		w.logger.Debug("webhook for unknown credit",
			"registry", w.svc.Registry(),
			"event_type", payload.EventType,
			"serial", payload.Data.Serial,
		)
		return OutcomeUnknownSerial, nil
	}

	targetState := target.state
	switch payload.EventType {
	case "credit.transferred":
		// Ownership moved on the registry; bridge state is unaffected.
		return OutcomeIgnored, nil
	case "credit.status_changed":
		mapped, ok := w.statuses.Resolve(payload.Data.Status)
		if !ok {
			return OutcomeIgnored, fmt.Errorf("%w: status %q", ErrUnknownEvent, payload.Data.Status)
		}
		targetState = mapped
	case "credit.cancelled":
		targetState = cancelTarget(record.State)
	}

	meta := models.TransitionMeta{Reason: payload.Data.Reason}
	if targetState == models.StateRegistered {
		meta.ExternalSerial = domain.ExternalSerial(payload.Data.Serial)
		meta.ExternalProjectRef = payload.Data.ProjectRef
	}

	_, changed, err := w.svc.SyncState(ctx, record.CreditID, targetState, meta, target.event)
	if err != nil {
		return "", err
	}
	if !changed {
		return OutcomeDuplicate, nil
	}
	return OutcomeApplied, nil
}

// resolve finds the record the event refers to, by serial first and
// internal reference second.
func (w *Webhook) resolve(ctx context.Context, data WebhookEvent) (*models.BridgeMappingRecord, bool, error) {
	if data.Serial != "" {
		record, err := w.svc.GetBySerial(ctx, domain.ExternalSerial(data.Serial))
		if err == nil {
			return record, true, nil
		}
		if !errors.Is(err, models.ErrMappingNotFound) {
			return nil, false, err
		}
	}
	if data.InternalRef != "" {
		record, err := w.svc.GetStatus(ctx, domain.CreditID(data.InternalRef))
		if err == nil {
			return record, true, nil
		}
		if !errors.Is(err, models.ErrMappingNotFound) {
			return nil, false, err
		}
	}
	return nil, false, nil
}

func (w *Webhook) count(outcome WebhookOutcome) {
	if w.metrics == nil {
		return
	}
	w.metrics.WebhookTotal.WithLabelValues(w.svc.Registry().String(), string(outcome)).Inc()
}

// cancelTarget resolves what a registry-side cancellation means locally: a
// credit still in review bounces back as rejected, a live one is finished
// as retired.
func cancelTarget(current models.BridgeState) models.BridgeState {
	if current == models.StateRegistered {
		return models.StateRetired
	}
	return models.StateRejected
}
