package service

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/sha3"

	"carbonbridge/internal/bridge/models"
	"carbonbridge/internal/bridge/store"
	"carbonbridge/internal/registry"
	"carbonbridge/pkg/domain"
)

// ImportFromRegistry walks the registry's bulk query and creates a local
// mapping for every credit that already exists over there. Imported
// mappings are born REGISTERED, and therefore bridge-locked, without ever
// passing through PENDING: the credit's lifecycle happened on the registry,
// the bridge is only acknowledging it.
//
// The operation is idempotent. A serial that is already mapped is passed
// over, so re-running an import after a partial failure picks up exactly
// the credits the first run missed. By default the duplicate is recorded
// as skipped; WithImportConflictReporting records it as a conflict
// instead. Individual item failures are recorded and do not stop the run.
func (s *Service) ImportFromRegistry(ctx context.Context) (*models.BatchOperationResult, error) {
	ctx, span := s.tracer.Start(ctx, "bridge.ImportFromRegistry",
		trace.WithAttributes(attribute.String("registry", s.registry.String())))
	defer span.End()

	result := &models.BatchOperationResult{
		BatchID:  uuid.NewString(),
		Registry: s.registry,
	}

	pageToken := ""
	for {
		callStart := time.Now()
		page, err := s.client.BulkQuery(ctx, pageToken, s.chunkSize)
		s.observeRegistryCall("bulk_query", callStart)
		if err != nil {
			return result, fmt.Errorf("bulk query %s: %w", s.registry, err)
		}
		for _, item := range page.Items {
			s.importItem(ctx, item, result)
			if len(result.Items) >= s.importCap {
				s.logger.Warn("import cap reached", "batch_id", result.BatchID, "cap", s.importCap)
				return result, nil
			}
		}
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	s.logger.Info("import complete",
		"batch_id", result.BatchID,
		"registry", s.registry,
		"imported", result.Accepted,
		"skipped", result.Skipped,
		"conflicts", result.Conflicts,
		"errors", result.Errored,
	)
	return result, nil
}

func (s *Service) importItem(ctx context.Context, item registry.CreditStatus, result *models.BatchOperationResult) {
	if item.Serial.IsZero() {
		result.Add(models.BatchItemResult{Outcome: models.OutcomeError, Detail: "registry returned credit without serial"})
		return
	}

	if _, err := s.store.GetBySerial(ctx, item.Serial); err == nil {
		outcome := s.duplicateOutcome()
		result.Add(models.BatchItemResult{
			Outcome: outcome,
			Serial:  item.Serial,
			Detail:  "serial already mapped",
		})
		if s.metrics != nil {
			s.metrics.ImportItemsTotal.WithLabelValues(s.registry.String(), string(outcome)).Inc()
		}
		return
	} else if !errors.Is(err, models.ErrMappingNotFound) {
		result.Add(models.BatchItemResult{Outcome: models.OutcomeError, Serial: item.Serial, Detail: err.Error()})
		return
	}

	creditID := item.InternalRef
	if creditID.IsZero() {
		creditID = DeriveImportCreditID(s.registry, item.Serial, item.VintageYear)
	}

	record, err := s.store.Create(ctx, store.CreateParams{
		CreditID: creditID,
		Facts: models.AssetFacts{
			VintageYear: item.VintageYear,
			TonnesCO2e:  item.TonnesCO2e,
		},
		State:              models.StateRegistered,
		ExternalSerial:     item.Serial,
		ExternalProjectRef: item.ProjectRef,
		ImportBatchID:      result.BatchID,
	})
	if err != nil {
		// Two items of the same run can collide on credit id when the
		// registry reports a serial twice; treat exactly like an
		// already-mapped serial.
		if errors.Is(err, models.ErrMappingExists) || errors.Is(err, models.ErrSerialConflict) {
			result.Add(models.BatchItemResult{
				CreditID: creditID,
				Outcome:  s.duplicateOutcome(),
				Serial:   item.Serial,
				Detail:   "already mapped",
			})
			return
		}
		result.Add(models.BatchItemResult{CreditID: creditID, Outcome: models.OutcomeError, Serial: item.Serial, Detail: err.Error()})
		if s.metrics != nil {
			s.metrics.ImportItemsTotal.WithLabelValues(s.registry.String(), string(models.OutcomeError)).Inc()
		}
		return
	}

	if s.publisher != nil {
		s.publisher.Publish(ctx, models.BridgeStatusEvent{
			CreditID:  record.CreditID,
			Registry:  s.registry,
			NewState:  models.StateRegistered,
			EventType: models.EventImport,
			Timestamp: record.CreatedAt,
			Details:   map[string]string{"import_batch_id": result.BatchID},
		})
	}
	result.Add(models.BatchItemResult{CreditID: record.CreditID, Outcome: models.OutcomeAccepted, Serial: item.Serial})
	if s.metrics != nil {
		s.metrics.ImportItemsTotal.WithLabelValues(s.registry.String(), string(models.OutcomeAccepted)).Inc()
	}
}

// duplicateOutcome is how an already-mapped serial is recorded.
func (s *Service) duplicateOutcome() models.BatchItemOutcome {
	if s.importConflicts {
		return models.OutcomeConflict
	}
	return models.OutcomeSkipped
}

// DeriveImportCreditID makes a stable internal id for a credit that
// originated on a registry. Hashing registry, serial, and vintage keeps
// re-imports and concurrent importers convergent on the same id.
func DeriveImportCreditID(registryName domain.RegistryName, serial domain.ExternalSerial, vintageYear int) domain.CreditID {
	sum := sha3.Sum256([]byte(registryName.String() + "/" + serial.String() + "/" + strconv.Itoa(vintageYear)))
	return domain.CreditID("imp-" + hex.EncodeToString(sum[:12]))
}
