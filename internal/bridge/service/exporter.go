package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"carbonbridge/internal/bridge/models"
	"carbonbridge/internal/lock"
	"carbonbridge/internal/registry"
	"carbonbridge/pkg/domain"
)

// ExportBatch bridges a set of pending credits onto the registry.
//
// Credits that are unmapped, not PENDING, or bridge-locked by another
// registry are skipped up front with the reason recorded. The remainder is
// processed in fixed-size chunks, strictly in order. Within a chunk every
// credit is moved to SUBMITTED (and, when a distributed locker is
// configured, claimed there) before the registry call goes out, so a crash
// mid-call can never leave an exported credit looking exportable on
// another registry.
//
// Registry responses map back positionally: accepted items become
// REGISTERED under their issued serial, rejected ones become REJECTED with
// the registry's reason. If a chunk call fails outright after retries, its
// credits stay SUBMITTED with the failure recorded, remaining chunks are
// not attempted, and the partial result is returned alongside the error.
// Reconciliation picks those up later.
func (s *Service) ExportBatch(ctx context.Context, creditIDs []domain.CreditID) (*models.BatchOperationResult, error) {
	ctx, span := s.tracer.Start(ctx, "bridge.ExportBatch",
		trace.WithAttributes(
			attribute.String("registry", s.registry.String()),
			attribute.Int("credits", len(creditIDs)),
		))
	defer span.End()

	result := &models.BatchOperationResult{
		BatchID:  uuid.NewString(),
		Registry: s.registry,
	}

	eligible := make([]*models.BridgeMappingRecord, 0, len(creditIDs))
	for _, id := range creditIDs {
		record, skipReason, err := s.exportEligibility(ctx, id)
		if err != nil {
			return result, err
		}
		if skipReason != "" {
			result.Add(models.BatchItemResult{CreditID: id, Outcome: models.OutcomeSkipped, Detail: skipReason})
			continue
		}
		eligible = append(eligible, record)
	}

	for start := 0; start < len(eligible); start += s.chunkSize {
		end := start + s.chunkSize
		if end > len(eligible) {
			end = len(eligible)
		}
		if err := s.exportChunk(ctx, eligible[start:end], result); err != nil {
			if s.metrics != nil {
				s.metrics.ExportBatchesTotal.WithLabelValues(s.registry.String(), "error").Inc()
			}
			return result, fmt.Errorf("export batch %s: %w", result.BatchID, err)
		}
	}

	if s.metrics != nil {
		s.metrics.ExportBatchesTotal.WithLabelValues(s.registry.String(), "ok").Inc()
	}
	s.logger.Info("export batch complete",
		"batch_id", result.BatchID,
		"registry", s.registry,
		"accepted", result.Accepted,
		"rejected", result.Rejected,
		"skipped", result.Skipped,
	)
	return result, nil
}

// exportEligibility decides whether one credit can go out. A non-empty
// skip reason means the credit is passed over without error.
func (s *Service) exportEligibility(ctx context.Context, id domain.CreditID) (*models.BridgeMappingRecord, string, error) {
	record, err := s.store.GetByCreditID(ctx, id)
	if errors.Is(err, models.ErrMappingNotFound) {
		return nil, "no mapping for credit", nil
	}
	if err != nil {
		return nil, "", err
	}
	if record.State != models.StatePending {
		return nil, fmt.Sprintf("state is %s, not %s", record.State, models.StatePending), nil
	}
	holder, err := s.checker.LockedBy(ctx, id)
	if err != nil {
		return nil, "", fmt.Errorf("check lock for %s: %w", id, err)
	}
	// A PENDING credit with any live lock, including a stale one of our
	// own, is not safe to resubmit; the retry path handles those.
	if holder != "" {
		if s.metrics != nil {
			s.metrics.LockSkipsTotal.WithLabelValues(s.registry.String(), holder.String()).Inc()
		}
		return nil, fmt.Sprintf("bridge-locked by %s", holder), nil
	}
	return record, "", nil
}

// exportChunk submits one chunk. Every credit is locked and SUBMITTED
// before the wire call; the positional response then settles each one.
func (s *Service) exportChunk(ctx context.Context, chunk []*models.BridgeMappingRecord, result *models.BatchOperationResult) error {
	requests := make([]registry.RegistrationRequest, 0, len(chunk))
	submitted := make([]*models.BridgeMappingRecord, 0, len(chunk))

	for _, record := range chunk {
		if s.locker != nil {
			if err := s.locker.Acquire(ctx, record.CreditID, s.registry); err != nil {
				if errors.Is(err, lock.ErrLockHeld) || errors.Is(err, lock.ErrDegraded) {
					result.Add(models.BatchItemResult{
						CreditID: record.CreditID,
						Outcome:  models.OutcomeSkipped,
						Detail:   err.Error(),
					})
					continue
				}
				return err
			}
		}
		if _, err := s.applyTransition(ctx, record.CreditID, models.StateSubmitted, models.TransitionMeta{}, models.EventExport); err != nil {
			// Lost a race since the eligibility pass; treat as a skip.
			if models.IsStateTransition(err) {
				s.releaseLock(ctx, record.CreditID)
				result.Add(models.BatchItemResult{
					CreditID: record.CreditID,
					Outcome:  models.OutcomeSkipped,
					Detail:   err.Error(),
				})
				continue
			}
			return err
		}
		requests = append(requests, registrationRequest(record))
		submitted = append(submitted, record)
	}

	if len(requests) == 0 {
		return nil
	}

	callStart := time.Now()
	results, err := s.client.RegisterBatch(ctx, requests)
	s.observeRegistryCall("register_batch", callStart)
	if err != nil {
		for _, record := range submitted {
			if _, recErr := s.store.RecordError(ctx, record.CreditID, err.Error()); recErr != nil {
				s.logger.Error("record export failure", "credit_id", record.CreditID, "err", recErr)
			}
			result.Add(models.BatchItemResult{
				CreditID: record.CreditID,
				Outcome:  models.OutcomeError,
				Detail:   err.Error(),
			})
			if s.metrics != nil {
				s.metrics.ExportItemsTotal.WithLabelValues(s.registry.String(), string(models.OutcomeError)).Inc()
			}
		}
		return err
	}

	for i, res := range results {
		s.settleExport(ctx, submitted[i], res, result)
	}
	return nil
}

// settleExport applies one positional registry verdict to a SUBMITTED
// credit.
func (s *Service) settleExport(ctx context.Context, record *models.BridgeMappingRecord, res registry.RegistrationResult, result *models.BatchOperationResult) {
	if res.Accepted {
		_, err := s.applyTransition(ctx, record.CreditID, models.StateRegistered, models.TransitionMeta{
			ExternalSerial:     res.Serial,
			ExternalProjectRef: res.ProjectRef,
		}, models.EventCreditIssued)
		if err != nil {
			s.logger.Error("register accepted credit", "credit_id", record.CreditID, "serial", res.Serial, "err", err)
			result.Add(models.BatchItemResult{CreditID: record.CreditID, Outcome: models.OutcomeError, Detail: err.Error()})
			if s.metrics != nil {
				s.metrics.ExportItemsTotal.WithLabelValues(s.registry.String(), string(models.OutcomeError)).Inc()
			}
			return
		}
		result.Add(models.BatchItemResult{CreditID: record.CreditID, Outcome: models.OutcomeAccepted, Serial: res.Serial})
		if s.metrics != nil {
			s.metrics.ExportItemsTotal.WithLabelValues(s.registry.String(), string(models.OutcomeAccepted)).Inc()
		}
		return
	}

	_, err := s.applyTransition(ctx, record.CreditID, models.StateRejected, models.TransitionMeta{
		Reason: res.Reason,
	}, models.EventReviewRejected)
	if err != nil {
		s.logger.Error("record rejection", "credit_id", record.CreditID, "err", err)
		result.Add(models.BatchItemResult{CreditID: record.CreditID, Outcome: models.OutcomeError, Detail: err.Error()})
		return
	}
	// Rejection unlocks the credit; drop any distributed claim too.
	s.releaseLock(ctx, record.CreditID)
	result.Add(models.BatchItemResult{CreditID: record.CreditID, Outcome: models.OutcomeRejected, Detail: res.Reason})
	if s.metrics != nil {
		s.metrics.ExportItemsTotal.WithLabelValues(s.registry.String(), string(models.OutcomeRejected)).Inc()
	}
}

// RetryExport re-runs a single credit that a previous export rejected. The
// mapping returns to PENDING, eligibility (including the cross-registry
// lock) is checked afresh, and the credit is submitted on its own.
func (s *Service) RetryExport(ctx context.Context, creditID domain.CreditID) (*models.BridgeMappingRecord, error) {
	ctx, span := s.tracer.Start(ctx, "bridge.RetryExport",
		trace.WithAttributes(attribute.String("credit_id", creditID.String())))
	defer span.End()

	record, err := s.store.GetByCreditID(ctx, creditID)
	if err != nil {
		return nil, err
	}
	if record.State == models.StateRejected {
		if record, err = s.ResetRejected(ctx, creditID); err != nil {
			return nil, err
		}
	}
	if record.State != models.StatePending {
		return nil, &models.StateTransitionError{CreditID: creditID, From: record.State, To: models.StateSubmitted}
	}

	holder, err := s.checker.LockedBy(ctx, creditID)
	if err != nil {
		return nil, fmt.Errorf("check lock for %s: %w", creditID, err)
	}
	if holder != "" && holder != s.registry {
		return nil, fmt.Errorf("%s: %w (held by %s)", creditID, lock.ErrLockHeld, holder)
	}
	if s.locker != nil {
		if err := s.locker.Acquire(ctx, creditID, s.registry); err != nil {
			return nil, err
		}
	}

	if _, err := s.applyTransition(ctx, creditID, models.StateSubmitted, models.TransitionMeta{}, models.EventExport); err != nil {
		return nil, err
	}

	callStart := time.Now()
	res, err := s.client.Register(ctx, registrationRequest(record))
	s.observeRegistryCall("register", callStart)
	if err != nil {
		if _, recErr := s.store.RecordError(ctx, creditID, err.Error()); recErr != nil {
			s.logger.Error("record export failure", "credit_id", creditID, "err", recErr)
		}
		return nil, fmt.Errorf("retry export %s: %w", creditID, err)
	}

	if res.Accepted {
		return s.applyTransition(ctx, creditID, models.StateRegistered, models.TransitionMeta{
			ExternalSerial:     res.Serial,
			ExternalProjectRef: res.ProjectRef,
		}, models.EventCreditIssued)
	}
	updated, err := s.applyTransition(ctx, creditID, models.StateRejected, models.TransitionMeta{Reason: res.Reason}, models.EventReviewRejected)
	if err != nil {
		return nil, err
	}
	s.releaseLock(ctx, creditID)
	return updated, nil
}

func (s *Service) releaseLock(ctx context.Context, creditID domain.CreditID) {
	if s.locker == nil {
		return
	}
	if err := s.locker.Release(ctx, creditID, s.registry); err != nil {
		s.logger.Warn("release lock", "credit_id", creditID, "err", err)
	}
}

func registrationRequest(record *models.BridgeMappingRecord) registry.RegistrationRequest {
	return registry.RegistrationRequest{
		CreditID:        record.CreditID,
		AttestationHash: record.Facts.AttestationHash,
		MethodologyID:   record.Facts.MethodologyID,
		VintageYear:     record.Facts.VintageYear,
		TonnesCO2e:      record.Facts.TonnesCO2e,
		HostCountry:     record.Facts.HostCountry,
	}
}
