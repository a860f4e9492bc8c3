package handler

import (
	"time"

	"carbonbridge/internal/bridge/models"
)

// MappingResponse is the wire form of one bridge mapping.
type MappingResponse struct {
	CreditID           string     `json:"credit_id"`
	Registry           string     `json:"registry"`
	State              string     `json:"state"`
	BridgeLocked       bool       `json:"bridge_locked"`
	ExternalSerial     string     `json:"external_serial,omitempty"`
	ExternalProjectRef string     `json:"external_project_ref,omitempty"`
	RejectionReason    string     `json:"rejection_reason,omitempty"`
	RetryCount         int        `json:"retry_count,omitempty"`
	LastError          string     `json:"last_error,omitempty"`
	ImportBatchID      string     `json:"import_batch_id,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	SubmittedAt        *time.Time `json:"submitted_at,omitempty"`
	RegisteredAt       *time.Time `json:"registered_at,omitempty"`
	RetiredAt          *time.Time `json:"retired_at,omitempty"`
	RejectedAt         *time.Time `json:"rejected_at,omitempty"`
}

func FromRecord(record *models.BridgeMappingRecord) MappingResponse {
	return MappingResponse{
		CreditID:           record.CreditID.String(),
		Registry:           record.Registry.String(),
		State:              string(record.State),
		BridgeLocked:       record.BridgeLocked,
		ExternalSerial:     record.ExternalSerial.String(),
		ExternalProjectRef: record.ExternalProjectRef,
		RejectionReason:    record.RejectionReason,
		RetryCount:         record.RetryCount,
		LastError:          record.LastError,
		ImportBatchID:      record.ImportBatchID,
		CreatedAt:          record.CreatedAt,
		SubmittedAt:        record.SubmittedAt,
		RegisteredAt:       record.RegisteredAt,
		RetiredAt:          record.RetiredAt,
		RejectedAt:         record.RejectedAt,
	}
}

// BatchResponse is the wire form of a batch export or import result.
type BatchResponse struct {
	BatchID   string              `json:"batch_id"`
	Registry  string              `json:"registry"`
	Accepted  int                 `json:"accepted"`
	Rejected  int                 `json:"rejected"`
	Errored   int                 `json:"errored"`
	Skipped   int                 `json:"skipped"`
	Conflicts int                 `json:"conflicts,omitempty"`
	Items     []BatchItemResponse `json:"items"`
}

type BatchItemResponse struct {
	CreditID string `json:"credit_id,omitempty"`
	Outcome  string `json:"outcome"`
	Serial   string `json:"serial,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

func FromBatchResult(result *models.BatchOperationResult) BatchResponse {
	resp := BatchResponse{
		BatchID:   result.BatchID,
		Registry:  result.Registry.String(),
		Accepted:  result.Accepted,
		Rejected:  result.Rejected,
		Errored:   result.Errored,
		Skipped:   result.Skipped,
		Conflicts: result.Conflicts,
		Items:     make([]BatchItemResponse, 0, len(result.Items)),
	}
	for _, item := range result.Items {
		resp.Items = append(resp.Items, BatchItemResponse{
			CreditID: item.CreditID.String(),
			Outcome:  string(item.Outcome),
			Serial:   item.Serial.String(),
			Detail:   item.Detail,
		})
	}
	return resp
}

// LockResponse answers a cross-registry lock query.
type LockResponse struct {
	CreditID string `json:"credit_id"`
	Locked   bool   `json:"locked"`
	LockedBy string `json:"locked_by,omitempty"`
}

// WebhookResponse acknowledges a processed delivery.
type WebhookResponse struct {
	Outcome string `json:"outcome"`
}
