package handler

import (
	"carbonbridge/internal/bridge/models"
	"carbonbridge/pkg/domain"
	pstrings "carbonbridge/pkg/platform/strings"
)

// CreateMappingRequest is the intake shape for a locally issued credit,
// posted by the verification subsystem when a credit becomes bridgeable.
type CreateMappingRequest struct {
	CreditID        string  `json:"credit_id"`
	AttestationHash string  `json:"attestation_hash"`
	MethodologyID   string  `json:"methodology_id"`
	VintageYear     int     `json:"vintage_year"`
	TonnesCO2e      float64 `json:"tonnes_co2e"`
	HostCountry     string  `json:"host_country"`
}

func (r CreateMappingRequest) Facts() models.AssetFacts {
	return models.AssetFacts{
		AttestationHash: r.AttestationHash,
		MethodologyID:   r.MethodologyID,
		VintageYear:     r.VintageYear,
		TonnesCO2e:      r.TonnesCO2e,
		HostCountry:     r.HostCountry,
	}
}

// ExportRequest names the credits to push to a registry.
type ExportRequest struct {
	CreditIDs []string `json:"credit_ids"`
}

// ParsedIDs validates the ids, dropping duplicates and blanks so a
// sloppy batch doesn't export the same credit twice.
func (r ExportRequest) ParsedIDs() ([]domain.CreditID, error) {
	cleaned := pstrings.DedupeAndTrim(r.CreditIDs)
	ids := make([]domain.CreditID, 0, len(cleaned))
	for _, raw := range cleaned {
		id, err := domain.ParseCreditID(raw)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// RetireRequest carries the operator's retirement reason.
type RetireRequest struct {
	Reason string `json:"reason"`
}
