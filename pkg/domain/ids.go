// Package domain holds typed identifiers shared across modules. Using
// distinct string types keeps a credit id from being passed where an
// external serial is expected; the compiler enforces the distinction.
package domain

import (
	"fmt"
	"strings"
)

// CreditID identifies a credit in the local ledger. It is assigned by the
// upstream verification pipeline (or derived deterministically by the batch
// importer) and never changes.
type CreditID string

// ExternalSerial is the identifier an external registry assigns once a
// submission is accepted, e.g. "VCU-123". Empty until registration.
type ExternalSerial string

// RegistryName names one of the configured external registries.
type RegistryName string

const maxIDLength = 128

// ParseCreditID validates an inbound credit id at a trust boundary.
func ParseCreditID(s string) (CreditID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("credit id is required")
	}
	if len(s) > maxIDLength {
		return "", fmt.Errorf("credit id exceeds %d characters", maxIDLength)
	}
	return CreditID(s), nil
}

// ParseExternalSerial validates a registry-assigned serial.
func ParseExternalSerial(s string) (ExternalSerial, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("external serial is required")
	}
	if len(s) > maxIDLength {
		return "", fmt.Errorf("external serial exceeds %d characters", maxIDLength)
	}
	return ExternalSerial(s), nil
}

func (c CreditID) String() string { return string(c) }
func (c CreditID) IsZero() bool   { return c == "" }

func (e ExternalSerial) String() string { return string(e) }
func (e ExternalSerial) IsZero() bool   { return e == "" }

func (r RegistryName) String() string { return string(r) }
