package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"carbonbridge/internal/bridge/models"
	"carbonbridge/pkg/domain"
	"carbonbridge/pkg/requestcontext"
)

// Schema creates the bridge_mappings table. The partial unique index on
// (registry, external_serial) enforces the serial-to-credit invariant at
// the database level, so it survives concurrent exporter instances.
const Schema = `
CREATE TABLE IF NOT EXISTS bridge_mappings (
    registry             TEXT        NOT NULL,
    credit_id            TEXT        NOT NULL,
    external_serial      TEXT,
    external_project_ref TEXT        NOT NULL DEFAULT '',
    state                TEXT        NOT NULL,
    attestation_hash     TEXT        NOT NULL DEFAULT '',
    methodology_id       TEXT        NOT NULL DEFAULT '',
    vintage_year         INT         NOT NULL DEFAULT 0,
    tonnes_co2e          DOUBLE PRECISION NOT NULL DEFAULT 0,
    host_country         TEXT        NOT NULL DEFAULT '',
    created_at           TIMESTAMPTZ NOT NULL,
    submitted_at         TIMESTAMPTZ,
    registered_at        TIMESTAMPTZ,
    retired_at           TIMESTAMPTZ,
    rejected_at          TIMESTAMPTZ,
    rejection_reason     TEXT        NOT NULL DEFAULT '',
    retry_count          INT         NOT NULL DEFAULT 0,
    last_error           TEXT        NOT NULL DEFAULT '',
    import_batch_id      TEXT        NOT NULL DEFAULT '',
    PRIMARY KEY (registry, credit_id)
);
CREATE UNIQUE INDEX IF NOT EXISTS bridge_mappings_serial_idx
    ON bridge_mappings (registry, external_serial)
    WHERE external_serial IS NOT NULL;
CREATE INDEX IF NOT EXISTS bridge_mappings_state_idx
    ON bridge_mappings (registry, state);
`

// PostgresStore persists mapping records in PostgreSQL. Transition runs in
// a transaction with a row lock, so two exporter instances cannot both
// acquire SUBMITTED for the same credit.
type PostgresStore struct {
	db       *sql.DB
	registry domain.RegistryName
}

// NewPostgres constructs a PostgreSQL-backed mapping store for one registry.
func NewPostgres(db *sql.DB, registry domain.RegistryName) *PostgresStore {
	return &PostgresStore{db: db, registry: registry}
}

// EnsureSchema creates the table and indices if they don't exist.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("ensure bridge_mappings schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Registry() domain.RegistryName { return s.registry }

func (s *PostgresStore) Create(ctx context.Context, params CreateParams) (*models.BridgeMappingRecord, error) {
	if params.CreditID.IsZero() {
		return nil, fmt.Errorf("credit id is required")
	}
	state := params.State
	if state == "" {
		state = models.StatePending
	}
	if !state.Valid() {
		return nil, fmt.Errorf("unknown initial state %q", state)
	}
	if state == models.StateRegistered && params.ExternalSerial.IsZero() {
		return nil, fmt.Errorf("external serial is required to create in %s", state)
	}

	now := requestcontext.Now(ctx)
	var registeredAt *time.Time
	if state == models.StateRegistered {
		registeredAt = &now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bridge_mappings (
			registry, credit_id, external_serial, external_project_ref, state,
			attestation_hash, methodology_id, vintage_year, tonnes_co2e, host_country,
			created_at, registered_at, import_batch_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		s.registry.String(), params.CreditID.String(), nullSerial(params.ExternalSerial),
		params.ExternalProjectRef, string(state),
		params.Facts.AttestationHash, params.Facts.MethodologyID, params.Facts.VintageYear,
		params.Facts.TonnesCO2e, params.Facts.HostCountry,
		now, registeredAt, params.ImportBatchID,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			if pqErr.Constraint == "bridge_mappings_serial_idx" {
				return nil, fmt.Errorf("serial %s: %w", params.ExternalSerial, models.ErrSerialConflict)
			}
			return nil, fmt.Errorf("credit %s: %w", params.CreditID, models.ErrMappingExists)
		}
		return nil, fmt.Errorf("create mapping: %w", err)
	}
	return s.GetByCreditID(ctx, params.CreditID)
}

func (s *PostgresStore) Transition(ctx context.Context, creditID domain.CreditID, to models.BridgeState, meta *models.TransitionMeta) (*models.BridgeMappingRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	row := tx.QueryRowContext(ctx, `
		SELECT state FROM bridge_mappings
		WHERE registry = $1 AND credit_id = $2
		FOR UPDATE`,
		s.registry.String(), creditID.String(),
	)
	var current string
	if err := row.Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("credit %s: %w", creditID, models.ErrMappingNotFound)
		}
		return nil, fmt.Errorf("lock mapping row: %w", err)
	}

	from := models.BridgeState(current)
	if !models.CanTransition(from, to) {
		return nil, &models.StateTransitionError{CreditID: creditID, From: from, To: to}
	}
	if to == models.StateRegistered && (meta == nil || meta.ExternalSerial.IsZero()) {
		return nil, fmt.Errorf("credit %s: external serial is required for %s", creditID, to)
	}

	now := requestcontext.Now(ctx)
	switch to {
	case models.StateSubmitted:
		_, err = tx.ExecContext(ctx, `
			UPDATE bridge_mappings SET state = $3, submitted_at = $4
			WHERE registry = $1 AND credit_id = $2`,
			s.registry.String(), creditID.String(), string(to), now)
	case models.StateRegistered:
		// Serial and state land in one statement inside the transaction;
		// the partial unique index rejects a serial already bound elsewhere.
		_, err = tx.ExecContext(ctx, `
			UPDATE bridge_mappings
			SET state = $3, registered_at = $4, external_serial = $5, external_project_ref = $6
			WHERE registry = $1 AND credit_id = $2`,
			s.registry.String(), creditID.String(), string(to), now,
			meta.ExternalSerial.String(), meta.ExternalProjectRef)
	case models.StateRetired:
		_, err = tx.ExecContext(ctx, `
			UPDATE bridge_mappings SET state = $3, retired_at = $4
			WHERE registry = $1 AND credit_id = $2`,
			s.registry.String(), creditID.String(), string(to), now)
	case models.StateRejected:
		reason := ""
		if meta != nil {
			reason = meta.Reason
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE bridge_mappings SET state = $3, rejected_at = $4, rejection_reason = $5
			WHERE registry = $1 AND credit_id = $2`,
			s.registry.String(), creditID.String(), string(to), now, reason)
	case models.StatePending:
		_, err = tx.ExecContext(ctx, `
			UPDATE bridge_mappings SET state = $3
			WHERE registry = $1 AND credit_id = $2`,
			s.registry.String(), creditID.String(), string(to))
	}
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return nil, fmt.Errorf("serial %s: %w", meta.ExternalSerial, models.ErrSerialConflict)
		}
		return nil, fmt.Errorf("apply transition %s -> %s: %w", from, to, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transition: %w", err)
	}
	return s.GetByCreditID(ctx, creditID)
}

func (s *PostgresStore) RecordError(ctx context.Context, creditID domain.CreditID, message string) (*models.BridgeMappingRecord, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE bridge_mappings
		SET last_error = CASE WHEN last_error = '' THEN $3 ELSE last_error || '; ' || $3 END,
		    retry_count = retry_count + 1
		WHERE registry = $1 AND credit_id = $2`,
		s.registry.String(), creditID.String(), message)
	if err != nil {
		return nil, fmt.Errorf("record error: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("record error: %w", err)
	}
	if affected == 0 {
		return nil, fmt.Errorf("credit %s: %w", creditID, models.ErrMappingNotFound)
	}
	return s.GetByCreditID(ctx, creditID)
}

const selectColumns = `
	registry, credit_id, external_serial, external_project_ref, state,
	attestation_hash, methodology_id, vintage_year, tonnes_co2e, host_country,
	created_at, submitted_at, registered_at, retired_at, rejected_at,
	rejection_reason, retry_count, last_error, import_batch_id`

func (s *PostgresStore) GetByCreditID(ctx context.Context, creditID domain.CreditID) (*models.BridgeMappingRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+selectColumns+`
		FROM bridge_mappings WHERE registry = $1 AND credit_id = $2`,
		s.registry.String(), creditID.String())
	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("credit %s: %w", creditID, models.ErrMappingNotFound)
		}
		return nil, fmt.Errorf("get mapping by credit id: %w", err)
	}
	return record, nil
}

func (s *PostgresStore) GetBySerial(ctx context.Context, serial domain.ExternalSerial) (*models.BridgeMappingRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+selectColumns+`
		FROM bridge_mappings WHERE registry = $1 AND external_serial = $2`,
		s.registry.String(), serial.String())
	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("serial %s: %w", serial, models.ErrMappingNotFound)
		}
		return nil, fmt.Errorf("get mapping by serial: %w", err)
	}
	return record, nil
}

func (s *PostgresStore) ListByState(ctx context.Context, state models.BridgeState) ([]*models.BridgeMappingRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectColumns+`
		FROM bridge_mappings WHERE registry = $1 AND state = $2
		ORDER BY created_at`,
		s.registry.String(), string(state))
	if err != nil {
		return nil, fmt.Errorf("list mappings by state: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

func (s *PostgresStore) ListLocked(ctx context.Context) ([]*models.BridgeMappingRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectColumns+`
		FROM bridge_mappings WHERE registry = $1 AND state IN ($2, $3)
		ORDER BY created_at`,
		s.registry.String(), string(models.StateSubmitted), string(models.StateRegistered))
	if err != nil {
		return nil, fmt.Errorf("list locked mappings: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.BridgeMappingRecord, error) {
	var (
		record  models.BridgeMappingRecord
		reg     string
		credit  string
		serial  sql.NullString
		state   string
		subAt   sql.NullTime
		regAt   sql.NullTime
		retAt   sql.NullTime
		rejAt   sql.NullTime
	)
	err := row.Scan(
		&reg, &credit, &serial, &record.ExternalProjectRef, &state,
		&record.Facts.AttestationHash, &record.Facts.MethodologyID,
		&record.Facts.VintageYear, &record.Facts.TonnesCO2e, &record.Facts.HostCountry,
		&record.CreatedAt, &subAt, &regAt, &retAt, &rejAt,
		&record.RejectionReason, &record.RetryCount, &record.LastError,
		&record.ImportBatchID,
	)
	if err != nil {
		return nil, err
	}
	record.Registry = domain.RegistryName(reg)
	record.CreditID = domain.CreditID(credit)
	if serial.Valid {
		record.ExternalSerial = domain.ExternalSerial(serial.String)
	}
	record.State = models.BridgeState(state)
	record.BridgeLocked = record.State.Locked()
	record.SubmittedAt = nullTimePtr(subAt)
	record.RegisteredAt = nullTimePtr(regAt)
	record.RetiredAt = nullTimePtr(retAt)
	record.RejectedAt = nullTimePtr(rejAt)
	return &record, nil
}

func collectRecords(rows *sql.Rows) ([]*models.BridgeMappingRecord, error) {
	var out []*models.BridgeMappingRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan mapping row: %w", err)
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mapping rows: %w", err)
	}
	return out, nil
}

func nullSerial(s domain.ExternalSerial) sql.NullString {
	if s.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: s.String(), Valid: true}
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
