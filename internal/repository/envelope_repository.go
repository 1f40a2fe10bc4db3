package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"metaregistry/internal/domain"
)

const pgUniqueViolation = "23505"

// EnvelopeRepository persists envelopes and their version history in
// Postgres. Head promotion happens inside a single transaction with the
// envelope row locked, so concurrent mutations on one identifier serialize
// and exactly one head survives.
type EnvelopeRepository struct {
	db *sqlx.DB
}

func NewEnvelopeRepository(db *sqlx.DB) *EnvelopeRepository {
	return &EnvelopeRepository{db: db}
}

// FindByID returns the envelope, deleted or not, or nil when the identifier
// was never used.
func (r *EnvelopeRepository) FindByID(ctx context.Context, envelopeID string) (*domain.Envelope, error) {
	var env domain.Envelope
	query := `SELECT * FROM envelopes WHERE envelope_id = $1`

	err := r.db.GetContext(ctx, &env, query, envelopeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find envelope: %w", err)
	}
	return &env, nil
}

// FindByResourceURL resolves the most recent non-deleted envelope whose
// decoded resource declares the given URL.
func (r *EnvelopeRepository) FindByResourceURL(ctx context.Context, url string) (*domain.Envelope, error) {
	var env domain.Envelope
	query := `
        SELECT * FROM envelopes
        WHERE decoded_resource->>'url' = $1 AND deleted_at IS NULL
        ORDER BY created_at DESC
        LIMIT 1`

	err := r.db.GetContext(ctx, &env, query, url)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find envelope by resource url: %w", err)
	}
	return &env, nil
}

// List returns envelopes ordered by creation date, oldest first.
func (r *EnvelopeRepository) List(ctx context.Context, includeDeleted bool) ([]domain.Envelope, error) {
	var envelopes []domain.Envelope
	query := `SELECT * FROM envelopes WHERE deleted_at IS NULL ORDER BY created_at`
	if includeDeleted {
		query = `SELECT * FROM envelopes ORDER BY created_at`
	}

	if err := r.db.SelectContext(ctx, &envelopes, query); err != nil {
		return nil, fmt.Errorf("failed to list envelopes: %w", err)
	}
	return envelopes, nil
}

// Insert stores a new envelope together with its initial head version.
// A duplicate identifier surfaces as ConflictError, which also resolves
// create races: the constraint picks the single winner.
func (r *EnvelopeRepository) Insert(ctx context.Context, env *domain.Envelope, resourceDigest string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
        INSERT INTO envelopes (envelope_id, envelope_type, envelope_version,
                               resource, resource_format, resource_encoding,
                               resource_public_key, decoded_resource)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        RETURNING id, created_at, updated_at`

	err = tx.QueryRowxContext(
		ctx,
		query,
		env.EnvelopeID,
		env.EnvelopeType,
		env.EnvelopeVersion,
		env.Resource,
		env.ResourceFormat,
		env.ResourceEncoding,
		env.ResourcePublicKey,
		env.DecodedResource,
	).Scan(&env.ID, &env.CreatedAt, &env.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation {
			return &domain.ConflictError{Message: domain.MsgEnvelopeTaken}
		}
		return fmt.Errorf("failed to insert envelope: %w", err)
	}

	if err := r.insertHeadVersion(ctx, tx, env, resourceDigest); err != nil {
		return err
	}
	return tx.Commit()
}

// Update overwrites the envelope's resource state and appends a new head
// version, demoting the previous head. The envelope row is locked for the
// duration so the head swap is race-free.
func (r *EnvelopeRepository) Update(ctx context.Context, env *domain.Envelope, resourceDigest string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := lockEnvelope(ctx, tx, env.EnvelopeID); err != nil {
		return err
	}

	query := `
        UPDATE envelopes
        SET envelope_version = $1,
            resource = $2,
            resource_format = $3,
            resource_encoding = $4,
            decoded_resource = $5,
            updated_at = CURRENT_TIMESTAMP
        WHERE envelope_id = $6
        RETURNING updated_at`

	err = tx.QueryRowxContext(
		ctx,
		query,
		env.EnvelopeVersion,
		env.Resource,
		env.ResourceFormat,
		env.ResourceEncoding,
		env.DecodedResource,
		env.EnvelopeID,
	).Scan(&env.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update envelope: %w", err)
	}

	demote := `UPDATE envelope_versions SET head = FALSE WHERE envelope_id = $1 AND head`
	if _, err := tx.ExecContext(ctx, demote, env.EnvelopeID); err != nil {
		return fmt.Errorf("failed to demote head version: %w", err)
	}

	if err := r.insertHeadVersion(ctx, tx, env, resourceDigest); err != nil {
		return err
	}
	return tx.Commit()
}

// MarkDeleted soft-deletes the envelope. Version history stays intact so
// the identifier remains occupied and distinguishable from "never existed".
func (r *EnvelopeRepository) MarkDeleted(ctx context.Context, envelopeID string, at time.Time) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := lockEnvelope(ctx, tx, envelopeID); err != nil {
		return err
	}

	query := `UPDATE envelopes SET deleted_at = $1, updated_at = $1 WHERE envelope_id = $2`
	if _, err := tx.ExecContext(ctx, query, at, envelopeID); err != nil {
		return fmt.Errorf("failed to mark envelope deleted: %w", err)
	}
	return tx.Commit()
}

func (r *EnvelopeRepository) insertHeadVersion(ctx context.Context, tx *sqlx.Tx, env *domain.Envelope, resourceDigest string) error {
	query := `
        INSERT INTO envelope_versions (envelope_id, envelope_version, resource,
                                       resource_format, resource_digest, head)
        VALUES ($1, $2, $3, $4, $5, TRUE)`

	_, err := tx.ExecContext(
		ctx,
		query,
		env.EnvelopeID,
		env.EnvelopeVersion,
		env.Resource,
		env.ResourceFormat,
		resourceDigest,
	)
	if err != nil {
		return fmt.Errorf("failed to insert head version: %w", err)
	}
	return nil
}

func lockEnvelope(ctx context.Context, tx *sqlx.Tx, envelopeID string) error {
	var id int64
	query := `SELECT id FROM envelopes WHERE envelope_id = $1 FOR UPDATE`
	if err := tx.GetContext(ctx, &id, query, envelopeID); err != nil {
		return fmt.Errorf("failed to lock envelope row: %w", err)
	}
	return nil
}
