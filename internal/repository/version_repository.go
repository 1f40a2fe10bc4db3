package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"metaregistry/internal/domain"
)

// ListVersions returns an envelope's history ordered by creation, oldest
// first. The last entry is the head while the envelope is live.
func (r *EnvelopeRepository) ListVersions(ctx context.Context, envelopeID string) ([]domain.Version, error) {
	var versions []domain.Version
	query := `SELECT * FROM envelope_versions WHERE envelope_id = $1 ORDER BY id`

	if err := r.db.SelectContext(ctx, &versions, query, envelopeID); err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	return versions, nil
}

// FindVersion returns a single version row for snapshot retrieval, or nil
// when the envelope has no such version.
func (r *EnvelopeRepository) FindVersion(ctx context.Context, envelopeID string, versionID int64) (*domain.Version, error) {
	var version domain.Version
	query := `SELECT * FROM envelope_versions WHERE envelope_id = $1 AND id = $2`

	err := r.db.GetContext(ctx, &version, query, envelopeID, versionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find version: %w", err)
	}
	return &version, nil
}
