package domain

import "time"

// Version is one row of an envelope's append-only history. The resource and
// envelope_version are captured as of that mutation so snapshots can be
// reconstructed. Exactly one version per envelope has Head set.
type Version struct {
	ID              int64          `json:"id" db:"id"`
	EnvelopeID      string         `json:"envelope_id" db:"envelope_id"`
	EnvelopeVersion string         `json:"envelope_version" db:"envelope_version"`
	Resource        string         `json:"-" db:"resource"`
	ResourceFormat  ResourceFormat `json:"resource_format" db:"resource_format"`
	ResourceDigest  string         `json:"resource_digest" db:"resource_digest"`
	Head            bool           `json:"head" db:"head"`
	CreatedAt       time.Time      `json:"created_at" db:"created_at"`
}
