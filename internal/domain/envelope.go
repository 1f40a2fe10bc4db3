package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// EnvelopeType classifies the payload carried by an envelope.
type EnvelopeType string

// ResourceFormat is the encoding of the payload inside the signed container.
type ResourceFormat string

// ResourceEncoding is the signing container mechanism wrapping the payload.
type ResourceEncoding string

const (
	EnvelopeTypeResourceData EnvelopeType = "resource_data"

	ResourceFormatJSON ResourceFormat = "json"
	ResourceFormatXML  ResourceFormat = "xml"

	ResourceEncodingJWT ResourceEncoding = "jwt"
)

// ParseEnvelopeType maps a request value onto the closed set of envelope types.
func ParseEnvelopeType(s string) (EnvelopeType, error) {
	if EnvelopeType(s) == EnvelopeTypeResourceData {
		return EnvelopeTypeResourceData, nil
	}
	return "", fmt.Errorf("unknown envelope_type %q", s)
}

func ParseResourceFormat(s string) (ResourceFormat, error) {
	switch ResourceFormat(s) {
	case ResourceFormatJSON, ResourceFormatXML:
		return ResourceFormat(s), nil
	}
	return "", fmt.Errorf("unknown resource_format %q", s)
}

func ParseResourceEncoding(s string) (ResourceEncoding, error) {
	if ResourceEncoding(s) == ResourceEncodingJWT {
		return ResourceEncodingJWT, nil
	}
	return "", fmt.Errorf("unknown resource_encoding %q", s)
}

// Resource is the canonical decoded payload: an arbitrarily nested mapping
// whose shape is caller-defined. It is always re-derivable from the raw
// signed container plus the declared format.
type Resource map[string]interface{}

// URL returns the resource address declared inside the payload, if any.
func (r Resource) URL() string {
	if u, ok := r["url"].(string); ok {
		return u
	}
	return ""
}

func (r Resource) Value() (driver.Value, error) {
	return json.Marshal(r)
}

func (r *Resource) Scan(src interface{}) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, r)
	case string:
		return json.Unmarshal([]byte(v), r)
	case nil:
		*r = nil
		return nil
	}
	return fmt.Errorf("cannot scan %T into Resource", src)
}

// Envelope is a stored, versioned, signer-owned record wrapping an opaque
// resource payload. The raw signed container is kept verbatim in Resource;
// DecodedResource is recomputed from it on every write.
type Envelope struct {
	ID                int64            `json:"-" db:"id"`
	EnvelopeID        string           `json:"envelope_id" db:"envelope_id"`
	EnvelopeType      EnvelopeType     `json:"envelope_type" db:"envelope_type"`
	EnvelopeVersion   string           `json:"envelope_version" db:"envelope_version"`
	Resource          string           `json:"resource" db:"resource"`
	ResourceFormat    ResourceFormat   `json:"resource_format" db:"resource_format"`
	ResourceEncoding  ResourceEncoding `json:"resource_encoding" db:"resource_encoding"`
	ResourcePublicKey string           `json:"-" db:"resource_public_key"`
	DecodedResource   Resource         `json:"decoded_resource" db:"decoded_resource"`
	CreatedAt         time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at" db:"updated_at"`
	DeletedAt         *time.Time       `json:"deleted_at,omitempty" db:"deleted_at"`
}

// Deleted reports whether the envelope has been soft deleted.
func (e *Envelope) Deleted() bool {
	return e.DeletedAt != nil
}

// PublishRequest carries the caller-supplied fields for create and update.
type PublishRequest struct {
	EnvelopeType      string `json:"envelope_type"`
	EnvelopeID        string `json:"envelope_id,omitempty"`
	EnvelopeVersion   string `json:"envelope_version"`
	Resource          string `json:"resource"`
	ResourceFormat    string `json:"resource_format"`
	ResourceEncoding  string `json:"resource_encoding"`
	ResourcePublicKey string `json:"resource_public_key,omitempty"`
}

// DeleteRequest carries the one-time delete token, plus the resource URL for
// address-based deletion.
type DeleteRequest struct {
	DeleteToken string `json:"delete_token"`
	URL         string `json:"url,omitempty"`
}

// VersionRef is one entry in the node_headers version list.
type VersionRef struct {
	Head      bool      `json:"head"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
}

// NodeHeaders is the registry-appended metadata block returned alongside an
// envelope: its content digest, lifecycle timestamps, and the full version
// history with per-version retrieval URLs.
type NodeHeaders struct {
	ResourceDigest string       `json:"resource_digest"`
	Versions       []VersionRef `json:"versions"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
	DeletedAt      *time.Time   `json:"deleted_at"`
}

// EnvelopeView is an envelope as presented to callers, with node headers.
type EnvelopeView struct {
	Envelope
	NodeHeaders NodeHeaders `json:"node_headers"`
}
