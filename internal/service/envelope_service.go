package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"metaregistry/internal/codec"
	"metaregistry/internal/digest"
	"metaregistry/internal/domain"
	"metaregistry/internal/guard"
)

// Store is the persistence contract the lifecycle controller drives. Find
// methods return (nil, nil) on a miss; mutations are atomic per envelope
// identifier.
type Store interface {
	FindByID(ctx context.Context, envelopeID string) (*domain.Envelope, error)
	FindByResourceURL(ctx context.Context, url string) (*domain.Envelope, error)
	List(ctx context.Context, includeDeleted bool) ([]domain.Envelope, error)
	Insert(ctx context.Context, env *domain.Envelope, resourceDigest string) error
	Update(ctx context.Context, env *domain.Envelope, resourceDigest string) error
	MarkDeleted(ctx context.Context, envelopeID string, at time.Time) error
	ListVersions(ctx context.Context, envelopeID string) ([]domain.Version, error)
	FindVersion(ctx context.Context, envelopeID string, versionID int64) (*domain.Version, error)
}

// EnvelopeService orchestrates envelope create, update and delete: decoding
// through the codec, signature checks through the guard, then a versioned
// write through the store. It owns all writes to envelopes and versions.
type EnvelopeService struct {
	store          Store
	schema         *SchemaValidator
	baseURL        string
	includeDeleted bool

	newID func() string
	now   func() time.Time
}

func NewEnvelopeService(store Store, schema *SchemaValidator, baseURL string, includeDeleted bool) *EnvelopeService {
	return &EnvelopeService{
		store:          store,
		schema:         schema,
		baseURL:        baseURL,
		includeDeleted: includeDeleted,
		newID:          uuid.NewString,
		now:            time.Now,
	}
}

// Publish creates a new envelope. When updateIfExists is set and the
// identifier is already taken, the operation is redirected to Update and
// created is returned false.
func (s *EnvelopeService) Publish(ctx context.Context, req *domain.PublishRequest, updateIfExists bool) (view *domain.EnvelopeView, created bool, err error) {
	if errs := validatePublish(req, true); len(errs) > 0 {
		return nil, false, &domain.ValidationError{Errors: errs}
	}

	if req.EnvelopeID != "" && updateIfExists {
		existing, err := s.store.FindByID(ctx, req.EnvelopeID)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			view, err := s.Update(ctx, req.EnvelopeID, req)
			return view, false, err
		}
	}

	env, err := s.buildEnvelope(req)
	if err != nil {
		return nil, false, err
	}

	// On create the identity embedded in the request becomes the owner for
	// all future mutations, so the container must verify against it.
	if err := guard.VerifySignature(req.Resource, req.ResourcePublicKey); err != nil {
		return nil, false, asAuthError(err, "resource_public_key", domain.MsgSignatureInvalid)
	}

	if env.EnvelopeID == "" {
		env.EnvelopeID = s.newID()
	}

	if err := s.store.Insert(ctx, env, digest.Sum(env.Resource)); err != nil {
		return nil, false, err
	}

	view, err = s.buildView(ctx, env)
	return view, true, err
}

// Update overwrites an existing envelope's resource state after verifying
// the new container against the envelope's recorded owner identity, then
// appends a new head version.
func (s *EnvelopeService) Update(ctx context.Context, envelopeID string, req *domain.PublishRequest) (*domain.EnvelopeView, error) {
	existing, err := s.store.FindByID(ctx, envelopeID)
	if err != nil {
		return nil, err
	}
	if existing == nil || existing.Deleted() {
		return nil, &domain.NotFoundError{Message: domain.MsgEnvelopeNotFound}
	}

	if errs := validatePublish(req, false); len(errs) > 0 {
		return nil, &domain.ValidationError{Errors: errs}
	}

	env, err := s.buildEnvelope(req)
	if err != nil {
		return nil, err
	}

	// The new container must verify against the ORIGINAL owner key, not
	// whatever key accompanies this request.
	if err := guard.VerifySignature(req.Resource, existing.ResourcePublicKey); err != nil {
		return nil, asAuthError(err, "resource_public_key", domain.MsgUpdateOriginalUser)
	}

	env.EnvelopeID = existing.EnvelopeID
	env.ResourcePublicKey = existing.ResourcePublicKey
	env.CreatedAt = existing.CreatedAt

	if err := s.store.Update(ctx, env, digest.Sum(env.Resource)); err != nil {
		return nil, err
	}
	return s.buildView(ctx, env)
}

// Delete soft-deletes an envelope by identifier after validating the
// one-time delete token against the recorded owner key. Deleting an
// already-deleted envelope is a no-op.
func (s *EnvelopeService) Delete(ctx context.Context, envelopeID string, req *domain.DeleteRequest) error {
	env, err := s.store.FindByID(ctx, envelopeID)
	if err != nil {
		return err
	}
	if env == nil {
		return &domain.NotFoundError{Message: domain.MsgEnvelopeNotFound}
	}
	return s.deleteEnvelope(ctx, env, req)
}

// DeleteByURL resolves the most recent non-deleted envelope whose decoded
// resource declares the given URL and soft-deletes it.
func (s *EnvelopeService) DeleteByURL(ctx context.Context, req *domain.DeleteRequest) error {
	if req.URL == "" {
		return &domain.ValidationError{Errors: []string{"url is missing"}}
	}

	env, err := s.store.FindByResourceURL(ctx, req.URL)
	if err != nil {
		return err
	}
	if env == nil {
		return &domain.NotFoundError{Message: domain.MsgNoMatchingEnvelopes}
	}
	return s.deleteEnvelope(ctx, env, req)
}

func (s *EnvelopeService) deleteEnvelope(ctx context.Context, env *domain.Envelope, req *domain.DeleteRequest) error {
	if env.Deleted() {
		return nil
	}
	if req.DeleteToken == "" {
		return &domain.ValidationError{Errors: []string{"delete_token is missing"}}
	}
	if err := guard.VerifyDeleteToken(req.DeleteToken, env.ResourcePublicKey); err != nil {
		return asAuthError(err, "delete_token", domain.MsgDeleteOriginalUser)
	}
	return s.store.MarkDeleted(ctx, env.EnvelopeID, s.now().UTC())
}

// Find returns the envelope's current head state with node headers.
// Soft-deleted envelopes are still returned, with deleted_at set, so
// callers can tell "deleted" from "never existed".
func (s *EnvelopeService) Find(ctx context.Context, envelopeID string) (*domain.EnvelopeView, error) {
	env, err := s.store.FindByID(ctx, envelopeID)
	if err != nil {
		return nil, err
	}
	if env == nil {
		return nil, &domain.NotFoundError{Message: domain.MsgEnvelopeNotFound}
	}
	return s.buildView(ctx, env)
}

// FindVersion reconstructs the envelope as captured at the given version.
func (s *EnvelopeService) FindVersion(ctx context.Context, envelopeID string, versionID int64) (*domain.EnvelopeView, error) {
	env, err := s.store.FindByID(ctx, envelopeID)
	if err != nil {
		return nil, err
	}
	if env == nil {
		return nil, &domain.NotFoundError{Message: domain.MsgEnvelopeNotFound}
	}

	version, err := s.store.FindVersion(ctx, envelopeID, versionID)
	if err != nil {
		return nil, err
	}
	if version == nil {
		return nil, &domain.NotFoundError{Message: domain.MsgEnvelopeNotFound}
	}

	snapshot := *env
	snapshot.EnvelopeVersion = version.EnvelopeVersion
	snapshot.Resource = version.Resource
	snapshot.ResourceFormat = version.ResourceFormat

	decoded, err := codec.Decode(version.Resource, version.ResourceFormat)
	if err != nil {
		return nil, err
	}
	snapshot.DecodedResource = decoded

	return s.buildView(ctx, &snapshot)
}

// List returns envelopes ordered by creation date with their decoded
// resources rendered inline. Whether soft-deleted envelopes are included
// is a deployment setting.
func (s *EnvelopeService) List(ctx context.Context) ([]domain.Envelope, error) {
	return s.store.List(ctx, s.includeDeleted)
}

// buildEnvelope runs the codec and optional schema validation, producing a
// persistable envelope from request fields. Field presence has already been
// checked, so enum parses here cannot fail.
func (s *EnvelopeService) buildEnvelope(req *domain.PublishRequest) (*domain.Envelope, error) {
	envelopeType, _ := domain.ParseEnvelopeType(req.EnvelopeType)
	format, _ := domain.ParseResourceFormat(req.ResourceFormat)
	encoding, _ := domain.ParseResourceEncoding(req.ResourceEncoding)

	decoded, err := codec.Decode(req.Resource, format)
	if err != nil {
		return nil, err
	}

	if s.schema != nil {
		if errs := s.schema.Validate(decoded); len(errs) > 0 {
			return nil, &domain.ValidationError{Errors: errs}
		}
	}

	return &domain.Envelope{
		EnvelopeID:        req.EnvelopeID,
		EnvelopeType:      envelopeType,
		EnvelopeVersion:   req.EnvelopeVersion,
		Resource:          req.Resource,
		ResourceFormat:    format,
		ResourceEncoding:  encoding,
		ResourcePublicKey: req.ResourcePublicKey,
		DecodedResource:   decoded,
	}, nil
}

// buildView assembles the caller-facing representation: the envelope plus
// node headers carrying the digest and the version list. Non-head entries
// link to their version snapshot; the head links to the canonical path.
func (s *EnvelopeService) buildView(ctx context.Context, env *domain.Envelope) (*domain.EnvelopeView, error) {
	versions, err := s.store.ListVersions(ctx, env.EnvelopeID)
	if err != nil {
		return nil, err
	}

	refs := make([]domain.VersionRef, 0, len(versions))
	resourceDigest := digest.Sum(env.Resource)
	for _, v := range versions {
		url := fmt.Sprintf("%s/v1/envelopes/%s/versions/%d", s.baseURL, env.EnvelopeID, v.ID)
		if v.Head {
			url = fmt.Sprintf("%s/v1/envelopes/%s", s.baseURL, env.EnvelopeID)
			resourceDigest = v.ResourceDigest
		}
		refs = append(refs, domain.VersionRef{
			Head:      v.Head,
			URL:       url,
			CreatedAt: v.CreatedAt,
		})
	}

	return &domain.EnvelopeView{
		Envelope: *env,
		NodeHeaders: domain.NodeHeaders{
			ResourceDigest: resourceDigest,
			Versions:       refs,
			CreatedAt:      env.CreatedAt,
			UpdatedAt:      env.UpdatedAt,
			DeletedAt:      env.DeletedAt,
		},
	}, nil
}

// validatePublish collects every missing or invalid field in request order.
// The owner public key is only required on create; updates and deletes are
// checked against the recorded key.
func validatePublish(req *domain.PublishRequest, requireKey bool) []string {
	var errs []string

	if req.EnvelopeType == "" {
		errs = append(errs, "envelope_type is missing")
	} else if _, err := domain.ParseEnvelopeType(req.EnvelopeType); err != nil {
		errs = append(errs, "envelope_type does not have a valid value")
	}

	if req.EnvelopeVersion == "" {
		errs = append(errs, "envelope_version is missing")
	}

	if req.Resource == "" {
		errs = append(errs, "resource is missing")
	}

	if req.ResourceFormat == "" {
		errs = append(errs, "resource_format is missing")
	} else if _, err := domain.ParseResourceFormat(req.ResourceFormat); err != nil {
		errs = append(errs, "resource_format does not have a valid value")
	}

	if req.ResourceEncoding == "" {
		errs = append(errs, "resource_encoding is missing")
	} else if _, err := domain.ParseResourceEncoding(req.ResourceEncoding); err != nil {
		errs = append(errs, "resource_encoding does not have a valid value")
	}

	if requireKey && req.ResourcePublicKey == "" {
		errs = append(errs, "resource_public_key is missing")
	}

	return errs
}

// asAuthError maps guard failures onto the error taxonomy: unparsable keys
// are a validation problem, everything else an authorization one.
func asAuthError(err error, keyField, message string) error {
	if errors.Is(err, guard.ErrInvalidKey) {
		return &domain.ValidationError{Errors: []string{keyField + " does not have a valid value"}}
	}
	return &domain.AuthorizationError{Message: message}
}
