package service

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"metaregistry/internal/codec"
	"metaregistry/internal/digest"
	"metaregistry/internal/domain"
)

// fakeStore is an in-memory Store for exercising the lifecycle controller
// without Postgres.
type fakeStore struct {
	envelopes     map[string]*domain.Envelope
	versions      map[string][]domain.Version
	nextEnvID     int64
	nextVersionID int64
	clock         time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		envelopes: make(map[string]*domain.Envelope),
		versions:  make(map[string][]domain.Version),
		clock:     time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (s *fakeStore) tick() time.Time {
	s.clock = s.clock.Add(time.Second)
	return s.clock
}

func (s *fakeStore) FindByID(_ context.Context, envelopeID string) (*domain.Envelope, error) {
	env, ok := s.envelopes[envelopeID]
	if !ok {
		return nil, nil
	}
	c := *env
	return &c, nil
}

func (s *fakeStore) FindByResourceURL(_ context.Context, url string) (*domain.Envelope, error) {
	var found *domain.Envelope
	for _, env := range s.envelopes {
		if env.Deleted() || env.DecodedResource.URL() != url {
			continue
		}
		if found == nil || env.CreatedAt.After(found.CreatedAt) {
			found = env
		}
	}
	if found == nil {
		return nil, nil
	}
	c := *found
	return &c, nil
}

func (s *fakeStore) List(_ context.Context, includeDeleted bool) ([]domain.Envelope, error) {
	var out []domain.Envelope
	for _, env := range s.envelopes {
		if !includeDeleted && env.Deleted() {
			continue
		}
		out = append(out, *env)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *fakeStore) Insert(_ context.Context, env *domain.Envelope, resourceDigest string) error {
	if _, ok := s.envelopes[env.EnvelopeID]; ok {
		return &domain.ConflictError{Message: domain.MsgEnvelopeTaken}
	}
	s.nextEnvID++
	now := s.tick()
	env.ID = s.nextEnvID
	env.CreatedAt = now
	env.UpdatedAt = now

	c := *env
	s.envelopes[env.EnvelopeID] = &c
	s.appendHead(env, resourceDigest, now)
	return nil
}

func (s *fakeStore) Update(_ context.Context, env *domain.Envelope, resourceDigest string) error {
	stored, ok := s.envelopes[env.EnvelopeID]
	if !ok {
		return fmt.Errorf("envelope %s not found", env.EnvelopeID)
	}
	now := s.tick()
	env.ID = stored.ID
	env.CreatedAt = stored.CreatedAt
	env.UpdatedAt = now

	c := *env
	s.envelopes[env.EnvelopeID] = &c

	versions := s.versions[env.EnvelopeID]
	for i := range versions {
		versions[i].Head = false
	}
	s.appendHead(env, resourceDigest, now)
	return nil
}

func (s *fakeStore) MarkDeleted(_ context.Context, envelopeID string, at time.Time) error {
	env, ok := s.envelopes[envelopeID]
	if !ok {
		return fmt.Errorf("envelope %s not found", envelopeID)
	}
	env.DeletedAt = &at
	env.UpdatedAt = at
	return nil
}

func (s *fakeStore) ListVersions(_ context.Context, envelopeID string) ([]domain.Version, error) {
	return append([]domain.Version(nil), s.versions[envelopeID]...), nil
}

func (s *fakeStore) FindVersion(_ context.Context, envelopeID string, versionID int64) (*domain.Version, error) {
	for _, v := range s.versions[envelopeID] {
		if v.ID == versionID {
			c := v
			return &c, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) appendHead(env *domain.Envelope, resourceDigest string, at time.Time) {
	s.nextVersionID++
	s.versions[env.EnvelopeID] = append(s.versions[env.EnvelopeID], domain.Version{
		ID:              s.nextVersionID,
		EnvelopeID:      env.EnvelopeID,
		EnvelopeVersion: env.EnvelopeVersion,
		Resource:        env.Resource,
		ResourceFormat:  env.ResourceFormat,
		ResourceDigest:  resourceDigest,
		Head:            true,
		CreatedAt:       at,
	})
}

func newKeyPair(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	return key, string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func signClaims(t *testing.T, key *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()

	s, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func publishRequest(t *testing.T, key *rsa.PrivateKey, publicPEM string, claims jwt.MapClaims) *domain.PublishRequest {
	t.Helper()

	if claims == nil {
		claims = jwt.MapClaims{
			"name": "The Constitution at Work",
			"url":  "http://example.org/resource",
		}
	}
	return &domain.PublishRequest{
		EnvelopeType:      "resource_data",
		EnvelopeVersion:   "0.52.0",
		Resource:          signClaims(t, key, claims),
		ResourceFormat:    "json",
		ResourceEncoding:  "jwt",
		ResourcePublicKey: publicPEM,
	}
}

func newTestService(store *fakeStore) *EnvelopeService {
	svc := NewEnvelopeService(store, nil, "", false)
	n := 0
	svc.newID = func() string {
		n++
		return fmt.Sprintf("generated-%d", n)
	}
	return svc
}

func TestPublishCreatesEnvelope(t *testing.T) {
	key, publicPEM := newKeyPair(t)
	store := newFakeStore()
	svc := newTestService(store)
	req := publishRequest(t, key, publicPEM, nil)

	view, created, err := svc.Publish(context.Background(), req, false)
	if err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}
	if !created {
		t.Error("created = false, want true")
	}
	if view.EnvelopeVersion != "0.52.0" {
		t.Errorf("envelope_version = %q", view.EnvelopeVersion)
	}
	if view.EnvelopeID != "generated-1" {
		t.Errorf("envelope_id = %q, want generated", view.EnvelopeID)
	}

	// Round-trip: stored decoded resource must equal an independent decode.
	want, err := codec.Decode(req.Resource, domain.ResourceFormatJSON)
	if err != nil {
		t.Fatalf("independent decode: %v", err)
	}
	if !reflect.DeepEqual(view.DecodedResource, want) {
		t.Errorf("decoded_resource mismatch: %v vs %v", view.DecodedResource, want)
	}

	if view.NodeHeaders.ResourceDigest != digest.Sum(req.Resource) {
		t.Errorf("resource_digest mismatch")
	}
	if len(view.NodeHeaders.Versions) != 1 || !view.NodeHeaders.Versions[0].Head {
		t.Errorf("expected a single head version, got %+v", view.NodeHeaders.Versions)
	}
}

func TestPublishDuplicateID(t *testing.T) {
	key, publicPEM := newKeyPair(t)
	store := newFakeStore()
	svc := newTestService(store)

	req := publishRequest(t, key, publicPEM, nil)
	req.EnvelopeID = "ac0c5f52-68b8-4438-bf34-6a63b1b95b56"
	if _, _, err := svc.Publish(context.Background(), req, false); err != nil {
		t.Fatalf("first publish: %v", err)
	}

	_, _, err := svc.Publish(context.Background(), req, false)
	var conflict *domain.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if conflict.Message != "Envelope has already been taken" {
		t.Errorf("message = %q", conflict.Message)
	}
}

func TestPublishUpdateIfExists(t *testing.T) {
	key, publicPEM := newKeyPair(t)
	store := newFakeStore()
	svc := newTestService(store)

	req := publishRequest(t, key, publicPEM, nil)
	req.EnvelopeID = "05de35b5-8820-497f-bf4e-b4fa0c2107dd"
	if _, _, err := svc.Publish(context.Background(), req, false); err != nil {
		t.Fatalf("first publish: %v", err)
	}

	update := publishRequest(t, key, publicPEM, nil)
	update.EnvelopeID = req.EnvelopeID
	update.EnvelopeVersion = "0.53.0"

	view, created, err := svc.Publish(context.Background(), update, true)
	if err != nil {
		t.Fatalf("Publish with update_if_exists: %v", err)
	}
	if created {
		t.Error("created = true, want false for silent update")
	}
	if view.EnvelopeVersion != "0.53.0" {
		t.Errorf("envelope_version = %q, want 0.53.0", view.EnvelopeVersion)
	}
	if len(view.NodeHeaders.Versions) != 2 {
		t.Errorf("expected 2 versions, got %d", len(view.NodeHeaders.Versions))
	}
}

func TestPublishCollectsValidationErrors(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)

	_, _, err := svc.Publish(context.Background(), &domain.PublishRequest{}, false)
	var validation *domain.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}

	want := []string{
		"envelope_type is missing",
		"envelope_version is missing",
		"resource is missing",
		"resource_format is missing",
		"resource_encoding is missing",
		"resource_public_key is missing",
	}
	if !reflect.DeepEqual(validation.Errors, want) {
		t.Errorf("errors = %v, want %v", validation.Errors, want)
	}
}

func TestPublishInvalidEnumValues(t *testing.T) {
	key, publicPEM := newKeyPair(t)
	store := newFakeStore()
	svc := newTestService(store)

	req := publishRequest(t, key, publicPEM, nil)
	req.ResourceFormat = "yaml"
	req.ResourceEncoding = "cose"

	_, _, err := svc.Publish(context.Background(), req, false)
	var validation *domain.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	joined := strings.Join(validation.Errors, "; ")
	if !strings.Contains(joined, "resource_format does not have a valid value") ||
		!strings.Contains(joined, "resource_encoding does not have a valid value") {
		t.Errorf("unexpected errors: %v", validation.Errors)
	}
}

func TestPublishSignatureMismatch(t *testing.T) {
	key, _ := newKeyPair(t)
	_, otherPEM := newKeyPair(t)
	store := newFakeStore()
	svc := newTestService(store)

	req := publishRequest(t, key, otherPEM, nil)

	_, _, err := svc.Publish(context.Background(), req, false)
	var auth *domain.AuthorizationError
	if !errors.As(err, &auth) {
		t.Fatalf("expected AuthorizationError, got %v", err)
	}
}

func TestUpdateNotFound(t *testing.T) {
	key, publicPEM := newKeyPair(t)
	store := newFakeStore()
	svc := newTestService(store)

	_, err := svc.Update(context.Background(), "non-existent-envelope-id", publishRequest(t, key, publicPEM, nil))
	var notFound *domain.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if notFound.Message != "Couldn't find Envelope" {
		t.Errorf("message = %q", notFound.Message)
	}
}

func TestUpdateByDifferentSigner(t *testing.T) {
	key, publicPEM := newKeyPair(t)
	intruderKey, _ := newKeyPair(t)
	store := newFakeStore()
	svc := newTestService(store)

	view, _, err := svc.Publish(context.Background(), publishRequest(t, key, publicPEM, nil), false)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	update := publishRequest(t, intruderKey, publicPEM, jwt.MapClaims{"name": "Hijacked"})
	_, err = svc.Update(context.Background(), view.EnvelopeID, update)
	var auth *domain.AuthorizationError
	if !errors.As(err, &auth) {
		t.Fatalf("expected AuthorizationError, got %v", err)
	}
	if auth.Message != "Envelope can only be updated by the original user" {
		t.Errorf("message = %q", auth.Message)
	}
}

func TestUpdateAppendsHeadVersion(t *testing.T) {
	key, publicPEM := newKeyPair(t)
	store := newFakeStore()
	svc := newTestService(store)

	view, _, err := svc.Publish(context.Background(), publishRequest(t, key, publicPEM, nil), false)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	update := publishRequest(t, key, publicPEM, jwt.MapClaims{"name": "Updated"})
	updated, err := svc.Update(context.Background(), view.EnvelopeID, update)
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	if got := updated.DecodedResource["name"]; got != "Updated" {
		t.Errorf("decoded name = %v, want Updated", got)
	}

	versions := updated.NodeHeaders.Versions
	if len(versions) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(versions))
	}
	if versions[0].Head {
		t.Error("oldest version still marked head")
	}
	if !strings.Contains(versions[0].URL, "/versions/") {
		t.Errorf("non-head url should be version-scoped, got %q", versions[0].URL)
	}
	if !versions[1].Head {
		t.Error("newest version not marked head")
	}
	if want := "/v1/envelopes/" + view.EnvelopeID; versions[1].URL != want {
		t.Errorf("head url = %q, want %q", versions[1].URL, want)
	}
	if updated.NodeHeaders.ResourceDigest != digest.Sum(update.Resource) {
		t.Error("digest not updated to the new head")
	}
}

func TestDeleteByID(t *testing.T) {
	key, publicPEM := newKeyPair(t)
	store := newFakeStore()
	svc := newTestService(store)

	view, _, err := svc.Publish(context.Background(), publishRequest(t, key, publicPEM, nil), false)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	token := signClaims(t, key, jwt.MapClaims{"delete": true})
	if err := svc.Delete(context.Background(), view.EnvelopeID, &domain.DeleteRequest{DeleteToken: token}); err != nil {
		t.Fatalf("delete: %v", err)
	}

	found, err := svc.Find(context.Background(), view.EnvelopeID)
	if err != nil {
		t.Fatalf("find after delete: %v", err)
	}
	if found.DeletedAt == nil {
		t.Error("deleted_at not set after delete")
	}
	if len(found.NodeHeaders.Versions) == 0 {
		t.Error("version history removed by delete")
	}

	// Idempotent: a second delete of the same envelope is a no-op.
	if err := svc.Delete(context.Background(), view.EnvelopeID, &domain.DeleteRequest{DeleteToken: token}); err != nil {
		t.Errorf("repeat delete returned error: %v", err)
	}
}

func TestDeleteWrongSigner(t *testing.T) {
	key, publicPEM := newKeyPair(t)
	intruderKey, _ := newKeyPair(t)
	store := newFakeStore()
	svc := newTestService(store)

	view, _, err := svc.Publish(context.Background(), publishRequest(t, key, publicPEM, nil), false)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	token := signClaims(t, intruderKey, jwt.MapClaims{"delete": true})
	err = svc.Delete(context.Background(), view.EnvelopeID, &domain.DeleteRequest{DeleteToken: token})
	var auth *domain.AuthorizationError
	if !errors.As(err, &auth) {
		t.Fatalf("expected AuthorizationError, got %v", err)
	}
	if auth.Message != "Envelope can only be deleted by the original user" {
		t.Errorf("message = %q", auth.Message)
	}
}

func TestDeleteNotFound(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)

	err := svc.Delete(context.Background(), "non-existent-envelope-id", &domain.DeleteRequest{})
	var notFound *domain.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if notFound.Message != "Couldn't find Envelope" {
		t.Errorf("message = %q", notFound.Message)
	}
}

func TestDeleteByURL(t *testing.T) {
	key, publicPEM := newKeyPair(t)
	store := newFakeStore()
	svc := newTestService(store)

	if _, _, err := svc.Publish(context.Background(), publishRequest(t, key, publicPEM, nil), false); err != nil {
		t.Fatalf("publish: %v", err)
	}

	token := signClaims(t, key, jwt.MapClaims{"delete": true})
	err := svc.DeleteByURL(context.Background(), &domain.DeleteRequest{
		DeleteToken: token,
		URL:         "http://example.org/resource",
	})
	if err != nil {
		t.Fatalf("delete by url: %v", err)
	}
}

func TestDeleteByURLNoMatch(t *testing.T) {
	key, _ := newKeyPair(t)
	store := newFakeStore()
	svc := newTestService(store)

	token := signClaims(t, key, jwt.MapClaims{"delete": true})
	err := svc.DeleteByURL(context.Background(), &domain.DeleteRequest{
		DeleteToken: token,
		URL:         "http://example.org/non-existent-resource",
	})
	var notFound *domain.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if notFound.Message != "No matching envelopes found" {
		t.Errorf("message = %q", notFound.Message)
	}
}

func TestFindVersionSnapshot(t *testing.T) {
	key, publicPEM := newKeyPair(t)
	store := newFakeStore()
	svc := newTestService(store)

	req := publishRequest(t, key, publicPEM, jwt.MapClaims{"name": "Original"})
	req.EnvelopeVersion = "0.9.0"
	view, _, err := svc.Publish(context.Background(), req, false)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	update := publishRequest(t, key, publicPEM, jwt.MapClaims{"name": "Updated"})
	update.EnvelopeVersion = "0.10.0"
	if _, err := svc.Update(context.Background(), view.EnvelopeID, update); err != nil {
		t.Fatalf("update: %v", err)
	}

	versions, err := store.ListVersions(context.Background(), view.EnvelopeID)
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}

	snapshot, err := svc.FindVersion(context.Background(), view.EnvelopeID, versions[0].ID)
	if err != nil {
		t.Fatalf("find version: %v", err)
	}
	if snapshot.EnvelopeVersion != "0.9.0" {
		t.Errorf("snapshot envelope_version = %q, want 0.9.0", snapshot.EnvelopeVersion)
	}
	if got := snapshot.DecodedResource["name"]; got != "Original" {
		t.Errorf("snapshot decoded name = %v, want Original", got)
	}
}

func TestListOrdering(t *testing.T) {
	key, publicPEM := newKeyPair(t)
	store := newFakeStore()
	svc := newTestService(store)

	first, _, err := svc.Publish(context.Background(), publishRequest(t, key, publicPEM, nil), false)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	second, _, err := svc.Publish(context.Background(), publishRequest(t, key, publicPEM, nil), false)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	envelopes, err := svc.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(envelopes) != 2 {
		t.Fatalf("expected 2 envelopes, got %d", len(envelopes))
	}
	if envelopes[0].EnvelopeID != first.EnvelopeID || envelopes[1].EnvelopeID != second.EnvelopeID {
		t.Errorf("list not ordered by creation date")
	}
	if envelopes[0].DecodedResource == nil {
		t.Error("list entries missing decoded resources")
	}
}

func TestListExcludesDeletedByDefault(t *testing.T) {
	key, publicPEM := newKeyPair(t)
	store := newFakeStore()
	svc := newTestService(store)

	view, _, err := svc.Publish(context.Background(), publishRequest(t, key, publicPEM, nil), false)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	token := signClaims(t, key, jwt.MapClaims{"delete": true})
	if err := svc.Delete(context.Background(), view.EnvelopeID, &domain.DeleteRequest{DeleteToken: token}); err != nil {
		t.Fatalf("delete: %v", err)
	}

	envelopes, err := svc.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(envelopes) != 0 {
		t.Errorf("expected deleted envelope to be excluded, got %d entries", len(envelopes))
	}

	svc.includeDeleted = true
	envelopes, err = svc.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(envelopes) != 1 {
		t.Errorf("expected deleted envelope to be included, got %d entries", len(envelopes))
	}
}
