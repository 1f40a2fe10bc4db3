// Package guard performs the cryptographic checks behind envelope
// authorization: recomputing the container's signature proof against a
// claimed or recorded owner identity. All checks are pure and
// side-effect-free; the lifecycle controller maps failures onto
// user-visible authorization errors.
package guard

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidKey means the supplied public key is not a parsable RSA PEM.
	ErrInvalidKey = errors.New("invalid public key")

	// ErrSignatureMismatch means the container is not signed by the key's
	// holder.
	ErrSignatureMismatch = errors.New("signature does not match the signer identity")

	// ErrInvalidToken means the delete token is malformed or lacks the
	// delete claim.
	ErrInvalidToken = errors.New("invalid delete token")
)

var signingMethods = []string{"RS256", "RS384", "RS512"}

// VerifySignature recomputes the container's signature against the given
// PEM-encoded RSA public key. Claim-level validation (expiry and friends)
// is skipped: envelopes are long-lived records, not session tokens.
func VerifySignature(container, publicKeyPEM string) error {
	key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(publicKeyPEM))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	_, err = jwt.NewParser(
		jwt.WithValidMethods(signingMethods),
		jwt.WithoutClaimsValidation(),
	).Parse(container, func(_ *jwt.Token) (interface{}, error) {
		return key, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	}
	return nil
}

// VerifyDeleteToken checks a one-time delete token: it must be signed by
// the envelope's recorded owner key and carry a truthy "delete" claim.
// The token is consumed by the caller and never persisted.
func VerifyDeleteToken(token, publicKeyPEM string) error {
	key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(publicKeyPEM))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	claims := jwt.MapClaims{}
	_, err = jwt.NewParser(
		jwt.WithValidMethods(signingMethods),
		jwt.WithoutClaimsValidation(),
	).ParseWithClaims(token, claims, func(_ *jwt.Token) (interface{}, error) {
		return key, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	}

	if del, ok := claims["delete"].(bool); !ok || !del {
		return fmt.Errorf("%w: missing delete claim", ErrInvalidToken)
	}
	return nil
}
