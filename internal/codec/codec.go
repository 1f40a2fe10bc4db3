package codec

import (
	"fmt"

	"github.com/clbanning/mxj/v2"
	"github.com/golang-jwt/jwt/v5"

	"metaregistry/internal/domain"
)

// Decode unwraps a signed container and parses its payload into the
// canonical resource mapping. The signature is deliberately NOT verified
// here: the payload must be inspectable even when the signer is later
// rejected, so the caller can report which identity was attempted.
// Verification is the guard's job.
func Decode(container string, format domain.ResourceFormat) (domain.Resource, error) {
	payload, err := unwrap(container)
	if err != nil {
		return nil, &domain.DecodeError{Kind: domain.MalformedContainer, Err: err}
	}

	switch format {
	case domain.ResourceFormatJSON:
		return domain.Resource(payload), nil
	case domain.ResourceFormatXML:
		return decodeXML(payload)
	}
	return nil, &domain.DecodeError{
		Kind: domain.InvalidPayload,
		Err:  fmt.Errorf("unsupported resource format %q", format),
	}
}

// unwrap extracts the claim set from the JWT container without checking
// the signature.
func unwrap(container string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(container, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// decodeXML handles containers whose payload is an XML document carried in
// the "envelope" claim. The document is folded into the same mapping shape
// JSON payloads produce, so downstream code stays format-agnostic.
func decodeXML(payload jwt.MapClaims) (domain.Resource, error) {
	raw, ok := payload["envelope"].(string)
	if !ok || raw == "" {
		return nil, &domain.DecodeError{
			Kind: domain.InvalidPayload,
			Err:  fmt.Errorf("xml payload is missing the envelope claim"),
		}
	}

	m, err := mxj.NewMapXml([]byte(raw))
	if err != nil {
		return nil, &domain.DecodeError{Kind: domain.InvalidPayload, Err: err}
	}
	return domain.Resource(m), nil
}
