// Package auth holds caller identity plumbing: the credential sealer
// boundary and refresh token issue/revoke. OAuth flows live outside this
// service.
package auth

// Sealer seals secrets before they reach the store and opens them on the
// way out. The cipher is chosen by whoever injects the implementation;
// this service never picks one.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// NoopSealer passes secrets through unchanged. Only suitable for
// development and tests.
type NoopSealer struct{}

func (NoopSealer) Seal(plaintext []byte) ([]byte, error) { return plaintext, nil }

func (NoopSealer) Open(sealed []byte) ([]byte, error) { return sealed, nil }
