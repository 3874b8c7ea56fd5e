package capsules

import (
	"crypto/rand"
	"math/big"

	"github.com/google/uuid"
)

// encryptKeyAlphabet is the fixed alphabet for human-enterable unlock codes.
const encryptKeyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// encryptKeyLength is the fixed length of generated unlock codes.
const encryptKeyLength = 6

// KeyGenerator produces unlock codes. NewEncryptKey is the production
// implementation; tests substitute deterministic generators.
type KeyGenerator func() (string, error)

// NewEncryptKey generates a short unlock code from the fixed alphabet using
// a cryptographic source.
func NewEncryptKey() (string, error) {
	alphabetSize := big.NewInt(int64(len(encryptKeyAlphabet)))
	code := make([]byte, encryptKeyLength)
	for i := range code {
		index, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			return "", err
		}
		code[i] = encryptKeyAlphabet[index.Int64()]
	}
	return string(code), nil
}

// IDProvider issues identifiers for capsules, share tokens and audit rows.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider backed by random (v4) UUIDs.
// Share tokens must be unguessable, so time-ordered identifiers are not used.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
