package crypto

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// fingerprintBytes is how many hash bytes a displayed fingerprint carries
const fingerprintBytes = 10

// Hash generates a BLAKE2b-256 hash
func Hash(data []byte) ([]byte, error) {
	hash, err := blake2b.New256(nil)
	if err != nil {
		return nil, err
	}

	hash.Write(data)
	return hash.Sum(nil), nil
}

// Fingerprint returns a short, human comparable digest of a public key:
// the first bytes of BLAKE2b-256 over its SubjectPublicKeyInfo, hex in groups of four.
func Fingerprint(key *rsa.PublicKey) (string, error) {
	if key == nil {
		return "", ErrInvalidKey
	}
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return "", err
	}

	sum, err := Hash(der)
	if err != nil {
		return "", err
	}
	digest := hex.EncodeToString(sum[:fingerprintBytes])

	groups := make([]string, 0, len(digest)/4)
	for i := 0; i < len(digest); i += 4 {
		groups = append(groups, digest[i:i+4])
	}
	return strings.Join(groups, ":"), nil
}

// FingerprintString is Fingerprint for an encoded public key
func FingerprintString(encoded string) (string, error) {
	key, err := DecodePublicKey(encoded)
	if err != nil {
		return "", err
	}
	return Fingerprint(key)
}
