package crypto

import (
	stdcrypto "crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// DefaultKeyBits is the modulus size used for chat identities.
const DefaultKeyBits = 2048

// pkcs1Overhead is the padding overhead of one PKCS#1 v1.5 encryption block.
const pkcs1Overhead = 11

var (
	ErrInvalidKey        = errors.New("invalid key")
	ErrEncryptionFailed  = errors.New("encryption failed")
	ErrDecryptionFailed  = errors.New("decryption failed")
	ErrMessageTooLong    = errors.New("message exceeds one cipher block")
	ErrInvalidSignature  = errors.New("invalid signature")
	ErrUnsupportedKeyAlg = errors.New("public key is not RSA")
)

// GenerateRSAKeyPair generates a new RSA key pair of the given size
func GenerateRSAKeyPair(bits int) (*rsa.PrivateKey, error) {
	if bits <= 0 {
		bits = DefaultKeyBits
	}
	return rsa.GenerateKey(rand.Reader, bits)
}

// ExportPrivateKeyPEM exports private key to PEM format
func ExportPrivateKeyPEM(key *rsa.PrivateKey) ([]byte, error) {
	if key == nil {
		return nil, ErrInvalidKey
	}

	privBlock := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}

	return pem.EncodeToMemory(privBlock), nil
}

// ExportPublicKeyPEM exports public key to PEM format
func ExportPublicKeyPEM(key *rsa.PublicKey) ([]byte, error) {
	pubASN1, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return nil, err
	}

	pubBlock := &pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubASN1,
	}

	return pem.EncodeToMemory(pubBlock), nil
}

// ImportPrivateKeyPEM imports private key from PEM format
func ImportPrivateKeyPEM(pemData []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, ErrInvalidKey
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	return key, nil
}

// EncodePublicKey serializes a public key as base64 of its X.509 SubjectPublicKeyInfo,
// the form carried in REGISTRO and PUBKEYRESP lines.
func EncodePublicKey(key *rsa.PublicKey) (string, error) {
	if key == nil {
		return "", ErrInvalidKey
	}
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// DecodePublicKey parses the output of EncodePublicKey
func DecodePublicKey(s string) (*rsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, ErrUnsupportedKeyAlg
	}

	return rsaPub, nil
}

// SaveKeyToFile saves a PEM encoded key to file
func SaveKeyToFile(filename string, pemData []byte) error {
	return os.WriteFile(filename, pemData, 0600)
}

// LoadKeyFromFile loads a PEM encoded key from file
func LoadKeyFromFile(filename string) ([]byte, error) {
	return os.ReadFile(filename)
}

// MaxPlaintextSize returns how many plaintext bytes fit in one PKCS#1 v1.5 block for key
func MaxPlaintextSize(key *rsa.PublicKey) int {
	if key == nil {
		return 0
	}
	return key.Size() - pkcs1Overhead
}

// RSAEncrypt encrypts a single block with the recipient's public key (PKCS#1 v1.5).
// Messages that do not fit in one block are rejected, never truncated.
func RSAEncrypt(data []byte, publicKey *rsa.PublicKey) ([]byte, error) {
	if publicKey == nil {
		return nil, ErrInvalidKey
	}
	if len(data) > MaxPlaintextSize(publicKey) {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrMessageTooLong, len(data), MaxPlaintextSize(publicKey))
	}

	ciphertext, err := rsa.EncryptPKCS1v15(rand.Reader, publicKey, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	return ciphertext, nil
}

// RSADecrypt decrypts one PKCS#1 v1.5 block with our private key
func RSADecrypt(ciphertext []byte, privateKey *rsa.PrivateKey) ([]byte, error) {
	if privateKey == nil {
		return nil, ErrInvalidKey
	}
	plaintext, err := rsa.DecryptPKCS1v15(rand.Reader, privateKey, ciphertext)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// SignData signs data with RSA private key (SHA-256, PKCS#1 v1.5)
func SignData(data []byte, privateKey *rsa.PrivateKey) ([]byte, error) {
	if privateKey == nil {
		return nil, ErrInvalidKey
	}
	hashed := sha256.Sum256(data)

	return rsa.SignPKCS1v15(rand.Reader, privateKey, stdcrypto.SHA256, hashed[:])
}

// VerifySignature verifies signature with RSA public key
func VerifySignature(data []byte, signature []byte, publicKey *rsa.PublicKey) error {
	if publicKey == nil {
		return ErrInvalidKey
	}
	hashed := sha256.Sum256(data)

	if err := rsa.VerifyPKCS1v15(publicKey, stdcrypto.SHA256, hashed[:], signature); err != nil {
		return ErrInvalidSignature
	}
	return nil
}
