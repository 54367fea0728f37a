package crypto

import (
	"crypto/rsa"
)

// Provider is the capability both the server and clients consume for key handling.
// The server only ever uses the public-key half (decode and fingerprint);
// private-key operations happen on clients.
type Provider interface {
	GenerateKeyPair() (*rsa.PrivateKey, error)
	EncodePublicKey(pub *rsa.PublicKey) (string, error)
	DecodePublicKey(s string) (*rsa.PublicKey, error)
	Encrypt(plaintext []byte, recipient *rsa.PublicKey) ([]byte, error)
	Decrypt(ciphertext []byte, own *rsa.PrivateKey) ([]byte, error)
	Sign(plaintext []byte, own *rsa.PrivateKey) ([]byte, error)
	Verify(plaintext, signature []byte, signer *rsa.PublicKey) bool
}

// RSAProvider implements Provider with RSA PKCS#1 v1.5 encryption and SHA-256 signatures
type RSAProvider struct {
	Bits int
}

// NewRSAProvider returns a provider generating keys of DefaultKeyBits
func NewRSAProvider() *RSAProvider {
	return &RSAProvider{Bits: DefaultKeyBits}
}

func (p *RSAProvider) GenerateKeyPair() (*rsa.PrivateKey, error) {
	return GenerateRSAKeyPair(p.Bits)
}

func (p *RSAProvider) EncodePublicKey(pub *rsa.PublicKey) (string, error) {
	return EncodePublicKey(pub)
}

func (p *RSAProvider) DecodePublicKey(s string) (*rsa.PublicKey, error) {
	return DecodePublicKey(s)
}

func (p *RSAProvider) Encrypt(plaintext []byte, recipient *rsa.PublicKey) ([]byte, error) {
	return RSAEncrypt(plaintext, recipient)
}

func (p *RSAProvider) Decrypt(ciphertext []byte, own *rsa.PrivateKey) ([]byte, error) {
	return RSADecrypt(ciphertext, own)
}

func (p *RSAProvider) Sign(plaintext []byte, own *rsa.PrivateKey) ([]byte, error) {
	return SignData(plaintext, own)
}

// Verify reports whether signature is valid; a failure is a normal outcome, not an error
func (p *RSAProvider) Verify(plaintext, signature []byte, signer *rsa.PublicKey) bool {
	return VerifySignature(plaintext, signature, signer) == nil
}
