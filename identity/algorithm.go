package identity

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"strings"
)

// SignatureAlgorithm is a JCA-style signature algorithm name such as "SHA256withRSA".
type SignatureAlgorithm string

const (
	SHA1WithRSA     SignatureAlgorithm = "SHA1withRSA"
	SHA256WithRSA   SignatureAlgorithm = "SHA256withRSA"
	SHA384WithRSA   SignatureAlgorithm = "SHA384withRSA"
	SHA512WithRSA   SignatureAlgorithm = "SHA512withRSA"
	SHA1WithECDSA   SignatureAlgorithm = "SHA1withECDSA"
	SHA256WithECDSA SignatureAlgorithm = "SHA256withECDSA"
	SHA384WithECDSA SignatureAlgorithm = "SHA384withECDSA"
	SHA512WithECDSA SignatureAlgorithm = "SHA512withECDSA"
)

const (
	KeyAlgorithmRSA = "RSA"
	KeyAlgorithmEC  = "EC"
)

var signatureAlgorithms = []struct {
	name   SignatureAlgorithm
	hash   crypto.Hash
	keyAlg string
	x509   x509.SignatureAlgorithm
}{
	{SHA1WithRSA, crypto.SHA1, KeyAlgorithmRSA, x509.SHA1WithRSA},
	{SHA256WithRSA, crypto.SHA256, KeyAlgorithmRSA, x509.SHA256WithRSA},
	{SHA384WithRSA, crypto.SHA384, KeyAlgorithmRSA, x509.SHA384WithRSA},
	{SHA512WithRSA, crypto.SHA512, KeyAlgorithmRSA, x509.SHA512WithRSA},
	{SHA1WithECDSA, crypto.SHA1, KeyAlgorithmEC, x509.ECDSAWithSHA1},
	{SHA256WithECDSA, crypto.SHA256, KeyAlgorithmEC, x509.ECDSAWithSHA256},
	{SHA384WithECDSA, crypto.SHA384, KeyAlgorithmEC, x509.ECDSAWithSHA384},
	{SHA512WithECDSA, crypto.SHA512, KeyAlgorithmEC, x509.ECDSAWithSHA512},
}

// ParseSignatureAlgorithm accepts the names above case-insensitively.
func ParseSignatureAlgorithm(name string) (SignatureAlgorithm, error) {
	for _, a := range signatureAlgorithms {
		if strings.EqualFold(string(a.name), strings.TrimSpace(name)) {
			return a.name, nil
		}
	}
	return "", fmt.Errorf("unsupported signature algorithm %q", name)
}

// Valid reports whether a is a known algorithm.
func (a SignatureAlgorithm) Valid() bool {
	_, err := ParseSignatureAlgorithm(string(a))
	return err == nil
}

// Hash returns the digest used by the algorithm, or 0 if unknown.
func (a SignatureAlgorithm) Hash() crypto.Hash {
	for _, e := range signatureAlgorithms {
		if e.name == a {
			return e.hash
		}
	}
	return 0
}

// KeyAlgorithm returns "RSA" or "EC", or "" if unknown.
func (a SignatureAlgorithm) KeyAlgorithm() string {
	for _, e := range signatureAlgorithms {
		if e.name == a {
			return e.keyAlg
		}
	}
	return ""
}

// X509 returns the certificate signature algorithm.
func (a SignatureAlgorithm) X509() x509.SignatureAlgorithm {
	for _, e := range signatureAlgorithms {
		if e.name == a {
			return e.x509
		}
	}
	return x509.UnknownSignatureAlgorithm
}

// CompatibleWith reports whether the algorithm can sign with key.
func (a SignatureAlgorithm) CompatibleWith(key crypto.PublicKey) bool {
	return a.KeyAlgorithm() != "" && a.KeyAlgorithm() == KeyAlgorithmOf(key)
}

// KeyAlgorithmOf names the algorithm family of a public or private key.
func KeyAlgorithmOf(key any) string {
	switch k := key.(type) {
	case *rsa.PublicKey, *rsa.PrivateKey:
		return KeyAlgorithmRSA
	case *ecdsa.PublicKey, *ecdsa.PrivateKey:
		return KeyAlgorithmEC
	case crypto.Signer:
		return KeyAlgorithmOf(k.Public())
	}
	return ""
}

// KeySize returns the modulus size for RSA and the curve size for EC keys.
func KeySize(key any) int {
	switch k := key.(type) {
	case *rsa.PublicKey:
		return k.N.BitLen()
	case *rsa.PrivateKey:
		return k.N.BitLen()
	case *ecdsa.PublicKey:
		return k.Curve.Params().BitSize
	case *ecdsa.PrivateKey:
		return k.Curve.Params().BitSize
	case crypto.Signer:
		return KeySize(k.Public())
	}
	return 0
}
