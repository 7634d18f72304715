// Package identity models signing identities (a private key plus its
// certificate chain) and mints self-signed ones.
package identity

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/avast/apksigner/errdefs"
)

// KeyIdentity is a private key and its certificate chain, leaf first.
type KeyIdentity struct {
	Name             string
	PrivateKey       crypto.Signer
	CertificateChain []*x509.Certificate
}

// Leaf returns the signing certificate, or nil for an empty chain.
func (k *KeyIdentity) Leaf() *x509.Certificate {
	if k == nil || len(k.CertificateChain) == 0 {
		return nil
	}
	return k.CertificateChain[0]
}

// Validate checks that the chain is non-empty and that the leaf certifies the private key.
func (k *KeyIdentity) Validate() error {
	if k == nil || k.PrivateKey == nil {
		return errdefs.New(errdefs.CodeKeyNotFoundForAlias, "identity has no private key", nil)
	}
	if len(k.CertificateChain) == 0 {
		return errdefs.New(errdefs.CodeCertificateChainMissing,
			fmt.Sprintf("identity %q has no certificate chain", k.Name), nil)
	}

	pub, ok := k.PrivateKey.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !pub.Equal(k.Leaf().PublicKey) {
		return errdefs.New(errdefs.CodeCertificateChainMissing,
			fmt.Sprintf("identity %q: certificate does not match private key", k.Name), nil)
	}
	return nil
}

// KeyAlgorithm returns "RSA" or "EC".
func (k *KeyIdentity) KeyAlgorithm() string {
	return KeyAlgorithmOf(k.PrivateKey)
}

// BlockExtension is the file extension of the JAR signature block for this key.
func (k *KeyIdentity) BlockExtension() (string, error) {
	switch k.KeyAlgorithm() {
	case KeyAlgorithmRSA:
		return "RSA", nil
	case KeyAlgorithmEC:
		return "EC", nil
	}
	return "", errors.New("unsupported key type")
}

// SignatureBaseName derives the META-INF file stem (NAME.SF / NAME.RSA) from
// the identity name: upper case, [A-Z0-9_-] only, at most 8 characters.
func (k *KeyIdentity) SignatureBaseName() string {
	name := strings.ToUpper(k.Name)
	var sb strings.Builder
	for i := 0; i < len(name) && sb.Len() < 8; i++ {
		c := name[i]
		if (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || c == '-' {
			sb.WriteByte(c)
		} else {
			sb.WriteByte('_')
		}
	}
	if sb.Len() == 0 {
		return "CERT"
	}
	return sb.String()
}

// Release zeroes the private key material where the runtime permits. The
// identity must not be used for signing afterwards.
func (k *KeyIdentity) Release() {
	if k == nil || k.PrivateKey == nil {
		return
	}
	wipeKey(k.PrivateKey)
	k.PrivateKey = nil
}

func wipeKey(key crypto.Signer) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		wipeInt(k.D)
		for _, p := range k.Primes {
			wipeInt(p)
		}
		wipeInt(k.Precomputed.Dp)
		wipeInt(k.Precomputed.Dq)
		wipeInt(k.Precomputed.Qinv)
		for _, crt := range k.Precomputed.CRTValues {
			wipeInt(crt.Exp)
			wipeInt(crt.Coeff)
			wipeInt(crt.R)
		}
	case *ecdsa.PrivateKey:
		wipeInt(k.D)
	}
}

func wipeInt(n *big.Int) {
	if n == nil {
		return
	}
	words := n.Bits()
	for i := range words {
		words[i] = 0
	}
	n.SetInt64(0)
}
