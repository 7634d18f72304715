// Package jarsig builds the detached PKCS#7 SignedData blocks stored as
// META-INF/<NAME>.RSA or META-INF/<NAME>.EC in a JAR-signed archive.
package jarsig

import (
	"crypto"
	"encoding/asn1"
	"fmt"

	"go.mozilla.org/pkcs7"

	"github.com/avast/apksigner/errdefs"
	"github.com/avast/apksigner/identity"
)

var digestOIDs = map[crypto.Hash]asn1.ObjectIdentifier{
	crypto.SHA1:   pkcs7.OIDDigestAlgorithmSHA1,
	crypto.SHA256: pkcs7.OIDDigestAlgorithmSHA256,
	crypto.SHA384: pkcs7.OIDDigestAlgorithmSHA384,
	crypto.SHA512: pkcs7.OIDDigestAlgorithmSHA512,
}

var ecdsaOIDs = map[crypto.Hash]asn1.ObjectIdentifier{
	crypto.SHA1:   pkcs7.OIDDigestAlgorithmECDSASHA1,
	crypto.SHA256: pkcs7.OIDDigestAlgorithmECDSASHA256,
	crypto.SHA384: pkcs7.OIDDigestAlgorithmECDSASHA384,
	crypto.SHA512: pkcs7.OIDDigestAlgorithmECDSASHA512,
}

// Builder produces signature blocks for one signature algorithm.
type Builder struct {
	alg identity.SignatureAlgorithm
}

// NewBuilder returns a builder for alg, e.g. SHA256withRSA.
func NewBuilder(alg identity.SignatureAlgorithm) (*Builder, error) {
	if !alg.Valid() {
		return nil, errdefs.New(errdefs.CodeInvalidRequest, fmt.Sprintf("unsupported signature algorithm %q", alg), nil)
	}
	return &Builder{alg: alg}, nil
}

// Algorithm returns the signature algorithm the builder signs with.
func (b *Builder) Algorithm() identity.SignatureAlgorithm {
	return b.alg
}

// Build signs content with id and returns a DER-encoded detached SignedData
// with a single SignerInfo and no signed attributes. The identity's chain is
// embedded leaf first.
func (b *Builder) Build(id *identity.KeyIdentity, content []byte) ([]byte, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}

	leaf := id.Leaf()
	if !b.alg.CompatibleWith(leaf.PublicKey) {
		return nil, errdefs.New(errdefs.CodeSigningOperationFailed,
			fmt.Sprintf("%s cannot sign with a %s key", b.alg, id.KeyAlgorithm()), nil)
	}

	h := b.alg.Hash()
	sd, err := pkcs7.NewSignedData(content)
	if err != nil {
		return nil, errdefs.New(errdefs.CodeSigningOperationFailed, "create signed data", err)
	}
	sd.SetDigestAlgorithm(digestOIDs[h])
	if b.alg.KeyAlgorithm() == identity.KeyAlgorithmRSA {
		sd.SetEncryptionAlgorithm(pkcs7.OIDEncryptionAlgorithmRSA)
	} else {
		sd.SetEncryptionAlgorithm(ecdsaOIDs[h])
	}

	if err := sd.SignWithoutAttr(leaf, id.PrivateKey, pkcs7.SignerInfoConfig{}); err != nil {
		return nil, errdefs.New(errdefs.CodeSigningOperationFailed, fmt.Sprintf("sign with %s", b.alg), err)
	}
	for _, c := range id.CertificateChain[1:] {
		sd.AddCertificate(c)
	}
	sd.Detach()

	der, err := sd.Finish()
	if err != nil {
		return nil, errdefs.New(errdefs.CodeSigningOperationFailed, "encode signed data", err)
	}
	return der, nil
}
