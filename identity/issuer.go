package identity

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"io"
	"math/big"
	"strings"
	"time"

	"github.com/avast/apksigner/errdefs"
)

const (
	DefaultKeyAlgorithm       = KeyAlgorithmRSA
	DefaultRSAKeySize         = 2048
	DefaultECKeySize          = 256
	DefaultSignatureAlgorithm = SHA256WithRSA
	DefaultValidityYears      = 30

	backdate    = 30 * 24 * time.Hour
	daysPerYear = 366

	// X.509 GeneralizedTime stops at year 9999.
	maxNotAfterYear = 9999
)

var serialLimit = new(big.Int).Lsh(big.NewInt(1), 128)

// IssueRequest describes a self-signed identity to mint. Zero fields take the defaults above.
type IssueRequest struct {
	Name               string
	KeyAlgorithm       string
	KeySize            int
	SignatureAlgorithm SignatureAlgorithm
	ValidityYears      int
	Subject            DistinguishedName
}

// Issuer mints self-signed identities. The zero value uses crypto/rand and the wall clock.
type Issuer struct {
	Rand io.Reader
	Now  func() time.Time
}

// Issue mints an identity with the default Issuer.
func Issue(req IssueRequest) (*KeyIdentity, error) {
	var iss Issuer
	return iss.Issue(req)
}

func (iss *Issuer) rand() io.Reader {
	if iss.Rand != nil {
		return iss.Rand
	}
	return rand.Reader
}

func (iss *Issuer) now() time.Time {
	if iss.Now != nil {
		return iss.Now()
	}
	return time.Now()
}

// Issue generates a fresh key pair and a self-signed certificate whose issuer
// equals its subject. The certificate is valid from 30 days in the past until
// ValidityYears*366 days from now.
func (iss *Issuer) Issue(req IssueRequest) (*KeyIdentity, error) {
	req = req.withDefaults()

	if req.SignatureAlgorithm.KeyAlgorithm() != req.KeyAlgorithm {
		return nil, errdefs.New(errdefs.CodeCertificateBuildFailed,
			fmt.Sprintf("signature algorithm %s cannot be used with %s keys", req.SignatureAlgorithm, req.KeyAlgorithm), nil)
	}

	key, err := iss.generateKey(req.KeyAlgorithm, req.KeySize)
	if err != nil {
		return nil, errdefs.New(errdefs.CodeKeyGenerationFailed,
			fmt.Sprintf("generate %s-%d key", req.KeyAlgorithm, req.KeySize), err)
	}

	cert, err := iss.selfSign(key, req)
	if err != nil {
		wipeKey(key)
		return nil, errdefs.New(errdefs.CodeCertificateBuildFailed, "build self-signed certificate", err)
	}

	return &KeyIdentity{
		Name:             req.Name,
		PrivateKey:       key,
		CertificateChain: []*x509.Certificate{cert},
	}, nil
}

func (req IssueRequest) withDefaults() IssueRequest {
	req.KeyAlgorithm = strings.ToUpper(strings.TrimSpace(req.KeyAlgorithm))
	switch req.KeyAlgorithm {
	case "":
		req.KeyAlgorithm = DefaultKeyAlgorithm
	case "ECDSA":
		req.KeyAlgorithm = KeyAlgorithmEC
	}

	if req.KeySize <= 0 {
		req.KeySize = DefaultRSAKeySize
		if req.KeyAlgorithm == KeyAlgorithmEC {
			req.KeySize = DefaultECKeySize
		}
	}
	if req.SignatureAlgorithm == "" {
		req.SignatureAlgorithm = DefaultSignatureAlgorithm
		if req.KeyAlgorithm == KeyAlgorithmEC {
			req.SignatureAlgorithm = SHA256WithECDSA
		}
	}
	if req.ValidityYears <= 0 {
		req.ValidityYears = DefaultValidityYears
	}
	return req
}

func (iss *Issuer) generateKey(alg string, size int) (crypto.Signer, error) {
	switch alg {
	case KeyAlgorithmRSA:
		if size < 1024 {
			return nil, fmt.Errorf("RSA key size %d is too small", size)
		}
		return rsa.GenerateKey(iss.rand(), size)
	case KeyAlgorithmEC:
		var curve elliptic.Curve
		switch size {
		case 256:
			curve = elliptic.P256()
		case 384:
			curve = elliptic.P384()
		case 521:
			curve = elliptic.P521()
		default:
			return nil, fmt.Errorf("unsupported EC key size %d", size)
		}
		return ecdsa.GenerateKey(curve, iss.rand())
	}
	return nil, fmt.Errorf("unsupported key algorithm %q", alg)
}

func (iss *Issuer) selfSign(key crypto.Signer, req IssueRequest) (*x509.Certificate, error) {
	subject, err := req.Subject.Marshal()
	if err != nil {
		return nil, fmt.Errorf("encode subject: %w", err)
	}

	serial, err := iss.serialNumber()
	if err != nil {
		return nil, err
	}

	now := iss.now()
	notAfter := now.AddDate(0, 0, daysPerYear*req.ValidityYears)
	if notAfter.Year() > maxNotAfterYear || notAfter.Before(now) {
		return nil, fmt.Errorf("validity of %d years ends past year %d", req.ValidityYears, maxNotAfterYear)
	}

	template := &x509.Certificate{
		SerialNumber:       serial,
		RawSubject:         subject,
		NotBefore:          now.Add(-backdate),
		NotAfter:           notAfter,
		SignatureAlgorithm: req.SignatureAlgorithm.X509(),
	}

	der, err := x509.CreateCertificate(iss.rand(), template, template, key.Public(), key)
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(der)
}

func (iss *Issuer) serialNumber() (*big.Int, error) {
	for {
		n, err := rand.Int(iss.rand(), serialLimit)
		if err != nil {
			return nil, fmt.Errorf("generate serial number: %w", err)
		}
		if n.Sign() > 0 {
			return n, nil
		}
	}
}
