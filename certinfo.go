package apksigner

import (
	"bytes"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/avast/apksigner/identity"
)

// CertInfo is the human-readable summary of a signing certificate.
type CertInfo struct {
	Md5                string
	Sha1               string
	Sha256             string
	KeyHash            string // base64 SHA1, the form Facebook and Google APIs ask for
	SerialNumber       string
	ValidFrom, ValidTo time.Time
	Issuer, Subject    string
	SelfSigned         bool
	KeyAlgorithm       string
	KeySize            int
}

type byPreference [][]*x509.Certificate

func (c byPreference) Len() int      { return len(c) }
func (c byPreference) Swap(i, j int) { c[i], c[j] = c[j], c[i] }
func (c byPreference) Less(i, j int) bool {
	ci, cj := c[i][0], c[j][0]

	if ci.SignatureAlgorithm != cj.SignatureAlgorithm {
		return ci.SignatureAlgorithm > cj.SignatureAlgorithm
	}

	now := time.Now()
	// expired cert is "More" than not-expired one
	iValid, jValid := isValidAt(ci, now), isValidAt(cj, now)
	if iValid != jValid {
		return iValid
	}

	if !ci.NotBefore.Equal(cj.NotBefore) {
		return ci.NotBefore.After(cj.NotBefore)
	}
	return ci.NotAfter.Sub(ci.NotBefore) > cj.NotAfter.Sub(cj.NotBefore)
}

func isValidAt(c *x509.Certificate, t time.Time) bool {
	return !t.Before(c.NotBefore) && !t.After(c.NotAfter)
}

// PickBestApkCert selects the certificate to present for a set of signer
// chains: strongest signature algorithm first, then currently valid, then newest.
func PickBestApkCert(chains [][]*x509.Certificate) (*CertInfo, *x509.Certificate) {
	if len(chains) == 0 {
		return nil, nil
	}

	sorted := append([][]*x509.Certificate(nil), chains...)
	sort.Stable(byPreference(sorted))

	res := NewCertInfo(sorted[0][0])
	return res, sorted[0][0]
}

// NewCertInfo summarizes cert.
func NewCertInfo(cert *x509.Certificate) *CertInfo {
	var ci CertInfo
	ci.Fill(cert)
	return &ci
}

func (ci *CertInfo) Fill(cert *x509.Certificate) {
	fp := func(alg string) *Fingerprint {
		f, _ := ComputeFingerprint(alg, cert.Raw)
		return f
	}

	ci.Md5 = fp("MD5").Hex()
	sha1 := fp("SHA1")
	ci.Sha1 = sha1.Hex()
	ci.KeyHash = sha1.Base64()
	ci.Sha256 = fp("SHA-256").Hex()
	ci.SerialNumber = fmt.Sprintf("%X", cert.SerialNumber)
	ci.ValidFrom = cert.NotBefore
	ci.ValidTo = cert.NotAfter
	ci.Issuer = pkixNameToString(&cert.Issuer)
	ci.Subject = pkixNameToString(&cert.Subject)
	ci.SelfSigned = bytes.Equal(cert.RawIssuer, cert.RawSubject) && cert.CheckSignatureFrom(cert) == nil
	ci.KeyAlgorithm = identity.KeyAlgorithmOf(cert.PublicKey)
	ci.KeySize = identity.KeySize(cert.PublicKey)
}

func (ci *CertInfo) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Subject:    %s\n", ci.Subject)
	fmt.Fprintf(&b, "Issuer:     %s\n", ci.Issuer)
	fmt.Fprintf(&b, "Serial:     %s\n", ci.SerialNumber)
	fmt.Fprintf(&b, "Valid:      %s - %s\n", ci.ValidFrom.Format(time.RFC3339), ci.ValidTo.Format(time.RFC3339))
	fmt.Fprintf(&b, "Key:        %s %d\n", ci.KeyAlgorithm, ci.KeySize)
	fmt.Fprintf(&b, "SelfSigned: %v\n", ci.SelfSigned)
	fmt.Fprintf(&b, "MD5:        %s\n", ci.Md5)
	fmt.Fprintf(&b, "SHA1:       %s\n", ci.Sha1)
	fmt.Fprintf(&b, "SHA-256:    %s\n", ci.Sha256)
	fmt.Fprintf(&b, "Key hash:   %s", ci.KeyHash)
	return b.String()
}

func pkixNameToString(n *pkix.Name) string {
	var buf bytes.Buffer

	if len(n.Country) != 0 {
		fmt.Fprintf(&buf, "C=%s, ", strings.Join(n.Country, ";"))
	}
	if len(n.Province) != 0 {
		fmt.Fprintf(&buf, "ST=%s, ", strings.Join(n.Province, ";"))
	}
	if len(n.Locality) != 0 {
		fmt.Fprintf(&buf, "L=%s, ", strings.Join(n.Locality, ";"))
	}
	if len(n.StreetAddress) != 0 {
		fmt.Fprintf(&buf, "STREET=%s, ", strings.Join(n.StreetAddress, ";"))
	}
	if len(n.Organization) != 0 {
		fmt.Fprintf(&buf, "O=%s, ", strings.Join(n.Organization, ";"))
	}
	if len(n.OrganizationalUnit) != 0 {
		fmt.Fprintf(&buf, "OU=%s, ", strings.Join(n.OrganizationalUnit, ";"))
	}
	if len(n.CommonName) != 0 {
		fmt.Fprintf(&buf, "CN=%s, ", n.CommonName)
	}

	// Remove last ', '
	if buf.Len() != 0 {
		buf.Truncate(buf.Len() - 2)
	}

	return buf.String()
}
