package apksigner

import (
	"crypto/x509"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avast/apksigner/identity"
)

func issueWith(t *testing.T, iss *identity.Issuer, keyAlg string, alg identity.SignatureAlgorithm) *x509.Certificate {
	t.Helper()

	var dn identity.DistinguishedName
	dn.Set(identity.CommonName, "Test").Set(identity.Organization, "Avast")
	id, err := iss.Issue(identity.IssueRequest{
		Name:               "k",
		KeyAlgorithm:       keyAlg,
		KeySize:            map[string]int{identity.KeyAlgorithmRSA: 1024, identity.KeyAlgorithmEC: 256}[keyAlg],
		SignatureAlgorithm: alg,
		Subject:            dn,
	})
	require.NoError(t, err)
	return id.Leaf()
}

func TestPickBestApkCert(t *testing.T) {
	var iss identity.Issuer
	sha1 := issueWith(t, &iss, identity.KeyAlgorithmRSA, identity.SHA1WithRSA)
	sha256 := issueWith(t, &iss, identity.KeyAlgorithmRSA, identity.SHA256WithRSA)
	ec := issueWith(t, &iss, identity.KeyAlgorithmEC, identity.SHA256WithECDSA)

	_, best := PickBestApkCert([][]*x509.Certificate{{sha1}, {sha256}})
	assert.Equal(t, sha256, best)

	chains := [][]*x509.Certificate{{sha1}, {sha256}, {ec}}
	_, best = PickBestApkCert(chains)
	assert.Equal(t, ec, best)
	assert.Equal(t, sha1, chains[0][0], "input order must be kept")

	info, best := PickBestApkCert(nil)
	assert.Nil(t, info)
	assert.Nil(t, best)
}

func TestPickBestApkCertPrefersValid(t *testing.T) {
	past := identity.Issuer{Now: func() time.Time { return time.Now().AddDate(-40, 0, 0) }}
	expired := issueWith(t, &past, identity.KeyAlgorithmRSA, identity.SHA256WithRSA)

	var now identity.Issuer
	current := issueWith(t, &now, identity.KeyAlgorithmRSA, identity.SHA256WithRSA)

	_, best := PickBestApkCert([][]*x509.Certificate{{expired}, {current}})
	assert.Equal(t, current, best)
}

func TestNewCertInfo(t *testing.T) {
	var iss identity.Issuer
	cert := issueWith(t, &iss, identity.KeyAlgorithmRSA, identity.SHA256WithRSA)

	ci := NewCertInfo(cert)
	assert.Equal(t, "O=Avast, CN=Test", ci.Subject)
	assert.Equal(t, ci.Subject, ci.Issuer)
	assert.True(t, ci.SelfSigned)
	assert.Equal(t, identity.KeyAlgorithmRSA, ci.KeyAlgorithm)
	assert.Equal(t, 1024, ci.KeySize)
	assert.Equal(t, cert.NotBefore, ci.ValidFrom)
	assert.Len(t, ci.KeyHash, 28)
	assert.Regexp(t, fingerprintHexPattern, ci.Md5)

	sha256, _ := ComputeFingerprint("SHA-256", cert.Raw)
	assert.Equal(t, sha256.Hex(), ci.Sha256)
	assert.Contains(t, ci.String(), "SHA-256:    "+ci.Sha256)
}
