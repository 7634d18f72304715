package identity

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avast/apksigner/errdefs"
)

func testSubject() DistinguishedName {
	var dn DistinguishedName
	dn.Set(CommonName, "Test").Set(Organization, "Acme").Set(Country, "US")
	return dn
}

func TestIssueSelfSigned(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	iss := Issuer{Now: func() time.Time { return now }}

	id, err := iss.Issue(IssueRequest{
		Name:               "release",
		KeyAlgorithm:       "RSA",
		KeySize:            2048,
		SignatureAlgorithm: SHA256WithRSA,
		ValidityYears:      25,
		Subject:            testSubject(),
	})
	require.NoError(t, err)
	require.NoError(t, id.Validate())
	require.Len(t, id.CertificateChain, 1)

	cert := id.Leaf()
	assert.Equal(t, cert.RawIssuer, cert.RawSubject)
	require.NoError(t, cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature))
	assert.Equal(t, x509.SHA256WithRSA, cert.SignatureAlgorithm)
	assert.Equal(t, now.Add(-30*24*time.Hour), cert.NotBefore.UTC())
	assert.Equal(t, now.Add(25*366*24*time.Hour), cert.NotAfter.UTC())
	assert.Equal(t, 1, cert.SerialNumber.Sign())
	assert.Equal(t, 2048, id.PrivateKey.(*rsa.PrivateKey).N.BitLen())
	assert.Equal(t, "Test", cert.Subject.CommonName)
}

func TestIssueDefaults(t *testing.T) {
	id, err := Issue(IssueRequest{Name: "defaults", Subject: testSubject()})
	require.NoError(t, err)

	assert.Equal(t, KeyAlgorithmRSA, id.KeyAlgorithm())
	assert.Equal(t, DefaultRSAKeySize, KeySize(id.PrivateKey))
	assert.Equal(t, x509.SHA256WithRSA, id.Leaf().SignatureAlgorithm)
}

func TestIssueEC(t *testing.T) {
	id, err := Issue(IssueRequest{Name: "ec", KeyAlgorithm: "EC", Subject: testSubject()})
	require.NoError(t, err)
	require.NoError(t, id.Validate())

	_, ok := id.PrivateKey.(*ecdsa.PrivateKey)
	assert.True(t, ok)
	assert.Equal(t, x509.ECDSAWithSHA256, id.Leaf().SignatureAlgorithm)
	ext, err := id.BlockExtension()
	require.NoError(t, err)
	assert.Equal(t, "EC", ext)
}

func TestIssueMismatchedAlgorithm(t *testing.T) {
	_, err := Issue(IssueRequest{KeyAlgorithm: "RSA", SignatureAlgorithm: SHA256WithECDSA})
	require.Error(t, err)
	assert.True(t, errdefs.Is(err, errdefs.CodeCertificateBuildFailed))
}

func TestIssueLongValidity(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	iss := Issuer{Now: func() time.Time { return now }}

	id, err := iss.Issue(IssueRequest{KeyAlgorithm: "EC", ValidityYears: 292, Subject: testSubject()})
	require.NoError(t, err)
	notAfter := id.Leaf().NotAfter.UTC()
	assert.Equal(t, now.AddDate(0, 0, 292*366), notAfter)
	assert.True(t, notAfter.After(now))

	id, err = iss.Issue(IssueRequest{KeyAlgorithm: "EC", ValidityYears: 1000, Subject: testSubject()})
	require.NoError(t, err)
	assert.Equal(t, 3026, id.Leaf().NotAfter.Year())

	_, err = iss.Issue(IssueRequest{KeyAlgorithm: "EC", ValidityYears: 10000, Subject: testSubject()})
	require.Error(t, err)
	assert.True(t, errdefs.Is(err, errdefs.CodeCertificateBuildFailed))
}

func TestIssueInvalidKeySize(t *testing.T) {
	_, err := Issue(IssueRequest{KeyAlgorithm: "EC", KeySize: 123, SignatureAlgorithm: SHA256WithECDSA})
	require.Error(t, err)
	assert.True(t, errdefs.Is(err, errdefs.CodeKeyGenerationFailed))
}

func TestSerialNumbersDiffer(t *testing.T) {
	a, err := Issue(IssueRequest{KeyAlgorithm: "EC"})
	require.NoError(t, err)
	b, err := Issue(IssueRequest{KeyAlgorithm: "EC"})
	require.NoError(t, err)
	assert.NotEqual(t, 0, a.Leaf().SerialNumber.Cmp(b.Leaf().SerialNumber))
}

func TestDistinguishedNameOrder(t *testing.T) {
	var dn DistinguishedName
	dn.Set(CommonName, "Test").
		Set(OrganizationalUnit, "").
		Set(Street, "1 Main St").
		Set(Country, "US").
		Set(Locality, "  ")

	assert.Equal(t, 3, dn.Len())
	_, ok := dn.Get(OrganizationalUnit)
	assert.False(t, ok)
	assert.Equal(t, "C=US, STREET=1 Main St, CN=Test", dn.String())

	seq := dn.RDNSequence()
	require.Len(t, seq, 3)
	assert.True(t, seq[0][0].Type.Equal(asn1.ObjectIdentifier{2, 5, 4, 6}))
	assert.True(t, seq[1][0].Type.Equal(asn1.ObjectIdentifier{2, 5, 4, 9}))
	assert.True(t, seq[2][0].Type.Equal(asn1.ObjectIdentifier{2, 5, 4, 3}))

	der, err := dn.Marshal()
	require.NoError(t, err)
	var decoded pkix.RDNSequence
	_, err = asn1.Unmarshal(der, &decoded)
	require.NoError(t, err)
	assert.Equal(t, "US", decoded[0][0].Value)
}

func TestDistinguishedNameOrderSurvivesIssuance(t *testing.T) {
	dn := testSubject()
	id, err := Issue(IssueRequest{KeyAlgorithm: "EC", Subject: dn})
	require.NoError(t, err)

	want, err := dn.Marshal()
	require.NoError(t, err)
	assert.True(t, bytes.Equal(want, id.Leaf().RawSubject))
}

func TestParseDistinguishedName(t *testing.T) {
	dn, err := ParseDistinguishedName(`CN=Test, O=Acme\, Inc., S=California, c=US`)
	require.NoError(t, err)

	v, _ := dn.Get(Organization)
	assert.Equal(t, "Acme, Inc.", v)
	v, _ = dn.Get(State)
	assert.Equal(t, "California", v)
	assert.Equal(t, `C=US, ST=California, O=Acme\, Inc., CN=Test`, dn.String())

	_, err = ParseDistinguishedName("CN=Test, EMAIL=a@b")
	assert.Error(t, err)
	_, err = ParseDistinguishedName("garbage")
	assert.Error(t, err)
}

func TestValidateRejectsMismatchedChain(t *testing.T) {
	a, err := Issue(IssueRequest{KeyAlgorithm: "EC"})
	require.NoError(t, err)
	b, err := Issue(IssueRequest{KeyAlgorithm: "EC"})
	require.NoError(t, err)

	mixed := &KeyIdentity{Name: "mixed", PrivateKey: a.PrivateKey, CertificateChain: b.CertificateChain}
	assert.True(t, errdefs.Is(mixed.Validate(), errdefs.CodeCertificateChainMissing))

	empty := &KeyIdentity{Name: "empty", PrivateKey: a.PrivateKey}
	assert.True(t, errdefs.Is(empty.Validate(), errdefs.CodeCertificateChainMissing))
}

func TestReleaseZeroesKey(t *testing.T) {
	id, err := Issue(IssueRequest{KeyAlgorithm: "RSA", KeySize: 1024, SignatureAlgorithm: SHA256WithRSA})
	require.NoError(t, err)

	key := id.PrivateKey.(*rsa.PrivateKey)
	id.Release()

	assert.Nil(t, id.PrivateKey)
	assert.Equal(t, 0, key.D.Sign())
	for _, p := range key.Primes {
		assert.Equal(t, 0, p.Sign())
	}
	id.Release()
}

func TestSignatureBaseName(t *testing.T) {
	cases := map[string]string{
		"testkey":          "TESTKEY",
		"my release key":   "MY_RELEA",
		"":                 "CERT",
		"a.b":              "A_B",
		"platform-2024_01": "PLATFORM",
	}
	for in, want := range cases {
		id := &KeyIdentity{Name: in}
		assert.Equal(t, want, id.SignatureBaseName(), in)
	}
}

func TestParseSignatureAlgorithm(t *testing.T) {
	alg, err := ParseSignatureAlgorithm("sha256WITHrsa")
	require.NoError(t, err)
	assert.Equal(t, SHA256WithRSA, alg)
	assert.Equal(t, KeyAlgorithmRSA, alg.KeyAlgorithm())
	assert.True(t, alg.Valid())

	_, err = ParseSignatureAlgorithm("MD5withRSA")
	assert.Error(t, err)
	assert.False(t, SignatureAlgorithm("nope").Valid())
}
