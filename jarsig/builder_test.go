package jarsig

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mozilla.org/pkcs7"

	"github.com/avast/apksigner/errdefs"
	"github.com/avast/apksigner/identity"
)

func issue(t *testing.T, keyAlg string, sigAlg identity.SignatureAlgorithm) *identity.KeyIdentity {
	t.Helper()

	var dn identity.DistinguishedName
	dn.Set(identity.CommonName, "Test")
	req := identity.IssueRequest{Name: "cert", KeyAlgorithm: keyAlg, SignatureAlgorithm: sigAlg, Subject: dn}
	if keyAlg == identity.KeyAlgorithmRSA {
		req.KeySize = 1024
	}
	id, err := identity.Issue(req)
	require.NoError(t, err)
	return id
}

func TestBuildVerifies(t *testing.T) {
	content := []byte("Signature-Version: 1.0\r\nCreated-By: 1.0 (Android)\r\n\r\n")

	cases := []struct {
		keyAlg string
		alg    identity.SignatureAlgorithm
	}{
		{identity.KeyAlgorithmRSA, identity.SHA1WithRSA},
		{identity.KeyAlgorithmRSA, identity.SHA256WithRSA},
		{identity.KeyAlgorithmEC, identity.SHA256WithECDSA},
		{identity.KeyAlgorithmEC, identity.SHA512WithECDSA},
	}

	for _, tc := range cases {
		t.Run(string(tc.alg), func(t *testing.T) {
			id := issue(t, tc.keyAlg, "")
			b, err := NewBuilder(tc.alg)
			require.NoError(t, err)

			der, err := b.Build(id, content)
			require.NoError(t, err)

			p7, err := pkcs7.Parse(der)
			require.NoError(t, err)
			assert.Empty(t, p7.Content, "signature must be detached")
			require.Len(t, p7.Signers, 1)
			assert.Empty(t, p7.Signers[0].AuthenticatedAttributes)
			require.Len(t, p7.Certificates, 1)
			assert.True(t, bytes.Equal(id.Leaf().Raw, p7.Certificates[0].Raw))

			p7.Content = content
			require.NoError(t, p7.Verify())

			p7.Content = append([]byte("x"), content...)
			assert.Error(t, p7.Verify())
		})
	}
}

func TestBuildRejectsIncompatibleKey(t *testing.T) {
	id := issue(t, identity.KeyAlgorithmEC, identity.SHA256WithECDSA)

	b, err := NewBuilder(identity.SHA256WithRSA)
	require.NoError(t, err)
	_, err = b.Build(id, []byte("content"))
	assert.ErrorIs(t, err, errdefs.ErrSigningOperationFailed)
}

func TestNewBuilderUnknownAlgorithm(t *testing.T) {
	_, err := NewBuilder("MD5withRSA")
	assert.ErrorIs(t, err, errdefs.ErrInvalidRequest)
}
