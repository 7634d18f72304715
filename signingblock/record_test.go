package signingblock

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avast/apksigner/apilevel"
	"github.com/avast/apksigner/identity"
)

func preparedTestSigner(t *testing.T) (*preparedSigner, map[crypto.Hash][]byte) {
	t.Helper()

	ps, err := prepareSigner(testSigner(t, identity.KeyAlgorithmEC, 256))
	require.NoError(t, err)
	digests := map[crypto.Hash][]byte{ps.algo.getDigestType(): bytes.Repeat([]byte{0x5a}, 32)}
	return ps, digests
}

func decodeAll(t *testing.T, block []byte, withSdk bool) []*decodedSigner {
	t.Helper()

	var res VerificationResult
	var signers []*decodedSigner
	forEachSigner(bytes.NewBuffer(block), &res, func(n int, signer *bytes.Buffer) {
		d, err := decodeSigner(signer, withSdk)
		require.NoError(t, err, "signer #%d", n)
		signers = append(signers, d)
	})
	require.False(t, res.ContainsErrors(), "%v", res.GetLastError())
	return signers
}

func TestDecodeWrittenV2Signer(t *testing.T) {
	ps, digests := preparedTestSigner(t)
	block, err := schemeV2Block([]*preparedSigner{ps}, digests, true, rand.Reader)
	require.NoError(t, err)

	signers := decodeAll(t, block, false)
	require.Len(t, signers, 1)
	d := signers[0]
	require.Len(t, d.attributes, 1)
	assert.Equal(t, uint32(attrV2StrippingProtection), d.attributes[0].id)
	assert.Equal(t, []byte{SchemeIdV3, 0, 0, 0}, d.attributes[0].value)

	var res VerificationResult
	contentDigests := make(map[crypto.Hash][]byte)
	require.True(t, d.verify(contentDigests, &res), "%v", res.GetLastError())
	assert.Equal(t, digests, contentDigests)
	require.Len(t, res.Certs, 1)
	assert.Equal(t, ps.certs[0].Raw, res.Certs[0][0].Raw)
}

func TestDecodeWrittenV3Signer(t *testing.T) {
	ps, digests := preparedTestSigner(t)
	block, err := schemeV3Block([]*preparedSigner{ps}, digests, apilevel.V10_0_Ten, apilevel.V_AnyMax, rand.Reader)
	require.NoError(t, err)

	signers := decodeAll(t, block, true)
	require.Len(t, signers, 1)
	want := sdkRange{min: apilevel.V10_0_Ten, max: apilevel.V_AnyMax}
	assert.Equal(t, want, signers[0].sdk)
	assert.Equal(t, want, signers[0].signedSdk)
	assert.Empty(t, signers[0].attributes)
}

func TestV2StrippingProtection(t *testing.T) {
	ps, digests := preparedTestSigner(t)
	block, err := schemeV2Block([]*preparedSigner{ps}, digests, true, rand.Reader)
	require.NoError(t, err)

	var res VerificationResult
	v2 := schemeV2{maxSdkVersion: apilevel.V_AnyMax}
	v2.parseSigners(bytes.NewBuffer(block), make(map[crypto.Hash][]byte), &res)
	require.Error(t, res.GetLastError())
	assert.Contains(t, res.GetLastError().Error(), "stripped")

	// Platforms before v3 do not know the attribute.
	res = VerificationResult{}
	v2 = schemeV2{maxSdkVersion: apilevel.V8_0_Oreo}
	v2.parseSigners(bytes.NewBuffer(block), make(map[crypto.Hash][]byte), &res)
	assert.NoError(t, res.GetLastError())
}

func TestDecodeTruncatedSigner(t *testing.T) {
	ps, digests := preparedTestSigner(t)
	record, err := ps.signerRecord(ps.signedData(digests, nil, nil), nil, rand.Reader)
	require.NoError(t, err)

	_, err = decodeSigner(bytes.NewBuffer(record[:len(record)-1]), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "public key")
}
