package apksigner

import (
	"crypto/sha256"
	"encoding/base64"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fingerprintHexPattern = regexp.MustCompile(`^[0-9A-F]{2}(:[0-9A-F]{2})*$`)

func TestComputeFingerprint(t *testing.T) {
	cert := []byte("not a certificate, but any bytes will do")

	for alg, size := range map[string]int{
		"MD5":     16,
		"SHA1":    20,
		"SHA-1":   20,
		"sha-224": 28,
		"SHA256":  32,
		"SHA-256": 32,
		"Sha-384": 48,
		"SHA-512": 64,
	} {
		t.Run(alg, func(t *testing.T) {
			fp, ok := ComputeFingerprint(alg, cert)
			require.True(t, ok)
			require.Len(t, fp.Digest, size)

			hex := fp.Hex()
			assert.Regexp(t, fingerprintHexPattern, hex)
			assert.Len(t, hex, 2*size+size-1)

			again, _ := ComputeFingerprint(alg, cert)
			assert.Equal(t, hex, again.Hex())

			b64, err := base64.StdEncoding.DecodeString(fp.Base64())
			require.NoError(t, err)
			assert.Equal(t, fp.Digest, b64)
		})
	}
}

func TestComputeFingerprintNormalizesName(t *testing.T) {
	a, ok := ComputeFingerprint("sha256", []byte("x"))
	require.True(t, ok)
	b, ok := ComputeFingerprint("SHA-256", []byte("x"))
	require.True(t, ok)

	assert.Equal(t, "SHA-256", a.Algorithm)
	assert.Equal(t, a, b)

	sum := sha256.Sum256([]byte("x"))
	assert.Equal(t, sum[:], a.Digest)
	assert.Equal(t, "SHA-256 "+a.Hex(), a.String())
}

func TestComputeFingerprintUnknown(t *testing.T) {
	for _, alg := range []string{"", "SHA3-256", "CRC32", "sha-2"} {
		fp, ok := ComputeFingerprint(alg, []byte("x"))
		assert.False(t, ok, alg)
		assert.Nil(t, fp, alg)
	}
}
