package signingblock

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avast/apksigner/apilevel"
	"github.com/avast/apksigner/identity"
)

var testEntries = map[string]string{
	"AndroidManifest.xml": "<manifest/>",
	"classes.dex":         "dex\n035\x00",
	"res/raw/data.txt":    "hello world",
}

func writeTestZip(t *testing.T, path string) {
	t.Helper()

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)
	for _, name := range []string{"AndroidManifest.xml", "classes.dex", "res/raw/data.txt"} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = io.WriteString(w, testEntries[name])
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
}

func testSigner(t *testing.T, keyAlg string, keySize int) SignerConfig {
	t.Helper()

	var dn identity.DistinguishedName
	dn.Set(identity.CommonName, "Test")
	id, err := identity.Issue(identity.IssueRequest{Name: "test", KeyAlgorithm: keyAlg, KeySize: keySize, Subject: dn})
	require.NoError(t, err)
	return SignerConfig{PrivateKey: id.PrivateKey, Certificates: id.CertificateChain}
}

func assertZipContent(t *testing.T, path string) {
	t.Helper()

	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()

	require.Len(t, zr.File, len(testEntries))
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		assert.Equal(t, testEntries[f.Name], string(data), f.Name)
	}
}

func TestSignAndVerify(t *testing.T) {
	cases := []struct {
		name    string
		keyAlg  string
		keySize int
		algo    SignatureAlgorithm
	}{
		{"rsa", identity.KeyAlgorithmRSA, 1024, SigRsaPkcs1V15WithSha256},
		{"p256", identity.KeyAlgorithmEC, 256, SigEcdsaWithSha256},
		{"p384", identity.KeyAlgorithmEC, 384, SigEcdsaWithSha512},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			in, out := filepath.Join(dir, "in.apk"), filepath.Join(dir, "out.apk")
			writeTestZip(t, in)

			sc := testSigner(t, tc.keyAlg, tc.keySize)
			require.NoError(t, SignFile(in, out, Config{Signers: []SignerConfig{sc}, V2: true, V3: true, MinSdkVersion: 21}))
			assertZipContent(t, out)

			res, err := VerifySigningBlock(out, apilevel.V5_0_Lollipop, apilevel.V_AnyMax)
			require.NoError(t, err)
			assert.Equal(t, SchemeIdV3, res.SchemeId)
			require.Len(t, res.Certs, 1)
			assert.Equal(t, sc.Certificates[0].Raw, res.Certs[0][0].Raw)
			assert.Equal(t, []SignatureAlgorithm{tc.algo}, res.Algorithms)
			assert.Equal(t, apilevel.V9_0_Pie, res.MinSdkVersion)
			assert.Equal(t, apilevel.V_AnyMax, res.MaxSdkVersion)

			res, err = VerifyScheme(out, SchemeIdV2, apilevel.V5_0_Lollipop, apilevel.V_AnyMax)
			require.NoError(t, err)
			assert.Equal(t, SchemeIdV2, res.SchemeId)
			assert.Empty(t, res.Warnings)

			// Pre-P platforms only look at v2.
			res, err = VerifySigningBlock(out, apilevel.V7_0_Nougat, apilevel.V8_0_Oreo)
			require.NoError(t, err)
			assert.Equal(t, SchemeIdV2, res.SchemeId)
		})
	}
}

func TestSignSingleScheme(t *testing.T) {
	dir := t.TempDir()
	in, out := filepath.Join(dir, "in.apk"), filepath.Join(dir, "out.apk")
	writeTestZip(t, in)
	sc := testSigner(t, identity.KeyAlgorithmEC, 256)

	require.NoError(t, SignFile(in, out, Config{Signers: []SignerConfig{sc}, V2: true}))
	_, err := VerifyScheme(out, SchemeIdV3, apilevel.V_AnyMin, apilevel.V_AnyMax)
	assert.True(t, IsSigningBlockNotFoundError(err))
	res, err := VerifySigningBlock(out, apilevel.V_AnyMin, apilevel.V_AnyMax)
	require.NoError(t, err)
	assert.Equal(t, SchemeIdV2, res.SchemeId)

	require.NoError(t, SignFile(in, out, Config{Signers: []SignerConfig{sc}, V3: true, MinSdkVersion: apilevel.V10_0_Ten}))
	res, err = VerifyScheme(out, SchemeIdV3, apilevel.V10_0_Ten, apilevel.V_AnyMax)
	require.NoError(t, err)
	assert.Equal(t, apilevel.V10_0_Ten, res.MinSdkVersion)
}

func TestResignReplacesBlock(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.apk")
	once, twice := filepath.Join(dir, "once.apk"), filepath.Join(dir, "twice.apk")
	writeTestZip(t, in)

	cfg := Config{Signers: []SignerConfig{testSigner(t, identity.KeyAlgorithmRSA, 1024)}, V2: true, V3: true}
	require.NoError(t, SignFile(in, once, cfg))
	require.NoError(t, SignFile(once, twice, cfg))

	data, err := os.ReadFile(twice)
	require.NoError(t, err)
	assert.Equal(t, 1, bytes.Count(data, []byte("APK Sig Block 42")))

	_, err = VerifySigningBlock(twice, apilevel.V_AnyMin, apilevel.V_AnyMax)
	require.NoError(t, err)
	assertZipContent(t, twice)
}

func TestVerifyDetectsTampering(t *testing.T) {
	dir := t.TempDir()
	in, out := filepath.Join(dir, "in.apk"), filepath.Join(dir, "out.apk")
	writeTestZip(t, in)
	require.NoError(t, SignFile(in, out, Config{Signers: []SignerConfig{testSigner(t, identity.KeyAlgorithmEC, 256)}, V2: true, V3: true}))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	data[40] ^= 0xff
	require.NoError(t, os.WriteFile(out, data, 0o644))

	_, err = VerifySigningBlock(out, apilevel.V_AnyMin, apilevel.V_AnyMax)
	require.Error(t, err)
	assert.False(t, IsSigningBlockNotFoundError(err))
	assert.Contains(t, err.Error(), "did not verify")
}

func TestVerifyUnsigned(t *testing.T) {
	in := filepath.Join(t.TempDir(), "in.apk")
	writeTestZip(t, in)

	_, err := VerifySigningBlock(in, apilevel.V_AnyMin, apilevel.V_AnyMax)
	assert.True(t, IsSigningBlockNotFoundError(err))

	_, err = VerifySigningBlock(in, apilevel.V_AnyMin, apilevel.V6_0_Marshmallow)
	assert.True(t, IsSigningBlockNotFoundError(err))
}

func TestStrippedV3Detected(t *testing.T) {
	dir := t.TempDir()
	in, out := filepath.Join(dir, "in.apk"), filepath.Join(dir, "out.apk")
	writeTestZip(t, in)
	require.NoError(t, SignFile(in, out, Config{Signers: []SignerConfig{testSigner(t, identity.KeyAlgorithmEC, 256)}, V2: true, V3: true}))

	data, err := os.ReadFile(out)
	require.NoError(t, err)

	s, err := openSigningBlock(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	pos := s.sigBlockOffset + 8
	for pos < s.centralDirOffset-apkSigBlockFooterSize {
		entryLen := int64(binary.LittleEndian.Uint64(data[pos:]))
		if binary.LittleEndian.Uint32(data[pos+8:]) == blockIdSchemeV3 {
			binary.LittleEndian.PutUint32(data[pos+8:], 0x12345678)
		}
		pos += 8 + entryLen
	}
	require.NoError(t, os.WriteFile(out, data, 0o644))

	res, err := VerifySigningBlock(out, apilevel.V_AnyMin, apilevel.V_AnyMax)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stripped")
	assert.Contains(t, res.ExtraBlocks, uint32(0x12345678))

	_, err = VerifySigningBlock(out, apilevel.V_AnyMin, apilevel.V8_0_Oreo)
	assert.NoError(t, err)
}

func TestBuildSigningBlockAlignment(t *testing.T) {
	for _, valueSize := range []int{0, 1, 100, 4046, 4047, 5000} {
		pairs := []blockPair{{id: blockIdSchemeV2, value: bytes.Repeat([]byte{1}, valueSize)}}
		block := buildSigningBlock(pairs)
		assert.Zero(t, len(block)%apkSigBlockPageAlign, "value size %d", valueSize)

		parsed, err := parsePairs(block)
		require.NoError(t, err)
		assert.Equal(t, pairs[0], parsed[0])
		if len(parsed) == 2 {
			assert.Equal(t, uint32(blockIdVerityPadding), parsed[1].id)
		}
		assert.Equal(t, []byte("APK Sig Block 42"), block[len(block)-16:])
	}
}

func TestSignRejectsBadConfig(t *testing.T) {
	in := filepath.Join(t.TempDir(), "in.apk")
	writeTestZip(t, in)
	out := filepath.Join(t.TempDir(), "out.apk")

	assert.Error(t, SignFile(in, out, Config{Signers: []SignerConfig{testSigner(t, identity.KeyAlgorithmEC, 256)}}))
	assert.Error(t, SignFile(in, out, Config{V2: true}))

	a, b := testSigner(t, identity.KeyAlgorithmEC, 256), testSigner(t, identity.KeyAlgorithmEC, 256)
	mismatched := SignerConfig{PrivateKey: a.PrivateKey, Certificates: b.Certificates}
	assert.Error(t, SignFile(in, out, Config{Signers: []SignerConfig{mismatched}, V2: true}))
}

func TestAlgorithmFor(t *testing.T) {
	algo, err := AlgorithmFor(testSigner(t, identity.KeyAlgorithmEC, 521).PrivateKey.Public())
	require.NoError(t, err)
	assert.Equal(t, SigEcdsaWithSha512, algo)

	_, err = AlgorithmFor("not a key")
	assert.Error(t, err)
}
