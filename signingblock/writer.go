package signingblock

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/avast/apksigner/apilevel"
)

// SignerConfig is one signer of the v2 and v3 blocks.
type SignerConfig struct {
	PrivateKey   crypto.Signer
	Certificates []*x509.Certificate
}

// Config selects the schemes to emit. At least one of V2 and V3 must be set.
type Config struct {
	Signers []SignerConfig
	V2, V3  bool

	// MinSdkVersion is the lowest platform the APK supports. v3 signers
	// cover max(MinSdkVersion, 28) and up.
	MinSdkVersion apilevel.Level

	// Rand defaults to crypto/rand.
	Rand io.Reader
}

type preparedSigner struct {
	key   crypto.Signer
	certs []*x509.Certificate
	algo  SignatureAlgorithm
	spki  []byte
}

// SignFile reads the ZIP at inPath and writes a copy carrying a fresh APK
// Signing Block to outPath, which is truncated or created.
func SignFile(inPath, outPath string, cfg Config) error {
	in, err := os.Open(inPath)
	if err != nil {
		return err
	}
	defer in.Close()

	fi, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(outPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	if err := Sign(in, fi.Size(), out, cfg); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Sign writes to out the archive in r with its APK Signing Block replaced by
// one holding the requested scheme blocks. Entries and the central directory
// are copied unchanged; only the EOCD central directory offset moves.
func Sign(r io.ReaderAt, size int64, out io.Writer, cfg Config) error {
	if !cfg.V2 && !cfg.V3 {
		return errors.New("no APK signature scheme requested")
	}
	if len(cfg.Signers) == 0 {
		return errors.New("no signers configured")
	}
	rnd := cfg.Rand
	if rnd == nil {
		rnd = rand.Reader
	}

	signers := make([]*preparedSigner, 0, len(cfg.Signers))
	var hashes []crypto.Hash
	for i, sc := range cfg.Signers {
		ps, err := prepareSigner(sc)
		if err != nil {
			return fmt.Errorf("signer #%d: %w", i+1, err)
		}
		signers = append(signers, ps)

		h := ps.algo.getDigestType()
		if !containsHash(hashes, h) {
			hashes = append(hashes, h)
		}
	}

	s, err := openSigningBlock(r, size)
	if err != nil {
		return err
	}

	contents, err := s.contentSources()
	if err != nil {
		return err
	}
	digests, err := computeContentDigests(hashes, contents...)
	if err != nil {
		return fmt.Errorf("failed to compute digest(s) of contents: %w", err)
	}
	contentDigests := make(map[crypto.Hash][]byte, len(hashes))
	for i, h := range hashes {
		contentDigests[h] = digests[i]
	}

	var pairs []blockPair
	if cfg.V2 {
		block, err := schemeV2Block(signers, contentDigests, cfg.V3, rnd)
		if err != nil {
			return fmt.Errorf("v2 signature: %w", err)
		}
		pairs = append(pairs, blockPair{id: blockIdSchemeV2, value: block})
	}
	if cfg.V3 {
		minSdk := max(cfg.MinSdkVersion, apilevel.V9_0_Pie)
		block, err := schemeV3Block(signers, contentDigests, minSdk, apilevel.V_AnyMax, rnd)
		if err != nil {
			return fmt.Errorf("v3 signature: %w", err)
		}
		pairs = append(pairs, blockPair{id: blockIdSchemeV3, value: block})
	}
	sigBlock := buildSigningBlock(pairs)

	newCentralDirOffset := s.sigBlockOffset + int64(len(sigBlock))
	if newCentralDirOffset > math.MaxUint32 {
		return errors.New("signed APK would need ZIP64")
	}

	// contents[1] and [2] are the central directory and the EOCD.
	centralDir := contents[1].(*dataSourceBytes).data
	eocd := contents[2].(*dataSourceBytes).data
	binary.LittleEndian.PutUint32(eocd[eocdCentralDirOffsetOffset:], uint32(newCentralDirOffset))

	if _, err := io.Copy(out, io.NewSectionReader(r, 0, s.sigBlockOffset)); err != nil {
		return err
	}
	for _, part := range [][]byte{sigBlock, centralDir, eocd} {
		if _, err := out.Write(part); err != nil {
			return err
		}
	}
	return nil
}

func prepareSigner(sc SignerConfig) (*preparedSigner, error) {
	if sc.PrivateKey == nil {
		return nil, errors.New("missing private key")
	}
	if len(sc.Certificates) == 0 {
		return nil, errors.New("missing certificates")
	}

	algo, err := AlgorithmFor(sc.PrivateKey.Public())
	if err != nil {
		return nil, err
	}

	spki, err := x509.MarshalPKIXPublicKey(sc.PrivateKey.Public())
	if err != nil {
		return nil, fmt.Errorf("encode public key: %w", err)
	}
	if string(spki) != string(sc.Certificates[0].RawSubjectPublicKeyInfo) {
		return nil, errors.New("certificate does not match private key")
	}

	return &preparedSigner{key: sc.PrivateKey, certs: sc.Certificates, algo: algo, spki: spki}, nil
}

func containsHash(hashes []crypto.Hash, h crypto.Hash) bool {
	for _, x := range hashes {
		if x == h {
			return true
		}
	}
	return false
}

func schemeV2Block(signers []*preparedSigner, digests map[crypto.Hash][]byte, strippingProtection bool, rnd io.Reader) ([]byte, error) {
	var attrs [][]byte
	if strippingProtection {
		var attr lpBuffer
		attr.uint32(attrV2StrippingProtection)
		attr.uint32(SchemeIdV3)
		attrs = append(attrs, attr.Bytes())
	}

	var encoded [][]byte
	for _, ps := range signers {
		signedData := ps.signedData(digests, nil, attrs)
		signer, err := ps.signerRecord(signedData, nil, rnd)
		if err != nil {
			return nil, err
		}
		encoded = append(encoded, signer)
	}
	return encodeSigners(encoded), nil
}

func schemeV3Block(signers []*preparedSigner, digests map[crypto.Hash][]byte, minSdk, maxSdk apilevel.Level, rnd io.Reader) ([]byte, error) {
	sdk := []uint32{uint32(minSdk), uint32(maxSdk)}

	var encoded [][]byte
	for _, ps := range signers {
		signedData := ps.signedData(digests, sdk, nil)
		signer, err := ps.signerRecord(signedData, sdk, rnd)
		if err != nil {
			return nil, err
		}
		encoded = append(encoded, signer)
	}
	return encodeSigners(encoded), nil
}

// signedData encodes digests, certificates, the optional sdk range and the
// additional attributes.
func (ps *preparedSigner) signedData(digests map[crypto.Hash][]byte, sdk []uint32, attrs [][]byte) []byte {
	var b lpBuffer
	b.lengthPrefixed(func(b *lpBuffer) {
		b.lengthPrefixed(func(b *lpBuffer) {
			b.uint32(uint32(ps.algo))
			b.lengthPrefixedBytes(digests[ps.algo.getDigestType()])
		})
	})
	b.lengthPrefixed(func(b *lpBuffer) {
		for _, c := range ps.certs {
			b.lengthPrefixedBytes(c.Raw)
		}
	})
	for _, v := range sdk {
		b.uint32(v)
	}
	b.lengthPrefixed(func(b *lpBuffer) {
		for _, a := range attrs {
			b.lengthPrefixedBytes(a)
		}
	})
	return b.Bytes()
}

func (ps *preparedSigner) signerRecord(signedData []byte, sdk []uint32, rnd io.Reader) ([]byte, error) {
	h := ps.algo.getDigestType()
	digest := h.New()
	digest.Write(signedData)

	sig, err := ps.key.Sign(rnd, digest.Sum(nil), h)
	if err != nil {
		return nil, fmt.Errorf("sign with %s: %w", ps.algo, err)
	}

	var b lpBuffer
	b.lengthPrefixedBytes(signedData)
	for _, v := range sdk {
		b.uint32(v)
	}
	b.lengthPrefixed(func(b *lpBuffer) {
		b.lengthPrefixed(func(b *lpBuffer) {
			b.uint32(uint32(ps.algo))
			b.lengthPrefixedBytes(sig)
		})
	})
	b.lengthPrefixedBytes(ps.spki)
	return b.Bytes(), nil
}

func encodeSigners(signers [][]byte) []byte {
	var b lpBuffer
	b.lengthPrefixed(func(b *lpBuffer) {
		for _, s := range signers {
			b.lengthPrefixedBytes(s)
		}
	})
	return b.Bytes()
}

// buildSigningBlock lays out
//
//	uint64 size; (uint64 len, uint32 id, value)...; uint64 size; magic
//
// padded with a verity padding pair to a multiple of 4096 bytes.
func buildSigningBlock(pairs []blockPair) []byte {
	pairsSize := 0
	for _, p := range pairs {
		pairsSize += 8 + 4 + len(p.value)
	}

	total := 8 + pairsSize + apkSigBlockFooterSize
	if rem := total % apkSigBlockPageAlign; rem != 0 {
		padding := apkSigBlockPageAlign - rem
		if padding < apkSigBlockPairHdrSize {
			padding += apkSigBlockPageAlign
		}
		pairs = append(pairs, blockPair{id: blockIdVerityPadding, value: make([]byte, padding-apkSigBlockPairHdrSize)})
		total += padding
	}

	block := make([]byte, 0, total)
	block = binary.LittleEndian.AppendUint64(block, uint64(total-8))
	for _, p := range pairs {
		block = binary.LittleEndian.AppendUint64(block, uint64(4+len(p.value)))
		block = binary.LittleEndian.AppendUint32(block, p.id)
		block = append(block, p.value...)
	}
	block = binary.LittleEndian.AppendUint64(block, uint64(total-8))
	block = binary.LittleEndian.AppendUint64(block, apkSigBlockMagicLo)
	block = binary.LittleEndian.AppendUint64(block, apkSigBlockMagicHi)
	return block
}
