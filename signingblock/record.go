package signingblock

import (
	"bytes"
	"crypto"
	"encoding/binary"
	"fmt"

	"github.com/avast/apksigner/apilevel"
)

// Additional attribute ids of the signed data.
const (
	attrV2StrippingProtection = 0xbeeff00d
	attrV3ProofOfRotation     = 0x3ba06f8c
	attrV3MinSdkVersion       = 0x559f8b02
	attrV3RotationOnDev       = 0xc2a6b3ba
)

type sdkRange struct {
	min, max apilevel.Level
}

type attribute struct {
	id    uint32
	value []byte
}

// decodedSigner is one signer record as (*preparedSigner).signerRecord lays
// it out. The sdk ranges are only present in v3 blocks.
type decodedSigner struct {
	signedData []byte
	sdk        sdkRange
	signatures *bytes.Buffer
	publicKey  *bytes.Buffer

	digests      *bytes.Buffer
	certificates *bytes.Buffer
	signedSdk    sdkRange
	attributes   []attribute
}

// recordReader keeps the first decoding error; later reads return zero values.
type recordReader struct {
	buf *bytes.Buffer
	err error
}

func (r *recordReader) slice(what string) *bytes.Buffer {
	if r.err != nil {
		return nil
	}
	b, err := getLengthPrefixedSlice(r.buf)
	if err != nil {
		r.err = fmt.Errorf("failed to read %s: %w", what, err)
	}
	return b
}

func (r *recordReader) level(what string) apilevel.Level {
	if r.err != nil {
		return 0
	}
	var v apilevel.Level
	if err := binary.Read(r.buf, binary.LittleEndian, &v); err != nil {
		r.err = fmt.Errorf("failed to read %s: %w", what, err)
	}
	return v
}

func (r *recordReader) sdkRange(what string) sdkRange {
	return sdkRange{min: r.level(what + " min"), max: r.level(what + " max")}
}

// forEachSigner calls fn with every length-prefixed signer of a scheme block.
func forEachSigner(block *bytes.Buffer, result *VerificationResult, fn func(n int, signer *bytes.Buffer)) {
	signers, err := getLengthPrefixedSlice(block)
	if err != nil {
		result.addError("failed to read list of signers: %s", err.Error())
		return
	}

	for n := 1; signers.Len() > 0; n++ {
		signer, err := getLengthPrefixedSlice(signers)
		if err != nil {
			result.addError("failed to read signer #%d: %s", n, err.Error())
			return
		}
		fn(n, signer)
	}
}

func decodeSigner(signer *bytes.Buffer, withSdk bool) (*decodedSigner, error) {
	outer := recordReader{buf: signer}
	var d decodedSigner

	signedData := outer.slice("signed data")
	if withSdk {
		d.sdk = outer.sdkRange("sdk version")
	}
	d.signatures = outer.slice("signatures")
	d.publicKey = outer.slice("public key")
	if outer.err != nil {
		return nil, outer.err
	}
	d.signedData = signedData.Bytes()

	inner := recordReader{buf: bytes.NewBuffer(d.signedData)}
	d.digests = inner.slice("digests")
	d.certificates = inner.slice("certificates")
	if withSdk {
		d.signedSdk = inner.sdkRange("signed sdk version")
	}
	attrs := inner.slice("additional attributes")
	if inner.err != nil {
		return nil, inner.err
	}

	for n := 1; attrs.Len() > 0; n++ {
		raw, err := getLengthPrefixedSlice(attrs)
		if err != nil {
			return nil, fmt.Errorf("failed to read additional attribute #%d: %w", n, err)
		}
		if raw.Len() < 4 {
			return nil, fmt.Errorf("additional attribute #%d is too short", n)
		}
		id := binary.LittleEndian.Uint32(raw.Next(4))
		d.attributes = append(d.attributes, attribute{id: id, value: raw.Bytes()})
	}
	return &d, nil
}

// verify checks the signature over the signed data, the certificates against
// the signing key and records the content digests the signer vouches for.
func (d *decodedSigner) verify(contentDigests map[crypto.Hash][]byte, result *VerificationResult) bool {
	ctx := signerContext{result: result}
	if !ctx.parseSignatures(d.signatures) {
		return false
	}
	if !ctx.parsePublicKey(d.publicKey, d.signedData) {
		return false
	}
	if _, ok := ctx.parseCertificates(d.certificates); !ok {
		return false
	}
	return ctx.parseDigests(d.digests, contentDigests)
}
