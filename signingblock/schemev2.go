package signingblock

import (
	"bytes"
	"crypto"
	"encoding/binary"

	"github.com/avast/apksigner/apilevel"
)

type schemeV2 struct {
	maxSdkVersion apilevel.Level

	// hasV3Block is set when the signing block also carries a v3 block.
	hasV3Block bool
}

func (s *schemeV2) parseSigners(block *bytes.Buffer, contentDigests map[crypto.Hash][]byte, result *VerificationResult) {
	forEachSigner(block, result, func(n int, signer *bytes.Buffer) {
		d, err := decodeSigner(signer, false)
		if err != nil {
			result.addError("signer #%d: %s", n, err.Error())
			return
		}
		if !d.verify(contentDigests, result) {
			return
		}
		for _, attr := range d.attributes {
			s.checkAttribute(attr, result)
		}
	})
}

func (s *schemeV2) finalizeResult(minSdkVersion, maxSdkVersion apilevel.Level, result *VerificationResult) {
}

// checkAttribute rejects a v2 signer that promises a v3 block the archive
// no longer has. Platforms without v3 support ignore the promise.
func (s *schemeV2) checkAttribute(attr attribute, result *VerificationResult) {
	switch attr.id {
	case attrV2StrippingProtection:
		if !apilevel.SupportsSigV3(s.maxSdkVersion) {
			return
		}
		if len(attr.value) < 4 {
			result.addError("stripping protection attribute is too short")
			return
		}

		switch stripped := int32(binary.LittleEndian.Uint32(attr.value)); stripped {
		case SchemeIdV3:
			if !s.hasV3Block {
				result.addError("this apk was signed with v3 signing scheme, but it was stripped, downgrade attack?")
			}
		default:
			result.addError("unknown stripped scheme id: %d", stripped)
		}
	default:
		result.addWarning("unknown additional attribute id 0x%x", attr.id)
	}
}
