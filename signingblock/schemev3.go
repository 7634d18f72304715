package signingblock

// https://android.googlesource.com/platform/tools/apksig/+/master/src/main/java/com/android/apksig

import (
	"bytes"
	"crypto"
	"sort"

	"github.com/avast/apksigner/apilevel"
)

type schemeV3 struct {
	minSdkVersion, maxSdkVersion apilevel.Level
	signers                      []*schemeV3SignerInfo
}

type schemeV3SignerInfo struct {
	minSdkVersion, maxSdkVersion apilevel.Level
}

func (s *schemeV3) parseSigners(block *bytes.Buffer, contentDigests map[crypto.Hash][]byte, result *VerificationResult) {
	forEachSigner(block, result, func(n int, signer *bytes.Buffer) {
		d, err := decodeSigner(signer, true)
		if err != nil {
			result.addError("signer #%d: %s", n, err.Error())
			return
		}
		s.verifySigner(d, contentDigests, result)
	})
}

func (s *schemeV3) finalizeResult(requestedMinSdkVersion, requestedMaxSdkVersion apilevel.Level, result *VerificationResult) {
	// v3 didn't exist prior to P, so make sure that we're only judging v3 on its supported
	// platforms
	if requestedMinSdkVersion < apilevel.V9_0_Pie {
		requestedMinSdkVersion = apilevel.V9_0_Pie
	}

	sort.Slice(s.signers, func(i, j int) bool {
		return s.signers[i].minSdkVersion < s.signers[j].minSdkVersion
	})

	var firstMin, lastMax apilevel.Level
	for _, signer := range s.signers {
		if firstMin == 0 {
			firstMin = signer.minSdkVersion
		} else if signer.minSdkVersion != lastMax+1 {
			result.addError("inconsistent signer sdkversions")
			break
		}
		lastMax = signer.maxSdkVersion
	}

	if firstMin > requestedMinSdkVersion || lastMax < requestedMaxSdkVersion {
		result.addError("missing sdk versions, supports only <%d;%d>, got range (%d;%d)",
			firstMin, lastMax, requestedMinSdkVersion, requestedMaxSdkVersion)
	}
	result.MinSdkVersion, result.MaxSdkVersion = firstMin, lastMax
}

// verifySigner checks one v3 signer. The sdk range outside the signed data
// must repeat the signed one, since only the latter is covered by the signature.
func (s *schemeV3) verifySigner(d *decodedSigner, contentDigests map[crypto.Hash][]byte, result *VerificationResult) {
	if d.sdk.min < 1 || d.sdk.min > d.sdk.max {
		result.addError("invalid min/max sdk versions: <%d,%d>", d.sdk.min, d.sdk.max)
	}
	s.signers = append(s.signers, &schemeV3SignerInfo{
		minSdkVersion: d.sdk.min,
		maxSdkVersion: d.sdk.max,
	})

	if d.sdk.min != d.signedSdk.min {
		result.addError("mismatch between parsed and signed minSdkVersion: %d != %d", d.sdk.min, d.signedSdk.min)
	}
	if d.sdk.max != d.signedSdk.max {
		result.addError("mismatch between parsed and signed maxSdkVersion: %d != %d", d.sdk.max, d.signedSdk.max)
	}

	if !d.verify(contentDigests, result) {
		return
	}

	for _, attr := range d.attributes {
		switch attr.id {
		case attrV3ProofOfRotation, attrV3MinSdkVersion, attrV3RotationOnDev:
			result.addWarning("key rotation attribute 0x%x is not checked", attr.id)
		default:
			result.addWarning("unknown additional attribute id 0x%x", attr.id)
		}
	}
}
