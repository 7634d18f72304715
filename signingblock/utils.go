package signingblock

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"encoding/binary"
	"errors"
	"fmt"
)

func getLengthPrefixedSlice(r *bytes.Buffer) (*bytes.Buffer, error) {
	if r.Len() < 4 {
		return nil, fmt.Errorf("remaining buffer too short to contain length of length-prefixed field, remaining: %d", r.Len())
	}

	var length int32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return nil, err
	}

	if length < 0 {
		return nil, errors.New("negative length")
	} else if int(length) > r.Len() {
		return nil, fmt.Errorf("length-prefixed field longer than remaining buffer, "+
			"field length: %d, remaining: %d", length, r.Len())
	}
	return bytes.NewBuffer(r.Next(int(length))), nil
}

func verifySignature(publicKey crypto.PublicKey, algo SignatureAlgorithm, signedDataBytes, signature []byte) error {
	h := algo.getDigestType()
	digest := h.New()
	digest.Write(signedDataBytes)
	hashed := digest.Sum(nil)

	switch algo {
	case SigRsaPssWithSha256, SigRsaPssWithSha512:
		key, ok := publicKey.(*rsa.PublicKey)
		if !ok {
			return fmt.Errorf("%s requires an RSA key, got %T", algo, publicKey)
		}
		return rsa.VerifyPSS(key, h, hashed, signature, &rsa.PSSOptions{SaltLength: h.Size()})
	case SigRsaPkcs1V15WithSha256, SigRsaPkcs1V15WithSha512:
		key, ok := publicKey.(*rsa.PublicKey)
		if !ok {
			return fmt.Errorf("%s requires an RSA key, got %T", algo, publicKey)
		}
		return rsa.VerifyPKCS1v15(key, h, hashed, signature)
	case SigEcdsaWithSha256, SigEcdsaWithSha512:
		key, ok := publicKey.(*ecdsa.PublicKey)
		if !ok {
			return fmt.Errorf("%s requires an EC key, got %T", algo, publicKey)
		}
		if !ecdsa.VerifyASN1(key, hashed, signature) {
			return errors.New("ECDSA verification failed")
		}
		return nil
	}
	return fmt.Errorf("unhandled signature type: 0x%04x", uint32(algo))
}

// lpBuffer writes the little-endian, int32 length-prefixed records used
// throughout the v2 and v3 blocks.
type lpBuffer struct {
	bytes.Buffer
}

func (b *lpBuffer) uint32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	b.Write(tmp[:])
}

func (b *lpBuffer) lengthPrefixedBytes(p []byte) {
	b.uint32(uint32(len(p)))
	b.Write(p)
}

func (b *lpBuffer) lengthPrefixed(fn func(child *lpBuffer)) {
	var child lpBuffer
	fn(&child)
	b.lengthPrefixedBytes(child.Bytes())
}
