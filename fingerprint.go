package apksigner

import (
	"crypto"
	_ "crypto/md5"
	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"encoding/base64"
	"strings"
)

var fingerprintHashes = map[string]struct {
	name string
	hash crypto.Hash
}{
	"MD5":     {"MD5", crypto.MD5},
	"SHA1":    {"SHA1", crypto.SHA1},
	"SHA-1":   {"SHA1", crypto.SHA1},
	"SHA224":  {"SHA-224", crypto.SHA224},
	"SHA-224": {"SHA-224", crypto.SHA224},
	"SHA256":  {"SHA-256", crypto.SHA256},
	"SHA-256": {"SHA-256", crypto.SHA256},
	"SHA384":  {"SHA-384", crypto.SHA384},
	"SHA-384": {"SHA-384", crypto.SHA384},
	"SHA512":  {"SHA-512", crypto.SHA512},
	"SHA-512": {"SHA-512", crypto.SHA512},
}

// Fingerprint is a digest of an encoded certificate.
type Fingerprint struct {
	Algorithm string
	Digest    []byte
}

// ComputeFingerprint digests encodedCert with the named algorithm. The name
// is matched case-insensitively; an unknown algorithm yields (nil, false).
func ComputeFingerprint(algorithm string, encodedCert []byte) (*Fingerprint, bool) {
	h, ok := fingerprintHashes[strings.ToUpper(strings.TrimSpace(algorithm))]
	if !ok || !h.hash.Available() {
		return nil, false
	}

	d := h.hash.New()
	d.Write(encodedCert)
	return &Fingerprint{Algorithm: h.name, Digest: d.Sum(nil)}, true
}

// Hex renders the digest as upper case hex pairs separated by colons.
func (f *Fingerprint) Hex() string {
	const digits = "0123456789ABCDEF"

	if len(f.Digest) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.Grow(len(f.Digest)*3 - 1)
	for i, b := range f.Digest {
		if i != 0 {
			sb.WriteByte(':')
		}
		sb.WriteByte(digits[b>>4])
		sb.WriteByte(digits[b&0x0f])
	}
	return sb.String()
}

// Base64 renders the digest in standard padded base64.
func (f *Fingerprint) Base64() string {
	return base64.StdEncoding.EncodeToString(f.Digest)
}

func (f *Fingerprint) String() string {
	return f.Algorithm + " " + f.Hex()
}
