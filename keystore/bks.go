package keystore

import (
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/cryptobyte"

	"github.com/avast/apksigner/identity"
)

// BouncyCastle BcKeyStoreSpi ("BKS") container.
//
//	int version; int saltLen; salt; int iterations
//	entries: byte type; utf alias; long date; int chainLen; certs...; payload
//	byte 0
//	hmac-sha1 over the entries
const (
	bksVersion1   = 1
	bksVersion2   = 2
	bksSaltSize   = 20
	bksMinIter    = 1024
	bksMacSize    = sha1.Size
	bksCertFormat = "X.509"

	bksTypeNull   = 0
	bksTypeCert   = 1
	bksTypeKey    = 2
	bksTypeSecret = 3
	bksTypeSealed = 4

	bksKeyPrivate = 0
	bksKeyPublic  = 1
	bksKeySecret  = 2
)

type bksCodec struct{}

func (bksCodec) format() Format { return FormatBKS }

func (bksCodec) empty() store {
	return &bksStore{}
}

type bksEntry struct {
	typ   byte
	alias string
	date  time.Time
	chain [][]byte
	data  []byte
}

type bksStore struct {
	entries []*bksEntry
	rand    io.Reader
}

func (bksCodec) decode(data, password []byte) (store, error) {
	s := cryptobyte.String(data)

	var version, saltLen, iterations uint32
	var salt []byte
	if !s.ReadUint32(&version) || (version != bksVersion1 && version != bksVersion2) {
		return nil, errUnrecognized
	}
	if !s.ReadUint32(&saltLen) || saltLen == 0 || saltLen > 1024 ||
		!s.ReadBytes(&salt, int(saltLen)) || !s.ReadUint32(&iterations) || iterations == 0 {
		return nil, fmt.Errorf("%w: invalid header", errUnrecognized)
	}

	body := s
	st := &bksStore{}
	if err := st.readEntries(&s); err != nil {
		return nil, fmt.Errorf("%w: %v", errUnrecognized, err)
	}
	macInput := body[:len(body)-len(s)]

	var stored []byte
	if !s.ReadBytes(&stored, bksMacSize) {
		return nil, fmt.Errorf("%w: truncated integrity check", errUnrecognized)
	}

	// BouncyCastle skips the integrity check for an empty password.
	if len(password) == 0 {
		return st, nil
	}

	macKeySize := bksMacSize
	if version == bksVersion1 {
		macKeySize = bksMacSize / 8
	}
	if !hmac.Equal(bksMAC(password, salt, int(iterations), macKeySize, macInput), stored) {
		return nil, fmt.Errorf("%w: integrity check failed", errWrongPassword)
	}
	return st, nil
}

func bksMAC(password, salt []byte, iterations, keySize int, data []byte) []byte {
	key := pkcs12KDF(bmpPassword(password), salt, iterations, pbeIDMAC, keySize)
	defer memguard.WipeBytes(key)

	m := hmac.New(sha1.New, key)
	m.Write(data)
	return m.Sum(nil)
}

func (st *bksStore) readEntries(s *cryptobyte.String) error {
	for {
		var typ uint8
		if !s.ReadUint8(&typ) {
			return errors.New("truncated entry list")
		}
		if typ == bksTypeNull {
			return nil
		}

		e := &bksEntry{typ: typ}
		var alias cryptobyte.String
		var date uint64
		var chainLen uint32
		if !s.ReadUint16LengthPrefixed(&alias) || !s.ReadUint64(&date) || !s.ReadUint32(&chainLen) {
			return errors.New("truncated entry header")
		}
		e.alias = string(alias)
		e.date = time.UnixMilli(int64(date))

		for i := uint32(0); i < chainLen; i++ {
			der, err := readBKSCertificate(s)
			if err != nil {
				return fmt.Errorf("entry %q: certificate #%d: %w", e.alias, i, err)
			}
			e.chain = append(e.chain, der)
		}

		switch typ {
		case bksTypeCert:
			der, err := readBKSCertificate(s)
			if err != nil {
				return fmt.Errorf("entry %q: %w", e.alias, err)
			}
			e.data = der
		case bksTypeKey:
			start := *s
			if _, _, err := readBKSKey(s); err != nil {
				return fmt.Errorf("entry %q: %w", e.alias, err)
			}
			e.data = start[:len(start)-len(*s)]
		case bksTypeSecret, bksTypeSealed:
			if !readInt32Bytes(s, &e.data) {
				return fmt.Errorf("entry %q: truncated payload", e.alias)
			}
		default:
			return fmt.Errorf("unknown entry type %d", typ)
		}
		st.entries = append(st.entries, e)
	}
}

func readInt32Bytes(s *cryptobyte.String, out *[]byte) bool {
	var n uint32
	return s.ReadUint32(&n) && n <= uint32(len(*s)) && s.ReadBytes(out, int(n))
}

func readBKSCertificate(s *cryptobyte.String) ([]byte, error) {
	var typ cryptobyte.String
	var der []byte
	if !s.ReadUint16LengthPrefixed(&typ) || !readInt32Bytes(s, &der) {
		return nil, errors.New("truncated certificate")
	}
	if string(typ) != bksCertFormat {
		return nil, fmt.Errorf("unsupported certificate type %q", string(typ))
	}
	return der, nil
}

// readBKSKey decodes an encoded key: byte kind; utf format; utf algorithm; int len; bytes.
func readBKSKey(s *cryptobyte.String) (kind uint8, der []byte, err error) {
	var format, alg cryptobyte.String
	if !s.ReadUint8(&kind) || !s.ReadUint16LengthPrefixed(&format) ||
		!s.ReadUint16LengthPrefixed(&alg) || !readInt32Bytes(s, &der) {
		return 0, nil, errors.New("truncated key")
	}

	if kind == bksKeyPrivate && !strings.EqualFold(strings.ReplaceAll(string(format), "#", ""), "PKCS8") {
		return 0, nil, fmt.Errorf("unsupported private key format %q", string(format))
	}
	return kind, der, nil
}

func (st *bksStore) find(alias string) *bksEntry {
	for _, e := range st.entries {
		if e.alias == alias {
			return e
		}
	}
	return nil
}

func (st *bksStore) aliases() []string {
	var res []string
	for _, e := range st.entries {
		if e.typ == bksTypeKey || e.typ == bksTypeSealed {
			res = append(res, e.alias)
		}
	}
	return res
}

func (st *bksStore) key(alias string, password []byte) (crypto.Signer, []*x509.Certificate, error) {
	e := st.find(alias)
	if e == nil || (e.typ != bksTypeKey && e.typ != bksTypeSealed) {
		return nil, nil, errAliasNotFound
	}
	if len(e.chain) == 0 {
		return nil, nil, errNoChain
	}

	encoded := e.data
	if e.typ == bksTypeSealed {
		plain, err := unsealBKSKey(password, e.data)
		if err != nil {
			return nil, nil, err
		}
		defer memguard.WipeBytes(plain)
		encoded = plain
	}

	s := cryptobyte.String(encoded)
	kind, der, err := readBKSKey(&s)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", errWrongPassword, err)
	}
	if kind != bksKeyPrivate {
		return nil, nil, errAliasNotFound
	}

	key, err := parsePKCS8Signer(der)
	if err != nil {
		return nil, nil, err
	}

	chain := make([]*x509.Certificate, 0, len(e.chain))
	for i, der := range e.chain {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, nil, fmt.Errorf("parse certificate #%d of %q: %w", i, alias, err)
		}
		chain = append(chain, cert)
	}
	return key, chain, nil
}

func unsealBKSKey(password, sealed []byte) ([]byte, error) {
	s := cryptobyte.String(sealed)
	var salt []byte
	var iterations uint32
	if !readInt32Bytes(&s, &salt) || !s.ReadUint32(&iterations) {
		return nil, errors.New("truncated sealed key")
	}

	plain, err := openTripleDES(password, salt, int(iterations), s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errWrongPassword, err)
	}
	return plain, nil
}

func (st *bksStore) random() io.Reader {
	if st.rand != nil {
		return st.rand
	}
	return rand.Reader
}

func (st *bksStore) iterations() (int, error) {
	var b [4]byte
	if _, err := io.ReadFull(st.random(), b[:]); err != nil {
		return 0, err
	}
	return bksMinIter + int(binary.BigEndian.Uint32(b[:])&0x3ff), nil
}

func (st *bksStore) setKey(alias string, key crypto.Signer, chain []*x509.Certificate, password []byte, created time.Time) error {
	if len(chain) == 0 {
		return errNoChain
	}

	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("encode private key: %w", err)
	}
	defer memguard.WipeBytes(der)

	var kb cryptobyte.Builder
	kb.AddUint8(bksKeyPrivate)
	addUTF(&kb, "PKCS#8")
	addUTF(&kb, bksKeyAlgorithm(key))
	kb.AddUint32(uint32(len(der)))
	kb.AddBytes(der)
	plain, err := kb.Bytes()
	if err != nil {
		return err
	}
	defer memguard.WipeBytes(plain)

	salt := make([]byte, bksSaltSize)
	if _, err := io.ReadFull(st.random(), salt); err != nil {
		return err
	}
	iter, err := st.iterations()
	if err != nil {
		return err
	}
	enc, err := sealTripleDES(password, salt, iter, plain)
	if err != nil {
		return err
	}

	var sb cryptobyte.Builder
	sb.AddUint32(uint32(len(salt)))
	sb.AddBytes(salt)
	sb.AddUint32(uint32(iter))
	sb.AddBytes(enc)
	sealed, err := sb.Bytes()
	if err != nil {
		return err
	}

	e := &bksEntry{typ: bksTypeSealed, alias: alias, date: created, data: sealed}
	for _, c := range chain {
		e.chain = append(e.chain, c.Raw)
	}

	if old := st.find(alias); old != nil {
		*old = *e
	} else {
		st.entries = append(st.entries, e)
	}
	return nil
}

func bksKeyAlgorithm(key crypto.Signer) string {
	if identity.KeyAlgorithmOf(key) == identity.KeyAlgorithmRSA {
		return "RSA"
	}
	return "EC"
}

func addUTF(b *cryptobyte.Builder, s string) {
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes([]byte(s))
	})
}

func (st *bksStore) encode(password []byte) ([]byte, error) {
	var body cryptobyte.Builder
	for _, e := range st.entries {
		body.AddUint8(e.typ)
		addUTF(&body, e.alias)
		body.AddUint64(uint64(e.date.UnixMilli()))
		body.AddUint32(uint32(len(e.chain)))
		for _, der := range e.chain {
			addUTF(&body, bksCertFormat)
			body.AddUint32(uint32(len(der)))
			body.AddBytes(der)
		}

		switch e.typ {
		case bksTypeCert:
			addUTF(&body, bksCertFormat)
			body.AddUint32(uint32(len(e.data)))
			body.AddBytes(e.data)
		case bksTypeKey:
			body.AddBytes(e.data)
		default:
			body.AddUint32(uint32(len(e.data)))
			body.AddBytes(e.data)
		}
	}
	body.AddUint8(bksTypeNull)
	entries, err := body.Bytes()
	if err != nil {
		return nil, err
	}

	salt := make([]byte, bksSaltSize)
	if _, err := io.ReadFull(st.random(), salt); err != nil {
		return nil, err
	}
	iter, err := st.iterations()
	if err != nil {
		return nil, err
	}

	var out cryptobyte.Builder
	out.AddUint32(bksVersion2)
	out.AddUint32(uint32(len(salt)))
	out.AddBytes(salt)
	out.AddUint32(uint32(iter))
	out.AddBytes(entries)
	out.AddBytes(bksMAC(password, salt, iter, bksMacSize, entries))
	return out.Bytes()
}

func (st *bksStore) wipe() {
	for _, e := range st.entries {
		if e.typ == bksTypeKey {
			memguard.WipeBytes(e.data)
		}
	}
	st.entries = nil
}
