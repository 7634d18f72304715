package keystore

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/awnumar/memguard"
	jks "github.com/pavlo-v-chernykh/keystore-go/v4"
)

var jksMagic = []byte{0xfe, 0xed, 0xfe, 0xed}

type jksCodec struct{}

func (jksCodec) format() Format { return FormatJKS }

func (jksCodec) empty() store {
	return &jksStore{ks: jks.New()}
}

func (jksCodec) decode(data, password []byte) (store, error) {
	if !bytes.HasPrefix(data, jksMagic) {
		return nil, errUnrecognized
	}

	ks := jks.New()
	if err := ks.Load(bytes.NewReader(data), password); err != nil {
		return nil, fmt.Errorf("%w: %v", errWrongPassword, err)
	}
	return &jksStore{ks: ks}, nil
}

type jksStore struct {
	ks jks.KeyStore
}

func (s *jksStore) aliases() []string {
	var res []string
	for _, a := range s.ks.Aliases() {
		if s.ks.IsPrivateKeyEntry(a) {
			res = append(res, a)
		}
	}
	return res
}

func (s *jksStore) key(alias string, password []byte) (crypto.Signer, []*x509.Certificate, error) {
	if !s.ks.IsPrivateKeyEntry(alias) {
		return nil, nil, errAliasNotFound
	}

	entry, err := s.ks.GetPrivateKeyEntry(alias, password)
	if err != nil {
		if errors.Is(err, jks.ErrEntryNotFound) {
			return nil, nil, errAliasNotFound
		}
		return nil, nil, fmt.Errorf("%w: %v", errWrongPassword, err)
	}
	defer memguard.WipeBytes(entry.PrivateKey)

	key, err := parsePKCS8Signer(entry.PrivateKey)
	if err != nil {
		return nil, nil, err
	}

	if len(entry.CertificateChain) == 0 {
		return nil, nil, errNoChain
	}

	chain := make([]*x509.Certificate, 0, len(entry.CertificateChain))
	for i, c := range entry.CertificateChain {
		cert, err := x509.ParseCertificate(c.Content)
		if err != nil {
			return nil, nil, fmt.Errorf("parse certificate #%d of %q: %w", i, alias, err)
		}
		chain = append(chain, cert)
	}
	return key, chain, nil
}

func (s *jksStore) setKey(alias string, key crypto.Signer, chain []*x509.Certificate, password []byte, created time.Time) error {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("encode private key: %w", err)
	}
	defer memguard.WipeBytes(der)

	certs := make([]jks.Certificate, len(chain))
	for i, c := range chain {
		certs[i] = jks.Certificate{Type: "X.509", Content: c.Raw}
	}

	return s.ks.SetPrivateKeyEntry(alias, jks.PrivateKeyEntry{
		CreationTime:     created,
		PrivateKey:       der,
		CertificateChain: certs,
	}, password)
}

func (s *jksStore) encode(password []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := s.ks.Store(&buf, password); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *jksStore) wipe() {
	s.ks = jks.New()
}

func parsePKCS8Signer(der []byte) (crypto.Signer, error) {
	k, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: parse private key: %v", errWrongPassword, err)
	}

	signer, ok := k.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type %T", k)
	}
	return signer, nil
}
