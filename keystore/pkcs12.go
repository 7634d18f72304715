package keystore

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/awnumar/memguard"
	"software.sslmate.com/src/go-pkcs12"
)

// A PKCS#12 container holds a single identity protected by the container
// password. go-pkcs12 does not expose friendly names, so the identity answers
// to any alias.
type pkcs12Codec struct{}

func (pkcs12Codec) format() Format { return FormatPKCS12 }

func (pkcs12Codec) empty() store {
	return &pkcs12Store{}
}

func (pkcs12Codec) decode(data, password []byte) (store, error) {
	key, cert, cas, err := pkcs12.DecodeChain(data, string(password))
	if err != nil {
		if errors.Is(err, pkcs12.ErrIncorrectPassword) || errors.Is(err, pkcs12.ErrDecryption) {
			return nil, fmt.Errorf("%w: %v", errWrongPassword, err)
		}
		return nil, fmt.Errorf("%w: %v", errUnrecognized, err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("re-encode private key: %w", err)
	}

	return &pkcs12Store{
		keyDER: der,
		chain:  append([]*x509.Certificate{cert}, cas...),
	}, nil
}

type pkcs12Store struct {
	alias  string
	keyDER []byte
	chain  []*x509.Certificate
}

func (s *pkcs12Store) aliases() []string {
	if s.keyDER == nil {
		return nil
	}
	if s.alias == "" {
		return []string{"1"}
	}
	return []string{s.alias}
}

func (s *pkcs12Store) key(alias string, _ []byte) (crypto.Signer, []*x509.Certificate, error) {
	if s.keyDER == nil {
		return nil, nil, errAliasNotFound
	}
	if len(s.chain) == 0 || s.chain[0] == nil {
		return nil, nil, errNoChain
	}

	key, err := parsePKCS8Signer(s.keyDER)
	if err != nil {
		return nil, nil, err
	}
	return key, append([]*x509.Certificate(nil), s.chain...), nil
}

func (s *pkcs12Store) setKey(alias string, key crypto.Signer, chain []*x509.Certificate, _ []byte, _ time.Time) error {
	if s.keyDER != nil {
		return errors.New("PKCS12 containers hold a single identity")
	}
	if len(chain) == 0 {
		return errNoChain
	}

	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("encode private key: %w", err)
	}
	s.alias, s.keyDER, s.chain = alias, der, chain
	return nil
}

func (s *pkcs12Store) encode(password []byte) ([]byte, error) {
	key, err := parsePKCS8Signer(s.keyDER)
	if err != nil {
		return nil, err
	}
	return pkcs12.Modern.Encode(key, s.chain[0], s.chain[1:], string(password))
}

func (s *pkcs12Store) wipe() {
	memguard.WipeBytes(s.keyDER)
	s.keyDER = nil
	s.chain = nil
}
