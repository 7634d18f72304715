// Package keystore loads and writes signing identities in JKS, PKCS#12 and
// BouncyCastle BKS containers. Load detects the container format by probing.
package keystore

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/avast/apksigner/errdefs"
	"github.com/avast/apksigner/identity"
	"github.com/avast/apksigner/secret"
)

// Format is a keystore container format.
type Format int

const (
	FormatJKS Format = iota + 1
	FormatPKCS12
	FormatBKS
)

func (f Format) String() string {
	switch f {
	case FormatJKS:
		return "JKS"
	case FormatPKCS12:
		return "PKCS12"
	case FormatBKS:
		return "BKS"
	}
	return fmt.Sprintf("Format(%d)", int(f))
}

// ParseFormat accepts "jks", "pkcs12" (or "p12"), and "bks".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "jks":
		return FormatJKS, nil
	case "pkcs12", "p12", "pfx":
		return FormatPKCS12, nil
	case "bks":
		return FormatBKS, nil
	}
	return 0, fmt.Errorf("unknown keystore format %q", s)
}

var (
	errUnrecognized  = errors.New("not a recognized container")
	errWrongPassword = errors.New("wrong password or corrupted container")
	errAliasNotFound = errors.New("alias not found")
	errNoChain       = errors.New("no certificate chain")
)

type codec interface {
	format() Format
	decode(data, password []byte) (store, error)
	empty() store
}

type store interface {
	aliases() []string
	key(alias string, password []byte) (crypto.Signer, []*x509.Certificate, error)
	setKey(alias string, key crypto.Signer, chain []*x509.Certificate, password []byte, created time.Time) error
	encode(password []byte) ([]byte, error)
	wipe()
}

// Probe order. The first codec that parses the container and accepts the password wins.
var codecs = []codec{jksCodec{}, pkcs12Codec{}, bksCodec{}}

func codecFor(f Format) (codec, error) {
	for _, c := range codecs {
		if c.format() == f {
			return c, nil
		}
	}
	return nil, fmt.Errorf("unsupported keystore format %s", f)
}

// Container is a decoded keystore held in memory. The backing file is not kept open.
type Container struct {
	path          string
	fmt           Format
	st            store
	storePassword *secret.Password
}

// Load reads the keystore at path and decodes it with the first format that
// accepts the container and the password, trying JKS, PKCS12 and BKS in that order.
func Load(path string, password *secret.Password) (*Container, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errdefs.New(errdefs.CodeKeystoreNotFound, fmt.Sprintf("keystore %s not found", path), err)
		}
		// No format was tried; the cause says why the file could not be opened.
		return nil, errdefs.New(errdefs.CodeKeystoreFormatUnrecognized, fmt.Sprintf("cannot open keystore %s", path), err)
	}
	return decode(path, data, password)
}

func decode(path string, data []byte, password *secret.Password) (*Container, error) {
	var (
		merr          *multierror.Error
		tried         []string
		wrongPassword bool
	)

	for _, c := range codecs {
		tried = append(tried, c.format().String())

		var st store
		err := password.Use(func(pw []byte) error {
			var err error
			st, err = c.decode(data, pw)
			return err
		})
		if err == nil {
			return &Container{path: path, fmt: c.format(), st: st, storePassword: password.Clone()}, nil
		}

		if errors.Is(err, errWrongPassword) {
			wrongPassword = true
		}
		merr = multierror.Append(merr, fmt.Errorf("%s: %w", c.format(), err))
	}

	merr.ErrorFormat = joinErrors
	code := errdefs.CodeKeystoreFormatUnrecognized
	if wrongPassword {
		code = errdefs.CodeKeystoreDecryptFailed
	}
	return nil, errdefs.New(code,
		fmt.Sprintf("could not load keystore %s (tried %s)", path, strings.Join(tried, ", ")),
		merr.ErrorOrNil())
}

func joinErrors(errs []error) string {
	msgs := make([]string, len(errs))
	for i, err := range errs {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Path returns the file the container was loaded from.
func (c *Container) Path() string {
	return c.path
}

// Format returns the detected container format.
func (c *Container) Format() Format {
	return c.fmt
}

// Aliases returns the key entry aliases in sorted order.
func (c *Container) Aliases() []string {
	a := c.st.aliases()
	sort.Strings(a)
	return a
}

// Identity decrypts the key entry for alias. A nil or empty keyPassword
// falls back to the container password. The returned identity does not share
// key material with the container; release it independently.
func (c *Container) Identity(alias string, keyPassword *secret.Password) (*identity.KeyIdentity, error) {
	var (
		key   crypto.Signer
		chain []*x509.Certificate
	)
	err := resolveKeyPassword(c.storePassword, keyPassword).Use(func(pw []byte) error {
		var err error
		key, chain, err = c.st.key(alias, pw)
		return err
	})

	switch {
	case errors.Is(err, errAliasNotFound):
		return nil, errdefs.New(errdefs.CodeKeyNotFoundForAlias,
			fmt.Sprintf("no key entry for alias %q in %s", alias, c.path), err)
	case errors.Is(err, errNoChain):
		return nil, errdefs.New(errdefs.CodeCertificateChainMissing,
			fmt.Sprintf("key entry %q in %s has no certificate chain", alias, c.path), err)
	case err != nil:
		return nil, errdefs.New(errdefs.CodeKeystoreDecryptFailed,
			fmt.Sprintf("decrypt key entry %q in %s", alias, c.path), err)
	}

	if len(chain) == 0 {
		return nil, errdefs.New(errdefs.CodeCertificateChainMissing,
			fmt.Sprintf("key entry %q in %s has no certificate chain", alias, c.path), nil)
	}

	id := &identity.KeyIdentity{Name: alias, PrivateKey: key, CertificateChain: chain}
	if err := id.Validate(); err != nil {
		id.Release()
		return nil, err
	}
	return id, nil
}

// Close drops decoded key material held by the container.
func (c *Container) Close() {
	if c.st != nil {
		c.st.wipe()
		c.st = nil
	}
	c.storePassword.Destroy()
}

func resolveKeyPassword(storePassword, keyPassword *secret.Password) *secret.Password {
	if keyPassword.Empty() {
		return storePassword
	}
	return keyPassword
}
