package apksigner

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/avast/apksigner/errdefs"
	"github.com/avast/apksigner/identity"
	"github.com/avast/apksigner/keystore"
	"github.com/avast/apksigner/secret"
)

// BuiltInKeyNames are the test identities every installation carries.
var BuiltInKeyNames = []string{"testkey", "platform", "media", "shared"}

const (
	builtInKeystoreName     = "builtin.keystore"
	builtInKeystorePassword = "android"
)

func isBuiltInKeyName(name string) bool {
	return slices.Contains(BuiltInKeyNames, name)
}

// BuiltInKeys mints the test identities on first use and keeps them in a BKS
// keystore at Path.
type BuiltInKeys struct {
	Path string

	// KeySize of newly minted RSA keys, 2048 if zero.
	KeySize int

	mu sync.Mutex
}

// DefaultBuiltInKeysPath is builtin.keystore in the zipsigner directory under
// the user configuration directory.
func DefaultBuiltInKeysPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "zipsigner", builtInKeystoreName), nil
}

func builtInSubject() identity.DistinguishedName {
	var dn identity.DistinguishedName
	dn.Set(identity.Country, "US").
		Set(identity.State, "California").
		Set(identity.Locality, "Mountain View").
		Set(identity.Organization, "Android").
		Set(identity.OrganizationalUnit, "Android").
		Set(identity.CommonName, "Android")
	return dn
}

// Identity returns the named test identity, minting and persisting it if the
// keystore does not hold it yet. The caller owns the returned identity.
func (b *BuiltInKeys) Identity(name string) (*identity.KeyIdentity, error) {
	if !isBuiltInKeyName(name) {
		return nil, errdefs.New(errdefs.CodeKeyNotFoundForAlias, fmt.Sprintf("unknown built-in key %q", name), nil)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	pw := secret.FromString(builtInKeystorePassword)
	defer pw.Destroy()

	c, err := keystore.Load(b.Path, pw)
	switch {
	case errdefs.Is(err, errdefs.CodeKeystoreNotFound):
		return b.mint(name, pw, true)
	case err != nil:
		return nil, err
	}

	if !slices.Contains(c.Aliases(), name) {
		c.Close()
		return b.mint(name, pw, false)
	}

	id, err := c.Identity(name, nil)
	c.Close()
	return id, err
}

func (b *BuiltInKeys) mint(name string, pw *secret.Password, create bool) (*identity.KeyIdentity, error) {
	keySize := b.KeySize
	if keySize == 0 {
		keySize = identity.DefaultRSAKeySize
	}

	return keystore.IssueInto(b.Path, keystore.FormatBKS, create, pw, nil, identity.IssueRequest{
		Name:               name,
		KeyAlgorithm:       identity.KeyAlgorithmRSA,
		KeySize:            keySize,
		SignatureAlgorithm: identity.SHA256WithRSA,
		Subject:            builtInSubject(),
	})
}
