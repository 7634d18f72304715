package keystore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/moby/sys/atomicwriter"

	"github.com/avast/apksigner/errdefs"
	"github.com/avast/apksigner/identity"
	"github.com/avast/apksigner/secret"
)

const keystoreFileMode = 0o600

// Create writes a new container at path holding id under id.Name. It fails
// with DestinationAlreadyExists if path exists. A nil keyPassword protects the
// key with storePassword. PKCS12 is the canonical format.
func Create(path string, format Format, storePassword *secret.Password, id *identity.KeyIdentity, keyPassword *secret.Password) error {
	if _, err := os.Lstat(path); err == nil {
		return errdefs.New(errdefs.CodeDestinationAlreadyExists, fmt.Sprintf("keystore %s already exists", path), nil)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return errdefs.New(errdefs.CodeOutputWriteFailed, fmt.Sprintf("stat %s", path), err)
	}

	c, err := codecFor(format)
	if err != nil {
		return errdefs.New(errdefs.CodeOutputWriteFailed, "create keystore", err)
	}
	return store2file(path, c.empty(), storePassword, id, keyPassword)
}

// AddIdentity opens an existing container read-write, adds id under id.Name
// and writes it back in its detected format.
func AddIdentity(path string, storePassword *secret.Password, id *identity.KeyIdentity, keyPassword *secret.Password) error {
	c, err := Load(path, storePassword)
	if err != nil {
		return err
	}
	defer c.Close()

	if c.Format() != FormatPKCS12 {
		for _, a := range c.st.aliases() {
			if strings.EqualFold(a, id.Name) {
				return errdefs.New(errdefs.CodeDestinationAlreadyExists,
					fmt.Sprintf("alias %q already exists in %s", id.Name, path), nil)
			}
		}
	}
	return store2file(path, c.st, storePassword, id, keyPassword)
}

// IssueInto mints a new identity and persists it, either into a new
// container (create) or an existing one. The returned identity is owned by
// the caller.
func IssueInto(path string, format Format, create bool, storePassword, keyPassword *secret.Password, req identity.IssueRequest) (*identity.KeyIdentity, error) {
	if create {
		if _, err := os.Lstat(path); err == nil {
			return nil, errdefs.New(errdefs.CodeDestinationAlreadyExists, fmt.Sprintf("keystore %s already exists", path), nil)
		}
	}

	id, err := identity.Issue(req)
	if err != nil {
		return nil, err
	}

	if create {
		err = Create(path, format, storePassword, id, keyPassword)
	} else {
		err = AddIdentity(path, storePassword, id, keyPassword)
	}
	if err != nil {
		id.Release()
		return nil, err
	}
	return id, nil
}

func store2file(path string, st store, storePassword *secret.Password, id *identity.KeyIdentity, keyPassword *secret.Password) error {
	if err := id.Validate(); err != nil {
		return err
	}

	err := resolveKeyPassword(storePassword, keyPassword).Use(func(kpw []byte) error {
		return st.setKey(id.Name, id.PrivateKey, id.CertificateChain, kpw, time.Now())
	})
	if err != nil {
		if errors.Is(err, errNoChain) {
			return errdefs.New(errdefs.CodeCertificateChainMissing, "add key entry", err)
		}
		return errdefs.New(errdefs.CodeOutputWriteFailed, fmt.Sprintf("add key entry %q", id.Name), err)
	}

	var data []byte
	err = storePassword.Use(func(pw []byte) error {
		var encErr error
		data, encErr = st.encode(pw)
		return encErr
	})
	if err != nil {
		return errdefs.New(errdefs.CodeOutputWriteFailed, fmt.Sprintf("encode keystore %s", path), err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return errdefs.New(errdefs.CodeOutputWriteFailed, fmt.Sprintf("create directory for %s", path), err)
	}
	if err := atomicwriter.WriteFile(path, data, keystoreFileMode); err != nil {
		return errdefs.New(errdefs.CodeOutputWriteFailed, fmt.Sprintf("write keystore %s", path), err)
	}
	return nil
}
