package keystore

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avast/apksigner/errdefs"
	"github.com/avast/apksigner/identity"
	"github.com/avast/apksigner/secret"
)

func newIdentity(t *testing.T, name, keyAlg string) *identity.KeyIdentity {
	t.Helper()

	var dn identity.DistinguishedName
	dn.Set(identity.CommonName, name).Set(identity.Organization, "Test")
	req := identity.IssueRequest{Name: name, KeyAlgorithm: keyAlg, Subject: dn}
	if keyAlg == identity.KeyAlgorithmRSA {
		req.KeySize = 1024
	}

	id, err := identity.Issue(req)
	require.NoError(t, err)
	return id
}

var allFormats = []Format{FormatJKS, FormatPKCS12, FormatBKS}

func TestRoundTrip(t *testing.T) {
	for _, format := range allFormats {
		for _, keyAlg := range []string{identity.KeyAlgorithmRSA, identity.KeyAlgorithmEC} {
			t.Run(format.String()+"/"+keyAlg, func(t *testing.T) {
				path := filepath.Join(t.TempDir(), "release.keystore")
				id := newIdentity(t, "release", keyAlg)

				storePw := secret.FromString("storepass")
				defer storePw.Destroy()
				require.NoError(t, Create(path, format, storePw, id, nil))

				fi, err := os.Stat(path)
				require.NoError(t, err)
				assert.Equal(t, os.FileMode(keystoreFileMode), fi.Mode().Perm())

				c, err := Load(path, storePw)
				require.NoError(t, err)
				defer c.Close()

				assert.Equal(t, format, c.Format())
				require.Len(t, c.Aliases(), 1)

				loaded, err := c.Identity("release", nil)
				require.NoError(t, err)
				defer loaded.Release()

				require.Len(t, loaded.CertificateChain, 1)
				assert.True(t, bytes.Equal(id.Leaf().Raw, loaded.Leaf().Raw))
				assert.Equal(t, "release", loaded.Name)
				require.NoError(t, loaded.Validate())
			})
		}
	}
}

func TestSeparateKeyPassword(t *testing.T) {
	for _, format := range []Format{FormatJKS, FormatBKS} {
		t.Run(format.String(), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "ks")
			id := newIdentity(t, "signer", identity.KeyAlgorithmEC)

			storePw := secret.FromString("storepass")
			keyPw := secret.FromString("keypass1")
			require.NoError(t, Create(path, format, storePw, id, keyPw))

			c, err := Load(path, storePw)
			require.NoError(t, err)
			defer c.Close()

			_, err = c.Identity("signer", secret.FromString("wrongpass"))
			require.Error(t, err)
			assert.True(t, errdefs.Is(err, errdefs.CodeKeystoreDecryptFailed), err.Error())

			loaded, err := c.Identity("signer", keyPw)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(id.Leaf().Raw, loaded.Leaf().Raw))
		})
	}
}

func TestWrongStorePassword(t *testing.T) {
	for _, format := range allFormats {
		t.Run(format.String(), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "ks")
			require.NoError(t, Create(path, format, secret.FromString("storepass"), newIdentity(t, "k", identity.KeyAlgorithmEC), nil))

			_, err := Load(path, secret.FromString("not-the-password"))
			require.Error(t, err)
			assert.True(t, errdefs.Is(err, errdefs.CodeKeystoreDecryptFailed), err.Error())
			assert.Contains(t, err.Error(), "tried JKS, PKCS12, BKS")
		})
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.jks"), secret.FromString("storepass"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrKeystoreNotFound)
}

func TestLoadUnreadable(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(dir, secret.FromString("storepass"))
	require.Error(t, err)
	assert.True(t, errdefs.Is(err, errdefs.CodeKeystoreFormatUnrecognized), err.Error())
	assert.Contains(t, err.Error(), "cannot open keystore "+dir)
	assert.NotContains(t, err.Error(), "tried")
}

func TestLoadGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.bin")
	require.NoError(t, os.WriteFile(path, []byte("this is not a keystore at all"), 0o600))

	_, err := Load(path, secret.FromString("storepass"))
	require.Error(t, err)
	assert.True(t, errdefs.Is(err, errdefs.CodeKeystoreFormatUnrecognized), err.Error())
	for _, f := range allFormats {
		assert.Contains(t, err.Error(), f.String()+":")
	}
}

func TestUnknownAlias(t *testing.T) {
	for _, format := range []Format{FormatJKS, FormatBKS} {
		path := filepath.Join(t.TempDir(), "ks")
		storePw := secret.FromString("storepass")
		require.NoError(t, Create(path, format, storePw, newIdentity(t, "present", identity.KeyAlgorithmEC), nil))

		c, err := Load(path, storePw)
		require.NoError(t, err)

		_, err = c.Identity("absent", nil)
		assert.ErrorIs(t, err, errdefs.ErrKeyNotFoundForAlias, format.String())
		c.Close()
	}
}

func TestCreateRefusesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ks.p12")
	require.NoError(t, os.WriteFile(path, []byte("keep me"), 0o600))

	err := Create(path, FormatPKCS12, secret.FromString("storepass"), newIdentity(t, "k", identity.KeyAlgorithmEC), nil)
	assert.ErrorIs(t, err, errdefs.ErrDestinationAlreadyExists)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "keep me", string(data))
}

func TestAddIdentity(t *testing.T) {
	for _, format := range []Format{FormatJKS, FormatBKS} {
		t.Run(format.String(), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "ks")
			storePw := secret.FromString("storepass")
			require.NoError(t, Create(path, format, storePw, newIdentity(t, "first", identity.KeyAlgorithmEC), nil))

			second := newIdentity(t, "second", identity.KeyAlgorithmEC)
			require.NoError(t, AddIdentity(path, storePw, second, nil))
			assert.ErrorIs(t, AddIdentity(path, storePw, second, nil), errdefs.ErrDestinationAlreadyExists)

			c, err := Load(path, storePw)
			require.NoError(t, err)
			defer c.Close()

			assert.Equal(t, []string{"first", "second"}, c.Aliases())
			loaded, err := c.Identity("second", nil)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(second.Leaf().Raw, loaded.Leaf().Raw))
		})
	}
}

func TestAddIdentityPKCS12HoldsOne(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ks.p12")
	storePw := secret.FromString("storepass")
	require.NoError(t, Create(path, FormatPKCS12, storePw, newIdentity(t, "first", identity.KeyAlgorithmEC), nil))

	err := AddIdentity(path, storePw, newIdentity(t, "second", identity.KeyAlgorithmEC), nil)
	assert.ErrorIs(t, err, errdefs.ErrOutputWriteFailed)
}

func TestIssueInto(t *testing.T) {
	path := filepath.Join(t.TempDir(), "new.bks")
	storePw := secret.FromString("storepass")

	var dn identity.DistinguishedName
	dn.Set(identity.CommonName, "Issued")
	req := identity.IssueRequest{Name: "issued", KeyAlgorithm: identity.KeyAlgorithmEC, Subject: dn}

	id, err := IssueInto(path, FormatBKS, true, storePw, nil, req)
	require.NoError(t, err)
	defer id.Release()

	_, err = IssueInto(path, FormatBKS, true, storePw, nil, req)
	assert.ErrorIs(t, err, errdefs.ErrDestinationAlreadyExists)

	req.Name = "another"
	other, err := IssueInto(path, FormatBKS, false, storePw, nil, req)
	require.NoError(t, err)
	other.Release()

	c, err := Load(path, storePw)
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, FormatBKS, c.Format())
	assert.Equal(t, []string{"another", "issued"}, c.Aliases())
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"JKS": FormatJKS, "p12": FormatPKCS12, " bks ": FormatBKS} {
		got, err := ParseFormat(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseFormat("jceks")
	assert.Error(t, err)
}
