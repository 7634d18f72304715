package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFile(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
	assert.Equal(t, "info", c.Log.Level)
	assert.Equal(t, "v1,v2,v3", c.Sign.Schemes)
	assert.Equal(t, runtime.NumCPU(), c.Sign.Jobs)
	assert.Equal(t, "PKCS12", c.Keystore.Type)
	assert.Equal(t, 30, c.Genkey.ValidityYears)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: debug
  file: /var/log/zipsigner.log
sign:
  schemes: v1,v2
  signature_algorithm: SHA256withRSA
  jobs: 3
keystore:
  path: release.jks
  alias: release
  type: jks
genkey:
  key_algorithm: EC
  dname: "CN=Release, O=Example"
`), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", c.Log.Level)
	assert.Equal(t, "/var/log/zipsigner.log", c.Log.File)
	assert.Equal(t, "v1,v2", c.Sign.Schemes)
	assert.Equal(t, "SHA256withRSA", c.Sign.SignatureAlgorithm)
	assert.Equal(t, 3, c.Sign.Jobs)
	assert.Equal(t, "release.jks", c.Keystore.Path)
	assert.Equal(t, "release", c.Keystore.Alias)
	assert.Equal(t, "jks", c.Keystore.Type)
	assert.Equal(t, "EC", c.Genkey.KeyAlgorithm)
	assert.Equal(t, "CN=Release, O=Example", c.Genkey.DName)
	assert.Equal(t, 30, c.Genkey.ValidityYears)
}

func TestLoadInvalid(t *testing.T) {
	for name, content := range map[string]string{
		"syntax":    "log: [",
		"schemes":   "sign:\n  schemes: v4\n",
		"algorithm": "sign:\n  signature_algorithm: MD5withRSA\n",
		"type":      "keystore:\n  type: jceks\n",
		"key":       "genkey:\n  key_algorithm: DSA\n",
		"dname":     "genkey:\n  dname: \"XX=1\"\n",
	} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}
