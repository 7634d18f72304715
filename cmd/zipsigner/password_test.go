package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avast/apksigner/secret"
)

func plain(t *testing.T, pw *secret.Password) string {
	t.Helper()
	require.NotNil(t, pw)
	defer pw.Destroy()
	return string(pw.Copy())
}

func TestReadPassword(t *testing.T) {
	pw, err := readPassword("pass:hunter2", "")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", plain(t, pw))

	t.Setenv("ZS_TEST_PASSWORD", "from-env")
	pw, err = readPassword("env:ZS_TEST_PASSWORD", "")
	require.NoError(t, err)
	assert.Equal(t, "from-env", plain(t, pw))

	_, err = readPassword("env:ZS_TEST_PASSWORD_UNSET", "")
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "pw.txt")
	require.NoError(t, os.WriteFile(path, []byte("from-file\r\nignored\n"), 0o600))
	pw, err = readPassword("file:"+path, "")
	require.NoError(t, err)
	assert.Equal(t, "from-file", plain(t, pw))

	_, err = readPassword("file:"+path+".missing", "")
	assert.Error(t, err)

	_, err = readPassword("hunter2", "")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "hunter2")

	_, err = readPassword("plain:hunter2", "")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "hunter2")
}

func TestReadPasswordStdin(t *testing.T) {
	oldStdin, oldTerminal, oldLines := stdin, stdinIsTerminal, stdinLines
	t.Cleanup(func() { stdin, stdinIsTerminal, stdinLines = oldStdin, oldTerminal, oldLines })

	stdin = strings.NewReader("first\nsecond")
	stdinIsTerminal = func() bool { return false }
	stdinLines = nil

	pw, err := readPassword("stdin", "Password: ")
	require.NoError(t, err)
	assert.Equal(t, "first", plain(t, pw))

	pw, err = readPassword("", "Password: ")
	require.NoError(t, err)
	assert.Equal(t, "second", plain(t, pw))

	_, err = readPassword("stdin", "Password: ")
	assert.Error(t, err)
}
