package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resetFlags undoes the flag state a previous Execute left behind.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)

	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestInitCommands(t *testing.T) {
	helpFlag := "-h"
	commandArgs := [][]string{{"root", helpFlag}}
	for _, command := range rootCmd.Commands() {
		commandArgs = append(commandArgs, []string{command.Name(), command.Name(), helpFlag})
	}

	for _, args := range commandArgs {
		t.Run(fmt.Sprintf("Testing Command %s", args[0]), func(t *testing.T) {
			defer func() {
				err := recover()
				if err != nil {
					t.Fatalf("got an panic error while running the command: %s -h. Error: %s", args[0], err)
				}
			}()

			if _, err := execute(t, args[1:]...); err != nil {
				t.Errorf("expected no error while running %s command, got %v", args[0], err)
			}
		})
	}
}

func TestSetFlagsFromEnvVars(t *testing.T) {
	var (
		name string
		jobs int
	)
	var cmd = &cobra.Command{
		Use:          "zipsigner",
		SilenceUsage: true,
		Run: func(cmd *cobra.Command, args []string) {
			SetFlagsFromEnvVars(cmd)
		},
	}
	cmd.PersistentFlags().StringVar(&name, "ks-key-alias", "", "alias")
	cmd.Flags().IntVar(&jobs, "jobs", 1, "jobs")

	t.Setenv("ZS_KS_KEY_ALIAS", "release")
	t.Setenv("ZS_JOBS", "4")

	cmd.SetArgs([]string{})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "release", name)
	assert.Equal(t, 4, jobs)
	assert.True(t, cmd.Flags().Changed("jobs"))
}

func TestFlagNameToEnvVar(t *testing.T) {
	assert.Equal(t, "ZS_KS_PASS", FlagNameToEnvVar("ks-pass", envPrefix))
	assert.Equal(t, "ZS_LOG_LEVEL", FlagNameToEnvVar("log-level", envPrefix))
}

func TestSignedOutputPath(t *testing.T) {
	assert.Equal(t, "app-signed.apk", signedOutputPath("app.apk"))
	assert.Equal(t, filepath.Join("out", "bundle-signed.zip"), signedOutputPath(filepath.Join("out", "bundle.zip")))
	assert.Equal(t, "archive-signed", signedOutputPath("archive"))
	assert.Equal(t, "a.b-signed.jar", signedOutputPath("a.b.jar"))
}

func writeTestApk(t *testing.T, path string) {
	t.Helper()

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)
	for name, data := range map[string]string{
		"AndroidManifest.xml": "not binary xml",
		"classes.dex":         "dex\n035\x00",
		"res/raw/a.txt":       "a",
	} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = io.WriteString(w, data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
}

func TestGenkeySignVerify(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	ks := filepath.Join(dir, "release.p12")

	out, err := execute(t, "--config", cfgPath, "genkey", "--ks", ks, "--ks-pass", "pass:storepass",
		"--alias", "release", "--key-alg", "EC", "--dname", "CN=Release, O=Example")
	require.NoError(t, err)
	assert.Contains(t, out, `Generated EC key "release"`)
	assert.Contains(t, out, "O=Example, CN=Release")

	_, err = execute(t, "--config", cfgPath, "genkey", "--ks", ks, "--ks-pass", "pass:storepass", "--alias", "release")
	assert.Error(t, err, "an existing keystore must not be overwritten")

	out, err = execute(t, "--config", cfgPath, "inspect", "--ks", ks, "--ks-pass", "pass:storepass")
	require.NoError(t, err)
	assert.Contains(t, out, "PKCS12")
	// PKCS12 containers carry no alias; their single entry is listed as "1".
	assert.Contains(t, out, "Alias:      1")
	assert.Contains(t, out, "CN=Release")

	inputs := []string{filepath.Join(dir, "one.apk"), filepath.Join(dir, "two.apk")}
	for _, in := range inputs {
		writeTestApk(t, in)
	}

	t.Setenv("ZS_KS_PASS", "env:TEST_STORE_PASS")
	t.Setenv("TEST_STORE_PASS", "storepass")
	out, err = execute(t, "--config", cfgPath, "sign", "--ks", ks, "--ks-key-alias", "release", "--jobs", "2", inputs[0], inputs[1])
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(out, "(v1,v2,v3, SHA256withECDSA)"), out)

	signed := []string{signedOutputPath(inputs[0]), signedOutputPath(inputs[1])}
	out, err = execute(t, "--config", cfgPath, "verify", signed[0], signed[1])
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(out, "verified (v1,v3)"), out)
	assert.Contains(t, out, "CN=Release")

	out, err = execute(t, "--config", cfgPath, "verify", inputs[0])
	assert.Error(t, err)
	assert.Contains(t, out, "FAILED")
}

func TestSignRejectsOutWithManyInputs(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, "--config", filepath.Join(dir, "config.yaml"), "sign", "--builtin", "testkey",
		"--out", filepath.Join(dir, "x.apk"), filepath.Join(dir, "a.apk"), filepath.Join(dir, "b.apk"))
	assert.ErrorContains(t, err, "single input")
}

func TestSignNeedsKey(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, "--config", filepath.Join(dir, "config.yaml"), "sign", filepath.Join(dir, "a.apk"))
	assert.ErrorContains(t, err, "--ks")
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "--config", filepath.Join(t.TempDir(), "config.yaml"), "version")
	require.NoError(t, err)
	assert.Contains(t, out, version)
}
