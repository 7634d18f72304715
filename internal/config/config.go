// Package config holds the zipsigner CLI defaults read from a YAML file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/avast/apksigner"
	"github.com/avast/apksigner/identity"
	"github.com/avast/apksigner/keystore"
)

const fileName = "config.yaml"

// Config mirrors the CLI flags. Passwords are never read from the file.
type Config struct {
	Log struct {
		// panic | fatal | error | warn | info | debug | trace
		Level string `yaml:"level"`
		// path of a rotated log file, "console" or empty for stderr
		File string `yaml:"file"`
	} `yaml:"log"`

	Sign struct {
		Schemes            string `yaml:"schemes"`
		SignatureAlgorithm string `yaml:"signature_algorithm"`
		Jobs               int    `yaml:"jobs"`
		CreatedBy          string `yaml:"created_by"`
	} `yaml:"sign"`

	Keystore struct {
		Path  string `yaml:"path"`
		Alias string `yaml:"alias"`
		Type  string `yaml:"type"`
	} `yaml:"keystore"`

	BuiltIn struct {
		Path string `yaml:"path"`
	} `yaml:"builtin"`

	Genkey struct {
		KeyAlgorithm  string `yaml:"key_algorithm"`
		KeySize       int    `yaml:"key_size"`
		ValidityYears int    `yaml:"validity_years"`
		DName         string `yaml:"dname"`
	} `yaml:"genkey"`
}

// DefaultPath is config.yaml in the zipsigner directory under the user
// configuration directory.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "zipsigner", fileName), nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	var c Config
	c.applyDefaults()
	return &c
}

// Load reads the YAML file at path. A missing file yields Default.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, err
	}

	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	c.applyDefaults()

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Sign.Schemes == "" {
		c.Sign.Schemes = "v1,v2,v3"
	}
	if c.Sign.Jobs <= 0 {
		c.Sign.Jobs = runtime.NumCPU()
	}
	if c.Keystore.Type == "" {
		c.Keystore.Type = keystore.FormatPKCS12.String()
	}
	if c.Genkey.KeyAlgorithm == "" {
		c.Genkey.KeyAlgorithm = identity.DefaultKeyAlgorithm
	}
	if c.Genkey.ValidityYears <= 0 {
		c.Genkey.ValidityYears = identity.DefaultValidityYears
	}
	if c.Genkey.DName == "" {
		c.Genkey.DName = "CN=Android Debug, O=Android, C=US"
	}
}

// Validate rejects values the CLI could not use.
func (c *Config) Validate() error {
	if _, err := apksigner.ParseSchemes(c.Sign.Schemes); err != nil {
		return fmt.Errorf("sign.schemes: %w", err)
	}
	if c.Sign.SignatureAlgorithm != "" {
		if _, err := identity.ParseSignatureAlgorithm(c.Sign.SignatureAlgorithm); err != nil {
			return fmt.Errorf("sign.signature_algorithm: %w", err)
		}
	}
	if _, err := keystore.ParseFormat(c.Keystore.Type); err != nil {
		return fmt.Errorf("keystore.type: %w", err)
	}
	switch strings.ToUpper(c.Genkey.KeyAlgorithm) {
	case identity.KeyAlgorithmRSA, identity.KeyAlgorithmEC, "ECDSA":
	default:
		return fmt.Errorf("genkey.key_algorithm: unsupported key algorithm %q", c.Genkey.KeyAlgorithm)
	}
	if _, err := identity.ParseDistinguishedName(c.Genkey.DName); err != nil {
		return fmt.Errorf("genkey.dname: %w", err)
	}
	return nil
}
