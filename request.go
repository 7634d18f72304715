package apksigner

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/avast/apksigner/errdefs"
	"github.com/avast/apksigner/identity"
	"github.com/avast/apksigner/secret"
)

// Schemes is a set of signature schemes.
type Schemes uint8

const (
	SchemeV1 Schemes = 1 << iota
	SchemeV2
	SchemeV3

	AllSchemes = SchemeV1 | SchemeV2 | SchemeV3
)

// Has reports whether every scheme of o is in s.
func (s Schemes) Has(o Schemes) bool {
	return s&o == o
}

// Modern reports whether v2 or v3 is in s.
func (s Schemes) Modern() bool {
	return s&(SchemeV2|SchemeV3) != 0
}

func (s Schemes) String() string {
	var parts []string
	for i, name := range []string{"v1", "v2", "v3"} {
		if s&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}

// ParseSchemes parses a comma separated list like "v1,v2,v3". "all" selects every scheme.
func ParseSchemes(s string) (Schemes, error) {
	var res Schemes
	for _, tok := range strings.Split(s, ",") {
		switch strings.ToLower(strings.TrimSpace(tok)) {
		case "":
		case "v1", "1", "jar":
			res |= SchemeV1
		case "v2", "2":
			res |= SchemeV2
		case "v3", "3":
			res |= SchemeV3
		case "all":
			res |= AllSchemes
		default:
			return 0, fmt.Errorf("unknown signature scheme %q", tok)
		}
	}
	return res, nil
}

// KeySource is one of EmbeddedKey, BuiltInKey or KeystoreKey.
type KeySource interface {
	// external reports whether the key comes from outside this program and may
	// be used for APK Signature Scheme v2/v3.
	external() bool
}

// EmbeddedKey signs with an identity the caller already holds. The signer
// does not release it.
type EmbeddedKey struct {
	Identity *identity.KeyIdentity
}

// BuiltInKey selects one of the test identities, see BuiltInKeyNames.
type BuiltInKey struct {
	Name string
}

// KeystoreKey selects a key entry of a keystore file. A nil KeyPassword means
// the key is protected by the store password.
type KeystoreKey struct {
	Path          string
	Alias         string
	StorePassword *secret.Password
	KeyPassword   *secret.Password
}

func (EmbeddedKey) external() bool { return true }
func (BuiltInKey) external() bool  { return false }
func (KeystoreKey) external() bool { return true }

// SigningRequest is a single signing operation. SignatureAlgorithm may be
// empty to pick one from the key type and the APK's minSdkVersion.
type SigningRequest struct {
	InputPath          string
	OutputPath         string
	KeySource          KeySource
	Schemes            Schemes
	SignatureAlgorithm identity.SignatureAlgorithm
}

// Validate checks the request invariants. All failures are InvalidRequest.
func (r *SigningRequest) Validate() error {
	invalid := func(format string, args ...any) error {
		return errdefs.New(errdefs.CodeInvalidRequest, fmt.Sprintf(format, args...), nil)
	}

	if r.InputPath == "" {
		return invalid("missing input path")
	}
	if r.OutputPath == "" {
		return invalid("missing output path")
	}

	in, err := filepath.Abs(r.InputPath)
	if err != nil {
		return errdefs.New(errdefs.CodeInvalidRequest, "resolve input path", err)
	}
	out, err := filepath.Abs(r.OutputPath)
	if err != nil {
		return errdefs.New(errdefs.CodeInvalidRequest, "resolve output path", err)
	}
	if in == out {
		return invalid("input and output are the same file: %s", in)
	}

	if r.Schemes&AllSchemes == 0 {
		return invalid("no signature scheme enabled")
	}

	switch ks := r.KeySource.(type) {
	case nil:
		return invalid("missing key source")
	case EmbeddedKey:
		if ks.Identity == nil {
			return invalid("embedded key source without identity")
		}
	case BuiltInKey:
		if !isBuiltInKeyName(ks.Name) {
			return invalid("unknown built-in key %q, expected one of %s", ks.Name, strings.Join(BuiltInKeyNames, ", "))
		}
	case KeystoreKey:
		if ks.Path == "" || ks.Alias == "" {
			return invalid("keystore key source needs a path and an alias")
		}
	}

	if r.SignatureAlgorithm != "" && !r.SignatureAlgorithm.Valid() {
		return invalid("unsupported signature algorithm %q", r.SignatureAlgorithm)
	}
	return nil
}
