// Package apksigner signs Android packages and plain zip archives with the
// JAR (v1) signature scheme and the APK Signature Scheme v2/v3, and verifies
// the result.
package apksigner

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/avast/apksigner/apilevel"
	"github.com/avast/apksigner/errdefs"
	"github.com/avast/apksigner/identity"
	"github.com/avast/apksigner/keystore"
)

// State is a step of a signing operation.
type State int

const (
	StateIdle State = iota
	StateKeyResolving
	StateSigningLegacy
	StateSigningModern
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateKeyResolving:
		return "KeyResolving"
	case StateSigningLegacy:
		return "Signing(legacy)"
	case StateSigningModern:
		return "Signing(modern)"
	case StateDone:
		return "Done"
	case StateFailed:
		return "Failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// StateObserver is called on every state transition of a request. Calls for
// one request are sequential; concurrent requests call it concurrently.
type StateObserver func(req *SigningRequest, st State)

// Result describes a finished signing operation.
type Result struct {
	InputPath  string
	OutputPath string

	// Schemes that were actually produced.
	Schemes            Schemes
	SignatureAlgorithm identity.SignatureAlgorithm

	// Err is only set by SignAsync.
	Err error
}

type Option func(*Signer)

// WithLogger sets the logger. The default discards everything.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Signer) {
		s.log = log
	}
}

func WithStateObserver(fn StateObserver) Option {
	return func(s *Signer) {
		s.observer = fn
	}
}

// WithModernSigner replaces the v2/v3 implementation.
func WithModernSigner(m ModernSigner) Option {
	return func(s *Signer) {
		s.modern = m
	}
}

// WithBuiltInKeys sets the store of test identities. The default lives under
// DefaultBuiltInKeysPath.
func WithBuiltInKeys(b *BuiltInKeys) Option {
	return func(s *Signer) {
		s.builtin = b
	}
}

// WithCreatedBy sets the Created-By attribute of JAR manifests.
func WithCreatedBy(createdBy string) Option {
	return func(s *Signer) {
		s.createdBy = createdBy
	}
}

// Signer routes signing requests to the JAR signer or the ModernSigner and
// commits the output atomically. It is safe for concurrent use.
type Signer struct {
	log       logrus.FieldLogger
	observer  StateObserver
	modern    ModernSigner
	createdBy string

	builtinOnce sync.Once
	builtin     *BuiltInKeys
	builtinErr  error

	// commit moves the finished scratch file to the requested output path.
	commit func(tmp, dst string) error
}

func NewSigner(opts ...Option) *Signer {
	discard := logrus.New()
	discard.SetOutput(io.Discard)

	s := &Signer{
		log:       discard,
		createdBy: defaultCreatedBy,
		commit:    os.Rename,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.modern == nil {
		s.modern = &apkSigner{createdBy: s.createdBy}
	}
	return s
}

// Sign runs req to completion. On failure the output path is left untouched.
func (s *Signer) Sign(req SigningRequest) (*Result, error) {
	log := s.log.WithFields(logrus.Fields{
		"input":  req.InputPath,
		"output": req.OutputPath,
	})

	s.notify(&req, StateIdle)
	res, err := s.sign(&req, log)
	if err != nil {
		s.notify(&req, StateFailed)
		log.WithError(err).Debug("signing failed")
		return nil, err
	}

	s.notify(&req, StateDone)
	log.WithFields(logrus.Fields{
		"schemes":   res.Schemes.String(),
		"algorithm": res.SignatureAlgorithm,
	}).Info("signed")
	return res, nil
}

// SignAsync runs req on its own goroutine and delivers exactly one Result on
// the returned channel. Cancelling ctx does not interrupt the operation; it
// only tells the signer nobody is waiting any more.
func (s *Signer) SignAsync(ctx context.Context, req SigningRequest) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		defer close(ch)

		res, err := s.Sign(req)
		if err != nil {
			res = &Result{InputPath: req.InputPath, OutputPath: req.OutputPath, Err: err}
		}
		if ctx.Err() != nil {
			s.log.WithField("input", req.InputPath).Debug("signing finished after the caller stopped waiting")
		}
		ch <- *res
	}()
	return ch
}

func (s *Signer) notify(req *SigningRequest, st State) {
	if s.observer != nil {
		s.observer(req, st)
	}
}

func (s *Signer) sign(req *SigningRequest, log logrus.FieldLogger) (*Result, error) {
	s.notify(req, StateKeyResolving)
	if err := req.Validate(); err != nil {
		return nil, err
	}

	info, err := inspectArchive(req.InputPath)
	if err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"apk":           info.IsApk,
		"package":       info.PackageName,
		"minSdkVersion": int32(info.MinSdkVersion),
	}).Debug("inspected input")

	id, owned, err := s.resolveKey(req.KeySource)
	if err != nil {
		return nil, err
	}
	if owned {
		defer id.Release()
	}

	_, builtin := req.KeySource.(BuiltInKey)
	alg, err := signatureAlgorithmFor(req, id, info, builtin)
	if err != nil {
		return nil, err
	}
	if builtin && req.SignatureAlgorithm != "" && req.SignatureAlgorithm != alg {
		log.Warnf("built-in keys always sign with %s, ignoring %s", alg, req.SignatureAlgorithm)
	}

	schemes := req.Schemes & AllSchemes
	modern := schemes.Modern() && info.IsApk && req.KeySource.external()
	if !modern {
		if schemes.Modern() {
			reason := "the input is not an APK"
			if !req.KeySource.external() {
				reason = "built-in keys only support the v1 scheme"
			}
			log.Warnf("v2/v3 signing requested but %s, falling back to v1", reason)
		}
		schemes = SchemeV1
	}

	out := req.OutputPath
	tmp, err := os.CreateTemp(filepath.Dir(out), "."+filepath.Base(out)+".*.tmp")
	if err != nil {
		return nil, errdefs.New(errdefs.CodeOutputWriteFailed, fmt.Sprintf("create scratch file next to %s", out), err)
	}
	tmpPath := tmp.Name()
	tmp.Close()

	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if modern {
		s.notify(req, StateSigningModern)
		err = s.modern.SignApk(ModernSigningRequest{
			InputPath:            req.InputPath,
			OutputPath:           tmpPath,
			Name:                 id.Name,
			PrivateKey:           id.PrivateKey,
			Certificates:         id.CertificateChain,
			V1SigningEnabled:     schemes.Has(SchemeV1),
			V2SigningEnabled:     schemes.Has(SchemeV2),
			V3SigningEnabled:     schemes.Has(SchemeV3),
			V1SignatureAlgorithm: alg,
			MinSdkVersion:        info.MinSdkVersion,
		})
	} else {
		s.notify(req, StateSigningLegacy)
		err = signSchemeV1File(req.InputPath, tmpPath, schemeV1Config{
			identity:  id,
			algorithm: alg,
			createdBy: s.createdBy,
		})
	}
	if err != nil {
		if errdefs.CodeOf(err) == 0 {
			err = errdefs.New(errdefs.CodeSigningOperationFailed, fmt.Sprintf("sign %s", req.InputPath), err)
		}
		return nil, err
	}

	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return nil, errdefs.New(errdefs.CodeOutputWriteFailed, fmt.Sprintf("chmod %s", tmpPath), err)
	}
	if err := s.commit(tmpPath, out); err != nil {
		return nil, errdefs.New(errdefs.CodeOutputWriteFailed, fmt.Sprintf("commit %s", out), err)
	}
	committed = true

	return &Result{
		InputPath:          req.InputPath,
		OutputPath:         out,
		Schemes:            schemes,
		SignatureAlgorithm: alg,
	}, nil
}

// resolveKey returns the signing identity and whether the caller owns it.
func (s *Signer) resolveKey(src KeySource) (*identity.KeyIdentity, bool, error) {
	switch ks := src.(type) {
	case EmbeddedKey:
		if err := ks.Identity.Validate(); err != nil {
			return nil, false, err
		}
		return ks.Identity, false, nil
	case BuiltInKey:
		b, err := s.builtInKeys()
		if err != nil {
			return nil, false, err
		}
		id, err := b.Identity(ks.Name)
		return id, true, err
	case KeystoreKey:
		c, err := keystore.Load(ks.Path, ks.StorePassword)
		if err != nil {
			return nil, false, err
		}
		defer c.Close()

		id, err := c.Identity(ks.Alias, ks.KeyPassword)
		return id, true, err
	}
	return nil, false, errdefs.New(errdefs.CodeInvalidRequest, fmt.Sprintf("unsupported key source %T", src), nil)
}

func (s *Signer) builtInKeys() (*BuiltInKeys, error) {
	s.builtinOnce.Do(func() {
		if s.builtin != nil {
			return
		}

		path, err := DefaultBuiltInKeysPath()
		if err != nil {
			s.builtinErr = errdefs.New(errdefs.CodeKeystoreNotFound, "locate built-in keystore", err)
			return
		}
		s.builtin = &BuiltInKeys{Path: path}
	})
	return s.builtin, s.builtinErr
}

// DefaultSignatureAlgorithm is the JAR signature algorithm used when a request
// names none: SHA1withRSA for RSA keys on platforms before 4.3, SHA256withRSA
// after, and SHA256withECDSA for EC keys.
func DefaultSignatureAlgorithm(keyAlgorithm string, minSdkVersion apilevel.Level) identity.SignatureAlgorithm {
	if keyAlgorithm == identity.KeyAlgorithmEC {
		return identity.SHA256WithECDSA
	}
	if apilevel.SupportsSHA256Jar(minSdkVersion) {
		return identity.SHA256WithRSA
	}
	return identity.SHA1WithRSA
}

func signatureAlgorithmFor(req *SigningRequest, id *identity.KeyIdentity, info *archiveInfo, builtin bool) (identity.SignatureAlgorithm, error) {
	if builtin {
		return identity.SHA1WithRSA, nil
	}

	if req.SignatureAlgorithm == "" {
		return DefaultSignatureAlgorithm(id.KeyAlgorithm(), info.MinSdkVersion), nil
	}

	alg, err := identity.ParseSignatureAlgorithm(string(req.SignatureAlgorithm))
	if err != nil {
		return "", errdefs.New(errdefs.CodeInvalidRequest, "signature algorithm", err)
	}
	if !alg.CompatibleWith(id.PrivateKey.Public()) {
		return "", errdefs.New(errdefs.CodeInvalidRequest,
			fmt.Sprintf("signature algorithm %s cannot be used with %s key %q", alg, id.KeyAlgorithm(), id.Name), nil)
	}
	return alg, nil
}
