package apksigner

import (
	"crypto"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"

	"github.com/avast/apksigner/apilevel"
	"github.com/avast/apksigner/errdefs"
	"github.com/avast/apksigner/identity"
	"github.com/avast/apksigner/signingblock"
)

// ModernSigningRequest is what a ModernSigner gets: the resolved signer and
// the schemes to produce. OutputPath is a scratch file owned by the Signer.
type ModernSigningRequest struct {
	InputPath  string
	OutputPath string

	Name         string
	PrivateKey   crypto.Signer
	Certificates []*x509.Certificate

	V1SigningEnabled     bool
	V2SigningEnabled     bool
	V3SigningEnabled     bool
	V1SignatureAlgorithm identity.SignatureAlgorithm

	MinSdkVersion apilevel.Level
}

// ModernSigner produces APKs carrying an APK Signing Block. The Signer only
// observes the returned error and the file at OutputPath.
type ModernSigner interface {
	SignApk(req ModernSigningRequest) error
}

// apkSigner is the default ModernSigner: an optional JAR signature that
// announces the v2/v3 schemes, followed by the APK Signing Block.
type apkSigner struct {
	createdBy string
}

func (a *apkSigner) SignApk(req ModernSigningRequest) error {
	if !req.V2SigningEnabled && !req.V3SigningEnabled {
		return errdefs.New(errdefs.CodeInvalidRequest, "modern signing without v2 or v3", nil)
	}

	blockInput := req.InputPath
	if req.V1SigningEnabled {
		tmp, err := os.CreateTemp(filepath.Dir(req.OutputPath), ".v1-*.apk")
		if err != nil {
			return errdefs.New(errdefs.CodeOutputWriteFailed, "create intermediate file", err)
		}
		tmp.Close()
		defer os.Remove(tmp.Name())

		var schemes []int
		if req.V2SigningEnabled {
			schemes = append(schemes, signingblock.SchemeIdV2)
		}
		if req.V3SigningEnabled {
			schemes = append(schemes, signingblock.SchemeIdV3)
		}

		err = signSchemeV1File(req.InputPath, tmp.Name(), schemeV1Config{
			identity: &identity.KeyIdentity{
				Name:             req.Name,
				PrivateKey:       req.PrivateKey,
				CertificateChain: req.Certificates,
			},
			algorithm:     req.V1SignatureAlgorithm,
			createdBy:     a.createdBy,
			signedSchemes: schemes,
		})
		if err != nil {
			return err
		}
		blockInput = tmp.Name()
	}

	err := signingblock.SignFile(blockInput, req.OutputPath, signingblock.Config{
		Signers: []signingblock.SignerConfig{{
			PrivateKey:   req.PrivateKey,
			Certificates: req.Certificates,
		}},
		V2:            req.V2SigningEnabled,
		V3:            req.V3SigningEnabled,
		MinSdkVersion: req.MinSdkVersion,
	})
	if err != nil {
		return errdefs.New(errdefs.CodeSigningOperationFailed, fmt.Sprintf("APK signing block for %s", req.InputPath), err)
	}
	return nil
}
