package apksigner

import (
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/avast/apkparser"

	"github.com/avast/apksigner/apilevel"
	"github.com/avast/apksigner/errdefs"
	"github.com/avast/apksigner/signingblock"
)

// VerifyResult holds what Verify found in a signed archive.
type VerifyResult struct {
	// SigningBlock is set when the archive has an APK Signing Block.
	SigningBlock *signingblock.VerificationResult
	SchemeV1     bool

	// SignerCerts are the verified chains, leaf first, of the strongest scheme present.
	SignerCerts [][]*x509.Certificate
}

// Schemes lists the verified schemes.
func (r *VerifyResult) Schemes() Schemes {
	var s Schemes
	if r.SchemeV1 {
		s |= SchemeV1
	}
	if r.SigningBlock != nil {
		switch r.SigningBlock.SchemeId {
		case signingblock.SchemeIdV2:
			s |= SchemeV2
		case signingblock.SchemeIdV3:
			s |= SchemeV3
		}
	}
	return s
}

var ErrMixedDexApkFile = errors.New("This file is both DEX and ZIP archive! Exploit?")

const (
	dexHeaderMagic uint32 = 0xa786564 // "dex\n", littleendinan
)

// Verify checks the APK Signing Block, if present, and the JAR signature, if
// present, against the minSdkVersion declared by the archive. A JAR signature
// announcing v2 while the signing block is missing is rejected. If err is not
// nil, res may still hold whatever certificates were extracted.
func Verify(path string) (res VerifyResult, err error) {
	info, err := inspectArchive(path)
	if err != nil {
		return res, err
	}

	fileMagic, err := readMagic(path)
	if err != nil {
		return res, errdefs.New(errdefs.CodeArchiveReadFailed, fmt.Sprintf("read %s", path), err)
	}

	block, blockErr := signingblock.VerifySigningBlock(path, info.MinSdkVersion, apilevel.V_AnyMax)
	switch {
	case blockErr == nil:
		res.SigningBlock = block
		res.SignerCerts = block.Certs
	case !signingblock.IsSigningBlockNotFoundError(blockErr):
		res.SigningBlock = block
		return res, errdefs.New(errdefs.CodeVerificationFailed, "APK signing block", blockErr)
	}

	apk, err := apkparser.OpenZip(path)
	if err != nil {
		return res, errdefs.New(errdefs.CodeArchiveReadFailed, fmt.Sprintf("open %s", path), err)
	}
	defer apk.Close()

	if !hasSchemeV1(apk) {
		if res.SigningBlock == nil {
			return res, errdefs.New(errdefs.CodeVerificationFailed, "archive is not signed", nil)
		}
	} else {
		v1Certs, err := verifySchemeV1(apk, res.SigningBlock != nil, info.MinSdkVersion, apilevel.V_AnyMax)
		if res.SigningBlock == nil {
			res.SignerCerts = v1Certs
		}
		if err != nil {
			return res, errdefs.New(errdefs.CodeVerificationFailed, "JAR signature", err)
		}
		res.SchemeV1 = true

		if res.SigningBlock != nil && !certChainsMatch(leaves(v1Certs), leaves(res.SigningBlock.Certs)) {
			return res, errdefs.New(errdefs.CodeVerificationFailed, "JAR signers differ from APK signing block signers", nil)
		}
	}

	if fileMagic == dexHeaderMagic {
		return res, errdefs.New(errdefs.CodeVerificationFailed, path, ErrMixedDexApkFile)
	}
	return res, nil
}

func leaves(chains [][]*x509.Certificate) [][]*x509.Certificate {
	res := make([][]*x509.Certificate, 0, len(chains))
	for _, c := range chains {
		if len(c) != 0 {
			res = append(res, c[:1])
		}
	}
	return res
}

func readMagic(path string) (uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var magic uint32
	if err := binary.Read(f, binary.LittleEndian, &magic); err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && err != io.EOF {
		return 0, err
	}
	return magic, nil
}
