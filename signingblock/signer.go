package signingblock

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/binary"
	"fmt"
)

// SignatureAlgorithm is a v2/v3 signature algorithm identifier.
type SignatureAlgorithm int32

const (
	SigRsaPssWithSha256      SignatureAlgorithm = 0x0101
	SigRsaPssWithSha512      SignatureAlgorithm = 0x0102
	SigRsaPkcs1V15WithSha256 SignatureAlgorithm = 0x0103
	SigRsaPkcs1V15WithSha512 SignatureAlgorithm = 0x0104
	SigEcdsaWithSha256       SignatureAlgorithm = 0x0201
	SigEcdsaWithSha512       SignatureAlgorithm = 0x0202
)

func (algo SignatureAlgorithm) String() string {
	switch algo {
	case SigRsaPssWithSha256:
		return "SigRsaPssWithSha256"
	case SigRsaPssWithSha512:
		return "SigRsaPssWithSha512"
	case SigRsaPkcs1V15WithSha256:
		return "SigRsaPkcs1V15WithSha256"
	case SigRsaPkcs1V15WithSha512:
		return "SigRsaPkcs1V15WithSha512"
	case SigEcdsaWithSha256:
		return "SigEcdsaWithSha256"
	case SigEcdsaWithSha512:
		return "SigEcdsaWithSha512"
	}
	return fmt.Sprintf("0x%04x", uint32(algo))
}

func (algo SignatureAlgorithm) isSupported() bool {
	switch algo {
	case SigRsaPssWithSha256, SigRsaPssWithSha512,
		SigRsaPkcs1V15WithSha256, SigRsaPkcs1V15WithSha512,
		SigEcdsaWithSha256, SigEcdsaWithSha512:
		return true
	}
	return false
}

func (algo SignatureAlgorithm) getDigestType() crypto.Hash {
	switch algo {
	case SigRsaPssWithSha256, SigRsaPkcs1V15WithSha256, SigEcdsaWithSha256:
		return crypto.SHA256
	case SigRsaPssWithSha512, SigRsaPkcs1V15WithSha512, SigEcdsaWithSha512:
		return crypto.SHA512
	}
	panic(fmt.Sprintf("unknown signature algorithm 0x%x", uint32(algo)))
}

// AlgorithmFor picks the algorithm apksigner uses for a key: PKCS#1 v1.5
// with SHA-256 up to 3072-bit RSA and SHA-512 above, ECDSA with SHA-256 on
// P-256 and SHA-512 on larger curves.
func AlgorithmFor(pub crypto.PublicKey) (SignatureAlgorithm, error) {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		if k.N.BitLen() <= 3072 {
			return SigRsaPkcs1V15WithSha256, nil
		}
		return SigRsaPkcs1V15WithSha512, nil
	case *ecdsa.PublicKey:
		if k.Curve.Params().BitSize <= 256 {
			return SigEcdsaWithSha256, nil
		}
		return SigEcdsaWithSha512, nil
	}
	return 0, fmt.Errorf("unsupported public key type %T", pub)
}

type signerContext struct {
	result *VerificationResult

	bestAlgo          SignatureAlgorithm
	bestAlgoSignature []byte
	signaturesAlgos   []SignatureAlgorithm

	publicKeyBytes []byte
}

func (s *signerContext) parseSignatures(signaturesSlice *bytes.Buffer) (success bool) {
	s.bestAlgo = -1
	signatureCount := 0
	for signaturesSlice.Len() > 0 {
		signatureCount++

		signature, err := getLengthPrefixedSlice(signaturesSlice)
		if err != nil {
			s.result.addError("failed to parse signature record #%d: %s", signatureCount, err.Error())
			return
		}

		if signature.Len() < 8 {
			s.result.addError("signature record %d is too short", signatureCount)
			return
		}

		var algo SignatureAlgorithm
		binary.Read(signature, binary.LittleEndian, &algo)

		s.signaturesAlgos = append(s.signaturesAlgos, algo)
		if !algo.isSupported() {
			s.result.addWarning("signature %d is using unsupported algorithm %s", signatureCount, algo)
			continue
		}

		if s.bestAlgo == -1 || compareAlgos(algo, s.bestAlgo) > 0 {
			sigBytes, err := getLengthPrefixedSlice(signature)
			if err != nil {
				s.result.addError("failed to read signature bytes from signature record #%d: %s", signatureCount, err.Error())
				return
			}
			s.bestAlgo = algo
			s.bestAlgoSignature = sigBytes.Bytes()
		}
	}

	if s.bestAlgo == -1 {
		if signatureCount == 0 {
			s.result.addError("no signatures found")
		} else {
			s.result.addError("no supported signatures found")
		}
		return
	}

	s.result.Algorithms = append(s.result.Algorithms, s.bestAlgo)
	return true
}

func (s *signerContext) parsePublicKey(publicKeySlice *bytes.Buffer, signedDataBytes []byte) (success bool) {
	s.publicKeyBytes = publicKeySlice.Bytes()

	publicKey, err := x509.ParsePKIXPublicKey(s.publicKeyBytes)
	if err != nil {
		s.result.addError("failed to parse public key: %s", err.Error())
		return
	}

	if err := verifySignature(publicKey, s.bestAlgo, signedDataBytes, s.bestAlgoSignature); err != nil {
		s.result.addError("failed to verify signature of type %s: %s", s.bestAlgo, err.Error())
		return
	}
	return true
}

func (s *signerContext) parseCertificates(certificatesSlice *bytes.Buffer) (mainCert *x509.Certificate, success bool) {
	certAdder := s.result.getCertAdder()
	certificateCount := 0
	for certificatesSlice.Len() > 0 {
		certificateCount++
		encodedCert, err := getLengthPrefixedSlice(certificatesSlice)
		if err != nil {
			s.result.addError("failed to read certificate #%d: %s", certificateCount, err.Error())
			return
		}

		cert, err := x509.ParseCertificate(encodedCert.Bytes())
		if err != nil {
			s.result.addError("failed to parse certificate #%d: %s", certificateCount, err.Error())
			return
		}
		certAdder.append(cert)
	}

	if len(certAdder.Certs) == 0 {
		s.result.addError("no certificates listed")
		return
	}

	mainCert = certAdder.Certs[0]
	if !bytes.Equal(mainCert.RawSubjectPublicKeyInfo, s.publicKeyBytes) {
		s.result.addError("public key mismatch between certificate and signature record")
		return
	}
	return mainCert, true
}

func (s *signerContext) parseDigests(digestsSlice *bytes.Buffer, contentDigests map[crypto.Hash][]byte) (success bool) {
	var contentDigest []byte
	var digestSigAlgorithms []SignatureAlgorithm
	digestCount := 0
	for digestsSlice.Len() > 0 {
		digestCount++

		digest, err := getLengthPrefixedSlice(digestsSlice)
		if err != nil {
			s.result.addError("failed to parse digest #%d: %s", digestCount, err.Error())
			return
		} else if digest.Len() < 8 {
			s.result.addError("failed to parse digest #%d: record too short", digestCount)
			return
		}

		var sigAlgorithm SignatureAlgorithm
		binary.Read(digest, binary.LittleEndian, &sigAlgorithm)
		digestSigAlgorithms = append(digestSigAlgorithms, sigAlgorithm)
		if sigAlgorithm == s.bestAlgo {
			cd, err := getLengthPrefixedSlice(digest)
			if err != nil {
				s.result.addError("failed to read content digest for digest #%d: %s", digestCount, err.Error())
				return
			}
			contentDigest = cd.Bytes()
		}
	}

	algosEqual := len(digestSigAlgorithms) == len(s.signaturesAlgos)
	for i := 0; algosEqual && i < len(digestSigAlgorithms); i++ {
		algosEqual = digestSigAlgorithms[i] == s.signaturesAlgos[i]
	}

	if !algosEqual {
		s.result.addError("signature algorithms don't match between digests and signatures records")
		return
	}

	digestAlgorithm := s.bestAlgo.getDigestType()
	previousSignerDigest := contentDigests[digestAlgorithm]
	contentDigests[digestAlgorithm] = contentDigest
	if previousSignerDigest != nil && !bytes.Equal(previousSignerDigest, contentDigest) {
		s.result.addError("%s contents digest does not match the digest specified by a preceding signer", digestAlgorithm)
		return
	}
	return true
}

// compareAlgos orders algorithms by digest strength.
func compareAlgos(a, b SignatureAlgorithm) int {
	return a.getDigestType().Size() - b.getDigestType().Size()
}
