package signingblock

import (
	"crypto/x509"
	"fmt"

	"github.com/avast/apksigner/apilevel"
)

type VerificationResult struct {
	// One chain per signer, leaf first.
	Certs    [][]*x509.Certificate
	SchemeId int

	// Strongest verified algorithm of each signer.
	Algorithms []SignatureAlgorithm

	// Platform range covered by the v3 signers. Zero for v2.
	MinSdkVersion, MaxSdkVersion apilevel.Level

	// Blocks found in the signing block that are neither scheme blocks nor padding.
	// May be nil.
	ExtraBlocks map[uint32][]byte

	Warnings []string
	Errors   []error
}

type certAdder struct {
	Certs []*x509.Certificate

	res *VerificationResult
}

func (r *VerificationResult) addWarning(format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

func (r *VerificationResult) addError(format string, args ...interface{}) {
	r.Errors = append(r.Errors, fmt.Errorf(format, args...))
}

func (r *VerificationResult) ContainsErrors() bool {
	return len(r.Errors) != 0
}

func (r *VerificationResult) GetLastError() error {
	if l := len(r.Errors); l != 0 {
		return r.Errors[l-1]
	}
	return nil
}

func (r *VerificationResult) getCertAdder() certAdder {
	return certAdder{
		res: r,
	}
}

func (a *certAdder) append(cert *x509.Certificate) {
	a.Certs = append(a.Certs, cert)
	if len(a.Certs) == 1 {
		a.res.Certs = append(a.res.Certs, a.Certs)
	} else {
		idx := len(a.res.Certs) - 1
		a.res.Certs[idx] = a.Certs
	}
}
