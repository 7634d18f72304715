// Package errdefs defines the error taxonomy shared by every signing component.
//
// All errors surfaced by keystore loading, identity issuance and signing carry
// an ErrorCode so callers can react to the failure category without parsing
// messages.
package errdefs

import "errors"

// ErrorCode identifies the category of a signing error.
type ErrorCode int

const (
	// CodeKeystoreNotFound means the keystore path does not exist.
	CodeKeystoreNotFound ErrorCode = iota + 1
	// CodeKeystoreFormatUnrecognized means no supported container format could parse the file.
	CodeKeystoreFormatUnrecognized
	// CodeKeystoreDecryptFailed means the container was recognized but the password was rejected.
	CodeKeystoreDecryptFailed
	// CodeKeyNotFoundForAlias means the container has no key entry for the alias.
	CodeKeyNotFoundForAlias
	// CodeCertificateChainMissing means the key entry carries no certificates.
	CodeCertificateChainMissing
	// CodeKeyGenerationFailed means a new key pair could not be generated.
	CodeKeyGenerationFailed
	// CodeCertificateBuildFailed means a certificate could not be built or self-signed.
	CodeCertificateBuildFailed
	// CodeSigningOperationFailed means producing a signature or signed archive failed.
	CodeSigningOperationFailed
	// CodeDestinationAlreadyExists means a create operation targeted an existing file.
	CodeDestinationAlreadyExists
	// CodeOutputWriteFailed means the signed output could not be committed.
	CodeOutputWriteFailed
	// CodeInvalidRequest means the signing request failed validation.
	CodeInvalidRequest
	// CodeArchiveReadFailed means the input archive could not be read.
	CodeArchiveReadFailed
	// CodeVerificationFailed means a signed archive did not verify.
	CodeVerificationFailed
)

var codeNames = map[ErrorCode]string{
	CodeKeystoreNotFound:           "KeystoreNotFound",
	CodeKeystoreFormatUnrecognized: "KeystoreFormatUnrecognized",
	CodeKeystoreDecryptFailed:      "KeystoreDecryptFailed",
	CodeKeyNotFoundForAlias:        "KeyNotFoundForAlias",
	CodeCertificateChainMissing:    "CertificateChainMissing",
	CodeKeyGenerationFailed:        "KeyGenerationFailed",
	CodeCertificateBuildFailed:     "CertificateBuildFailed",
	CodeSigningOperationFailed:     "SigningOperationFailed",
	CodeDestinationAlreadyExists:   "DestinationAlreadyExists",
	CodeOutputWriteFailed:          "OutputWriteFailed",
	CodeInvalidRequest:             "InvalidRequest",
	CodeArchiveReadFailed:          "ArchiveReadFailed",
	CodeVerificationFailed:         "VerificationFailed",
}

func (c ErrorCode) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return "Unknown"
}

// Error is the error type returned by the signing components. It supports
// errors.Is matching by code and errors.As / Unwrap traversal of the cause.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
}

// New returns a new *Error. Cause may be nil.
func New(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error with the same code, so errors.Is(err, errdefs.ErrKeystoreNotFound)
// works regardless of message or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Sentinels for errors.Is. They carry no message and are never returned directly.
var (
	ErrKeystoreNotFound           = &Error{Code: CodeKeystoreNotFound}
	ErrKeystoreFormatUnrecognized = &Error{Code: CodeKeystoreFormatUnrecognized}
	ErrKeystoreDecryptFailed      = &Error{Code: CodeKeystoreDecryptFailed}
	ErrKeyNotFoundForAlias        = &Error{Code: CodeKeyNotFoundForAlias}
	ErrCertificateChainMissing    = &Error{Code: CodeCertificateChainMissing}
	ErrKeyGenerationFailed        = &Error{Code: CodeKeyGenerationFailed}
	ErrCertificateBuildFailed     = &Error{Code: CodeCertificateBuildFailed}
	ErrSigningOperationFailed     = &Error{Code: CodeSigningOperationFailed}
	ErrDestinationAlreadyExists   = &Error{Code: CodeDestinationAlreadyExists}
	ErrOutputWriteFailed          = &Error{Code: CodeOutputWriteFailed}
	ErrInvalidRequest             = &Error{Code: CodeInvalidRequest}
	ErrArchiveReadFailed          = &Error{Code: CodeArchiveReadFailed}
	ErrVerificationFailed         = &Error{Code: CodeVerificationFailed}
)

// CodeOf returns the code of the first *Error in err's chain, or 0.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}

// Is reports whether err's chain contains an *Error with the given code.
func Is(err error, code ErrorCode) bool {
	return errors.Is(err, &Error{Code: code})
}
