package errdefs

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMessageIncludesCause(t *testing.T) {
	err := New(CodeOutputWriteFailed, "commit output", io.ErrShortWrite)
	assert.Equal(t, "commit output: short write", err.Error())

	bare := New(CodeInvalidRequest, "no schemes enabled", nil)
	assert.Equal(t, "no schemes enabled", bare.Error())
}

func TestIsMatchesByCodeThroughWrapping(t *testing.T) {
	inner := New(CodeKeystoreDecryptFailed, "load keystore", errors.New("bad mac"))
	wrapped := fmt.Errorf("sign app.apk: %w", inner)

	assert.True(t, errors.Is(wrapped, ErrKeystoreDecryptFailed))
	assert.False(t, errors.Is(wrapped, ErrKeystoreNotFound))
	assert.True(t, Is(wrapped, CodeKeystoreDecryptFailed))
	assert.Equal(t, CodeKeystoreDecryptFailed, CodeOf(wrapped))
	assert.Equal(t, ErrorCode(0), CodeOf(io.EOF))
}

func TestUnwrapReachesCause(t *testing.T) {
	err := New(CodeArchiveReadFailed, "open input", io.ErrUnexpectedEOF)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)

	var target *Error
	require.ErrorAs(t, fmt.Errorf("x: %w", err), &target)
	assert.Equal(t, "ArchiveReadFailed", target.Code.String())
}
