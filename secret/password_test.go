package secret

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPasswordWipesSource(t *testing.T) {
	src := []byte("android")
	p := NewPassword(src)
	defer p.Destroy()

	assert.Equal(t, make([]byte, len(src)), src)
	assert.Equal(t, []byte("android"), p.Copy())
	assert.False(t, p.Empty())
}

func TestUseWipesBorrowedCopy(t *testing.T) {
	p := FromString("changeit")
	defer p.Destroy()

	var borrowed []byte
	err := p.Use(func(pw []byte) error {
		assert.Equal(t, "changeit", string(pw))
		borrowed = pw
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, make([]byte, len("changeit")), borrowed)
}

func TestDestroyedPasswordIsEmpty(t *testing.T) {
	p := FromString("secret1")
	clone := p.Clone()
	p.Destroy()
	p.Destroy()

	assert.True(t, p.Empty())
	assert.Equal(t, []byte{}, p.Copy())
	assert.Equal(t, "secret1", string(clone.Copy()))
	clone.Destroy()

	var nilPassword *Password
	assert.True(t, nilPassword.Empty())
	assert.Equal(t, []byte{}, nilPassword.Copy())
}

func TestStringIsRedacted(t *testing.T) {
	p := FromString("hunter22")
	defer p.Destroy()

	assert.Equal(t, "[redacted]", fmt.Sprintf("%v", p))
	assert.Equal(t, "[redacted]", fmt.Sprintf("%s", p))
}
