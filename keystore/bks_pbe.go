package keystore

import (
	"bytes"
	"crypto/cipher"
	"crypto/des"
	"crypto/sha1"
	"errors"
	"unicode/utf16"
)

// PKCS#12 key derivation (RFC 7292 appendix B) over SHA-1, as used by
// BouncyCastle for the BKS MAC key and PBEWithSHAAnd3-KeyTripleDES-CBC.
const (
	pbeIDKey = 1
	pbeIDIV  = 2
	pbeIDMAC = 3

	sha1Size  = 20
	sha1Block = 64
)

// bmpPassword encodes a password as UTF-16BE with a trailing NUL pair. An
// empty password encodes to an empty slice.
func bmpPassword(pw []byte) []byte {
	if len(pw) == 0 {
		return []byte{}
	}

	units := utf16.Encode(bytes.Runes(pw))
	out := make([]byte, 0, 2*len(units)+2)
	for _, u := range units {
		out = append(out, byte(u>>8), byte(u))
	}
	return append(out, 0, 0)
}

func pkcs12KDF(password, salt []byte, iterations int, id byte, size int) []byte {
	d := bytes.Repeat([]byte{id}, sha1Block)
	i := append(fillBlocks(salt), fillBlocks(password)...)

	blocks := (size + sha1Size - 1) / sha1Size
	out := make([]byte, 0, blocks*sha1Size)
	for n := 0; n < blocks; n++ {
		h := sha1.New()
		h.Write(d)
		h.Write(i)
		a := h.Sum(nil)
		for r := 1; r < iterations; r++ {
			sum := sha1.Sum(a)
			a = sum[:]
		}
		out = append(out, a...)

		if n == blocks-1 {
			break
		}

		b := make([]byte, sha1Block)
		for k := range b {
			b[k] = a[k%len(a)]
		}
		for j := 0; j < len(i); j += sha1Block {
			addWithCarry(i[j:j+sha1Block], b)
		}
	}
	return out[:size]
}

func fillBlocks(x []byte) []byte {
	if len(x) == 0 {
		return nil
	}
	n := sha1Block * ((len(x) + sha1Block - 1) / sha1Block)
	out := make([]byte, n)
	for k := range out {
		out[k] = x[k%len(x)]
	}
	return out
}

// addWithCarry sets dst = dst + b + 1 mod 2^(8*len(dst)).
func addWithCarry(dst, b []byte) {
	carry := 1
	for k := len(dst) - 1; k >= 0; k-- {
		sum := int(dst[k]) + int(b[k]) + carry
		dst[k] = byte(sum)
		carry = sum >> 8
	}
}

func tripleDESCipher(password, salt []byte, iterations int) (cipher.Block, []byte, error) {
	pw := bmpPassword(password)
	key := pkcs12KDF(pw, salt, iterations, pbeIDKey, 24)
	iv := pkcs12KDF(pw, salt, iterations, pbeIDIV, des.BlockSize)

	block, err := des.NewTripleDESCipher(key)
	if err != nil {
		return nil, nil, err
	}
	return block, iv, nil
}

func sealTripleDES(password, salt []byte, iterations int, plain []byte) ([]byte, error) {
	block, iv, err := tripleDESCipher(password, salt, iterations)
	if err != nil {
		return nil, err
	}

	pad := des.BlockSize - len(plain)%des.BlockSize
	buf := make([]byte, len(plain)+pad)
	copy(buf, plain)
	for k := len(plain); k < len(buf); k++ {
		buf[k] = byte(pad)
	}

	cipher.NewCBCEncrypter(block, iv).CryptBlocks(buf, buf)
	return buf, nil
}

func openTripleDES(password, salt []byte, iterations int, sealed []byte) ([]byte, error) {
	if len(sealed) == 0 || len(sealed)%des.BlockSize != 0 {
		return nil, errors.New("sealed data is not a whole number of blocks")
	}

	block, iv, err := tripleDESCipher(password, salt, iterations)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, len(sealed))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(buf, sealed)

	pad := int(buf[len(buf)-1])
	if pad == 0 || pad > des.BlockSize {
		return nil, errWrongPassword
	}
	for _, c := range buf[len(buf)-pad:] {
		if int(c) != pad {
			return nil, errWrongPassword
		}
	}
	return buf[:len(buf)-pad], nil
}
