package sscrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20"
)

type streamMethod struct {
	keySize int
	ivSize  int
	newEnc  func(key, iv []byte) (cipher.Stream, error)
	newDec  func(key, iv []byte) (cipher.Stream, error)
}

var streamMethods = map[string]streamMethod{
	"aes-128-cfb":   {16, aes.BlockSize, cfbEncrypter, cfbDecrypter},
	"aes-192-cfb":   {24, aes.BlockSize, cfbEncrypter, cfbDecrypter},
	"aes-256-cfb":   {32, aes.BlockSize, cfbEncrypter, cfbDecrypter},
	"aes-128-ctr":   {16, aes.BlockSize, ctrStream, ctrStream},
	"aes-192-ctr":   {24, aes.BlockSize, ctrStream, ctrStream},
	"aes-256-ctr":   {32, aes.BlockSize, ctrStream, ctrStream},
	"chacha20-ietf": {chacha20.KeySize, chacha20.NonceSize, chachaStream, chachaStream},
	"xchacha20":     {chacha20.KeySize, chacha20.NonceSizeX, chachaStream, chachaStream},
}

func cfbEncrypter(key, iv []byte) (cipher.Stream, error) {
	blk, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewCFBEncrypter(blk, iv), nil
}

func cfbDecrypter(key, iv []byte) (cipher.Stream, error) {
	blk, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewCFBDecrypter(blk, iv), nil
}

func ctrStream(key, iv []byte) (cipher.Stream, error) {
	blk, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewCTR(blk, iv), nil
}

func chachaStream(key, iv []byte) (cipher.Stream, error) {
	c, err := chacha20.NewUnauthenticatedCipher(key, iv)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// streamCipher frames each direction as [IV][keystream XOR data].
type streamCipher struct {
	name   string
	method *streamMethod
	key    []byte

	enc cipher.Stream

	dec   cipher.Stream
	ivBuf []byte
}

func newStreamCipher(name string, m *streamMethod, key []byte) *streamCipher {
	return &streamCipher{name: name, method: m, key: key}
}

func (c *streamCipher) Name() string {
	return c.name
}

func (c *streamCipher) EncryptStream(b []byte) ([]byte, error) {
	var out []byte
	if c.enc == nil {
		iv := make([]byte, c.method.ivSize)
		if _, err := rand.Read(iv); err != nil {
			return nil, err
		}
		enc, err := c.method.newEnc(c.key, iv)
		if err != nil {
			return nil, err
		}
		c.enc = enc
		out = make([]byte, len(iv), len(iv)+len(b))
		copy(out, iv)
	}

	start := len(out)
	out = append(out, b...)
	c.enc.XORKeyStream(out[start:], out[start:])
	return out, nil
}

// DecryptStream returns nothing until the whole IV has arrived.
func (c *streamCipher) DecryptStream(b []byte) ([]byte, error) {
	if c.dec == nil {
		need := c.method.ivSize - len(c.ivBuf)
		if len(b) < need {
			c.ivBuf = append(c.ivBuf, b...)
			return nil, nil
		}
		c.ivBuf = append(c.ivBuf, b[:need]...)
		b = b[need:]

		dec, err := c.method.newDec(c.key, c.ivBuf)
		if err != nil {
			return nil, err
		}
		c.dec = dec
		c.ivBuf = nil
	}

	out := make([]byte, len(b))
	c.dec.XORKeyStream(out, b)
	return out, nil
}

func (c *streamCipher) EncryptDatagram(b []byte) ([]byte, error) {
	ivSize := c.method.ivSize
	out := make([]byte, ivSize+len(b))
	if _, err := rand.Read(out[:ivSize]); err != nil {
		return nil, err
	}
	enc, err := c.method.newEnc(c.key, out[:ivSize])
	if err != nil {
		return nil, err
	}
	enc.XORKeyStream(out[ivSize:], b)
	return out, nil
}

func (c *streamCipher) DecryptDatagram(b []byte) ([]byte, error) {
	ivSize := c.method.ivSize
	if len(b) < ivSize {
		return nil, fmt.Errorf("%w: %d < %d", ErrShortData, len(b), ivSize)
	}
	dec, err := c.method.newDec(c.key, b[:ivSize])
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b)-ivSize)
	dec.XORKeyStream(out, b[ivSize:])
	return out, nil
}
