package sscrypto

import (
	"crypto/cipher"
	"encoding/binary"
	"fmt"

	"github.com/Jigsaw-Code/outline-sdk/transport/shadowsocks"
	"github.com/Jigsaw-Code/outline-ss-server/service"
)

// Chunk payloads are at most 0x3FFF bytes, and the top two bits of the length are zero.
const maxPayloadSize = 0x3FFF

// aeadCipher frames each direction as [salt][len+tag][payload+tag]... with a little-endian
// counter nonce per direction.
type aeadCipher struct {
	name   string
	key    *shadowsocks.EncryptionKey
	replay *service.ReplayCache

	enc      cipher.AEAD
	encNonce []byte

	dec        cipher.AEAD
	decNonce   []byte
	decSalt    []byte
	decBuf     []byte
	payloadLen int
	verified   bool
}

func newAEADCipher(name string, key *shadowsocks.EncryptionKey, replay *service.ReplayCache) *aeadCipher {
	return &aeadCipher{name: name, key: key, replay: replay, payloadLen: -1}
}

func (c *aeadCipher) Name() string {
	return c.name
}

func increment(nonce []byte) {
	for i := range nonce {
		nonce[i]++
		if nonce[i] != 0 {
			return
		}
	}
}

func (c *aeadCipher) EncryptStream(b []byte) ([]byte, error) {
	var out []byte
	if c.enc == nil {
		salt := make([]byte, c.key.SaltSize())
		if err := shadowsocks.RandomSaltGenerator.GetSalt(salt); err != nil {
			return nil, err
		}
		aead, err := c.key.NewAEAD(salt)
		if err != nil {
			return nil, err
		}
		c.enc = aead
		c.encNonce = make([]byte, aead.NonceSize())
		out = salt
	}

	overhead := c.enc.Overhead()
	chunks := (len(b) + maxPayloadSize - 1) / maxPayloadSize
	if cap(out)-len(out) < len(b)+chunks*(2+2*overhead) {
		grown := make([]byte, len(out), len(out)+len(b)+chunks*(2+2*overhead))
		copy(grown, out)
		out = grown
	}

	var size [2]byte
	for len(b) > 0 {
		n := len(b)
		if n > maxPayloadSize {
			n = maxPayloadSize
		}
		binary.BigEndian.PutUint16(size[:], uint16(n))
		out = c.enc.Seal(out, c.encNonce, size[:], nil)
		increment(c.encNonce)
		out = c.enc.Seal(out, c.encNonce, b[:n], nil)
		increment(c.encNonce)
		b = b[n:]
	}
	return out, nil
}

// DecryptStream buffers partial chunks and returns only authenticated plaintext.
func (c *aeadCipher) DecryptStream(b []byte) ([]byte, error) {
	c.decBuf = append(c.decBuf, b...)

	if c.dec == nil {
		saltSize := c.key.SaltSize()
		if len(c.decBuf) < saltSize {
			return nil, nil
		}
		c.decSalt = append([]byte(nil), c.decBuf[:saltSize]...)
		aead, err := c.key.NewAEAD(c.decSalt)
		if err != nil {
			return nil, err
		}
		c.dec = aead
		c.decNonce = make([]byte, aead.NonceSize())
		c.decBuf = c.decBuf[saltSize:]
	}

	overhead := c.dec.Overhead()
	var out []byte
	for {
		if c.payloadLen < 0 {
			if len(c.decBuf) < 2+overhead {
				break
			}
			size, err := c.dec.Open(nil, c.decNonce, c.decBuf[:2+overhead], nil)
			if err != nil {
				return nil, fmt.Errorf("open length: %w", err)
			}
			increment(c.decNonce)
			c.decBuf = c.decBuf[2+overhead:]
			c.payloadLen = int(binary.BigEndian.Uint16(size)) & maxPayloadSize

			if !c.verified {
				c.verified = true
				if !c.replay.Add(c.name, c.decSalt) {
					return nil, ErrReplay
				}
			}
		}

		if len(c.decBuf) < c.payloadLen+overhead {
			break
		}
		var err error
		out, err = c.dec.Open(out, c.decNonce, c.decBuf[:c.payloadLen+overhead], nil)
		if err != nil {
			return nil, fmt.Errorf("open payload: %w", err)
		}
		increment(c.decNonce)
		c.decBuf = c.decBuf[c.payloadLen+overhead:]
		c.payloadLen = -1
	}

	if len(c.decBuf) == 0 {
		c.decBuf = nil
	}
	return out, nil
}

func (c *aeadCipher) EncryptDatagram(b []byte) ([]byte, error) {
	dst := make([]byte, c.key.SaltSize()+len(b)+c.key.TagSize())
	return shadowsocks.Pack(dst, b, c.key)
}

func (c *aeadCipher) DecryptDatagram(b []byte) ([]byte, error) {
	dst := make([]byte, 0, len(b))
	return shadowsocks.Unpack(dst, b, c.key)
}
