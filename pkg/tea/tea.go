// Package tea implements the reference TEA-family block cipher used to
// compute the ciphertext constants embedded in generated expressions.
//
// Unlike golang.org/x/crypto/tea, words are little-endian and the round
// constant is configurable. One round here updates both halves, so
// x/crypto's round count is twice the count used by this package.
package tea

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// BlockSize is the TEA block size in bytes.
	BlockSize = 8

	// KeySize is the TEA key size in bytes.
	KeySize = 16

	// DefaultDelta is the golden-ratio round constant.
	DefaultDelta uint32 = 0x9E3779B9

	// DefaultRounds is the conventional number of full rounds.
	DefaultRounds = 32
)

var (
	ErrKeySize        = errors.New("tea: key must be 16 bytes")
	ErrCiphertextSize = errors.New("tea: ciphertext must be a multiple of 8 bytes")
)

// Cipher is a TEA instance with a fixed key, delta and round count.
type Cipher struct {
	k      [4]uint32
	delta  uint32
	rounds int
}

var _ cipher.Block = (*Cipher)(nil)

// NewCipher returns a Cipher for a 16-byte key.
func NewCipher(key []byte, delta uint32, rounds int) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}
	if rounds <= 0 {
		return nil, fmt.Errorf("tea: rounds must be positive, got %d", rounds)
	}
	c := &Cipher{delta: delta, rounds: rounds}
	for i := range c.k {
		c.k[i] = binary.LittleEndian.Uint32(key[i*4:])
	}
	return c, nil
}

// BlockSize returns the cipher's block size.
func (c *Cipher) BlockSize() int { return BlockSize }

// Key returns the key as four little-endian words k0..k3.
func (c *Cipher) Key() [4]uint32 { return c.k }

// Delta returns the round constant.
func (c *Cipher) Delta() uint32 { return c.delta }

// Rounds returns the number of full rounds.
func (c *Cipher) Rounds() int { return c.rounds }

// EncryptWords encrypts one block given as two words.
func (c *Cipher) EncryptWords(v0, v1 uint32) (uint32, uint32) {
	k0, k1, k2, k3 := c.k[0], c.k[1], c.k[2], c.k[3]
	var sum uint32
	for i := 0; i < c.rounds; i++ {
		sum += c.delta
		v0 += ((v1 << 4) + k0) ^ (v1 + sum) ^ ((v1 >> 5) + k1)
		v1 += ((v0 << 4) + k2) ^ (v0 + sum) ^ ((v0 >> 5) + k3)
	}
	return v0, v1
}

// DecryptWords decrypts one block given as two words.
func (c *Cipher) DecryptWords(v0, v1 uint32) (uint32, uint32) {
	k0, k1, k2, k3 := c.k[0], c.k[1], c.k[2], c.k[3]
	sum := c.delta * uint32(c.rounds)
	for i := 0; i < c.rounds; i++ {
		v1 -= ((v0 << 4) + k2) ^ (v0 + sum) ^ ((v0 >> 5) + k3)
		v0 -= ((v1 << 4) + k0) ^ (v1 + sum) ^ ((v1 >> 5) + k1)
		sum -= c.delta
	}
	return v0, v1
}

// Encrypt encrypts the 8-byte block in src into dst.
func (c *Cipher) Encrypt(dst, src []byte) {
	v0, v1 := c.EncryptWords(binary.LittleEndian.Uint32(src), binary.LittleEndian.Uint32(src[4:]))
	binary.LittleEndian.PutUint32(dst, v0)
	binary.LittleEndian.PutUint32(dst[4:], v1)
}

// Decrypt decrypts the 8-byte block in src into dst.
func (c *Cipher) Decrypt(dst, src []byte) {
	v0, v1 := c.DecryptWords(binary.LittleEndian.Uint32(src), binary.LittleEndian.Uint32(src[4:]))
	binary.LittleEndian.PutUint32(dst, v0)
	binary.LittleEndian.PutUint32(dst[4:], v1)
}

// Pad appends zero bytes up to the next multiple of the block size. Data
// that is already aligned is returned unchanged.
func Pad(data []byte) []byte {
	out := make([]byte, len(data), len(data)+BlockSize)
	copy(out, data)
	if r := len(data) % BlockSize; r != 0 {
		out = append(out, make([]byte, BlockSize-r)...)
	}
	return out
}

// Unpad strips every trailing zero byte. Plaintext that genuinely ends in
// zero bytes loses them.
func Unpad(data []byte) []byte {
	n := len(data)
	for n > 0 && data[n-1] == 0 {
		n--
	}
	return data[:n]
}

// Encrypt zero-pads data and encrypts it block by block (ECB).
func Encrypt(data, key []byte, delta uint32, rounds int) ([]byte, error) {
	c, err := NewCipher(key, delta, rounds)
	if err != nil {
		return nil, err
	}
	out := Pad(data)
	for i := 0; i < len(out); i += BlockSize {
		c.Encrypt(out[i:], out[i:])
	}
	return out, nil
}

// Decrypt decrypts data block by block and strips trailing zero bytes.
func Decrypt(data, key []byte, delta uint32, rounds int) ([]byte, error) {
	c, err := NewCipher(key, delta, rounds)
	if err != nil {
		return nil, err
	}
	if len(data)%BlockSize != 0 {
		return nil, ErrCiphertextSize
	}
	out := make([]byte, len(data))
	for i := 0; i < len(data); i += BlockSize {
		c.Decrypt(out[i:], data[i:])
	}
	return Unpad(out), nil
}

// Words splits data into little-endian 32-bit words in order
// (block 0 v0, block 0 v1, block 1 v0, ...). len(data) must be a multiple
// of the block size.
func Words(data []byte) ([]uint32, error) {
	if len(data)%BlockSize != 0 {
		return nil, ErrCiphertextSize
	}
	out := make([]uint32, len(data)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(data[i*4:])
	}
	return out, nil
}
