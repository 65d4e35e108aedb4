// Package cbc implements the per-connection AES-128-CBC stream used on the
// bulk transport.
//
// The key and IV are fixed for the lifetime of a connection and the CBC
// chain is never reset: the first block of every message is chained to the
// last ciphertext block of the message before it. Encryption and decryption
// keep independent chains, both starting at the IV. Messages must therefore
// be opened in exactly the order they were sealed; a lost or reordered
// message desynchronizes the rest of the connection.
package cbc

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"io"
	"sync"

	"github.com/pkg/errors"
)

// KeySize is the size in bytes of both the key and the IV.
const KeySize = 16

var (
	// ErrDesync is returned when ciphertext cannot be decrypted in the
	// current chain position. It is fatal for the connection.
	ErrDesync = errors.New("cbc: cipher stream desynchronized")
	// ErrInvalidKey is returned for keys or IVs that are not KeySize bytes.
	ErrInvalidKey = errors.New("cbc: invalid key or iv size")
)

// GenerateKey returns a random key and IV.
func GenerateKey() (key, iv []byte, err error) {
	key = make([]byte, KeySize)
	iv = make([]byte, KeySize)
	if _, err = io.ReadFull(rand.Reader, key); err != nil {
		return nil, nil, errors.Wrap(err, "cbc: generating key")
	}
	if _, err = io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, errors.Wrap(err, "cbc: generating iv")
	}
	return key, iv, nil
}

// Stream is the cipher state of one connection.
type Stream struct {
	key, iv []byte

	sealMu sync.Mutex
	enc    cipher.BlockMode

	openMu sync.Mutex
	dec    cipher.BlockMode
	broken bool
}

// NewStream returns a Stream whose chains start at iv.
func NewStream(key, iv []byte) (*Stream, error) {
	if len(key) != KeySize || len(iv) != KeySize {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "cbc: creating cipher")
	}

	return &Stream{
		key: bytes.Clone(key),
		iv:  bytes.Clone(iv),
		// cipher.BlockMode keeps the last ciphertext block between calls,
		// which is exactly the chaining we need.
		enc: cipher.NewCBCEncrypter(block, iv),
		dec: cipher.NewCBCDecrypter(block, iv),
	}, nil
}

// Key returns a copy of the stream key.
func (s *Stream) Key() []byte { return bytes.Clone(s.key) }

// IV returns a copy of the initialization vector.
func (s *Stream) IV() []byte { return bytes.Clone(s.iv) }

// EncodedKey returns the key in standard base64, as sent in the login envelope.
func (s *Stream) EncodedKey() string { return base64.StdEncoding.EncodeToString(s.key) }

// EncodedIV returns the IV in standard base64.
func (s *Stream) EncodedIV() string { return base64.StdEncoding.EncodeToString(s.iv) }

// Seal pads plaintext and encrypts it as the continuation of every message
// sealed before it.
func (s *Stream) Seal(plaintext []byte) []byte {
	padded := pad(plaintext)

	s.sealMu.Lock()
	s.enc.CryptBlocks(padded, padded)
	s.sealMu.Unlock()

	return padded
}

// Open decrypts the next message of the chain. After the first failure
// every call returns ErrDesync.
func (s *Stream) Open(ciphertext []byte) ([]byte, error) {
	s.openMu.Lock()
	defer s.openMu.Unlock()

	if s.broken {
		return nil, ErrDesync
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		s.broken = true
		return nil, errors.Wrapf(ErrDesync, "ciphertext length %d is not a multiple of the block size", len(ciphertext))
	}

	out := make([]byte, len(ciphertext))
	s.dec.CryptBlocks(out, ciphertext)

	plaintext, err := unpad(out)
	if err != nil {
		s.broken = true
		return nil, err
	}
	return plaintext, nil
}

// pad applies PKCS#7 padding; a full block is added when the input is
// already aligned.
func pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	out := make([]byte, len(b)+n)
	copy(out, b)
	for i := len(b); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func unpad(b []byte) ([]byte, error) {
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, errors.Wrap(ErrDesync, "invalid padding")
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, errors.Wrap(ErrDesync, "invalid padding")
		}
	}
	return b[:len(b)-n], nil
}
