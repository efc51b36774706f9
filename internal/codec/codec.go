// Package codec applies an optional compression + encryption transform to
// register payloads before they reach a storage backend, and reverses it on
// read. Grounded on the teacher's wrapper/compresscache (gzip/brotli/snappy,
// marker-byte framing) and security.go (AES-256-GCM via scrypt-derived key),
// adapted from wrapping arbitrary HTTP response bytes to wrapping one
// JSON-encoded status.Snapshot.
package codec

import (
	"bytes"
	"compress/gzip"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/golang/snappy"
	"golang.org/x/crypto/scrypt"

	"github.com/tubestatus/tubestatus/internal/status"
)

// Algorithm selects the compression scheme applied before encryption.
type Algorithm int

const (
	None Algorithm = iota
	Gzip
	Brotli
	Snappy
)

const (
	scryptN   = 32768
	scryptR   = 8
	scryptP   = 1
	keyLength = 32
)

// Codec marshals/unmarshals status.Snapshot, optionally compressing and
// encrypting the serialized bytes. The zero value is a plain-JSON passthrough.
type Codec struct {
	algorithm Algorithm
	gcm       cipher.AEAD
}

// Option configures a Codec, following the teacher's functional-options
// idiom (options.go).
type Option func(*Codec) error

// WithCompression selects the compression algorithm applied before any
// configured encryption.
func WithCompression(algo Algorithm) Option {
	return func(c *Codec) error {
		c.algorithm = algo
		return nil
	}
}

// WithEncryption derives an AES-256-GCM key from passphrase via scrypt and
// enables encryption of the (possibly already compressed) payload.
func WithEncryption(passphrase string) Option {
	return func(c *Codec) error {
		if passphrase == "" {
			return nil
		}
		salt := sha256.Sum256([]byte("tubestatus-register-codec-salt-v1"))
		key, err := scrypt.Key([]byte(passphrase), salt[:], scryptN, scryptR, scryptP, keyLength)
		if err != nil {
			return fmt.Errorf("codec: derive key: %w", err)
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return fmt.Errorf("codec: new cipher: %w", err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return fmt.Errorf("codec: new GCM: %w", err)
		}
		c.gcm = gcm
		return nil
	}
}

// New builds a Codec from opts. With no options, it is a plain-JSON
// passthrough (no compression, no encryption).
func New(opts ...Option) (*Codec, error) {
	c := &Codec{}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MarshalSnapshot JSON-encodes snap, then compresses and encrypts per the
// codec's configuration.
func (c *Codec) MarshalSnapshot(snap status.Snapshot) ([]byte, error) {
	plain, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal snapshot: %w", err)
	}
	return c.Encode(plain)
}

// UnmarshalSnapshot reverses MarshalSnapshot.
func (c *Codec) UnmarshalSnapshot(data []byte) (status.Snapshot, error) {
	plain, err := c.Decode(data)
	if err != nil {
		return status.Snapshot{}, err
	}
	var snap status.Snapshot
	if err := json.Unmarshal(plain, &snap); err != nil {
		return status.Snapshot{}, fmt.Errorf("codec: unmarshal snapshot: %w", err)
	}
	return snap, nil
}

// Encode compresses (if configured) then encrypts (if configured) plain.
func (c *Codec) Encode(plain []byte) ([]byte, error) {
	compressed, err := c.compress(plain)
	if err != nil {
		return nil, fmt.Errorf("codec: compress: %w", err)
	}
	if c.gcm == nil {
		return compressed, nil
	}
	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("codec: generate nonce: %w", err)
	}
	return c.gcm.Seal(nonce, nonce, compressed, nil), nil
}

// Decode reverses Encode: decrypt (if configured) then decompress.
func (c *Codec) Decode(data []byte) ([]byte, error) {
	compressed := data
	if c.gcm != nil {
		nonceSize := c.gcm.NonceSize()
		if len(data) < nonceSize {
			return nil, fmt.Errorf("codec: ciphertext too short")
		}
		nonce, ciphertext := data[:nonceSize], data[nonceSize:]
		plain, err := c.gcm.Open(nil, nonce, ciphertext, nil)
		if err != nil {
			return nil, fmt.Errorf("codec: decrypt: %w", err)
		}
		compressed = plain
	}
	return c.decompress(compressed)
}

func (c *Codec) compress(data []byte) ([]byte, error) {
	switch c.algorithm {
	case None:
		return data, nil
	case Gzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case Brotli:
		var buf bytes.Buffer
		w := brotli.NewWriterLevel(&buf, 6)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case Snappy:
		return snappy.Encode(nil, data), nil
	default:
		return nil, fmt.Errorf("codec: unsupported compression algorithm %d", c.algorithm)
	}
}

func (c *Codec) decompress(data []byte) ([]byte, error) {
	switch c.algorithm {
	case None:
		return data, nil
	case Gzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case Brotli:
		r := brotli.NewReader(bytes.NewReader(data))
		return io.ReadAll(r)
	case Snappy:
		return snappy.Decode(nil, data)
	default:
		return nil, fmt.Errorf("codec: unsupported compression algorithm %d", c.algorithm)
	}
}
