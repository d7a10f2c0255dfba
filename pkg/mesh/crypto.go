// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mesh

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
)

var (
	// ErrKeyLength is returned for keys that are neither a 1 byte default-key
	// index nor 16 or 32 bytes long.
	ErrKeyLength = errors.New("bad key length")

	// ErrUnusable is returned when a key decrypts to an unknown port or an
	// empty payload.
	ErrUnusable = errors.New("decrypted payload unusable")
)

// defaultPSK is the well-known channel key that the short key "AQ==" refers to.
var defaultPSK = []byte{
	0xd4, 0xf1, 0xbb, 0x3a, 0x20, 0x29, 0x07, 0x59,
	0xf0, 0xbc, 0xff, 0xab, 0xcf, 0x4e, 0x69, 0x01,
}

// Key is a channel key in configuration order.
type Key struct {
	raw []byte
	// Hint is a short trailing fragment of the base64 text, safe to log.
	Hint string
}

// ParseKey decodes a base64 channel key. Its length is checked when used.
func ParseKey(s string) (Key, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Key{}, fmt.Errorf("invalid base64 key ...%s: %w", hint(s), err)
	}
	return Key{raw: raw, Hint: hint(s)}, nil
}

// ParseKeys decodes keys in order, stopping at the first invalid one.
func ParseKeys(ss []string) ([]Key, error) {
	keys := make([]Key, 0, len(ss))
	for _, s := range ss {
		k, err := ParseKey(s)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func hint(s string) string {
	if len(s) <= 4 {
		return s
	}
	return s[len(s)-4:]
}

// Validate reports whether k can be used as an AES key.
func (k Key) Validate() error {
	_, err := k.aesKey()
	return err
}

// aesKey expands one byte default-key indexes and checks the length.
func (k Key) aesKey() ([]byte, error) {
	switch len(k.raw) {
	case 16, 32:
		return k.raw, nil
	case 1:
		if k.raw[0] == 0 {
			return nil, fmt.Errorf("%w: key index 0 disables encryption", ErrKeyLength)
		}
		key := make([]byte, len(defaultPSK))
		copy(key, defaultPSK)
		key[len(key)-1] += k.raw[0] - 1
		return key, nil
	default:
		return nil, fmt.Errorf("%w: %d bytes", ErrKeyLength, len(k.raw))
	}
}

// Nonce derives the 16 byte CTR nonce: packet id as little-endian uint64,
// sender as little-endian uint32, then four zero bytes.
func Nonce(from, packetID uint32) []byte {
	nonce := make([]byte, aes.BlockSize)
	binary.LittleEndian.PutUint64(nonce[0:8], uint64(packetID))
	binary.LittleEndian.PutUint32(nonce[8:12], from)
	return nonce
}

// transform is its own inverse under CTR mode.
func transform(k Key, from, packetID uint32, in []byte) ([]byte, error) {
	key, err := k.aesKey()
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(in))
	cipher.NewCTR(block, Nonce(from, packetID)).XORKeyStream(out, in)
	return out, nil
}

// Encrypt seals data for the packet's sender and id with k.
func Encrypt(k Key, p *Packet, d *Data) ([]byte, error) {
	return transform(k, p.From, p.ID, d.Marshal())
}

// Decrypter tries channel keys in order against encrypted packets.
type Decrypter struct {
	logger *slog.Logger
	// OnAttempt, when set, observes every per-key attempt.
	OnAttempt func(err error)
}

// NewDecrypter returns a Decrypter that logs per-key failures at debug level.
func NewDecrypter(logger *slog.Logger) *Decrypter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decrypter{logger: logger}
}

// Decrypt returns the payload from the first key that yields a known port and
// a non-empty payload. It returns nil when no key works, which is normal for
// traffic on channels this gateway holds no key for.
func (d *Decrypter) Decrypt(p *Packet, keys []Key) *Data {
	if p == nil || len(p.Encrypted) == 0 {
		return nil
	}
	for _, k := range keys {
		data, err := d.try(k, p)
		if d.OnAttempt != nil {
			d.OnAttempt(err)
		}
		if err == nil {
			return data
		}
		d.logger.Debug("decryption attempt failed",
			slog.String("key", "..."+k.Hint),
			slog.Uint64("packet_id", uint64(p.ID)),
			slog.String("error", err.Error()))
	}
	return nil
}

func (d *Decrypter) try(k Key, p *Packet) (*Data, error) {
	plain, err := transform(k, p.From, p.ID, p.Encrypted)
	if err != nil {
		return nil, err
	}
	data, err := UnmarshalData(plain)
	if err != nil {
		return nil, err
	}
	if !data.Usable() {
		return nil, ErrUnusable
	}
	return data, nil
}
