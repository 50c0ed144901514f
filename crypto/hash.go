// Package crypto holds the primitives every other component builds on:
// BLAKE3 content hashes, Ed25519 device keys, HKDF and AES-GCM.
package crypto

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"hash"

	"lukechampine.com/blake3"
)

// Hash32 is a BLAKE3-256 content hash.
type Hash32 [32]byte

// Hash returns the BLAKE3-256 hash of the concatenation of parts.
func Hash(parts ...[]byte) Hash32 {
	h := blake3.New(32, nil)
	for _, p := range parts {
		h.Write(p)
	}
	var out Hash32
	copy(out[:], h.Sum(nil))
	return out
}

// Hex returns the full hex encoding.
func (h Hash32) Hex() string {
	return hex.EncodeToString(h[:])
}

func (h Hash32) String() string {
	return h.Hex()
}

// Prefix returns the hex encoding of the first 8 bytes.
func (h Hash32) Prefix() string {
	return hex.EncodeToString(h[:8])
}

// IsZero returns true for the all-zero hash.
func (h Hash32) IsZero() bool {
	return h == Hash32{}
}

// Less orders hashes lexicographically.
func (h Hash32) Less(o Hash32) bool {
	return bytes.Compare(h[:], o[:]) < 0
}

// Hasher builds domain separated hashes. Every component writes a tag first
// so that inputs from different domains never collide.
type Hasher struct {
	h hash.Hash
}

// NewHasher starts a hash with the given domain tag.
func NewHasher(tag string) *Hasher {
	h := &Hasher{h: blake3.New(32, nil)}
	h.h.Write([]byte(tag))
	return h
}

// Bytes writes raw bytes.
func (h *Hasher) Bytes(b []byte) *Hasher {
	h.h.Write(b)
	return h
}

// Prefixed writes the length of b as u32 little-endian followed by b, for
// variable-length fields.
func (h *Hasher) Prefixed(b []byte) *Hasher {
	h.U32(uint32(len(b)))
	h.h.Write(b)
	return h
}

// U16 writes v little-endian.
func (h *Hasher) U16(v uint16) *Hasher {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	h.h.Write(buf[:])
	return h
}

// U32 writes v little-endian.
func (h *Hasher) U32(v uint32) *Hasher {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	h.h.Write(buf[:])
	return h
}

// U64 writes v little-endian.
func (h *Hasher) U64(v uint64) *Hasher {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	h.h.Write(buf[:])
	return h
}

// Hash32 writes another hash.
func (h *Hasher) Hash32(o Hash32) *Hasher {
	h.h.Write(o[:])
	return h
}

// Sum finishes the hash.
func (h *Hasher) Sum() Hash32 {
	var out Hash32
	copy(out[:], h.h.Sum(nil))
	return out
}

// Wide returns a 64-byte BLAKE3 output of tag and parts. It is used where
// a uniformly distributed scalar has to be derived.
func Wide(tag string, parts ...[]byte) []byte {
	h := blake3.New(64, nil)
	h.Write([]byte(tag))
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}
