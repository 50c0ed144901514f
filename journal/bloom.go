package journal

import (
	"encoding/binary"
	"math"

	"github.com/aura-labs/aura/crypto"
)

// Bloom is a seeded bloom filter over fact digests. A fresh seed per
// anti-entropy round makes false positives independent across rounds.
type Bloom struct {
	Seed uint64 `cbor:"1,keyasint"`
	K    uint8  `cbor:"2,keyasint"`
	Bits []byte `cbor:"3,keyasint"`
}

// BloomFalsePositive is the target false positive rate of NewBloom.
const BloomFalsePositive = 0.01

const bloomMinBits = 64

// NewBloom sizes a filter for n entries.
func NewBloom(n int, seed uint64) *Bloom {
	if n < 1 {
		n = 1
	}
	m := int(math.Ceil(-float64(n) * math.Log(BloomFalsePositive) / (math.Ln2 * math.Ln2)))
	if m < bloomMinBits {
		m = bloomMinBits
	}
	k := int(math.Round(float64(m) / float64(n) * math.Ln2))
	if k < 1 {
		k = 1
	}
	if k > 16 {
		k = 16
	}
	return &Bloom{Seed: seed, K: uint8(k), Bits: make([]byte, (m+7)/8)}
}

// positions derives the K bit positions of an entry by double hashing.
func (b *Bloom) positions(entry []byte) []uint64 {
	var seed [8]byte
	binary.LittleEndian.PutUint64(seed[:], b.Seed)
	h := crypto.Hash([]byte("BLOOM"), seed[:], entry)
	h1 := binary.LittleEndian.Uint64(h[0:8])
	h2 := binary.LittleEndian.Uint64(h[8:16]) | 1
	m := uint64(len(b.Bits)) * 8
	out := make([]uint64, b.K)
	for i := range out {
		out[i] = (h1 + uint64(i)*h2) % m
	}
	return out
}

// Add inserts an entry.
func (b *Bloom) Add(entry []byte) {
	if len(b.Bits) == 0 {
		return
	}
	for _, p := range b.positions(entry) {
		b.Bits[p/8] |= 1 << (p % 8)
	}
}

// Has returns false if the entry was certainly never added.
func (b *Bloom) Has(entry []byte) bool {
	if len(b.Bits) == 0 {
		return false
	}
	for _, p := range b.positions(entry) {
		if b.Bits[p/8]&(1<<(p%8)) == 0 {
			return false
		}
	}
	return true
}

// bloomEntry identifies one version of a fact. Filtering on the version
// rather than the key lets a newer value cross even if the peer has the
// key.
func bloomEntry(f *SignedFact) []byte {
	h := f.Hash()
	return append([]byte(f.Key+"\x00"), h[:]...)
}
