package journal

import (
	"github.com/aura-labs/aura"
	"github.com/aura-labs/aura/crypto"
)

// The merkle tree is built over the facts in key order. Leaves hash the
// key and the full fact hash; an odd node is promoted to the next level
// unchanged.

func merkleLeaf(f *SignedFact) crypto.Hash32 {
	return crypto.NewHasher("MERKLE_LEAF").Prefixed([]byte(f.Key)).Hash32(f.Hash()).Sum()
}

func merkleNode(l, r crypto.Hash32) crypto.Hash32 {
	return crypto.NewHasher("MERKLE_NODE").Hash32(l).Hash32(r).Sum()
}

func merkleRoot(leaves []crypto.Hash32) crypto.Hash32 {
	if len(leaves) == 0 {
		return crypto.Hash32{}
	}
	level := append([]crypto.Hash32{}, leaves...)
	for len(level) > 1 {
		var next []crypto.Hash32
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
			} else {
				next = append(next, merkleNode(level[i], level[i+1]))
			}
		}
		level = next
	}
	return level[0]
}

// ProofStep is one sibling on the path to the root.
type ProofStep struct {
	Hash crypto.Hash32 `cbor:"1,keyasint"`
	// Left is true if the sibling is on the left.
	Left bool `cbor:"2,keyasint,omitempty"`
}

// InclusionProof proves that a fact is part of a journal with a given
// merkle root.
type InclusionProof struct {
	Steps []ProofStep `cbor:"1,keyasint"`
}

func merkleProof(leaves []crypto.Hash32, index int) *InclusionProof {
	p := &InclusionProof{}
	level := append([]crypto.Hash32{}, leaves...)
	for len(level) > 1 {
		var next []crypto.Hash32
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			switch index {
			case i:
				p.Steps = append(p.Steps, ProofStep{Hash: level[i+1]})
			case i + 1:
				p.Steps = append(p.Steps, ProofStep{Hash: level[i], Left: true})
			}
			next = append(next, merkleNode(level[i], level[i+1]))
		}
		index /= 2
		level = next
	}
	return p
}

// VerifyInclusion checks the proof of f against root.
func VerifyInclusion(root crypto.Hash32, f *SignedFact, p *InclusionProof) error {
	h := merkleLeaf(f)
	for _, s := range p.Steps {
		if s.Left {
			h = merkleNode(s.Hash, h)
		} else {
			h = merkleNode(h, s.Hash)
		}
	}
	if h != root {
		return aura.Errorf(aura.KindInvalidSignature, "fact %s is not included in %s", f.Key, root.Prefix())
	}
	return nil
}
