package aura

import (
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/group/edwards25519"
)

type suite interface {
	kyber.Group
	kyber.HashFactory
	kyber.XOFFactory
	kyber.Random
}

// Suite is the Ed25519 group used for device keys and threshold
// signatures.
var Suite suite = edwards25519.NewBlakeSHA256Ed25519()
