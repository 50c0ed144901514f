// Package ceremony runs the FROST ceremonies that attest tree operations:
// nonce commitment, signing and aggregation between a coordinator and the
// signers it selected, with the supersession rules deciding which of two
// racing ceremonies on the same prestate may commit.
package ceremony

import (
	"encoding/binary"
	"fmt"

	"github.com/aura-labs/aura"
	"github.com/aura-labs/aura/crypto"
	"github.com/aura-labs/aura/tree"
)

// State is the phase of a ceremony.
type State uint8

// Ceremony states. Committed, Superseded and Aborted are terminal.
const (
	Init State = iota
	AwaitCommitments
	SigningReady
	AwaitShares
	AggregateReady
	Committed
	Superseded
	Aborted
)

func (s State) String() string {
	switch s {
	case Init:
		return "Init"
	case AwaitCommitments:
		return "AwaitCommitments"
	case SigningReady:
		return "SigningReady"
	case AwaitShares:
		return "AwaitShares"
	case AggregateReady:
		return "AggregateReady"
	case Committed:
		return "Committed"
	case Superseded:
		return "Superseded"
	case Aborted:
		return "Aborted"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Terminal returns true for the states a ceremony never leaves.
func (s State) Terminal() bool {
	return s == Committed || s == Superseded || s == Aborted
}

// Reason qualifies a Superseded or Aborted state.
type Reason uint8

// Supersession and abort reasons.
const (
	NoReason Reason = iota
	PrestateStale
	NewerRequest
	ExplicitCancel
	Timeout
	Precedence
	InsufficientSigners
	InvalidShares
	InvariantViolation
)

func (r Reason) String() string {
	switch r {
	case NoReason:
		return "None"
	case PrestateStale:
		return "PrestateStale"
	case NewerRequest:
		return "NewerRequest"
	case ExplicitCancel:
		return "ExplicitCancel"
	case Timeout:
		return "Timeout"
	case Precedence:
		return "Precedence"
	case InsufficientSigners:
		return "InsufficientSigners"
	case InvalidShares:
		return "InvalidShares"
	case InvariantViolation:
		return "InvariantViolation"
	}
	return fmt.Sprintf("Reason(%d)", uint8(r))
}

// Outcome is where a ceremony stands. Winner is set for supersessions
// caused by another ceremony.
type Outcome struct {
	State  State         `cbor:"1,keyasint"`
	Reason Reason        `cbor:"2,keyasint,omitempty"`
	Winner crypto.Hash32 `cbor:"3,keyasint,omitempty"`
}

func (o Outcome) String() string {
	switch {
	case o.State == Superseded && !o.Winner.IsZero():
		return fmt.Sprintf("Superseded{%s, winner %s}", o.Reason, o.Winner.Prefix())
	case o.Reason != NoReason:
		return fmt.Sprintf("%s{%s}", o.State, o.Reason)
	}
	return o.State.String()
}

// Err returns the error a caller of a terminated ceremony sees, nil for
// Committed.
func (o Outcome) Err(id crypto.Hash32) error {
	switch o.State {
	case Committed:
		return nil
	case Superseded:
		if o.Reason == Timeout {
			return aura.Errorf(aura.KindTimedOut, "ceremony %s timed out", id.Prefix())
		}
		if !o.Winner.IsZero() {
			return aura.Errorf(aura.KindSuperseded, "ceremony %s superseded (%s) by %s", id.Prefix(), o.Reason, o.Winner.Prefix())
		}
		return aura.Errorf(aura.KindSuperseded, "ceremony %s superseded (%s)", id.Prefix(), o.Reason)
	case Aborted:
		switch o.Reason {
		case InsufficientSigners:
			return aura.Errorf(aura.KindInsufficientSigners, "ceremony %s aborted: not enough signers", id.Prefix())
		case InvalidShares:
			return aura.Errorf(aura.KindInvalidAttestation, "ceremony %s aborted: invalid shares", id.Prefix())
		}
		return aura.Errorf(aura.KindInvalid, "ceremony %s aborted (%s)", id.Prefix(), o.Reason)
	}
	return aura.Errorf(aura.KindInvalid, "ceremony %s still in %s", id.Prefix(), o.State)
}

// ID returns H(prestate_hash || operation_hash || epoch).
func ID(prestate, opHash crypto.Hash32, epoch tree.Epoch) crypto.Hash32 {
	var e [8]byte
	binary.LittleEndian.PutUint64(e[:], uint64(epoch))
	return crypto.Hash(prestate[:], opHash[:], e[:])
}
