package tree

import (
	"encoding/binary"
	"fmt"

	"github.com/aura-labs/aura"
)

// PolicyKind enumerates the branch policies.
type PolicyKind uint8

// Policy kinds. The values are the policy tags hashed into commitments.
const (
	PolicyAll       PolicyKind = 0x01
	PolicyAny       PolicyKind = 0x02
	PolicyThreshold PolicyKind = 0x03
)

// Policy is the signing policy of a branch: All leaves of the subtree, Any
// of them, or a Threshold of m out of n.
type Policy struct {
	Kind PolicyKind `cbor:"1,keyasint"`
	M    uint16     `cbor:"2,keyasint,omitempty"`
	N    uint16     `cbor:"3,keyasint,omitempty"`
}

// All requires every leaf of the subtree.
func All() Policy { return Policy{Kind: PolicyAll} }

// Any requires one leaf of the subtree.
func Any() Policy { return Policy{Kind: PolicyAny} }

// Threshold requires m of the n leaves of the subtree.
func Threshold(m, n uint16) Policy { return Policy{Kind: PolicyThreshold, M: m, N: n} }

// Tag returns the bytes identifying the policy inside a commitment.
func (p Policy) Tag() []byte {
	if p.Kind != PolicyThreshold {
		return []byte{byte(p.Kind)}
	}
	buf := make([]byte, 5)
	buf[0] = byte(p.Kind)
	binary.LittleEndian.PutUint16(buf[1:], p.M)
	binary.LittleEndian.PutUint16(buf[3:], p.N)
	return buf
}

// Required returns how many of the given number of leaves have to sign.
func (p Policy) Required(leaves int) int {
	switch p.Kind {
	case PolicyAll:
		return leaves
	case PolicyAny:
		return 1
	default:
		return int(p.M)
	}
}

// Satisfied returns true if signed of the subtree's leaves satisfy p.
func (p Policy) Satisfied(signed, leaves int) bool {
	if leaves == 0 {
		return false
	}
	return signed >= p.Required(leaves)
}

// check verifies the policy against the number of leaves it governs.
func (p Policy) check(leaves int) error {
	switch p.Kind {
	case PolicyAll, PolicyAny:
		return nil
	case PolicyThreshold:
		if p.M < 1 || p.M > p.N {
			return aura.Errorf(aura.KindPolicyViolation, "threshold %d of %d out of range", p.M, p.N)
		}
		if int(p.N) != leaves {
			return aura.Errorf(aura.KindPolicyViolation, "threshold n=%d but subtree has %d leaves", p.N, leaves)
		}
		return nil
	default:
		return aura.Errorf(aura.KindPolicyViolation, "unknown policy kind %d", p.Kind)
	}
}

// adjust returns the threshold policy refitted to a new leaf count: n
// follows the count and m is clamped to it.
func (p Policy) adjust(leaves int) Policy {
	if p.Kind != PolicyThreshold {
		return p
	}
	if leaves == 0 {
		return Any()
	}
	p.N = uint16(leaves)
	if p.M > p.N {
		p.M = p.N
	}
	if p.M < 1 {
		p.M = 1
	}
	return p
}

func (p Policy) String() string {
	switch p.Kind {
	case PolicyAll:
		return "All"
	case PolicyAny:
		return "Any"
	case PolicyThreshold:
		return fmt.Sprintf("Threshold{%d,%d}", p.M, p.N)
	}
	return fmt.Sprintf("Policy(%d)", p.Kind)
}
