package capability

import (
	"crypto/cipher"
	"fmt"
	"sync"

	"github.com/aura-labs/aura"
	"github.com/aura-labs/aura/crypto"
	"github.com/aura-labs/aura/effects"
	"github.com/aura-labs/aura/internal/wire"
	"go.dedis.ch/onet/v3/log"
)

// SignedBlock is one block of a token: its datalog source and the public
// key that must sign the next block, signed by the previous block's key.
type SignedBlock struct {
	Source    string `cbor:"1,keyasint"`
	NextKey   []byte `cbor:"2,keyasint"`
	Signature []byte `cbor:"3,keyasint"`
}

// Token is a biscuit-style bearer token. The first block is the authority
// block, signed by the root key; every further block attenuates it with
// checks. Proof is the secret matching the last block's next key, needed
// to append a block.
type Token struct {
	Blocks []SignedBlock `cbor:"1,keyasint"`
	Proof  []byte        `cbor:"2,keyasint"`
}

func blockMessage(index int, source string, next []byte) []byte {
	h := crypto.NewHasher("AURA_TOKEN_BLOCK").U32(uint32(index)).
		Prefixed([]byte(source)).Prefixed(next).Sum()
	return h[:]
}

func signBlock(kp *crypto.KeyPair, index int, source string, stream cipher.Stream) (SignedBlock, *crypto.KeyPair, error) {
	next := crypto.NewKeyPair(stream)
	sig, err := kp.Sign(blockMessage(index, source, next.Public()))
	if err != nil {
		return SignedBlock{}, nil, err
	}
	return SignedBlock{Source: source, NextKey: next.Public(), Signature: sig}, next, nil
}

// NewToken mints a token whose authority block is source.
func NewToken(root *crypto.KeyPair, source string, stream cipher.Stream) (*Token, error) {
	if _, err := Parse(source); err != nil {
		return nil, err
	}
	b, next, err := signBlock(root, 0, source, stream)
	if err != nil {
		return nil, err
	}
	proof, err := next.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return &Token{Blocks: []SignedBlock{b}, Proof: proof}, nil
}

// MintCapability mints a token granting c.
func MintCapability(root *crypto.KeyPair, c *Capability, stream cipher.Stream) (*Token, error) {
	return NewToken(root, c.Datalog(), stream)
}

// Attenuate returns a copy of t with a block of checks appended. The new
// block may only restrict.
func (t *Token) Attenuate(checks string, stream cipher.Stream) (*Token, error) {
	b, err := Parse(checks)
	if err != nil {
		return nil, err
	}
	if err := attenuationOnly(b); err != nil {
		return nil, err
	}
	kp, err := crypto.KeyPairFromBinary(t.Proof)
	if err != nil {
		return nil, err
	}
	sb, next, err := signBlock(kp, len(t.Blocks), checks, stream)
	if err != nil {
		return nil, err
	}
	proof, err := next.MarshalBinary()
	if err != nil {
		return nil, err
	}
	out := &Token{Blocks: append(append([]SignedBlock{}, t.Blocks...), sb), Proof: proof}
	return out, nil
}

func attenuationOnly(b *Block) error {
	if len(b.Facts) > 0 || len(b.Rules) > 0 || len(b.Policies) > 0 {
		return aura.NewError(aura.KindInvalidFormat, "attenuation blocks only hold checks")
	}
	return nil
}

// token is Token without its methods, so that the codec encodes the
// fields instead of calling MarshalBinary again.
type token Token

// MarshalBinary encodes the token canonically.
func (t *Token) MarshalBinary() ([]byte, error) {
	return wire.Marshal((*token)(t))
}

// UnmarshalBinary decodes a token written by MarshalBinary.
func (t *Token) UnmarshalBinary(buf []byte) error {
	return wire.Unmarshal(buf, (*token)(t))
}

// UnmarshalToken decodes a token.
func UnmarshalToken(buf []byte) (*Token, error) {
	t := &Token{}
	if err := t.UnmarshalBinary(buf); err != nil {
		return nil, err
	}
	if len(t.Blocks) == 0 {
		return nil, aura.NewError(aura.KindInvalidFormat, "token without authority block")
	}
	return t, nil
}

// Verify checks the signature chain from the root key and returns the
// parsed blocks.
func (t *Token) Verify(root []byte) ([]*Block, error) {
	if len(root) == 0 {
		return nil, aura.NewError(aura.KindInvalid, "no root key")
	}
	key := root
	var blocks []*Block
	for i, sb := range t.Blocks {
		if err := crypto.Verify(key, blockMessage(i, sb.Source, sb.NextKey), sb.Signature); err != nil {
			return nil, aura.ErrorOrNil(err, fmt.Sprintf("token block %d", i))
		}
		b, err := Parse(sb.Source)
		if err != nil {
			return nil, err
		}
		if i > 0 {
			if err := attenuationOnly(b); err != nil {
				return nil, err
			}
		} else if len(b.Policies) > 0 {
			return nil, aura.NewError(aura.KindInvalidFormat, "token blocks cannot hold policies")
		}
		blocks = append(blocks, b)
		key = sb.NextKey
	}
	kp, err := crypto.KeyPairFromBinary(t.Proof)
	if err != nil {
		return nil, err
	}
	if string(kp.Public()) != string(key) {
		return nil, aura.NewError(aura.KindInvalidSignature, "token proof does not match the last block")
	}
	return blocks, nil
}

// Decision is the outcome of an authorization. Denials are decisions, not
// errors.
type Decision struct {
	Authorized bool
	Reason     string
}

func deny(format string, args ...interface{}) Decision {
	return Decision{Reason: fmt.Sprintf(format, args...)}
}

// DefaultPolicy allows an operation on a resource the token has a right
// for, directly or through a parent path.
const DefaultPolicy = `allow if resource($r), operation($op), right($p, $op), $r.starts_with($p);`

// Authorizer evaluates tokens minted under a root key.
type Authorizer struct {
	Root  []byte
	Clock effects.Clock
	// Source holds the authorizer's own facts, rules, checks and
	// policies. It defaults to DefaultPolicy.
	Source string

	once  sync.Once
	block *Block
	err   error
}

// NewAuthorizer returns an authorizer with the default policy.
func NewAuthorizer(root []byte, clock effects.Clock) *Authorizer {
	return &Authorizer{Root: root, Clock: clock, Source: DefaultPolicy}
}

func (a *Authorizer) policyBlock() (*Block, error) {
	a.once.Do(func() {
		src := a.Source
		if src == "" {
			src = DefaultPolicy
		}
		a.block, a.err = Parse(src)
	})
	return a.block, a.err
}

// Authorize decides whether the encoded token allows op on scope. A
// malformed token or a missing root key is an error.
func (a *Authorizer) Authorize(token []byte, op string, scope Scope) (Decision, error) {
	t, err := UnmarshalToken(token)
	if err != nil {
		return Decision{}, err
	}
	return a.AuthorizeToken(t, op, scope)
}

// AuthorizeToken is Authorize for a decoded token.
func (a *Authorizer) AuthorizeToken(t *Token, op string, scope Scope) (Decision, error) {
	blocks, err := t.Verify(a.Root)
	if err != nil {
		return Decision{}, err
	}
	pb, err := a.policyBlock()
	if err != nil {
		return Decision{}, err
	}
	w := NewWorld()
	w.AddBlock(blocks[0])
	for _, f := range scope.Datalog() {
		w.AddFact(f)
	}
	w.AddFact(NewPredicate("operation", Str(op)))
	var now uint64
	if a.Clock != nil {
		now = a.Clock.NowMs()
	}
	w.AddFact(NewPredicate("time", Int(int64(now))))
	w.AddBlock(pb)
	if err := w.Run(); err != nil {
		return Decision{}, err
	}

	for i, b := range blocks {
		for _, c := range b.Checks {
			if !passes(w, c) {
				log.Lvlf3("token block %d: %s failed", i, c)
				return deny("block %d: %s failed", i, c), nil
			}
		}
	}
	for _, c := range pb.Checks {
		if !passes(w, c) {
			return deny("authorizer: %s failed", c), nil
		}
	}
	for _, p := range pb.Policies {
		for _, q := range p.Queries {
			if w.Query(q) {
				if p.Allow {
					return Decision{Authorized: true}, nil
				}
				return deny("denied by %s", p), nil
			}
		}
	}
	return deny("no policy matched %s on %s", op, scope), nil
}

func passes(w *World, c Check) bool {
	for _, q := range c.Queries {
		if w.Query(q) {
			return true
		}
	}
	return false
}
