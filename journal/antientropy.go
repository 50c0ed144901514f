package journal

import (
	"fmt"

	"github.com/aura-labs/aura"
	"github.com/aura-labs/aura/crypto"
	"go.dedis.ch/onet/v3/log"
)

// SessionState is the state of one side of an anti-entropy session.
type SessionState uint8

// Session states. A timeout drops a session back to Idle; whatever was
// merged so far stays merged.
const (
	Idle SessionState = iota
	DigestExchange
	KeyExchange
	FactExchange
	Complete
)

func (s SessionState) String() string {
	switch s {
	case Idle:
		return "Idle"
	case DigestExchange:
		return "DigestExchange"
	case KeyExchange:
		return "KeyExchange"
	case FactExchange:
		return "FactExchange"
	case Complete:
		return "Complete"
	}
	return fmt.Sprintf("SessionState(%d)", uint8(s))
}

// DefaultMaxRounds bounds the bloom rounds of a session. Each round uses
// a fresh seed, so a fact hidden by a false positive crosses in a later
// round.
const DefaultMaxRounds = 4

// Message is the anti-entropy wire message. Exactly one variant is set.
type Message struct {
	Session        uint64          `cbor:"1,keyasint"`
	Round          uint32          `cbor:"2,keyasint"`
	DigestRequest  *DigestRequest  `cbor:"3,keyasint,omitempty"`
	DigestResponse *DigestResponse `cbor:"4,keyasint,omitempty"`
	KeyRequest     *KeyRequest     `cbor:"5,keyasint,omitempty"`
	FactResponse   *FactResponse   `cbor:"6,keyasint,omitempty"`
}

// DigestRequest opens a round with the initiator's digests.
type DigestRequest struct {
	Root     crypto.Hash32 `cbor:"1,keyasint"`
	Bloom    *Bloom        `cbor:"2,keyasint"`
	EpochMin uint64        `cbor:"3,keyasint"`
	EpochMax uint64        `cbor:"4,keyasint"`
}

// DigestResponse lists the keys the initiator probably lacks and carries
// the responder's filter for the push in the other direction.
type DigestResponse struct {
	Root    crypto.Hash32 `cbor:"1,keyasint"`
	InSync  bool          `cbor:"2,keyasint,omitempty"`
	Missing []string      `cbor:"3,keyasint,omitempty"`
	Bloom   *Bloom        `cbor:"4,keyasint,omitempty"`
}

// KeyRequest asks for the full facts and pushes what the responder
// probably lacks.
type KeyRequest struct {
	Keys []string      `cbor:"1,keyasint,omitempty"`
	Push []*SignedFact `cbor:"2,keyasint,omitempty"`
}

// FactResponse carries the requested facts and the responder's root once
// the push is merged.
type FactResponse struct {
	Facts []*SignedFact `cbor:"1,keyasint,omitempty"`
	Root  crypto.Hash32 `cbor:"2,keyasint"`
}

// Initiator is the side R of a session.
type Initiator struct {
	j         *Journal
	peer      aura.AuthorityID
	id        uint64
	round     uint32
	seed      func() uint64
	state     SessionState
	MaxRounds uint32
	// Converged is set when the session completed with equal roots.
	Converged bool
	Merged    int
}

// NewInitiator prepares a session with peer. seed draws the bloom seed
// of each round.
func (j *Journal) NewInitiator(peer aura.AuthorityID, session uint64, seed func() uint64) *Initiator {
	return &Initiator{j: j, peer: peer, id: session, seed: seed, MaxRounds: DefaultMaxRounds}
}

// State returns the session state.
func (in *Initiator) State() SessionState { return in.state }

// Reset drops the session to Idle after a timeout.
func (in *Initiator) Reset() {
	log.Lvlf3("anti-entropy %d with %s: reset from %s", in.id, in.peer, in.state)
	in.state = Idle
}

// Start opens a round.
func (in *Initiator) Start() *Message {
	snap := in.j.Snapshot()
	lo, hi := snap.EpochRange()
	in.state = DigestExchange
	return &Message{Session: in.id, Round: in.round, DigestRequest: &DigestRequest{
		Root:     snap.MerkleRoot(),
		Bloom:    snap.BloomFilter(in.seed()),
		EpochMin: lo,
		EpochMax: hi,
	}}
}

// Handle processes the responder's message and returns the reply, nil
// once the session is complete.
func (in *Initiator) Handle(m *Message) (*Message, error) {
	if m.Session != in.id || m.Round != in.round {
		return nil, aura.Errorf(aura.KindInvalid, "message for session %d round %d", m.Session, m.Round)
	}
	switch {
	case in.state == DigestExchange && m.DigestResponse != nil:
		resp := m.DigestResponse
		snap := in.j.Snapshot()
		if resp.InSync || resp.Root == snap.MerkleRoot() {
			in.complete(true)
			return nil, nil
		}
		req := &KeyRequest{Keys: resp.Missing}
		if resp.Bloom != nil {
			for _, f := range snap.Facts() {
				if !resp.Bloom.Has(bloomEntry(f)) {
					req.Push = append(req.Push, f)
				}
			}
		}
		in.state = KeyExchange
		log.Lvlf3("anti-entropy %d: requesting %d keys, pushing %d facts", in.id, len(req.Keys), len(req.Push))
		return &Message{Session: in.id, Round: in.round, KeyRequest: req}, nil
	case in.state == KeyExchange && m.FactResponse != nil:
		in.state = FactExchange
		in.Merged += in.j.mergeFrom(in.peer, m.FactResponse.Facts)
		if in.j.MerkleRoot() == m.FactResponse.Root {
			in.complete(true)
			return nil, nil
		}
		if in.round+1 >= in.MaxRounds {
			in.complete(false)
			return nil, nil
		}
		in.round++
		return in.Start(), nil
	}
	return nil, aura.Errorf(aura.KindInvalid, "unexpected message in state %s", in.state)
}

func (in *Initiator) complete(converged bool) {
	in.state = Complete
	in.Converged = converged
	log.Lvlf2("anti-entropy %d with %s complete after %d rounds, converged=%v", in.id, in.peer, in.round+1, converged)
}

// Responder is the side S of a session.
type Responder struct {
	j     *Journal
	peer  aura.AuthorityID
	id    uint64
	round uint32
	state SessionState
}

// NewResponder prepares the answering side of a session.
func (j *Journal) NewResponder(peer aura.AuthorityID, session uint64) *Responder {
	return &Responder{j: j, peer: peer, id: session}
}

// State returns the session state.
func (r *Responder) State() SessionState { return r.state }

// Reset drops the session to Idle after a timeout.
func (r *Responder) Reset() { r.state = Idle }

// Handle processes the initiator's message and returns the reply.
func (r *Responder) Handle(m *Message) (*Message, error) {
	if m.Session != r.id {
		return nil, aura.Errorf(aura.KindInvalid, "message for session %d", m.Session)
	}
	switch {
	case m.DigestRequest != nil:
		req := m.DigestRequest
		r.round = m.Round
		r.state = DigestExchange
		snap := r.j.Snapshot()
		root := snap.MerkleRoot()
		if root == req.Root {
			r.state = Complete
			return &Message{Session: r.id, Round: r.round, DigestResponse: &DigestResponse{Root: root, InSync: true}}, nil
		}
		var seed uint64
		if req.Bloom != nil {
			seed = req.Bloom.Seed ^ 0x5a5a5a5a5a5a5a5a
		}
		resp := &DigestResponse{Root: root, Bloom: snap.BloomFilter(seed)}
		for _, f := range snap.Facts() {
			if f.Epoch > req.EpochMax || req.Bloom == nil || !req.Bloom.Has(bloomEntry(f)) {
				resp.Missing = append(resp.Missing, f.Key)
			}
		}
		r.state = KeyExchange
		return &Message{Session: r.id, Round: r.round, DigestResponse: resp}, nil
	case r.state == KeyExchange && m.KeyRequest != nil && m.Round == r.round:
		r.state = FactExchange
		r.j.mergeFrom(r.peer, m.KeyRequest.Push)
		resp := &FactResponse{}
		snap := r.j.Snapshot()
		for _, k := range m.KeyRequest.Keys {
			if f, ok := snap.Get(k); ok {
				resp.Facts = append(resp.Facts, f)
			}
		}
		resp.Root = snap.MerkleRoot()
		r.state = Complete
		return &Message{Session: r.id, Round: r.round, FactResponse: resp}, nil
	}
	return nil, aura.Errorf(aura.KindInvalid, "unexpected message in state %s", r.state)
}

// mergeFrom commits facts received from a peer. Invalid facts are
// dropped one by one.
func (j *Journal) mergeFrom(peer aura.AuthorityID, facts []*SignedFact) int {
	n := 0
	for _, f := range facts {
		before := j.Seq()
		if err := j.CommitFrom(peer, f); err != nil {
			log.Warnf("dropping fact %s from %s: %v", f.Key, peer, err)
			continue
		}
		if j.Seq() != before {
			n++
		}
	}
	return n
}
