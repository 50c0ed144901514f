package ceremony

import (
	"context"
	"strings"
	"time"

	"github.com/aura-labs/aura"
	"github.com/aura-labs/aura/crypto"
	"github.com/aura-labs/aura/effects"
	"github.com/aura-labs/aura/internal/wire"
	"github.com/aura-labs/aura/storage"
	"github.com/aura-labs/aura/tree"
	"go.dedis.ch/onet/v3/log"
)

// DefaultRetention is how long terminal records are kept.
const DefaultRetention = 24 * time.Hour

const recordPrefix = "ceremonies/"

// Record is the persisted state of a ceremony. Nonces are never
// persisted: a ceremony interrupted by a crash cannot resume.
type Record struct {
	ID            crypto.Hash32    `cbor:"1,keyasint"`
	Prestate      crypto.Hash32    `cbor:"2,keyasint"`
	OperationHash crypto.Hash32    `cbor:"3,keyasint"`
	Epoch         tree.Epoch       `cbor:"4,keyasint"`
	Coordinator   aura.AuthorityID `cbor:"5,keyasint"`
	Signers       []tree.LeafIndex `cbor:"6,keyasint"`
	Round         uint8            `cbor:"7,keyasint"`
	Outcome       Outcome          `cbor:"8,keyasint"`
	UpdatedMs     uint64           `cbor:"9,keyasint"`
}

// RecordKey returns ceremonies/{ceremony_id}.cbor.
func RecordKey(id crypto.Hash32) string {
	return recordPrefix + id.Hex() + ".cbor"
}

// Records persists ceremony records.
type Records struct {
	store     storage.Storage
	clock     effects.Clock
	retention time.Duration
}

// NewRecords returns a record store. A zero retention uses
// DefaultRetention.
func NewRecords(s storage.Storage, clock effects.Clock, retention time.Duration) *Records {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Records{store: s, clock: clock, retention: retention}
}

// Save writes r.
func (rs *Records) Save(ctx context.Context, r *Record) error {
	buf, err := wire.Marshal(r)
	if err != nil {
		return err
	}
	return rs.store.Write(ctx, RecordKey(r.ID), buf)
}

// Load reads the record of id.
func (rs *Records) Load(ctx context.Context, id crypto.Hash32) (*Record, error) {
	buf, ok, err := rs.store.Read(ctx, RecordKey(id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, aura.Errorf(aura.KindNotFound, "no record of ceremony %s", id.Prefix())
	}
	r := &Record{}
	if err := wire.Unmarshal(buf, r); err != nil {
		return nil, err
	}
	return r, nil
}

// List returns every stored record. Unreadable records are skipped.
func (rs *Records) List(ctx context.Context) ([]*Record, error) {
	keys, err := rs.store.ListKeys(ctx, recordPrefix)
	if err != nil {
		return nil, err
	}
	var out []*Record
	for _, k := range keys {
		if !strings.HasSuffix(k, ".cbor") {
			continue
		}
		buf, ok, err := rs.store.Read(ctx, k)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		r := &Record{}
		if err := wire.Unmarshal(buf, r); err != nil {
			log.Warnf("skipping %s: %v", k, err)
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// Prune deletes the terminal records older than the retention and returns
// how many went.
func (rs *Records) Prune(ctx context.Context) (int, error) {
	recs, err := rs.List(ctx)
	if err != nil {
		return 0, err
	}
	now := rs.clock.NowMs()
	grace := uint64(rs.retention / time.Millisecond)
	n := 0
	for _, r := range recs {
		if !r.Outcome.State.Terminal() || r.UpdatedMs+grace > now {
			continue
		}
		if err := rs.store.Delete(ctx, RecordKey(r.ID)); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		log.Lvlf2("pruned %d ceremony records", n)
	}
	return n, nil
}

// Evidence tells which ceremony committed on a prestate, as recorded in
// the journal and the tree history.
type Evidence interface {
	CommittedOn(prestate crypto.Hash32) (crypto.Hash32, bool)
}

// Rehydrate settles the records left open by a crash. A record whose
// prestate has a committed ceremony becomes Committed if it is that
// ceremony and Superseded{PrestateStale} otherwise. Anything else lost its
// nonces and is superseded with Timeout. The settled records are saved
// and returned.
func (rs *Records) Rehydrate(ctx context.Context, ev Evidence) ([]*Record, error) {
	recs, err := rs.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Record
	for _, r := range recs {
		if r.Outcome.State.Terminal() {
			continue
		}
		w, ok := ev.CommittedOn(r.Prestate)
		switch {
		case ok && w == r.ID:
			r.Outcome = Outcome{State: Committed}
		case ok:
			r.Outcome = Outcome{State: Superseded, Reason: PrestateStale, Winner: w}
		default:
			r.Outcome = Outcome{State: Superseded, Reason: Timeout}
		}
		r.UpdatedMs = rs.clock.NowMs()
		if err := rs.Save(ctx, r); err != nil {
			return nil, err
		}
		log.Lvlf1("ceremony %s rehydrated as %s", r.ID.Prefix(), r.Outcome)
		out = append(out, r)
	}
	return out, nil
}
