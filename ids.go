package aura

import (
	"bytes"
	"encoding/hex"
	"io"

	uuid "github.com/satori/go.uuid"
	"golang.org/x/xerrors"
)

// AuthorityID identifies an account, a device or a guardian: the holder of
// a keypair. It is UUID-shaped.
type AuthorityID [16]byte

// ContextID identifies a relational context in which facts and channels
// live.
type ContextID [16]byte

// ChannelID identifies an encrypted channel inside a context.
type ChannelID [32]byte

// NewAuthorityID reads 16 bytes from the given source and formats them as
// a version 4 UUID. Use the effects random source so that ids are
// reproducible in simulation.
func NewAuthorityID(r io.Reader) (AuthorityID, error) {
	var id AuthorityID
	if _, err := io.ReadFull(r, id[:]); err != nil {
		return id, xerrors.Errorf("reading id: %v", err)
	}
	u := uuid.UUID(id)
	u.SetVersion(uuid.V4)
	u.SetVariant(uuid.VariantRFC4122)
	return AuthorityID(u), nil
}

// NamedAuthorityID derives a stable id from a name. It is used for
// well-known principals in tests and tooling.
func NamedAuthorityID(name string) AuthorityID {
	return AuthorityID(uuid.NewV5(uuid.NamespaceOID, "aura.authority."+name))
}

// ParseAuthorityID parses the canonical UUID representation.
func ParseAuthorityID(s string) (AuthorityID, error) {
	u, err := uuid.FromString(s)
	if err != nil {
		return AuthorityID{}, Errorf(KindInvalidFormat, "authority id %q: %v", s, err)
	}
	return AuthorityID(u), nil
}

func (a AuthorityID) String() string {
	return uuid.UUID(a).String()
}

// IsNil returns true for the all-zero id.
func (a AuthorityID) IsNil() bool {
	return a == AuthorityID{}
}

// Less orders authority ids bytewise.
func (a AuthorityID) Less(b AuthorityID) bool {
	return bytes.Compare(a[:], b[:]) < 0
}

// NamedContextID derives a stable context id from a name.
func NamedContextID(name string) ContextID {
	return ContextID(uuid.NewV5(uuid.NamespaceOID, "aura.context."+name))
}

func (c ContextID) String() string {
	return uuid.UUID(c).String()
}

func (c ChannelID) String() string {
	return hex.EncodeToString(c[:])
}

// Short returns the first 8 bytes in hex, enough for logs and keys.
func (c ChannelID) Short() string {
	return hex.EncodeToString(c[:8])
}
