// Package capability decides who may do what. It holds the capability
// lattice used for delegation, a biscuit-style token with a small datalog
// engine, and the flow budgets that bound what a peer may cost us in a
// context.
package capability

import (
	"fmt"
	"sort"
	"strings"

	"github.com/aura-labs/aura"
)

// Operations understood by the default policies.
const (
	OpRead          = "read"
	OpWrite         = "write"
	OpDelete        = "delete"
	OpDelegate      = "delegate"
	OpAddDevice     = "add_device"
	OpRemoveDevice  = "remove_device"
	OpChangePolicy  = "change_policy"
	OpRotate        = "rotate"
	OpRecover       = "recover"
	OpSend          = "send"
	OpReceive       = "receive"
	OpAddMember     = "add_member"
	OpRemoveMember  = "remove_member"
	OpChargeBudget  = "charge"
	OpRefreshBudget = "refresh"
)

// ScopeKind enumerates the resources a capability can cover.
type ScopeKind uint8

// Scope kinds. ScopeNone is the bottom of the lattice and covers nothing.
const (
	ScopeNone ScopeKind = iota
	ScopeAuthority
	ScopeContext
	ScopeStorage
)

func (k ScopeKind) String() string {
	switch k {
	case ScopeAuthority:
		return "authority"
	case ScopeContext:
		return "context"
	case ScopeStorage:
		return "storage"
	}
	return "none"
}

// Scope is a resource: an authority, a context, or a storage path owned by
// an authority.
type Scope struct {
	Kind      ScopeKind        `cbor:"1,keyasint"`
	Authority aura.AuthorityID `cbor:"2,keyasint,omitempty"`
	Context   aura.ContextID   `cbor:"3,keyasint,omitempty"`
	Path      string           `cbor:"4,keyasint,omitempty"`
}

// AuthorityScope covers everything an authority owns.
func AuthorityScope(a aura.AuthorityID) Scope {
	return Scope{Kind: ScopeAuthority, Authority: a}
}

// ContextScope covers a relational context.
func ContextScope(c aura.ContextID) Scope {
	return Scope{Kind: ScopeContext, Context: c}
}

// StorageScope covers path and everything below it in the storage of a.
func StorageScope(a aura.AuthorityID, path string) Scope {
	return Scope{Kind: ScopeStorage, Authority: a, Path: cleanPath(path)}
}

func cleanPath(p string) string {
	return strings.Trim(p, "/")
}

// under returns true if path p is q or below q, segment-wise.
func under(p, q string) bool {
	return q == "" || p == q || strings.HasPrefix(p, q+"/")
}

// LessEq returns true if s covers no more than o.
func (s Scope) LessEq(o Scope) bool {
	switch {
	case s.Kind == ScopeNone:
		return true
	case o.Kind == ScopeNone:
		return false
	}
	switch o.Kind {
	case ScopeAuthority:
		return (s.Kind == ScopeAuthority || s.Kind == ScopeStorage) && s.Authority == o.Authority
	case ScopeContext:
		return s.Kind == ScopeContext && s.Context == o.Context
	case ScopeStorage:
		return s.Kind == ScopeStorage && s.Authority == o.Authority && under(s.Path, o.Path)
	}
	return false
}

// Meet returns the greatest scope covered by both. Incomparable scopes
// meet at ScopeNone.
func (s Scope) Meet(o Scope) Scope {
	switch {
	case s.LessEq(o):
		return s
	case o.LessEq(s):
		return o
	}
	return Scope{}
}

// Resource returns the datalog resource path of the scope.
func (s Scope) Resource() string {
	switch s.Kind {
	case ScopeAuthority:
		return "/authority/" + s.Authority.String()
	case ScopeContext:
		return "/context/" + s.Context.String()
	case ScopeStorage:
		if s.Path == "" {
			return "/storage/" + s.Authority.String()
		}
		return "/storage/" + s.Authority.String() + "/" + s.Path
	}
	return "/none"
}

func (s Scope) String() string {
	return s.Resource()
}

// ParseScope is the inverse of Resource.
func ParseScope(resource string) (Scope, error) {
	parts := strings.SplitN(strings.TrimPrefix(resource, "/"), "/", 3)
	if len(parts) == 1 && parts[0] == "none" {
		return Scope{}, nil
	}
	if len(parts) < 2 {
		return Scope{}, aura.Errorf(aura.KindInvalidFormat, "resource %q", resource)
	}
	switch parts[0] {
	case "authority":
		a, err := aura.ParseAuthorityID(parts[1])
		if err != nil || len(parts) > 2 {
			return Scope{}, aura.Errorf(aura.KindInvalidFormat, "resource %q", resource)
		}
		return AuthorityScope(a), nil
	case "context":
		a, err := aura.ParseAuthorityID(parts[1])
		if err != nil || len(parts) > 2 {
			return Scope{}, aura.Errorf(aura.KindInvalidFormat, "resource %q", resource)
		}
		return ContextScope(aura.ContextID(a)), nil
	case "storage":
		a, err := aura.ParseAuthorityID(parts[1])
		if err != nil {
			return Scope{}, aura.Errorf(aura.KindInvalidFormat, "resource %q", resource)
		}
		path := ""
		if len(parts) == 3 {
			path = parts[2]
		}
		return StorageScope(a, path), nil
	}
	return Scope{}, aura.Errorf(aura.KindInvalidFormat, "resource %q", resource)
}

// Datalog returns the facts describing the scope to the authorizer.
func (s Scope) Datalog() []Predicate {
	out := []Predicate{NewPredicate("resource_type", Str(s.Kind.String()))}
	if s.Kind != ScopeNone {
		out = append(out, NewPredicate("resource", Str(s.Resource())))
	}
	return out
}

// Capability grants a subject a set of operations on a scope until an
// expiry, with a number of delegation levels left.
type Capability struct {
	Subject aura.AuthorityID `cbor:"1,keyasint"`
	Issuer  aura.AuthorityID `cbor:"2,keyasint"`
	// Ops is a sorted set.
	Ops   []string `cbor:"3,keyasint"`
	Scope Scope    `cbor:"4,keyasint"`
	// ExpiryMs of 0 never expires.
	ExpiryMs uint64 `cbor:"5,keyasint,omitempty"`
	Depth    uint8  `cbor:"6,keyasint,omitempty"`
}

// New returns a capability with a canonical operation set.
func New(issuer, subject aura.AuthorityID, scope Scope, ops []string, expiryMs uint64, depth uint8) *Capability {
	return &Capability{
		Subject:  subject,
		Issuer:   issuer,
		Ops:      opSet(ops),
		Scope:    scope,
		ExpiryMs: expiryMs,
		Depth:    depth,
	}
}

func opSet(ops []string) []string {
	seen := make(map[string]bool)
	out := []string{}
	for _, o := range ops {
		if !seen[o] {
			seen[o] = true
			out = append(out, o)
		}
	}
	sort.Strings(out)
	return out
}

// Allows returns true if op is in the capability's set.
func (c *Capability) Allows(op string) bool {
	i := sort.SearchStrings(c.Ops, op)
	return i < len(c.Ops) && c.Ops[i] == op
}

// Expired returns true once nowMs reached the expiry.
func (c *Capability) Expired(nowMs uint64) bool {
	return c.ExpiryMs != 0 && nowMs >= c.ExpiryMs
}

// expiryLessEq orders expiries with 0 as infinity.
func expiryLessEq(a, b uint64) bool {
	switch {
	case b == 0:
		return true
	case a == 0:
		return false
	}
	return a <= b
}

func minExpiry(a, b uint64) uint64 {
	if expiryLessEq(a, b) {
		return a
	}
	return b
}

// LessEq returns true if c grants no more than o: fewer operations, a
// narrower scope, an earlier expiry and fewer delegation levels. The
// subject is not part of the order.
func (c *Capability) LessEq(o *Capability) bool {
	for _, op := range c.Ops {
		if !o.Allows(op) {
			return false
		}
	}
	return c.Scope.LessEq(o.Scope) && expiryLessEq(c.ExpiryMs, o.ExpiryMs) && c.Depth <= o.Depth
}

// Meet returns the greatest capability below both c and o. It keeps the
// subject and issuer of c.
func (c *Capability) Meet(o *Capability) *Capability {
	var ops []string
	for _, op := range c.Ops {
		if o.Allows(op) {
			ops = append(ops, op)
		}
	}
	depth := c.Depth
	if o.Depth < depth {
		depth = o.Depth
	}
	return New(c.Issuer, c.Subject, c.Scope.Meet(o.Scope), ops, minExpiry(c.ExpiryMs, o.ExpiryMs), depth)
}

// Delegate derives the capability that source hands to target when asked
// for requested: the meet of both, consuming one delegation level.
func Delegate(source, requested *Capability, target aura.AuthorityID) (*Capability, error) {
	if source.Depth == 0 {
		return nil, aura.Errorf(aura.KindAuthorizationDenied, "capability of %s cannot be delegated", source.Subject)
	}
	d := source.Meet(requested)
	if d.Depth > source.Depth-1 {
		d.Depth = source.Depth - 1
	}
	d.Issuer = source.Subject
	d.Subject = target
	return d, nil
}

// VerifyCapability returns true if cap allows op on resource at nowMs.
func VerifyCapability(cap *Capability, op string, resource Scope, nowMs uint64) bool {
	return CheckCapability(cap, op, resource, nowMs) == nil
}

// CheckCapability is VerifyCapability returning the reason of a denial.
func CheckCapability(cap *Capability, op string, resource Scope, nowMs uint64) error {
	switch {
	case cap == nil:
		return aura.NewError(aura.KindAuthorizationDenied, "no capability")
	case cap.Expired(nowMs):
		return aura.Errorf(aura.KindAuthorizationDenied, "capability expired at %d", cap.ExpiryMs)
	case !cap.Allows(op):
		return aura.Errorf(aura.KindAuthorizationDenied, "operation %q not granted", op)
	case resource.Kind == ScopeNone || !resource.LessEq(cap.Scope):
		return aura.Errorf(aura.KindAuthorizationDenied, "%s is outside %s", resource, cap.Scope)
	}
	return nil
}

// Datalog returns the authority block granting c, for minting a token.
func (c *Capability) Datalog() string {
	var b strings.Builder
	res := Str(c.Scope.Resource()).String()
	for _, op := range c.Ops {
		b.WriteString("right(" + res + ", " + Str(op).String() + ");\n")
	}
	b.WriteString("subject(" + Str(c.Subject.String()).String() + ");\n")
	if c.ExpiryMs != 0 {
		b.WriteString("check if time($t), $t < " + Int(int64(c.ExpiryMs)).String() + ";\n")
	}
	return b.String()
}

func (c *Capability) String() string {
	return fmt.Sprintf("%s %v on %s (depth %d, expiry %d)", c.Subject, c.Ops, c.Scope, c.Depth, c.ExpiryMs)
}
