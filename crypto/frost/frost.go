// Package frost implements the share arithmetic of the FROST threshold
// Schnorr scheme over Ed25519.
//
// Signers are identified by their share index i, evaluated at x = i+1 as in
// kyber's share package. The aggregated signature R || z is a plain
// Schnorr signature with challenge H(R || X || M), so it verifies with
// kyber's schnorr.Verify against the group key X.
package frost

import (
	"bytes"
	"crypto/cipher"
	"crypto/sha512"
	"encoding/binary"
	"sort"

	"github.com/aura-labs/aura"
	"github.com/aura-labs/aura/crypto"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/share"
	"go.dedis.ch/kyber/v3/sign/schnorr"
	"golang.org/x/xerrors"
)

// SignatureSize is the size of an aggregated signature.
const SignatureSize = 64

var suite = aura.Suite

// KeyShare is one participant's share of the group secret.
type KeyShare struct {
	Index    int
	Secret   kyber.Scalar
	GroupKey kyber.Point
}

// Public returns the verification share Y_i = s_i * G.
func (ks *KeyShare) Public() kyber.Point {
	return suite.Point().Mul(ks.Secret, nil)
}

// PriShare returns the share in kyber's representation.
func (ks *KeyShare) PriShare() *share.PriShare {
	return &share.PriShare{I: ks.Index, V: ks.Secret}
}

// Deal splits secret into shares for the given indices so that any t of
// them can sign. A nil secret picks a fresh one.
func Deal(secret kyber.Scalar, t int, indices []int, stream cipher.Stream) ([]*KeyShare, kyber.Point, error) {
	if t < 1 || t > len(indices) {
		return nil, nil, aura.Errorf(aura.KindPolicyViolation, "threshold %d out of range for %d participants", t, len(indices))
	}
	if err := checkIndices(indices); err != nil {
		return nil, nil, err
	}
	if secret == nil {
		secret = suite.Scalar().Pick(stream)
	}
	poly := share.NewPriPoly(suite, t, secret, stream)
	group := suite.Point().Mul(secret, nil)
	out := make([]*KeyShare, len(indices))
	for k, i := range indices {
		ps := poly.Eval(i)
		out[k] = &KeyShare{Index: i, Secret: ps.V, GroupKey: group}
	}
	return out, group, nil
}

func checkIndices(indices []int) error {
	seen := make(map[int]bool, len(indices))
	for _, i := range indices {
		if i < 0 {
			return aura.Errorf(aura.KindInvalid, "negative share index %d", i)
		}
		if seen[i] {
			return aura.Errorf(aura.KindInvalid, "duplicate share index %d", i)
		}
		seen[i] = true
	}
	return nil
}

// Nonce is a signer's single-use secret nonce pair.
type Nonce struct {
	D kyber.Scalar
	E kyber.Scalar
}

// Commitment is the public part of a nonce pair.
type Commitment struct {
	Index int
	D     kyber.Point
	E     kyber.Point
}

// NewNonce picks a fresh nonce pair and its commitment.
func NewNonce(index int, stream cipher.Stream) (*Nonce, *Commitment) {
	n := &Nonce{
		D: suite.Scalar().Pick(stream),
		E: suite.Scalar().Pick(stream),
	}
	return n, &Commitment{
		Index: index,
		D:     suite.Point().Mul(n.D, nil),
		E:     suite.Point().Mul(n.E, nil),
	}
}

// SortCommitments orders commitments by signer index, the order all
// parties use when encoding the commitment list.
func SortCommitments(cs []*Commitment) {
	sort.Slice(cs, func(a, b int) bool { return cs[a].Index < cs[b].Index })
}

func encodeCommitments(cs []*Commitment) []byte {
	var buf bytes.Buffer
	var idx [4]byte
	for _, c := range cs {
		binary.LittleEndian.PutUint32(idx[:], uint32(c.Index))
		buf.Write(idx[:])
		buf.Write(crypto.PointBytes(c.D))
		buf.Write(crypto.PointBytes(c.E))
	}
	return buf.Bytes()
}

// BindingFactor returns rho_i, which binds signer i's share to the message
// and to the full commitment list.
func BindingFactor(index int, msg []byte, cs []*Commitment) kyber.Scalar {
	var idx [4]byte
	binary.LittleEndian.PutUint32(idx[:], uint32(index))
	wide := crypto.Wide("FROST_BINDING_v1", idx[:], msg, encodeCommitments(cs))
	return suite.Scalar().SetBytes(wide)
}

// GroupCommitment returns R = sum(D_i + rho_i * E_i).
func GroupCommitment(msg []byte, cs []*Commitment) kyber.Point {
	R := suite.Point().Null()
	for _, c := range cs {
		rho := BindingFactor(c.Index, msg, cs)
		R.Add(R, c.D)
		R.Add(R, suite.Point().Mul(rho, c.E))
	}
	return R
}

// Challenge returns c = H(R || X || M), the challenge used by kyber's
// Schnorr signatures.
func Challenge(R, X kyber.Point, msg []byte) kyber.Scalar {
	h := sha512.New()
	h.Write(crypto.PointBytes(R))
	h.Write(crypto.PointBytes(X))
	h.Write(msg)
	return suite.Scalar().SetBytes(h.Sum(nil))
}

// Lagrange returns the Lagrange coefficient of index i for interpolation
// at zero over the given signer set.
func Lagrange(i int, set []int) (kyber.Scalar, error) {
	num := suite.Scalar().One()
	den := suite.Scalar().One()
	xi := suite.Scalar().SetInt64(int64(i + 1))
	found := false
	for _, j := range set {
		if j == i {
			found = true
			continue
		}
		xj := suite.Scalar().SetInt64(int64(j + 1))
		num.Mul(num, xj)
		den.Mul(den, suite.Scalar().Sub(xj, xi))
	}
	if !found {
		return nil, aura.Errorf(aura.KindInvalid, "index %d not in signer set", i)
	}
	if den.Equal(suite.Scalar().Zero()) {
		return nil, aura.Errorf(aura.KindInvalid, "duplicate index in signer set")
	}
	return suite.Scalar().Div(num, den), nil
}

func signerSet(cs []*Commitment) []int {
	set := make([]int, len(cs))
	for k, c := range cs {
		set[k] = c.Index
	}
	return set
}

func findCommitment(index int, cs []*Commitment) *Commitment {
	for _, c := range cs {
		if c.Index == index {
			return c
		}
	}
	return nil
}

// SignShare computes signer i's partial signature
// z_i = d_i + e_i * rho_i + lambda_i * s_i * c.
// The nonce must never be used again afterwards.
func SignShare(ks *KeyShare, nonce *Nonce, msg []byte, cs []*Commitment) (kyber.Scalar, error) {
	own := findCommitment(ks.Index, cs)
	if own == nil {
		return nil, aura.Errorf(aura.KindInvalid, "own commitment %d missing", ks.Index)
	}
	if !own.D.Equal(suite.Point().Mul(nonce.D, nil)) || !own.E.Equal(suite.Point().Mul(nonce.E, nil)) {
		return nil, aura.Errorf(aura.KindInvalid, "commitment of %d does not match the nonce", ks.Index)
	}
	lambda, err := Lagrange(ks.Index, signerSet(cs))
	if err != nil {
		return nil, err
	}
	rho := BindingFactor(ks.Index, msg, cs)
	R := GroupCommitment(msg, cs)
	c := Challenge(R, ks.GroupKey, msg)

	z := suite.Scalar().Mul(nonce.E, rho)
	z.Add(z, nonce.D)
	lsc := suite.Scalar().Mul(lambda, ks.Secret)
	lsc.Mul(lsc, c)
	return z.Add(z, lsc), nil
}

// VerifyShare checks z_i * G == D_i + rho_i * E_i + c * lambda_i * Y_i.
func VerifyShare(index int, z kyber.Scalar, public, group kyber.Point, msg []byte, cs []*Commitment) error {
	own := findCommitment(index, cs)
	if own == nil {
		return aura.Errorf(aura.KindInvalid, "commitment %d missing", index)
	}
	lambda, err := Lagrange(index, signerSet(cs))
	if err != nil {
		return err
	}
	rho := BindingFactor(index, msg, cs)
	c := Challenge(GroupCommitment(msg, cs), group, msg)

	left := suite.Point().Mul(z, nil)
	right := suite.Point().Mul(rho, own.E)
	right.Add(right, own.D)
	lc := suite.Scalar().Mul(lambda, c)
	right.Add(right, suite.Point().Mul(lc, public))
	if !left.Equal(right) {
		return aura.Errorf(aura.KindInvalidSignature, "invalid signature share from %d", index)
	}
	return nil
}

// Aggregate sums the partial signatures into R || z.
func Aggregate(msg []byte, cs []*Commitment, shares map[int]kyber.Scalar) ([]byte, error) {
	z := suite.Scalar().Zero()
	for _, c := range cs {
		zi, ok := shares[c.Index]
		if !ok {
			return nil, aura.Errorf(aura.KindInsufficientSigners, "share of %d missing", c.Index)
		}
		z.Add(z, zi)
	}
	R := GroupCommitment(msg, cs)
	var buf bytes.Buffer
	buf.Write(crypto.PointBytes(R))
	buf.Write(crypto.ScalarBytes(z))
	return buf.Bytes(), nil
}

// Verify checks an aggregated signature against the group key.
func Verify(group kyber.Point, msg, sig []byte) error {
	if err := schnorr.Verify(suite, group, msg, sig); err != nil {
		return aura.Errorf(aura.KindInvalidAttestation, "threshold signature: %v", err)
	}
	return nil
}

// Contribution is what one holder of a qualified set deals during a
// reshare: an evaluation for each new participant of a fresh polynomial
// of degree newT-1 whose constant term is lambda_i * s_i, and the public
// commitments of that polynomial. Summing the contributions of the whole
// set yields shares of the unchanged group secret.
type Contribution struct {
	From    int
	Shares  map[int]kyber.Scalar
	Commits []kyber.Point
}

// ReshareDeal returns the contribution of ks to a reshare from set to
// newIndices.
func ReshareDeal(ks *KeyShare, set []int, newT int, newIndices []int, stream cipher.Stream) (*Contribution, error) {
	if newT < 1 || newT > len(newIndices) {
		return nil, aura.Errorf(aura.KindPolicyViolation, "threshold %d out of range for %d participants", newT, len(newIndices))
	}
	if err := checkIndices(newIndices); err != nil {
		return nil, err
	}
	lambda, err := Lagrange(ks.Index, set)
	if err != nil {
		return nil, err
	}
	poly := share.NewPriPoly(suite, newT, suite.Scalar().Mul(lambda, ks.Secret), stream)
	c := &Contribution{From: ks.Index, Shares: make(map[int]kyber.Scalar, len(newIndices))}
	for _, j := range newIndices {
		c.Shares[j] = poly.Eval(j).V
	}
	_, c.Commits = poly.Commit(nil).Info()
	return c, nil
}

// ReshareContribution returns only the shares of ReshareDeal.
func ReshareContribution(ks *KeyShare, set []int, newT int, newIndices []int, stream cipher.Stream) (map[int]kyber.Scalar, error) {
	c, err := ReshareDeal(ks, set, newT, newIndices, stream)
	if err != nil {
		return nil, err
	}
	return c.Shares, nil
}

// CheckShare verifies a dealt share against the dealer's commitments.
func CheckShare(index int, s kyber.Scalar, commits []kyber.Point) error {
	if len(commits) == 0 {
		return aura.NewError(aura.KindInvalidFormat, "no commitments")
	}
	pub := share.NewPubPoly(suite, nil, commits)
	if !pub.Check(&share.PriShare{I: index, V: s}) {
		return aura.Errorf(aura.KindInvalidSignature, "share %d does not match its commitments", index)
	}
	return nil
}

// ResharedPublic returns the verification share of index j once the
// contributions with the given commitments are combined.
func ResharedPublic(j int, commits [][]kyber.Point) kyber.Point {
	sum := suite.Point().Null()
	for _, c := range commits {
		sum.Add(sum, share.NewPubPoly(suite, nil, c).Eval(j).V)
	}
	return sum
}

// ResharedGroup returns the group key the contributions share: the sum of
// their constant terms. It equals the old group key for an honest set.
func ResharedGroup(commits [][]kyber.Point) kyber.Point {
	sum := suite.Point().Null()
	for _, c := range commits {
		if len(c) > 0 {
			sum.Add(sum, c[0])
		}
	}
	return sum
}

// CombineReshare sums the contributions addressed to each new participant.
func CombineReshare(group kyber.Point, newIndices []int, contributions []map[int]kyber.Scalar) ([]*KeyShare, error) {
	out := make([]*KeyShare, len(newIndices))
	for k, j := range newIndices {
		s := suite.Scalar().Zero()
		for _, c := range contributions {
			v, ok := c[j]
			if !ok {
				return nil, aura.Errorf(aura.KindInvalid, "contribution for %d missing", j)
			}
			s.Add(s, v)
		}
		out[k] = &KeyShare{Index: j, Secret: s, GroupKey: group}
	}
	return out, nil
}

// Reshare runs all contributions locally. It is what a dealer holding a
// qualified set of shares does, e.g. in tests and single-device accounts.
func Reshare(qualified []*KeyShare, newT int, newIndices []int, stream cipher.Stream) ([]*KeyShare, error) {
	if len(qualified) == 0 {
		return nil, aura.NewError(aura.KindInsufficientSigners, "no shares to reshare from")
	}
	set := make([]int, len(qualified))
	for k, ks := range qualified {
		set[k] = ks.Index
	}
	var contribs []map[int]kyber.Scalar
	for _, ks := range qualified {
		c, err := ReshareContribution(ks, set, newT, newIndices, stream)
		if err != nil {
			return nil, err
		}
		contribs = append(contribs, c)
	}
	return CombineReshare(qualified[0].GroupKey, newIndices, contribs)
}

// RecoverSecret interpolates the group secret from at least t shares and
// checks it against the group key.
func RecoverSecret(shares []*KeyShare, t int, group kyber.Point) (kyber.Scalar, error) {
	n := 0
	pri := make([]*share.PriShare, len(shares))
	for k, ks := range shares {
		pri[k] = ks.PriShare()
		if ks.Index+1 > n {
			n = ks.Index + 1
		}
	}
	secret, err := share.RecoverSecret(suite, pri, t, n)
	if err != nil {
		return nil, aura.Errorf(aura.KindInsufficientSigners, "recovering secret: %v", err)
	}
	if group != nil && !suite.Point().Mul(secret, nil).Equal(group) {
		return nil, aura.NewError(aura.KindInvalidSignature, "recovered secret does not match the group key")
	}
	return secret, nil
}

// EncodeScalar and DecodeScalar move scalars through the wire formats.
func EncodeScalar(s kyber.Scalar) []byte {
	return crypto.ScalarBytes(s)
}

// DecodeScalar is the inverse of EncodeScalar.
func DecodeScalar(buf []byte) (kyber.Scalar, error) {
	s, err := crypto.ScalarFromBytes(buf)
	if err != nil {
		return nil, xerrors.Errorf("frost scalar: %v", err)
	}
	return s, nil
}
