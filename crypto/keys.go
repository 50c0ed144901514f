package crypto

import (
	"crypto/cipher"

	"github.com/aura-labs/aura"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/sign/eddsa"
	"golang.org/x/xerrors"
)

// PublicKeySize is the size of a marshalled Ed25519 public key.
const PublicKeySize = 32

// SignatureSize is the size of an Ed25519 signature.
const SignatureSize = 64

// KeyPair is an Ed25519 device or guardian key.
type KeyPair struct {
	ed *eddsa.EdDSA
}

// NewKeyPair creates a key from the given random stream.
func NewKeyPair(stream cipher.Stream) *KeyPair {
	return &KeyPair{ed: eddsa.NewEdDSA(stream)}
}

// KeyPairFromBinary restores a key created by MarshalBinary.
func KeyPairFromBinary(buf []byte) (*KeyPair, error) {
	ed := &eddsa.EdDSA{}
	if err := ed.UnmarshalBinary(buf); err != nil {
		return nil, aura.Errorf(aura.KindInvalidFormat, "key pair: %v", err)
	}
	return &KeyPair{ed: ed}, nil
}

// MarshalBinary returns the secret seed followed by the public key.
func (k *KeyPair) MarshalBinary() ([]byte, error) {
	return k.ed.MarshalBinary()
}

// Public returns the marshalled public key.
func (k *KeyPair) Public() []byte {
	buf, err := k.ed.Public.MarshalBinary()
	if err != nil {
		// Marshalling an edwards25519 point cannot fail.
		panic(err)
	}
	return buf
}

// PublicPoint returns the public key as a group element.
func (k *KeyPair) PublicPoint() kyber.Point {
	return k.ed.Public
}

// Secret returns the secret scalar. It is used as the dealer secret when
// an account is bootstrapped from a single device.
func (k *KeyPair) Secret() kyber.Scalar {
	return k.ed.Secret
}

// Agree returns the Diffie-Hellman secret shared with the holder of the
// marshalled public key peer. Both sides obtain the same bytes.
func (k *KeyPair) Agree(peer []byte) ([]byte, error) {
	p, err := PointFromBytes(peer)
	if err != nil {
		return nil, err
	}
	shared := aura.Suite.Point().Mul(k.ed.Secret, p)
	h := NewHasher("AURA_DH").Bytes(PointBytes(shared)).Sum()
	return h[:], nil
}

// Sign signs msg with the RFC 8032 Ed25519 scheme.
func (k *KeyPair) Sign(msg []byte) ([]byte, error) {
	sig, err := k.ed.Sign(msg)
	if err != nil {
		return nil, xerrors.Errorf("signing: %v", err)
	}
	return sig, nil
}

// Verify checks an Ed25519 signature of msg under the marshalled public
// key.
func Verify(public, msg, sig []byte) error {
	p, err := PointFromBytes(public)
	if err != nil {
		return err
	}
	if err := eddsa.Verify(p, msg, sig); err != nil {
		return aura.Errorf(aura.KindInvalidSignature, "ed25519: %v", err)
	}
	return nil
}

// PointFromBytes decodes a marshalled group element.
func PointFromBytes(buf []byte) (kyber.Point, error) {
	p := aura.Suite.Point()
	if err := p.UnmarshalBinary(buf); err != nil {
		return nil, aura.Errorf(aura.KindInvalidFormat, "point: %v", err)
	}
	return p, nil
}

// ScalarFromBytes decodes a marshalled scalar.
func ScalarFromBytes(buf []byte) (kyber.Scalar, error) {
	s := aura.Suite.Scalar()
	if err := s.UnmarshalBinary(buf); err != nil {
		return nil, aura.Errorf(aura.KindInvalidFormat, "scalar: %v", err)
	}
	return s, nil
}

// PointBytes marshals a group element.
func PointBytes(p kyber.Point) []byte {
	buf, err := p.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return buf
}

// ScalarBytes marshals a scalar.
func ScalarBytes(s kyber.Scalar) []byte {
	buf, err := s.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return buf
}
