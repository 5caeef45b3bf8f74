package guardian

import (
    "crypto/rand"
    "encoding/hex"
    "fmt"
    "runtime"

    "github.com/btcsuite/btcd/btcec/v2"
)

// Secp256k1Curve implements the Curve interface for secp256k1
type Secp256k1Curve struct{}

// NewSecp256k1Curve creates a new secp256k1 curve instance
func NewSecp256k1Curve() *Secp256k1Curve {
    return &Secp256k1Curve{}
}

func (c *Secp256k1Curve) Name() string    { return string(Secp256k1) }
func (c *Secp256k1Curve) ScalarSize() int { return 32 }
func (c *Secp256k1Curve) PointSize() int  { return 33 } // Compressed

func (c *Secp256k1Curve) ScalarFromBytes(data []byte) (Scalar, error) {
    if len(data) != 32 {
        return nil, ErrInvalidScalarLength
    }

    scalar := new(btcec.ModNScalar)
    if overflow := scalar.SetBytes((*[32]byte)(data)); overflow != 0 {
        return nil, ErrInvalidScalar
    }

    return &Secp256k1Scalar{inner: scalar}, nil
}

func (c *Secp256k1Curve) ScalarFromUniformBytes(data []byte) (Scalar, error) {
    if len(data) < 32 {
        return nil, fmt.Errorf("need at least 32 bytes for uniform scalar generation, got %d", len(data))
    }

    // First 32 bytes reduced modulo the group order
    scalar := new(btcec.ModNScalar)
    scalar.SetBytes((*[32]byte)(data[:32]))
    return &Secp256k1Scalar{inner: scalar}, nil
}

func (c *Secp256k1Curve) ScalarFromUint32(v uint32) Scalar {
    scalar := new(btcec.ModNScalar)
    scalar.SetInt(v)
    return &Secp256k1Scalar{inner: scalar}
}

func (c *Secp256k1Curve) ScalarRandom() (Scalar, error) {
    var bytes [32]byte
    defer ZeroizeBytes(bytes[:])
    for {
        if _, err := rand.Read(bytes[:]); err != nil {
            return nil, err
        }

        scalar := new(btcec.ModNScalar)
        overflow := scalar.SetBytes(&bytes)
        if overflow == 0 && !scalar.IsZero() {
            s := &Secp256k1Scalar{inner: scalar}
            runtime.SetFinalizer(s, (*Secp256k1Scalar).Zeroize)
            return s, nil
        }
    }
}

func (c *Secp256k1Curve) ScalarZero() Scalar {
    return &Secp256k1Scalar{inner: new(btcec.ModNScalar)}
}

func (c *Secp256k1Curve) ScalarOne() Scalar {
    return c.ScalarFromUint32(1)
}

// PointFromBytes parses a 33 byte compressed point; 33 zero bytes encode the identity
func (c *Secp256k1Curve) PointFromBytes(data []byte) (Point, error) {
    if len(data) != 33 {
        return nil, ErrInvalidPointLength
    }

    if isAllZero(data) {
        return &Secp256k1Point{}, nil
    }

    pubKey, err := btcec.ParsePubKey(data)
    if err != nil {
        return nil, fmt.Errorf("%w: %v", ErrInvalidPoint, err)
    }

    var jac btcec.JacobianPoint
    pubKey.AsJacobian(&jac)
    return newSecp256k1Point(&jac), nil
}

func (c *Secp256k1Curve) BasePoint() Point {
    var jac btcec.JacobianPoint
    one := new(btcec.ModNScalar)
    one.SetInt(1)
    btcec.ScalarBaseMultNonConst(one, &jac)
    return newSecp256k1Point(&jac)
}

func (c *Secp256k1Curve) PointIdentity() Point {
    return &Secp256k1Point{}
}

// Secp256k1Scalar implements the Scalar interface
type Secp256k1Scalar struct {
    inner *btcec.ModNScalar
}

func (s *Secp256k1Scalar) Bytes() []byte {
    var bytes [32]byte
    s.inner.PutBytes(&bytes)
    return bytes[:]
}

func (s *Secp256k1Scalar) String() string {
    return hex.EncodeToString(s.Bytes())
}

func (s *Secp256k1Scalar) Add(other Scalar) Scalar {
    result := new(btcec.ModNScalar)
    result.Add2(s.inner, other.(*Secp256k1Scalar).inner)
    return &Secp256k1Scalar{inner: result}
}

func (s *Secp256k1Scalar) Sub(other Scalar) Scalar {
    negated := new(btcec.ModNScalar)
    negated.NegateVal(other.(*Secp256k1Scalar).inner)
    result := new(btcec.ModNScalar)
    result.Add2(s.inner, negated)
    return &Secp256k1Scalar{inner: result}
}

func (s *Secp256k1Scalar) Mul(other Scalar) Scalar {
    result := new(btcec.ModNScalar)
    result.Mul2(s.inner, other.(*Secp256k1Scalar).inner)
    return &Secp256k1Scalar{inner: result}
}

func (s *Secp256k1Scalar) Negate() Scalar {
    result := new(btcec.ModNScalar)
    result.NegateVal(s.inner)
    return &Secp256k1Scalar{inner: result}
}

func (s *Secp256k1Scalar) Invert() (Scalar, error) {
    if s.IsZero() {
        return nil, ErrScalarZero
    }

    // btcec only offers a variable-time inversion
    result := new(btcec.ModNScalar)
    result.InverseValNonConst(s.inner)
    return &Secp256k1Scalar{inner: result}, nil
}

func (s *Secp256k1Scalar) Equal(other Scalar) bool {
    return s.inner.Equals(other.(*Secp256k1Scalar).inner)
}

func (s *Secp256k1Scalar) IsZero() bool {
    return s.inner.IsZero()
}

func (s *Secp256k1Scalar) Zeroize() {
    s.inner.Zero()
    runtime.KeepAlive(s)
}

// Secp256k1Point implements the Point interface. The zero value is the identity;
// any other value is kept in affine form (Z = 1).
type Secp256k1Point struct {
    inner btcec.JacobianPoint
}

func newSecp256k1Point(jac *btcec.JacobianPoint) *Secp256k1Point {
    z := jac.Z
    z.Normalize()
    if z.IsZero() {
        return &Secp256k1Point{}
    }

    p := &Secp256k1Point{}
    p.inner.Set(jac)
    p.inner.ToAffine()
    return p
}

func (p *Secp256k1Point) Bytes() []byte {
    if p.IsIdentity() {
        return make([]byte, 33)
    }
    return btcec.NewPublicKey(&p.inner.X, &p.inner.Y).SerializeCompressed()
}

func (p *Secp256k1Point) String() string {
    return hex.EncodeToString(p.Bytes())
}

func (p *Secp256k1Point) Add(other Point) Point {
    o := other.(*Secp256k1Point)
    if p.IsIdentity() {
        return o
    }
    if o.IsIdentity() {
        return p
    }

    var result btcec.JacobianPoint
    btcec.AddNonConst(&p.inner, &o.inner, &result)
    return newSecp256k1Point(&result)
}

func (p *Secp256k1Point) Sub(other Point) Point {
    return p.Add(other.Negate())
}

func (p *Secp256k1Point) Mul(scalar Scalar) Point {
    if p.IsIdentity() {
        return p
    }

    k := scalar.(*Secp256k1Scalar).inner
    if k.IsZero() {
        return &Secp256k1Point{}
    }

    var result btcec.JacobianPoint
    btcec.ScalarMultNonConst(k, &p.inner, &result)
    return newSecp256k1Point(&result)
}

func (p *Secp256k1Point) Negate() Point {
    if p.IsIdentity() {
        return p
    }

    result := &Secp256k1Point{}
    result.inner.Set(&p.inner)
    result.inner.Y.Negate(1).Normalize()
    return result
}

func (p *Secp256k1Point) Equal(other Point) bool {
    o := other.(*Secp256k1Point)
    if p.IsIdentity() || o.IsIdentity() {
        return p.IsIdentity() && o.IsIdentity()
    }
    return p.inner.X.Equals(&o.inner.X) && p.inner.Y.Equals(&o.inner.Y)
}

func (p *Secp256k1Point) IsIdentity() bool {
    return p.inner.X.IsZero() && p.inner.Y.IsZero()
}

func isAllZero(data []byte) bool {
    for _, b := range data {
        if b != 0 {
            return false
        }
    }
    return true
}
