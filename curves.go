package guardian

import (
    "crypto/rand"
    "errors"
    "fmt"
)

// CurveType names a supported prime-order group
type CurveType string

const (
    Secp256k1 CurveType = "secp256k1"
    Ed25519   CurveType = "ed25519"
)

// Curve is the group threshold keys, signatures and proofs are computed in.
// Scalars live in the field of the group order; points are group elements.
type Curve interface {
    Name() string
    ScalarSize() int
    PointSize() int

    // ScalarFromBytes decodes a canonical ScalarSize encoding
    ScalarFromBytes([]byte) (Scalar, error)
    // ScalarFromUniformBytes reduces a wide hash output modulo the group order
    ScalarFromUniformBytes([]byte) (Scalar, error)
    ScalarFromUint32(uint32) Scalar
    ScalarRandom() (Scalar, error)
    ScalarZero() Scalar
    ScalarOne() Scalar

    // PointFromBytes decodes a PointSize encoding and rejects anything off the curve
    PointFromBytes([]byte) (Point, error)
    BasePoint() Point
    PointIdentity() Point
}

// Scalar is an element of the scalar field. Operations return new values.
type Scalar interface {
    Bytes() []byte
    String() string

    Add(Scalar) Scalar
    Sub(Scalar) Scalar
    Mul(Scalar) Scalar
    Negate() Scalar
    Invert() (Scalar, error)

    Equal(Scalar) bool
    IsZero() bool

    // Zeroize overwrites the value in place
    Zeroize()
}

// Point is a group element
type Point interface {
    // Bytes returns the canonical compressed encoding
    Bytes() []byte
    String() string

    Add(Point) Point
    Sub(Point) Point
    Mul(Scalar) Point
    Negate() Point

    Equal(Point) bool
    IsIdentity() bool
}

// NewCurve returns the group implementation for curveType
func NewCurve(curveType CurveType) (Curve, error) {
    switch curveType {
    case Ed25519:
        return NewEd25519Curve(), nil
    case Secp256k1:
        return NewSecp256k1Curve(), nil
    default:
        return nil, fmt.Errorf("unsupported curve type: %s", curveType)
    }
}

var (
    ErrInvalidScalarLength = errors.New("invalid scalar length")
    ErrInvalidPointLength  = errors.New("invalid point length")
    ErrInvalidScalar       = errors.New("invalid scalar value")
    ErrInvalidPoint        = errors.New("invalid point")
    ErrScalarZero          = errors.New("scalar is zero")
)

// SecureRandom reads size bytes from the system CSPRNG
func SecureRandom(size int) ([]byte, error) {
    buf := make([]byte, size)
    if _, err := rand.Read(buf); err != nil {
        return nil, fmt.Errorf("failed to read random bytes: %w", err)
    }
    return buf, nil
}
