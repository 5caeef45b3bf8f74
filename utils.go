package guardian

import (
    "crypto/sha512"
    "crypto/subtle"
    "encoding/binary"
    "fmt"
)

// ParticipantIndex is the evaluation point assigned to a node for the lifetime of one key epoch.
// Index 0 is reserved for the shared secret.
type ParticipantIndex uint32

// ToScalar converts the index into a scalar of the given curve
func (pi ParticipantIndex) ToScalar(curve Curve) (Scalar, error) {
    if pi == 0 {
        return nil, ErrInvalidParticipantID
    }
    return curve.ScalarFromUint32(uint32(pi)), nil
}

// HashToScalar hashes data to a scalar value using uniform distribution.
// Every element is length prefixed so distinct transcripts never collide.
func HashToScalar(curve Curve, domain string, data ...[]byte) (Scalar, error) {
    hasher := sha512.New()
    hasher.Write([]byte(domain))
    hasher.Write([]byte(curve.Name()))

    var lengthBytes [4]byte
    for _, d := range data {
        binary.BigEndian.PutUint32(lengthBytes[:], uint32(len(d)))
        hasher.Write(lengthBytes[:])
        hasher.Write(d)
    }

    return curve.ScalarFromUniformBytes(hasher.Sum(nil))
}

// SecureCompare performs constant-time comparison of byte slices
func SecureCompare(a, b []byte) bool {
    return subtle.ConstantTimeCompare(a, b) == 1
}

// ZeroizeBytes securely clears a byte slice
func ZeroizeBytes(data []byte) {
    for i := range data {
        data[i] = 0
    }
}

// ZeroizeScalarSlice securely clears a slice of scalars
func ZeroizeScalarSlice(scalars []Scalar) {
    for _, scalar := range scalars {
        if scalar != nil {
            scalar.Zeroize()
        }
    }
}

// BatchInvert inverts every scalar with a single field inversion (Montgomery's trick)
func BatchInvert(scalars []Scalar) ([]Scalar, error) {
    n := len(scalars)
    if n == 0 {
        return nil, nil
    }

    for i, scalar := range scalars {
        if scalar.IsZero() {
            return nil, fmt.Errorf("scalar at index %d: %w", i, ErrScalarZero)
        }
    }

    // prefix[i] = s_0 * ... * s_i
    prefix := make([]Scalar, n)
    prefix[0] = scalars[0]
    for i := 1; i < n; i++ {
        prefix[i] = prefix[i-1].Mul(scalars[i])
    }

    acc, err := prefix[n-1].Invert()
    if err != nil {
        return nil, err
    }

    // acc holds (s_0 * ... * s_i)^-1 at the top of each iteration
    inverses := make([]Scalar, n)
    for i := n - 1; i > 0; i-- {
        inverses[i] = acc.Mul(prefix[i-1])
        acc = acc.Mul(scalars[i])
    }
    inverses[0] = acc

    return inverses, nil
}
