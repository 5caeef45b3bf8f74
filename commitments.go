package guardian

import (
    "fmt"
)

// Commitments are Feldman commitments C_k = a_k·G to the coefficients of a secret polynomial
type Commitments struct {
    curve  Curve
    Points []Point
}

// NewCommitments wraps received commitment points, rejecting empty vectors
func NewCommitments(curve Curve, points []Point) (*Commitments, error) {
    if curve == nil {
        return nil, fmt.Errorf("curve cannot be nil")
    }
    if len(points) == 0 {
        return nil, fmt.Errorf("commitment vector cannot be empty")
    }
    for k, p := range points {
        if p == nil {
            return nil, fmt.Errorf("commitment %d is nil", k)
        }
    }
    return &Commitments{curve: curve, Points: append([]Point(nil), points...)}, nil
}

// Constant returns C_0, the commitment to the dealer's secret contribution
func (c *Commitments) Constant() Point {
    return c.Points[0]
}

// Degree returns the degree of the committed polynomial
func (c *Commitments) Degree() int {
    return len(c.Points) - 1
}

// EvaluateAt returns Σ C_k·x^k, the public image f(x)·G of the committed polynomial
func (c *Commitments) EvaluateAt(index ParticipantIndex) (Point, error) {
    x, err := index.ToScalar(c.curve)
    if err != nil {
        return nil, err
    }

    // Horner in the exponent
    result := c.curve.PointIdentity()
    for k := len(c.Points) - 1; k >= 0; k-- {
        result = result.Mul(x).Add(c.Points[k])
    }
    return result, nil
}

// VerifyShare checks share·G == Σ C_k·index^k
func (c *Commitments) VerifyShare(index ParticipantIndex, share Scalar) (bool, error) {
    if share == nil {
        return false, fmt.Errorf("share cannot be nil")
    }

    expected, err := c.EvaluateAt(index)
    if err != nil {
        return false, err
    }
    return c.curve.BasePoint().Mul(share).Equal(expected), nil
}

// Bytes returns the concatenated point encodings
func (c *Commitments) Bytes() []byte {
    out := make([]byte, 0, len(c.Points)*c.curve.PointSize())
    for _, p := range c.Points {
        out = append(out, p.Bytes()...)
    }
    return out
}

// SumCommitments adds commitment vectors of equal length coefficient-wise; the result commits to
// the sum of the underlying polynomials
func SumCommitments(curve Curve, vectors []*Commitments) (*Commitments, error) {
    if len(vectors) == 0 {
        return nil, fmt.Errorf("no commitment vectors")
    }

    length := len(vectors[0].Points)
    sum := make([]Point, length)
    for k := range sum {
        sum[k] = curve.PointIdentity()
    }

    for i, v := range vectors {
        if len(v.Points) != length {
            return nil, fmt.Errorf("commitment vector %d has %d points, want %d", i, len(v.Points), length)
        }
        for k, p := range v.Points {
            sum[k] = sum[k].Add(p)
        }
    }
    return &Commitments{curve: curve, Points: sum}, nil
}
