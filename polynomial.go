package guardian

import (
    "fmt"
)

// Polynomial is a secret polynomial over the scalar field of a curve
type Polynomial struct {
    curve        Curve
    coefficients []Scalar
}

// NewRandomPolynomial creates a random polynomial of the given degree. A nil constant term is
// sampled at random as well; otherwise the polynomial takes ownership of it and Zeroize clears it.
func NewRandomPolynomial(curve Curve, degree int, constantTerm Scalar) (*Polynomial, error) {
    if degree < 0 {
        return nil, fmt.Errorf("degree must be non-negative, got %d", degree)
    }

    coefficients := make([]Scalar, degree+1)
    for i := range coefficients {
        if i == 0 && constantTerm != nil {
            coefficients[0] = constantTerm
            continue
        }
        coeff, err := curve.ScalarRandom()
        if err != nil {
            ZeroizeScalarSlice(coefficients)
            return nil, fmt.Errorf("failed to generate coefficient %d: %w", i, err)
        }
        coefficients[i] = coeff
    }

    return &Polynomial{
        curve:        curve,
        coefficients: coefficients,
    }, nil
}

// Evaluate evaluates the polynomial at x using Horner's method
func (p *Polynomial) Evaluate(x Scalar) Scalar {
    // Always returns a fresh scalar, never an alias of a coefficient
    result := p.curve.ScalarZero()
    for i := len(p.coefficients) - 1; i >= 0; i-- {
        result = result.Mul(x).Add(p.coefficients[i])
    }
    return result
}

// EvaluateAt evaluates the polynomial at a participant index
func (p *Polynomial) EvaluateAt(index ParticipantIndex) (Scalar, error) {
    x, err := index.ToScalar(p.curve)
    if err != nil {
        return nil, err
    }
    return p.Evaluate(x), nil
}

// Constant returns the constant term a0
func (p *Polynomial) Constant() Scalar {
    return p.coefficients[0]
}

// Commit returns the Feldman commitments a_k*G for every coefficient
func (p *Polynomial) Commit() *Commitments {
    base := p.curve.BasePoint()
    points := make([]Point, len(p.coefficients))
    for k, coeff := range p.coefficients {
        points[k] = base.Mul(coeff)
    }
    return &Commitments{curve: p.curve, Points: points}
}

// Degree returns the degree of the polynomial
func (p *Polynomial) Degree() int {
    return len(p.coefficients) - 1
}

// Zeroize securely clears the polynomial coefficients
func (p *Polynomial) Zeroize() {
    ZeroizeScalarSlice(p.coefficients)
    for i := range p.coefficients {
        p.coefficients[i] = nil
    }
    p.coefficients = nil
}
