package guardian

import (
    "fmt"
)

// Sample is an (index, value) pair of a scalar polynomial
type Sample struct {
    Index ParticipantIndex
    Value Scalar
}

// PointSample is an (index, value) pair of a polynomial in the exponent
type PointSample struct {
    Index ParticipantIndex
    Value Point
}

// LagrangeCoefficient computes λ_i(x) = Π_{j≠i} (x - x_j) / (x_i - x_j) over the given index set.
// A nil x evaluates at zero, where λ_i = Π_{j≠i} x_j / (x_j - x_i).
func LagrangeCoefficient(curve Curve, indices []ParticipantIndex, i ParticipantIndex, x Scalar) (Scalar, error) {
    position := -1
    for k, index := range indices {
        if index == i {
            position = k
            break
        }
    }
    if position < 0 {
        return nil, ErrParticipantNotFound.WithDetails("index %d not in interpolation set", i)
    }

    coefficients, err := lagrangeCoefficients(curve, indices, x)
    if err != nil {
        return nil, err
    }
    return coefficients[position], nil
}

// lagrangeCoefficients returns the basis coefficients for every index, sharing one inversion
func lagrangeCoefficients(curve Curve, indices []ParticipantIndex, x Scalar) ([]Scalar, error) {
    if len(indices) == 0 {
        return nil, ErrInsufficientPoints.WithDetails("empty interpolation set")
    }
    if x == nil {
        x = curve.ScalarZero()
    }

    xs := make([]Scalar, len(indices))
    seen := make(map[ParticipantIndex]struct{}, len(indices))
    for k, index := range indices {
        if _, dup := seen[index]; dup {
            return nil, ErrDuplicateIndex.WithContext("index", index)
        }
        seen[index] = struct{}{}

        xk, err := index.ToScalar(curve)
        if err != nil {
            return nil, err
        }
        xs[k] = xk
    }

    numerators := make([]Scalar, len(xs))
    denominators := make([]Scalar, len(xs))
    for k := range xs {
        num := curve.ScalarOne()
        den := curve.ScalarOne()
        for j := range xs {
            if j == k {
                continue
            }
            num = num.Mul(x.Sub(xs[j]))
            den = den.Mul(xs[k].Sub(xs[j]))
        }
        numerators[k] = num
        denominators[k] = den
    }

    inverses, err := BatchInvert(denominators)
    if err != nil {
        return nil, fmt.Errorf("failed to invert denominators: %w", err)
    }

    coefficients := make([]Scalar, len(xs))
    for k := range xs {
        coefficients[k] = numerators[k].Mul(inverses[k])
    }
    return coefficients, nil
}

// InterpolateScalars evaluates at x the unique degree threshold-1 polynomial through the first
// threshold samples. Every sample is checked for duplicate indices.
func InterpolateScalars(curve Curve, samples []Sample, threshold int, x Scalar) (Scalar, error) {
    indices, err := selectIndices(len(samples), threshold, func(k int) ParticipantIndex { return samples[k].Index })
    if err != nil {
        return nil, err
    }

    coefficients, err := lagrangeCoefficients(curve, indices, x)
    if err != nil {
        return nil, err
    }

    result := curve.ScalarZero()
    for k, coefficient := range coefficients {
        result = result.Add(samples[k].Value.Mul(coefficient))
    }
    return result, nil
}

// InterpolatePoints is InterpolateScalars for group elements: Σ λ_k · V_k
func InterpolatePoints(curve Curve, samples []PointSample, threshold int, x Scalar) (Point, error) {
    indices, err := selectIndices(len(samples), threshold, func(k int) ParticipantIndex { return samples[k].Index })
    if err != nil {
        return nil, err
    }

    coefficients, err := lagrangeCoefficients(curve, indices, x)
    if err != nil {
        return nil, err
    }

    result := curve.PointIdentity()
    for k, coefficient := range coefficients {
        result = result.Add(samples[k].Value.Mul(coefficient))
    }
    return result, nil
}

// ReconstructSecret interpolates the shared secret f(0)
func ReconstructSecret(curve Curve, samples []Sample, threshold int) (Scalar, error) {
    return InterpolateScalars(curve, samples, threshold, nil)
}

// ReconstructPoint interpolates the shared public value f(0)·G
func ReconstructPoint(curve Curve, samples []PointSample, threshold int) (Point, error) {
    return InterpolatePoints(curve, samples, threshold, nil)
}

func selectIndices(count, threshold int, indexAt func(int) ParticipantIndex) ([]ParticipantIndex, error) {
    if threshold < 1 {
        return nil, ErrInvalidThreshold.WithDetails("threshold %d", threshold)
    }
    if count < threshold {
        return nil, ErrInsufficientPoints.WithDetails("need %d, got %d", threshold, count)
    }

    seen := make(map[ParticipantIndex]struct{}, count)
    for k := 0; k < count; k++ {
        index := indexAt(k)
        if index == 0 {
            return nil, ErrInvalidParticipantID.WithContext("position", k)
        }
        if _, dup := seen[index]; dup {
            return nil, ErrDuplicateIndex.WithContext("index", index)
        }
        seen[index] = struct{}{}
    }

    indices := make([]ParticipantIndex, threshold)
    for k := range indices {
        indices[k] = indexAt(k)
    }
    return indices, nil
}

// ShamirSecretSharing splits a secret into indexed shares
type ShamirSecretSharing struct {
    curve Curve
}

// NewShamirSecretSharing creates a new Shamir secret sharing instance
func NewShamirSecretSharing(curve Curve) *ShamirSecretSharing {
    return &ShamirSecretSharing{curve: curve}
}

// GenerateShares splits secret into numShares samples at indices 1..numShares, any threshold
// of which reconstruct it
func (sss *ShamirSecretSharing) GenerateShares(secret Scalar, threshold, numShares int) ([]Sample, error) {
    if err := ValidateThreshold(threshold, numShares); err != nil {
        return nil, err
    }

    constant := secret.Add(sss.curve.ScalarZero())
    polynomial, err := NewRandomPolynomial(sss.curve, threshold-1, constant)
    if err != nil {
        return nil, fmt.Errorf("failed to create polynomial: %w", err)
    }
    defer polynomial.Zeroize()

    shares := make([]Sample, numShares)
    for i := range shares {
        index := ParticipantIndex(i + 1)
        value, err := polynomial.EvaluateAt(index)
        if err != nil {
            return nil, err
        }
        shares[i] = Sample{Index: index, Value: value}
    }
    return shares, nil
}
