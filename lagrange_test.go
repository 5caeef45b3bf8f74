package guardian

import (
    "errors"
    "testing"
)

func TestReconstructSecretFromAnySubset(t *testing.T) {
    for _, curve := range testCurves() {
        t.Run(curve.Name(), func(t *testing.T) {
            secret, _ := curve.ScalarRandom()
            shares, err := NewShamirSecretSharing(curve).GenerateShares(secret, 3, 5)
            if err != nil {
                t.Fatalf("GenerateShares: %v", err)
            }
            if len(shares) != 5 {
                t.Fatalf("got %d shares, want 5", len(shares))
            }

            subsets := [][]int{{0, 1, 2}, {2, 3, 4}, {4, 0, 2}, {1, 3, 4}}
            for _, subset := range subsets {
                samples := make([]Sample, len(subset))
                for k, i := range subset {
                    samples[k] = shares[i]
                }
                got, err := ReconstructSecret(curve, samples, 3)
                if err != nil {
                    t.Fatalf("ReconstructSecret(%v): %v", subset, err)
                }
                if !got.Equal(secret) {
                    t.Fatalf("subset %v reconstructed the wrong secret", subset)
                }
            }

            // Two shares of a degree two polynomial say nothing about the secret
            got, err := ReconstructSecret(curve, shares[:2], 2)
            if err != nil {
                t.Fatalf("ReconstructSecret: %v", err)
            }
            if got.Equal(secret) {
                t.Fatalf("two shares reconstructed the secret")
            }
        })
    }
}

func TestInterpolationErrors(t *testing.T) {
    curve := NewEd25519Curve()
    one := curve.ScalarOne()

    tests := []struct {
        name    string
        samples []Sample
        t       int
        want    error
    }{
        {"insufficient points", []Sample{{1, one}, {2, one}}, 3, ErrInsufficientPoints},
        {"duplicate index", []Sample{{1, one}, {2, one}, {1, one}}, 2, ErrDuplicateIndex},
        {"zero index", []Sample{{0, one}, {2, one}}, 2, ErrInvalidParticipantID},
        {"zero threshold", []Sample{{1, one}}, 0, ErrInvalidThreshold},
    }
    for _, tt := range tests {
        t.Run(tt.name, func(t *testing.T) {
            _, err := InterpolateScalars(curve, tt.samples, tt.t, nil)
            if !errors.Is(err, tt.want) {
                t.Fatalf("got %v, want %v", err, tt.want)
            }
        })
    }
}

func TestInterpolateAtArbitraryPoint(t *testing.T) {
    for _, curve := range testCurves() {
        t.Run(curve.Name(), func(t *testing.T) {
            constant, _ := curve.ScalarRandom()
            poly, err := NewRandomPolynomial(curve, 2, constant)
            if err != nil {
                t.Fatalf("NewRandomPolynomial: %v", err)
            }

            samples := make([]Sample, 3)
            for i := range samples {
                index := ParticipantIndex(i + 2)
                value, err := poly.EvaluateAt(index)
                if err != nil {
                    t.Fatalf("EvaluateAt: %v", err)
                }
                samples[i] = Sample{Index: index, Value: value}
            }

            x := curve.ScalarFromUint32(17)
            got, err := InterpolateScalars(curve, samples, 3, x)
            if err != nil {
                t.Fatalf("InterpolateScalars: %v", err)
            }
            if !got.Equal(poly.Evaluate(x)) {
                t.Fatalf("interpolation at 17 disagrees with the polynomial")
            }
        })
    }
}

func TestReconstructPoint(t *testing.T) {
    for _, curve := range testCurves() {
        t.Run(curve.Name(), func(t *testing.T) {
            secret, _ := curve.ScalarRandom()
            shares, err := NewShamirSecretSharing(curve).GenerateShares(secret, 4, 7)
            if err != nil {
                t.Fatalf("GenerateShares: %v", err)
            }

            samples := make([]PointSample, 0, 4)
            for _, share := range shares[3:] {
                samples = append(samples, PointSample{Index: share.Index, Value: curve.BasePoint().Mul(share.Value)})
            }
            got, err := ReconstructPoint(curve, samples, 4)
            if err != nil {
                t.Fatalf("ReconstructPoint: %v", err)
            }
            if !got.Equal(curve.BasePoint().Mul(secret)) {
                t.Fatalf("reconstructed point is not secret·G")
            }
        })
    }
}

func TestLagrangeCoefficientsSumToOne(t *testing.T) {
    for _, curve := range testCurves() {
        t.Run(curve.Name(), func(t *testing.T) {
            indices := []ParticipantIndex{1, 3, 4, 9}
            sum := curve.ScalarZero()
            for _, i := range indices {
                lambda, err := LagrangeCoefficient(curve, indices, i, nil)
                if err != nil {
                    t.Fatalf("LagrangeCoefficient(%d): %v", i, err)
                }
                sum = sum.Add(lambda)
            }
            if !sum.Equal(curve.ScalarOne()) {
                t.Fatalf("coefficients at zero do not sum to one")
            }

            if _, err := LagrangeCoefficient(curve, indices, 2, nil); !errors.Is(err, ErrParticipantNotFound) {
                t.Fatalf("expected ErrParticipantNotFound, got %v", err)
            }
        })
    }
}

func TestGenerateSharesRejectsBadThreshold(t *testing.T) {
    curve := NewSecp256k1Curve()
    secret, _ := curve.ScalarRandom()
    sss := NewShamirSecretSharing(curve)

    if _, err := sss.GenerateShares(secret, 4, 3); !errors.Is(err, ErrThresholdTooHigh) {
        t.Fatalf("expected ErrThresholdTooHigh, got %v", err)
    }
    if _, err := sss.GenerateShares(secret, 0, 3); !errors.Is(err, ErrInvalidThreshold) {
        t.Fatalf("expected ErrInvalidThreshold, got %v", err)
    }
}
