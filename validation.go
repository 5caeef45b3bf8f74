package guardian

import (
	"fmt"
	"math"
	"sort"
)

// SecurityLevel represents the security level of threshold parameters
type SecurityLevel string

const (
	SecurityLevelLow    SecurityLevel = "low"
	SecurityLevelMedium SecurityLevel = "medium"
	SecurityLevelHigh   SecurityLevel = "high"
)

const (
	DefaultByzantineRatio = 2.0 / 3.0
	MaxParticipants       = 1 << 16
)

// ValidationResult contains the result of parameter validation
type ValidationResult struct {
	Valid                   bool          `json:"valid"`
	SecurityLevel           SecurityLevel `json:"security_level"`
	ByzantineFaultTolerance bool          `json:"byzantine_fault_tolerance"`
	Warnings                []string      `json:"warnings,omitempty"`
	Errors                  []string      `json:"errors,omitempty"`
}

// ThresholdValidator grades (t, n) parameters. Hard limits are 1 ≤ t ≤ n ≤ MaxParticipants;
// everything else only produces warnings.
type ThresholdValidator struct {
	MaxThreshold        int     `json:"max_threshold"`
	ByzantineRatio      float64 `json:"byzantine_ratio"`
	RecommendedMinRatio float64 `json:"recommended_min_ratio"`
	RecommendedMaxRatio float64 `json:"recommended_max_ratio"`
}

// NewDefaultThresholdValidator creates a validator with default parameters
func NewDefaultThresholdValidator() *ThresholdValidator {
	return &ThresholdValidator{
		MaxThreshold:        MaxParticipants,
		ByzantineRatio:      DefaultByzantineRatio,
		RecommendedMinRatio: 0.51,
		RecommendedMaxRatio: 0.80,
	}
}

// ValidateThresholdParameters validates threshold and participant parameters
func (tv *ThresholdValidator) ValidateThresholdParameters(participantCount, threshold int) *ValidationResult {
	result := &ValidationResult{
		Valid:         true,
		SecurityLevel: SecurityLevelMedium,
	}

	if threshold <= 0 {
		result.Valid = false
		result.Errors = append(result.Errors, "threshold must be positive")
	}
	if participantCount <= 0 {
		result.Valid = false
		result.Errors = append(result.Errors, "participant count must be positive")
	}
	if threshold > participantCount {
		result.Valid = false
		result.Errors = append(result.Errors, "threshold cannot exceed participant count")
	}
	if threshold > tv.MaxThreshold || participantCount > MaxParticipants {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf("at most %d participants supported", MaxParticipants))
	}
	if !result.Valid {
		result.SecurityLevel = SecurityLevelLow
		return result
	}

	thresholdRatio := float64(threshold) / float64(participantCount)
	if threshold >= int(math.Ceil(float64(participantCount)*tv.ByzantineRatio)) {
		result.ByzantineFaultTolerance = true
		result.SecurityLevel = SecurityLevelHigh
	}

	switch {
	case thresholdRatio < tv.RecommendedMinRatio:
		result.SecurityLevel = SecurityLevelLow
		result.Warnings = append(result.Warnings, fmt.Sprintf("threshold ratio below recommended minimum, consider at least %d",
			int(math.Ceil(float64(participantCount)*tv.RecommendedMinRatio))))
	case thresholdRatio > tv.RecommendedMaxRatio:
		result.Warnings = append(result.Warnings, "threshold ratio is high, may affect availability")
	}

	if threshold == 1 {
		result.SecurityLevel = SecurityLevelLow
		result.Warnings = append(result.Warnings, "threshold of 1 lets any single participant sign")
	}
	if threshold == participantCount && participantCount > 1 {
		result.Warnings = append(result.Warnings, "threshold equals participant count - no fault tolerance")
	}

	return result
}

// ValidateThreshold returns an error unless 1 ≤ t ≤ n ≤ MaxParticipants
func ValidateThreshold(threshold, participantCount int) error {
	result := NewDefaultThresholdValidator().ValidateThresholdParameters(participantCount, threshold)
	if result.Valid {
		return nil
	}
	if threshold > participantCount && threshold > 0 {
		return ErrThresholdTooHigh.WithDetails("t=%d n=%d", threshold, participantCount)
	}
	return ErrInvalidThreshold.WithDetails("t=%d n=%d: %v", threshold, participantCount, result.Errors)
}

// ValidateNodeIDs rejects empty and duplicate node ids
func ValidateNodeIDs(nodeIDs []string) error {
	if len(nodeIDs) == 0 {
		return ErrInvalidParticipantID.WithDetails("participant list cannot be empty")
	}

	seen := make(map[string]struct{}, len(nodeIDs))
	var duplicates []string
	for _, id := range nodeIDs {
		if id == "" {
			return ErrInvalidParticipantID.WithDetails("empty node id")
		}
		if _, ok := seen[id]; ok {
			duplicates = append(duplicates, id)
		}
		seen[id] = struct{}{}
	}

	if len(duplicates) > 0 {
		sort.Strings(duplicates)
		return ErrDuplicateParticipants.WithContext("duplicates", duplicates)
	}
	return nil
}

// SecurityAssessment summarizes fault tolerance of a (t, n) configuration
type SecurityAssessment struct {
	OverallRating           SecurityLevel `json:"overall_rating"`
	ByzantineFaultTolerance bool          `json:"byzantine_fault_tolerance"`
	FaultTolerance          int           `json:"fault_tolerance"`   // Number of nodes that can fail
	AttackResistance        int           `json:"attack_resistance"` // Number of nodes needed for attack
	AvailabilityRisk        string        `json:"availability_risk"`
}

// AssessSecurity provides a security assessment of valid (t, n) parameters
func AssessSecurity(participantCount, threshold int) *SecurityAssessment {
	if participantCount <= 0 || threshold <= 0 || threshold > participantCount {
		return &SecurityAssessment{
			OverallRating:    SecurityLevelLow,
			AvailabilityRisk: "critical - invalid parameters",
		}
	}

	faultTolerance := participantCount - threshold
	assessment := &SecurityAssessment{
		FaultTolerance:          faultTolerance,
		AttackResistance:        threshold,
		ByzantineFaultTolerance: threshold >= int(math.Ceil(float64(participantCount)*DefaultByzantineRatio)),
	}

	thresholdRatio := float64(threshold) / float64(participantCount)
	switch {
	case thresholdRatio < 0.5:
		assessment.OverallRating = SecurityLevelLow
	case thresholdRatio >= 0.67:
		assessment.OverallRating = SecurityLevelHigh
	default:
		assessment.OverallRating = SecurityLevelMedium
	}

	switch {
	case faultTolerance == 0:
		assessment.AvailabilityRisk = "critical - no fault tolerance"
	case faultTolerance == 1:
		assessment.AvailabilityRisk = "high - single point of failure"
	case faultTolerance <= 3:
		assessment.AvailabilityRisk = "medium - limited fault tolerance"
	default:
		assessment.AvailabilityRisk = "low - good fault tolerance"
	}

	return assessment
}
