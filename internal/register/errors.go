package register

import "fmt"

// ConfigurationError reports an invalid or unsatisfiable parameter set.
// It is raised at solver construction, before any catalog processing.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	return "configuration: " + e.Reason
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// NoQuadMatchError reports that no quad pair achieved a hash distance
// below the matching threshold.
type NoQuadMatchError struct {
	BestDistance float64
	Threshold    float64
}

func (e *NoQuadMatchError) Error() string {
	return fmt.Sprintf("no matching quads: best hash distance %.6g not below %.6g", e.BestDistance, e.Threshold)
}

// InsufficientMatchError reports that no candidate transform validated
// enough full-catalog correspondences.
type InsufficientMatchError struct {
	BestCount int
	Required  int
}

func (e *InsufficientMatchError) Error() string {
	return fmt.Sprintf("insufficient matches: best candidate matched %d detections, need more than %d", e.BestCount, e.Required)
}

// ResidualFitError reports a failed residual-surface fit, typically too
// few correspondences for the requested order. It propagates to the
// caller; the pipeline never falls back to similarity-only alignment.
type ResidualFitError struct {
	Matches int
	Order   int
	Err     error
}

func (e *ResidualFitError) Error() string {
	return fmt.Sprintf("residual surface fit (order %d, %d matches): %v", e.Order, e.Matches, e.Err)
}

func (e *ResidualFitError) Unwrap() error { return e.Err }
