package enums

import "fmt"

// GenerationKind distinguishes image and video jobs.
type GenerationKind string

const (
	GenerationKindImage GenerationKind = "image"
	GenerationKindVideo GenerationKind = "video"
)

var validGenerationKinds = []GenerationKind{
	GenerationKindImage,
	GenerationKindVideo,
}

// String implements fmt.Stringer.
func (k GenerationKind) String() string {
	return string(k)
}

// IsValid reports whether the value is a known GenerationKind.
func (k GenerationKind) IsValid() bool {
	for _, candidate := range validGenerationKinds {
		if candidate == k {
			return true
		}
	}
	return false
}

// ParseGenerationKind converts raw input into a GenerationKind.
func ParseGenerationKind(value string) (GenerationKind, error) {
	for _, candidate := range validGenerationKinds {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid generation kind %q", value)
}

// PredictionStatus mirrors the lifecycle reported by the prediction service.
type PredictionStatus string

const (
	PredictionStarting   PredictionStatus = "starting"
	PredictionProcessing PredictionStatus = "processing"
	PredictionSucceeded  PredictionStatus = "succeeded"
	PredictionFailed     PredictionStatus = "failed"
	PredictionCanceled   PredictionStatus = "canceled"
)

var validPredictionStatuses = []PredictionStatus{
	PredictionStarting,
	PredictionProcessing,
	PredictionSucceeded,
	PredictionFailed,
	PredictionCanceled,
}

// String implements fmt.Stringer.
func (s PredictionStatus) String() string {
	return string(s)
}

// IsValid reports whether the value is a known PredictionStatus.
func (s PredictionStatus) IsValid() bool {
	for _, candidate := range validPredictionStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions can happen.
func (s PredictionStatus) IsTerminal() bool {
	switch s {
	case PredictionSucceeded, PredictionFailed, PredictionCanceled:
		return true
	default:
		return false
	}
}

// TerminalPredictionStatuses lists the statuses a job never leaves.
func TerminalPredictionStatuses() []PredictionStatus {
	return []PredictionStatus{PredictionSucceeded, PredictionFailed, PredictionCanceled}
}

// ParsePredictionStatus converts raw input into a PredictionStatus. Unknown
// upstream values are treated as processing so the job keeps being polled.
func ParsePredictionStatus(value string) PredictionStatus {
	for _, candidate := range validPredictionStatuses {
		if string(candidate) == value {
			return candidate
		}
	}
	if value == "" {
		return PredictionStarting
	}
	return PredictionProcessing
}
