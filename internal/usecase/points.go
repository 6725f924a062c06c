package usecase

import (
	"strings"

	"github.com/example/biosense/internal/repository"
)

const (
	// BioPoints is awarded for a biodegradable classification.
	BioPoints = 5
	// NonbioPoints is awarded for a non-biodegradable classification.
	NonbioPoints = 10
)

// IsNonbio reports whether label names a non-biodegradable category.
func IsNonbio(label string) bool {
	return strings.Contains(strings.ToLower(label), "non")
}

// RewardFor returns the counter delta earned by one classification of label.
func RewardFor(label string) repository.Stats {
	if IsNonbio(label) {
		return repository.Stats{Points: NonbioPoints, Total: 1, Nonbio: 1}
	}
	return repository.Stats{Points: BioPoints, Total: 1, Bio: 1}
}
