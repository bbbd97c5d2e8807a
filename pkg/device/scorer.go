package device

import (
	"strings"

	"github.com/tendant/devicetrust/pkg/model"
)

// Signal weights. An all-match prior session scores 85.
const (
	WeightName     = 30
	WeightBrowser  = 20
	WeightOSFamily = 20
	WeightSubnet   = 15

	// FirstDeviceScore is returned when there is nothing to compare against.
	FirstDeviceScore = 100
	MaxScore         = 100
)

const (
	DefaultHighThreshold   = 70
	DefaultMediumThreshold = 40
)

// Scorer computes confidence scores and maps them to levels.
type Scorer struct {
	highThreshold   int
	mediumThreshold int
}

// NewScorer creates a scorer with inclusive level thresholds.
func NewScorer(highThreshold, mediumThreshold int) *Scorer {
	return &Scorer{highThreshold: highThreshold, mediumThreshold: mediumThreshold}
}

// DefaultScorer uses the 70/40 thresholds.
func DefaultScorer() *Scorer {
	return NewScorer(DefaultHighThreshold, DefaultMediumThreshold)
}

// ComputeConfidence returns the best match score of desc against the devices of
// prior. Callers should pass prior sessions most recent first; ties keep the
// first maximal session.
func (s *Scorer) ComputeConfidence(desc model.DeviceDescriptor, prior []model.DeviceSession) int {
	return ComputeConfidence(desc, prior)
}

// Level maps a score to its confidence level.
func (s *Scorer) Level(score int) model.ConfidenceLevel {
	switch {
	case score >= s.highThreshold:
		return model.ConfidenceHigh
	case score >= s.mediumThreshold:
		return model.ConfidenceMedium
	default:
		return model.ConfidenceLow
	}
}

// AccessLevel derives the access level granted at session creation.
func (s *Scorer) AccessLevel(score int) model.AccessLevel {
	if s.Level(score) == model.ConfidenceHigh {
		return model.AccessFull
	}
	return model.AccessRestricted
}

// ComputeConfidence scores desc against prior sessions with the default weights.
func ComputeConfidence(desc model.DeviceDescriptor, prior []model.DeviceSession) int {
	if len(prior) == 0 {
		return FirstDeviceScore
	}

	best := 0
	for _, session := range prior {
		if score := MatchScore(desc, session.Descriptor()); score > best {
			best = score
		}
	}
	return min(best, MaxScore)
}

// GetConfidenceLevel maps a score to a level with the default thresholds.
func GetConfidenceLevel(score int) model.ConfidenceLevel {
	return DefaultScorer().Level(score)
}

// MatchScore sums the weights of the signals on which a and b agree.
func MatchScore(a, b model.DeviceDescriptor) int {
	score := 0
	if a.Name != "" && a.Name == b.Name {
		score += WeightName
	}
	if a.Browser != "" && a.Browser == b.Browser {
		score += WeightBrowser
	}
	if fa := osFamily(a.OperatingSystem); fa != "" && fa == osFamily(b.OperatingSystem) {
		score += WeightOSFamily
	}
	if sa := subnet24(a.IPAddress); sa != "" && sa == subnet24(b.IPAddress) {
		score += WeightSubnet
	}
	return score
}

// osFamily returns the token before the first space.
func osFamily(os string) string {
	os = strings.TrimSpace(os)
	if i := strings.IndexByte(os, ' '); i >= 0 {
		return os[:i]
	}
	return os
}

// subnet24 returns the first three dot-separated octets, or "" when the address
// has fewer than four parts.
func subnet24(ip string) string {
	parts := strings.Split(strings.TrimSpace(ip), ".")
	if len(parts) < 4 {
		return ""
	}
	return strings.Join(parts[:3], ".")
}
