package matching

import "fmt"

// Tier is the classification outcome of scoring.
type Tier string

const (
	TierReject  Tier = "reject"
	TierStretch Tier = "stretch"
	TierMaybe   Tier = "maybe"
	TierStrong  Tier = "strong"
)

// Rank orders tiers from reject (0) to strong (3).
func (t Tier) Rank() int {
	switch t {
	case TierStretch:
		return 1
	case TierMaybe:
		return 2
	case TierStrong:
		return 3
	default:
		return 0
	}
}

// ParseTier converts a raw string into a Tier.
func ParseTier(s string) (Tier, error) {
	switch t := Tier(s); t {
	case TierReject, TierStretch, TierMaybe, TierStrong:
		return t, nil
	}
	return "", fmt.Errorf("unknown tier %q", s)
}

// RecommendedTiers lists the persisted tiers, best first.
func RecommendedTiers() []Tier {
	return []Tier{TierStrong, TierMaybe, TierStretch}
}

type thresholds struct {
	strong  int
	maybe   int
	stretch int // 0 means the sensitivity never offers stretch
}

var tierThresholds = map[Sensitivity]thresholds{
	SensitivityStrict:      {strong: 80, maybe: 50},
	SensitivityBalanced:    {strong: 70, maybe: 40, stretch: 20},
	SensitivityAdventurous: {strong: 50, maybe: 25, stretch: 10},
}

// TierFor maps a score onto a tier for the given sensitivity. Unknown
// sensitivities fall back to balanced.
func TierFor(score int, s Sensitivity) Tier {
	th, ok := tierThresholds[s]
	if !ok {
		th = tierThresholds[SensitivityBalanced]
	}

	switch {
	case score >= th.strong:
		return TierStrong
	case score >= th.maybe:
		return TierMaybe
	case th.stretch > 0 && score >= th.stretch:
		return TierStretch
	default:
		return TierReject
	}
}
