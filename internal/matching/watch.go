package matching

import (
	"fmt"
	"strings"
)

// Sensitivity controls how permissive tier thresholds are.
type Sensitivity string

const (
	SensitivityStrict      Sensitivity = "strict"
	SensitivityBalanced    Sensitivity = "balanced"
	SensitivityAdventurous Sensitivity = "adventurous"
)

// Delivery is how often a watch owner wants to hear about matches.
type Delivery string

const (
	DeliveryInstant Delivery = "instant"
	DeliveryDaily   Delivery = "daily"
	DeliveryWeekly  Delivery = "weekly"
)

// DetailLevel selects how much a match summary says.
type DetailLevel string

const (
	DetailHeadlines DetailLevel = "headlines"
	DetailStandard  DetailLevel = "standard"
	DetailDeep      DetailLevel = "deep"
)

// Watch is a user's interest profile. It is passed by value into the engine,
// so edits made while an evaluation runs only apply to the next one.
type Watch struct {
	ID     int64  `json:"id" mapstructure:"id"`
	UserID int64  `json:"user_id" mapstructure:"user-id"`
	Name   string `json:"name" mapstructure:"name"`
	Active bool   `json:"active" mapstructure:"active"`

	KeywordsMust    []string `json:"keywords_must" mapstructure:"keywords-must"`
	KeywordsBonus   []string `json:"keywords_bonus" mapstructure:"keywords-bonus"`
	KeywordsExclude []string `json:"keywords_exclude" mapstructure:"keywords-exclude"`

	Regions                 []string `json:"regions" mapstructure:"regions"`
	ValueMin                *int64   `json:"value_min,omitempty" mapstructure:"value-min"`
	ValueMax                *int64   `json:"value_max,omitempty" mapstructure:"value-max"`
	IncludeUnspecifiedValue bool     `json:"include_unspecified_value" mapstructure:"include-unspecified-value"`
	MinResponseDays         int      `json:"min_response_days,omitempty" mapstructure:"min-response-days"`

	PreferredSectors   []string `json:"preferred_sectors" mapstructure:"preferred-sectors"`
	PreferredBuyers    []string `json:"preferred_buyers" mapstructure:"preferred-buyers"`
	CertificationsHeld []string `json:"certifications_held" mapstructure:"certifications-held"`

	Sensitivity Sensitivity `json:"sensitivity" mapstructure:"sensitivity"`
	Delivery    Delivery    `json:"delivery" mapstructure:"delivery"`
	DetailLevel DetailLevel `json:"detail_level" mapstructure:"detail-level"`
}

// ParseSensitivity converts a raw string, defaulting empty input to balanced.
func ParseSensitivity(s string) (Sensitivity, error) {
	switch v := Sensitivity(strings.ToLower(strings.TrimSpace(s))); v {
	case "":
		return SensitivityBalanced, nil
	case SensitivityStrict, SensitivityBalanced, SensitivityAdventurous:
		return v, nil
	default:
		return "", fmt.Errorf("unknown sensitivity %q", s)
	}
}

// ParseDelivery converts a raw string, defaulting empty input to daily.
func ParseDelivery(s string) (Delivery, error) {
	switch v := Delivery(strings.ToLower(strings.TrimSpace(s))); v {
	case "":
		return DeliveryDaily, nil
	case DeliveryInstant, DeliveryDaily, DeliveryWeekly:
		return v, nil
	default:
		return "", fmt.Errorf("unknown delivery method %q", s)
	}
}

// ParseDetailLevel converts a raw string, defaulting empty input to standard.
func ParseDetailLevel(s string) (DetailLevel, error) {
	switch v := DetailLevel(strings.ToLower(strings.TrimSpace(s))); v {
	case "":
		return DetailStandard, nil
	case DetailHeadlines, DetailStandard, DetailDeep:
		return v, nil
	default:
		return "", fmt.Errorf("unknown detail level %q", s)
	}
}

// Normalize fills defaults and validates enum fields.
func (w *Watch) Normalize() error {
	var err error
	if w.Sensitivity, err = ParseSensitivity(string(w.Sensitivity)); err != nil {
		return err
	}
	if w.Delivery, err = ParseDelivery(string(w.Delivery)); err != nil {
		return err
	}
	if w.DetailLevel, err = ParseDetailLevel(string(w.DetailLevel)); err != nil {
		return err
	}
	if w.ValueMin != nil && w.ValueMax != nil && *w.ValueMin > *w.ValueMax {
		return fmt.Errorf("watch %q: value-min %d is above value-max %d", w.Name, *w.ValueMin, *w.ValueMax)
	}
	return nil
}
