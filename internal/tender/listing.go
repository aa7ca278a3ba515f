package tender

import (
	"fmt"
	"strings"
	"time"
)

// Listing is one procurement opportunity as published by a portal.
// (Source, SourceID) identifies it across rediscoveries.
type Listing struct {
	ID       int64  `json:"id,omitempty"`
	Source   Site   `json:"source"`
	SourceID string `json:"source_id"`

	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	FullText    string `json:"full_text,omitempty"`
	BuyerOrg    string `json:"buyer_org,omitempty"`

	Regions    []string `json:"regions,omitempty"`
	Categories []string `json:"categories,omitempty"`
	TenderType string   `json:"tender_type,omitempty"`

	ValueLow         *int64 `json:"value_low,omitempty"`
	ValueHigh        *int64 `json:"value_high,omitempty"`
	ValueIsEstimated bool   `json:"value_is_estimated,omitempty"`

	PublishedAt *time.Time `json:"published_at,omitempty"`
	ClosesAt    *time.Time `json:"closes_at,omitempty"`
	BriefingAt  *time.Time `json:"briefing_at,omitempty"`

	CertificationsRequired []string `json:"certifications_required,omitempty"`
	DocumentURLs           []string `json:"document_urls,omitempty"`
	SourceURL              string   `json:"source_url"`

	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Stub is the partial listing a portal search result row yields.
type Stub struct {
	SourceID   string     `json:"source_id"`
	Title      string     `json:"title"`
	BuyerOrg   string     `json:"buyer_org,omitempty"`
	ClosesAt   *time.Time `json:"closes_at,omitempty"`
	ValueRange string     `json:"value_range,omitempty"`
	URL        string     `json:"url"`
}

// SearchParams narrows a portal search. Every field is optional.
type SearchParams struct {
	Keywords       []string   `mapstructure:"keywords"`
	Regions        []string   `mapstructure:"regions"`
	Categories     []string   `mapstructure:"categories"`
	ValueMin       *int64     `mapstructure:"value-min"`
	ValueMax       *int64     `mapstructure:"value-max"`
	PublishedAfter *time.Time `mapstructure:"published-after"`
	ClosingAfter   *time.Time `mapstructure:"closing-after"`
}

// Key returns the global identity of the listing.
func (l *Listing) Key() string {
	return fmt.Sprintf("%s:%s", l.Source, l.SourceID)
}

// HasValue reports whether the portal declared any value bound.
func (l *Listing) HasValue() bool {
	return l.ValueLow != nil || l.ValueHigh != nil
}

// SearchText is the lower-cased text keyword filters run against.
func (l *Listing) SearchText() string {
	return strings.ToLower(l.Title + " " + l.Description + " " + l.FullText)
}

// ValueString renders the value range for humans.
func (l *Listing) ValueString() string {
	switch {
	case l.ValueLow != nil && l.ValueHigh != nil:
		return fmt.Sprintf("%s - %s", FormatAmount(*l.ValueLow), FormatAmount(*l.ValueHigh))
	case l.ValueLow != nil:
		return fmt.Sprintf("%s - TBC", FormatAmount(*l.ValueLow))
	case l.ValueHigh != nil:
		return fmt.Sprintf("up to %s", FormatAmount(*l.ValueHigh))
	default:
		return "Not specified"
	}
}

// ApplyStub fills fields the detail page did not expose from the search row.
// Detail values always win.
func (l *Listing) ApplyStub(s Stub) {
	if l.SourceID == "" {
		l.SourceID = s.SourceID
	}
	if l.Title == "" {
		l.Title = s.Title
	}
	if l.BuyerOrg == "" {
		l.BuyerOrg = s.BuyerOrg
	}
	if l.ClosesAt == nil && s.ClosesAt != nil {
		closes := *s.ClosesAt
		l.ClosesAt = &closes
	}
	if l.SourceURL == "" {
		l.SourceURL = s.URL
	}
	if !l.HasValue() && s.ValueRange != "" {
		if low, high, ok := ParseValueRange(s.ValueRange); ok {
			l.ValueLow = low
			l.ValueHigh = high
		}
	}
}

// FormatAmount renders whole dollars with thousands separators, e.g. "$1,250,000".
func FormatAmount(v int64) string {
	neg := v < 0
	if neg {
		v = -v
	}
	digits := fmt.Sprintf("%d", v)

	var b strings.Builder
	for i, r := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}

	if neg {
		return "-$" + b.String()
	}
	return "$" + b.String()
}
