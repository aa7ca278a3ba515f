// Package matching scores tender listings against watch configurations.
//
// Evaluation runs in two phases. Hard filters reject a listing outright on the
// first failing condition; listings that survive are scored additively and
// placed into a tier using the watch's sensitivity. Evaluation does no I/O and
// keeps no state, so an Engine is safe for concurrent use.
package matching

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/dennissolver/tenderwatch/internal/tender"
)

const (
	mustKeywordPoints  = 40
	bonusKeywordPoints = 15
	maxKeywordMatches  = 3
	sectorPoints       = 20
	buyerPoints        = 25
	certificationPoint = 10

	// MaxScore is the highest score any listing can reach.
	MaxScore = mustKeywordPoints*maxKeywordMatches + bonusKeywordPoints*maxKeywordMatches +
		sectorPoints + buyerPoints + certificationPoint

	noMatchesReason = "No significant matches"
)

// Result is the outcome of evaluating one listing against one watch.
type Result struct {
	Score           int      `json:"score"`
	Tier            Tier     `json:"tier"`
	MatchedKeywords []string `json:"matched_keywords"`
	Reasoning       string   `json:"reasoning"`
}

// Recommended reports whether the result should be persisted.
func (r Result) Recommended() bool {
	return r.Tier != TierReject
}

// Engine evaluates listings using its clock for deadline filters.
type Engine struct {
	now func() time.Time
}

// NewEngine returns an engine reading time from now. A nil now uses time.Now.
func NewEngine(now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{now: now}
}

// Evaluate scores the listing against the watch at the engine's current time.
func (e *Engine) Evaluate(l *tender.Listing, w Watch) Result {
	return EvaluateAt(l, w, e.now())
}

// EvaluateAt scores the listing against the watch as of now. Identical inputs
// always produce identical results.
func EvaluateAt(l *tender.Listing, w Watch, now time.Time) Result {
	if l == nil {
		return reject("No listing to evaluate")
	}

	text := l.SearchText()

	for _, filter := range hardFilters {
		if reason, rejected := filter(l, &w, text, now); rejected {
			return reject(reason)
		}
	}

	return score(l, &w, text)
}

type hardFilter func(l *tender.Listing, w *Watch, text string, now time.Time) (string, bool)

// hardFilters run in order; the first rejection wins.
var hardFilters = []hardFilter{
	excludedKeywordFilter,
	regionFilter,
	valueRangeFilter,
	unspecifiedValueFilter,
	responseWindowFilter,
}

func excludedKeywordFilter(_ *tender.Listing, w *Watch, text string, _ time.Time) (string, bool) {
	for _, keyword := range w.KeywordsExclude {
		needle := normalize(keyword)
		if needle == "" {
			continue
		}
		if strings.Contains(text, needle) {
			return fmt.Sprintf("Contains excluded keyword: %q", strings.TrimSpace(keyword)), true
		}
	}
	return "", false
}

func regionFilter(l *tender.Listing, w *Watch, _ string, _ time.Time) (string, bool) {
	wanted := nonEmpty(w.Regions)
	if len(wanted) == 0 {
		return "", false
	}

	for _, region := range wanted {
		for _, tag := range l.Regions {
			tag = normalize(tag)
			if tag == "" {
				continue
			}
			if strings.Contains(tag, region) || strings.Contains(region, tag) {
				return "", false
			}
		}
	}

	return "Not in target regions", true
}

func valueRangeFilter(l *tender.Listing, w *Watch, _ string, _ time.Time) (string, bool) {
	if w.ValueMin != nil && l.ValueLow != nil && *l.ValueLow < *w.ValueMin {
		return fmt.Sprintf("Value (%s) below minimum (%s)",
			tender.FormatAmount(*l.ValueLow), tender.FormatAmount(*w.ValueMin)), true
	}
	if w.ValueMax != nil && l.ValueHigh != nil && *l.ValueHigh > *w.ValueMax {
		return fmt.Sprintf("Value (%s) above maximum (%s)",
			tender.FormatAmount(*l.ValueHigh), tender.FormatAmount(*w.ValueMax)), true
	}
	return "", false
}

func unspecifiedValueFilter(l *tender.Listing, w *Watch, _ string, _ time.Time) (string, bool) {
	if !l.HasValue() && !w.IncludeUnspecifiedValue {
		return "Value not specified (excluded by preference)", true
	}
	return "", false
}

func responseWindowFilter(l *tender.Listing, w *Watch, _ string, now time.Time) (string, bool) {
	if w.MinResponseDays <= 0 || l.ClosesAt == nil {
		return "", false
	}

	days := WholeDaysUntil(*l.ClosesAt, now)
	if days < w.MinResponseDays {
		return fmt.Sprintf("Only %d days to respond (minimum: %d)", days, w.MinResponseDays), true
	}
	return "", false
}

// WholeDaysUntil returns the whole days from now until t, rounded down.
func WholeDaysUntil(t, now time.Time) int {
	return int(math.Floor(t.Sub(now).Hours() / 24))
}

func score(l *tender.Listing, w *Watch, text string) Result {
	total := 0
	matched := make([]string, 0)
	reasons := make([]string, 0, 5)

	mustFound := findKeywords(text, w.KeywordsMust)
	if len(mustFound) > 0 {
		total += mustKeywordPoints * min(len(mustFound), maxKeywordMatches)
		matched = append(matched, mustFound...)
		reasons = append(reasons, fmt.Sprintf("Matched %d must-have keyword(s)", len(mustFound)))
	}

	bonusFound := findKeywords(text, w.KeywordsBonus)
	if len(bonusFound) > 0 {
		total += bonusKeywordPoints * min(len(bonusFound), maxKeywordMatches)
		matched = append(matched, bonusFound...)
		reasons = append(reasons, fmt.Sprintf("Matched %d bonus keyword(s)", len(bonusFound)))
	}

	if anyContains(l.Categories, w.PreferredSectors) {
		total += sectorPoints
		reasons = append(reasons, "Sector match")
	}

	if buyer := normalize(l.BuyerOrg); buyer != "" {
		for _, preferred := range nonEmpty(w.PreferredBuyers) {
			if strings.Contains(buyer, preferred) {
				total += buyerPoints
				reasons = append(reasons, "Preferred buyer")
				break
			}
		}
	}

	if len(l.CertificationsRequired) > 0 && len(w.CertificationsHeld) > 0 &&
		anyContains(w.CertificationsHeld, l.CertificationsRequired) {
		total += certificationPoint
		reasons = append(reasons, "Certification match")
	}

	reasoning := noMatchesReason
	if len(reasons) > 0 {
		reasoning = strings.Join(reasons, ". ")
	}

	return Result{
		Score:           total,
		Tier:            TierFor(total, w.Sensitivity),
		MatchedKeywords: matched,
		Reasoning:       reasoning,
	}
}

// findKeywords returns the distinct keywords present in text, in configuration order.
func findKeywords(text string, keywords []string) []string {
	seen := make(map[string]struct{}, len(keywords))
	found := make([]string, 0)
	for _, keyword := range keywords {
		needle := normalize(keyword)
		if needle == "" {
			continue
		}
		if _, dup := seen[needle]; dup {
			continue
		}
		seen[needle] = struct{}{}
		if strings.Contains(text, needle) {
			found = append(found, strings.TrimSpace(keyword))
		}
	}
	return found
}

// anyContains reports whether any haystack entry contains any needle entry.
func anyContains(haystack, needles []string) bool {
	wanted := nonEmpty(needles)
	for _, h := range haystack {
		h = normalize(h)
		if h == "" {
			continue
		}
		for _, n := range wanted {
			if strings.Contains(h, n) {
				return true
			}
		}
	}
	return false
}

func nonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if n := normalize(v); n != "" {
			out = append(out, n)
		}
	}
	return out
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func reject(reason string) Result {
	return Result{
		Score:           0,
		Tier:            TierReject,
		MatchedKeywords: []string{},
		Reasoning:       reason,
	}
}
