package tender

import (
	"regexp"
	"strconv"
	"strings"
)

var amountPattern = regexp.MustCompile(`(?i)\$?\s*([0-9][0-9,]*(?:\.[0-9]+)?)\s*(million|thousand|k|m)?\b`)

// ParseValueRange extracts low/high dollar bounds from free text such as
// "$1,000 - $5,000", "$250k" or "Up to $2m". ok is false when no amount is found.
func ParseValueRange(s string) (low, high *int64, ok bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil, false
	}

	matches := amountPattern.FindAllStringSubmatch(s, -1)
	amounts := make([]int64, 0, len(matches))
	for _, m := range matches {
		v, err := parseAmount(m[1], m[2])
		if err != nil {
			continue
		}
		amounts = append(amounts, v)
	}

	switch len(amounts) {
	case 0:
		return nil, nil, false
	case 1:
		v := amounts[0]
		if strings.Contains(strings.ToLower(s), "up to") {
			return nil, &v, true
		}
		lo, hi := v, v
		return &lo, &hi, true
	default:
		lo, hi := amounts[0], amounts[1]
		if lo > hi {
			lo, hi = hi, lo
		}
		return &lo, &hi, true
	}
}

func parseAmount(number, suffix string) (int64, error) {
	f, err := strconv.ParseFloat(strings.ReplaceAll(number, ",", ""), 64)
	if err != nil {
		return 0, err
	}

	switch strings.ToLower(suffix) {
	case "k", "thousand":
		f *= 1_000
	case "m", "million":
		f *= 1_000_000
	}

	return int64(f), nil
}
