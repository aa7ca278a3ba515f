package pipeline

import (
	"time"

	"github.com/dennissolver/tenderwatch/internal/matching"
	"github.com/dennissolver/tenderwatch/internal/tender"
	"github.com/dennissolver/tenderwatch/internal/utils"
)

// SearchParamsFor derives one portal search covering every active watch of an
// account owner. A constraint is applied only when every watch sets it: the
// union of must-have keywords, the union of regions and the loosest value
// bounds. A watch without one of them wants everything on that axis. Closed
// listings are excluded.
func SearchParamsFor(watches []matching.Watch, now time.Time) tender.SearchParams {
	var (
		keywords []string
		regions  []string
		min, max *int64
		all      = len(watches) > 0
		allKeys  = all
		allRegs  = all
		allMin   = all
		allMax   = all
	)

	for _, w := range watches {
		if must := utils.UniqueFold(w.KeywordsMust); len(must) == 0 {
			allKeys = false
		} else {
			keywords = append(keywords, must...)
		}

		if regs := utils.UniqueFold(w.Regions); len(regs) == 0 {
			allRegs = false
		} else {
			regions = append(regions, regs...)
		}

		if w.ValueMin == nil {
			allMin = false
		} else if min == nil || *w.ValueMin < *min {
			v := *w.ValueMin
			min = &v
		}

		if w.ValueMax == nil {
			allMax = false
		} else if max == nil || *w.ValueMax > *max {
			v := *w.ValueMax
			max = &v
		}
	}

	var params tender.SearchParams
	if allKeys {
		params.Keywords = utils.UniqueFold(keywords)
	}
	if allRegs {
		params.Regions = utils.UniqueFold(regions)
	}
	if allMin {
		params.ValueMin = min
	}
	if allMax {
		params.ValueMax = max
	}
	closing := now
	params.ClosingAfter = &closing
	return params
}
