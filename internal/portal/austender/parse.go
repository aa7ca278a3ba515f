package austender

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/PuerkitoBio/goquery"

	"github.com/dennissolver/tenderwatch/internal/portal"
	"github.com/dennissolver/tenderwatch/internal/tender"
	"github.com/dennissolver/tenderwatch/internal/utils"
)

var atmIDPattern = regexp.MustCompile(`ATM(\d+)`)

// AusTender publishes dates in Canberra local time.
var portalZone = loadZone("Australia/Sydney", 10*60*60)

var dateLayouts = []string{
	"2-Jan-2006 3:04 pm",
	"2-Jan-2006 3:04 PM",
	"2-Jan-2006 3:04pm",
	"2-Jan-2006 3:04PM",
	"2-Jan-2006",
	"2 Jan 2006 3:04 pm",
	"2 Jan 2006 3:04 PM",
	"2 Jan 2006",
	"2/01/2006",
	"2006-01-02",
}

func loadZone(name string, fallbackOffset int) *time.Location {
	if loc, err := time.LoadLocation(name); err == nil {
		return loc
	}
	return time.FixedZone("AEST", fallbackOffset)
}

func parseDocument(html string) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parsing markup: %w", err)
	}
	return doc, nil
}

func hasLogoutLink(html string) bool {
	doc, err := parseDocument(html)
	if err != nil {
		return false
	}
	return doc.Find(selLogout).Length() > 0
}

func loginError(html string) string {
	doc, err := parseDocument(html)
	if err != nil {
		return ""
	}
	return utils.CollapseSpace(doc.Find(selLoginError).First().Text())
}

// parseSearchResults returns one stub per parsable row and a reason per skipped row.
func parseSearchResults(html, baseURL string) ([]tender.Stub, []string, error) {
	doc, err := parseDocument(html)
	if err != nil {
		return nil, nil, err
	}

	table := doc.Find(selResults)
	if table.Length() == 0 {
		return nil, nil, fmt.Errorf("%w: %s", portal.ErrSelectorNotFound, selResults)
	}

	stubs := make([]tender.Stub, 0)
	skipped := make([]string, 0)

	table.Find("tbody tr").Each(func(i int, row *goquery.Selection) {
		stub, err := parseRow(row, baseURL)
		if err != nil {
			skipped = append(skipped, fmt.Sprintf("row %d: %v", i+1, err))
			return
		}
		stubs = append(stubs, stub)
	})

	return stubs, skipped, nil
}

func parseRow(row *goquery.Selection, baseURL string) (tender.Stub, error) {
	link := row.Find("td:nth-child(1) a").First()
	if link.Length() == 0 {
		return tender.Stub{}, fmt.Errorf("no title link")
	}

	href, _ := link.Attr("href")
	match := atmIDPattern.FindStringSubmatch(href)
	if match == nil {
		return tender.Stub{}, fmt.Errorf("no ATM id in %q", href)
	}

	target, err := resolveURL(baseURL, href)
	if err != nil {
		return tender.Stub{}, err
	}

	stub := tender.Stub{
		SourceID:   match[1],
		Title:      utils.CollapseSpace(link.Text()),
		BuyerOrg:   cellText(row, 2),
		ValueRange: cellText(row, 5),
		URL:        target,
	}
	if stub.Title == "" {
		return tender.Stub{}, fmt.Errorf("empty title for ATM%s", stub.SourceID)
	}

	if closes, ok := parseDate(cellText(row, 4)); ok {
		stub.ClosesAt = &closes
	}

	return stub, nil
}

func cellText(row *goquery.Selection, n int) string {
	return utils.CollapseSpace(row.Find(fmt.Sprintf("td:nth-child(%d)", n)).First().Text())
}

// parseDetail extracts what the detail page shows. Absent elements leave the
// corresponding fields empty.
func parseDetail(html, baseURL string) (*tender.Listing, error) {
	doc, err := parseDocument(html)
	if err != nil {
		return nil, err
	}

	title := utils.CollapseSpace(doc.Find("h1").First().Text())
	if title == "" {
		return nil, fmt.Errorf("%w: h1", portal.ErrSelectorNotFound)
	}

	listing := &tender.Listing{
		Source:      tender.SiteAusTender,
		Title:       title,
		Description: strings.TrimSpace(doc.Find(".description").First().Text()),
		BuyerOrg:    utils.CollapseSpace(doc.Find(".agency-name").First().Text()),
	}

	doc.Find(".list-desc").Each(func(_ int, item *goquery.Selection) {
		label := strings.ToLower(strings.TrimSuffix(utils.CollapseSpace(item.Find("span").First().Text()), ":"))
		value := utils.CollapseSpace(item.Find(".list-desc-inner").First().Text())
		if value == "" {
			return
		}
		applyField(listing, label, value)
	})

	docs := make([]string, 0)
	doc.Find(".documents a[href*='download']").Each(func(_ int, link *goquery.Selection) {
		href, ok := link.Attr("href")
		if !ok || strings.TrimSpace(href) == "" {
			return
		}
		if target, err := resolveURL(baseURL, href); err == nil {
			docs = append(docs, target)
		}
	})
	listing.DocumentURLs = docs

	return listing, nil
}

func applyField(l *tender.Listing, label, value string) {
	switch label {
	case "agency":
		if l.BuyerOrg == "" {
			l.BuyerOrg = value
		}
	case "category":
		l.Categories = append(l.Categories, value)
	case "location":
		l.Regions = append(l.Regions, splitList(value)...)
	case "atm type":
		l.TenderType = value
	case "close date & time":
		if t, ok := parseDate(value); ok {
			l.ClosesAt = &t
		}
	case "publish date":
		if t, ok := parseDate(value); ok {
			l.PublishedAt = &t
		}
	case "industry briefing":
		if t, ok := parseDate(value); ok {
			l.BriefingAt = &t
		}
	case "estimated value (aud)", "estimated value":
		if low, high, ok := tender.ParseValueRange(value); ok {
			l.ValueLow, l.ValueHigh = low, high
			l.ValueIsEstimated = true
		}
	}
}

func splitList(s string) []string {
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' })
	return utils.UniqueFold(parts)
}

// parseDate reads the portal's date formats, ignoring a trailing
// parenthesised zone note such as "(ACT Local Time)".
func parseDate(s string) (time.Time, bool) {
	if i := strings.Index(s, "("); i >= 0 {
		s = s[:i]
	}
	s = utils.CollapseSpace(s)
	if s == "" {
		return time.Time{}, false
	}

	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, portalZone); err == nil {
			return t, true
		}
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	return time.Time{}, false
}

func resolveURL(baseURL, ref string) (string, error) {
	base, err := url.Parse(baseURL + "/")
	if err != nil {
		return "", fmt.Errorf("invalid base url %q: %w", baseURL, err)
	}
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", ref, err)
	}
	return base.ResolveReference(u).String(), nil
}
