package tender

import (
	"fmt"
	"sort"
	"strings"
)

// Site identifies a procurement portal.
type Site string

const (
	SiteAusTender   Site = "austender"
	SiteNSWeTender  Site = "nsw_etender"
	SiteQLDQTenders Site = "qld_qtenders"
	SiteVICTenders  Site = "vic_tenders"
	SiteSATenders   Site = "sa_tenders"
	SiteWATenders   Site = "wa_tenders"
	SiteTASTenders  Site = "tas_tenders"
	SiteNTTenders   Site = "nt_tenders"
	SiteACTTenders  Site = "act_tenders"
	SiteVendorPanel Site = "vendorpanel"
	SiteTenderLink  Site = "tenderlink"
	SiteICNGateway  Site = "icn_gateway"
)

// SiteInfo describes a portal in the catalogue.
type SiteInfo struct {
	Name   string
	URL    string
	HasAPI bool
}

var catalogue = map[Site]SiteInfo{
	SiteAusTender:   {Name: "AusTender", URL: "https://www.tenders.gov.au", HasAPI: true},
	SiteNSWeTender:  {Name: "NSW eTendering", URL: "https://tenders.nsw.gov.au", HasAPI: true},
	SiteQLDQTenders: {Name: "QLD QTenders", URL: "https://qtenders.epw.qld.gov.au"},
	SiteVICTenders:  {Name: "VIC Tenders", URL: "https://www.tenders.vic.gov.au"},
	SiteSATenders:   {Name: "SA Tenders", URL: "https://www.tenders.sa.gov.au"},
	SiteWATenders:   {Name: "WA Tenders", URL: "https://www.tenders.wa.gov.au"},
	SiteTASTenders:  {Name: "TAS Tenders", URL: "https://www.tenders.tas.gov.au"},
	SiteNTTenders:   {Name: "NT Tenders", URL: "https://tendersonline.nt.gov.au"},
	SiteACTTenders:  {Name: "ACT Tenders", URL: "https://www.tenders.act.gov.au"},
	SiteVendorPanel: {Name: "VendorPanel", URL: "https://www.vendorpanel.com"},
	SiteTenderLink:  {Name: "TenderLink", URL: "https://www.tenderlink.com"},
	SiteICNGateway:  {Name: "ICN Gateway", URL: "https://gateway.icn.org.au"},
}

// ParseSite normalises a raw identifier and checks it against the catalogue.
func ParseSite(s string) (Site, error) {
	site := Site(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := catalogue[site]; !ok {
		return "", fmt.Errorf("unknown site %q", s)
	}
	return site, nil
}

// Info returns the catalogue entry for the site.
func (s Site) Info() (SiteInfo, bool) {
	info, ok := catalogue[s]
	return info, ok
}

func (s Site) String() string {
	return string(s)
}

// KnownSites lists every catalogued site in a stable order.
func KnownSites() []Site {
	sites := make([]Site, 0, len(catalogue))
	for s := range catalogue {
		sites = append(sites, s)
	}
	sort.Slice(sites, func(i, j int) bool { return sites[i] < sites[j] })
	return sites
}
