// Package classification maps country codes to geographic regions and
// product type codes to economic sectors via static tables.
//
// Classification never fails: unknown country codes fall back to NON_EU and
// unknown product types to OTHER, so a single ambiguous exposure cannot
// abort a batch.
package classification

import (
	"strings"

	"github.com/bcbs239/riskcalc/internal/domain"
)

// homeCountry is the reporting institution's home market.
const homeCountry = "IT"

// euMembers are the EU member states other than the home country
// (ISO 3166-1 alpha-2).
var euMembers = map[string]bool{
	"AT": true, "BE": true, "BG": true, "HR": true, "CY": true,
	"CZ": true, "DK": true, "EE": true, "FI": true, "FR": true,
	"DE": true, "GR": true, "HU": true, "IE": true, "LV": true,
	"LT": true, "LU": true, "MT": true, "NL": true, "PL": true,
	"PT": true, "RO": true, "SK": true, "SI": true, "ES": true,
	"SE": true,
}

// sectorByCode maps exact product type codes to sectors.
var sectorByCode = map[string]domain.Sector{
	"MORTGAGE":        domain.SectorRetail,
	"RETAIL_LOAN":     domain.SectorRetail,
	"CONSUMER_CREDIT": domain.SectorRetail,
	"GOVT_BOND":       domain.SectorSovereign,
	"SOVEREIGN_BOND":  domain.SectorSovereign,
	"CORPORATE_LOAN":  domain.SectorCorporate,
	"CORPORATE_BOND":  domain.SectorCorporate,
	"INTERBANK":       domain.SectorBanking,
	"BANK_BOND":       domain.SectorBanking,
}

// sectorKeywords maps substrings of free-form product descriptions to
// sectors, checked in order. First match wins.
var sectorKeywords = []struct {
	keyword string
	sector  domain.Sector
}{
	{"MORTGAGE", domain.SectorRetail},
	{"RETAIL", domain.SectorRetail},
	{"CONSUMER", domain.SectorRetail},
	{"SOVEREIGN", domain.SectorSovereign},
	{"GOVERNMENT", domain.SectorSovereign},
	{"GOVT", domain.SectorSovereign},
	{"CORPORATE", domain.SectorCorporate},
	{"SME", domain.SectorCorporate},
	{"BANK", domain.SectorBanking},
	{"INTERBANK", domain.SectorBanking},
	{"FINANCIAL", domain.SectorBanking},
}

// ClassifyRegion maps an ISO country code to a geographic region.
// Unknown or empty codes classify as NON_EU.
func ClassifyRegion(countryCode string) domain.Region {
	code := strings.ToUpper(strings.TrimSpace(countryCode))
	switch {
	case code == homeCountry:
		return domain.RegionItaly
	case euMembers[code]:
		return domain.RegionEUOther
	default:
		return domain.RegionNonEU
	}
}

// ClassifySector maps a product type code or description to an economic
// sector. Unknown codes classify as OTHER.
func ClassifySector(productType string) domain.Sector {
	code := strings.ToUpper(strings.TrimSpace(productType))
	if code == "" {
		return domain.SectorOther
	}

	if sector, ok := sectorByCode[code]; ok {
		return sector
	}

	normalized := strings.ReplaceAll(code, "_", " ")
	for _, entry := range sectorKeywords {
		if strings.Contains(normalized, entry.keyword) {
			return entry.sector
		}
	}

	return domain.SectorOther
}
