// Package domain holds the shared value types and ports of the risk
// calculation core. Types here are pure data - no infrastructure imports.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReportingCurrency is the common currency all exposures are converted to
// before aggregation.
const ReportingCurrency = "EUR"

// BankInfo identifies the reporting institution for a batch.
type BankInfo struct {
	BankName   string
	ABICode    string
	LEICode    string
	ReportDate time.Time
}

// ExposureRecording is a raw exposure as parsed from the source document,
// still in its original currency.
type ExposureRecording struct {
	ID             string
	InstrumentID   string
	Counterparty   string
	OriginalAmount decimal.Decimal
	Currency       string
	ProductType    string
	Country        string
}

// RawMitigation is a credit-risk mitigant as parsed from the source document,
// still in its original currency.
type RawMitigation struct {
	ExposureID string
	Type       string
	Amount     decimal.Decimal
	Currency   string
}

// ExposureValuation is an exposure amount converted to the reporting currency.
// Amount is never negative.
type ExposureValuation struct {
	ExposureID string
	Amount     decimal.Decimal
}

// Mitigation is a credit-risk mitigant expressed in the reporting currency.
// Value is never negative.
type Mitigation struct {
	ExposureID string
	Type       string
	Value      decimal.Decimal
}

// Region is the geographic classification of an exposure.
type Region string

const (
	RegionItaly   Region = "ITALY"
	RegionEUOther Region = "EU_OTHER"
	RegionNonEU   Region = "NON_EU"
)

// Regions lists all regions in reporting order.
// Breakdowns carry explicit zero entries for regions with no exposures.
var Regions = []Region{RegionItaly, RegionEUOther, RegionNonEU}

// Sector is the economic classification of an exposure.
type Sector string

const (
	SectorRetail    Sector = "RETAIL"
	SectorSovereign Sector = "SOVEREIGN"
	SectorCorporate Sector = "CORPORATE"
	SectorBanking   Sector = "BANKING"
	SectorOther     Sector = "OTHER"
)

// Sectors lists all sectors in reporting order.
var Sectors = []Sector{SectorRetail, SectorSovereign, SectorCorporate, SectorBanking, SectorOther}

// ClassifiedExposure is the unit consumed by portfolio aggregation:
// a net reporting-currency amount with its region and sector.
type ClassifiedExposure struct {
	ExposureID string
	NetAmount  decimal.Decimal
	Region     Region
	Sector     Sector
}
