package types

import (
	"time"

	"gorm.io/gorm"
)

// Filing processing statuses
const (
	FilingStatusPending   = "PENDING"
	FilingStatusCompleted = "COMPLETED"
	FilingStatusFailed    = "FAILED"
)

// Transaction sides
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Company is a reference entity resolved by natural key (CIK, ticker or name).
// Created lazily on first sighting, never deleted.
type Company struct {
	gorm.Model `json:"-"`
	Name       string `json:"name"`
	Ticker     string `gorm:"index" json:"ticker"`
	CIK        string `gorm:"index" json:"cik"` // external archive identifier, empty when unknown
}

// Person is a reporting insider resolved by name plus role type.
type Person struct {
	gorm.Model `json:"-"`
	Name       string `gorm:"index" json:"name"`
	Title      string `json:"title"`
	IsOfficer  bool   `json:"is_officer"`
	IsDirector bool   `json:"is_director"`
}

// Filing is one fetched source document. The checksum is the sole duplicate
// guard: sha256 of entity id + accession number, enforced unique.
type Filing struct {
	gorm.Model  `json:"-"`
	FilingID    string     `gorm:"uniqueIndex" json:"filing_id"`
	Source      string     `json:"source"`
	FormType    string     `json:"form_type"`
	OriginURL   string     `json:"origin_url"`
	FilingDate  time.Time  `json:"filing_date"`
	Accession   string     `json:"accession_number"`
	Checksum    string     `gorm:"uniqueIndex" json:"checksum"`
	RawContent  string     `json:"-"`
	Status      string     `json:"status"` // PENDING, COMPLETED, FAILED
	Error       string     `json:"error,omitempty"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// Transaction is one extracted trade event, owned by exactly one Filing.
// Immutable once created. EstimatedValue is always Shares*Price, or nil when
// the filing reports no price.
type Transaction struct {
	gorm.Model      `json:"-"`
	TransactionID   string    `gorm:"uniqueIndex" json:"transaction_id"`
	FilingID        string    `gorm:"index" json:"filing_id"`
	PersonID        uint      `gorm:"index" json:"person_id"`
	CompanyID       uint      `gorm:"index" json:"company_id"`
	Side            string    `json:"side"` // BUY or SELL
	SecurityTitle   string    `json:"security_title"`
	Shares          float64   `json:"shares"`
	PricePerShare   *float64  `json:"price_per_share,omitempty"`
	EstimatedValue  *float64  `json:"estimated_value,omitempty"`
	SharesOwned     float64   `json:"shares_owned_after"`
	TransactionDate time.Time `json:"transaction_date"`
	ReportedDate    time.Time `json:"reported_date"`
	DirectOwnership bool      `json:"direct_ownership"`
	Confidence      float64   `json:"confidence"`
}
