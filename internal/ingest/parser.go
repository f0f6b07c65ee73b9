package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrInvalidDocument is returned when a filing is missing its required
// top-level container. Field-level anomalies never produce this error.
var ErrInvalidDocument = errors.New("invalid filing document")

// Draft is one extracted transaction before persistence. Entity references
// are names and tickers; ids are resolved at save time.
type Draft struct {
	CompanyName     string
	Ticker          string
	PersonName      string
	Title           string
	IsOfficer       bool
	IsDirector      bool
	Side            string
	SecurityTitle   string
	Shares          float64
	PricePerShare   *float64
	SharesOwned     float64
	TransactionDate time.Time
	ReportedDate    time.Time
	Direct          bool
	Confidence      float64
}

// valueNode is a scalar field that may arrive bare ("A", 25000) or wrapped in
// a value-with-metadata object ({"value": "A", "footnoteId": ...}). Both
// shapes decode to the same node; absent fields read as zero values.
type valueNode struct {
	raw json.RawMessage
}

func (v *valueNode) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var wrapper struct {
			Value json.RawMessage `json:"value"`
		}
		if err := json.Unmarshal(trimmed, &wrapper); err == nil && wrapper.Value != nil {
			v.raw = wrapper.Value
			return nil
		}
		// Wrapped object without a value key reads as empty
		v.raw = nil
		return nil
	}
	v.raw = trimmed
	return nil
}

// String returns the node as a trimmed string, or "" when absent
func (v valueNode) String() string {
	if len(v.raw) == 0 || bytes.Equal(v.raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(v.raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(string(v.raw))
}

// Float returns the node as a number, or 0 when absent or unparseable
func (v valueNode) Float() float64 {
	f, ok := v.floatOK()
	if !ok {
		return 0
	}
	return f
}

// FloatPtr distinguishes an absent or unparseable number from a real zero
func (v valueNode) FloatPtr() *float64 {
	f, ok := v.floatOK()
	if !ok {
		return nil
	}
	return &f
}

func (v valueNode) floatOK() (float64, bool) {
	s := v.String()
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// Bool accepts the archive's assorted boolean spellings ("1", "true", true)
func (v valueNode) Bool() bool {
	switch strings.ToLower(v.String()) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// Time parses the node as an archive date, or reports absence
func (v valueNode) Time() (time.Time, bool) {
	s := v.String()
	if len(s) > 10 {
		s = s[:10]
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// transactionList tolerates the table holding either an array of line items
// or, when the filing reports exactly one transaction, a single bare object.
type transactionList []transactionEntry

func (l *transactionList) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var entries []transactionEntry
		if err := json.Unmarshal(trimmed, &entries); err != nil {
			return err
		}
		*l = entries
		return nil
	}
	var single transactionEntry
	if err := json.Unmarshal(trimmed, &single); err != nil {
		return err
	}
	*l = transactionList{single}
	return nil
}

type form4Document struct {
	OwnershipDocument *ownershipDocument `json:"ownershipDocument"`
}

type ownershipDocument struct {
	PeriodOfReport valueNode      `json:"periodOfReport"`
	Issuer         issuerBlock    `json:"issuer"`
	ReportingOwner reportingOwner `json:"reportingOwner"`
	Table          *struct {
		Transactions transactionList `json:"nonDerivativeTransaction"`
	} `json:"nonDerivativeTable"`
}

type issuerBlock struct {
	Name   valueNode `json:"issuerName"`
	Symbol valueNode `json:"issuerTradingSymbol"`
}

type reportingOwner struct {
	ID struct {
		Name valueNode `json:"rptOwnerName"`
	} `json:"reportingOwnerId"`
	Relationship struct {
		IsOfficer    valueNode `json:"isOfficer"`
		IsDirector   valueNode `json:"isDirector"`
		OfficerTitle valueNode `json:"officerTitle"`
	} `json:"reportingOwnerRelationship"`
}

type transactionEntry struct {
	Date          valueNode `json:"transactionDate"`
	SecurityTitle valueNode `json:"securityTitle"`
	Coding        struct {
		Code valueNode `json:"transactionCode"`
	} `json:"transactionCoding"`
	Amounts struct {
		Shares        valueNode `json:"transactionShares"`
		PricePerShare valueNode `json:"transactionPricePerShare"`
		AcquiredCode  valueNode `json:"transactionAcquiredDisposedCode"`
	} `json:"transactionAmounts"`
	PostAmounts struct {
		SharesOwned valueNode `json:"sharesOwnedFollowingTransaction"`
	} `json:"postTransactionAmounts"`
	Ownership struct {
		DirectOrIndirect valueNode `json:"directOrIndirectOwnership"`
	} `json:"ownershipNature"`
}

// ParseForm4 converts one raw filing document into transaction drafts.
// Line items with a zero or unparseable share count are skipped rather than
// failing the filing; an empty result is valid. Only a missing top-level
// container is an error.
func ParseForm4(raw []byte) ([]Draft, error) {
	var doc form4Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if doc.OwnershipDocument == nil {
		return nil, ErrInvalidDocument
	}

	od := doc.OwnershipDocument
	reported, hasReported := od.PeriodOfReport.Time()

	owner := od.ReportingOwner
	base := Draft{
		CompanyName: od.Issuer.Name.String(),
		Ticker:      od.Issuer.Symbol.String(),
		PersonName:  owner.ID.Name.String(),
		Title:       owner.Relationship.OfficerTitle.String(),
		IsOfficer:   owner.Relationship.IsOfficer.Bool(),
		IsDirector:  owner.Relationship.IsDirector.Bool(),
	}

	if od.Table == nil {
		return []Draft{}, nil
	}

	drafts := make([]Draft, 0, len(od.Table.Transactions))
	for _, entry := range od.Table.Transactions {
		shares := entry.Amounts.Shares.Float()
		if shares <= 0 {
			log.Debug().
				Str("component", "filing_parser").
				Str("person", base.PersonName).
				Msg("skipping line item without a usable share count")
			continue
		}

		side, ok := mapTransactionCode(entry)
		if !ok {
			continue
		}

		draft := base
		draft.Side = side
		draft.Shares = shares
		draft.PricePerShare = entry.Amounts.PricePerShare.FloatPtr()
		draft.SharesOwned = entry.PostAmounts.SharesOwned.Float()
		draft.Direct = !strings.EqualFold(entry.Ownership.DirectOrIndirect.String(), "I")
		draft.Confidence = 1.0

		draft.SecurityTitle = entry.SecurityTitle.String()
		if draft.SecurityTitle == "" {
			draft.SecurityTitle = "Common Stock"
			draft.Confidence -= 0.1
		}

		if date, ok := entry.Date.Time(); ok {
			draft.TransactionDate = date
		} else {
			draft.TransactionDate = reported
			draft.Confidence -= 0.1
		}
		if hasReported {
			draft.ReportedDate = reported
		} else {
			draft.ReportedDate = draft.TransactionDate
		}

		drafts = append(drafts, draft)
	}

	return drafts, nil
}

// mapTransactionCode maps the acquired/disposed code to a trade side.
// A is an acquisition (buy), D a disposition (sell); the transaction code is
// the fallback when the amounts block omits the flag. Anything else is not a
// reportable open-market trade and is skipped.
func mapTransactionCode(entry transactionEntry) (string, bool) {
	code := strings.ToUpper(entry.Amounts.AcquiredCode.String())
	if code == "" {
		code = strings.ToUpper(entry.Coding.Code.String())
	}
	switch code {
	case "A":
		return "BUY", true
	case "D":
		return "SELL", true
	}
	return "", false
}
