package edgar

import (
	"encoding/json"
	"time"
)

// FilingSummary is one entry from an entity's filing index
type FilingSummary struct {
	Accession   string    `json:"accession_number"`
	FilingDate  time.Time `json:"filing_date"`
	FormType    string    `json:"form_type"`
	Document    string    `json:"document"`
	CompanyName string    `json:"company_name"`
}

// submissionsIndex mirrors the archive's submissions endpoint. Filing fields
// arrive as column-parallel arrays, one position per filing.
type submissionsIndex struct {
	CIK     string `json:"cik"`
	Name    string `json:"name"`
	Filings struct {
		Recent struct {
			AccessionNumber []string `json:"accessionNumber"`
			FilingDate      []string `json:"filingDate"`
			Form            []string `json:"form"`
			PrimaryDocument []string `json:"primaryDocument"`
		} `json:"recent"`
	} `json:"filings"`
}

func decodeSubmissions(body []byte) (*submissionsIndex, error) {
	var index submissionsIndex
	if err := json.Unmarshal(body, &index); err != nil {
		return nil, err
	}
	return &index, nil
}
