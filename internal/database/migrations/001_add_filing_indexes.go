package migrations

import (
	"gorm.io/gorm"
)

// AddFilingIndexes creates the indexes the ingestion path depends on.
// The checksum unique index is the duplicate-ingestion guard and must exist
// before the first filing is written.
func AddFilingIndexes(db *gorm.DB) error {
	// Using raw SQL for index creation to have more control over index types
	indexes := []string{
		// Sole de-duplication mechanism for filings
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_filings_checksum
		 ON filings(checksum)`,

		// Status filtering for reprocessing of failed filings
		`CREATE INDEX IF NOT EXISTS idx_filings_status
		 ON filings(status)`,

		// Filing date range scans during discovery
		`CREATE INDEX IF NOT EXISTS idx_filings_filing_date
		 ON filings(filing_date)`,

		// Natural-key uniqueness: concurrent find-or-create relies on the
		// insert failing so the loser can requery. Partial on companies since
		// the CIK is empty when unknown.
		`CREATE UNIQUE INDEX IF NOT EXISTS uidx_companies_cik
		 ON companies(cik) WHERE cik <> ''`,

		`CREATE UNIQUE INDEX IF NOT EXISTS uidx_people_natural_key
		 ON people(name, is_officer, is_director)`,

		// Transactions are read back by owning filing
		`CREATE INDEX IF NOT EXISTS idx_transactions_filing_id
		 ON transactions(filing_id)`,
	}

	// Execute each index creation
	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
