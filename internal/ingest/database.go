package ingest

import (
	"errors"
	"time"

	"github.com/ksred/insider-api/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateFiling(filing *types.Filing) error {
	return d.db.Create(filing).Error
}

func (d *Database) GetFiling(filingID string) (*types.Filing, error) {
	var filing types.Filing
	if err := d.db.Where("filing_id = ?", filingID).First(&filing).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &filing, nil
}

// GetFilingByChecksum looks up the duplicate guard. A nil filing with nil
// error means the checksum has not been seen.
func (d *Database) GetFilingByChecksum(checksum string) (*types.Filing, error) {
	var filing types.Filing
	if err := d.db.Where("checksum = ?", checksum).First(&filing).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &filing, nil
}

// MarkFilingCompleted transitions a filing to its terminal success state
func (d *Database) MarkFilingCompleted(filing *types.Filing) error {
	now := time.Now()
	filing.Status = types.FilingStatusCompleted
	filing.Error = ""
	filing.ProcessedAt = &now
	return d.db.Save(filing).Error
}

// MarkFilingFailed records the failure reason on the filing for operator
// inspection; the error is not propagated past the batch
func (d *Database) MarkFilingFailed(filing *types.Filing, cause error) error {
	now := time.Now()
	filing.Status = types.FilingStatusFailed
	filing.Error = cause.Error()
	filing.ProcessedAt = &now
	return d.db.Save(filing).Error
}

func (d *Database) UpdateFiling(filing *types.Filing) error {
	return d.db.Save(filing).Error
}

func (d *Database) CreateTransaction(transaction *types.Transaction) error {
	return d.db.Create(transaction).Error
}

func (d *Database) GetTransactionsByFiling(filingID string) ([]types.Transaction, error) {
	var transactions []types.Transaction
	if err := d.db.Where("filing_id = ?", filingID).Find(&transactions).Error; err != nil {
		return nil, err
	}
	return transactions, nil
}

// GetCompaniesWithCIK returns the bounded default entity set for discovery
func (d *Database) GetCompaniesWithCIK(limit int) ([]types.Company, error) {
	var companies []types.Company
	if err := d.db.Where("cik <> ''").Limit(limit).Find(&companies).Error; err != nil {
		return nil, err
	}
	return companies, nil
}

// FindOrCreateCompany resolves a company by natural key: CIK first, then
// ticker, then name. Concurrent creation of the same key is tolerated by
// re-querying on a duplicate-key error.
func (d *Database) FindOrCreateCompany(name, ticker, cik string) (*types.Company, error) {
	lookup := func() (*types.Company, error) {
		var company types.Company
		query := d.db
		switch {
		case cik != "":
			query = query.Where("cik = ?", cik)
		case ticker != "":
			query = query.Where("ticker = ?", ticker)
		default:
			query = query.Where("name = ?", name)
		}
		if err := query.First(&company).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, nil
			}
			return nil, err
		}
		return &company, nil
	}

	company, err := lookup()
	if err != nil || company != nil {
		return company, err
	}

	created := &types.Company{Name: name, Ticker: ticker, CIK: cik}
	if err := d.db.Create(created).Error; err != nil {
		// A concurrent creator won the insert; the existing row wins
		if isDuplicateKey(err) {
			if winner, lerr := lookup(); lerr == nil && winner != nil {
				return winner, nil
			}
		}
		return nil, err
	}
	return created, nil
}

// FindOrCreatePerson resolves a reporting person by name plus role type
func (d *Database) FindOrCreatePerson(name, title string, isOfficer, isDirector bool) (*types.Person, error) {
	lookup := func() (*types.Person, error) {
		var person types.Person
		err := d.db.Where("name = ? AND is_officer = ? AND is_director = ?", name, isOfficer, isDirector).
			First(&person).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, nil
			}
			return nil, err
		}
		return &person, nil
	}

	person, err := lookup()
	if err != nil || person != nil {
		return person, err
	}

	created := &types.Person{Name: name, Title: title, IsOfficer: isOfficer, IsDirector: isDirector}
	if err := d.db.Create(created).Error; err != nil {
		if isDuplicateKey(err) {
			if winner, lerr := lookup(); lerr == nil && winner != nil {
				return winner, nil
			}
		}
		return nil, err
	}
	return created, nil
}

func isDuplicateKey(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}
