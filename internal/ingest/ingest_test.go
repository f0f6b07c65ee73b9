package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/insider-api/internal/database"
	"github.com/ksred/insider-api/internal/edgar"
	"github.com/ksred/insider-api/internal/types"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	db, err := database.NewDatabase(dsn)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	return db
}

const (
	testEntity    = "CIK-0000320193"
	testAccession = "0000320193-25-000001"
)

// scenarioDocument is a form 4 with a priced buy of 25,000 shares at 190.50
// and an unpriced disposition
func scenarioDocument() []byte {
	return []byte(`{
		"ownershipDocument": {
			"periodOfReport": "2025-08-12",
			"issuer": {
				"issuerName": {"value": "Apple Inc."},
				"issuerTradingSymbol": {"value": "AAPL"}
			},
			"reportingOwner": {
				"reportingOwnerId": {"rptOwnerName": {"value": "Doe Jane"}},
				"reportingOwnerRelationship": {
					"isOfficer": {"value": "1"},
					"officerTitle": {"value": "Chief Executive Officer"}
				}
			},
			"nonDerivativeTable": {
				"nonDerivativeTransaction": [
					{
						"transactionDate": {"value": "2025-08-10"},
						"securityTitle": {"value": "Common Stock"},
						"transactionAmounts": {
							"transactionShares": {"value": 25000},
							"transactionPricePerShare": {"value": 190.50},
							"transactionAcquiredDisposedCode": {"value": "A"}
						},
						"postTransactionAmounts": {"sharesOwnedFollowingTransaction": {"value": 125000}},
						"ownershipNature": {"directOrIndirectOwnership": {"value": "D"}}
					},
					{
						"transactionDate": {"value": "2025-08-11"},
						"transactionAmounts": {
							"transactionShares": {"value": 5000},
							"transactionAcquiredDisposedCode": {"value": "D"}
						}
					}
				]
			}
		}
	}`)
}

func newScenarioSource() *FixtureSource {
	source := NewFixtureSource()
	source.AddFiling(testEntity, edgar.FilingSummary{
		Accession:   testAccession,
		FilingDate:  time.Now().Add(-24 * time.Hour),
		FormType:    "4",
		Document:    "form4.json",
		CompanyName: "Apple Inc.",
	}, scenarioDocument())
	return source
}

func TestIngestRecentScenario(t *testing.T) {
	db := newTestDB(t)
	source := newScenarioSource()
	service := NewService(db, source, WithEntityDelay(0))

	result, err := service.IngestRecent(context.Background(), []string{testEntity}, 7, false)
	if err != nil {
		t.Fatalf("IngestRecent failed: %v", err)
	}

	if result.Discovered != 1 || result.Processed != 1 || result.Errors != 0 {
		t.Fatalf("expected discovered:1 processed:1 errors:0, got %+v", result)
	}

	filing, err := service.db.GetFilingByChecksum(Checksum(testEntity, testAccession))
	if err != nil || filing == nil {
		t.Fatalf("expected a filing row, got filing=%v err=%v", filing, err)
	}
	if filing.Status != types.FilingStatusCompleted {
		t.Errorf("expected completed filing, got %s", filing.Status)
	}
	if filing.ProcessedAt == nil {
		t.Error("expected processed timestamp on completed filing")
	}

	transactions, err := service.db.GetTransactionsByFiling(filing.FilingID)
	if err != nil {
		t.Fatalf("failed to load transactions: %v", err)
	}
	if len(transactions) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(transactions))
	}

	var priced, unpriced *types.Transaction
	for i := range transactions {
		if transactions[i].PricePerShare != nil {
			priced = &transactions[i]
		} else {
			unpriced = &transactions[i]
		}
	}
	if priced == nil || unpriced == nil {
		t.Fatal("expected one priced and one unpriced transaction")
	}
	if priced.EstimatedValue == nil || *priced.EstimatedValue != 25000*190.50 {
		t.Errorf("expected estimated value 4762500, got %v", priced.EstimatedValue)
	}
	if priced.Side != types.SideBuy {
		t.Errorf("expected BUY, got %s", priced.Side)
	}
	if unpriced.EstimatedValue != nil {
		t.Errorf("expected nil estimated value on unpriced disposition, got %v", *unpriced.EstimatedValue)
	}
	if unpriced.Side != types.SideSell {
		t.Errorf("expected SELL, got %s", unpriced.Side)
	}
}

func TestIngestRecentIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	source := newScenarioSource()
	service := NewService(db, source, WithEntityDelay(0))
	ctx := context.Background()

	if _, err := service.IngestRecent(ctx, []string{testEntity}, 7, false); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	fetchesAfterFirst := source.FetchCalls

	second, err := service.IngestRecent(ctx, []string{testEntity}, 7, false)
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if second.Discovered != 1 || second.Processed != 0 || second.Errors != 0 {
		t.Fatalf("expected the second run to skip the known filing, got %+v", second)
	}
	if source.FetchCalls != fetchesAfterFirst {
		t.Error("second run should not re-download an already-ingested filing")
	}

	var filingCount, transactionCount int64
	db.Model(&types.Filing{}).Count(&filingCount)
	db.Model(&types.Transaction{}).Count(&transactionCount)
	if filingCount != 1 {
		t.Errorf("expected 1 filing row after two runs, got %d", filingCount)
	}
	if transactionCount != 2 {
		t.Errorf("expected 2 transaction rows after two runs, got %d", transactionCount)
	}
}

func TestIngestRecentIsolatesFilingFailures(t *testing.T) {
	db := newTestDB(t)
	source := newScenarioSource()
	badAccession := "0000320193-25-000002"
	source.AddFiling(testEntity, edgar.FilingSummary{
		Accession:   badAccession,
		FilingDate:  time.Now().Add(-12 * time.Hour),
		FormType:    "4",
		Document:    "form4.json",
		CompanyName: "Apple Inc.",
	}, []byte(`{"unexpected": true}`))

	service := NewService(db, source, WithEntityDelay(0))
	result, err := service.IngestRecent(context.Background(), []string{testEntity}, 7, false)
	if err != nil {
		t.Fatalf("IngestRecent failed: %v", err)
	}

	if result.Discovered != 2 || result.Processed != 1 || result.Errors != 1 {
		t.Fatalf("expected discovered:2 processed:1 errors:1, got %+v", result)
	}

	failed, err := service.db.GetFilingByChecksum(Checksum(testEntity, badAccession))
	if err != nil || failed == nil {
		t.Fatalf("expected a failed filing row, got %v err=%v", failed, err)
	}
	if failed.Status != types.FilingStatusFailed {
		t.Errorf("expected failed status, got %s", failed.Status)
	}
	if failed.Error == "" {
		t.Error("expected the failure reason to be recorded on the filing")
	}
}

func TestIngestRecentFiltersFormTypeAndWindow(t *testing.T) {
	db := newTestDB(t)
	source := newScenarioSource()
	// Outside the accepted form set
	source.AddFiling(testEntity, edgar.FilingSummary{
		Accession:  "0000320193-25-000003",
		FilingDate: time.Now().Add(-24 * time.Hour),
		FormType:   "10-K",
		Document:   "annual.htm",
	}, []byte(`{}`))
	// Outside the lookback window
	source.AddFiling(testEntity, edgar.FilingSummary{
		Accession:  "0000320193-25-000004",
		FilingDate: time.Now().AddDate(0, 0, -20),
		FormType:   "4",
		Document:   "form4.json",
	}, scenarioDocument())

	service := NewService(db, source, WithEntityDelay(0))
	result, err := service.IngestRecent(context.Background(), []string{testEntity}, 7, false)
	if err != nil {
		t.Fatalf("IngestRecent failed: %v", err)
	}
	if result.Discovered != 1 {
		t.Fatalf("expected only the in-window form 4 to be discovered, got %+v", result)
	}
}

func TestIngestRecentForceReprocessesFailed(t *testing.T) {
	db := newTestDB(t)
	source := NewFixtureSource()
	source.AddFiling(testEntity, edgar.FilingSummary{
		Accession:   testAccession,
		FilingDate:  time.Now().Add(-24 * time.Hour),
		FormType:    "4",
		Document:    "form4.json",
		CompanyName: "Apple Inc.",
	}, []byte(`{"unexpected": true}`))

	service := NewService(db, source, WithEntityDelay(0))
	ctx := context.Background()

	first, err := service.IngestRecent(ctx, []string{testEntity}, 7, false)
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if first.Errors != 1 {
		t.Fatalf("expected the malformed filing to fail, got %+v", first)
	}

	// Without force the failed filing stays failed
	second, err := service.IngestRecent(ctx, []string{testEntity}, 7, false)
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if second.Processed != 0 || second.Errors != 0 {
		t.Fatalf("expected the failed filing to be skipped without force, got %+v", second)
	}

	source.SetDocument(testEntity, testAccession, scenarioDocument())
	forced, err := service.IngestRecent(ctx, []string{testEntity}, 7, true)
	if err != nil {
		t.Fatalf("forced run failed: %v", err)
	}
	if forced.Processed != 1 || forced.Errors != 0 {
		t.Fatalf("expected force to re-process the failed filing, got %+v", forced)
	}

	filing, err := service.db.GetFilingByChecksum(Checksum(testEntity, testAccession))
	if err != nil || filing == nil {
		t.Fatalf("expected filing row, got %v err=%v", filing, err)
	}
	if filing.Status != types.FilingStatusCompleted {
		t.Errorf("expected completed after forced re-process, got %s", filing.Status)
	}
}

func TestIngestRecentUsesDefaultEntitySet(t *testing.T) {
	db := newTestDB(t)
	source := newScenarioSource()
	if err := db.Create(&types.Company{Name: "Apple Inc.", Ticker: "AAPL", CIK: "0000320193"}).Error; err != nil {
		t.Fatalf("failed to seed company: %v", err)
	}

	service := NewService(db, source, WithEntityDelay(0))
	result, err := service.IngestRecent(context.Background(), nil, 7, false)
	if err != nil {
		t.Fatalf("IngestRecent failed: %v", err)
	}
	if result.Discovered != 1 || result.Processed != 1 {
		t.Fatalf("expected the seeded company to be swept, got %+v", result)
	}
}

func TestIngestRecentRejectsBadLookback(t *testing.T) {
	db := newTestDB(t)
	service := NewService(db, NewFixtureSource(), WithEntityDelay(0))
	for _, days := range []int{0, -1, 31} {
		if _, err := service.IngestRecent(context.Background(), []string{testEntity}, days, false); err == nil {
			t.Errorf("expected error for lookback %d", days)
		}
	}
}

func TestFindOrCreateResolvesSameRow(t *testing.T) {
	db := newTestDB(t)
	store := NewDatabase(db)

	first, err := store.FindOrCreateCompany("Apple Inc.", "AAPL", "0000320193")
	if err != nil {
		t.Fatalf("first resolve failed: %v", err)
	}
	again, err := store.FindOrCreateCompany("Apple Inc", "", "0000320193")
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if first.ID != again.ID {
		t.Errorf("expected the same company row, got ids %d and %d", first.ID, again.ID)
	}

	person, err := store.FindOrCreatePerson("Doe Jane", "CEO", true, false)
	if err != nil {
		t.Fatalf("person resolve failed: %v", err)
	}
	samePerson, err := store.FindOrCreatePerson("Doe Jane", "CEO", true, false)
	if err != nil {
		t.Fatalf("person re-resolve failed: %v", err)
	}
	if person.ID != samePerson.ID {
		t.Errorf("expected the same person row, got ids %d and %d", person.ID, samePerson.ID)
	}

	// Same name with a different role type is a different person record
	director, err := store.FindOrCreatePerson("Doe Jane", "", false, true)
	if err != nil {
		t.Fatalf("director resolve failed: %v", err)
	}
	if director.ID == person.ID {
		t.Error("expected distinct rows for distinct role types")
	}
}

func TestFindOrCreateSingleRowUnderConcurrency(t *testing.T) {
	db := newTestDB(t)
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access connection pool: %v", err)
	}
	// One pooled connection interleaves the lookup and insert steps across
	// goroutines without sqlite write contention, so losers of the race hit
	// the unique index and requery
	sqlDB.SetMaxOpenConns(1)
	store := NewDatabase(db)

	const workers = 8
	var wg sync.WaitGroup
	companyIDs := make([]uint, workers)
	personIDs := make([]uint, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			company, err := store.FindOrCreateCompany("Apple Inc.", "AAPL", "0000320193")
			if err != nil {
				errs[i] = err
				return
			}
			if company == nil {
				errs[i] = errors.New("company resolved to nil")
				return
			}
			person, err := store.FindOrCreatePerson("Doe Jane", "CEO", true, false)
			if err != nil {
				errs[i] = err
				return
			}
			if person == nil {
				errs[i] = errors.New("person resolved to nil")
				return
			}
			companyIDs[i] = company.ID
			personIDs[i] = person.ID
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("worker %d: %v", i, err)
		}
	}
	for i := 1; i < workers; i++ {
		if companyIDs[i] != companyIDs[0] {
			t.Errorf("worker %d resolved company %d, worker 0 resolved %d", i, companyIDs[i], companyIDs[0])
		}
		if personIDs[i] != personIDs[0] {
			t.Errorf("worker %d resolved person %d, worker 0 resolved %d", i, personIDs[i], personIDs[0])
		}
	}

	var companies, people int64
	db.Model(&types.Company{}).Count(&companies)
	db.Model(&types.Person{}).Count(&people)
	if companies != 1 {
		t.Errorf("expected 1 company row after concurrent resolution, got %d", companies)
	}
	if people != 1 {
		t.Errorf("expected 1 person row after concurrent resolution, got %d", people)
	}
}

func TestCreateFilingDuplicateChecksumRejected(t *testing.T) {
	db := newTestDB(t)
	store := NewDatabase(db)

	first := &types.Filing{
		FilingID: "FIL_first",
		Source:   "edgar",
		Checksum: Checksum(testEntity, testAccession),
		Status:   types.FilingStatusPending,
	}
	if err := store.CreateFiling(first); err != nil {
		t.Fatalf("first create failed: %v", err)
	}

	second := &types.Filing{
		FilingID: "FIL_second",
		Source:   "edgar",
		Checksum: Checksum(testEntity, testAccession),
		Status:   types.FilingStatusPending,
	}
	err := store.CreateFiling(second)
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		t.Fatalf("expected gorm.ErrDuplicatedKey for a duplicate checksum, got %v", err)
	}
}
