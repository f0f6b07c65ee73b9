package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/ksred/insider-api/internal/database"
	"github.com/ksred/insider-api/internal/edgar"
	"github.com/ksred/insider-api/internal/ingest"
	"github.com/ksred/insider-api/internal/scheduler"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// The simulation drives the full pipeline in process against a deterministic
// fixture archive: a direct ingestion run first, then the job-chained
// discover -> fetch -> parse path, reporting queue health at the end.

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	// Configure pretty logging
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

type fixtureFiling struct {
	entityID  string
	accession string
	document  string
	filedAgo  time.Duration
	body      map[string]interface{}
}

func main() {
	db, err := database.NewDatabase("file::memory:?cache=shared")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}

	source := ingest.NewFixtureSource()
	for _, f := range buildFixtures() {
		body, err := json.Marshal(f.body)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to encode fixture document")
		}
		source.AddFiling(f.entityID, edgar.FilingSummary{
			Accession:   f.accession,
			FilingDate:  time.Now().Add(-f.filedAgo),
			FormType:    "4",
			Document:    f.document,
			CompanyName: "Fixture Corp",
		}, body)
	}

	service := ingest.NewService(db, source, ingest.WithEntityDelay(10*time.Millisecond))

	// Direct path: the operational trigger
	result, err := service.IngestRecent(context.Background(), []string{"CIK-0000320193"}, 7, false)
	if err != nil {
		log.Fatal().Err(err).Msg("direct ingestion run failed")
	}
	log.Info().
		Int("discovered", result.Discovered).
		Int("processed", result.Processed).
		Int("errors", result.Errors).
		Int64("duration_ms", result.DurationMs).
		Msg("direct ingestion run complete")

	// Scheduled path: discover -> fetch -> parse job chain for a second entity
	sched := scheduler.NewScheduler([]scheduler.QueueConfig{
		{Name: ingest.QueueDiscovery, Concurrency: 1, MaxAttempts: 3, Backoff: scheduler.BackoffExponential, BackoffBase: 100 * time.Millisecond},
		{Name: ingest.QueueFilings, Concurrency: 4, MaxAttempts: 5, Backoff: scheduler.BackoffExponential, BackoffBase: 100 * time.Millisecond},
		{Name: ingest.QueueAlerts, Concurrency: 2, MaxAttempts: 3, Backoff: scheduler.BackoffFixed, BackoffBase: time.Second},
		{Name: ingest.QueueEnrichment, Concurrency: 2, MaxAttempts: 3, Backoff: scheduler.BackoffFixed, BackoffBase: time.Second},
	})
	jobs := ingest.NewJobs(service, sched)
	if err := jobs.Register(sched); err != nil {
		log.Fatal().Err(err).Msg("failed to register pipeline handlers")
	}
	sched.Start(context.Background())

	_, err = sched.Enqueue(ingest.QueueDiscovery, ingest.JobTypeDiscover, map[string]string{
		"entity_id":     "CIK-0000789019",
		"lookback_days": "7",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to enqueue discovery job")
	}

	// Let the chain drain, then report
	deadline := time.After(5 * time.Second)
	for {
		health := sched.Health()
		idle := true
		for _, counts := range health {
			if counts.Waiting > 0 || counts.Active > 0 {
				idle = false
			}
		}
		if idle {
			break
		}
		select {
		case <-deadline:
			log.Warn().Msg("pipeline did not drain before deadline")
		case <-time.After(50 * time.Millisecond):
			continue
		}
		break
	}

	for name, counts := range sched.Health() {
		log.Info().
			Str("queue", name).
			Int("waiting", counts.Waiting).
			Int("active", counts.Active).
			Int("completed", counts.Completed).
			Int("failed", counts.Failed).
			Msg("queue health")
	}

	sched.Stop()
	log.Info().Msg("simulation complete")
}

// buildFixtures returns deterministic form-4 documents: a priced buy, an
// unpriced disposition, and a filing for a second entity to exercise the
// scheduled path.
func buildFixtures() []fixtureFiling {
	wrapped := func(v interface{}) map[string]interface{} {
		return map[string]interface{}{"value": v}
	}

	lineItem := func(code string, shares float64, price interface{}) map[string]interface{} {
		amounts := map[string]interface{}{
			"transactionShares":               wrapped(shares),
			"transactionAcquiredDisposedCode": wrapped(code),
		}
		if price != nil {
			amounts["transactionPricePerShare"] = wrapped(price)
		}
		return map[string]interface{}{
			"transactionDate":        wrapped(time.Now().Format("2006-01-02")),
			"securityTitle":          wrapped("Common Stock"),
			"transactionAmounts":     amounts,
			"postTransactionAmounts": map[string]interface{}{"sharesOwnedFollowingTransaction": wrapped(100000.0)},
			"ownershipNature":        map[string]interface{}{"directOrIndirectOwnership": wrapped("D")},
		}
	}

	document := func(issuer, symbol, owner string, items ...interface{}) map[string]interface{} {
		return map[string]interface{}{
			"ownershipDocument": map[string]interface{}{
				"periodOfReport": time.Now().Format("2006-01-02"),
				"issuer": map[string]interface{}{
					"issuerName":          issuer,
					"issuerTradingSymbol": symbol,
				},
				"reportingOwner": map[string]interface{}{
					"reportingOwnerId": map[string]interface{}{"rptOwnerName": owner},
					"reportingOwnerRelationship": map[string]interface{}{
						"isOfficer":    "1",
						"officerTitle": "Chief Executive Officer",
					},
				},
				"nonDerivativeTable": map[string]interface{}{
					"nonDerivativeTransaction": items,
				},
			},
		}
	}

	return []fixtureFiling{
		{
			entityID:  "CIK-0000320193",
			accession: fmt.Sprintf("0000320193-%d-000001", time.Now().Year()%100),
			document:  "form4.json",
			filedAgo:  24 * time.Hour,
			body: document("Fixture Corp", "FIX", "Doe Jane",
				lineItem("A", 25000, 190.50),
				lineItem("D", 5000, nil),
			),
		},
		{
			entityID:  "CIK-0000789019",
			accession: fmt.Sprintf("0000789019-%d-000007", time.Now().Year()%100),
			document:  "form4.json",
			filedAgo:  48 * time.Hour,
			body: document("Second Fixture Inc", "SFX", "Smith Alex",
				lineItem("A", 1200, 54.25),
			),
		},
	}
}
