package ingest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ksred/insider-api/internal/edgar"
	"github.com/ksred/insider-api/internal/scheduler"
	"github.com/ksred/insider-api/internal/types"
	"github.com/rs/zerolog/log"
)

// Queue names
const (
	QueueDiscovery  = "discovery"
	QueueFilings    = "filings"
	QueueAlerts     = "alerts"
	QueueEnrichment = "enrichment"
)

// Job types
const (
	JobTypeDiscover = "discover"
	JobTypeFetch    = "fetch"
	JobTypeParse    = "parse"
	JobTypeEvaluate = "evaluate"
	JobTypeEnrich   = "enrich"
)

// Jobs wires the ingestion pipeline into the scheduler. Each stage is a
// separate job so a fetch failure retries only the fetch, never the whole
// discovery batch. The enqueuer is injected so handlers are testable without
// a running scheduler.
type Jobs struct {
	service *Service
	queue   scheduler.Enqueuer
}

// NewJobs creates the pipeline job handlers
func NewJobs(service *Service, queue scheduler.Enqueuer) *Jobs {
	return &Jobs{
		service: service,
		queue:   queue,
	}
}

// Register binds the pipeline handlers to their queues
func (j *Jobs) Register(s *scheduler.Scheduler) error {
	bindings := []struct {
		queue   string
		jobType string
		handler scheduler.Handler
	}{
		{QueueDiscovery, JobTypeDiscover, j.HandleDiscover},
		{QueueFilings, JobTypeFetch, j.HandleFetch},
		{QueueFilings, JobTypeParse, j.HandleParse},
		{QueueAlerts, JobTypeEvaluate, j.HandleEvaluate},
		{QueueEnrichment, JobTypeEnrich, j.HandleEnrich},
	}
	for _, b := range bindings {
		if err := s.RegisterHandler(b.queue, b.jobType, b.handler); err != nil {
			return err
		}
	}
	return nil
}

// HandleDiscover enumerates new filings and enqueues one fetch job per filing
// not yet seen by the checksum guard. Payload: entity_id (optional, defaults
// to the known entity set), lookback_days.
func (j *Jobs) HandleDiscover(ctx context.Context, job *scheduler.Job) error {
	lookbackDays := payloadInt(job.Payload, "lookback_days", 7)
	cutoff := time.Now().AddDate(0, 0, -lookbackDays)

	entityIDs := []string{}
	if id := job.Payload["entity_id"]; id != "" {
		entityIDs = append(entityIDs, id)
	} else {
		companies, err := j.service.db.GetCompaniesWithCIK(j.service.maxDefaultEntities)
		if err != nil {
			return fmt.Errorf("failed to load entity set: %w", err)
		}
		for _, company := range companies {
			entityIDs = append(entityIDs, company.CIK)
		}
	}

	logger := log.With().Str("component", "ingest_jobs").Str("job_id", job.ID).Logger()

	var firstErr error
	for _, entityID := range entityIDs {
		found, err := j.service.discoverEntity(ctx, entityID, cutoff)
		if err != nil {
			logger.Error().Err(err).Str("entity_id", entityID).Msg("discovery failed for entity")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		for _, cand := range found {
			checksum := Checksum(cand.entityID, cand.summary.Accession)
			existing, err := j.service.db.GetFilingByChecksum(checksum)
			if err != nil {
				return fmt.Errorf("checksum lookup failed: %w", err)
			}
			if existing != nil {
				continue
			}

			_, err = j.queue.Enqueue(QueueFilings, JobTypeFetch, fetchPayload(cand))
			if err != nil {
				logger.Error().Err(err).Str("accession", cand.summary.Accession).Msg("failed to enqueue fetch job")
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			logger.Debug().Str("accession", cand.summary.Accession).Msg("enqueued fetch job for new filing")
		}
	}

	return firstErr
}

// HandleFetch downloads one filing document, creates the pending filing row
// and enqueues exactly one parse job for it. Transport failures propagate so
// the queue retries the fetch alone.
func (j *Jobs) HandleFetch(ctx context.Context, job *scheduler.Job) error {
	cand, err := candidateFromPayload(job.Payload)
	if err != nil {
		return err
	}

	checksum := Checksum(cand.entityID, cand.summary.Accession)
	existing, err := j.service.db.GetFilingByChecksum(checksum)
	if err != nil {
		return fmt.Errorf("checksum lookup failed: %w", err)
	}
	if existing != nil {
		// A retried discover job can enqueue the same filing twice; the
		// checksum guard makes the second fetch a no-op.
		return nil
	}

	filing, err := j.service.fetchFiling(ctx, cand, checksum)
	if err != nil {
		return err
	}

	_, err = j.queue.Enqueue(QueueFilings, JobTypeParse, map[string]string{
		"filing_id": filing.FilingID,
		"entity_id": cand.entityID,
	})
	return err
}

// HandleParse extracts transactions from a fetched filing and persists them.
// A structurally invalid document is recorded on the filing and not retried;
// a malformed document will not become well-formed on retry.
func (j *Jobs) HandleParse(ctx context.Context, job *scheduler.Job) error {
	filingID := job.Payload["filing_id"]
	filing, err := j.service.db.GetFiling(filingID)
	if err != nil {
		return fmt.Errorf("failed to load filing: %w", err)
	}
	if filing == nil {
		return fmt.Errorf("filing %s not found", filingID)
	}
	if filing.Status == types.FilingStatusCompleted {
		return nil
	}

	err = j.service.processFiling(job.Payload["entity_id"], filing)
	if errors.Is(err, ErrInvalidDocument) {
		return nil
	}
	return err
}

// HandleEvaluate is the alert queue's job-shape contract. Alert rules consume
// completed transactions outside this pipeline; the handler only acknowledges
// the shape.
func (j *Jobs) HandleEvaluate(ctx context.Context, job *scheduler.Job) error {
	log.Debug().
		Str("component", "ingest_jobs").
		Str("transaction_id", job.Payload["transaction_id"]).
		Msg("alert evaluation job received")
	return nil
}

// HandleEnrich is the enrichment queue's job-shape contract
func (j *Jobs) HandleEnrich(ctx context.Context, job *scheduler.Job) error {
	log.Debug().
		Str("component", "ingest_jobs").
		Str("transaction_id", job.Payload["transaction_id"]).
		Msg("enrichment job received")
	return nil
}

func fetchPayload(cand candidate) map[string]string {
	return map[string]string{
		"entity_id":    cand.entityID,
		"accession":    cand.summary.Accession,
		"document":     cand.summary.Document,
		"form_type":    cand.summary.FormType,
		"filing_date":  cand.summary.FilingDate.Format("2006-01-02"),
		"company_name": cand.summary.CompanyName,
	}
}

func candidateFromPayload(payload map[string]string) (candidate, error) {
	if payload["entity_id"] == "" || payload["accession"] == "" {
		return candidate{}, errors.New("fetch payload missing entity_id or accession")
	}
	filed, err := time.Parse("2006-01-02", payload["filing_date"])
	if err != nil {
		return candidate{}, fmt.Errorf("fetch payload has invalid filing_date: %w", err)
	}
	return candidate{
		entityID: payload["entity_id"],
		summary: edgar.FilingSummary{
			Accession:   payload["accession"],
			Document:    payload["document"],
			FormType:    payload["form_type"],
			FilingDate:  filed,
			CompanyName: payload["company_name"],
		},
	}, nil
}

func payloadInt(payload map[string]string, key string, fallback int) int {
	v, err := strconv.Atoi(payload[key])
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}
