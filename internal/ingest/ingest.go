package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/insider-api/internal/edgar"
	"github.com/ksred/insider-api/internal/types"
	"github.com/ksred/insider-api/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// FilingSource lists and fetches filings for an entity. The production
// implementation is the rate-limited archive client; tests use a
// deterministic fixture.
type FilingSource interface {
	ListFilings(ctx context.Context, entityID string) ([]edgar.FilingSummary, error)
	FetchDocument(ctx context.Context, entityID, accession, document string) ([]byte, error)
	DocumentURL(entityID, accession, document string) string
}

const sourceName = "edgar"

// acceptedForms is the set of form types the pipeline ingests
var acceptedForms = map[string]bool{
	"4":   true,
	"4/A": true,
}

// Service orchestrates filing discovery, fetching, parsing and persistence
type Service struct {
	db                 *Database
	source             FilingSource
	entityDelay        time.Duration
	maxDefaultEntities int
}

// ServiceOption configures a Service
type ServiceOption func(*Service)

// WithEntityDelay sets the pause between entities during discovery
func WithEntityDelay(d time.Duration) ServiceOption {
	return func(s *Service) { s.entityDelay = d }
}

// WithMaxDefaultEntities bounds the default entity set used when the caller
// supplies none
func WithMaxDefaultEntities(n int) ServiceOption {
	return func(s *Service) { s.maxDefaultEntities = n }
}

// NewService creates a new ingestion service with the given database
// connection and filing source
func NewService(gormDB *gorm.DB, source FilingSource, opts ...ServiceOption) *Service {
	s := &Service{
		db:                 NewDatabase(gormDB),
		source:             source,
		entityDelay:        200 * time.Millisecond,
		maxDefaultEntities: 50,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Checksum is the filing fingerprint: entity id plus accession number. It is
// the sole duplicate-ingestion guard.
func Checksum(entityID, accession string) string {
	sum := sha256.Sum256([]byte(normalizeEntityID(entityID) + ":" + accession))
	return hex.EncodeToString(sum[:])
}

func normalizeEntityID(entityID string) string {
	return strings.TrimPrefix(strings.TrimSpace(entityID), "CIK-")
}

// candidate pairs a discovered filing summary with the entity it belongs to
type candidate struct {
	entityID string
	summary  edgar.FilingSummary
}

// IngestRecent discovers filings for the given entities within the lookback
// window, fetches and parses each new one, and persists the results. A single
// filing's failure never aborts the batch. With force set, previously failed
// filings are re-processed.
func (s *Service) IngestRecent(ctx context.Context, entityIDs []string, lookbackDays int, force bool) (*types.IngestResult, error) {
	logger := log.With().Str("component", "ingest").Logger()
	start := time.Now()

	if lookbackDays < 1 || lookbackDays > 30 {
		return nil, fmt.Errorf("lookback days must be between 1 and 30, got %d", lookbackDays)
	}

	if len(entityIDs) == 0 {
		companies, err := s.db.GetCompaniesWithCIK(s.maxDefaultEntities)
		if err != nil {
			return nil, fmt.Errorf("failed to load default entity set: %w", err)
		}
		for _, company := range companies {
			entityIDs = append(entityIDs, company.CIK)
		}
	}

	cutoff := start.AddDate(0, 0, -lookbackDays)
	result := &types.IngestResult{}

	var candidates []candidate
	for i, entityID := range entityIDs {
		// Entities are processed sequentially behind the client's shared rate
		// limiter; the extra delay keeps the sweep polite on large sets.
		if i > 0 && s.entityDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.entityDelay):
			}
		}

		found, err := s.discoverEntity(ctx, entityID, cutoff)
		if err != nil {
			logger.Error().Err(err).Str("entity_id", entityID).Msg("filing discovery failed for entity")
			continue
		}
		candidates = append(candidates, found...)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].summary.FilingDate.After(candidates[j].summary.FilingDate)
	})
	result.Discovered = len(candidates)

	for _, cand := range candidates {
		checksum := Checksum(cand.entityID, cand.summary.Accession)
		existing, err := s.db.GetFilingByChecksum(checksum)
		if err != nil {
			logger.Error().Err(err).Str("accession", cand.summary.Accession).Msg("checksum lookup failed")
			result.Errors++
			continue
		}
		if existing != nil {
			if !force || existing.Status != types.FilingStatusFailed {
				logger.Debug().
					Str("accession", cand.summary.Accession).
					Str("status", existing.Status).
					Msg("filing already ingested, skipping")
				continue
			}
			if err := s.reprocessFiling(ctx, cand, existing); err != nil {
				result.Errors++
			} else {
				result.Processed++
			}
			continue
		}

		filing, err := s.fetchFiling(ctx, cand, checksum)
		if err != nil {
			logger.Error().Err(err).Str("accession", cand.summary.Accession).Msg("failed to fetch filing document")
			result.Errors++
			continue
		}

		if err := s.processFiling(cand.entityID, filing); err != nil {
			result.Errors++
			continue
		}
		result.Processed++
	}

	result.DurationMs = time.Since(start).Milliseconds()
	logger.Info().
		Int("discovered", result.Discovered).
		Int("processed", result.Processed).
		Int("errors", result.Errors).
		Int64("duration_ms", result.DurationMs).
		Msg("ingestion run finished")

	return result, nil
}

// discoverEntity lists an entity's filings and filters them to the accepted
// forms within the lookback window
func (s *Service) discoverEntity(ctx context.Context, entityID string, cutoff time.Time) ([]candidate, error) {
	summaries, err := s.source.ListFilings(ctx, entityID)
	if err != nil {
		return nil, err
	}

	var found []candidate
	for _, summary := range summaries {
		if !acceptedForms[summary.FormType] {
			continue
		}
		if summary.FilingDate.Before(cutoff) {
			continue
		}
		found = append(found, candidate{entityID: entityID, summary: summary})
	}
	return found, nil
}

// fetchFiling downloads the document body and creates the filing row in
// PENDING status
func (s *Service) fetchFiling(ctx context.Context, cand candidate, checksum string) (*types.Filing, error) {
	body, err := s.source.FetchDocument(ctx, cand.entityID, cand.summary.Accession, cand.summary.Document)
	if err != nil {
		return nil, err
	}

	filing := &types.Filing{
		FilingID:   "FIL_" + uuid.New().String(),
		Source:     sourceName,
		FormType:   cand.summary.FormType,
		OriginURL:  s.source.DocumentURL(cand.entityID, cand.summary.Accession, cand.summary.Document),
		FilingDate: cand.summary.FilingDate,
		Accession:  cand.summary.Accession,
		Checksum:   checksum,
		RawContent: string(body),
		Status:     types.FilingStatusPending,
	}
	if err := s.db.CreateFiling(filing); err != nil {
		return nil, fmt.Errorf("failed to create filing record: %w", err)
	}
	return filing, nil
}

// processFiling parses a pending filing and persists its transactions,
// transitioning the filing to COMPLETED or FAILED. The returned error mirrors
// the recorded failure so the caller can count it; it is never fatal to the
// batch.
func (s *Service) processFiling(entityID string, filing *types.Filing) error {
	logger := log.With().
		Str("component", "ingest").
		Str("filing_id", filing.FilingID).
		Str("accession", filing.Accession).
		Logger()

	drafts, err := ParseForm4([]byte(filing.RawContent))
	if err != nil {
		logger.Warn().Err(err).Msg("filing failed to parse")
		if dbErr := s.db.MarkFilingFailed(filing, err); dbErr != nil {
			logger.Error().Err(dbErr).Msg("failed to record filing failure")
		}
		return err
	}

	for _, draft := range drafts {
		if err := s.persistDraft(entityID, filing, draft); err != nil {
			logger.Error().Err(err).Msg("failed to persist transaction")
			if dbErr := s.db.MarkFilingFailed(filing, err); dbErr != nil {
				logger.Error().Err(dbErr).Msg("failed to record filing failure")
			}
			return err
		}
	}

	if err := s.db.MarkFilingCompleted(filing); err != nil {
		logger.Error().Err(err).Msg("failed to mark filing completed")
		return err
	}

	logger.Info().Int("transactions", len(drafts)).Msg("filing processed")
	return nil
}

// persistDraft resolves the referenced entities and inserts one transaction
func (s *Service) persistDraft(entityID string, filing *types.Filing, draft Draft) error {
	company, err := s.db.FindOrCreateCompany(draft.CompanyName, draft.Ticker, normalizeEntityID(entityID))
	if err != nil {
		return fmt.Errorf("failed to resolve company: %w", err)
	}
	person, err := s.db.FindOrCreatePerson(draft.PersonName, draft.Title, draft.IsOfficer, draft.IsDirector)
	if err != nil {
		return fmt.Errorf("failed to resolve person: %w", err)
	}

	transaction := &types.Transaction{
		TransactionID:   "TXN_" + uuid.New().String(),
		FilingID:        filing.FilingID,
		PersonID:        person.ID,
		CompanyID:       company.ID,
		Side:            draft.Side,
		SecurityTitle:   draft.SecurityTitle,
		Shares:          draft.Shares,
		PricePerShare:   draft.PricePerShare,
		SharesOwned:     draft.SharesOwned,
		TransactionDate: draft.TransactionDate,
		ReportedDate:    draft.ReportedDate,
		DirectOwnership: draft.Direct,
		Confidence:      draft.Confidence,
	}
	if draft.PricePerShare != nil {
		value := draft.Shares * *draft.PricePerShare
		transaction.EstimatedValue = &value
	}

	return s.db.CreateTransaction(transaction)
}

// reprocessFiling re-fetches and re-parses a previously failed filing
func (s *Service) reprocessFiling(ctx context.Context, cand candidate, filing *types.Filing) error {
	body, err := s.source.FetchDocument(ctx, cand.entityID, cand.summary.Accession, cand.summary.Document)
	if err != nil {
		return err
	}
	filing.RawContent = string(body)
	filing.Status = types.FilingStatusPending
	filing.Error = ""
	if err := s.db.UpdateFiling(filing); err != nil {
		return err
	}
	return s.processFiling(cand.entityID, filing)
}

// GinHandlers contains HTTP handlers for ingestion endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for ingestion endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// IngestHandler handles POST requests that trigger an ingestion run.
// Requires internal authentication.
func (h *GinHandlers) IngestHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req types.IngestRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		result, err := h.service.IngestRecent(c.Request.Context(), req.EntityIDs, req.LookbackDays, req.Force)
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}

		response.Success(c, result)
	}
}
