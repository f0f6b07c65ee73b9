package ingest

import (
	"context"
	"fmt"
	"sync"

	"github.com/ksred/insider-api/internal/edgar"
)

// FixtureSource is a deterministic in-memory FilingSource for tests and
// simulations. Filings and documents are registered up front; no randomness.
type FixtureSource struct {
	mu        sync.Mutex
	listings  map[string][]edgar.FilingSummary
	documents map[string][]byte
	failures  map[string]error

	ListCalls  int
	FetchCalls int
}

// NewFixtureSource creates an empty fixture source
func NewFixtureSource() *FixtureSource {
	return &FixtureSource{
		listings:  make(map[string][]edgar.FilingSummary),
		documents: make(map[string][]byte),
		failures:  make(map[string]error),
	}
}

// AddFiling registers a filing summary and its document body for an entity
func (f *FixtureSource) AddFiling(entityID string, summary edgar.FilingSummary, document []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := normalizeEntityID(entityID)
	f.listings[key] = append(f.listings[key], summary)
	f.documents[key+":"+summary.Accession] = document
}

// SetDocument replaces the registered document body for an accession
func (f *FixtureSource) SetDocument(entityID, accession string, document []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.documents[normalizeEntityID(entityID)+":"+accession] = document
	delete(f.failures, normalizeEntityID(entityID)+":"+accession)
}

// FailFetch makes fetches of the given accession fail with err
func (f *FixtureSource) FailFetch(entityID, accession string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[normalizeEntityID(entityID)+":"+accession] = err
}

func (f *FixtureSource) ListFilings(ctx context.Context, entityID string) ([]edgar.FilingSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ListCalls++
	summaries, ok := f.listings[normalizeEntityID(entityID)]
	if !ok {
		return nil, fmt.Errorf("%w: unknown entity %s", edgar.ErrFetchFailed, entityID)
	}
	out := make([]edgar.FilingSummary, len(summaries))
	copy(out, summaries)
	return out, nil
}

func (f *FixtureSource) FetchDocument(ctx context.Context, entityID, accession, document string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FetchCalls++
	key := normalizeEntityID(entityID) + ":" + accession
	if err, ok := f.failures[key]; ok {
		return nil, err
	}
	body, ok := f.documents[key]
	if !ok {
		return nil, fmt.Errorf("%w: unknown document %s", edgar.ErrFetchFailed, accession)
	}
	return body, nil
}

func (f *FixtureSource) DocumentURL(entityID, accession, document string) string {
	return fmt.Sprintf("fixture://%s/%s/%s", normalizeEntityID(entityID), accession, document)
}
