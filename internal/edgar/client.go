package edgar

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrFetchFailed covers network errors, timeouts and non-2xx responses.
// The client never retries internally; retry policy belongs to the caller.
var ErrFetchFailed = errors.New("archive fetch failed")

// Client talks to the filing archive under a strict pacing policy: a minimum
// interval between requests measured from the end of the previous request,
// shared across all callers. Concurrent callers serialize on a single mutex so
// the interval holds globally, not per goroutine.
type Client struct {
	httpClient     *http.Client
	baseURL        string
	userAgent      string
	minInterval    time.Duration
	timeout        time.Duration
	quotaThreshold int
	quotaDelay     time.Duration

	mu          sync.Mutex
	lastRequest time.Time
	extraDelay  time.Duration
}

// Option configures a Client
type Option func(*Client)

// WithMinInterval overrides the minimum inter-request interval
func WithMinInterval(d time.Duration) Option {
	return func(c *Client) { c.minInterval = d }
}

// WithTimeout overrides the per-request timeout
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithQuotaPolicy sets the remaining-quota threshold below which the client
// self-throttles, and the extra delay it applies when it does
func WithQuotaPolicy(threshold int, delay time.Duration) Option {
	return func(c *Client) {
		c.quotaThreshold = threshold
		c.quotaDelay = delay
	}
}

// NewClient creates an archive client. The userAgent must identify the
// operator with a contact address, per the archive's fair-access policy.
func NewClient(baseURL, userAgent string, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		userAgent:      userAgent,
		minInterval:    100 * time.Millisecond,
		timeout:        30 * time.Second,
		quotaThreshold: 5,
		quotaDelay:     time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.httpClient = &http.Client{Timeout: c.timeout}
	return c
}

// ListFilings returns the entity's recent filings, in the order the archive
// lists them (newest first). Index rows with an unparseable date are dropped.
func (c *Client) ListFilings(ctx context.Context, entityID string) ([]FilingSummary, error) {
	cik, err := normalizeCIK(entityID)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/submissions/CIK%s.json", c.baseURL, cik)
	body, err := c.do(ctx, url)
	if err != nil {
		return nil, err
	}

	index, err := decodeSubmissions(body)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid submissions index: %v", ErrFetchFailed, err)
	}

	recent := index.Filings.Recent
	summaries := make([]FilingSummary, 0, len(recent.AccessionNumber))
	for i, accession := range recent.AccessionNumber {
		if i >= len(recent.FilingDate) || i >= len(recent.Form) {
			break
		}
		filed, err := time.Parse("2006-01-02", recent.FilingDate[i])
		if err != nil {
			log.Warn().
				Str("component", "edgar_client").
				Str("accession", accession).
				Str("filing_date", recent.FilingDate[i]).
				Msg("skipping index row with unparseable filing date")
			continue
		}
		doc := ""
		if i < len(recent.PrimaryDocument) {
			doc = recent.PrimaryDocument[i]
		}
		summaries = append(summaries, FilingSummary{
			Accession:   accession,
			FilingDate:  filed,
			FormType:    recent.Form[i],
			Document:    doc,
			CompanyName: index.Name,
		})
	}

	return summaries, nil
}

// FetchDocument downloads one filing document body
func (c *Client) FetchDocument(ctx context.Context, entityID, accession, document string) ([]byte, error) {
	cik, err := normalizeCIK(entityID)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/Archives/edgar/data/%s/%s/%s",
		c.baseURL,
		strings.TrimLeft(cik, "0"),
		strings.ReplaceAll(accession, "-", ""),
		document,
	)
	return c.do(ctx, url)
}

// DocumentURL returns the origin URL a fetched document came from
func (c *Client) DocumentURL(entityID, accession, document string) string {
	cik, err := normalizeCIK(entityID)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%s/Archives/edgar/data/%s/%s/%s",
		c.baseURL,
		strings.TrimLeft(cik, "0"),
		strings.ReplaceAll(accession, "-", ""),
		document,
	)
}

// do performs one paced request. The mutex is held for the full request so the
// inter-request interval is measured from the end of the previous request and
// concurrent callers queue on one checkpoint.
func (c *Client) do(ctx context.Context, url string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.waitTurn(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer func() {
		c.lastRequest = time.Now()
	}()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json, application/xml;q=0.9, */*;q=0.8")
	req.Header.Set("Accept-Encoding", "gzip, deflate")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	c.noteQuota(resp)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: unexpected status %d from %s", ErrFetchFailed, resp.StatusCode, url)
	}

	// Setting Accept-Encoding explicitly disables the transport's transparent
	// decompression, so gzip bodies are decoded here
	reader := io.Reader(resp.Body)
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
		}
		defer gz.Close()
		reader = gz
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}

	return body, nil
}

// waitTurn sleeps out the remainder of the pacing interval, plus any
// self-throttle delay accrued from a low-quota signal
func (c *Client) waitTurn(ctx context.Context) error {
	wait := c.minInterval + c.extraDelay - time.Since(c.lastRequest)
	c.extraDelay = 0
	if c.lastRequest.IsZero() || wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// noteQuota reads the server's remaining-quota header and arms a soft
// self-throttle for the next request when it drops below the threshold
func (c *Client) noteQuota(resp *http.Response) {
	remaining := resp.Header.Get("X-RateLimit-Remaining")
	if remaining == "" {
		return
	}
	n, err := strconv.Atoi(remaining)
	if err != nil {
		return
	}
	if n < c.quotaThreshold {
		c.extraDelay = c.quotaDelay
		log.Warn().
			Str("component", "edgar_client").
			Int("quota_remaining", n).
			Dur("extra_delay", c.quotaDelay).
			Msg("archive quota running low, slowing down")
	}
}

// normalizeCIK accepts "CIK-0000320193", "0000320193" or "320193" and returns
// the zero-padded ten digit form the archive expects
func normalizeCIK(entityID string) (string, error) {
	id := strings.TrimPrefix(strings.TrimSpace(entityID), "CIK-")
	id = strings.TrimPrefix(id, "CIK")
	if id == "" {
		return "", fmt.Errorf("%w: empty entity id", ErrFetchFailed)
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("%w: invalid entity id %q", ErrFetchFailed, entityID)
		}
	}
	if len(id) > 10 {
		return "", fmt.Errorf("%w: invalid entity id %q", ErrFetchFailed, entityID)
	}
	return strings.Repeat("0", 10-len(id)) + id, nil
}
