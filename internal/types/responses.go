package types

// IngestResult summarizes one ingestion run
type IngestResult struct {
	Discovered int   `json:"discovered"`
	Processed  int   `json:"processed"`
	Errors     int   `json:"errors"`
	DurationMs int64 `json:"duration_ms"`
}

// IngestRequest is the body of the operational ingest trigger
type IngestRequest struct {
	EntityIDs    []string `json:"entity_ids"`
	LookbackDays int      `json:"lookback_days" binding:"required,min=1,max=30"`
	Force        bool     `json:"force"`
}

// QueueHealth reports job counts for one scheduler queue
type QueueHealth struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}
