package types

import "time"

// ReplaySummary is one entry returned by a paginated replay search. It carries
// just enough to request the full detail record and to pick a date bucket.
type ReplaySummary struct {
	ID        string `json:"id"`
	StartTime string `json:"startTime"`
	MapName   string `json:"mapName"`
}

// DateBucket derives the YYYY-MM-DD bucket from the record's start timestamp.
// An empty or malformed timestamp yields an empty bucket, which callers treat
// as "skip this record".
func (r ReplaySummary) DateBucket() string {
	if len(r.StartTime) < 10 {
		return ""
	}
	return r.StartTime[:10]
}

// ReplayDetail is the parsed slice of a full metadata document. Raw holds the
// response body verbatim; the metadata store persists Raw, not a re-encoding.
type ReplayDetail struct {
	ID        string `json:"id"`
	FileName  string `json:"fileName"`
	StartTime string `json:"startTime"`

	Raw []byte `json:"-"`
}

// DispatchItem is one unit of work handed to the dispatcher for a cycle.
type DispatchItem struct {
	Summary ReplaySummary
	// Forced marks an already-seen record re-dispatched for a metadata
	// refresh. Its artifact is only fetched if the file is missing.
	Forced bool
}

// ProcessedRecord describes a record whose required operations all completed,
// emitted after the ledger mark for downstream sinks.
type ProcessedRecord struct {
	ID          string
	Bucket      string
	MapName     string
	FileName    string
	ProcessedAt time.Time
}

// BatchResult aggregates the outcome of one dispatched batch.
type BatchResult struct {
	MetaOK   int
	MetaFail int

	DownloadOK     int
	DownloadExists int
	DownloadFail   int

	Marked int
}

// CycleStats captures per-cycle counters for logging.
type CycleStats struct {
	Page       int
	Empty      int
	New        int
	Forced     int
	Skipped    int
	Filtered   int
	Elapsed    time.Duration
	BatchTotal int
}
