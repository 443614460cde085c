// Package casefetch defines the types shared by the fetch pipeline: case
// records, fetch attempts, checkpoint statuses and the error taxonomy.
package casefetch

import (
	"time"

	"github.com/JakeFAU/stf-case-fetcher/internal/caseid"
)

// Source identifies where a CaseRecord came from.
type Source string

// Record sources.
const (
	SourceStructured Source = "STRUCTURED"
	SourceScraped    Source = "SCRAPED"
	SourceCached     Source = "CACHED"
)

// Route names the fetch path an attempt targets.
type Route string

// Fetch routes. Each route has its own rate gate.
const (
	RouteStructured Route = "STRUCTURED"
	RoutePortal     Route = "PORTAL"
)

// RecordSource maps a route to the provenance tag written on records.
func (r Route) RecordSource() Source {
	if r == RoutePortal {
		return SourceScraped
	}
	return SourceStructured
}

// Outcome is the result class of one attempt.
type Outcome string

// Attempt outcomes.
const (
	OutcomeSuccess   Outcome = "SUCCESS"
	OutcomeRetryable Outcome = "RETRYABLE_FAILURE"
	OutcomeTerminal  Outcome = "TERMINAL_FAILURE"
)

// FailureKind classifies a failed attempt for the retry policy.
type FailureKind string

// Failure kinds.
const (
	FailureNone        FailureKind = ""
	FailureTransient   FailureKind = "transient"
	FailureRateLimited FailureKind = "rate_limited"
	FailurePermanent   FailureKind = "permanent"
	FailureNotFound    FailureKind = "not_found"
	FailureExhausted   FailureKind = "retries_exhausted"
)

// Terminal reports whether the kind never benefits from a retry.
func (k FailureKind) Terminal() bool {
	return k == FailurePermanent || k == FailureNotFound
}

// FetchAttempt describes one network attempt. It is only logged and counted.
type FetchAttempt struct {
	CaseID     caseid.ID
	Route      Route
	Number     int
	StartedAt  time.Time
	Duration   time.Duration
	Outcome    Outcome
	HTTPStatus int
	ErrorKind  FailureKind
}

// Party is one litigant or representative.
type Party struct {
	Role     string `json:"tipo"`
	Name     string `json:"nome"`
	FullText string `json:"texto_completo,omitempty"`
}

// Movement is one docket entry.
type Movement struct {
	Date        string `json:"data"`
	Description string `json:"descricao"`
	FullText    string `json:"texto_completo,omitempty"`
}

// Document links to a filing or attachment.
type Document struct {
	Title string `json:"titulo"`
	URL   string `json:"url"`
	Kind  string `json:"tipo"`
}

// Decision is a ruling attached to the case.
type Decision struct {
	Kind string `json:"tipo"`
	Date string `json:"data,omitempty"`
	Text string `json:"texto"`
}

// Fields holds the extracted payload of a case.
type Fields struct {
	Class      string
	Subject    string
	Rapporteur string
	Origin     string
	FiledAt    string
	Status     string
	Parties    []Party
	Movements  []Movement
	Documents  []Document
	Decisions  []Decision
	FullText   string
	URL        string
	ParseError string
	// PDFText joins the text layers read from linked documents; PDFCount
	// is how many documents contributed.
	PDFText  string
	PDFCount int
}

// Empty reports whether nothing useful was extracted.
func (f Fields) Empty() bool {
	return f.Class == "" && f.Subject == "" && f.Rapporteur == "" &&
		len(f.Parties) == 0 && len(f.Movements) == 0 && len(f.Decisions) == 0 && f.FullText == ""
}

// Complete reports whether a structured payload carries enough to stand on
// its own: a class plus either decisions or full text.
func (f Fields) Complete() bool {
	return f.Class != "" && (len(f.Decisions) > 0 || f.FullText != "")
}

// CaseRecord is the output row for one case.
type CaseRecord struct {
	CaseID      caseid.ID
	Fields      Fields
	Source      Source
	ExtractedAt time.Time
	Success     bool
	ErrorKind   FailureKind
	Error       string
	ContentHash string
}

// Failed builds the record written for a case that exhausted every route.
func Failed(id caseid.ID, source Source, kind FailureKind, err error, at time.Time) CaseRecord {
	rec := CaseRecord{
		CaseID:      id,
		Source:      source,
		ExtractedAt: at,
		ErrorKind:   kind,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	return rec
}

// CheckpointStatus is the persisted state of a case.
type CheckpointStatus string

// Checkpoint statuses.
const (
	StatusInProgress  CheckpointStatus = "IN_PROGRESS"
	StatusDoneSuccess CheckpointStatus = "DONE_SUCCESS"
	StatusDoneFailed  CheckpointStatus = "DONE_FAILED"
)

// Done reports whether the status is terminal.
func (s CheckpointStatus) Done() bool {
	return s == StatusDoneSuccess || s == StatusDoneFailed
}

// StatusFor maps a record to its terminal checkpoint status.
func StatusFor(rec CaseRecord) CheckpointStatus {
	if rec.Success {
		return StatusDoneSuccess
	}
	return StatusDoneFailed
}

// CheckpointEntry is one row of checkpoint state.
type CheckpointEntry struct {
	CaseID        caseid.ID
	Status        CheckpointStatus
	LastAttemptAt time.Time
}
