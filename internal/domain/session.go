package domain

import "time"

// ImportMode tells how a session fetched its records.
type ImportMode string

const (
	ModeRange ImportMode = "range"
	ModeDelta ImportMode = "delta"
	ModeFile  ImportMode = "file"
)

// ImportSession is one ingestion run. Only Summary and CursorOut change after
// creation; sessions are never deleted.
type ImportSession struct {
	ID        string        `json:"id"`
	ItemID    string        `json:"item_id,omitempty"`
	Mode      ImportMode    `json:"mode"`
	StartDate *time.Time    `json:"start_date,omitempty"`
	EndDate   *time.Time    `json:"end_date,omitempty"`
	CursorIn  string        `json:"cursor_in,omitempty"`
	CursorOut string        `json:"cursor_out,omitempty"`
	Summary   ImportSummary `json:"summary"`
	CreatedBy string        `json:"created_by"`
	CreatedAt time.Time     `json:"created_at"`
}

// ImportSummary holds per-status counts for a session.
type ImportSummary struct {
	Fetched       int `json:"fetched"`
	Total         int `json:"total"`
	Ready         int `json:"ready"`
	NeedsCategory int `json:"needs_category"`
	Excluded      int `json:"excluded"`
	Duplicate     int `json:"duplicate"`
	Superseded    int `json:"superseded"`
	OutsideWindow int `json:"outside_window"`
	Skipped       int `json:"skipped"`
	Removed       int `json:"removed"`

	// Errors lists the rows that were skipped as malformed.
	Errors []RowError `json:"errors,omitempty"`
}

// Count records one staged row under its status.
func (s *ImportSummary) Count(status StagingStatus) {
	s.Total++
	switch status {
	case StatusReady:
		s.Ready++
	case StatusNeedsCategory:
		s.NeedsCategory++
	case StatusExcluded:
		s.Excluded++
	case StatusDuplicate:
		s.Duplicate++
	case StatusSuperseded:
		s.Superseded++
	}
}

// Add merges another summary into s.
func (s *ImportSummary) Add(o ImportSummary) {
	s.Fetched += o.Fetched
	s.Total += o.Total
	s.Ready += o.Ready
	s.NeedsCategory += o.NeedsCategory
	s.Excluded += o.Excluded
	s.Duplicate += o.Duplicate
	s.Superseded += o.Superseded
	s.OutsideWindow += o.OutsideWindow
	s.Skipped += o.Skipped
	s.Removed += o.Removed
	s.Errors = append(s.Errors, o.Errors...)
}

// Account is an aggregator account known to the ledger.
type Account struct {
	ID               string `json:"id"`
	ExternalID       string `json:"external_id"`
	Name             string `json:"name"`
	Source           string `json:"source"`
	Currency         string `json:"currency"`
	EnabledForImport bool   `json:"enabled_for_import"`
}

// Item is one aggregator connection. AccessToken is sealed at rest.
type Item struct {
	ID          string    `json:"id"`
	AccessToken string    `json:"-"`
	Cursor      string    `json:"-"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CommitSelection picks staged rows for promotion. Explicit IDs take precedence
// over statuses; an empty selection means ready and approved rows.
type CommitSelection struct {
	IDs      []string        `json:"ids,omitempty"`
	Statuses []StagingStatus `json:"statuses,omitempty"`
}

// CommitResult summarises one commit call.
type CommitResult struct {
	Inserted          int `json:"inserted"`
	SkippedDuplicates int `json:"skipped_duplicates"`
	Ineligible        int `json:"ineligible"`
}

// ImportAudit compares a session's fetched, staged and committed rows.
type ImportAudit struct {
	SessionID     string              `json:"session_id"`
	Summary       ImportSummary       `json:"summary"`
	StagedByState map[string]int      `json:"staged_by_status"`
	Committed     int                 `json:"committed"`
	OutsideWindow []StagedTransaction `json:"outside_window,omitempty"`
}
