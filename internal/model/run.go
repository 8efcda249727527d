package model

import "time"

// RunStatus is the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunStatusCreated RunStatus = "created"
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
)

// IsTerminal reports whether the status can no longer change.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSuccess || s == RunStatusFailed
}

// CanTransition reports whether moving from s to next is a forward move.
func (s RunStatus) CanTransition(next RunStatus) bool {
	switch s {
	case RunStatusCreated:
		return next == RunStatusRunning || next == RunStatusFailed
	case RunStatusRunning:
		return next == RunStatusSuccess || next == RunStatusFailed
	default:
		return false
	}
}

// Run is one pipeline execution.
type Run struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Seed       int64          `json:"seed"`
	Status     RunStatus      `json:"status"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	Config     map[string]any `json:"config,omitempty"`
	Artifacts  map[string]int `json:"artifacts,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// RunMeta is run identity handed to each branch at fan-out.
type RunMeta struct {
	RunID string `json:"run_id"`
	Name  string `json:"name"`
	Seed  int64  `json:"seed"`
}

// Artifact counter names aggregated at the join.
const (
	ArtifactNormalized = "normalized_records"
	ArtifactDuplicates = "duplicate_links"
	ArtifactAudits     = "audit_events"
	ArtifactWindows    = "price_windows"
	ArtifactSamples    = "assembled_samples"
	ArtifactLabels     = "sample_labels"
	ArtifactSkipped    = "skipped_variations"
	ArtifactUnlabeled  = "unlabeled_samples"
	ArtifactPruned     = "pruned_samples"
)

// UnitResult is the outcome of one (asset, as-of date) unit inside a branch.
type UnitResult struct {
	Ticker    string         `json:"ticker"`
	AsOfDate  time.Time      `json:"as_of_date"`
	Artifacts map[string]int `json:"artifacts,omitempty"`
	ErrorKind string         `json:"error_kind,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Failed reports whether the unit terminated with a hard error.
func (u UnitResult) Failed() bool {
	return u.ErrorKind != ""
}

// BranchSummary is the message a per-asset branch returns to the join.
type BranchSummary struct {
	RunID     string         `json:"run_id,omitempty"`
	Ticker    string         `json:"ticker"`
	Units     []UnitResult   `json:"units"`
	Artifacts map[string]int `json:"artifacts,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// RunSummary is the aggregate built at the join and stored on the Run.
type RunSummary struct {
	RunID           string            `json:"run_id"`
	Status          RunStatus         `json:"status"`
	BranchesTotal   int               `json:"branches_total"`
	BranchesFailed  map[string]string `json:"branches_failed,omitempty"`
	UnitsTotal      int               `json:"units_total"`
	UnitsFailed     int               `json:"units_failed"`
	FailureFraction float64           `json:"failure_fraction"`
	Artifacts       map[string]int    `json:"artifacts"`
	Failures        []UnitFailure     `json:"failures,omitempty"`
}

// UnitFailure is one terminally failed (ticker, as-of date) in a run.
type UnitFailure struct {
	RunID     string    `json:"run_id"`
	Ticker    string    `json:"ticker"`
	AsOfDate  time.Time `json:"as_of_date"`
	ErrorKind string    `json:"error_kind"`
	Message   string    `json:"message"`
}
