package workflow

import (
	"strings"
	"time"
)

// Status represents the lifecycle of a workflow.
type Status string

const (
	StatusPending      Status = "pending"
	StatusProcessing   Status = "processing"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusReviewNeeded Status = "review_needed"
)

var allStatuses = []Status{
	StatusPending,
	StatusProcessing,
	StatusCompleted,
	StatusFailed,
	StatusReviewNeeded,
}

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	for _, status := range allStatuses {
		if status == normalized {
			return status, true
		}
	}
	return "", false
}

// Terminal reports whether no further automatic transition will happen.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusReviewNeeded
}

// StageStatus represents the lifecycle of one stage within a workflow.
type StageStatus string

const (
	StagePending    StageStatus = "pending"
	StageProcessing StageStatus = "processing"
	StageCompleted  StageStatus = "completed"
	StageFailed     StageStatus = "failed"
	StageSkipped    StageStatus = "skipped"
)

// Done reports whether a later stage may start after this one.
func (s StageStatus) Done() bool {
	return s == StageCompleted || s == StageSkipped
}

// Mode selects the execution strategy for a workflow.
type Mode string

const (
	ModeQueued     Mode = "queued"
	ModeSequential Mode = "sequential"
)

// ParseMode converts a string into a known Mode.
func ParseMode(value string) (Mode, bool) {
	switch Mode(strings.ToLower(strings.TrimSpace(value))) {
	case ModeQueued:
		return ModeQueued, true
	case ModeSequential:
		return ModeSequential, true
	default:
		return "", false
	}
}

// Metadata annex keys written by the executors and the recovery sweep.
const (
	MetaAggregateID        = "aggregate_id"
	MetaConfidence         = "confidence"
	MetaModelUsed          = "model_used"
	MetaErrorKind          = "error_kind"
	MetaLastRetryReason    = "last_retry_reason"
	MetaQuotaBackoffUntil  = "quota_backoff_until"
	MetaRecoveryReason     = "recovery_reason"
	MetaRecoveredAt        = "recovered_at"
	MetaRecoveredBy        = "recovered_by"
	MetaRecoveryConfidence = "recovery_confidence"
	MetaResubmittedAt      = "resubmitted_at"
)

// Workflow is the authoritative processing record for one uploaded document.
type Workflow struct {
	ID              string
	DocumentName    string
	DocumentURI     string
	DocumentHash    string
	Owner           string
	Mode            Mode
	Status          Status
	CurrentStage    string
	StagesTotal     int
	StagesCompleted int
	ProgressPercent int
	RetryCount      int
	Reattempts      int
	ErrorMessage    string
	FailedStage     string
	Metadata        map[string]string
	// Epoch increments on every dispatch and every reset so results from an
	// earlier dispatch can be recognized as stale.
	Epoch       int64
	CreatedAt   time.Time
	StartedAt   *time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// Guard captures the compare-and-set precondition for persisting w.
type Guard struct {
	Status Status
	Epoch  int64
	Stage  string
}

// Guard returns the CAS precondition matching the workflow as loaded.
func (w *Workflow) Guard() Guard {
	return Guard{Status: w.Status, Epoch: w.Epoch, Stage: w.CurrentStage}
}

// Clone returns a deep copy.
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	cp := *w
	cp.Metadata = make(map[string]string, len(w.Metadata))
	for k, v := range w.Metadata {
		cp.Metadata[k] = v
	}
	if w.StartedAt != nil {
		t := *w.StartedAt
		cp.StartedAt = &t
	}
	if w.CompletedAt != nil {
		t := *w.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// Meta returns a metadata value or "".
func (w *Workflow) Meta(key string) string {
	if w.Metadata == nil {
		return ""
	}
	return w.Metadata[key]
}

// SetMeta stores a metadata value, allocating the map on first use.
func (w *Workflow) SetMeta(key, value string) {
	if w.Metadata == nil {
		w.Metadata = make(map[string]string)
	}
	w.Metadata[key] = value
}

// StageRecord is the persisted outcome of one stage of one workflow.
type StageRecord struct {
	WorkflowID   string
	StageName    string
	StageOrder   int
	Status       StageStatus
	Attempts     int
	StartedAt    *time.Time
	CompletedAt  *time.Time
	Duration     time.Duration
	ErrorMessage string
}

// Begin marks the record as processing for a new attempt.
func (r *StageRecord) Begin(now time.Time) {
	r.Status = StageProcessing
	r.Attempts++
	started := now
	r.StartedAt = &started
	r.CompletedAt = nil
	r.Duration = 0
	r.ErrorMessage = ""
}

// Finish marks the record with a terminal stage status and its timing.
func (r *StageRecord) Finish(status StageStatus, message string, now time.Time) {
	r.Status = status
	r.ErrorMessage = message
	completed := now
	r.CompletedAt = &completed
	if r.StartedAt != nil {
		r.Duration = now.Sub(*r.StartedAt)
	}
}

// Reset returns the record to pending for a new epoch.
func (r *StageRecord) Reset() {
	r.Status = StagePending
	r.Attempts = 0
	r.StartedAt = nil
	r.CompletedAt = nil
	r.Duration = 0
	r.ErrorMessage = ""
}
