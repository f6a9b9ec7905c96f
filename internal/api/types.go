package api

import "poflow/internal/purchase"

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// WorkflowView describes a workflow in a transport-friendly format.
type WorkflowView struct {
	ID              string            `json:"id"`
	DocumentName    string            `json:"documentName"`
	DocumentURI     string            `json:"documentUri,omitempty"`
	DocumentHash    string            `json:"documentHash,omitempty"`
	Owner           string            `json:"owner"`
	Mode            string            `json:"mode"`
	Status          string            `json:"status"`
	CurrentStage    string            `json:"currentStage,omitempty"`
	StagesTotal     int               `json:"stagesTotal"`
	StagesCompleted int               `json:"stagesCompleted"`
	ProgressPercent int               `json:"progressPercent"`
	RetryCount      int               `json:"retryCount"`
	Reattempts      int               `json:"reattempts"`
	ErrorMessage    string            `json:"errorMessage,omitempty"`
	FailedStage     string            `json:"failedStage,omitempty"`
	Epoch           int64             `json:"epoch"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       string            `json:"createdAt,omitempty"`
	StartedAt       string            `json:"startedAt,omitempty"`
	UpdatedAt       string            `json:"updatedAt,omitempty"`
	CompletedAt     string            `json:"completedAt,omitempty"`
}

// StageView describes one stage record.
type StageView struct {
	Name            string  `json:"name"`
	Order           int     `json:"order"`
	Status          string  `json:"status"`
	Attempts        int     `json:"attempts"`
	StartedAt       string  `json:"startedAt,omitempty"`
	CompletedAt     string  `json:"completedAt,omitempty"`
	DurationSeconds float64 `json:"durationSeconds"`
	ErrorMessage    string  `json:"errorMessage,omitempty"`
}

// WorkflowDetail wraps a workflow with its stages and aggregate.
type WorkflowDetail struct {
	Workflow  WorkflowView    `json:"workflow"`
	Stages    []StageView     `json:"stages"`
	Aggregate *purchase.Order `json:"aggregate,omitempty"`
}

// SubmitRequest is the JSON body accepted by POST /api/workflows.
type SubmitRequest struct {
	Owner       string `json:"owner"`
	DocumentURI string `json:"documentUri"`
	Filename    string `json:"filename,omitempty"`
	Mode        string `json:"mode,omitempty"`
}

// SubmitResponse reports the created or deduplicated workflow.
type SubmitResponse struct {
	Workflow  WorkflowView `json:"workflow"`
	Duplicate bool         `json:"duplicate"`
}

// WorkflowListResponse wraps a collection of workflows.
type WorkflowListResponse struct {
	Items []WorkflowView `json:"items"`
}

// QueueView captures job counts for one stage queue.
type QueueView struct {
	Name      string `json:"name"`
	Waiting   int    `json:"waiting"`
	Active    int    `json:"active"`
	Delayed   int    `json:"delayed"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Paused    bool   `json:"paused"`
}

// QueueListResponse wraps the queue counts.
type QueueListResponse struct {
	Queues []QueueView `json:"queues"`
}

// QueueActionResponse reports the result of a pause, resume or drain.
type QueueActionResponse struct {
	Queue   string `json:"queue"`
	Action  string `json:"action"`
	Removed int64  `json:"removed,omitempty"`
}

// SweepItem describes the action taken for one workflow.
type SweepItem struct {
	WorkflowID string `json:"workflowId"`
	Action     string `json:"action"`
	Status     string `json:"status,omitempty"`
	Reason     string `json:"reason"`
	Stale      bool   `json:"stale,omitempty"`
}

// SweepResponse summarizes a recovery sweep.
type SweepResponse struct {
	Scanned   int         `json:"scanned"`
	Finalized int         `json:"finalized"`
	Reset     int         `json:"reset"`
	Abandoned int         `json:"abandoned"`
	Skipped   int         `json:"skipped"`
	Stale     int         `json:"stale"`
	Items     []SweepItem `json:"items,omitempty"`
}

// HealthResponse reports store and metadata reachability.
type HealthResponse struct {
	Status    string         `json:"status"`
	Database  DatabaseStatus `json:"database"`
	Metadata  string         `json:"metadata"`
	Workflows map[string]int `json:"workflows,omitempty"`
}

// DatabaseStatus mirrors store.DatabaseHealth.
type DatabaseStatus struct {
	Driver        string `json:"driver"`
	Reachable     bool   `json:"reachable"`
	SchemaVersion int    `json:"schemaVersion"`
	Error         string `json:"error,omitempty"`
}

// ErrorResponse is returned for every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}
