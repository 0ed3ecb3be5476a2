package model

import "time"

type WorkerStatus string

const (
	WorkerStatusPending        WorkerStatus = "pending"
	WorkerStatusInitializing   WorkerStatus = "initializing"
	WorkerStatusInProgress     WorkerStatus = "in_progress"
	WorkerStatusAwaitingReview WorkerStatus = "awaiting_review"
	WorkerStatusCompleted      WorkerStatus = "completed"
	WorkerStatusError          WorkerStatus = "error"
	WorkerStatusAbandoned      WorkerStatus = "abandoned"
)

// ModelClass selects which configured model handles a completion call.
type ModelClass string

const (
	ModelClassOrchestrator ModelClass = "orchestrator"
	ModelClassAgent        ModelClass = "agent"
	ModelClassReview       ModelClass = "review"
)

// ManagerWorkerID names the distinguished worker that can never be deleted.
const ManagerWorkerID = "manager"

// HistoryEntry is one timestamped progress or thought line kept on the
// persisted record.
type HistoryEntry struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// AgentResponse is the worker's structured self-report for one turn.
type AgentResponse struct {
	Progress  string    `json:"progress"`
	Thought   string    `json:"thought"`
	Action    string    `json:"action"`
	Future    string    `json:"future"`
	Timestamp time.Time `json:"timestamp"`
}

// PublicationMetadata describes the reviewable change to open once the
// critique gate passes.
type PublicationMetadata struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Labels      []string `json:"labels,omitempty"`
	Reviewers   []string `json:"reviewers,omitempty"`
}

// PublicationHandle identifies an open reviewable change.
type PublicationHandle struct {
	URL    string `json:"url"`
	Number int    `json:"number,omitempty"`
	State  string `json:"state,omitempty"`
}

type WorkerRecord struct {
	ID                 string               `json:"id"`
	WorkspacePath      string               `json:"workspace_path"`
	RepoPath           string               `json:"repo_path"`
	RepoURL            string               `json:"repo_url"`
	Branch             string               `json:"branch"`
	TaskText           string               `json:"task_text"`
	Status             WorkerStatus         `json:"status"`
	CreatedAt          time.Time            `json:"created_at"`
	LastUpdated        time.Time            `json:"last_updated"`
	OutputSnapshot     string               `json:"output_snapshot,omitempty"`
	Progress           string               `json:"progress,omitempty"`
	Thought            string               `json:"thought,omitempty"`
	Future             string               `json:"future,omitempty"`
	LastAction         string               `json:"last_action,omitempty"`
	ProgressHistory    []HistoryEntry       `json:"progress_history,omitempty"`
	ThoughtHistory     []HistoryEntry       `json:"thought_history,omitempty"`
	AcceptanceCriteria string               `json:"acceptance_criteria,omitempty"`
	LastCritique       string               `json:"last_critique,omitempty"`
	Publication        *PublicationMetadata `json:"publication,omitempty"`
	PublicationHandle  *PublicationHandle   `json:"publication_handle,omitempty"`
	LastError          string               `json:"last_error,omitempty"`
}

// Terminal reports whether the record has reached a state that permits no
// further mutation besides reads and deletion.
func (r WorkerRecord) Terminal() bool {
	switch r.Status {
	case WorkerStatusCompleted, WorkerStatusError, WorkerStatusAbandoned:
		return true
	default:
		return false
	}
}

// WorkerEvent is the lifecycle payload published on the event bus.
type WorkerEvent struct {
	WorkerID   string    `json:"worker_id"`
	EventType  string    `json:"event_type"`
	FromStatus string    `json:"from_status,omitempty"`
	ToStatus   string    `json:"to_status,omitempty"`
	Message    string    `json:"message,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
