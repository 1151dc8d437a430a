package model

import (
	"encoding/json"
	"time"
)

// RequestType distinguishes data moving into the workspace from data moving out.
type RequestType string

const (
	TypeImport RequestType = "import"
	TypeExport RequestType = "export"
)

// Stage is a position in the request lifecycle.
type Stage string

const (
	StageDraft               Stage = "draft"
	StageSubmitted           Stage = "submitted"
	StageInReview            Stage = "in_review"
	StageApprovalInProgress  Stage = "approval_in_progress"
	StageApproved            Stage = "approved"
	StageRejectionInProgress Stage = "rejection_in_progress"
	StageRejected            Stage = "rejected"
	StageCancelled           Stage = "cancelled"
	StageBlockingInProgress  Stage = "blocking_in_progress"
	StageBlockedByScan       Stage = "blocked_by_scan"
	StageFailed              Stage = "failed"
)

// Trigger is a signal that may advance a request to its next stage.
type Trigger string

const (
	TriggerSubmit          Trigger = "submit"
	TriggerScanClean       Trigger = "scan_clean"
	TriggerScanThreatFound Trigger = "scan_threat_found"
	TriggerReviewApprove   Trigger = "review_approve"
	TriggerReviewReject    Trigger = "review_reject"
	TriggerCancel          Trigger = "cancel"
	TriggerMoveSucceeded   Trigger = "move_succeeded"
	TriggerMoveFailed      Trigger = "move_failed"
)

// Decision is a reviewer's verdict on a request.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// FileDescriptor records one file accepted at submission. Size and checksum
// are captured once and used to detect tampering before every move.
type FileDescriptor struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"` // hex blake3
}

// Review is one reviewer's decision. Immutable once created. Metadata holds
// the structured disclosure-control answers, opaque to this core.
type Review struct {
	ID            string          `json:"id"`
	Reviewer      string          `json:"reviewer"`
	Decision      Decision        `json:"decision"`
	Explanation   string          `json:"explanation"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	Authoritative bool            `json:"authoritative"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// StatusEntry is one row of the append-only lifecycle audit trail.
type StatusEntry struct {
	Stage       Stage     `json:"stage"`
	At          time.Time `json:"at"`
	TriggeredBy string    `json:"triggeredBy"`
}

// AirlockRequest is a tracked proposal to move a bounded set of files into
// or out of an isolated workspace.
type AirlockRequest struct {
	ID          string      `json:"id"`
	WorkspaceID string      `json:"workspaceId"`
	Type        RequestType `json:"type"`
	Stage       Stage       `json:"stage"`

	Title                 string            `json:"title"`
	BusinessJustification string            `json:"businessJustification"`
	Properties            map[string]string `json:"properties,omitempty"`

	Files         []FileDescriptor `json:"files"`
	Reviews       []Review         `json:"reviews"`
	StatusHistory []StatusEntry    `json:"statusHistory"`

	CreatedBy   string    `json:"createdBy"`
	CreatedWhen time.Time `json:"createdWhen"`

	// Version is the optimistic concurrency token guarding stage changes.
	// Bumped on every transition; never exposed to API callers for mutation.
	Version int64 `json:"-"`
}
