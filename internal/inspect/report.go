// Package inspect renders the audit trail of a single airlock request: its
// files, every review ever recorded, and the full stage history.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/trelab/airlockd/internal/model"
	"github.com/trelab/airlockd/internal/store"
)

// Report is the structured JSON representation of a request audit report.
type Report struct {
	RequestID     string              `json:"request_id"`
	WorkspaceID   string              `json:"workspace_id"`
	Type          model.RequestType   `json:"type"`
	Stage         model.Stage         `json:"stage"`
	Title         string              `json:"title"`
	Justification string              `json:"justification"`
	CreatedBy     string              `json:"created_by"`
	CreatedWhen   time.Time           `json:"created_when"`
	Files         []FileEntry         `json:"files"`
	Reviews       []ReviewEntry       `json:"reviews"`
	History       []model.StatusEntry `json:"history"`
}

// FileEntry is one manifest row.
type FileEntry struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}

// ReviewEntry is one recorded decision, authoritative or not.
type ReviewEntry struct {
	Reviewer      string          `json:"reviewer"`
	Decision      model.Decision  `json:"decision"`
	Explanation   string          `json:"explanation,omitempty"`
	Authoritative bool            `json:"authoritative"`
	CreatedAt     time.Time       `json:"created_at"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}

// BuildReport renders a terminal-friendly audit report for a request.
func BuildReport(ctx context.Context, st *store.Store, requestID string) (string, error) {
	report, err := gather(ctx, st, requestID)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Airlock Request\n")
	fmt.Fprintf(&out, "Request ID    : %s\n", report.RequestID)
	fmt.Fprintf(&out, "Workspace     : %s\n", report.WorkspaceID)
	fmt.Fprintf(&out, "Type          : %s\n", report.Type)
	fmt.Fprintf(&out, "Stage         : %s\n", report.Stage)
	fmt.Fprintf(&out, "Title         : %s\n", report.Title)
	fmt.Fprintf(&out, "Justification : %s\n", report.Justification)
	fmt.Fprintf(&out, "Created       : %s by %s\n", report.CreatedWhen.Format(time.RFC3339), report.CreatedBy)
	fmt.Fprintf(&out, "\n")

	if len(report.Files) == 0 {
		fmt.Fprintf(&out, "Files         : <none>\n")
	} else {
		fmt.Fprintf(&out, "Files:\n")
		for _, f := range report.Files {
			fmt.Fprintf(&out, "  - %s (%d bytes, blake3 %s)\n", f.Name, f.Size, f.Checksum)
		}
	}
	fmt.Fprintf(&out, "\n")

	if len(report.Reviews) == 0 {
		fmt.Fprintf(&out, "Reviews       : <none>\n")
	} else {
		fmt.Fprintf(&out, "Reviews:\n")
		for _, r := range report.Reviews {
			marker := "audit-only"
			if r.Authoritative {
				marker = "authoritative"
			}
			fmt.Fprintf(&out, "  - %s %s (%s, %s)\n",
				r.Reviewer, r.Decision, marker, r.CreatedAt.Format(time.RFC3339))
			if r.Explanation != "" {
				fmt.Fprintf(&out, "    %s\n", r.Explanation)
			}
		}
	}
	fmt.Fprintf(&out, "\n")

	fmt.Fprintf(&out, "History:\n")
	for i, h := range report.History {
		fmt.Fprintf(&out, "  [%d] %-22s %s by %s\n",
			i+1, h.Stage, h.At.Format(time.RFC3339), h.TriggeredBy)
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable JSON audit report.
func BuildJSONReport(ctx context.Context, st *store.Store, requestID string) (string, error) {
	report, err := gather(ctx, st, requestID)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gather(ctx context.Context, st *store.Store, requestID string) (*Report, error) {
	req, err := st.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}

	report := &Report{
		RequestID:     req.ID,
		WorkspaceID:   req.WorkspaceID,
		Type:          req.Type,
		Stage:         req.Stage,
		Title:         req.Title,
		Justification: req.BusinessJustification,
		CreatedBy:     req.CreatedBy,
		CreatedWhen:   req.CreatedWhen,
		History:       req.StatusHistory,
	}
	for _, f := range req.Files {
		report.Files = append(report.Files, FileEntry{Name: f.Name, Size: f.Size, Checksum: f.Checksum})
	}
	for _, r := range req.Reviews {
		report.Reviews = append(report.Reviews, ReviewEntry{
			Reviewer:      r.Reviewer,
			Decision:      r.Decision,
			Explanation:   r.Explanation,
			Authoritative: r.Authoritative,
			CreatedAt:     r.CreatedAt,
			Metadata:      r.Metadata,
		})
	}
	return report, nil
}
