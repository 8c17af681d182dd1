// Package overview implements the cached, partial-failure-tolerant
// workspace overview and analytics aggregators: builder progress derived
// from per-worktree status.yaml files, plus pending/closed/merged issue
// and PR lists pulled from an external issue-tracker CLI.
//
// Grounded on the teacher's TTL-cache-with-double-checked-locking idiom in
// internal/container/discovery.go, kept to one cache slot per projection
// kind that is tagged with its workspace root.
package overview

import "time"

// Issue is a minimal external issue-tracker record.
type Issue struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Labels    []string  `json:"labels,omitempty"`
	ClosedAt  time.Time `json:"closedAt,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// PR is a minimal external pull-request record.
type PR struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	MergedAt  time.Time `json:"mergedAt,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// BuilderSummary is one worktree's derived progress, per spec.md §4.6.
type BuilderSummary struct {
	Name        string  `json:"name"`
	ProjectID   string  `json:"projectId,omitempty"`
	Protocol    string  `json:"protocol,omitempty"`
	Phase       string  `json:"phase"`
	Progress    int     `json:"progress"`
	Blocked     string  `json:"blocked,omitempty"`
	IdleSeconds float64 `json:"idleSeconds"`
	Soft        bool    `json:"soft"`
}

// OverviewResult is the response shape for GET /api/workspaces/{id}/overview.
type OverviewResult struct {
	Builders       []BuilderSummary  `json:"builders"`
	PendingPRs     []PR              `json:"pendingPRs"`
	Backlog        []Issue           `json:"backlog"`
	RecentlyClosed []Issue           `json:"recentlyClosed"`
	RecentlyMerged []PR              `json:"recentlyMerged"`
	Errors         map[string]string `json:"errors,omitempty"`
}

// AnalyticsResult is the response shape for
// GET /api/workspaces/{id}/analytics.
type AnalyticsResult struct {
	Range                    string            `json:"range"`
	ProjectCounts            map[string]int    `json:"projectCounts"`
	BugsFixed                int               `json:"bugsFixed"`
	AvgTimeToMergeSeconds    float64           `json:"avgTimeToMergeSeconds"`
	AvgBugTimeToCloseSeconds float64           `json:"avgBugTimeToCloseSeconds"`
	Consultations            int               `json:"consultations"`
	Errors                   map[string]string `json:"errors,omitempty"`
}
