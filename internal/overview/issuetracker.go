package overview

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"
)

// IssueTracker shells out to an external issue-tracker CLI (e.g. `gh`,
// `glab`) to fetch pending PRs, open issues, and recently-closed/merged
// items. Grounded on the teacher's external-process contract idiom in
// internal/acp/process.go: a bounded-timeout exec.CommandContext call
// whose stdout is parsed as JSON, with any failure returned as an error
// rather than a panic.
type IssueTracker struct {
	command []string
	timeout time.Duration
}

// NewIssueTracker constructs a tracker invoking command (a base argv such
// as []string{"gh"}) with per-call subcommands such as "pr list ..."
// appended. timeout bounds every invocation; spec.md
// §5 requires external CLI calls to carry a generous (≥20s) timeout.
func NewIssueTracker(command []string, timeout time.Duration) *IssueTracker {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &IssueTracker{command: command, timeout: timeout}
}

func (t *IssueTracker) run(ctx context.Context, workspaceRoot string, args ...string) ([]byte, error) {
	if len(t.command) == 0 {
		return nil, fmt.Errorf("issue tracker: no command configured")
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	argv := append(append([]string{}, t.command[1:]...), args...)
	cmd := exec.CommandContext(ctx, t.command[0], argv...)
	cmd.Dir = workspaceRoot

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("issue tracker %s %v: %w (%s)", t.command[0], args, err, stderr.String())
	}
	return stdout.Bytes(), nil
}

// PendingPRs lists open pull requests awaiting review.
func (t *IssueTracker) PendingPRs(ctx context.Context, workspaceRoot string) ([]PR, error) {
	out, err := t.run(ctx, workspaceRoot, "pr", "list", "--state", "open", "--json")
	if err != nil {
		return nil, err
	}
	var prs []PR
	if err := json.Unmarshal(out, &prs); err != nil {
		return nil, fmt.Errorf("issue tracker: parse pending PRs: %w", err)
	}
	return prs, nil
}

// OpenIssues lists the current issue backlog.
func (t *IssueTracker) OpenIssues(ctx context.Context, workspaceRoot string) ([]Issue, error) {
	out, err := t.run(ctx, workspaceRoot, "issue", "list", "--state", "open", "--json")
	if err != nil {
		return nil, err
	}
	var issues []Issue
	if err := json.Unmarshal(out, &issues); err != nil {
		return nil, fmt.Errorf("issue tracker: parse open issues: %w", err)
	}
	return issues, nil
}

// RecentlyClosed lists issues closed within the tracker's default recency
// window.
func (t *IssueTracker) RecentlyClosed(ctx context.Context, workspaceRoot string) ([]Issue, error) {
	out, err := t.run(ctx, workspaceRoot, "issue", "list", "--state", "closed", "--json")
	if err != nil {
		return nil, err
	}
	var issues []Issue
	if err := json.Unmarshal(out, &issues); err != nil {
		return nil, fmt.Errorf("issue tracker: parse recently-closed issues: %w", err)
	}
	return issues, nil
}

// RecentlyMerged lists pull requests merged within the tracker's default
// recency window.
func (t *IssueTracker) RecentlyMerged(ctx context.Context, workspaceRoot string) ([]PR, error) {
	out, err := t.run(ctx, workspaceRoot, "pr", "list", "--state", "merged", "--json")
	if err != nil {
		return nil, err
	}
	var prs []PR
	if err := json.Unmarshal(out, &prs); err != nil {
		return nil, fmt.Errorf("issue tracker: parse recently-merged PRs: %w", err)
	}
	return prs, nil
}

// ClosedInRange lists issues closed within a named recency window
// ("24h","7d","30d","all"), used by the analytics aggregator.
func (t *IssueTracker) ClosedInRange(ctx context.Context, workspaceRoot, window string) ([]Issue, error) {
	out, err := t.run(ctx, workspaceRoot, "issue", "list", "--state", "closed", "--since", window, "--json")
	if err != nil {
		return nil, err
	}
	var issues []Issue
	if err := json.Unmarshal(out, &issues); err != nil {
		return nil, fmt.Errorf("issue tracker: parse closed-in-range issues: %w", err)
	}
	return issues, nil
}

// MergedInRange lists PRs merged within a named recency window.
func (t *IssueTracker) MergedInRange(ctx context.Context, workspaceRoot, window string) ([]PR, error) {
	out, err := t.run(ctx, workspaceRoot, "pr", "list", "--state", "merged", "--since", window, "--json")
	if err != nil {
		return nil, err
	}
	var prs []PR
	if err := json.Unmarshal(out, &prs); err != nil {
		return nil, fmt.Errorf("issue tracker: parse merged-in-range PRs: %w", err)
	}
	return prs, nil
}

// RangeWindow maps spec.md §4.6's range labels to the tracker's recency
// window syntax.
func RangeWindow(rangeLabel string) string {
	switch rangeLabel {
	case "1":
		return "24h"
	case "7":
		return "7d"
	case "30":
		return "30d"
	default:
		return "all"
	}
}
