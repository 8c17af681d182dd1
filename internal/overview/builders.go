package overview

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// discoverBuilders walks .builders/<name>/codev/projects/*/status.yaml under
// workspaceRoot and derives one BuilderSummary per builder worktree, per
// spec.md §4.6. Missing or unreadable status.yaml files degrade to a soft
// summary rather than failing the whole scan — builders must always be
// returned even when every external source fails.
func discoverBuilders(workspaceRoot string, now time.Time) []BuilderSummary {
	buildersRoot := filepath.Join(workspaceRoot, ".builders")
	entries, err := os.ReadDir(buildersRoot)
	if err != nil {
		return nil
	}

	var out []BuilderSummary
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		out = append(out, summarizeBuilder(buildersRoot, e.Name(), now))
	}
	return out
}

func summarizeBuilder(buildersRoot, name string, now time.Time) BuilderSummary {
	protocol, projectID := deriveProjectID(name)
	projectsRoot := filepath.Join(buildersRoot, name, "codev", "projects")

	path, err := findStatusFile(projectsRoot, projectID)
	if err != nil {
		return softBuilderSummary(name, protocol)
	}

	sf, err := loadStatusFile(path)
	if err != nil {
		return softBuilderSummary(name, protocol)
	}

	return BuilderSummary{
		Name:        name,
		ProjectID:   sf.ID,
		Protocol:    sf.Protocol,
		Phase:       sf.Phase,
		Progress:    sf.Progress(),
		Blocked:     sf.Blocked(),
		IdleSeconds: sf.IdleSeconds(now),
		Soft:        false,
	}
}

// softBuilderSummary emits a minimal entry derived only from the worktree
// name, per spec.md §4.6's soft-mode fallback.
func softBuilderSummary(name, protocol string) BuilderSummary {
	return BuilderSummary{
		Name:     name,
		Protocol: protocol,
		Phase:    "unknown",
		Progress: 0,
		Soft:     true,
	}
}

// projectCounts aggregates builder worktree names by protocol, used by the
// analytics aggregator's per-protocol project counts.
func projectCounts(workspaceRoot string) map[string]int {
	buildersRoot := filepath.Join(workspaceRoot, ".builders")
	entries, err := os.ReadDir(buildersRoot)
	if err != nil {
		return map[string]int{}
	}

	counts := make(map[string]int)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		protocol, _ := deriveProjectID(e.Name())
		if protocol == "" {
			protocol = "unknown"
		}
		counts[protocol]++
	}
	return counts
}

// bugLabels marks a closed issue as a bug fix when any of its labels match,
// per spec.md §4.6's "derives bugs-fixed from closed-issue labels" rule.
var bugLabels = map[string]bool{"bug": true, "bugfix": true, "defect": true}

func isBugIssue(issue Issue) bool {
	for _, l := range issue.Labels {
		if bugLabels[strings.ToLower(l)] {
			return true
		}
	}
	return false
}
