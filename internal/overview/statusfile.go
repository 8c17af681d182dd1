package overview

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Gate is one entry of a status.yaml's gates map, per spec.md §6's grammar.
type Gate struct {
	Status      string     `yaml:"status"`
	RequestedAt *time.Time `yaml:"requested_at,omitempty"`
	ApprovedAt  *time.Time `yaml:"approved_at,omitempty"`
}

// PlanPhase is one entry of a status.yaml's plan_phases list.
type PlanPhase struct {
	ID     string `yaml:"id"`
	Title  string `yaml:"title"`
	Status string `yaml:"status"`
}

// StatusFile is the parsed form of a per-project status.yaml, grounded on
// spec.md §6's documented grammar: top-level scalars plus a gates map and a
// plan_phases list.
type StatusFile struct {
	ID               string          `yaml:"id"`
	Title            string          `yaml:"title"`
	Protocol         string          `yaml:"protocol"`
	Phase            string          `yaml:"phase"`
	CurrentPlanPhase string          `yaml:"current_plan_phase"`
	StartedAt        *time.Time      `yaml:"started_at,omitempty"`
	Gates            map[string]Gate `yaml:"gates"`
	PlanPhases       []PlanPhase     `yaml:"plan_phases"`
}

// isLegacyProtocol reports whether protocol is spir, aspir, or spider (a
// legacy alias of spir/aspir), per spec.md §4.6's progress function.
func isLegacyProtocol(protocol string) bool {
	switch protocol {
	case "spir", "aspir", "spider":
		return true
	default:
		return false
	}
}

// conventionalGateOrder fixes tie-break order among simultaneously pending
// gates, per spec.md §4.6's "first pending by conventional order".
var conventionalGateOrder = []string{"spec-approval", "plan-approval", "pr-ready", "pr"}

// gateLabels maps gate names to the human-readable blocked labels spec.md
// §4.6 requires.
var gateLabels = map[string]string{
	"spec-approval": "spec review",
	"plan-approval": "plan review",
	"pr-ready":       "PR review",
	"pr":             "PR review",
}

// loadStatusFile reads and parses a status.yaml at path.
func loadStatusFile(path string) (*StatusFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read status.yaml: %w", err)
	}
	var sf StatusFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("parse status.yaml: %w", err)
	}
	return &sf, nil
}

// Progress computes the 0-100 completion percentage per spec.md §4.6's
// protocol-dependent progress function.
func (sf *StatusFile) Progress() int {
	if isLegacyProtocol(sf.Protocol) {
		return sf.legacyProgress()
	}
	return sf.genericProgress()
}

func (sf *StatusFile) legacyProgress() int {
	gateRequested := sf.firstPendingGate() != ""

	switch sf.Phase {
	case "specify":
		if gateRequested {
			return 20
		}
		return 10
	case "plan":
		if gateRequested {
			return 45
		}
		return 35
	case "implement":
		return 50 + int(40*sf.planPhaseFraction())
	case "review":
		if gateRequested {
			return 95
		}
		return 92
	case "complete":
		return 100
	default:
		return 0
	}
}

// planPhaseFraction returns the fraction of plan_phases whose status is
// "complete", used to interpolate the implement phase's 50..90 range.
func (sf *StatusFile) planPhaseFraction() float64 {
	if len(sf.PlanPhases) == 0 {
		return 0
	}
	complete := 0
	for _, p := range sf.PlanPhases {
		if p.Status == "complete" {
			complete++
		}
	}
	return float64(complete) / float64(len(sf.PlanPhases))
}

// genericProgress evenly distributes progress across a protocol's declared
// phase list, 100/(N+1) per phase index, 100 when phase is "complete".
func (sf *StatusFile) genericProgress() int {
	if sf.Phase == "complete" {
		return 100
	}
	n := len(sf.PlanPhases)
	if n == 0 {
		return 0
	}
	for i, p := range sf.PlanPhases {
		if p.ID == sf.CurrentPlanPhase || p.Title == sf.CurrentPlanPhase {
			return int(100 * float64(i+1) / float64(n+1))
		}
	}
	return 0
}

// firstPendingGate returns the name of the first gate (by conventional
// order) whose status is "pending" and which carries a requested_at
// timestamp, or "" if none.
func (sf *StatusFile) firstPendingGate() string {
	for _, name := range conventionalGateOrder {
		gate, ok := sf.Gates[name]
		if ok && gate.Status == "pending" && gate.RequestedAt != nil {
			return name
		}
	}
	return ""
}

// Blocked derives the human-readable blocked label, or "" if nothing is
// pending.
func (sf *StatusFile) Blocked() string {
	name := sf.firstPendingGate()
	if name == "" {
		return ""
	}
	if label, ok := gateLabels[name]; ok {
		return label
	}
	return name
}

// IdleSeconds sums [requested_at, approved_at] per resolved gate plus
// [requested_at, now] for any currently pending gate, per spec.md §4.6's
// idle accounting rule.
func (sf *StatusFile) IdleSeconds(now time.Time) float64 {
	var total time.Duration
	for _, gate := range sf.Gates {
		if gate.RequestedAt == nil {
			continue
		}
		end := now
		if gate.ApprovedAt != nil {
			end = *gate.ApprovedAt
		}
		if end.After(*gate.RequestedAt) {
			total += end.Sub(*gate.RequestedAt)
		}
	}
	return total.Seconds()
}

// findStatusFile locates the status.yaml of the first project directory
// under projectsRoot (a builder worktree's codev/projects directory) whose
// name equals or contains projectID. If no such directory has a
// status.yaml, it returns an error; callers fall back to soft mode.
func findStatusFile(projectsRoot, projectID string) (string, error) {
	entries, err := os.ReadDir(projectsRoot)
	if err != nil {
		return "", fmt.Errorf("read projects dir: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if e.Name() == projectID || strings.Contains(e.Name(), projectID) {
			candidate := filepath.Join(projectsRoot, e.Name(), "status.yaml")
			if _, err := os.Stat(candidate); err == nil {
				return candidate, nil
			}
		}
	}
	return "", fmt.Errorf("no status.yaml matching project %q under %s", projectID, projectsRoot)
}

// deriveProjectID derives the project-directory identifier from a worktree
// name, per spec.md §4.6 ("0126" for "spir-126-*", "bugfix-296" for
// "bugfix-296-*", etc).
func deriveProjectID(worktreeName string) (protocol, projectID string) {
	parts := strings.SplitN(worktreeName, "-", 3)
	if len(parts) < 2 {
		return "", worktreeName
	}
	protocol = parts[0]
	number := parts[1]
	if isLegacyProtocol(protocol) {
		return protocol, zeroPad(number, 4)
	}
	return protocol, fmt.Sprintf("%s-%s", protocol, number)
}

// zeroPad left-pads s with '0' to width, used for the legacy spir/aspir
// numeric project ID form ("126" -> "0126").
func zeroPad(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return strings.Repeat("0", width-len(s)) + s
}
