package overview

import (
	"testing"
	"time"
)

func mustTime(s string) *time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return &t
}

func TestLegacyProgressSpecifyPhase(t *testing.T) {
	sf := &StatusFile{Protocol: "spir", Phase: "specify"}
	if got := sf.Progress(); got != 10 {
		t.Fatalf("Progress()=%d, want 10", got)
	}

	sf.Gates = map[string]Gate{"spec-approval": {Status: "pending", RequestedAt: mustTime("2026-01-01T00:00:00Z")}}
	if got := sf.Progress(); got != 20 {
		t.Fatalf("Progress() with pending gate=%d, want 20", got)
	}
}

func TestLegacyProgressImplementInterpolatesPlanPhases(t *testing.T) {
	sf := &StatusFile{
		Protocol: "aspir",
		Phase:    "implement",
		PlanPhases: []PlanPhase{
			{ID: "1", Status: "complete"},
			{ID: "2", Status: "complete"},
			{ID: "3", Status: "pending"},
			{ID: "4", Status: "pending"},
		},
	}
	// 50 + 40*(2/4) = 70
	if got := sf.Progress(); got != 70 {
		t.Fatalf("Progress()=%d, want 70", got)
	}
}

func TestLegacyProgressComplete(t *testing.T) {
	sf := &StatusFile{Protocol: "spider", Phase: "complete"}
	if got := sf.Progress(); got != 100 {
		t.Fatalf("Progress()=%d, want 100", got)
	}
}

func TestGenericProgressEvenlyDistributes(t *testing.T) {
	sf := &StatusFile{
		Protocol:         "bugfix",
		Phase:            "working",
		CurrentPlanPhase: "phase-2",
		PlanPhases: []PlanPhase{
			{ID: "phase-1", Status: "complete"},
			{ID: "phase-2", Status: "in_progress"},
			{ID: "phase-3", Status: "pending"},
		},
	}
	// 100 * (1+1)/(3+1) = 50
	if got := sf.Progress(); got != 50 {
		t.Fatalf("Progress()=%d, want 50", got)
	}
}

func TestGenericProgressCompletePhase(t *testing.T) {
	sf := &StatusFile{Protocol: "bugfix", Phase: "complete"}
	if got := sf.Progress(); got != 100 {
		t.Fatalf("Progress()=%d, want 100", got)
	}
}

func TestBlockedReturnsFirstPendingGateByConventionalOrder(t *testing.T) {
	sf := &StatusFile{
		Gates: map[string]Gate{
			"pr-ready":      {Status: "pending", RequestedAt: mustTime("2026-01-01T00:00:00Z")},
			"plan-approval": {Status: "pending", RequestedAt: mustTime("2026-01-01T00:00:00Z")},
		},
	}
	if got := sf.Blocked(); got != "plan review" {
		t.Fatalf("Blocked()=%q, want %q (plan-approval precedes pr-ready)", got, "plan review")
	}
}

func TestBlockedEmptyWhenNoGatePending(t *testing.T) {
	sf := &StatusFile{Gates: map[string]Gate{"pr": {Status: "approved"}}}
	if got := sf.Blocked(); got != "" {
		t.Fatalf("Blocked()=%q, want empty", got)
	}
}

func TestIdleSecondsSumsResolvedAndPendingGates(t *testing.T) {
	sf := &StatusFile{
		Gates: map[string]Gate{
			"spec-approval": {
				Status:      "approved",
				RequestedAt: mustTime("2026-01-01T00:00:00Z"),
				ApprovedAt:  mustTime("2026-01-01T00:10:00Z"),
			},
			"plan-approval": {
				Status:      "pending",
				RequestedAt: mustTime("2026-01-01T00:00:00Z"),
			},
		},
	}
	now := *mustTime("2026-01-01T00:05:00Z")
	// resolved gate: 600s, pending gate: 300s (requested_at..now) = 900s
	if got := sf.IdleSeconds(now); got != 900 {
		t.Fatalf("IdleSeconds()=%v, want 900", got)
	}
}

func TestZeroPad(t *testing.T) {
	if got := zeroPad("126", 4); got != "0126" {
		t.Fatalf("zeroPad=%q, want 0126", got)
	}
	if got := zeroPad("12345", 4); got != "12345" {
		t.Fatalf("zeroPad should not truncate, got %q", got)
	}
}
