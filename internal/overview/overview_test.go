package overview

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type fakeConsultationSource struct {
	count int
	err   error
}

func (f *fakeConsultationSource) ConsultationSummary(workspacePath string, since time.Time) (int, error) {
	return f.count, f.err
}

// TestOverviewDegradesWhenAllSourcesFail covers boundary scenario #5: with
// no issue-tracker command configured every fetch fails, but the overview
// still returns (with builders, even if empty) instead of erroring out.
func TestOverviewDegradesWhenAllSourcesFail(t *testing.T) {
	tracker := NewIssueTracker(nil, time.Second)
	agg := New(tracker, &fakeConsultationSource{}, time.Minute, time.Minute)

	root := t.TempDir()
	result := agg.Overview(context.Background(), root, false)

	if len(result.Errors) != 4 {
		t.Fatalf("Errors=%d, want 4 (prs, issues, recentlyClosed, recentlyMerged)", len(result.Errors))
	}
	for _, key := range []string{"prs", "issues", "recentlyClosed", "recentlyMerged"} {
		if _, ok := result.Errors[key]; !ok {
			t.Errorf("missing error for source %q", key)
		}
	}
	if result.Builders == nil {
		t.Fatalf("Builders should be an empty slice, not break the response")
	}
	if result.PendingPRs == nil {
		t.Fatal("PendingPRs must be a non-nil empty slice on fetch failure, not nil (serializes as null)")
	}
	if result.Backlog == nil {
		t.Fatal("Backlog must be a non-nil empty slice on fetch failure, not nil (serializes as null)")
	}
}

// TestOverviewCacheNotPopulatedOnFailure asserts a failed fetch is never
// cached: two calls within the TTL window both recompute (we can't directly
// observe recomputation count here, but we can assert the cache slot stays
// nil after a failing fetch).
func TestOverviewCacheNotPopulatedOnFailure(t *testing.T) {
	tracker := NewIssueTracker(nil, time.Second)
	agg := New(tracker, nil, time.Minute, time.Minute)

	root := t.TempDir()
	agg.Overview(context.Background(), root, false)

	agg.mu.Lock()
	cached := agg.overview
	agg.mu.Unlock()
	if cached != nil {
		t.Fatalf("expected no cached overview entry after a failed fetch, got %+v", cached)
	}
}

// TestOverviewCacheSwitchesRootInvalidatesSlot covers invariant #8: the
// single-slot cache must not return a stale result for a different
// workspace root.
func TestOverviewCacheSwitchesRootInvalidatesSlot(t *testing.T) {
	agg := &Aggregator{
		overviewTTL: time.Minute,
		overview: &overviewEntry{
			root:      "/workspace/a",
			result:    OverviewResult{Builders: []BuilderSummary{{Name: "stale"}}},
			fetchedAt: time.Now(),
		},
	}

	root := t.TempDir()
	result := agg.Overview(context.Background(), root, false)
	for _, b := range result.Builders {
		if b.Name == "stale" {
			t.Fatalf("switching workspace roots must not reuse the prior root's cached builders")
		}
	}
}

func TestOverviewCacheRefreshBypassesCache(t *testing.T) {
	root := t.TempDir()
	stale := OverviewResult{Builders: []BuilderSummary{{Name: "stale"}}}
	agg := &Aggregator{
		overviewTTL: time.Hour,
		tracker:     NewIssueTracker(nil, time.Second),
		overview:    &overviewEntry{root: root, result: stale, fetchedAt: time.Now()},
	}

	cached := agg.Overview(context.Background(), root, false)
	if len(cached.Builders) != 1 || cached.Builders[0].Name != "stale" {
		t.Fatalf("expected cached result returned without refresh, got %+v", cached)
	}

	fresh := agg.Overview(context.Background(), root, true)
	for _, b := range fresh.Builders {
		if b.Name == "stale" {
			t.Fatalf("refresh=true must bypass the cache")
		}
	}
}

func TestRangeWindowMapping(t *testing.T) {
	cases := map[string]string{"1": "24h", "7": "7d", "30": "30d", "": "all", "bogus": "all"}
	for in, want := range cases {
		if got := RangeWindow(in); got != want {
			t.Errorf("RangeWindow(%q)=%q, want %q", in, got, want)
		}
	}
}

func TestIsBugIssue(t *testing.T) {
	if !isBugIssue(Issue{Labels: []string{"enhancement", "Bug"}}) {
		t.Fatal("expected case-insensitive bug label match")
	}
	if isBugIssue(Issue{Labels: []string{"enhancement"}}) {
		t.Fatal("expected no bug match")
	}
}

// TestDiscoverBuildersSoftFallback covers a builder worktree with no
// matching status.yaml: it must still be reported, in soft mode.
func TestDiscoverBuildersSoftFallback(t *testing.T) {
	root := t.TempDir()
	buildersDir := filepath.Join(root, ".builders", "spir-126-fix-thing")
	if err := os.MkdirAll(buildersDir, 0o755); err != nil {
		t.Fatal(err)
	}

	summaries := discoverBuilders(root, time.Now())
	if len(summaries) != 1 {
		t.Fatalf("len(summaries)=%d, want 1", len(summaries))
	}
	if !summaries[0].Soft {
		t.Fatalf("expected soft summary fallback when status.yaml is absent")
	}
	if summaries[0].Protocol != "spir" {
		t.Fatalf("Protocol=%q, want spir", summaries[0].Protocol)
	}
}

func TestDeriveProjectIDLegacyZeroPads(t *testing.T) {
	protocol, id := deriveProjectID("spir-126-fix-thing")
	if protocol != "spir" || id != "0126" {
		t.Fatalf("deriveProjectID=(%q,%q), want (spir,0126)", protocol, id)
	}
}

func TestDeriveProjectIDGenericKeepsPrefix(t *testing.T) {
	protocol, id := deriveProjectID("bugfix-296-oops")
	if protocol != "bugfix" || id != "bugfix-296" {
		t.Fatalf("deriveProjectID=(%q,%q), want (bugfix,bugfix-296)", protocol, id)
	}
}
