package overview

import (
	"context"
	"sync"
	"time"
)

type overviewEntry struct {
	root      string
	result    OverviewResult
	fetchedAt time.Time
}

type analyticsEntry struct {
	root      string
	rangeLabel string
	result    AnalyticsResult
	fetchedAt time.Time
}

// Aggregator computes and caches the overview and analytics projections.
// Grounded on the teacher's double-checked-locking TTL cache in
// internal/container/discovery.go, narrowed here to a single cache slot per
// projection kind — switching workspace roots naturally invalidates the
// prior slot, matching spec.md §4.6's "switching to a different workspace
// root invalidates the cache for the old root".
type Aggregator struct {
	tracker       *IssueTracker
	store         ConsultationSource
	overviewTTL   time.Duration
	analyticsTTL  time.Duration

	mu        sync.Mutex
	overview  *overviewEntry
	analytics *analyticsEntry
}

// ConsultationSource is the narrow surface the analytics aggregator needs
// from the consultation metrics database.
type ConsultationSource interface {
	ConsultationSummary(workspacePath string, since time.Time) (int, error)
}

// New constructs an Aggregator. overviewTTL/analyticsTTL of zero fall back
// to spec.md §4.6's 30s default.
func New(tracker *IssueTracker, store ConsultationSource, overviewTTL, analyticsTTL time.Duration) *Aggregator {
	if overviewTTL <= 0 {
		overviewTTL = 30 * time.Second
	}
	if analyticsTTL <= 0 {
		analyticsTTL = 30 * time.Second
	}
	return &Aggregator{tracker: tracker, store: store, overviewTTL: overviewTTL, analyticsTTL: analyticsTTL}
}

// sourceFetch runs one issue-tracker call and records its error under key,
// leaving the zero value in place on failure so partial results still
// render.
func sourceFetch[T any](errs map[string]string, mu *sync.Mutex, key string, fn func() (T, error)) T {
	var zero T
	v, err := fn()
	if err != nil {
		mu.Lock()
		errs[key] = err.Error()
		mu.Unlock()
		return zero
	}
	return v
}

// Overview computes (or returns a cached) overview projection for
// workspaceRoot. refresh bypasses the cache.
func (a *Aggregator) Overview(ctx context.Context, workspaceRoot string, refresh bool) OverviewResult {
	if !refresh {
		a.mu.Lock()
		cached := a.overview
		a.mu.Unlock()
		if cached != nil && cached.root == workspaceRoot && time.Since(cached.fetchedAt) < a.overviewTTL {
			return cached.result
		}
	}

	result := a.computeOverview(ctx, workspaceRoot)

	// Only cache a result with no fetch errors; a failed fetch must not be
	// cached, per spec.md §4.6.
	if len(result.Errors) == 0 {
		a.mu.Lock()
		a.overview = &overviewEntry{root: workspaceRoot, result: result, fetchedAt: time.Now()}
		a.mu.Unlock()
	}
	return result
}

func (a *Aggregator) computeOverview(ctx context.Context, workspaceRoot string) OverviewResult {
	errs := make(map[string]string)
	var errMu sync.Mutex
	var wg sync.WaitGroup

	var pendingPRs []PR
	var backlog []Issue
	var recentlyClosed []Issue
	var recentlyMerged []PR

	// spec.md §4.6 scenario 5 names the error-map keys "prs"/"issues",
	// deliberately distinct from the response fields they degrade
	// (PendingPRs/Backlog) — collapsing them to match the field names
	// breaks the client's ability to distinguish which source failed.
	wg.Add(4)
	go func() {
		defer wg.Done()
		pendingPRs = sourceFetch(errs, &errMu, "prs", func() ([]PR, error) {
			return a.tracker.PendingPRs(ctx, workspaceRoot)
		})
	}()
	go func() {
		defer wg.Done()
		backlog = sourceFetch(errs, &errMu, "issues", func() ([]Issue, error) {
			return a.tracker.OpenIssues(ctx, workspaceRoot)
		})
	}()
	go func() {
		defer wg.Done()
		recentlyClosed = sourceFetch(errs, &errMu, "recentlyClosed", func() ([]Issue, error) {
			return a.tracker.RecentlyClosed(ctx, workspaceRoot)
		})
	}()
	go func() {
		defer wg.Done()
		recentlyMerged = sourceFetch(errs, &errMu, "recentlyMerged", func() ([]PR, error) {
			return a.tracker.RecentlyMerged(ctx, workspaceRoot)
		})
	}()
	wg.Wait()

	builders := discoverBuilders(workspaceRoot, time.Now())

	// A failed fetch must still serialize as [], not null — per spec.md
	// §4.6 scenario 5.
	if builders == nil {
		builders = []BuilderSummary{}
	}
	if pendingPRs == nil {
		pendingPRs = []PR{}
	}
	if backlog == nil {
		backlog = []Issue{}
	}
	if recentlyClosed == nil {
		recentlyClosed = []Issue{}
	}
	if recentlyMerged == nil {
		recentlyMerged = []PR{}
	}

	result := OverviewResult{
		Builders:       builders,
		PendingPRs:     pendingPRs,
		Backlog:        backlog,
		RecentlyClosed: recentlyClosed,
		RecentlyMerged: recentlyMerged,
	}
	if len(errs) > 0 {
		result.Errors = errs
	}
	return result
}

// Analytics computes (or returns a cached) analytics summary for
// workspaceRoot and rangeLabel ("1"/"7"/"30"/"all"). refresh bypasses the
// cache.
func (a *Aggregator) Analytics(ctx context.Context, workspaceRoot, rangeLabel string, refresh bool) AnalyticsResult {
	if !refresh {
		a.mu.Lock()
		cached := a.analytics
		a.mu.Unlock()
		if cached != nil && cached.root == workspaceRoot && cached.rangeLabel == rangeLabel && time.Since(cached.fetchedAt) < a.analyticsTTL {
			return cached.result
		}
	}

	result := a.computeAnalytics(ctx, workspaceRoot, rangeLabel)

	if len(result.Errors) == 0 {
		a.mu.Lock()
		a.analytics = &analyticsEntry{root: workspaceRoot, rangeLabel: rangeLabel, result: result, fetchedAt: time.Now()}
		a.mu.Unlock()
	}
	return result
}

func (a *Aggregator) computeAnalytics(ctx context.Context, workspaceRoot, rangeLabel string) AnalyticsResult {
	errs := make(map[string]string)
	window := RangeWindow(rangeLabel)

	closed, err := a.tracker.ClosedInRange(ctx, workspaceRoot, window)
	if err != nil {
		errs["closed"] = err.Error()
	}
	merged, err := a.tracker.MergedInRange(ctx, workspaceRoot, window)
	if err != nil {
		errs["merged"] = err.Error()
	}

	bugsFixed := 0
	var bugCloseTotal time.Duration
	bugCloseCount := 0
	for _, issue := range closed {
		if !isBugIssue(issue) {
			continue
		}
		bugsFixed++
		if !issue.ClosedAt.IsZero() && !issue.CreatedAt.IsZero() {
			bugCloseTotal += issue.ClosedAt.Sub(issue.CreatedAt)
			bugCloseCount++
		}
	}

	var mergeTotal time.Duration
	mergeCount := 0
	for _, pr := range merged {
		if !pr.MergedAt.IsZero() && !pr.CreatedAt.IsZero() {
			mergeTotal += pr.MergedAt.Sub(pr.CreatedAt)
			mergeCount++
		}
	}

	consultations := 0
	if a.store != nil {
		since := rangeSince(rangeLabel)
		n, err := a.store.ConsultationSummary(workspaceRoot, since)
		if err != nil {
			errs["consultations"] = err.Error()
		} else {
			consultations = n
		}
	}

	result := AnalyticsResult{
		Range:         rangeLabel,
		ProjectCounts: projectCounts(workspaceRoot),
		BugsFixed:     bugsFixed,
		Consultations: consultations,
	}
	if mergeCount > 0 {
		result.AvgTimeToMergeSeconds = mergeTotal.Seconds() / float64(mergeCount)
	}
	if bugCloseCount > 0 {
		result.AvgBugTimeToCloseSeconds = bugCloseTotal.Seconds() / float64(bugCloseCount)
	}
	if len(errs) > 0 {
		result.Errors = errs
	}
	return result
}

// rangeSince converts a range label to an absolute cutoff time.
func rangeSince(rangeLabel string) time.Time {
	now := time.Now()
	switch rangeLabel {
	case "1":
		return now.Add(-24 * time.Hour)
	case "7":
		return now.Add(-7 * 24 * time.Hour)
	case "30":
		return now.Add(-30 * 24 * time.Hour)
	default:
		return time.Unix(0, 0)
	}
}
