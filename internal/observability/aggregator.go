package observability

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/maestro-ai/maestro/internal/core"
)

// DefaultMaxUnresolved caps the unresolved error set.
const DefaultMaxUnresolved = 100

// fingerprintPrefixLen is how much of the message participates in the
// fingerprint; the tail often carries per-occurrence noise.
const fingerprintPrefixLen = 100

// Severity buckets aggregated errors for the handoff brief.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

var severityByType = map[string]Severity{
	core.ErrTypeBudgetExceeded:     SeverityCritical,
	core.ErrTypeBudgetLimitReached: SeverityCritical,
	core.ErrTypeSecurityGate:       SeverityCritical,
	core.ErrTypeAutonomousAbort:    SeverityHigh,
	core.ErrTypeUserAbort:          SeverityHigh,
	core.ErrTypeVerificationFailed: SeverityHigh,
	core.ErrTypeTaskFailed:         SeverityHigh,
	core.ErrTypeDependencyDeadlock: SeverityHigh,
	core.ErrTypeImplementation:     SeverityMedium,
	core.ErrTypeValidationFailed:   SeverityMedium,
	core.ErrTypeQualityGate:        SeverityMedium,
	core.ErrTypeWorktree:           SeverityMedium,
	core.ErrTypeTestFailure:        SeverityMedium,
}

func severityFor(errorType string) Severity {
	if s, ok := severityByType[errorType]; ok {
		return s
	}
	return SeverityLow
}

// AggregatedError is one deduplicated error with occurrence tracking.
type AggregatedError struct {
	Fingerprint     string      `json:"fingerprint"`
	ErrorType       string      `json:"error_type"`
	Message         string      `json:"message"`
	Phase           core.Phase  `json:"phase"`
	Agent           string      `json:"agent,omitempty"`
	TaskID          core.TaskID `json:"task_id,omitempty"`
	Severity        Severity    `json:"severity"`
	OccurrenceCount int         `json:"occurrence_count"`
	FirstSeen       time.Time   `json:"first_seen"`
	LastSeen        time.Time   `json:"last_seen"`
	Resolution      string      `json:"resolution,omitempty"`
	ResolvedAt      *time.Time  `json:"resolved_at,omitempty"`
}

// Aggregator deduplicates errors by fingerprint and bounds the unresolved
// set. Safe for concurrent use.
type Aggregator struct {
	maxUnresolved int

	mu         sync.Mutex
	unresolved map[string]*AggregatedError
	resolved   []*AggregatedError
}

// NewAggregator creates an aggregator. maxUnresolved <= 0 uses the default.
func NewAggregator(maxUnresolved int) *Aggregator {
	if maxUnresolved <= 0 {
		maxUnresolved = DefaultMaxUnresolved
	}
	return &Aggregator{
		maxUnresolved: maxUnresolved,
		unresolved:    make(map[string]*AggregatedError),
	}
}

// Fingerprint hashes the identity of an error occurrence.
func Fingerprint(errorType, message string, phase core.Phase, agent string, taskID core.TaskID) string {
	prefix := message
	if len(prefix) > fingerprintPrefixLen {
		prefix = prefix[:fingerprintPrefixLen]
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.Join([]string{
		errorType, prefix, fmt.Sprintf("%d", phase), agent, string(taskID),
	}, "|")))
	return fmt.Sprintf("%016x", h.Sum64())
}

// Record adds an occurrence, deduplicating against unresolved errors with
// the same fingerprint.
func (a *Aggregator) Record(errorType, message string, phase core.Phase, agent string, taskID core.TaskID) *AggregatedError {
	fp := Fingerprint(errorType, message, phase, agent, taskID)
	now := time.Now()

	a.mu.Lock()
	defer a.mu.Unlock()

	if existing, ok := a.unresolved[fp]; ok {
		existing.OccurrenceCount++
		existing.LastSeen = now
		return existing
	}

	agg := &AggregatedError{
		Fingerprint:     fp,
		ErrorType:       errorType,
		Message:         message,
		Phase:           phase,
		Agent:           agent,
		TaskID:          taskID,
		Severity:        severityFor(errorType),
		OccurrenceCount: 1,
		FirstSeen:       now,
		LastSeen:        now,
	}
	a.unresolved[fp] = agg
	a.pruneLocked()
	return agg
}

// pruneLocked drops the oldest quarter by first_seen when over capacity.
func (a *Aggregator) pruneLocked() {
	if len(a.unresolved) <= a.maxUnresolved {
		return
	}
	all := make([]*AggregatedError, 0, len(a.unresolved))
	for _, e := range a.unresolved {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].FirstSeen.Before(all[j].FirstSeen) })
	drop := len(all) / 4
	if drop < 1 {
		drop = 1
	}
	for _, e := range all[:drop] {
		delete(a.unresolved, e.Fingerprint)
	}
}

// Resolve marks an unresolved error fixed and moves it out of the
// unresolved set.
func (a *Aggregator) Resolve(fingerprint, resolution string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.unresolved[fingerprint]
	if !ok {
		return false
	}
	now := time.Now()
	e.Resolution = resolution
	e.ResolvedAt = &now
	delete(a.unresolved, fingerprint)
	a.resolved = append(a.resolved, e)
	return true
}

// Unresolved returns open errors, most recent first.
func (a *Aggregator) Unresolved() []*AggregatedError {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*AggregatedError, 0, len(a.unresolved))
	for _, e := range a.unresolved {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	return out
}

// Resolved returns errors the fixer has closed.
func (a *Aggregator) Resolved() []*AggregatedError {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*AggregatedError(nil), a.resolved...)
}
