package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/BZM2000/ai-toolkit/internal/retry"
	"github.com/BZM2000/ai-toolkit/pkg/models"
)

// ItemSpec declares one unit of work at planning time. Ordinals are unique
// within a round; rounds execute in ascending order.
type ItemSpec struct {
	Round   int
	Ordinal int
	Label   string
}

// Plan is the output of a module's planning step: the item layout plus the
// quota projection for admission.
type Plan struct {
	Items           []ItemSpec
	EstimatedTokens int64
	Units           int64
	StatusDetail    string
}

// ItemContext is passed to a runner for each item attempt.
type ItemContext struct {
	Job     *models.Job
	Item    *models.JobItem
	Attempt int
	// Prior holds the in-memory outputs of items from earlier rounds,
	// keyed by round then ordinal. Later rounds read their inputs here.
	Prior map[int]map[int]string
}

// ItemResult is the output of one successful item attempt.
type ItemResult struct {
	// Output is the item's in-memory text, available to later rounds and
	// to Finalize.
	Output string
	// OutputPath, when set, is the artifact written for this item,
	// relative to the storage root.
	OutputPath string
	Detail     string
	Tokens     int64
}

// FinalizeContext is passed to a runner after all rounds have settled.
type FinalizeContext struct {
	Job     *models.Job
	Items   []*models.JobItem
	Outputs map[int]map[int]string
}

// FinalizeResult is the job-level output assembled from item results.
type FinalizeResult struct {
	OutputPath string
	Detail     string
}

// Runner is implemented once per tool module. Plan lays out the items at
// submission time, RunItem executes one attempt, and Finalize assembles the
// job-level artifact after the last round.
type Runner interface {
	Plan(ctx context.Context, job *models.Job) (*Plan, error)
	RunItem(ctx context.Context, ic ItemContext) (*ItemResult, error)
	Finalize(ctx context.Context, fc FinalizeContext) (*FinalizeResult, error)
}

// ThresholdFunc decides the job's terminal status purely from its items'
// terminal statuses: true means completed.
type ThresholdFunc func(items []*models.JobItem) bool

// AllMustSucceed completes the job only when every item succeeded.
func AllMustSucceed() ThresholdFunc {
	return func(items []*models.JobItem) bool {
		for _, it := range items {
			if it.Status != models.JobStatusCompleted {
				return false
			}
		}
		return true
	}
}

// AtLeast completes the job when n or more items succeeded.
func AtLeast(n int) ThresholdFunc {
	return func(items []*models.JobItem) bool {
		succeeded := 0
		for _, it := range items {
			if it.Status == models.JobStatusCompleted {
				succeeded++
			}
		}
		return succeeded >= n
	}
}

// AtLeastInRound completes the job when n or more items in the given round
// succeeded; items in other rounds may fail freely.
func AtLeastInRound(round, n int) ThresholdFunc {
	return func(items []*models.JobItem) bool {
		succeeded := 0
		for _, it := range items {
			if it.Round == round && it.Status == models.JobStatusCompleted {
				succeeded++
			}
		}
		return succeeded >= n
	}
}

// AllInRounds completes the job only when every item in the named rounds
// succeeded; items in other rounds may fail freely.
func AllInRounds(rounds ...int) ThresholdFunc {
	required := make(map[int]bool, len(rounds))
	for _, r := range rounds {
		required[r] = true
	}
	return func(items []*models.JobItem) bool {
		for _, it := range items {
			if required[it.Round] && it.Status != models.JobStatusCompleted {
				return false
			}
		}
		return true
	}
}

// RoundGateFunc inspects a completed round and may abort the job before the
// next round starts. The returned error becomes the job's error message.
type RoundGateFunc func(round, succeeded, failed int) error

// MinSuccessesInRound gates on round carrying at least min successes.
func MinSuccessesInRound(round, min int) RoundGateFunc {
	return func(r, succeeded, _ int) error {
		if r == round && succeeded < min {
			return fmt.Errorf("round %d produced %d usable results, need at least %d", r, succeeded, min)
		}
		return nil
	}
}

// Module binds a tool's key and retry policy to its runner. The numeric
// knobs mirror what each tool demands of its provider calls.
type Module struct {
	Key       string
	Label     string
	UnitLabel string

	// AttemptCap bounds provider attempts per item.
	AttemptCap int
	// ConcurrencyCap bounds simultaneously running items within a round.
	ConcurrencyCap int
	// RetryDelay paces attempts within one item.
	RetryDelay retry.DelayFunc
	// Threshold maps item outcomes to the job's terminal status.
	Threshold ThresholdFunc
	// RoundGate, when set, may abort the job between rounds.
	RoundGate RoundGateFunc

	Runner Runner
}

func (m *Module) validate() error {
	if m.Key == "" {
		return fmt.Errorf("module key is required")
	}
	if m.Runner == nil {
		return fmt.Errorf("module %s: runner is required", m.Key)
	}
	if m.AttemptCap < 1 {
		return fmt.Errorf("module %s: attempt cap must be at least 1", m.Key)
	}
	if m.ConcurrencyCap < 1 {
		return fmt.Errorf("module %s: concurrency cap must be at least 1", m.Key)
	}
	if m.Threshold == nil {
		return fmt.Errorf("module %s: threshold is required", m.Key)
	}
	if m.RetryDelay == nil {
		m.RetryDelay = retry.Fixed(time.Second)
	}
	return nil
}

// Registry holds the installed modules. It is populated once at startup and
// read-only afterwards.
type Registry struct {
	modules map[string]*Module
}

func NewRegistry(modules ...*Module) (*Registry, error) {
	r := &Registry{modules: make(map[string]*Module, len(modules))}
	for _, m := range modules {
		if err := m.validate(); err != nil {
			return nil, err
		}
		if _, exists := r.modules[m.Key]; exists {
			return nil, fmt.Errorf("duplicate module key %q", m.Key)
		}
		r.modules[m.Key] = m
	}
	return r, nil
}

func (r *Registry) Get(key string) (*Module, bool) {
	m, ok := r.modules[key]
	return m, ok
}

// Keys returns the installed module keys in sorted order.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.modules))
	for k := range r.modules {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// All returns the installed modules sorted by key.
func (r *Registry) All() []*Module {
	out := make([]*Module, 0, len(r.modules))
	for _, k := range r.Keys() {
		out = append(out, r.modules[k])
	}
	return out
}
