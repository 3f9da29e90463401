package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/BZM2000/ai-toolkit/internal/store"
	"github.com/BZM2000/ai-toolkit/pkg/models"
)

// Kind classifies which limit an admission check tripped.
type Kind string

const (
	KindTokensExceeded Kind = "tokens_exceeded"
	KindUnitsExceeded  Kind = "units_exceeded"
)

// AdmissionError reports a rejected submission. The message is written for
// end users and is safe to return verbatim from the API.
type AdmissionError struct {
	Kind    Kind
	Used    int64
	Limit   int64
	Message string
}

func (e *AdmissionError) Error() string { return e.Message }

// Request describes what a submission would consume if admitted.
type Request struct {
	// EstimatedTokens is a projection of the job's token cost, added to the
	// window sum before comparing against the budget. Zero means no
	// projection is available.
	EstimatedTokens int64
	// Units is the number of billable units the job carries (documents,
	// manuscripts, grading runs).
	Units int64
}

// Evaluate decides admission from a usage snapshot. It is a pure function:
// the store loads the snapshot inside the submission transaction and passes
// it here, so the check and the inserts see the same ledger state. Two
// concurrent submissions can both pass; the window sum catches the overshoot
// on the next submission.
func Evaluate(snapshot models.UsageSnapshot, req Request) error {
	if snapshot.TokenBudget != nil {
		projected := snapshot.Tokens + req.EstimatedTokens
		if projected > *snapshot.TokenBudget {
			return &AdmissionError{
				Kind:  KindTokensExceeded,
				Used:  snapshot.Tokens,
				Limit: *snapshot.TokenBudget,
				Message: fmt.Sprintf(
					"token budget exhausted: %d of %d tokens used in the current 7-day window",
					snapshot.Tokens, *snapshot.TokenBudget),
			}
		}
	}
	if snapshot.UnitCap != nil {
		if snapshot.Units+req.Units > *snapshot.UnitCap {
			return &AdmissionError{
				Kind:  KindUnitsExceeded,
				Used:  snapshot.Units,
				Limit: *snapshot.UnitCap,
				Message: fmt.Sprintf(
					"usage cap reached for this tool: %d of %d units used",
					snapshot.Units, *snapshot.UnitCap),
			}
		}
	}
	return nil
}

// Admit adapts a Request into the store's admission callback.
func Admit(req Request) store.AdmitFunc {
	return func(snapshot models.UsageSnapshot) error {
		return Evaluate(snapshot, req)
	}
}

// Recorder appends usage events to the ledger.
type Recorder struct {
	store store.Store
}

func NewRecorder(st store.Store) *Recorder {
	return &Recorder{store: st}
}

// Record appends one usage event. Negative values are clamped to zero so a
// misbehaving provider response can never shrink the ledger.
func (r *Recorder) Record(ctx context.Context, userID uuid.UUID, moduleKey string, tokens, units int64) error {
	if tokens < 0 {
		tokens = 0
	}
	if units < 0 {
		units = 0
	}
	event := &models.UsageEvent{
		ID:         uuid.New(),
		UserID:     userID,
		ModuleKey:  moduleKey,
		Tokens:     tokens,
		Units:      units,
		OccurredAt: time.Now().UTC(),
	}
	if err := r.store.InsertUsageEvent(ctx, event); err != nil {
		return fmt.Errorf("recording usage: %w", err)
	}
	return nil
}
