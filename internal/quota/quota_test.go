package quota

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BZM2000/ai-toolkit/pkg/models"
)

func ptr(v int64) *int64 { return &v }

func TestEvaluateTokenBudget(t *testing.T) {
	tests := []struct {
		name     string
		snapshot models.UsageSnapshot
		req      Request
		wantKind Kind
	}{
		{
			name:     "under budget admits",
			snapshot: models.UsageSnapshot{Tokens: 500, TokenBudget: ptr(1000)},
			req:      Request{EstimatedTokens: 400},
		},
		{
			name:     "projection exactly at budget admits",
			snapshot: models.UsageSnapshot{Tokens: 600, TokenBudget: ptr(1000)},
			req:      Request{EstimatedTokens: 400},
		},
		{
			name:     "projection over budget rejects",
			snapshot: models.UsageSnapshot{Tokens: 700, TokenBudget: ptr(1000)},
			req:      Request{EstimatedTokens: 301},
			wantKind: KindTokensExceeded,
		},
		{
			name:     "already over budget rejects even with zero estimate",
			snapshot: models.UsageSnapshot{Tokens: 1200, TokenBudget: ptr(1000)},
			req:      Request{},
			wantKind: KindTokensExceeded,
		},
		{
			name:     "nil budget means unlimited",
			snapshot: models.UsageSnapshot{Tokens: 1 << 40},
			req:      Request{EstimatedTokens: 1 << 40},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Evaluate(tt.snapshot, tt.req)
			if tt.wantKind == "" {
				assert.NoError(t, err)
				return
			}
			var admErr *AdmissionError
			require.ErrorAs(t, err, &admErr)
			assert.Equal(t, tt.wantKind, admErr.Kind)
			assert.NotEmpty(t, admErr.Message)
		})
	}
}

func TestEvaluateUnitCap(t *testing.T) {
	snap := models.UsageSnapshot{Units: 8, UnitCap: ptr(10)}

	assert.NoError(t, Evaluate(snap, Request{Units: 2}))

	err := Evaluate(snap, Request{Units: 3})
	var admErr *AdmissionError
	require.ErrorAs(t, err, &admErr)
	assert.Equal(t, KindUnitsExceeded, admErr.Kind)
	assert.Equal(t, int64(8), admErr.Used)
	assert.Equal(t, int64(10), admErr.Limit)
}

func TestEvaluateTokenCheckPrecedesUnitCheck(t *testing.T) {
	snap := models.UsageSnapshot{
		Tokens: 2000, TokenBudget: ptr(1000),
		Units: 99, UnitCap: ptr(10),
	}
	err := Evaluate(snap, Request{Units: 1})
	var admErr *AdmissionError
	require.ErrorAs(t, err, &admErr)
	assert.Equal(t, KindTokensExceeded, admErr.Kind)
}

func TestEvaluateMonotonicity(t *testing.T) {
	// If a request is rejected, any larger request against the same snapshot
	// must also be rejected.
	snap := models.UsageSnapshot{Tokens: 900, TokenBudget: ptr(1000), Units: 5, UnitCap: ptr(10)}
	base := Request{EstimatedTokens: 200, Units: 2}
	require.Error(t, Evaluate(snap, base))

	for _, bigger := range []Request{
		{EstimatedTokens: 300, Units: 2},
		{EstimatedTokens: 200, Units: 6},
		{EstimatedTokens: 500, Units: 6},
	} {
		assert.Error(t, Evaluate(snap, bigger))
	}
}
