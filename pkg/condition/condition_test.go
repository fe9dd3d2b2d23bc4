package condition_test

import (
	"testing"

	"github.com/ignatij/leadflow/pkg/condition"
	"github.com/ignatij/leadflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name   string
		config map[string]any
		ctx    map[string]any
		forced bool
		want   condition.Outcome
	}{
		{
			name:   "EqualsAliasMatches",
			config: map[string]any{"field": "status", "operator": "==", "value": "booked"},
			ctx:    map[string]any{"status": "booked"},
			want:   condition.Outcome{Kind: condition.Matched, Label: "yes"},
		},
		{
			name:   "EqualsMismatch",
			config: map[string]any{"field": "status", "operator": "==", "value": "booked"},
			ctx:    map[string]any{"status": "new"},
			want:   condition.Outcome{Kind: condition.NoMatch, Label: "no"},
		},
		{
			name:   "EqualsIgnoresCase",
			config: map[string]any{"field": "status", "operator": "equals", "value": "Booked"},
			ctx:    map[string]any{"status": " booked "},
			want:   condition.Outcome{Kind: condition.Matched, Label: "yes"},
		},
		{
			name:   "NotEquals",
			config: map[string]any{"field": "status", "operator": "!=", "value": "booked"},
			ctx:    map[string]any{"status": "lost"},
			want:   condition.Outcome{Kind: condition.Matched, Label: "yes"},
		},
		{
			name:   "ContainsFreeText",
			config: map[string]any{"field": "response", "operator": "contains", "value": "yes"},
			ctx:    map[string]any{"response": "Yes, please, call me"},
			want:   condition.Outcome{Kind: condition.Matched, Label: "yes"},
		},
		{
			name:   "ContainsInList",
			config: map[string]any{"field": "callIntents", "operator": "contains", "value": "brochure"},
			ctx:    map[string]any{"callIntents": []any{"pricing", "Brochure"}},
			want:   condition.Outcome{Kind: condition.Matched, Label: "yes"},
		},
		{
			name:   "GreaterThanNumericString",
			config: map[string]any{"field": "score", "operator": ">", "value": "50"},
			ctx:    map[string]any{"score": 72.0},
			want:   condition.Outcome{Kind: condition.Matched, Label: "yes"},
		},
		{
			name:   "LessThanNonNumeric",
			config: map[string]any{"field": "score", "operator": "<", "value": 10},
			ctx:    map[string]any{"score": "high"},
			want:   condition.Outcome{Kind: condition.NoMatch, Label: "no"},
		},
		{
			name:   "InCommaList",
			config: map[string]any{"field": "callOutcome", "operator": "in", "value": "interested, callback"},
			ctx:    map[string]any{"callOutcome": "callback"},
			want:   condition.Outcome{Kind: condition.Matched, Label: "yes"},
		},
		{
			name:   "InValuesArray",
			config: map[string]any{"field": "callOutcome", "operator": "in", "values": []any{"interested", "wants_brochure"}},
			ctx:    map[string]any{"callOutcome": "no_answer"},
			want:   condition.Outcome{Kind: condition.NoMatch, Label: "no"},
		},
		{
			name:   "InSingleScalar",
			config: map[string]any{"field": "callOutcome", "operator": "in", "value": "interested"},
			ctx:    map[string]any{"callOutcome": "Interested"},
			want:   condition.Outcome{Kind: condition.Matched, Label: "yes"},
		},
		{
			name:   "NotIn",
			config: map[string]any{"field": "callOutcome", "operator": "not in", "value": []any{"interested"}},
			ctx:    map[string]any{"callOutcome": "voicemail"},
			want:   condition.Outcome{Kind: condition.Matched, Label: "yes"},
		},
		{
			name:   "ExistsNestedPath",
			config: map[string]any{"field": "lead.email", "operator": "exists"},
			ctx:    map[string]any{"lead": map[string]any{"email": "a@b.c"}},
			want:   condition.Outcome{Kind: condition.Matched, Label: "yes"},
		},
		{
			name:   "AbsentWithoutTimeoutComparesEmpty",
			config: map[string]any{"field": "response", "operator": "equals", "value": "yes"},
			ctx:    map[string]any{},
			want:   condition.Outcome{Kind: condition.NoMatch, Label: "no"},
		},
		{
			name: "AbsentWithTimeoutIsPending",
			config: map[string]any{"field": "response", "operator": "equals", "value": "yes",
				"timeout": map[string]any{"duration": 24, "unit": "h"}},
			ctx:  map[string]any{},
			want: condition.Outcome{Kind: condition.Pending},
		},
		{
			name: "AbsentWithTimeoutForcedTimesOut",
			config: map[string]any{"field": "response", "operator": "equals", "value": "yes",
				"timeout": map[string]any{"duration": 24, "unit": "h"}},
			ctx:    map[string]any{},
			forced: true,
			want:   condition.Outcome{Kind: condition.TimedOut, Label: "timeout"},
		},
		{
			name: "PresentWinsOverForcedTimeout",
			config: map[string]any{"field": "response", "operator": "equals", "value": "yes",
				"timeout": map[string]any{"duration": 24, "unit": "h"}},
			ctx:    map[string]any{"response": "yes"},
			forced: true,
			want:   condition.Outcome{Kind: condition.Matched, Label: "yes"},
		},
		{
			name:   "CustomLabels",
			config: map[string]any{"field": "status", "operator": "eq", "value": "won", "trueLabel": "won", "falseLabel": "other"},
			ctx:    map[string]any{"status": "lost"},
			want:   condition.Outcome{Kind: condition.NoMatch, Label: "other"},
		},
		{
			name:   "SwitchUsesValueAsLabel",
			config: map[string]any{"field": "responseType", "operator": "switch", "branches": []any{"interested", "not_now"}},
			ctx:    map[string]any{"responseType": "Interested"},
			want:   condition.Outcome{Kind: condition.Matched, Label: "interested"},
		},
		{
			name:   "SwitchKeepsBranchSpelling",
			config: map[string]any{"field": "callOutcome", "operator": "switch", "branches": []any{"Site_Visit", "later"}},
			ctx:    map[string]any{"callOutcome": "site_visit"},
			want:   condition.Outcome{Kind: condition.Matched, Label: "Site_Visit"},
		},
		{
			name:   "SwitchWithoutBranchesKeepsValue",
			config: map[string]any{"field": "callOutcome", "operator": "switch"},
			ctx:    map[string]any{"callOutcome": " Site_Visit "},
			want:   condition.Outcome{Kind: condition.Matched, Label: "Site_Visit"},
		},
		{
			name:   "SwitchUnknownBranch",
			config: map[string]any{"field": "responseType", "operator": "switch", "branches": []any{"interested"}},
			ctx:    map[string]any{"responseType": "spam"},
			want:   condition.Outcome{Kind: condition.NoMatch, Label: "no"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := condition.Resolve(tt.config, tt.ctx, tt.forced)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveInvalidConfig(t *testing.T) {
	_, err := condition.Resolve(map[string]any{"operator": "equals"}, nil, false)
	assert.Error(t, err)

	_, err = condition.Resolve(map[string]any{"field": "x", "operator": "matches"}, nil, false)
	assert.ErrorIs(t, err, condition.ErrUnknownOperator)
}

func TestSelectEdge(t *testing.T) {
	edges := []models.Edge{
		{ID: "e1", Source: "c", Target: "a", SourceHandle: "yes"},
		{ID: "e2", Source: "c", Target: "b", SourceHandle: "no"},
	}

	t.Run("ExactLabel", func(t *testing.T) {
		e, err := condition.SelectEdge(edges, condition.Outcome{Kind: condition.Matched, Label: "yes"})
		require.NoError(t, err)
		assert.Equal(t, "a", e.Target)
	})

	t.Run("TimeoutFallsBackToNo", func(t *testing.T) {
		e, err := condition.SelectEdge(edges, condition.Outcome{Kind: condition.TimedOut, Label: "timeout"})
		require.NoError(t, err)
		assert.Equal(t, "b", e.Target)
	})

	t.Run("TimeoutEdgePreferred", func(t *testing.T) {
		withTimeout := append([]models.Edge{{ID: "e3", Source: "c", Target: "t", SourceHandle: "timeout"}}, edges...)
		e, err := condition.SelectEdge(withTimeout, condition.Outcome{Kind: condition.TimedOut, Label: "timeout"})
		require.NoError(t, err)
		assert.Equal(t, "t", e.Target)
	})

	t.Run("DefaultBeforeNo", func(t *testing.T) {
		switchEdges := []models.Edge{
			{ID: "e1", Source: "c", Target: "i", SourceHandle: "interested"},
			{ID: "e2", Source: "c", Target: "d", SourceHandle: "default"},
		}
		e, err := condition.SelectEdge(switchEdges, condition.Outcome{Kind: condition.Matched, Label: "not_now"})
		require.NoError(t, err)
		assert.Equal(t, "d", e.Target)
	})

	t.Run("MixedCaseHandle", func(t *testing.T) {
		switchEdges := []models.Edge{
			{ID: "e1", Source: "c", Target: "v", SourceHandle: "Site_Visit"},
			{ID: "e2", Source: "c", Target: "n", SourceHandle: "no"},
		}
		out, err := condition.Resolve(map[string]any{"field": "callOutcome", "operator": "switch"},
			map[string]any{"callOutcome": "Site_Visit"}, false)
		require.NoError(t, err)
		e, err := condition.SelectEdge(switchEdges, out)
		require.NoError(t, err)
		assert.Equal(t, "v", e.Target)
	})

	t.Run("NoEdge", func(t *testing.T) {
		only := []models.Edge{{ID: "e1", Source: "c", Target: "a", SourceHandle: "yes"}}
		_, err := condition.SelectEdge(only, condition.Outcome{Kind: condition.NoMatch, Label: "no"})
		assert.ErrorIs(t, err, condition.ErrNoEdge)
	})

	t.Run("PendingRejected", func(t *testing.T) {
		_, err := condition.SelectEdge(edges, condition.Outcome{Kind: condition.Pending})
		assert.Error(t, err)
	})
}

func TestOutcomes(t *testing.T) {
	assert.Equal(t, []string{"yes", "no", "timeout"}, condition.Outcomes(map[string]any{
		"field": "response", "operator": "exists",
		"timeout": map[string]any{"duration": 1, "unit": "d"},
	}))
	assert.Equal(t, []string{"interested", "not_now", "no"}, condition.Outcomes(map[string]any{
		"field": "responseType", "operator": "switch", "branches": "interested,not_now",
	}))
	assert.Equal(t, []string{"Site_Visit", "no"}, condition.Outcomes(map[string]any{
		"field": "callOutcome", "operator": "switch", "branches": []any{"Site_Visit"},
	}))
}
