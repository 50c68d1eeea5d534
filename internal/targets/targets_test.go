package targets

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crowdchain/escrow-backend/internal/errs"
	"crowdchain/escrow-backend/internal/mirror"
)

func milestones(amounts ...string) []mirror.Milestone {
	out := make([]mirror.Milestone, len(amounts))
	for i, a := range amounts {
		out[i] = mirror.Milestone{Position: i, Target: decimal.RequireFromString(a)}
	}
	return out
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestCumulativeTarget(t *testing.T) {
	ms := milestones("5", "10", "8")

	expected := []string{"5", "15", "23"}
	for i, want := range expected {
		got, err := CumulativeTarget(ms, i)
		require.NoError(t, err)
		assert.True(t, dec(want).Equal(got), "position %d: want %s got %s", i, want, got)
	}

	all := CumulativeTargets(ms)
	require.Len(t, all, 3)
	assert.True(t, dec("23").Equal(all[2]))
}

func TestCumulativeTargetOutOfRange(t *testing.T) {
	ms := milestones("5")

	_, err := CumulativeTarget(ms, 1)
	assert.True(t, errs.Is(err, errs.KindNotFound))

	_, err = CumulativeTarget(ms, -1)
	assert.True(t, errs.Is(err, errs.KindNotFound))
}

func TestCumulativeTargetMonotonic(t *testing.T) {
	ms := milestones("0.5", "1.25", "0.001", "3", "0.75", "10")

	prev := decimal.Zero
	sum := decimal.Zero
	for i := range ms {
		got, err := CumulativeTarget(ms, i)
		require.NoError(t, err)
		sum = sum.Add(ms[i].Target)
		assert.True(t, got.GreaterThanOrEqual(prev))
		assert.True(t, got.Equal(sum))
		prev = got
	}
}

func TestProgress(t *testing.T) {
	tests := []struct {
		name   string
		raised string
		target string
		want   string
	}{
		{"half", "5", "10", "0.5"},
		{"exact", "10", "10", "1"},
		{"capped", "25", "10", "1"},
		{"zero target", "5", "0", "0"},
		{"nothing raised", "0", "10", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Progress(dec(tt.raised), dec(tt.target))
			assert.True(t, dec(tt.want).Equal(got), "want %s got %s", tt.want, got)
		})
	}
}

func TestIsReachedScenario(t *testing.T) {
	campaign := &mirror.Campaign{Raised: dec("15"), Milestones: milestones("5", "10", "8")}

	first, err := Evaluate(campaign, 1)
	require.NoError(t, err)
	assert.True(t, first.Reached)
	assert.True(t, dec("15").Equal(first.CumulativeTarget))

	second, err := Evaluate(campaign, 2)
	require.NoError(t, err)
	assert.False(t, second.Reached)
	assert.True(t, dec("23").Equal(second.CumulativeTarget))
	assert.True(t, second.Progress.LessThan(decimal.NewFromInt(1)))
}

func TestValidateMilestones(t *testing.T) {
	assert.NoError(t, ValidateMilestones(dec("23"), milestones("5", "10", "8")))

	err := ValidateMilestones(dec("20"), milestones("5", "10", "8"))
	assert.True(t, errs.Is(err, errs.KindInvalidInput))

	err = ValidateMilestones(dec("5"), milestones("5", "0"))
	assert.True(t, errs.Is(err, errs.KindInvalidInput))

	err = ValidateMilestones(dec("5"), nil)
	assert.True(t, errs.Is(err, errs.KindInvalidInput))

	err = ValidateMilestones(decimal.Zero, milestones("1"))
	assert.True(t, errs.Is(err, errs.KindInvalidInput))
}
