// Package targets holds the milestone threshold arithmetic. Every caller
// that needs a cumulative target or a progress ratio goes through here.
package targets

import (
	"github.com/shopspring/decimal"

	"crowdchain/escrow-backend/internal/errs"
	"crowdchain/escrow-backend/internal/mirror"
)

var one = decimal.NewFromInt(1)

// CumulativeTarget returns the sum of milestone targets for positions 0..position.
func CumulativeTarget(milestones []mirror.Milestone, position int) (decimal.Decimal, error) {
	if position < 0 || position >= len(milestones) {
		return decimal.Zero, errs.New(errs.KindNotFound, "milestone position %d out of range (have %d)", position, len(milestones))
	}
	total := decimal.Zero
	for i := 0; i <= position; i++ {
		total = total.Add(milestones[i].Target)
	}
	return total, nil
}

// CumulativeTargets returns the cumulative target for every position
func CumulativeTargets(milestones []mirror.Milestone) []decimal.Decimal {
	out := make([]decimal.Decimal, len(milestones))
	total := decimal.Zero
	for i, m := range milestones {
		total = total.Add(m.Target)
		out[i] = total
	}
	return out
}

// Progress is min(raised/target, 1). A zero target yields zero progress.
func Progress(raised, cumulativeTarget decimal.Decimal) decimal.Decimal {
	if cumulativeTarget.Sign() <= 0 {
		return decimal.Zero
	}
	if raised.Sign() <= 0 {
		return decimal.Zero
	}
	ratio := raised.DivRound(cumulativeTarget, 8)
	if ratio.GreaterThan(one) {
		return one
	}
	return ratio
}

// IsReached reports raised >= cumulativeTarget
func IsReached(raised, cumulativeTarget decimal.Decimal) bool {
	return raised.GreaterThanOrEqual(cumulativeTarget)
}

// MilestoneProgress is the display view of one milestone's threshold
type MilestoneProgress struct {
	Position         int             `json:"position"`
	Target           decimal.Decimal `json:"target"`
	CumulativeTarget decimal.Decimal `json:"cumulative_target"`
	Raised           decimal.Decimal `json:"raised"`
	Progress         decimal.Decimal `json:"progress"`
	Reached          bool            `json:"reached"`
	Completed        bool            `json:"completed"`
}

// Evaluate computes the progress view of a milestone from the campaign's
// current milestone sequence and raised amount.
func Evaluate(campaign *mirror.Campaign, position int) (*MilestoneProgress, error) {
	cumulative, err := CumulativeTarget(campaign.Milestones, position)
	if err != nil {
		return nil, err
	}
	m := campaign.Milestones[position]
	return &MilestoneProgress{
		Position:         position,
		Target:           m.Target,
		CumulativeTarget: cumulative,
		Raised:           campaign.Raised,
		Progress:         Progress(campaign.Raised, cumulative),
		Reached:          IsReached(campaign.Raised, cumulative),
		Completed:        m.Completed,
	}, nil
}

// ValidateMilestones checks the creation-time rules: at least one milestone,
// every target positive, and targets summing exactly to the goal.
func ValidateMilestones(goal decimal.Decimal, milestones []mirror.Milestone) error {
	if goal.Sign() <= 0 {
		return errs.New(errs.KindInvalidInput, "goal must be positive")
	}
	if len(milestones) == 0 {
		return errs.New(errs.KindInvalidInput, "at least one milestone is required")
	}
	total := decimal.Zero
	for i, m := range milestones {
		if m.Target.Sign() <= 0 {
			return errs.New(errs.KindInvalidInput, "milestone %d target must be positive", i)
		}
		total = total.Add(m.Target)
	}
	if !total.Equal(goal) {
		return errs.New(errs.KindInvalidInput, "milestone targets sum to %s, goal is %s", total.String(), goal.String()).
			WithDetail("milestone_total", total.String()).
			WithDetail("goal", goal.String())
	}
	return nil
}
