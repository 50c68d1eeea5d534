package verification

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"crowdchain/escrow-backend/internal/audit"
	"crowdchain/escrow-backend/internal/errs"
	"crowdchain/escrow-backend/internal/ledger"
	"crowdchain/escrow-backend/internal/mirror"
	"crowdchain/escrow-backend/internal/targets"
	"crowdchain/escrow-backend/pkg/workflows"
)

// Outcome distinguishes a fresh auto-verification from idempotent answers
type Outcome string

const (
	OutcomeAutoVerified    Outcome = "auto_verified"
	OutcomeAlreadyVerified Outcome = "already_verified"
	// OutcomePendingReview means a creator request awaits an administrator;
	// the evaluator leaves it to that path.
	OutcomePendingReview Outcome = "pending_review"
)

// AutoVerifyResult is returned by Evaluate
type AutoVerifyResult struct {
	Outcome  Outcome                     `json:"outcome"`
	Request  *mirror.VerificationRequest `json:"request"`
	Progress *targets.MilestoneProgress  `json:"progress"`
}

// Evaluate auto-verifies a milestone whose cumulative target is reached. It
// reads the campaign fresh and recomputes the target on every call. A
// milestone that is already verified yields OutcomeAlreadyVerified and writes
// nothing; an unreached one fails with NotReached.
func (s *Service) Evaluate(ctx context.Context, conn ledger.Connection, campaignID string, position int, actor string) (*AutoVerifyResult, error) {
	unlock, err := s.lockSlot(ctx, campaignID, position)
	if err != nil {
		return nil, err
	}
	defer unlock()

	campaign, err := s.repo.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	progress, err := targets.Evaluate(campaign, position)
	if err != nil {
		return nil, err
	}

	state, current, err := s.slotState(ctx, campaignID, position)
	if err != nil {
		return nil, err
	}
	switch {
	case s.transitions.IsFinal(state):
		return &AutoVerifyResult{Outcome: OutcomeAlreadyVerified, Request: current, Progress: progress}, nil
	case state == workflows.StatePending:
		return &AutoVerifyResult{Outcome: OutcomePendingReview, Request: current, Progress: progress}, nil
	}

	if !progress.Reached {
		return nil, errs.New(errs.KindNotReached, "milestone %d needs %s raised, have %s",
			position, progress.CumulativeTarget.String(), progress.Raised.String()).
			WithDetail("cumulative_target", progress.CumulativeTarget.String()).
			WithDetail("raised", progress.Raised.String())
	}
	if campaign.Status != mirror.CampaignStatusActive || campaign.LedgerID == nil {
		return nil, errs.New(errs.KindInvalidInput, "campaign %s is not active on the ledger", campaignID)
	}
	if !s.transitions.CanTransition(state, workflows.StateAutoVerified) {
		return nil, errs.New(errs.KindAlreadyTerminal, "milestone %d cannot move from %s to auto_verified", position, state)
	}

	now := s.now()
	req := &mirror.VerificationRequest{
		ID:          uuid.New().String(),
		CampaignID:  campaignID,
		Position:    position,
		Requester:   actor,
		Amount:      progress.CumulativeTarget,
		Status:      mirror.VerificationStatusAutoVerified,
		Release:     mirror.Release{Status: mirror.ReleaseStatusPending, UpdatedAt: now},
		VerifiedKey: mirror.SlotKey(campaignID, position),
		Version:     1,
		RequestedAt: now,
		ResolvedAt:  &now,
	}
	if err := s.repo.CreateRequest(ctx, req); err != nil {
		if errs.Is(err, errs.KindDuplicateRequest) {
			// another instance verified the slot first
			if state, current, serr := s.slotState(ctx, campaignID, position); serr == nil && s.transitions.IsFinal(state) {
				return &AutoVerifyResult{Outcome: OutcomeAlreadyVerified, Request: current, Progress: progress}, nil
			}
		}
		return nil, err
	}
	if err := s.repo.CompleteMilestone(ctx, campaignID, position, now); err != nil {
		return nil, err
	}

	logger := s.logger.With(
		zap.String("campaign_id", campaignID),
		zap.Int("position", position),
		zap.String("request_id", req.ID))
	logger.Info("Milestone auto-verified", zap.String("cumulative_target", progress.CumulativeTarget.String()))
	s.record(ctx, audit.TransitionAutoVerified, actor, req, map[string]interface{}{
		"cumulative_target": progress.CumulativeTarget.String(),
		"raised":            progress.Raised.String(),
	})

	if err := s.release(ctx, conn, campaign, req, actor); err != nil {
		logger.Warn("Release after auto-verification failed; it can be retried", zap.Error(err))
	}
	progress.Completed = true
	return &AutoVerifyResult{Outcome: OutcomeAutoVerified, Request: req, Progress: progress}, nil
}
