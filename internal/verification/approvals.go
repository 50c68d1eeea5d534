package verification

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"crowdchain/escrow-backend/internal/audit"
	"crowdchain/escrow-backend/internal/auth"
	"crowdchain/escrow-backend/internal/coordinator"
	"crowdchain/escrow-backend/internal/errs"
	"crowdchain/escrow-backend/internal/ledger"
	"crowdchain/escrow-backend/internal/mirror"
	"crowdchain/escrow-backend/internal/targets"
	"crowdchain/escrow-backend/pkg/workflows"
)

// RequestInput is a creator's request for manual verification
type RequestInput struct {
	CampaignID string
	Position   int
	Requester  string
	Amount     decimal.Decimal
	Evidence   []string
}

// Request creates a pending verification request. The requester must be the
// campaign creator and the amount must equal the cumulative target exactly.
func (s *Service) Request(ctx context.Context, conn ledger.Connection, input RequestInput) (*mirror.VerificationRequest, error) {
	campaign, err := s.repo.GetCampaign(ctx, input.CampaignID)
	if err != nil {
		return nil, err
	}
	if !auth.SameIdentity(input.Requester, campaign.Creator) {
		return nil, errs.New(errs.KindUnauthorized, "only the campaign creator can request verification")
	}

	expected, err := targets.CumulativeTarget(campaign.Milestones, input.Position)
	if err != nil {
		return nil, err
	}
	if !input.Amount.Equal(expected) {
		return nil, errs.New(errs.KindAmountMismatch, "requested amount %s does not equal cumulative target %s",
			input.Amount.String(), expected.String()).
			WithDetail("expected", expected.String()).
			WithDetail("got", input.Amount.String())
	}
	if campaign.Status != mirror.CampaignStatusActive || campaign.LedgerID == nil {
		return nil, errs.New(errs.KindInvalidInput, "campaign %s is not active on the ledger", input.CampaignID)
	}
	if s.evidence != nil {
		if err := s.evidence.Check(ctx, input.Evidence); err != nil {
			return nil, err
		}
	}

	unlock, err := s.lockSlot(ctx, input.CampaignID, input.Position)
	if err != nil {
		return nil, err
	}
	defer unlock()

	state, current, err := s.slotState(ctx, input.CampaignID, input.Position)
	if err != nil {
		return nil, err
	}
	switch {
	case state == workflows.StatePending:
		return nil, errs.New(errs.KindDuplicateRequest, "milestone %d already has a pending request", input.Position).
			WithDetail("request_id", current.ID)
	case s.transitions.IsFinal(state):
		return nil, errs.New(errs.KindAlreadyVerified, "milestone %d is already verified", input.Position).
			WithDetail("request_id", current.ID)
	}
	if !s.transitions.CanTransition(state, workflows.StatePending) {
		return nil, errs.New(errs.KindAlreadyTerminal, "milestone %d cannot move from %s to pending", input.Position, state)
	}

	now := s.now()
	req := &mirror.VerificationRequest{
		ID:          uuid.New().String(),
		CampaignID:  input.CampaignID,
		Position:    input.Position,
		Requester:   auth.NormalizeIdentity(input.Requester),
		Amount:      expected,
		Evidence:    append([]string(nil), input.Evidence...),
		Status:      mirror.VerificationStatusPending,
		Version:     1,
		RequestedAt: now,
	}

	_, err = s.coordinator.Submit(ctx, conn, coordinator.Operation{
		Kind:       coordinator.OpRequestVerification,
		CampaignID: input.CampaignID,
		LedgerID:   *campaign.LedgerID,
		Position:   input.Position,
		Actor:      req.Requester,
	}, func(ctx context.Context, _ *coordinator.Receipt) error {
		return s.repo.CreateRequest(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Verification requested",
		zap.String("campaign_id", req.CampaignID),
		zap.Int("position", req.Position),
		zap.String("request_id", req.ID))
	s.record(ctx, audit.TransitionVerificationQueued, req.Requester, req, map[string]interface{}{
		"amount":   req.Amount.String(),
		"evidence": req.Evidence,
	})
	return req, nil
}

// Approve resolves a pending request as approved, marks the milestone
// completed and attempts the fund release. A failed release leaves the
// approval in place; RetryRelease finishes it later.
func (s *Service) Approve(ctx context.Context, conn ledger.Connection, requestID, admin, notes string) (*mirror.VerificationRequest, error) {
	if err := s.requireAdmin(ctx, admin); err != nil {
		return nil, err
	}
	return s.resolve(ctx, conn, requestID, admin, notes, mirror.VerificationStatusApproved)
}

// Reject resolves a pending request as rejected. The reason is mandatory.
func (s *Service) Reject(ctx context.Context, requestID, admin, reason string) (*mirror.VerificationRequest, error) {
	if err := s.requireAdmin(ctx, admin); err != nil {
		return nil, err
	}
	if strings.TrimSpace(reason) == "" {
		return nil, errs.New(errs.KindInvalidInput, "a rejection reason is required")
	}
	return s.resolve(ctx, ledger.Connection{}, requestID, admin, reason, mirror.VerificationStatusRejected)
}

func (s *Service) resolve(ctx context.Context, conn ledger.Connection, requestID, admin, notes string, to mirror.VerificationStatus) (*mirror.VerificationRequest, error) {
	req, err := s.repo.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	unlock, err := s.lockSlot(ctx, req.CampaignID, req.Position)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// re-read under the slot lock
	req, err = s.repo.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !s.transitions.CanTransition(string(req.Status), string(to)) {
		return nil, errs.New(errs.KindAlreadyTerminal, "verification request %s is already %s", requestID, req.Status).
			WithDetail("status", req.Status)
	}

	now := s.now()
	resolution := mirror.Resolution{
		Status:     to,
		Admin:      auth.NormalizeIdentity(admin),
		Notes:      notes,
		ResolvedAt: now,
	}
	if to.Verified() {
		resolution.Release = mirror.Release{Status: mirror.ReleaseStatusPending, UpdatedAt: now}
	}
	if err := s.repo.ResolveRequest(ctx, req.ID, req.Version, resolution); err != nil {
		return nil, err
	}

	if to.Verified() {
		if err := s.repo.CompleteMilestone(ctx, req.CampaignID, req.Position, now); err != nil {
			return nil, err
		}
	}

	req, err = s.repo.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	logger := s.logger.With(
		zap.String("campaign_id", req.CampaignID),
		zap.Int("position", req.Position),
		zap.String("request_id", req.ID))

	if to == mirror.VerificationStatusRejected {
		logger.Info("Verification request rejected")
		s.record(ctx, audit.TransitionMilestoneRejected, admin, req, map[string]interface{}{"reason": notes})
		return req, nil
	}

	logger.Info("Verification request approved")
	s.record(ctx, audit.TransitionMilestoneApproved, admin, req, map[string]interface{}{"notes": notes})

	campaign, err := s.repo.GetCampaign(ctx, req.CampaignID)
	if err != nil {
		return nil, err
	}
	if err := s.release(ctx, conn, campaign, req, admin); err != nil {
		logger.Warn("Release after approval failed; it can be retried", zap.Error(err))
	}
	return req, nil
}

// RetryRelease re-submits the fund release of a verified request without
// re-approving it. A released request is returned unchanged. When the ledger
// call fails again the updated request is returned together with the error.
func (s *Service) RetryRelease(ctx context.Context, conn ledger.Connection, requestID, actor string) (*mirror.VerificationRequest, error) {
	if err := s.requireAdmin(ctx, actor); err != nil {
		return nil, err
	}

	req, err := s.repo.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !req.Status.Verified() {
		return nil, errs.New(errs.KindInvalidInput, "verification request %s is %s and has no release", requestID, req.Status)
	}

	unlock, err := s.lockSlot(ctx, req.CampaignID, req.Position)
	if err != nil {
		return nil, err
	}
	defer unlock()

	req, err = s.repo.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Release.Status == mirror.ReleaseStatusReleased {
		return req, nil
	}

	campaign, err := s.repo.GetCampaign(ctx, req.CampaignID)
	if err != nil {
		return nil, err
	}
	if err := s.release(ctx, conn, campaign, req, actor); err != nil {
		return req, err
	}
	return req, nil
}

// release submits approveMilestone for a verified request and stores the
// outcome in req.Release. A ledger that already reports the milestone
// verified counts as released.
func (s *Service) release(ctx context.Context, conn ledger.Connection, campaign *mirror.Campaign, req *mirror.VerificationRequest, actor string) error {
	rel := req.Release
	if rel.Status == mirror.ReleaseStatusReleased {
		return nil
	}
	rel.Attempts++

	fail := func(cause error) error {
		rel.Status = mirror.ReleaseStatusFailed
		rel.LastError = cause.Error()
		rel.UpdatedAt = s.now()
		if err := s.repo.UpdateRelease(ctx, req.ID, rel); err != nil {
			s.logger.Error("Failed to store release state", zap.String("request_id", req.ID), zap.Error(err))
		}
		req.Release = rel
		s.record(ctx, audit.TransitionReleaseUpdated, actor, req, map[string]interface{}{"release": rel.Status, "error": rel.LastError})
		return cause
	}

	if campaign.LedgerID == nil {
		return fail(errs.New(errs.KindInvalidInput, "campaign %s has no ledger id", campaign.ID))
	}
	ledgerID := *campaign.LedgerID

	verified, err := s.ledger.GetVerificationStatus(ctx, ledgerID, req.Position)
	if err == nil && verified {
		rel.Status = mirror.ReleaseStatusReleased
		rel.LastError = ""
		rel.UpdatedAt = s.now()
		if err := s.repo.UpdateRelease(ctx, req.ID, rel); err != nil {
			return err
		}
		req.Release = rel
		s.record(ctx, audit.TransitionReleaseUpdated, actor, req, map[string]interface{}{"release": rel.Status})
		return nil
	}

	_, err = s.coordinator.Submit(ctx, conn, coordinator.Operation{
		Kind:       coordinator.OpApproveMilestone,
		CampaignID: campaign.ID,
		LedgerID:   ledgerID,
		Position:   req.Position,
		Actor:      actor,
	}, func(ctx context.Context, receipt *coordinator.Receipt) error {
		released := rel
		released.Status = mirror.ReleaseStatusReleased
		released.TxRef = receipt.TxRef
		released.LastError = ""
		released.UpdatedAt = s.now()
		if err := s.repo.UpdateRelease(ctx, req.ID, released); err != nil {
			return err
		}
		rel = released
		return nil
	})
	if err != nil {
		return fail(err)
	}

	req.Release = rel
	s.logger.Info("Milestone funds released",
		zap.String("campaign_id", campaign.ID),
		zap.Int("position", req.Position),
		zap.String("request_id", req.ID),
		zap.String("tx_ref", rel.TxRef))
	s.record(ctx, audit.TransitionReleaseUpdated, actor, req, map[string]interface{}{"release": rel.Status, "tx_ref": rel.TxRef})
	return nil
}
