package campaigns

import (
	"context"
	"strings"
	"time"

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
	"crowdchain/escrow-backend/pkg/locks"
)

// Coordinator is the subset of the transaction coordinator used here
type Coordinator interface {
	Submit(ctx context.Context, conn ledger.Connection, op coordinator.Operation, commit coordinator.CommitFunc) (*coordinator.Receipt, error)
	SubmitOrSimulate(ctx context.Context, conn ledger.Connection, op coordinator.Operation, commit coordinator.CommitFunc) (*coordinator.Receipt, error)
	AcceptFallback(ctx context.Context, offerID, actor string, commit coordinator.CommitFunc) (*coordinator.Receipt, error)
}

// StatusReader reads on-chain milestone verification
type StatusReader interface {
	GetVerificationStatus(ctx context.Context, ledgerID uint64, position int) (bool, error)
}

// Service handles campaign lifecycle and donations
type Service struct {
	repo        mirror.Repository
	coordinator Coordinator
	ledger      StatusReader
	audit       audit.Recorder
	drafts      *locks.KeyedMutex
	now         func() time.Time
	logger      *zap.Logger
}

// NewService creates a new campaigns service
func NewService(repo mirror.Repository, coord Coordinator, reader StatusReader, recorder audit.Recorder, logger *zap.Logger) *Service {
	return &Service{
		repo:        repo,
		coordinator: coord,
		ledger:      reader,
		audit:       recorder,
		drafts:      locks.NewKeyedMutex(),
		now:         time.Now,
		logger:      logger,
	}
}

// CreateCampaign stores a draft campaign. Nothing is sent to the ledger
// until PublishCampaign.
func (s *Service) CreateCampaign(ctx context.Context, req *CreateCampaignRequest, creator string) (*mirror.Campaign, error) {
	if strings.TrimSpace(req.Title) == "" {
		return nil, errs.New(errs.KindInvalidInput, "title is required")
	}
	if req.DurationDays <= 0 {
		return nil, errs.New(errs.KindInvalidInput, "duration_days must be positive")
	}
	if creator == "" {
		return nil, errs.New(errs.KindUnauthorized, "campaign creator identity is required")
	}

	milestones := make([]mirror.Milestone, len(req.Milestones))
	for i, m := range req.Milestones {
		milestones[i] = mirror.Milestone{
			Position:    i,
			Title:       m.Title,
			Description: m.Description,
			Target:      m.Target,
		}
	}
	if err := targets.ValidateMilestones(req.Goal, milestones); err != nil {
		return nil, err
	}

	now := s.now()
	campaign := &mirror.Campaign{
		ID:           uuid.New().String(),
		Title:        req.Title,
		Description:  req.Description,
		Goal:         req.Goal,
		Raised:       decimal.Zero,
		DurationDays: req.DurationDays,
		Creator:      auth.NormalizeIdentity(creator),
		Status:       mirror.CampaignStatusDraft,
		Milestones:   milestones,
		Donations:    []mirror.Donation{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.CreateCampaign(ctx, campaign); err != nil {
		return nil, err
	}

	s.logger.Info("Campaign draft created",
		zap.String("campaign_id", campaign.ID),
		zap.String("goal", campaign.Goal.String()),
		zap.Int("milestones", len(milestones)))
	s.record(ctx, audit.TransitionCampaignCreated, campaign.Creator, campaign.ID, map[string]interface{}{
		"goal":       campaign.Goal.String(),
		"milestones": len(milestones),
	})
	return campaign, nil
}

// PublishCampaign creates the campaign on the ledger and activates the
// draft with the assigned ledger id. Publishing the same draft twice never
// creates two ledger records.
func (s *Service) PublishCampaign(ctx context.Context, conn ledger.Connection, id, actor string) (*PublishResult, error) {
	unlock, err := s.drafts.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	campaign, err := s.repo.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	if !auth.SameIdentity(actor, campaign.Creator) {
		return nil, errs.New(errs.KindUnauthorized, "only the campaign creator can publish it")
	}
	if campaign.Status != mirror.CampaignStatusDraft {
		return nil, errs.New(errs.KindAlreadyTerminal, "campaign %s is already %s", id, campaign.Status).
			WithDetail("status", campaign.Status)
	}

	params := ledger.CampaignParams{
		Goal:         campaign.Goal,
		DurationDays: campaign.DurationDays,
	}
	for _, m := range campaign.Milestones {
		params.MilestoneDescriptions = append(params.MilestoneDescriptions, m.Description)
		params.MilestoneAmounts = append(params.MilestoneAmounts, m.Target)
	}

	receipt, err := s.coordinator.Submit(ctx, conn, coordinator.Operation{
		Kind:       coordinator.OpCreateCampaign,
		CampaignID: id,
		Actor:      campaign.Creator,
		Campaign:   params,
	}, func(ctx context.Context, receipt *coordinator.Receipt) error {
		return s.repo.ActivateCampaign(ctx, id, *receipt.LedgerID)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Campaign published",
		zap.String("campaign_id", id),
		zap.Uint64("ledger_campaign_id", *receipt.LedgerID),
		zap.String("tx_ref", receipt.TxRef))
	s.record(ctx, audit.TransitionCampaignPublished, campaign.Creator, id, map[string]interface{}{
		"ledger_campaign_id": *receipt.LedgerID,
		"tx_ref":             receipt.TxRef,
	})

	campaign, err = s.repo.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	return &PublishResult{Campaign: campaign, Receipt: receipt}, nil
}

// GetCampaign returns the campaign together with its accounting views
func (s *Service) GetCampaign(ctx context.Context, id string) (*Summary, error) {
	campaign, err := s.repo.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	return summarize(campaign), nil
}

// ListCampaigns returns campaigns, optionally filtered by status
func (s *Service) ListCampaigns(ctx context.Context, status *mirror.CampaignStatus) ([]*Summary, error) {
	campaigns, err := s.repo.ListCampaigns(ctx, status)
	if err != nil {
		return nil, err
	}
	out := make([]*Summary, len(campaigns))
	for i, c := range campaigns {
		out[i] = summarize(c)
	}
	return out, nil
}

func summarize(campaign *mirror.Campaign) *Summary {
	return &Summary{
		Campaign:          campaign,
		ConfirmedRaised:   campaign.ConfirmedRaised(),
		SimulatedRaised:   campaign.SimulatedRaised(),
		CumulativeTargets: targets.CumulativeTargets(campaign.Milestones),
	}
}

// Donate sends a donation to the ledger and appends it to the mirror. With
// AllowSimulated, a donation the overloaded ledger never accepted is
// recorded as simulated in the same call; otherwise the transient error
// carries a fallback offer for RecordSimulatedDonation.
func (s *Service) Donate(ctx context.Context, conn ledger.Connection, campaignID string, req *DonateRequest, donor string) (*DonationResult, error) {
	if donor == "" {
		return nil, errs.New(errs.KindUnauthorized, "donor identity is required")
	}
	if req.Amount.Sign() <= 0 {
		return nil, errs.New(errs.KindInvalidInput, "donation amount must be positive")
	}
	if _, err := ledger.ToWei(req.Amount); err != nil {
		return nil, err
	}

	campaign, err := s.repo.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if campaign.Status != mirror.CampaignStatusActive || campaign.LedgerID == nil {
		return nil, errs.New(errs.KindInvalidInput, "campaign %s is not accepting donations", campaignID)
	}

	op := coordinator.Operation{
		Kind:       coordinator.OpDonate,
		CampaignID: campaignID,
		LedgerID:   *campaign.LedgerID,
		Amount:     req.Amount,
		Actor:      auth.NormalizeIdentity(donor),
	}

	var donation mirror.Donation
	commit := s.commitDonation(&donation)

	submit := s.coordinator.Submit
	if req.AllowSimulated {
		submit = s.coordinator.SubmitOrSimulate
	}
	receipt, err := submit(ctx, conn, op, commit)
	if err != nil {
		return nil, err
	}
	return &DonationResult{Donation: donation, Receipt: receipt}, nil
}

// RecordSimulatedDonation accepts a fallback offer returned by Donate. The
// donation is flagged simulated and never counts as confirmed.
func (s *Service) RecordSimulatedDonation(ctx context.Context, campaignID, offerID, donor string) (*DonationResult, error) {
	var donation mirror.Donation
	receipt, err := s.coordinator.AcceptFallback(ctx, offerID, auth.NormalizeIdentity(donor), func(ctx context.Context, receipt *coordinator.Receipt) error {
		if receipt.Operation.CampaignID != campaignID {
			return errs.New(errs.KindInvalidInput, "fallback offer %s belongs to another campaign", offerID)
		}
		return s.commitDonation(&donation)(ctx, receipt)
	})
	if err != nil {
		return nil, err
	}
	return &DonationResult{Donation: donation, Receipt: receipt}, nil
}

// commitDonation returns the single mirror write of a donation receipt
func (s *Service) commitDonation(out *mirror.Donation) coordinator.CommitFunc {
	return func(ctx context.Context, receipt *coordinator.Receipt) error {
		op := receipt.Operation
		donation := mirror.Donation{
			ID:        uuid.New().String(),
			Donor:     op.Actor,
			Amount:    op.Amount,
			TxRef:     receipt.TxRef,
			Simulated: receipt.Simulated,
			CreatedAt: s.now(),
		}
		if err := s.repo.AppendDonation(ctx, op.CampaignID, donation); err != nil {
			return err
		}
		*out = donation

		transition := audit.TransitionDonationRecorded
		if donation.Simulated {
			transition = audit.TransitionDonationSimulated
		}
		s.logger.Info("Donation recorded",
			zap.String("campaign_id", op.CampaignID),
			zap.String("amount", donation.Amount.String()),
			zap.String("tx_ref", donation.TxRef),
			zap.Bool("simulated", donation.Simulated))
		s.record(ctx, transition, donation.Donor, op.CampaignID, map[string]interface{}{
			"donation_id": donation.ID,
			"amount":      donation.Amount.String(),
			"tx_ref":      donation.TxRef,
		})
		return nil
	}
}

// MilestoneProgress returns the threshold view of one milestone and, when
// the ledger answers, its on-chain verification flag.
func (s *Service) MilestoneProgress(ctx context.Context, campaignID string, position int) (*ProgressView, error) {
	campaign, err := s.repo.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	progress, err := targets.Evaluate(campaign, position)
	if err != nil {
		return nil, err
	}

	view := &ProgressView{MilestoneProgress: progress}
	if campaign.LedgerID != nil && s.ledger != nil {
		verified, err := s.ledger.GetVerificationStatus(ctx, *campaign.LedgerID, position)
		if err != nil {
			s.logger.Debug("On-chain verification status unavailable",
				zap.String("campaign_id", campaignID),
				zap.Int("position", position),
				zap.Error(err))
		} else {
			view.OnChainVerified = &verified
		}
	}
	return view, nil
}

func (s *Service) record(ctx context.Context, transition audit.Transition, actor, campaignID string, details map[string]interface{}) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, audit.NewEntry(transition, actor, campaignID, details))
}
