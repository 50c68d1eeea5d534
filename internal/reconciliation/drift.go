// Package reconciliation compares the mirror against ledger truth. Drift
// checks are read-only; resync and redeploy are separate, audited
// corrections.
package reconciliation

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"crowdchain/escrow-backend/internal/audit"
	"crowdchain/escrow-backend/internal/auth"
	"crowdchain/escrow-backend/internal/coordinator"
	"crowdchain/escrow-backend/internal/errs"
	"crowdchain/escrow-backend/internal/ledger"
	"crowdchain/escrow-backend/internal/mirror"
	"crowdchain/escrow-backend/pkg/locks"
)

// SystemActor attributes corrections made by the sweep
const SystemActor = "system:reconciliation"

// resyncAttempts bounds how often a resync re-reads both sides after a
// donation lands between the drift check and the write
const resyncAttempts = 3

// DriftKind classifies a mismatch between mirror and ledger
type DriftKind string

const (
	DriftNone                DriftKind = "none"
	DriftLedgerRecordMissing DriftKind = "ledger_record_missing"
	DriftAmount              DriftKind = "amount_drift"
	// DriftNotPublished means the campaign has no ledger id yet; there is
	// nothing on the ledger to compare against.
	DriftNotPublished DriftKind = "not_published"
)

// Corrective actions named in a report
const (
	ActionRedeploy     = "redeploy"
	ActionResyncAmount = "resync_amount"
	ActionPublish      = "publish"
)

// DriftReport is the result of one drift check
type DriftReport struct {
	CampaignID   string           `json:"campaign_id"`
	LedgerID     *uint64          `json:"ledger_campaign_id,omitempty"`
	Kind         DriftKind        `json:"kind"`
	LedgerAmount *decimal.Decimal `json:"ledger_amount,omitempty"`
	MirrorAmount decimal.Decimal  `json:"mirror_amount"`
	Action       string           `json:"recommended_action,omitempty"`
	CheckedAt    time.Time        `json:"checked_at"`
}

// HasDrift reports whether the mirror disagrees with the ledger
func (r *DriftReport) HasDrift() bool {
	return r.Kind == DriftLedgerRecordMissing || r.Kind == DriftAmount
}

// LedgerReader reads campaign state from the ledger
type LedgerReader interface {
	GetCampaign(ctx context.Context, ledgerID uint64) (*ledger.CampaignState, error)
	GetCampaignCounter(ctx context.Context) (uint64, error)
}

// Submitter sends state-changing ledger calls
type Submitter interface {
	Submit(ctx context.Context, conn ledger.Connection, op coordinator.Operation, commit coordinator.CommitFunc) (*coordinator.Receipt, error)
}

// Deps are the collaborators of the service
type Deps struct {
	Repo        mirror.Repository
	Coordinator Submitter
	Ledger      LedgerReader
	Authorizer  auth.Authorizer
	Audit       audit.Recorder
	Logger      *zap.Logger
}

// Service detects and repairs drift
type Service struct {
	repo        mirror.Repository
	coordinator Submitter
	ledger      LedgerReader
	authz       auth.Authorizer
	audit       audit.Recorder
	campaigns   *locks.KeyedMutex
	now         func() time.Time
	logger      *zap.Logger
}

// NewService creates the reconciliation service
func NewService(d Deps) *Service {
	return &Service{
		repo:        d.Repo,
		coordinator: d.Coordinator,
		ledger:      d.Ledger,
		authz:       d.Authorizer,
		audit:       d.Audit,
		campaigns:   locks.NewKeyedMutex(),
		now:         time.Now,
		logger:      d.Logger,
	}
}

// CheckDrift reads the campaign's ledger record and compares it with the
// mirror. It writes nothing.
func (s *Service) CheckDrift(ctx context.Context, campaignID string) (*DriftReport, error) {
	campaign, err := s.repo.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	return s.check(ctx, campaign)
}

func (s *Service) check(ctx context.Context, campaign *mirror.Campaign) (*DriftReport, error) {
	report := &DriftReport{
		CampaignID:   campaign.ID,
		LedgerID:     campaign.LedgerID,
		Kind:         DriftNone,
		MirrorAmount: campaign.Raised,
		CheckedAt:    s.now(),
	}
	if campaign.LedgerID == nil {
		report.Kind = DriftNotPublished
		report.Action = ActionPublish
		return report, nil
	}

	state, err := s.ledger.GetCampaign(ctx, *campaign.LedgerID)
	if err != nil {
		err = ledger.Classify(err)
		if errs.Is(err, errs.KindNotFound) {
			report.Kind = DriftLedgerRecordMissing
			report.Action = ActionRedeploy
			return report, nil
		}
		return nil, err
	}

	ledgerAmount := state.Raised
	report.LedgerAmount = &ledgerAmount
	if !ledgerAmount.Equal(campaign.Raised) {
		report.Kind = DriftAmount
		report.Action = ActionResyncAmount
	}
	return report, nil
}

// ResyncAmount overwrites the mirrored raised amount with the ledger's
// value. Without amount drift it changes nothing and returns the report.
func (s *Service) ResyncAmount(ctx context.Context, campaignID, actor string) (*DriftReport, error) {
	if err := s.requireAdmin(ctx, actor); err != nil {
		return nil, err
	}

	unlock, err := s.campaigns.Lock(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	return s.resync(ctx, campaignID, actor)
}

// resync expects the campaign lock to be held. Donations do not take the
// campaign lock, so the write only lands if raised is still the amount the
// drift check compared.
func (s *Service) resync(ctx context.Context, campaignID, actor string) (*DriftReport, error) {
	for attempt := 1; ; attempt++ {
		report, err := s.CheckDrift(ctx, campaignID)
		if err != nil {
			return nil, err
		}
		switch report.Kind {
		case DriftNone, DriftNotPublished:
			return report, nil
		case DriftLedgerRecordMissing:
			return nil, errs.New(errs.KindInvalidInput, "campaign %s has no ledger record; redeploy it instead", campaignID).
				WithDetail("drift", report.Kind)
		}

		err = s.repo.SetRaised(ctx, campaignID, report.MirrorAmount, *report.LedgerAmount)
		if errs.Is(err, errs.KindAlreadyTerminal) && attempt < resyncAttempts {
			s.logger.Debug("Raised amount moved during resync, checking again",
				zap.String("campaign_id", campaignID),
				zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return nil, err
		}

		s.logger.Info("Mirror raised amount resynced",
			zap.String("campaign_id", campaignID),
			zap.Uint64("ledger_campaign_id", *report.LedgerID),
			zap.String("from", report.MirrorAmount.String()),
			zap.String("to", report.LedgerAmount.String()))
		s.record(ctx, audit.TransitionAmountResynced, actor, campaignID, map[string]interface{}{
			"ledger_campaign_id": *report.LedgerID,
			"from":               report.MirrorAmount.String(),
			"to":                 report.LedgerAmount.String(),
		})

		return s.CheckDrift(ctx, campaignID)
	}
}

// RedeployResult is returned by Redeploy
type RedeployResult struct {
	Receipt *coordinator.Receipt `json:"receipt"`
	Report  *DriftReport         `json:"report"`
}

// Redeploy re-submits campaign creation for a campaign whose ledger record
// is missing, retires the old ledger id and installs the new one. Funds are
// not migrated: the mirror takes the new record's raised amount and the old
// donations stay on the campaign as history.
func (s *Service) Redeploy(ctx context.Context, conn ledger.Connection, campaignID, actor string) (*RedeployResult, error) {
	if err := s.requireAdmin(ctx, actor); err != nil {
		return nil, err
	}

	unlock, err := s.campaigns.Lock(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	campaign, err := s.repo.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	report, err := s.check(ctx, campaign)
	if err != nil {
		return nil, err
	}
	if report.Kind != DriftLedgerRecordMissing {
		return nil, errs.New(errs.KindInvalidInput, "campaign %s has %s drift; redeploy needs a missing ledger record", campaignID, report.Kind).
			WithDetail("drift", report.Kind)
	}
	oldID := *campaign.LedgerID
	if err := s.requireUnusedLedgerID(ctx, campaign); err != nil {
		return nil, err
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
		CampaignID: campaignID,
		Actor:      actor,
		Campaign:   params,
	}, func(ctx context.Context, receipt *coordinator.Receipt) error {
		newID := *receipt.LedgerID
		if campaign.HasRetired(newID) {
			return errs.New(errs.KindInvalidInput, "ledger id %d was retired from campaign %s", newID, campaignID)
		}
		raised := decimal.Zero
		state, err := s.ledger.GetCampaign(ctx, newID)
		if err != nil {
			s.logger.Warn("Could not read redeployed ledger record, assuming zero raised",
				zap.String("campaign_id", campaignID),
				zap.Uint64("ledger_campaign_id", newID),
				zap.Error(err))
		} else {
			raised = state.Raised
		}
		return s.repo.ReassignLedgerID(ctx, campaignID, oldID, newID, raised)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Campaign redeployed",
		zap.String("campaign_id", campaignID),
		zap.Uint64("retired_ledger_campaign_id", oldID),
		zap.Uint64("ledger_campaign_id", *receipt.LedgerID),
		zap.String("tx_ref", receipt.TxRef))
	s.record(ctx, audit.TransitionCampaignRedeployed, actor, campaignID, map[string]interface{}{
		"retired_ledger_campaign_id": oldID,
		"ledger_campaign_id":         *receipt.LedgerID,
		"tx_ref":                     receipt.TxRef,
		"unmigrated_raised":          campaign.Raised.String(),
		"unmigrated_donations":       len(campaign.Donations),
	})

	fresh, err := s.CheckDrift(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	return &RedeployResult{Receipt: receipt, Report: fresh}, nil
}

// requireUnusedLedgerID refuses a redeploy while the ledger would hand out
// an id the mirror already holds. A counter at or below one of the
// campaign's own ids means the chain was reset.
func (s *Service) requireUnusedLedgerID(ctx context.Context, campaign *mirror.Campaign) error {
	next, err := s.ledger.GetCampaignCounter(ctx)
	if err != nil {
		return ledger.Classify(err)
	}

	highest := *campaign.LedgerID
	for _, id := range campaign.RetiredLedgerIDs {
		if id > highest {
			highest = id
		}
	}
	if next <= highest {
		return errs.New(errs.KindInvalidInput, "ledger would assign id %d, not past id %d of campaign %s; the chain looks reset", next, highest, campaign.ID).
			WithDetail("next_ledger_id", next).
			WithDetail("ledger_campaign_id", *campaign.LedgerID).
			WithDetail("retired_ledger_ids", campaign.RetiredLedgerIDs)
	}

	other, err := s.repo.GetCampaignByLedgerID(ctx, next)
	switch {
	case err == nil && other.ID != campaign.ID:
		return errs.New(errs.KindInvalidInput, "ledger would assign id %d, already mirrored by campaign %s", next, other.ID).
			WithDetail("next_ledger_id", next)
	case err != nil && !errs.Is(err, errs.KindNotFound):
		return err
	}
	return nil
}

func (s *Service) requireAdmin(ctx context.Context, identity string) error {
	ok, err := s.authz.IsAdministrator(ctx, identity)
	if err != nil {
		return errs.Wrap(errs.KindInternal, err, "administrator lookup failed")
	}
	if !ok {
		return errs.New(errs.KindUnauthorized, "%s is not an administrator", auth.NormalizeIdentity(identity))
	}
	return nil
}

func (s *Service) record(ctx context.Context, transition audit.Transition, actor, campaignID string, details map[string]interface{}) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, audit.NewEntry(transition, actor, campaignID, details))
}
