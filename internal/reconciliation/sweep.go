package reconciliation

import (
	"context"
	"time"

	"go.uber.org/zap"

	"crowdchain/escrow-backend/internal/audit"
	"crowdchain/escrow-backend/internal/errs"
	"crowdchain/escrow-backend/internal/ledger"
	"crowdchain/escrow-backend/internal/mirror"
)

// SweepSummary counts the outcome of one sweep over active campaigns
type SweepSummary struct {
	Checked  int            `json:"checked"`
	Drifted  int            `json:"drifted"`
	Resynced int            `json:"resynced"`
	Failed   int            `json:"failed"`
	Reports  []*DriftReport `json:"reports"`
}

// Sweep checks every active campaign. Drift is logged and audited; with
// autoResync, amount drift is corrected as SystemActor. A failing campaign
// does not stop the sweep.
func (s *Service) Sweep(ctx context.Context, autoResync bool) (*SweepSummary, error) {
	active := mirror.CampaignStatusActive
	campaigns, err := s.repo.ListCampaigns(ctx, &active)
	if err != nil {
		return nil, err
	}

	summary := &SweepSummary{Reports: []*DriftReport{}}
	for _, campaign := range campaigns {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		summary.Checked++

		report, err := s.check(ctx, campaign)
		if err != nil {
			summary.Failed++
			s.logger.Warn("Drift check failed",
				zap.String("campaign_id", campaign.ID),
				zap.String("kind", string(errs.KindOf(err))),
				zap.Error(err))
			continue
		}
		if !report.HasDrift() {
			continue
		}

		summary.Drifted++
		s.detected(ctx, report, "sweep")

		if autoResync && report.Kind == DriftAmount {
			if fixed, err := s.autoResync(ctx, campaign.ID); err != nil {
				s.logger.Warn("Automatic resync failed", zap.String("campaign_id", campaign.ID), zap.Error(err))
			} else {
				summary.Resynced++
				report = fixed
			}
		}
		summary.Reports = append(summary.Reports, report)
	}

	s.logger.Info("Drift sweep finished",
		zap.Int("checked", summary.Checked),
		zap.Int("drifted", summary.Drifted),
		zap.Int("resynced", summary.Resynced),
		zap.Int("failed", summary.Failed))
	return summary, nil
}

func (s *Service) autoResync(ctx context.Context, campaignID string) (*DriftReport, error) {
	unlock, err := s.campaigns.Lock(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.resync(ctx, campaignID, SystemActor)
}

func (s *Service) detected(ctx context.Context, report *DriftReport, source string) {
	fields := []zap.Field{
		zap.String("campaign_id", report.CampaignID),
		zap.String("drift", string(report.Kind)),
		zap.String("source", source),
		zap.String("mirror_amount", report.MirrorAmount.String()),
	}
	details := map[string]interface{}{
		"kind":          report.Kind,
		"source":        source,
		"mirror_amount": report.MirrorAmount.String(),
	}
	if report.LedgerID != nil {
		fields = append(fields, zap.Uint64("ledger_campaign_id", *report.LedgerID))
		details["ledger_campaign_id"] = *report.LedgerID
	}
	if report.LedgerAmount != nil {
		fields = append(fields, zap.String("ledger_amount", report.LedgerAmount.String()))
		details["ledger_amount"] = report.LedgerAmount.String()
	}
	s.logger.Warn("Ledger drift detected", fields...)
	s.record(ctx, audit.TransitionDriftDetected, SystemActor, report.CampaignID, details)
}

// Events is a restartable sequence of ledger events
type Events interface {
	Next(ctx context.Context) ([]ledger.Event, error)
	Cursor() uint64
}

// Poll reads the next batch of events and checks drift once for every
// mirrored campaign they touch. Events for unknown or retired ledger ids are
// skipped.
func (s *Service) Poll(ctx context.Context, events Events) ([]*DriftReport, error) {
	batch, err := events.Next(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[uint64]bool, len(batch))
	var reports []*DriftReport
	for _, event := range batch {
		if seen[event.LedgerID] {
			continue
		}
		seen[event.LedgerID] = true

		campaign, err := s.repo.GetCampaignByLedgerID(ctx, event.LedgerID)
		if err != nil {
			if errs.Is(err, errs.KindNotFound) {
				s.logger.Debug("Event for unmirrored ledger campaign",
					zap.Uint64("ledger_campaign_id", event.LedgerID),
					zap.String("event", string(event.Kind)))
				continue
			}
			return reports, err
		}

		report, err := s.check(ctx, campaign)
		if err != nil {
			s.logger.Warn("Drift check after ledger event failed",
				zap.String("campaign_id", campaign.ID),
				zap.String("event", string(event.Kind)),
				zap.Error(err))
			continue
		}
		if report.HasDrift() {
			s.detected(ctx, report, string(event.Kind))
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// Watch polls events every interval until ctx is done. Poll errors are
// logged and the next tick retries from the same cursor.
func (s *Service) Watch(ctx context.Context, events Events, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("Ledger event watcher started", zap.Uint64("cursor", events.Cursor()))
	for {
		if _, err := s.Poll(ctx, events); err != nil && ctx.Err() == nil {
			s.logger.Warn("Ledger event poll failed", zap.Uint64("cursor", events.Cursor()), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			s.logger.Info("Ledger event watcher stopped", zap.Uint64("cursor", events.Cursor()))
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
