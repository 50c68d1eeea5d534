package campaigns

import (
	"github.com/shopspring/decimal"

	"crowdchain/escrow-backend/internal/coordinator"
	"crowdchain/escrow-backend/internal/mirror"
	"crowdchain/escrow-backend/internal/targets"
)

// CreateCampaignRequest represents a request to create a draft campaign
type CreateCampaignRequest struct {
	Title        string             `json:"title" binding:"required"`
	Description  string             `json:"description"`
	Goal         decimal.Decimal    `json:"goal"`
	DurationDays int                `json:"duration_days" binding:"required"`
	Milestones   []MilestoneRequest `json:"milestones" binding:"required"`
}

// MilestoneRequest is one milestone of a new campaign. Target is the
// amount for this milestone alone.
type MilestoneRequest struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Target      decimal.Decimal `json:"target"`
}

// DonateRequest represents a donation
type DonateRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	AllowSimulated bool            `json:"allow_simulated"`
}

// SimulatedDonationRequest accepts a fallback offer
type SimulatedDonationRequest struct {
	OfferID string `json:"offer_id" binding:"required"`
}

// Summary is a campaign with its accounting views. Raised includes
// simulated donations; ConfirmedRaised does not.
type Summary struct {
	*mirror.Campaign
	ConfirmedRaised   decimal.Decimal   `json:"confirmed_raised"`
	SimulatedRaised   decimal.Decimal   `json:"simulated_raised"`
	CumulativeTargets []decimal.Decimal `json:"cumulative_targets"`
}

// PublishResult is returned by PublishCampaign
type PublishResult struct {
	Campaign *mirror.Campaign     `json:"campaign"`
	Receipt  *coordinator.Receipt `json:"receipt"`
}

// DonationResult is returned for recorded donations
type DonationResult struct {
	Donation mirror.Donation      `json:"donation"`
	Receipt  *coordinator.Receipt `json:"receipt"`
}

// ProgressView is the milestone progress answer
type ProgressView struct {
	*targets.MilestoneProgress
	OnChainVerified *bool `json:"on_chain_verified,omitempty"`
}
