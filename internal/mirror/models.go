package mirror

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// CampaignStatus represents the lifecycle status of a campaign
type CampaignStatus string

const (
	CampaignStatusDraft  CampaignStatus = "draft"
	CampaignStatusActive CampaignStatus = "active"
	CampaignStatusEnded  CampaignStatus = "ended"
)

// Campaign is the off-chain mirror of an escrow campaign. Milestones and
// donations are embedded in the campaign document.
type Campaign struct {
	ID               string          `bson:"_id" json:"id"`
	LedgerID         *uint64         `bson:"ledger_id,omitempty" json:"ledger_id,omitempty"`
	RetiredLedgerIDs []uint64        `bson:"retired_ledger_ids,omitempty" json:"retired_ledger_ids,omitempty"`
	Title            string          `bson:"title" json:"title"`
	Description      string          `bson:"description" json:"description"`
	Goal             decimal.Decimal `bson:"goal" json:"goal"`
	Raised           decimal.Decimal `bson:"raised" json:"raised"`
	DurationDays     int             `bson:"duration_days" json:"duration_days"`
	Creator          string          `bson:"creator" json:"creator"`
	Status           CampaignStatus  `bson:"status" json:"status"`
	Milestones       []Milestone     `bson:"milestones" json:"milestones"`
	Donations        []Donation      `bson:"donations" json:"donations"`
	CreatedAt        time.Time       `bson:"created_at" json:"created_at"`
	UpdatedAt        time.Time       `bson:"updated_at" json:"updated_at"`
}

// Milestone holds a per-position target. Target is the delta for this
// position, not the cumulative amount.
type Milestone struct {
	Position    int             `bson:"position" json:"position"`
	Title       string          `bson:"title" json:"title"`
	Description string          `bson:"description" json:"description"`
	Target      decimal.Decimal `bson:"target" json:"target"`
	Completed   bool            `bson:"completed" json:"completed"`
	CompletedAt *time.Time      `bson:"completed_at,omitempty" json:"completed_at,omitempty"`
}

// Donation is append-only. Simulated marks a mirror-only entry recorded
// when the ledger transfer could not be confirmed.
type Donation struct {
	ID        string          `bson:"id" json:"id"`
	Donor     string          `bson:"donor" json:"donor"`
	Amount    decimal.Decimal `bson:"amount" json:"amount"`
	TxRef     string          `bson:"tx_ref,omitempty" json:"tx_ref,omitempty"`
	Simulated bool            `bson:"simulated" json:"simulated"`
	CreatedAt time.Time       `bson:"created_at" json:"created_at"`
}

// ConfirmedRaised sums donations backed by a genuine ledger transfer.
func (c *Campaign) ConfirmedRaised() decimal.Decimal {
	total := decimal.Zero
	for _, d := range c.Donations {
		if !d.Simulated {
			total = total.Add(d.Amount)
		}
	}
	return total
}

// SimulatedRaised sums fallback donations that never reached the ledger.
func (c *Campaign) SimulatedRaised() decimal.Decimal {
	total := decimal.Zero
	for _, d := range c.Donations {
		if d.Simulated {
			total = total.Add(d.Amount)
		}
	}
	return total
}

// HasRetired reports whether ledgerID was once assigned to this campaign.
func (c *Campaign) HasRetired(ledgerID uint64) bool {
	for _, id := range c.RetiredLedgerIDs {
		if id == ledgerID {
			return true
		}
	}
	return false
}

// VerificationStatus is the lifecycle status of a verification request
type VerificationStatus string

const (
	VerificationStatusPending      VerificationStatus = "pending"
	VerificationStatusApproved     VerificationStatus = "approved"
	VerificationStatusRejected     VerificationStatus = "rejected"
	VerificationStatusAutoVerified VerificationStatus = "auto_verified"
)

// Terminal reports whether no further transition is allowed from s.
func (s VerificationStatus) Terminal() bool {
	return s == VerificationStatusApproved || s == VerificationStatusRejected || s == VerificationStatusAutoVerified
}

// Verified reports whether s makes the milestone release-eligible.
func (s VerificationStatus) Verified() bool {
	return s == VerificationStatusApproved || s == VerificationStatusAutoVerified
}

// ReleaseStatus tracks the on-chain fund release that follows a verified request
type ReleaseStatus string

const (
	ReleaseStatusNone     ReleaseStatus = ""
	ReleaseStatusPending  ReleaseStatus = "pending"
	ReleaseStatusReleased ReleaseStatus = "released"
	ReleaseStatusFailed   ReleaseStatus = "failed"
)

// Release is the decoupled follow-up of an approval
type Release struct {
	Status    ReleaseStatus `bson:"status" json:"status"`
	Attempts  int           `bson:"attempts" json:"attempts"`
	TxRef     string        `bson:"tx_ref,omitempty" json:"tx_ref,omitempty"`
	LastError string        `bson:"last_error,omitempty" json:"last_error,omitempty"`
	UpdatedAt time.Time     `bson:"updated_at" json:"updated_at"`
}

// VerificationRequest lives in its own collection and references a campaign
// and milestone position.
type VerificationRequest struct {
	ID          string             `bson:"_id" json:"id"`
	CampaignID  string             `bson:"campaign_id" json:"campaign_id"`
	Position    int                `bson:"position" json:"position"`
	Requester   string             `bson:"requester,omitempty" json:"requester,omitempty"`
	Amount      decimal.Decimal    `bson:"amount" json:"amount"`
	Evidence    []string           `bson:"evidence,omitempty" json:"evidence,omitempty"`
	Status      VerificationStatus `bson:"status" json:"status"`
	Admin       string             `bson:"admin,omitempty" json:"admin,omitempty"`
	Notes       string             `bson:"notes,omitempty" json:"notes,omitempty"`
	Release     Release            `bson:"release" json:"release"`
	VerifiedKey string             `bson:"verified_key,omitempty" json:"-"`
	Version     int                `bson:"version" json:"version"`
	RequestedAt time.Time          `bson:"requested_at" json:"requested_at"`
	ResolvedAt  *time.Time         `bson:"resolved_at,omitempty" json:"resolved_at,omitempty"`
}

// SlotKey identifies a (campaign, position) pair
func SlotKey(campaignID string, position int) string {
	return fmt.Sprintf("%s:%d", campaignID, position)
}

// RequestFilter narrows FindRequests
type RequestFilter struct {
	CampaignID *string
	Position   *int
	Status     *VerificationStatus
}
