package mirror

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Repository is the record store behind the mirror. Every mutating method
// corresponds to exactly one engine transition; there is no generic update.
type Repository interface {
	CreateCampaign(ctx context.Context, campaign *Campaign) error
	GetCampaign(ctx context.Context, id string) (*Campaign, error)
	GetCampaignByLedgerID(ctx context.Context, ledgerID uint64) (*Campaign, error)
	ListCampaigns(ctx context.Context, status *CampaignStatus) ([]*Campaign, error)

	// ActivateCampaign records the ledger id of a published draft.
	ActivateCampaign(ctx context.Context, id string, ledgerID uint64) error
	// ReassignLedgerID retires oldID, installs newID and sets raised to the
	// new record's amount. It fails with AlreadyTerminal when the stored id
	// is no longer oldID.
	ReassignLedgerID(ctx context.Context, id string, oldID, newID uint64, raised decimal.Decimal) error
	// AppendDonation pushes the donation and increments raised in one write.
	AppendDonation(ctx context.Context, id string, donation Donation) error
	// SetRaised replaces raised with a ledger value if it still equals
	// expected, and fails with AlreadyTerminal otherwise.
	SetRaised(ctx context.Context, id string, expected, raised decimal.Decimal) error
	// CompleteMilestone marks a milestone completed; repeating it is a no-op.
	CompleteMilestone(ctx context.Context, id string, position int, at time.Time) error

	// CreateRequest inserts a request. A second pending request, or a second
	// verified request, for the same slot fails with DuplicateRequest.
	CreateRequest(ctx context.Context, req *VerificationRequest) error
	GetRequest(ctx context.Context, id string) (*VerificationRequest, error)
	FindRequests(ctx context.Context, filter RequestFilter) ([]*VerificationRequest, error)
	// ResolveRequest moves a pending request at the given version to a
	// terminal status. It fails with AlreadyTerminal when the stored request
	// is no longer pending at that version.
	ResolveRequest(ctx context.Context, id string, version int, resolution Resolution) error
	UpdateRelease(ctx context.Context, id string, release Release) error
}

// Resolution carries the fields written by approve/reject
type Resolution struct {
	Status     VerificationStatus
	Admin      string
	Notes      string
	ResolvedAt time.Time
	Release    Release
}
