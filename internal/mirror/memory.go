package mirror

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"crowdchain/escrow-backend/internal/errs"
)

// MemoryRepository keeps the mirror in process. It enforces the same
// uniqueness rules as the MongoDB indexes and is used by tests and by the
// API when no Mongo URI is configured.
type MemoryRepository struct {
	mu        sync.RWMutex
	campaigns map[string]*Campaign
	requests  map[string]*VerificationRequest
}

// NewMemoryRepository creates an empty in-memory mirror
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		campaigns: make(map[string]*Campaign),
		requests:  make(map[string]*VerificationRequest),
	}
}

func (r *MemoryRepository) CreateCampaign(ctx context.Context, campaign *Campaign) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.campaigns[campaign.ID]; exists {
		return errs.New(errs.KindInvalidInput, "campaign %s already exists", campaign.ID)
	}
	if campaign.LedgerID != nil {
		if r.ledgerIDTaken(*campaign.LedgerID, campaign.ID) {
			return errs.New(errs.KindInvalidInput, "ledger id %d already mirrored", *campaign.LedgerID)
		}
	}
	r.campaigns[campaign.ID] = copyCampaign(campaign)
	return nil
}

func (r *MemoryRepository) GetCampaign(ctx context.Context, id string) (*Campaign, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.campaigns[id]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "campaign %s not found", id)
	}
	return copyCampaign(c), nil
}

func (r *MemoryRepository) GetCampaignByLedgerID(ctx context.Context, ledgerID uint64) (*Campaign, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, c := range r.campaigns {
		if c.LedgerID != nil && *c.LedgerID == ledgerID {
			return copyCampaign(c), nil
		}
	}
	return nil, errs.New(errs.KindNotFound, "no campaign mirrors ledger id %d", ledgerID)
}

func (r *MemoryRepository) ListCampaigns(ctx context.Context, status *CampaignStatus) ([]*Campaign, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Campaign, 0, len(r.campaigns))
	for _, c := range r.campaigns {
		if status != nil && c.Status != *status {
			continue
		}
		out = append(out, copyCampaign(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryRepository) ActivateCampaign(ctx context.Context, id string, ledgerID uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.campaigns[id]
	if !ok {
		return errs.New(errs.KindNotFound, "campaign %s not found", id)
	}
	if c.Status != CampaignStatusDraft {
		return errs.New(errs.KindAlreadyTerminal, "campaign %s is %s, not draft", id, c.Status)
	}
	if r.ledgerIDTaken(ledgerID, id) {
		return errs.New(errs.KindInvalidInput, "ledger id %d already mirrored", ledgerID)
	}
	lid := ledgerID
	c.LedgerID = &lid
	c.Status = CampaignStatusActive
	c.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryRepository) ReassignLedgerID(ctx context.Context, id string, oldID, newID uint64, raised decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.campaigns[id]
	if !ok {
		return errs.New(errs.KindNotFound, "campaign %s not found", id)
	}
	if c.LedgerID == nil || *c.LedgerID != oldID {
		return errs.New(errs.KindAlreadyTerminal, "campaign %s no longer mirrors ledger id %d", id, oldID)
	}
	if c.HasRetired(newID) || newID == oldID || r.ledgerIDTaken(newID, id) {
		return errs.New(errs.KindInvalidInput, "ledger id %d cannot be reused", newID)
	}
	c.RetiredLedgerIDs = append(c.RetiredLedgerIDs, oldID)
	lid := newID
	c.LedgerID = &lid
	c.Raised = raised
	c.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryRepository) AppendDonation(ctx context.Context, id string, donation Donation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.campaigns[id]
	if !ok {
		return errs.New(errs.KindNotFound, "campaign %s not found", id)
	}
	c.Donations = append(c.Donations, donation)
	c.Raised = c.Raised.Add(donation.Amount)
	c.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryRepository) SetRaised(ctx context.Context, id string, expected, raised decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.campaigns[id]
	if !ok {
		return errs.New(errs.KindNotFound, "campaign %s not found", id)
	}
	if !c.Raised.Equal(expected) {
		return errs.New(errs.KindAlreadyTerminal, "campaign %s raised changed from %s", id, expected.String()).
			WithDetail("raised", c.Raised.String())
	}
	c.Raised = raised
	c.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryRepository) CompleteMilestone(ctx context.Context, id string, position int, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.campaigns[id]
	if !ok {
		return errs.New(errs.KindNotFound, "campaign %s not found", id)
	}
	if position < 0 || position >= len(c.Milestones) {
		return errs.New(errs.KindNotFound, "campaign %s has no milestone %d", id, position)
	}
	m := &c.Milestones[position]
	if m.Completed {
		return nil
	}
	completedAt := at
	m.Completed = true
	m.CompletedAt = &completedAt
	c.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryRepository) CreateRequest(ctx context.Context, req *VerificationRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.requests {
		if existing.CampaignID != req.CampaignID || existing.Position != req.Position {
			continue
		}
		if req.Status == VerificationStatusPending && existing.Status == VerificationStatusPending {
			return errs.New(errs.KindDuplicateRequest, "milestone %d already has a pending request", req.Position).
				WithDetail("request_id", existing.ID)
		}
		if req.VerifiedKey != "" && existing.VerifiedKey == req.VerifiedKey {
			return errs.New(errs.KindDuplicateRequest, "milestone %d is already verified", req.Position).
				WithDetail("request_id", existing.ID)
		}
	}
	r.requests[req.ID] = copyRequest(req)
	return nil
}

func (r *MemoryRepository) GetRequest(ctx context.Context, id string) (*VerificationRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	req, ok := r.requests[id]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "verification request %s not found", id)
	}
	return copyRequest(req), nil
}

func (r *MemoryRepository) FindRequests(ctx context.Context, filter RequestFilter) ([]*VerificationRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*VerificationRequest
	for _, req := range r.requests {
		if filter.CampaignID != nil && req.CampaignID != *filter.CampaignID {
			continue
		}
		if filter.Position != nil && req.Position != *filter.Position {
			continue
		}
		if filter.Status != nil && req.Status != *filter.Status {
			continue
		}
		out = append(out, copyRequest(req))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out, nil
}

func (r *MemoryRepository) ResolveRequest(ctx context.Context, id string, version int, res Resolution) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.requests[id]
	if !ok {
		return errs.New(errs.KindNotFound, "verification request %s not found", id)
	}
	if req.Status != VerificationStatusPending || req.Version != version {
		return errs.New(errs.KindAlreadyTerminal, "verification request %s is %s", id, req.Status).
			WithDetail("status", req.Status)
	}
	if res.Status.Verified() {
		key := SlotKey(req.CampaignID, req.Position)
		for _, other := range r.requests {
			if other.ID != id && other.VerifiedKey == key {
				return errs.New(errs.KindDuplicateRequest, "milestone %d is already verified", req.Position)
			}
		}
		req.VerifiedKey = key
	}
	resolvedAt := res.ResolvedAt
	req.Status = res.Status
	req.Admin = res.Admin
	req.Notes = res.Notes
	req.ResolvedAt = &resolvedAt
	req.Release = res.Release
	req.Version++
	return nil
}

func (r *MemoryRepository) UpdateRelease(ctx context.Context, id string, release Release) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.requests[id]
	if !ok {
		return errs.New(errs.KindNotFound, "verification request %s not found", id)
	}
	req.Release = release
	return nil
}

func (r *MemoryRepository) ledgerIDTaken(ledgerID uint64, exceptID string) bool {
	for _, c := range r.campaigns {
		if c.ID != exceptID && c.LedgerID != nil && *c.LedgerID == ledgerID {
			return true
		}
	}
	return false
}

func copyCampaign(c *Campaign) *Campaign {
	out := *c
	if c.LedgerID != nil {
		lid := *c.LedgerID
		out.LedgerID = &lid
	}
	out.RetiredLedgerIDs = append([]uint64(nil), c.RetiredLedgerIDs...)
	out.Milestones = append([]Milestone(nil), c.Milestones...)
	out.Donations = append([]Donation(nil), c.Donations...)
	return &out
}

func copyRequest(r *VerificationRequest) *VerificationRequest {
	out := *r
	out.Evidence = append([]string(nil), r.Evidence...)
	return &out
}
