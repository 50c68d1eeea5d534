// Package verification decides milestone verification through two peer
// paths: automatic evaluation against the cumulative target, and the
// creator-requests / admin-approves state machine. Both end in the same
// release follow-up.
package verification

import (
	"context"
	"time"

	"go.uber.org/zap"

	"crowdchain/escrow-backend/internal/audit"
	"crowdchain/escrow-backend/internal/auth"
	"crowdchain/escrow-backend/internal/coordinator"
	"crowdchain/escrow-backend/internal/errs"
	"crowdchain/escrow-backend/internal/ledger"
	"crowdchain/escrow-backend/internal/mirror"
	"crowdchain/escrow-backend/pkg/locks"
	"crowdchain/escrow-backend/pkg/workflows"
)

// Submitter sends state-changing ledger calls
type Submitter interface {
	Submit(ctx context.Context, conn ledger.Connection, op coordinator.Operation, commit coordinator.CommitFunc) (*coordinator.Receipt, error)
}

// StatusReader reads the on-chain verification flag of a milestone
type StatusReader interface {
	GetVerificationStatus(ctx context.Context, ledgerID uint64, position int) (bool, error)
}

// EvidenceChecker validates evidence references and links them for review
type EvidenceChecker interface {
	Check(ctx context.Context, refs []string) error
	Links(ctx context.Context, refs []string, ttl time.Duration) (map[string]string, error)
}

// evidenceLinkTTL bounds how long a review link stays valid
const evidenceLinkTTL = 15 * time.Minute

// Deps are the collaborators of the service
type Deps struct {
	Repo        mirror.Repository
	Coordinator Submitter
	Ledger      StatusReader
	Authorizer  auth.Authorizer
	Evidence    EvidenceChecker
	Audit       audit.Recorder
	Logger      *zap.Logger
}

// Service runs the evaluator and the approval state machine
type Service struct {
	repo        mirror.Repository
	coordinator Submitter
	ledger      StatusReader
	authz       auth.Authorizer
	evidence    EvidenceChecker
	audit       audit.Recorder
	transitions *workflows.StateMachine
	slots       *locks.KeyedMutex
	now         func() time.Time
	logger      *zap.Logger
}

// NewService creates the verification service
func NewService(d Deps) *Service {
	return &Service{
		repo:        d.Repo,
		coordinator: d.Coordinator,
		ledger:      d.Ledger,
		authz:       d.Authorizer,
		evidence:    d.Evidence,
		audit:       d.Audit,
		transitions: workflows.NewStateMachine(),
		slots:       locks.NewKeyedMutex(),
		now:         time.Now,
		logger:      d.Logger,
	}
}

// lockSlot serializes every transition of one (campaign, position) pair
func (s *Service) lockSlot(ctx context.Context, campaignID string, position int) (func(), error) {
	return s.slots.Lock(ctx, mirror.SlotKey(campaignID, position))
}

// slotState derives the state of a milestone slot from its requests. An
// active or verified request wins over older rejected ones.
func (s *Service) slotState(ctx context.Context, campaignID string, position int) (string, *mirror.VerificationRequest, error) {
	requests, err := s.repo.FindRequests(ctx, mirror.RequestFilter{CampaignID: &campaignID, Position: &position})
	if err != nil {
		return "", nil, err
	}

	state := workflows.StateNone
	var current *mirror.VerificationRequest
	for _, req := range requests {
		switch {
		case req.Status == mirror.VerificationStatusPending || s.transitions.IsFinal(string(req.Status)):
			return string(req.Status), req, nil
		case req.Status == mirror.VerificationStatusRejected:
			state, current = workflows.StateRejected, req
		}
	}
	return state, current, nil
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

func (s *Service) record(ctx context.Context, transition audit.Transition, actor string, req *mirror.VerificationRequest, details map[string]interface{}) {
	if s.audit == nil {
		return
	}
	if details == nil {
		details = map[string]interface{}{}
	}
	details["position"] = req.Position
	details["status"] = req.Status
	s.audit.Record(ctx, audit.NewEntry(transition, actor, req.CampaignID, details).ForRequest(req.ID))
}

// GetRequest returns one verification request
func (s *Service) GetRequest(ctx context.Context, id string) (*mirror.VerificationRequest, error) {
	return s.repo.GetRequest(ctx, id)
}

// EvidenceLinks returns download links for the evidence of a request. Only
// the requester and administrators may see them.
func (s *Service) EvidenceLinks(ctx context.Context, id, identity string) (map[string]string, error) {
	req, err := s.repo.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Requester == "" || !auth.SameIdentity(req.Requester, identity) {
		if err := s.requireAdmin(ctx, identity); err != nil {
			return nil, err
		}
	}
	if s.evidence == nil {
		return map[string]string{}, nil
	}
	return s.evidence.Links(ctx, req.Evidence, evidenceLinkTTL)
}

// ListRequests returns requests matching filter, oldest first
func (s *Service) ListRequests(ctx context.Context, filter mirror.RequestFilter) ([]*mirror.VerificationRequest, error) {
	requests, err := s.repo.FindRequests(ctx, filter)
	if err != nil {
		return nil, err
	}
	if requests == nil {
		requests = []*mirror.VerificationRequest{}
	}
	return requests, nil
}
