package verification

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"crowdchain/escrow-backend/internal/audit"
	"crowdchain/escrow-backend/internal/auth"
	"crowdchain/escrow-backend/internal/coordinator"
	"crowdchain/escrow-backend/internal/errs"
	"crowdchain/escrow-backend/internal/evidence"
	"crowdchain/escrow-backend/internal/ledger"
	"crowdchain/escrow-backend/internal/ledger/ledgertest"
	"crowdchain/escrow-backend/internal/mirror"
	"crowdchain/escrow-backend/pkg/storage"
)

const (
	creator  = "0x00000000000000000000000000000000000000c1"
	admin    = "0x00000000000000000000000000000000000000a1"
	stranger = "0x00000000000000000000000000000000000000e1"
)

type fixture struct {
	svc      *Service
	repo     *mirror.MemoryRepository
	fake     *ledgertest.Ledger
	recorder *audit.MemoryRecorder
	conn     ledger.Connection
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newFixture(t *testing.T) *fixture {
	logger := zaptest.NewLogger(t)
	fake := ledgertest.New()
	repo := mirror.NewMemoryRepository()
	recorder := audit.NewMemoryRecorder()

	coord := coordinator.New(fake, coordinator.Config{MaxAttempts: 3, BaseDelay: time.Millisecond}, logger,
		coordinator.WithSleeper(func(ctx context.Context, d time.Duration) error { return nil }))
	t.Cleanup(coord.Close)

	svc := NewService(Deps{
		Repo:        repo,
		Coordinator: coord,
		Ledger:      fake,
		Authorizer:  auth.NewStaticAuthorizer(admin),
		Audit:       recorder,
		Logger:      logger,
	})
	return &fixture{svc: svc, repo: repo, fake: fake, recorder: recorder, conn: ledgertest.TestConnection(admin)}
}

// seedCampaign creates an active campaign with targets [5, 10, 8] and the
// given raised amount, mirrored on both sides.
func (f *fixture) seedCampaign(t *testing.T, raised string) string {
	ctx := context.Background()
	amounts := []decimal.Decimal{dec("5"), dec("10"), dec("8")}
	ledgerID := f.fake.Seed(creator, dec("23"), amounts...)

	campaign := &mirror.Campaign{
		ID:           "campaign-1",
		Title:        "Water well",
		Goal:         dec("23"),
		Raised:       decimal.Zero,
		DurationDays: 30,
		Creator:      creator,
		Status:       mirror.CampaignStatusDraft,
		CreatedAt:    time.Now(),
	}
	for i, a := range amounts {
		campaign.Milestones = append(campaign.Milestones, mirror.Milestone{Position: i, Target: a})
	}
	require.NoError(t, f.repo.CreateCampaign(ctx, campaign))
	require.NoError(t, f.repo.ActivateCampaign(ctx, campaign.ID, ledgerID))

	if r := dec(raised); r.IsPositive() {
		require.NoError(t, f.repo.AppendDonation(ctx, campaign.ID, mirror.Donation{ID: "d1", Donor: stranger, Amount: r}))
		f.fake.SetRaised(ledgerID, r)
	}
	return campaign.ID
}

func TestScenarioCumulativeAmounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.seedCampaign(t, "15")

	result, err := f.svc.Evaluate(ctx, f.conn, id, 1, admin)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAutoVerified, result.Outcome)
	assert.True(t, dec("15").Equal(result.Request.Amount))

	_, err = f.svc.Evaluate(ctx, f.conn, id, 2, admin)
	assert.True(t, errs.Is(err, errs.KindNotReached))

	_, err = f.svc.Request(ctx, f.conn, RequestInput{CampaignID: id, Position: 2, Requester: creator, Amount: dec("15")})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindAmountMismatch))
	var typed *errs.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, "23", typed.Details["expected"])

	req, err := f.svc.Request(ctx, f.conn, RequestInput{CampaignID: id, Position: 2, Requester: creator, Amount: dec("23")})
	require.NoError(t, err)
	assert.Equal(t, mirror.VerificationStatusPending, req.Status)
	assert.True(t, f.fake.Requested(0, 2))
}

func TestEvaluateIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.seedCampaign(t, "15")

	first, err := f.svc.Evaluate(ctx, f.conn, id, 0, admin)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAutoVerified, first.Outcome)
	assert.Equal(t, mirror.ReleaseStatusReleased, first.Request.Release.Status)
	assert.Empty(t, first.Request.Admin)

	second, err := f.svc.Evaluate(ctx, f.conn, id, 0, admin)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyVerified, second.Outcome)
	assert.Equal(t, first.Request.ID, second.Request.ID)

	requests, err := f.svc.ListRequests(ctx, mirror.RequestFilter{CampaignID: &id})
	require.NoError(t, err)
	assert.Len(t, requests, 1)
	assert.Equal(t, 1, f.fake.Calls(ledgertest.OpApproveMilestone))

	campaign, err := f.repo.GetCampaign(ctx, id)
	require.NoError(t, err)
	assert.True(t, campaign.Milestones[0].Completed)
	assert.False(t, campaign.Milestones[1].Completed)
}

func TestEvaluateLeavesPendingRequestToReview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.seedCampaign(t, "15")

	_, err := f.svc.Request(ctx, f.conn, RequestInput{CampaignID: id, Position: 0, Requester: creator, Amount: dec("5")})
	require.NoError(t, err)

	result, err := f.svc.Evaluate(ctx, f.conn, id, 0, admin)
	require.NoError(t, err)
	assert.Equal(t, OutcomePendingReview, result.Outcome)
	assert.Equal(t, mirror.VerificationStatusPending, result.Request.Status)
}

func TestConcurrentRequestsYieldOnePending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.seedCampaign(t, "0")

	const n = 12
	var wg sync.WaitGroup
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Request(ctx, f.conn, RequestInput{CampaignID: id, Position: 1, Requester: creator, Amount: dec("15")})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var ok, duplicate int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errs.Is(err, errs.KindDuplicateRequest):
			duplicate++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, duplicate)

	pending := mirror.VerificationStatusPending
	requests, err := f.svc.ListRequests(ctx, mirror.RequestFilter{CampaignID: &id, Status: &pending})
	require.NoError(t, err)
	assert.Len(t, requests, 1)
	assert.True(t, errs.KindDuplicateRequest.Idempotent())
}

func TestRequestRequiresCreator(t *testing.T) {
	f := newFixture(t)
	id := f.seedCampaign(t, "0")

	_, err := f.svc.Request(context.Background(), f.conn, RequestInput{CampaignID: id, Position: 0, Requester: stranger, Amount: dec("5")})
	assert.True(t, errs.Is(err, errs.KindUnauthorized))
	assert.Equal(t, 0, f.fake.Calls(ledgertest.OpRequestVerification))
}

func TestApproveAndRejectRequireAdministrator(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.seedCampaign(t, "0")

	req, err := f.svc.Request(ctx, f.conn, RequestInput{CampaignID: id, Position: 0, Requester: creator, Amount: dec("5")})
	require.NoError(t, err)

	for _, identity := range []string{stranger, creator, ""} {
		_, err = f.svc.Approve(ctx, f.conn, req.ID, identity, "looks good")
		assert.True(t, errs.Is(err, errs.KindUnauthorized))

		_, err = f.svc.Reject(ctx, req.ID, identity, "no")
		assert.True(t, errs.Is(err, errs.KindUnauthorized))
	}

	stored, err := f.svc.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, mirror.VerificationStatusPending, stored.Status)
}

func TestApproveTwiceFailsAlreadyTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.seedCampaign(t, "0")

	req, err := f.svc.Request(ctx, f.conn, RequestInput{CampaignID: id, Position: 0, Requester: creator, Amount: dec("5")})
	require.NoError(t, err)

	approved, err := f.svc.Approve(ctx, f.conn, req.ID, admin, "receipts checked")
	require.NoError(t, err)
	assert.Equal(t, mirror.VerificationStatusApproved, approved.Status)
	assert.Equal(t, admin, approved.Admin)
	assert.Equal(t, mirror.ReleaseStatusReleased, approved.Release.Status)

	_, err = f.svc.Approve(ctx, f.conn, req.ID, admin, "again")
	assert.True(t, errs.Is(err, errs.KindAlreadyTerminal))
	assert.True(t, errs.KindOf(err).Idempotent())

	stored, err := f.svc.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, approved.Status, stored.Status)
	assert.Equal(t, "receipts checked", stored.Notes)
	assert.Equal(t, approved.Version, stored.Version)
	assert.Equal(t, 1, f.fake.Calls(ledgertest.OpApproveMilestone))

	_, err = f.svc.Reject(ctx, req.ID, admin, "too late")
	assert.True(t, errs.Is(err, errs.KindAlreadyTerminal))

	_, err = f.svc.Request(ctx, f.conn, RequestInput{CampaignID: id, Position: 0, Requester: creator, Amount: dec("5")})
	assert.True(t, errs.Is(err, errs.KindAlreadyVerified))
}

func TestRejectThenRequestAgain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.seedCampaign(t, "0")

	req, err := f.svc.Request(ctx, f.conn, RequestInput{CampaignID: id, Position: 0, Requester: creator, Amount: dec("5")})
	require.NoError(t, err)

	_, err = f.svc.Reject(ctx, req.ID, admin, "  ")
	assert.True(t, errs.Is(err, errs.KindInvalidInput))

	rejected, err := f.svc.Reject(ctx, req.ID, admin, "evidence is unreadable")
	require.NoError(t, err)
	assert.Equal(t, mirror.VerificationStatusRejected, rejected.Status)
	assert.Equal(t, "evidence is unreadable", rejected.Notes)

	campaign, err := f.repo.GetCampaign(ctx, id)
	require.NoError(t, err)
	assert.False(t, campaign.Milestones[0].Completed)

	again, err := f.svc.Request(ctx, f.conn, RequestInput{CampaignID: id, Position: 0, Requester: creator, Amount: dec("5")})
	require.NoError(t, err)
	assert.NotEqual(t, req.ID, again.ID)
	assert.Equal(t, mirror.VerificationStatusPending, again.Status)
}

func TestReleaseFailureKeepsApprovalAndCanBeRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.seedCampaign(t, "0")

	req, err := f.svc.Request(ctx, f.conn, RequestInput{CampaignID: id, Position: 0, Requester: creator, Amount: dec("5")})
	require.NoError(t, err)

	f.fake.FailNext(ledgertest.OpApproveMilestone, ledgertest.Transient(), ledgertest.Transient(), ledgertest.Transient())
	approved, err := f.svc.Approve(ctx, f.conn, req.ID, admin, "ok")
	require.NoError(t, err)
	assert.Equal(t, mirror.VerificationStatusApproved, approved.Status)
	assert.Equal(t, mirror.ReleaseStatusFailed, approved.Release.Status)
	assert.Equal(t, 1, approved.Release.Attempts)
	assert.NotEmpty(t, approved.Release.LastError)

	_, err = f.svc.RetryRelease(ctx, f.conn, req.ID, stranger)
	assert.True(t, errs.Is(err, errs.KindUnauthorized))

	released, err := f.svc.RetryRelease(ctx, f.conn, req.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, mirror.VerificationStatusApproved, released.Status)
	assert.Equal(t, mirror.ReleaseStatusReleased, released.Release.Status)
	assert.Equal(t, 2, released.Release.Attempts)
	assert.NotEmpty(t, released.Release.TxRef)
	calls := f.fake.Calls(ledgertest.OpApproveMilestone)

	again, err := f.svc.RetryRelease(ctx, f.conn, req.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, mirror.ReleaseStatusReleased, again.Release.Status)
	assert.Equal(t, calls, f.fake.Calls(ledgertest.OpApproveMilestone))

	assert.Contains(t, f.recorder.Transitions(), audit.TransitionMilestoneApproved)
	assert.Contains(t, f.recorder.Transitions(), audit.TransitionReleaseUpdated)
}

func TestRetryReleaseTreatsVerifiedLedgerAsReleased(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.seedCampaign(t, "0")

	req, err := f.svc.Request(ctx, f.conn, RequestInput{CampaignID: id, Position: 0, Requester: creator, Amount: dec("5")})
	require.NoError(t, err)

	f.fake.FailNext(ledgertest.OpApproveMilestone, errs.New(errs.KindUserDeclined, "declined"))
	approved, err := f.svc.Approve(ctx, f.conn, req.ID, admin, "ok")
	require.NoError(t, err)
	assert.Equal(t, mirror.ReleaseStatusFailed, approved.Release.Status)

	f.fake.MarkVerified(0, 0)
	calls := f.fake.Calls(ledgertest.OpApproveMilestone)

	released, err := f.svc.RetryRelease(ctx, f.conn, req.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, mirror.ReleaseStatusReleased, released.Release.Status)
	assert.Equal(t, calls, f.fake.Calls(ledgertest.OpApproveMilestone))
}

func TestRetryReleaseRejectsUnverifiedRequests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.seedCampaign(t, "0")

	req, err := f.svc.Request(ctx, f.conn, RequestInput{CampaignID: id, Position: 0, Requester: creator, Amount: dec("5")})
	require.NoError(t, err)

	_, err = f.svc.RetryRelease(ctx, f.conn, req.ID, admin)
	assert.True(t, errs.Is(err, errs.KindInvalidInput))
}

func TestEvidenceCheckedAndLinked(t *testing.T) {
	f := newFixture(t)
	f.svc.evidence = evidence.NewChecker(storage.NewMemoryStore("evidence/well/photo.jpg"), "evidence", zaptest.NewLogger(t))
	ctx := context.Background()
	id := f.seedCampaign(t, "5")

	_, err := f.svc.Request(ctx, f.conn, RequestInput{
		CampaignID: id, Position: 0, Requester: creator, Amount: dec("5"), Evidence: []string{"well/missing.jpg"},
	})
	require.True(t, errs.Is(err, errs.KindInvalidInput))

	req, err := f.svc.Request(ctx, f.conn, RequestInput{
		CampaignID: id, Position: 0, Requester: creator, Amount: dec("5"), Evidence: []string{"well/photo.jpg"},
	})
	require.NoError(t, err)

	links, err := f.svc.EvidenceLinks(ctx, req.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, "https://evidence.s3.amazonaws.com/well/photo.jpg", links["well/photo.jpg"])

	_, err = f.svc.EvidenceLinks(ctx, req.ID, creator)
	assert.NoError(t, err)
	_, err = f.svc.EvidenceLinks(ctx, req.ID, stranger)
	assert.True(t, errs.Is(err, errs.KindUnauthorized))
}
