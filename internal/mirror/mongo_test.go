package mirror

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap/zaptest"

	"crowdchain/escrow-backend/internal/errs"
)

func TestReassignDocuments(t *testing.T) {
	filter := reassignFilter("c1", 4, 7)
	assert.Equal(t, "c1", filter["_id"])
	assert.Equal(t, uint64(4), filter["ledger_id"])
	assert.Equal(t, bson.M{"$ne": uint64(7)}, filter["retired_ledger_ids"])

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	update := reassignUpdate(4, 7, decimal.RequireFromString("2.5"), now)
	set := update["$set"].(bson.M)
	assert.Equal(t, uint64(7), set["ledger_id"])
	assert.True(t, set["raised"].(decimal.Decimal).Equal(decimal.RequireFromString("2.5")))
	assert.Equal(t, now, set["updated_at"])
	assert.Equal(t, bson.M{"retired_ledger_ids": uint64(4)}, update["$push"])
}

func TestResolveDocuments(t *testing.T) {
	assert.Equal(t, bson.M{"_id": "r1", "status": VerificationStatusPending, "version": 2}, resolveFilter("r1", 2))

	rejected := resolveUpdate(Resolution{Status: VerificationStatusRejected, Notes: "blurry"}, "")
	assert.NotContains(t, rejected["$set"], "verified_key")
	assert.Equal(t, "blurry", rejected["$set"].(bson.M)["notes"])
	assert.Equal(t, bson.M{"version": 1}, rejected["$inc"])

	approved := resolveUpdate(Resolution{Status: VerificationStatusApproved}, SlotKey("c1", 0))
	assert.Equal(t, SlotKey("c1", 0), approved["$set"].(bson.M)["verified_key"])
}

func TestDonationUpdateIncrementsDecimal128(t *testing.T) {
	update := donationUpdate(Donation{ID: "d1", Amount: decimal.RequireFromString("0.1")}, time.Now())

	data, err := bson.MarshalWithRegistry(NewRegistry(), update)
	require.NoError(t, err)
	inc := bson.Raw(data).Lookup("$inc", "raised")
	assert.Equal(t, bson.TypeDecimal128, inc.Type)
	assert.Equal(t, "0.1", inc.Decimal128().String())

	data, err = bson.MarshalWithRegistry(NewRegistry(), setRaisedFilter("c1", decimal.NewFromInt(7)))
	require.NoError(t, err)
	assert.Equal(t, bson.TypeDecimal128, bson.Raw(data).Lookup("raised").Type)
}

func TestIndexDefinitions(t *testing.T) {
	names := map[string]bool{}
	for _, m := range append(campaignIndexes(), requestIndexes()...) {
		names[*m.Options.Name] = true
	}
	for _, name := range []string{"uniq_ledger_id", "status_created_at", "uniq_pending_slot", "uniq_verified_slot", "status_requested_at"} {
		assert.True(t, names[name], name)
	}

	pending := requestIndexes()[0]
	assert.True(t, *pending.Options.Unique)
	assert.Equal(t, bson.M{"status": string(VerificationStatusPending)}, pending.Options.PartialFilterExpression)
	assert.Equal(t, bson.D{{Key: "campaign_id", Value: 1}, {Key: "position", Value: 1}}, pending.Keys)
}

// newMongoRepository runs against MONGO_TEST_URI in a throwaway database
func newMongoRepository(t *testing.T) *MongoRepository {
	uri := os.Getenv("MONGO_TEST_URI")
	if uri == "" {
		t.Skip("MONGO_TEST_URI not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := Connect(ctx, uri)
	require.NoError(t, err)
	db := client.Database(fmt.Sprintf("escrow_test_%d", time.Now().UnixNano()))
	t.Cleanup(func() {
		_ = db.Drop(context.Background())
		_ = client.Disconnect(context.Background())
	})

	repo := NewMongoRepository(db, zaptest.NewLogger(t))
	require.NoError(t, repo.EnsureIndexes(ctx))
	return repo
}

func TestMongoRepositoryCampaignWrites(t *testing.T) {
	repo := newMongoRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.CreateCampaign(ctx, newDraft("c1")))
	require.NoError(t, repo.ActivateCampaign(ctx, "c1", 4))

	assert.True(t, errs.Is(repo.ReassignLedgerID(ctx, "c1", 3, 7, decimal.Zero), errs.KindAlreadyTerminal))
	assert.True(t, errs.Is(repo.ReassignLedgerID(ctx, "c1", 4, 4, decimal.Zero), errs.KindInvalidInput))
	require.NoError(t, repo.ReassignLedgerID(ctx, "c1", 4, 7, decimal.RequireFromString("2")))
	assert.True(t, errs.Is(repo.ReassignLedgerID(ctx, "c1", 7, 4, decimal.Zero), errs.KindInvalidInput))

	require.NoError(t, repo.AppendDonation(ctx, "c1", Donation{ID: "d1", Amount: decimal.RequireFromString("4")}))
	require.NoError(t, repo.AppendDonation(ctx, "c1", Donation{ID: "d2", Amount: decimal.RequireFromString("3.5")}))

	c, err := repo.GetCampaign(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), *c.LedgerID)
	assert.Equal(t, []uint64{4}, c.RetiredLedgerIDs)
	assert.True(t, c.Raised.Equal(decimal.RequireFromString("9.5")), c.Raised.String())
	assert.Len(t, c.Donations, 2)

	assert.True(t, errs.Is(repo.SetRaised(ctx, "c1", decimal.NewFromInt(1), decimal.NewFromInt(5)), errs.KindAlreadyTerminal))
	require.NoError(t, repo.SetRaised(ctx, "c1", decimal.RequireFromString("9.5"), decimal.NewFromInt(5)))

	// a second campaign cannot mirror an id already in use
	require.NoError(t, repo.CreateCampaign(ctx, newDraft("c2")))
	assert.True(t, errs.Is(repo.ActivateCampaign(ctx, "c2", 7), errs.KindInvalidInput))
}

func TestMongoRepositoryRequestSlots(t *testing.T) {
	repo := newMongoRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.CreateRequest(ctx, pendingRequest("r1", 0)))
	assert.True(t, errs.Is(repo.CreateRequest(ctx, pendingRequest("r2", 0)), errs.KindDuplicateRequest))
	require.NoError(t, repo.CreateRequest(ctx, pendingRequest("r3", 1)))

	assert.True(t, errs.Is(repo.ResolveRequest(ctx, "r1", 3, Resolution{Status: VerificationStatusRejected}), errs.KindAlreadyTerminal))
	require.NoError(t, repo.ResolveRequest(ctx, "r1", 0, Resolution{Status: VerificationStatusApproved, ResolvedAt: time.Now()}))
	assert.True(t, errs.Is(repo.ResolveRequest(ctx, "r1", 1, Resolution{Status: VerificationStatusRejected}), errs.KindAlreadyTerminal))

	req, err := repo.GetRequest(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, req.Version)
	assert.Equal(t, SlotKey("c1", 0), req.VerifiedKey)

	// the slot is free for pending again but cannot be verified twice
	require.NoError(t, repo.CreateRequest(ctx, pendingRequest("r4", 0)))
	err = repo.ResolveRequest(ctx, "r4", 0, Resolution{Status: VerificationStatusApproved, ResolvedAt: time.Now()})
	assert.True(t, errs.Is(err, errs.KindDuplicateRequest))
}
