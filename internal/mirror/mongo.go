package mirror

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"crowdchain/escrow-backend/internal/errs"
)

const (
	campaignsCollection = "campaigns"
	requestsCollection  = "verification_requests"
)

// MongoRepository implements Repository on MongoDB. Campaign documents embed
// their milestones and donations; verification requests live in a separate
// collection.
type MongoRepository struct {
	campaigns *mongo.Collection
	requests  *mongo.Collection
	logger    *zap.Logger
}

// Connect opens a Mongo client with the decimal codec registered
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri).SetRegistry(NewRegistry()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}
	return client, nil
}

// NewMongoRepository creates the repository over db
func NewMongoRepository(db *mongo.Database, logger *zap.Logger) *MongoRepository {
	return &MongoRepository{
		campaigns: db.Collection(campaignsCollection),
		requests:  db.Collection(requestsCollection),
		logger:    logger,
	}
}

// EnsureIndexes creates the secondary index on ledger id and the partial
// unique indexes that serialize verification requests per slot.
func (r *MongoRepository) EnsureIndexes(ctx context.Context) error {
	if _, err := r.campaigns.Indexes().CreateMany(ctx, campaignIndexes()); err != nil {
		return fmt.Errorf("failed to create campaign indexes: %w", err)
	}
	if _, err := r.requests.Indexes().CreateMany(ctx, requestIndexes()); err != nil {
		return fmt.Errorf("failed to create verification request indexes: %w", err)
	}

	r.logger.Info("Mirror indexes ensured")
	return nil
}

func campaignIndexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "ledger_id", Value: 1}},
			Options: options.Index().
				SetName("uniq_ledger_id").
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"ledger_id": bson.M{"$exists": true}}),
		},
		{
			Keys:    bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}},
			Options: options.Index().SetName("status_created_at"),
		},
	}
}

// requestIndexes allow one pending and one verified request per slot
func requestIndexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "campaign_id", Value: 1}, {Key: "position", Value: 1}},
			Options: options.Index().
				SetName("uniq_pending_slot").
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"status": string(VerificationStatusPending)}),
		},
		{
			Keys: bson.D{{Key: "verified_key", Value: 1}},
			Options: options.Index().
				SetName("uniq_verified_slot").
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"verified_key": bson.M{"$exists": true}}),
		},
		{
			Keys:    bson.D{{Key: "status", Value: 1}, {Key: "requested_at", Value: 1}},
			Options: options.Index().SetName("status_requested_at"),
		},
	}
}

func (r *MongoRepository) CreateCampaign(ctx context.Context, campaign *Campaign) error {
	if _, err := r.campaigns.InsertOne(ctx, campaign); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return errs.Wrap(errs.KindInvalidInput, err, "campaign %s conflicts with an existing record", campaign.ID)
		}
		return fmt.Errorf("failed to create campaign: %w", err)
	}
	return nil
}

func (r *MongoRepository) GetCampaign(ctx context.Context, id string) (*Campaign, error) {
	return r.findCampaign(ctx, bson.M{"_id": id}, fmt.Sprintf("campaign %s", id))
}

func (r *MongoRepository) GetCampaignByLedgerID(ctx context.Context, ledgerID uint64) (*Campaign, error) {
	return r.findCampaign(ctx, bson.M{"ledger_id": ledgerID}, fmt.Sprintf("campaign with ledger id %d", ledgerID))
}

func (r *MongoRepository) findCampaign(ctx context.Context, filter bson.M, what string) (*Campaign, error) {
	var campaign Campaign
	err := r.campaigns.FindOne(ctx, filter).Decode(&campaign)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errs.New(errs.KindNotFound, "%s not found", what)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", what, err)
	}
	return &campaign, nil
}

func (r *MongoRepository) ListCampaigns(ctx context.Context, status *CampaignStatus) ([]*Campaign, error) {
	filter := bson.M{}
	if status != nil {
		filter["status"] = *status
	}

	cursor, err := r.campaigns.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}
	var campaigns []*Campaign
	if err := cursor.All(ctx, &campaigns); err != nil {
		return nil, fmt.Errorf("failed to decode campaigns: %w", err)
	}
	return campaigns, nil
}

func (r *MongoRepository) ActivateCampaign(ctx context.Context, id string, ledgerID uint64) error {
	result, err := r.campaigns.UpdateOne(ctx,
		bson.M{"_id": id, "status": CampaignStatusDraft},
		bson.M{"$set": bson.M{
			"ledger_id":  ledgerID,
			"status":     CampaignStatusActive,
			"updated_at": time.Now(),
		}},
	)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return errs.Wrap(errs.KindInvalidInput, err, "ledger id %d already mirrored", ledgerID)
		}
		return fmt.Errorf("failed to activate campaign: %w", err)
	}
	if result.MatchedCount == 0 {
		if _, err := r.GetCampaign(ctx, id); err != nil {
			return err
		}
		return errs.New(errs.KindAlreadyTerminal, "campaign %s is no longer a draft", id)
	}
	return nil
}

func (r *MongoRepository) ReassignLedgerID(ctx context.Context, id string, oldID, newID uint64, raised decimal.Decimal) error {
	if newID == oldID {
		return errs.New(errs.KindInvalidInput, "ledger id %d cannot be reused", newID)
	}
	result, err := r.campaigns.UpdateOne(ctx, reassignFilter(id, oldID, newID), reassignUpdate(oldID, newID, raised, time.Now()))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return errs.Wrap(errs.KindInvalidInput, err, "ledger id %d already mirrored", newID)
		}
		return fmt.Errorf("failed to reassign ledger id: %w", err)
	}
	if result.MatchedCount == 0 {
		campaign, err := r.GetCampaign(ctx, id)
		if err != nil {
			return err
		}
		if campaign.HasRetired(newID) {
			return errs.New(errs.KindInvalidInput, "ledger id %d cannot be reused", newID)
		}
		return errs.New(errs.KindAlreadyTerminal, "campaign %s no longer mirrors ledger id %d", id, oldID)
	}
	return nil
}

// reassignFilter matches only while the campaign still mirrors oldID and
// has never retired newID
func reassignFilter(id string, oldID, newID uint64) bson.M {
	return bson.M{"_id": id, "ledger_id": oldID, "retired_ledger_ids": bson.M{"$ne": newID}}
}

func reassignUpdate(oldID, newID uint64, raised decimal.Decimal, now time.Time) bson.M {
	return bson.M{
		"$set":  bson.M{"ledger_id": newID, "raised": raised, "updated_at": now},
		"$push": bson.M{"retired_ledger_ids": oldID},
	}
}

func (r *MongoRepository) AppendDonation(ctx context.Context, id string, donation Donation) error {
	result, err := r.campaigns.UpdateOne(ctx, bson.M{"_id": id}, donationUpdate(donation, time.Now()))
	if err != nil {
		return fmt.Errorf("failed to append donation: %w", err)
	}
	if result.MatchedCount == 0 {
		return errs.New(errs.KindNotFound, "campaign %s not found", id)
	}
	return nil
}

// donationUpdate pushes the donation and increments raised in the same
// write, so the two never disagree
func donationUpdate(donation Donation, now time.Time) bson.M {
	return bson.M{
		"$push": bson.M{"donations": donation},
		"$inc":  bson.M{"raised": donation.Amount},
		"$set":  bson.M{"updated_at": now},
	}
}

func (r *MongoRepository) SetRaised(ctx context.Context, id string, expected, raised decimal.Decimal) error {
	result, err := r.campaigns.UpdateOne(ctx,
		setRaisedFilter(id, expected),
		bson.M{"$set": bson.M{"raised": raised, "updated_at": time.Now()}},
	)
	if err != nil {
		return fmt.Errorf("failed to set raised amount: %w", err)
	}
	if result.MatchedCount == 0 {
		campaign, err := r.GetCampaign(ctx, id)
		if err != nil {
			return err
		}
		return errs.New(errs.KindAlreadyTerminal, "campaign %s raised changed from %s", id, expected.String()).
			WithDetail("raised", campaign.Raised.String())
	}
	return nil
}

func setRaisedFilter(id string, expected decimal.Decimal) bson.M {
	return bson.M{"_id": id, "raised": expected}
}

func (r *MongoRepository) CompleteMilestone(ctx context.Context, id string, position int, at time.Time) error {
	result, err := r.campaigns.UpdateOne(ctx,
		bson.M{
			"_id":        id,
			"milestones": bson.M{"$elemMatch": bson.M{"position": position, "completed": false}},
		},
		bson.M{"$set": bson.M{
			"milestones.$.completed":    true,
			"milestones.$.completed_at": at,
			"updated_at":                time.Now(),
		}},
	)
	if err != nil {
		return fmt.Errorf("failed to complete milestone: %w", err)
	}
	if result.MatchedCount > 0 {
		return nil
	}

	campaign, err := r.GetCampaign(ctx, id)
	if err != nil {
		return err
	}
	if position < 0 || position >= len(campaign.Milestones) {
		return errs.New(errs.KindNotFound, "campaign %s has no milestone %d", id, position)
	}
	return nil
}

func (r *MongoRepository) CreateRequest(ctx context.Context, req *VerificationRequest) error {
	if _, err := r.requests.InsertOne(ctx, req); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return errs.Wrap(errs.KindDuplicateRequest, err, "milestone %d already has an active or verified request", req.Position)
		}
		return fmt.Errorf("failed to create verification request: %w", err)
	}
	return nil
}

func (r *MongoRepository) GetRequest(ctx context.Context, id string) (*VerificationRequest, error) {
	var req VerificationRequest
	err := r.requests.FindOne(ctx, bson.M{"_id": id}).Decode(&req)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errs.New(errs.KindNotFound, "verification request %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get verification request: %w", err)
	}
	return &req, nil
}

func (r *MongoRepository) FindRequests(ctx context.Context, filter RequestFilter) ([]*VerificationRequest, error) {
	query := bson.M{}
	if filter.CampaignID != nil {
		query["campaign_id"] = *filter.CampaignID
	}
	if filter.Position != nil {
		query["position"] = *filter.Position
	}
	if filter.Status != nil {
		query["status"] = *filter.Status
	}

	cursor, err := r.requests.Find(ctx, query, options.Find().SetSort(bson.D{{Key: "requested_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to find verification requests: %w", err)
	}
	var requests []*VerificationRequest
	if err := cursor.All(ctx, &requests); err != nil {
		return nil, fmt.Errorf("failed to decode verification requests: %w", err)
	}
	return requests, nil
}

func (r *MongoRepository) ResolveRequest(ctx context.Context, id string, version int, res Resolution) error {
	// the verified key needs the slot of the stored request
	slot := ""
	if res.Status.Verified() {
		current, err := r.GetRequest(ctx, id)
		if err != nil {
			return err
		}
		slot = SlotKey(current.CampaignID, current.Position)
	}

	result, err := r.requests.UpdateOne(ctx, resolveFilter(id, version), resolveUpdate(res, slot))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return errs.Wrap(errs.KindDuplicateRequest, err, "milestone is already verified")
		}
		return fmt.Errorf("failed to resolve verification request: %w", err)
	}
	if result.MatchedCount == 0 {
		current, err := r.GetRequest(ctx, id)
		if err != nil {
			return err
		}
		return errs.New(errs.KindAlreadyTerminal, "verification request %s is %s", id, current.Status).
			WithDetail("status", current.Status)
	}
	return nil
}

// resolveFilter matches only a pending request at the version the caller read
func resolveFilter(id string, version int) bson.M {
	return bson.M{"_id": id, "status": VerificationStatusPending, "version": version}
}

func resolveUpdate(res Resolution, slot string) bson.M {
	set := bson.M{
		"status":      res.Status,
		"admin":       res.Admin,
		"notes":       res.Notes,
		"resolved_at": res.ResolvedAt,
		"release":     res.Release,
	}
	if slot != "" {
		set["verified_key"] = slot
	}
	return bson.M{"$set": set, "$inc": bson.M{"version": 1}}
}

func (r *MongoRepository) UpdateRelease(ctx context.Context, id string, release Release) error {
	result, err := r.requests.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"release": release}},
	)
	if err != nil {
		return fmt.Errorf("failed to update release: %w", err)
	}
	if result.MatchedCount == 0 {
		return errs.New(errs.KindNotFound, "verification request %s not found", id)
	}
	return nil
}
