// Package coordinator submits state-changing ledger calls. It owns the only
// retry policy in the engine and the simulated-donation fallback.
package coordinator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"crowdchain/escrow-backend/internal/errs"
	"crowdchain/escrow-backend/internal/ledger"
	"crowdchain/escrow-backend/pkg/cache"
	"crowdchain/escrow-backend/pkg/locks"
)

// OperationKind names a state-changing ledger call
type OperationKind string

const (
	OpCreateCampaign      OperationKind = "create_campaign"
	OpDonate              OperationKind = "donate"
	OpRequestVerification OperationKind = "request_verification"
	OpApproveMilestone    OperationKind = "approve_milestone"
)

// Operation describes one submission. CampaignID is the off-chain id; it
// keys serialization and logging.
type Operation struct {
	Kind       OperationKind
	CampaignID string
	LedgerID   uint64
	Position   int
	Amount     decimal.Decimal
	Actor      string
	Campaign   ledger.CampaignParams
}

func (op Operation) validate() error {
	if op.CampaignID == "" {
		return errs.New(errs.KindInvalidInput, "operation %s has no campaign", op.Kind)
	}
	switch op.Kind {
	case OpCreateCampaign:
		if len(op.Campaign.MilestoneAmounts) == 0 {
			return errs.New(errs.KindInvalidInput, "campaign creation needs milestones")
		}
	case OpDonate:
		if op.Amount.Sign() <= 0 {
			return errs.New(errs.KindInvalidInput, "donation amount must be positive")
		}
	case OpRequestVerification, OpApproveMilestone:
		if op.Position < 0 {
			return errs.New(errs.KindInvalidInput, "milestone position must not be negative")
		}
	default:
		return errs.New(errs.KindInvalidInput, "unknown operation %q", op.Kind)
	}
	return nil
}

func (op Operation) lockKey() string {
	return op.CampaignID + ":" + string(op.Kind)
}

// Receipt is returned for a committed submission
type Receipt struct {
	Operation   Operation `json:"-"`
	TxRef       string    `json:"tx_ref"`
	LedgerID    *uint64   `json:"ledger_campaign_id,omitempty"`
	Attempts    int       `json:"attempts"`
	Simulated   bool      `json:"simulated"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// CommitFunc performs the single mirror write for a receipt
type CommitFunc func(ctx context.Context, receipt *Receipt) error

// FallbackOffer lets a caller record a simulated donation after the ledger
// stayed overloaded through every attempt.
type FallbackOffer struct {
	ID         string          `json:"id"`
	CampaignID string          `json:"campaign_id"`
	Donor      string          `json:"donor"`
	Amount     decimal.Decimal `json:"amount"`
	ExpiresAt  time.Time       `json:"expires_at"`

	op Operation
}

// OfferFrom extracts the fallback offer attached to an exhausted donation
func OfferFrom(err error) (*FallbackOffer, bool) {
	var e *errs.Error
	if !errors.As(err, &e) || e.Details == nil {
		return nil, false
	}
	offer, ok := e.Details["fallback_offer"].(*FallbackOffer)
	return offer, ok
}

// Config holds the retry policy
type Config struct {
	MaxAttempts    int           `json:"max_attempts"`
	BaseDelay      time.Duration `json:"base_delay"`
	AllowSimulated bool          `json:"allow_simulated"`
	FallbackTTL    time.Duration `json:"fallback_ttl"`
}

// DefaultConfig returns the production retry policy
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		BaseDelay:      time.Second,
		AllowSimulated: true,
		FallbackTTL:    15 * time.Minute,
	}
}

// Sleeper waits for d or until ctx is done
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Option customizes a Coordinator
type Option func(*Coordinator)

// WithSleeper replaces the backoff sleeper
func WithSleeper(s Sleeper) Option {
	return func(c *Coordinator) { c.sleep = s }
}

// WithClock replaces the time source
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// Coordinator submits ledger operations with bounded retry
type Coordinator struct {
	client ledger.Client
	config Config
	locks  *locks.KeyedMutex
	offers *cache.TTLCache
	sleep  Sleeper
	now    func() time.Time
	logger *zap.Logger
}

// New creates a coordinator over client
func New(client ledger.Client, config Config, logger *zap.Logger, opts ...Option) *Coordinator {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.FallbackTTL <= 0 {
		config.FallbackTTL = DefaultConfig().FallbackTTL
	}
	c := &Coordinator{
		client: client,
		config: config,
		locks:  locks.NewKeyedMutex(),
		offers: cache.NewTTLCache(config.FallbackTTL),
		sleep:  sleepContext,
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close stops background cleanup of fallback offers
func (c *Coordinator) Close() {
	c.offers.Close()
}

// Submit performs op against the ledger and, on success, calls commit exactly
// once. Nothing is committed when the ledger call fails. Submissions for the
// same campaign and operation kind are serialized, except donations.
func (c *Coordinator) Submit(ctx context.Context, conn ledger.Connection, op Operation, commit CommitFunc) (*Receipt, error) {
	if err := op.validate(); err != nil {
		return nil, err
	}
	if err := conn.Validate(); err != nil {
		return nil, err
	}

	if op.Kind != OpDonate {
		unlock, err := c.locks.Lock(ctx, op.lockKey())
		if err != nil {
			return nil, err
		}
		defer unlock()
	}

	logger := c.logger.With(
		zap.String("operation", string(op.Kind)),
		zap.String("campaign_id", op.CampaignID))

	receipt := &Receipt{Operation: op, SubmittedAt: c.now()}

	var err error
	switch op.Kind {
	case OpCreateCampaign:
		err = c.createCampaign(ctx, conn, op, receipt, logger)
	default:
		err = c.transact(ctx, conn, op, receipt, logger)
	}
	if err != nil {
		if op.Kind == OpDonate && c.config.AllowSimulated && errs.Is(err, errs.KindTransientLedgerFailure) {
			err = c.attachOffer(err, op)
		}
		logger.Warn("Ledger submission failed",
			zap.Int("attempt", receipt.Attempts),
			zap.String("kind", string(errs.KindOf(err))),
			zap.Error(err))
		return nil, err
	}

	return c.commit(ctx, receipt, commit, logger)
}

// SubmitOrSimulate behaves like Submit, but a donation that exhausts its
// retries on transient failures is recorded as simulated right away.
func (c *Coordinator) SubmitOrSimulate(ctx context.Context, conn ledger.Connection, op Operation, commit CommitFunc) (*Receipt, error) {
	receipt, err := c.Submit(ctx, conn, op, commit)
	if err == nil {
		return receipt, nil
	}
	offer, ok := OfferFrom(err)
	if !ok {
		return nil, err
	}
	return c.AcceptFallback(ctx, offer.ID, op.Actor, commit)
}

// AcceptFallback records the simulated donation of an outstanding offer. The
// offer is consumed; a second accept fails with NotFound.
func (c *Coordinator) AcceptFallback(ctx context.Context, offerID, actor string, commit CommitFunc) (*Receipt, error) {
	v, ok := c.offers.Get(offerID)
	if !ok {
		return nil, errs.New(errs.KindNotFound, "fallback offer %s is unknown or expired", offerID)
	}
	offer := v.(*FallbackOffer)
	if !strings.EqualFold(offer.Donor, actor) {
		return nil, errs.New(errs.KindUnauthorized, "fallback offer %s belongs to another donor", offerID)
	}
	if _, ok := c.offers.Take(offerID); !ok {
		return nil, errs.New(errs.KindNotFound, "fallback offer %s is unknown or expired", offerID)
	}

	logger := c.logger.With(
		zap.String("operation", string(offer.op.Kind)),
		zap.String("campaign_id", offer.CampaignID))

	receipt := &Receipt{
		Operation:   offer.op,
		TxRef:       "simulated:" + offer.ID,
		Simulated:   true,
		SubmittedAt: c.now(),
	}
	logger.Info("Recording simulated donation", zap.String("offer_id", offer.ID))
	return c.commit(ctx, receipt, commit, logger)
}

func (c *Coordinator) createCampaign(ctx context.Context, conn ledger.Connection, op Operation, receipt *Receipt, logger *zap.Logger) error {
	var before, after uint64
	if _, err := c.retry(ctx, logger, func(ctx context.Context) error {
		var err error
		before, err = c.client.GetCampaignCounter(ctx)
		return err
	}); err != nil {
		return err
	}

	var sent *ledger.Receipt
	attempts, err := c.retry(ctx, logger, func(ctx context.Context) error {
		var err error
		sent, err = c.client.CreateCampaign(ctx, conn, op.Campaign)
		return err
	})
	receipt.Attempts = attempts
	if err != nil {
		return err
	}
	receipt.TxRef = sent.TxRef

	if _, err := c.retry(context.WithoutCancel(ctx), logger, func(ctx context.Context) error {
		var err error
		after, err = c.client.GetCampaignCounter(ctx)
		return err
	}); err != nil {
		return errs.Wrap(errs.KindUnconfirmed, err, "campaign created but ledger id could not be read").
			WithDetail("tx_ref", sent.TxRef)
	}
	if after <= before {
		return errs.New(errs.KindUnconfirmed, "campaign counter did not advance past %d", before).
			WithDetail("tx_ref", sent.TxRef)
	}

	ledgerID := after - 1
	receipt.LedgerID = &ledgerID
	return nil
}

func (c *Coordinator) transact(ctx context.Context, conn ledger.Connection, op Operation, receipt *Receipt, logger *zap.Logger) error {
	var sent *ledger.Receipt
	attempts, err := c.retry(ctx, logger, func(ctx context.Context) error {
		var err error
		switch op.Kind {
		case OpDonate:
			sent, err = c.client.Donate(ctx, conn, op.LedgerID, op.Amount)
		case OpRequestVerification:
			sent, err = c.client.RequestVerification(ctx, conn, op.LedgerID, op.Position)
		case OpApproveMilestone:
			sent, err = c.client.ApproveMilestone(ctx, conn, op.LedgerID, op.Position)
		}
		return err
	})
	receipt.Attempts = attempts
	if err != nil {
		return err
	}
	receipt.TxRef = sent.TxRef
	return nil
}

// retry runs call up to MaxAttempts times, backing off from BaseDelay and
// doubling per attempt. Only transient failures are retried.
func (c *Coordinator) retry(ctx context.Context, logger *zap.Logger, call func(ctx context.Context) error) (int, error) {
	delay := c.config.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= c.config.MaxAttempts; attempt++ {
		err := ledger.Classify(call(ctx))
		if err == nil {
			return attempt, nil
		}
		lastErr = err
		if !errs.KindOf(err).Retryable() {
			return attempt, err
		}
		if attempt == c.config.MaxAttempts {
			break
		}

		logger.Warn("Transient ledger failure, backing off",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		if err := c.sleep(ctx, delay); err != nil {
			return attempt, err
		}
		delay *= 2
	}

	return c.config.MaxAttempts, errs.Wrap(errs.KindTransientLedgerFailure, lastErr,
		"ledger still overloaded after %d attempts", c.config.MaxAttempts).
		WithDetail("attempts", c.config.MaxAttempts)
}

// commit runs the mirror write. The ledger side has already happened, so the
// write is not cancelled with the caller's context.
func (c *Coordinator) commit(ctx context.Context, receipt *Receipt, commit CommitFunc, logger *zap.Logger) (*Receipt, error) {
	if err := commit(context.WithoutCancel(ctx), receipt); err != nil {
		logger.Error("Mirror write failed after ledger submission",
			zap.String("tx_ref", receipt.TxRef),
			zap.Bool("simulated", receipt.Simulated),
			zap.Error(err))
		var typed *errs.Error
		if errors.As(err, &typed) {
			return receipt, err
		}
		return receipt, errs.Wrap(errs.KindInternal, err, "mirror write failed").
			WithDetail("tx_ref", receipt.TxRef)
	}

	logger.Info("Ledger submission committed",
		zap.String("tx_ref", receipt.TxRef),
		zap.Int("attempt", receipt.Attempts),
		zap.Bool("simulated", receipt.Simulated))
	return receipt, nil
}

func (c *Coordinator) attachOffer(err error, op Operation) error {
	var typed *errs.Error
	if !errors.As(err, &typed) {
		return err
	}
	offer := &FallbackOffer{
		ID:         uuid.New().String(),
		CampaignID: op.CampaignID,
		Donor:      op.Actor,
		Amount:     op.Amount,
		ExpiresAt:  c.now().Add(c.config.FallbackTTL),
		op:         op,
	}
	c.offers.Set(offer.ID, offer)
	return typed.WithDetail("fallback_offer", offer)
}
