// Package ledgertest provides an in-memory escrow ledger with scriptable
// failures for tests.
package ledgertest

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"crowdchain/escrow-backend/internal/errs"
	"crowdchain/escrow-backend/internal/ledger"
)

// Op names a ledger call for failure scripting and call counting
type Op string

const (
	OpCreateCampaign        Op = "createCampaign"
	OpDonate                Op = "donate"
	OpRequestVerification   Op = "requestVerification"
	OpApproveMilestone      Op = "approveMilestone"
	OpGetCampaign           Op = "getCampaign"
	OpGetCampaignCounter    Op = "getCampaignCounter"
	OpGetVerificationStatus Op = "getVerificationStatus"
)

type campaign struct {
	state     ledger.CampaignState
	amounts   []decimal.Decimal
	requested map[int]bool
	verified  map[int]bool
}

// Ledger implements ledger.Client and ledger.EventSource in memory
type Ledger struct {
	mu        sync.Mutex
	campaigns map[uint64]*campaign
	counter   uint64
	block     uint64
	txSeq     uint64
	failures  map[Op][]error
	lost      map[Op][]error
	calls     map[Op]int
	events    []ledger.Event
}

// New creates an empty ledger
func New() *Ledger {
	return &Ledger{
		campaigns: make(map[uint64]*campaign),
		failures:  make(map[Op][]error),
		lost:      make(map[Op][]error),
		calls:     make(map[Op]int),
	}
}

// TestConnection returns a connection that passes Validate
func TestConnection(account string) ledger.Connection {
	return ledger.Connection{
		Account: common.HexToAddress(account),
		ChainID: big.NewInt(31337),
		Signer: func(_ common.Address, tx *types.Transaction) (*types.Transaction, error) {
			return tx, nil
		},
	}
}

// Transient returns an error the classifier maps to TransientLedgerFailure
func Transient() error {
	return errs.New(errs.KindTransientLedgerFailure, "circuit breaker is open")
}

// FailNext queues errors returned by the next calls of op, in order
func (l *Ledger) FailNext(op Op, failures ...error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures[op] = append(l.failures[op], failures...)
}

// LoseResponse makes the next call of op take effect on the ledger and then
// fail with err as if the node's reply to the send never arrived
func (l *Ledger) LoseResponse(op Op, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lost[op] = append(l.lost[op], err)
}

// Calls returns how many times op was invoked, failed calls included
func (l *Ledger) Calls(op Op) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[op]
}

// Seed installs a campaign directly and returns its ledger id
func (l *Ledger) Seed(creator string, goal decimal.Decimal, amounts ...decimal.Decimal) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.create(creator, goal, amounts)
}

// SetRaised overwrites the raised amount of a campaign
func (l *Ledger) SetRaised(ledgerID uint64, raised decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.campaigns[ledgerID]; ok {
		c.state.Raised = raised
	}
}

// Drop removes a campaign record, as after a chain reset. The counter keeps
// its value.
func (l *Ledger) Drop(ledgerID uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.campaigns, ledgerID)
}

// MarkVerified sets the on-chain verification flag of a milestone
func (l *Ledger) MarkVerified(ledgerID uint64, position int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.campaigns[ledgerID]; ok {
		c.verified[position] = true
	}
}

// Requested reports whether requestVerification was recorded for a milestone
func (l *Ledger) Requested(ledgerID uint64, position int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.campaigns[ledgerID]
	return ok && c.requested[position]
}

func (l *Ledger) CreateCampaign(ctx context.Context, conn ledger.Connection, params ledger.CampaignParams) (*ledger.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.enter(OpCreateCampaign); err != nil {
		return nil, err
	}
	if err := conn.Validate(); err != nil {
		return nil, err
	}
	id := l.create(conn.Identity(), params.Goal, params.MilestoneAmounts)
	return l.deliver(OpCreateCampaign, l.receipt(ledger.EventCampaignCreated, id))
}

func (l *Ledger) Donate(ctx context.Context, conn ledger.Connection, ledgerID uint64, amount decimal.Decimal) (*ledger.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.enter(OpDonate); err != nil {
		return nil, err
	}
	c, ok := l.campaigns[ledgerID]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "ledger has no campaign %d", ledgerID)
	}
	c.state.Raised = c.state.Raised.Add(amount)
	return l.deliver(OpDonate, l.receipt(ledger.EventDonationReceived, ledgerID))
}

func (l *Ledger) RequestVerification(ctx context.Context, conn ledger.Connection, ledgerID uint64, position int) (*ledger.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.enter(OpRequestVerification); err != nil {
		return nil, err
	}
	c, err := l.milestone(ledgerID, position)
	if err != nil {
		return nil, err
	}
	c.requested[position] = true
	l.txSeq++
	return l.deliver(OpRequestVerification, &ledger.Receipt{TxRef: l.txRef(), BlockNumber: l.block})
}

func (l *Ledger) ApproveMilestone(ctx context.Context, conn ledger.Connection, ledgerID uint64, position int) (*ledger.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.enter(OpApproveMilestone); err != nil {
		return nil, err
	}
	c, err := l.milestone(ledgerID, position)
	if err != nil {
		return nil, err
	}
	c.verified[position] = true
	return l.deliver(OpApproveMilestone, l.receipt(ledger.EventMilestoneApproved, ledgerID))
}

func (l *Ledger) GetCampaign(ctx context.Context, ledgerID uint64) (*ledger.CampaignState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.enter(OpGetCampaign); err != nil {
		return nil, err
	}
	c, ok := l.campaigns[ledgerID]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "ledger has no campaign %d", ledgerID)
	}
	state := c.state
	return &state, nil
}

func (l *Ledger) GetCampaignCounter(ctx context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.enter(OpGetCampaignCounter); err != nil {
		return 0, err
	}
	return l.counter, nil
}

func (l *Ledger) GetVerificationStatus(ctx context.Context, ledgerID uint64, position int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.enter(OpGetVerificationStatus); err != nil {
		return false, err
	}
	c, err := l.milestone(ledgerID, position)
	if err != nil {
		return false, err
	}
	return c.verified[position], nil
}

// LatestBlock implements ledger.EventSource
func (l *Ledger) LatestBlock(ctx context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.block, nil
}

// FetchEvents implements ledger.EventSource
func (l *Ledger) FetchEvents(ctx context.Context, from, to uint64) ([]ledger.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []ledger.Event
	for _, e := range l.events {
		if e.BlockNumber >= from && e.BlockNumber <= to {
			out = append(out, e)
		}
	}
	return out, nil
}

// enter counts the call and pops a scripted failure. Callers hold l.mu.
func (l *Ledger) enter(op Op) error {
	l.calls[op]++
	queue := l.failures[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	l.failures[op] = queue[1:]
	return err
}

// deliver returns the receipt unless a lost response is queued for op.
// Callers hold l.mu.
func (l *Ledger) deliver(op Op, receipt *ledger.Receipt) (*ledger.Receipt, error) {
	queue := l.lost[op]
	if len(queue) == 0 {
		return receipt, nil
	}
	err := queue[0]
	l.lost[op] = queue[1:]
	return nil, ledger.ClassifySend(err, receipt.TxRef)
}

func (l *Ledger) create(creator string, goal decimal.Decimal, amounts []decimal.Decimal) uint64 {
	id := l.counter
	l.counter++
	l.campaigns[id] = &campaign{
		state: ledger.CampaignState{
			Creator: strings.ToLower(creator),
			Goal:    goal,
			Raised:  decimal.Zero,
			Active:  true,
		},
		amounts:   append([]decimal.Decimal(nil), amounts...),
		requested: make(map[int]bool),
		verified:  make(map[int]bool),
	}
	return id
}

func (l *Ledger) milestone(ledgerID uint64, position int) (*campaign, error) {
	c, ok := l.campaigns[ledgerID]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "ledger has no campaign %d", ledgerID)
	}
	if position < 0 || position >= len(c.amounts) {
		return nil, errs.New(errs.KindNotFound, "ledger campaign %d has no milestone %d", ledgerID, position)
	}
	return c, nil
}

func (l *Ledger) receipt(kind ledger.EventKind, ledgerID uint64) *ledger.Receipt {
	l.block++
	l.txSeq++
	ref := l.txRef()
	l.events = append(l.events, ledger.Event{
		Kind:        kind,
		LedgerID:    ledgerID,
		BlockNumber: l.block,
		TxRef:       ref,
	})
	return &ledger.Receipt{TxRef: ref, BlockNumber: l.block}
}

func (l *Ledger) txRef() string {
	return fmt.Sprintf("0x%064x", l.txSeq)
}
