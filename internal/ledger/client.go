// Package ledger is the boundary to the escrow contract. Every call may fail
// with a transient (overloaded) class or a non-transient class; Classify maps
// transport errors onto the errs taxonomy.
package ledger

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"crowdchain/escrow-backend/internal/errs"
)

// WeiDecimals is the number of decimal places between ether and wei
const WeiDecimals = 18

// Client is the operation set exposed by the escrow contract
type Client interface {
	CreateCampaign(ctx context.Context, conn Connection, params CampaignParams) (*Receipt, error)
	Donate(ctx context.Context, conn Connection, ledgerID uint64, amount decimal.Decimal) (*Receipt, error)
	RequestVerification(ctx context.Context, conn Connection, ledgerID uint64, position int) (*Receipt, error)
	ApproveMilestone(ctx context.Context, conn Connection, ledgerID uint64, position int) (*Receipt, error)

	GetCampaign(ctx context.Context, ledgerID uint64) (*CampaignState, error)
	GetCampaignCounter(ctx context.Context) (uint64, error)
	GetVerificationStatus(ctx context.Context, ledgerID uint64, position int) (bool, error)
}

// Connection is the signing context for one state-changing call. Callers
// build it from the current wallet session and pass it in explicitly.
type Connection struct {
	Account common.Address
	ChainID *big.Int
	Signer  bind.SignerFn
}

// Validate reports whether the connection can sign a transaction
func (c Connection) Validate() error {
	if c.Account == (common.Address{}) {
		return errs.New(errs.KindInvalidInput, "connection has no account")
	}
	if c.ChainID == nil || c.ChainID.Sign() <= 0 {
		return errs.New(errs.KindInvalidInput, "connection has no chain id")
	}
	if c.Signer == nil {
		return errs.New(errs.KindInvalidInput, "connection has no signer")
	}
	return nil
}

// Identity returns the lower-cased hex account used as wallet identity
func (c Connection) Identity() string {
	return strings.ToLower(c.Account.Hex())
}

// TransactOpts builds bind options for a call made with this connection
func (c Connection) TransactOpts(ctx context.Context) *bind.TransactOpts {
	return &bind.TransactOpts{
		From:    c.Account,
		Signer:  c.Signer,
		Context: ctx,
	}
}

// CampaignParams are the arguments of createCampaign
type CampaignParams struct {
	Goal                  decimal.Decimal
	DurationDays          int
	MilestoneDescriptions []string
	MilestoneAmounts      []decimal.Decimal
}

// CampaignState is the ledger's view of a campaign
type CampaignState struct {
	Creator string          `json:"creator"`
	Goal    decimal.Decimal `json:"goal"`
	Raised  decimal.Decimal `json:"raised"`
	Active  bool            `json:"active"`
}

// Receipt identifies a mined transaction
type Receipt struct {
	TxRef       string `json:"tx_ref"`
	BlockNumber uint64 `json:"block_number"`
}

// ToWei converts an ether amount to wei. Fractions below one wei are rejected.
func ToWei(amount decimal.Decimal) (*big.Int, error) {
	wei := amount.Shift(WeiDecimals)
	if !wei.IsInteger() {
		return nil, errs.New(errs.KindInvalidInput, "amount %s has more than %d decimal places", amount.String(), WeiDecimals)
	}
	if wei.Sign() < 0 {
		return nil, errs.New(errs.KindInvalidInput, "amount %s is negative", amount.String())
	}
	return wei.BigInt(), nil
}

// FromWei converts a wei amount to ether
func FromWei(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, -WeiDecimals)
}
