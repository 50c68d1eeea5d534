package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/url"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crowdchain/escrow-backend/internal/errs"
	"crowdchain/escrow-backend/internal/ledger"
	"crowdchain/escrow-backend/internal/ledger/ledgertest"
)

type codedError struct {
	code int
	msg  string
}

func (e codedError) Error() string  { return e.msg }
func (e codedError) ErrorCode() int { return e.code }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want errs.Kind
	}{
		{"user rejected code", codedError{4001, "User rejected the request."}, errs.KindUserDeclined},
		{"resource unavailable", codedError{-32002, "request already pending"}, errs.KindTransientLedgerFailure},
		{"circuit breaker", codedError{-32603, "execution prevented because the circuit breaker is open"}, errs.KindTransientLedgerFailure},
		{"http 429", rpc.HTTPError{StatusCode: 429, Status: "429 Too Many Requests"}, errs.KindTransientLedgerFailure},
		{"network", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, errs.KindTransientLedgerFailure},
		{"insufficient funds", errors.New("insufficient funds for gas * price + value"), errs.KindInsufficientFunds},
		{"denied message", errors.New("MetaMask Tx Signature: User denied transaction signature."), errs.KindUserDeclined},
		{"reverted missing", errors.New("execution reverted: Campaign does not exist"), errs.KindNotFound},
		{"no code", fmt.Errorf("call failed: %w", bind.ErrNoCode), errs.KindNotFound},
		{"unknown", errors.New("boom"), errs.KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errs.KindOf(ledger.Classify(tt.err)))
		})
	}
}

func TestClassifyKeepsTypedAndContextErrors(t *testing.T) {
	typed := errs.New(errs.KindAmountMismatch, "expected 5")
	assert.Same(t, typed, ledger.Classify(typed))

	assert.ErrorIs(t, ledger.Classify(context.Canceled), context.Canceled)
	assert.Nil(t, ledger.Classify(nil))
}

func TestClassifySend(t *testing.T) {
	const ref = "0x00000000000000000000000000000000000000000000000000000000000000aa"
	tests := []struct {
		name string
		err  error
		want errs.Kind
	}{
		{"reply cut off", &url.Error{Op: "Post", URL: "http://node", Err: io.ErrUnexpectedEOF}, errs.KindUnconfirmed},
		{"connection reset", &net.OpError{Op: "read", Net: "tcp", Err: errors.New("connection reset by peer")}, errs.KindUnconfirmed},
		{"deadline", fmt.Errorf("send: %w", context.DeadlineExceeded), errs.KindUnconfirmed},
		{"gateway timeout", rpc.HTTPError{StatusCode: 504, Status: "504 Gateway Timeout"}, errs.KindUnconfirmed},
		{"refused", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, errs.KindTransientLedgerFailure},
		{"unknown host", &net.DNSError{Err: "no such host", Name: "node"}, errs.KindTransientLedgerFailure},
		{"http 503", rpc.HTTPError{StatusCode: 503, Status: "503 Service Unavailable"}, errs.KindTransientLedgerFailure},
		{"node rejected", codedError{-32000, "insufficient funds for gas * price + value"}, errs.KindInsufficientFunds},
		{"node overloaded", codedError{-32005, "limit exceeded"}, errs.KindTransientLedgerFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ledger.ClassifySend(tt.err, ref)
			assert.Equal(t, tt.want, errs.KindOf(err))
			if tt.want == errs.KindUnconfirmed {
				var e *errs.Error
				require.ErrorAs(t, err, &e)
				assert.Equal(t, ref, e.Details["tx_ref"])
			}
		})
	}
	assert.Nil(t, ledger.ClassifySend(nil, ref))
}

func TestLostResponseStillTakesEffect(t *testing.T) {
	ctx := context.Background()
	fake := ledgertest.New()
	id := fake.Seed("0x00000000000000000000000000000000000000c1", decimal.NewFromInt(10), decimal.NewFromInt(10))
	fake.LoseResponse(ledgertest.OpDonate, io.EOF)

	_, err := fake.Donate(ctx, ledgertest.TestConnection("0x00000000000000000000000000000000000000d0"), id, decimal.NewFromInt(3))
	assert.True(t, errs.Is(err, errs.KindUnconfirmed))

	state, err := fake.GetCampaign(ctx, id)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(3).Equal(state.Raised))
}

func TestWeiConversion(t *testing.T) {
	wei, err := ledger.ToWei(decimal.RequireFromString("1.5"))
	require.NoError(t, err)
	assert.Equal(t, "1500000000000000000", wei.String())

	back := ledger.FromWei(wei)
	assert.True(t, decimal.RequireFromString("1.5").Equal(back))

	_, err = ledger.ToWei(decimal.RequireFromString("0.0000000000000000001"))
	assert.True(t, errs.Is(err, errs.KindInvalidInput))

	assert.True(t, ledger.FromWei(nil).IsZero())
}

func TestConnectionValidate(t *testing.T) {
	conn := ledgertest.TestConnection("0x00000000000000000000000000000000000000aa")
	assert.NoError(t, conn.Validate())
	assert.Equal(t, "0x00000000000000000000000000000000000000aa", conn.Identity())

	missingChain := conn
	missingChain.ChainID = nil
	assert.True(t, errs.Is(missingChain.Validate(), errs.KindInvalidInput))

	missingSigner := conn
	missingSigner.Signer = nil
	assert.True(t, errs.Is(missingSigner.Validate(), errs.KindInvalidInput))

	assert.True(t, errs.Is(ledger.Connection{ChainID: big.NewInt(1)}.Validate(), errs.KindInvalidInput))
}

func TestEventStreamResumesFromCursor(t *testing.T) {
	ctx := context.Background()
	fake := ledgertest.New()
	conn := ledgertest.TestConnection("0x00000000000000000000000000000000000000aa")

	_, err := fake.CreateCampaign(ctx, conn, ledger.CampaignParams{
		Goal:             decimal.NewFromInt(10),
		MilestoneAmounts: []decimal.Decimal{decimal.NewFromInt(10)},
	})
	require.NoError(t, err)

	stream := ledger.NewEventStream(fake, 0)
	events, err := stream.Next(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ledger.EventCampaignCreated, events[0].Kind)
	assert.Equal(t, uint64(0), events[0].LedgerID)

	events, err = stream.Next(ctx)
	require.NoError(t, err)
	assert.Empty(t, events)

	_, err = fake.Donate(ctx, conn, 0, decimal.NewFromInt(3))
	require.NoError(t, err)

	resumed := ledger.NewEventStream(fake, stream.Cursor())
	events, err = resumed.Next(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ledger.EventDonationReceived, events[0].Kind)
}
