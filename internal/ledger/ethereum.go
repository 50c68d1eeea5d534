package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"crowdchain/escrow-backend/internal/errs"
)

// EthereumConfig contains the escrow contract connection settings
type EthereumConfig struct {
	RPCURL          string        `json:"rpc_url"`
	ContractAddress string        `json:"contract_address"`
	ChainID         int64         `json:"chain_id"`
	RelayerKey      string        `json:"relayer_key"`
	ReceiptTimeout  time.Duration `json:"receipt_timeout"`
	PollInterval    time.Duration `json:"poll_interval"`
	StartBlock      uint64        `json:"start_block"`
}

// EthereumClient talks to the escrow contract over JSON-RPC
type EthereumClient struct {
	rpc            *ethclient.Client
	contract       *bind.BoundContract
	abi            abi.ABI
	address        common.Address
	chainID        *big.Int
	receiptTimeout time.Duration
	events         map[common.Hash]EventKind
	logger         *zap.Logger
}

// DialEthereum connects to the node and binds the escrow contract
func DialEthereum(ctx context.Context, cfg EthereumConfig, logger *zap.Logger) (*EthereumClient, error) {
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("invalid contract address %q", cfg.ContractAddress)
	}

	parsed, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse escrow ABI: %w", err)
	}

	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial ledger node: %w", err)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to read chain id: %w", err)
	}
	if cfg.ChainID != 0 && chainID.Int64() != cfg.ChainID {
		client.Close()
		return nil, fmt.Errorf("node is on chain %s, expected %d", chainID, cfg.ChainID)
	}

	timeout := cfg.ReceiptTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	address := common.HexToAddress(cfg.ContractAddress)
	events := make(map[common.Hash]EventKind)
	for _, kind := range []EventKind{EventCampaignCreated, EventDonationReceived, EventMilestoneApproved} {
		events[parsed.Events[string(kind)].ID] = kind
	}

	logger.Info("Connected to ledger",
		zap.String("contract", address.Hex()),
		zap.String("chain_id", chainID.String()))

	return &EthereumClient{
		rpc:            client,
		contract:       bind.NewBoundContract(address, parsed, client, client, client),
		abi:            parsed,
		address:        address,
		chainID:        chainID,
		receiptTimeout: timeout,
		events:         events,
		logger:         logger,
	}, nil
}

// Close releases the RPC connection
func (c *EthereumClient) Close() {
	c.rpc.Close()
}

// ChainID returns the chain the node is on
func (c *EthereumClient) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// KeyedConnection builds a Connection from a hex-encoded private key. It is
// used for the server-side relayer account.
func KeyedConnection(hexKey string, chainID *big.Int) (Connection, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return Connection{}, fmt.Errorf("failed to parse relayer key: %w", err)
	}
	opts, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return Connection{}, fmt.Errorf("failed to create transactor: %w", err)
	}
	return Connection{Account: opts.From, ChainID: new(big.Int).Set(chainID), Signer: opts.Signer}, nil
}

func (c *EthereumClient) CreateCampaign(ctx context.Context, conn Connection, params CampaignParams) (*Receipt, error) {
	goal, err := ToWei(params.Goal)
	if err != nil {
		return nil, err
	}
	amounts := make([]*big.Int, len(params.MilestoneAmounts))
	for i, a := range params.MilestoneAmounts {
		if amounts[i], err = ToWei(a); err != nil {
			return nil, err
		}
	}
	return c.transact(ctx, conn, nil, "createCampaign",
		goal, big.NewInt(int64(params.DurationDays)), params.MilestoneDescriptions, amounts)
}

func (c *EthereumClient) Donate(ctx context.Context, conn Connection, ledgerID uint64, amount decimal.Decimal) (*Receipt, error) {
	value, err := ToWei(amount)
	if err != nil {
		return nil, err
	}
	return c.transact(ctx, conn, value, "donate", new(big.Int).SetUint64(ledgerID))
}

func (c *EthereumClient) RequestVerification(ctx context.Context, conn Connection, ledgerID uint64, position int) (*Receipt, error) {
	return c.transact(ctx, conn, nil, "requestMilestoneVerification",
		new(big.Int).SetUint64(ledgerID), big.NewInt(int64(position)))
}

func (c *EthereumClient) ApproveMilestone(ctx context.Context, conn Connection, ledgerID uint64, position int) (*Receipt, error) {
	return c.transact(ctx, conn, nil, "approveMilestone",
		new(big.Int).SetUint64(ledgerID), big.NewInt(int64(position)))
}

func (c *EthereumClient) GetCampaign(ctx context.Context, ledgerID uint64) (*CampaignState, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getCampaign", new(big.Int).SetUint64(ledgerID)); err != nil {
		return nil, Classify(err)
	}
	if len(out) != 4 {
		return nil, errs.New(errs.KindInternal, "getCampaign returned %d values", len(out))
	}

	creator, _ := out[0].(common.Address)
	// a zero creator is how the contract answers for an unknown id
	if creator == (common.Address{}) {
		return nil, errs.New(errs.KindNotFound, "ledger has no campaign %d", ledgerID)
	}
	goal, _ := out[1].(*big.Int)
	raised, _ := out[2].(*big.Int)
	active, _ := out[3].(bool)

	return &CampaignState{
		Creator: strings.ToLower(creator.Hex()),
		Goal:    FromWei(goal),
		Raised:  FromWei(raised),
		Active:  active,
	}, nil
}

func (c *EthereumClient) GetCampaignCounter(ctx context.Context) (uint64, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "campaignCounter"); err != nil {
		return 0, Classify(err)
	}
	counter, ok := out[0].(*big.Int)
	if !ok || !counter.IsUint64() {
		return 0, errs.New(errs.KindInternal, "campaignCounter returned an unexpected value")
	}
	return counter.Uint64(), nil
}

func (c *EthereumClient) GetVerificationStatus(ctx context.Context, ledgerID uint64, position int) (bool, error) {
	var out []interface{}
	err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getMilestoneVerificationStatus",
		new(big.Int).SetUint64(ledgerID), big.NewInt(int64(position)))
	if err != nil {
		return false, Classify(err)
	}
	verified, _ := out[0].(bool)
	return verified, nil
}

// LatestBlock implements EventSource
func (c *EthereumClient) LatestBlock(ctx context.Context) (uint64, error) {
	n, err := c.rpc.BlockNumber(ctx)
	if err != nil {
		return 0, Classify(err)
	}
	return n, nil
}

// FetchEvents implements EventSource
func (c *EthereumClient) FetchEvents(ctx context.Context, from, to uint64) ([]Event, error) {
	topics := make([]common.Hash, 0, len(c.events))
	for id := range c.events {
		topics = append(topics, id)
	}

	logs, err := c.rpc.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{c.address},
		Topics:    [][]common.Hash{topics},
	})
	if err != nil {
		return nil, Classify(err)
	}

	events := make([]Event, 0, len(logs))
	for _, l := range logs {
		if l.Removed || len(l.Topics) < 2 {
			continue
		}
		kind, ok := c.events[l.Topics[0]]
		if !ok {
			continue
		}
		id := new(big.Int).SetBytes(l.Topics[1].Bytes())
		if !id.IsUint64() {
			continue
		}
		events = append(events, Event{
			Kind:        kind,
			LedgerID:    id.Uint64(),
			BlockNumber: l.BlockNumber,
			TxRef:       l.TxHash.Hex(),
			LogIndex:    l.Index,
		})
	}
	return events, nil
}

// transact signs a transaction, sends it and waits for it to be mined. From
// the send on, a lost reply or a timeout yields KindUnconfirmed and never a
// retryable error.
func (c *EthereumClient) transact(ctx context.Context, conn Connection, value *big.Int, method string, params ...interface{}) (*Receipt, error) {
	if err := conn.Validate(); err != nil {
		return nil, err
	}
	if conn.ChainID.Cmp(c.chainID) != 0 {
		return nil, errs.New(errs.KindInvalidInput, "connection is on chain %s, ledger is on chain %s", conn.ChainID, c.chainID)
	}

	opts := conn.TransactOpts(ctx)
	opts.Value = value
	opts.NoSend = true

	tx, err := c.contract.Transact(opts, method, params...)
	if err != nil {
		return nil, Classify(err)
	}
	if err := c.rpc.SendTransaction(ctx, tx); err != nil {
		return nil, ClassifySend(err, tx.Hash().Hex())
	}

	c.logger.Debug("Ledger transaction sent",
		zap.String("operation", method),
		zap.String("tx_ref", tx.Hash().Hex()))

	waitCtx, cancel := context.WithTimeout(ctx, c.receiptTimeout)
	defer cancel()

	receipt, err := bind.WaitMined(waitCtx, c.rpc, tx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, errs.Wrap(errs.KindUnconfirmed, err, "%s sent but not yet mined", method).
				WithDetail("tx_ref", tx.Hash().Hex())
		}
		return nil, Classify(err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, errs.New(errs.KindInternal, "%s reverted", method).
			WithDetail("tx_ref", tx.Hash().Hex())
	}

	return &Receipt{
		TxRef:       tx.Hash().Hex(),
		BlockNumber: receipt.BlockNumber.Uint64(),
	}, nil
}
