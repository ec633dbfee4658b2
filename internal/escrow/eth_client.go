package escrow

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"workrails/internal/contracts"
	"workrails/internal/wallet"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EthClient submits engagement transactions through the factory and the
// per-engagement contracts.
type EthClient struct {
	backend       *ethclient.Client
	factory       *bind.BoundContract
	factoryABI    abi.ABI
	engagementABI abi.ABI
	factoryAddr   common.Address
	opts          *bind.TransactOpts
	pollInterval  time.Duration
}

type EthClientConfig struct {
	FactoryAddress string
	// PollInterval controls how often pending receipts are re-checked.
	PollInterval time.Duration
}

// NewEthClient binds the factory and engagement ABIs over a connected wallet
// handle. There is exactly one ABI per contract type.
func NewEthClient(handle *wallet.Handle, cfg EthClientConfig) (*EthClient, error) {
	if handle == nil || handle.Backend == nil {
		return nil, fmt.Errorf("wallet handle is required")
	}
	if !common.IsHexAddress(cfg.FactoryAddress) {
		return nil, fmt.Errorf("invalid factory address %q", cfg.FactoryAddress)
	}

	factoryABI, err := abi.JSON(strings.NewReader(contracts.EngagementFactoryABI))
	if err != nil {
		return nil, fmt.Errorf("parse factory abi: %w", err)
	}
	engagementABI, err := abi.JSON(strings.NewReader(contracts.EngagementABI))
	if err != nil {
		return nil, fmt.Errorf("parse engagement abi: %w", err)
	}

	addr := common.HexToAddress(cfg.FactoryAddress)
	bound := bind.NewBoundContract(addr, factoryABI, handle.Backend, handle.Backend, handle.Backend)

	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	return &EthClient{
		backend:       handle.Backend,
		factory:       bound,
		factoryABI:    factoryABI,
		engagementABI: engagementABI,
		factoryAddr:   addr,
		opts:          handle.Opts,
		pollInterval:  interval,
	}, nil
}

func (c *EthClient) CreateEngagement(ctx context.Context, req CreateEngagementRequest) (CreateEngagementResult, error) {
	if err := ValidateCreateRequest(req, time.Now()); err != nil {
		return CreateEngagementResult{}, err
	}

	amounts := make([]*big.Int, len(req.Milestones))
	deadlines := make([]*big.Int, len(req.Milestones))
	for i, m := range req.Milestones {
		amounts[i] = m.AmountWei
		deadlines[i] = big.NewInt(m.Deadline)
	}

	opts := *c.opts
	opts.Context = ctx

	tx, err := c.factory.Transact(&opts, "createContract",
		common.HexToAddress(req.Freelancer), amounts, deadlines, req.TotalWei)
	if err != nil {
		return CreateEngagementResult{}, fmt.Errorf("create contract tx: %w", err)
	}

	receipt, err := c.waitForReceipt(ctx, tx)
	if err != nil {
		return CreateEngagementResult{}, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return CreateEngagementResult{}, fmt.Errorf("%w: tx %s", ErrTransactionReverted, tx.Hash().Hex())
	}

	address, err := c.createdAddressFromReceipt(receipt)
	if err != nil {
		return CreateEngagementResult{}, err
	}

	return CreateEngagementResult{
		ContractAddress: address.Hex(),
		TxHash:          tx.Hash().Hex(),
	}, nil
}

func (c *EthClient) Deposit(ctx context.Context, contractAddress string, milestoneIndex uint64, amountWei *big.Int) (TxResult, error) {
	if amountWei == nil || amountWei.Sign() <= 0 {
		return TxResult{}, fmt.Errorf("%w: deposit amount must be positive", ErrInvalidMilestones)
	}
	engagement, err := c.engagementAt(contractAddress)
	if err != nil {
		return TxResult{}, err
	}

	opts := *c.opts
	opts.Context = ctx
	opts.Value = amountWei

	tx, err := engagement.Transact(&opts, "fundMilestone", new(big.Int).SetUint64(milestoneIndex))
	if err != nil {
		return TxResult{}, fmt.Errorf("fund milestone tx: %w", err)
	}

	receipt, err := c.waitForReceipt(ctx, tx)
	if err != nil {
		return TxResult{}, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return TxResult{}, fmt.Errorf("%w: tx %s", ErrTransactionReverted, tx.Hash().Hex())
	}

	state, err := c.MilestoneState(ctx, contractAddress, milestoneIndex)
	if err != nil {
		return TxResult{}, fmt.Errorf("read back milestone state: %w", err)
	}
	return TxResult{TxHash: tx.Hash().Hex(), State: state}, nil
}

func (c *EthClient) Release(ctx context.Context, contractAddress string, milestoneIndex uint64) (TxResult, error) {
	// Reading first avoids a wasted transaction on a milestone that cannot
	// be released.
	state, err := c.MilestoneState(ctx, contractAddress, milestoneIndex)
	if err != nil {
		return TxResult{}, err
	}
	if state != StateFunded {
		return TxResult{}, fmt.Errorf("%w: milestone %d is in state %d", ErrInvalidMilestoneState, milestoneIndex, state)
	}

	engagement, err := c.engagementAt(contractAddress)
	if err != nil {
		return TxResult{}, err
	}

	opts := *c.opts
	opts.Context = ctx

	tx, err := engagement.Transact(&opts, "releaseMilestone", new(big.Int).SetUint64(milestoneIndex))
	if err != nil {
		return TxResult{}, fmt.Errorf("release milestone tx: %w", err)
	}

	receipt, err := c.waitForReceipt(ctx, tx)
	if err != nil {
		return TxResult{}, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return TxResult{}, fmt.Errorf("%w: tx %s", ErrTransactionReverted, tx.Hash().Hex())
	}

	after, err := c.MilestoneState(ctx, contractAddress, milestoneIndex)
	if err != nil {
		return TxResult{}, fmt.Errorf("read back milestone state: %w", err)
	}
	return TxResult{TxHash: tx.Hash().Hex(), State: after}, nil
}

func (c *EthClient) MilestoneState(ctx context.Context, contractAddress string, milestoneIndex uint64) (State, error) {
	engagement, err := c.engagementAt(contractAddress)
	if err != nil {
		return 0, err
	}

	var out []interface{}
	callOpts := &bind.CallOpts{Context: ctx}
	if err := engagement.Call(callOpts, &out, "milestoneState", new(big.Int).SetUint64(milestoneIndex)); err != nil {
		return 0, fmt.Errorf("milestone state call: %w", err)
	}
	if len(out) != 1 {
		return 0, fmt.Errorf("milestone state call: unexpected output length %d", len(out))
	}
	raw, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("milestone state call: unexpected output type %T", out[0])
	}
	return State(raw), nil
}

func (c *EthClient) Ping(ctx context.Context) error {
	if c.backend == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := c.backend.BlockNumber(ctx)
	return err
}

func (c *EthClient) engagementAt(contractAddress string) (*bind.BoundContract, error) {
	if !common.IsHexAddress(contractAddress) {
		return nil, fmt.Errorf("invalid contract address %q", contractAddress)
	}
	addr := common.HexToAddress(contractAddress)
	return bind.NewBoundContract(addr, c.engagementABI, c.backend, c.backend, c.backend), nil
}

func (c *EthClient) createdAddressFromReceipt(receipt *types.Receipt) (common.Address, error) {
	event, ok := c.factoryABI.Events["ContractCreated"]
	if !ok {
		return common.Address{}, ErrEventNotFound
	}
	for _, lg := range receipt.Logs {
		if lg == nil || len(lg.Topics) < 2 {
			continue
		}
		if lg.Address != c.factoryAddr || lg.Topics[0] != event.ID {
			continue
		}
		return common.BytesToAddress(lg.Topics[1].Bytes()), nil
	}
	return common.Address{}, fmt.Errorf("%w: tx %s", ErrEventNotFound, receipt.TxHash.Hex())
}

// waitForReceipt polls until the transaction is mined or the context is
// cancelled. The chain has no fixed timeout; the caller's context bounds the
// wait.
func (c *EthClient) waitForReceipt(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, tx.Hash())
		if receipt != nil {
			return receipt, nil
		}
		if err != nil && err.Error() != "not found" {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
