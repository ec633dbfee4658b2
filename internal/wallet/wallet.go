// Package wallet obtains a signing-capable handle on the operator wallet.
// The provider (wallet extension in the original product, RPC node plus key
// here) is treated as a black box that either grants account access or
// refuses it.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

var (
	// ErrWalletUnavailable means no provider is reachable at all.
	ErrWalletUnavailable = errors.New("wallet: provider unavailable")
	// ErrUserRejected means the provider declined the account-access request.
	// Callers must not retry silently; a new attempt requires explicit user action.
	ErrUserRejected = errors.New("wallet: account access rejected")
)

// Handle is a connected, signing-capable wallet session.
type Handle struct {
	Address common.Address
	ChainID *big.Int
	Opts    *bind.TransactOpts
	Backend *ethclient.Client
}

// Connector produces wallet handles.
type Connector interface {
	Connect(ctx context.Context) (*Handle, error)
}

// KeyedConnector connects with a raw private key over an RPC endpoint.
// Prompt, when set, stands in for the provider's permission prompt and is
// consulted before any network traffic.
type KeyedConnector struct {
	RPCURL        string
	PrivateKeyHex string
	Prompt        func(ctx context.Context, address common.Address) error
}

func (c KeyedConnector) Connect(ctx context.Context) (*Handle, error) {
	if c.RPCURL == "" {
		return nil, fmt.Errorf("%w: rpc url not configured", ErrWalletUnavailable)
	}
	if c.PrivateKeyHex == "" {
		return nil, fmt.Errorf("%w: signing key not configured", ErrWalletUnavailable)
	}

	key, err := parsePrivateKey(c.PrivateKeyHex)
	if err != nil {
		return nil, err
	}
	address := crypto.PubkeyToAddress(key.PublicKey)

	if c.Prompt != nil {
		if err := c.Prompt(ctx, address); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUserRejected, err)
		}
	}

	cli, err := ethclient.DialContext(ctx, c.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("%w: dial rpc: %v", ErrWalletUnavailable, err)
	}

	chainID, err := cli.ChainID(ctx)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("%w: fetch chain id: %v", ErrWalletUnavailable, err)
	}

	opts, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("transactor: %w", err)
	}
	opts.Context = ctx
	opts.GasLimit = 0 // let node estimate
	opts.GasPrice = nil
	opts.Nonce = nil

	return &Handle{
		Address: address,
		ChainID: chainID,
		Opts:    opts,
		Backend: cli,
	}, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}
