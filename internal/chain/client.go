// Package chain wraps go-ethereum access to the networks the keeper manages.
// One Client is built per network; all networks share one signing key paired
// with that network's own endpoint.
package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"

	"vaultkeeper/internal/config"
	"vaultkeeper/internal/contracts"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Client is a per-network connection: a read endpoint plus a transactor
// derived from the shared keeper key.
type Client struct {
	eth       *ethclient.Client
	abi       abi.ABI
	transacts *bind.TransactOpts
}

// Dial connects to the network, verifies the endpoint responds, and builds
// the signing transactor. A failure at any step returns an error rather than
// a partial client; per-call failures after construction are the caller's.
func Dial(ctx context.Context, cfg config.NetworkConfig, privateKeyHex string) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("network %s: rpc url is required", cfg.Name)
	}
	if privateKeyHex == "" {
		return nil, fmt.Errorf("network %s: private key is required", cfg.Name)
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("network %s: dial rpc: %w", cfg.Name, err)
	}

	// Startup verification: a dead endpoint should fail the dial, not the
	// first contract call mid-sweep.
	if _, err := cli.BlockNumber(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("network %s: endpoint unreachable: %w", cfg.Name, err)
	}

	parsedABI, err := abi.JSON(strings.NewReader(contracts.EscrowABI))
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("parse escrow abi: %w", err)
	}

	pk, err := parsePrivateKey(privateKeyHex)
	if err != nil {
		cli.Close()
		return nil, err
	}

	chainID, err := cli.ChainID(ctx)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("network %s: fetch chain id: %w", cfg.Name, err)
	}

	txOpts, err := bind.NewKeyedTransactorWithChainID(pk, chainID)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("transactor: %w", err)
	}
	txOpts.GasLimit = 0 // let node estimate
	txOpts.GasPrice = nil
	txOpts.Nonce = nil

	return &Client{
		eth:       cli,
		abi:       parsedABI,
		transacts: txOpts,
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

// Escrow binds one managed escrow contract on this client's network.
func (c *Client) Escrow(address string) *EscrowContract {
	addr := common.HexToAddress(address)
	return &EscrowContract{
		client: c,
		bound:  bind.NewBoundContract(addr, c.abi, c.eth, c.eth, c.eth),
	}
}

func (c *Client) Close() {
	if c.eth != nil {
		c.eth.Close()
	}
}

// ValidAddress reports whether s parses as a hex chain address.
func ValidAddress(s string) bool {
	return common.IsHexAddress(s)
}

// Probe checks that an endpoint answers a block-number query. Used by the
// health surface; it never signs anything.
func Probe(ctx context.Context, rpcURL string) error {
	cli, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return err
	}
	defer cli.Close()
	_, err = cli.BlockNumber(ctx)
	return err
}
