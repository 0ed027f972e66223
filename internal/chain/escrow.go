package chain

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/core/types"
)

// Escrow status values as reported by the contract's status().
const (
	StatusActive   uint8 = 0
	StatusInactive uint8 = 1
)

// ErrNotScheduled is returned by TimeUntilExecution when the contract reports
// its max-uint sentinel, meaning no execution countdown applies (the escrow is
// inactive or not yet armed).
var ErrNotScheduled = errors.New("chain: no execution scheduled")

// maxSentinel mirrors the contract's "not applicable" marker (type(uint256).max).
var maxSentinel = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// EscrowContract is a bound handle to one escrow on one network.
type EscrowContract struct {
	client *Client
	bound  *bind.BoundContract
}

// CanExecute queries the contract's readiness predicate.
func (e *EscrowContract) CanExecute(ctx context.Context) (bool, error) {
	var out []interface{}
	if err := e.bound.Call(&bind.CallOpts{Context: ctx}, &out, "canExecute"); err != nil {
		return false, fmt.Errorf("canExecute: %w", err)
	}
	ready, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("canExecute: unexpected return type %T", out[0])
	}
	return ready, nil
}

// Status returns the contract's lifecycle status (0 = Active, 1 = Inactive).
func (e *EscrowContract) Status(ctx context.Context) (uint8, error) {
	var out []interface{}
	if err := e.bound.Call(&bind.CallOpts{Context: ctx}, &out, "status"); err != nil {
		return 0, fmt.Errorf("status: %w", err)
	}
	status, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("status: unexpected return type %T", out[0])
	}
	return status, nil
}

// TimeUntilExecution returns the remaining countdown. The contract's max-uint
// sentinel is mapped to ErrNotScheduled.
func (e *EscrowContract) TimeUntilExecution(ctx context.Context) (time.Duration, error) {
	var out []interface{}
	if err := e.bound.Call(&bind.CallOpts{Context: ctx}, &out, "getTimeUntilExecution"); err != nil {
		return 0, fmt.Errorf("getTimeUntilExecution: %w", err)
	}
	secs, ok := out[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("getTimeUntilExecution: unexpected return type %T", out[0])
	}
	return countdownFromSeconds(secs)
}

// countdownFromSeconds converts the raw contract value, treating the max-uint
// sentinel and anything beyond a representable duration as "not scheduled".
func countdownFromSeconds(secs *big.Int) (time.Duration, error) {
	if secs.Cmp(maxSentinel) == 0 || !secs.IsInt64() || secs.Int64() > math.MaxInt64/int64(time.Second) {
		return 0, ErrNotScheduled
	}
	return time.Duration(secs.Int64()) * time.Second, nil
}

// Execute submits the run() transaction and waits for it to be mined. The
// confirmed transaction hash is returned; a reverted receipt is an error.
func (e *EscrowContract) Execute(ctx context.Context) (string, error) {
	opts := *e.client.transacts
	opts.Context = ctx

	tx, err := e.bound.Transact(&opts, "run")
	if err != nil {
		return "", fmt.Errorf("run tx: %w", err)
	}

	receipt, err := waitForReceipt(ctx, e.client, tx)
	if err != nil {
		return tx.Hash().Hex(), fmt.Errorf("await receipt: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return tx.Hash().Hex(), fmt.Errorf("run tx %s reverted", tx.Hash().Hex())
	}
	return tx.Hash().Hex(), nil
}

// waitForReceipt polls until the transaction is mined or context cancelled.
func waitForReceipt(ctx context.Context, client *Client, tx *types.Transaction) (*types.Receipt, error) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		receipt, err := client.eth.TransactionReceipt(ctx, tx.Hash())
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
