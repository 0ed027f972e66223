package keeper

import (
	"context"
	"errors"
	"strings"
	"time"

	"vaultkeeper/internal/chain"
)

// InspectState classifies the outcome of one escrow inspection.
type InspectState int

const (
	// StateNotReady covers both canExecute()=false and every contract
	// condition that means "don't execute yet".
	StateNotReady InspectState = iota
	StateExecuted
	StateError
)

func (s InspectState) String() string {
	switch s {
	case StateNotReady:
		return "not_ready"
	case StateExecuted:
		return "executed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// InspectOutcome carries the state plus whichever detail applies: the
// confirmed tx hash on execution, the countdown when waiting, the raw error
// for operator logs.
type InspectOutcome struct {
	State     InspectState
	TxHash    string
	Remaining time.Duration
	Err       error
}

// inspect checks one escrow's execution readiness and, when ready, submits
// the execution transaction and waits for confirmation. At most one
// transaction is submitted per call.
func (k *Keeper) inspect(ctx context.Context, contract Contract) InspectOutcome {
	ready, err := contract.CanExecute(ctx)
	if err != nil {
		if isExpectedCondition(err) {
			return InspectOutcome{State: StateNotReady}
		}
		return InspectOutcome{State: StateError, Err: err}
	}

	if !ready {
		remaining, err := contract.TimeUntilExecution(ctx)
		if err != nil && !errors.Is(err, chain.ErrNotScheduled) && !isExpectedCondition(err) {
			return InspectOutcome{State: StateError, Err: err}
		}
		return InspectOutcome{State: StateNotReady, Remaining: remaining}
	}

	txHash, err := contract.Execute(ctx)
	if err != nil {
		if isExpectedCondition(err) {
			// Someone beat us to it, or state moved between the readiness
			// check and the submission. Next tick observes fresh state.
			return InspectOutcome{State: StateNotReady}
		}
		return InspectOutcome{State: StateError, TxHash: txHash, Err: err}
	}
	return InspectOutcome{State: StateExecuted, TxHash: txHash}
}

// Revert messages the contract uses for semantically expected "not yet"
// conditions. Structured checks (canExecute, status) come first; message
// inspection is the fallback for reverts raised mid-call.
var expectedConditions = []string{
	"execution conditions not met",
	"contract is inactive",
	"no beneficiaries",
}

func isExpectedCondition(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, cond := range expectedConditions {
		if strings.Contains(msg, cond) {
			return true
		}
	}
	return false
}
