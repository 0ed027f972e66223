// Package keeper implements the check-and-act loop: once per tick it sweeps
// every configured network, warns owners whose escrows approach execution,
// and submits the execution transaction for escrows that report readiness.
package keeper

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"vaultkeeper/internal/chain"
	"vaultkeeper/internal/config"
	"vaultkeeper/internal/notify"
	"vaultkeeper/internal/registry"
)

// Contract is the on-chain surface the keeper consumes from one escrow.
// chain.EscrowContract implements it; tests substitute fakes.
type Contract interface {
	CanExecute(ctx context.Context) (bool, error)
	Status(ctx context.Context) (uint8, error)
	TimeUntilExecution(ctx context.Context) (time.Duration, error)
	Execute(ctx context.Context) (string, error)
}

// NetworkClient hands out contract bindings for one network.
type NetworkClient interface {
	Escrow(address string) Contract
	Close()
}

// Dialer constructs the per-network client at the start of each sweep.
type Dialer func(ctx context.Context, nc config.NetworkConfig) (NetworkClient, error)

// TickResult aggregates one scheduler pass. It is reported, never persisted.
type TickResult struct {
	Checked  int `json:"checked"`
	Executed int `json:"executed"`
	Errors   int `json:"errors"`
}

// Configuration errors that stop a tick before any processing.
var (
	ErrNoSigningKey = errors.New("keeper: signing key not configured")
	ErrNoNetworks   = errors.New("keeper: no networks configured")
)

type Keeper struct {
	cfg      config.KeeperConfig
	networks []config.NetworkConfig
	hasKey   bool
	store    registry.Store
	sender   notify.Sender
	dial     Dialer
	metrics  *Metrics
	now      func() time.Time

	// tickMu enforces single-flight ticks: an overlapping tick is skipped,
	// never queued, so warnings and executions are not duplicated.
	tickMu sync.Mutex
}

func New(cfg *config.AppConfig, store registry.Store, sender notify.Sender, dial Dialer, metrics *Metrics) *Keeper {
	return &Keeper{
		cfg:      cfg.Keeper,
		networks: cfg.Networks,
		hasKey:   cfg.Chain.PrivateKey != "",
		store:    store,
		sender:   sender,
		dial:     dial,
		metrics:  metrics,
		now:      time.Now,
	}
}

// ChainDialer returns a Dialer backed by go-ethereum clients signing with the
// shared keeper key.
func ChainDialer(privateKeyHex string) Dialer {
	return func(ctx context.Context, nc config.NetworkConfig) (NetworkClient, error) {
		client, err := chain.Dial(ctx, nc, privateKeyHex)
		if err != nil {
			return nil, err
		}
		return ethNetwork{client}, nil
	}
}

type ethNetwork struct {
	client *chain.Client
}

func (n ethNetwork) Escrow(address string) Contract { return n.client.Escrow(address) }
func (n ethNetwork) Close()                         { n.client.Close() }

// Run drives ticks at the configured interval until the context is cancelled.
// The first tick fires immediately.
func (k *Keeper) Run(ctx context.Context) {
	ticker := time.NewTicker(k.cfg.TickInterval)
	defer ticker.Stop()

	k.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.tick(ctx)
		}
	}
}

func (k *Keeper) tick(ctx context.Context) {
	if !k.tickMu.TryLock() {
		log.Printf("keeper: previous tick still running, skipping")
		k.metrics.incTick("skipped")
		return
	}
	defer k.tickMu.Unlock()

	result, err := k.RunTick(ctx)
	if err != nil {
		log.Printf("keeper: tick aborted: %v", err)
		k.metrics.incTick("failed")
		return
	}
	log.Printf("keeper: tick done checked=%d executed=%d errors=%d",
		result.Checked, result.Executed, result.Errors)
	k.metrics.incTick("ok")
	k.metrics.observeTick(result, k.now())
}

// RunTick sweeps every configured network once. A network whose client cannot
// be constructed counts as one error; the remaining networks still run. The
// only errors returned are fatal configuration errors.
func (k *Keeper) RunTick(ctx context.Context) (TickResult, error) {
	if !k.hasKey {
		return TickResult{}, ErrNoSigningKey
	}
	if len(k.networks) == 0 {
		return TickResult{}, ErrNoNetworks
	}

	var result TickResult
	for _, nc := range k.networks {
		client, err := k.dial(ctx, nc)
		if err != nil {
			log.Printf("[%s] client construction failed: %v", nc.Name, err)
			k.metrics.incSweepError(nc.Name)
			result.Errors++
			continue
		}

		swept := k.sweepNetwork(ctx, nc.Name, client)
		client.Close()

		result.Checked += swept.Checked
		result.Executed += swept.Executed
		result.Errors += swept.Errors
	}
	return result, nil
}

// sweepNetwork processes every managed escrow on one network exactly once.
// Escrows are paced sequentially so third-party endpoints are not hammered;
// a failing escrow is counted and the sweep moves on.
func (k *Keeper) sweepNetwork(ctx context.Context, network string, client NetworkClient) TickResult {
	records, err := k.store.ListByNetwork(ctx, network)
	if err != nil {
		log.Printf("[%s] list escrows: %v", network, err)
		k.metrics.incSweepError(network)
		return TickResult{Errors: 1}
	}

	var res TickResult
	for i, rec := range records {
		if i > 0 && k.cfg.PacingDelay > 0 {
			select {
			case <-time.After(k.cfg.PacingDelay):
			case <-ctx.Done():
				log.Printf("[%s] sweep truncated: %v", network, ctx.Err())
				return res
			}
		}

		res.Checked++
		failed := false
		contract := client.Escrow(rec.EscrowAddress)

		// Warning before inspection so an about-to-execute escrow still
		// gets its last-chance notice in the same tick.
		if _, err := k.evaluateWarning(ctx, rec, contract); err != nil {
			log.Printf("[%s] %s warning: %v", network, rec.EscrowAddress, err)
			failed = true
		}

		outcome := k.inspect(ctx, contract)
		switch outcome.State {
		case StateExecuted:
			log.Printf("[%s] %s executed tx=%s", network, rec.EscrowAddress, outcome.TxHash)
			k.metrics.incExecution()
		case StateError:
			log.Printf("[%s] %s inspect state=%s: %v", network, rec.EscrowAddress, outcome.State, outcome.Err)
			failed = true
		case StateNotReady:
			// dominant outcome, nothing to do
		}

		if outcome.State == StateExecuted {
			res.Executed++
		}
		if failed {
			k.metrics.incSweepError(network)
			res.Errors++
		}
	}
	return res
}
