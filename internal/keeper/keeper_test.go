package keeper

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"vaultkeeper/internal/chain"
	"vaultkeeper/internal/config"
	"vaultkeeper/internal/notify"
	"vaultkeeper/internal/registry"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeContract struct {
	status         uint8
	statusErr      error
	remaining      time.Duration
	remainingErr   error
	ready          bool
	readyErr       error
	txHash         string
	executeErr     error
	executeCalls   int
	canExecCalls   int
	statusCalls    int
	remainingReads int
}

func (f *fakeContract) CanExecute(context.Context) (bool, error) {
	f.canExecCalls++
	return f.ready, f.readyErr
}

func (f *fakeContract) Status(context.Context) (uint8, error) {
	f.statusCalls++
	return f.status, f.statusErr
}

func (f *fakeContract) TimeUntilExecution(context.Context) (time.Duration, error) {
	f.remainingReads++
	return f.remaining, f.remainingErr
}

func (f *fakeContract) Execute(context.Context) (string, error) {
	f.executeCalls++
	if f.executeErr != nil {
		return "", f.executeErr
	}
	if f.txHash == "" {
		return "0xfeed", nil
	}
	return f.txHash, nil
}

type fakeSender struct {
	sent []notify.Message
	err  error
}

func (f *fakeSender) Send(_ context.Context, msg notify.Message) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

type fakeNetwork struct {
	contracts map[string]*fakeContract
	closed    bool
}

func (f *fakeNetwork) Escrow(address string) Contract {
	if c, ok := f.contracts[address]; ok {
		return c
	}
	return &fakeContract{}
}

func (f *fakeNetwork) Close() { f.closed = true }

func staticDialer(networks map[string]*fakeNetwork, dialErr map[string]error) Dialer {
	return func(_ context.Context, nc config.NetworkConfig) (NetworkClient, error) {
		if err := dialErr[nc.Name]; err != nil {
			return nil, err
		}
		return networks[nc.Name], nil
	}
}

func testConfig(networks ...string) *config.AppConfig {
	cfg := &config.AppConfig{
		Keeper: config.KeeperConfig{
			Enabled:        true,
			TickInterval:   time.Minute,
			PacingDelay:    0,
			WarnWindow:     7 * 24 * time.Hour,
			ResendCooldown: 6 * 24 * time.Hour,
		},
		Chain: config.ChainConfig{PrivateKey: "0x01"},
	}
	for _, name := range networks {
		cfg.Networks = append(cfg.Networks, config.NetworkConfig{
			Name:   name,
			RPCURL: "http://localhost:8545",
		})
	}
	return cfg
}

func newTestKeeper(cfg *config.AppConfig, store registry.Store, sender notify.Sender, dial Dialer) *Keeper {
	return New(cfg, store, sender, dial, NewMetrics(prometheus.NewRegistry()))
}

func TestPolicySkipsWithoutEmail(t *testing.T) {
	sender := &fakeSender{}
	k := newTestKeeper(testConfig("sepolia"), registry.NewMemoryStore(), sender, nil)

	contract := &fakeContract{status: chain.StatusActive, remaining: 3 * 24 * time.Hour}
	rec := registry.EscrowRecord{EscrowAddress: "0xabc", Network: "sepolia"}

	sent, err := k.evaluateWarning(context.Background(), rec, contract)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if sent || len(sender.sent) != 0 {
		t.Fatalf("expected no delivery for record without email")
	}
	if contract.statusCalls != 0 {
		t.Fatalf("expected no chain reads for record without email")
	}
}

func TestPolicySkipsInactiveEscrow(t *testing.T) {
	sender := &fakeSender{}
	k := newTestKeeper(testConfig("sepolia"), registry.NewMemoryStore(), sender, nil)

	contract := &fakeContract{status: chain.StatusInactive, remaining: time.Hour}
	rec := registry.EscrowRecord{EscrowAddress: "0xabc", Network: "sepolia", Email: "a@b.com"}

	sent, err := k.evaluateWarning(context.Background(), rec, contract)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if sent || len(sender.sent) != 0 {
		t.Fatalf("expected no delivery for inactive escrow")
	}
}

func TestPolicyWarnsInsideWindow(t *testing.T) {
	store := registry.NewMemoryStore()
	sender := &fakeSender{}
	k := newTestKeeper(testConfig("sepolia"), store, sender, nil)

	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	k.now = func() time.Time { return now }

	ctx := context.Background()
	rec := registry.EscrowRecord{EscrowAddress: "0xabc", Network: "sepolia", Email: "a@b.com"}
	_ = store.Add(ctx, rec)

	contract := &fakeContract{status: chain.StatusActive, remaining: 3 * 24 * time.Hour}
	sent, err := k.evaluateWarning(ctx, rec, contract)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !sent || len(sender.sent) != 1 {
		t.Fatalf("expected exactly one delivery, got %d", len(sender.sent))
	}
	if sender.sent[0].To != "a@b.com" {
		t.Fatalf("unexpected recipient %q", sender.sent[0].To)
	}

	got, _ := store.Get(ctx, "0xabc", "sepolia")
	if got.LastEmailSent == nil || !got.LastEmailSent.Equal(now) {
		t.Fatalf("lastEmailSent not advanced to tick time: %v", got.LastEmailSent)
	}
}

func TestPolicyCooldownSuppressesResend(t *testing.T) {
	store := registry.NewMemoryStore()
	sender := &fakeSender{}
	k := newTestKeeper(testConfig("sepolia"), store, sender, nil)

	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	k.now = func() time.Time { return now }

	ctx := context.Background()
	lastSent := now.Add(-2 * 24 * time.Hour)
	rec := registry.EscrowRecord{
		EscrowAddress: "0xabc",
		Network:       "sepolia",
		Email:         "a@b.com",
		LastEmailSent: &lastSent,
	}
	_ = store.Add(ctx, rec)

	contract := &fakeContract{status: chain.StatusActive, remaining: 3 * 24 * time.Hour}
	sent, err := k.evaluateWarning(ctx, rec, contract)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if sent || len(sender.sent) != 0 {
		t.Fatalf("expected zero deliveries inside cooldown, got %d", len(sender.sent))
	}
}

func TestPolicyIdempotentWithinCooldown(t *testing.T) {
	store := registry.NewMemoryStore()
	sender := &fakeSender{}
	k := newTestKeeper(testConfig("sepolia"), store, sender, nil)

	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	k.now = func() time.Time { return now }

	ctx := context.Background()
	rec := registry.EscrowRecord{EscrowAddress: "0xabc", Network: "sepolia", Email: "a@b.com"}
	_ = store.Add(ctx, rec)

	contract := &fakeContract{status: chain.StatusActive, remaining: 3 * 24 * time.Hour}
	if _, err := k.evaluateWarning(ctx, rec, contract); err != nil {
		t.Fatalf("first evaluate: %v", err)
	}

	// second evaluation an hour later, same escrow, fresh record from store
	k.now = func() time.Time { return now.Add(time.Hour) }
	got, _ := store.Get(ctx, "0xabc", "sepolia")
	if _, err := k.evaluateWarning(ctx, *got, contract); err != nil {
		t.Fatalf("second evaluate: %v", err)
	}

	if len(sender.sent) != 1 {
		t.Fatalf("expected exactly one delivery across both evaluations, got %d", len(sender.sent))
	}
}

func TestPolicyResendsAfterCooldown(t *testing.T) {
	store := registry.NewMemoryStore()
	sender := &fakeSender{}
	k := newTestKeeper(testConfig("sepolia"), store, sender, nil)

	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	k.now = func() time.Time { return now }

	ctx := context.Background()
	lastSent := now.Add(-7 * 24 * time.Hour)
	rec := registry.EscrowRecord{
		EscrowAddress: "0xabc",
		Network:       "sepolia",
		Email:         "a@b.com",
		LastEmailSent: &lastSent,
	}
	_ = store.Add(ctx, rec)
	_ = store.UpdateLastNotified(ctx, "0xabc", "sepolia", lastSent)

	contract := &fakeContract{status: chain.StatusActive, remaining: 2 * 24 * time.Hour}
	sent, err := k.evaluateWarning(ctx, rec, contract)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !sent {
		t.Fatal("expected resend after cooldown elapsed")
	}

	// lastEmailSent only advances, never resets
	got, _ := store.Get(ctx, "0xabc", "sepolia")
	if !got.LastEmailSent.After(lastSent) {
		t.Fatalf("lastEmailSent moved backwards: %v -> %v", lastSent, got.LastEmailSent)
	}
}

func TestPolicyDeliveryFailureLeavesTimestamp(t *testing.T) {
	store := registry.NewMemoryStore()
	sender := &fakeSender{err: errors.New("relay unavailable")}
	k := newTestKeeper(testConfig("sepolia"), store, sender, nil)

	ctx := context.Background()
	rec := registry.EscrowRecord{EscrowAddress: "0xabc", Network: "sepolia", Email: "a@b.com"}
	_ = store.Add(ctx, rec)

	contract := &fakeContract{status: chain.StatusActive, remaining: 24 * time.Hour}
	sent, err := k.evaluateWarning(ctx, rec, contract)
	if err == nil {
		t.Fatal("expected delivery error")
	}
	if sent {
		t.Fatal("failed delivery must not report sent")
	}

	got, _ := store.Get(ctx, "0xabc", "sepolia")
	if got.LastEmailSent != nil {
		t.Fatalf("failed delivery must not advance lastEmailSent: %v", got.LastEmailSent)
	}

	// relay recovers: next tick delivers
	sender.err = nil
	if sent, err := k.evaluateWarning(ctx, rec, contract); err != nil || !sent {
		t.Fatalf("expected retry to deliver: sent=%v err=%v", sent, err)
	}
}

func TestPolicyOutsideWindow(t *testing.T) {
	sender := &fakeSender{}
	k := newTestKeeper(testConfig("sepolia"), registry.NewMemoryStore(), sender, nil)
	rec := registry.EscrowRecord{EscrowAddress: "0xabc", Network: "sepolia", Email: "a@b.com"}

	for _, remaining := range []time.Duration{0, 8 * 24 * time.Hour} {
		contract := &fakeContract{status: chain.StatusActive, remaining: remaining}
		sent, err := k.evaluateWarning(context.Background(), rec, contract)
		if err != nil {
			t.Fatalf("evaluate (T=%v): %v", remaining, err)
		}
		if sent {
			t.Fatalf("expected no warning for T=%v", remaining)
		}
	}
	if len(sender.sent) != 0 {
		t.Fatalf("expected zero deliveries, got %d", len(sender.sent))
	}
}

func TestPolicyNotScheduledSentinel(t *testing.T) {
	sender := &fakeSender{}
	k := newTestKeeper(testConfig("sepolia"), registry.NewMemoryStore(), sender, nil)
	rec := registry.EscrowRecord{EscrowAddress: "0xabc", Network: "sepolia", Email: "a@b.com"}

	contract := &fakeContract{status: chain.StatusActive, remainingErr: chain.ErrNotScheduled}
	sent, err := k.evaluateWarning(context.Background(), rec, contract)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if sent || len(sender.sent) != 0 {
		t.Fatal("sentinel countdown must not trigger a warning")
	}
}

func TestInspectExecutesWhenReady(t *testing.T) {
	k := newTestKeeper(testConfig("sepolia"), registry.NewMemoryStore(), &fakeSender{}, nil)

	contract := &fakeContract{ready: true, txHash: "0xbeef"}
	out := k.inspect(context.Background(), contract)
	if out.State != StateExecuted || out.State.String() != "executed" {
		t.Fatalf("expected executed, got %v (err=%v)", out.State, out.Err)
	}
	if out.TxHash != "0xbeef" {
		t.Fatalf("expected confirmed tx hash, got %q", out.TxHash)
	}
	if contract.executeCalls != 1 {
		t.Fatalf("expected exactly one execution attempt, got %d", contract.executeCalls)
	}
}

func TestInspectNotReadySubmitsNothing(t *testing.T) {
	k := newTestKeeper(testConfig("sepolia"), registry.NewMemoryStore(), &fakeSender{}, nil)

	contract := &fakeContract{ready: false, remaining: 30 * 24 * time.Hour}
	out := k.inspect(context.Background(), contract)
	if out.State != StateNotReady {
		t.Fatalf("expected not ready, got %v", out.State)
	}
	if contract.executeCalls != 0 {
		t.Fatalf("expected no execution attempt, got %d", contract.executeCalls)
	}
	if out.Remaining != 30*24*time.Hour {
		t.Fatalf("expected countdown in outcome, got %v", out.Remaining)
	}
}

func TestInspectFoldsExpectedConditions(t *testing.T) {
	k := newTestKeeper(testConfig("sepolia"), registry.NewMemoryStore(), &fakeSender{}, nil)

	for _, msg := range []string{
		"execution reverted: Execution conditions not met",
		"execution reverted: Contract is inactive",
		"execution reverted: No beneficiaries configured",
	} {
		contract := &fakeContract{readyErr: errors.New(msg)}
		out := k.inspect(context.Background(), contract)
		if out.State != StateNotReady {
			t.Fatalf("expected %q folded into not ready, got %v", msg, out.State)
		}
	}
}

func TestInspectSurfacesTransientErrors(t *testing.T) {
	k := newTestKeeper(testConfig("sepolia"), registry.NewMemoryStore(), &fakeSender{}, nil)

	contract := &fakeContract{readyErr: errors.New("dial tcp: connection refused")}
	out := k.inspect(context.Background(), contract)
	if out.State != StateError || out.State.String() != "error" {
		t.Fatalf("expected error state, got %v", out.State)
	}
	if out.Err == nil {
		t.Fatal("expected raw error for operator visibility")
	}
}

func TestInspectRaceLostFoldsToNotReady(t *testing.T) {
	k := newTestKeeper(testConfig("sepolia"), registry.NewMemoryStore(), &fakeSender{}, nil)

	// canExecute said yes, but state moved before our tx landed
	contract := &fakeContract{ready: true, executeErr: errors.New("execution reverted: Contract is inactive")}
	out := k.inspect(context.Background(), contract)
	if out.State != StateNotReady {
		t.Fatalf("expected lost race folded into not ready, got %v", out.State)
	}
}

func TestRunTickFatalConfig(t *testing.T) {
	cfg := testConfig("sepolia")
	cfg.Chain.PrivateKey = ""
	k := newTestKeeper(cfg, registry.NewMemoryStore(), &fakeSender{}, nil)
	if _, err := k.RunTick(context.Background()); !errors.Is(err, ErrNoSigningKey) {
		t.Fatalf("expected ErrNoSigningKey, got %v", err)
	}

	cfg = testConfig()
	k = newTestKeeper(cfg, registry.NewMemoryStore(), &fakeSender{}, nil)
	if _, err := k.RunTick(context.Background()); !errors.Is(err, ErrNoNetworks) {
		t.Fatalf("expected ErrNoNetworks, got %v", err)
	}
}

func TestSweepPartialFailureIsolation(t *testing.T) {
	store := registry.NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = store.Add(ctx, registry.EscrowRecord{
			EscrowAddress: fmt.Sprintf("0x%02d", i),
			Network:       "sepolia",
		})
	}

	contracts := map[string]*fakeContract{
		"0x00": {ready: false},
		"0x01": {readyErr: errors.New("rpc timeout")},
		"0x02": {ready: false},
	}
	net := &fakeNetwork{contracts: contracts}

	k := newTestKeeper(testConfig("sepolia"), store, &fakeSender{},
		staticDialer(map[string]*fakeNetwork{"sepolia": net}, nil))

	res, err := k.RunTick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if res.Checked != 3 {
		t.Fatalf("expected all 3 escrows attempted, checked=%d", res.Checked)
	}
	if res.Errors != 1 {
		t.Fatalf("expected exactly 1 error, got %d", res.Errors)
	}
	for addr, c := range contracts {
		if c.canExecCalls == 0 {
			t.Fatalf("escrow %s was never inspected", addr)
		}
	}
	if !net.closed {
		t.Fatal("network client not closed after sweep")
	}
}

func TestRunTickNetworkFailureIsolation(t *testing.T) {
	store := registry.NewMemoryStore()
	ctx := context.Background()
	_ = store.Add(ctx, registry.EscrowRecord{EscrowAddress: "0x01", Network: "base"})

	baseNet := &fakeNetwork{contracts: map[string]*fakeContract{"0x01": {ready: true}}}
	dial := staticDialer(
		map[string]*fakeNetwork{"base": baseNet},
		map[string]error{"sepolia": errors.New("endpoint unreachable")},
	)

	k := newTestKeeper(testConfig("sepolia", "base"), store, &fakeSender{}, dial)

	res, err := k.RunTick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if res.Errors != 1 {
		t.Fatalf("expected 1 network error, got %d", res.Errors)
	}
	if res.Executed != 1 {
		t.Fatalf("expected the healthy network to execute, got %d", res.Executed)
	}
	if res.Checked != 1 {
		t.Fatalf("expected 1 checked on the healthy network, got %d", res.Checked)
	}
}

// gatedContract parks the sweep inside CanExecute until released, so a test
// can observe a tick mid-flight.
type gatedContract struct {
	fakeContract
	entered chan struct{}
	release chan struct{}
}

func (g *gatedContract) CanExecute(context.Context) (bool, error) {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.release
	return false, nil
}

type singleNetwork struct{ contract Contract }

func (s singleNetwork) Escrow(string) Contract { return s.contract }
func (s singleNetwork) Close()                 {}

func TestTickOverlapSkipped(t *testing.T) {
	store := registry.NewMemoryStore()
	ctx := context.Background()
	_ = store.Add(ctx, registry.EscrowRecord{EscrowAddress: "0x01", Network: "sepolia"})

	contract := &gatedContract{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	var dials int32
	dial := func(context.Context, config.NetworkConfig) (NetworkClient, error) {
		atomic.AddInt32(&dials, 1)
		return singleNetwork{contract}, nil
	}

	m := NewMetrics(prometheus.NewRegistry())
	k := New(testConfig("sepolia"), store, &fakeSender{}, dial, m)

	firstDone := make(chan struct{})
	go func() {
		k.tick(ctx)
		close(firstDone)
	}()
	<-contract.entered // first tick is now parked inside the contract call

	overlapDone := make(chan struct{})
	go func() {
		k.tick(ctx)
		close(overlapDone)
	}()
	select {
	case <-overlapDone:
	case <-time.After(2 * time.Second):
		t.Fatal("overlapping tick did not return while the first was in flight")
	}

	if got := atomic.LoadInt32(&dials); got != 1 {
		t.Fatalf("overlapping tick started a sweep of its own: %d dials", got)
	}
	if got := testutil.ToFloat64(m.ticksTotal.WithLabelValues("skipped")); got != 1 {
		t.Fatalf("expected 1 skipped tick, got %v", got)
	}

	close(contract.release)
	select {
	case <-firstDone:
	case <-time.After(2 * time.Second):
		t.Fatal("first tick never completed")
	}
	if got := testutil.ToFloat64(m.ticksTotal.WithLabelValues("ok")); got != 1 {
		t.Fatalf("expected 1 completed tick, got %v", got)
	}
}

func TestTickWarnsBeforeExecuting(t *testing.T) {
	store := registry.NewMemoryStore()
	sender := &fakeSender{}
	ctx := context.Background()

	// ready to execute AND inside the warning window: the owner still gets
	// the last-chance warning in the same tick.
	contract := &fakeContract{ready: true, status: chain.StatusActive, remaining: time.Hour}
	_ = store.Add(ctx, registry.EscrowRecord{EscrowAddress: "0x01", Network: "sepolia", Email: "a@b.com"})

	net := &fakeNetwork{contracts: map[string]*fakeContract{"0x01": contract}}
	k := newTestKeeper(testConfig("sepolia"), store, sender,
		staticDialer(map[string]*fakeNetwork{"sepolia": net}, nil))

	res, err := k.RunTick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if res.Executed != 1 {
		t.Fatalf("expected execution, got %d", res.Executed)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected last-chance warning before execution, got %d sends", len(sender.sent))
	}
	if contract.statusCalls == 0 || contract.executeCalls != 1 {
		t.Fatalf("unexpected call pattern: status=%d execute=%d", contract.statusCalls, contract.executeCalls)
	}
}
