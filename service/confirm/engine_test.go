package confirm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/tradedesk/service/solana"
	bin "github.com/gagliardetto/binary"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLedger scripts gateway answers. Status queries past the end of the
// script repeat the last entry.
type fakeLedger struct {
	mu            sync.Mutex
	signature     string
	sendErr       error
	statuses      []solana.LedgerStatus
	statusErrs    []error
	sendCalls     int
	queryCalls    int
	sendCtxErr    error
	deterministic bool
}

func (f *fakeLedger) SendTransaction(ctx context.Context, raw []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls++
	f.sendCtxErr = ctx.Err()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	if f.deterministic {
		tx, err := solanago.TransactionFromDecoder(bin.NewBinDecoder(raw))
		if err != nil {
			return "", err
		}
		return tx.Signatures[0].String(), nil
	}
	return f.signature, nil
}

func (f *fakeLedger) SignatureStatus(ctx context.Context, signature string) (solana.LedgerStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.queryCalls
	f.queryCalls++

	if i < len(f.statusErrs) && f.statusErrs[i] != nil {
		return nil, f.statusErrs[i]
	}
	if len(f.statuses) == 0 {
		return solana.StatusUnknown{}, nil
	}
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}
	return f.statuses[i], nil
}

func (f *fakeLedger) queries() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queryCalls
}

// fakeClock advances instantly on Sleep.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func (c *fakeClock) slept() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total time.Duration
	for _, d := range c.sleeps {
		total += d
	}
	return total
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// signedTransaction builds a real signed transfer and returns it base64 encoded
// along with the fee payer address.
func signedTransaction(t *testing.T) (string, string) {
	t.Helper()

	payer := solanago.NewWallet()
	recipient := solanago.NewWallet().PublicKey()
	blockhash := solanago.MustHashFromBase58("4sGjMW1sUnHzSxGspuhpqLDx6wiyjNtZAMdL4VZHirAn")

	tx, err := solanago.NewTransaction(
		[]solanago.Instruction{
			system.NewTransferInstruction(1000, payer.PublicKey(), recipient).Build(),
		},
		blockhash,
		solanago.TransactionPayer(payer.PublicKey()),
	)
	require.NoError(t, err)

	_, err = tx.Sign(func(key solanago.PublicKey) *solanago.PrivateKey {
		if key.Equals(payer.PublicKey()) {
			return &payer.PrivateKey
		}
		return nil
	})
	require.NoError(t, err)

	encoded, err := tx.ToBase64()
	require.NoError(t, err)
	return encoded, payer.PublicKey().String()
}

type recorder struct {
	mu      sync.Mutex
	updates []StatusUpdate
}

func (r *recorder) observe(u StatusUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recorder) statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, 0, len(r.updates))
	for _, u := range r.updates {
		out = append(out, u.Status)
	}
	return out
}

func TestSubmit_HappyPath(t *testing.T) {
	encoded, wallet := signedTransaction(t)
	ledger := &fakeLedger{
		signature: "SIG1",
		statuses: []solana.LedgerStatus{
			solana.StatusUnknown{},
			solana.StatusUnknown{},
			solana.StatusConfirmed{Slot: 100, Level: solana.LevelConfirmed},
		},
	}
	clock := newFakeClock()
	engine := NewEngine(ledger, DefaultConfig(), clock, nil, testLogger())
	rec := &recorder{}

	final, err := engine.Submit(context.Background(), TransactionRequest{
		SerializedTransaction: encoded,
		WalletAddress:         wallet,
	}, rec.observe)
	require.NoError(t, err)

	slot := uint64(100)
	assert.Equal(t, StatusUpdate{
		Status:            StatusConfirmed,
		Signature:         "SIG1",
		ConfirmationLevel: "confirmed",
		Slot:              &slot,
	}, final)
	assert.Equal(t, 3, ledger.queries())
	assert.Equal(t, 1, ledger.sendCalls)
	assert.Equal(t, []Status{StatusSending, StatusSent, StatusConfirming, StatusConfirmed}, rec.statuses())
	assert.Equal(t, []time.Duration{150 * time.Millisecond, 225 * time.Millisecond}, clock.sleeps)
}

func TestSubmit_BroadcastFailureShortCircuits(t *testing.T) {
	encoded, _ := signedTransaction(t)
	ledger := &fakeLedger{sendErr: errors.New("Transaction simulation failed: Blockhash not found")}
	engine := NewEngine(ledger, DefaultConfig(), newFakeClock(), nil, testLogger())
	rec := &recorder{}

	final, err := engine.Submit(context.Background(), TransactionRequest{SerializedTransaction: encoded}, rec.observe)
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, final.Status)
	assert.Equal(t, "Transaction simulation failed: Blockhash not found", final.Error)
	assert.Empty(t, final.Signature)
	assert.Equal(t, 0, ledger.queries())
	assert.Equal(t, []Status{StatusSending, StatusFailed}, rec.statuses())
}

func TestSubmit_OnChainErrorSurfacesAfterOneQuery(t *testing.T) {
	encoded, _ := signedTransaction(t)
	ledger := &fakeLedger{
		signature: "SIG2",
		statuses: []solana.LedgerStatus{
			solana.StatusFailed{Slot: 77, Level: solana.LevelProcessed, Err: `{"InstructionError":[1,{"Custom":6001}]}`},
		},
	}
	clock := newFakeClock()
	engine := NewEngine(ledger, DefaultConfig(), clock, nil, testLogger())

	final, err := engine.Submit(context.Background(), TransactionRequest{SerializedTransaction: encoded}, nil)
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, final.Status)
	assert.Equal(t, "SIG2", final.Signature)
	assert.Equal(t, `{"InstructionError":[1,{"Custom":6001}]}`, final.Error)
	require.NotNil(t, final.Slot)
	assert.Equal(t, uint64(77), *final.Slot)
	assert.Equal(t, 1, ledger.queries())
	assert.Empty(t, clock.sleeps)
}

func TestSubmit_TransientQueryErrorsAreSwallowed(t *testing.T) {
	encoded, _ := signedTransaction(t)
	ledger := &fakeLedger{
		signature:  "SIG3",
		statusErrs: []error{errors.New("connection reset"), errors.New("HTTP 429")},
		statuses: []solana.LedgerStatus{
			nil,
			nil,
			solana.StatusPending{Slot: 9, Level: solana.LevelProcessed},
			solana.StatusConfirmed{Slot: 10, Level: solana.LevelFinalized},
		},
	}
	engine := NewEngine(ledger, DefaultConfig(), newFakeClock(), nil, testLogger())
	rec := &recorder{}

	final, err := engine.Submit(context.Background(), TransactionRequest{SerializedTransaction: encoded}, rec.observe)
	require.NoError(t, err)

	assert.Equal(t, StatusConfirmed, final.Status)
	assert.Equal(t, "finalized", final.ConfirmationLevel)
	assert.Equal(t, 4, ledger.queries())
	assert.Equal(t, []Status{StatusSending, StatusSent, StatusConfirming, StatusConfirming, StatusConfirmed}, rec.statuses())
}

func TestSubmit_TimeoutWithFakeClock(t *testing.T) {
	encoded, _ := signedTransaction(t)
	ledger := &fakeLedger{signature: "SIG4"}
	clock := newFakeClock()
	cfg := DefaultConfig()
	cfg.Timeout = 5 * time.Second
	engine := NewEngine(ledger, cfg, clock, nil, testLogger())

	final, err := engine.Submit(context.Background(), TransactionRequest{SerializedTransaction: encoded}, nil)
	require.NoError(t, err)

	assert.Equal(t, StatusTimeout, final.Status)
	assert.Equal(t, "SIG4", final.Signature)
	assert.Contains(t, final.Error, "may still land")
	assert.Equal(t, 5*time.Second, clock.slept(), "sleeps are clamped to the budget")
	for _, d := range clock.sleeps {
		assert.LessOrEqual(t, d, 2*time.Second)
	}
}

func TestSubmit_TimeoutBoundRealClock(t *testing.T) {
	if testing.Short() {
		t.Skip("uses wall-clock time")
	}

	encoded, _ := signedTransaction(t)
	ledger := &fakeLedger{signature: "SIG5"}
	cfg := DefaultConfig()
	cfg.Timeout = time.Second
	engine := NewEngine(ledger, cfg, RealClock(), nil, testLogger())

	start := time.Now()
	final, err := engine.Submit(context.Background(), TransactionRequest{SerializedTransaction: encoded}, nil)
	elapsed := time.Since(start)
	require.NoError(t, err)

	assert.Equal(t, StatusTimeout, final.Status)
	assert.GreaterOrEqual(t, elapsed, time.Second)
	assert.Less(t, elapsed, 1500*time.Millisecond)
}

func TestSubmit_IdempotentBroadcast(t *testing.T) {
	encoded, _ := signedTransaction(t)
	ledger := &fakeLedger{
		deterministic: true,
		statuses:      []solana.LedgerStatus{solana.StatusConfirmed{Slot: 1, Level: solana.LevelConfirmed}},
	}
	engine := NewEngine(ledger, DefaultConfig(), newFakeClock(), nil, testLogger())

	first, err := engine.Submit(context.Background(), TransactionRequest{SerializedTransaction: encoded}, nil)
	require.NoError(t, err)
	second, err := engine.Submit(context.Background(), TransactionRequest{SerializedTransaction: encoded}, nil)
	require.NoError(t, err)

	decoded, err := DecodeTransaction(TransactionRequest{SerializedTransaction: encoded})
	require.NoError(t, err)

	assert.Equal(t, first.Signature, second.Signature)
	assert.Equal(t, decoded.Signature, first.Signature)
}

func TestSubmit_CancelStopsWatchNotBroadcast(t *testing.T) {
	encoded, _ := signedTransaction(t)
	ledger := &fakeLedger{signature: "SIG6"}
	engine := NewEngine(ledger, DefaultConfig(), newFakeClock(), nil, testLogger())
	rec := &recorder{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	final, err := engine.Submit(ctx, TransactionRequest{SerializedTransaction: encoded}, func(u StatusUpdate) {
		rec.observe(u)
		if u.Status == StatusSending {
			cancel()
		}
	})

	require.ErrorIs(t, err, ErrWatchCancelled)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, ledger.sendCalls, "broadcast still happens")
	assert.NoError(t, ledger.sendCtxErr, "broadcast is detached from caller cancellation")
	assert.Equal(t, StatusConfirming, final.Status)
	assert.Equal(t, "SIG6", final.Signature)
	assert.Equal(t, 0, ledger.queries())
	for _, s := range rec.statuses() {
		assert.False(t, s.Terminal(), "no terminal status after cancellation")
	}
}

func TestSubmit_CancelMidPolling(t *testing.T) {
	encoded, _ := signedTransaction(t)
	ledger := &fakeLedger{
		signature: "SIG7",
		statuses:  []solana.LedgerStatus{solana.StatusPending{Slot: 5, Level: solana.LevelProcessed}},
	}
	engine := NewEngine(ledger, DefaultConfig(), newFakeClock(), nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	final, err := engine.Submit(ctx, TransactionRequest{SerializedTransaction: encoded}, func(u StatusUpdate) {
		if u.Status == StatusConfirming && u.Slot != nil {
			cancel()
		}
	})

	require.ErrorIs(t, err, ErrWatchCancelled)
	assert.Equal(t, StatusConfirming, final.Status)
	assert.Equal(t, "processed", final.ConfirmationLevel)
	assert.Equal(t, 1, ledger.queries())
}

func TestSubmit_InvalidRequests(t *testing.T) {
	encoded, _ := signedTransaction(t)
	other := solanago.NewWallet().PublicKey().String()

	unsigned, err := solanago.NewTransaction(
		[]solanago.Instruction{system.NewTransferInstruction(1, solanago.NewWallet().PublicKey(), solanago.NewWallet().PublicKey()).Build()},
		solanago.Hash{},
	)
	require.NoError(t, err)
	unsigned.Signatures = make([]solanago.Signature, unsigned.Message.Header.NumRequiredSignatures)
	unsignedB64, err := unsigned.ToBase64()
	require.NoError(t, err)

	tests := []struct {
		name    string
		req     TransactionRequest
		wantErr string
	}{
		{"empty", TransactionRequest{}, "serializedTransaction is required"},
		{"bad base64", TransactionRequest{SerializedTransaction: "%%%"}, "not valid base64"},
		{"garbage bytes", TransactionRequest{SerializedTransaction: "AQID"}, "failed to parse transaction"},
		{"unsigned", TransactionRequest{SerializedTransaction: unsignedB64}, "not signed"},
		{"wallet mismatch", TransactionRequest{SerializedTransaction: encoded, WalletAddress: other}, "is not the fee payer"},
		{"bad wallet", TransactionRequest{SerializedTransaction: encoded, WalletAddress: "nope"}, "invalid walletAddress"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := &fakeLedger{signature: "X"}
			engine := NewEngine(ledger, DefaultConfig(), newFakeClock(), nil, testLogger())

			_, err := engine.Submit(context.Background(), tt.req, nil)
			require.ErrorIs(t, err, ErrInvalidRequest)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Equal(t, 0, ledger.sendCalls)
		})
	}
}

func TestWatch(t *testing.T) {
	ledger := &fakeLedger{
		statuses: []solana.LedgerStatus{
			solana.StatusUnknown{},
			solana.StatusConfirmed{Slot: 42, Level: solana.LevelFinalized},
		},
	}
	engine := NewEngine(ledger, DefaultConfig(), newFakeClock(), nil, testLogger())
	rec := &recorder{}
	signature := solanago.Signature{8}.String()

	final, err := engine.Watch(context.Background(), signature, rec.observe)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, final.Status)
	assert.Equal(t, signature, final.Signature)
	assert.Equal(t, 0, ledger.sendCalls)
	assert.Equal(t, []Status{StatusConfirming, StatusConfirmed}, rec.statuses())
}

func TestWatch_RejectsMalformedSignatures(t *testing.T) {
	ledger := &fakeLedger{}
	engine := NewEngine(ledger, DefaultConfig(), newFakeClock(), nil, testLogger())

	for _, signature := range []string{
		"  ",
		"abc",
		"not-base58-0OIl",
		solanago.MustHashFromBase58("4sGjMW1sUnHzSxGspuhpqLDx6wiyjNtZAMdL4VZHirAn").String(),
	} {
		rec := &recorder{}
		_, err := engine.Watch(context.Background(), signature, rec.observe)
		require.ErrorIs(t, err, ErrInvalidRequest, signature)
		assert.Empty(t, rec.statuses(), "nothing is observed for %q", signature)
	}
	assert.Equal(t, 0, ledger.queryCalls, "malformed signatures never reach the ledger")
}

func TestBackoffIsCapped(t *testing.T) {
	ledger := &fakeLedger{}
	clock := newFakeClock()
	cfg := DefaultConfig()
	cfg.Timeout = 20 * time.Second
	engine := NewEngine(ledger, cfg, clock, nil, testLogger())

	final, err := engine.Watch(context.Background(), solanago.Signature{9}.String(), nil)
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, final.Status)

	require.NotEmpty(t, clock.sleeps)
	assert.Equal(t, 150*time.Millisecond, clock.sleeps[0])
	for i := 1; i < len(clock.sleeps)-1; i++ {
		assert.GreaterOrEqual(t, clock.sleeps[i], clock.sleeps[i-1], "interval never shrinks before the clamp")
		assert.LessOrEqual(t, clock.sleeps[i], 2*time.Second)
	}
	assert.Equal(t, 20*time.Second, clock.slept())
}
