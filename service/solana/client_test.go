package solana

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockRPCClient implements RPCClient for testing.
// It's behavior-focused: we set what it should return, not verify call sequences.
type mockRPCClient struct {
	sendSig     solana.Signature
	sendErr     error
	statuses    []*rpc.SignatureStatusesResult
	statusErr   error
	blockhash   *rpc.GetLatestBlockhashResult
	blockErrs   []error
	blockCalls  int
	accounts    map[solana.PublicKey]*rpc.Account
	accountErr  error
	simulation  *rpc.SimulateTransactionResult
	simulateErr error
	slot        uint64
	sendOpts    rpc.TransactionOpts
	simOpts     *rpc.SimulateTransactionOpts
}

func (m *mockRPCClient) SendRawTransactionWithOpts(ctx context.Context, rawTx []byte, opts rpc.TransactionOpts) (solana.Signature, error) {
	m.sendOpts = opts
	return m.sendSig, m.sendErr
}

func (m *mockRPCClient) GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, signatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	if m.statusErr != nil {
		return nil, m.statusErr
	}
	return &rpc.GetSignatureStatusesResult{Value: m.statuses}, nil
}

func (m *mockRPCClient) GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	m.blockCalls++
	if len(m.blockErrs) > 0 {
		err := m.blockErrs[0]
		m.blockErrs = m.blockErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return m.blockhash, nil
}

func (m *mockRPCClient) IsBlockhashValid(ctx context.Context, blockhash solana.Hash, commitment rpc.CommitmentType) (*rpc.IsValidBlockhashResult, error) {
	return &rpc.IsValidBlockhashResult{Value: true}, nil
}

func (m *mockRPCClient) GetAccountInfoWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error) {
	if m.accountErr != nil {
		return nil, m.accountErr
	}
	acct, ok := m.accounts[account]
	if !ok {
		return nil, rpc.ErrNotFound
	}
	return &rpc.GetAccountInfoResult{Value: acct}, nil
}

func (m *mockRPCClient) SimulateTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts *rpc.SimulateTransactionOpts) (*rpc.SimulateTransactionResponse, error) {
	m.simOpts = opts
	if m.simulateErr != nil {
		return nil, m.simulateErr
	}
	return &rpc.SimulateTransactionResponse{Value: m.simulation}, nil
}

func (m *mockRPCClient) GetSlot(ctx context.Context, commitment rpc.CommitmentType) (uint64, error) {
	return m.slot, nil
}

func newTestClient(mock *mockRPCClient) *Client {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewClient(mock, "test", nil, logger)
	c.retryBase = time.Millisecond
	return c
}

func TestStatusFromResult(t *testing.T) {
	one := uint64(1)

	tests := []struct {
		name   string
		result *rpc.SignatureStatusesResult
		want   LedgerStatus
	}{
		{
			name:   "nil entry is unknown",
			result: nil,
			want:   StatusUnknown{},
		},
		{
			name:   "processed is pending",
			result: &rpc.SignatureStatusesResult{Slot: 10, Confirmations: &one, ConfirmationStatus: rpc.ConfirmationStatusProcessed},
			want:   StatusPending{Slot: 10, Level: LevelProcessed},
		},
		{
			name:   "confirmed",
			result: &rpc.SignatureStatusesResult{Slot: 100, Confirmations: &one, ConfirmationStatus: rpc.ConfirmationStatusConfirmed},
			want:   StatusConfirmed{Slot: 100, Level: LevelConfirmed},
		},
		{
			name:   "finalized",
			result: &rpc.SignatureStatusesResult{Slot: 100, ConfirmationStatus: rpc.ConfirmationStatusFinalized},
			want:   StatusConfirmed{Slot: 100, Level: LevelFinalized},
		},
		{
			name:   "missing level with null confirmations is rooted",
			result: &rpc.SignatureStatusesResult{Slot: 7},
			want:   StatusConfirmed{Slot: 7, Level: LevelFinalized},
		},
		{
			name: "execution error wins over level",
			result: &rpc.SignatureStatusesResult{
				Slot:               55,
				ConfirmationStatus: rpc.ConfirmationStatusConfirmed,
				Err:                map[string]any{"InstructionError": []any{float64(2), map[string]any{"Custom": float64(6001)}}},
			},
			want: StatusFailed{Slot: 55, Level: LevelConfirmed, Err: `{"InstructionError":[2,{"Custom":6001}]}`},
		},
		{
			name:   "string error is kept verbatim",
			result: &rpc.SignatureStatusesResult{Slot: 3, ConfirmationStatus: rpc.ConfirmationStatusProcessed, Err: "InsufficientFundsForFee"},
			want:   StatusFailed{Slot: 3, Level: LevelProcessed, Err: "InsufficientFundsForFee"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusFromResult(tt.result))
		})
	}
}

func TestSignatureStatus(t *testing.T) {
	ctx := context.Background()
	sig := solana.MustSignatureFromBase58("5j7s6NiJS3JAkvgkoc18WVAsiSaci2pxB2A6ueCJP4tprA2TFg9wSyTLeYouxPBJEMzJinENTkpA52YStRW5Dia7")

	t.Run("unknown signature", func(t *testing.T) {
		client := newTestClient(&mockRPCClient{statuses: []*rpc.SignatureStatusesResult{nil}})
		status, err := client.SignatureStatus(ctx, sig.String())
		require.NoError(t, err)
		assert.Equal(t, StatusUnknown{}, status)
	})

	t.Run("rpc error is returned", func(t *testing.T) {
		client := newTestClient(&mockRPCClient{statusErr: errors.New("connection reset")})
		_, err := client.SignatureStatus(ctx, sig.String())
		require.Error(t, err)
	})

	t.Run("malformed signature", func(t *testing.T) {
		client := newTestClient(&mockRPCClient{})
		_, err := client.SignatureStatus(ctx, "not-a-signature")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid signature")
	})
}

func TestSendTransaction(t *testing.T) {
	ctx := context.Background()
	sig := solana.MustSignatureFromBase58("5j7s6NiJS3JAkvgkoc18WVAsiSaci2pxB2A6ueCJP4tprA2TFg9wSyTLeYouxPBJEMzJinENTkpA52YStRW5Dia7")

	mock := &mockRPCClient{sendSig: sig}
	client := newTestClient(mock)

	got, err := client.SendTransaction(ctx, []byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, sig.String(), got)
	assert.False(t, mock.sendOpts.SkipPreflight)
	assert.Equal(t, rpc.CommitmentConfirmed, mock.sendOpts.PreflightCommitment)
}

func TestLatestBlockhash_RetriesRateLimit(t *testing.T) {
	ctx := context.Background()
	hash := solana.MustHashFromBase58("4sGjMW1sUnHzSxGspuhpqLDx6wiyjNtZAMdL4VZHirAn")

	mock := &mockRPCClient{
		blockErrs: []error{errors.New("HTTP 429 Too Many Requests")},
		blockhash: &rpc.GetLatestBlockhashResult{
			RPCContext: rpc.RPCContext{Context: rpc.Context{Slot: 900}},
			Value:      &rpc.LatestBlockhashResult{Blockhash: hash, LastValidBlockHeight: 1200},
		},
	}
	client := newTestClient(mock)

	cp, err := client.LatestBlockhash(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, mock.blockCalls)
	assert.Equal(t, hash, cp.Blockhash)
	assert.Equal(t, uint64(1200), cp.LastValidBlockHeight)
	assert.Equal(t, uint64(900), cp.Slot)
}

func TestLatestBlockhash_PermanentErrorNotRetried(t *testing.T) {
	mock := &mockRPCClient{blockErrs: []error{errors.New("invalid params")}}
	client := newTestClient(mock)

	_, err := client.LatestBlockhash(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, mock.blockCalls)
}

func TestAccountInfo(t *testing.T) {
	ctx := context.Background()
	present := solana.NewWallet().PublicKey()
	absent := solana.NewWallet().PublicKey()

	mock := &mockRPCClient{
		accounts: map[solana.PublicKey]*rpc.Account{
			present: {Owner: TokenProgramID, Lamports: 2039280, Data: rpc.DataBytesOrJSONFromBytes([]byte{1, 2, 3})},
		},
	}
	client := newTestClient(mock)

	state, err := client.AccountInfo(ctx, present)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, TokenProgramID, state.Owner)
	assert.Equal(t, uint64(2039280), state.Lamports)
	assert.Equal(t, []byte{1, 2, 3}, state.Data)

	state, err = client.AccountInfo(ctx, absent)
	require.NoError(t, err)
	assert.Nil(t, state)

	_, err = client.LookupTable(ctx, absent)
	require.ErrorIs(t, err, ErrAccountNotFound)
}

func TestSimulate(t *testing.T) {
	units := uint64(48000)
	mock := &mockRPCClient{
		simulation: &rpc.SimulateTransactionResult{
			Err:           "InsufficientFundsForFee",
			Logs:          []string{"Program log: hello"},
			UnitsConsumed: &units,
		},
	}
	client := newTestClient(mock)

	outcome, err := client.Simulate(context.Background(), &solana.Transaction{})
	require.NoError(t, err)
	assert.Equal(t, "InsufficientFundsForFee", outcome.Err)
	assert.Equal(t, uint64(48000), outcome.UnitsConsumed)
	assert.Equal(t, []string{"Program log: hello"}, outcome.Logs)
	require.NotNil(t, mock.simOpts)
	assert.False(t, mock.simOpts.SigVerify)
	assert.False(t, mock.simOpts.ReplaceRecentBlockhash)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(errors.New("Blockhash not found")))
	assert.True(t, IsTransient(errors.New("This transaction has already been processed")))
	assert.True(t, IsTransient(errors.New("429 Too Many Requests")))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.False(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(errors.New("custom program error: 0x1")))
	assert.False(t, IsTransient(nil))
}
