package solana

import (
	"context"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"golang.org/x/time/rate"
)

// rateLimitedRPCClient adapts the solana-go RPC client to our RPCClient interface
// and applies a client-side request budget so bursts of polling and simulation
// requests stay under the provider's rate limit.
type rateLimitedRPCClient struct {
	client  *rpc.Client
	limiter *rate.Limiter
}

// NewRPCClient creates a new RPCClient that wraps the solana-go RPC client.
// rps bounds the sustained request rate; bursts up to rps requests are allowed.
// For premium RPC endpoints that require API keys, include the key in the URL:
// - Helius: https://mainnet.helius-rpc.com/?api-key=YOUR-KEY
// - QuickNode: https://YOUR-ENDPOINT.quiknode.pro/YOUR-KEY/
func NewRPCClient(rpcURL string, rps int) RPCClient {
	if rps < 1 {
		rps = 1
	}
	return &rateLimitedRPCClient{
		client:  rpc.New(rpcURL),
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}
}

func (r *rateLimitedRPCClient) SendRawTransactionWithOpts(
	ctx context.Context,
	rawTx []byte,
	opts rpc.TransactionOpts,
) (solana.Signature, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return solana.Signature{}, err
	}
	return r.client.SendRawTransactionWithOpts(ctx, rawTx, opts)
}

func (r *rateLimitedRPCClient) GetSignatureStatuses(
	ctx context.Context,
	searchTransactionHistory bool,
	signatures ...solana.Signature,
) (*rpc.GetSignatureStatusesResult, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.client.GetSignatureStatuses(ctx, searchTransactionHistory, signatures...)
}

func (r *rateLimitedRPCClient) GetLatestBlockhash(
	ctx context.Context,
	commitment rpc.CommitmentType,
) (*rpc.GetLatestBlockhashResult, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.client.GetLatestBlockhash(ctx, commitment)
}

func (r *rateLimitedRPCClient) IsBlockhashValid(
	ctx context.Context,
	blockhash solana.Hash,
	commitment rpc.CommitmentType,
) (*rpc.IsValidBlockhashResult, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.client.IsBlockhashValid(ctx, blockhash, commitment)
}

func (r *rateLimitedRPCClient) GetAccountInfoWithOpts(
	ctx context.Context,
	account solana.PublicKey,
	opts *rpc.GetAccountInfoOpts,
) (*rpc.GetAccountInfoResult, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.client.GetAccountInfoWithOpts(ctx, account, opts)
}

func (r *rateLimitedRPCClient) SimulateTransactionWithOpts(
	ctx context.Context,
	tx *solana.Transaction,
	opts *rpc.SimulateTransactionOpts,
) (*rpc.SimulateTransactionResponse, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.client.SimulateTransactionWithOpts(ctx, tx, opts)
}

func (r *rateLimitedRPCClient) GetSlot(
	ctx context.Context,
	commitment rpc.CommitmentType,
) (uint64, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	return r.client.GetSlot(ctx, commitment)
}
