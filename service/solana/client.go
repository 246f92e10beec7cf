package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/brojonat/tradedesk/service/metrics"
	"github.com/gagliardetto/solana-go"
	addresslookuptable "github.com/gagliardetto/solana-go/programs/address-lookup-table"
	"github.com/gagliardetto/solana-go/rpc"
)

// RPCClient is an interface for the Solana RPC operations we need.
// This allows us to mock the RPC layer in tests without hitting real Solana nodes.
// *rpc.Client satisfies it directly.
type RPCClient interface {
	SendRawTransactionWithOpts(ctx context.Context, rawTx []byte, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, signatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	IsBlockhashValid(ctx context.Context, blockhash solana.Hash, commitment rpc.CommitmentType) (*rpc.IsValidBlockhashResult, error)
	GetAccountInfoWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error)
	SimulateTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts *rpc.SimulateTransactionOpts) (*rpc.SimulateTransactionResponse, error)
	GetSlot(ctx context.Context, commitment rpc.CommitmentType) (uint64, error)
}

// ErrAccountNotFound is returned when a required account does not exist on the ledger.
var ErrAccountNotFound = errors.New("account not found")

// Client is the ledger gateway. It wraps the RPC client with the domain
// operations used by the confirmation engine and the swap pipeline.
type Client struct {
	rpc        RPCClient
	logger     *slog.Logger
	metrics    *metrics.Metrics
	endpoint   string // RPC endpoint identifier for metrics (e.g., "mainnet", "devnet", rpc host)
	commitment rpc.CommitmentType
	retryBase  time.Duration
}

// NewClient creates a new Solana client.
// The endpoint parameter is used for metrics labeling (e.g., "mainnet", "devnet", or RPC hostname).
// If metrics is nil, no metrics will be recorded.
func NewClient(rpcClient RPCClient, endpoint string, m *metrics.Metrics, logger *slog.Logger) *Client {
	return &Client{
		rpc:        rpcClient,
		logger:     logger,
		metrics:    m,
		endpoint:   endpoint,
		commitment: rpc.CommitmentConfirmed,
		retryBase:  500 * time.Millisecond,
	}
}

// Checkpoint is a recent blockhash and the last block height at which it is valid.
type Checkpoint struct {
	Blockhash            solana.Hash `json:"blockhash"`
	LastValidBlockHeight uint64      `json:"lastValidBlockHeight"`
	Slot                 uint64      `json:"slot"`
}

// AccountState is the subset of an on-ledger account we inspect.
type AccountState struct {
	Owner    solana.PublicKey
	Lamports uint64
	Data     []byte
}

// SimulationOutcome is the raw result of a dry-run execution.
// Err is the gateway's untyped error payload; nil means the dry run succeeded.
type SimulationOutcome struct {
	Err           any
	Logs          []string
	UnitsConsumed uint64
}

// SendTransaction broadcasts signed transaction bytes and returns the assigned signature.
// It is never retried here: a rejected broadcast is reported to the caller as is.
func (c *Client) SendTransaction(ctx context.Context, raw []byte) (string, error) {
	start := time.Now()
	sig, err := c.rpc.SendRawTransactionWithOpts(ctx, raw, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: c.commitment,
	})
	c.observe(ctx, "SendTransaction", start, err)
	if err != nil {
		return "", err
	}
	return sig.String(), nil
}

// SignatureStatus queries the processing status of a previously broadcast transaction.
func (c *Client) SignatureStatus(ctx context.Context, signature string) (LedgerStatus, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return nil, fmt.Errorf("invalid signature %q: %w", signature, err)
	}

	start := time.Now()
	out, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
	c.observe(ctx, "GetSignatureStatuses", start, err)
	if err != nil {
		return nil, err
	}
	if out == nil || len(out.Value) == 0 {
		return StatusUnknown{}, nil
	}
	return StatusFromResult(out.Value[0]), nil
}

// LatestBlockhash fetches a fresh checkpoint.
func (c *Client) LatestBlockhash(ctx context.Context) (*Checkpoint, error) {
	var cp *Checkpoint
	err := c.withRetry(ctx, "GetLatestBlockhash", func() error {
		out, err := c.rpc.GetLatestBlockhash(ctx, c.commitment)
		if err != nil {
			return err
		}
		if out == nil || out.Value == nil {
			return errors.New("empty blockhash response")
		}
		cp = &Checkpoint{
			Blockhash:            out.Value.Blockhash,
			LastValidBlockHeight: out.Value.LastValidBlockHeight,
			Slot:                 out.Context.Slot,
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch latest blockhash: %w", err)
	}
	return cp, nil
}

// BlockhashValid reports whether a blockhash can still be used to land a transaction.
func (c *Client) BlockhashValid(ctx context.Context, blockhash string) (bool, error) {
	hash, err := solana.HashFromBase58(blockhash)
	if err != nil {
		return false, fmt.Errorf("invalid blockhash %q: %w", blockhash, err)
	}

	var valid bool
	err = c.withRetry(ctx, "IsBlockhashValid", func() error {
		out, err := c.rpc.IsBlockhashValid(ctx, hash, c.commitment)
		if err != nil {
			return err
		}
		valid = out != nil && out.Value
		return nil
	})
	return valid, err
}

// AccountInfo returns the account at address, or nil if it does not exist.
func (c *Client) AccountInfo(ctx context.Context, address solana.PublicKey) (*AccountState, error) {
	var state *AccountState
	err := c.withRetry(ctx, "GetAccountInfo", func() error {
		out, err := c.rpc.GetAccountInfoWithOpts(ctx, address, &rpc.GetAccountInfoOpts{
			Encoding:   solana.EncodingBase64,
			Commitment: c.commitment,
		})
		if errors.Is(err, rpc.ErrNotFound) {
			state = nil
			return nil
		}
		if err != nil {
			return err
		}
		if out == nil || out.Value == nil {
			state = nil
			return nil
		}
		state = &AccountState{
			Owner:    out.Value.Owner,
			Lamports: out.Value.Lamports,
		}
		if out.Value.Data != nil {
			state.Data = out.Value.Data.GetBinary()
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch account %s: %w", address, err)
	}
	return state, nil
}

// LookupTable resolves the addresses stored in an address lookup table account.
func (c *Client) LookupTable(ctx context.Context, address solana.PublicKey) (solana.PublicKeySlice, error) {
	state, err := c.AccountInfo(ctx, address)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, fmt.Errorf("lookup table %s: %w", address, ErrAccountNotFound)
	}

	table, err := addresslookuptable.DecodeAddressLookupTableState(state.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode lookup table %s: %w", address, err)
	}
	return table.Addresses, nil
}

// Simulate dry-runs a transaction with signature verification disabled.
// The transaction's own blockhash is kept so the result reflects what the caller will sign.
func (c *Client) Simulate(ctx context.Context, tx *solana.Transaction) (*SimulationOutcome, error) {
	start := time.Now()
	out, err := c.rpc.SimulateTransactionWithOpts(ctx, tx, &rpc.SimulateTransactionOpts{
		SigVerify:              false,
		ReplaceRecentBlockhash: false,
		Commitment:             c.commitment,
	})
	c.observe(ctx, "SimulateTransaction", start, err)
	if err != nil {
		return nil, err
	}
	if out == nil || out.Value == nil {
		return nil, errors.New("empty simulation response")
	}

	outcome := &SimulationOutcome{
		Err:  out.Value.Err,
		Logs: out.Value.Logs,
	}
	if out.Value.UnitsConsumed != nil {
		outcome.UnitsConsumed = *out.Value.UnitsConsumed
	}
	return outcome, nil
}

// CurrentSlot returns the slot the node has reached at the configured commitment.
func (c *Client) CurrentSlot(ctx context.Context) (uint64, error) {
	var slot uint64
	err := c.withRetry(ctx, "GetSlot", func() error {
		var err error
		slot, err = c.rpc.GetSlot(ctx, c.commitment)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to fetch current slot: %w", err)
	}
	return slot, nil
}

// withRetry runs a read-only call, retrying rate-limited and transient failures with
// exponential backoff. Writes never go through here.
func (c *Client) withRetry(ctx context.Context, method string, fn func() error) error {
	const maxAttempts = 3

	var err error
	for attempt := range maxAttempts {
		start := time.Now()
		err = fn()
		c.observe(ctx, method, start, err)
		if err == nil {
			return nil
		}
		if !IsTransient(err) || attempt == maxAttempts-1 {
			return err
		}

		reason := "timeout_or_error"
		backoff := c.retryBase << uint(attempt)
		if IsRateLimited(err) {
			reason = "rate_limit"
			backoff *= 2
		}
		c.logger.WarnContext(ctx, "rpc call failed, retrying",
			"method", method,
			"attempt", attempt+1,
			"error", err,
			"backoff_seconds", backoff.Seconds(),
		)
		c.metrics.RecordRPCRetry(method, reason)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return err
}

func (c *Client) observe(ctx context.Context, method string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
		c.logger.DebugContext(ctx, "rpc call failed", "method", method, "error", err)
	}
	c.metrics.RecordRPCCall(method, status, c.endpoint, time.Since(start).Seconds())
}

// IsRateLimited reports whether err is an HTTP 429 from the RPC provider.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "too many requests")
}

// IsTransient reports whether err is worth retrying: rate limits, network failures,
// and ordering conflicts such as an expired or unknown blockhash.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if IsRateLimited(err) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

var transientMarkers = []string{
	"blockhash not found",
	"already been processed",
	"already processed",
	"timeout",
	"connection reset",
	"connection refused",
	"eof",
	"503",
	"502",
	"node is behind",
}
