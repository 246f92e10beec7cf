package swap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/tradedesk/service/metrics"
	"github.com/brojonat/tradedesk/service/solana"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/patrickmn/go-cache"
)

// AccountGateway reads accounts from the ledger. A nil state means the account does not exist.
type AccountGateway interface {
	AccountInfo(ctx context.Context, address solanago.PublicKey) (*solana.AccountState, error)
}

// Creator creates token accounts with a funded identity.
type Creator interface {
	CreateTokenAccount(ctx context.Context, account, owner, mint, tokenProgram solanago.PublicKey) error
}

// Mode selects what EnsureAccount does with a missing account.
type Mode int

const (
	// ModeInclude returns the creation instruction for the caller's own transaction.
	// Nothing is broadcast.
	ModeInclude Mode = iota
	// ModeBroadcast creates the account with the service identity before returning.
	ModeBroadcast
)

func (m Mode) String() string {
	if m == ModeBroadcast {
		return "broadcast"
	}
	return "include"
}

// EnsureParams identifies the token account to ensure.
type EnsureParams struct {
	Mint  solanago.PublicKey
	Owner solanago.PublicKey
	// Payer funds an included creation instruction. Defaults to Owner.
	Payer solanago.PublicKey
	Mode  Mode
}

// EnsureResult describes the ensured account.
type EnsureResult struct {
	Address      solanago.PublicKey
	TokenProgram solanago.PublicKey
	Existed      bool
	Created      bool
	// Instruction is set in ModeInclude when the account is missing.
	Instruction solanago.Instruction
}

// MintInfo is the static part of a mint used to build transfers.
type MintInfo struct {
	TokenProgram solanago.PublicKey
	Decimals     uint8
}

// Checker derives token accounts and makes sure they exist.
type Checker struct {
	gateway     AccountGateway
	creator     Creator
	cache       *cache.Cache
	metrics     *metrics.Metrics
	logger      *slog.Logger
	maxAttempts int
	retryDelay  time.Duration
}

// NewChecker creates a Checker. Positive existence answers and mint info are kept in
// the given cache; absence is never cached. creator may be nil, in which case
// ModeBroadcast fails with ErrServiceIdentityNotConfigured.
func NewChecker(gateway AccountGateway, creator Creator, c *cache.Cache, m *metrics.Metrics, logger *slog.Logger) *Checker {
	return &Checker{
		gateway:     gateway,
		creator:     creator,
		cache:       c,
		metrics:     m,
		logger:      logger,
		maxAttempts: 3,
		retryDelay:  500 * time.Millisecond,
	}
}

// MintInfo returns the owning token program and decimals of mint.
func (c *Checker) MintInfo(ctx context.Context, mint solanago.PublicKey) (MintInfo, error) {
	key := "mint:" + mint.String()
	if v, ok := c.cache.Get(key); ok {
		return v.(MintInfo), nil
	}

	state, err := c.gateway.AccountInfo(ctx, mint)
	if err != nil {
		return MintInfo{}, err
	}
	if state == nil {
		return MintInfo{}, fmt.Errorf("mint %s: %w", mint, solana.ErrAccountNotFound)
	}
	if !solana.IsTokenProgram(state.Owner) {
		return MintInfo{}, fmt.Errorf("mint %s is owned by %s, not a token program", mint, state.Owner)
	}
	decimals, err := solana.MintDecimals(state.Data)
	if err != nil {
		return MintInfo{}, fmt.Errorf("mint %s: %w", mint, err)
	}

	info := MintInfo{TokenProgram: state.Owner, Decimals: decimals}
	c.cache.Set(key, info, cache.NoExpiration)
	return info, nil
}

// EnsureAccount derives the associated token account for (owner, mint) and makes sure
// it exists according to params.Mode. Creation is idempotent, so concurrent callers
// ensuring the same account are safe.
func (c *Checker) EnsureAccount(ctx context.Context, params EnsureParams) (*EnsureResult, error) {
	mint, err := c.MintInfo(ctx, params.Mint)
	if err != nil {
		return nil, err
	}

	address, err := solana.DeriveTokenAccount(params.Owner, params.Mint, mint.TokenProgram)
	if err != nil {
		return nil, err
	}
	result := &EnsureResult{Address: address, TokenProgram: mint.TokenProgram}

	exists, err := c.exists(ctx, address)
	if err != nil {
		return nil, err
	}
	if exists {
		result.Existed = true
		return result, nil
	}

	if params.Mode == ModeInclude {
		payer := params.Payer
		if payer.IsZero() {
			payer = params.Owner
		}
		result.Instruction = solana.NewCreateTokenAccountIdempotent(payer, address, params.Owner, params.Mint, mint.TokenProgram)
		return result, nil
	}

	if c.creator == nil {
		return nil, ErrServiceIdentityNotConfigured
	}

	if err := c.create(ctx, address, params.Owner, params.Mint, mint.TokenProgram); err != nil {
		c.metrics.RecordAccountCreation("error")
		return nil, err
	}
	c.metrics.RecordAccountCreation("created")
	c.remember(address)
	result.Created = true
	return result, nil
}

func (c *Checker) create(ctx context.Context, address, owner, mint, tokenProgram solanago.PublicKey) error {
	var err error
	for attempt := range c.maxAttempts {
		err = c.creator.CreateTokenAccount(ctx, address, owner, mint, tokenProgram)
		if err == nil {
			return nil
		}
		if !isRetryableCreation(err) || attempt == c.maxAttempts-1 {
			break
		}

		backoff := c.retryDelay << uint(attempt)
		c.logger.WarnContext(ctx, "token account creation failed, retrying",
			"account", address.String(),
			"attempt", attempt+1,
			"error", err,
			"backoff_seconds", backoff.Seconds(),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		// A previous attempt may have landed after all.
		exists, qerr := c.exists(ctx, address)
		if qerr == nil && exists {
			return nil
		}
	}
	return fmt.Errorf("failed to create token account %s: %w", address, err)
}

func (c *Checker) exists(ctx context.Context, address solanago.PublicKey) (bool, error) {
	if _, ok := c.cache.Get("account:" + address.String()); ok {
		return true, nil
	}
	state, err := c.gateway.AccountInfo(ctx, address)
	if err != nil {
		return false, err
	}
	if state == nil {
		return false, nil
	}
	c.remember(address)
	return true, nil
}

func (c *Checker) remember(address solanago.PublicKey) {
	c.cache.Set("account:"+address.String(), true, cache.DefaultExpiration)
}

func isRetryableCreation(err error) bool {
	if errors.Is(err, ErrServiceIdentityNotConfigured) {
		return false
	}
	return errors.Is(err, errCreationTimedOut) || solana.IsTransient(err)
}
