package swap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/brojonat/tradedesk/service/confirm"
	"github.com/brojonat/tradedesk/service/solana"
	solanago "github.com/gagliardetto/solana-go"
)

// Submitter broadcasts and confirms a signed transaction.
type Submitter interface {
	Submit(ctx context.Context, req confirm.TransactionRequest, observe confirm.Observer) (confirm.StatusUpdate, error)
}

// BlockhashSource provides fresh checkpoints.
type BlockhashSource interface {
	LatestBlockhash(ctx context.Context) (*solana.Checkpoint, error)
}

// errCreationTimedOut marks a creation whose outcome is unknown. The checker retries
// it after re-checking existence.
var errCreationTimedOut = errors.New("token account creation timed out")

// creationComputeUnits covers an idempotent associated account creation with headroom.
const creationComputeUnits = 60_000

// Funder pays for token account creation with the service identity. Creations of
// the same account are serialized; creations of different accounts run concurrently.
type Funder struct {
	secret    string
	submitter Submitter
	blocks    BlockhashSource
	logger    *slog.Logger

	mu    sync.Mutex
	locks map[solanago.PublicKey]*accountLock

	keyOnce sync.Once
	key     solanago.PrivateKey
	keyErr  error
}

// NewFunder creates a Funder. The secret is only parsed when a broadcast is first
// needed; an empty secret surfaces ErrServiceIdentityNotConfigured at that point.
// The secret may be base58 or a JSON byte array as written by solana-keygen.
func NewFunder(secret string, submitter Submitter, blocks BlockhashSource, logger *slog.Logger) *Funder {
	return &Funder{
		secret:    strings.TrimSpace(secret),
		submitter: submitter,
		blocks:    blocks,
		logger:    logger,
		locks:     make(map[solanago.PublicKey]*accountLock),
	}
}

type accountLock struct {
	mu   sync.Mutex
	refs int
}

// lockAccount blocks until no other creation of account is in flight. The returned
// func releases it.
func (f *Funder) lockAccount(account solanago.PublicKey) func() {
	f.mu.Lock()
	l, ok := f.locks[account]
	if !ok {
		l = &accountLock{}
		f.locks[account] = l
	}
	l.refs++
	f.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		f.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(f.locks, account)
		}
		f.mu.Unlock()
	}
}

// PublicKey returns the service identity's address.
func (f *Funder) PublicKey() (solanago.PublicKey, error) {
	key, err := f.privateKey()
	if err != nil {
		return solanago.PublicKey{}, err
	}
	return key.PublicKey(), nil
}

func (f *Funder) privateKey() (solanago.PrivateKey, error) {
	f.keyOnce.Do(func() {
		f.key, f.keyErr = parsePrivateKey(f.secret)
	})
	return f.key, f.keyErr
}

func parsePrivateKey(secret string) (solanago.PrivateKey, error) {
	if secret == "" {
		return nil, ErrServiceIdentityNotConfigured
	}
	if strings.HasPrefix(secret, "[") {
		var raw []byte
		if err := json.Unmarshal([]byte(secret), &raw); err != nil {
			return nil, fmt.Errorf("invalid service keypair: %w", err)
		}
		if len(raw) != 64 {
			return nil, fmt.Errorf("invalid service keypair: expected 64 bytes, got %d", len(raw))
		}
		return solanago.PrivateKey(raw), nil
	}
	key, err := solanago.PrivateKeyFromBase58(secret)
	if err != nil {
		return nil, fmt.Errorf("invalid service keypair: %w", err)
	}
	return key, nil
}

// CreateTokenAccount creates an associated token account paid by the service identity
// and waits for confirmation. Creation of an account that already exists succeeds.
func (f *Funder) CreateTokenAccount(ctx context.Context, account, owner, mint, tokenProgram solanago.PublicKey) error {
	key, err := f.privateKey()
	if err != nil {
		return err
	}
	payer := key.PublicKey()

	unlock := f.lockAccount(account)
	defer unlock()

	checkpoint, err := f.blocks.LatestBlockhash(ctx)
	if err != nil {
		return err
	}

	tx, err := solanago.NewTransaction(
		[]solanago.Instruction{
			solana.NewComputeUnitLimit(creationComputeUnits),
			solana.NewCreateTokenAccountIdempotent(payer, account, owner, mint, tokenProgram),
		},
		checkpoint.Blockhash,
		solanago.TransactionPayer(payer),
	)
	if err != nil {
		return fmt.Errorf("failed to build account creation: %w", err)
	}

	if _, err := tx.Sign(func(pk solanago.PublicKey) *solanago.PrivateKey {
		if pk.Equals(payer) {
			return &key
		}
		return nil
	}); err != nil {
		return fmt.Errorf("failed to sign account creation: %w", err)
	}

	encoded, err := tx.ToBase64()
	if err != nil {
		return fmt.Errorf("failed to encode account creation: %w", err)
	}

	f.logger.InfoContext(ctx, "creating token account",
		"account", account.String(),
		"owner", owner.String(),
		"mint", mint.String(),
		"payer", payer.String(),
	)

	update, err := f.submitter.Submit(ctx, confirm.TransactionRequest{
		SerializedTransaction: encoded,
		WalletAddress:         payer.String(),
		Metadata: map[string]any{
			"purpose": "create_token_account",
			"account": account.String(),
			"owner":   owner.String(),
			"mint":    mint.String(),
		},
	}, nil)
	if err != nil {
		return err
	}

	switch update.Status {
	case confirm.StatusConfirmed:
		return nil
	case confirm.StatusTimeout:
		return fmt.Errorf("%w: signature %s", errCreationTimedOut, update.Signature)
	default:
		if strings.Contains(strings.ToLower(update.Error), "already in use") {
			return nil
		}
		return fmt.Errorf("token account creation failed: %s", update.Error)
	}
}
