package swap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/brojonat/tradedesk/service/metrics"
	"github.com/brojonat/tradedesk/service/solana"
	solanago "github.com/gagliardetto/solana-go"
)

// QuoteProvider prices routes and produces their instructions.
type QuoteProvider interface {
	Quote(ctx context.Context, params QuoteParams) (*RouteQuote, error)
	// QuoteFresh bypasses any quote cache.
	QuoteFresh(ctx context.Context, params QuoteParams) (*RouteQuote, error)
	SwapInstructions(ctx context.Context, quote *RouteQuote, params SwapInstructionsParams) (*RouteInstructions, error)
}

// SlotSource reports the ledger's current slot.
type SlotSource interface {
	CurrentSlot(ctx context.Context) (uint64, error)
}

// DefaultMaxSlotLag is the tolerated distance between a quote's context slot and the ledger.
const DefaultMaxSlotLag = 60

// CheckFresh rejects a quote computed more than maxLag slots before currentSlot.
func CheckFresh(quote *RouteQuote, currentSlot, maxLag uint64) error {
	if quote.ContextSlot >= currentSlot {
		return nil
	}
	if lag := currentSlot - quote.ContextSlot; lag > maxLag {
		return fmt.Errorf("%w: computed at slot %d, ledger at %d (%d slots behind, max %d)",
			ErrStaleQuote, quote.ContextSlot, currentSlot, lag, maxLag)
	}
	return nil
}

// BuildRequest is a swap build request from a wallet.
type BuildRequest struct {
	InputMint                 string `json:"inputMint"`
	OutputMint                string `json:"outputMint"`
	Amount                    uint64 `json:"amount"`
	SlippageBps               int    `json:"slippageBps"`
	WalletAddress             string `json:"walletAddress"`
	FeeAccountOwner           string `json:"feeAccountOwner,omitempty"`
	FeeBps                    int    `json:"feeBps,omitempty"`
	PrioritizationFeeLamports uint64 `json:"prioritizationFeeLamports,omitempty"`
	SimulateOnly              bool   `json:"simulateOnly,omitempty"`
}

// BuildResponse carries the simulated, unsigned transaction.
type BuildResponse struct {
	Transaction         string            `json:"transaction"`
	LastValidCheckpoint solana.Checkpoint `json:"lastValidCheckpoint"`
	ComputeUnitLimit    uint32            `json:"computeUnitLimit"`
	PrioritizationFee   uint64            `json:"prioritizationFee"`
	FeeAmount           uint64            `json:"feeAmount,omitempty"`
	SimulateOnly        bool              `json:"simulateOnly"`
	Quote               *RouteQuote       `json:"quote"`
	Simulation          *SimulationResult `json:"simulation"`
}

// BuilderConfig holds platform fee defaults and quote tolerance.
type BuilderConfig struct {
	FeeAccountOwner string
	FeeBps          int
	MaxSlotLag      uint64
}

// Builder runs the swap build pipeline: quote, staleness check, instructions,
// prerequisite accounts, fee, assembly and simulation.
type Builder struct {
	quotes    QuoteProvider
	slots     SlotSource
	checker   *Checker
	assembler *Assembler
	simulator *Simulator
	cfg       BuilderConfig
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewBuilder creates a Builder.
func NewBuilder(
	quotes QuoteProvider,
	slots SlotSource,
	checker *Checker,
	assembler *Assembler,
	simulator *Simulator,
	cfg BuilderConfig,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Builder {
	if cfg.MaxSlotLag == 0 {
		cfg.MaxSlotLag = DefaultMaxSlotLag
	}
	return &Builder{
		quotes:    quotes,
		slots:     slots,
		checker:   checker,
		assembler: assembler,
		simulator: simulator,
		cfg:       cfg,
		metrics:   m,
		logger:    logger,
	}
}

type validatedRequest struct {
	input, output, wallet solanago.PublicKey
	feeOwner              solanago.PublicKey
	feeBps                int
	slippageBps           int
}

func (b *Builder) validate(req BuildRequest) (*validatedRequest, error) {
	v := &validatedRequest{}
	var err error

	if v.input, err = solanago.PublicKeyFromBase58(req.InputMint); err != nil {
		return nil, fmt.Errorf("%w: invalid inputMint: %v", ErrInvalidBuildRequest, err)
	}
	if v.output, err = solanago.PublicKeyFromBase58(req.OutputMint); err != nil {
		return nil, fmt.Errorf("%w: invalid outputMint: %v", ErrInvalidBuildRequest, err)
	}
	if v.input.Equals(v.output) {
		return nil, fmt.Errorf("%w: inputMint and outputMint must differ", ErrInvalidBuildRequest)
	}
	if v.wallet, err = solanago.PublicKeyFromBase58(req.WalletAddress); err != nil {
		return nil, fmt.Errorf("%w: invalid walletAddress: %v", ErrInvalidBuildRequest, err)
	}
	if req.Amount == 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidBuildRequest)
	}

	v.slippageBps = req.SlippageBps
	if v.slippageBps == 0 {
		v.slippageBps = 50
	}
	if v.slippageBps < 0 || v.slippageBps > 10000 {
		return nil, fmt.Errorf("%w: slippageBps must be between 0 and 10000", ErrInvalidBuildRequest)
	}

	v.feeBps = b.cfg.FeeBps
	if req.FeeBps != 0 {
		v.feeBps = req.FeeBps
	}
	if v.feeBps < 0 || v.feeBps > 10000 {
		return nil, fmt.Errorf("%w: feeBps must be between 0 and 10000", ErrInvalidBuildRequest)
	}

	owner := b.cfg.FeeAccountOwner
	if req.FeeAccountOwner != "" {
		owner = req.FeeAccountOwner
	}
	if owner != "" {
		if v.feeOwner, err = solanago.PublicKeyFromBase58(owner); err != nil {
			return nil, fmt.Errorf("%w: invalid feeAccountOwner: %v", ErrInvalidBuildRequest, err)
		}
	}
	return v, nil
}

// Build produces a simulated unsigned swap transaction for req.WalletAddress to sign.
//
// Unless SimulateOnly is set, a missing platform fee account is created with the
// service identity before the transaction is returned. A failed simulation returns
// *SimulationFailedError and no transaction.
func (b *Builder) Build(ctx context.Context, req BuildRequest) (*BuildResponse, error) {
	resp, err := b.build(ctx, req)
	outcome := "success"
	var simErr *SimulationFailedError
	switch {
	case err == nil:
	case errors.Is(err, ErrInvalidBuildRequest):
		outcome = "invalid"
	case errors.Is(err, ErrStaleQuote):
		outcome = "stale_quote"
	case errors.As(err, &simErr):
		outcome = "simulation_failed"
	default:
		outcome = "error"
	}
	b.metrics.RecordSwapBuild(outcome)
	return resp, err
}

func (b *Builder) build(ctx context.Context, req BuildRequest) (*BuildResponse, error) {
	v, err := b.validate(req)
	if err != nil {
		return nil, err
	}

	quoteParams := QuoteParams{
		InputMint:   v.input.String(),
		OutputMint:  v.output.String(),
		Amount:      req.Amount,
		SlippageBps: v.slippageBps,
	}
	quote, err := b.freshQuote(ctx, quoteParams)
	if err != nil {
		return nil, err
	}

	instructions, err := b.quotes.SwapInstructions(ctx, quote, SwapInstructionsParams{
		UserPublicKey:             v.wallet.String(),
		PrioritizationFeeLamports: req.PrioritizationFeeLamports,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch swap instructions: %w", err)
	}

	plan := Plan{
		ComputeBudget: instructions.ComputeBudget,
		Route:         instructions.Ordered(),
		LookupTables:  instructions.LookupTables,
	}

	nativeOut := v.output.Equals(solana.NativeMint)

	// The provider wraps and unwraps SOL itself, so only SPL outputs need a
	// user token account check.
	var userOut *EnsureResult
	if !nativeOut {
		userOut, err = b.checker.EnsureAccount(ctx, EnsureParams{
			Mint:  v.output,
			Owner: v.wallet,
			Payer: v.wallet,
			Mode:  ModeInclude,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to check output token account: %w", err)
		}
		if userOut.Instruction != nil && !createsAccount(instructions.Setup, userOut.Address) {
			plan.Prerequisites = append(plan.Prerequisites, userOut.Instruction)
		}
	}

	var feeAmount uint64
	if !v.feeOwner.IsZero() && v.feeBps > 0 {
		feeAmount = FeeAmount(quote.OtherAmountThreshold, v.feeBps)
	}
	if feeAmount > 0 {
		fee, prereq, err := b.feeInstruction(ctx, v, userOut, feeAmount, req.SimulateOnly)
		if err != nil {
			return nil, err
		}
		if prereq != nil {
			plan.Prerequisites = append(plan.Prerequisites, prereq)
		}
		plan.Fee = fee
	}

	assembled, err := b.assembler.Assemble(ctx, quote, v.wallet, plan)
	if err != nil {
		return nil, err
	}

	sim, err := b.simulator.Simulate(ctx, assembled)
	if err != nil {
		return nil, err
	}
	if !sim.OK {
		return nil, &SimulationFailedError{Result: sim}
	}

	encoded, err := assembled.Base64()
	if err != nil {
		return nil, &AssemblyError{Reason: "failed to encode transaction", Err: err}
	}

	b.logger.InfoContext(ctx, "built swap transaction",
		"wallet", v.wallet.String(),
		"input_mint", quote.InputMint,
		"output_mint", quote.OutputMint,
		"in_amount", quote.InAmount,
		"out_amount", quote.OutAmount,
		"fee_amount", feeAmount,
		"units_consumed", sim.UnitsConsumed,
		"simulate_only", req.SimulateOnly,
	)

	return &BuildResponse{
		Transaction:         encoded,
		LastValidCheckpoint: assembled.Checkpoint,
		ComputeUnitLimit:    instructions.ComputeUnitLimit,
		PrioritizationFee:   instructions.PrioritizationFeeLamports,
		FeeAmount:           feeAmount,
		SimulateOnly:        req.SimulateOnly,
		Quote:               quote,
		Simulation:          sim,
	}, nil
}

// freshQuote returns a quote no staler than the configured slot lag, refetching
// once without the cache when the first answer is stale.
func (b *Builder) freshQuote(ctx context.Context, params QuoteParams) (*RouteQuote, error) {
	quote, err := b.quotes.Quote(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch quote: %w", err)
	}

	slot, err := b.slots.CurrentSlot(ctx)
	if err != nil {
		return nil, err
	}
	staleErr := CheckFresh(quote, slot, b.cfg.MaxSlotLag)
	if staleErr == nil {
		return quote, nil
	}
	b.logger.InfoContext(ctx, "quote is stale, refetching", "error", staleErr)

	quote, err = b.quotes.QuoteFresh(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch quote: %w", err)
	}
	if err := CheckFresh(quote, slot, b.cfg.MaxSlotLag); err != nil {
		return nil, err
	}
	return quote, nil
}

// feeInstruction builds the platform fee transfer and, when the fee account is
// missing in simulate-only mode, its creation instruction.
func (b *Builder) feeInstruction(ctx context.Context, v *validatedRequest, userOut *EnsureResult, amount uint64, simulateOnly bool) (solanago.Instruction, solanago.Instruction, error) {
	if v.output.Equals(solana.NativeMint) {
		return solana.NewNativeTransfer(amount, v.wallet, v.feeOwner), nil, nil
	}

	mode := ModeBroadcast
	if simulateOnly {
		mode = ModeInclude
	}
	feeAccount, err := b.checker.EnsureAccount(ctx, EnsureParams{
		Mint:  v.output,
		Owner: v.feeOwner,
		Payer: v.wallet,
		Mode:  mode,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to ensure fee account: %w", err)
	}

	info, err := b.checker.MintInfo(ctx, v.output)
	if err != nil {
		return nil, nil, err
	}

	fee, err := solana.NewTokenTransfer(amount, info.Decimals, userOut.Address, v.output, feeAccount.Address, v.wallet, info.TokenProgram)
	if err != nil {
		return nil, nil, &AssemblyError{Reason: "failed to build fee transfer", Err: err}
	}
	return fee, feeAccount.Instruction, nil
}

// FeeAmount returns floor(threshold * bps / 10000) without overflowing.
func FeeAmount(threshold uint64, bps int) uint64 {
	if bps <= 0 {
		return 0
	}
	b := uint64(bps)
	return threshold/10000*b + threshold%10000*b/10000
}

// createsAccount reports whether any instruction is an associated token account
// creation for address.
func createsAccount(instructions []solanago.Instruction, address solanago.PublicKey) bool {
	for _, ix := range instructions {
		if !ix.ProgramID().Equals(solana.AssociatedTokenProgramID) {
			continue
		}
		accounts := ix.Accounts()
		if len(accounts) > 1 && accounts[1].PublicKey.Equals(address) {
			return true
		}
	}
	return false
}
