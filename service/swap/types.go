package swap

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/brojonat/tradedesk/service/solana"
	solanago "github.com/gagliardetto/solana-go"
)

var (
	// ErrInvalidBuildRequest wraps malformed swap build parameters.
	ErrInvalidBuildRequest = errors.New("invalid swap build request")

	// ErrStaleQuote is returned when a quote's context slot lags the ledger by more
	// than the tolerated number of slots.
	ErrStaleQuote = errors.New("route quote is stale")

	// ErrServiceIdentityNotConfigured is returned when an account must be created with
	// the service identity but no service keypair is configured.
	ErrServiceIdentityNotConfigured = errors.New("service identity not configured")
)

// RouteLeg is one hop of a route through a liquidity venue.
type RouteLeg struct {
	Label      string `json:"label"`
	AmmKey     string `json:"ammKey,omitempty"`
	InputMint  string `json:"inputMint"`
	OutputMint string `json:"outputMint"`
	InAmount   uint64 `json:"inAmount,string"`
	OutAmount  uint64 `json:"outAmount,string"`
	FeeAmount  uint64 `json:"feeAmount,string"`
	FeeMint    string `json:"feeMint"`
	Percent    int    `json:"percent"`
}

// RouteQuote is an immutable priced route snapshot computed against ContextSlot.
type RouteQuote struct {
	InputMint            string     `json:"inputMint"`
	OutputMint           string     `json:"outputMint"`
	InAmount             uint64     `json:"inAmount,string"`
	OutAmount            uint64     `json:"outAmount,string"`
	OtherAmountThreshold uint64     `json:"otherAmountThreshold,string"`
	SwapMode             string     `json:"swapMode"`
	SlippageBps          int        `json:"slippageBps"`
	PriceImpactPct       string     `json:"priceImpactPct"`
	Legs                 []RouteLeg `json:"routePlan"`
	ContextSlot          uint64     `json:"contextSlot"`

	// Raw is the provider's original quote document, echoed back when requesting
	// instructions for this quote.
	Raw json.RawMessage `json:"-"`
}

// RouteInstructions is the unsigned instruction set for executing a quote.
type RouteInstructions struct {
	ComputeBudget             []solanago.Instruction
	Setup                     []solanago.Instruction
	Swap                      solanago.Instruction
	Cleanup                   solanago.Instruction
	LookupTables              []solanago.PublicKey
	ComputeUnitLimit          uint32
	PrioritizationFeeLamports uint64
}

// Ordered returns setup, swap and cleanup instructions in execution order.
func (r *RouteInstructions) Ordered() []solanago.Instruction {
	out := make([]solanago.Instruction, 0, len(r.Setup)+2)
	out = append(out, r.Setup...)
	if r.Swap != nil {
		out = append(out, r.Swap)
	}
	if r.Cleanup != nil {
		out = append(out, r.Cleanup)
	}
	return out
}

// QuoteParams selects a route.
type QuoteParams struct {
	InputMint   string
	OutputMint  string
	Amount      uint64
	SlippageBps int
}

// SwapInstructionsParams configures instruction generation for a quote.
// A zero PrioritizationFeeLamports lets the provider choose.
type SwapInstructionsParams struct {
	UserPublicKey             string
	PrioritizationFeeLamports uint64
}

// Plan is the grouped instruction input to the assembler.
type Plan struct {
	// ComputeBudget holds runtime directives; their position does not affect execution.
	ComputeBudget []solanago.Instruction
	// Prerequisites are account creations that must run before the route.
	Prerequisites []solanago.Instruction
	// Route is the provider's instructions in provider order.
	Route []solanago.Instruction
	// Fee is the optional platform fee transfer, placed last.
	Fee solanago.Instruction
	// LookupTables are address lookup tables referenced by the route.
	LookupTables []solanago.PublicKey
}

// AssembledTransaction is an unsigned transaction ready for client signing.
// It is built per request and never cached because its checkpoint expires.
type AssembledTransaction struct {
	Transaction  *solanago.Transaction
	FeePayer     solanago.PublicKey
	Checkpoint   solana.Checkpoint
	Instructions []solanago.Instruction
	LookupTables map[solanago.PublicKey]solanago.PublicKeySlice
}

// Base64 encodes the transaction with its zeroed signature slots.
func (a *AssembledTransaction) Base64() (string, error) {
	return a.Transaction.ToBase64()
}

// AssemblyError reports a route that cannot be composed into a transaction.
type AssemblyError struct {
	Reason string
	Err    error
}

func (e *AssemblyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("assembly error: %s: %v", e.Reason, e.Err)
	}
	return "assembly error: " + e.Reason
}

func (e *AssemblyError) Unwrap() error { return e.Err }

// SimulationErrorKind classifies a failed dry run for the caller.
type SimulationErrorKind string

const (
	SimulationInsufficientBalance SimulationErrorKind = "insufficient_balance"
	SimulationSlippage            SimulationErrorKind = "slippage"
	SimulationProgram             SimulationErrorKind = "program"
	SimulationUnknown             SimulationErrorKind = "unknown"
)

// SimulationError is the classified failure of a dry run.
type SimulationError struct {
	Kind    SimulationErrorKind `json:"kind"`
	Message string              `json:"message"`
}

// SimulationResult is the outcome of a pre-flight dry run. OK is advisory:
// ledger state can change between simulation and broadcast.
type SimulationResult struct {
	OK            bool             `json:"ok"`
	Logs          []string         `json:"logs,omitempty"`
	UnitsConsumed uint64           `json:"unitsConsumed"`
	Error         *SimulationError `json:"error,omitempty"`
}

// SimulationFailedError blocks issuance of a transaction whose dry run failed.
type SimulationFailedError struct {
	Result *SimulationResult
}

func (e *SimulationFailedError) Error() string {
	if e.Result == nil || e.Result.Error == nil {
		return "simulation failed"
	}
	return fmt.Sprintf("simulation failed (%s): %s", e.Result.Error.Kind, e.Result.Error.Message)
}
