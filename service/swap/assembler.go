package swap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/brojonat/tradedesk/service/solana"
	solanago "github.com/gagliardetto/solana-go"
)

// AssemblerGateway is the ledger access the assembler needs.
type AssemblerGateway interface {
	LatestBlockhash(ctx context.Context) (*solana.Checkpoint, error)
	LookupTable(ctx context.Context, address solanago.PublicKey) (solanago.PublicKeySlice, error)
}

// Assembler composes a route and its supporting instructions into one unsigned transaction.
type Assembler struct {
	gateway AssemblerGateway
	logger  *slog.Logger
}

// NewAssembler creates an Assembler.
func NewAssembler(gateway AssemblerGateway, logger *slog.Logger) *Assembler {
	return &Assembler{gateway: gateway, logger: logger}
}

// Assemble validates the route and plan, resolves lookup tables and a fresh checkpoint,
// and composes the transaction. Instruction order is compute budget directives,
// prerequisites, route instructions in provider order, then the fee transfer last so
// it cannot consume balance the swap needs.
//
// Validation and lookup table failures are *AssemblyError. Checkpoint failures are
// returned as plain gateway errors.
func (a *Assembler) Assemble(ctx context.Context, route *RouteQuote, feePayer solanago.PublicKey, plan Plan) (*AssembledTransaction, error) {
	if err := validateRoute(route); err != nil {
		return nil, err
	}
	if feePayer.IsZero() {
		return nil, &AssemblyError{Reason: "fee payer is required"}
	}
	if len(plan.Route) == 0 {
		return nil, &AssemblyError{Reason: "route has no instructions"}
	}

	ordered := make([]solanago.Instruction, 0,
		len(plan.ComputeBudget)+len(plan.Prerequisites)+len(plan.Route)+1)
	ordered = append(ordered, plan.ComputeBudget...)
	ordered = append(ordered, plan.Prerequisites...)
	ordered = append(ordered, plan.Route...)
	if plan.Fee != nil {
		ordered = append(ordered, plan.Fee)
	}

	for i, ix := range ordered {
		if err := validateInstruction(ix); err != nil {
			return nil, &AssemblyError{Reason: fmt.Sprintf("instruction %d is malformed", i), Err: err}
		}
	}

	tables, err := a.resolveTables(ctx, plan.LookupTables)
	if err != nil {
		return nil, err
	}

	// Fetched last so the validity window starts as late as possible.
	checkpoint, err := a.gateway.LatestBlockhash(ctx)
	if err != nil {
		return nil, err
	}

	opts := []solanago.TransactionOption{solanago.TransactionPayer(feePayer)}
	if len(tables) > 0 {
		opts = append(opts, solanago.TransactionAddressTables(tables))
	}

	tx, err := solanago.NewTransaction(ordered, checkpoint.Blockhash, opts...)
	if err != nil {
		return nil, &AssemblyError{Reason: "failed to compose transaction", Err: err}
	}
	tx.Signatures = make([]solanago.Signature, tx.Message.Header.NumRequiredSignatures)

	a.logger.DebugContext(ctx, "assembled transaction",
		"fee_payer", feePayer.String(),
		"instructions", len(ordered),
		"lookup_tables", len(tables),
		"blockhash", checkpoint.Blockhash.String(),
	)

	return &AssembledTransaction{
		Transaction:  tx,
		FeePayer:     feePayer,
		Checkpoint:   *checkpoint,
		Instructions: ordered,
		LookupTables: tables,
	}, nil
}

func (a *Assembler) resolveTables(ctx context.Context, addresses []solanago.PublicKey) (map[solanago.PublicKey]solanago.PublicKeySlice, error) {
	tables := make(map[solanago.PublicKey]solanago.PublicKeySlice, len(addresses))
	for _, addr := range addresses {
		if _, ok := tables[addr]; ok {
			continue
		}
		entries, err := a.gateway.LookupTable(ctx, addr)
		if err != nil {
			return nil, &AssemblyError{Reason: fmt.Sprintf("unresolvable lookup table %s", addr), Err: err}
		}
		if len(entries) == 0 {
			return nil, &AssemblyError{Reason: fmt.Sprintf("lookup table %s is empty", addr)}
		}
		tables[addr] = entries
	}
	return tables, nil
}

func validateRoute(route *RouteQuote) error {
	if route == nil {
		return &AssemblyError{Reason: "route is required"}
	}
	if len(route.Legs) == 0 {
		return &AssemblyError{Reason: "route has no legs"}
	}
	if route.InAmount == 0 || route.OutAmount == 0 {
		return &AssemblyError{Reason: "route amounts must be non-zero"}
	}
	return nil
}

func validateInstruction(ix solanago.Instruction) error {
	if ix == nil {
		return fmt.Errorf("instruction is nil")
	}
	for i, meta := range ix.Accounts() {
		if meta == nil {
			return fmt.Errorf("account %d is nil", i)
		}
	}
	if _, err := ix.Data(); err != nil {
		return fmt.Errorf("instruction data: %w", err)
	}
	return nil
}
