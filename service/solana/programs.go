package solana

import (
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
)

// Well-known Solana program IDs
var (
	// SystemProgramID is the native SOL transfer program
	SystemProgramID = solana.SystemProgramID

	// TokenProgramID is the SPL Token program
	TokenProgramID = solana.MustPublicKeyFromBase58("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")

	// Token2022ProgramID is the Token Extensions program (Token-2022)
	Token2022ProgramID = solana.MustPublicKeyFromBase58("TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb")

	// AssociatedTokenProgramID derives and creates associated token accounts
	AssociatedTokenProgramID = solana.SPLAssociatedTokenAccountProgramID

	// ComputeBudgetProgramID carries compute unit limit and price directives
	ComputeBudgetProgramID = computebudget.ProgramID

	// NativeMint is wrapped SOL
	NativeMint = solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112")
)

// Associated token account program instruction discriminators
const (
	associatedTokenCreateIdempotent = byte(1)
)

// IsTokenProgram reports whether program is one of the two token programs.
func IsTokenProgram(program solana.PublicKey) bool {
	return program.Equals(TokenProgramID) || program.Equals(Token2022ProgramID)
}

// DeriveTokenAccount returns the associated token account for (owner, tokenProgram, mint).
func DeriveTokenAccount(owner, mint, tokenProgram solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress(
		[][]byte{owner[:], tokenProgram[:], mint[:]},
		AssociatedTokenProgramID,
	)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive token account: %w", err)
	}
	return addr, nil
}

// NewCreateTokenAccountIdempotent builds the associated token account CreateIdempotent
// instruction. Executing it against an account that already exists is a no-op.
func NewCreateTokenAccountIdempotent(payer, account, owner, mint, tokenProgram solana.PublicKey) solana.Instruction {
	return solana.NewInstruction(
		AssociatedTokenProgramID,
		solana.AccountMetaSlice{
			solana.NewAccountMeta(payer, true, true),
			solana.NewAccountMeta(account, true, false),
			solana.NewAccountMeta(owner, false, false),
			solana.NewAccountMeta(mint, false, false),
			solana.NewAccountMeta(solana.SystemProgramID, false, false),
			solana.NewAccountMeta(tokenProgram, false, false),
		},
		[]byte{associatedTokenCreateIdempotent},
	)
}

// NewTokenTransfer builds a TransferChecked instruction addressed to tokenProgram,
// so the same encoding serves SPL Token and Token-2022 mints.
func NewTokenTransfer(amount uint64, decimals uint8, source, mint, destination, owner, tokenProgram solana.PublicKey) (solana.Instruction, error) {
	ix := token.NewTransferCheckedInstruction(amount, decimals, source, mint, destination, owner, nil).Build()
	data, err := ix.Data()
	if err != nil {
		return nil, fmt.Errorf("failed to encode token transfer: %w", err)
	}
	return solana.NewInstruction(tokenProgram, ix.Accounts(), data), nil
}

// NewNativeTransfer builds a system program lamport transfer.
func NewNativeTransfer(lamports uint64, from, to solana.PublicKey) solana.Instruction {
	return system.NewTransferInstruction(lamports, from, to).Build()
}

// NewComputeUnitLimit builds a compute budget unit limit directive.
func NewComputeUnitLimit(units uint32) solana.Instruction {
	return computebudget.NewSetComputeUnitLimitInstruction(units).Build()
}

// NewComputeUnitPrice builds a compute budget priority fee directive in micro-lamports per unit.
func NewComputeUnitPrice(microLamports uint64) solana.Instruction {
	return computebudget.NewSetComputeUnitPriceInstruction(microLamports).Build()
}

// MintDecimals decodes the decimals field from raw mint account data. Token-2022 mints
// share the base layout, so extension bytes after it are ignored.
func MintDecimals(data []byte) (uint8, error) {
	var mint token.Mint
	if err := mint.UnmarshalWithDecoder(bin.NewBinDecoder(data)); err != nil {
		return 0, fmt.Errorf("failed to decode mint: %w", err)
	}
	return mint.Decimals, nil
}
