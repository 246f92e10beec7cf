package swap

import (
	"context"
	"testing"

	"github.com/brojonat/tradedesk/service/solana"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compiledData(t *testing.T, tx *solanago.Transaction) [][]byte {
	t.Helper()
	out := make([][]byte, 0, len(tx.Message.Instructions))
	for _, ci := range tx.Message.Instructions {
		out = append(out, []byte(ci.Data))
	}
	return out
}

func TestAssemble_InstructionOrdering(t *testing.T) {
	gateway := newFakeGateway()
	assembler := NewAssembler(gateway, testLogger())

	payer := solanago.NewWallet().PublicKey()
	routeProgram := solanago.NewWallet().PublicKey()
	feeProgram := solanago.NewWallet().PublicKey()
	pool := solanago.NewWallet().PublicKey()
	input := solanago.NewWallet().PublicKey()
	output := solanago.NewWallet().PublicKey()

	legs := []solanago.Instruction{
		markerInstruction(routeProgram, 10, pool),
		markerInstruction(routeProgram, 11, pool),
		markerInstruction(routeProgram, 12, pool),
	}
	budget := solana.NewComputeUnitLimit(200_000)
	prereq := markerInstruction(solana.AssociatedTokenProgramID, 1, pool)
	fee := markerInstruction(feeProgram, 99, pool)

	quote := testQuote(input, output, 100)
	at, err := assembler.Assemble(context.Background(), quote, payer, Plan{
		ComputeBudget: []solanago.Instruction{budget},
		Prerequisites: []solanago.Instruction{prereq},
		Route:         legs,
		Fee:           fee,
	})
	require.NoError(t, err)

	assert.Equal(t, []solanago.Instruction{budget, prereq, legs[0], legs[1], legs[2], fee}, at.Instructions)

	data := compiledData(t, at.Transaction)
	require.Len(t, data, 6)
	assert.Equal(t, []byte{1}, data[1], "prerequisites precede the route")
	assert.Equal(t, []byte{10}, data[2])
	assert.Equal(t, []byte{11}, data[3])
	assert.Equal(t, []byte{12}, data[4])
	assert.Equal(t, []byte{99}, data[5], "fee transfer is last")

	assert.Equal(t, payer, at.Transaction.Message.AccountKeys[0])
	assert.Equal(t, testBlockhash, at.Transaction.Message.RecentBlockhash)
	assert.Equal(t, testBlockhash, at.Checkpoint.Blockhash)
	assert.Equal(t, uint64(5000), at.Checkpoint.LastValidBlockHeight)
	require.Len(t, at.Transaction.Signatures, 1)
	assert.Equal(t, solanago.Signature{}, at.Transaction.Signatures[0])

	encoded, err := at.Base64()
	require.NoError(t, err)
	assert.NotEmpty(t, encoded)
}

func TestAssemble_OrderingWithoutFee(t *testing.T) {
	gateway := newFakeGateway()
	assembler := NewAssembler(gateway, testLogger())

	payer := solanago.NewWallet().PublicKey()
	program := solanago.NewWallet().PublicKey()
	pool := solanago.NewWallet().PublicKey()

	route := make([]solanago.Instruction, 0, 5)
	for i := 0; i < 5; i++ {
		route = append(route, markerInstruction(program, byte(20+i), pool))
	}

	at, err := assembler.Assemble(context.Background(), testQuote(pool, program, 1), payer, Plan{Route: route})
	require.NoError(t, err)

	data := compiledData(t, at.Transaction)
	require.Len(t, data, 5)
	for i := range data {
		assert.Equal(t, []byte{byte(20 + i)}, data[i])
	}
}

func TestAssemble_FetchesCheckpointEachTime(t *testing.T) {
	gateway := newFakeGateway()
	assembler := NewAssembler(gateway, testLogger())
	payer := solanago.NewWallet().PublicKey()
	program := solanago.NewWallet().PublicKey()
	quote := testQuote(payer, program, 1)
	plan := Plan{Route: []solanago.Instruction{markerInstruction(program, 1)}}

	_, err := assembler.Assemble(context.Background(), quote, payer, plan)
	require.NoError(t, err)
	_, err = assembler.Assemble(context.Background(), quote, payer, plan)
	require.NoError(t, err)

	assert.Equal(t, 2, gateway.blockCalls)
}

func TestAssemble_ResolvesLookupTables(t *testing.T) {
	gateway := newFakeGateway()
	assembler := NewAssembler(gateway, testLogger())

	payer := solanago.NewWallet().PublicKey()
	program := solanago.NewWallet().PublicKey()
	pool := solanago.NewWallet().PublicKey()
	table := solanago.NewWallet().PublicKey()
	gateway.tables[table] = solanago.PublicKeySlice{pool, solanago.NewWallet().PublicKey()}

	at, err := assembler.Assemble(context.Background(), testQuote(pool, program, 1), payer, Plan{
		Route:        []solanago.Instruction{markerInstruction(program, 7, pool)},
		LookupTables: []solanago.PublicKey{table, table},
	})
	require.NoError(t, err)
	require.Len(t, at.LookupTables, 1)
	assert.Equal(t, gateway.tables[table], at.LookupTables[table])
}

func TestAssemble_Errors(t *testing.T) {
	payer := solanago.NewWallet().PublicKey()
	program := solanago.NewWallet().PublicKey()
	quote := testQuote(payer, program, 1)
	okRoute := []solanago.Instruction{markerInstruction(program, 1)}

	noLegs := *quote
	noLegs.Legs = nil
	zeroOut := *quote
	zeroOut.OutAmount = 0

	tests := []struct {
		name    string
		route   *RouteQuote
		payer   solanago.PublicKey
		plan    Plan
		wantMsg string
	}{
		{"nil route", nil, payer, Plan{Route: okRoute}, "route is required"},
		{"no legs", &noLegs, payer, Plan{Route: okRoute}, "no legs"},
		{"zero amount", &zeroOut, payer, Plan{Route: okRoute}, "non-zero"},
		{"zero fee payer", quote, solanago.PublicKey{}, Plan{Route: okRoute}, "fee payer"},
		{"no instructions", quote, payer, Plan{}, "no instructions"},
		{"malformed data", quote, payer, Plan{Route: []solanago.Instruction{brokenInstruction{}}}, "malformed"},
		{"unresolvable table", quote, payer, Plan{Route: okRoute, LookupTables: []solanago.PublicKey{solanago.NewWallet().PublicKey()}}, "unresolvable lookup table"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gateway := newFakeGateway()
			assembler := NewAssembler(gateway, testLogger())

			_, err := assembler.Assemble(context.Background(), tt.route, tt.payer, tt.plan)
			require.Error(t, err)

			var asmErr *AssemblyError
			require.ErrorAs(t, err, &asmErr)
			assert.Contains(t, err.Error(), tt.wantMsg)
			assert.Equal(t, 0, gateway.blockCalls, "no checkpoint is fetched for an invalid route")
		})
	}
}
