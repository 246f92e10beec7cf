package swap

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/brojonat/tradedesk/service/confirm"
	"github.com/brojonat/tradedesk/service/solana"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/patrickmn/go-cache"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCache() *cache.Cache {
	return cache.New(time.Minute, 10*time.Minute)
}

var testBlockhash = solanago.MustHashFromBase58("4sGjMW1sUnHzSxGspuhpqLDx6wiyjNtZAMdL4VZHirAn")

// mintData returns the base mint layout with the given decimals.
func mintData(decimals uint8) []byte {
	data := make([]byte, 82)
	data[44] = decimals
	data[45] = 1
	return data
}

// fakeGateway is an in-memory ledger.
type fakeGateway struct {
	mu           sync.Mutex
	accounts     map[solanago.PublicKey]*solana.AccountState
	tables       map[solanago.PublicKey]solanago.PublicKeySlice
	accountErr   error
	accountCalls int
	slot         uint64
	blockCalls   int
	simulation   *solana.SimulationOutcome
	simulateErr  error
	simulated    *solanago.Transaction
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		accounts:   map[solanago.PublicKey]*solana.AccountState{},
		tables:     map[solanago.PublicKey]solanago.PublicKeySlice{},
		simulation: &solana.SimulationOutcome{UnitsConsumed: 120000},
	}
}

func (g *fakeGateway) addMint(mint, tokenProgram solanago.PublicKey, decimals uint8) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.accounts[mint] = &solana.AccountState{Owner: tokenProgram, Lamports: 1461600, Data: mintData(decimals)}
}

func (g *fakeGateway) addAccount(addr solanago.PublicKey) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.accounts[addr] = &solana.AccountState{Owner: solana.TokenProgramID, Lamports: 2039280}
}

func (g *fakeGateway) AccountInfo(ctx context.Context, address solanago.PublicKey) (*solana.AccountState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.accountCalls++
	if g.accountErr != nil {
		return nil, g.accountErr
	}
	return g.accounts[address], nil
}

func (g *fakeGateway) LatestBlockhash(ctx context.Context) (*solana.Checkpoint, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.blockCalls++
	return &solana.Checkpoint{Blockhash: testBlockhash, LastValidBlockHeight: 5000, Slot: g.slot}, nil
}

func (g *fakeGateway) LookupTable(ctx context.Context, address solanago.PublicKey) (solanago.PublicKeySlice, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	entries, ok := g.tables[address]
	if !ok {
		return nil, solana.ErrAccountNotFound
	}
	return entries, nil
}

func (g *fakeGateway) Simulate(ctx context.Context, tx *solanago.Transaction) (*solana.SimulationOutcome, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.simulated = tx
	if g.simulateErr != nil {
		return nil, g.simulateErr
	}
	return g.simulation, nil
}

func (g *fakeGateway) CurrentSlot(ctx context.Context) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.slot, nil
}

// fakeCreator records creations and materializes the account on the gateway.
type fakeCreator struct {
	mu      sync.Mutex
	gateway *fakeGateway
	errs    []error
	calls   int
	created []solanago.PublicKey
}

func (c *fakeCreator) CreateTokenAccount(ctx context.Context, account, owner, mint, tokenProgram solanago.PublicKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.calls
	c.calls++
	if i < len(c.errs) && c.errs[i] != nil {
		return c.errs[i]
	}
	c.created = append(c.created, account)
	if c.gateway != nil {
		c.gateway.addAccount(account)
	}
	return nil
}

// fakeSubmitter returns a scripted update for every submission.
type fakeSubmitter struct {
	mu       sync.Mutex
	update   confirm.StatusUpdate
	err      error
	requests []confirm.TransactionRequest

	// When set, each Submit signals entered and then waits on release.
	entered chan struct{}
	release chan struct{}
}

func (s *fakeSubmitter) Submit(ctx context.Context, req confirm.TransactionRequest, observe confirm.Observer) (confirm.StatusUpdate, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	update, err := s.update, s.err
	s.mu.Unlock()

	if s.entered != nil {
		s.entered <- struct{}{}
	}
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return confirm.StatusUpdate{}, ctx.Err()
		}
	}
	return update, err
}

// fakeQuotes serves scripted quotes and instructions.
type fakeQuotes struct {
	mu           sync.Mutex
	quote        *RouteQuote
	freshQuote   *RouteQuote
	instructions *RouteInstructions
	quoteCalls   int
	freshCalls   int
	lastParams   SwapInstructionsParams
}

func (q *fakeQuotes) Quote(ctx context.Context, params QuoteParams) (*RouteQuote, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.quoteCalls++
	if q.quote == nil {
		return nil, errors.New("no route")
	}
	return q.quote, nil
}

func (q *fakeQuotes) QuoteFresh(ctx context.Context, params QuoteParams) (*RouteQuote, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.freshCalls++
	if q.freshQuote == nil {
		return q.quote, nil
	}
	return q.freshQuote, nil
}

func (q *fakeQuotes) SwapInstructions(ctx context.Context, quote *RouteQuote, params SwapInstructionsParams) (*RouteInstructions, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.lastParams = params
	return q.instructions, nil
}

// markerInstruction is a generic instruction whose data is a single marker byte.
func markerInstruction(program solanago.PublicKey, marker byte, accounts ...solanago.PublicKey) solanago.Instruction {
	metas := make(solanago.AccountMetaSlice, 0, len(accounts))
	for _, a := range accounts {
		metas = append(metas, solanago.NewAccountMeta(a, true, false))
	}
	return solanago.NewInstruction(program, metas, []byte{marker})
}

// brokenInstruction fails to encode its data.
type brokenInstruction struct{}

func (brokenInstruction) ProgramID() solanago.PublicKey     { return solana.TokenProgramID }
func (brokenInstruction) Accounts() []*solanago.AccountMeta { return nil }
func (brokenInstruction) Data() ([]byte, error)             { return nil, errors.New("bad data") }

func testQuote(input, output solanago.PublicKey, slot uint64) *RouteQuote {
	return &RouteQuote{
		InputMint:            input.String(),
		OutputMint:           output.String(),
		InAmount:             1_000_000,
		OutAmount:            2_000_000,
		OtherAmountThreshold: 1_990_000,
		SwapMode:             "ExactIn",
		SlippageBps:          50,
		PriceImpactPct:       "0.001",
		Legs: []RouteLeg{{
			Label:      "Whirlpool",
			InputMint:  input.String(),
			OutputMint: output.String(),
			InAmount:   1_000_000,
			OutAmount:  2_000_000,
			Percent:    100,
		}},
		ContextSlot: slot,
	}
}
