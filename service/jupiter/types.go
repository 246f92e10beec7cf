package jupiter

import (
	"encoding/json"

	"github.com/brojonat/tradedesk/service/swap"
)

// quoteResponse is the wire format of GET /quote.
type quoteResponse struct {
	InputMint            string      `json:"inputMint"`
	InAmount             uint64      `json:"inAmount,string"`
	OutputMint           string      `json:"outputMint"`
	OutAmount            uint64      `json:"outAmount,string"`
	OtherAmountThreshold uint64      `json:"otherAmountThreshold,string"`
	SwapMode             string      `json:"swapMode"`
	SlippageBps          int         `json:"slippageBps"`
	PriceImpactPct       string      `json:"priceImpactPct"`
	RoutePlan            []routePlan `json:"routePlan"`
	ContextSlot          uint64      `json:"contextSlot"`
}

type routePlan struct {
	SwapInfo swapInfo `json:"swapInfo"`
	Percent  int      `json:"percent"`
}

type swapInfo struct {
	AmmKey     string `json:"ammKey"`
	Label      string `json:"label"`
	InputMint  string `json:"inputMint"`
	OutputMint string `json:"outputMint"`
	InAmount   uint64 `json:"inAmount,string"`
	OutAmount  uint64 `json:"outAmount,string"`
	FeeAmount  uint64 `json:"feeAmount,string"`
	FeeMint    string `json:"feeMint"`
}

func (q *quoteResponse) toRouteQuote(raw json.RawMessage) *swap.RouteQuote {
	legs := make([]swap.RouteLeg, len(q.RoutePlan))
	for i, p := range q.RoutePlan {
		legs[i] = swap.RouteLeg{
			Label:      p.SwapInfo.Label,
			AmmKey:     p.SwapInfo.AmmKey,
			InputMint:  p.SwapInfo.InputMint,
			OutputMint: p.SwapInfo.OutputMint,
			InAmount:   p.SwapInfo.InAmount,
			OutAmount:  p.SwapInfo.OutAmount,
			FeeAmount:  p.SwapInfo.FeeAmount,
			FeeMint:    p.SwapInfo.FeeMint,
			Percent:    p.Percent,
		}
	}
	return &swap.RouteQuote{
		InputMint:            q.InputMint,
		OutputMint:           q.OutputMint,
		InAmount:             q.InAmount,
		OutAmount:            q.OutAmount,
		OtherAmountThreshold: q.OtherAmountThreshold,
		SwapMode:             q.SwapMode,
		SlippageBps:          q.SlippageBps,
		PriceImpactPct:       q.PriceImpactPct,
		Legs:                 legs,
		ContextSlot:          q.ContextSlot,
		Raw:                  raw,
	}
}

// swapInstructionsRequest is the body of POST /swap-instructions.
type swapInstructionsRequest struct {
	QuoteResponse             json.RawMessage `json:"quoteResponse"`
	UserPublicKey             string          `json:"userPublicKey"`
	WrapAndUnwrapSol          bool            `json:"wrapAndUnwrapSol"`
	DynamicComputeUnitLimit   bool            `json:"dynamicComputeUnitLimit"`
	PrioritizationFeeLamports uint64          `json:"prioritizationFeeLamports,omitempty"`
}

// swapInstructionsResponse is the wire format of POST /swap-instructions.
type swapInstructionsResponse struct {
	ComputeBudgetInstructions   []instruction `json:"computeBudgetInstructions"`
	OtherInstructions           []instruction `json:"otherInstructions"`
	SetupInstructions           []instruction `json:"setupInstructions"`
	TokenLedgerInstruction      *instruction  `json:"tokenLedgerInstruction"`
	SwapInstruction             *instruction  `json:"swapInstruction"`
	CleanupInstruction          *instruction  `json:"cleanupInstruction"`
	AddressLookupTableAddresses []string      `json:"addressLookupTableAddresses"`
	ComputeUnitLimit            uint32        `json:"computeUnitLimit"`
	PrioritizationFeeLamports   uint64        `json:"prioritizationFeeLamports"`
	SimulationError             any           `json:"simulationError"`
}

type instruction struct {
	ProgramID string        `json:"programId"`
	Accounts  []accountMeta `json:"accounts"`
	Data      string        `json:"data"`
}

type accountMeta struct {
	Pubkey     string `json:"pubkey"`
	IsSigner   bool   `json:"isSigner"`
	IsWritable bool   `json:"isWritable"`
}

type errorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"errorCode"`
}
