package jupiter

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/tradedesk/service/metrics"
	"github.com/brojonat/tradedesk/service/swap"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/patrickmn/go-cache"
)

// APIError is a non-2xx answer from the quote API.
type APIError struct {
	StatusCode int
	Message    string
	Code       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("quote api returned %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("quote api returned %d: %s", e.StatusCode, e.Message)
}

// Client talks to the Jupiter quote and swap-instructions API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	cache      *cache.Cache
	ttl        time.Duration
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewClient creates a Client. Quotes are kept in c for ttl; a zero ttl disables caching.
func NewClient(baseURL, apiKey string, httpClient *http.Client, c *cache.Cache, ttl time.Duration, m *metrics.Metrics, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
		cache:      c,
		ttl:        ttl,
		metrics:    m,
		logger:     logger,
	}
}

func quoteKey(params swap.QuoteParams) string {
	return fmt.Sprintf("quote:%s:%s:%d:%d", params.InputMint, params.OutputMint, params.Amount, params.SlippageBps)
}

// Quote returns a route quote, served from the cache when a recent one exists.
func (c *Client) Quote(ctx context.Context, params swap.QuoteParams) (*swap.RouteQuote, error) {
	if c.cache != nil && c.ttl > 0 {
		if v, ok := c.cache.Get(quoteKey(params)); ok {
			c.metrics.RecordQuoteCache(true)
			return v.(*swap.RouteQuote), nil
		}
		c.metrics.RecordQuoteCache(false)
	}
	return c.QuoteFresh(ctx, params)
}

// QuoteFresh always asks the API and refreshes the cache.
func (c *Client) QuoteFresh(ctx context.Context, params swap.QuoteParams) (*swap.RouteQuote, error) {
	q := url.Values{}
	q.Set("inputMint", params.InputMint)
	q.Set("outputMint", params.OutputMint)
	q.Set("amount", strconv.FormatUint(params.Amount, 10))
	q.Set("slippageBps", strconv.Itoa(params.SlippageBps))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/quote?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	body, err := c.do(req, "quote")
	if err != nil {
		return nil, err
	}

	var wire quoteResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("failed to decode quote: %w", err)
	}
	if len(wire.RoutePlan) == 0 {
		return nil, fmt.Errorf("quote has no route for %s -> %s", params.InputMint, params.OutputMint)
	}

	quote := wire.toRouteQuote(json.RawMessage(body))
	if c.cache != nil && c.ttl > 0 {
		c.cache.Set(quoteKey(params), quote, c.ttl)
	}

	c.logger.DebugContext(ctx, "fetched quote",
		"input_mint", quote.InputMint,
		"output_mint", quote.OutputMint,
		"in_amount", quote.InAmount,
		"out_amount", quote.OutAmount,
		"context_slot", quote.ContextSlot,
		"legs", len(quote.Legs),
	)
	return quote, nil
}

// SwapInstructions asks the API for the instructions that execute quote for the user.
func (c *Client) SwapInstructions(ctx context.Context, quote *swap.RouteQuote, params swap.SwapInstructionsParams) (*swap.RouteInstructions, error) {
	raw := quote.Raw
	if len(raw) == 0 {
		var err error
		if raw, err = json.Marshal(quote); err != nil {
			return nil, fmt.Errorf("failed to marshal quote: %w", err)
		}
	}

	payload, err := json.Marshal(swapInstructionsRequest{
		QuoteResponse:             raw,
		UserPublicKey:             params.UserPublicKey,
		WrapAndUnwrapSol:          true,
		DynamicComputeUnitLimit:   true,
		PrioritizationFeeLamports: params.PrioritizationFeeLamports,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/swap-instructions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := c.do(req, "swap_instructions")
	if err != nil {
		return nil, err
	}

	var wire swapInstructionsResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("failed to decode swap instructions: %w", err)
	}
	return wire.toRouteInstructions()
}

func (c *Client) do(req *http.Request, method string) ([]byte, error) {
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordRPCCall("jupiter_"+method, "error", c.baseURL, time.Since(start).Seconds())
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.metrics.RecordRPCCall("jupiter_"+method, "error", c.baseURL, time.Since(start).Seconds())
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.metrics.RecordRPCCall("jupiter_"+method, "error", c.baseURL, time.Since(start).Seconds())
		return nil, parseErrorResponse(resp.StatusCode, body)
	}
	c.metrics.RecordRPCCall("jupiter_"+method, "success", c.baseURL, time.Since(start).Seconds())
	return body, nil
}

func parseErrorResponse(status int, body []byte) error {
	var errResp errorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return &APIError{StatusCode: status, Message: strings.TrimSpace(string(body))}
	}
	return &APIError{StatusCode: status, Message: errResp.Error, Code: errResp.ErrorCode}
}

func (r *swapInstructionsResponse) toRouteInstructions() (*swap.RouteInstructions, error) {
	if r.SwapInstruction == nil {
		return nil, &swap.AssemblyError{Reason: "provider returned no swap instruction"}
	}

	out := &swap.RouteInstructions{
		ComputeUnitLimit:          r.ComputeUnitLimit,
		PrioritizationFeeLamports: r.PrioritizationFeeLamports,
	}

	var err error
	if out.ComputeBudget, err = convertAll(r.ComputeBudgetInstructions); err != nil {
		return nil, err
	}
	// Provider extras run first and the token ledger snapshot sits right before the swap.
	setup := append(append([]instruction{}, r.OtherInstructions...), r.SetupInstructions...)
	if r.TokenLedgerInstruction != nil {
		setup = append(setup, *r.TokenLedgerInstruction)
	}
	if out.Setup, err = convertAll(setup); err != nil {
		return nil, err
	}
	if out.Swap, err = r.SwapInstruction.convert(); err != nil {
		return nil, err
	}
	if r.CleanupInstruction != nil {
		if out.Cleanup, err = r.CleanupInstruction.convert(); err != nil {
			return nil, err
		}
	}

	for _, addr := range r.AddressLookupTableAddresses {
		pk, err := solanago.PublicKeyFromBase58(addr)
		if err != nil {
			return nil, &swap.AssemblyError{Reason: fmt.Sprintf("invalid lookup table address %q", addr), Err: err}
		}
		out.LookupTables = append(out.LookupTables, pk)
	}
	return out, nil
}

func convertAll(in []instruction) ([]solanago.Instruction, error) {
	out := make([]solanago.Instruction, 0, len(in))
	for i := range in {
		ix, err := in[i].convert()
		if err != nil {
			return nil, err
		}
		out = append(out, ix)
	}
	return out, nil
}

func (ix *instruction) convert() (solanago.Instruction, error) {
	program, err := solanago.PublicKeyFromBase58(ix.ProgramID)
	if err != nil {
		return nil, &swap.AssemblyError{Reason: fmt.Sprintf("invalid program id %q", ix.ProgramID), Err: err}
	}
	data, err := base64.StdEncoding.DecodeString(ix.Data)
	if err != nil {
		return nil, &swap.AssemblyError{Reason: fmt.Sprintf("invalid instruction data for program %s", program), Err: err}
	}

	metas := make(solanago.AccountMetaSlice, 0, len(ix.Accounts))
	for _, a := range ix.Accounts {
		pk, err := solanago.PublicKeyFromBase58(a.Pubkey)
		if err != nil {
			return nil, &swap.AssemblyError{Reason: fmt.Sprintf("invalid account %q for program %s", a.Pubkey, program), Err: err}
		}
		metas = append(metas, solanago.NewAccountMeta(pk, a.IsWritable, a.IsSigner))
	}
	return solanago.NewInstruction(program, metas, data), nil
}
