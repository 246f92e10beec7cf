package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// TransactionStatus is the observed status of a submitted transaction.
type TransactionStatus struct {
	Status            string  `json:"status"`
	Signature         string  `json:"signature,omitempty"`
	Error             string  `json:"error,omitempty"`
	ConfirmationLevel string  `json:"confirmationLevel,omitempty"`
	Slot              *uint64 `json:"slot,omitempty"`
}

// Terminal reports whether the status can no longer change.
func (s *TransactionStatus) Terminal() bool {
	switch s.Status {
	case "confirmed", "failed", "timeout":
		return true
	}
	return false
}

// SubmitRequest is a client-signed transaction to broadcast.
type SubmitRequest struct {
	SerializedTransaction string         `json:"serializedTransaction"`
	WalletAddress         string         `json:"walletAddress,omitempty"`
	Metadata              map[string]any `json:"metadata,omitempty"`
}

// SwapRequest asks the server to build a swap transaction.
type SwapRequest struct {
	InputMint                 string `json:"inputMint"`
	OutputMint                string `json:"outputMint"`
	Amount                    uint64 `json:"amount"`
	SlippageBps               int    `json:"slippageBps,omitempty"`
	WalletAddress             string `json:"walletAddress"`
	FeeAccountOwner           string `json:"feeAccountOwner,omitempty"`
	FeeBps                    int    `json:"feeBps,omitempty"`
	PrioritizationFeeLamports uint64 `json:"prioritizationFeeLamports,omitempty"`
	SimulateOnly              bool   `json:"simulateOnly,omitempty"`
}

// Checkpoint is the last ledger height at which a built transaction can land.
type Checkpoint struct {
	Blockhash            string `json:"blockhash"`
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
}

// SwapResponse is a simulated, unsigned swap transaction.
type SwapResponse struct {
	Transaction         string          `json:"transaction"`
	LastValidCheckpoint Checkpoint      `json:"lastValidCheckpoint"`
	ComputeUnitLimit    uint32          `json:"computeUnitLimit"`
	PrioritizationFee   uint64          `json:"prioritizationFee"`
	FeeAmount           uint64          `json:"feeAmount,omitempty"`
	SimulateOnly        bool            `json:"simulateOnly"`
	Quote               json.RawMessage `json:"quote"`
	Simulation          json.RawMessage `json:"simulation"`
}

// Submission is an audited submission.
type Submission struct {
	ID                string         `json:"id"`
	Signature         string         `json:"signature"`
	WalletAddress     string         `json:"walletAddress"`
	Status            string         `json:"status"`
	Error             *string        `json:"error,omitempty"`
	ConfirmationLevel *string        `json:"confirmationLevel,omitempty"`
	Slot              *int64         `json:"slot,omitempty"`
	RecentBlockhash   string         `json:"recentBlockhash"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
	UpdatedAt         time.Time      `json:"updatedAt"`
}

// APIError is a non-success response from the server.
type APIError struct {
	StatusCode int
	Message    string
	// Simulation is the classified dry run of a rejected swap build, if any.
	Simulation json.RawMessage
}

func (e *APIError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Message)
}

// Client is the HTTP client for the tradedesk service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new tradedesk client. The http client's timeout must
// exceed the server's confirmation timeout for Submit to see terminal statuses.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 90 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// Submit broadcasts a signed transaction and waits for its terminal status.
// Failed and timeout outcomes are returned as statuses, not errors.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*TransactionStatus, error) {
	var status TransactionStatus
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/transactions", req, &status); err != nil {
		return nil, err
	}
	c.logger.Debug("transaction submitted", "signature", status.Signature, "status", status.Status)
	return &status, nil
}

// Status watches a signature for up to timeout and returns its latest status.
// A zero timeout uses the server default.
func (c *Client) Status(ctx context.Context, signature string, timeout time.Duration) (*TransactionStatus, error) {
	path := "/api/v1/transactions/" + url.PathEscape(signature)
	if timeout > 0 {
		path += "?timeout=" + url.QueryEscape(timeout.String())
	}
	var status TransactionStatus
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Stream calls fn with each status update of a signature until the stream ends
// at a terminal status, fn returns false, or ctx is done.
func (c *Client) Stream(ctx context.Context, signature string, fn func(*TransactionStatus) bool) error {
	u := c.baseURL + "/api/v1/stream/transactions/" + url.PathEscape(signature)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// Streams outlive the regular request timeout.
	streamClient := *c.httpClient
	streamClient.Timeout = 0
	resp, err := streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to SSE stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}

	return readEvents(resp.Body, func(event string, data []byte) (bool, error) {
		switch event {
		case "status":
			var status TransactionStatus
			if err := json.Unmarshal(data, &status); err != nil {
				c.logger.Warn("failed to parse status event", "error", err)
				return true, nil
			}
			return fn(&status), nil
		case "error":
			var errResp struct {
				Error string `json:"error"`
			}
			json.Unmarshal(data, &errResp)
			return false, fmt.Errorf("stream error: %s", errResp.Error)
		}
		return true, nil
	})
}

// readEvents parses a server-sent event stream, calling handle for each event.
func readEvents(r io.Reader, handle func(event string, data []byte) (bool, error)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var event string
	var data bytes.Buffer
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				more, err := handle(event, data.Bytes())
				if err != nil || !more {
					return err
				}
			}
			event = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
			// comment / keepalive
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(line, "data: "))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading SSE stream: %w", err)
	}
	return nil
}

// BuildSwap builds a simulated, unsigned swap transaction. A failed simulation
// is returned as *APIError with StatusCode 422 and Simulation set.
func (c *Client) BuildSwap(ctx context.Context, req SwapRequest) (*SwapResponse, error) {
	var resp SwapResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/swap/build", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListSubmissions lists audited submissions of a wallet, newest first.
func (c *Client) ListSubmissions(ctx context.Context, walletAddress string, limit, offset int) ([]*Submission, error) {
	q := url.Values{}
	q.Set("wallet_address", walletAddress)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}

	var resp struct {
		Submissions []*Submission `json:"submissions"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/submissions?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Submissions, nil
}

// Health reports whether the server is up.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error      string          `json:"error"`
		Simulation json.RawMessage `json:"simulation"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}

	return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error, Simulation: errResp.Simulation}
}
