package swap

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/brojonat/tradedesk/service/metrics"
	"github.com/brojonat/tradedesk/service/solana"
	solanago "github.com/gagliardetto/solana-go"
)

// SimulationGateway dry-runs transactions.
type SimulationGateway interface {
	Simulate(ctx context.Context, tx *solanago.Transaction) (*solana.SimulationOutcome, error)
}

// Simulator runs pre-flight dry runs and classifies their failures.
type Simulator struct {
	gateway SimulationGateway
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewSimulator creates a Simulator.
func NewSimulator(gateway SimulationGateway, m *metrics.Metrics, logger *slog.Logger) *Simulator {
	return &Simulator{gateway: gateway, metrics: m, logger: logger}
}

// Simulate dry-runs an assembled transaction. An error is returned only when the
// gateway call itself fails; a failed dry run is a result with OK false.
func (s *Simulator) Simulate(ctx context.Context, at *AssembledTransaction) (*SimulationResult, error) {
	if at == nil || at.Transaction == nil {
		return nil, &AssemblyError{Reason: "nothing to simulate"}
	}

	outcome, err := s.gateway.Simulate(ctx, at.Transaction)
	if err != nil {
		return nil, fmt.Errorf("simulation request failed: %w", err)
	}

	result := &SimulationResult{
		OK:            outcome.Err == nil,
		Logs:          outcome.Logs,
		UnitsConsumed: outcome.UnitsConsumed,
	}
	if !result.OK {
		result.Error = Classify(outcome.Err, outcome.Logs)
		s.metrics.RecordSimulation(string(result.Error.Kind))
		s.logger.InfoContext(ctx, "simulation failed",
			"fee_payer", at.FeePayer.String(),
			"kind", result.Error.Kind,
			"message", result.Error.Message,
		)
		return result, nil
	}

	s.metrics.RecordSimulation("ok")
	return result, nil
}

// Custom program error codes that indicate the route's price moved.
var slippageCodes = []string{
	`"Custom":6001`, // aggregator SlippageToleranceExceeded
	"0x1771",
}

var slippageMarkers = []string{
	"slippage",
	"exceeds desired slippage limit",
	"accountinuse",
	"account in use",
}

var insufficientMarkers = []string{
	"insufficientfundsforfee",
	"insufficientfundsforrent",
	"insufficient funds",
	"insufficient lamports",
	"accountnotfound",
}

// Classify maps a dry-run error payload and its logs to a SimulationError.
func Classify(payload any, logs []string) *SimulationError {
	rendered := renderPayload(payload)
	haystack := strings.ToLower(rendered + "\n" + strings.Join(logs, "\n"))

	msg := rendered
	if line := lastErrorLog(logs); line != "" {
		msg = rendered + ": " + line
	}

	switch {
	case containsAny(haystack, insufficientMarkers):
		return &SimulationError{Kind: SimulationInsufficientBalance, Message: msg}
	case containsAny(rendered, slippageCodes) || containsAny(haystack, slippageMarkers):
		return &SimulationError{Kind: SimulationSlippage, Message: msg}
	case strings.Contains(rendered, "InstructionError"):
		return &SimulationError{Kind: SimulationProgram, Message: msg}
	default:
		return &SimulationError{Kind: SimulationUnknown, Message: msg}
	}
}

func renderPayload(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func lastErrorLog(logs []string) string {
	for i := len(logs) - 1; i >= 0; i-- {
		l := strings.ToLower(logs[i])
		if strings.Contains(l, "error") || strings.Contains(l, "failed") {
			return logs[i]
		}
	}
	return ""
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
