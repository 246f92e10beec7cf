package confirm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/brojonat/tradedesk/service/metrics"
	"github.com/brojonat/tradedesk/service/solana"
	solanago "github.com/gagliardetto/solana-go"
)

// Ledger is the part of the ledger gateway the engine talks to.
type Ledger interface {
	SendTransaction(ctx context.Context, raw []byte) (string, error)
	SignatureStatus(ctx context.Context, signature string) (solana.LedgerStatus, error)
}

// Config bounds the confirming phase.
type Config struct {
	// Timeout is the wall-clock budget measured from entering sent.
	Timeout time.Duration
	// InitialInterval is the first wait between status queries.
	InitialInterval time.Duration
	// MaxInterval caps the backoff.
	MaxInterval time.Duration
	// Multiplier grows the interval after each query.
	Multiplier float64
	// QueryTimeout bounds a single status query.
	QueryTimeout time.Duration
	// SendTimeout bounds the broadcast call.
	SendTimeout time.Duration
}

// DefaultConfig returns the standard polling discipline: 150ms growing by 1.5x to 2s,
// with a 30s budget.
func DefaultConfig() Config {
	return Config{
		Timeout:         30 * time.Second,
		InitialInterval: 150 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		Multiplier:      1.5,
		QueryTimeout:    5 * time.Second,
		SendTimeout:     15 * time.Second,
	}
}

// Engine broadcasts signed transactions and polls them to a terminal status.
// It holds no per-request state, so one Engine serves any number of concurrent requests.
type Engine struct {
	ledger  Ledger
	cfg     Config
	clock   Clock
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewEngine creates an Engine. Zero config fields take their DefaultConfig value.
// A nil clock uses wall time.
func NewEngine(ledger Ledger, cfg Config, clock Clock, m *metrics.Metrics, logger *slog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval < cfg.InitialInterval {
		cfg.MaxInterval = max(def.MaxInterval, cfg.InitialInterval)
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = def.QueryTimeout
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if clock == nil {
		clock = RealClock()
	}
	return &Engine{
		ledger:  ledger,
		cfg:     cfg,
		clock:   clock,
		metrics: m,
		logger:  logger,
	}
}

// Submit validates req, broadcasts it exactly once and polls until a terminal status.
//
// The returned update is the last one observed. Failed and timeout outcomes are
// returned as updates with a nil error. A non-nil error is either ErrInvalidRequest
// (nothing was broadcast) or ErrWatchCancelled (ctx ended while confirming; the
// transaction may still land).
//
// The broadcast runs detached from ctx cancellation so a send that has started is
// always carried through. Cancelling ctx only stops the observation.
func (e *Engine) Submit(ctx context.Context, req TransactionRequest, observe Observer) (StatusUpdate, error) {
	decoded, err := DecodeTransaction(req)
	if err != nil {
		return StatusUpdate{}, err
	}

	tr := newTracker(observe)
	tr.emit(StatusUpdate{Status: StatusSending})

	e.logger.InfoContext(ctx, "broadcasting transaction",
		"fee_payer", decoded.FeePayer,
		"expected_signature", decoded.Signature,
	)

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.SendTimeout)
	signature, err := e.ledger.SendTransaction(sendCtx, decoded.Raw)
	cancel()
	if err != nil {
		e.logger.WarnContext(ctx, "broadcast rejected",
			"fee_payer", decoded.FeePayer,
			"error", err,
		)
		failed := StatusUpdate{Status: StatusFailed, Error: err.Error()}
		tr.emit(failed)
		e.metrics.RecordSubmission(string(StatusFailed), 0, 0)
		return failed, nil
	}

	start := e.clock.Now()
	tr.emit(StatusUpdate{Status: StatusSent, Signature: signature})

	return e.confirm(ctx, tr, signature, start)
}

// Watch polls an already broadcast signature until a terminal status. It is the
// confirming phase of Submit on its own, for callers resuming a known signature.
func (e *Engine) Watch(ctx context.Context, signature string, observe Observer) (StatusUpdate, error) {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return StatusUpdate{}, fmt.Errorf("%w: signature is required", ErrInvalidRequest)
	}
	if _, err := solanago.SignatureFromBase58(signature); err != nil {
		return StatusUpdate{}, fmt.Errorf("%w: invalid signature %q: %v", ErrInvalidRequest, signature, err)
	}
	tr := newTracker(observe)
	return e.confirm(ctx, tr, signature, e.clock.Now())
}

func (e *Engine) confirm(ctx context.Context, tr *tracker, signature string, start time.Time) (StatusUpdate, error) {
	last := StatusUpdate{Status: StatusConfirming, Signature: signature}
	tr.emit(last)

	interval := e.cfg.InitialInterval
	polls := 0

	finish := func(u StatusUpdate) (StatusUpdate, error) {
		tr.emit(u)
		elapsed := e.clock.Now().Sub(start)
		e.metrics.RecordSubmission(string(u.Status), elapsed.Seconds(), polls)
		e.logger.InfoContext(ctx, "transaction reached terminal status",
			"signature", signature,
			"status", u.Status,
			"polls", polls,
			"elapsed_ms", elapsed.Milliseconds(),
		)
		return u, nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return e.cancelled(ctx, last, err)
		}

		polls++
		status, err := e.query(ctx, signature)
		if err != nil {
			if ctx.Err() != nil {
				return e.cancelled(ctx, last, ctx.Err())
			}
			e.logger.DebugContext(ctx, "status query failed, treating as no answer",
				"signature", signature,
				"poll", polls,
				"error", err,
			)
		}

		switch s := status.(type) {
		case solana.StatusConfirmed:
			return finish(StatusUpdate{
				Status:            StatusConfirmed,
				Signature:         signature,
				ConfirmationLevel: string(s.Level),
				Slot:              &s.Slot,
			})
		case solana.StatusFailed:
			return finish(StatusUpdate{
				Status:            StatusFailed,
				Signature:         signature,
				Error:             s.Err,
				ConfirmationLevel: string(s.Level),
				Slot:              &s.Slot,
			})
		case solana.StatusPending:
			last = StatusUpdate{
				Status:            StatusConfirming,
				Signature:         signature,
				ConfirmationLevel: string(s.Level),
				Slot:              &s.Slot,
			}
			tr.emit(last)
		case solana.StatusUnknown, nil:
		}

		remaining := e.cfg.Timeout - e.clock.Now().Sub(start)
		if remaining <= 0 {
			timedOut := last
			timedOut.Status = StatusTimeout
			timedOut.Error = fmt.Sprintf("transaction not confirmed within %s; it may still land", e.cfg.Timeout)
			return finish(timedOut)
		}

		if err := e.clock.Sleep(ctx, min(interval, remaining)); err != nil {
			return e.cancelled(ctx, last, err)
		}

		interval = min(time.Duration(float64(interval)*e.cfg.Multiplier), e.cfg.MaxInterval)
	}
}

func (e *Engine) query(ctx context.Context, signature string) (solana.LedgerStatus, error) {
	qctx, cancel := context.WithTimeout(ctx, e.cfg.QueryTimeout)
	defer cancel()
	return e.ledger.SignatureStatus(qctx, signature)
}

func (e *Engine) cancelled(ctx context.Context, last StatusUpdate, cause error) (StatusUpdate, error) {
	e.logger.InfoContext(ctx, "stopped watching transaction; it may still land",
		"signature", last.Signature,
		"last_status", last.Status,
	)
	return last, fmt.Errorf("%w: %w", ErrWatchCancelled, cause)
}
