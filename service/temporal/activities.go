package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/tradedesk/service/confirm"
	"github.com/brojonat/tradedesk/service/db"
	"github.com/brojonat/tradedesk/service/metrics"
	natspkg "github.com/brojonat/tradedesk/service/nats"
	"github.com/brojonat/tradedesk/service/solana"
)

// Ledger statuses reported by CheckSignature.
const (
	LedgerUnknown   = "unknown"
	LedgerPending   = "pending"
	LedgerConfirmed = "confirmed"
	LedgerFailed    = "failed"
)

// ReconcileInput identifies a submission whose outcome was unknown at timeout.
type ReconcileInput struct {
	Signature       string `json:"signature"`
	RecentBlockhash string `json:"recent_blockhash"`
	WalletAddress   string `json:"wallet_address,omitempty"`
}

// ReconcileResult is the status the reconciliation settled on.
type ReconcileResult struct {
	Signature string `json:"signature"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	Checks    int    `json:"checks"`
}

// CheckSignatureInput contains parameters for the CheckSignature activity.
type CheckSignatureInput struct {
	Signature       string `json:"signature"`
	RecentBlockhash string `json:"recent_blockhash"`
}

// CheckSignatureResult is one observation of the ledger.
type CheckSignatureResult struct {
	Status            string  `json:"status"`
	Error             string  `json:"error,omitempty"`
	ConfirmationLevel string  `json:"confirmation_level,omitempty"`
	Slot              *uint64 `json:"slot,omitempty"`
	BlockhashValid    bool    `json:"blockhash_valid"`
}

// RecordOutcomeInput contains parameters for the RecordOutcome activity.
type RecordOutcomeInput struct {
	Signature         string  `json:"signature"`
	WalletAddress     string  `json:"wallet_address,omitempty"`
	Status            string  `json:"status"`
	Error             string  `json:"error,omitempty"`
	ConfirmationLevel string  `json:"confirmation_level,omitempty"`
	Slot              *uint64 `json:"slot,omitempty"`
}

// LedgerInterface defines the ledger queries needed by activities.
// This allows for easy mocking in tests.
type LedgerInterface interface {
	SignatureStatus(ctx context.Context, signature string) (solana.LedgerStatus, error)
	BlockhashValid(ctx context.Context, blockhash string) (bool, error)
}

// StoreInterface defines the database operations needed by activities.
type StoreInterface interface {
	UpdateSubmissionStatus(ctx context.Context, params db.UpdateSubmissionStatusParams) error
}

// PublisherInterface defines the NATS publishing operations needed by activities.
type PublisherInterface interface {
	PublishStatus(ctx context.Context, event *natspkg.StatusEvent) error
}

// Activities holds the dependencies needed by Temporal activities.
// All dependencies are explicit; store and publisher may be nil when the
// audit trail or event stream is not configured.
type Activities struct {
	ledger    LedgerInterface
	store     StoreInterface
	publisher PublisherInterface
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewActivities creates a new Activities instance with explicit dependencies.
// If metrics is nil, no metrics will be recorded.
func NewActivities(
	ledger LedgerInterface,
	store StoreInterface,
	publisher PublisherInterface,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		ledger:    ledger,
		store:     store,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
	}
}

// CheckSignature queries the ledger once for a signature and whether its
// blockhash can still be used.
//
// Blockhash validity is read before the status: if the blockhash had already
// expired, any landing happened before the status query and is visible to it.
func (a *Activities) CheckSignature(ctx context.Context, input CheckSignatureInput) (result *CheckSignatureResult, err error) {
	start := time.Now()
	defer func() {
		a.metrics.RecordActivityDuration("CheckSignature", time.Since(start).Seconds(), err)
	}()

	valid := true
	if input.RecentBlockhash != "" {
		valid, err = a.ledger.BlockhashValid(ctx, input.RecentBlockhash)
		if err != nil {
			return nil, fmt.Errorf("failed to check blockhash: %w", err)
		}
	}

	status, err := a.ledger.SignatureStatus(ctx, input.Signature)
	if err != nil {
		return nil, fmt.Errorf("failed to query signature status: %w", err)
	}

	result = &CheckSignatureResult{Status: LedgerUnknown, BlockhashValid: valid}
	switch s := status.(type) {
	case solana.StatusPending:
		result.Status = LedgerPending
		result.ConfirmationLevel = string(s.Level)
		result.Slot = &s.Slot
	case solana.StatusConfirmed:
		result.Status = LedgerConfirmed
		result.ConfirmationLevel = string(s.Level)
		result.Slot = &s.Slot
	case solana.StatusFailed:
		result.Status = LedgerFailed
		result.Error = s.Err
		result.ConfirmationLevel = string(s.Level)
		result.Slot = &s.Slot
	}

	a.logger.DebugContext(ctx, "checked signature",
		"signature", input.Signature,
		"status", result.Status,
		"blockhash_valid", valid,
	)
	return result, nil
}

// RecordOutcome writes a reconciled status to the audit trail and the event stream.
func (a *Activities) RecordOutcome(ctx context.Context, input RecordOutcomeInput) (err error) {
	start := time.Now()
	defer func() {
		a.metrics.RecordActivityDuration("RecordOutcome", time.Since(start).Seconds(), err)
	}()

	update := confirm.StatusUpdate{
		Status:            confirm.Status(input.Status),
		Signature:         input.Signature,
		Error:             input.Error,
		ConfirmationLevel: input.ConfirmationLevel,
		Slot:              input.Slot,
	}

	var errs []error
	if a.store != nil {
		params := db.UpdateSubmissionStatusParams{
			Signature: input.Signature,
			Status:    input.Status,
		}
		if input.Error != "" {
			params.Error = &input.Error
		}
		if input.ConfirmationLevel != "" {
			params.ConfirmationLevel = &input.ConfirmationLevel
		}
		if input.Slot != nil {
			slot := int64(*input.Slot)
			params.Slot = &slot
		}
		if err := a.store.UpdateSubmissionStatus(ctx, params); err != nil {
			errs = append(errs, fmt.Errorf("failed to update submission: %w", err))
		}
	}

	if a.publisher != nil {
		event := natspkg.FromStatusUpdate(update, input.WalletAddress, "reconcile")
		if err := a.publisher.PublishStatus(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("failed to publish status: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}

	a.metrics.RecordReconcileOutcome(input.Status)
	a.logger.InfoContext(ctx, "recorded reconciled outcome",
		"signature", input.Signature,
		"status", input.Status,
		"error", input.Error,
	)
	return nil
}
