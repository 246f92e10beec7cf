package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/brojonat/tradedesk/service/confirm"
	"github.com/brojonat/tradedesk/service/db"
	natspkg "github.com/brojonat/tradedesk/service/nats"
	"github.com/brojonat/tradedesk/service/temporal"
)

// recordTimeout bounds each audit write and event publish made from an observer.
const recordTimeout = 5 * time.Second

// recorder fans status updates of one submission out to the audit store, the
// event stream and, on timeout, the reconciler. Every sink is optional and a
// sink failure never affects the submission itself.
type recorder struct {
	store      SubmissionStore
	publisher  StatusPublisher
	reconciler Reconciler
	logger     *slog.Logger

	ctx             context.Context
	wallet          string
	recentBlockhash string
	source          string
	lastStatus      confirm.Status
	// settled drops every update; the audit row already holds a ledger outcome.
	settled         bool
}

func (s *Server) newRecorder(ctx context.Context, wallet, recentBlockhash, source string) *recorder {
	return &recorder{
		store:           s.store,
		publisher:       s.publisher,
		reconciler:      s.reconciler,
		logger:          s.logger,
		ctx:             context.WithoutCancel(ctx),
		wallet:          wallet,
		recentBlockhash: recentBlockhash,
		source:          source,
	}
}

// begin writes the initial audit row for a submission about to be broadcast.
func (r *recorder) begin(decoded *confirm.DecodedTransaction, metadata map[string]any) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(r.ctx, recordTimeout)
	defer cancel()

	_, err := r.store.CreateSubmission(ctx, db.CreateSubmissionParams{
		Signature:       decoded.Signature,
		WalletAddress:   r.wallet,
		Status:          string(confirm.StatusSending),
		RecentBlockhash: decoded.RecentBlockhash,
		Metadata:        metadata,
	})
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to record submission",
			"signature", decoded.Signature,
			"error", err,
		)
	}
}

// observe is the confirm.Observer for the submission.
func (r *recorder) observe(u confirm.StatusUpdate) {
	if r.settled {
		return
	}
	if u.Signature == "" {
		// Nothing is addressable before the ledger accepted the broadcast.
		return
	}
	changed := u.Status != r.lastStatus
	r.lastStatus = u.Status

	ctx, cancel := context.WithTimeout(r.ctx, recordTimeout)
	defer cancel()

	if r.publisher != nil {
		if err := r.publisher.PublishStatus(ctx, natspkg.FromStatusUpdate(u, r.wallet, r.source)); err != nil {
			r.logger.WarnContext(ctx, "failed to publish status event",
				"signature", u.Signature,
				"status", u.Status,
				"error", err,
			)
		}
	}

	if r.store != nil && changed {
		if err := r.store.UpdateSubmissionStatus(ctx, updateParams(u)); err != nil {
			r.logger.ErrorContext(ctx, "failed to update submission",
				"signature", u.Signature,
				"status", u.Status,
				"error", err,
			)
		}
	}

	if u.Status == confirm.StatusTimeout && changed {
		r.reconcile(u.Signature)
	}
}

// finish records a broadcast rejection, which the observer cannot address by
// signature because the ledger never returned one.
func (r *recorder) finish(expected string, final confirm.StatusUpdate) {
	if r.store == nil || final.Signature != "" || final.Status != confirm.StatusFailed {
		return
	}
	ctx, cancel := context.WithTimeout(r.ctx, recordTimeout)
	defer cancel()

	final.Signature = expected
	if err := r.store.UpdateSubmissionStatus(ctx, updateParams(final)); err != nil {
		r.logger.ErrorContext(ctx, "failed to record rejected broadcast",
			"signature", expected,
			"error", err,
		)
	}
}

// reconcile hands a signature with an unknown outcome to the reconciler. Without
// a recent blockhash the workflow could never tell an expired transaction apart,
// so nothing is started.
func (r *recorder) reconcile(signature string) {
	if r.reconciler == nil || r.recentBlockhash == "" {
		return
	}
	ctx, cancel := context.WithTimeout(r.ctx, recordTimeout)
	defer cancel()

	err := r.reconciler.StartReconcile(ctx, temporal.ReconcileInput{
		Signature:       signature,
		RecentBlockhash: r.recentBlockhash,
		WalletAddress:   r.wallet,
	})
	switch {
	case err == nil:
	case errors.Is(err, temporal.ErrReconcileAlreadyStarted):
		r.logger.DebugContext(ctx, "reconciliation already running", "signature", signature)
	default:
		r.logger.ErrorContext(ctx, "failed to start reconciliation",
			"signature", signature,
			"error", err,
		)
	}
}

func updateParams(u confirm.StatusUpdate) db.UpdateSubmissionStatusParams {
	params := db.UpdateSubmissionStatusParams{
		Signature: u.Signature,
		Status:    string(u.Status),
	}
	if u.Error != "" {
		msg := u.Error
		params.Error = &msg
	}
	if u.ConfirmationLevel != "" {
		level := u.ConfirmationLevel
		params.ConfirmationLevel = &level
	}
	if u.Slot != nil {
		slot := int64(*u.Slot)
		params.Slot = &slot
	}
	return params
}
