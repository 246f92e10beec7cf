package temporal

import (
	"time"

	"github.com/brojonat/tradedesk/service/confirm"
	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

const (
	// ReconcileCheckInterval is the time between ledger checks.
	ReconcileCheckInterval = 15 * time.Second

	// ReconcileMaxChecks bounds how long a submission is reconciled.
	ReconcileMaxChecks = 40

	// ExpiredMessage is recorded when the blockhash expired and the signature never landed.
	ExpiredMessage = "transaction expired before landing"
)

// ReconcileWorkflowID returns the workflow id for a signature. Starting a second
// reconciliation for the same signature is rejected.
func ReconcileWorkflowID(signature string) string {
	return "reconcile-" + signature
}

// ReconcileSubmissionWorkflow settles the outcome of a submission that timed out.
//
// The workflow checks the ledger every ReconcileCheckInterval:
//  1. A confirmed or failed status is recorded and the workflow ends.
//  2. An unknown status with an expired blockhash can never land; it is recorded
//     as failed.
//  3. Otherwise the workflow waits and checks again.
//
// After ReconcileMaxChecks the row is left as timeout.
func ReconcileSubmissionWorkflow(ctx workflow.Context, input ReconcileInput) (*ReconcileResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("ReconcileSubmissionWorkflow started", "signature", input.Signature)

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    10 * time.Second,
			MaximumAttempts:    3,
		},
	})

	result := &ReconcileResult{Signature: input.Signature, Status: string(confirm.StatusTimeout)}

	for result.Checks < ReconcileMaxChecks {
		result.Checks++

		var check *CheckSignatureResult
		err := workflow.ExecuteActivity(ctx, a.CheckSignature, CheckSignatureInput{
			Signature:       input.Signature,
			RecentBlockhash: input.RecentBlockhash,
		}).Get(ctx, &check)
		if err != nil {
			logger.Warn("signature check failed", "signature", input.Signature, "check", result.Checks, "error", err)
		} else {
			outcome, done := settle(check)
			if done {
				result.Status = outcome.Status
				result.Error = outcome.Error

				outcome.Signature = input.Signature
				outcome.WalletAddress = input.WalletAddress
				if err := workflow.ExecuteActivity(ctx, a.RecordOutcome, outcome).Get(ctx, nil); err != nil {
					logger.Error("failed to record outcome", "signature", input.Signature, "error", err)
					return result, err
				}

				logger.Info("ReconcileSubmissionWorkflow completed",
					"signature", input.Signature,
					"status", result.Status,
					"checks", result.Checks,
				)
				return result, nil
			}
		}

		if result.Checks < ReconcileMaxChecks {
			if err := workflow.Sleep(ctx, ReconcileCheckInterval); err != nil {
				return result, err
			}
		}
	}

	logger.Info("ReconcileSubmissionWorkflow exhausted its checks", "signature", input.Signature, "checks", result.Checks)
	return result, nil
}

// settle decides whether a ledger observation is final.
func settle(check *CheckSignatureResult) (RecordOutcomeInput, bool) {
	switch check.Status {
	case LedgerConfirmed:
		return RecordOutcomeInput{Status: string(confirm.StatusConfirmed), ConfirmationLevel: check.ConfirmationLevel, Slot: check.Slot}, true
	case LedgerFailed:
		return RecordOutcomeInput{Status: string(confirm.StatusFailed), Error: check.Error, ConfirmationLevel: check.ConfirmationLevel, Slot: check.Slot}, true
	case LedgerUnknown:
		if !check.BlockhashValid {
			return RecordOutcomeInput{Status: string(confirm.StatusFailed), Error: ExpiredMessage}, true
		}
	}
	return RecordOutcomeInput{}, false
}
