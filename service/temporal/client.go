package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
)

// ErrReconcileAlreadyStarted is returned when a reconciliation for the signature exists.
var ErrReconcileAlreadyStarted = errors.New("reconciliation already started")

// Client starts reconciliation workflows on Temporal.
type Client struct {
	client    client.Client
	taskQueue string
	logger    *slog.Logger
}

// NewClient creates a new Temporal client.
func NewClient(host, namespace, taskQueue string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	logger.Info("connected to temporal successfully")
	return newClient(c, taskQueue, logger), nil
}

func newClient(c client.Client, taskQueue string, logger *slog.Logger) *Client {
	return &Client{
		client:    c,
		taskQueue: taskQueue,
		logger:    logger,
	}
}

// StartReconcile starts ReconcileSubmissionWorkflow for a timed-out submission.
// It returns ErrReconcileAlreadyStarted when one is already running or finished
// for the same signature.
func (c *Client) StartReconcile(ctx context.Context, input ReconcileInput) error {
	id := ReconcileWorkflowID(input.Signature)

	run, err := c.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                                       id,
		TaskQueue:                                c.taskQueue,
		WorkflowIDReusePolicy:                    enumspb.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
		WorkflowExecutionErrorWhenAlreadyStarted: true,
		Memo: map[string]interface{}{
			"signature":      input.Signature,
			"wallet_address": input.WalletAddress,
			"created_by":     "tradedesk",
		},
	}, ReconcileSubmissionWorkflow, input)
	if err != nil {
		var started *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &started) {
			return fmt.Errorf("%w: %s", ErrReconcileAlreadyStarted, id)
		}
		c.logger.ErrorContext(ctx, "failed to start reconciliation",
			"signature", input.Signature,
			"workflow_id", id,
			"error", err,
		)
		return fmt.Errorf("failed to start workflow %q: %w", id, err)
	}

	c.logger.InfoContext(ctx, "started reconciliation",
		"signature", input.Signature,
		"workflow_id", id,
		"run_id", run.GetRunID(),
	)
	return nil
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	c.client.Close()
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
