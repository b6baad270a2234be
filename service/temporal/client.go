package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/brojonat/txlens/service/etherscan"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
)

// Client is the production Sessions implementation backed by Temporal.
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
	logger = logger.With("component", "temporal_client")

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

	return &Client{
		client:    c,
		taskQueue: taskQueue,
		logger:    logger,
	}, nil
}

// StartSession starts EnrichAddressWorkflow for the address, or returns the
// session already running for it.
func (c *Client) StartSession(ctx context.Context, input EnrichAddressInput) (*Session, error) {
	address, err := etherscan.NormalizeAddress(input.Address)
	if err != nil {
		return nil, err
	}
	input.Address = address
	id := sessionID(address)

	run, err := c.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        id,
		TaskQueue: c.taskQueue,
		Memo: map[string]interface{}{
			"address":    address,
			"created_by": "txlens",
		},
	}, EnrichAddressWorkflow, input)
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to start session",
			"address", address,
			"session_id", id,
			"error", err,
		)
		return nil, fmt.Errorf("failed to start session %q: %w", id, err)
	}

	c.logger.InfoContext(ctx, "session started",
		"address", address,
		"session_id", run.GetID(),
		"run_id", run.GetRunID(),
		"kinds", input.Kinds,
		"historical_prices", input.HistoricalPrices,
	)
	return &Session{ID: run.GetID(), RunID: run.GetRunID(), Status: StatusRunning}, nil
}

// SessionStatus describes the latest run of a session, including its result
// once it has completed.
func (c *Client) SessionStatus(ctx context.Context, id string) (*Session, error) {
	desc, err := c.client.DescribeWorkflowExecution(ctx, id, "")
	if err != nil {
		var notFound *serviceerror.NotFound
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return nil, fmt.Errorf("failed to describe session %q: %w", id, err)
	}

	info := desc.GetWorkflowExecutionInfo()
	session := &Session{
		ID:     id,
		RunID:  info.GetExecution().GetRunId(),
		Status: info.GetStatus().String(),
	}
	if ts := info.GetStartTime(); ts != nil {
		t := ts.AsTime()
		session.StartedAt = &t
	}
	if ts := info.GetCloseTime(); ts != nil {
		t := ts.AsTime()
		session.ClosedAt = &t
	}

	switch info.GetStatus() {
	case enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING:
		return session, nil
	case enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED:
		var result EnrichAddressResult
		if err := c.client.GetWorkflow(ctx, id, session.RunID).Get(ctx, &result); err != nil {
			return nil, fmt.Errorf("failed to read session result %q: %w", id, err)
		}
		session.Result = &result
	default:
		if err := c.client.GetWorkflow(ctx, id, session.RunID).Get(ctx, nil); err != nil {
			session.Error = err.Error()
		}
	}
	return session, nil
}

// SDKClient returns the underlying Temporal SDK client.
func (c *Client) SDKClient() client.Client {
	return c.client
}

// TaskQueue returns the configured task queue for this client.
func (c *Client) TaskQueue() string {
	return c.taskQueue
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
