package temporal

import (
	"fmt"
	"log/slog"

	"github.com/brojonat/txlens/service/metrics"
	"github.com/brojonat/txlens/service/price"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
)

// WorkerConfig contains configuration for the Temporal worker.
type WorkerConfig struct {
	// Temporal connection settings
	TemporalHost      string
	TemporalNamespace string
	TaskQueue         string

	// Dependencies
	Fetcher     TransactionFetcher
	Names       NameResolver
	Prices      PriceResolver
	FixedPrices price.FixedPrices
	Publisher   PublisherInterface // Optional: nil disables publishing
	Metrics     *metrics.Metrics   // Optional: if nil, no metrics will be recorded
	Logger      *slog.Logger
}

// Worker wraps a Temporal worker and provides lifecycle management.
type Worker struct {
	client client.Client
	worker worker.Worker
	logger *slog.Logger
}

// NewWorker creates and configures a new Temporal worker.
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	logger := config.Logger.With("component", "temporal_worker")

	logger.Info("creating temporal worker",
		"host", config.TemporalHost,
		"namespace", config.TemporalNamespace,
		"task_queue", config.TaskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  config.TemporalHost,
		Namespace: config.TemporalNamespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to temporal: %w", err)
	}

	// The resolvers pace themselves against rate-limited providers, so
	// running many activities at once only queues them behind the limiters.
	w := worker.New(c, config.TaskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize:     4,
		MaxConcurrentWorkflowTaskExecutionSize: 10,
	})

	w.RegisterWorkflow(EnrichAddressWorkflow)
	logger.Info("registered workflow", "name", "EnrichAddressWorkflow")

	activities := NewActivities(
		config.Fetcher,
		config.Names,
		config.Prices,
		config.FixedPrices,
		config.Publisher,
		config.Metrics,
		logger,
	)
	w.RegisterActivity(activities.FetchTransactions)
	w.RegisterActivity(activities.ResolveNames)
	w.RegisterActivity(activities.ResolvePrices)

	logger.Info("registered activities",
		"activities", []string{"FetchTransactions", "ResolveNames", "ResolvePrices"},
	)

	return &Worker{
		client: c,
		worker: w,
		logger: logger,
	}, nil
}

// Start begins processing workflows and activities.
// This method blocks until Stop is called or an interrupt is received.
func (w *Worker) Start() error {
	w.logger.Info("starting temporal worker")
	err := w.worker.Run(worker.InterruptCh())
	if err != nil {
		w.logger.Error("worker stopped with error", "error", err)
		return fmt.Errorf("worker stopped with error: %w", err)
	}
	w.logger.Info("worker stopped gracefully")
	return nil
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() {
	w.logger.Info("stopping temporal worker")
	w.worker.Stop()
	w.client.Close()
	w.logger.Info("temporal worker stopped")
}
