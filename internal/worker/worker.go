// Package worker provides async transaction ingestion from the EventBus.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
)

// Worker consumes ingested transactions from the bus and runs them through
// the monitoring pipeline. It gives producers a fire-and-forget path next to
// the synchronous /monitor endpoint.
type Worker struct {
	bus domain.EventBus
	svc *engine.Service

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to consume for. Empty means a single
	// global subscription with the tenant taken from each message.
	TenantIDs []string
}

// IngestMessage is the payload published on TopicTransactionIngested.
type IngestMessage struct {
	TenantID  string                 `json:"tenantId,omitempty"`
	User      string                 `json:"user"`
	Recipient string                 `json:"recipient"`
	Amount    uint64                 `json:"amount"`
	Type      domain.TransactionType `json:"type,omitempty"`
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, svc *engine.Service) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		svc:    svc,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins consuming for the configured tenants.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.TenantIDs) == 0 {
		return w.startGlobalWorker()
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenantWorker(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started", "tenant_count", len(cfg.TenantIDs))
	return nil
}

// startGlobalWorker subscribes once and trusts the message's tenant field.
func (w *Worker) startGlobalWorker() error {
	sub, err := w.bus.Subscribe(w.ctx, "_global", domain.TopicTransactionIngested, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("global worker started")
	return nil
}

func (w *Worker) startTenantWorker(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicTransactionIngested, func(ctx context.Context, msg *domain.Message) error {
		return w.processMessage(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicTransactionIngested,
	)
	return nil
}

func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	return w.processMessage(ctx, msg.TenantID, msg)
}

// processMessage runs one ingested transaction through the pipeline.
// Rejections (blocked profile, missing profile, inactive module) are
// expected outcomes and logged rather than returned as handler errors;
// only infrastructure failures propagate for the bus to retry.
func (w *Worker) processMessage(ctx context.Context, tenantID string, msg *domain.Message) error {
	start := time.Now()

	var ingest IngestMessage
	if err := json.Unmarshal(msg.Payload, &ingest); err != nil {
		slog.Error("failed to parse ingest message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if ingest.TenantID != "" {
		tenantID = ingest.TenantID
	}

	req := &domain.MonitorRequest{
		User:      ingest.User,
		Recipient: ingest.Recipient,
		Amount:    ingest.Amount,
		Type:      ingest.Type,
	}

	result, err := w.svc.Monitor(ctx, tenantID, req)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrProfileNotFound),
			errors.Is(err, domain.ErrModuleInactive):
			slog.Warn("ingested transaction rejected",
				"tenant_id", tenantID,
				"user", ingest.User,
				"error", err,
			)
			return nil
		default:
			slog.Error("failed to monitor ingested transaction",
				"tenant_id", tenantID,
				"user", ingest.User,
				"error", err,
			)
			return err
		}
	}

	slog.Info("ingested transaction processed",
		"tenant_id", tenantID,
		"user", ingest.User,
		"verdict", result.Verdict,
		"risk_score", result.RiskScore,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
