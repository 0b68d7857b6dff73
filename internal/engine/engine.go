// Package engine implements the transaction monitoring pipeline: window
// bookkeeping, oracle conversion, rule evaluation, score accumulation and
// verdict assignment, plus the authority-gated admin actions.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/registry"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// lockStripes is the number of mutex stripes serializing per-user writes.
const lockStripes = 64

// Service is the scoring engine. Writers for the same user are serialized
// through a striped lock; the rule evaluation itself is pure.
type Service struct {
	repo     domain.Repository
	bus      domain.EventBus
	oracle   domain.PriceOracle
	registry *registry.Service
	custom   *rules.Engine
	logger   *slog.Logger

	locks [lockStripes]sync.Mutex
	now   func() time.Time
}

// NewService wires the scoring engine. The custom rule engine may be nil
// when a tenant defines no CEL rules.
func NewService(repo domain.Repository, bus domain.EventBus, oracle domain.PriceOracle, reg *registry.Service, custom *rules.Engine, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		bus:      bus,
		oracle:   oracle,
		registry: reg,
		custom:   custom,
		logger:   logger,
		now:      time.Now,
	}
}

// MonitoredEvent is published on every completed evaluation.
type MonitoredEvent struct {
	User      string         `json:"user"`
	Recipient string         `json:"recipient"`
	Amount    uint64         `json:"amount"`
	AmountUSD uint64         `json:"amountUsd"`
	Verdict   domain.Verdict `json:"verdict"`
	RiskScore uint32         `json:"riskScore"`
	RecordID  string         `json:"recordId,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// FlaggedEvent is published when an evaluation raised at least one flag.
type FlaggedEvent struct {
	User      string             `json:"user"`
	RecordID  string             `json:"recordId"`
	RiskScore uint32             `json:"riskScore"`
	Flags     []domain.FraudFlag `json:"flags"`
	Timestamp time.Time          `json:"timestamp"`
}

// AuditFlagsEvent carries the full flag set of an evaluation to the audit
// topic. The in-profile history is bounded; this stream is not.
type AuditFlagsEvent struct {
	User      string             `json:"user"`
	RecordID  string             `json:"recordId"`
	Flags     []domain.FraudFlag `json:"flags"`
	Timestamp time.Time          `json:"timestamp"`
}

// Monitor evaluates a candidate transaction for a tenant and returns the
// verdict. The profile and tenant counters are updated atomically with
// respect to other calls for the same user.
//
// A blocked profile short-circuits before rule evaluation: the verdict is
// Blocked, no transaction record is written, and the result carries a nil
// Record. Window bookkeeping still applies so daily counters stay honest
// while a user is blocked.
func (s *Service) Monitor(ctx context.Context, tenantID string, req *domain.MonitorRequest) (*domain.MonitorResult, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}
	if req == nil {
		return nil, fmt.Errorf("request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	mu := s.userLock(tenantID, req.User)
	mu.Lock()
	defer mu.Unlock()

	cfg, err := s.repo.GetComplianceConfig(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load compliance config: %w", err)
	}
	if !cfg.IsActive {
		return nil, domain.ErrModuleInactive
	}

	profile, err := s.repo.GetProfile(ctx, tenantID, req.User)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: user %s", domain.ErrProfileNotFound, req.User)
		}
		return nil, fmt.Errorf("load profile: %w", err)
	}

	now := s.now().UTC()
	resetApplied := profile.ResetDailyWindowIfDue(now)

	// Blocked profiles are refused outright. No rules run and no record is
	// written, but the attempt is counted and the window reset persists.
	if profile.IsBlocked {
		profile.UpdatedAt = now
		if err := s.repo.SaveProfile(ctx, tenantID, profile); err != nil {
			return nil, fmt.Errorf("save profile: %w", err)
		}
		cfg.TotalBlocked++
		cfg.UpdatedAt = now
		if err := s.repo.SaveComplianceConfig(ctx, tenantID, cfg); err != nil {
			return nil, fmt.Errorf("save compliance config: %w", err)
		}

		result := &domain.MonitorResult{
			Verdict:   domain.VerdictBlocked,
			RiskScore: profile.RiskScore,
		}
		s.publishMonitored(ctx, tenantID, req, result, "", now)
		return result, nil
	}

	price, err := s.oracle.PriceUSD(ctx)
	if err != nil {
		// The window reset is idempotent bookkeeping; keep it even though
		// the evaluation aborts.
		if resetApplied {
			profile.UpdatedAt = now
			if saveErr := s.repo.SaveProfile(ctx, tenantID, profile); saveErr != nil {
				s.logger.Warn("failed to persist window reset after oracle failure",
					"tenant_id", tenantID, "user", req.User, "error", saveErr)
			}
		}
		return nil, fmt.Errorf("usd conversion: %w", err)
	}
	usdAmount := domain.UsdValue(req.Amount, price)

	status, err := s.registry.Status(ctx, tenantID, req.Recipient)
	if err != nil {
		return nil, fmt.Errorf("recipient screening: %w", err)
	}

	candidate := &rules.Candidate{
		User:              req.User,
		Recipient:         req.Recipient,
		Amount:            req.Amount,
		AmountUSD:         usdAmount,
		Type:              req.Type,
		RecipientHighRisk: status.HighRisk,
	}

	flags, shouldBlock := rules.EvaluateBuiltin(profile, cfg, candidate, now)
	if s.custom != nil {
		flags = append(flags, s.custom.Evaluate(ctx, profile, candidate, now)...)
	}

	profile.ApplyScoreDelta(domain.ScoreDelta(flags))
	profile.RecordTransaction(usdAmount, now)

	if len(flags) > 0 {
		profile.IsFlagged = true
		for _, f := range flags {
			profile.AddFlag(f)
		}
		cfg.TotalFlagged++
	}

	if shouldBlock || profile.RiskScore > domain.BlockScoreThreshold {
		profile.IsBlocked = true
		cfg.TotalBlocked++
	}

	verdict := domain.VerdictApproved
	switch {
	case profile.IsBlocked:
		verdict = domain.VerdictBlocked
	case len(flags) > 0:
		verdict = domain.VerdictFlagged
	}

	record := &domain.TransactionRecord{
		ID:          uuid.New().String(),
		TenantID:    tenantID,
		User:        req.User,
		Recipient:   req.Recipient,
		Amount:      req.Amount,
		AmountUSD:   usdAmount,
		Type:        req.Type,
		Verdict:     verdict,
		Flags:       flags,
		ProcessedAt: now,
	}

	if err := s.repo.SaveRecord(ctx, tenantID, record); err != nil {
		return nil, fmt.Errorf("save record: %w", err)
	}
	profile.UpdatedAt = now
	if err := s.repo.SaveProfile(ctx, tenantID, profile); err != nil {
		return nil, fmt.Errorf("save profile: %w", err)
	}
	cfg.UpdatedAt = now
	if err := s.repo.SaveComplianceConfig(ctx, tenantID, cfg); err != nil {
		return nil, fmt.Errorf("save compliance config: %w", err)
	}

	result := &domain.MonitorResult{
		Verdict:   verdict,
		RiskScore: profile.RiskScore,
		AmountUSD: usdAmount,
		Flags:     flags,
		Record:    record,
	}

	s.publishMonitored(ctx, tenantID, req, result, record.ID, now)
	if len(flags) > 0 {
		s.publish(ctx, tenantID, domain.TopicTransactionFlagged, &FlaggedEvent{
			User:      req.User,
			RecordID:  record.ID,
			RiskScore: profile.RiskScore,
			Flags:     flags,
			Timestamp: now,
		})
		s.publish(ctx, tenantID, domain.TopicAuditFlags, &AuditFlagsEvent{
			User:      req.User,
			RecordID:  record.ID,
			Flags:     flags,
			Timestamp: now,
		})
	}

	return result, nil
}

func (s *Service) publishMonitored(ctx context.Context, tenantID string, req *domain.MonitorRequest, res *domain.MonitorResult, recordID string, now time.Time) {
	s.publish(ctx, tenantID, domain.TopicTransactionMonitored, &MonitoredEvent{
		User:      req.User,
		Recipient: req.Recipient,
		Amount:    req.Amount,
		AmountUSD: res.AmountUSD,
		Verdict:   res.Verdict,
		RiskScore: res.RiskScore,
		RecordID:  recordID,
		Timestamp: now,
	})
}

// publish sends an event best-effort. Monitoring outcomes are already
// persisted by the time events go out, so a bus failure is logged and
// swallowed.
func (s *Service) publish(ctx context.Context, tenantID string, topic string, event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn("failed to marshal event", "topic", topic, "error", err)
		return
	}
	if err := s.bus.Publish(ctx, tenantID, topic, payload); err != nil {
		s.logger.Warn("failed to publish event", "topic", topic, "error", err)
	}
}

func (s *Service) userLock(tenantID, user string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(tenantID))
	h.Write([]byte{0})
	h.Write([]byte(user))
	return &s.locks[h.Sum32()%lockStripes]
}
