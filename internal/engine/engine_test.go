package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/oracle"
	"github.com/opensource-finance/kestrel/internal/registry"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
)

const (
	testTenant    = "tenant-001"
	testAuthority = "authority-001"

	// Fixed oracle price of $1 per coin, so usd == amount / BaseUnitsPerCoin.
	testPriceUSD = 1
)

func coins(usd uint64) uint64 {
	return usd * domain.BaseUnitsPerCoin
}

type testEnv struct {
	svc  *Service
	repo domain.Repository
	bus  *bus.ChannelBus
}

func newTestEnv(t *testing.T, priceUSD uint64) *testEnv {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-engine-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	c := cache.NewLRUCache(1000)
	reg := registry.NewService(repo, c)

	custom, err := rules.NewEngine(4)
	if err != nil {
		t.Fatalf("failed to create rule engine: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(repo, eventBus, oracle.NewFixed(priceUSD), reg, custom, logger)

	return &testEnv{svc: svc, repo: repo, bus: eventBus}
}

func (e *testEnv) seedConfig(t *testing.T) {
	t.Helper()
	now := time.Now().UTC()
	cfg := &domain.ComplianceConfig{
		TenantID:              testTenant,
		Authority:             testAuthority,
		HighValueThresholdUSD: 10_000,
		VelocityThreshold:     10,
		MaxDailyVolumeUSD:     50_000,
		IsActive:              true,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := e.repo.SaveComplianceConfig(context.Background(), testTenant, cfg); err != nil {
		t.Fatalf("failed to seed config: %v", err)
	}
}

func (e *testEnv) seedProfile(t *testing.T, user string, kyc domain.KYCLevel, mutate func(*domain.UserRiskProfile)) {
	t.Helper()
	now := time.Now().UTC()
	profile := &domain.UserRiskProfile{
		TenantID:          testTenant,
		User:              user,
		KYCLevel:          kyc,
		LastTransactionAt: now.Add(-time.Hour),
		LastDailyResetAt:  now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if mutate != nil {
		mutate(profile)
	}
	if err := e.repo.SaveProfile(context.Background(), testTenant, profile); err != nil {
		t.Fatalf("failed to seed profile: %v", err)
	}
}

func hasFlag(flags []domain.FraudFlag, flagType string) bool {
	for _, f := range flags {
		if f.Type == flagType {
			return true
		}
	}
	return false
}

func TestMonitorApproved(t *testing.T) {
	env := newTestEnv(t, testPriceUSD)
	env.seedConfig(t)
	env.seedProfile(t, "user-001", domain.KYCEnhanced, nil)
	ctx := context.Background()

	result, err := env.svc.Monitor(ctx, testTenant, &domain.MonitorRequest{
		User:      "user-001",
		Recipient: "addr-dest",
		Amount:    coins(500),
	})
	if err != nil {
		t.Fatalf("Monitor failed: %v", err)
	}

	if result.Verdict != domain.VerdictApproved {
		t.Errorf("expected approved, got %s", result.Verdict)
	}
	if result.RiskScore != 0 {
		t.Errorf("expected risk score 0, got %d", result.RiskScore)
	}
	if result.AmountUSD != 500 {
		t.Errorf("expected $500, got $%d", result.AmountUSD)
	}
	if result.Record == nil {
		t.Fatal("expected a transaction record")
	}

	// Record persisted
	rec, err := env.repo.GetRecord(ctx, testTenant, result.Record.ID)
	if err != nil {
		t.Fatalf("record not persisted: %v", err)
	}
	if rec.Verdict != domain.VerdictApproved {
		t.Errorf("expected persisted verdict approved, got %s", rec.Verdict)
	}

	// Profile bookkeeping
	profile, err := env.repo.GetProfile(ctx, testTenant, "user-001")
	if err != nil {
		t.Fatalf("GetProfile failed: %v", err)
	}
	if profile.DailyTransactionCount != 1 || profile.TotalTransactionCount != 1 {
		t.Errorf("counters not updated: daily=%d total=%d", profile.DailyTransactionCount, profile.TotalTransactionCount)
	}
	if profile.DailyVolumeUSD != 500 {
		t.Errorf("expected daily volume 500, got %d", profile.DailyVolumeUSD)
	}
	if profile.IsFlagged || profile.IsBlocked {
		t.Error("clean transaction must not flag or block")
	}
}

func TestMonitorKYCLimitBlocks(t *testing.T) {
	env := newTestEnv(t, testPriceUSD)
	env.seedConfig(t)
	env.seedProfile(t, "user-001", domain.KYCNone, nil)
	ctx := context.Background()

	result, err := env.svc.Monitor(ctx, testTenant, &domain.MonitorRequest{
		User:      "user-001",
		Recipient: "addr-dest",
		Amount:    coins(1500),
	})
	if err != nil {
		t.Fatalf("Monitor failed: %v", err)
	}

	if result.Verdict != domain.VerdictBlocked {
		t.Errorf("expected blocked, got %s", result.Verdict)
	}
	if !hasFlag(result.Flags, domain.FlagKYCLimit) {
		t.Error("expected kyc limit flag")
	}
	if result.RiskScore != 15 {
		t.Errorf("expected risk score 15, got %d", result.RiskScore)
	}
	if result.Record == nil {
		t.Fatal("blocking evaluation still writes a record")
	}

	profile, _ := env.repo.GetProfile(ctx, testTenant, "user-001")
	if !profile.IsBlocked {
		t.Error("expected profile blocked")
	}

	cfg, _ := env.repo.GetComplianceConfig(ctx, testTenant)
	if cfg.TotalFlagged != 1 || cfg.TotalBlocked != 1 {
		t.Errorf("tenant counters: flagged=%d blocked=%d", cfg.TotalFlagged, cfg.TotalBlocked)
	}
}

func TestMonitorVelocityFlag(t *testing.T) {
	env := newTestEnv(t, testPriceUSD)
	env.seedConfig(t)
	env.seedProfile(t, "user-001", domain.KYCEnhanced, func(p *domain.UserRiskProfile) {
		p.DailyTransactionCount = 10
		p.TotalTransactionCount = 10
	})
	ctx := context.Background()

	result, err := env.svc.Monitor(ctx, testTenant, &domain.MonitorRequest{
		User:      "user-001",
		Recipient: "addr-dest",
		Amount:    coins(100),
	})
	if err != nil {
		t.Fatalf("Monitor failed: %v", err)
	}

	if result.Verdict != domain.VerdictFlagged {
		t.Errorf("expected flagged, got %s", result.Verdict)
	}
	if !hasFlag(result.Flags, domain.FlagVelocity) {
		t.Error("expected velocity flag")
	}
	if result.RiskScore != 5 {
		t.Errorf("expected risk score 5, got %d", result.RiskScore)
	}

	profile, _ := env.repo.GetProfile(ctx, testTenant, "user-001")
	if !profile.IsFlagged {
		t.Error("expected profile flagged")
	}
	if profile.IsBlocked {
		t.Error("velocity alone must not block")
	}
}

func TestMonitorHighRiskRecipient(t *testing.T) {
	env := newTestEnv(t, testPriceUSD)
	env.seedConfig(t)
	env.seedProfile(t, "user-001", domain.KYCEnhanced, nil)
	ctx := context.Background()

	entry := &domain.RiskRegistryEntry{
		TenantID: testTenant,
		Address:  "addr-sanctioned",
		Category: domain.CategorySanctions,
		Level:    domain.SeverityCritical,
		Active:   true,
		AddedAt:  time.Now().UTC(),
	}
	if err := env.repo.UpsertRegistryEntry(ctx, testTenant, entry); err != nil {
		t.Fatalf("failed to seed registry: %v", err)
	}

	result, err := env.svc.Monitor(ctx, testTenant, &domain.MonitorRequest{
		User:      "user-001",
		Recipient: "addr-sanctioned",
		Amount:    coins(100),
	})
	if err != nil {
		t.Fatalf("Monitor failed: %v", err)
	}

	if result.Verdict != domain.VerdictBlocked {
		t.Errorf("expected blocked, got %s", result.Verdict)
	}
	if !hasFlag(result.Flags, domain.FlagHighRiskRecipient) {
		t.Error("expected high risk recipient flag")
	}
	if result.RiskScore != 50 {
		t.Errorf("expected risk score 50, got %d", result.RiskScore)
	}
}

func TestMonitorWhitelistedRecipient(t *testing.T) {
	env := newTestEnv(t, testPriceUSD)
	env.seedConfig(t)
	env.seedProfile(t, "user-001", domain.KYCEnhanced, nil)
	ctx := context.Background()

	if err := env.repo.UpsertRegistryEntry(ctx, testTenant, &domain.RiskRegistryEntry{
		TenantID: testTenant, Address: "addr-dual", Category: domain.CategoryFraud,
		Level: domain.SeverityCritical, Active: true, AddedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("failed to seed registry: %v", err)
	}
	if err := env.repo.UpsertWhitelistEntry(ctx, testTenant, &domain.WhitelistEntry{
		TenantID: testTenant, Address: "addr-dual", Active: true, AddedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("failed to seed whitelist: %v", err)
	}

	result, err := env.svc.Monitor(ctx, testTenant, &domain.MonitorRequest{
		User:      "user-001",
		Recipient: "addr-dual",
		Amount:    coins(100),
	})
	if err != nil {
		t.Fatalf("Monitor failed: %v", err)
	}

	if result.Verdict != domain.VerdictApproved {
		t.Errorf("whitelist must override registry, got %s", result.Verdict)
	}
}

func TestMonitorBlockedShortCircuit(t *testing.T) {
	env := newTestEnv(t, testPriceUSD)
	env.seedConfig(t)
	env.seedProfile(t, "user-001", domain.KYCEnhanced, func(p *domain.UserRiskProfile) {
		p.IsBlocked = true
		p.RiskScore = 120
		p.DailyTransactionCount = 3
	})
	ctx := context.Background()

	result, err := env.svc.Monitor(ctx, testTenant, &domain.MonitorRequest{
		User:      "user-001",
		Recipient: "addr-dest",
		Amount:    coins(100),
	})
	if err != nil {
		t.Fatalf("Monitor failed: %v", err)
	}

	if result.Verdict != domain.VerdictBlocked {
		t.Errorf("expected blocked, got %s", result.Verdict)
	}
	if result.Record != nil {
		t.Error("blocked short-circuit must not write a record")
	}
	if result.RiskScore != 120 {
		t.Errorf("risk score must not change, got %d", result.RiskScore)
	}

	// No record persisted, attempt counted
	records, err := env.repo.ListRecordsByUser(ctx, testTenant, "user-001", time.Time{})
	if err != nil {
		t.Fatalf("ListRecordsByUser failed: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("expected no records, got %d", len(records))
	}

	cfg, _ := env.repo.GetComplianceConfig(ctx, testTenant)
	if cfg.TotalBlocked != 1 {
		t.Errorf("expected TotalBlocked 1, got %d", cfg.TotalBlocked)
	}

	// Daily counters untouched by the refused attempt
	profile, _ := env.repo.GetProfile(ctx, testTenant, "user-001")
	if profile.DailyTransactionCount != 3 {
		t.Errorf("blocked attempt must not count as a transaction, got daily=%d", profile.DailyTransactionCount)
	}
}

func TestMonitorBlockedAppliesWindowReset(t *testing.T) {
	env := newTestEnv(t, testPriceUSD)
	env.seedConfig(t)
	env.seedProfile(t, "user-001", domain.KYCEnhanced, func(p *domain.UserRiskProfile) {
		p.IsBlocked = true
		p.DailyTransactionCount = 8
		p.DailyVolumeUSD = 4000
		p.LastDailyResetAt = time.Now().UTC().Add(-48 * time.Hour)
	})
	ctx := context.Background()

	if _, err := env.svc.Monitor(ctx, testTenant, &domain.MonitorRequest{
		User:      "user-001",
		Recipient: "addr-dest",
		Amount:    coins(100),
	}); err != nil {
		t.Fatalf("Monitor failed: %v", err)
	}

	profile, _ := env.repo.GetProfile(ctx, testTenant, "user-001")
	if profile.DailyTransactionCount != 0 || profile.DailyVolumeUSD != 0 {
		t.Errorf("stale window must reset even under a block: count=%d volume=%d",
			profile.DailyTransactionCount, profile.DailyVolumeUSD)
	}
}

func TestMonitorOracleFailure(t *testing.T) {
	env := newTestEnv(t, 0) // zero price: oracle unavailable
	env.seedConfig(t)
	env.seedProfile(t, "user-001", domain.KYCEnhanced, func(p *domain.UserRiskProfile) {
		p.DailyTransactionCount = 5
		p.DailyVolumeUSD = 2500
		p.LastDailyResetAt = time.Now().UTC().Add(-48 * time.Hour)
	})
	ctx := context.Background()

	_, err := env.svc.Monitor(ctx, testTenant, &domain.MonitorRequest{
		User:      "user-001",
		Recipient: "addr-dest",
		Amount:    coins(100),
	})
	if !errors.Is(err, domain.ErrOracleUnavailable) {
		t.Fatalf("expected ErrOracleUnavailable, got %v", err)
	}

	// Only the idempotent window reset is persisted
	profile, _ := env.repo.GetProfile(ctx, testTenant, "user-001")
	if profile.DailyTransactionCount != 0 || profile.DailyVolumeUSD != 0 {
		t.Errorf("window reset should persist: count=%d volume=%d",
			profile.DailyTransactionCount, profile.DailyVolumeUSD)
	}
	if profile.TotalTransactionCount != 0 {
		t.Error("aborted evaluation must not count a transaction")
	}

	records, _ := env.repo.ListRecordsByUser(ctx, testTenant, "user-001", time.Time{})
	if len(records) != 0 {
		t.Errorf("expected no records, got %d", len(records))
	}
}

func TestMonitorAutoBlock(t *testing.T) {
	env := newTestEnv(t, testPriceUSD)
	env.seedConfig(t)
	env.seedProfile(t, "user-001", domain.KYCEnhanced, func(p *domain.UserRiskProfile) {
		p.RiskScore = 95
	})
	ctx := context.Background()

	// High value flag (+15) pushes 95 over the threshold of 100.
	result, err := env.svc.Monitor(ctx, testTenant, &domain.MonitorRequest{
		User:      "user-001",
		Recipient: "addr-dest",
		Amount:    coins(15_000),
	})
	if err != nil {
		t.Fatalf("Monitor failed: %v", err)
	}

	if result.Verdict != domain.VerdictBlocked {
		t.Errorf("expected blocked, got %s", result.Verdict)
	}
	if result.RiskScore != 110 {
		t.Errorf("expected risk score 110, got %d", result.RiskScore)
	}
	if result.Record == nil {
		t.Error("auto-block still writes a record")
	}

	profile, _ := env.repo.GetProfile(ctx, testTenant, "user-001")
	if !profile.IsBlocked {
		t.Error("expected profile blocked")
	}
}

func TestMonitorModuleInactive(t *testing.T) {
	env := newTestEnv(t, testPriceUSD)
	ctx := context.Background()

	now := time.Now().UTC()
	cfg := &domain.ComplianceConfig{
		TenantID:              testTenant,
		Authority:             testAuthority,
		HighValueThresholdUSD: 10_000,
		VelocityThreshold:     10,
		MaxDailyVolumeUSD:     50_000,
		IsActive:              false,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := env.repo.SaveComplianceConfig(ctx, testTenant, cfg); err != nil {
		t.Fatalf("failed to seed config: %v", err)
	}
	env.seedProfile(t, "user-001", domain.KYCEnhanced, nil)

	_, err := env.svc.Monitor(ctx, testTenant, &domain.MonitorRequest{
		User:      "user-001",
		Recipient: "addr-dest",
		Amount:    coins(100),
	})
	if !errors.Is(err, domain.ErrModuleInactive) {
		t.Errorf("expected ErrModuleInactive, got %v", err)
	}
}

func TestMonitorProfileNotFound(t *testing.T) {
	env := newTestEnv(t, testPriceUSD)
	env.seedConfig(t)
	ctx := context.Background()

	_, err := env.svc.Monitor(ctx, testTenant, &domain.MonitorRequest{
		User:      "user-unknown",
		Recipient: "addr-dest",
		Amount:    coins(100),
	})
	if !errors.Is(err, domain.ErrProfileNotFound) {
		t.Errorf("expected ErrProfileNotFound, got %v", err)
	}
}

func TestMonitorCustomRuleAdvisory(t *testing.T) {
	env := newTestEnv(t, testPriceUSD)
	env.seedConfig(t)
	env.seedProfile(t, "user-001", domain.KYCEnhanced, nil)
	ctx := context.Background()

	rule := &domain.CustomRule{
		ID:         "round-number",
		TenantID:   testTenant,
		Name:       "round number amounts",
		Expression: `usd_amount % 1000 == 0 && usd_amount > 0`,
		Severity:   domain.SeverityLow,
		Enabled:    true,
	}
	if err := env.svc.custom.LoadRule(rule); err != nil {
		t.Fatalf("failed to load rule: %v", err)
	}

	result, err := env.svc.Monitor(ctx, testTenant, &domain.MonitorRequest{
		User:      "user-001",
		Recipient: "addr-dest",
		Amount:    coins(2000),
	})
	if err != nil {
		t.Fatalf("Monitor failed: %v", err)
	}

	if result.Verdict != domain.VerdictFlagged {
		t.Errorf("expected flagged, got %s", result.Verdict)
	}
	if !hasFlag(result.Flags, domain.FlagCustomRule) {
		t.Error("expected custom rule flag")
	}
	if result.RiskScore != 1 {
		t.Errorf("expected risk score 1, got %d", result.RiskScore)
	}

	profile, _ := env.repo.GetProfile(ctx, testTenant, "user-001")
	if profile.IsBlocked {
		t.Error("custom rules are advisory and must not block")
	}
}

func TestMonitorMultipleFlags(t *testing.T) {
	env := newTestEnv(t, testPriceUSD)
	env.seedConfig(t)
	env.seedProfile(t, "user-001", domain.KYCBasic, func(p *domain.UserRiskProfile) {
		p.DailyTransactionCount = 12
		p.TotalTransactionCount = 12
		p.DailyVolumeUSD = 45_000
		p.LastTransactionAt = time.Now().UTC().Add(-2 * time.Second)
	})
	ctx := context.Background()

	// High value (15) + velocity (5) + excessive volume (15) + rapid
	// succession (5) + basic KYC advisory (5) = 45.
	result, err := env.svc.Monitor(ctx, testTenant, &domain.MonitorRequest{
		User:      "user-001",
		Recipient: "addr-dest",
		Amount:    coins(11_000),
	})
	if err != nil {
		t.Fatalf("Monitor failed: %v", err)
	}

	if len(result.Flags) != 5 {
		t.Errorf("expected 5 flags, got %d: %+v", len(result.Flags), result.Flags)
	}
	if result.RiskScore != 45 {
		t.Errorf("expected risk score 45, got %d", result.RiskScore)
	}
	// Excessive volume is a blocking rule.
	if result.Verdict != domain.VerdictBlocked {
		t.Errorf("expected blocked, got %s", result.Verdict)
	}
}

func TestMonitorPublishesFlaggedEvent(t *testing.T) {
	env := newTestEnv(t, testPriceUSD)
	env.seedConfig(t)
	env.seedProfile(t, "user-001", domain.KYCNone, nil)
	ctx := context.Background()

	received := make(chan *domain.Message, 1)
	_, err := env.bus.Subscribe(ctx, testTenant, domain.TopicTransactionFlagged, func(ctx context.Context, msg *domain.Message) error {
		select {
		case received <- msg:
		default:
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	if _, err := env.svc.Monitor(ctx, testTenant, &domain.MonitorRequest{
		User:      "user-001",
		Recipient: "addr-dest",
		Amount:    coins(1500),
	}); err != nil {
		t.Fatalf("Monitor failed: %v", err)
	}

	select {
	case msg := <-received:
		if msg.Topic != domain.TopicTransactionFlagged {
			t.Errorf("unexpected topic: %s", msg.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for flagged event")
	}
}

func TestMonitorValidation(t *testing.T) {
	env := newTestEnv(t, testPriceUSD)
	ctx := context.Background()

	if _, err := env.svc.Monitor(ctx, "", &domain.MonitorRequest{User: "u", Recipient: "r", Amount: 1}); err == nil {
		t.Error("expected error for empty tenantID")
	}
	if _, err := env.svc.Monitor(ctx, testTenant, &domain.MonitorRequest{Recipient: "r", Amount: 1}); err == nil {
		t.Error("expected error for missing user")
	}
	if _, err := env.svc.Monitor(ctx, testTenant, &domain.MonitorRequest{User: "u", Recipient: "r"}); err == nil {
		t.Error("expected error for zero amount")
	}
}
