package rules

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Engine compiles and evaluates admin-defined CEL rules. Custom rules run
// after the builtin set and raise advisory flags only: they contribute to
// the risk score but can never force a block.
type Engine struct {
	mu            sync.RWMutex
	env           *cel.Env
	compiledRules map[string]*CompiledRule
	maxWorkers    int
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  *domain.CustomRule
	Program cel.Program
}

// NewEngine creates a new custom rule engine.
func NewEngine(maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	// CEL environment exposing the candidate and profile snapshot.
	env, err := cel.NewEnv(
		cel.Variable("usd_amount", cel.IntType),
		cel.Variable("amount", cel.IntType),
		cel.Variable("user", cel.StringType),
		cel.Variable("recipient", cel.StringType),
		cel.Variable("recipient_high_risk", cel.BoolType),
		cel.Variable("tx_type", cel.StringType),
		cel.Variable("daily_count", cel.IntType),
		cel.Variable("daily_volume_usd", cel.IntType),
		cel.Variable("total_count", cel.IntType),
		cel.Variable("total_volume_usd", cel.IntType),
		cel.Variable("risk_score", cel.IntType),
		cel.Variable("kyc_level", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:           env,
		compiledRules: make(map[string]*CompiledRule),
		maxWorkers:    maxWorkers,
	}, nil
}

// ValidateRule compiles and validates a rule without mutating loaded engine rules.
func (e *Engine) ValidateRule(cfg *domain.CustomRule) error {
	if cfg == nil {
		return fmt.Errorf("rule config is required")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compileRule(cfg)
	return err
}

// LoadRule compiles and loads a rule into the engine.
func (e *Engine) LoadRule(cfg *domain.CustomRule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compileRule(cfg)
	if err != nil {
		return err
	}

	e.compiledRules[cfg.ID] = compiled

	return nil
}

// LoadRules compiles and loads multiple rules.
func (e *Engine) LoadRules(configs []*domain.CustomRule) error {
	for _, cfg := range configs {
		if cfg.Enabled {
			if err := e.LoadRule(cfg); err != nil {
				return err
			}
		}
	}
	return nil
}

// Evaluate runs all loaded rules against the candidate in parallel and
// returns one advisory flag per rule that evaluated to true. Rules that
// fail to evaluate are skipped; a misconfigured rule must not abort
// monitoring.
func (e *Engine) Evaluate(ctx context.Context, profile *domain.UserRiskProfile, c *Candidate, now time.Time) []domain.FraudFlag {
	e.mu.RLock()
	rules := make([]*CompiledRule, 0, len(e.compiledRules))
	for _, rule := range e.compiledRules {
		rules = append(rules, rule)
	}
	e.mu.RUnlock()

	if len(rules) == 0 {
		return nil
	}

	activation := map[string]any{
		"usd_amount":          int64(c.AmountUSD),
		"amount":              int64(c.Amount),
		"user":                c.User,
		"recipient":           c.Recipient,
		"recipient_high_risk": c.RecipientHighRisk,
		"tx_type":             string(c.Type),
		"daily_count":         int64(profile.DailyTransactionCount),
		"daily_volume_usd":    int64(profile.DailyVolumeUSD),
		"total_count":         int64(profile.TotalTransactionCount),
		"total_volume_usd":    int64(profile.TotalVolumeUSD),
		"risk_score":          int64(profile.RiskScore),
		"kyc_level":           string(profile.KYCLevel),
	}

	// Parallel evaluation using worker pool pattern
	hits := make([]bool, len(rules))
	var wg sync.WaitGroup

	// Limit concurrency with semaphore
	sem := make(chan struct{}, e.maxWorkers)

	for i, rule := range rules {
		wg.Add(1)
		go func(idx int, r *CompiledRule) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			out, _, err := r.Program.Eval(activation)
			if err != nil {
				return
			}
			if b, ok := out.(types.Bool); ok && bool(b) {
				hits[idx] = true
			}
		}(i, rule)
	}

	wg.Wait()

	var flags []domain.FraudFlag
	for i, hit := range hits {
		if !hit {
			continue
		}
		cfg := rules[i].Config
		desc := cfg.Description
		if desc == "" {
			desc = cfg.Name
		}
		flags = append(flags, domain.FraudFlag{
			Type:        domain.FlagCustomRule,
			Severity:    cfg.Severity,
			Description: fmt.Sprintf("%s: %s", cfg.ID, desc),
			DetectedAt:  now,
		})
	}

	return flags
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledRules)
}

// ReloadRules clears all existing rules and loads new ones.
// This enables hot-reloading of rules from the database.
func (e *Engine) ReloadRules(configs []*domain.CustomRule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	newRules := make(map[string]*CompiledRule)

	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}

		compiled, err := e.compileRule(cfg)
		if err != nil {
			return err
		}
		newRules[cfg.ID] = compiled
	}

	e.compiledRules = newRules

	return nil
}

// GetLoadedRules returns the currently loaded rule configurations.
func (e *Engine) GetLoadedRules() []*domain.CustomRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]*domain.CustomRule, 0, len(e.compiledRules))
	for _, compiled := range e.compiledRules {
		rules = append(rules, compiled.Config)
	}
	return rules
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules = make(map[string]*CompiledRule)
	return nil
}

func (e *Engine) compileRule(cfg *domain.CustomRule) (*CompiledRule, error) {
	if !cfg.Severity.Valid() {
		return nil, fmt.Errorf("rule %s: unknown severity %q", cfg.ID, cfg.Severity)
	}

	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", cfg.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	return &CompiledRule{
		Config:  cfg,
		Program: program,
	}, nil
}
