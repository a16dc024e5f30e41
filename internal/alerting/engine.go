// Package alerting evaluates CEL alert rules over scored transactions.
package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// DefaultRuleID is the rule that alerts on every fraud decision.
const DefaultRuleID = "fraud-decision"

// DefaultRules returns the rules loaded when the store holds none.
func DefaultRules() []*domain.AlertRule {
	return []*domain.AlertRule{{
		ID:          DefaultRuleID,
		Name:        "Fraud decision",
		Description: "Raised whenever the scorer classifies a transaction as fraudulent",
		Expression:  "is_fraud",
		Severity:    domain.SeverityHigh,
		Enabled:     true,
	}}
}

// Engine is the CEL-based alert rule engine.
type Engine struct {
	mu         sync.RWMutex
	env        *cel.Env
	compiled   map[string]*compiledRule
	maxWorkers int
}

type compiledRule struct {
	rule    *domain.AlertRule
	program cel.Program
}

// NewEngine creates an engine with no rules loaded.
func NewEngine(maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 4
	}

	env, err := cel.NewEnv(
		cel.Variable("risk_score", cel.DoubleType),
		cel.Variable("confidence", cel.DoubleType),
		cel.Variable("is_fraud", cel.BoolType),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("hour", cel.IntType),
		cel.Variable("day_of_week", cel.IntType),
		cel.Variable("merchant_risk", cel.DoubleType),
		cel.Variable("location_risk", cel.DoubleType),
		cel.Variable("user_behavior_deviation", cel.DoubleType),
		cel.Variable("transaction_frequency", cel.DoubleType),
		cel.Variable("velocity", cel.DoubleType),
		cel.Variable("merchant", cel.StringType),
		cel.Variable("location", cel.StringType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("user_id", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:        env,
		compiled:   make(map[string]*compiledRule),
		maxWorkers: maxWorkers,
	}, nil
}

// ValidateRule compiles a rule without loading it.
func (e *Engine) ValidateRule(rule *domain.AlertRule) error {
	_, err := e.compile(rule)
	return err
}

// LoadRule compiles and loads a rule, replacing any rule with the same ID.
// A disabled rule is unloaded.
func (e *Engine) LoadRule(rule *domain.AlertRule) error {
	compiled, err := e.compile(rule)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !rule.Enabled {
		delete(e.compiled, rule.ID)
		return nil
	}
	e.compiled[rule.ID] = compiled
	return nil
}

// ReloadRules atomically replaces the loaded set with the enabled rules.
func (e *Engine) ReloadRules(rules []*domain.AlertRule) error {
	next := make(map[string]*compiledRule, len(rules))
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		compiled, err := e.compile(rule)
		if err != nil {
			return err
		}
		next[rule.ID] = compiled
	}

	e.mu.Lock()
	e.compiled = next
	e.mu.Unlock()
	return nil
}

// Rules returns the loaded rules ordered by ID.
func (e *Engine) Rules() []*domain.AlertRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*domain.AlertRule, 0, len(e.compiled))
	for _, c := range e.compiled {
		out = append(out, c.rule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiled)
}

// Evaluate runs every loaded rule against a scored transaction and returns
// the rules that matched, ordered by ID. A rule that fails at runtime is
// logged and treated as not matching.
func (e *Engine) Evaluate(ctx context.Context, tx *domain.Transaction, a *domain.Assessment) ([]*domain.AlertRule, error) {
	e.mu.RLock()
	rules := make([]*compiledRule, 0, len(e.compiled))
	for _, c := range e.compiled {
		rules = append(rules, c)
	}
	e.mu.RUnlock()

	if len(rules) == 0 {
		return nil, nil
	}

	activation := Activation(tx, a)
	matched := make([]bool, len(rules))
	var wg sync.WaitGroup
	sem := make(chan struct{}, e.maxWorkers)

	for i, rule := range rules {
		wg.Add(1)
		go func(idx int, r *compiledRule) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			out, _, err := r.program.Eval(activation)
			if err != nil {
				slog.Warn("alert rule evaluation failed",
					"rule_id", r.rule.ID,
					"tx_id", tx.ID,
					"error", err,
				)
				return
			}
			b, ok := out.(types.Bool)
			matched[idx] = ok && bool(b)
		}(i, rule)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var hits []*domain.AlertRule
	for i, ok := range matched {
		if ok {
			hits = append(hits, rules[i].rule)
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].ID < hits[j].ID })
	return hits, nil
}

// Activation builds the CEL variables for one scored transaction.
func Activation(tx *domain.Transaction, a *domain.Assessment) map[string]any {
	f := a.Features
	return map[string]any{
		"risk_score":              a.Prediction.RiskScore,
		"confidence":              a.Prediction.Confidence,
		"is_fraud":                a.Prediction.IsFraud,
		"amount":                  f.Amount,
		"hour":                    int64(f.Hour),
		"day_of_week":             int64(f.DayOfWeek),
		"merchant_risk":           f.MerchantRisk,
		"location_risk":           f.LocationRisk,
		"user_behavior_deviation": f.UserBehaviorDeviation,
		"transaction_frequency":   f.TransactionFrequency,
		"velocity":                f.Velocity,
		"merchant":                tx.Merchant,
		"location":                tx.Location,
		"currency":                tx.Currency,
		"user_id":                 tx.UserID,
	}
}

func (e *Engine) compile(rule *domain.AlertRule) (*compiledRule, error) {
	if rule == nil {
		return nil, fmt.Errorf("%w: alert rule is required", domain.ErrInvalidInput)
	}
	if strings.TrimSpace(rule.ID) == "" {
		return nil, &domain.FieldError{Field: "id", Reason: "is required"}
	}
	if strings.TrimSpace(rule.Expression) == "" {
		return nil, &domain.FieldError{Field: "expression", Reason: "is required"}
	}
	if !rule.Severity.Valid() {
		return nil, &domain.FieldError{Field: "severity", Reason: fmt.Sprintf("unknown severity %q", rule.Severity)}
	}

	ast, issues := e.env.Compile(rule.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: rule %s: %v", domain.ErrInvalidInput, rule.ID, issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("%w: rule %s: expression must return bool, got %s", domain.ErrInvalidInput, rule.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", rule.ID, err)
	}
	return &compiledRule{rule: rule, program: program}, nil
}
