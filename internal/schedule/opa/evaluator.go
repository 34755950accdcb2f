package opa

import (
	"context"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goodtune/kwatch/internal/schedule"
	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"
)

const (
	// Query evaluated for every tick.
	Query = "data.kwatch.schedule.monitored"

	evalTimeout = time.Second
)

//go:embed policies/*.rego
var defaultPolicies embed.FS

// Evaluator decides monitoring applicability with a rego policy. Policies are
// loaded from PolicyDir when it contains .rego files, otherwise the embedded
// default policy is used.
type Evaluator struct {
	policyDir string
	logger    zerolog.Logger

	mu    sync.RWMutex
	query rego.PreparedEvalQuery
}

// NewEvaluator creates an Evaluator and compiles its policy.
func NewEvaluator(policyDir string, logger zerolog.Logger) (*Evaluator, error) {
	e := &Evaluator{
		policyDir: policyDir,
		logger:    logger.With().Str("component", "schedule-opa").Logger(),
	}

	if err := e.Reload(); err != nil {
		return nil, err
	}

	return e, nil
}

// loadPolicies returns the rego modules keyed by file name.
func (e *Evaluator) loadPolicies() (map[string]string, error) {
	modules := make(map[string]string)

	if e.policyDir != "" {
		files, err := filepath.Glob(filepath.Join(e.policyDir, "*.rego"))
		if err != nil {
			return nil, fmt.Errorf("failed to glob policy files: %w", err)
		}
		for _, file := range files {
			content, err := os.ReadFile(file)
			if err != nil {
				return nil, fmt.Errorf("failed to read policy file %s: %w", file, err)
			}
			modules[file] = string(content)
		}
	}

	if len(modules) > 0 {
		e.logger.Info().Int("count", len(modules)).Str("policy_dir", e.policyDir).Msg("Loading schedule policies")
		return modules, nil
	}

	entries, err := defaultPolicies.ReadDir("policies")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded policies: %w", err)
	}
	for _, entry := range entries {
		name := "policies/" + entry.Name()
		content, err := defaultPolicies.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("failed to read embedded policy %s: %w", name, err)
		}
		modules[name] = string(content)
	}

	e.logger.Debug().Msg("Using embedded schedule policy")
	return modules, nil
}

// Reload re-reads and recompiles the policy. On failure the previous policy
// stays in effect.
func (e *Evaluator) Reload() error {
	modules, err := e.loadPolicies()
	if err != nil {
		return err
	}

	opts := []func(*rego.Rego){rego.Query(Query)}
	for name, src := range modules {
		module, err := ast.ParseModule(name, src)
		if err != nil {
			return fmt.Errorf("failed to parse policy file %s: %w", name, err)
		}
		e.logger.Debug().Str("file", name).Str("package", module.Package.Path.String()).Msg("Loaded policy module")
		opts = append(opts, rego.Module(name, src))
	}

	query, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("failed to prepare schedule query: %w", err)
	}

	e.mu.Lock()
	e.query = query
	e.mu.Unlock()

	return nil
}

// IsMonitored evaluates the policy for ts. Any evaluation failure is treated
// as not monitored.
func (e *Evaluator) IsMonitored(ts time.Time, set *schedule.Set, groupID string) bool {
	if set == nil {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), evalTimeout)
	defer cancel()

	monitored, err := e.Evaluate(ctx, ts, set, groupID)
	if err != nil {
		e.logger.Error().Err(err).Str("group_id", groupID).Msg("Schedule policy evaluation failed")
		return false
	}
	return monitored
}

// Evaluate runs the policy and returns its decision.
func (e *Evaluator) Evaluate(ctx context.Context, ts time.Time, set *schedule.Set, groupID string) (bool, error) {
	e.mu.RLock()
	query := e.query
	e.mu.RUnlock()

	results, err := query.Eval(ctx, rego.EvalInput(BuildInput(ts, set, groupID)))
	if err != nil {
		return false, fmt.Errorf("schedule query evaluation failed: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, fmt.Errorf("no results from schedule query")
	}

	monitored, ok := results[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("monitored is not a boolean: %T", results[0].Expressions[0].Value)
	}
	return monitored, nil
}

// BuildInput flattens the snapshot into the policy input document. Times are
// seconds since midnight in ts's location.
func BuildInput(ts time.Time, set *schedule.Set, groupID string) map[string]interface{} {
	date := schedule.DateOf(ts)

	windows := make([]interface{}, 0, len(set.Windows))
	for _, w := range set.Windows {
		if w.GroupID != groupID {
			continue
		}
		windows = append(windows, map[string]interface{}{
			"id":          w.ID,
			"group_id":    w.GroupID,
			"day_of_week": int(w.DayOfWeek),
			"start":       int(w.Start),
			"end":         int(w.End),
			"is_break":    w.IsBreak,
		})
	}

	holidays := make([]interface{}, 0, len(set.Holidays))
	for _, h := range set.Holidays {
		if h.GroupID != groupID {
			continue
		}
		holidays = append(holidays, map[string]interface{}{
			"id":        h.ID,
			"group_id":  h.GroupID,
			"date":      h.Date.String(),
			"month_day": monthDay(h.Date),
			"recurring": h.Recurring,
		})
	}

	return map[string]interface{}{
		"group_id":    groupID,
		"day_of_week": int(ts.Weekday()),
		"seconds":     int(schedule.Clock(ts)),
		"date":        date.String(),
		"month_day":   monthDay(date),
		"windows":     windows,
		"holidays":    holidays,
	}
}

func monthDay(d schedule.Date) string {
	return fmt.Sprintf("%02d-%02d", int(d.Month), d.Day)
}
