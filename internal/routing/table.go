// Package routing holds the ordered regex rule lists that pick a payment backend
// for a financial address and derive a payer address when the caller omits one.
package routing

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/transfa/disbursement-service/internal/domain"
)

type compiledRule struct {
	order   int
	pattern *regexp.Regexp
	target  string
}

// Table is immutable after construction and safe for concurrent use.
type Table struct {
	backends []compiledRule
	payers   []compiledRule
}

// NewTable compiles both rule lists and sorts them by ascending order.
// Rules with equal order keep their configured position.
func NewTable(backendRules, payerRules []domain.RoutingRule) (*Table, error) {
	backends, err := compile("backend", backendRules)
	if err != nil {
		return nil, err
	}
	payers, err := compile("payer", payerRules)
	if err != nil {
		return nil, err
	}
	return &Table{backends: backends, payers: payers}, nil
}

func compile(kind string, rules []domain.RoutingRule) ([]compiledRule, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for i, rule := range rules {
		pattern, err := regexp.Compile(rule.Regex)
		if err != nil {
			return nil, fmt.Errorf("%s rule %d (order %d): invalid regex %q: %w", kind, i, rule.Order, rule.Regex, err)
		}
		if rule.Target == "" {
			return nil, fmt.Errorf("%s rule %d (order %d): empty target", kind, i, rule.Order)
		}
		compiled = append(compiled, compiledRule{order: rule.Order, pattern: pattern, target: rule.Target})
	}
	sort.SliceStable(compiled, func(a, b int) bool {
		return compiled[a].order < compiled[b].order
	})
	return compiled, nil
}

// ResolveBackend returns the backend of the first rule whose regex matches
// anywhere in fa.
func (t *Table) ResolveBackend(fa string) (string, bool) {
	return firstMatch(t.backends, fa)
}

// ResolvePayerAddress returns the payer FA of the first payer rule matching payeeFA.
func (t *Table) ResolvePayerAddress(payeeFA string) (string, bool) {
	return firstMatch(t.payers, payeeFA)
}

// Backends lists the distinct backend targets in rule order.
func (t *Table) Backends() []string {
	seen := make(map[string]struct{}, len(t.backends))
	names := make([]string, 0, len(t.backends))
	for _, rule := range t.backends {
		if _, ok := seen[rule.target]; ok {
			continue
		}
		seen[rule.target] = struct{}{}
		names = append(names, rule.target)
	}
	return names
}

func firstMatch(rules []compiledRule, value string) (string, bool) {
	for _, rule := range rules {
		if rule.pattern.MatchString(value) {
			return rule.target, true
		}
	}
	return "", false
}
