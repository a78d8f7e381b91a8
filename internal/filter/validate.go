package filter

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"offerwatch/internal/model"
)

// Limits enforced when a filter configuration is saved.
const (
	MaxGroups      = 5
	MaxRules       = 10
	MaxValueLength = 200
)

// ErrInvalidConfiguration is returned when a filter configuration fails
// validation. The wrapping error carries the detail.
var ErrInvalidConfiguration = errors.New("invalid filter configuration")

// Parse decodes and validates a persisted or user-supplied filter document.
// Empty input, null and {} all mean "no filter" and yield nil.
func Parse(raw []byte) (*model.FilterConfig, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	var keys map[string]json.RawMessage
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	var cfg model.FilterConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	return Validate(&cfg)
}

// Validate checks cfg against the schema limits and returns a normalized
// copy: values are trimmed, missing group logic becomes "and" and a missing
// rule field becomes "title". A nil cfg is returned as nil.
func Validate(cfg *model.FilterConfig) (*model.FilterConfig, error) {
	if cfg == nil {
		return nil, nil
	}
	if n := len(cfg.RuleGroups); n < 1 || n > MaxGroups {
		return nil, invalid("ruleGroups: expected 1 to %d groups, got %d", MaxGroups, n)
	}

	out := &model.FilterConfig{RuleGroups: make([]model.RuleGroup, 0, len(cfg.RuleGroups))}
	for gi, g := range cfg.RuleGroups {
		if n := len(g.Rules); n < 1 || n > MaxRules {
			return nil, invalid("ruleGroups[%d].rules: expected 1 to %d rules, got %d", gi, MaxRules, n)
		}

		ng := model.RuleGroup{Logic: g.Logic, Rules: make([]model.FilterRule, 0, len(g.Rules))}
		if ng.Logic == "" {
			ng.Logic = model.LogicAnd
		}
		if !validLogic(ng.Logic) {
			return nil, invalid("ruleGroups[%d].logic: unsupported value %q", gi, g.Logic)
		}
		if g.LogicWithNext != nil {
			if !validLogic(*g.LogicWithNext) {
				return nil, invalid("ruleGroups[%d].logicWithNext: unsupported value %q", gi, *g.LogicWithNext)
			}
			l := *g.LogicWithNext
			ng.LogicWithNext = &l
		}

		for ri, r := range g.Rules {
			nr, err := normalizeRule(r)
			if err != nil {
				return nil, invalid("ruleGroups[%d].rules[%d].%v", gi, ri, err)
			}
			ng.Rules = append(ng.Rules, nr)
		}
		out.RuleGroups = append(out.RuleGroups, ng)
	}
	return out, nil
}

// Marshal encodes cfg in its persisted form. A nil cfg encodes as null.
func Marshal(cfg *model.FilterConfig) ([]byte, error) {
	if cfg == nil {
		return []byte("null"), nil
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal filter config: %w", err)
	}
	return b, nil
}

func normalizeRule(r model.FilterRule) (model.FilterRule, error) {
	if r.Field == "" {
		r.Field = model.FieldTitle
	}
	if r.Field != model.FieldTitle {
		return r, fmt.Errorf("field: unsupported value %q", r.Field)
	}
	if r.Operator != model.OpContains && r.Operator != model.OpNotContains {
		return r, fmt.Errorf("operator: unsupported value %q", r.Operator)
	}
	if n := utf8.RuneCountInString(r.Value); n < 1 || n > MaxValueLength {
		return r, fmt.Errorf("value: expected 1 to %d characters, got %d", MaxValueLength, n)
	}
	r.Value = strings.TrimSpace(r.Value)
	if r.Value == "" {
		return r, errors.New("value: must not be blank")
	}
	return r, nil
}

func validLogic(l model.Logic) bool {
	return l == model.LogicAnd || l == model.LogicOr
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfiguration, fmt.Sprintf(format, args...))
}
