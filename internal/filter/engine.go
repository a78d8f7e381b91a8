// Package filter implements the offer matching engine and the write-time
// validation of filter configurations.
package filter

import (
	"errors"
	"fmt"
	"strings"

	"offerwatch/internal/model"
)

// ErrUnknownOperator is returned when a stored rule carries an operator the
// engine does not implement.
var ErrUnknownOperator = errors.New("unknown filter operator")

// Item is the part of an offer rules are matched against.
type Item struct {
	Title string
}

// ItemFromOffer builds an Item from an offer.
func ItemFromOffer(o model.Offer) Item {
	return Item{Title: o.Title}
}

// Evaluate reports whether item passes cfg.
// A nil config or one without groups passes everything. Group verdicts are
// folded left to right, each boundary using the preceding group's
// LogicWithNext ("or" when unset).
func Evaluate(cfg *model.FilterConfig, item Item) (bool, error) {
	if cfg == nil || len(cfg.RuleGroups) == 0 {
		return true, nil
	}

	verdicts := make([]bool, len(cfg.RuleGroups))
	for i, g := range cfg.RuleGroups {
		ok, err := evaluateGroup(g, item)
		if err != nil {
			return false, fmt.Errorf("rule group %d: %w", i, err)
		}
		verdicts[i] = ok
	}

	result := verdicts[0]
	for i := 0; i < len(verdicts)-1; i++ {
		if joinLogic(cfg.RuleGroups[i]) == model.LogicAnd {
			result = result && verdicts[i+1]
		} else {
			result = result || verdicts[i+1]
		}
	}
	return result, nil
}

// Apply returns the offers that pass cfg, preserving order.
func Apply(cfg *model.FilterConfig, offers []model.Offer) ([]model.Offer, error) {
	if cfg == nil || len(cfg.RuleGroups) == 0 {
		return offers, nil
	}
	var passed []model.Offer
	for _, o := range offers {
		ok, err := Evaluate(cfg, ItemFromOffer(o))
		if err != nil {
			return nil, err
		}
		if ok {
			passed = append(passed, o)
		}
	}
	return passed, nil
}

func joinLogic(g model.RuleGroup) model.Logic {
	if g.LogicWithNext == nil {
		return model.LogicOr
	}
	return *g.LogicWithNext
}

func evaluateGroup(g model.RuleGroup, item Item) (bool, error) {
	if g.Logic == model.LogicOr {
		for _, r := range g.Rules {
			ok, err := evaluateRule(r, item)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}

	for _, r := range g.Rules {
		ok, err := evaluateRule(r, item)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func evaluateRule(r model.FilterRule, item Item) (bool, error) {
	text := fieldValue(item, r.Field)
	value := r.Value
	if !r.CaseSensitive {
		text = strings.ToLower(text)
		value = strings.ToLower(value)
	}

	switch r.Operator {
	case model.OpContains:
		return strings.Contains(text, value), nil
	case model.OpNotContains:
		return !strings.Contains(text, value), nil
	}
	return false, fmt.Errorf("%w: %q", ErrUnknownOperator, r.Operator)
}

func fieldValue(item Item, field string) string {
	switch field {
	case model.FieldTitle:
		return item.Title
	default:
		return ""
	}
}
