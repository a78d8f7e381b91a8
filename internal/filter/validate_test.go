package filter

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"offerwatch/internal/model"
)

func TestParseEmpty(t *testing.T) {
	for _, raw := range []string{"", "  ", "null", "{}"} {
		cfg, err := Parse([]byte(raw))
		if err != nil {
			t.Errorf("Parse(%q): unexpected error %v", raw, err)
		}
		if cfg != nil {
			t.Errorf("Parse(%q) = %+v, want nil", raw, cfg)
		}
	}
}

func TestParseNormalizes(t *testing.T) {
	raw := `{"ruleGroups":[{"rules":[{"field":"title","operator":"contains","value":" apartment "}]}]}`

	got, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := &model.FilterConfig{RuleGroups: []model.RuleGroup{{
		Logic: model.LogicAnd,
		Rules: []model.FilterRule{{Field: model.FieldTitle, Operator: model.OpContains, Value: "apartment"}},
	}}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Parse() mismatch (-want +got):\n%s", diff)
	}
}

func TestParseInvalid(t *testing.T) {
	rule := func(op, value string) string {
		return `{"field":"title","operator":"` + op + `","value":"` + value + `"}`
	}
	group := func(rules ...string) string {
		return `{"rules":[` + strings.Join(rules, ",") + `]}`
	}
	config := func(groups ...string) string {
		return `{"ruleGroups":[` + strings.Join(groups, ",") + `]}`
	}
	repeat := func(s string, n int) []string {
		out := make([]string, n)
		for i := range out {
			out[i] = s
		}
		return out
	}

	ok := rule("contains", "flat")
	tests := []struct {
		name string
		raw  string
	}{
		{name: "malformed json", raw: `{"ruleGroups":`},
		{name: "zero groups", raw: config()},
		{name: "six groups", raw: config(repeat(group(ok), 6)...)},
		{name: "zero rules", raw: config(group())},
		{name: "eleven rules", raw: config(group(repeat(ok, 11)...))},
		{name: "blank value", raw: config(group(rule("contains", "   ")))},
		{name: "empty value", raw: config(group(rule("contains", "")))},
		{name: "value too long", raw: config(group(rule("contains", strings.Repeat("x", 201))))},
		{name: "unknown operator", raw: config(group(rule("equals", "flat")))},
		{name: "unknown field", raw: `{"ruleGroups":[{"rules":[{"field":"price","operator":"contains","value":"1"}]}]}`},
		{name: "unknown logic", raw: `{"ruleGroups":[{"logic":"xor","rules":[` + ok + `]}]}`},
		{name: "unknown logicWithNext", raw: `{"ruleGroups":[{"logicWithNext":"nand","rules":[` + ok + `]}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.raw))
			if !errors.Is(err, ErrInvalidConfiguration) {
				t.Fatalf("expected ErrInvalidConfiguration, got %v", err)
			}
		})
	}
}

func TestParseLimits(t *testing.T) {
	rules := make([]model.FilterRule, MaxRules)
	for i := range rules {
		rules[i] = contains(strings.Repeat("y", MaxValueLength))
	}
	groups := make([]model.RuleGroup, MaxGroups)
	for i := range groups {
		groups[i] = model.RuleGroup{Rules: rules}
	}

	if _, err := Validate(&model.FilterConfig{RuleGroups: groups}); err != nil {
		t.Fatalf("config at the limits rejected: %v", err)
	}
}

func TestRoundTrip(t *testing.T) {
	raw := `{"ruleGroups":[
		{"logic":"or","logicWithNext":"and","rules":[
			{"field":"title","operator":"contains","value":" apartment ","case_sensitive":false},
			{"field":"title","operator":"contains","value":"flat"}]},
		{"rules":[{"field":"title","operator":"not_contains","value":"Studio","case_sensitive":true}]}]}`

	before, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	stored, err := Marshal(before)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(stored), `"ruleGroups"`) || !strings.Contains(string(stored), `"logicWithNext"`) {
		t.Fatalf("persisted form lost its keys: %s", stored)
	}
	after, err := Parse(stored)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if diff := cmp.Diff(before, after); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}

	for _, title := range []string{"apartment", "Studio flat", "studio flat", "house", "APARTMENT"} {
		b, err := Evaluate(before, Item{Title: title})
		if err != nil {
			t.Fatalf("evaluate before: %v", err)
		}
		a, err := Evaluate(after, Item{Title: title})
		if err != nil {
			t.Fatalf("evaluate after: %v", err)
		}
		if a != b {
			t.Errorf("title %q: before=%v after=%v", title, b, a)
		}
	}
}

func TestMarshalNil(t *testing.T) {
	got, err := Marshal(nil)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(got) != "null" {
		t.Errorf("Marshal(nil) = %s, want null", got)
	}
}
