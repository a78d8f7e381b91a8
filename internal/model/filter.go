package model

// Logic combines boolean verdicts.
type Logic string

// Supported logic operators.
const (
	LogicAnd Logic = "and"
	LogicOr  Logic = "or"
)

// Operator is a rule comparison.
type Operator string

// Supported operators.
const (
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
)

// FieldTitle is the only offer field rules can target today.
const FieldTitle = "title"

// FilterConfig is the filter document attached to a scraping URL.
// The JSON keys are the persisted form and must not change.
type FilterConfig struct {
	RuleGroups []RuleGroup `json:"ruleGroups"`
}

// RuleGroup combines its rules with Logic. LogicWithNext joins the group's
// verdict with the following group; nil means "or".
type RuleGroup struct {
	Rules         []FilterRule `json:"rules"`
	Logic         Logic        `json:"logic"`
	LogicWithNext *Logic       `json:"logicWithNext"`
}

// FilterRule matches a single offer field.
type FilterRule struct {
	Field         string   `json:"field"`
	Operator      Operator `json:"operator"`
	Value         string   `json:"value"`
	CaseSensitive bool     `json:"case_sensitive"`
}
