package schema

import (
	"path"
	"strconv"
	"strings"
)

// FieldSpec is a choice-master entry: the ordered domain of canonical tokens
// for a field plus inbound aliases that normalize legacy labels.
type FieldSpec struct {
	Name    string
	Domain  []string
	Text    bool
	Aliases map[string]string
}

// HasToken reports whether tok is part of the domain.
func (f *FieldSpec) HasToken(tok string) bool {
	for _, d := range f.Domain {
		if d == tok {
			return true
		}
	}
	return false
}

// Group is a one-hot column group: Base_Suffix for each suffix.
type Group struct {
	Base     string
	Suffixes []string
	Multi    bool
}

// Column returns the column name for suffix.
func (g Group) Column(suffix string) string { return g.Base + "_" + suffix }

// Columns lists every column of the group in suffix order.
func (g Group) Columns() []string {
	out := make([]string, len(g.Suffixes))
	for i, s := range g.Suffixes {
		out[i] = g.Column(s)
	}
	return out
}

// HasSuffix reports whether s is one of the group's suffixes.
func (g Group) HasSuffix(s string) bool {
	for _, x := range g.Suffixes {
		if x == s {
			return true
		}
	}
	return false
}

// AliasTable rewrites {Base}_{token} columns to {Into}_{suffix}.
type AliasTable struct {
	Base   string            `yaml:"base"`
	Into   string            `yaml:"into"`
	Map    map[string]string `yaml:"map"`
	Repeat *Repeat           `yaml:"repeat"`
}

// Target returns the base the rewritten columns land on.
func (a AliasTable) Target() string {
	if a.Into != "" {
		return a.Into
	}
	return a.Base
}

// RuleKind names a derived-column rule.
type RuleKind string

const (
	RuleCopy          RuleKind = "copy"
	RuleFallback      RuleKind = "fallback"
	RuleSelect        RuleKind = "select"
	RuleSumSelected   RuleKind = "sum_selected"
	RuleCountSelected RuleKind = "count_selected"
	RuleProduct       RuleKind = "product"
	RulePositive      RuleKind = "positive"
	RuleTruthy        RuleKind = "truthy"
	RuleClearUnless   RuleKind = "clear_unless"
	RuleExcelText     RuleKind = "excel_text"
)

// Rule is one derived-column step run by the applier after alias rewriting.
type Rule struct {
	Kind        RuleKind          `yaml:"kind"`
	Target      string            `yaml:"target"`
	Source      string            `yaml:"source"`
	Sources     []string          `yaml:"sources"`
	Bases       []string          `yaml:"bases"`
	Suffixes    []string          `yaml:"suffixes"`
	Columns     []string          `yaml:"columns"`
	Map         map[string]string `yaml:"map"`
	When        string            `yaml:"when"`
	Flag        bool              `yaml:"flag"`
	OnlyMissing bool              `yaml:"only_missing"`
	// Truncate drops the fraction of each product input.
	Truncate bool `yaml:"truncate"`
	// PositiveOnly leaves the product target untouched unless every input
	// is above zero.
	PositiveOnly bool    `yaml:"positive_only"`
	Repeat       *Repeat `yaml:"repeat"`
}

// Outputs lists every column the rule may write.
func (r Rule) Outputs() []string {
	switch r.Kind {
	case RuleSelect:
		return sortedValues(r.Map)
	case RuleTruthy, RuleExcelText:
		return append([]string(nil), r.Columns...)
	default:
		if r.Target == "" {
			return nil
		}
		return []string{r.Target}
	}
}

// Repeat expands {n} templates over an inclusive integer range.
type Repeat struct {
	From int `yaml:"from"`
	To   int `yaml:"to"`
	Step int `yaml:"step"`
}

// Each calls fn for every n in the range.
func (r Repeat) Each(fn func(n int)) {
	step := r.Step
	if step <= 0 {
		step = 1
	}
	for n := r.From; n <= r.To; n += step {
		fn(n)
	}
}

// Expand renders template for every n in the range.
func (r Repeat) Expand(template string) []string {
	var out []string
	r.Each(func(n int) { out = append(out, fill(template, n)) })
	return out
}

func fill(template string, n int) string {
	return strings.ReplaceAll(template, "{n}", strconv.Itoa(n))
}

// FlattenKind names a flatten-time rule.
type FlattenKind string

const (
	FlattenText      FlattenKind = "text"
	FlattenBinary    FlattenKind = "binary"
	FlattenChecklist FlattenKind = "checklist"
	FlattenRename    FlattenKind = "rename"
	FlattenKeepBlank FlattenKind = "keep_blank"
)

// PrefixRewrite swaps a leading token prefix, for example r3 to g3.
type PrefixRewrite struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// FlattenRule is a rule-table entry consulted before domain lookup.
type FlattenRule struct {
	Kind        FlattenKind       `yaml:"kind"`
	Fields      []string          `yaml:"fields"`
	Patterns    []string          `yaml:"patterns"`
	True        []string          `yaml:"true"`
	False       []string          `yaml:"false"`
	TrueSuffix  string            `yaml:"true_suffix"`
	FalseSuffix string            `yaml:"false_suffix"`
	Suffixes    []string          `yaml:"suffixes"`
	Range       *Repeat           `yaml:"range"`
	Map         map[string]string `yaml:"map"`
	Implies     map[string]string `yaml:"implies"`
	Open        bool              `yaml:"open"`
	FoldCase    bool              `yaml:"fold_case"`
	To          string            `yaml:"to"`
	Prefix      *PrefixRewrite    `yaml:"prefix"`
}

// Matches reports whether the rule applies to field.
func (r *FlattenRule) Matches(field string) bool {
	for _, f := range r.Fields {
		if f == field {
			return true
		}
	}
	for _, p := range r.Patterns {
		if ok, _ := path.Match(p, field); ok {
			return true
		}
	}
	return false
}

// Output returns the base the rule writes columns under.
func (r *FlattenRule) Output(field string) string {
	if r.To != "" {
		return r.To
	}
	return field
}

// Norm applies the rule's case folding to a token.
func (r *FlattenRule) Norm(tok string) string {
	tok = strings.TrimSpace(tok)
	if r.FoldCase {
		return strings.ToLower(tok)
	}
	return tok
}

// FormSchema is the fixed column schema of one form.
type FormSchema struct {
	ID      string
	Title   string
	Columns []string
	Text    map[string]bool
	Flags   map[string]bool
	Groups  []Group
	Lists   map[string]bool
	Renames map[string]string
	Aliases []AliasTable
	Derived []Rule

	index  map[string]int
	groups map[string]int
}

// Has reports whether col is one of the form's columns.
func (f *FormSchema) Has(col string) bool {
	_, ok := f.index[col]
	return ok
}

// IsText reports whether col is a free-text column of the form.
func (f *FormSchema) IsText(col string) bool { return f.Text[col] }

// Group returns the one-hot group declared for base.
func (f *FormSchema) Group(base string) (Group, bool) {
	i, ok := f.groups[base]
	if !ok {
		return Group{}, false
	}
	return f.Groups[i], true
}

func sortedValues(m map[string]string) []string {
	seen := make(map[string]bool, len(m))
	out := make([]string, 0, len(m))
	for _, k := range sortedKeys(m) {
		v := m[k]
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
