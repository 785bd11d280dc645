// Package schema holds the choice master and the per-form column schemas.
// The registry is declarative YAML compiled into the binary; it is loaded
// once, validated, and passed to the stages that need it.
package schema

import (
	"fmt"
	"strings"
)

// Registry is the read-only view over the choice master, the flatten rule
// table and every form schema. It is safe for concurrent use.
type Registry struct {
	fields   map[string]*FieldSpec
	forms    map[string]*FormSchema
	order    []string
	base     []string
	identity [][]string
	purge    map[string]bool
	rules    []FlattenRule
	text     textMatcher

	master   []string
	oneHot   map[string]bool
	siblings map[string]map[string]bool
}

// DomainOf returns the ordered domain for field.
func (r *Registry) DomainOf(field string) ([]string, bool) {
	spec, ok := r.fields[field]
	if !ok || len(spec.Domain) == 0 {
		return nil, false
	}
	return append([]string(nil), spec.Domain...), true
}

// Field returns the choice-master entry for field.
func (r *Registry) Field(field string) (*FieldSpec, bool) {
	spec, ok := r.fields[field]
	return spec, ok
}

// Form returns the schema registered under id.
func (r *Registry) Form(id string) (*FormSchema, bool) {
	f, ok := r.forms[id]
	return f, ok
}

// Forms returns every form in registry order.
func (r *Registry) Forms() []*FormSchema {
	out := make([]*FormSchema, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.forms[id])
	}
	return out
}

// BaseColumns returns the identity columns every stored row carries.
func (r *Registry) BaseColumns() []string { return append([]string(nil), r.base...) }

// IdentityKeys returns the identity fallback chain, most specific first.
func (r *Registry) IdentityKeys() [][]string {
	out := make([][]string, len(r.identity))
	for i, k := range r.identity {
		out[i] = append([]string(nil), k...)
	}
	return out
}

// MasterHeader is the base columns followed by the union of every form's
// columns in registry order.
func (r *Registry) MasterHeader() []string { return append([]string(nil), r.master...) }

// Purged reports whether col belongs to the legacy purge set.
func (r *Registry) Purged(col string) bool { return r.purge[col] }

// TextField reports whether a raw field is free text at flatten time.
func (r *Registry) TextField(field string) bool {
	if spec, ok := r.fields[field]; ok && spec.Text {
		return true
	}
	return r.text.match(field)
}

// Rules returns the flatten rule table.
func (r *Registry) Rules() []FlattenRule { return r.rules }

// IsOneHot reports whether col holds a 0/1 flag: a group column of any
// form, a declared flag, or {field}_{token} for a choice-master field.
func (r *Registry) IsOneHot(col string) bool { return r.oneHot[col] }

// KnownSuffix reports whether base_suffix is a column the registry knows as
// a one-hot sibling of base.
func (r *Registry) KnownSuffix(base, suffix string) bool {
	return r.siblings[base][suffix]
}

// HasSiblings reports whether base has any registered one-hot suffixes.
func (r *Registry) HasSiblings(base string) bool { return len(r.siblings[base]) > 0 }

func (r *Registry) index() {
	r.oneHot = make(map[string]bool)
	r.siblings = make(map[string]map[string]bool)
	sib := func(base, suffix string) {
		set, ok := r.siblings[base]
		if !ok {
			set = make(map[string]bool)
			r.siblings[base] = set
		}
		set[suffix] = true
	}

	for name, spec := range r.fields {
		for _, tok := range spec.Domain {
			r.oneHot[name+"_"+tok] = true
			sib(name, tok)
		}
	}
	for _, rule := range r.rules {
		for _, field := range rule.Fields {
			for _, s := range flattenSuffixes(rule) {
				r.oneHot[rule.Output(field)+"_"+s] = true
				sib(rule.Output(field), s)
			}
		}
	}

	seen := make(map[string]bool)
	r.master = r.master[:0]
	for _, col := range r.base {
		if !seen[col] {
			seen[col] = true
			r.master = append(r.master, col)
		}
	}
	for _, id := range r.order {
		f := r.forms[id]
		for _, g := range f.Groups {
			for _, s := range g.Suffixes {
				r.oneHot[g.Column(s)] = true
				sib(g.Base, s)
			}
		}
		for col := range f.Flags {
			r.oneHot[col] = true
		}
		for _, col := range f.Columns {
			if !seen[col] {
				seen[col] = true
				r.master = append(r.master, col)
			}
		}
	}
	for _, f := range r.forms {
		for col := range f.Text {
			delete(r.oneHot, col)
		}
	}
}

// flattenSuffixes lists the fixed suffixes a flatten rule emits.
func flattenSuffixes(rule FlattenRule) []string {
	switch rule.Kind {
	case FlattenBinary:
		t, f := rule.TrueSuffix, rule.FalseSuffix
		if t == "" {
			t = "1"
		}
		if f == "" {
			f = "0"
		}
		return []string{f, t}
	case FlattenChecklist, FlattenRename:
		if rule.Range != nil {
			return rule.Range.Expand("{n}")
		}
		return rule.Suffixes
	}
	return nil
}

// Validate checks cross references inside the registry.
func (r *Registry) Validate() error {
	var problems []string
	for _, rule := range r.rules {
		if len(rule.Fields) == 0 && len(rule.Patterns) == 0 {
			problems = append(problems, fmt.Sprintf("flatten rule %s matches no field", rule.Kind))
		}
		switch rule.Kind {
		case FlattenText, FlattenBinary, FlattenChecklist, FlattenRename, FlattenKeepBlank:
		default:
			problems = append(problems, fmt.Sprintf("unknown flatten rule kind %q", rule.Kind))
		}
		if rule.Kind == FlattenChecklist && !rule.Open && len(flattenSuffixes(rule)) == 0 {
			problems = append(problems, fmt.Sprintf("checklist %v has no suffixes", rule.Fields))
		}
	}
	for _, id := range r.order {
		problems = append(problems, r.validateForm(r.forms[id])...)
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

func (r *Registry) validateForm(f *FormSchema) []string {
	var problems []string
	for col := range f.Text {
		if !f.Has(col) {
			problems = append(problems, fmt.Sprintf("%s: text column %s not in columns", f.ID, col))
		}
	}
	for _, a := range f.Aliases {
		if !r.knownBase(f, a.Base) {
			problems = append(problems, fmt.Sprintf("%s: alias table references unknown base %s", f.ID, a.Base))
			continue
		}
		hit := false
		for _, suffix := range a.Map {
			if f.Has(a.Target() + "_" + suffix) {
				hit = true
				break
			}
		}
		if !hit {
			problems = append(problems, fmt.Sprintf("%s: alias table %s produces no form column", f.ID, a.Base))
		}
	}
	for _, rule := range f.Derived {
		if !validRuleKind(rule.Kind) {
			problems = append(problems, fmt.Sprintf("%s: unknown derived rule kind %q", f.ID, rule.Kind))
			continue
		}
		outs := rule.Outputs()
		if len(outs) == 0 {
			problems = append(problems, fmt.Sprintf("%s: %s rule has no target", f.ID, rule.Kind))
		}
		for _, col := range outs {
			if !f.Has(col) {
				problems = append(problems, fmt.Sprintf("%s: %s rule targets %s outside the form", f.ID, rule.Kind, col))
			}
		}
	}
	for ui, base := range f.Renames {
		if ui == base {
			problems = append(problems, fmt.Sprintf("%s: rename %s maps onto itself", f.ID, ui))
		}
	}
	return problems
}

// knownBase reports whether an alias table can ever match base.
func (r *Registry) knownBase(f *FormSchema, base string) bool {
	if _, ok := f.Group(base); ok {
		return true
	}
	if _, ok := r.fields[base]; ok {
		return true
	}
	if r.HasSiblings(base) {
		return true
	}
	if f.Lists[base] {
		return true
	}
	for _, target := range f.Renames {
		if target == base {
			return true
		}
	}
	for _, rule := range r.rules {
		if rule.Kind == FlattenChecklist && rule.Open && rule.Matches(base) {
			return true
		}
	}
	return false
}

func validRuleKind(k RuleKind) bool {
	switch k {
	case RuleCopy, RuleFallback, RuleSelect, RuleSumSelected, RuleCountSelected,
		RuleProduct, RulePositive, RuleTruthy, RuleClearUnless, RuleExcelText:
		return true
	}
	return false
}

type textMatcher struct {
	names    map[string]bool
	prefixes []string
	suffixes []string
}

func (m textMatcher) match(field string) bool {
	if m.names[field] {
		return true
	}
	for _, p := range m.prefixes {
		if strings.HasPrefix(field, p) {
			return true
		}
	}
	for _, s := range m.suffixes {
		if strings.HasSuffix(field, s) {
			return true
		}
	}
	return false
}
