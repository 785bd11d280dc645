package schema

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed data
var embedded embed.FS

// Load parses and validates the registry compiled into the binary.
func Load() (*Registry, error) {
	sub, err := fs.Sub(embedded, "data")
	if err != nil {
		return nil, fmt.Errorf("open embedded registry: %w", err)
	}
	return LoadFS(sub)
}

// LoadFS parses a registry laid out as registry.yaml, choices.yaml,
// rules.yaml and forms/*.yaml under fsys, then validates it.
func LoadFS(fsys fs.FS) (*Registry, error) {
	var reg registryFile
	if err := decodeFile(fsys, "registry.yaml", &reg); err != nil {
		return nil, err
	}
	var choices choicesFile
	if err := decodeFile(fsys, "choices.yaml", &choices); err != nil {
		return nil, err
	}
	var rules rulesFile
	if err := decodeFile(fsys, "rules.yaml", &rules); err != nil {
		return nil, err
	}

	r := &Registry{
		fields:   make(map[string]*FieldSpec, len(choices.Fields)),
		forms:    make(map[string]*FormSchema, len(reg.Forms)),
		base:     reg.BaseColumns,
		identity: reg.IdentityKeys,
		purge:    make(map[string]bool),
		rules:    rules.Rules,
		text: textMatcher{
			names:    toSet(rules.Text.Fields),
			prefixes: rules.Text.Prefixes,
			suffixes: rules.Text.Suffixes,
		},
	}
	for name, spec := range choices.Fields {
		r.fields[name] = &FieldSpec{Name: name, Domain: spec.Domain, Text: spec.Text, Aliases: spec.Aliases}
	}
	for _, p := range reg.Purge {
		for _, col := range p.expand() {
			r.purge[col] = true
		}
	}

	for _, id := range reg.Forms {
		var ff formFile
		if err := decodeFile(fsys, path.Join("forms", id+".yaml"), &ff); err != nil {
			return nil, err
		}
		if ff.ID != id {
			return nil, fmt.Errorf("%w: forms/%s.yaml: id %q does not match", ErrInvalid, id, ff.ID)
		}
		form, err := r.buildForm(ff)
		if err != nil {
			return nil, fmt.Errorf("form %s: %w", id, err)
		}
		r.forms[id] = form
		r.order = append(r.order, id)
	}
	r.index()
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

func decodeFile(fsys fs.FS, name string, out any) error {
	raw, err := fs.ReadFile(fsys, name)
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}

type registryFile struct {
	BaseColumns  []string     `yaml:"base_columns"`
	IdentityKeys [][]string   `yaml:"identity_keys"`
	Forms        []string     `yaml:"forms"`
	Purge        []columnSpec `yaml:"purge"`
}

type choicesFile struct {
	Fields map[string]struct {
		Domain  []string          `yaml:"domain"`
		Text    bool              `yaml:"text"`
		Aliases map[string]string `yaml:"aliases"`
	} `yaml:"fields"`
}

type rulesFile struct {
	Text struct {
		Fields   []string `yaml:"fields"`
		Prefixes []string `yaml:"prefixes"`
		Suffixes []string `yaml:"suffixes"`
	} `yaml:"text"`
	Rules []FlattenRule `yaml:"rules"`
}

type formFile struct {
	ID      string            `yaml:"id"`
	Title   string            `yaml:"title"`
	Columns []columnSpec      `yaml:"columns"`
	Text    []string          `yaml:"text"`
	Lists   []string          `yaml:"lists"`
	Renames map[string]string `yaml:"renames"`
	Aliases []AliasTable      `yaml:"aliases"`
	Derived []Rule            `yaml:"derived"`
}

// columnSpec is one entry of a column list: a bare column name, a one-hot
// group, a list of flag columns, or templated plain columns.
type columnSpec struct {
	Name     string
	OneHot   string   `yaml:"onehot"`
	Suffixes []string `yaml:"suffixes"`
	Range    *Repeat  `yaml:"range"`
	Multi    bool     `yaml:"multi"`
	Flags    []string `yaml:"flags"`
	Names    []string `yaml:"columns"`
	Repeat   *Repeat  `yaml:"repeat"`
}

func (c *columnSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		c.Name = node.Value
		return nil
	}
	type plain columnSpec
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*c = columnSpec(p)
	return nil
}

// expand renders plain names only; groups are expanded by buildForm.
func (c columnSpec) expand() []string {
	names := c.Names
	if c.Name != "" {
		names = []string{c.Name}
	}
	names = append(names, c.Flags...)
	if c.Repeat == nil {
		return names
	}
	var out []string
	c.Repeat.Each(func(n int) {
		for _, name := range names {
			out = append(out, fill(name, n))
		}
	})
	return out
}

func (r *Registry) buildForm(ff formFile) (*FormSchema, error) {
	f := &FormSchema{
		ID:      ff.ID,
		Title:   ff.Title,
		Text:    make(map[string]bool),
		Flags:   make(map[string]bool),
		Lists:   toSet(ff.Lists),
		Renames: ff.Renames,
		index:   make(map[string]int),
		groups:  make(map[string]int),
	}
	var dup []string
	add := func(col string) {
		if _, ok := f.index[col]; ok {
			dup = append(dup, col)
			return
		}
		f.index[col] = len(f.Columns)
		f.Columns = append(f.Columns, col)
	}

	for _, c := range ff.Columns {
		if c.OneHot == "" {
			for _, col := range c.expand() {
				add(col)
			}
			if c.Repeat != nil {
				for _, flag := range c.Flags {
					for _, col := range c.Repeat.Expand(flag) {
						f.Flags[col] = true
					}
				}
			} else {
				for _, flag := range c.Flags {
					f.Flags[flag] = true
				}
			}
			continue
		}
		suffixes := c.Suffixes
		if c.Range != nil {
			suffixes = c.Range.Expand("{n}")
		}
		if len(suffixes) == 0 {
			spec, ok := r.fields[strings.ReplaceAll(c.OneHot, "{n}", "1")]
			if !ok {
				return nil, fmt.Errorf("%w: group %s has no suffixes and no choice domain", ErrInvalid, c.OneHot)
			}
			suffixes = spec.Domain
		}
		bases := []string{c.OneHot}
		if c.Repeat != nil {
			bases = c.Repeat.Expand(c.OneHot)
		}
		for _, base := range bases {
			g := Group{Base: base, Suffixes: append([]string(nil), suffixes...), Multi: c.Multi}
			if _, ok := f.groups[base]; ok {
				return nil, fmt.Errorf("%w: group %s declared twice", ErrInvalid, base)
			}
			f.groups[base] = len(f.Groups)
			f.Groups = append(f.Groups, g)
			for _, col := range g.Columns() {
				add(col)
			}
		}
	}
	if len(dup) > 0 {
		return nil, fmt.Errorf("%w: duplicate columns: %s", ErrInvalid, strings.Join(dup, ", "))
	}

	for _, pattern := range ff.Text {
		matched := false
		for _, col := range f.Columns {
			if ok, _ := path.Match(pattern, col); ok {
				f.Text[col] = true
				matched = true
			}
		}
		if !matched {
			return nil, fmt.Errorf("%w: text column %s is not in the form's columns", ErrInvalid, pattern)
		}
	}
	for _, a := range ff.Aliases {
		if a.Repeat == nil {
			f.Aliases = append(f.Aliases, a)
			continue
		}
		a.Repeat.Each(func(n int) {
			f.Aliases = append(f.Aliases, AliasTable{Base: fill(a.Base, n), Into: fill(a.Into, n), Map: a.Map})
		})
	}
	for _, rule := range ff.Derived {
		f.Derived = append(f.Derived, expandRule(rule)...)
	}
	return f, nil
}

// expandRule renders {n} templates. Aggregating rules expand their source
// lists in place; every other kind is duplicated once per n.
func expandRule(rule Rule) []Rule {
	if rule.Repeat == nil {
		return []Rule{rule}
	}
	rep := *rule.Repeat
	rule.Repeat = nil
	switch rule.Kind {
	case RuleSumSelected, RuleCountSelected:
		rule.Sources = expandAll(rep, rule.Sources)
		rule.Bases = expandAll(rep, rule.Bases)
		return []Rule{rule}
	}
	var out []Rule
	rep.Each(func(n int) {
		r := rule
		r.Target = fill(rule.Target, n)
		r.Source = fill(rule.Source, n)
		r.When = fill(rule.When, n)
		r.Sources = fillAll(rule.Sources, n)
		r.Columns = fillAll(rule.Columns, n)
		if rule.Map != nil {
			r.Map = make(map[string]string, len(rule.Map))
			for k, v := range rule.Map {
				r.Map[k] = fill(v, n)
			}
		}
		out = append(out, r)
	})
	return out
}

func expandAll(rep Repeat, templates []string) []string {
	var out []string
	for _, t := range templates {
		if strings.Contains(t, "{n}") {
			out = append(out, rep.Expand(t)...)
			continue
		}
		out = append(out, t)
	}
	return out
}

func fillAll(templates []string, n int) []string {
	if templates == nil {
		return nil
	}
	out := make([]string, len(templates))
	for i, t := range templates {
		out[i] = fill(t, n)
	}
	return out
}

func toSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, s := range items {
		out[s] = true
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ErrInvalid marks registry data that fails validation.
var ErrInvalid = errors.New("invalid registry")
