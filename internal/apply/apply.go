// Package apply projects a flattened row onto a form's fixed column schema.
// Each pipeline step is a pure function from row to row.
package apply

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"surveycore/internal/record"
	"surveycore/internal/schema"
)

// ErrUnknownForm is returned for form ids outside the registry.
var ErrUnknownForm = errors.New("unknown form")

// Drift lists input keys the projection dropped.
type Drift []string

// Applier runs the schema pipeline. It is safe for concurrent use.
type Applier struct {
	reg    *schema.Registry
	logger *zap.Logger
}

// Option configures an Applier.
type Option func(*Applier)

// WithLogger sets the applier logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Applier) {
		if l != nil {
			a.logger = l
		}
	}
}

// New returns an applier over reg.
func New(reg *schema.Registry, opts ...Option) *Applier {
	a := &Applier{reg: reg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Apply runs renames, duplicate resolution, one-hot completion, alias
// rewriting and derived rules, then projects onto the form's columns.
func (a *Applier) Apply(formID string, in record.Row) (record.Row, Drift, error) {
	f, ok := a.reg.Form(formID)
	if !ok {
		return record.Row{}, nil, fmt.Errorf("%w: %q", ErrUnknownForm, formID)
	}
	row := Rename(f, in)
	row = dropRawBases(f, row)
	row, settled := a.ensureOneHot(f, row)
	row = rewriteAliases(f, row, settled)
	row = Derive(f, row)
	out, drift := a.project(f, row)
	if len(drift) > 0 {
		a.logger.Debug("apply: schema drift",
			zap.String("form", formID),
			zap.Int("dropped", len(drift)),
			zap.Strings("columns", drift))
	}
	return out, drift, nil
}

// Rename maps the form's UI field names onto schema bases. One-hot
// siblings of a renamed base move with it.
func Rename(f *schema.FormSchema, in record.Row) record.Row {
	if len(f.Renames) == 0 {
		return in
	}
	b := record.NewBuilder(in.Len())
	in.Range(func(k string, v record.Value) bool {
		key := k
		if base, ok := f.Renames[k]; ok {
			key = base
		} else if i := strings.LastIndexByte(k, '_'); i > 0 {
			if base, ok := f.Renames[k[:i]]; ok {
				if g, ok := f.Group(base); ok && g.HasSuffix(k[i+1:]) {
					key = base + k[i:]
				}
			}
		}
		if key != k && in.Has(key) {
			return true
		}
		b.Set(key, v)
		return true
	})
	return b.Row()
}

// dropRawBases removes a raw group base when its one-hot siblings are
// already present, so the siblings win.
func dropRawBases(f *schema.FormSchema, in record.Row) record.Row {
	var drop []string
	for _, g := range f.Groups {
		if !in.Has(g.Base) {
			continue
		}
		for _, col := range g.Columns() {
			if in.Has(col) {
				drop = append(drop, g.Base)
				break
			}
		}
	}
	if len(drop) == 0 {
		return in
	}
	return in.Without(drop...)
}

// ensureOneHot expands groups that still carry a raw value. The returned
// set holds the columns it wrote; those are final and skip alias rewriting.
func (a *Applier) ensureOneHot(f *schema.FormSchema, in record.Row) (record.Row, map[string]bool) {
	settled := make(map[string]bool)
	b := record.From(in)
	for _, g := range f.Groups {
		v, ok := in.Get(g.Base)
		if !ok || v.Kind() == record.KindZero {
			continue
		}
		b.Delete(g.Base)
		if v.Blank() {
			continue
		}
		selected := make(map[string]bool)
		for _, item := range v.Items() {
			s, ok := a.resolveSuffix(f, g, strings.TrimSpace(item))
			if !ok {
				a.logger.Debug("apply: unresolved group value",
					zap.String("form", f.ID), zap.String("base", g.Base), zap.String("value", item))
				continue
			}
			selected[s] = true
			if !g.Multi {
				break
			}
		}
		for _, s := range g.Suffixes {
			col := g.Column(s)
			b.Set(col, record.Flag(selected[s]))
			settled[col] = true
		}
	}
	return b.Row(), settled
}

func (a *Applier) resolveSuffix(f *schema.FormSchema, g schema.Group, item string) (string, bool) {
	if g.HasSuffix(item) {
		return item, true
	}
	tables := aliasesFor(f, g.Base)
	for _, t := range tables {
		if s, ok := t.Map[item]; ok && g.HasSuffix(s) {
			return s, true
		}
	}
	if spec, ok := a.reg.Field(g.Base); ok {
		if tok, ok := spec.Aliases[item]; ok {
			if g.HasSuffix(tok) {
				return tok, true
			}
			for _, t := range tables {
				if s, ok := t.Map[tok]; ok && g.HasSuffix(s) {
					return s, true
				}
			}
		}
	}
	if lower := strings.ToLower(item); g.HasSuffix(lower) {
		return lower, true
	}
	if rest, ok := strings.CutPrefix(item, g.Base+"_"); ok && g.HasSuffix(rest) {
		return rest, true
	}
	return "", false
}

func aliasesFor(f *schema.FormSchema, base string) []schema.AliasTable {
	var out []schema.AliasTable
	for _, t := range f.Aliases {
		if t.Target() == base {
			out = append(out, t)
		}
	}
	return out
}

// rewriteAliases moves {base}_{token} cells to {into}_{suffix}. Each table
// reads the row as it stood before that table ran, so a shifted index is
// never shifted twice.
func rewriteAliases(f *schema.FormSchema, in record.Row, settled map[string]bool) record.Row {
	row := in
	for _, t := range f.Aliases {
		moved := make(map[string]bool)
		writes := make(map[string]record.Value)
		var order []string
		for _, token := range sortedTokens(t.Map) {
			src := t.Base + "_" + token
			if settled[src] {
				continue
			}
			v, ok := row.Get(src)
			if !ok {
				continue
			}
			dst := t.Target() + "_" + t.Map[token]
			if src == dst {
				continue
			}
			moved[src] = true
			prev, seen := writes[dst]
			if !seen {
				order = append(order, dst)
				writes[dst] = v
				continue
			}
			if !prev.Truthy() && v.Truthy() {
				writes[dst] = v
			}
		}
		if len(order) == 0 {
			continue
		}
		b := record.From(row)
		for src := range moved {
			if _, ok := writes[src]; !ok {
				b.Delete(src)
			}
		}
		for _, dst := range order {
			v := writes[dst]
			if cur, ok := row.Get(dst); ok && !moved[dst] && cur.Truthy() {
				v = cur
			}
			b.Set(dst, flagOf(v))
		}
		row = b.Row()
	}
	return row
}

func flagOf(v record.Value) record.Value {
	if v.Kind() == record.KindZero || v.Blank() {
		return record.Flag(false)
	}
	return record.Flag(v.Truthy())
}

func sortedTokens(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// project keeps exactly the form's columns, preceded by any identity
// columns present in the row.
func (a *Applier) project(f *schema.FormSchema, in record.Row) (record.Row, Drift) {
	base := a.reg.BaseColumns()
	isBase := make(map[string]bool, len(base))
	b := record.NewBuilder(len(base) + len(f.Columns))
	for _, col := range base {
		isBase[col] = true
		if v, ok := in.Get(col); ok && !f.Has(col) {
			b.Set(col, v)
		}
	}
	for _, col := range f.Columns {
		v, ok := in.Get(col)
		if f.IsText(col) {
			if !ok || v.Kind() == record.KindZero {
				b.Set(col, record.Text(""))
				continue
			}
			b.Set(col, record.Text(v.String()))
			continue
		}
		if !ok || v.Blank() {
			b.Set(col, record.Zero())
			continue
		}
		b.Set(col, v)
	}
	var drift Drift
	in.Range(func(k string, _ record.Value) bool {
		if !isBase[k] && !f.Has(k) {
			drift = append(drift, k)
		}
		return true
	})
	return b.Row(), drift
}
