// Package flatten turns a decoded submission into a flat row of scalar
// cells: multi-selects and choice fields become one-hot columns, free text
// is preserved, and blank answers become an explicit zero.
package flatten

import (
	"strings"

	"go.uber.org/zap"

	"surveycore/internal/record"
	"surveycore/internal/schema"
)

// Hints carries per-field type hints sent alongside a payload. A hint of
// "text" keeps the field as free text; "list", "checkbox" or "multi" gives
// a scalar list semantics.
type Hints map[string]string

func (h Hints) text(field string) bool { return h[field] == "text" }

func (h Hints) list(field string) bool {
	switch h[field] {
	case "list", "checkbox", "multi":
		return true
	}
	return false
}

// UnknownToken is an answer that matched no domain token. The affected
// columns are zero-filled.
type UnknownToken struct {
	Field string
	Token string
}

// Report collects what flattening could not place.
type Report struct {
	Unknown []UnknownToken
}

func (r *Report) unknown(field, token string) {
	r.Unknown = append(r.Unknown, UnknownToken{Field: field, Token: token})
}

// Engine flattens rows against a registry. It holds no mutable state and is
// safe for concurrent use.
type Engine struct {
	reg    *schema.Registry
	logger *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// New returns an engine over reg.
func New(reg *schema.Registry, opts ...Option) *Engine {
	e := &Engine{reg: reg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type entry struct {
	key  string
	val  record.Value
	list bool
}

// Flatten expands in into one-hot and scalar cells. Flattening an already
// flattened row returns it unchanged.
func (e *Engine) Flatten(in record.Row, hints Hints) (record.Row, Report) {
	var rep Report
	entries := normalize(in, hints)
	expanded := e.expandedBases(entries)
	out := record.NewBuilder(len(entries) * 2)

	for _, en := range entries {
		if en.val.Kind() == record.KindText {
			out.Set(en.key, en.val)
			continue
		}
		if hints.text(en.key) || e.reg.TextField(en.key) {
			out.Set(en.key, record.Text(textOf(en.val)))
			continue
		}
		if rule := e.rule(en.key); rule != nil {
			if expanded[rule.Output(en.key)] {
				out.Set(en.key, en.val)
				continue
			}
			e.applyRule(out, &rep, rule, en)
			continue
		}
		if spec, ok := e.reg.Field(en.key); ok && len(spec.Domain) > 0 {
			if expanded[en.key] {
				out.Set(en.key, en.val)
				continue
			}
			e.encodeDomain(out, &rep, spec, en.val, en.list)
			continue
		}
		if en.list {
			if expanded[en.key] || e.hasAdHocSiblings(entries, en.key) {
				out.Set(en.key, en.val)
				continue
			}
			for _, tok := range en.val.Items() {
				tok = strings.TrimSpace(tok)
				if tok == "" {
					continue
				}
				out.Set(en.key+"_"+tok, record.Scalar("1"))
			}
			continue
		}
		if en.val.Blank() {
			out.Set(en.key, record.Zero())
			continue
		}
		out.Set(en.key, en.val)
	}
	if len(rep.Unknown) > 0 {
		e.logger.Debug("flatten: unknown tokens", zap.Int("count", len(rep.Unknown)))
	}
	return out.Row(), rep
}

// normalize strips the "[]" array suffix and applies list hints.
func normalize(in record.Row, hints Hints) []entry {
	out := make([]entry, 0, in.Len())
	in.Range(func(k string, v record.Value) bool {
		en := entry{key: k, val: v, list: v.IsList()}
		if strings.HasSuffix(k, "[]") {
			en.key = strings.TrimSuffix(k, "[]")
			en.list = true
		}
		if hints.list(en.key) {
			en.list = true
		}
		if en.list && !v.IsList() {
			en.val = record.List(v.Items())
		}
		out = append(out, en)
		return true
	})
	return out
}

// expandedBases finds bases whose one-hot siblings are already present in
// the input. Those bases are passed through instead of re-expanded.
func (e *Engine) expandedBases(entries []entry) map[string]bool {
	out := make(map[string]bool)
	for _, en := range entries {
		k := en.key
		for i := strings.IndexByte(k, '_'); i > 0 && i < len(k)-1; {
			if e.reg.KnownSuffix(k[:i], k[i+1:]) {
				out[k[:i]] = true
			}
			j := strings.IndexByte(k[i+1:], '_')
			if j < 0 {
				break
			}
			i += j + 1
		}
	}
	return out
}

// hasAdHocSiblings reports whether a list without a domain already has
// {base}_{token} cells in the input.
func (e *Engine) hasAdHocSiblings(entries []entry, base string) bool {
	if e.reg.HasSiblings(base) {
		return false
	}
	prefix := base + "_"
	for _, en := range entries {
		if !strings.HasPrefix(en.key, prefix) {
			continue
		}
		if en.val.Kind() == record.KindText || e.reg.TextField(en.key) {
			continue
		}
		return true
	}
	return false
}

func (e *Engine) rule(field string) *schema.FlattenRule {
	rules := e.reg.Rules()
	for i := range rules {
		if rules[i].Matches(field) {
			return &rules[i]
		}
	}
	return nil
}

func textOf(v record.Value) string {
	if v.Kind() == record.KindZero {
		return ""
	}
	return v.String()
}
