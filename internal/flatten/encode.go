package flatten

import (
	"strings"
	"unicode"

	"surveycore/internal/record"
	"surveycore/internal/schema"
)

// encodeDomain one-hot encodes a choice-master field over its domain.
func (e *Engine) encodeDomain(out *record.Builder, rep *Report, spec *schema.FieldSpec, v record.Value, list bool) {
	selected := make(map[string]bool)
	for _, raw := range v.Items() {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		tok, ok := matchToken(spec, raw)
		if !ok {
			rep.unknown(spec.Name, raw)
			continue
		}
		selected[tok] = true
		if !list {
			break
		}
	}
	for _, tok := range spec.Domain {
		out.Set(spec.Name+"_"+tok, record.Flag(selected[tok]))
	}
}

// matchToken resolves a raw answer to a domain token. It tries the exact
// token, a "{base}_" prefixed token, a trailing "_token", a leading letter
// label such as "a.肺炎", and finally the field's alias map.
func matchToken(spec *schema.FieldSpec, raw string) (string, bool) {
	if spec.HasToken(raw) {
		return raw, true
	}
	if rest, ok := strings.CutPrefix(raw, spec.Name+"_"); ok && spec.HasToken(rest) {
		return rest, true
	}
	if i := strings.LastIndexByte(raw, '_'); i >= 0 && spec.HasToken(raw[i+1:]) {
		return raw[i+1:], true
	}
	if letter, ok := leadingLetter(raw); ok && spec.HasToken(letter) {
		return letter, true
	}
	if alias, ok := spec.Aliases[raw]; ok && spec.HasToken(alias) {
		return alias, true
	}
	return "", false
}

// leadingLetter extracts the label of answers like "a.肺炎" or "B) その他".
func leadingLetter(raw string) (string, bool) {
	rs := []rune(strings.TrimSpace(raw))
	if len(rs) < 2 || rs[0] > unicode.MaxASCII || !unicode.IsLetter(rs[0]) {
		return "", false
	}
	switch rs[1] {
	case '.', '．', ')', '）', ':', '：', ' ', '、':
		return strings.ToLower(string(rs[0])), true
	}
	return "", false
}

func (e *Engine) applyRule(out *record.Builder, rep *Report, rule *schema.FlattenRule, en entry) {
	switch rule.Kind {
	case schema.FlattenText:
		out.Set(en.key, record.Text(textOf(en.val)))
	case schema.FlattenKeepBlank:
		if en.val.Blank() {
			return
		}
		out.Set(en.key, en.val)
	case schema.FlattenBinary:
		binary(out, rep, rule, en)
	case schema.FlattenChecklist:
		checklist(out, rep, rule, en)
	case schema.FlattenRename:
		e.rename(out, rep, rule, en)
	}
}

func binary(out *record.Builder, rep *Report, rule *schema.FlattenRule, en entry) {
	base := rule.Output(en.key)
	ts, fs := rule.TrueSuffix, rule.FalseSuffix
	if ts == "" {
		ts = "1"
	}
	if fs == "" {
		fs = "0"
	}
	var raw string
	if items := en.val.Items(); len(items) > 0 {
		raw = items[0]
	}
	val := rule.Norm(raw)
	on, off := false, false
	switch {
	case val == "":
	case contains(rule, rule.True, val):
		on = true
	case len(rule.False) == 0 || contains(rule, rule.False, val):
		off = true
	default:
		rep.unknown(en.key, raw)
	}
	out.Set(base+"_"+fs, record.Flag(off))
	out.Set(base+"_"+ts, record.Flag(on))
}

func checklist(out *record.Builder, rep *Report, rule *schema.FlattenRule, en entry) {
	base := rule.Output(en.key)
	var picked []string
	seen := make(map[string]bool)
	pick := func(tok string) {
		if !seen[tok] {
			seen[tok] = true
			picked = append(picked, tok)
		}
	}
	for _, raw := range en.val.Items() {
		tok := rule.Norm(raw)
		if tok == "" {
			continue
		}
		if mapped, ok := rule.Map[tok]; ok {
			tok = mapped
		}
		pick(tok)
		if implied, ok := rule.Implies[tok]; ok {
			pick(implied)
		}
	}
	if rule.Open {
		for _, tok := range picked {
			out.Set(base+"_"+tok, record.Scalar("1"))
		}
		return
	}
	suffixes := suffixesOf(rule)
	known := make(map[string]bool, len(suffixes))
	for _, s := range suffixes {
		known[s] = true
		out.Set(base+"_"+s, record.Flag(seen[s]))
	}
	for _, tok := range picked {
		if !known[tok] {
			rep.unknown(en.key, tok)
		}
	}
}

func (e *Engine) rename(out *record.Builder, rep *Report, rule *schema.FlattenRule, en entry) {
	base := rule.Output(en.key)
	v := en.val
	if rule.Prefix != nil || rule.FoldCase {
		items := v.Items()
		for i, raw := range items {
			tok := rule.Norm(raw)
			if p := rule.Prefix; p != nil && strings.HasPrefix(tok, p.From) {
				tok = p.To + tok[len(p.From):]
			}
			items[i] = tok
		}
		switch {
		case en.list:
			v = record.List(items)
		case len(items) > 0:
			v = record.Scalar(items[0])
		}
	}
	if suffixes := suffixesOf(rule); len(suffixes) > 0 {
		var val string
		if items := v.Items(); len(items) > 0 {
			val = strings.TrimSpace(items[0])
		}
		hit := false
		for _, s := range suffixes {
			on := val == s
			hit = hit || on
			out.Set(base+"_"+s, record.Flag(on))
		}
		if val != "" && !hit {
			rep.unknown(en.key, val)
		}
		return
	}
	if spec, ok := e.reg.Field(base); ok && len(spec.Domain) > 0 {
		e.encodeDomain(out, rep, spec, v, en.list)
		return
	}
	if v.Blank() {
		out.Set(base, record.Zero())
		return
	}
	out.Set(base, v)
}

func suffixesOf(rule *schema.FlattenRule) []string {
	if rule.Range != nil {
		return rule.Range.Expand("{n}")
	}
	return rule.Suffixes
}

func contains(rule *schema.FlattenRule, set []string, val string) bool {
	for _, s := range set {
		if rule.Norm(s) == val {
			return true
		}
	}
	return false
}
