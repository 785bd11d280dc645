package apply

import (
	"math"
	"strconv"
	"strings"

	"surveycore/internal/record"
	"surveycore/internal/schema"
)

// Derive runs the form's derived rules in declared order.
func Derive(f *schema.FormSchema, in record.Row) record.Row {
	if len(f.Derived) == 0 {
		return in
	}
	b := record.From(in)
	for _, rule := range f.Derived {
		derive(f, b, rule)
	}
	return b.Row()
}

func derive(f *schema.FormSchema, b *record.Builder, rule schema.Rule) {
	switch rule.Kind {
	case schema.RuleCopy:
		v, ok := b.Get(rule.Source)
		if !ok {
			return
		}
		if rule.OnlyMissing {
			if cur, ok := b.Get(rule.Target); ok && !cur.Blank() {
				return
			}
		}
		if rule.Flag {
			v = record.Flag(v.Truthy())
		}
		b.Set(rule.Target, v)

	case schema.RuleFallback:
		for _, src := range rule.Sources {
			if v, ok := b.Get(src); ok && !v.Blank() && v.Kind() != record.KindZero {
				b.Set(rule.Target, v)
				return
			}
		}

	case schema.RuleSelect:
		v, ok := b.Get(rule.Source)
		if !ok || v.Blank() {
			return
		}
		key := strings.TrimSpace(v.String())
		for tok, col := range rule.Map {
			b.Set(col, record.Flag(tok == key))
		}

	case schema.RuleSumSelected:
		total := 0
		for _, base := range rule.Bases {
			for _, s := range rule.Suffixes {
				v, ok := b.Get(base + "_" + s)
				if !ok || !v.Truthy() {
					continue
				}
				if n, err := strconv.Atoi(s); err == nil {
					total += n
				}
			}
		}
		b.Set(rule.Target, record.Int(total))

	case schema.RuleCountSelected:
		count := 0
		for _, src := range rule.Sources {
			if v, ok := b.Get(src); ok && v.Kind() != record.KindZero && v.Truthy() {
				count++
			}
		}
		b.Set(rule.Target, record.Int(count))

	case schema.RuleProduct:
		if cur, ok := b.Get(rule.Target); ok && !cur.Blank() {
			if n, ok := cur.Number(); !ok || n != 0 {
				return
			}
		}
		product := 1.0
		for _, src := range rule.Sources {
			v, _ := b.Get(src)
			n, ok := v.Number()
			if !ok {
				return
			}
			if rule.Truncate {
				n = math.Trunc(n)
			}
			if rule.PositiveOnly && n <= 0 {
				return
			}
			product *= n
		}
		b.Set(rule.Target, cell(f, rule.Target, strconv.FormatFloat(product, 'f', -1, 64)))

	case schema.RulePositive:
		v, _ := b.Get(rule.Source)
		n, ok := v.Number()
		b.Set(rule.Target, record.Flag(ok && n > 0))

	case schema.RuleTruthy:
		for _, col := range rule.Columns {
			if v, ok := b.Get(col); ok {
				b.Set(col, record.Flag(v.Truthy()))
			}
		}

	case schema.RuleClearUnless:
		if v, ok := b.Get(rule.When); ok && v.Truthy() {
			return
		}
		b.Set(rule.Target, record.Text(""))

	case schema.RuleExcelText:
		for _, col := range rule.Columns {
			v, ok := b.Get(col)
			if !ok {
				continue
			}
			if s := v.String(); needsTextGuard(s) {
				b.Set(col, cell(f, col, "'"+s))
			}
		}
	}
}

// needsTextGuard reports whether a spreadsheet would reformat s as a number:
// a leading zero or digits only.
func needsTextGuard(s string) bool {
	if s == "" || strings.HasPrefix(s, "'") {
		return false
	}
	if s[0] == '0' {
		return true
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func cell(f *schema.FormSchema, col, s string) record.Value {
	if f.IsText(col) {
		return record.Text(s)
	}
	return record.Scalar(s)
}
