package engine

import (
	"fmt"
	"strconv"
	"strings"
)

// Conditions evaluates the boolean expression language used by step
// conditions and gateway routes: comparisons over template expressions and
// literals, combined with not, and, or (in binding order)
type Conditions struct {
	templates *Templates
}

// NewConditions creates a condition evaluator over the given renderer
func NewConditions(templates *Templates) *Conditions {
	return &Conditions{templates: templates}
}

var comparators = []string{"==", "!=", ">=", "<=", ">", "<"}

// Eval evaluates a condition against the scope. An empty condition is true
func (c *Conditions) Eval(cond string, scope *Scope) (bool, error) {
	cond = strings.TrimSpace(cond)
	if cond == "" {
		return true, nil
	}
	return c.evalOr(cond, scope)
}

func (c *Conditions) evalOr(expr string, scope *Scope) (bool, error) {
	for _, part := range splitLogical(expr, " or ") {
		v, err := c.evalAnd(part, scope)
		if err != nil {
			return false, err
		}
		if v {
			return true, nil
		}
	}
	return false, nil
}

func (c *Conditions) evalAnd(expr string, scope *Scope) (bool, error) {
	for _, part := range splitLogical(expr, " and ") {
		v, err := c.evalUnary(part, scope)
		if err != nil {
			return false, err
		}
		if !v {
			return false, nil
		}
	}
	return true, nil
}

func (c *Conditions) evalUnary(expr string, scope *Scope) (bool, error) {
	expr = strings.TrimSpace(expr)
	if rest, ok := strings.CutPrefix(expr, "not "); ok {
		v, err := c.evalUnary(rest, scope)
		return !v, err
	}
	return c.evalComparison(expr, scope)
}

func (c *Conditions) evalComparison(expr string, scope *Scope) (bool, error) {
	for _, op := range comparators {
		left, right, ok := splitComparison(expr, op)
		if !ok {
			continue
		}
		lv, err := c.operand(left, scope)
		if err != nil {
			return false, err
		}
		rv, err := c.operand(right, scope)
		if err != nil {
			return false, err
		}
		return compare(lv, rv, op)
	}

	// Bare operand: truthiness
	v, err := c.operand(expr, scope)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

func (c *Conditions) operand(expr string, scope *Scope) (any, error) {
	expr = strings.TrimSpace(expr)
	switch {
	case strings.HasPrefix(expr, "{{"):
		return c.templates.Render(expr, scope)
	case strings.HasPrefix(expr, `"`) && strings.HasSuffix(expr, `"`):
		return strings.Trim(expr, `"`), nil
	case strings.HasPrefix(expr, `'`) && strings.HasSuffix(expr, `'`):
		return strings.Trim(expr, `'`), nil
	case expr == "true":
		return true, nil
	case expr == "false":
		return false, nil
	case expr == "null", expr == "nil":
		return nil, nil
	}
	if f, err := strconv.ParseFloat(expr, 64); err == nil {
		return f, nil
	}
	// Unquoted identifiers resolve through the scope
	return c.templates.Render("{{"+expr+"}}", scope)
}

func compare(left, right any, op string) (bool, error) {
	lf, lok := toNumber(left)
	rf, rok := toNumber(right)
	if lok && rok {
		switch op {
		case "==":
			return lf == rf, nil
		case "!=":
			return lf != rf, nil
		case ">":
			return lf > rf, nil
		case "<":
			return lf < rf, nil
		case ">=":
			return lf >= rf, nil
		case "<=":
			return lf <= rf, nil
		}
	}

	ls := stringify(left)
	rs := stringify(right)
	switch op {
	case "==":
		return ls == rs, nil
	case "!=":
		return ls != rs, nil
	case ">":
		return ls > rs, nil
	case "<":
		return ls < rs, nil
	case ">=":
		return ls >= rs, nil
	case "<=":
		return ls <= rs, nil
	}
	return false, fmt.Errorf("unknown comparator %q", op)
}

func toNumber(v any) (float64, bool) {
	switch tv := v.(type) {
	case float64:
		return tv, true
	case int:
		return float64(tv), true
	case int64:
		return float64(tv), true
	case string:
		f, err := strconv.ParseFloat(tv, 64)
		return f, err == nil
	}
	return 0, false
}

func truthy(v any) bool {
	switch tv := v.(type) {
	case nil:
		return false
	case bool:
		return tv
	case string:
		return tv != "" && tv != "false"
	case float64:
		return tv != 0
	}
	return true
}

// splitLogical splits on a logical operator outside of quotes and template
// expressions
func splitLogical(expr, op string) []string {
	var parts []string
	depth := 0
	inQuote := byte(0)
	last := 0
	for i := 0; i < len(expr); i++ {
		ch := expr[i]
		switch {
		case inQuote != 0:
			if ch == inQuote {
				inQuote = 0
			}
		case ch == '"' || ch == '\'':
			inQuote = ch
		case ch == '{' && i+1 < len(expr) && expr[i+1] == '{':
			depth++
			i++
		case ch == '}' && i+1 < len(expr) && expr[i+1] == '}':
			depth--
			i++
		case depth == 0 && strings.HasPrefix(expr[i:], op):
			parts = append(parts, expr[last:i])
			i += len(op) - 1
			last = i + 1
		}
	}
	parts = append(parts, expr[last:])
	return parts
}

// splitComparison splits on the first occurrence of op outside quotes and
// template expressions
func splitComparison(expr, op string) (string, string, bool) {
	depth := 0
	inQuote := byte(0)
	for i := 0; i < len(expr); i++ {
		ch := expr[i]
		switch {
		case inQuote != 0:
			if ch == inQuote {
				inQuote = 0
			}
		case ch == '"' || ch == '\'':
			inQuote = ch
		case ch == '{' && i+1 < len(expr) && expr[i+1] == '{':
			depth++
			i++
		case ch == '}' && i+1 < len(expr) && expr[i+1] == '}':
			depth--
			i++
		case depth == 0 && strings.HasPrefix(expr[i:], op):
			return expr[:i], expr[i+len(op):], true
		}
	}
	return "", "", false
}
