// Package condition evaluates `if:` guards and `${{ }}` interpolations against
// a run scope. Expressions are parsed with the HCL native expression syntax, so
// the usual operators (==, !=, &&, ||, !, parentheses) and attribute access
// work as expected. Single-quoted string literals are accepted and rewritten
// before parsing.
//
// A guard that references a missing field or fails to parse evaluates to
// false. The failure is still returned as a *ConditionError so callers can log
// it.
package condition

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
)

// ConditionError reports a guard that could not be evaluated.
type ConditionError struct {
	Expr string
	Err  error
}

func (e *ConditionError) Error() string {
	return fmt.Sprintf("condition %q: %v", e.Expr, e.Err)
}

func (e *ConditionError) Unwrap() error {
	return e.Err
}

// Evaluator evaluates guards and interpolations. The zero value is ready to use.
type Evaluator struct{}

// New returns an Evaluator.
func New() *Evaluator {
	return &Evaluator{}
}

// Evaluate reports whether expr holds in scope. An empty expression is true.
// Any evaluation failure yields false together with a *ConditionError.
func (e *Evaluator) Evaluate(expr string, scope Scope) (bool, error) {
	src := unwrap(expr)
	if src == "" {
		return true, nil
	}
	val, err := e.value(src, scope)
	if err != nil {
		return false, &ConditionError{Expr: expr, Err: err}
	}
	return truthy(val), nil
}

// Interpolate replaces every `${{ expr }}` in text with the string form of its
// value. Failing expressions are replaced by the empty string and reported in
// the returned error.
func (e *Evaluator) Interpolate(text string, scope Scope) (string, error) {
	if !strings.Contains(text, "${{") {
		return text, nil
	}
	var (
		b    strings.Builder
		errs []error
		rest = text
	)
	for {
		start := strings.Index(rest, "${{")
		if start < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			b.WriteString(rest)
			errs = append(errs, &ConditionError{Expr: rest[start:], Err: errors.New("unterminated expression")})
			break
		}
		b.WriteString(rest[:start])
		raw := rest[start+3 : start+end]
		val, err := e.value(rewriteQuotes(strings.TrimSpace(raw)), scope)
		if err != nil {
			errs = append(errs, &ConditionError{Expr: strings.TrimSpace(raw), Err: err})
		} else {
			b.WriteString(valueString(val))
		}
		rest = rest[start+end+2:]
	}
	return b.String(), errors.Join(errs...)
}

// InterpolateMap interpolates every value of in. Keys are left untouched.
func (e *Evaluator) InterpolateMap(in map[string]string, scope Scope) (map[string]string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(in))
	var errs []error
	for key, value := range in {
		resolved, err := e.Interpolate(value, scope)
		if err != nil {
			errs = append(errs, err)
		}
		out[key] = resolved
	}
	return out, errors.Join(errs...)
}

func (e *Evaluator) value(src string, scope Scope) (cty.Value, error) {
	if src == "" {
		return cty.NullVal(cty.DynamicPseudoType), nil
	}
	expr, diags := hclsyntax.ParseExpression([]byte(src), "condition", hcl.Pos{Line: 1, Column: 1, Byte: 0})
	if diags.HasErrors() {
		return cty.NilVal, diags
	}
	ctx := &hcl.EvalContext{
		Variables: scope.variables(),
		Functions: functions(scope.Status),
	}
	val, diags := expr.Value(ctx)
	if diags.HasErrors() {
		return cty.NilVal, diags
	}
	return val, nil
}

// unwrap strips an optional ${{ }} wrapper and rewrites quotes.
func unwrap(expr string) string {
	src := strings.TrimSpace(expr)
	if strings.HasPrefix(src, "${{") && strings.HasSuffix(src, "}}") {
		src = strings.TrimSpace(src[3 : len(src)-2])
	}
	return rewriteQuotes(src)
}

// rewriteQuotes turns 'single quoted' literals into HCL double-quoted strings.
// Inside a single-quoted literal '' is an escaped quote, and template
// sequences are escaped so the literal stays literal.
func rewriteQuotes(src string) string {
	if !strings.Contains(src, "'") {
		return src
	}
	var b strings.Builder
	inDouble := false
	for i := 0; i < len(src); i++ {
		c := src[i]
		if inDouble {
			b.WriteByte(c)
			switch c {
			case '\\':
				if i+1 < len(src) {
					i++
					b.WriteByte(src[i])
				}
			case '"':
				inDouble = false
			}
			continue
		}
		switch c {
		case '"':
			inDouble = true
			b.WriteByte(c)
		case '\'':
			b.WriteByte('"')
			for i++; i < len(src); i++ {
				c = src[i]
				if c == '\'' {
					if i+1 < len(src) && src[i+1] == '\'' {
						b.WriteByte('\'')
						i++
						continue
					}
					break
				}
				switch {
				case c == '"' || c == '\\':
					b.WriteByte('\\')
					b.WriteByte(c)
				case (c == '$' || c == '%') && i+1 < len(src) && src[i+1] == '{':
					b.WriteByte(c)
					b.WriteByte(c)
				default:
					b.WriteByte(c)
				}
			}
			b.WriteByte('"')
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
