package condition

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// functions returns the callable helpers for one evaluation. The status
// functions close over the scope's status.
func functions(status Status) map[string]function.Function {
	return map[string]function.Function{
		"startsWith": stringPredicate(func(s, prefix string) bool { return strings.HasPrefix(s, prefix) }),
		"endsWith":   stringPredicate(func(s, suffix string) bool { return strings.HasSuffix(s, suffix) }),
		"contains":   containsFunc,
		"format":     formatFunc,
		"toJSON":     toJSONFunc,
		"success":    constBool(!status.Failed && !status.Cancelled),
		"failure":    constBool(status.Failed),
		"cancelled":  constBool(status.Cancelled),
		"always":     constBool(true),
	}
}

// stringPredicate builds a case-insensitive two-argument string test.
func stringPredicate(test func(s, other string) bool) function.Function {
	return function.New(&function.Spec{
		Params: []function.Parameter{
			{Name: "str", Type: cty.String},
			{Name: "other", Type: cty.String},
		},
		Type: function.StaticReturnType(cty.Bool),
		Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
			s := strings.ToLower(args[0].AsString())
			other := strings.ToLower(args[1].AsString())
			return cty.BoolVal(test(s, other)), nil
		},
	})
}

var containsFunc = function.New(&function.Spec{
	Params: []function.Parameter{
		{Name: "search", Type: cty.DynamicPseudoType},
		{Name: "item", Type: cty.DynamicPseudoType},
	},
	Type: function.StaticReturnType(cty.Bool),
	Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
		search, item := args[0], args[1]
		needle := strings.ToLower(valueString(item))
		ty := search.Type()
		switch {
		case ty == cty.String:
			return cty.BoolVal(strings.Contains(strings.ToLower(search.AsString()), needle)), nil
		case ty.IsListType() || ty.IsTupleType() || ty.IsSetType():
			for it := search.ElementIterator(); it.Next(); {
				_, elem := it.Element()
				if strings.ToLower(valueString(elem)) == needle {
					return cty.True, nil
				}
			}
			return cty.False, nil
		default:
			return cty.False, fmt.Errorf("contains: unsupported search type %s", ty.FriendlyName())
		}
	},
})

// formatFunc replaces {0}, {1}, ... with the string form of the arguments.
// Doubled braces escape a literal brace.
var formatFunc = function.New(&function.Spec{
	Params: []function.Parameter{
		{Name: "format", Type: cty.String},
	},
	VarParam: &function.Parameter{Name: "args", Type: cty.DynamicPseudoType, AllowNull: true},
	Type:     function.StaticReturnType(cty.String),
	Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
		format := args[0].AsString()
		rest := args[1:]
		var b strings.Builder
		for i := 0; i < len(format); i++ {
			c := format[i]
			switch {
			case c == '{' && i+1 < len(format) && format[i+1] == '{':
				b.WriteByte('{')
				i++
			case c == '}' && i+1 < len(format) && format[i+1] == '}':
				b.WriteByte('}')
				i++
			case c == '{':
				end := strings.IndexByte(format[i:], '}')
				if end < 0 {
					return cty.NilVal, fmt.Errorf("format: unclosed placeholder at %d", i)
				}
				idx, err := strconv.Atoi(format[i+1 : i+end])
				if err != nil || idx < 0 || idx >= len(rest) {
					return cty.NilVal, fmt.Errorf("format: invalid placeholder %s", format[i:i+end+1])
				}
				b.WriteString(valueString(rest[idx]))
				i += end
			default:
				b.WriteByte(c)
			}
		}
		return cty.StringVal(b.String()), nil
	},
})

var toJSONFunc = function.New(&function.Spec{
	Params: []function.Parameter{
		{Name: "value", Type: cty.DynamicPseudoType, AllowNull: true},
	},
	Type: function.StaticReturnType(cty.String),
	Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
		encoded, err := ctyjson.Marshal(args[0], args[0].Type())
		if err != nil {
			return cty.NilVal, err
		}
		return cty.StringVal(string(encoded)), nil
	},
})

func constBool(value bool) function.Function {
	return function.New(&function.Spec{
		Type: function.StaticReturnType(cty.Bool),
		Impl: func(_ []cty.Value, _ cty.Type) (cty.Value, error) {
			return cty.BoolVal(value), nil
		},
	})
}

// valueString renders a value the way interpolation substitutes it.
func valueString(val cty.Value) string {
	if val.IsNull() || !val.IsKnown() {
		return ""
	}
	switch val.Type() {
	case cty.String:
		return val.AsString()
	case cty.Bool:
		if val.True() {
			return "true"
		}
		return "false"
	case cty.Number:
		return val.AsBigFloat().Text('f', -1)
	}
	encoded, err := ctyjson.Marshal(val, val.Type())
	if err != nil {
		return ""
	}
	return string(encoded)
}

// truthy applies the guard coercion rules: empty strings, "false", "0", zero
// and null are false; objects and collections are true.
func truthy(val cty.Value) bool {
	if val.IsNull() || !val.IsKnown() {
		return false
	}
	switch val.Type() {
	case cty.Bool:
		return val.True()
	case cty.String:
		s := strings.TrimSpace(val.AsString())
		return s != "" && !strings.EqualFold(s, "false") && s != "0"
	case cty.Number:
		return val.AsBigFloat().Sign() != 0
	}
	return true
}
