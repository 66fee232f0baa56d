package formula

import (
	"fmt"
	"math"
	"strings"

	"github.com/expr-lang/expr"

	"github.com/alfredjeanlab/gridbase/internal/model"
)

// functions are the spreadsheet functions available to every formula. Array
// arguments (lookup cells) are flattened; blanks are skipped by aggregates.
var functions = []expr.Option{
	expr.Function("SUM", func(params ...any) (any, error) {
		total := 0.0
		for _, n := range numbers(params) {
			total += n
		}
		return total, nil
	}),
	expr.Function("AVERAGE", func(params ...any) (any, error) {
		nums := numbers(params)
		if len(nums) == 0 {
			return nil, nil
		}
		total := 0.0
		for _, n := range nums {
			total += n
		}
		return total / float64(len(nums)), nil
	}),
	expr.Function("MAX", func(params ...any) (any, error) {
		nums := numbers(params)
		if len(nums) == 0 {
			return nil, nil
		}
		m := nums[0]
		for _, n := range nums[1:] {
			m = math.Max(m, n)
		}
		return m, nil
	}),
	expr.Function("MIN", func(params ...any) (any, error) {
		nums := numbers(params)
		if len(nums) == 0 {
			return nil, nil
		}
		m := nums[0]
		for _, n := range nums[1:] {
			m = math.Min(m, n)
		}
		return m, nil
	}),
	expr.Function("COUNT", func(params ...any) (any, error) {
		return float64(len(numbers(params))), nil
	}),
	expr.Function("COUNTA", func(params ...any) (any, error) {
		n := 0
		for _, v := range flatten(params) {
			if !model.IsEmptyValue(v) {
				n++
			}
		}
		return float64(n), nil
	}),
	expr.Function("CONCATENATE", func(params ...any) (any, error) {
		var b strings.Builder
		for _, v := range params {
			b.WriteString(model.CellTitle(v))
		}
		return b.String(), nil
	}),
	expr.Function("IF", func(params ...any) (any, error) {
		if len(params) < 2 || len(params) > 3 {
			return nil, fmt.Errorf("IF expects 2 or 3 arguments, got %d", len(params))
		}
		if truthy(params[0]) {
			return params[1], nil
		}
		if len(params) == 3 {
			return params[2], nil
		}
		return nil, nil
	}),
	expr.Function("BLANK", func(params ...any) (any, error) {
		return nil, nil
	}),
	expr.Function("ROUND", func(params ...any) (any, error) {
		if len(params) == 0 {
			return nil, fmt.Errorf("ROUND expects at least 1 argument")
		}
		n, ok := model.ToFloat(params[0])
		if !ok {
			return nil, nil
		}
		precision := 0.0
		if len(params) > 1 {
			precision, _ = model.ToFloat(params[1])
		}
		scale := math.Pow(10, precision)
		return math.Round(n*scale) / scale, nil
	}),
	expr.Function("UPPER", func(params ...any) (any, error) {
		return strings.ToUpper(joinTitles(params)), nil
	}),
	expr.Function("LOWER", func(params ...any) (any, error) {
		return strings.ToLower(joinTitles(params)), nil
	}),
	expr.Function("LEN", func(params ...any) (any, error) {
		return float64(len([]rune(joinTitles(params)))), nil
	}),
	expr.Function("TITLE", func(params ...any) (any, error) {
		return joinTitles(params), nil
	}),
}

func flatten(params []any) []any {
	var out []any
	for _, p := range params {
		if arr, ok := p.([]any); ok {
			out = append(out, flatten(arr)...)
			continue
		}
		out = append(out, p)
	}
	return out
}

func numbers(params []any) []float64 {
	var out []float64
	for _, v := range flatten(params) {
		if v == nil {
			continue
		}
		switch t := v.(type) {
		case int:
			out = append(out, float64(t))
		default:
			if n, ok := model.ToFloat(t); ok {
				out = append(out, n)
			}
		}
	}
	return out
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case int:
		return t != 0
	}
	return !model.IsEmptyValue(v)
}

func joinTitles(params []any) string {
	parts := make([]string, len(params))
	for i, p := range params {
		parts[i] = model.CellTitle(p)
	}
	return strings.Join(parts, "")
}
