package tools

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// Calculator evaluates arithmetic expressions locally. No upstream
// dependency, so it never rate-limits or fails on network.
type Calculator struct{}

func (t *Calculator) Name() string { return "calculator" }

func (t *Calculator) Description() string {
	return "Evaluate an arithmetic expression. Supports + - * / % ^, parentheses and decimal numbers."
}

func (t *Calculator) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"expression": map[string]any{
				"type":        "string",
				"description": "The expression to evaluate, e.g. '(2 + 3) * 4 / 1.5'",
			},
		},
		"required": []string{"expression"},
	}
}

func (t *Calculator) Execute(ctx context.Context, meta Meta, args map[string]any) (string, error) {
	expr := strings.TrimSpace(argString(args, "expression"))
	if expr == "" {
		return ErrorResult("expression is required"), nil
	}
	result, err := evalExpression(expr)
	if err != nil {
		return ErrorResult(err.Error()), nil
	}
	if math.IsInf(result, 0) || math.IsNaN(result) {
		return ErrorResult("expression has no finite result"), nil
	}
	return OKResult(map[string]any{"expression": expr, "result": result}), nil
}

// evalExpression is a shunting-yard evaluator over float64.
func evalExpression(expr string) (float64, error) {
	tokens, err := tokenize(expr)
	if err != nil {
		return 0, err
	}
	rpn, err := toRPN(tokens)
	if err != nil {
		return 0, err
	}
	return evalRPN(rpn)
}

type token struct {
	num  float64
	op   byte // 0 for numbers
}

// opNegate is the internal marker for unary minus.
const opNegate = 'u'

func tokenize(expr string) ([]token, error) {
	var out []token
	i := 0
	prevWasValue := false
	for i < len(expr) {
		c := expr[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case unicode.IsDigit(rune(c)) || c == '.':
			j := i
			for j < len(expr) && (unicode.IsDigit(rune(expr[j])) || expr[j] == '.') {
				j++
			}
			n, err := strconv.ParseFloat(expr[i:j], 64)
			if err != nil {
				return nil, fmt.Errorf("bad number %q", expr[i:j])
			}
			out = append(out, token{num: n})
			prevWasValue = true
			i = j
		case strings.IndexByte("+-*/%^()", c) >= 0:
			// A minus with no value before it is unary negation, which
			// binds tighter than the binary operators.
			if c == '-' && !prevWasValue {
				out = append(out, token{op: opNegate})
			} else {
				out = append(out, token{op: c})
			}
			prevWasValue = c == ')'
			i++
		default:
			return nil, fmt.Errorf("unexpected character %q", string(c))
		}
	}
	return out, nil
}

func precedence(op byte) int {
	switch op {
	case '+', '-':
		return 1
	case '*', '/', '%':
		return 2
	case '^':
		return 3
	case opNegate:
		return 4
	}
	return 0
}

func toRPN(tokens []token) ([]token, error) {
	var out, stack []token
	for _, t := range tokens {
		switch {
		case t.op == 0:
			out = append(out, t)
		case t.op == '(':
			stack = append(stack, t)
		case t.op == ')':
			for len(stack) > 0 && stack[len(stack)-1].op != '(' {
				out = append(out, stack[len(stack)-1])
				stack = stack[:len(stack)-1]
			}
			if len(stack) == 0 {
				return nil, fmt.Errorf("unbalanced parentheses")
			}
			stack = stack[:len(stack)-1]
		default:
			// '^' and unary minus are right-associative; they never pop
			// operators of equal precedence.
			for len(stack) > 0 && precedence(stack[len(stack)-1].op) >= precedence(t.op) && t.op != '^' && t.op != opNegate {
				out = append(out, stack[len(stack)-1])
				stack = stack[:len(stack)-1]
			}
			stack = append(stack, t)
		}
	}
	for len(stack) > 0 {
		if stack[len(stack)-1].op == '(' {
			return nil, fmt.Errorf("unbalanced parentheses")
		}
		out = append(out, stack[len(stack)-1])
		stack = stack[:len(stack)-1]
	}
	return out, nil
}

func evalRPN(rpn []token) (float64, error) {
	var stack []float64
	for _, t := range rpn {
		if t.op == 0 {
			stack = append(stack, t.num)
			continue
		}
		if t.op == opNegate {
			if len(stack) < 1 {
				return 0, fmt.Errorf("malformed expression")
			}
			stack[len(stack)-1] = -stack[len(stack)-1]
			continue
		}
		if len(stack) < 2 {
			return 0, fmt.Errorf("malformed expression")
		}
		b, a := stack[len(stack)-1], stack[len(stack)-2]
		stack = stack[:len(stack)-2]
		var r float64
		switch t.op {
		case '+':
			r = a + b
		case '-':
			r = a - b
		case '*':
			r = a * b
		case '/':
			if b == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			r = a / b
		case '%':
			if b == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			r = math.Mod(a, b)
		case '^':
			r = math.Pow(a, b)
		}
		stack = append(stack, r)
	}
	if len(stack) != 1 {
		return 0, fmt.Errorf("malformed expression")
	}
	return stack[0], nil
}
