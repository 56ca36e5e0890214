// Copyright 2025 The Guidepost Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package expr

import (
	"fmt"
	"math"
	"strings"

	"github.com/guidepost-ai/guidepost/pkg/model"
)

// Runtime values are float64, string, bool or []any (tuples).
type node interface {
	eval(env map[string]model.Value) (any, error)
}

type litNode struct{ val any }

func (n *litNode) eval(map[string]model.Value) (any, error) { return n.val, nil }

type varNode struct{ name string }

func (n *varNode) eval(env map[string]model.Value) (any, error) {
	v, ok := env[n.name]
	if !ok {
		return nil, fmt.Errorf("undefined variable %q", n.name)
	}
	switch v.Kind {
	case model.ValueKindNumber:
		return v.Num, nil
	case model.ValueKindBool:
		return v.Bool, nil
	case model.ValueKindTime:
		return v.Time.Format("2006-01-02T15:04:05Z07:00"), nil
	default:
		return v.AsString(), nil
	}
}

type tupleNode struct{ items []node }

func (n *tupleNode) eval(env map[string]model.Value) (any, error) {
	out := make([]any, len(n.items))
	for i, item := range n.items {
		v, err := item.eval(env)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

type boolNode struct {
	op          string
	left, right node
}

func (n *boolNode) eval(env map[string]model.Value) (any, error) {
	l, err := n.left.eval(env)
	if err != nil {
		return nil, err
	}
	// short-circuit
	if n.op == "and" && !truthy(l) {
		return false, nil
	}
	if n.op == "or" && truthy(l) {
		return true, nil
	}
	r, err := n.right.eval(env)
	if err != nil {
		return nil, err
	}
	return truthy(r), nil
}

type notNode struct{ inner node }

func (n *notNode) eval(env map[string]model.Value) (any, error) {
	v, err := n.inner.eval(env)
	if err != nil {
		return nil, err
	}
	return !truthy(v), nil
}

type negNode struct{ inner node }

func (n *negNode) eval(env map[string]model.Value) (any, error) {
	v, err := n.inner.eval(env)
	if err != nil {
		return nil, err
	}
	f, ok := asNumber(v)
	if !ok {
		return nil, fmt.Errorf("cannot negate %T", v)
	}
	return -f, nil
}

type cmpNode struct {
	op          string
	left, right node
}

func (n *cmpNode) eval(env map[string]model.Value) (any, error) {
	l, err := n.left.eval(env)
	if err != nil {
		return nil, err
	}
	r, err := n.right.eval(env)
	if err != nil {
		return nil, err
	}

	if n.op == "==" || n.op == "!=" {
		eq := looseEqual(l, r)
		if n.op == "!=" {
			eq = !eq
		}
		return eq, nil
	}

	lf, lok := asNumber(l)
	rf, rok := asNumber(r)
	if lok && rok {
		switch n.op {
		case "<":
			return lf < rf, nil
		case "<=":
			return lf <= rf, nil
		case ">":
			return lf > rf, nil
		case ">=":
			return lf >= rf, nil
		}
	}

	ls, lsok := l.(string)
	rs, rsok := r.(string)
	if lsok && rsok {
		switch n.op {
		case "<":
			return ls < rs, nil
		case "<=":
			return ls <= rs, nil
		case ">":
			return ls > rs, nil
		case ">=":
			return ls >= rs, nil
		}
	}

	return nil, fmt.Errorf("cannot compare %T %s %T", l, n.op, r)
}

type inNode struct{ left, right node }

func (n *inNode) eval(env map[string]model.Value) (any, error) {
	l, err := n.left.eval(env)
	if err != nil {
		return nil, err
	}
	r, err := n.right.eval(env)
	if err != nil {
		return nil, err
	}
	switch rv := r.(type) {
	case []any:
		for _, item := range rv {
			if looseEqual(l, item) {
				return true, nil
			}
		}
		return false, nil
	case string:
		ls, ok := l.(string)
		if !ok {
			ls = fmt.Sprint(l)
		}
		return strings.Contains(rv, ls), nil
	default:
		return nil, fmt.Errorf("right side of 'in' must be a tuple or string, got %T", r)
	}
}

type arithNode struct {
	op          string
	left, right node
}

func (n *arithNode) eval(env map[string]model.Value) (any, error) {
	l, err := n.left.eval(env)
	if err != nil {
		return nil, err
	}
	r, err := n.right.eval(env)
	if err != nil {
		return nil, err
	}

	// string concatenation
	if n.op == "+" {
		if ls, ok := l.(string); ok {
			if rs, ok := r.(string); ok {
				return ls + rs, nil
			}
		}
	}

	lf, lok := asNumber(l)
	rf, rok := asNumber(r)
	if !lok || !rok {
		return nil, fmt.Errorf("arithmetic on non-numeric operands %T %s %T", l, n.op, r)
	}
	switch n.op {
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return lf / rf, nil
	case "%":
		if rf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return math.Mod(lf, rf), nil
	}
	return nil, fmt.Errorf("unknown operator %q", n.op)
}

type callNode struct {
	fn   string
	args []node
}

func (n *callNode) eval(env map[string]model.Value) (any, error) {
	vals := make([]any, len(n.args))
	for i, arg := range n.args {
		v, err := arg.eval(env)
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}

	switch n.fn {
	case "len":
		if len(vals) != 1 {
			return nil, fmt.Errorf("len takes 1 argument")
		}
		switch v := vals[0].(type) {
		case string:
			return float64(len(v)), nil
		case []any:
			return float64(len(v)), nil
		default:
			return nil, fmt.Errorf("len of %T", v)
		}
	case "abs":
		if len(vals) != 1 {
			return nil, fmt.Errorf("abs takes 1 argument")
		}
		f, ok := asNumber(vals[0])
		if !ok {
			return nil, fmt.Errorf("abs of %T", vals[0])
		}
		return math.Abs(f), nil
	case "min", "max":
		if len(vals) == 0 {
			return nil, fmt.Errorf("%s takes at least 1 argument", n.fn)
		}
		best, ok := asNumber(vals[0])
		if !ok {
			return nil, fmt.Errorf("%s of %T", n.fn, vals[0])
		}
		for _, v := range vals[1:] {
			f, ok := asNumber(v)
			if !ok {
				return nil, fmt.Errorf("%s of %T", n.fn, v)
			}
			if n.fn == "min" && f < best || n.fn == "max" && f > best {
				best = f
			}
		}
		return best, nil
	case "lower":
		if len(vals) != 1 {
			return nil, fmt.Errorf("lower takes 1 argument")
		}
		s, ok := vals[0].(string)
		if !ok {
			return nil, fmt.Errorf("lower of %T", vals[0])
		}
		return strings.ToLower(s), nil
	}
	return nil, fmt.Errorf("function %q is not allowed", n.fn)
}

// ---------------------------------------------------------------------------
// Helpers

func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return x != ""
	case []any:
		return len(x) > 0
	default:
		return false
	}
}

func asNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// looseEqual compares with number/string coercion, matching how entity and
// profile values arrive from heterogeneous sources.
func looseEqual(l, r any) bool {
	if lf, ok := asNumber(l); ok {
		if rf, ok := asNumber(r); ok {
			return lf == rf
		}
	}
	ls, lok := l.(string)
	rs, rok := r.(string)
	if lok && rok {
		return ls == rs
	}
	if lok {
		if rf, ok := asNumber(r); ok {
			return ls == fmt.Sprint(rf)
		}
	}
	if rok {
		if lf, ok := asNumber(l); ok {
			return rs == fmt.Sprint(lf)
		}
	}
	return fmt.Sprint(l) == fmt.Sprint(r)
}

func toValue(v any) model.Value {
	switch x := v.(type) {
	case bool:
		return model.BoolValue(x)
	case float64:
		return model.NumberValue(x)
	case string:
		return model.StringValue(x)
	default:
		return model.StringValue(fmt.Sprint(v))
	}
}
