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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guidepost-ai/guidepost/pkg/model"
)

func env(pairs map[string]any) map[string]model.Value {
	out := make(map[string]model.Value, len(pairs))
	for k, v := range pairs {
		out[k] = model.ValueOf(v)
	}
	return out
}

func TestEvalBool(t *testing.T) {
	cases := []struct {
		src  string
		env  map[string]any
		want bool
	}{
		{"amount <= 50 or user_tier == 'VIP'", map[string]any{"amount": 75.0, "user_tier": "VIP"}, true},
		{"amount <= 50 or user_tier == 'VIP'", map[string]any{"amount": 75.0, "user_tier": "standard"}, false},
		{"amount <= 50 or user_tier == 'VIP'", map[string]any{"amount": 50.0, "user_tier": "standard"}, true},
		{"not contains_competitor_mention", map[string]any{"contains_competitor_mention": true}, false},
		{"not contains_competitor_mention", map[string]any{"contains_competitor_mention": false}, true},
		{"tier in ('gold', 'platinum')", map[string]any{"tier": "gold"}, true},
		{"tier in ('gold', 'platinum')", map[string]any{"tier": "silver"}, false},
		{"tier not in ('gold', 'platinum')", map[string]any{"tier": "silver"}, true},
		{"'acme' in lower(response)", map[string]any{"response": "Try AcmeRival today"}, true},
		{"len(order_id) == 8", map[string]any{"order_id": "AB123456"}, true},
		{"abs(delta) < 0.5", map[string]any{"delta": -0.25}, true},
		{"min(a, b) >= 10", map[string]any{"a": 12.0, "b": 11.0}, true},
		{"max(a, b) > 100", map[string]any{"a": 12.0, "b": 11.0}, false},
		{"amount * 1.2 <= limit", map[string]any{"amount": 100.0, "limit": 120.0}, true},
		{"(a or b) and not c", map[string]any{"a": false, "b": true, "c": false}, true},
		{"count % 2 == 0", map[string]any{"count": 4.0}, true},
		{"true", nil, true},
		{"false or 1 < 2", nil, true},
	}

	for _, tc := range cases {
		t.Run(tc.src, func(t *testing.T) {
			got, err := EvalBool(tc.src, env(tc.env))
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseErrors(t *testing.T) {
	for _, src := range []string{
		"",
		"amount <",
		"foo(",
		"'unterminated",
		"a ==",
		"a &",
		"import('os')",
		"open('/etc/passwd')",
		"lambda x",
	} {
		t.Run(src, func(t *testing.T) {
			_, err := Parse(src)
			assert.Error(t, err)
		})
	}
}

func TestDisallowedFunctions(t *testing.T) {
	// Anything outside the allow-list is rejected at parse time.
	for _, src := range []string{"eval('1')", "exec('x')", "getattr(a, 'b')", "print(x)"} {
		_, err := Parse(src)
		assert.Error(t, err, src)
	}
}

func TestUndefinedVariable(t *testing.T) {
	_, err := EvalBool("missing == 1", env(nil))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "undefined variable")
}

func TestDivisionByZero(t *testing.T) {
	_, err := EvalBool("1 / x > 0", env(map[string]any{"x": 0.0}))
	assert.Error(t, err)
}

func TestStability(t *testing.T) {
	// Same environment, same result, every time.
	e, err := Parse("amount <= 50 or user_tier == 'VIP'")
	require.NoError(t, err)

	environment := env(map[string]any{"amount": 30.0, "user_tier": "standard"})
	for i := 0; i < 10; i++ {
		got, err := e.EvalBool(environment)
		require.NoError(t, err)
		assert.True(t, got)
	}
}

func TestNoSideEffects(t *testing.T) {
	environment := env(map[string]any{"amount": 30.0})
	_, err := EvalBool("amount + 10 > 0", environment)
	require.NoError(t, err)

	v, ok := environment["amount"].AsNumber()
	require.True(t, ok)
	assert.Equal(t, 30.0, v)
	assert.Len(t, environment, 1)
}

func TestShortCircuit(t *testing.T) {
	// The right side of a satisfied 'or' is never evaluated, so an
	// undefined variable there does not fail the expression.
	got, err := EvalBool("a or undefined_var", env(map[string]any{"a": true}))
	require.NoError(t, err)
	assert.True(t, got)

	got, err = EvalBool("a and undefined_var", env(map[string]any{"a": false}))
	require.NoError(t, err)
	assert.False(t, got)
}

func TestEvalValue(t *testing.T) {
	e, err := Parse("amount * 2")
	require.NoError(t, err)
	v, err := e.Eval(env(map[string]any{"amount": 21.0}))
	require.NoError(t, err)
	n, ok := v.AsNumber()
	require.True(t, ok)
	assert.Equal(t, 42.0, n)
}
