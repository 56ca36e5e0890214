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

package enforcement

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/guidepost-ai/guidepost/pkg/model"
)

var (
	currencyRe = regexp.MustCompile(`[$€£]\s*(\d+(?:,\d{3})*(?:\.\d+)?)`)
	percentRe  = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*%`)
	numberRe   = regexp.MustCompile(`\d+(?:,\d{3})*(?:\.\d+)?`)
)

// ExtractResponseVars pulls the variables a constraint expression may
// reference out of the candidate response itself: the first monetary or
// bare numeric amount as "amount", the first percentage as "percentage",
// and one boolean per configured flag set when the response mentions any
// of its phrases. A value the response does not carry stays absent, so
// expressions over it fail closed.
func ExtractResponseVars(response string, flags map[string][]string) map[string]model.Value {
	out := map[string]model.Value{}

	if m := percentRe.FindStringSubmatch(response); m != nil {
		if f, err := parseAmount(m[1]); err == nil {
			out["percentage"] = model.NumberValue(f)
		}
	}

	if m := currencyRe.FindStringSubmatch(response); m != nil {
		if f, err := parseAmount(m[1]); err == nil {
			out["amount"] = model.NumberValue(f)
		}
	} else if m := firstBareNumber(response); m != "" {
		if f, err := parseAmount(m); err == nil {
			out["amount"] = model.NumberValue(f)
		}
	}

	lower := strings.ToLower(response)
	for name, terms := range flags {
		hit := false
		for _, t := range terms {
			if t != "" && strings.Contains(lower, strings.ToLower(t)) {
				hit = true
				break
			}
		}
		out[name] = model.BoolValue(hit)
	}
	return out
}

// firstBareNumber returns the first number that is neither a percentage
// nor already claimed by a currency symbol.
func firstBareNumber(s string) string {
	percents := percentRe.FindAllStringIndex(s, -1)
	for _, loc := range numberRe.FindAllStringIndex(s, -1) {
		inPercent := false
		for _, p := range percents {
			if loc[0] >= p[0] && loc[1] <= p[1] {
				inPercent = true
				break
			}
		}
		if !inPercent {
			return s[loc[0]:loc[1]]
		}
	}
	return ""
}

func parseAmount(s string) (float64, error) {
	return strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
}
