package conflict

import (
	"encoding/json"
	"math/big"
	"sort"
	"strconv"
	"strings"
)

// mergeFields builds a payload field by field. Every field present on either
// side is decided by its rule, or by RuleLatest when no rule names it.
func mergeFields(c *Conflict, fields []FieldResolution) (json.RawMessage, error) {
	localObj, err := decodeObject(c.Local.Payload)
	if err != nil {
		return nil, err
	}
	remoteObj, err := decodeObject(c.Remote.Payload)
	if err != nil {
		return nil, err
	}

	local := withChanges(localObj, remoteObj, c.Local.Changes)
	remote := withChanges(remoteObj, localObj, c.Remote.Changes)

	rules := make(map[string]FieldResolution, len(fields))
	for _, f := range fields {
		rules[f.FieldName] = f
	}

	keys := make([]string, 0, len(local)+len(remote))
	for k := range local {
		keys = append(keys, k)
	}
	for k := range remote {
		if _, ok := local[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	latestLocal := localIsLatest(c)
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		rule, ok := rules[k]
		if !ok {
			rule = FieldResolution{FieldName: k, Rule: RuleLatest}
		}
		lv, lok := local[k]
		rv, rok := remote[k]

		v, err := applyRule(rule, field{lv, lok}, field{rv, rok}, latestLocal)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}

	return encodeCanonical(out)
}

type field struct {
	value   any
	present bool
}

// set reports a present, non-null value.
func (f field) set() bool {
	return f.present && f.value != nil
}

func pick(primary, fallback field) any {
	if primary.present {
		return primary.value
	}
	return fallback.value
}

func applyRule(rule FieldResolution, local, remote field, latestLocal bool) (any, error) {
	switch rule.Rule {
	case RuleUseLocal:
		return pick(local, remote), nil
	case RuleUseRemote:
		return pick(remote, local), nil
	case RuleLatest:
		if latestLocal {
			return pick(local, remote), nil
		}
		return pick(remote, local), nil
	case RuleConcatenate:
		return concatenate(rule, local, remote)
	case RuleAverage:
		return average(rule, local, remote)
	}
	return nil, &FieldError{Field: rule.FieldName, Rule: rule.Rule, Got: "an unknown rule"}
}

func concatenate(rule FieldResolution, local, remote field) (any, error) {
	for _, f := range []field{local, remote} {
		if _, ok := f.value.(string); f.set() && !ok {
			return nil, &FieldError{Field: rule.FieldName, Rule: rule.Rule, Got: kindOf(f.value)}
		}
	}
	switch {
	case local.set() && remote.set():
		return local.value.(string) + rule.Separator + remote.value.(string), nil
	case local.set():
		return local.value, nil
	case remote.set():
		return remote.value, nil
	}
	return nil, nil
}

func average(rule FieldResolution, local, remote field) (any, error) {
	for _, f := range []field{local, remote} {
		if _, ok := f.value.(json.Number); f.set() && !ok {
			return nil, &FieldError{Field: rule.FieldName, Rule: rule.Rule, Got: kindOf(f.value)}
		}
	}
	switch {
	case local.set() && remote.set():
		m, ok := mean(local.value.(json.Number), remote.value.(json.Number))
		if !ok {
			return nil, &FieldError{Field: rule.FieldName, Rule: rule.Rule, Got: "an unparsable number"}
		}
		return m, nil
	case local.set():
		return local.value, nil
	case remote.set():
		return remote.value, nil
	}
	return nil, nil
}

// mean averages two decimal literals exactly. The result keeps the larger
// number of decimal places of the inputs, plus one digit when halving
// needs it: 10.00 and 20.00 give 15.00, 1.5 and 2.0 give 1.75.
func mean(a, b json.Number) (json.Number, bool) {
	x, ok := new(big.Rat).SetString(a.String())
	if !ok {
		return "", false
	}
	y, ok := new(big.Rat).SetString(b.String())
	if !ok {
		return "", false
	}

	sum := new(big.Rat).Add(x, y)
	m := sum.Quo(sum, big.NewRat(2, 1))

	places := max(decimalPlaces(a.String()), decimalPlaces(b.String()))
	scaled := new(big.Rat).Mul(m, new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(places)), nil)))
	if !scaled.IsInt() {
		places++
	}
	return json.Number(m.FloatString(places)), true
}

func decimalPlaces(s string) int {
	mantissa, exp := s, 0
	if i := strings.IndexAny(s, "eE"); i >= 0 {
		mantissa = s[:i]
		exp, _ = strconv.Atoi(s[i+1:])
	}
	frac := 0
	if i := strings.IndexByte(mantissa, '.'); i >= 0 {
		frac = len(mantissa) - i - 1
	}
	return max(frac-exp, 0)
}

func kindOf(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "a string"
	case json.Number:
		return "a number"
	case bool:
		return "a boolean"
	case []any:
		return "an array"
	case map[string]any:
		return "an object"
	}
	return "an unknown type"
}

// withChanges overlays a side's recorded edits on its payload. Change values
// are display strings, so they are typed after the field's payload value on
// either side: a string field keeps the text, anything else is read as JSON.
func withChanges(own, other map[string]any, changes []FieldChange) map[string]any {
	out := make(map[string]any, len(own)+len(changes))
	for k, v := range own {
		out[k] = v
	}
	for _, ch := range changes {
		hint, ok := own[ch.FieldName]
		if !ok || hint == nil {
			hint = other[ch.FieldName]
		}
		out[ch.FieldName] = changeValue(ch.NewValue, hint)
	}
	return out
}

func changeValue(s *string, hint any) any {
	if s == nil {
		return nil
	}
	switch hint.(type) {
	case nil, string:
		return *s
	}
	if v, err := decodeValue([]byte(*s)); err == nil {
		return v
	}
	return *s
}
