package conflict

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"
	"unicode"
)

var displayNames = map[string]string{
	"name":          "Name",
	"purchasePrice": "Purchase Price",
	"quantity":      "Quantity",
	"locationId":    "Location",
	"storeName":     "Store",
	"totalAmount":   "Total Amount",
	"parentId":      "Parent Location",
	"expiresAt":     "Expiration Date",
}

// DisplayName returns a human label for a payload field, e.g.
// "purchase_price" -> "Purchase Price".
func DisplayName(field string) string {
	if name, ok := displayNames[field]; ok {
		return name
	}

	var words []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			words = append(words, string(cur))
			cur = cur[:0]
		}
	}
	var prev rune
	for _, r := range field {
		switch {
		case r == '_' || r == '-' || r == ' ':
			flush()
			prev = r
			continue
		case unicode.IsUpper(r) && unicode.IsLower(prev):
			flush()
		}
		prev = r
		if len(cur) == 0 {
			r = unicode.ToUpper(r)
		}
		cur = append(cur, r)
	}
	flush()
	return strings.Join(words, " ")
}

// DiffFields lists the fields whose values differ between the two payloads,
// sorted by name. OldValue is the local value and NewValue the remote one.
// A field set on both sides is conflicting; one added or removed on a single
// side is not.
func DiffFields(local, remote json.RawMessage) ([]FieldChange, error) {
	l, err := decodeObject(local)
	if err != nil {
		return nil, err
	}
	r, err := decodeObject(remote)
	if err != nil {
		return nil, err
	}

	names := make(map[string]struct{}, len(l)+len(r))
	for k := range l {
		names[k] = struct{}{}
	}
	for k := range r {
		names[k] = struct{}{}
	}
	keys := make([]string, 0, len(names))
	for k := range names {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var changes []FieldChange
	for _, k := range keys {
		lv, lok := l[k]
		rv, rok := r[k]
		lt, err := displayValue(lv, lok)
		if err != nil {
			return nil, err
		}
		rt, err := displayValue(rv, rok)
		if err != nil {
			return nil, err
		}
		if equalText(lt, rt) {
			continue
		}
		changes = append(changes, FieldChange{
			FieldName:     k,
			DisplayName:   DisplayName(k),
			OldValue:      lt,
			NewValue:      rt,
			IsConflicting: lv != nil && rv != nil,
		})
	}
	return changes, nil
}

// displayValue renders strings as their text and everything else as
// canonical JSON. Absent and null fields render as nil.
func displayValue(v any, present bool) (*string, error) {
	if !present || v == nil {
		return nil, nil
	}
	if s, ok := v.(string); ok {
		return &s, nil
	}
	raw, err := encodeCanonical(v)
	if err != nil {
		return nil, err
	}
	s := string(raw)
	return &s, nil
}

func equalText(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return bytes.Equal([]byte(*a), []byte(*b))
}
