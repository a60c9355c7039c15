package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// RawKind tags the shape a loosely typed field arrived in.
type RawKind int

const (
	RawAbsent RawKind = iota
	RawString
	RawList
	RawMap
)

func (k RawKind) String() string {
	switch k {
	case RawString:
		return "string"
	case RawList:
		return "list"
	case RawMap:
		return "map"
	default:
		return "absent"
	}
}

// Pair is one entry of a RawMap, kept in arrival order.
type Pair struct {
	Key   string
	Value string
}

// RawValue is String | List | Map, or absent. Numbers and booleans decode as
// their literal text; nested structures decode as compact JSON text.
type RawValue struct {
	Kind  RawKind
	Str   string
	List  []string
	Pairs []Pair
}

func StringValue(s string) RawValue {
	return RawValue{Kind: RawString, Str: s}
}

func ListValue(items ...string) RawValue {
	return RawValue{Kind: RawList, List: items}
}

func MapValue(pairs ...Pair) RawValue {
	return RawValue{Kind: RawMap, Pairs: pairs}
}

// Present reports whether the field was supplied at all.
func (v RawValue) Present() bool {
	return v.Kind != RawAbsent
}

// Values returns the map values in arrival order.
func (v RawValue) Values() []string {
	out := make([]string, 0, len(v.Pairs))
	for _, p := range v.Pairs {
		out = append(out, p.Value)
	}
	return out
}

func (v *RawValue) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("failed to read raw value: %w", err)
	}

	switch t := tok.(type) {
	case nil:
		*v = RawValue{}
	case string:
		*v = StringValue(t)
	case json.Number:
		*v = StringValue(t.String())
	case bool:
		*v = StringValue(strconv.FormatBool(t))
	case json.Delim:
		switch t {
		case '[':
			items := []string{}
			for dec.More() {
				var elem json.RawMessage
				if err := dec.Decode(&elem); err != nil {
					return fmt.Errorf("failed to read list element: %w", err)
				}
				items = append(items, scalarText(elem))
			}
			*v = ListValue(items...)
		case '{':
			pairs := []Pair{}
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return fmt.Errorf("failed to read map key: %w", err)
				}
				key, _ := keyTok.(string)
				var elem json.RawMessage
				if err := dec.Decode(&elem); err != nil {
					return fmt.Errorf("failed to read map value %q: %w", key, err)
				}
				pairs = append(pairs, Pair{Key: key, Value: scalarText(elem)})
			}
			*v = MapValue(pairs...)
		default:
			return fmt.Errorf("unexpected delimiter %q", t)
		}
	}

	return nil
}

func scalarText(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ""
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return s
		}
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return string(trimmed)
	}
	return buf.String()
}
