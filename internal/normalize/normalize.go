// Package normalize converts loosely shaped vendor fields into the canonical
// forms stored in the catalog.
package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/maltedev/vendor-sync/internal/models"
	"github.com/shopspring/decimal"
)

var (
	ErrMissingExternalID = errors.New("externalId is required")
	ErrMissingName       = errors.New("name is required")
	ErrInvalidPrice      = errors.New("price must be a non-negative number")
)

// Variants returns the sizes list for any raw shape. Strings that hold a
// JSON array are decoded; any other string is one literal variant.
func Variants(v models.RawValue) []string {
	switch v.Kind {
	case models.RawString:
		s := strings.TrimSpace(v.Str)
		if s == "" {
			return []string{}
		}
		if strings.HasPrefix(s, "[") {
			var decoded models.RawValue
			if err := json.Unmarshal([]byte(s), &decoded); err == nil && decoded.Kind == models.RawList {
				return decoded.List
			}
		}
		return []string{v.Str}
	case models.RawList:
		out := make([]string, len(v.List))
		copy(out, v.List)
		return out
	case models.RawMap:
		return v.Values()
	default:
		return []string{}
	}
}

// Category returns the colors string for any raw shape.
func Category(v models.RawValue) string {
	switch v.Kind {
	case models.RawString:
		return v.Str
	case models.RawList:
		return strings.Join(v.List, ", ")
	case models.RawMap:
		return strings.Join(v.Values(), ", ")
	default:
		return ""
	}
}

// Price parses a strict numeric price. It is the one field whose failure
// rejects a record. Values that overflow float64 are not numbers either.
func Price(v models.RawValue) (float64, error) {
	if v.Kind != models.RawString {
		return 0, fmt.Errorf("%w: got %s", ErrInvalidPrice, v.Kind)
	}
	f, ok := finite(v.Str)
	if !ok || f < 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPrice, v.Str)
	}
	return f, nil
}

// Stock returns a whole stock count when one can be read and fits the
// stock column.
func Stock(v models.RawValue) (int, bool) {
	if v.Kind != models.RawString {
		return 0, false
	}
	s := strings.TrimSpace(v.Str)
	if n, err := strconv.ParseInt(s, 10, 32); err == nil {
		return int(n), true
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, false
	}
	d = d.Truncate(0)
	if d.LessThan(decimal.NewFromInt(math.MinInt32)) || d.GreaterThan(decimal.NewFromInt(math.MaxInt32)) {
		return 0, false
	}
	return int(d.IntPart()), true
}

// Weight returns a numeric weight when one can be read.
func Weight(v models.RawValue) (float64, bool) {
	if v.Kind != models.RawString {
		return 0, false
	}
	return finite(v.Str)
}

// finite parses s as a decimal that survives conversion to float64.
func finite(s string) (float64, bool) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, false
	}
	f := d.InexactFloat64()
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

// Attributes maps any raw shape onto a key-value map. Lists are keyed by
// position and a plain string is kept under "value".
func Attributes(v models.RawValue) map[string]string {
	out := map[string]string{}
	switch v.Kind {
	case models.RawMap:
		for _, p := range v.Pairs {
			out[p.Key] = p.Value
		}
	case models.RawList:
		for i, item := range v.List {
			out[strconv.Itoa(i)] = item
		}
	case models.RawString:
		s := strings.TrimSpace(v.Str)
		if strings.HasPrefix(s, "{") {
			var decoded models.RawValue
			if err := json.Unmarshal([]byte(s), &decoded); err == nil && decoded.Kind == models.RawMap {
				return Attributes(decoded)
			}
		}
		if s != "" {
			out["value"] = v.Str
		}
	}
	return out
}

// EncodeVariants serializes variants into the stored JSON array form.
func EncodeVariants(variants []string) string {
	if variants == nil {
		variants = []string{}
	}
	data, err := json.Marshal(variants)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// EncodeAttributes serializes attributes into the stored JSON object form.
func EncodeAttributes(attrs map[string]string) string {
	if attrs == nil {
		attrs = map[string]string{}
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// Product validates and normalizes one record. Only a missing externalId,
// missing name or unusable price produce an error; every other field
// degrades to absent.
func Product(raw models.RawProduct) (models.NormalizedProduct, error) {
	n := models.NormalizedProduct{
		ExternalID: strings.TrimSpace(raw.ExternalID),
		Name:       strings.TrimSpace(raw.Name),
	}
	if n.ExternalID == "" {
		return n, ErrMissingExternalID
	}
	if n.Name == "" {
		return n, ErrMissingName
	}

	price, err := Price(raw.Price)
	if err != nil {
		return n, err
	}
	n.Price = price

	n.Description = trimmed(raw.Description)
	n.ImageURL = trimmed(raw.ImageURL)
	n.ProductURL = trimmed(raw.ProductURL)
	n.SKU = trimmed(raw.SKU)
	n.Brand = trimmed(raw.Brand)
	n.Dimensions = trimmed(raw.Dimensions)

	if stock, ok := Stock(raw.Stock); ok {
		n.Stock = &stock
	}
	if weight, ok := Weight(raw.Weight); ok {
		n.Weight = &weight
	}
	if raw.Category.Present() {
		category := Category(raw.Category)
		n.Category = &category
	}
	if raw.Variants.Present() {
		n.Variants = Variants(raw.Variants)
	}
	if raw.Attributes.Present() {
		n.Attributes = Attributes(raw.Attributes)
	}

	return n, nil
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	return &v
}
