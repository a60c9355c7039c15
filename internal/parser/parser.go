// Package parser reads numeric product facts out of free-form listing text.
package parser

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// TextParser holds the compiled patterns used against block text.
type TextParser struct {
	pricePattern      *regexp.Regexp
	dimensionPatterns []*regexp.Regexp
	weightPatterns    []*regexp.Regexp
	stockPatterns     []*regexp.Regexp
	outOfStock        *regexp.Regexp
}

func New() *TextParser {
	return &TextParser{
		pricePattern: regexp.MustCompile(`\d+(?:[.,'\x{00a0} ]\d{3})*(?:[.,]\d{1,2})?`),
		dimensionPatterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)(\d+(?:[,.]\d+)?)\s*[x×]\s*(\d+(?:[,.]\d+)?)\s*[x×]\s*(\d+(?:[,.]\d+)?)\s*(cm|mm|m|zoll|inch|in|")`),
			regexp.MustCompile(`(?i)(?:dimensions|abmessungen|size)\s*:?\s*(\d+(?:[,.]\d+)?)\s*[x×]\s*(\d+(?:[,.]\d+)?)\s*[x×]\s*(\d+(?:[,.]\d+)?)\s*(cm|mm|m)`),
		},
		weightPatterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)(?:weight|gewicht)\s*:?\s*(\d+(?:[,.]\d+)?)\s*(kg|kilogramm|kilograms?|g|gramm|grams?|mg|lbs?|pounds?|oz|ounces?)\b`),
			regexp.MustCompile(`(?i)(\d+(?:[,.]\d+)?)\s*(kg|kilogramm|kilograms?|gramm|grams?|lbs?|pounds?|oz)\b`),
		},
		stockPatterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)(?:only|nur noch)\s+(\d+)\s+(?:left|übrig|verfügbar)`),
			regexp.MustCompile(`(?i)(\d+)\s*(?:in stock|available|auf lager|verfügbar|stück|pcs)`),
			regexp.MustCompile(`(?i)(?:stock|bestand)\s*:?\s*(\d+)`),
		},
		outOfStock: regexp.MustCompile(`(?i)out of stock|sold out|ausverkauft|nicht verfügbar`),
	}
}

// Price returns the first positive amount in s. Both "1.299,00" and
// "1,299.00" read as 1299.00.
func (p *TextParser) Price(s string) (decimal.Decimal, bool) {
	match := p.pricePattern.FindString(s)
	if match == "" {
		return decimal.Zero, false
	}

	d, err := decimal.NewFromString(normalizeNumber(match))
	if err != nil || !d.IsPositive() {
		return decimal.Zero, false
	}
	return d, true
}

// Dimensions returns "L x W x H unit" when a three-part measurement is found.
func (p *TextParser) Dimensions(s string) (string, bool) {
	for _, pattern := range p.dimensionPatterns {
		matches := pattern.FindStringSubmatch(s)
		if len(matches) < 5 {
			continue
		}
		l, w, h := p.parseFloat(matches[1]), p.parseFloat(matches[2]), p.parseFloat(matches[3])
		if l > 0 && w > 0 && h > 0 {
			return fmt.Sprintf("%s x %s x %s %s", formatFloat(l), formatFloat(w), formatFloat(h), normalizeUnit(matches[4])), true
		}
	}
	return "", false
}

// Weight returns the weight in kilograms.
func (p *TextParser) Weight(s string) (float64, bool) {
	for _, pattern := range p.weightPatterns {
		matches := pattern.FindStringSubmatch(s)
		if len(matches) < 3 {
			continue
		}
		value := p.parseFloat(matches[1])
		if value <= 0 {
			continue
		}
		if kg, ok := toKilograms(value, normalizeWeightUnit(matches[2])); ok {
			return kg, true
		}
	}
	return 0, false
}

// Stock returns a stock count from availability text. Sold-out wording
// counts as zero.
func (p *TextParser) Stock(s string) (int, bool) {
	for _, pattern := range p.stockPatterns {
		matches := pattern.FindStringSubmatch(s)
		if len(matches) < 2 {
			continue
		}
		if n, err := strconv.Atoi(matches[1]); err == nil {
			return n, true
		}
	}
	if p.outOfStock.MatchString(s) {
		return 0, true
	}
	return 0, false
}

func (p *TextParser) parseFloat(s string) float64 {
	s = strings.Replace(s, ",", ".", -1)
	s = strings.TrimSpace(s)
	val, _ := strconv.ParseFloat(s, 64)
	return val
}

func normalizeNumber(s string) string {
	s = strings.NewReplacer(" ", "", "\u00a0", "", "'", "").Replace(s)

	lastComma := strings.LastIndex(s, ",")
	lastDot := strings.LastIndex(s, ".")

	switch {
	case lastComma >= 0 && lastDot >= 0:
		if lastComma > lastDot {
			s = strings.Replace(s, ".", "", -1)
			return strings.Replace(s, ",", ".", 1)
		}
		return strings.Replace(s, ",", "", -1)
	case lastComma >= 0:
		if strings.Count(s, ",") == 1 && len(s)-lastComma-1 <= 2 {
			return strings.Replace(s, ",", ".", 1)
		}
		return strings.Replace(s, ",", "", -1)
	case lastDot >= 0:
		if strings.Count(s, ".") == 1 && len(s)-lastDot-1 != 3 {
			return s
		}
		return strings.Replace(s, ".", "", -1)
	}
	return s
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func normalizeUnit(unit string) string {
	unit = strings.ToLower(strings.TrimSpace(unit))
	switch unit {
	case "cm", "centimeter", "zentimeter":
		return "cm"
	case "mm", "millimeter":
		return "mm"
	case "m", "meter":
		return "m"
	case "inch", "in", "zoll", "\"":
		return "in"
	default:
		return unit
	}
}

func normalizeWeightUnit(unit string) string {
	unit = strings.ToLower(strings.TrimSpace(unit))
	switch unit {
	case "kg", "kilogramm", "kilogram", "kilograms", "kilo":
		return "kg"
	case "g", "gramm", "gram", "grams":
		return "g"
	case "mg", "milligramm":
		return "mg"
	case "lb", "lbs", "pound", "pounds":
		return "lb"
	case "oz", "ounce", "ounces":
		return "oz"
	default:
		return unit
	}
}

func toKilograms(value float64, unit string) (float64, bool) {
	switch unit {
	case "kg":
		return value, true
	case "g":
		return value / 1000, true
	case "mg":
		return value / 1_000_000, true
	case "lb":
		return value * 0.45359237, true
	case "oz":
		return value * 0.028349523125, true
	default:
		return 0, false
	}
}
