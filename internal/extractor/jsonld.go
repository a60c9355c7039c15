package extractor

import (
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/maltedev/vendor-sync/internal/models"
)

// JSONLDExtractor reads schema.org Product data embedded as JSON-LD,
// including products nested in ItemList and @graph containers.
type JSONLDExtractor struct{}

func (j *JSONLDExtractor) Name() string { return "json-ld" }

func (j *JSONLDExtractor) Extract(doc *goquery.Document, pageURL *url.URL) []models.RawProduct {
	var products []models.RawProduct
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		var data any
		if err := json.Unmarshal([]byte(s.Text()), &data); err != nil {
			return
		}
		collectLD(data, pageURL, &products)
	})
	return products
}

func collectLD(node any, pageURL *url.URL, out *[]models.RawProduct) {
	switch v := node.(type) {
	case []any:
		for _, item := range v {
			collectLD(item, pageURL, out)
		}
	case map[string]any:
		if graph, ok := v["@graph"]; ok {
			collectLD(graph, pageURL, out)
		}
		switch {
		case hasType(v, "Product"), hasType(v, "ProductGroup"):
			if p, ok := productFromLD(v, pageURL); ok {
				*out = append(*out, p)
			}
		case hasType(v, "ItemList"):
			elements, _ := v["itemListElement"].([]any)
			for _, elem := range elements {
				if m, ok := elem.(map[string]any); ok {
					if item, ok := m["item"]; ok {
						collectLD(item, pageURL, out)
						continue
					}
				}
				collectLD(elem, pageURL, out)
			}
		}
	}
}

func hasType(m map[string]any, want string) bool {
	switch t := m["@type"].(type) {
	case string:
		return strings.EqualFold(t, want)
	case []any:
		for _, item := range t {
			if s, ok := item.(string); ok && strings.EqualFold(s, want) {
				return true
			}
		}
	}
	return false
}

func productFromLD(m map[string]any, pageURL *url.URL) (models.RawProduct, bool) {
	name := ldString(m["name"])
	offer := firstMap(m["offers"])

	var price string
	if offer != nil {
		for _, key := range []string{"price", "lowPrice"} {
			if d, ok := textParser.Price(ldString(offer[key])); ok {
				price = d.String()
				break
			}
		}
		if price == "" {
			if spec := firstMap(offer["priceSpecification"]); spec != nil {
				if d, ok := textParser.Price(ldString(spec["price"])); ok {
					price = d.String()
				}
			}
		}
	}
	if name == "" && price == "" {
		return models.RawProduct{}, false
	}

	var p models.RawProduct
	p.Name = name
	if price != "" {
		p.Price = models.StringValue(price)
	}

	productURL := resolve(pageURL, ldString(m["url"]))
	if productURL == "" && offer != nil {
		productURL = resolve(pageURL, ldString(offer["url"]))
	}
	if productURL != "" {
		p.ProductURL = &productURL
	}
	if img := resolve(pageURL, ldImage(m["image"])); img != "" {
		p.ImageURL = &img
	}
	if desc := ldString(m["description"]); desc != "" {
		p.Description = &desc
	}
	if brand := ldName(m["brand"]); brand != "" {
		p.Brand = &brand
	}

	sku := ldString(m["sku"])
	if sku != "" {
		p.SKU = &sku
	}

	if offer != nil {
		if level := firstMap(offer["inventoryLevel"]); level != nil {
			if v := ldString(level["value"]); v != "" {
				p.Stock = models.StringValue(v)
			}
		}
		if !p.Stock.Present() {
			availability := strings.ToLower(ldString(offer["availability"]))
			if strings.HasSuffix(availability, "outofstock") || strings.HasSuffix(availability, "soldout") {
				p.Stock = models.StringValue("0")
			}
		}
	}

	if colors := ldStrings(m["color"]); len(colors) > 0 {
		p.Category = models.ListValue(colors...)
	}
	if sizes := ldStrings(m["size"]); len(sizes) > 0 {
		p.Variants = models.ListValue(sizes...)
	} else if variants, ok := m["hasVariant"].([]any); ok {
		var names []string
		for _, v := range variants {
			if vm, ok := v.(map[string]any); ok {
				if label := firstNonEmpty(ldString(vm["size"]), ldString(vm["name"])); label != "" {
					names = append(names, label)
				}
			}
		}
		if len(names) > 0 {
			p.Variants = models.ListValue(names...)
		}
	}

	if kg, ok := ldWeight(m["weight"]); ok {
		p.Weight = models.StringValue(strconv.FormatFloat(kg, 'f', -1, 64))
	}
	if dims := ldDimensions(m); dims != "" {
		p.Dimensions = &dims
	}

	var attrs []models.Pair
	for _, key := range []string{"category", "gtin", "gtin13", "gtin8", "mpn", "material"} {
		if v := ldString(m[key]); v != "" {
			attrs = append(attrs, models.Pair{Key: key, Value: v})
		}
	}
	if props, ok := m["additionalProperty"].([]any); ok {
		for _, prop := range props {
			if pm, ok := prop.(map[string]any); ok {
				if k, v := ldString(pm["name"]), ldString(pm["value"]); k != "" && v != "" {
					attrs = append(attrs, models.Pair{Key: k, Value: v})
				}
			}
		}
	}
	if len(attrs) > 0 {
		p.Attributes = models.MapValue(attrs...)
	}

	identity := productURL
	if identity == "" && pageURL != nil {
		identity = pageURL.String()
	}
	explicit := firstNonEmpty(sku, ldString(m["productID"]), ldString(m["mpn"]), ldString(m["gtin13"]))
	p.ExternalID = DeriveExternalID(explicit, name, identity)

	return p, true
}

func ldString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

func ldStrings(v any) []string {
	switch t := v.(type) {
	case []any:
		var out []string
		for _, item := range t {
			if s := ldString(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		if s := ldString(v); s != "" {
			return []string{s}
		}
		return nil
	}
}

func ldName(v any) string {
	if m := firstMap(v); m != nil {
		return ldString(m["name"])
	}
	return ldString(v)
}

func ldImage(v any) string {
	switch t := v.(type) {
	case []any:
		if len(t) > 0 {
			return ldImage(t[0])
		}
	case map[string]any:
		return firstNonEmpty(ldString(t["url"]), ldString(t["contentUrl"]))
	}
	return ldString(v)
}

func ldWeight(v any) (float64, bool) {
	m := firstMap(v)
	if m == nil {
		return textParser.Weight(ldString(v))
	}
	value, err := strconv.ParseFloat(strings.Replace(ldString(m["value"]), ",", ".", 1), 64)
	if err != nil || value <= 0 {
		return 0, false
	}
	switch strings.ToUpper(ldString(m["unitCode"])) {
	case "GRM":
		return value / 1000, true
	case "LBR":
		return value * 0.45359237, true
	case "ONZ":
		return value * 0.028349523125, true
	default:
		return value, true
	}
}

func ldDimensions(m map[string]any) string {
	var parts []string
	unit := ""
	for _, key := range []string{"depth", "width", "height"} {
		dim := firstMap(m[key])
		if dim == nil {
			return ""
		}
		value := ldString(dim["value"])
		if value == "" {
			return ""
		}
		parts = append(parts, value)
		if unit == "" {
			switch strings.ToUpper(ldString(dim["unitCode"])) {
			case "CMT":
				unit = "cm"
			case "MMT":
				unit = "mm"
			case "INH":
				unit = "in"
			case "MTR":
				unit = "m"
			}
		}
	}
	return strings.TrimSpace(strings.Join(parts, " x ") + " " + unit)
}

func firstMap(v any) map[string]any {
	switch t := v.(type) {
	case map[string]any:
		return t
	case []any:
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				return m
			}
		}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
