package extractor

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/maltedev/vendor-sync/internal/models"
	"github.com/maltedev/vendor-sync/internal/parser"
)

var textParser = parser.New()

var currencyAmount = regexp.MustCompile(`(?i)(?:[$€£¥]\s*\d[\d.,' ]*|\d[\d.,' ]*\s*(?:[$€£¥]|usd|eur|gbp|chf|kr|zł))`)

var (
	nameSelectors = []string{
		`[itemprop="name"]`,
		".product-title",
		".product-name",
		".product__title",
		".product-card__title",
		".card__heading",
		".woocommerce-loop-product__title",
		".title",
		"h2",
		"h3",
		"h4",
		"a[title]",
	}
	priceSelectors = []string{
		`[itemprop="price"]`,
		"[data-price]",
		".sale-price",
		".price--sale",
		".price-item--sale",
		".price ins",
		".product-price",
		".price__current",
		".price",
		".money",
		".amount",
		`[class*="price"]`,
	}
	descriptionSelectors = []string{
		`[itemprop="description"]`,
		".product-description",
		".product-card__description",
		".description",
	}
	brandSelectors = []string{
		`[itemprop="brand"]`,
		".product-brand",
		".brand",
		".vendor",
	}
	skuSelectors = []string{
		`[itemprop="sku"]`,
		".product-sku",
		".sku",
	}
	stockSelectors = []string{
		".stock",
		".availability",
		".inventory",
		".product-stock",
	}
	variantSelectors = []string{
		"[data-size]",
		".size-option",
		".sizes li",
		".product-sizes li",
		`select[name*="size"] option`,
		".variant",
	}
	colorSelectors = []string{
		"[data-color]",
		".color-swatch",
		".colors li",
		".swatch",
	}
	idAttributes = []string{
		"data-product-id",
		"data-productid",
		"data-id",
		"data-sku",
		"data-item-id",
		"data-product",
	}
	imageAttributes = []string{"src", "data-src", "data-lazy-src", "data-original"}
)

// extractBlock reads one product block. Every field is optional; the block
// is kept when at least a name or a price was found.
func extractBlock(block *goquery.Selection, pageURL *url.URL) (models.RawProduct, bool) {
	name := blockName(block)
	price, hasPrice := blockPrice(block)
	if name == "" && !hasPrice {
		return models.RawProduct{}, false
	}

	var p models.RawProduct
	p.Name = name
	if hasPrice {
		p.Price = models.StringValue(price)
	}

	productURL := blockLink(block, pageURL)
	if productURL != "" {
		p.ProductURL = &productURL
	}
	if img := blockImage(block, pageURL); img != "" {
		p.ImageURL = &img
	}
	if desc := firstText(block, descriptionSelectors); desc != "" {
		p.Description = &desc
	}
	if brand := firstText(block, brandSelectors); brand != "" {
		p.Brand = &brand
	}

	sku := firstAttrOrText(block, skuSelectors, "content")
	if sku == "" {
		sku = attr(block, "data-sku")
	}
	if sku != "" {
		p.SKU = &sku
	}

	if stock, ok := blockStock(block); ok {
		p.Stock = models.StringValue(strconv.Itoa(stock))
	}
	if variants := collectTexts(block, variantSelectors, "data-size"); len(variants) > 0 {
		p.Variants = models.ListValue(variants...)
	}
	if colors := collectTexts(block, colorSelectors, "data-color"); len(colors) > 0 {
		p.Category = models.ListValue(colors...)
	}

	fullText := collapse(block.Text())
	if kg, ok := textParser.Weight(fullText); ok {
		p.Weight = models.StringValue(strconv.FormatFloat(kg, 'f', -1, 64))
	}
	if dims, ok := textParser.Dimensions(fullText); ok {
		p.Dimensions = &dims
	}
	if attrs := dataAttributes(block); len(attrs) > 0 {
		p.Attributes = models.MapValue(attrs...)
	}

	identity := productURL
	if identity == "" && pageURL != nil {
		identity = pageURL.String()
	}
	p.ExternalID = DeriveExternalID(blockID(block, sku), name, identity)

	return p, true
}

func blockName(block *goquery.Selection) string {
	if name := firstText(block, nameSelectors); name != "" {
		return name
	}
	if title := attr(block.Find("a[href]").First(), "title"); title != "" {
		return title
	}
	if alt := attr(block.Find("img[alt]").First(), "alt"); alt != "" {
		return alt
	}
	return collapse(block.Find("a[href]").First().Text())
}

func blockPrice(block *goquery.Selection) (string, bool) {
	if d, ok := textParser.Price(attr(block, "data-price")); ok {
		return d.String(), true
	}

	for _, selector := range priceSelectors {
		var found string
		block.Find(selector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			for _, candidate := range []string{attr(s, "content"), attr(s, "data-price"), collapse(s.Text())} {
				if d, ok := textParser.Price(candidate); ok {
					found = d.String()
					return false
				}
			}
			return true
		})
		if found != "" {
			return found, true
		}
	}

	if match := currencyAmount.FindString(collapse(block.Text())); match != "" {
		if d, ok := textParser.Price(match); ok {
			return d.String(), true
		}
	}
	return "", false
}

func blockLink(block *goquery.Selection, pageURL *url.URL) string {
	if goquery.NodeName(block) == "a" {
		if href := resolve(pageURL, attr(block, "href")); href != "" {
			return href
		}
	}
	var link string
	block.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		link = resolve(pageURL, attr(s, "href"))
		return link == ""
	})
	return link
}

func blockImage(block *goquery.Selection, pageURL *url.URL) string {
	img := block.Find("img").First()
	if img.Length() == 0 {
		return ""
	}
	for _, name := range imageAttributes {
		if src := resolve(pageURL, attr(img, name)); src != "" {
			return src
		}
	}
	if srcset := attr(img, "srcset"); srcset != "" {
		first := strings.Fields(strings.Split(srcset, ",")[0])
		if len(first) > 0 {
			return resolve(pageURL, first[0])
		}
	}
	return ""
}

func blockID(block *goquery.Selection, sku string) string {
	for _, name := range idAttributes {
		if id := attr(block, name); id != "" {
			return id
		}
	}
	for _, name := range idAttributes[:2] {
		if id := attr(block.Find("["+name+"]").First(), name); id != "" {
			return id
		}
	}
	return sku
}

func blockStock(block *goquery.Selection) (int, bool) {
	for _, name := range []string{"data-stock", "data-inventory", "data-quantity"} {
		if v := attr(block, name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				return n, true
			}
		}
	}
	if text := firstText(block, stockSelectors); text != "" {
		return textParser.Stock(text)
	}
	return 0, false
}

// collectTexts returns the distinct values of the first selector that
// matches, preferring attrName over element text.
func collectTexts(block *goquery.Selection, selectors []string, attrName string) []string {
	for _, selector := range selectors {
		var values []string
		seen := map[string]bool{}
		block.Find(selector).Each(func(_ int, s *goquery.Selection) {
			v := attr(s, attrName)
			if v == "" {
				v = attr(s, "title")
			}
			if v == "" {
				v = collapse(s.Text())
			}
			if v != "" && !seen[v] {
				seen[v] = true
				values = append(values, v)
			}
		})
		if len(values) > 0 {
			return values
		}
	}
	return nil
}

func dataAttributes(block *goquery.Selection) []models.Pair {
	if len(block.Nodes) == 0 {
		return nil
	}
	skip := map[string]bool{"data-price": true, "data-stock": true, "data-inventory": true, "data-quantity": true}
	for _, name := range idAttributes {
		skip[name] = true
	}

	var pairs []models.Pair
	for _, a := range block.Nodes[0].Attr {
		if !strings.HasPrefix(a.Key, "data-") || skip[a.Key] {
			continue
		}
		if v := strings.TrimSpace(a.Val); v != "" {
			pairs = append(pairs, models.Pair{Key: strings.TrimPrefix(a.Key, "data-"), Value: v})
		}
	}
	return pairs
}

func firstText(block *goquery.Selection, selectors []string) string {
	for _, selector := range selectors {
		var found string
		block.Find(selector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			found = collapse(s.Text())
			return found == ""
		})
		if found != "" {
			return found
		}
	}
	return ""
}

func firstAttrOrText(block *goquery.Selection, selectors []string, attrName string) string {
	for _, selector := range selectors {
		s := block.Find(selector).First()
		if s.Length() == 0 {
			continue
		}
		if v := attr(s, attrName); v != "" {
			return v
		}
		if v := collapse(s.Text()); v != "" {
			return v
		}
	}
	return ""
}

func attr(s *goquery.Selection, name string) string {
	v, _ := s.Attr(name)
	return strings.TrimSpace(v)
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
