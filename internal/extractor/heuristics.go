package extractor

import (
	"net/url"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/maltedev/vendor-sync/internal/models"
)

var blockSelectors = []string{
	".product-card",
	".product-item",
	".product-tile",
	".grid-product",
	".product-grid-item",
	"li.product",
	"[data-product-id]",
	`[itemtype*="schema.org/Product"]`,
	".product",
	`[class*="product-card"]`,
	`[class*="ProductCard"]`,
}

// ClassPatternExtractor looks for blocks carrying common storefront class
// names and attributes.
type ClassPatternExtractor struct{}

func (c *ClassPatternExtractor) Name() string { return "class-pattern" }

func (c *ClassPatternExtractor) Extract(doc *goquery.Document, pageURL *url.URL) []models.RawProduct {
	for _, selector := range blockSelectors {
		blocks := outermost(doc.Find(selector), selector)
		if blocks.Length() == 0 {
			continue
		}
		if products := extractBlocks(blocks, pageURL); len(products) > 0 {
			return products
		}
	}
	return nil
}

// StructuralExtractor finds the largest run of sibling elements that share
// a tag and class signature and look like product tiles.
type StructuralExtractor struct {
	MinRepeats int
}

func (s *StructuralExtractor) Name() string { return "structural" }

func (s *StructuralExtractor) Extract(doc *goquery.Document, pageURL *url.URL) []models.RawProduct {
	minRepeats := s.MinRepeats
	if minRepeats < 2 {
		minRepeats = 3
	}

	var best []*goquery.Selection
	bestScore := 0

	doc.Find("body *").Each(func(_ int, parent *goquery.Selection) {
		children := parent.Children()
		if children.Length() < minRepeats {
			return
		}

		groups := make(map[string][]*goquery.Selection)
		var order []string
		children.Each(func(_ int, child *goquery.Selection) {
			sig := signature(child)
			if sig == "" {
				return
			}
			if _, ok := groups[sig]; !ok {
				order = append(order, sig)
			}
			groups[sig] = append(groups[sig], child)
		})

		for _, sig := range order {
			nodes := groups[sig]
			if len(nodes) < minRepeats {
				continue
			}
			score := 0
			for _, n := range nodes {
				if looksLikeProduct(n) {
					score++
				}
			}
			if score >= minRepeats && score > bestScore {
				best = nodes
				bestScore = score
			}
		}
	})

	var products []models.RawProduct
	for _, block := range best {
		if p, ok := extractBlock(block, pageURL); ok {
			products = append(products, p)
		}
	}
	return products
}

func extractBlocks(blocks *goquery.Selection, pageURL *url.URL) []models.RawProduct {
	var products []models.RawProduct
	blocks.Each(func(_ int, block *goquery.Selection) {
		if p, ok := extractBlock(block, pageURL); ok {
			products = append(products, p)
		}
	})
	return products
}

// outermost drops matches nested inside another match of the same selector.
func outermost(blocks *goquery.Selection, selector string) *goquery.Selection {
	return blocks.FilterFunction(func(_ int, s *goquery.Selection) bool {
		return s.ParentsFiltered(selector).Length() == 0
	})
}

func signature(s *goquery.Selection) string {
	tag := goquery.NodeName(s)
	switch tag {
	case "", "#text", "script", "style", "noscript", "br", "hr", "template":
		return ""
	}
	classes := strings.Fields(attr(s, "class"))
	sort.Strings(classes)
	return tag + "." + strings.Join(classes, ".")
}

func looksLikeProduct(s *goquery.Selection) bool {
	if s.Find("a[href], img").Length() == 0 {
		return false
	}
	return currencyAmount.MatchString(collapse(s.Text()))
}
