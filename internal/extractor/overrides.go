package extractor

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/maltedev/vendor-sync/internal/models"
	"gopkg.in/yaml.v3"
)

// OverrideFile is the on-disk form of per-site selector overrides:
//
//	sites:
//	  - host: shop.example.com
//	    block: ".tile"
//	    fields:
//	      externalId: "@data-code"
//	      name: ".tile-name"
//	      price: ".tile-price"
//	      imageUrl: "img@src"
//
// A field spec is a CSS selector for text, "selector@attr" for an attribute
// of the match, or "@attr" for an attribute of the block itself.
type OverrideFile struct {
	Sites []SiteOverride `yaml:"sites"`
}

type SiteOverride struct {
	Host   string            `yaml:"host"`
	Block  string            `yaml:"block"`
	Fields map[string]string `yaml:"fields"`
}

var overrideFields = map[string]bool{
	"externalId":  true,
	"name":        true,
	"price":       true,
	"description": true,
	"stock":       true,
	"imageUrl":    true,
	"productUrl":  true,
	"sku":         true,
	"brand":       true,
	"category":    true,
	"variants":    true,
	"weight":      true,
	"dimensions":  true,
}

// LoadOverrides reads and validates an override file.
func LoadOverrides(path string) (*OverrideFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read overrides: %w", err)
	}
	return ParseOverrides(data)
}

func ParseOverrides(data []byte) (*OverrideFile, error) {
	var f OverrideFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse overrides: %w", err)
	}

	for i, site := range f.Sites {
		if strings.TrimSpace(site.Host) == "" {
			return nil, fmt.Errorf("site %d: host is required", i)
		}
		if strings.TrimSpace(site.Block) == "" {
			return nil, fmt.Errorf("site %s: block selector is required", site.Host)
		}
		for field := range site.Fields {
			if !overrideFields[field] {
				return nil, fmt.Errorf("site %s: unknown field %q", site.Host, field)
			}
		}
	}
	return &f, nil
}

// Register adds one SelectorExtractor per site to r.
func (f *OverrideFile) Register(r *Registry) {
	for _, site := range f.Sites {
		r.Register(site.Host, &SelectorExtractor{Site: site})
	}
}

// SelectorExtractor applies a fixed block selector and field map. Fields
// without a selector fall back to the heuristic field readers.
type SelectorExtractor struct {
	Site SiteOverride
}

func (s *SelectorExtractor) Name() string { return "override:" + normalizeHost(s.Site.Host) }

func (s *SelectorExtractor) Extract(doc *goquery.Document, pageURL *url.URL) []models.RawProduct {
	var products []models.RawProduct

	doc.Find(s.Site.Block).Each(func(_ int, block *goquery.Selection) {
		p, ok := extractBlock(block, pageURL)
		if !ok {
			p = models.RawProduct{}
		}
		s.apply(block, pageURL, &p)

		if p.Name == "" && !p.Price.Present() {
			return
		}
		products = append(products, p)
	})

	return products
}

func (s *SelectorExtractor) apply(block *goquery.Selection, pageURL *url.URL, p *models.RawProduct) {
	value := func(field string) (string, bool) {
		spec, ok := s.Site.Fields[field]
		if !ok || spec == "" {
			return "", false
		}
		return lookup(block, spec), true
	}
	optional := func(field string, dst **string, isURL bool) {
		if v, ok := value(field); ok {
			if isURL {
				v = resolve(pageURL, v)
			}
			if v != "" {
				*dst = &v
			} else {
				*dst = nil
			}
		}
	}

	if v, ok := value("name"); ok {
		p.Name = v
	}
	if v, ok := value("price"); ok {
		p.Price = models.RawValue{}
		if d, found := textParser.Price(v); found {
			p.Price = models.StringValue(d.String())
		}
	}
	optional("description", &p.Description, false)
	optional("imageUrl", &p.ImageURL, true)
	optional("productUrl", &p.ProductURL, true)
	optional("sku", &p.SKU, false)
	optional("brand", &p.Brand, false)
	optional("dimensions", &p.Dimensions, false)

	if v, ok := value("stock"); ok {
		if n, found := textParser.Stock(v); found {
			p.Stock = models.StringValue(fmt.Sprint(n))
		} else {
			p.Stock = models.StringValue(v)
		}
	}
	if v, ok := value("weight"); ok && v != "" {
		p.Weight = models.StringValue(v)
		if kg, found := textParser.Weight(v); found {
			p.Weight = models.StringValue(fmt.Sprint(kg))
		}
	}
	if spec, ok := s.Site.Fields["variants"]; ok && spec != "" {
		p.Variants = models.ListValue(lookupAll(block, spec)...)
	}
	if spec, ok := s.Site.Fields["category"]; ok && spec != "" {
		p.Category = models.ListValue(lookupAll(block, spec)...)
	}

	identity := ""
	if p.ProductURL != nil {
		identity = *p.ProductURL
	} else if pageURL != nil {
		identity = pageURL.String()
	}
	explicit, _ := value("externalId")
	if explicit == "" {
		sku := ""
		if p.SKU != nil {
			sku = *p.SKU
		}
		explicit = blockID(block, sku)
	}
	p.ExternalID = DeriveExternalID(explicit, p.Name, identity)
}

// lookup evaluates one field spec against block.
func lookup(block *goquery.Selection, spec string) string {
	selector, attrName := splitSpec(spec)
	target := block
	if selector != "" {
		target = block.Find(selector).First()
	}
	if attrName != "" {
		return attr(target, attrName)
	}
	return collapse(target.Text())
}

func lookupAll(block *goquery.Selection, spec string) []string {
	selector, attrName := splitSpec(spec)
	if selector == "" {
		if v := lookup(block, spec); v != "" {
			return []string{v}
		}
		return []string{}
	}
	values := []string{}
	block.Find(selector).Each(func(_ int, s *goquery.Selection) {
		v := collapse(s.Text())
		if attrName != "" {
			v = attr(s, attrName)
		}
		if v != "" {
			values = append(values, v)
		}
	})
	return values
}

func splitSpec(spec string) (selector, attrName string) {
	spec = strings.TrimSpace(spec)
	if i := strings.LastIndex(spec, "@"); i >= 0 {
		return strings.TrimSpace(spec[:i]), strings.TrimSpace(spec[i+1:])
	}
	return spec, ""
}
