package extractor

import (
	"net/url"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/maltedev/vendor-sync/internal/models"
)

// PageExtractor turns one rendered document into product records. An
// extractor that does not recognize the page returns nil.
type PageExtractor interface {
	Name() string
	Extract(doc *goquery.Document, pageURL *url.URL) []models.RawProduct
}

// Registry holds site-specific extractors ahead of the default chain.
type Registry struct {
	mu        sync.RWMutex
	overrides map[string][]PageExtractor
	defaults  []PageExtractor
}

// NewRegistry builds a registry whose fallback chain is defaults, or the
// built-in heuristics when none are given.
func NewRegistry(defaults ...PageExtractor) *Registry {
	if len(defaults) == 0 {
		defaults = DefaultExtractors()
	}
	return &Registry{
		overrides: make(map[string][]PageExtractor),
		defaults:  defaults,
	}
}

// DefaultExtractors returns the heuristic chain in priority order.
func DefaultExtractors() []PageExtractor {
	return []PageExtractor{
		&JSONLDExtractor{},
		&ClassPatternExtractor{},
		&StructuralExtractor{MinRepeats: 3},
	}
}

// Register puts ex ahead of the defaults for pages on host.
func (r *Registry) Register(host string, ex PageExtractor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := normalizeHost(host)
	r.overrides[key] = append(r.overrides[key], ex)
}

// Extract runs the chain for pageURL's host and returns the first non-empty
// result together with the name of the extractor that produced it.
func (r *Registry) Extract(doc *goquery.Document, pageURL *url.URL) ([]models.RawProduct, string) {
	for _, ex := range r.chain(pageURL) {
		if products := ex.Extract(doc, pageURL); len(products) > 0 {
			return products, ex.Name()
		}
	}
	return []models.RawProduct{}, "none"
}

func (r *Registry) chain(pageURL *url.URL) []PageExtractor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var chain []PageExtractor
	if pageURL != nil {
		chain = append(chain, r.overrides[normalizeHost(pageURL.Hostname())]...)
	}
	return append(chain, r.defaults...)
}

func normalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	return strings.TrimPrefix(host, "www.")
}
