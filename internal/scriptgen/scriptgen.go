// Package scriptgen renders the push-integration script a vendor embeds on
// their own storefront.
package scriptgen

import (
	"bytes"
	"crypto/rand"
	"embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"text/template"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var (
	scriptTmpl  = template.Must(template.ParseFS(templateFS, "templates/sync.js.tmpl"))
	snippetTmpl = template.Must(template.ParseFS(templateFS, "templates/snippet.html.tmpl"))
)

// Selectors are the DOM conventions the script scans for.
type Selectors struct {
	Blocks      []string `json:"blocks"`
	Name        []string `json:"name"`
	Price       []string `json:"price"`
	Description []string `json:"description"`
}

var DefaultSelectors = Selectors{
	Blocks:      []string{"[data-product-id]", ".product", ".product-item", ".product-card"},
	Name:        []string{"[data-product-name]", ".product-name", ".product-title", "h2", "h3"},
	Price:       []string{"[data-price]", ".price", ".product-price"},
	Description: []string{".product-description", ".description"},
}

// Integration is what a vendor pastes into their site.
type Integration struct {
	VendorID   string `json:"vendorId"`
	APIBaseURL string `json:"apiBaseUrl"`
	Endpoint   string `json:"endpoint"`
	Script     string `json:"script"`
	Snippet    string `json:"snippet"`
}

type scriptConfig struct {
	VendorID   string `json:"vendorId"`
	APIBaseURL string `json:"apiBaseUrl"`
	APIKey     string `json:"apiKey"`
}

// Generate renders the script and matching HTML snippet for one vendor.
func Generate(vendorID, apiBaseURL, apiKey string) (*Integration, error) {
	vendorID = strings.TrimSpace(vendorID)
	if vendorID == "" {
		return nil, fmt.Errorf("vendor id is required")
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	base, err := normalizeBaseURL(apiBaseURL)
	if err != nil {
		return nil, err
	}

	// encoding/json escapes <, > and & so the values cannot close the
	// surrounding script element.
	config, err := json.Marshal(scriptConfig{VendorID: vendorID, APIBaseURL: base, APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("failed to encode script config: %w", err)
	}
	selectors, err := json.Marshal(DefaultSelectors)
	if err != nil {
		return nil, fmt.Errorf("failed to encode selectors: %w", err)
	}

	var script bytes.Buffer
	if err := scriptTmpl.Execute(&script, map[string]string{
		"Config":    string(config),
		"Selectors": string(selectors),
	}); err != nil {
		return nil, fmt.Errorf("failed to render script: %w", err)
	}

	var snippet bytes.Buffer
	if err := snippetTmpl.Execute(&snippet, map[string]string{
		"VendorID": vendorID,
		"Script":   script.String(),
	}); err != nil {
		return nil, fmt.Errorf("failed to render snippet: %w", err)
	}

	return &Integration{
		VendorID:   vendorID,
		APIBaseURL: base,
		Endpoint:   base + "/api/v1/vendors/" + url.PathEscape(vendorID) + "/products/bulk",
		Script:     script.String(),
		Snippet:    snippet.String(),
	}, nil
}

func normalizeBaseURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid api base url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("invalid api base url %q: must be an absolute http(s) url", raw)
	}
	u.RawQuery = ""
	u.Fragment = ""
	return strings.TrimRight(u.String(), "/"), nil
}

// NewAPIKey returns a random vendor API key.
func NewAPIKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate api key: %w", err)
	}
	return "vk_" + hex.EncodeToString(buf), nil
}
