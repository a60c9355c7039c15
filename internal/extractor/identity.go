package extractor

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var trackingParams = map[string]bool{
	"gclid":   true,
	"fbclid":  true,
	"msclkid": true,
	"ref":     true,
	"_pos":    true,
	"_sid":    true,
	"_ss":     true,
}

// DeriveExternalID returns explicit when the page exposes an identifier.
// Otherwise it hashes the folded name together with the canonical product
// URL, so an unchanged page yields the same id on every run.
func DeriveExternalID(explicit, name, productURL string) string {
	if id := strings.TrimSpace(explicit); id != "" {
		return id
	}

	sum := sha256.Sum256([]byte(foldName(name) + "\x00" + CanonicalURL(productURL)))
	return "h-" + hex.EncodeToString(sum[:])[:20]
}

func foldName(name string) string {
	folded := strings.ToLower(norm.NFKC.String(name))
	return strings.Join(strings.Fields(folded), " ")
}

// CanonicalURL drops fragments and tracking parameters and sorts the rest.
func CanonicalURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return strings.TrimSpace(raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""

	query := u.Query()
	for key := range query {
		if strings.HasPrefix(strings.ToLower(key), "utm_") || trackingParams[strings.ToLower(key)] {
			query.Del(key)
		}
	}
	u.RawQuery = query.Encode()

	if u.Path != "/" {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}
	u.RawPath = ""

	return u.String()
}

// resolve makes href absolute against base. Empty and script links resolve
// to "".
func resolve(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "data:") {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if base == nil {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}
