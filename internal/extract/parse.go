// Package extract implements the listing extractor: API interception, HTML
// fallback and metadata parsing against a live browser session.
package extract

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Field keys produced by the parsers. These are the keys the merger and
// validator operate on.
const (
	fieldName         = "name"
	fieldTitle        = "title"
	fieldAddress      = "address"
	fieldRating       = "rating"
	fieldReviewsCount = "reviews_count"
	fieldCategories   = "categories"
	fieldRubric       = "rubric"
	fieldPhone        = "phone"
	fieldWebsite      = "website"
	fieldHours        = "hours"
)

// parseListingAPI normalizes an intercepted listing API payload into the
// shared field map. Unknown keys are dropped; nested "data" envelopes are
// unwrapped.
func parseListingAPI(body []byte) (map[string]any, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	if inner, ok := raw["data"].(map[string]any); ok {
		raw = inner
	}

	out := map[string]any{}
	copyIfPresent(out, raw, fieldName, "name", "title")
	copyIfPresent(out, raw, fieldAddress, "address", "full_address")
	copyIfPresent(out, raw, fieldRating, "rating", "score")
	copyIfPresent(out, raw, fieldReviewsCount, "reviews_count", "review_count", "reviews")
	copyIfPresent(out, raw, fieldPhone, "phone", "phones")
	copyIfPresent(out, raw, fieldWebsite, "website", "url")
	copyIfPresent(out, raw, fieldHours, "hours", "working_hours")
	copyIfPresent(out, raw, fieldRubric, "rubric")

	if cats, ok := raw["categories"]; ok {
		out[fieldCategories] = toStringSlice(cats)
	}
	return out, nil
}

// parseListingHTML extracts listing fields from rendered markup. It leans on
// microdata attributes first and falls back to the listing page's class names.
func parseListingHTML(html string) (map[string]any, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, err
	}

	out := map[string]any{}

	if title := firstText(doc,
		`h1[itemprop="name"]`,
		`.business-card__title`,
		`h1.orgpage-header__header`,
		"h1",
	); title != "" {
		out[fieldTitle] = title
	}

	if addr := firstText(doc,
		`[itemprop="address"]`,
		`.business-card__address`,
		`.orgpage-header__address`,
	); addr != "" {
		out[fieldAddress] = addr
	}

	if rating := firstAttrOrText(doc, "content",
		`meta[itemprop="ratingValue"]`,
		`[itemprop="ratingValue"]`,
		`.business-rating__value`,
	); rating != "" {
		if f, err := strconv.ParseFloat(normalizeNumber(rating), 64); err == nil {
			out[fieldRating] = f
		}
	}

	if count := firstAttrOrText(doc, "content",
		`meta[itemprop="reviewCount"]`,
		`[itemprop="reviewCount"]`,
		`.business-rating__count`,
	); count != "" {
		if n, err := strconv.Atoi(digitsOnly(count)); err == nil {
			out[fieldReviewsCount] = n
		}
	}

	var categories []string
	doc.Find(`.business-card__categories a, .orgpage-categories__link, [itemprop="category"]`).
		Each(func(_ int, s *goquery.Selection) {
			if text := strings.TrimSpace(s.Text()); text != "" {
				categories = append(categories, text)
			}
		})
	if len(categories) > 0 {
		out[fieldCategories] = categories
	}

	if phone := firstText(doc, `[itemprop="telephone"]`, `.business-card__phone`); phone != "" {
		out[fieldPhone] = phone
	}

	return out, nil
}

// parseJSONLD pulls schema.org LocalBusiness data out of ld+json blocks.
// The first block with a recognizable shape wins.
func parseJSONLD(html string) (map[string]any, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, err
	}

	var out map[string]any
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		var raw map[string]any
		if err := json.Unmarshal([]byte(s.Text()), &raw); err != nil {
			return true
		}
		parsed := fromJSONLD(raw)
		if len(parsed) == 0 {
			return true
		}
		out = parsed
		return false
	})
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func fromJSONLD(raw map[string]any) map[string]any {
	out := map[string]any{}
	copyIfPresent(out, raw, fieldName, "name")
	copyIfPresent(out, raw, fieldWebsite, "url")

	switch addr := raw["address"].(type) {
	case string:
		if addr != "" {
			out[fieldAddress] = addr
		}
	case map[string]any:
		parts := []string{}
		for _, key := range []string{"streetAddress", "addressLocality", "addressRegion"} {
			if v, ok := addr[key].(string); ok && v != "" {
				parts = append(parts, v)
			}
		}
		if len(parts) > 0 {
			out[fieldAddress] = strings.Join(parts, ", ")
		}
	}

	if agg, ok := raw["aggregateRating"].(map[string]any); ok {
		if v, ok := asFloat(agg["ratingValue"]); ok {
			out[fieldRating] = v
		}
		if v, ok := asFloat(agg["reviewCount"]); ok {
			out[fieldReviewsCount] = int(v)
		}
	}

	if t, ok := raw["@type"].(string); ok && t != "" && t != "WebPage" {
		out[fieldRubric] = t
	}
	return out
}

func copyIfPresent(dst, src map[string]any, dstKey string, srcKeys ...string) {
	for _, key := range srcKeys {
		v, ok := src[key]
		if !ok || v == nil {
			continue
		}
		if s, isStr := v.(string); isStr && s == "" {
			continue
		}
		dst[dstKey] = v
		return
	}
}

func firstText(doc *goquery.Document, selectors ...string) string {
	for _, sel := range selectors {
		if text := strings.TrimSpace(doc.Find(sel).First().Text()); text != "" {
			return text
		}
	}
	return ""
}

func firstAttrOrText(doc *goquery.Document, attr string, selectors ...string) string {
	for _, sel := range selectors {
		node := doc.Find(sel).First()
		if v, ok := node.Attr(attr); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		if text := strings.TrimSpace(node.Text()); text != "" {
			return text
		}
	}
	return ""
}

func toStringSlice(v any) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			switch t := item.(type) {
			case string:
				out = append(out, t)
			case map[string]any:
				if name, ok := t["name"].(string); ok {
					out = append(out, name)
				}
			}
		}
		return out
	case string:
		if vals == "" {
			return nil
		}
		return []string{vals}
	default:
		return nil
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(normalizeNumber(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func normalizeNumber(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, ",", "."))
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
