package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// captcha markers the listing site is known to use. URL markers catch the
// redirect flavor; DOM selectors catch the inline interstitial.
var (
	captchaURLMarkers = []string{"/showcaptcha", "captcha"}
	captchaSelectors  = []string{
		`form[action*="captcha"]`,
		`.CheckboxCaptcha`,
		`#captcha-container`,
		`iframe[src*="captcha"]`,
	}
)

// detectCaptcha reports whether the navigation landed on a challenge instead
// of listing content.
func detectCaptcha(finalURL, html string) bool {
	lowered := strings.ToLower(finalURL)
	for _, marker := range captchaURLMarkers {
		if strings.Contains(lowered, marker) {
			return true
		}
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return false
	}
	for _, sel := range captchaSelectors {
		if doc.Find(sel).Length() > 0 {
			return true
		}
	}
	return false
}
