// Package normalize classifies raw event attributes into canonical
// categories. Every function here is pure and total: bad input maps to
// "unknown" or "other", never to an error.
package normalize

import (
	"net/url"
	"strings"

	"github.com/sightline/sightline/pkg/types"
)

var mobilePatterns = []string{"mobile", "android", "iphone", "ipod", "blackberry", "windows phone"}

var tabletPatterns = []string{"ipad", "tablet", "playbook", "silk"}

// trafficSourceBuckets maps attribution categories to coarse buckets.
// Absent attribution is treated as direct.
var trafficSourceBuckets = map[string]string{
	"paid_search":    "paid",
	"paid_social":    "paid",
	"display":        "paid",
	"cpc":            "paid",
	"ppc":            "paid",
	"organic_search": "organic",
	"organic":        "organic",
	"organic_social": "social",
	"social":         "social",
	"email":          "email",
	"newsletter":     "email",
	"referral":       "referral",
	"direct":         "direct",
	"(none)":         "direct",
}

// Event produces the normalized block for a raw event.
func Event(ev *types.RawEvent) types.NormalizedBlock {
	device := DeviceCategory(ev.UserAgent)
	return types.NormalizedBlock{
		DeviceCategory: device,
		BrowserFamily:  BrowserFamily(ev.UserAgent),
		OSFamily:       OSFamily(ev.UserAgent),
		PageCategory:   PageCategory(ev.Path),
		TrafficSource:  TrafficSource(ev.Attribution),
		IsMobile:       device == "mobile",
		Domain:         Domain(ev.URL),
		PathDepth:      PathDepth(ev.Path),
	}
}

// DeviceCategory classifies the user agent as mobile, tablet, desktop, or
// unknown for an empty agent.
func DeviceCategory(userAgent string) string {
	if userAgent == "" {
		return "unknown"
	}
	ua := strings.ToLower(userAgent)

	// Tablets first: an iPad agent also matches "mobile" in some builds.
	for _, p := range tabletPatterns {
		if strings.Contains(ua, p) {
			return "tablet"
		}
	}
	for _, p := range mobilePatterns {
		if strings.Contains(ua, p) {
			return "mobile"
		}
	}
	return "desktop"
}

// BrowserFamily extracts a lower-cased, space-stripped browser family token.
func BrowserFamily(userAgent string) string {
	ua := strings.ToLower(userAgent)
	switch {
	case ua == "":
		return "unknown"
	case strings.Contains(ua, "edg/"), strings.Contains(ua, "edge"):
		return "edge"
	case strings.Contains(ua, "opr/"), strings.Contains(ua, "opera"):
		return "opera"
	case strings.Contains(ua, "samsungbrowser"):
		return "samsunginternet"
	case strings.Contains(ua, "firefox"):
		return "firefox"
	case strings.Contains(ua, "chrome"), strings.Contains(ua, "crios"):
		return "chrome"
	case strings.Contains(ua, "safari"):
		return "safari"
	case strings.Contains(ua, "msie"), strings.Contains(ua, "trident"):
		return "ie"
	default:
		return "unknown"
	}
}

// OSFamily extracts a lower-cased, space-stripped OS family token.
func OSFamily(userAgent string) string {
	ua := strings.ToLower(userAgent)
	switch {
	case ua == "":
		return "unknown"
	case strings.Contains(ua, "windows phone"):
		return "windowsphone"
	case strings.Contains(ua, "windows"):
		return "windows"
	case strings.Contains(ua, "iphone"), strings.Contains(ua, "ipad"), strings.Contains(ua, "ipod"):
		return "ios"
	case strings.Contains(ua, "mac os x"), strings.Contains(ua, "macintosh"):
		return "macos"
	case strings.Contains(ua, "android"):
		return "android"
	case strings.Contains(ua, "linux"):
		return "linux"
	default:
		return "unknown"
	}
}

// PageCategory pattern-matches the URL path against known page vocabularies.
func PageCategory(path string) string {
	p := strings.ToLower(strings.TrimSpace(path))
	if p == "" || p == "/" || strings.HasPrefix(p, "/index") || strings.HasPrefix(p, "/home") {
		return "home"
	}

	switch {
	case containsAny(p, "/product", "/item", "/p/"):
		return "product"
	case containsAny(p, "/category", "/collection", "/shop", "/c/"):
		return "category"
	case containsAny(p, "/cart", "/checkout", "/payment", "/order"):
		return "checkout"
	case containsAny(p, "/account", "/login", "/signup", "/register", "/profile"):
		return "account"
	case containsAny(p, "/blog", "/article", "/news", "/post", "/guide"):
		return "content"
	default:
		return "other"
	}
}

// TrafficSource maps an attribution block to a coarse traffic-source bucket.
func TrafficSource(attr *types.Attribution) string {
	if attr == nil {
		return "direct"
	}
	category := strings.ToLower(strings.TrimSpace(attr.Category))
	if category == "" {
		category = strings.ToLower(strings.TrimSpace(attr.Medium))
	}
	if category == "" {
		return "direct"
	}
	if bucket, ok := trafficSourceBuckets[category]; ok {
		return bucket
	}
	return "other"
}

// Domain extracts the host from a URL, or "" when it cannot be parsed.
func Domain(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// PathDepth counts the non-empty segments of a URL path.
func PathDepth(path string) int {
	depth := 0
	for _, seg := range strings.Split(path, "/") {
		if seg != "" {
			depth++
		}
	}
	return depth
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
