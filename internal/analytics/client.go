package analytics

import (
	"net/http"
	"strings"
)

// Edge headers that carry the viewer's ISO country code, in priority order.
var countryHeaders = []string{
	"CloudFront-Viewer-Country",
	"CF-IPCountry",
	"X-Country-Code",
	"X-Appengine-Country",
}

// Unknown is the bucket for attributes that could not be derived.
const Unknown = "unknown"

// CountryFromHeaders returns the viewer country reported by the CDN, or ""
// when no edge header carries a usable code.
func CountryFromHeaders(h http.Header) string {
	for _, name := range countryHeaders {
		code := strings.ToUpper(strings.TrimSpace(h.Get(name)))
		switch {
		case code == "", code == "XX", code == "T1":
			// XX is unknown and T1 is Tor in Cloudflare's scheme.
			continue
		case len(code) == 2:
			return code
		}
	}
	return ""
}

// ParseUserAgent classifies a User-Agent into a device class and browser
// family. Both are best effort.
func ParseUserAgent(ua string) (device, browser string) {
	if strings.TrimSpace(ua) == "" {
		return Unknown, Unknown
	}
	s := strings.ToLower(ua)
	return deviceClass(s), browserFamily(s)
}

func deviceClass(ua string) string {
	switch {
	case containsAny(ua, "bot", "crawler", "spider", "curl/", "wget/"):
		return "bot"
	case containsAny(ua, "ipad", "tablet", "kindle", "silk/"):
		return "tablet"
	case strings.Contains(ua, "android") && !strings.Contains(ua, "mobile"):
		return "tablet"
	case containsAny(ua, "smart-tv", "smarttv", "appletv", "roku", "crkey"):
		return "tv"
	case containsAny(ua, "mobi", "iphone", "ipod", "android"):
		return "mobile"
	}
	return "desktop"
}

func browserFamily(ua string) string {
	switch {
	case strings.Contains(ua, "edg/"), strings.Contains(ua, "edge/"):
		return "Edge"
	case strings.Contains(ua, "opr/"), strings.Contains(ua, "opera"):
		return "Opera"
	case strings.Contains(ua, "samsungbrowser/"):
		return "Samsung Internet"
	case strings.Contains(ua, "firefox/"), strings.Contains(ua, "fxios/"):
		return "Firefox"
	case strings.Contains(ua, "chrome/"), strings.Contains(ua, "crios/"), strings.Contains(ua, "chromium/"):
		return "Chrome"
	case strings.Contains(ua, "safari/"):
		return "Safari"
	}
	return "Other"
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
