// Browser-shaped request headers.
//
// The engine backend sits behind bot detection that expects requests to look
// like they came from the web app. One stable Chrome fingerprint is used for
// the whole process lifetime: rotating per request trips the detection more
// often than a consistent identity does.
package upstream

import (
	"net/http"
	"net/url"
	"strings"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"

const secChUA = `"Not/A)Brand";v="8", "Chromium";v="126", "Google Chrome";v="126"`

// browserHeaders applies the fingerprint headers shared by Clerk and engine
// requests. origin is the web-app origin ("https://cto.new").
func browserHeaders(h http.Header, targetURL, origin string) {
	h.Set("User-Agent", defaultUserAgent)
	h.Set("Accept-Language", "en-US,en;q=0.9")
	// Accept-Encoding is left to the transport so responses come back
	// transparently decompressed.
	h.Set("sec-ch-ua", secChUA)
	h.Set("sec-ch-ua-mobile", "?0")
	h.Set("sec-ch-ua-platform", `"Windows"`)
	h.Set("Sec-Fetch-Dest", "empty")
	h.Set("Sec-Fetch-Mode", "cors")
	h.Set("Sec-Fetch-Site", fetchSite(origin, targetURL))
	h.Set("Origin", origin)
	h.Set("Referer", origin+"/")
}

// fetchSite infers the Sec-Fetch-Site value from origin and target hosts.
func fetchSite(origin, targetURL string) string {
	o := hostOf(origin)
	t := hostOf(targetURL)
	if o == "" || t == "" {
		return "cross-site"
	}
	if o == t {
		return "same-origin"
	}
	if registrableDomain(o) == registrableDomain(t) {
		return "same-site"
	}
	return "cross-site"
}

func hostOf(raw string) string {
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// registrableDomain keeps the last two labels of a hostname. Good enough for
// the two domains this gateway ever talks to.
func registrableDomain(host string) string {
	parts := strings.Split(host, ".")
	if len(parts) <= 2 {
		return host
	}
	return strings.Join(parts[len(parts)-2:], ".")
}
